package roundapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregtusar/roundboard/pkg/models"
	"golang.org/x/time/rate"
)

var ErrRoundNotFound = errors.New("round not found")

// Client fetches round metadata from the game backend.
type Client struct {
	baseURL    string
	auth       Authenticator
	limiter    *rate.Limiter
	httpClient *http.Client
}

type Option func(*Client)

func WithAuthenticator(a Authenticator) Option {
	return func(c *Client) {
		if a != nil {
			c.auth = a
		}
	}
}

// WithRateLimit caps requests per second; burst allows short spikes.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       noAuth{},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRound fetches a round by id.
func (c *Client) GetRound(ctx context.Context, id string) (*models.Round, error) {
	return c.fetchRound(ctx, "/rounds/"+url.PathEscape(id), nil)
}

// GetCurrentRound fetches the round currently open for a game type.
func (c *Client) GetCurrentRound(ctx context.Context, gameType models.GameType) (*models.Round, error) {
	q := url.Values{}
	q.Set("game_type", string(gameType))
	return c.fetchRound(ctx, "/rounds/current", q)
}

func (c *Client) fetchRound(ctx context.Context, path string, query url.Values) (*models.Round, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrRoundNotFound, path)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("round api %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var round models.Round
	if err := json.NewDecoder(resp.Body).Decode(&round); err != nil {
		return nil, fmt.Errorf("failed to decode round: %w", err)
	}
	round.NormalizeMarkets()
	if err := round.Validate(); err != nil {
		return nil, err
	}
	return &round, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	if err := c.auth.AddAuthHeaders(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("round api request failed: %w", err)
	}
	return resp, nil
}
