package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/sirupsen/logrus"
)

// Event is one raw message received on a market's feed.
type Event struct {
	Market     models.MarketType
	Data       []byte
	ReceivedAt time.Time
}

type ConnConfig struct {
	Market           models.MarketType
	URL              string
	Subscribe        string // optional text frame sent after every (re)connect
	ReconnectDelay   time.Duration
	MaxReconnects    int // 0 retries forever
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

// Conn is a single market's live channel. It walks
// disconnected -> connecting -> connected and back on any transport error,
// retrying after a fixed delay until its context is cancelled.
type Conn struct {
	cfg    ConnConfig
	events chan<- Event
	logger *logrus.Entry

	mu       sync.RWMutex
	status   models.ConnStatus
	lastSeen time.Time
}

func NewConn(cfg ConnConfig, events chan<- Event, logger *logrus.Logger) *Conn {
	return &Conn{
		cfg:    cfg,
		events: events,
		logger: logger.WithFields(logrus.Fields{"market": cfg.Market, "url": cfg.URL}),
		status: models.ConnStatusDisconnected,
	}
}

func (c *Conn) Market() models.MarketType {
	return c.cfg.Market
}

func (c *Conn) Status() models.ConnStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastSeen is when the last message arrived; zero if none yet.
func (c *Conn) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Conn) setStatus(s models.ConnStatus) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	c.mu.Unlock()

	if prev != s {
		c.logger.WithField("status", s).Info("Feed status changed")
	}
}

// Run blocks until ctx is cancelled or reconnect attempts are exhausted.
// The connection is always left disconnected when Run returns.
func (c *Conn) Run(ctx context.Context) {
	defer c.setStatus(models.ConnStatusDisconnected)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.setStatus(models.ConnStatusConnecting)
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.setStatus(models.ConnStatusDisconnected)

		if connected {
			failures = 0
		}
		failures++
		if c.cfg.MaxReconnects > 0 && failures > c.cfg.MaxReconnects {
			c.logger.WithError(err).WithField("max_reconnects", c.cfg.MaxReconnects).Error("Giving up on feed")
			return
		}
		c.logger.WithError(err).WithField("attempt", failures).Warn("Feed connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// session dials once and pumps messages until the socket fails.
func (c *Conn) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to connect to feed: %w", err)
	}
	defer ws.Close()

	if c.cfg.Subscribe != "" {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(c.cfg.Subscribe)); err != nil {
			return false, fmt.Errorf("failed to send subscribe frame: %w", err)
		}
	}

	c.setStatus(models.ConnStatusConnected)

	stop := make(chan struct{})
	defer close(stop)

	// Unblock ReadMessage on teardown.
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	if c.cfg.PingInterval > 0 {
		go c.keepAlive(ws, stop)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}

		now := time.Now()
		c.mu.Lock()
		c.lastSeen = now
		c.mu.Unlock()

		select {
		case c.events <- Event{Market: c.cfg.Market, Data: data, ReceivedAt: now}:
		case <-ctx.Done():
			return true, nil
		}
	}
}

func (c *Conn) keepAlive(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.WithError(err).Debug("Failed to send ping")
			}
		}
	}
}
