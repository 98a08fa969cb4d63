// Package feed owns the live market channels for a single round.
//
// A Pool is built per round, opens exactly the markets that round needs, and
// is closed when the round ends. No connection outlives its pool.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrPoolClosed = errors.New("feed pool closed")
	ErrPoolOpened = errors.New("feed pool already opened")
	ErrNoFeedURL  = errors.New("no feed url configured")
	ErrNoMarkets  = errors.New("no markets requested")
)

type PoolConfig struct {
	URLs             map[models.MarketType]string
	Subscribe        map[models.MarketType]string
	ReconnectDelay   time.Duration
	MaxReconnects    int
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	BufferSize       int
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		URLs:             make(map[models.MarketType]string),
		Subscribe:        make(map[models.MarketType]string),
		ReconnectDelay:   3 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		BufferSize:       1024,
	}
}

type Pool struct {
	cfg    PoolConfig
	logger *logrus.Logger

	mu     sync.Mutex
	conns  map[models.MarketType]*Conn
	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
	opened bool
	closed bool
}

func NewPool(cfg PoolConfig, logger *logrus.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[models.MarketType]*Conn),
	}
}

// Open starts one connection per market and returns the merged event stream.
// The channel is closed once Close has stopped every connection.
func (p *Pool) Open(ctx context.Context, markets []models.MarketType) (<-chan Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.opened {
		return nil, ErrPoolOpened
	}
	if len(markets) == 0 {
		return nil, ErrNoMarkets
	}
	for _, m := range markets {
		if p.cfg.URLs[m] == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoFeedURL, m)
		}
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.events = make(chan Event, p.cfg.BufferSize)
	p.opened = true

	for _, m := range markets {
		if _, ok := p.conns[m]; ok {
			continue
		}
		conn := NewConn(ConnConfig{
			Market:           m,
			URL:              p.cfg.URLs[m],
			Subscribe:        p.cfg.Subscribe[m],
			ReconnectDelay:   p.cfg.ReconnectDelay,
			MaxReconnects:    p.cfg.MaxReconnects,
			HandshakeTimeout: p.cfg.HandshakeTimeout,
			PingInterval:     p.cfg.PingInterval,
		}, p.events, p.logger)
		p.conns[m] = conn

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			conn.Run(ctx)
		}()
	}

	p.logger.WithField("markets", markets).Info("Opened feed pool")
	return p.events, nil
}

// Statuses reports every opened market's connection status.
func (p *Pool) Statuses() map[models.MarketType]models.ConnStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[models.MarketType]models.ConnStatus, len(p.conns))
	for m, c := range p.conns {
		out[m] = c.Status()
	}
	return out
}

// Close stops every connection and waits for them to exit. It is safe to
// call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	p.wg.Wait()
	close(p.events)

	p.logger.Info("Closed feed pool")
	return nil
}
