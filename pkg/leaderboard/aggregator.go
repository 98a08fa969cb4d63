// Package leaderboard keeps a live, ranked view of a round's instruments.
//
// An Aggregator owns one round: it opens the round's feeds, decodes every
// message with the market's decoder, applies quotes to a Board from a single
// event loop, and copies the board into a readable Snapshot on a fixed
// interval. When the round's end time passes the aggregator closes its feeds
// and stops; a new round needs a new Aggregator.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/roundboard/pkg/decoder"
	"github.com/gregtusar/roundboard/pkg/feed"
	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/gregtusar/roundboard/pkg/roundclock"
	"github.com/sirupsen/logrus"
)

const DefaultSnapshotInterval = 500 * time.Millisecond

// Source is the set of live feeds a round reads from. feed.Pool implements it.
type Source interface {
	Open(ctx context.Context, markets []models.MarketType) (<-chan feed.Event, error)
	Statuses() map[models.MarketType]models.ConnStatus
	Close() error
}

// Publisher receives every refreshed snapshot.
type Publisher interface {
	Publish(ctx context.Context, snap models.Snapshot) error
}

type Option func(*Aggregator)

func WithClock(clock roundclock.Clock) Option {
	return func(a *Aggregator) { a.clock = clock }
}

func WithDecoders(r decoder.Registry) Option {
	return func(a *Aggregator) { a.decoders = r }
}

func WithPublisher(p Publisher) Option {
	return func(a *Aggregator) { a.publisher = p }
}

func WithSnapshotInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

type Aggregator struct {
	id        string
	round     *models.Round
	source    Source
	decoders  decoder.Registry
	publisher Publisher
	clock     roundclock.Clock
	interval  time.Duration
	logger    *logrus.Entry

	// owned by the Run loop
	board *Board
	state models.RoundState

	mu       sync.RWMutex
	snapshot models.Snapshot

	done     chan struct{}
	doneOnce sync.Once
}

func New(round *models.Round, source Source, logger *logrus.Logger, opts ...Option) (*Aggregator, error) {
	a := &Aggregator{
		id:       uuid.NewString(),
		round:    round,
		source:   source,
		decoders: decoder.DefaultRegistry(),
		clock:    roundclock.System(),
		interval: DefaultSnapshotInterval,
		board:    NewBoard(round),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, m := range round.RequiredMarkets() {
		if _, err := a.decoders.For(m); err != nil {
			return nil, fmt.Errorf("round %s: %w", round.ID, err)
		}
	}
	for _, ri := range round.Instruments {
		if _, err := a.decoders.For(round.InstrumentMarket(ri)); err != nil {
			return nil, fmt.Errorf("round %s: instrument %s: %w", round.ID, ri.Code, err)
		}
	}

	a.logger = logger.WithFields(logrus.Fields{
		"round_id":   round.ID,
		"session_id": a.id,
	})
	a.state = roundclock.StateAt(round, a.clock())
	a.snapshot = a.buildSnapshot(a.clock())
	return a, nil
}

func (a *Aggregator) ID() string {
	return a.id
}

func (a *Aggregator) Round() *models.Round {
	return a.round
}

// Done is closed once the aggregator has torn down its feeds.
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}

// Snapshot returns the most recently published copy of the leaderboard.
func (a *Aggregator) Snapshot() models.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Run processes feed events until the round completes (returns nil) or ctx
// is cancelled (returns ctx.Err()). Either way every feed is closed first.
func (a *Aggregator) Run(ctx context.Context) error {
	markets := a.round.RequiredMarkets()

	events, err := a.source.Open(ctx, markets)
	if err != nil {
		a.teardown()
		return fmt.Errorf("failed to open feeds: %w", err)
	}
	defer a.teardown()

	a.logger.WithFields(logrus.Fields{
		"markets": markets,
		"state":   a.state,
	}).Info("Aggregator started")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Aggregator cancelled")
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			now := a.clock()
			if a.observe(now) == models.RoundStateCompleted {
				return nil
			}
			a.handle(ev, now)

		case <-ticker.C:
			now := a.clock()
			if a.observe(now) == models.RoundStateCompleted {
				return nil
			}
			a.refresh(ctx, now)
		}
	}
}

// observe advances the round state from the clock and logs transitions.
func (a *Aggregator) observe(now time.Time) models.RoundState {
	state := roundclock.StateAt(a.round, now)
	if state != a.state {
		a.logger.WithFields(logrus.Fields{
			"from": a.state,
			"to":   state,
		}).Info("Round state changed")
		a.state = state
		if state == models.RoundStateTracking {
			a.board.StartTracking()
		}
	}
	return state
}

func (a *Aggregator) handle(ev feed.Event, now time.Time) {
	dec, err := a.decoders.For(ev.Market)
	if err != nil {
		a.logger.WithError(err).Warn("Dropping message")
		return
	}

	quotes, err := dec.Decode(ev.Data, now)
	switch {
	case err == nil:
	case errors.Is(err, decoder.ErrMalformedPayload):
		a.logger.WithError(err).WithField("market", ev.Market).Warn("Dropping malformed message")
		return
	default:
		a.logger.WithError(err).WithField("market", ev.Market).Warn("Skipped undecodable records")
	}

	changed := false
	for _, q := range quotes {
		if a.board.Apply(a.state, q) {
			changed = true
		}
	}
	if changed {
		a.board.Rank()
	}
}

func (a *Aggregator) buildSnapshot(now time.Time) models.Snapshot {
	statuses := a.source.Statuses()
	return models.Snapshot{
		RoundID:     a.round.ID,
		State:       a.state,
		Status:      models.OverallStatus(statuses),
		Markets:     statuses,
		Instruments: a.board.Instruments(),
		UpdatedAt:   now,
	}
}

func (a *Aggregator) refresh(ctx context.Context, now time.Time) {
	snap := a.buildSnapshot(now)

	a.mu.Lock()
	a.snapshot = snap
	a.mu.Unlock()

	if a.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := a.publisher.Publish(pctx, snap); err != nil {
		a.logger.WithError(err).Warn("Failed to publish snapshot")
	}
}

// teardown closes every feed, publishes the final board and signals Done.
func (a *Aggregator) teardown() {
	a.doneOnce.Do(func() {
		if err := a.source.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close feeds")
		}
		a.refresh(context.Background(), a.clock())
		close(a.done)
		a.logger.WithField("state", a.state).Info("Aggregator stopped")
	})
}
