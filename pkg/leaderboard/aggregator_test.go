package leaderboard

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/roundboard/pkg/decoder"
	"github.com/gregtusar/roundboard/pkg/feed"
	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeSource hands the aggregator a channel the test writes to.
type fakeSource struct {
	events  chan feed.Event
	openErr error

	mu     sync.Mutex
	opened []models.MarketType
	closed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan feed.Event)}
}

func (s *fakeSource) Open(ctx context.Context, markets []models.MarketType) (<-chan feed.Event, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.mu.Lock()
	s.opened = markets
	s.mu.Unlock()
	return s.events, nil
}

func (s *fakeSource) Statuses() map[models.MarketType]models.ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.MarketType]models.ConnStatus)
	for _, m := range s.opened {
		if s.closed {
			out[m] = models.ConnStatusDisconnected
		} else {
			out[m] = models.ConnStatusConnected
		}
	}
	return out
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []models.Snapshot
}

func (p *recordingPublisher) Publish(ctx context.Context, snap models.Snapshot) error {
	p.mu.Lock()
	p.snaps = append(p.snaps, snap)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func send(t *testing.T, src *fakeSource, market models.MarketType, payload string) {
	t.Helper()
	select {
	case src.events <- feed.Event{Market: market, Data: []byte(payload), ReceivedAt: time.Now()}:
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator did not accept event")
	}
}

func instrumentIn(snap models.Snapshot, code string) (models.Instrument, bool) {
	for _, in := range snap.Instruments {
		if in.Code == code {
			return in, true
		}
	}
	return models.Instrument{}, false
}

func startAggregator(t *testing.T, round *models.Round, clock *fakeClock, opts ...Option) (*Aggregator, *fakeSource, chan error) {
	t.Helper()
	src := newFakeSource()
	opts = append([]Option{WithClock(clock.Now), WithSnapshotInterval(5 * time.Millisecond)}, opts...)
	agg, err := New(round, src, testLogger(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- agg.Run(ctx) }()
	return agg, src, errCh
}

func TestAggregator_TrackingScenario(t *testing.T) {
	round := testRound()
	T := round.PlacementEndTime
	clock := &fakeClock{now: T.Add(-time.Second)}

	agg, src, errCh := startAggregator(t, round, clock)

	send(t, src, models.MarketTypeCrypto, `{"symbol":"btc","price":100}`)
	waitFor(t, func() bool {
		in, _ := instrumentIn(agg.Snapshot(), "BTC")
		return in.Price == 100
	})
	if in, _ := instrumentIn(agg.Snapshot(), "BTC"); in.ChangePercent != 0 {
		t.Errorf("pre-tracking change = %v, want 0", in.ChangePercent)
	}

	clock.Set(T.Add(time.Second))
	send(t, src, models.MarketTypeCrypto, `{"symbol":"BTC","price":105}`)
	waitFor(t, func() bool {
		in, _ := instrumentIn(agg.Snapshot(), "BTC")
		return in.Price == 105
	})
	snap := agg.Snapshot()
	if snap.State != models.RoundStateTracking {
		t.Errorf("state = %s, want tracking", snap.State)
	}
	if in, _ := instrumentIn(snap, "BTC"); in.Baseline != 105 || in.ChangePercent != 0 {
		t.Errorf("first tracking tick: baseline %v change %v", in.Baseline, in.ChangePercent)
	}

	send(t, src, models.MarketTypeCrypto, `{"symbol":"BTC","price":110}`)
	waitFor(t, func() bool {
		in, _ := instrumentIn(agg.Snapshot(), "BTC")
		return in.Price == 110
	})
	btc, _ := instrumentIn(agg.Snapshot(), "BTC")
	if btc.ChangePercent != 4.7619 {
		t.Errorf("change = %v, want 4.7619", btc.ChangePercent)
	}
	if btc.Rank != 1 {
		t.Errorf("rank = %d, want 1", btc.Rank)
	}

	// Round ends: feeds close and Run returns nil.
	clock.Set(round.EndTime.Add(time.Second))
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after round end")
	}

	select {
	case <-agg.Done():
	default:
		t.Error("Done not closed")
	}
	if !src.isClosed() {
		t.Error("feeds not closed at round end")
	}

	final := agg.Snapshot()
	if final.State != models.RoundStateCompleted {
		t.Errorf("final state = %s, want completed", final.State)
	}
	if final.Status != models.ConnStatusDisconnected {
		t.Errorf("final status = %s, want disconnected", final.Status)
	}
	if in, _ := instrumentIn(final, "BTC"); in.Price != 110 {
		t.Errorf("final price = %v, want 110", in.Price)
	}
}

func TestAggregator_BaselineClearedUntilFirstTrackingTick(t *testing.T) {
	round := testRound()
	T := round.PlacementEndTime
	clock := &fakeClock{now: T.Add(-time.Second)}
	agg, src, _ := startAggregator(t, round, clock)

	send(t, src, models.MarketTypeCrypto, `{"symbol":"btc","price":100}`)
	waitFor(t, func() bool {
		in, _ := instrumentIn(agg.Snapshot(), "BTC")
		return in.Baseline == 100
	})

	// No tick after the transition: the ticker alone moves the round on.
	clock.Set(T.Add(time.Second))
	waitFor(t, func() bool { return agg.Snapshot().State == models.RoundStateTracking })

	btc, _ := instrumentIn(agg.Snapshot(), "BTC")
	if btc.Baseline != 0 || btc.ChangePercent != 0 {
		t.Errorf("baseline %v change %v, want 0/0 before the first tracking tick", btc.Baseline, btc.ChangePercent)
	}

	send(t, src, models.MarketTypeCrypto, `{"symbol":"btc","price":103}`)
	waitFor(t, func() bool {
		in, _ := instrumentIn(agg.Snapshot(), "BTC")
		return in.Baseline == 103
	})
}

func TestAggregator_AppliesPartiallyValidPayload(t *testing.T) {
	round := testRound()
	round.Instruments = append(round.Instruments, models.RoundInstrument{Code: "RELIANCE", Market: models.MarketTypeNSE})
	clock := &fakeClock{now: round.PlacementEndTime.Add(time.Second)}
	agg, src, _ := startAggregator(t, round, clock)

	send(t, src, models.MarketTypeNSE, `[{"code":"infy","price":"n/a"},{"code":"reliance","price":2901.5}]`)
	waitFor(t, func() bool {
		in, _ := instrumentIn(agg.Snapshot(), "RELIANCE")
		return in.Price == 2901.5
	})
}

func TestAggregator_DropsMessageArrivingAfterEnd(t *testing.T) {
	round := testRound()
	clock := &fakeClock{now: round.PlacementEndTime.Add(time.Second)}

	// A long snapshot interval means only the message itself can notice the end.
	agg, src, errCh := startAggregator(t, round, clock, WithSnapshotInterval(time.Hour))

	send(t, src, models.MarketTypeCrypto, `{"symbol":"ETH","price":50}`)
	clock.Set(round.EndTime)
	send(t, src, models.MarketTypeCrypto, `{"symbol":"ETH","price":75}`)

	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	eth, _ := instrumentIn(agg.Snapshot(), "ETH")
	if eth.Price != 50 {
		t.Errorf("price = %v, want 50 (late tick must be dropped)", eth.Price)
	}
}

func TestAggregator_MalformedPayloadIsDropped(t *testing.T) {
	round := testRound()
	clock := &fakeClock{now: round.PlacementEndTime.Add(time.Second)}
	agg, src, _ := startAggregator(t, round, clock)

	send(t, src, models.MarketTypeCrypto, `not json`)
	send(t, src, models.MarketTypeCOMEX, `{"unexpected":true}`)
	send(t, src, models.MarketTypeCrypto, `{"symbol":"eth","price":"42.5"}`)

	waitFor(t, func() bool {
		in, _ := instrumentIn(agg.Snapshot(), "ETH")
		return in.Price == 42.5
	})
}

func TestAggregator_OpensRequiredMarkets(t *testing.T) {
	round := testRound()
	round.GameType = models.GameTypeSevenUpDown
	clock := &fakeClock{now: round.StartTime}
	_, src, _ := startAggregator(t, round, clock)

	waitFor(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.opened) == len(models.AllMarkets)
	})

	src.mu.Lock()
	defer src.mu.Unlock()
	if !reflect.DeepEqual(src.opened, models.AllMarkets) {
		t.Errorf("opened = %v, want %v", src.opened, models.AllMarkets)
	}
}

func TestAggregator_CrossMarketRanking(t *testing.T) {
	round := testRound()
	clock := &fakeClock{now: round.PlacementEndTime}
	agg, src, _ := startAggregator(t, round, clock)

	send(t, src, models.MarketTypeCrypto, `{"symbol":"BTC","price":100}`)
	send(t, src, models.MarketTypeCOMEX, `[[["GOLDZ99", 2000]]]`)
	send(t, src, models.MarketTypeCrypto, `{"symbol":"BTC","price":95}`)
	send(t, src, models.MarketTypeCOMEX, `[[["GOLDZ99", 2040]]]`)

	waitFor(t, func() bool {
		in, _ := instrumentIn(agg.Snapshot(), "GOLD")
		return in.Price == 2040
	})

	snap := agg.Snapshot()
	if snap.Instruments[0].Code != "GOLD" || snap.Instruments[0].Rank != 1 {
		t.Errorf("leader = %+v, want GOLD at rank 1", snap.Instruments[0])
	}
	if snap.Instruments[0].ChangePercent != 2 {
		t.Errorf("GOLD change = %v, want 2", snap.Instruments[0].ChangePercent)
	}
	last := snap.Instruments[len(snap.Instruments)-1]
	if last.Code != "BTC" || last.ChangePercent != -5 {
		t.Errorf("last = %+v, want BTC at -5%%", last)
	}
}

func TestAggregator_CancelClosesFeeds(t *testing.T) {
	round := testRound()
	clock := &fakeClock{now: round.StartTime}
	src := newFakeSource()
	agg, err := New(round, src, testLogger(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- agg.Run(ctx) }()

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if !src.isClosed() {
		t.Error("feeds not closed on cancel")
	}
}

func TestAggregator_OpenFailure(t *testing.T) {
	round := testRound()
	src := newFakeSource()
	src.openErr = feed.ErrNoFeedURL

	agg, err := New(round, src, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := agg.Run(context.Background()); !errors.Is(err, feed.ErrNoFeedURL) {
		t.Errorf("Run() error = %v, want ErrNoFeedURL", err)
	}
	<-agg.Done()
}

func TestAggregator_PublishesSnapshots(t *testing.T) {
	round := testRound()
	clock := &fakeClock{now: round.StartTime}
	pub := &recordingPublisher{}
	startAggregator(t, round, clock, WithPublisher(pub))

	waitFor(t, func() bool { return pub.count() >= 2 })
}

func TestNew_RejectsUnsupportedMarket(t *testing.T) {
	round := testRound()
	round.Instruments = append(round.Instruments, models.RoundInstrument{Code: "VOD", Market: "LSE"})

	if _, err := New(round, newFakeSource(), testLogger()); err == nil {
		t.Fatal("expected error for market without decoder")
	}
}

func TestNew_RejectsUnnormalizedInstrumentMarket(t *testing.T) {
	round := testRound()
	round.Instruments = append(round.Instruments, models.RoundInstrument{Code: "AAPL", Market: "usa"})

	_, err := New(round, newFakeSource(), testLogger())
	if !errors.Is(err, decoder.ErrUnknownMarket) {
		t.Fatalf("New() error = %v, want ErrUnknownMarket", err)
	}

	round.NormalizeMarkets()
	if _, err := New(round, newFakeSource(), testLogger()); err != nil {
		t.Fatalf("New() after NormalizeMarkets error: %v", err)
	}
}

func TestActive(t *testing.T) {
	var a Active
	if _, ok := a.Snapshot(); ok {
		t.Fatal("empty Active should report no snapshot")
	}

	agg, err := New(testRound(), newFakeSource(), testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	a.Set(agg)

	snap, ok := a.Snapshot()
	if !ok || snap.RoundID != "round-1" {
		t.Errorf("Snapshot() = %+v, %v", snap, ok)
	}
	if len(snap.Instruments) != 3 {
		t.Errorf("instruments = %d, want 3", len(snap.Instruments))
	}
}
