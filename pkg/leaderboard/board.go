package leaderboard

import (
	"sort"
	"strings"

	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/shopspring/decimal"
)

// changePlaces is the precision percentage change is reported at.
const changePlaces = 5

type instrumentKey struct {
	market models.MarketType
	code   string
}

type entry struct {
	models.Instrument
	captured bool // baseline frozen for this round
}

// Board holds one round's instruments and applies price ticks to them.
// It is not safe for concurrent use; the aggregator's event loop owns it.
type Board struct {
	round   *models.Round
	entries []*entry
	index   map[instrumentKey]*entry
}

func NewBoard(round *models.Round) *Board {
	b := &Board{
		round: round,
		index: make(map[instrumentKey]*entry, len(round.Instruments)),
	}

	for _, ri := range round.Instruments {
		key := instrumentKey{market: round.InstrumentMarket(ri), code: strings.ToUpper(strings.TrimSpace(ri.Code))}
		if key.code == "" {
			continue
		}
		if _, dup := b.index[key]; dup {
			continue
		}
		e := &entry{Instrument: models.Instrument{
			Code:   key.code,
			Name:   ri.Name,
			Market: key.market,
		}}
		b.entries = append(b.entries, e)
		b.index[key] = e
	}

	b.rank()
	return b
}

// Apply records a quote under the given round state. It reports whether an
// instrument changed. Quotes for unknown symbols and any quote once the round
// has completed are ignored.
func (b *Board) Apply(state models.RoundState, q models.Quote) bool {
	if state == models.RoundStateCompleted {
		return false
	}

	e, ok := b.index[instrumentKey{market: q.Market, code: strings.ToUpper(q.Symbol)}]
	if !ok || q.Price <= 0 {
		return false
	}

	e.Price = q.Price

	external, hasExternal := b.round.ExternalBaseline(e.Code)

	switch {
	case state != models.RoundStateTracking:
		if hasExternal {
			e.Baseline = external
		} else {
			e.Baseline = q.Price
		}
		e.ChangePercent = 0
		return true

	case hasExternal:
		e.Baseline = external
		e.captured = true

	case !e.captured:
		e.Baseline = q.Price
		e.captured = true
	}

	e.ChangePercent = percentChange(e.Price, e.Baseline)
	return true
}

// StartTracking is called once when the round enters tracking. Prices seen
// before then are not baselines: uncaptured entries are cleared so the first
// tracking tick sets the baseline, and external baselines are frozen.
func (b *Board) StartTracking() {
	for _, e := range b.entries {
		if e.captured {
			continue
		}
		if external, ok := b.round.ExternalBaseline(e.Code); ok {
			e.Baseline = external
			e.captured = true
			if e.Price > 0 {
				e.ChangePercent = percentChange(e.Price, e.Baseline)
			}
			continue
		}
		e.Baseline = 0
		e.ChangePercent = 0
	}
	b.rank()
}

// Rank re-sorts instruments by percentage change, best first.
func (b *Board) Rank() {
	b.rank()
}

func (b *Board) rank() {
	sort.SliceStable(b.entries, func(i, j int) bool {
		return b.entries[i].ChangePercent > b.entries[j].ChangePercent
	})
	for i, e := range b.entries {
		e.Rank = i + 1
	}
}

// Instruments returns a copy of the ranked list.
func (b *Board) Instruments() []models.Instrument {
	out := make([]models.Instrument, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Instrument
	}
	return out
}

// Baseline reports the frozen baseline for code, if one was captured.
func (b *Board) Baseline(market models.MarketType, code string) (float64, bool) {
	e, ok := b.index[instrumentKey{market: market, code: strings.ToUpper(code)}]
	if !ok || !e.captured {
		return 0, false
	}
	return e.Baseline, true
}

// percentChange is (current - baseline) / baseline * 100 at five places.
// A missing baseline reads as no change.
func percentChange(current, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	cur := decimal.NewFromFloat(current)
	base := decimal.NewFromFloat(baseline)
	pct, _ := cur.Sub(base).Div(base).Mul(decimal.NewFromInt(100)).Round(changePlaces).Float64()
	return pct
}
