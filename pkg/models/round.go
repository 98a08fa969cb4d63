package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrInvalidRound = errors.New("invalid round")

type GameType string

const (
	GameTypeSevenUpDown GameType = "SEVEN_UP_DOWN"
	GameTypeStockRace   GameType = "STOCK_RACE"
	GameTypeAviator     GameType = "AVIATOR"
)

type RoundState string

const (
	RoundStatePreTracking RoundState = "pre-tracking"
	RoundStateTracking    RoundState = "tracking"
	RoundStateCompleted   RoundState = "completed"
)

type RoundInstrument struct {
	Code   string     `json:"code"`
	Name   string     `json:"name"`
	Market MarketType `json:"market_type"`
}

// Round is a time-boxed betting window as served by the round metadata API.
type Round struct {
	ID               string             `json:"id"`
	GameType         GameType           `json:"game_type"`
	Market           MarketType         `json:"market_type"`
	StartTime        time.Time          `json:"start_time"`
	PlacementEndTime time.Time          `json:"placement_end_time"`
	EndTime          time.Time          `json:"end_time"`
	Instruments      []RoundInstrument  `json:"instruments"`
	BaselinePrices   map[string]float64 `json:"baseline_prices,omitempty"`
}

func (r *Round) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRound)
	}
	if r.PlacementEndTime.Before(r.StartTime) || r.EndTime.Before(r.PlacementEndTime) {
		return fmt.Errorf("%w: %s: start <= placement end <= end does not hold", ErrInvalidRound, r.ID)
	}
	return nil
}

// InstrumentMarket returns the instrument's market, defaulting to the round's.
func (r *Round) InstrumentMarket(ri RoundInstrument) MarketType {
	if ri.Market != "" {
		return ri.Market
	}
	return r.Market
}

// NormalizeMarkets rewrites market aliases ("usa", "crypto") to their
// canonical names. Unrecognised markets are left as sent.
func (r *Round) NormalizeMarkets() {
	if m, err := ParseMarketType(string(r.Market)); err == nil {
		r.Market = m
	}
	for i, ri := range r.Instruments {
		if ri.Market == "" {
			continue
		}
		if m, err := ParseMarketType(string(ri.Market)); err == nil {
			r.Instruments[i].Market = m
		}
	}
}

// RequiredMarkets is the exact set of feeds a round needs, in AllMarkets
// order. Markets outside AllMarkets are kept, sorted after the known ones,
// so callers can reject them.
func (r *Round) RequiredMarkets() []MarketType {
	if r.GameType == GameTypeSevenUpDown {
		return append([]MarketType(nil), AllMarkets...)
	}

	need := make(map[MarketType]bool)
	for _, ri := range r.Instruments {
		if m := r.InstrumentMarket(ri); m != "" {
			need[m] = true
		}
	}
	if len(need) == 0 && r.Market != "" {
		need[r.Market] = true
	}

	markets := make([]MarketType, 0, len(need))
	for _, m := range AllMarkets {
		if need[m] {
			markets = append(markets, m)
			delete(need, m)
		}
	}

	unknown := make([]MarketType, 0, len(need))
	for m := range need {
		unknown = append(unknown, m)
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	return append(markets, unknown...)
}

// ExternalBaseline looks up a server-supplied baseline for code, case-insensitively.
func (r *Round) ExternalBaseline(code string) (float64, bool) {
	if len(r.BaselinePrices) == 0 {
		return 0, false
	}
	if v, ok := r.BaselinePrices[code]; ok && v > 0 {
		return v, true
	}
	for k, v := range r.BaselinePrices {
		if strings.EqualFold(k, code) && v > 0 {
			return v, true
		}
	}
	return 0, false
}
