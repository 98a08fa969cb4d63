package models

import (
	"fmt"
	"strings"
	"time"
)

type MarketType string

const (
	MarketTypeCrypto    MarketType = "CRYPTO"
	MarketTypeNSE       MarketType = "NSE"
	MarketTypeUSAMarket MarketType = "USA_MARKET"
	MarketTypeMCX       MarketType = "MCX"
	MarketTypeCOMEX     MarketType = "COMEX"
)

// AllMarkets lists every market in the order feeds are opened.
var AllMarkets = []MarketType{
	MarketTypeNSE,
	MarketTypeUSAMarket,
	MarketTypeCrypto,
	MarketTypeMCX,
	MarketTypeCOMEX,
}

// ParseMarketType accepts the canonical names plus a few lowercase aliases
// used in configuration keys ("usa", "crypto", ...).
func ParseMarketType(s string) (MarketType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRYPTO":
		return MarketTypeCrypto, nil
	case "NSE":
		return MarketTypeNSE, nil
	case "USA_MARKET", "USA", "US":
		return MarketTypeUSAMarket, nil
	case "MCX":
		return MarketTypeMCX, nil
	case "COMEX":
		return MarketTypeCOMEX, nil
	}
	return "", fmt.Errorf("unknown market type %q", s)
}

// ConfigKey is the lowercase key used for the market under feeds.* in config.
func (m MarketType) ConfigKey() string {
	if m == MarketTypeUSAMarket {
		return "usa"
	}
	return strings.ToLower(string(m))
}

// Quote is a decoded (symbol, price) pair from one market feed.
type Quote struct {
	Market MarketType `json:"market_type"`
	Symbol string     `json:"symbol"`
	Price  float64    `json:"price"`
}

// Instrument is a symbol participating in a round's ranking.
type Instrument struct {
	Code          string     `json:"code"`
	Name          string     `json:"name,omitempty"`
	Market        MarketType `json:"market_type"`
	Price         float64    `json:"price"`
	Baseline      float64    `json:"baseline"`
	ChangePercent float64    `json:"change_percent"`
	Rank          int        `json:"rank"`
}

type ConnStatus string

const (
	ConnStatusDisconnected ConnStatus = "disconnected"
	ConnStatusConnecting   ConnStatus = "connecting"
	ConnStatusConnected    ConnStatus = "connected"
)

// Snapshot is the UI-visible copy of an aggregator's ranked list.
type Snapshot struct {
	RoundID     string                    `json:"round_id"`
	State       RoundState                `json:"state"`
	Status      ConnStatus                `json:"status"`
	Markets     map[MarketType]ConnStatus `json:"markets"`
	Instruments []Instrument              `json:"instruments"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// OverallStatus folds per-market statuses into the single indicator shown to users.
func OverallStatus(statuses map[MarketType]ConnStatus) ConnStatus {
	if len(statuses) == 0 {
		return ConnStatusDisconnected
	}
	connected, disconnected := 0, 0
	for _, s := range statuses {
		switch s {
		case ConnStatusConnected:
			connected++
		case ConnStatusDisconnected:
			disconnected++
		}
	}
	switch {
	case connected == len(statuses):
		return ConnStatusConnected
	case disconnected == len(statuses):
		return ConnStatusDisconnected
	default:
		return ConnStatusConnecting
	}
}
