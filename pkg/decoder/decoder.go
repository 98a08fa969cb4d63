// Package decoder turns market-specific feed payloads into uniform quotes.
//
// Each market publishes its own ad hoc schema. A MarketDecoder exists per
// market and is selected by the market type of the feed a message came from.
package decoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/roundboard/pkg/models"
)

var (
	ErrUnknownMarket    = errors.New("no decoder for market")
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrSkippedRecords is returned alongside valid quotes when some records
	// in a payload could not be decoded.
	ErrSkippedRecords = errors.New("skipped undecodable records")
)

// SkippedError reports the records of a payload that were dropped. When every
// record was dropped it also matches ErrMalformedPayload.
type SkippedError struct {
	Market  models.MarketType
	Skipped int
	Total   int
	First   error
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("%s: skipped %d of %d records: %v", e.Market, e.Skipped, e.Total, e.First)
}

func (e *SkippedError) Is(target error) bool {
	if target == ErrSkippedRecords {
		return true
	}
	return target == ErrMalformedPayload && e.Skipped == e.Total
}

func (e *SkippedError) Unwrap() error {
	return e.First
}

// recordErrors counts per-record failures while a payload is decoded.
type recordErrors struct {
	total   int
	skipped int
	first   error
}

func (r *recordErrors) ok() {
	r.total++
}

func (r *recordErrors) skip(err error) {
	r.total++
	r.skipped++
	if r.first == nil {
		r.first = err
	}
}

func (r *recordErrors) err(market models.MarketType) error {
	if r.skipped == 0 {
		return nil
	}
	return &SkippedError{Market: market, Skipped: r.skipped, Total: r.total, First: r.first}
}

// MarketDecoder decodes one market's wire payload. now is used by markets
// whose representative price depends on contract expiry.
type MarketDecoder interface {
	Market() models.MarketType
	Decode(data []byte, now time.Time) ([]models.Quote, error)
}

type Registry map[models.MarketType]MarketDecoder

// DefaultRegistry returns decoders for every supported market.
func DefaultRegistry() Registry {
	r := make(Registry)
	for _, d := range []MarketDecoder{
		CryptoDecoder{},
		EquityDecoder{market: models.MarketTypeNSE},
		EquityDecoder{market: models.MarketTypeUSAMarket},
		MCXDecoder{},
		COMEXDecoder{},
	} {
		r[d.Market()] = d
	}
	return r
}

func (r Registry) For(market models.MarketType) (MarketDecoder, error) {
	d, ok := r[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	return d, nil
}

func malformed(market models.MarketType, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedPayload, market, fmt.Sprintf(format, args...))
}

// parsePrice accepts a JSON number or a numeric string.
func parsePrice(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing price")
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("price is neither number nor string: %s", string(raw))
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(s, ",", "")), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return f, nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
