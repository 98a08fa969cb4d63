package decoder

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gregtusar/roundboard/pkg/models"
)

// EquityDecoder handles the NSE and USA market feeds, which both publish an
// array of change records: [{"code":"reliance","price":2901.5}, ...].
type EquityDecoder struct {
	market models.MarketType
}

func NewEquityDecoder(market models.MarketType) EquityDecoder {
	return EquityDecoder{market: market}
}

type changeRecord struct {
	Code   string          `json:"code"`
	Symbol string          `json:"symbol"`
	Price  json.RawMessage `json:"price"`
	LTP    json.RawMessage `json:"ltp"`
}

func (d EquityDecoder) Market() models.MarketType {
	return d.market
}

func (d EquityDecoder) Decode(data []byte, _ time.Time) ([]models.Quote, error) {
	var records []changeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, malformed(d.market, "expected array of change records: %v", err)
	}

	var rerr recordErrors
	quotes := make([]models.Quote, 0, len(records))
	for i, rec := range records {
		code := rec.Code
		if code == "" {
			code = rec.Symbol
		}
		code = normalizeSymbol(code)
		if code == "" {
			rerr.skip(fmt.Errorf("record %d: missing code", i))
			continue
		}

		raw := rec.Price
		if len(raw) == 0 {
			raw = rec.LTP
		}
		price, err := parsePrice(raw)
		if err != nil {
			rerr.skip(fmt.Errorf("%s: %w", code, err))
			continue
		}
		if price <= 0 {
			rerr.skip(fmt.Errorf("%s: non-positive price %v", code, price))
			continue
		}

		rerr.ok()
		quotes = append(quotes, models.Quote{Market: d.market, Symbol: code, Price: price})
	}
	return quotes, rerr.err(d.market)
}
