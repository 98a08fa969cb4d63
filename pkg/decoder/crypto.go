package decoder

import (
	"encoding/json"
	"time"

	"github.com/gregtusar/roundboard/pkg/models"
)

// CryptoDecoder handles single-ticker objects: {"symbol":"btc","price":67000.5}.
// The short aliases "s" and "p" are accepted as well.
type CryptoDecoder struct{}

type cryptoTick struct {
	Symbol string          `json:"symbol"`
	S      string          `json:"s"`
	Price  json.RawMessage `json:"price"`
	P      json.RawMessage `json:"p"`
}

func (CryptoDecoder) Market() models.MarketType {
	return models.MarketTypeCrypto
}

func (d CryptoDecoder) Decode(data []byte, _ time.Time) ([]models.Quote, error) {
	var tick cryptoTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, malformed(d.Market(), "%v", err)
	}

	symbol := tick.Symbol
	if symbol == "" {
		symbol = tick.S
	}
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, malformed(d.Market(), "missing symbol")
	}

	raw := tick.Price
	if len(raw) == 0 {
		raw = tick.P
	}
	price, err := parsePrice(raw)
	if err != nil {
		return nil, malformed(d.Market(), "%s: %v", symbol, err)
	}
	if price <= 0 {
		return nil, malformed(d.Market(), "%s: non-positive price %v", symbol, price)
	}

	return []models.Quote{{Market: d.Market(), Symbol: symbol, Price: price}}, nil
}
