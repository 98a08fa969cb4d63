package decoder

import (
	"encoding/json"
	"time"

	"github.com/gregtusar/roundboard/pkg/models"
)

// MCXDecoder reads [[contract, price, expiry?], ...] and quotes the earliest
// live contract of each commodity.
type MCXDecoder struct{}

func (MCXDecoder) Market() models.MarketType {
	return models.MarketTypeMCX
}

func (d MCXDecoder) Decode(data []byte, now time.Time) ([]models.Quote, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, malformed(d.Market(), "expected array of contract rows: %v", err)
	}
	var rerr recordErrors
	contracts := parseContractRows(rows, &rerr)
	return quotesByRoot(d.Market(), contracts, now, SelectNearest), rerr.err(d.Market())
}

// COMEXDecoder reads the MCX row layout wrapped in an outer array and applies
// the rolling selection rule.
type COMEXDecoder struct{}

func (COMEXDecoder) Market() models.MarketType {
	return models.MarketTypeCOMEX
}

func (d COMEXDecoder) Decode(data []byte, now time.Time) ([]models.Quote, error) {
	var batches [][][]json.RawMessage
	if err := json.Unmarshal(data, &batches); err != nil {
		return nil, malformed(d.Market(), "expected outer array of contract rows: %v", err)
	}

	var rerr recordErrors
	var contracts []Contract
	for _, rows := range batches {
		contracts = append(contracts, parseContractRows(rows, &rerr)...)
	}
	return quotesByRoot(d.Market(), contracts, now, SelectRolling), rerr.err(d.Market())
}
