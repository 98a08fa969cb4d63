package decoder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/gregtusar/roundboard/pkg/models"
)

// IST is the exchange timezone both futures feeds are evaluated in.
var IST = time.FixedZone("IST", 5*60*60+30*60)

// comexMinDaysToExpiry: contracts this close to expiry are only used when
// nothing further out is live.
const comexMinDaysToExpiry = 5

var contractSymbolRE = regexp.MustCompile(`^([A-Z]+)([FGHJKMNQUVXZ])(\d{2})$`)

var monthCodes = map[byte]time.Month{
	'F': time.January,
	'G': time.February,
	'H': time.March,
	'J': time.April,
	'K': time.May,
	'M': time.June,
	'N': time.July,
	'Q': time.August,
	'U': time.September,
	'V': time.October,
	'X': time.November,
	'Z': time.December,
}

// Contract is one futures contract row from an MCX or COMEX payload.
type Contract struct {
	Symbol string
	Root   string
	Month  time.Month
	Year   int
	Expiry time.Time // civil date, midnight UTC
	Price  float64
}

// ParseContractSymbol splits "<root><monthCode><yy>", e.g. GOLDV23.
func ParseContractSymbol(symbol string) (root string, month time.Month, year int, err error) {
	m := contractSymbolRE.FindStringSubmatch(normalizeSymbol(symbol))
	if m == nil {
		return "", 0, 0, fmt.Errorf("invalid contract symbol %q", symbol)
	}
	yy, _ := strconv.Atoi(m[3])
	return m[1], monthCodes[m[2][0]], 2000 + yy, nil
}

// parseContractRow reads the fixed positions [symbol, price, expiry?].
func parseContractRow(row []json.RawMessage) (Contract, error) {
	if len(row) < 2 {
		return Contract{}, fmt.Errorf("row has %d fields, want at least 2", len(row))
	}

	var symbol string
	if err := json.Unmarshal(row[0], &symbol); err != nil {
		return Contract{}, fmt.Errorf("symbol field: %w", err)
	}
	root, month, year, err := ParseContractSymbol(symbol)
	if err != nil {
		return Contract{}, err
	}

	price, err := parsePrice(row[1])
	if err != nil {
		return Contract{}, err
	}
	if price <= 0 {
		return Contract{}, fmt.Errorf("%s: non-positive price %v", symbol, price)
	}

	// Contracts without an explicit expiry run to the end of their month.
	expiry := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	if len(row) > 2 {
		var s string
		if err := json.Unmarshal(row[2], &s); err == nil && s != "" {
			d, err := time.Parse("2006-01-02", s)
			if err != nil {
				return Contract{}, fmt.Errorf("%s: expiry: %w", symbol, err)
			}
			expiry = d
		}
	}

	return Contract{
		Symbol: normalizeSymbol(symbol),
		Root:   root,
		Month:  month,
		Year:   year,
		Expiry: expiry,
		Price:  price,
	}, nil
}

func parseContractRows(rows [][]json.RawMessage, rerr *recordErrors) []Contract {
	contracts := make([]Contract, 0, len(rows))
	for _, row := range rows {
		c, err := parseContractRow(row)
		if err != nil {
			rerr.skip(err)
			continue
		}
		rerr.ok()
		contracts = append(contracts, c)
	}
	return contracts
}

// istToday is the IST calendar date of now, expressed as midnight UTC so it
// compares directly with contract expiries.
func istToday(now time.Time) time.Time {
	y, m, d := now.In(IST).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysToExpiry(c Contract, today time.Time) int {
	return int(c.Expiry.Sub(today).Hours() / 24)
}

// liveByExpiry drops expired contracts and orders the rest nearest first.
func liveByExpiry(contracts []Contract, today time.Time) []Contract {
	live := make([]Contract, 0, len(contracts))
	for _, c := range contracts {
		if !c.Expiry.Before(today) {
			live = append(live, c)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].Expiry.Before(live[j].Expiry)
	})
	return live
}

// SelectNearest picks the first live contract in chronological order.
func SelectNearest(contracts []Contract, now time.Time) (Contract, bool) {
	live := liveByExpiry(contracts, istToday(now))
	if len(live) == 0 {
		return Contract{}, false
	}
	return live[0], true
}

// SelectRolling prefers the nearest contract more than five days from expiry
// and falls back to the nearest live one.
func SelectRolling(contracts []Contract, now time.Time) (Contract, bool) {
	today := istToday(now)
	live := liveByExpiry(contracts, today)
	if len(live) == 0 {
		return Contract{}, false
	}
	for _, c := range live {
		if daysToExpiry(c, today) > comexMinDaysToExpiry {
			return c, true
		}
	}
	return live[0], true
}

// quotesByRoot groups contracts by commodity and emits one quote per root,
// sorted by root.
func quotesByRoot(market models.MarketType, contracts []Contract, now time.Time,
	pick func([]Contract, time.Time) (Contract, bool)) []models.Quote {

	groups := make(map[string][]Contract)
	for _, c := range contracts {
		groups[c.Root] = append(groups[c.Root], c)
	}

	roots := make([]string, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	quotes := make([]models.Quote, 0, len(roots))
	for _, root := range roots {
		c, ok := pick(groups[root], now)
		if !ok {
			continue
		}
		quotes = append(quotes, models.Quote{Market: market, Symbol: root, Price: c.Price})
	}
	return quotes
}
