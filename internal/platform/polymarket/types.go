package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat unmarshals from a JSON number or a numeric string. Anything
// else decodes to zero.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*f = 0
		return nil
	}
	n, _ = strconv.ParseFloat(strings.TrimSpace(s), 64)
	*f = flexFloat(n)
	return nil
}

// decodeStringArray reads a field Gamma sends as a JSON-encoded string
// (e.g. "[\"Yes\",\"No\"]"), or occasionally as a plain array. Malformed
// input yields an empty slice.
func decodeStringArray(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
		if strings.TrimSpace(encoded) == "" {
			return []string{}
		}
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIEvent is the parent event embedded in a Gamma market.
type APIEvent struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	NegRisk flexBool `json:"negRisk"`
}

// APIMarket represents a market as returned by the Polymarket Gamma API.
type APIMarket struct {
	ID            string          `json:"id"`
	Question      string          `json:"question"`
	ConditionID   string          `json:"conditionId"`
	Slug          string          `json:"slug"`
	Outcomes      json.RawMessage `json:"outcomes"`      // JSON-encoded: e.g. "[\"Yes\",\"No\"]"
	OutcomePrices json.RawMessage `json:"outcomePrices"` // JSON-encoded: e.g. "[\"0.5\",\"0.5\"]"
	ClobTokenIDs  json.RawMessage `json:"clobTokenIds"`
	EndDate       string          `json:"endDate"`
	EndDateISO    string          `json:"endDateIso"`
	Liquidity     flexFloat       `json:"liquidity"`
	LiquidityNum  flexFloat       `json:"liquidityNum"`
	Active        flexBool        `json:"active"`
	Closed        flexBool        `json:"closed"`
	NegRisk       flexBool        `json:"negRisk"`
	Events        []APIEvent      `json:"events"`
}

// ToMarketMetadata converts an APIMarket to domain.MarketMetadata. A market
// counts as negative-risk if it or any parent event is flagged.
func (m *APIMarket) ToMarketMetadata() domain.MarketMetadata {
	md := domain.MarketMetadata{
		ConditionID:     m.ConditionID,
		Question:        m.Question,
		Outcomes:        decodeStringArray(m.Outcomes),
		OutcomePrices:   decodeStringArray(m.OutcomePrices),
		OutcomeTokenIDs: decodeStringArray(m.ClobTokenIDs),
		EndDate:         m.EndDate,
		Liquidity:       float64(m.Liquidity),
		Active:          bool(m.Active),
		Closed:          bool(m.Closed),
		NegRisk:         bool(m.NegRisk),
	}
	if md.EndDate == "" {
		md.EndDate = m.EndDateISO
	}
	if md.Liquidity == 0 {
		md.Liquidity = float64(m.LiquidityNum)
	}
	for _, e := range m.Events {
		if e.NegRisk {
			md.NegRisk = true
			break
		}
	}
	return md
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APILevel is one price level; the CLOB sends both values as strings.
type APILevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

// APIBook is the response of GET /book.
type APIBook struct {
	Market  string     `json:"market"`
	AssetID string     `json:"asset_id"`
	Bids    []APILevel `json:"bids"`
	Asks    []APILevel `json:"asks"`
}

// ToDomainOrderBook converts an APIBook, keeping level order as served.
func (b *APIBook) ToDomainOrderBook() domain.OrderBook {
	ob := domain.OrderBook{
		AssetID: b.AssetID,
		Bids:    make([]domain.PriceLevel, 0, len(b.Bids)),
		Asks:    make([]domain.PriceLevel, 0, len(b.Asks)),
	}
	for _, l := range b.Bids {
		ob.Bids = append(ob.Bids, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	for _, l := range b.Asks {
		ob.Asks = append(ob.Asks, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	return ob
}

// --------------------------------------------------------------------------
// Data API DTOs
// --------------------------------------------------------------------------

// APIPosition is one row of GET /positions.
type APIPosition struct {
	ProxyWallet  string    `json:"proxyWallet"`
	Asset        string    `json:"asset"`
	ConditionID  string    `json:"conditionId"`
	Size         flexFloat `json:"size"`
	OutcomeIndex int       `json:"outcomeIndex"`
	Outcome      string    `json:"outcome"`
}

// ToPositionRow converts an APIPosition to domain.PositionRow.
func (p *APIPosition) ToPositionRow() domain.PositionRow {
	return domain.PositionRow{
		ConditionID:  p.ConditionID,
		Asset:        p.Asset,
		OutcomeIndex: p.OutcomeIndex,
		Size:         float64(p.Size),
	}
}

// APITrade is one row of GET /trades.
type APITrade struct {
	ProxyWallet     string          `json:"proxyWallet"`
	Side            string          `json:"side"`
	Asset           string          `json:"asset"`
	ConditionID     string          `json:"conditionId"`
	Size            flexFloat       `json:"size"`
	Price           flexFloat       `json:"price"`
	Timestamp       json.RawMessage `json:"timestamp"`
	TransactionHash string          `json:"transactionHash"`
	Outcome         string          `json:"outcome"`
	OutcomeIndex    int             `json:"outcomeIndex"`
}

// UserTrade is a participant's trade as reported by the Data API.
type UserTrade struct {
	Market       string
	Asset        string
	Side         domain.TradeSide
	Size         float64
	Price        float64
	Timestamp    time.Time
	TxHash       string
	Outcome      string
	OutcomeIndex int
}

// ToUserTrade converts an APITrade to UserTrade.
func (t *APITrade) ToUserTrade() UserTrade {
	side := domain.SideBuy
	if strings.EqualFold(t.Side, string(domain.SideSell)) {
		side = domain.SideSell
	}
	return UserTrade{
		Market:       t.ConditionID,
		Asset:        t.Asset,
		Side:         side,
		Size:         float64(t.Size),
		Price:        float64(t.Price),
		Timestamp:    parseTradeTimestamp(rawScalar(t.Timestamp)),
		TxHash:       t.TransactionHash,
		Outcome:      t.Outcome,
		OutcomeIndex: t.OutcomeIndex,
	}
}

// rawScalar returns a JSON string's contents, or a number's literal text.
func rawScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// parseTradeTimestamp accepts unix seconds, unix milliseconds, fractional
// seconds or an ISO-8601 string. Unparseable input yields the zero time.
func parseTradeTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > 1e12 {
			return time.UnixMilli(sec).UTC()
		}
		return time.Unix(sec, 0).UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	for _, layout := range []string{
		time.RFC3339Nano, time.RFC3339,
		"2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05Z",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
