package domain

// MarketPhase buckets a market by time remaining until its end date.
type MarketPhase string

const (
	PhaseNearResolution MarketPhase = "near_resolution"
	PhaseLate           MarketPhase = "late"
	PhaseMid            MarketPhase = "mid"
	PhaseEarly          MarketPhase = "early"
)

// UnknownOutcome is reported when a token is missing from its market's
// outcome token list.
const UnknownOutcome = "Unknown"

// MarketMetadata describes one prediction market. OutcomeTokenIDs[i]
// corresponds to Outcomes[i].
type MarketMetadata struct {
	ConditionID     string   `json:"condition_id"`
	Question        string   `json:"question"`
	Outcomes        []string `json:"outcomes"`
	OutcomePrices   []string `json:"outcome_prices"`
	EndDate         string   `json:"end_date,omitempty"`
	OutcomeTokenIDs []string `json:"outcome_token_ids"`
	Liquidity       float64  `json:"liquidity"`
	Active          bool     `json:"active"`
	Closed          bool     `json:"closed"`
	NegRisk         bool     `json:"neg_risk"`
}

// ResolvedMarket binds market metadata to one outcome token.
type ResolvedMarket struct {
	MarketMetadata
	TokenID      string `json:"token_id"`
	OutcomeIndex int    `json:"outcome_index"`
	Outcome      string `json:"outcome"`
}

// OutcomeKnown reports whether the token was found in the market's outcome
// token list.
func (r ResolvedMarket) OutcomeKnown() bool {
	return r.Outcome != UnknownOutcome
}
