package domain

import "time"

// NormalizedTrade is the enriched record handed to downstream consumers.
// Fields are only ever added, never renamed or removed.
type NormalizedTrade struct {
	ID string `json:"id"`

	DecodedTrade

	ConditionID  string   `json:"condition_id"`
	Question     string   `json:"question"`
	Outcome      string   `json:"outcome"`
	OutcomeIndex int      `json:"outcome_index"`
	Outcomes     []string `json:"outcomes"`
	EndDate      string   `json:"end_date,omitempty"`
	NegRisk      bool     `json:"neg_risk"`

	MarketPhase MarketPhase       `json:"market_phase"`
	Liquidity   LiquiditySnapshot `json:"liquidity_snapshot"`

	ExpertPositionBefore float64 `json:"expert_position_before"`
	ExpertPositionAfter  float64 `json:"expert_position_after"`

	EnrichmentLatencyMs int64     `json:"enrichment_latency_ms"`
	NormalizedAt        time.Time `json:"normalized_at"`

	Raw RawTradeEvent `json:"raw"`
}
