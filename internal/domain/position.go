package domain

// PositionRow is one market/outcome position as reported by the positions
// endpoint, in human-scaled units.
type PositionRow struct {
	ConditionID  string
	Asset        string
	OutcomeIndex int
	Size         float64
}

// ExpertPosition is the participant's position size immediately before and
// after a trade. Before is derived from After and may be wrong when several
// trades settle in quick succession.
type ExpertPosition struct {
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}
