package domain

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a point-in-time book for one outcome token. Bids are best
// first (descending), asks best first (ascending).
type OrderBook struct {
	AssetID string
	Bids    []PriceLevel
	Asks    []PriceLevel
}

// LiquiditySnapshot summarises the top of an order book. A nil field means the
// value could not be determined.
type LiquiditySnapshot struct {
	BestBid  *float64 `json:"best_bid"`
	BestAsk  *float64 `json:"best_ask"`
	BidDepth *float64 `json:"bid_depth"`
	AskDepth *float64 `json:"ask_depth"`
	Spread   *float64 `json:"spread"`
	Midpoint *float64 `json:"midpoint"`
}
