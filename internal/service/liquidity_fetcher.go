package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/retry"
)

// depthLevels is how many levels per side count toward depth.
const depthLevels = 5

// LiquidityFetcher summarises the order book of an outcome token.
type LiquidityFetcher struct {
	books  BookSource
	policy retry.Policy
	logger *slog.Logger
}

// NewLiquidityFetcher creates a LiquidityFetcher. Book requests are tried
// twice with 1s-5s backoff and an 8s timeout.
func NewLiquidityFetcher(books BookSource, logger *slog.Logger) *LiquidityFetcher {
	return &LiquidityFetcher{
		books: books,
		policy: retry.Policy{
			Attempts:   2,
			BaseDelay:  time.Second,
			MaxDelay:   5 * time.Second,
			Multiplier: 2,
			Jitter:     true,
			Timeout:    8 * time.Second,
		},
		logger: logger.With(slog.String("component", "liquidity_fetcher")),
	}
}

// Fetch returns the liquidity snapshot for tokenID. Any failure yields the
// all-nil snapshot.
func (f *LiquidityFetcher) Fetch(ctx context.Context, tokenID string) domain.LiquiditySnapshot {
	if tokenID == "" || tokenID == domain.CollateralAssetID {
		return domain.LiquiditySnapshot{}
	}

	book, err := retry.DoValue(ctx, f.policy, f.logger, "clob book",
		func(ctx context.Context) (domain.OrderBook, error) {
			return f.books.GetOrderBook(ctx, tokenID)
		})
	if err != nil {
		f.logger.WarnContext(ctx, "order book unavailable",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return domain.LiquiditySnapshot{}
	}
	return Summarize(book)
}

// Summarize computes a snapshot from a book whose bids are sorted best
// (highest) first and asks best (lowest) first. Levels are not re-sorted.
func Summarize(book domain.OrderBook) domain.LiquiditySnapshot {
	var snap domain.LiquiditySnapshot
	if len(book.Bids) > 0 {
		snap.BestBid = ptr(book.Bids[0].Price)
		snap.BidDepth = ptr(depth(book.Bids))
	}
	if len(book.Asks) > 0 {
		snap.BestAsk = ptr(book.Asks[0].Price)
		snap.AskDepth = ptr(depth(book.Asks))
	}
	if snap.BestBid != nil && snap.BestAsk != nil {
		snap.Spread = ptr(*snap.BestAsk - *snap.BestBid)
		snap.Midpoint = ptr((*snap.BestAsk + *snap.BestBid) / 2)
	}
	return snap
}

func depth(levels []domain.PriceLevel) float64 {
	var sum float64
	for i, l := range levels {
		if i == depthLevels {
			break
		}
		sum += l.Price * l.Size
	}
	return sum
}

func ptr(f float64) *float64 { return &f }
