package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/retry"
)

// PositionTracker estimates a participant's position around a trade.
//
// The positions endpoint only reports the size after settlement, so the
// size before is reconstructed by reversing the trade. When several trades
// by the same participant settle close together the estimate is wrong.
type PositionTracker struct {
	positions PositionSource
	policy    retry.Policy
	logger    *slog.Logger
}

// NewPositionTracker creates a PositionTracker. Position requests are tried
// twice with 1s-5s backoff and an 8s timeout.
func NewPositionTracker(positions PositionSource, logger *slog.Logger) *PositionTracker {
	return &PositionTracker{
		positions: positions,
		policy: retry.Policy{
			Attempts:   2,
			BaseDelay:  time.Second,
			MaxDelay:   5 * time.Second,
			Multiplier: 2,
			Jitter:     true,
			Timeout:    8 * time.Second,
		},
		logger: logger.With(slog.String("component", "position_tracker")),
	}
}

// Fetch returns the position before and after a trade of quantity on side.
// Failures return {0, 0}.
func (t *PositionTracker) Fetch(ctx context.Context, participant, marketID string, outcomeIndex int, side domain.TradeSide, quantity float64) domain.ExpertPosition {
	if participant == "" || marketID == "" {
		return domain.ExpertPosition{}
	}

	rows, err := retry.DoValue(ctx, t.policy, t.logger, "data-api positions",
		func(ctx context.Context) ([]domain.PositionRow, error) {
			return t.positions.GetPositions(ctx, participant, marketID)
		})
	if err != nil {
		t.logger.WarnContext(ctx, "positions unavailable",
			slog.String("market", marketID),
			slog.String("error", err.Error()),
		)
		return domain.ExpertPosition{}
	}

	var after float64
	for _, r := range rows {
		if r.OutcomeIndex == outcomeIndex {
			after = r.Size
			break
		}
	}
	return Reverse(side, quantity, after)
}

// Reverse derives the pre-trade size from the post-trade size.
func Reverse(side domain.TradeSide, quantity, after float64) domain.ExpertPosition {
	before := after + quantity
	if side == domain.SideBuy {
		before = max(0, after-quantity)
	}
	return domain.ExpertPosition{Before: before, After: after}
}
