package normalize

import (
	"strings"
	"time"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

const (
	nearResolutionWindow = 24 * time.Hour
	lateWindow           = 7 * 24 * time.Hour
	midWindow            = 30 * 24 * time.Hour
)

var endDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ClassifyPhase maps the time left until endDate to a lifecycle bucket.
// Comparisons are strict, so a value exactly on a threshold lands in the less
// urgent bucket. Missing or unparsable dates are early.
func ClassifyPhase(endDate string, now time.Time) domain.MarketPhase {
	end, ok := parseEndDate(endDate)
	if !ok {
		return domain.PhaseEarly
	}

	remaining := end.Sub(now)
	switch {
	case remaining < nearResolutionWindow:
		return domain.PhaseNearResolution
	case remaining < lateWindow:
		return domain.PhaseLate
	case remaining < midWindow:
		return domain.PhaseMid
	default:
		return domain.PhaseEarly
	}
}

func parseEndDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range endDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
