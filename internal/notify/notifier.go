// Package notify delivers operator alerts to Telegram and Discord. Alerts
// are filtered by event type and rate limited per key.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// Event types understood by the notifier.
const (
	EventHealthChange   = "health_change"
	EventUnknownOutcome = "unknown_outcome"
	EventLockLost       = "lock_lost"
)

// DefaultCooldown suppresses repeats of the same alert key.
const DefaultCooldown = 10 * time.Minute

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every Sender. Only configured event types
// pass (all do when none are configured) and an alert key fires at most
// once per cooldown.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewNotifier creates a Notifier. cooldown <= 0 disables throttling.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify delivers an alert of the given event type. key scopes the
// cooldown; an empty key uses the event type.
func (n *Notifier) Notify(ctx context.Context, event, key, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if key == "" {
		key = event
	}
	if !n.admit(event + "|" + key) {
		n.logger.DebugContext(ctx, "alert throttled",
			slog.String("event", event),
			slog.String("key", key),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// HealthChanged alerts on an aggregate status transition.
func (n *Notifier) HealthChanged(ctx context.Context, from, to domain.AggregateStatus) error {
	return n.Notify(ctx, EventHealthChange, string(to),
		fmt.Sprintf("expertwatch %s", to),
		fmt.Sprintf("ingest status changed from %s to %s", from, to),
	)
}

// UnknownOutcome alerts when a trade's token was missing from its market's
// outcome list.
func (n *Notifier) UnknownOutcome(ctx context.Context, trade domain.NormalizedTrade) error {
	return n.Notify(ctx, EventUnknownOutcome, trade.ConditionID,
		"expertwatch unknown outcome",
		fmt.Sprintf("token %s not listed by market %s (%q), tx %s",
			trade.TokenID, trade.ConditionID, trade.Question, trade.Raw.TxHash),
	)
}

func (n *Notifier) admit(key string) bool {
	if n.cooldown <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[key] = now
	return true
}

// dispatch sends to every sender; one failure does not stop the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
