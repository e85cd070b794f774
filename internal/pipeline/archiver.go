package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultArchiveSpec runs five minutes past every hour (seconds field first).
	DefaultArchiveSpec = "0 5 * * * *"
	// DefaultArchiveWindow is the span covered by one archive object.
	DefaultArchiveWindow = time.Hour

	archiveRunTimeout = 5 * time.Minute
)

// WindowArchiver uploads one time window of normalized trades.
type WindowArchiver interface {
	ArchiveWindow(ctx context.Context, from, to time.Time) (int, string, error)
}

// Archiver uploads every completed window on a cron schedule. Windows are
// aligned to multiples of the window size so object keys are stable across
// restarts.
type Archiver struct {
	target WindowArchiver
	spec   string
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	next time.Time // start of the oldest window not yet archived
	cron *cron.Cron
}

// NewArchiver creates an Archiver. Empty spec and non-positive window take
// the defaults.
func NewArchiver(target WindowArchiver, spec string, window time.Duration, logger *slog.Logger) *Archiver {
	if spec == "" {
		spec = DefaultArchiveSpec
	}
	if window <= 0 {
		window = DefaultArchiveWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		target: target,
		spec:   spec,
		window: window,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// RunOnce archives every completed window up to now. The first run covers
// only the most recent completed window. A failed window is retried on the
// next run.
func (a *Archiver) RunOnce(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	end := a.now().UTC().Truncate(a.window)
	if a.next.IsZero() {
		a.next = end.Add(-a.window)
	}

	for a.next.Before(end) {
		from, to := a.next, a.next.Add(a.window)
		n, key, err := a.target.ArchiveWindow(ctx, from, to)
		if err != nil {
			return fmt.Errorf("pipeline: archive %s: %w", key, err)
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "archived normalized trades",
				slog.String("key", key),
				slog.Int("count", n),
			)
		}
		a.next = to
	}
	return nil
}

// Start schedules RunOnce on the cron spec. Runs are bounded by a timeout
// and panics are recovered by the scheduler.
func (a *Archiver) Start(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(a.logger.Handler(), slog.LevelError))
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger)))

	_, err := c.AddFunc(a.spec, func() {
		rctx, cancel := context.WithTimeout(ctx, archiveRunTimeout)
		defer cancel()
		if err := a.RunOnce(rctx); err != nil {
			a.logger.ErrorContext(rctx, "archive run failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("pipeline: archive schedule %q: %w", a.spec, err)
	}

	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()

	c.Start()
	a.logger.InfoContext(ctx, "archiver scheduled",
		slog.String("spec", a.spec),
		slog.Duration("window", a.window),
	)
	return nil
}

// Stop halts the scheduler and waits for a running archive to finish.
func (a *Archiver) Stop() {
	a.mu.Lock()
	c := a.cron
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
