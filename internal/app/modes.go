package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/expertwatch/internal/cache/redis"
	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/notify"
	"github.com/alanyoungcy/expertwatch/internal/pipeline"
	"github.com/alanyoungcy/expertwatch/internal/platform/polygon"
	"github.com/alanyoungcy/expertwatch/internal/server"
	"github.com/alanyoungcy/expertwatch/internal/server/handler"
	"github.com/alanyoungcy/expertwatch/internal/watcher"
)

var errLockLost = errors.New("ingest lock lost")

const (
	stopTimeout  = 15 * time.Second
	probeTimeout = 5 * time.Second
	recentTrades = 10
)

// IngestMode drains the backlog, then runs the trade sources, the
// normalization pipeline, the archiver and the status server until ctx is
// cancelled.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode", slog.String("participant", deps.Participant))

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	unlock, err := a.acquireLock(ctx, deps, cancel)
	if err != nil {
		return err
	}
	defer unlock()

	if err := a.replayBacklog(ctx, deps); err != nil {
		return err
	}

	sources, err := a.buildSources(ctx, deps)
	if err != nil {
		return err
	}
	orch := watcher.NewOrchestrator(deps.Dedup, a.logger, sources...)
	orch.OnStatusChange(func(from, to domain.AggregateStatus) {
		a.logger.WarnContext(ctx, "ingest status changed",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		if !worsened(from, to) {
			return
		}
		go func() {
			if err := deps.Notifier.HealthChanged(ctx, from, to); err != nil {
				a.logger.WarnContext(ctx, "health alert failed", slog.String("error", err.Error()))
			}
		}()
	})
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("app: start sources: %w", err)
	}

	var archiver *pipeline.Archiver
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.Cron, a.cfg.Archive.Window.Duration, a.logger)
		if err := archiver.Start(ctx); err != nil {
			a.stopSources(orch)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	runner := pipeline.NewRunner(deps.Normalizer, deps.Sink, a.cfg.Normalizer.Workers, a.logger)
	g.Go(func() error {
		return runner.Run(gctx, orch.Events())
	})

	g.Go(func() error {
		<-gctx.Done()
		if archiver != nil {
			archiver.Stop()
		}
		a.stopSources(orch)
		return nil
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps, orch)
	}

	err = g.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, errLockLost) {
		return cause
	}
	return err
}

// ReplayMode drains the unprocessed backlog once and returns.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode")

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	unlock, err := a.acquireLock(ctx, deps, cancel)
	if err != nil {
		return err
	}
	defer unlock()

	return a.replayBacklog(ctx, deps)
}

// InspectMode prints the store backlog, the reachability of each configured
// backend and the most recent normalized trades, then returns.
func (a *App) InspectMode(ctx context.Context, deps *Dependencies) error {
	backlog, err := deps.Store.CountUnprocessed(ctx)
	if err != nil {
		return fmt.Errorf("app: count backlog: %w", err)
	}
	head, err := deps.Store.MaxBlock(ctx)
	if err != nil {
		return fmt.Errorf("app: max block: %w", err)
	}
	renderBacklog(a.out, a.cfg.Store.Backend, deps.Participant, backlog, head)

	renderChecks(a.out, a.probe(ctx, deps))

	trades, err := a.recentTrades(ctx, deps)
	if err != nil {
		a.logger.WarnContext(ctx, "recent trades unavailable", slog.String("error", err.Error()))
	}
	renderTrades(a.out, trades)
	return nil
}

// acquireLock takes the per-participant ingest lock when Redis is wired.
// Losing the lock later cancels ctx with errLockLost.
func (a *App) acquireLock(ctx context.Context, deps *Dependencies, cancel context.CancelCauseFunc) (func(), error) {
	if deps.Locks == nil {
		return func() {}, nil
	}
	key := ingestLockKey(deps.Participant)
	deps.Locks.OnLost(func(string) {
		if err := deps.Notifier.Notify(context.Background(), notify.EventLockLost, key,
			"expertwatch lock lost",
			fmt.Sprintf("ingest lock %s was lost; this instance is stopping", key),
		); err != nil {
			a.logger.Warn("lock alert failed", slog.String("error", err.Error()))
		}
		cancel(errLockLost)
	})
	unlock, err := deps.Locks.Acquire(ctx, key, a.cfg.Redis.LockTTL.Duration)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("app: another instance is ingesting %s: %w", deps.Participant, err)
		}
		return nil, fmt.Errorf("app: acquire lock: %w", err)
	}
	a.logger.InfoContext(ctx, "ingest lock acquired", slog.String("key", key))
	return unlock, nil
}

func ingestLockKey(participant string) string {
	return "expertwatch:ingest:" + strings.ToLower(participant)
}

func (a *App) replayBacklog(ctx context.Context, deps *Dependencies) error {
	replay := pipeline.NewReplay(deps.Store, deps.Normalizer, deps.Sink, a.cfg.Store.ReplayPage, a.logger)
	if _, err := replay.Run(ctx); err != nil {
		return fmt.Errorf("app: replay: %w", err)
	}
	return nil
}

// buildSources creates the on-chain watcher (primary) and the poll watcher
// (fallback) as configured. An unreachable RPC endpoint is tolerated while
// polling is enabled.
func (a *App) buildSources(ctx context.Context, deps *Dependencies) ([]watcher.Watcher, error) {
	var sources []watcher.Watcher

	if a.cfg.Chain.Enabled {
		src, err := a.onChainSource(ctx, deps)
		switch {
		case err == nil:
			sources = append(sources, src)
		case a.cfg.Poller.Enabled:
			a.logger.WarnContext(ctx, "on-chain source unavailable, polling only",
				slog.String("error", err.Error()),
			)
		default:
			return nil, err
		}
	}

	if a.cfg.Poller.Enabled {
		pc := watcher.DefaultPollerConfig(deps.Participant)
		pc.Interval = a.cfg.Poller.Interval.Duration
		pc.Limit = a.cfg.Poller.Limit
		sources = append(sources, watcher.NewPollWatcher(pc, deps.Data, a.logger))
	}

	if len(sources) == 0 {
		return nil, errors.New("app: no trade sources configured")
	}
	return sources, nil
}

func (a *App) onChainSource(ctx context.Context, deps *Dependencies) (watcher.Watcher, error) {
	client, err := polygon.Dial(ctx, a.cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	chainID, err := client.ChainID(probeCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("app: chain id: %w", err)
	}
	if chainID.Int64() != int64(a.cfg.Chain.ChainID) {
		client.Close()
		return nil, fmt.Errorf("app: rpc serves chain %s, want %d", chainID, a.cfg.Chain.ChainID)
	}
	a.closers = append(a.closers, client.Close)

	oc := watcher.DefaultOnChainConfig(common.HexToAddress(deps.Participant))
	oc.StartBlock = a.cfg.Chain.StartBlock
	oc.ChunkSize = a.cfg.Chain.ChunkSize
	oc.ReconnectDelay = a.cfg.Chain.ReconnectDelay.Duration
	oc.BlockLookupTimeout = a.cfg.Chain.BlockLookupTimeout.Duration
	return watcher.NewOnChainWatcher(oc, client, deps.Store, a.logger), nil
}

func (a *App) stopSources(orch *watcher.Orchestrator) {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := orch.Stop(stopCtx); err != nil {
		a.logger.Warn("stop sources", slog.String("error", err.Error()))
	}
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, orch *watcher.Orchestrator) {
	status := handler.NewStatusHandler(handler.StatusDeps{
		Mode:        a.cfg.Mode,
		Participant: deps.Participant,
		StartedAt:   a.startedAt,
		Health:      orch.Health,
		Normalizer:  deps.Normalizer.Stats,
		Sink:        deps.Sink.Stats,
		Backlog:     deps.Store,
	}, a.logger)

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	}, server.Handlers{
		Health: handler.NewHealthHandler(),
		Status: status,
	}, deps.Hub, a.logger)

	if deps.Hub != nil {
		g.Go(func() error {
			return deps.Hub.Run(ctx)
		})
	}
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// worsened reports whether to is a less healthy status than from.
func worsened(from, to domain.AggregateStatus) bool {
	return severity(to) > severity(from)
}

func severity(s domain.AggregateStatus) int {
	switch s {
	case domain.StatusHealthy:
		return 0
	case domain.StatusDegraded:
		return 1
	default:
		return 2
	}
}

// check is one row of the inspect reachability table.
type check struct {
	name   string
	status string
	detail string
}

func (a *App) probe(ctx context.Context, deps *Dependencies) []check {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	checks := []check{{name: "store", status: "ok", detail: a.cfg.Store.Backend}}

	if deps.Redis == nil {
		checks = append(checks, check{name: "redis", status: "disabled"})
	} else {
		checks = append(checks, result("redis", a.cfg.Redis.Addr, deps.Redis.Ping(ctx)))
	}

	if deps.S3 == nil {
		checks = append(checks, check{name: "s3", status: "disabled"})
	} else {
		checks = append(checks, result("s3", deps.S3.Bucket(), deps.S3.Health(ctx)))
	}

	if !a.cfg.Chain.Enabled || a.cfg.Chain.RPCURL == "" {
		checks = append(checks, check{name: "chain", status: "disabled"})
	} else {
		checks = append(checks, a.probeChain(ctx))
	}
	return checks
}

func (a *App) probeChain(ctx context.Context) check {
	client, err := polygon.Dial(ctx, a.cfg.Chain.RPCURL)
	if err != nil {
		return result("chain", "", err)
	}
	defer client.Close()
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return result("chain", "", err)
	}
	return check{name: "chain", status: "ok", detail: fmt.Sprintf("head %d", head)}
}

func result(name, detail string, err error) check {
	if err != nil {
		return check{name: name, status: "error", detail: err.Error()}
	}
	return check{name: name, status: "ok", detail: detail}
}

// recentTrades reads the newest trades from the bus stream, or from the
// store's last day when the bus is not wired. Newest first.
func (a *App) recentTrades(ctx context.Context, deps *Dependencies) ([]domain.NormalizedTrade, error) {
	if deps.Bus != nil {
		msgs, err := deps.Bus.StreamTail(ctx, redis.TradesStream, recentTrades)
		if err != nil {
			return nil, err
		}
		trades := make([]domain.NormalizedTrade, 0, len(msgs))
		for _, m := range msgs {
			var t domain.NormalizedTrade
			if err := json.Unmarshal(m.Payload, &t); err != nil {
				a.logger.WarnContext(ctx, "skip malformed stream entry",
					slog.String("stream_id", m.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			trades = append(trades, t)
		}
		return trades, nil
	}

	now := time.Now().UTC()
	trades, err := deps.Store.ListNormalizedBetween(ctx, now.Add(-24*time.Hour), now.Add(time.Second))
	if err != nil {
		return nil, err
	}
	// ascending from the store
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	if len(trades) > recentTrades {
		trades = trades[:recentTrades]
	}
	return trades, nil
}

func renderBacklog(w io.Writer, backend, participant string, backlog int64, head *big.Int) {
	block := "-"
	if head != nil {
		block = head.String()
	}
	fmt.Fprintf(w, "\nparticipant %s\n", participant)
	table := tablewriter.NewWriter(w)
	table.Header("Backend", "Unprocessed", "Max block")
	table.Append(backend, fmt.Sprintf("%d", backlog), block)
	table.Render()
}

func renderChecks(w io.Writer, checks []check) {
	fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.Header("Service", "Status", "Detail")
	for _, c := range checks {
		table.Append(c.name, c.status, c.detail)
	}
	table.Render()
}

func renderTrades(w io.Writer, trades []domain.NormalizedTrade) {
	fmt.Fprintf(w, "\n%d recent trades\n", len(trades))
	if len(trades) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Time", "Side", "Price", "Qty", "Outcome", "Phase", "Market")
	for _, t := range trades {
		table.Append(
			t.NormalizedAt.UTC().Format(time.DateTime),
			string(t.Side),
			fmt.Sprintf("%.4f", t.Price),
			fmt.Sprintf("%.2f", t.Quantity),
			t.Outcome,
			string(t.MarketPhase),
			truncate(t.Question, 48),
		)
	}
	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
