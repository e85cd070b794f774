package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/expertwatch/internal/cache/lru"
	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/platform/polygon"
	"github.com/alanyoungcy/expertwatch/internal/retry"
)

// LogSource is the subset of an RPC client the on-chain watcher needs.
// *ethclient.Client satisfies it.
type LogSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// BlockCursor reports the highest block already recorded durably.
type BlockCursor interface {
	MaxBlock(ctx context.Context) (*big.Int, error)
}

// OnChainConfig configures an OnChainWatcher.
type OnChainConfig struct {
	Participant common.Address
	Exchanges   []polygon.Exchange
	// StartBlock is where backfill begins when nothing has been recorded.
	// Zero disables backfill until the first live event is seen.
	StartBlock         uint64
	ChunkSize          uint64
	ReconnectDelay     time.Duration
	BlockLookupTimeout time.Duration
	// Retry governs each backfill query.
	Retry retry.Policy
}

// DefaultOnChainConfig returns the production defaults for participant.
func DefaultOnChainConfig(participant common.Address) OnChainConfig {
	return OnChainConfig{
		Participant:        participant,
		Exchanges:          polygon.Exchanges(),
		ChunkSize:          5000,
		ReconnectDelay:     5 * time.Second,
		BlockLookupTimeout: 10 * time.Second,
		Retry:              retry.DefaultPolicy(),
	}
}

// OnChainWatcher streams OrderFilled logs for the participant from both
// exchange contracts and backfills any blocks missed while it was away.
type OnChainWatcher struct {
	*base
	cfg    OnChainConfig
	client LogSource
	cursor BlockCursor

	timestamps *lru.Cache[uint64, int64]

	mu      sync.Mutex
	subs    []ethereum.Subscription
	scanned uint64 // highest block covered by a completed backfill
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Watcher = (*OnChainWatcher)(nil)

// NewOnChainWatcher creates an OnChainWatcher. cursor may be nil.
func NewOnChainWatcher(cfg OnChainConfig, client LogSource, cursor BlockCursor, logger *slog.Logger) *OnChainWatcher {
	if len(cfg.Exchanges) == 0 {
		cfg.Exchanges = polygon.Exchanges()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 5000
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.BlockLookupTimeout <= 0 {
		cfg.BlockLookupTimeout = 10 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &OnChainWatcher{
		base:       newBase(string(domain.SourceOnChain), logger),
		cfg:        cfg,
		client:     client,
		cursor:     cursor,
		timestamps: lru.New[uint64, int64](1024, 0),
	}
}

// Start opens the log subscriptions and begins streaming. Missed blocks are
// backfilled by the streaming goroutine before it consumes live logs, so
// Start never waits on a downstream reader. A subscription failure leaves
// the watcher failed.
func (w *OnChainWatcher) Start(ctx context.Context) error {
	if s := w.State(); s != domain.WatcherIdle && s != domain.WatcherStopped {
		return fmt.Errorf("watcher %s: %w (state %s)", w.name, domain.ErrAlreadyStarted, s)
	}
	if err := w.transition(domain.WatcherStarting); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	logs := make(chan types.Log, eventBuffer)
	if err := w.subscribe(runCtx, logs); err != nil {
		cancel()
		w.emitError(err)
		_ = w.transition(domain.WatcherFailed)
		return fmt.Errorf("watcher %s: %w", w.name, err)
	}

	if err := w.transition(domain.WatcherRunning); err != nil {
		// Stopped while starting.
		cancel()
		w.unsubscribeAll()
		return err
	}

	w.wg.Add(1)
	go w.run(runCtx, logs)
	return nil
}

// Stop unsubscribes, waits for in-flight work and moves to stopped.
// Unsubscribe problems are ignored.
func (w *OnChainWatcher) Stop(ctx context.Context) error {
	switch w.State() {
	case domain.WatcherIdle, domain.WatcherStopped, domain.WatcherFailed:
		return nil
	}

	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.unsubscribeAll()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = w.transition(domain.WatcherStopped)
		return ctx.Err()
	}
	return w.transition(domain.WatcherStopped)
}

// run backfills, then consumes live logs until ctx ends, reconnecting on
// stream errors. Live logs arriving during the backfill wait in logs.
func (w *OnChainWatcher) run(ctx context.Context, logs chan types.Log) {
	defer w.wg.Done()

	if err := w.backfill(ctx); err != nil && ctx.Err() == nil {
		w.emitError(fmt.Errorf("initial backfill: %w", err))
	}

	streamErr := w.watchSubscriptions(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case lg := <-logs:
			w.handleLive(ctx, lg)
		case err := <-streamErr:
			w.emitError(fmt.Errorf("%w: %v", domain.ErrStreamDropped, err))
			if !w.reconnect(ctx, logs) {
				return
			}
			streamErr = w.watchSubscriptions(ctx)
		}
	}
}

// watchSubscriptions fans the error channels of the current subscriptions
// into one channel that yields the first failure.
func (w *OnChainWatcher) watchSubscriptions(ctx context.Context) <-chan error {
	w.mu.Lock()
	subs := append([]ethereum.Subscription(nil), w.subs...)
	w.mu.Unlock()

	out := make(chan error, len(subs))
	for _, sub := range subs {
		go func(sub ethereum.Subscription) {
			select {
			case err, ok := <-sub.Err():
				if ok && err != nil {
					out <- err
				}
			case <-ctx.Done():
			}
		}(sub)
	}
	return out
}

// reconnect waits, resubscribes and backfills the gap, retrying until it
// succeeds or ctx ends. It reports whether the watcher is running again.
func (w *OnChainWatcher) reconnect(ctx context.Context, logs chan types.Log) bool {
	if err := w.transition(domain.WatcherReconnecting); err != nil {
		return false
	}
	w.unsubscribeAll()

	for {
		timer := time.NewTimer(w.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		if err := w.subscribe(ctx, logs); err != nil {
			if ctx.Err() != nil {
				return false
			}
			w.emitError(err)
			continue
		}
		if err := w.backfill(ctx); err != nil && ctx.Err() == nil {
			w.emitError(fmt.Errorf("gap backfill: %w", err))
		}
		return w.transition(domain.WatcherRunning) == nil
	}
}

func (w *OnChainWatcher) subscribe(ctx context.Context, logs chan types.Log) error {
	var subs []ethereum.Subscription
	for _, ex := range w.cfg.Exchanges {
		for _, q := range []ethereum.FilterQuery{
			polygon.MakerQuery(ex.Address, w.cfg.Participant, nil, nil),
			polygon.TakerQuery(ex.Address, w.cfg.Participant, nil, nil),
		} {
			sub, err := w.client.SubscribeFilterLogs(ctx, q, logs)
			if err != nil {
				for _, s := range subs {
					s.Unsubscribe()
				}
				return fmt.Errorf("subscribe %s logs: %w", ex.Variant, err)
			}
			subs = append(subs, sub)
		}
	}

	w.mu.Lock()
	w.subs = subs
	w.mu.Unlock()
	return nil
}

func (w *OnChainWatcher) unsubscribeAll() {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// handleLive converts a streamed log and publishes it once its block
// timestamp is known. Logs are published in arrival order so a recorded
// block is never ahead of an unrecorded one.
func (w *OnChainWatcher) handleLive(ctx context.Context, lg types.Log) {
	if lg.Removed {
		return
	}
	ev, err := polygon.NewRawEvent(lg, w.cfg.Participant, w.now())
	if err != nil {
		w.emitError(err)
		return
	}

	ev.BlockTimestamp = w.blockTimestamp(ctx, lg.BlockNumber, ev.DetectedAt)
	_ = w.emit(ctx, ev)
}

// blockTimestamp returns the block's timestamp in seconds, falling back to
// the detection time when the lookup fails.
func (w *OnChainWatcher) blockTimestamp(ctx context.Context, block uint64, detectedAtMs int64) int64 {
	if ts, ok := w.timestamps.Get(block); ok {
		return ts
	}

	lookupCtx, cancel := context.WithTimeout(ctx, w.cfg.BlockLookupTimeout)
	defer cancel()
	header, err := w.client.HeaderByNumber(lookupCtx, new(big.Int).SetUint64(block))
	if err != nil || header == nil {
		if err == nil {
			err = errors.New("empty header")
		}
		w.logger.Warn("block timestamp lookup failed, using detection time",
			slog.Uint64("block", block),
			slog.String("error", err.Error()),
		)
		return detectedAtMs / 1000
	}

	ts := int64(header.Time)
	w.timestamps.Set(block, ts)
	return ts
}

// backfill scans from the last recorded block up to the current head in ChunkSize windows, publishing fills in (block, log index)
// order.
func (w *OnChainWatcher) backfill(ctx context.Context) error {
	from, ok, err := w.backfillStart(ctx)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Info("no backfill start block, skipping backfill")
		return nil
	}

	head, err := retry.DoValue(ctx, w.cfg.Retry, w.logger, "eth_blockNumber",
		func(ctx context.Context) (uint64, error) { return w.client.BlockNumber(ctx) })
	if err != nil {
		return fmt.Errorf("head block: %w", err)
	}
	if from > head {
		return nil
	}

	w.logger.Info("backfilling", slog.Uint64("from", from), slog.Uint64("to", head))
	for start := from; start <= head; start += w.cfg.ChunkSize {
		end := min(start+w.cfg.ChunkSize-1, head)
		logs, err := w.fetchRange(ctx, start, end)
		if err != nil {
			return fmt.Errorf("blocks %d-%d: %w", start, end, err)
		}
		for _, lg := range logs {
			ev, err := polygon.NewRawEvent(lg, w.cfg.Participant, w.now())
			if err != nil {
				w.emitError(err)
				continue
			}
			ev.BlockTimestamp = w.blockTimestamp(ctx, lg.BlockNumber, ev.DetectedAt)
			if err := w.emit(ctx, ev); err != nil {
				return err
			}
		}
		w.markScanned(end)
	}
	return nil
}

func (w *OnChainWatcher) backfillStart(ctx context.Context) (uint64, bool, error) {
	var from uint64
	if w.cursor != nil {
		maxBlock, err := w.cursor.MaxBlock(ctx)
		if err != nil {
			return 0, false, fmt.Errorf("max recorded block: %w", err)
		}
		if maxBlock != nil && maxBlock.IsUint64() {
			from = maxBlock.Uint64()
		}
	}
	if last := w.lastObservedBlock(); last != nil && last.IsUint64() && last.Uint64() > from {
		from = last.Uint64()
	}
	w.mu.Lock()
	from = max(from, w.scanned)
	w.mu.Unlock()
	if from == 0 {
		from = w.cfg.StartBlock
	}
	return from, from > 0, nil
}

func (w *OnChainWatcher) markScanned(block uint64) {
	w.mu.Lock()
	if block > w.scanned {
		w.scanned = block
	}
	w.mu.Unlock()
	w.observeBlock(new(big.Int).SetUint64(block))
}

// fetchRange queries maker and taker fills on every exchange for one block
// window. Filters only accept a single address per topic, hence the
// separate queries. Results are deduplicated and sorted.
func (w *OnChainWatcher) fetchRange(ctx context.Context, from, to uint64) ([]types.Log, error) {
	fromB, toB := new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)

	seen := make(map[string]struct{})
	var out []types.Log
	for _, ex := range w.cfg.Exchanges {
		for _, q := range []ethereum.FilterQuery{
			polygon.MakerQuery(ex.Address, w.cfg.Participant, fromB, toB),
			polygon.TakerQuery(ex.Address, w.cfg.Participant, fromB, toB),
		} {
			logs, err := retry.DoValue(ctx, w.cfg.Retry, w.logger, "eth_getLogs",
				func(ctx context.Context) ([]types.Log, error) { return w.client.FilterLogs(ctx, q) })
			if err != nil {
				return nil, err
			}
			for _, lg := range logs {
				if lg.Removed {
					continue
				}
				key := fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				out = append(out, lg)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}
