package watcher

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/platform/polymarket"
	"github.com/alanyoungcy/expertwatch/internal/retry"
)

// SyntheticLogIndexBase offsets poll-derived log positions above any log
// index a real block contains.
const SyntheticLogIndexBase = 100_000

// TradeHistory lists a user's most recent trades, newest first.
type TradeHistory interface {
	GetTrades(ctx context.Context, user string, limit int) ([]polymarket.UserTrade, error)
}

// PollerConfig configures a PollWatcher.
type PollerConfig struct {
	Participant string
	Interval    time.Duration
	Limit       int
	Retry       retry.Policy
}

// DefaultPollerConfig returns the production defaults for participant.
func DefaultPollerConfig(participant string) PollerConfig {
	return PollerConfig{
		Participant: participant,
		Interval:    30 * time.Second,
		Limit:       100,
		Retry: retry.Policy{
			Attempts:   3,
			BaseDelay:  2 * time.Second,
			MaxDelay:   15 * time.Second,
			Multiplier: 2,
			Jitter:     true,
		},
	}
}

// PollWatcher periodically polls the trade-history API. It is the fallback
// source when the on-chain stream is unavailable.
type PollWatcher struct {
	*base
	cfg     PollerConfig
	history TradeHistory

	mu     sync.Mutex
	mark   time.Time // newest trade timestamp seen so far
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Watcher = (*PollWatcher)(nil)

// NewPollWatcher creates a PollWatcher.
func NewPollWatcher(cfg PollerConfig, history TradeHistory, logger *slog.Logger) *PollWatcher {
	def := DefaultPollerConfig(cfg.Participant)
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = def.Retry
	}
	return &PollWatcher{
		base:    newBase(string(domain.SourcePollAPI), logger),
		cfg:     cfg,
		history: history,
	}
}

// Start begins polling. The first poll runs immediately.
func (p *PollWatcher) Start(ctx context.Context) error {
	if s := p.State(); s != domain.WatcherIdle && s != domain.WatcherStopped {
		return fmt.Errorf("watcher %s: %w (state %s)", p.name, domain.ErrAlreadyStarted, s)
	}
	if err := p.transition(domain.WatcherStarting); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.transition(domain.WatcherRunning); err != nil {
		cancel()
		return err
	}

	p.wg.Add(1)
	go p.run(runCtx)

	p.logger.Info("trade poller started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("limit", p.cfg.Limit),
	)
	return nil
}

// Stop ends the polling loop and waits for an in-flight poll to unwind.
func (p *PollWatcher) Stop(ctx context.Context) error {
	switch p.State() {
	case domain.WatcherIdle, domain.WatcherStopped, domain.WatcherFailed:
		return nil
	}

	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = p.transition(domain.WatcherStopped)
		return ctx.Err()
	}
	p.logger.Info("trade poller stopped")
	return p.transition(domain.WatcherStopped)
}

func (p *PollWatcher) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll runs one cycle. A failed cycle is reported and the next one still
// runs on schedule.
func (p *PollWatcher) poll(ctx context.Context) {
	trades, err := retry.DoValue(ctx, p.cfg.Retry, p.logger, "data-api trades",
		func(ctx context.Context) ([]polymarket.UserTrade, error) {
			return p.history.GetTrades(ctx, p.cfg.Participant, p.cfg.Limit)
		})
	if err != nil {
		if ctx.Err() == nil {
			p.emitError(fmt.Errorf("poll trades: %w", err))
		}
		return
	}

	p.mu.Lock()
	mark := p.mark
	p.mu.Unlock()

	newest := mark
	var fresh []polymarket.UserTrade
	for _, t := range trades {
		if t.Timestamp.After(newest) {
			newest = t.Timestamp
		}
		if t.Timestamp.After(mark) {
			fresh = append(fresh, t)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Timestamp.Before(fresh[j].Timestamp) })

	now := p.now()
	for _, t := range fresh {
		if err := p.emit(ctx, tradeToRawEvent(t, p.cfg.Participant, now)); err != nil {
			return
		}
	}

	p.mu.Lock()
	if newest.After(p.mark) {
		p.mark = newest
	}
	p.mu.Unlock()

	if len(fresh) > 0 {
		p.logger.Debug("poll cycle published trades",
			slog.Int("fetched", len(trades)),
			slog.Int("published", len(fresh)),
		)
	}
}

// SyntheticLogIndex derives a stable log position for a poll row from
// (market, timestamp, size, price). The result is always at least
// SyntheticLogIndexBase.
func SyntheticLogIndex(market string, ts time.Time, size, price float64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join([]string{
		market,
		strconv.FormatInt(ts.Unix(), 10),
		strconv.FormatFloat(size, 'f', -1, 64),
		strconv.FormatFloat(price, 'f', -1, 64),
	}, "|")))
	return SyntheticLogIndexBase + h.Sum64()%1_000_000_000
}

// tradeToRawEvent expresses a history row as a fill in which the
// participant is the taker. Amounts are rebuilt in 6-decimal fixed point.
func tradeToRawEvent(t polymarket.UserTrade, participant string, detectedAt time.Time) domain.RawTradeEvent {
	size := decimal.NewFromFloat(t.Size)
	tokens := scaled(size)
	collateral := scaled(size.Mul(decimal.NewFromFloat(t.Price)))

	txHash := t.TxHash
	if txHash == "" {
		txHash = "poll:" + t.Market
	}
	logIndex := SyntheticLogIndex(t.Market, t.Timestamp, t.Size, t.Price)

	ev := domain.RawTradeEvent{
		ID:             domain.EventID(txHash, logIndex),
		TxHash:         txHash,
		LogIndex:       logIndex,
		BlockTimestamp: t.Timestamp.Unix(),
		DetectedAt:     detectedAt.UnixMilli(),
		Source:         domain.SourcePollAPI,
		Exchange:       domain.ExchangeStandard,
		Taker:          participant,
		Fee:            new(big.Int),
		Role:           domain.RoleTaker,
	}
	if t.Side == domain.SideBuy {
		ev.TakerAssetID, ev.TakerAmountFilled = domain.CollateralAssetID, collateral
		ev.MakerAssetID, ev.MakerAmountFilled = t.Asset, tokens
	} else {
		ev.TakerAssetID, ev.TakerAmountFilled = t.Asset, tokens
		ev.MakerAssetID, ev.MakerAmountFilled = domain.CollateralAssetID, collateral
	}
	return ev
}

func scaled(v decimal.Decimal) *big.Int {
	return v.Shift(6).Round(0).BigInt()
}
