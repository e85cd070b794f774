package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expertwatch/internal/config"
	"github.com/alanyoungcy/expertwatch/internal/domain"
)

const participant = "0x56687bf447db6ffa42ffe2204a05edaa20f55839"

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Tracking.Participant = participant
	cfg.Chain.Enabled = false
	cfg.Store.Backend = "sqlite"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "expertwatch.db")
	return &cfg
}

func testApp(cfg *config.Config, out io.Writer) *App {
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.out = out
	return a
}

func detection(tx string, block int64) domain.RawTradeEvent {
	return domain.RawTradeEvent{
		ID:                domain.EventID(tx, 1),
		TxHash:            tx,
		LogIndex:          1,
		BlockNumber:       big.NewInt(block),
		BlockTimestamp:    1_700_000_000,
		DetectedAt:        1_700_000_000_000,
		Source:            domain.SourceOnChain,
		Exchange:          domain.ExchangeStandard,
		Maker:             participant,
		Taker:             "0xtaker",
		MakerAssetID:      "0",
		TakerAssetID:      "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmountFilled: big.NewInt(52_000_000),
		TakerAmountFilled: big.NewInt(100_000_000),
		Fee:               big.NewInt(0),
		Role:              domain.RoleMaker,
	}
}

func TestWorsened(t *testing.T) {
	assert.True(t, worsened(domain.StatusHealthy, domain.StatusDegraded))
	assert.True(t, worsened(domain.StatusDegraded, domain.StatusUnhealthy))
	assert.False(t, worsened(domain.StatusUnhealthy, domain.StatusDegraded))
	assert.False(t, worsened(domain.StatusDegraded, domain.StatusHealthy))
	assert.False(t, worsened(domain.StatusHealthy, domain.StatusHealthy))
}

func TestIngestLockKey(t *testing.T) {
	assert.Equal(t, "expertwatch:ingest:0xabcdef", ingestLockKey("0xABCdef"))
}

func TestWireInspectSkipsPipeline(t *testing.T) {
	cfg := testConfig(t, "inspect")
	deps, cleanup, err := Wire(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Store)
	assert.NotNil(t, deps.Notifier)
	assert.Nil(t, deps.Normalizer)
	assert.Nil(t, deps.Sink)
	assert.Nil(t, deps.Bus)
	assert.Nil(t, deps.S3)
}

func TestWireIngestBuildsPipeline(t *testing.T) {
	cfg := testConfig(t, "ingest")
	deps, cleanup, err := Wire(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, participant, deps.Participant)
	assert.NotNil(t, deps.Normalizer)
	assert.NotNil(t, deps.Dedup)
	assert.NotNil(t, deps.Sink)
	assert.NotNil(t, deps.Hub)
	assert.Nil(t, deps.Locks)
}

func TestReplayModeLeavesUnresolvedBacklog(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	defer api.Close()

	cfg := testConfig(t, "replay")
	cfg.Polymarket.GammaURL = api.URL
	cfg.Polymarket.ClobURL = api.URL
	cfg.Polymarket.DataURL = api.URL

	ctx := context.Background()
	deps, cleanup, err := Wire(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer cleanup()

	_, err = deps.Store.InsertIfAbsent(ctx, detection("0xaaa", 100))
	require.NoError(t, err)

	a := testApp(cfg, io.Discard)
	require.NoError(t, a.ReplayMode(ctx, deps))

	backlog, err := deps.Store.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog)
	assert.Equal(t, uint64(1), deps.Normalizer.Stats().Errors)
}

func TestInspectModePrintsTables(t *testing.T) {
	cfg := testConfig(t, "inspect")
	ctx := context.Background()
	deps, cleanup, err := Wire(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer cleanup()

	ev := detection("0xbbb", 64_000_123)
	_, err = deps.Store.InsertIfAbsent(ctx, ev)
	require.NoError(t, err)
	_, err = deps.Store.InsertNormalized(ctx, domain.NormalizedTrade{
		ID:           ev.ID,
		DecodedTrade: domain.DecodedTrade{Side: domain.SideBuy, Price: 0.52, Quantity: 100, TokenID: ev.TakerAssetID},
		ConditionID:  "0xcond",
		Question:     "Will it rain in Lisbon tomorrow?",
		Outcome:      "Yes",
		MarketPhase:  domain.PhaseNearResolution,
		NormalizedAt: time.Now().UTC().Add(-time.Minute),
		Raw:          ev,
	})
	require.NoError(t, err)

	var out bytes.Buffer
	a := testApp(cfg, &out)
	require.NoError(t, a.InspectMode(ctx, deps))

	text := out.String()
	assert.Contains(t, text, "participant "+participant)
	assert.Contains(t, text, "64000123")
	assert.Contains(t, text, "disabled")
	assert.Contains(t, text, "1 recent trades")
	assert.Contains(t, text, "Lisbon")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
