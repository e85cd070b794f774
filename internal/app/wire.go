package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alitto/pond/v2"

	s3blob "github.com/alanyoungcy/expertwatch/internal/blob/s3"
	"github.com/alanyoungcy/expertwatch/internal/cache/lru"
	"github.com/alanyoungcy/expertwatch/internal/cache/redis"
	"github.com/alanyoungcy/expertwatch/internal/config"
	"github.com/alanyoungcy/expertwatch/internal/dedup"
	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/normalize"
	"github.com/alanyoungcy/expertwatch/internal/notify"
	"github.com/alanyoungcy/expertwatch/internal/pipeline"
	"github.com/alanyoungcy/expertwatch/internal/platform/polymarket"
	"github.com/alanyoungcy/expertwatch/internal/server/ws"
	"github.com/alanyoungcy/expertwatch/internal/service"
	"github.com/alanyoungcy/expertwatch/internal/store/postgres"
	"github.com/alanyoungcy/expertwatch/internal/store/sqlite"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function. Optional parts are
// nil when their section is disabled.
type Dependencies struct {
	Participant string
	Store       domain.Store

	// Optional infrastructure.
	Redis    *redis.Client
	Bus      *redis.SignalBus
	Locks    *redis.LockManager
	S3       *s3blob.Client
	Archiver *s3blob.TradeArchiver
	Notifier *notify.Notifier
	Hub      *ws.Hub

	// Enrichment and pipeline; set for ingest and replay.
	Data       *polymarket.DataClient
	Normalizer *normalize.Normalizer
	Dedup      *dedup.Deduplicator
	Sink       *pipeline.Sink
}

// needsPipeline reports whether mode normalizes trades.
func needsPipeline(mode string) bool {
	return mode == "ingest" || mode == "replay"
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases resources in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Participant: strings.ToLower(cfg.Tracking.Participant)}

	// --- Durable store ---
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("wire: store: %w", err))
	}
	closers = append(closers, func() { _ = store.Close() })
	deps.Store = store

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Redis = redisClient
		deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Locks = redis.NewLockManager(redisClient, logger)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.S3 = s3Client
		deps.Archiver = s3blob.NewTradeArchiver(s3blob.NewWriter(s3Client), store)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	if !needsPipeline(mode) {
		return deps, cleanup, nil
	}

	// --- Polymarket clients and enrichment services ---
	opts := polymarket.ClientOptions{
		Timeout:    cfg.Polymarket.RequestTimeout.Duration,
		RatePerSec: cfg.Polymarket.RatePerSec,
		Burst:      cfg.Polymarket.Burst,
	}
	gammaOpts := opts
	gammaOpts.Timeout = cfg.Polymarket.ResolverTimeout.Duration
	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaURL, gammaOpts)
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobURL, opts)
	deps.Data = polymarket.NewDataClient(cfg.Polymarket.DataURL, opts)

	markets := lru.NewMarketCache(cfg.Cache.Capacity, cfg.Cache.TTL.Duration)
	resolver := service.NewMarketResolver(gamma, markets, logger)
	liquidity := service.NewLiquidityFetcher(clob, logger)
	positions := service.NewPositionTracker(deps.Data, logger)

	enrichPool := pond.NewPool(cfg.Normalizer.EnrichWorkers)
	closers = append(closers, enrichPool.StopAndWait)

	deps.Normalizer = normalize.NewNormalizer(normalize.Config{
		Participant: deps.Participant,
		BufferSize:  cfg.Normalizer.BufferSize,
	}, resolver, liquidity, positions, enrichPool, logger)
	deps.Dedup = dedup.New(store, cfg.Dedup.Capacity, logger)

	if mode == "ingest" && cfg.Server.Enabled {
		deps.Hub = ws.NewHub(deps.Participant, logger)
	}

	// Optional sink targets stay untyped nil when absent.
	var publisher pipeline.Publisher
	if deps.Bus != nil {
		publisher = deps.Bus
	}
	var feed pipeline.Broadcaster
	if deps.Hub != nil {
		feed = deps.Hub
	}
	var alerter pipeline.Alerter
	if deps.Notifier.Enabled() {
		alerter = deps.Notifier
	}
	deps.Sink = pipeline.NewSink(store, publisher, feed, alerter, logger)

	return deps, cleanup, nil
}

func openStore(ctx context.Context, cfg *config.Config) (domain.Store, error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case "sqlite":
		return sqlite.Open(cfg.SQLite.Path)
	case "postgres":
		return postgres.Open(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
	}
}
