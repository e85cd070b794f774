// Package config defines the top-level configuration for expertwatch and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXPERTWATCH_* environment variables.
type Config struct {
	Tracking   TrackingConfig   `toml:"tracking"`
	Chain      ChainConfig      `toml:"chain"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Poller     PollerConfig     `toml:"poller"`
	Cache      CacheConfig      `toml:"cache"`
	Dedup      DedupConfig      `toml:"dedup"`
	Normalizer NormalizerConfig `toml:"normalizer"`
	Store      StoreConfig      `toml:"store"`
	Postgres   PostgresConfig   `toml:"postgres"`
	SQLite     SQLiteConfig     `toml:"sqlite"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// TrackingConfig names the participant whose fills are ingested.
type TrackingConfig struct {
	Participant string `toml:"participant"`
}

// ChainConfig holds Polygon RPC settings for the on-chain watcher.
type ChainConfig struct {
	Enabled bool   `toml:"enabled"`
	RPCURL  string `toml:"rpc_url"`
	ChainID int    `toml:"chain_id"`
	// StartBlock seeds backfill when the store holds no on-chain rows.
	StartBlock         uint64   `toml:"start_block"`
	ChunkSize          uint64   `toml:"chunk_size"`
	ReconnectDelay     duration `toml:"reconnect_delay"`
	BlockLookupTimeout duration `toml:"block_lookup_timeout"`
}

// PolymarketConfig holds the public API endpoints.
type PolymarketConfig struct {
	GammaURL        string   `toml:"gamma_url"`
	ClobURL         string   `toml:"clob_url"`
	DataURL         string   `toml:"data_url"`
	RequestTimeout  duration `toml:"request_timeout"`
	ResolverTimeout duration `toml:"resolver_timeout"`
	RatePerSec      float64  `toml:"rate_per_sec"`
	Burst           int      `toml:"burst"`
}

// PollerConfig configures the trade-history poll watcher.
type PollerConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Limit    int      `toml:"limit"`
}

// CacheConfig sizes the market metadata cache.
type CacheConfig struct {
	Capacity int      `toml:"capacity"`
	TTL      duration `toml:"ttl"`
}

// DedupConfig sizes the in-memory layer of the deduplicator.
type DedupConfig struct {
	Capacity int `toml:"capacity"`
}

// NormalizerConfig controls normalization concurrency.
type NormalizerConfig struct {
	Workers    int `toml:"workers"`
	BufferSize int `toml:"buffer_size"`
	// EnrichWorkers bounds the shared liquidity/position fan-out pool.
	EnrichWorkers int `toml:"enrich_workers"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	Backend    string `toml:"backend"`
	ReplayPage int    `toml:"replay_page"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN      string `toml:"dsn"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	SSLMode  string `toml:"ssl_mode"`
	MaxConns int    `toml:"max_conns"`
	MinConns int    `toml:"min_conns"`
}

// SQLiteConfig holds the embedded database path.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters for the signal bus and the
// ingest lock.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	LockTTL      duration `toml:"lock_ttl"`
}

// S3Config holds object storage settings for trade archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the normalized-trade archiver.
type ArchiveConfig struct {
	Enabled bool     `toml:"enabled"`
	Cron    string   `toml:"cron"`
	Window  duration `toml:"window"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// like "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var validModes = map[string]bool{
	"ingest":  true,
	"replay":  true,
	"inspect": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

// Defaults returns a Config populated with production defaults.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			Enabled:            true,
			ChainID:            137,
			ChunkSize:          5000,
			ReconnectDelay:     duration{5 * time.Second},
			BlockLookupTimeout: duration{10 * time.Second},
		},
		Polymarket: PolymarketConfig{
			GammaURL:        "https://gamma-api.polymarket.com",
			ClobURL:         "https://clob.polymarket.com",
			DataURL:         "https://data-api.polymarket.com",
			RequestTimeout:  duration{8 * time.Second},
			ResolverTimeout: duration{10 * time.Second},
			RatePerSec:      10,
			Burst:           5,
		},
		Poller: PollerConfig{
			Enabled:  true,
			Interval: duration{30 * time.Second},
			Limit:    100,
		},
		Cache: CacheConfig{
			Capacity: 500,
			TTL:      duration{5 * time.Minute},
		},
		Dedup: DedupConfig{
			Capacity: 10000,
		},
		Normalizer: NormalizerConfig{
			Workers:       8,
			BufferSize:    256,
			EnrichWorkers: 16,
		},
		Store: StoreConfig{
			Backend:    "postgres",
			ReplayPage: 500,
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "expertwatch",
			User:     "postgres",
			SSLMode:  "disable",
			MaxConns: 10,
			MinConns: 1,
		},
		SQLite: SQLiteConfig{
			Path: "expertwatch.db",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			StreamMaxLen: 100000,
			LockTTL:      duration{30 * time.Second},
		},
		S3: S3Config{
			Region: "us-east-1",
			Bucket: "expertwatch-archive",
			UseSSL: true,
		},
		Archive: ArchiveConfig{
			Cron:   "0 5 * * * *",
			Window: duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events:   []string{"health_change", "unknown_outcome", "lock_lost"},
			Cooldown: duration{10 * time.Minute},
		},
		Mode:     "ingest",
		LogLevel: "info",
	}
}

// Validate checks the configuration for obvious mistakes. It returns a
// combined error describing every problem found, or nil if the config is
// valid.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: ingest, replay, inspect)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !common.IsHexAddress(c.Tracking.Participant) {
		errs = append(errs, fmt.Sprintf("tracking: participant %q is not a hex address", c.Tracking.Participant))
	}

	ingest := strings.ToLower(c.Mode) == "ingest"
	if ingest && !c.Chain.Enabled && !c.Poller.Enabled {
		errs = append(errs, "chain and poller are both disabled; ingest needs at least one source")
	}
	if c.Chain.Enabled {
		if ingest && c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty when chain is enabled")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		if c.Chain.ChunkSize == 0 {
			errs = append(errs, "chain: chunk_size must be > 0")
		}
		if c.Chain.ReconnectDelay.Duration <= 0 {
			errs = append(errs, "chain: reconnect_delay must be positive")
		}
	}

	if c.Polymarket.GammaURL == "" || c.Polymarket.ClobURL == "" || c.Polymarket.DataURL == "" {
		errs = append(errs, "polymarket: gamma_url, clob_url and data_url must all be set")
	}
	if c.Polymarket.RatePerSec < 0 {
		errs = append(errs, "polymarket: rate_per_sec must be >= 0")
	}

	if c.Poller.Enabled {
		if c.Poller.Interval.Duration < time.Second {
			errs = append(errs, fmt.Sprintf("poller: interval must be >= 1s, got %s", c.Poller.Interval.Duration))
		}
		if c.Poller.Limit < 1 {
			errs = append(errs, "poller: limit must be >= 1")
		}
	}

	if c.Cache.Capacity < 1 {
		errs = append(errs, "cache: capacity must be >= 1")
	}
	if c.Cache.TTL.Duration <= 0 {
		errs = append(errs, "cache: ttl must be positive")
	}
	if c.Dedup.Capacity < 1 {
		errs = append(errs, "dedup: capacity must be >= 1")
	}
	if c.Normalizer.Workers < 1 {
		errs = append(errs, "normalizer: workers must be >= 1")
	}
	if c.Normalizer.EnrichWorkers < 2 {
		errs = append(errs, "normalizer: enrich_workers must be >= 2")
	}
	if c.Normalizer.BufferSize < 1 {
		errs = append(errs, "normalizer: buffer_size must be >= 1")
	}

	if !validBackends[strings.ToLower(c.Store.Backend)] {
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: postgres, sqlite)", c.Store.Backend))
	}
	if c.Store.ReplayPage < 1 {
		errs = append(errs, "store: replay_page must be >= 1")
	}
	switch strings.ToLower(c.Store.Backend) {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.MaxConns < 1 {
			errs = append(errs, "postgres: max_conns must be >= 1")
		}
		if c.Postgres.MinConns < 0 || c.Postgres.MinConns > c.Postgres.MaxConns {
			errs = append(errs, "postgres: min_conns must be between 0 and max_conns")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.StreamMaxLen < 0 {
			errs = append(errs, "redis: stream_max_len must be >= 0")
		}
		if c.Redis.LockTTL.Duration < 3*time.Second {
			errs = append(errs, "redis: lock_ttl must be >= 3s")
		}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
		if c.Archive.Window.Duration < time.Minute {
			errs = append(errs, "archive: window must be >= 1m")
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
