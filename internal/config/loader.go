package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXPERTWATCH_* environment variable overrides,
// and returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from EXPERTWATCH_* variables
// that are set and non-empty.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Tracking.Participant, "EXPERTWATCH_PARTICIPANT")

	// ── Chain ──
	setBool(&cfg.Chain.Enabled, "EXPERTWATCH_CHAIN_ENABLED")
	setStr(&cfg.Chain.RPCURL, "EXPERTWATCH_CHAIN_RPC_URL")
	setInt(&cfg.Chain.ChainID, "EXPERTWATCH_CHAIN_ID")
	setUint64(&cfg.Chain.StartBlock, "EXPERTWATCH_CHAIN_START_BLOCK")
	setUint64(&cfg.Chain.ChunkSize, "EXPERTWATCH_CHAIN_CHUNK_SIZE")
	setDuration(&cfg.Chain.ReconnectDelay, "EXPERTWATCH_CHAIN_RECONNECT_DELAY")
	setDuration(&cfg.Chain.BlockLookupTimeout, "EXPERTWATCH_CHAIN_BLOCK_LOOKUP_TIMEOUT")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.GammaURL, "EXPERTWATCH_POLYMARKET_GAMMA_URL")
	setStr(&cfg.Polymarket.ClobURL, "EXPERTWATCH_POLYMARKET_CLOB_URL")
	setStr(&cfg.Polymarket.DataURL, "EXPERTWATCH_POLYMARKET_DATA_URL")
	setDuration(&cfg.Polymarket.RequestTimeout, "EXPERTWATCH_POLYMARKET_REQUEST_TIMEOUT")
	setFloat64(&cfg.Polymarket.RatePerSec, "EXPERTWATCH_POLYMARKET_RATE_PER_SEC")

	// ── Poller ──
	setBool(&cfg.Poller.Enabled, "EXPERTWATCH_POLLER_ENABLED")
	setDuration(&cfg.Poller.Interval, "EXPERTWATCH_POLLER_INTERVAL")
	setInt(&cfg.Poller.Limit, "EXPERTWATCH_POLLER_LIMIT")

	// ── Normalizer ──
	setInt(&cfg.Normalizer.Workers, "EXPERTWATCH_NORMALIZER_WORKERS")

	// ── Store ──
	setStr(&cfg.Store.Backend, "EXPERTWATCH_STORE_BACKEND")
	setStr(&cfg.Postgres.DSN, "EXPERTWATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXPERTWATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXPERTWATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXPERTWATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXPERTWATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXPERTWATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXPERTWATCH_POSTGRES_SSL_MODE")
	setStr(&cfg.SQLite.Path, "EXPERTWATCH_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "EXPERTWATCH_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "EXPERTWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXPERTWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXPERTWATCH_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "EXPERTWATCH_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "EXPERTWATCH_REDIS_STREAM_MAX_LEN")

	// ── S3 / Archive ──
	setBool(&cfg.S3.Enabled, "EXPERTWATCH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "EXPERTWATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXPERTWATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXPERTWATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXPERTWATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXPERTWATCH_S3_SECRET_KEY")
	setBool(&cfg.Archive.Enabled, "EXPERTWATCH_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "EXPERTWATCH_ARCHIVE_CRON")
	setDuration(&cfg.Archive.Window, "EXPERTWATCH_ARCHIVE_WINDOW")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXPERTWATCH_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXPERTWATCH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "EXPERTWATCH_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXPERTWATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXPERTWATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXPERTWATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXPERTWATCH_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "EXPERTWATCH_NOTIFY_COOLDOWN")

	setStr(&cfg.Mode, "EXPERTWATCH_MODE")
	setStr(&cfg.LogLevel, "EXPERTWATCH_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
