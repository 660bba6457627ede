package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over the built-in defaults, then applies
// POLYLEDGER_* environment variable overrides. An empty path skips the file.
// The returned Config has NOT been validated; callers should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from POLYLEDGER_* variables that
// are set and non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Upstreams ──
	setStr(&cfg.Polymarket.GammaHost, "POLYLEDGER_POLYMARKET_GAMMA_HOST")
	setDuration(&cfg.Polymarket.Timeout, "POLYLEDGER_POLYMARKET_TIMEOUT")
	setFloat64(&cfg.Polymarket.RequestsPerSecond, "POLYLEDGER_POLYMARKET_REQUESTS_PER_SECOND")
	setStr(&cfg.Goldsky.URL, "POLYLEDGER_GOLDSKY_URL")
	setStr(&cfg.Goldsky.APIKey, "POLYLEDGER_GOLDSKY_API_KEY")
	setDuration(&cfg.Goldsky.Timeout, "POLYLEDGER_GOLDSKY_TIMEOUT")
	setFloat64(&cfg.Goldsky.RequestsPerSecond, "POLYLEDGER_GOLDSKY_REQUESTS_PER_SECOND")

	// ── Storage ──
	setStr(&cfg.Storage.DataDir, "POLYLEDGER_DATA_DIR")
	setStr(&cfg.Storage.StateDir, "POLYLEDGER_STATE_DIR")
	setStr(&cfg.Storage.LockDir, "POLYLEDGER_LOCK_DIR")

	// ── Stages ──
	setInt(&cfg.Sync.BatchSize, "POLYLEDGER_SYNC_BATCH_SIZE")
	setInt(&cfg.Scrape.PageSize, "POLYLEDGER_SCRAPE_PAGE_SIZE")
	setInt(&cfg.Reconcile.FlushSize, "POLYLEDGER_RECONCILE_FLUSH_SIZE")
	setInt(&cfg.Reconcile.MaxResolveAttempts, "POLYLEDGER_RECONCILE_MAX_RESOLVE_ATTEMPTS")

	// ── Retry ──
	setInt(&cfg.Retry.MaxAttempts, "POLYLEDGER_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.InitialInterval, "POLYLEDGER_RETRY_INITIAL_INTERVAL")
	setDuration(&cfg.Retry.MaxInterval, "POLYLEDGER_RETRY_MAX_INTERVAL")
	setFloat64(&cfg.Retry.Multiplier, "POLYLEDGER_RETRY_MULTIPLIER")
	setFloat64(&cfg.Retry.Jitter, "POLYLEDGER_RETRY_JITTER")

	// ── Ledger ──
	setStringSlice(&cfg.Ledger.ExcludedWallets, "POLYLEDGER_LEDGER_EXCLUDED_WALLETS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYLEDGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POLYLEDGER_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.UnknownTokenTTL, "POLYLEDGER_REDIS_UNKNOWN_TOKEN_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYLEDGER_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "POLYLEDGER_S3_PREFIX")
	setStr(&cfg.S3.SnapshotName, "POLYLEDGER_S3_SNAPSHOT_NAME")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POLYLEDGER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POLYLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYLEDGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Metrics.TextfilePath, "POLYLEDGER_METRICS_TEXTFILE_PATH")
	setDuration(&cfg.Run.LockTTL, "POLYLEDGER_RUN_LOCK_TTL")
	setDuration(&cfg.Run.Interval, "POLYLEDGER_RUN_INTERVAL")
	setStr(&cfg.LogLevel, "POLYLEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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
