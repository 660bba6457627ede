// Package config defines the polyledger configuration and its validation
// rules.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyledger/internal/retry"
)

// Config is the root configuration structure, typically loaded from a TOML file.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Goldsky    GoldskyConfig    `toml:"goldsky"`
	Storage    StorageConfig    `toml:"storage"`
	Sync       SyncConfig       `toml:"sync"`
	Scrape     ScrapeConfig     `toml:"scrape"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Retry      RetryConfig      `toml:"retry"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Notify     NotifyConfig     `toml:"notify"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Run        RunConfig        `toml:"run"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig points at the Gamma catalog API.
type PolymarketConfig struct {
	GammaHost         string   `toml:"gamma_host"`
	Timeout           duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

// GoldskyConfig points at the orderbook subgraph.
type GoldskyConfig struct {
	URL               string   `toml:"url"`
	APIKey            string   `toml:"api_key"`
	Timeout           duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

// StorageConfig holds local directories. StateDir and LockDir fall back to
// DataDir when empty.
type StorageConfig struct {
	DataDir  string `toml:"data_dir"`
	StateDir string `toml:"state_dir"`
	LockDir  string `toml:"lock_dir"`
}

type SyncConfig struct {
	BatchSize int `toml:"batch_size"`
}

type ScrapeConfig struct {
	PageSize int `toml:"page_size"`
}

// ReconcileConfig tunes the reconciler. MaxResolveAttempts of 0 keeps
// retrying an unresolved token forever.
type ReconcileConfig struct {
	FlushSize          int `toml:"flush_size"`
	MaxResolveAttempts int `toml:"max_resolve_attempts"`
}

// RetryConfig is the backoff schedule shared by the upstream clients.
type RetryConfig struct {
	MaxAttempts     int      `toml:"max_attempts"`
	InitialInterval duration `toml:"initial_interval"`
	MaxInterval     duration `toml:"max_interval"`
	Multiplier      float64  `toml:"multiplier"`
	Jitter          float64  `toml:"jitter"`
}

// Policy converts the section into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval.Duration,
		MaxInterval:     r.MaxInterval.Duration,
		Multiplier:      r.Multiplier,
		Jitter:          r.Jitter,
	}
}

// LedgerConfig lists wallets whose trades are left out of ledger statistics.
type LedgerConfig struct {
	ExcludedWallets []string `toml:"excluded_wallets"`
}

// RedisConfig enables the Redis run lock and token cache when Addr is set.
type RedisConfig struct {
	Addr            string   `toml:"addr"`
	Password        string   `toml:"password"`
	DB              int      `toml:"db"`
	PoolSize        int      `toml:"pool_size"`
	MaxRetries      int      `toml:"max_retries"`
	TLSEnabled      bool     `toml:"tls_enabled"`
	KeyPrefix       string   `toml:"key_prefix"`
	UnknownTokenTTL duration `toml:"unknown_token_ttl"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// S3Config enables snapshot push/pull when Bucket is set.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	SnapshotName   string `toml:"snapshot_name"`
}

// Enabled reports whether a bucket is configured.
func (s S3Config) Enabled() bool { return s.Bucket != "" }

// SnapshotPrefix joins Prefix and SnapshotName into the key prefix a
// snapshot lives under.
func (s S3Config) SnapshotPrefix() string {
	parts := make([]string, 0, 2)
	for _, p := range []string{s.Prefix, s.SnapshotName} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// PostgresConfig configures the optional mirror database.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig names the Prometheus textfile written after each command.
// An empty path disables the export.
type MetricsConfig struct {
	TextfilePath string `toml:"textfile_path"`
}

// RunConfig controls locking and the repeat interval of the run command.
type RunConfig struct {
	LockTTL  duration `toml:"lock_ttl"`
	Interval duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultExcludedWallets are the exchange contracts that sit on one side of
// every matched order.
var DefaultExcludedWallets = []string{
	"0xc5d563a36ae78145c45a50134d48a1215220f80a",
	"0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e",
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			GammaHost:         "https://gamma-api.polymarket.com",
			Timeout:           duration{30 * time.Second},
			RequestsPerSecond: 5,
		},
		Goldsky: GoldskyConfig{
			URL:               "https://api.goldsky.com/api/public/project_cl6mb8i9h0003e201j6li0diw/subgraphs/orderbook-subgraph/0.0.1/gn",
			Timeout:           duration{30 * time.Second},
			RequestsPerSecond: 5,
		},
		Storage:   StorageConfig{DataDir: "data"},
		Sync:      SyncConfig{BatchSize: 500},
		Scrape:    ScrapeConfig{PageSize: 1000},
		Reconcile: ReconcileConfig{FlushSize: 1000},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: duration{500 * time.Millisecond},
			MaxInterval:     duration{30 * time.Second},
			Multiplier:      2,
			Jitter:          0.5,
		},
		Ledger: LedgerConfig{
			ExcludedWallets: append([]string(nil), DefaultExcludedWallets...),
		},
		Redis: RedisConfig{
			PoolSize:        10,
			MaxRetries:      3,
			KeyPrefix:       "polyledger",
			UnknownTokenTTL: duration{6 * time.Hour},
		},
		S3: S3Config{
			Region:       "us-east-1",
			UseSSL:       true,
			SnapshotName: "latest",
		},
		Postgres: PostgresConfig{
			Port:          5432,
			Database:      "polyledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Run: RunConfig{
			LockTTL:  duration{time.Hour},
			Interval: duration{15 * time.Minute},
		},
		LogLevel: "info",
	}
}

// StateDir returns the cursor directory.
func (c *Config) StateDir() string {
	if c.Storage.StateDir != "" {
		return c.Storage.StateDir
	}
	return c.Storage.DataDir
}

// LockDir returns the directory holding file locks.
func (c *Config) LockDir() string {
	if c.Storage.LockDir != "" {
		return c.Storage.LockDir
	}
	return c.StateDir()
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Upstreams
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.RequestsPerSecond < 0 {
		errs = append(errs, "polymarket: requests_per_second must be >= 0")
	}
	if c.Goldsky.URL == "" {
		errs = append(errs, "goldsky: url must not be empty")
	}
	if c.Goldsky.RequestsPerSecond < 0 {
		errs = append(errs, "goldsky: requests_per_second must be >= 0")
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		errs = append(errs, "storage: data_dir must not be empty")
	}

	// Stages
	if c.Sync.BatchSize < 1 {
		errs = append(errs, "sync: batch_size must be >= 1")
	}
	if c.Scrape.PageSize < 1 {
		errs = append(errs, "scrape: page_size must be >= 1")
	}
	if c.Reconcile.FlushSize < 1 {
		errs = append(errs, "reconcile: flush_size must be >= 1")
	}
	if c.Reconcile.MaxResolveAttempts < 0 {
		errs = append(errs, "reconcile: max_resolve_attempts must be >= 0")
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "retry: multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Sprintf("retry: jitter must be within [0, 1], got %g", c.Retry.Jitter))
	}
	if c.Retry.MaxInterval.Duration > 0 && c.Retry.MaxInterval.Duration < c.Retry.InitialInterval.Duration {
		errs = append(errs, "retry: max_interval must not be shorter than initial_interval")
	}

	// Ledger
	for _, w := range c.Ledger.ExcludedWallets {
		if !common.IsHexAddress(w) {
			errs = append(errs, fmt.Sprintf("ledger: excluded wallet %q is not a hex address", w))
		}
	}

	// Redis
	if c.Redis.Enabled() && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Postgres
	if c.Postgres.Enabled {
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
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Run
	if c.Run.LockTTL.Duration <= 0 {
		errs = append(errs, "run: lock_ttl must be > 0")
	}
	if c.Run.Interval.Duration < 0 {
		errs = append(errs, "run: interval must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
