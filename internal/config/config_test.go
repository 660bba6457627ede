package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polyledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500, cfg.Sync.BatchSize)
	assert.Equal(t, 1000, cfg.Scrape.PageSize)
	assert.Equal(t, 1000, cfg.Reconcile.FlushSize)
	assert.Equal(t, DefaultExcludedWallets, cfg.Ledger.ExcludedWallets)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.S3.Enabled())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
log_level = "debug"

[storage]
data_dir = "/var/lib/polyledger"

[scrape]
page_size = 250

[retry]
initial_interval = "2s"

[redis]
addr = "localhost:6379"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/polyledger", cfg.Storage.DataDir)
	assert.Equal(t, 250, cfg.Scrape.PageSize)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxInterval.Duration)
	assert.Equal(t, 500, cfg.Sync.BatchSize)
	assert.True(t, cfg.Redis.Enabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeTOML(t, `
[goldsky]
api_key = "from-file"
`)
	t.Setenv("POLYLEDGER_GOLDSKY_API_KEY", "from-env")
	t.Setenv("POLYLEDGER_RECONCILE_MAX_RESOLVE_ATTEMPTS", "3")
	t.Setenv("POLYLEDGER_RUN_INTERVAL", "90s")
	t.Setenv("POLYLEDGER_LEDGER_EXCLUDED_WALLETS", " 0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e , ")
	t.Setenv("POLYLEDGER_SCRAPE_PAGE_SIZE", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Goldsky.APIKey)
	assert.Equal(t, 3, cfg.Reconcile.MaxResolveAttempts)
	assert.Equal(t, 90*time.Second, cfg.Run.Interval.Duration)
	assert.Equal(t, []string{"0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e"}, cfg.Ledger.ExcludedWallets)
	assert.Equal(t, 1000, cfg.Scrape.PageSize, "unparseable values are ignored")
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://gamma-api.polymarket.com", cfg.Polymarket.GammaHost)
}

func TestLoadBadFile(t *testing.T) {
	path := writeTOML(t, `[retry]
initial_interval = "soon"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Scrape.PageSize = 0
	cfg.Retry.Jitter = 2
	cfg.Ledger.ExcludedWallets = []string{"not-a-wallet"}
	cfg.Notify.TelegramToken = "token"
	cfg.Postgres.Enabled = true
	cfg.Postgres.Host = ""

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"log_level",
		"scrape: page_size",
		"retry: jitter",
		"ledger: excluded wallet",
		"telegram_chat_id",
		"postgres: host",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestStateAndLockDirFallback(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.DataDir = "/data"
	assert.Equal(t, "/data", cfg.StateDir())
	assert.Equal(t, "/data", cfg.LockDir())

	cfg.Storage.StateDir = "/state"
	assert.Equal(t, "/state", cfg.LockDir())

	cfg.Storage.LockDir = "/locks"
	assert.Equal(t, "/locks", cfg.LockDir())
}

func TestSnapshotPrefix(t *testing.T) {
	s := S3Config{Prefix: "/backups/", SnapshotName: "latest"}
	assert.Equal(t, "backups/latest", s.SnapshotPrefix())
	assert.Equal(t, "latest", S3Config{SnapshotName: "latest"}.SnapshotPrefix())
}

func TestRetryPolicy(t *testing.T) {
	p := Defaults().Retry.Policy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialInterval)
	assert.Equal(t, 0.5, p.Jitter)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Goldsky.APIKey = "secret"
	cfg.S3.SecretKey = "secret"
	cfg.Notify.Events = []string{"run_failed"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Goldsky.APIKey)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Empty(t, out.S3.AccessKey)
	assert.Equal(t, "secret", cfg.Goldsky.APIKey)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "run_failed", cfg.Notify.Events[0])
}
