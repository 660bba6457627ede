package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polyledger/internal/blob/s3"
	"github.com/alanyoungcy/polyledger/internal/cache/redis"
	"github.com/alanyoungcy/polyledger/internal/config"
	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/lock"
	"github.com/alanyoungcy/polyledger/internal/notify"
	"github.com/alanyoungcy/polyledger/internal/store/csvstore"
	"github.com/alanyoungcy/polyledger/internal/store/cursor"
	"github.com/alanyoungcy/polyledger/internal/store/postgres"
)

// Dependencies bundles the concrete stores and adapters the pipeline runs
// on. Optional pieces are nil when their section is not configured.
type Dependencies struct {
	// Local stores
	Store   *csvstore.Store
	Cursors *cursor.FileStore

	// Coordination
	Locks      domain.LockManager
	TokenCache domain.TokenCache

	// Mirrors
	TradeMirror  domain.TradeMirror
	MarketMirror domain.MarketMirror

	// Blob storage
	Blobs *s3blob.Bucket

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Local stores ---
	store, err := csvstore.Open(cfg.Storage.DataDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: stores: %w", err)
	}
	deps.Store = store

	cursors, err := cursor.NewFileStore(cfg.StateDir())
	if err != nil {
		return nil, nil, fmt.Errorf("wire: cursors: %w", err)
	}
	deps.Cursors = cursors

	// --- Redis (run lock + token cache), else a lock file ---
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient, logger)
		deps.TokenCache = redis.NewTokenCache(redisClient)
	} else {
		fileLocks, err := lock.NewFileLocks(cfg.LockDir(), logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: file lock: %w", err)
		}
		deps.Locks = fileLocks
	}

	// --- PostgreSQL mirror ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.TradeMirror = postgres.NewTradeMirror(pgClient)
		deps.MarketMirror = postgres.NewMarketMirror(pgClient)
	}

	// --- S3 snapshots ---
	if cfg.S3.Enabled() {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Blobs = s3blob.NewBucket(s3Client, "")
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
