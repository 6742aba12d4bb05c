package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/papertrader/internal/blob/s3"
	"github.com/alanyoungcy/papertrader/internal/cache/redis"
	"github.com/alanyoungcy/papertrader/internal/config"
	"github.com/alanyoungcy/papertrader/internal/domain"
	"github.com/alanyoungcy/papertrader/internal/feed"
	"github.com/alanyoungcy/papertrader/internal/notify"
	"github.com/alanyoungcy/papertrader/internal/reconcile"
	"github.com/alanyoungcy/papertrader/internal/server/handler"
	"github.com/alanyoungcy/papertrader/internal/store/postgres"
	"github.com/alanyoungcy/papertrader/internal/store/sqlite"
)

// Dependencies bundles every concrete backend the application modes need. It
// is constructed by Wire and torn down by the returned cleanup function.
// Fields backed by optional services (Redis, S3) are nil when the service is
// disabled.
type Dependencies struct {
	// Persistence
	Postgres   *postgres.Client
	Remote     *postgres.Store
	Audit      *postgres.AuditStore
	Local      *sqlite.Cache
	Reconciler *reconcile.Reconciler

	// Redis-backed coordination
	PriceCache  domain.PriceCache
	Locks       domain.LockManager
	Dedup       domain.DedupStore
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Blob storage
	Blobs    *s3blob.Store
	Archiver *s3blob.Archiver

	// Prices
	Feed domain.PriceFeed

	// Notifications
	Notifier *notify.Notifier

	// Checks feeds GET /api/health.
	Checks map[string]handler.Check
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
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:            cfg.Postgres.DSN,
		Host:           cfg.Postgres.Host,
		Port:           cfg.Postgres.Port,
		Database:       cfg.Postgres.Database,
		User:           cfg.Postgres.User,
		Password:       cfg.Postgres.Password,
		SSLMode:        cfg.Postgres.SSLMode,
		MaxConns:       cfg.Postgres.PoolMaxConns,
		MinConns:       cfg.Postgres.PoolMinConns,
		ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)
	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: migrations: %w", err))
		}
	}
	deps.Postgres = pgClient
	deps.Remote = postgres.NewStore(pgClient.Pool())
	deps.Audit = postgres.NewAuditStore(pgClient.Pool())
	deps.Checks["postgres"] = pgClient.Ping

	// --- SQLite local cache ---
	local, err := sqlite.Open(cfg.Sync.LocalCachePath)
	if err != nil {
		return fail(fmt.Errorf("wire: local cache: %w", err))
	}
	closers = append(closers, func() { _ = local.Close() })
	deps.Local = local
	deps.Checks["local_cache"] = local.Ping

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.PriceCache = redis.NewPriceCache(rc, cfg.Redis.PriceTTL.Duration)
		deps.Locks = redis.NewLockManager(rc)
		deps.Dedup = redis.NewDedupStore(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.Checks["redis"] = rc.Ping
	}

	// --- S3 ---
	var blobs domain.BlobStore
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
		deps.Blobs = s3blob.NewStore(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.Blobs, deps.Remote, deps.Audit, cfg.Sync.ArchivePrefix)
		deps.Checks["s3"] = s3Client.Health
		blobs = deps.Blobs
	}

	// --- Reconciler ---
	deps.Reconciler = reconcile.New(deps.Remote, deps.Local, deps.Audit, blobs, reconcile.Options{
		Policy:       reconcile.Policy{Retention: cfg.Sync.OrphanMaxAge.Duration},
		ReportPrefix: cfg.Sync.ReportPrefix,
		BackupPrefix: cfg.Sync.BackupPrefix,
		BackupKeep:   cfg.Sync.BackupKeep,
	}, logger)

	// --- Price feed ---
	ticker := feed.NewTickerClient(feed.TickerConfig{
		BaseURL:           cfg.Feed.BaseURL,
		Path:              cfg.Feed.Path,
		Timeout:           cfg.Feed.Timeout.Duration,
		RequestsPerSecond: cfg.Feed.RequestsPerSecond,
		Burst:             cfg.Feed.Burst,
	})
	if deps.PriceCache != nil {
		deps.Feed = feed.NewCachingFeed(deps.PriceCache, ticker, cfg.Feed.CacheMaxAge.Duration, logger)
	} else {
		deps.Feed = ticker
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
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
