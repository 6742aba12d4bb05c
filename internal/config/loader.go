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

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PAPERTRADER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
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

// applyEnvOverrides reads well-known PAPERTRADER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setFloat64(&cfg.Engine.MarketTolerance, "PAPERTRADER_ENGINE_MARKET_TOLERANCE")
	setDuration(&cfg.Engine.GracePeriod, "PAPERTRADER_ENGINE_GRACE_PERIOD")
	setInt(&cfg.Engine.MaxLeverage, "PAPERTRADER_ENGINE_MAX_LEVERAGE")
	setStringSlice(&cfg.Engine.EditableModes, "PAPERTRADER_ENGINE_EDITABLE_MODES")
	setDuration(&cfg.Engine.TriggeredExpiry, "PAPERTRADER_ENGINE_TRIGGERED_EXPIRY")
	setFloat64(&cfg.Engine.InitialBalance, "PAPERTRADER_ENGINE_INITIAL_BALANCE")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "PAPERTRADER_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.CheckTimeout, "PAPERTRADER_MONITOR_CHECK_TIMEOUT")
	setDuration(&cfg.Monitor.LockTTL, "PAPERTRADER_MONITOR_LOCK_TTL")
	setBool(&cfg.Monitor.DistributedLock, "PAPERTRADER_MONITOR_DISTRIBUTED_LOCK")
	setBool(&cfg.Monitor.AutoStart, "PAPERTRADER_MONITOR_AUTO_START")

	// ── Sync ──
	setStr(&cfg.Sync.LocalCachePath, "PAPERTRADER_SYNC_LOCAL_CACHE_PATH")
	setDuration(&cfg.Sync.OrphanMaxAge, "PAPERTRADER_SYNC_ORPHAN_MAX_AGE")
	setStr(&cfg.Sync.ReportPrefix, "PAPERTRADER_SYNC_REPORT_PREFIX")
	setStr(&cfg.Sync.BackupPrefix, "PAPERTRADER_SYNC_BACKUP_PREFIX")
	setInt(&cfg.Sync.BackupKeep, "PAPERTRADER_SYNC_BACKUP_KEEP")
	setDuration(&cfg.Sync.FlushInterval, "PAPERTRADER_SYNC_FLUSH_INTERVAL")
	setStr(&cfg.Sync.ArchivePrefix, "PAPERTRADER_SYNC_ARCHIVE_PREFIX")
	setDuration(&cfg.Sync.ArchiveAfter, "PAPERTRADER_SYNC_ARCHIVE_AFTER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PAPERTRADER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Postgres.Host, "PAPERTRADER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PAPERTRADER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PAPERTRADER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PAPERTRADER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PAPERTRADER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PAPERTRADER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PAPERTRADER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PAPERTRADER_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnectTimeout, "PAPERTRADER_POSTGRES_CONNECT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "PAPERTRADER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PAPERTRADER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PAPERTRADER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PAPERTRADER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PAPERTRADER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PAPERTRADER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PAPERTRADER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PAPERTRADER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PAPERTRADER_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.PriceTTL, "PAPERTRADER_REDIS_PRICE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PAPERTRADER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PAPERTRADER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PAPERTRADER_S3_REGION")
	setStr(&cfg.S3.Bucket, "PAPERTRADER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PAPERTRADER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PAPERTRADER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PAPERTRADER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PAPERTRADER_S3_FORCE_PATH_STYLE")

	// ── Feed ──
	setStr(&cfg.Feed.BaseURL, "PAPERTRADER_FEED_BASE_URL")
	setStr(&cfg.Feed.Path, "PAPERTRADER_FEED_PATH")
	setDuration(&cfg.Feed.Timeout, "PAPERTRADER_FEED_TIMEOUT")
	setFloat64(&cfg.Feed.RequestsPerSecond, "PAPERTRADER_FEED_REQUESTS_PER_SECOND")
	setInt(&cfg.Feed.Burst, "PAPERTRADER_FEED_BURST")
	setDuration(&cfg.Feed.CacheMaxAge, "PAPERTRADER_FEED_CACHE_MAX_AGE")

	// ── Quota ──
	setInt(&cfg.Quota.MaxWorking, "PAPERTRADER_QUOTA_MAX_WORKING")
	setInt(&cfg.Quota.MaxOpensPerWindow, "PAPERTRADER_QUOTA_MAX_OPENS_PER_WINDOW")
	setDuration(&cfg.Quota.Window, "PAPERTRADER_QUOTA_WINDOW")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PAPERTRADER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PAPERTRADER_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform convention
	setStringSlice(&cfg.Server.CORSOrigins, "PAPERTRADER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PAPERTRADER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PAPERTRADER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PAPERTRADER_SERVER_RATE_WINDOW")
	setInt(&cfg.Server.RateBurst, "PAPERTRADER_SERVER_RATE_BURST")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PAPERTRADER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PAPERTRADER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.TelegramAPI, "PAPERTRADER_NOTIFY_TELEGRAM_API")
	setStr(&cfg.Notify.DiscordWebhookURL, "PAPERTRADER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PAPERTRADER_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.DedupTTL, "PAPERTRADER_NOTIFY_DEDUP_TTL")

	// ── Log ──
	setStr(&cfg.Log.Format, "PAPERTRADER_LOG_FORMAT")
	setStr(&cfg.Log.File, "PAPERTRADER_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "PAPERTRADER_LOG_MAX_SIZE_MB")
	setInt(&cfg.Log.MaxBackups, "PAPERTRADER_LOG_MAX_BACKUPS")
	setInt(&cfg.Log.MaxAgeDays, "PAPERTRADER_LOG_MAX_AGE_DAYS")
	setBool(&cfg.Log.Compress, "PAPERTRADER_LOG_COMPRESS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PAPERTRADER_MODE")
	setStr(&cfg.LogLevel, "PAPERTRADER_LOG_LEVEL")
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
