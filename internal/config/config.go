// Package config defines the top-level configuration for the paper trading
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PAPERTRADER_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Sync     SyncConfig     `toml:"sync"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Feed     FeedConfig     `toml:"feed"`
	Quota    QuotaConfig    `toml:"quota"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Log      LogConfig      `toml:"log"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the simulation parameters shared by every user.
type EngineConfig struct {
	// MarketTolerance is the relative entry-to-market distance inside which
	// a non-market order opens immediately.
	MarketTolerance float64  `toml:"market_tolerance"`
	GracePeriod     duration `toml:"grace_period"`
	MaxLeverage     int      `toml:"max_leverage"`
	EditableModes   []string `toml:"editable_modes"`
	// TriggeredExpiry cancels stop-limit orders whose limit leg never
	// filled. "0s" disables it.
	TriggeredExpiry duration `toml:"triggered_expiry"`
	InitialBalance  float64  `toml:"initial_balance"`
}

// MonitorConfig holds the polling loop parameters.
type MonitorConfig struct {
	Interval     duration `toml:"interval"`
	CheckTimeout duration `toml:"check_timeout"`
	LockTTL      duration `toml:"lock_ttl"`
	// DistributedLock takes a Redis lock per user around each check.
	DistributedLock bool `toml:"distributed_lock"`
	AutoStart       bool `toml:"auto_start"`
}

// SyncConfig holds the local cache and reconciliation parameters.
type SyncConfig struct {
	LocalCachePath string   `toml:"local_cache_path"`
	OrphanMaxAge   duration `toml:"orphan_max_age"`
	ReportPrefix   string   `toml:"report_prefix"`
	BackupPrefix   string   `toml:"backup_prefix"`
	BackupKeep     int      `toml:"backup_keep"`
	ArchivePrefix  string   `toml:"archive_prefix"`
	// ArchiveAfter is the age past which closed records are archived.
	ArchiveAfter duration `toml:"archive_after"`
	// FlushInterval is how often loaded sessions retry unconfirmed writes.
	FlushInterval duration `toml:"flush_interval"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; without
// it the service runs single-process with in-memory dedup and rate limits.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	PriceTTL   duration `toml:"price_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
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

// FeedConfig holds the market price source parameters.
type FeedConfig struct {
	BaseURL           string   `toml:"base_url"`
	Path              string   `toml:"path"`
	Timeout           duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	// CacheMaxAge is how old a cached price may be before the ticker is
	// asked again.
	CacheMaxAge duration `toml:"cache_max_age"`
}

// QuotaConfig holds the per-user opening limits. Zero disables a limit.
type QuotaConfig struct {
	MaxWorking        int      `toml:"max_working"`
	MaxOpensPerWindow int      `toml:"max_opens_per_window"`
	Window            duration `toml:"window"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	RateBurst   int      `toml:"rate_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPI       string   `toml:"telegram_api"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	DedupTTL          duration `toml:"dedup_ttl"`
}

// LogConfig holds the log sink parameters. Without File, logs go to stdout
// only.
type LogConfig struct {
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
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

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			MarketTolerance: 0.001,
			GracePeriod:     duration{10 * time.Second},
			MaxLeverage:     125,
			EditableModes:   []string{"ADVANCED"},
			TriggeredExpiry: duration{24 * time.Hour},
			InitialBalance:  10_000,
		},
		Monitor: MonitorConfig{
			Interval:        duration{5 * time.Second},
			CheckTimeout:    duration{30 * time.Second},
			LockTTL:         duration{30 * time.Second},
			DistributedLock: true,
			AutoStart:       true,
		},
		Sync: SyncConfig{
			LocalCachePath: "data/papertrader.db",
			OrphanMaxAge:   duration{30 * 24 * time.Hour},
			ReportPrefix:   "reports",
			BackupPrefix:   "backups",
			BackupKeep:     10,
			ArchivePrefix:  "archive",
			ArchiveAfter:   duration{90 * 24 * time.Hour},
			FlushInterval:  duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "papertrader",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "papertrader:",
			PriceTTL:   duration{30 * time.Second},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "papertrader",
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			BaseURL:           "https://api.binance.com",
			Path:              "/api/v3/ticker/price",
			Timeout:           duration{5 * time.Second},
			RequestsPerSecond: 5,
			Burst:             5,
			CacheMaxAge:       duration{3 * time.Second},
		},
		Quota: QuotaConfig{
			MaxWorking:        50,
			MaxOpensPerWindow: 30,
			Window:            duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateWindow:  duration{time.Second},
			RateBurst:   50,
		},
		Notify: NotifyConfig{
			Events:   []string{"ORDER_FILLED", "TP_HIT", "SL_HIT", "LIQUIDATION"},
			DedupTTL: duration{24 * time.Hour},
		},
		Log: LogConfig{
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validEvents enumerates the notification event names.
var validEvents = map[string]bool{
	"ORDER_FILLED":    true,
	"TP_HIT":          true,
	"SL_HIT":          true,
	"LIQUIDATION":     true,
	"POSITION_CLOSED": true,
	"ORDER_CANCELLED": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("log: format must be json or text, got %q", c.Log.Format))
	}

	// Engine
	if c.Engine.MarketTolerance <= 0 || c.Engine.MarketTolerance >= 1 {
		errs = append(errs, "engine: market_tolerance must be in (0, 1)")
	}
	if c.Engine.GracePeriod.Duration < 0 {
		errs = append(errs, "engine: grace_period must be >= 0")
	}
	if c.Engine.MaxLeverage < 1 || c.Engine.MaxLeverage > 125 {
		errs = append(errs, fmt.Sprintf("engine: max_leverage must be 1-125, got %d", c.Engine.MaxLeverage))
	}
	if c.Engine.TriggeredExpiry.Duration < 0 {
		errs = append(errs, "engine: triggered_expiry must be >= 0")
	}
	if c.Engine.InitialBalance <= 0 {
		errs = append(errs, "engine: initial_balance must be > 0")
	}

	// Monitor
	if c.Monitor.Interval.Duration < 100*time.Millisecond {
		errs = append(errs, "monitor: interval must be >= 100ms")
	}
	if c.Monitor.CheckTimeout.Duration <= 0 {
		errs = append(errs, "monitor: check_timeout must be > 0")
	}
	if c.Monitor.DistributedLock && !c.Redis.Enabled {
		errs = append(errs, "monitor: distributed_lock requires redis.enabled")
	}

	// Sync
	if strings.TrimSpace(c.Sync.LocalCachePath) == "" {
		errs = append(errs, "sync: local_cache_path must not be empty")
	}
	if c.Sync.OrphanMaxAge.Duration <= 0 {
		errs = append(errs, "sync: orphan_max_age must be > 0")
	}
	if c.Sync.BackupKeep < 0 {
		errs = append(errs, "sync: backup_keep must be >= 0")
	}
	if c.Sync.FlushInterval.Duration <= 0 {
		errs = append(errs, "sync: flush_interval must be > 0")
	}

	// Postgres
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

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Feed
	if c.Feed.BaseURL == "" {
		errs = append(errs, "feed: base_url must not be empty")
	}
	if c.Feed.RequestsPerSecond <= 0 {
		errs = append(errs, "feed: requests_per_second must be > 0")
	}

	// Quota
	if c.Quota.MaxWorking < 0 || c.Quota.MaxOpensPerWindow < 0 {
		errs = append(errs, "quota: limits must be >= 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, e := range c.Notify.Events {
		if !validEvents[e] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", e))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
