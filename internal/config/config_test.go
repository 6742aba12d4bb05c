package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"

[engine]
market_tolerance = 0.002
grace_period = "15s"

[monitor]
interval = "2s"

[server]
port = 9000
`), 0o600))

	t.Setenv("PAPERTRADER_SERVER_PORT", "9100")
	t.Setenv("PAPERTRADER_NOTIFY_EVENTS", "TP_HIT, SL_HIT")
	t.Setenv("PAPERTRADER_REDIS_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, 0.002, cfg.Engine.MarketTolerance)
	assert.Equal(t, 15*time.Second, cfg.Engine.GracePeriod.Duration)
	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval.Duration)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"TP_HIT", "SL_HIT"}, cfg.Notify.Events)
	assert.False(t, cfg.Redis.Enabled)
	// Untouched sections keep their defaults.
	assert.Equal(t, 125, cfg.Engine.MaxLeverage)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Mode = "trade" }, `unknown mode "trade"`},
		{"tolerance", func(c *Config) { c.Engine.MarketTolerance = 0 }, "market_tolerance"},
		{"leverage", func(c *Config) { c.Engine.MaxLeverage = 200 }, "max_leverage must be 1-125"},
		{"interval", func(c *Config) { c.Monitor.Interval = duration{time.Millisecond} }, "interval must be >= 100ms"},
		{"lock without redis", func(c *Config) { c.Redis.Enabled = false }, "distributed_lock requires redis.enabled"},
		{"pool", func(c *Config) { c.Postgres.PoolMinConns = 50 }, "pool_min_conns must not exceed"},
		{"s3 bucket", func(c *Config) { c.S3.Enabled = true; c.S3.Bucket = "" }, "s3: bucket"},
		{"telegram half", func(c *Config) { c.Notify.TelegramToken = "t" }, "telegram_token and telegram_chat_id"},
		{"event", func(c *Config) { c.Notify.Events = []string{"FILLED"} }, `unknown event "FILLED"`},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "format must be json or text"},
		{"flush interval", func(c *Config) { c.Sync.FlushInterval = duration{} }, "flush_interval must be > 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = ""
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
}

func TestDSNSkipsHostChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://u:p@db/papertrader"
	cfg.Postgres.Host = ""
	cfg.Postgres.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tok"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Redis.Password)
	assert.Equal(t, "pw", cfg.Postgres.Password)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "ORDER_FILLED", cfg.Notify.Events[0])
}
