package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"price-tracker/internal/history"
)

// clearEnv blanks the legacy names so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"BOT_TOKEN", "DATABASE_URL", "DB_POOL_SIZE", "KEEPA_API_KEY", "KEEPA_DOMAIN",
		"USER_AGENT", "AFFILIATE_TAG", "CHECK_INTERVAL_MINUTES", "REQUEST_TIMEOUT_SECONDS",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	require.Equal(t, 10*time.Minute, cfg.Scheduler.CacheSweepInterval)
	require.True(t, cfg.Scheduler.RunOnStart)
	require.Equal(t, 20*time.Second, cfg.Scraper.Timeout)
	require.Equal(t, 10, cfg.Scraper.Concurrency)
	require.Equal(t, "it", cfg.Keepa.Domain)
	require.False(t, cfg.Keepa.Enabled())
	require.Equal(t, "memory", cfg.Cache.Backend)
	require.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	require.Equal(t, "bestbuytracker-21", cfg.Affiliate.Tag)

	require.Equal(t, 3, cfg.Resilience.Retry.MaxRetries)
	require.Equal(t, time.Second, cfg.Resilience.Retry.BaseDelay)
	require.Equal(t, 3, cfg.Resilience.Breakers["keepa"].FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.Resilience.Breakers["keepa"].RecoveryTimeout)
	require.Equal(t, 5, cfg.Resilience.Breakers["scraper"].FailureThreshold)
	require.Equal(t, 2, cfg.Resilience.Breakers["storage"].FailureThreshold)

	require.Equal(t, history.DefaultHeuristics(), cfg.History)
	require.True(t, cfg.Alerting.Policy.AbsoluteDrop.Equal(decimal.RequireFromString("1")))
	require.True(t, cfg.Alerting.Policy.RelativeDrop.Equal(decimal.RequireFromString("0.05")))
	require.True(t, cfg.Alerting.Policy.MinimumEpsilon.Equal(decimal.RequireFromString("0.01")))
}

func TestLoadLegacyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/tracker")
	t.Setenv("KEEPA_API_KEY", "k")
	t.Setenv("KEEPA_DOMAIN", "de")
	t.Setenv("AFFILIATE_TAG", "mytag-21")
	t.Setenv("CHECK_INTERVAL_MINUTES", "15")
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "123:abc", cfg.Alerting.Telegram.BotToken)
	require.Equal(t, "postgres://u:p@localhost:5432/tracker", cfg.Database.DSN)
	require.True(t, cfg.Keepa.Enabled())
	require.Equal(t, "de", cfg.Keepa.Domain)
	require.Equal(t, "mytag-21", cfg.Affiliate.Tag)
	require.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	require.Equal(t, 5*time.Second, cfg.Scraper.Timeout)
	require.Equal(t, 5*time.Second, cfg.Keepa.Timeout)
}

func TestPrefixedEnvWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://legacy")
	t.Setenv("PRICETRACKER_DATABASE_DSN", "postgres://prefixed")
	t.Setenv("CHECK_INTERVAL_MINUTES", "15")
	t.Setenv("PRICETRACKER_SCHEDULER_INTERVAL", "45m")
	t.Setenv("PRICETRACKER_ALERTING_ABSOLUTE_DROP", "2.5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://prefixed", cfg.Database.DSN)
	require.Equal(t, 45*time.Minute, cfg.Scheduler.Interval)
	require.True(t, cfg.Alerting.Policy.AbsoluteDrop.Equal(decimal.RequireFromString("2.5")))
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
scheduler:
  interval: 5m
cache:
  backend: redis
  redis:
    url: redis://localhost:6379/0
alerting:
  relative_drop: 0.1
resilience:
  breakers:
    keepa:
      failure_threshold: 7
      recovery_timeout: 2m
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	require.Equal(t, "redis", cfg.Cache.Backend)
	require.Equal(t, "redis://localhost:6379/0", cfg.Cache.Redis.URL)
	require.Equal(t, "pricetracker", cfg.Cache.Redis.Namespace)
	require.True(t, cfg.Alerting.Policy.RelativeDrop.Equal(decimal.RequireFromString("0.1")))
	require.Equal(t, 7, cfg.Resilience.Breakers["keepa"].FailureThreshold)
	require.Equal(t, 2*time.Minute, cfg.Resilience.Breakers["keepa"].RecoveryTimeout)
	require.Equal(t, 2, cfg.Resilience.Breakers["storage"].FailureThreshold)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"redis without url":      func(c *Config) { c.Cache.Backend = "redis" },
		"unknown backend":        func(c *Config) { c.Cache.Backend = "disk" },
		"telegram without token": func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"malformed token": func(c *Config) {
			c.Alerting.Telegram.Enabled = true
			c.Alerting.Telegram.BotToken = "nocolon"
		},
		"oversized batch":    func(c *Config) { c.Keepa.BatchSize = 101 },
		"zero concurrency":   func(c *Config) { c.Scraper.Concurrency = 0 },
		"negative threshold": func(c *Config) { c.Alerting.Policy.AbsoluteDrop = decimal.NewFromInt(-1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	require.Equal(t, 50, base.ResolveMaxPoints(50))
	require.Equal(t, 100000, base.ResolveMaxPoints(0))
}
