package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"price-tracker/internal/alerting"
	"price-tracker/internal/cache"
	"price-tracker/internal/history"
	"price-tracker/internal/logging"
	"price-tracker/internal/resilience"
)

const envPrefix = "PRICETRACKER"

// Config materialises application configuration.
type Config struct {
	App        AppConfig          `mapstructure:"app"`
	Logging    logging.Config     `mapstructure:"logging"`
	Database   DatabaseConfig     `mapstructure:"database"`
	Scheduler  SchedulerConfig    `mapstructure:"scheduler"`
	Scraper    ScraperConfig      `mapstructure:"scraper"`
	Keepa      KeepaConfig        `mapstructure:"keepa"`
	Cache      CacheConfig        `mapstructure:"cache"`
	Resilience ResilienceConfig   `mapstructure:"resilience"`
	History    history.Heuristics `mapstructure:"history"`
	Alerting   AlertingConfig     `mapstructure:"alerting"`
	Affiliate  AffiliateConfig    `mapstructure:"affiliate"`
	API        APIConfig          `mapstructure:"api"`
	Export     ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	AlignToBucket      bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey    int64         `mapstructure:"advisory_lock_key"`
	StartupDelay       time.Duration `mapstructure:"startup_delay"`
	RunOnStart         bool          `mapstructure:"run_on_start"`
	CacheSweepInterval time.Duration `mapstructure:"cache_sweep_interval"`
}

// ScraperConfig covers live product page fetching.
type ScraperConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	Concurrency    int           `mapstructure:"concurrency"`
}

// KeepaConfig captures price history API connectivity.
type KeepaConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Domain    string        `mapstructure:"domain"`
	StatsDays int           `mapstructure:"stats_days"`
	BatchSize int           `mapstructure:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether history lookups can run.
func (k KeepaConfig) Enabled() bool {
	return k.APIKey != ""
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Backend string             `mapstructure:"backend"`
	TTL     time.Duration      `mapstructure:"ttl"`
	Redis   cache.RedisOptions `mapstructure:"redis"`
}

// ResilienceConfig holds the retry policy and per-dependency breakers.
type ResilienceConfig struct {
	Retry    resilience.RetryPolicy               `mapstructure:"retry"`
	Breakers map[string]resilience.BreakerOptions `mapstructure:"breakers"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Policy   alerting.Policy `mapstructure:",squash"`
	Telegram TelegramConfig  `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AffiliateConfig carries the partner tag appended to product links.
type AffiliateConfig struct {
	Tag string `mapstructure:"tag"`
}

// APIConfig configures the status HTTP server.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
	ChartWidth    int `mapstructure:"chart_width"`
	ChartHeight   int `mapstructure:"chart_height"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricetracker")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "30m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726963))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.cache_sweep_interval", "10m")

	v.SetDefault("scraper.timeout", "20s")
	v.SetDefault("scraper.user_agent", "Mozilla/5.0")
	v.SetDefault("scraper.accept_language", "it-IT,it;q=0.9,en;q=0.8")
	v.SetDefault("scraper.concurrency", 10)

	v.SetDefault("keepa.base_url", "https://api.keepa.com")
	v.SetDefault("keepa.domain", "it")
	v.SetDefault("keepa.stats_days", 1800)
	v.SetDefault("keepa.batch_size", 100)
	v.SetDefault("keepa.timeout", "20s")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", cache.DefaultTTL.String())
	v.SetDefault("cache.redis.namespace", "pricetracker")
	v.SetDefault("cache.redis.dial_timeout", "5s")
	v.SetDefault("cache.redis.read_timeout", "3s")
	v.SetDefault("cache.redis.write_timeout", "3s")

	retry := resilience.DefaultRetryPolicy()
	v.SetDefault("resilience.retry.max_retries", retry.MaxRetries)
	v.SetDefault("resilience.retry.base_delay", retry.BaseDelay.String())
	v.SetDefault("resilience.retry.max_delay", retry.MaxDelay.String())
	v.SetDefault("resilience.retry.backoff_factor", retry.BackoffFactor)
	v.SetDefault("resilience.breakers.keepa.failure_threshold", 3)
	v.SetDefault("resilience.breakers.keepa.recovery_timeout", "30s")
	v.SetDefault("resilience.breakers.scraper.failure_threshold", 5)
	v.SetDefault("resilience.breakers.scraper.recovery_timeout", "60s")
	v.SetDefault("resilience.breakers.storage.failure_threshold", 2)
	v.SetDefault("resilience.breakers.storage.recovery_timeout", "10s")

	h := history.DefaultHeuristics()
	v.SetDefault("history.max_plausible_cents", h.MaxPlausibleCents)
	v.SetDefault("history.timestamp_threshold", h.TimestampThreshold)
	v.SetDefault("history.monotonic_high", h.MonotonicHigh)
	v.SetDefault("history.monotonic_low", h.MonotonicLow)
	v.SetDefault("history.median_timestamp_floor", h.MedianTimestampFloor)
	v.SetDefault("history.median_ratio", h.MedianRatio)
	v.SetDefault("history.iqr_multiplier", h.IQRMultiplier)
	v.SetDefault("history.iqr_min_samples", h.IQRMinSamples)

	p := alerting.DefaultPolicy()
	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.absolute_drop", p.AbsoluteDrop.String())
	v.SetDefault("alerting.relative_drop", p.RelativeDrop.String())
	v.SetDefault("alerting.minimum_epsilon", p.MinimumEpsilon.String())
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("affiliate.tag", "bestbuytracker-21")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.mode", "release")
	v.SetDefault("api.shutdown_timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.chart_width", 1280)
	v.SetDefault("export.chart_height", 480)
}

// legacyEnv maps the bare variable names of older deployments onto keys.
var legacyEnv = map[string]string{
	"alerting.telegram.bot_token": "BOT_TOKEN",
	"database.dsn":                "DATABASE_URL",
	"database.max_open_conns":     "DB_POOL_SIZE",
	"keepa.api_key":               "KEEPA_API_KEY",
	"keepa.domain":                "KEEPA_DOMAIN",
	"scraper.user_agent":          "USER_AGENT",
	"affiliate.tag":               "AFFILIATE_TAG",
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

	// the legacy names carry bare numbers, not durations
	if raw, ok := legacyNumber("CHECK_INTERVAL_MINUTES", "PRICETRACKER_SCHEDULER_INTERVAL"); ok {
		minutes, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("CHECK_INTERVAL_MINUTES: %w", err)
		}
		v.SetDefault("scheduler.interval", (time.Duration(minutes) * time.Minute).String())
	}
	if raw, ok := legacyNumber("REQUEST_TIMEOUT_SECONDS", "PRICETRACKER_SCRAPER_TIMEOUT"); ok {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("REQUEST_TIMEOUT_SECONDS: %w", err)
		}
		timeout := (time.Duration(seconds) * time.Second).String()
		v.SetDefault("scraper.timeout", timeout)
		v.SetDefault("keepa.timeout", timeout)
	}
	return nil
}

func legacyNumber(legacy, prefixed string) (string, bool) {
	if _, ok := os.LookupEnv(prefixed); ok {
		return "", false
	}
	raw, ok := os.LookupEnv(legacy)
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHook(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func stringToDecimalHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.CacheSweepInterval <= 0 {
		return fmt.Errorf("scheduler.cache_sweep_interval must be greater than zero")
	}
	if c.Scraper.Concurrency <= 0 {
		return fmt.Errorf("scraper.concurrency must be greater than zero")
	}
	if c.Keepa.BatchSize <= 0 || c.Keepa.BatchSize > 100 {
		return fmt.Errorf("keepa.batch_size must be between 1 and 100")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("cache.redis.url is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Resilience.Retry.MaxRetries < 0 {
		return fmt.Errorf("resilience.retry.max_retries cannot be negative")
	}
	for name, b := range c.Resilience.Breakers {
		if b.FailureThreshold <= 0 {
			return fmt.Errorf("resilience.breakers.%s.failure_threshold must be greater than zero", name)
		}
	}
	if c.Alerting.Policy.AbsoluteDrop.IsNegative() || c.Alerting.Policy.RelativeDrop.IsNegative() {
		return fmt.Errorf("alerting thresholds cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		token := c.Alerting.Telegram.BotToken
		if token == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if !strings.Contains(token, ":") {
			return fmt.Errorf("alerting.telegram.bot_token 格式不正确")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
