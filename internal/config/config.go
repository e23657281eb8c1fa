package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database holds the connection string for the relational store.
type Database struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Redis holds the broker connection settings.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Scan controls the scheduler's scanning cadence. BatchSize is loaded and
// validated, but the scheduler does not read it: it always selects at most
// its own fixed scheduler.BatchSize trips per scan.
type Scan struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	BatchSize       int `mapstructure:"batch_size"`
}

// QuotaLimits carries the four configurable caps of the three-tier quota system.
type QuotaLimits struct {
	OWMDailyLimit    int `mapstructure:"owm_daily_limit"`
	RouteDailyLimit  int `mapstructure:"route_daily_limit"`
	OWMPerMinLimit   int `mapstructure:"owm_per_min_limit"`
	RoutePerMinLimit int `mapstructure:"route_per_min_limit"`
}

// Secrets names the files holding provider credentials, read once at startup.
type Secrets struct {
	RouteAPIKeyFile    string `mapstructure:"route_api_key_file"`
	ForecastAPIKeyFile string `mapstructure:"forecast_api_key_file"`
}

// Providers holds the base URLs the route and forecast clients call.
type Providers struct {
	RouteBaseURL     string        `mapstructure:"route_base_url"`
	RouteFallbackURL string        `mapstructure:"route_fallback_url"`
	ForecastBaseURL  string        `mapstructure:"forecast_base_url"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// CircuitBreaker controls the breaker that guards outbound provider calls.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// TracingConfig configures the optional OpenTelemetry exporter.
type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
	Insecure         bool    `mapstructure:"insecure"`
}

// Observability groups logging, metrics and tracing configuration.
type Observability struct {
	LogLevel string        `mapstructure:"log_level"`
	LogFile  string        `mapstructure:"log_file"`
	Tracing  TracingConfig `mapstructure:"tracing"`
}

// Recalc controls the worker pool that consumes recalc jobs.
type Recalc struct {
	Concurrency int `mapstructure:"concurrency"`
}

// Config is the root of the process configuration tree.
type Config struct {
	Database       Database       `mapstructure:"database"`
	Redis          Redis          `mapstructure:"redis"`
	Scan           Scan           `mapstructure:"scan"`
	Quota          QuotaLimits    `mapstructure:"quota"`
	Secrets        Secrets        `mapstructure:"secrets"`
	Providers      Providers      `mapstructure:"providers"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	Recalc         Recalc         `mapstructure:"recalc"`
}

func defaultConfig() *Config {
	return &Config{
		Database: Database{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Scan: Scan{
			IntervalSeconds: 60,
			BatchSize:       50,
		},
		Quota: QuotaLimits{
			OWMDailyLimit:    800,
			RouteDailyLimit:  400,
			OWMPerMinLimit:   30,
			RoutePerMinLimit: 20,
		},
		Providers: Providers{
			RouteFallbackURL: "https://router.project-osrm.org",
			ForecastBaseURL:  "https://api.openweathermap.org/data/2.5",
			CallTimeout:      25 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		Observability: Observability{
			LogLevel: "info",
			Tracing:  TracingConfig{Enabled: false},
		},
		Recalc: Recalc{
			Concurrency: 8,
		},
	}
}

// Load reads configuration from an optional YAML file and environment overrides.
// Environment variables bind directly onto dotted keys, e.g. DATABASE_URL maps
// to database.url, SCAN_INTERVAL_SECONDS maps to scan.interval_seconds.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("scan.interval_seconds", def.Scan.IntervalSeconds)
	v.SetDefault("scan.batch_size", def.Scan.BatchSize)

	v.SetDefault("quota.owm_daily_limit", def.Quota.OWMDailyLimit)
	v.SetDefault("quota.route_daily_limit", def.Quota.RouteDailyLimit)
	v.SetDefault("quota.owm_per_min_limit", def.Quota.OWMPerMinLimit)
	v.SetDefault("quota.route_per_min_limit", def.Quota.RoutePerMinLimit)

	v.SetDefault("providers.route_fallback_url", def.Providers.RouteFallbackURL)
	v.SetDefault("providers.forecast_base_url", def.Providers.ForecastBaseURL)
	v.SetDefault("providers.call_timeout", def.Providers.CallTimeout)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("recalc.concurrency", def.Recalc.Concurrency)

	// The first four keys have no default (an empty string is meaningful:
	// "unset"), so AutomaticEnv alone never surfaces them to Unmarshal — they
	// need an explicit bind to land in AllKeys(). The quota keys are bound
	// to env names that do not follow their dotted key path.
	for key, env := range map[string]string{
		"database.url":                  "DATABASE_URL",
		"providers.route_base_url":      "ROUTE_BASE_URL",
		"secrets.route_api_key_file":    "ROUTE_API_KEY_FILE",
		"secrets.forecast_api_key_file": "OWM_API_KEY_FILE",
		"quota.owm_daily_limit":         "OWM_DAILY_LIMIT",
		"quota.route_daily_limit":       "ROUTE_DAILY_LIMIT",
		"quota.owm_per_min_limit":       "OWM_PER_MIN_LIMIT",
		"quota.route_per_min_limit":     "ROUTE_PER_MIN_LIMIT",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url (DATABASE_URL) is required")
	}
	if cfg.Scan.IntervalSeconds < 1 {
		return fmt.Errorf("scan.interval_seconds must be >= 1")
	}
	if cfg.Scan.BatchSize < 1 {
		return fmt.Errorf("scan.batch_size must be >= 1")
	}
	if cfg.Quota.OWMDailyLimit < 0 || cfg.Quota.RouteDailyLimit < 0 {
		return fmt.Errorf("quota daily limits must be >= 0")
	}
	if cfg.Quota.OWMPerMinLimit < 0 || cfg.Quota.RoutePerMinLimit < 0 {
		return fmt.Errorf("quota per-minute limits must be >= 0")
	}
	if cfg.Recalc.Concurrency < 1 {
		return fmt.Errorf("recalc.concurrency must be >= 1")
	}
	if cfg.Providers.CallTimeout <= 0 {
		return fmt.Errorf("providers.call_timeout must be > 0")
	}
	return nil
}
