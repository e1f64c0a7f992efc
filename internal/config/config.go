package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Rollup     RollupConfig     `yaml:"rollup" mapstructure:"rollup"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Authz      AuthzConfig      `yaml:"authz" mapstructure:"authz"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver             string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL        string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath         string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns           int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns           int32  `yaml:"min_conns" mapstructure:"min_conns"`
	StatementTimeoutMs int    `yaml:"statement_timeout_ms" mapstructure:"statement_timeout_ms"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	ReadTimeoutSecs  int      `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs"`
	WriteTimeoutSecs int      `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
	JWTSecret        string   `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	ActorHeader      string   `yaml:"actor_header" mapstructure:"actor_header"`
	AllowedOrigins   []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RateLimit        float64  `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst        int      `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RollupConfig configures the dashboard snapshot cache.
type RollupConfig struct {
	DashboardTTLSecs  int    `yaml:"dashboard_ttl_secs" mapstructure:"dashboard_ttl_secs"`
	Cache             string `yaml:"cache" mapstructure:"cache"`
	InvalidateOnWrite bool   `yaml:"invalidate_on_write" mapstructure:"invalidate_on_write"`
}

// DashboardTTL returns the snapshot TTL as a duration.
func (c RollupConfig) DashboardTTL() time.Duration {
	return time.Duration(c.DashboardTTLSecs) * time.Second
}

// RedisConfig configures the shared dashboard cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Key      string `yaml:"key" mapstructure:"key"`
}

// NotifyConfig configures change notification delivery.
type NotifyConfig struct {
	WebhookURL       string `yaml:"webhook_url" mapstructure:"webhook_url"`
	AMQPURL          string `yaml:"amqp_url" mapstructure:"amqp_url"`
	Queue            string `yaml:"queue" mapstructure:"queue"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int    `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RetryConfig configures retries of conflicting estimate writes and
// notification deliveries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// MonitoringConfig configures the background project health checker.
type MonitoringConfig struct {
	Enabled                   bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL                string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs         int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	MarginThreshold           float64 `yaml:"margin_threshold" mapstructure:"margin_threshold"`
	AlertOverBudget           bool    `yaml:"alert_over_budget" mapstructure:"alert_over_budget"`
	AlertCompleteWithoutSpend bool    `yaml:"alert_complete_without_spend" mapstructure:"alert_complete_without_spend"`
}

// AuthzConfig selects the authorization policy.
type AuthzConfig struct {
	Policy string   `yaml:"policy" mapstructure:"policy"`
	Admins []string `yaml:"admins" mapstructure:"admins"`
}

// AuditConfig configures audit failure handling.
type AuditConfig struct {
	Strict bool `yaml:"strict" mapstructure:"strict"`
}

// ReportConfig configures CLI report formatting.
type ReportConfig struct {
	Currency string `yaml:"currency" mapstructure:"currency"`
	Locale   string `yaml:"locale" mapstructure:"locale"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("JOBCOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key gets one so AutomaticEnv can override it.
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "jobcost.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.statement_timeout_ms", 30000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_secs", 15)
	v.SetDefault("server.write_timeout_secs", 30)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.actor_header", "")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("rollup.dashboard_ttl_secs", 30)
	v.SetDefault("rollup.cache", "memory")
	v.SetDefault("rollup.invalidate_on_write", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "jobcost:dashboard")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.amqp_url", "")
	v.SetDefault("notify.queue", "jobcost.events")
	v.SetDefault("notify.timeout_secs", 10)
	v.SetDefault("notify.failure_threshold", 5)
	v.SetDefault("notify.reset_timeout_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 50)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.margin_threshold", 0.10)
	v.SetDefault("monitoring.alert_over_budget", true)
	v.SetDefault("monitoring.alert_complete_without_spend", false)
	v.SetDefault("authz.policy", "ownership")
	v.SetDefault("authz.admins", []string{})
	v.SetDefault("audit.strict", false)
	v.SetDefault("report.currency", "USD")
	v.SetDefault("report.locale", "en-US")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "serve" and
// "cli". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Rollup.Cache != "memory" && c.Rollup.Cache != "redis" {
		errs = append(errs, fmt.Sprintf("unknown rollup.cache %q", c.Rollup.Cache))
	}
	if c.Rollup.Cache == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when rollup.cache is redis")
	}
	if c.Authz.Policy != "ownership" && c.Authz.Policy != "allow_all" {
		errs = append(errs, fmt.Sprintf("unknown authz.policy %q", c.Authz.Policy))
	}
	if c.Monitoring.MarginThreshold < -1 || c.Monitoring.MarginThreshold > 1 {
		errs = append(errs, "monitoring.margin_threshold must be between -1 and 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.JWTSecret == "" && c.Server.ActorHeader == "" {
			errs = append(errs, "server.jwt_secret or server.actor_header is required to identify actors")
		}
		if c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
			errs = append(errs, "monitoring.webhook_url is required when monitoring is enabled")
		}
	case "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
