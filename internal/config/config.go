package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/provider-qa/internal/scoring"
	"github.com/sells-group/provider-qa/internal/tracing"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	NPI        NPIConfig        `yaml:"npi" mapstructure:"npi"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Tracing    tracing.Config   `yaml:"tracing" mapstructure:"tracing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the review API.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins      []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// ScoringConfig tunes the confidence model. ProfilePath names a YAML
// profile applied first; the inline values are applied over it.
type ScoringConfig struct {
	Threshold     float64            `yaml:"threshold" mapstructure:"threshold"`
	ProfilePath   string             `yaml:"profile_path" mapstructure:"profile_path"`
	SourceWeights map[string]float64 `yaml:"source_weights" mapstructure:"source_weights"`
	Placeholders  map[string]float64 `yaml:"placeholders" mapstructure:"placeholders"`
}

// BatchConfig configures batch validation.
type BatchConfig struct {
	MaxConcurrentProviders int `yaml:"max_concurrent_providers" mapstructure:"max_concurrent_providers"`
}

// NPIConfig configures the NPI registry client.
type NPIConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// LockConfig selects how provider locks are taken.
type LockConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
	TTLSecs       int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// MonitoringConfig configures review backlog alerting.
type MonitoringConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	ReviewRateThreshold float64 `yaml:"review_rate_threshold" mapstructure:"review_rate_threshold"`
	OpenIssuesThreshold int     `yaml:"open_issues_threshold" mapstructure:"open_issues_threshold"`
	StaleRunMinutes     int     `yaml:"stale_run_minutes" mapstructure:"stale_run_minutes"`
}

// TTL returns the redis lock expiry.
func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSecs) * time.Second
}

// Model builds the scoring model: defaults, then the profile file, then the
// inline overrides.
func (s ScoringConfig) Model() (*scoring.Model, error) {
	m := scoring.DefaultModel()
	if s.ProfilePath != "" {
		var err error
		if m, err = scoring.LoadProfile(s.ProfilePath); err != nil {
			return nil, err
		}
	}
	return scoring.Profile{
		Threshold:     s.Threshold,
		SourceWeights: s.SourceWeights,
		Placeholders:  s.Placeholders,
	}.Apply(m)
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROVIDERQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "provider-qa.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 10)
	v.SetDefault("scoring.threshold", scoring.DefaultThreshold)
	v.SetDefault("scoring.profile_path", "")
	v.SetDefault("batch.max_concurrent_providers", 4)
	v.SetDefault("npi.base_url", "https://npiregistry.cms.hhs.gov/api/")
	v.SetDefault("npi.rate_limit", 5.0)
	v.SetDefault("npi.timeout_secs", 15)
	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.ttl_secs", 30)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.review_rate_threshold", 0.5)
	v.SetDefault("monitoring.open_issues_threshold", 0)
	v.SetDefault("monitoring.stale_run_minutes", 120)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "provider-qa")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.pretty", false)

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

// Validate checks the settings a command mode depends on. Modes: "store"
// (any command touching the database), "lookup" (adds the NPI registry)
// and "serve" (adds the HTTP server).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "store", "lookup", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			errs = append(errs, "lock.redis_addr is required for the redis driver")
		}
		if c.Lock.TTLSecs <= 0 {
			errs = append(errs, "lock.ttl_secs must be > 0")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver must be local or redis, got %q", c.Lock.Driver))
	}

	if c.Batch.MaxConcurrentProviders < 1 || c.Batch.MaxConcurrentProviders > 64 {
		errs = append(errs, "batch.max_concurrent_providers must be between 1 and 64")
	}
	if c.Scoring.Threshold < 0 || c.Scoring.Threshold > 1 {
		errs = append(errs, "scoring.threshold must be between 0 and 1")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sample_ratio must be between 0 and 1")
	}

	if mode == "lookup" || mode == "serve" {
		if c.NPI.BaseURL == "" {
			errs = append(errs, "npi.base_url is required")
		}
		if c.NPI.RateLimit <= 0 {
			errs = append(errs, "npi.rate_limit must be > 0")
		}
	}
	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be > 0 and <= 65535")
	}
	if mode == "serve" && c.Monitoring.Enabled {
		if c.Monitoring.LookbackWindowHours <= 0 {
			errs = append(errs, "monitoring.lookback_window_hours must be > 0")
		}
		if c.Monitoring.ReviewRateThreshold < 0 || c.Monitoring.ReviewRateThreshold > 1 {
			errs = append(errs, "monitoring.review_rate_threshold must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
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
