package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	ResultCacheTTL  time.Duration `mapstructure:"RESULT_CACHE_TTL"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	TaskQueueSize   int           `mapstructure:"TASK_QUEUE_SIZE"`
	TaskTimeout     time.Duration `mapstructure:"TASK_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	DefaultTimezone string        `mapstructure:"DEFAULT_TIMEZONE"`
	MaxOccurrences  int           `mapstructure:"MAX_RECURRENCE_OCCURRENCES"`
	TLSEnabled      bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile     string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile      string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"REDIS_URL",
	"RESULT_CACHE_TTL",
	"CORS_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"TASK_QUEUE_SIZE",
	"TASK_TIMEOUT",
	"BODY_LIMIT",
	"DEFAULT_TIMEZONE",
	"MAX_RECURRENCE_OCCURRENCES",
	"TLS_ENABLED",
	"TLS_CERT_FILE",
	"TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("RESULT_CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("TASK_QUEUE_SIZE", 64)
	v.SetDefault("TASK_TIMEOUT", "10s")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("DEFAULT_TIMEZONE", "UTC")
	v.SetDefault("MAX_RECURRENCE_OCCURRENCES", 366)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasDatabase reports whether the provider endpoints can be served.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.TaskQueueSize <= 0 {
		return fmt.Errorf("TASK_QUEUE_SIZE must be positive, got %d", c.TaskQueueSize)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive, got %s", c.TaskTimeout)
	}
	if c.MaxOccurrences <= 0 {
		return fmt.Errorf("MAX_RECURRENCE_OCCURRENCES must be positive, got %d", c.MaxOccurrences)
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE %q is not a known timezone: %w", c.DefaultTimezone, err)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RedisURL != "" && c.ResultCacheTTL <= 0 {
		return fmt.Errorf("RESULT_CACHE_TTL must be positive when REDIS_URL is set")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
