package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER" validate:"required,oneof=postgres sqlite"`
	DatabaseURL    string `mapstructure:"DATABASE_URL" validate:"required"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	// CORSAllowedOrigins is a comma separated origin list; "*" allows any.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	// PropagationMode selects how CI write events are processed: through the
	// asynq worker, or on an in-process goroutine pool.
	PropagationMode      string `mapstructure:"PROPAGATION_MODE" validate:"required,oneof=asynq pool"`
	PropagationWorkers   int    `mapstructure:"PROPAGATION_WORKERS" validate:"gte=1,lte=256"`
	PropagationQueueSize int    `mapstructure:"PROPAGATION_QUEUE_SIZE" validate:"gte=1,lte=1000000"`

	ScanBatchSize   int           `mapstructure:"SCAN_BATCH_SIZE" validate:"gte=1,lte=10000"`
	ScanConcurrency int           `mapstructure:"SCAN_CONCURRENCY" validate:"gte=1,lte=64"`
	ScanLockBackend string        `mapstructure:"SCAN_LOCK_BACKEND" validate:"required,oneof=memory redis"`
	ScanLockTTL     time.Duration `mapstructure:"SCAN_LOCK_TTL" validate:"required"`

	SchedulerEnabled bool `mapstructure:"SCHEDULER_ENABLED"`

	TopologyMaxNodes int `mapstructure:"TOPOLOGY_MAX_NODES" validate:"gte=1,lte=10000"`

	// MetricsAddr is where the worker serves /metrics; empty disables it.
	// The api serves /metrics on HTTP_ADDR.
	MetricsAddr string `mapstructure:"METRICS_ADDR" validate:"omitempty,hostname_port"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

var envKeys = []string{
	"APP_ENV",
	"HTTP_ADDR",
	"SHUTDOWN_TIMEOUT",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"DATABASE_DRIVER",
	"DATABASE_URL",
	"REDIS_ADDR",
	"REDIS_PASSWORD",
	"JWT_SECRET",
	"CORS_ALLOWED_ORIGINS",
	"ASYNQ_CONCURRENCY",
	"PROPAGATION_MODE",
	"PROPAGATION_WORKERS",
	"PROPAGATION_QUEUE_SIZE",
	"SCAN_BATCH_SIZE",
	"SCAN_CONCURRENCY",
	"SCAN_LOCK_BACKEND",
	"SCAN_LOCK_TTL",
	"SCHEDULER_ENABLED",
	"TOPOLOGY_MAX_NODES",
	"METRICS_ADDR",
	"GOMAXPROCS",
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("PROPAGATION_MODE", "asynq")
	v.SetDefault("PROPAGATION_WORKERS", 4)
	v.SetDefault("PROPAGATION_QUEUE_SIZE", 1024)
	v.SetDefault("SCAN_BATCH_SIZE", 100)
	v.SetDefault("SCAN_CONCURRENCY", 4)
	v.SetDefault("SCAN_LOCK_BACKEND", "memory")
	v.SetDefault("SCAN_LOCK_TTL", "2h")
	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("TOPOLOGY_MAX_NODES", 500)
	v.SetDefault("GOMAXPROCS", 0)

	_ = v.ReadInConfig()

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	for key, dst := range map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT": &c.ShutdownTimeout,
		"SCAN_LOCK_TTL":    &c.ScanLockTTL,
	} {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}

// UsesPool reports whether background work runs inside the API process.
func (c *Config) UsesPool() bool { return c.PropagationMode == "pool" }

const devJWTSecret = "change-me-in-production-please"

// SigningSecret returns the HMAC key for access tokens. Outside production an
// unset JWT_SECRET falls back to a fixed development key; fallback reports it.
func (c *Config) SigningSecret() (secret []byte, fallback bool, err error) {
	if c.JWTSecret != "" {
		return []byte(c.JWTSecret), false, nil
	}
	if c.AppEnv == "production" {
		return nil, false, fmt.Errorf("JWT_SECRET must be set in production")
	}
	return []byte(devJWTSecret), true, nil
}

// CORSOrigins splits CORSAllowedOrigins, dropping blanks.
func (c *Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
