// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	LogLevel          string   `mapstructure:"LOG_LEVEL"`
	StorageBackend    string   `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	RedisURL          string   `mapstructure:"REDIS_URL"`
	KafkaBrokers      []string `mapstructure:"KAFKA_BROKERS"`
	EventsEnabled     bool     `mapstructure:"EVENTS_ENABLED"`
	DispatchWorkers   int      `mapstructure:"DISPATCH_WORKERS"`
	DispatchQueueSize int      `mapstructure:"DISPATCH_QUEUE_SIZE"`
	JWTSecret         string   `mapstructure:"JWT_SECRET"`
	JWTIssuer         string   `mapstructure:"JWT_ISSUER"`
	TracingEnabled    bool     `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint      string   `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate   float64  `mapstructure:"TRACE_SAMPLE_RATE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORAGE_BACKEND", "DATABASE_URL", "REDIS_URL",
	"KAFKA_BROKERS", "EVENTS_ENABLED", "DISPATCH_WORKERS", "DISPATCH_QUEUE_SIZE",
	"JWT_SECRET", "JWT_ISSUER", "TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

// Load reads an optional .env file and the environment, then validates.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_BACKEND", StorageMemory)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("EVENTS_ENABLED", false)
	v.SetDefault("DISPATCH_WORKERS", 4)
	v.SetDefault("DISPATCH_QUEUE_SIZE", 1024)
	v.SetDefault("JWT_ISSUER", "medsafe")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.StorageBackend {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case StorageRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}
	if c.JWTSecret == "" && !c.IsDev() {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}
	if c.EventsEnabled && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when EVENTS_ENABLED is set"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// NewLogger builds the process logger: console output in development,
// JSON otherwise, at LOG_LEVEL.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
