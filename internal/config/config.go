// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/magistral/rxcycle/internal/domain/proactive"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	KafkaBrokers       string        `mapstructure:"KAFKA_BROKERS"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	APIKeys            string        `mapstructure:"API_KEYS"`
	MaxCycles          int           `mapstructure:"MAX_CYCLES"`
	EvaluationTimezone string        `mapstructure:"EVALUATION_TIMEZONE"`
	DefaultLocale      string        `mapstructure:"DEFAULT_LOCALE"`
	SweepWorkers       int           `mapstructure:"SWEEP_WORKERS"`
	SweepQueueSize     int           `mapstructure:"SWEEP_QUEUE_SIZE"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	OTLPEndpoint       string        `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate    float64       `mapstructure:"TRACE_SAMPLE_RATE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "KAFKA_BROKERS", "LOG_LEVEL", "API_KEYS",
	"MAX_CYCLES", "EVALUATION_TIMEZONE", "DEFAULT_LOCALE",
	"SWEEP_WORKERS", "SWEEP_QUEUE_SIZE", "SWEEP_INTERVAL",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

// Load reads the environment over the defaults. A missing .env file is not
// an error. Load does not validate; call Validate once the binary knows
// which collaborators it needs.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MAX_CYCLES", 6)
	v.SetDefault("EVALUATION_TIMEZONE", "America/Santiago")
	v.SetDefault("DEFAULT_LOCALE", "es")
	v.SetDefault("SWEEP_WORKERS", 8)
	v.SetDefault("SWEEP_QUEUE_SIZE", 256)
	v.SetDefault("SWEEP_INTERVAL", "24h")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every binary depends on
func (c *Config) Validate() error {
	if c.SweepWorkers <= 0 {
		return fmt.Errorf("SWEEP_WORKERS must be positive, got %d", c.SweepWorkers)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if _, err := proactive.New(c.Evaluation()); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// RequireDatabase fails when no database URL is configured
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Evaluation returns the evaluator settings
func (c *Config) Evaluation() proactive.Config {
	return proactive.Config{
		MaxCycles:     c.MaxCycles,
		Timezone:      c.EvaluationTimezone,
		DefaultLocale: c.DefaultLocale,
	}
}

// Brokers splits KAFKA_BROKERS on commas
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// Clients parses API_KEYS, a comma-separated list of key:client pairs.
// A key without a client name is labelled by its position.
func (c *Config) Clients() map[string]string {
	clients := make(map[string]string)
	for i, pair := range splitList(c.APIKeys) {
		key, client, ok := strings.Cut(pair, ":")
		if !ok || client == "" {
			client = fmt.Sprintf("client-%d", i+1)
		}
		clients[strings.TrimSpace(key)] = strings.TrimSpace(client)
	}
	return clients
}

// NewLogger builds a production zap logger at LOG_LEVEL
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
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
