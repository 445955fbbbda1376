// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	LogFormat         string        `mapstructure:"LOG_FORMAT"`
	APIKeys           string        `mapstructure:"API_KEYS"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	SnapshotPath      string        `mapstructure:"SNAPSHOT_PATH"`
	SnapshotInterval  time.Duration `mapstructure:"SNAPSHOT_INTERVAL"`
	StoreTimeout      time.Duration `mapstructure:"STORE_TIMEOUT"`
	KafkaBrokers      string        `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup     string        `mapstructure:"CONSUMER_GROUP"`
	Workers           int           `mapstructure:"WORKERS"`
	TracingEnabled    bool          `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint      string        `mapstructure:"OTLP_ENDPOINT"`
	LowStockThreshold int           `mapstructure:"LOW_STOCK_THRESHOLD"`
	OutboxBatchSize   int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxInterval    time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
}

var defaults = map[string]any{
	"PORT":                 "8081",
	"ENV":                  "development",
	"LOG_LEVEL":            "info",
	"LOG_FORMAT":           "json",
	"SNAPSHOT_INTERVAL":    "30s",
	"STORE_TIMEOUT":        "5s",
	"CONSUMER_GROUP":       "dispense-service",
	"WORKERS":              8,
	"TRACING_ENABLED":      false,
	"OTLP_ENDPOINT":        "localhost:4317",
	"LOW_STOCK_THRESHOLD":  10,
	"OUTBOX_BATCH_SIZE":    100,
	"OUTBOX_POLL_INTERVAL": "1s",
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "API_KEYS", "DATABASE_URL",
	"SNAPSHOT_PATH", "SNAPSHOT_INTERVAL", "STORE_TIMEOUT", "KAFKA_BROKERS",
	"CONSUMER_GROUP", "WORKERS", "TRACING_ENABLED", "OTLP_ENDPOINT",
	"LOW_STOCK_THRESHOLD", "OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL",
}

// Load reads the environment, falling back to a .env file in the working
// directory and then to defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env file is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive, got %s", c.StoreTimeout)
	}
	if c.DatabaseURL != "" && c.SnapshotPath == "" {
		return fmt.Errorf("SNAPSHOT_PATH is required when DATABASE_URL is set")
	}
	if c.SnapshotPath != "" && c.SnapshotInterval <= 0 {
		return fmt.Errorf("SNAPSHOT_INTERVAL must be positive when SNAPSHOT_PATH is set")
	}
	if c.LowStockThreshold < 0 {
		return fmt.Errorf("LOW_STOCK_THRESHOLD must not be negative")
	}
	if c.KafkaBrokers != "" && c.ConsumerGroup == "" {
		return fmt.Errorf("CONSUMER_GROUP is required when KAFKA_BROKERS is set")
	}
	keys, err := c.APIKeyMap()
	if err != nil {
		return err
	}
	if c.IsProduction() && len(keys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	return nil
}

// IsProduction returns true when the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Brokers returns the Kafka seed brokers, or nil when messaging is off.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// APIKeyMap parses API_KEYS ("key:client,key2:client2") into key -> client id.
func (c *Config) APIKeyMap() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, client, ok := strings.Cut(pair, ":")
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:client", pair)
		}
		out[key] = client
	}
	return out, nil
}
