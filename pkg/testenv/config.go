// Package testenv reads the addresses of real backends for integration
// tests. Tests that need a backend skip when its variable is unset.
package testenv

import (
	"testing"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DatabaseURL string `envconfig:"DB_URL"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`
	// KAFKA_BROKERS is comma separated
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	ScyllaHosts  []string `envconfig:"SCYLLA_HOSTS"`
	KafkaTopic   string   `envconfig:"TEST_KAFKA_TOPIC" default:"chat-events-test"`
	Keyspace     string   `envconfig:"TEST_SCYLLA_KEYSPACE" default:"chat_test"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}

func load(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load test environment: %v", err)
	}
	return cfg
}

// DatabaseURL returns DB_URL or skips the test.
func DatabaseURL(t *testing.T) string {
	t.Helper()
	cfg := load(t)
	if cfg.DatabaseURL == "" {
		t.Skip("DB_URL not set")
	}
	return cfg.DatabaseURL
}

// RedisAddr returns REDIS_ADDR or skips the test.
func RedisAddr(t *testing.T) string {
	t.Helper()
	cfg := load(t)
	if cfg.RedisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	return cfg.RedisAddr
}

// Kafka returns the brokers and topic or skips the test.
func Kafka(t *testing.T) ([]string, string) {
	t.Helper()
	cfg := load(t)
	if len(cfg.KafkaBrokers) == 0 {
		t.Skip("KAFKA_BROKERS not set")
	}
	return cfg.KafkaBrokers, cfg.KafkaTopic
}

// Scylla returns the hosts and keyspace or skips the test.
func Scylla(t *testing.T) ([]string, string) {
	t.Helper()
	cfg := load(t)
	if len(cfg.ScyllaHosts) == 0 {
		t.Skip("SCYLLA_HOSTS not set")
	}
	return cfg.ScyllaHosts, cfg.Keyspace
}
