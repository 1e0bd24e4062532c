// Package config loads server configuration from environment variables so
// main stays lean.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	pstrings "proxyvote/pkg/platform/strings"
)

// Server captures the full server configuration.
type Server struct {
	Addr        string `env:"PROXYVOTE_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"PROXYVOTE_METRICS_ADDR" envDefault:":9090"`

	// RegistryAccount is the account that controls all root delegation
	// nodes. When empty a random account is generated at startup, which is
	// only usable for local development.
	RegistryAccount string `env:"PROXYVOTE_REGISTRY_ACCOUNT"`

	InitialFanoutBudget int `env:"PROXYVOTE_INITIAL_FANOUT" envDefault:"8"`

	// ActorSigningKey signs the bearer tokens that identify callers.
	ActorSigningKey string `env:"PROXYVOTE_ACTOR_SIGNING_KEY" envDefault:"dev-secret-key-change-in-production"`

	// DatabaseURL selects the postgres ledger and node store. Empty keeps
	// everything in memory.
	DatabaseURL string `env:"DATABASE_URL"`

	Redis RedisConfig `envPrefix:"REDIS_"`
	Kafka KafkaConfig `envPrefix:"KAFKA_"`

	ShutdownTimeout time.Duration `env:"PROXYVOTE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"PROXYVOTE_REQUEST_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// RedisConfig configures the optional redis-backed allowance replay store.
type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

// KafkaConfig configures the optional lifecycle event stream.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS"`
	Topic   string   `env:"TOPIC" envDefault:"proxyvote.delegation.events"`
}

// FromEnv builds a Server config from environment variables.
func FromEnv() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Kafka.Brokers = pstrings.DedupeAndTrim(cfg.Kafka.Brokers)
	return cfg, nil
}
