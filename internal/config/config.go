package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Identity
	KMSID string `env:"KMS_ID,required"`
	SAEID string `env:"SAE_ID,required"`

	// Server
	Host string `env:"KME_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"KMS_PORT,required"`

	// Peer
	PeerURL        string `env:"PEER_URL,required"`
	PeerTimeoutSec int    `env:"PEER_TIMEOUT_SEC" envDefault:"5"`

	// Key generation
	DefaultKeySizeBytes int `env:"DEFAULT_KEY_SIZE_BYTES" envDefault:"32"`
	MaxKeySizeBytes     int `env:"MAX_KEY_SIZE_BYTES" envDefault:"4096"`
	MaxKeysPerRequest   int `env:"MAX_KEYS_PER_REQUEST" envDefault:"100"`
	KeyTTLSec           int `env:"KEY_TTL_SEC" envDefault:"0"` // 0 disables TTL purge

	// Pool replenishment
	PoolMin                  int `env:"POOL_MIN" envDefault:"10"`
	PoolMax                  int `env:"POOL_MAX" envDefault:"100"`
	PoolReplenishThreshold   int `env:"POOL_REPLENISH_THRESHOLD" envDefault:"5"`
	PoolReplenishIntervalSec int `env:"POOL_REPLENISH_INTERVAL_SEC" envDefault:"5"`

	// Requests
	RequestTimeoutSec int `env:"REQUEST_TIMEOUT_SEC" envDefault:"30"`

	// Database (optional; if unset, audit events are discarded, not persisted)
	DatabaseURL string `env:"DATABASE_URL"`

	// Redis (optional; if unset, pool health events are not published)
	RedisURL         string `env:"REDIS_URL"`
	PoolEventChannel string `env:"POOL_EVENT_CHANNEL" envDefault:"kme:pool:health"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsPath  string `env:"METRICS_PATH" envDefault:"/metrics"`

	// Slack (optional; if not set, operator alerting is disabled)
	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL"`

	// Migrations (only applies when DatabaseURL is set)
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
