package config

import (
	"testing"
)

func loadWithRequired(t *testing.T) *Config {
	t.Helper()
	t.Setenv("KMS_ID", "kms-1")
	t.Setenv("SAE_ID", "sae-1")
	t.Setenv("PEER_URL", "https://peer.example.test")
	t.Setenv("KMS_PORT", "8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "port is read from KMS_PORT",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default pool sizing",
			check:  func(c *Config) bool { return c.PoolMin == 10 && c.PoolMax == 100 && c.PoolReplenishThreshold == 5 },
			expect: "min=10 max=100 threshold=5",
		},
		{
			name:   "default key size bounds",
			check:  func(c *Config) bool { return c.DefaultKeySizeBytes == 32 && c.MaxKeySizeBytes == 4096 },
			expect: "default=32 max=4096",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
		{
			name:   "TTL purge disabled by default",
			check:  func(c *Config) bool { return c.KeyTTLSec == 0 },
			expect: "0",
		},
		{
			name:   "default max keys per request",
			check:  func(c *Config) bool { return c.MaxKeysPerRequest == 100 },
			expect: "100",
		},
		{
			name:   "default pool replenish interval",
			check:  func(c *Config) bool { return c.PoolReplenishIntervalSec == 5 },
			expect: "5",
		},
		{
			name:   "default request timeout",
			check:  func(c *Config) bool { return c.RequestTimeoutSec == 30 },
			expect: "30",
		},
	}

	cfg := loadWithRequired(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestLoadMissingRequiredFails(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatal("expected error when KMS_ID/SAE_ID/PEER_URL/KMS_PORT are unset")
	}
}

func TestLoadMissingPortFails(t *testing.T) {
	t.Setenv("KMS_ID", "kms-1")
	t.Setenv("SAE_ID", "sae-1")
	t.Setenv("PEER_URL", "https://peer.example.test")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when KMS_PORT is unset")
	}
}

func TestLoadOptionalIntegrationsDefaultDisabled(t *testing.T) {
	cfg := loadWithRequired(t)
	if cfg.DatabaseURL != "" {
		t.Fatal("expected DATABASE_URL unset by default")
	}
	if cfg.RedisURL != "" {
		t.Fatal("expected REDIS_URL unset by default")
	}
	if cfg.SlackWebhookURL != "" {
		t.Fatal("expected SLACK_WEBHOOK_URL unset by default")
	}
}
