package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE", "")
	t.Setenv("HTTP_ADDR", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.Store != "memory" {
		t.Errorf("Store = %q, want memory", cfg.Store)
	}
	if cfg.OutboxPollInterval != 200*time.Millisecond {
		t.Errorf("OutboxPollInterval = %v", cfg.OutboxPollInterval)
	}
	if cfg.DBMaxConns != 20 {
		t.Errorf("DBMaxConns = %d, want 20", cfg.DBMaxConns)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://rx:rx@localhost:5432/rx")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("LOCK_TTL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://rx:rx@localhost:5432/rx" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if got := cfg.Brokers(); len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("Brokers = %v", got)
	}
	if cfg.LockTTL != 5*time.Second {
		t.Errorf("LockTTL = %v", cfg.LockTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{Env: "development", Store: "memory", AuthMode: "none", OutboxBatchSize: 10, TraceSampleRate: 1}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without url", func(c *Config) { c.Store = "postgres" }, "DATABASE_URL"},
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, "STORE"},
		{"no auth in production", func(c *Config) { c.Env = "production" }, "not allowed in production"},
		{"apikey without keys", func(c *Config) { c.AuthMode = "apikey" }, "API_KEYS"},
		{"short jwt secret", func(c *Config) { c.AuthMode = "jwt"; c.JWTSecret = "short" }, "JWT_SECRET"},
		{"bad sample rate", func(c *Config) { c.TraceSampleRate = 2 }, "TRACE_SAMPLE_RATE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate = %v, want error mentioning %q", err, tc.want)
			}
		})
	}

	ok := base()
	ok.AuthMode = "jwt"
	ok.JWTSecret = strings.Repeat("s", 32)
	if err := ok.Validate(); err != nil {
		t.Errorf("valid jwt config rejected: %v", err)
	}
}
