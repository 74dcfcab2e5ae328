// Package config loads service settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is shared by every binary. Each binary reads the fields it needs.
type Config struct {
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	ServiceName string `mapstructure:"SERVICE_NAME"`

	HTTPAddr        string        `mapstructure:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins     string        `mapstructure:"CORS_ORIGINS"`

	// AuthMode is none, apikey or jwt.
	AuthMode    string `mapstructure:"AUTH_MODE"`
	APIKeys     string `mapstructure:"API_KEYS"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	// Store is memory or postgres.
	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`
	LockTTL       time.Duration `mapstructure:"LOCK_TTL"`

	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int16  `mapstructure:"KAFKA_REPLICATION"`
	TopicEvents      string `mapstructure:"TOPIC_EVENTS"`
	TopicControlled  string `mapstructure:"TOPIC_CONTROLLED"`
	TopicDeadLetter  string `mapstructure:"TOPIC_DEAD_LETTER"`
	ArchiverGroup    string `mapstructure:"ARCHIVER_GROUP"`
	ArchiverWorkers  int    `mapstructure:"ARCHIVER_WORKERS"`

	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`
	OutboxRetention    time.Duration `mapstructure:"OUTBOX_RETENTION"`

	MongoURI        string `mapstructure:"MONGO_URI"`
	MongoDatabase   string `mapstructure:"MONGO_DATABASE"`
	MongoCollection string `mapstructure:"MONGO_COLLECTION"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
}

var defaults = map[string]any{
	"ENV":                  "development",
	"LOG_LEVEL":            "info",
	"SERVICE_NAME":         "pharmacy-api",
	"HTTP_ADDR":            ":8080",
	"SHUTDOWN_TIMEOUT":     "15s",
	"REQUEST_TIMEOUT":      "30s",
	"CORS_ORIGINS":         "*",
	"AUTH_MODE":            "none",
	"API_KEYS":             "",
	"JWT_SECRET":           "",
	"JWT_ISSUER":           "",
	"JWT_AUDIENCE":         "",
	"STORE":                "memory",
	"DATABASE_URL":         "",
	"DB_MAX_CONNS":         20,
	"REDIS_ADDR":           "",
	"REDIS_PASSWORD":       "",
	"REDIS_DB":             0,
	"LOCK_TTL":             "30s",
	"KAFKA_BROKERS":        "localhost:9092",
	"KAFKA_REPLICATION":    1,
	"TOPIC_EVENTS":         "prescription.events",
	"TOPIC_CONTROLLED":     "controlled.substance.log",
	"TOPIC_DEAD_LETTER":    "dead.letter",
	"ARCHIVER_GROUP":       "dispensing-archiver",
	"ARCHIVER_WORKERS":     4,
	"OUTBOX_BATCH_SIZE":    100,
	"OUTBOX_POLL_INTERVAL": "200ms",
	"OUTBOX_MAX_RETRIES":   5,
	"OUTBOX_RETENTION":     "168h",
	"MONGO_URI":            "mongodb://localhost:27017",
	"MONGO_DATABASE":       "rxfill",
	"MONGO_COLLECTION":     "controlled_dispensing",
	"OTLP_ENDPOINT":        "",
	"TRACE_SAMPLE_RATE":    1.0,
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE must be memory or postgres, got %q", c.Store))
	}

	switch c.AuthMode {
	case "none":
		if c.IsProduction() {
			errs = append(errs, errors.New("AUTH_MODE none is not allowed in production"))
		}
	case "apikey":
		if len(c.APIKeyList()) == 0 {
			errs = append(errs, errors.New("API_KEYS is required when AUTH_MODE is apikey"))
		}
	case "jwt":
		if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes when AUTH_MODE is jwt"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE must be none, apikey or jwt, got %q", c.AuthMode))
	}

	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

// Brokers splits KAFKA_BROKERS.
func (c *Config) Brokers() []string { return splitList(c.KafkaBrokers) }

// APIKeyList splits API_KEYS.
func (c *Config) APIKeyList() []string { return splitList(c.APIKeys) }

// Origins splits CORS_ORIGINS.
func (c *Config) Origins() []string { return splitList(c.CORSOrigins) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
