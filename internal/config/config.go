package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Config is the full runtime configuration. Values load in three layers:
// defaults, then an optional JSON5 file, then ZERG_* environment variables.
// Secrets (database DSN, auth secret, webhook secrets) are env-only and
// never belong in the file.
type Config struct {
	Server    Server    `json:"server"`
	Database  Database  `json:"database"`
	Auth      Auth      `json:"auth"`
	Scheduler Scheduler `json:"scheduler"`
	Webhook   Webhook   `json:"webhook"`
	Telemetry Telemetry `json:"telemetry"`
	LogLevel  string    `json:"log_level"` // debug | info | warn | error
}

type Server struct {
	Addr           string        `json:"addr"`
	AllowedOrigins []string      `json:"allowed_origins"`
	PingInterval   time.Duration `json:"-"`
	PongTimeout    time.Duration `json:"-"`
}

type Database struct {
	Driver string `json:"driver"` // postgres | sqlite
	DSN    string `json:"-"`      // env-only: ZERG_DATABASE_DSN
}

type Auth struct {
	Secret string `json:"-"` // env-only: ZERG_AUTH_SECRET
}

type Scheduler struct {
	Enabled bool `json:"enabled"`
}

type Webhook struct {
	// MaxSkew bounds the age of X-Zerg-Timestamp in seconds.
	MaxSkewSeconds int `json:"max_skew_seconds"`
	// RatePerMinute limits events per trigger; 0 disables limiting.
	RatePerMinute int `json:"rate_per_minute"`
}

type Telemetry struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter"` // grpc | http
	Endpoint string `json:"endpoint"`
}

// Default returns the configuration used when no file or env is present.
// SQLite keeps the zero-setup path working; production sets postgres via env.
func Default() Config {
	return Config{
		Server: Server{
			Addr:           ":8001",
			AllowedOrigins: []string{"*"},
			PingInterval:   30 * time.Second,
			PongTimeout:    60 * time.Second,
		},
		Database: Database{
			Driver: "sqlite",
			DSN:    "file:zerg.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		},
		Scheduler: Scheduler{Enabled: true},
		Webhook: Webhook{
			MaxSkewSeconds: 300,
			RatePerMinute:  60,
		},
		Telemetry: Telemetry{Exporter: "grpc", Endpoint: "localhost:4317"},
		LogLevel:  "info",
	}
}

// Load builds the config from defaults, the optional file at path, and the
// environment. A missing file is not an error when path is empty; a named
// file that does not exist is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json5.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ZERG_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ZERG_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("ZERG_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("ZERG_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("ZERG_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("ZERG_SCHEDULER_ENABLED"); v != "" {
		c.Scheduler.Enabled = parseBool(v, c.Scheduler.Enabled)
	}
	if v := os.Getenv("ZERG_WEBHOOK_MAX_SKEW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Webhook.MaxSkewSeconds = n
		}
	}
	if v := os.Getenv("ZERG_WEBHOOK_RATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Webhook.RatePerMinute = n
		}
	}
	if v := os.Getenv("ZERG_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v, c.Telemetry.Enabled)
	}
	if v := os.Getenv("ZERG_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("ZERG_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("ZERG_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.Webhook.MaxSkewSeconds <= 0 {
		return fmt.Errorf("webhook max skew must be positive, got %d", c.Webhook.MaxSkewSeconds)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string, def bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
