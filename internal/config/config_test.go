package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8001" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Webhook.MaxSkewSeconds != 300 {
		t.Errorf("MaxSkewSeconds = %d, want 300", cfg.Webhook.MaxSkewSeconds)
	}
}

func TestFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	// JSON5: comments and trailing commas are fine.
	content := `{
		// local overrides
		server: { addr: ":9000" },
		log_level: "debug",
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ZERG_SERVER_ADDR", ":7777")
	t.Setenv("ZERG_DATABASE_DRIVER", "postgres")
	t.Setenv("ZERG_DATABASE_DSN", "postgres://localhost/zerg")
	t.Setenv("ZERG_WEBHOOK_MAX_SKEW", "120")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("env should beat file: Addr = %q", cfg.Server.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (from file)", cfg.LogLevel)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN == "" {
		t.Errorf("database not overridden: %+v", cfg.Database)
	}
	if cfg.Webhook.MaxSkewSeconds != 120 {
		t.Errorf("MaxSkewSeconds = %d, want 120", cfg.Webhook.MaxSkewSeconds)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad driver", map[string]string{"ZERG_DATABASE_DRIVER": "oracle"}},
		{"bad log level", map[string]string{"ZERG_LOG_LEVEL": "loud"}},
		{"zero skew", map[string]string{"ZERG_WEBHOOK_MAX_SKEW": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMissingNamedFileIsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing named config file")
	}
}
