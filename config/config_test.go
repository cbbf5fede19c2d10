package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Daemon.SocketPath != "/tmp/ksi.sock" {
		t.Errorf("socket path = %q", cfg.Daemon.SocketPath)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store driver = %q, want memory", cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KSI_DAEMON_SOCKET_PATH", "/run/ksi/daemon.sock")
	t.Setenv("KSI_STORE_DRIVER", "sqlite")
	t.Setenv("KSI_STORE_PATH", "/var/lib/ksi/state.db")
	t.Setenv("KSI_ORCHESTRATOR_COORDINATE_TIMEOUT", "45s")
	t.Setenv("KSI_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.SocketPath != "/run/ksi/daemon.sock" {
		t.Errorf("socket path = %q", cfg.Daemon.SocketPath)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "/var/lib/ksi/state.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Orchestrator.CoordinateTimeout != 45*time.Second {
		t.Errorf("coordinate timeout = %v, want 45s", cfg.Orchestrator.CoordinateTimeout)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty socket path", func(c *Config) { c.Daemon.SocketPath = "" }},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.Driver = "sqlite"; c.Store.Path = "" }},
		{"unknown provider", func(c *Config) { c.Completion.Provider = "cohere" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}
