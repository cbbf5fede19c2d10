// Package config provides configuration types and loading for the ksi
// daemon. Defaults are applied first, then environment variables override
// them (KSI_* prefix via envconfig).
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration struct.
type Config struct {
	Daemon       DaemonConfig       `json:"daemon"`
	Redis        RedisConfig        `json:"redis"`
	Store        StoreConfig        `json:"store"`
	Completion   CompletionConfig   `json:"completion"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Log          LogConfig          `json:"log"`
}

// DaemonConfig groups the unix-socket transport settings.
type DaemonConfig struct {
	SocketPath string `json:"socketPath" envconfig:"SOCKET_PATH"`
}

// RedisConfig configures the optional Redis event bridge.
type RedisConfig struct {
	Enabled    bool     `json:"enabled" envconfig:"ENABLED"`
	Addr       string   `json:"addr" envconfig:"ADDR"`
	Password   string   `json:"password" envconfig:"PASSWORD"`
	DB         int      `json:"db" envconfig:"DB"`
	Namespaces []string `json:"namespaces" envconfig:"NAMESPACES"`
}

// StoreConfig configures tracked-state persistence.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `json:"driver" envconfig:"DRIVER"`
	Path   string `json:"path" envconfig:"PATH"`
}

// CompletionConfig configures the completion provider bridge.
type CompletionConfig struct {
	// Provider is "anthropic", "openai" or "" for none.
	Provider  string        `json:"provider" envconfig:"PROVIDER"`
	Model     string        `json:"model" envconfig:"MODEL"`
	MaxTokens int64         `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Timeout   time.Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// OrchestratorConfig groups primitive timing defaults.
type OrchestratorConfig struct {
	AsyncTransformDeadline time.Duration `json:"asyncTransformDeadline" envconfig:"ASYNC_TRANSFORM_DEADLINE"`
	TransformGCInterval    time.Duration `json:"transformGcInterval" envconfig:"TRANSFORM_GC_INTERVAL"`
	CoordinateTimeout      time.Duration `json:"coordinateTimeout" envconfig:"COORDINATE_TIMEOUT"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level" envconfig:"LEVEL"`
	// Format is "text" or "json".
	Format string `json:"format" envconfig:"FORMAT"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{SocketPath: "/tmp/ksi.sock"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Store:  StoreConfig{Driver: "memory", Path: "ksi.db"},
		Completion: CompletionConfig{
			MaxTokens: 4096,
			Timeout:   120 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			AsyncTransformDeadline: 30 * time.Second,
			TransformGCInterval:    5 * time.Second,
			CoordinateTimeout:      30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the effective configuration: defaults overridden by KSI_*
// environment variables.
func Load() (*Config, error) {
	cfg := Default()
	sections := map[string]any{
		"KSI_DAEMON":       &cfg.Daemon,
		"KSI_REDIS":        &cfg.Redis,
		"KSI_STORE":        &cfg.Store,
		"KSI_COMPLETION":   &cfg.Completion,
		"KSI_ORCHESTRATOR": &cfg.Orchestrator,
		"KSI_LOG":          &cfg.Log,
	}
	for prefix, section := range sections {
		if err := envconfig.Process(prefix, section); err != nil {
			return nil, fmt.Errorf("process %s env: %w", prefix, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Daemon.SocketPath == "" {
		return fmt.Errorf("daemon socket path must not be empty")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("sqlite store requires a path")
	}
	switch c.Completion.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown completion provider %q", c.Completion.Provider)
	}
	return nil
}
