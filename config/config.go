// Package config loads loompatch configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Model kinds.
const (
	KindSafetensors = "safetensors"
	KindSynthetic   = "synthetic"
)

// Devices the LM head can run on.
const (
	DeviceCPU = "cpu"
	DeviceGPU = "gpu"
)

// Config contains all loompatch settings.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `json:"server" yaml:"server"`

	// Logging configures the zap logger.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Models lists every model the registry can load, by name.
	Models []ModelConfig `json:"models" yaml:"models"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `json:"addr" yaml:"addr"`

	// RateLimit is the sustained number of /patch requests per second.
	// Each request runs layers x positions forward passes.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`

	// Burst is the number of /patch requests admitted at once.
	Burst int `json:"burst" yaml:"burst"`

	// RemoteURL is the execution service used when a request sets remote.
	// Empty disables remote execution.
	RemoteURL string `json:"remote_url,omitempty" yaml:"remote_url,omitempty"`

	// ShutdownTimeout bounds graceful shutdown, e.g. "10s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" yaml:"level"`

	// Development switches to the human-readable console encoder.
	Development bool `json:"development" yaml:"development"`
}

// ModelConfig declares one loadable model.
type ModelConfig struct {
	Name string `json:"name" yaml:"name"`

	// Kind is "safetensors" (HuggingFace directory at Path) or "synthetic".
	Kind string `json:"kind" yaml:"kind"`

	// Path is the model directory holding config.json, model.safetensors
	// and optionally tokenizer.json.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Device selects where the LM head runs: "cpu" (default) or "gpu".
	Device string `json:"device,omitempty" yaml:"device,omitempty"`

	// TraceActivations logs per-site activation statistics at debug level.
	TraceActivations bool `json:"trace_activations,omitempty" yaml:"trace_activations,omitempty"`

	// Synthetic is the shape of a synthetic model.
	Synthetic *SyntheticConfig `json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
}

// SyntheticConfig is the shape and seed of a deterministic random model.
// Its tokenizer is byte-level, so Vocab must be at least 256.
type SyntheticConfig struct {
	Layers       int   `json:"layers" yaml:"layers"`
	Hidden       int   `json:"hidden" yaml:"hidden"`
	Heads        int   `json:"heads" yaml:"heads"`
	KVHeads      int   `json:"kv_heads" yaml:"kv_heads"`
	Intermediate int   `json:"intermediate" yaml:"intermediate"`
	Vocab        int   `json:"vocab" yaml:"vocab"`
	Seed         int64 `json:"seed" yaml:"seed"`
}

// Default returns a Config with sensible defaults and no models.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       2,
			Burst:           4,
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (when non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyModelDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyModelDefaults() {
	for i := range c.Models {
		m := &c.Models[i]
		if m.Device == "" {
			m.Device = DeviceCPU
		}
		if s := m.Synthetic; s != nil {
			if s.KVHeads == 0 {
				s.KVHeads = s.Heads
			}
			if s.Intermediate == 0 {
				s.Intermediate = 2 * s.Hidden
			}
			if s.Vocab == 0 {
				s.Vocab = 256
			}
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("server.rate_limit must be positive, got %v", c.Server.RateLimit)
	}
	if c.Server.Burst < 1 {
		return fmt.Errorf("server.burst must be at least 1, got %d", c.Server.Burst)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name must be set", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("models[%d]: duplicate name %q", i, m.Name)
		}
		seen[m.Name] = true

		switch m.Device {
		case DeviceCPU, DeviceGPU:
		default:
			return fmt.Errorf("model %s: invalid device %q (valid: cpu, gpu)", m.Name, m.Device)
		}

		switch m.Kind {
		case KindSafetensors:
			if m.Path == "" {
				return fmt.Errorf("model %s: path is required for kind safetensors", m.Name)
			}
		case KindSynthetic:
			s := m.Synthetic
			if s == nil {
				return fmt.Errorf("model %s: synthetic block is required for kind synthetic", m.Name)
			}
			if s.Layers <= 0 || s.Hidden <= 0 || s.Heads <= 0 {
				return fmt.Errorf("model %s: synthetic layers, hidden and heads must be positive", m.Name)
			}
			if s.Vocab < 256 {
				return fmt.Errorf("model %s: synthetic vocab must be at least 256 for the byte tokenizer, got %d", m.Name, s.Vocab)
			}
		default:
			return fmt.Errorf("model %s: invalid kind %q (valid: safetensors, synthetic)", m.Name, m.Kind)
		}
	}
	return nil
}

// Model returns the named model's config.
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOOMPATCH_REMOTE_URL"); v != "" {
		cfg.Server.RemoteURL = v
	}
	if v := os.Getenv("LOOMPATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOOMPATCH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOOMPATCH_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimit = f
		}
	}
}
