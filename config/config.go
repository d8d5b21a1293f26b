// Package config loads relay process configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v2"
)

// Supported backend protocols.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderResponses = "openai-responses"
)

// Config holds process configuration. Zero values fall back to defaults.
type Config struct {
	// Provider selects the backend protocol adapter.
	Provider string `yaml:"provider"`
	// Model overrides the adapter's default model identifier.
	Model string `yaml:"model"`

	// SystemPrompt seeds every session's transcript.
	SystemPrompt string `yaml:"system_prompt"`
	// Greeting is the opening assistant message, spoken by the transport.
	Greeting string `yaml:"greeting"`
	// Languages lists the supported conversation language tags.
	Languages []string `yaml:"languages"`

	// Streaming selects chunked responses with interruption support.
	Streaming bool `yaml:"streaming"`
	// MaxToolRounds caps backend round trips per turn.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// ListenAddr is the transport bind address.
	ListenAddr string `yaml:"listen_addr"`
	// LogDir holds rotated log, trace and metric files.
	LogDir string `yaml:"log_dir"`
	// CallLogPath is the SQLite call log location; empty disables it.
	CallLogPath string `yaml:"call_log_path"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Provider:      ProviderOpenAI,
		SystemPrompt:  "You are a helpful voice assistant. Keep responses short and conversational.",
		Greeting:      "Hello! How can I help you today?",
		Languages:     []string{"en-US", "es-MX"},
		Streaming:     true,
		MaxToolRounds: 8,
		ListenAddr:    ":8080",
		LogDir:        "logs",
		CallLogPath:   "convrelay.db",
	}
}

// Load reads the YAML file at path (skipped when empty or absent) and applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	switch cfg.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderResponses:
	default:
		return Config{}, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONVRELAY_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("CONVRELAY_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("CONVRELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CONVRELAY_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("CONVRELAY_CALL_LOG"); v != "" {
		cfg.CallLogPath = v
	}
	if v := os.Getenv("CONVRELAY_STREAMING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Streaming = b
		}
	}
	if v := os.Getenv("CONVRELAY_MAX_TOOL_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxToolRounds = n
		}
	}
}
