// Package config loads the application-level YAML configuration used by
// the CLI: provider credentials, session limits, compression tuning,
// and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file search order.
const EnvConfigPath = "LODESTAR_CONFIG"

const (
	configDirName  = ".lodestar"
	configFileName = "config.yaml"
)

// Config is the root configuration structure.
type Config struct {
	LLM         LLMConfig         `yaml:"llm"`
	Session     SessionConfig     `yaml:"session"`
	Compression CompressionConfig `yaml:"compression"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LLMConfig selects and configures providers.
type LLMConfig struct {
	// DefaultProvider names the provider used when the CLI does not
	// override it.
	DefaultProvider string `yaml:"default_provider"`

	Providers map[string]ProviderConfig `yaml:"providers"`

	// MaxTokens caps generation per model call. 0 uses the provider
	// default.
	MaxTokens int `yaml:"max_tokens"`
}

// ProviderConfig holds one provider's credentials and defaults. Values
// support ${VAR} expansion, so keys normally reference the environment
// rather than living in the file.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// SessionConfig bounds the agent loop.
type SessionConfig struct {
	// MaxTurns bounds continuation turns per prompt. The runtime
	// clamps this to its own ceiling.
	MaxTurns int `yaml:"max_turns"`

	// MaxSessionTurns bounds model turns across a whole session.
	// 0 means unlimited.
	MaxSessionTurns int `yaml:"max_session_turns"`

	// DisableNextSpeaker turns off the JSON next-speaker check.
	DisableNextSpeaker bool `yaml:"disable_next_speaker"`
}

// CompressionConfig tunes history compression.
type CompressionConfig struct {
	// ContextLimit is the model context size in tokens used for the
	// trigger arithmetic.
	ContextLimit int `yaml:"context_limit"`

	// Threshold is the fraction of ContextLimit that triggers
	// compression.
	Threshold float64 `yaml:"threshold"`

	// Preserve is the fraction of history kept verbatim at the tail.
	Preserve float64 `yaml:"preserve"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses one configuration file. Environment variables
// in the file body are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault resolves the config file for a workspace: EnvConfigPath
// if set, then <workspace>/.lodestar/config.yaml, then
// ~/.lodestar/config.yaml. No file at all yields pure defaults.
func LoadDefault(workspace string) (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return Load(path)
	}

	candidates := []string{filepath.Join(workspace, configDirName, configFileName)}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, configDirName, configFileName))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

// Provider returns the named provider config, or the default provider
// when name is empty.
func (c *Config) Provider(name string) (string, ProviderConfig) {
	if name == "" {
		name = c.LLM.DefaultProvider
	}
	return name, c.LLM.Providers[name]
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]ProviderConfig{}
	}

	anthropic := cfg.LLM.Providers["anthropic"]
	if anthropic.DefaultModel == "" {
		anthropic.DefaultModel = "claude-sonnet-4-20250514"
	}
	cfg.LLM.Providers["anthropic"] = anthropic

	openai := cfg.LLM.Providers["openai"]
	if openai.DefaultModel == "" {
		openai.DefaultModel = "gpt-4o"
	}
	cfg.LLM.Providers["openai"] = openai

	if cfg.Compression.ContextLimit == 0 {
		cfg.Compression.ContextLimit = 200000
	}
	if cfg.Compression.Threshold == 0 {
		cfg.Compression.Threshold = 0.7
	}
	if cfg.Compression.Preserve == 0 {
		cfg.Compression.Preserve = 0.3
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
