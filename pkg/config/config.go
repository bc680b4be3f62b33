// Package config loads the application configuration from YAML with
// environment variable fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the config file read to keep a mispointed path
// from loading arbitrary data.
const maxConfigSize = 1 << 20

// Config represents the application configuration.
type Config struct {
	// Provider selects the generation backend: gemini or openai.
	Provider string `yaml:"provider"`

	// API Keys
	GoogleAPIKey string `yaml:"google_api_key"`
	OpenAIKey    string `yaml:"openai_key"`

	// Model Configuration
	FastModel string `yaml:"fast_model"`
	DeepModel string `yaml:"deep_model"`

	// GCP Configuration (ledger backend)
	GCPProject       string `yaml:"gcp_project"`
	GCPCredentials   string `yaml:"gcp_credentials"`
	LedgerCollection string `yaml:"ledger_collection"`

	// Redis Configuration (conversation store)
	Redis RedisConfig `yaml:"redis"`

	// Pipeline Configuration
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Observability Configuration
	MetricsAddr string `yaml:"metrics_addr"`
	Debug       bool   `yaml:"debug"`
}

// RedisConfig holds the conversation store connection settings. An
// empty address keeps conversations in process memory.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// PipelineConfig holds the generation pipeline tunables.
type PipelineConfig struct {
	// CompletenessThreshold is the minimum structural completeness for
	// accepting a generated plan with defaults.
	CompletenessThreshold float64 `yaml:"completeness_threshold"`
	// ExpectedDays is the plan length in days.
	ExpectedDays int `yaml:"expected_days"`
	// MaxUserTurns caps the interview length.
	MaxUserTurns int `yaml:"max_user_turns"`
	// RequestsPerMinute throttles outbound generation requests.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// LoadConfig loads configuration from a YAML file. A missing file is
// not an error; defaults and environment variables apply either way.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if len(data) > maxConfigSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", len(data), maxConfigSize)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// Apply defaults
	if cfg.Provider == "" {
		cfg.Provider = "gemini"
	}
	if cfg.Pipeline.CompletenessThreshold == 0 {
		cfg.Pipeline.CompletenessThreshold = 0.70
	}
	if cfg.Pipeline.ExpectedDays == 0 {
		cfg.Pipeline.ExpectedDays = 7
	}
	if cfg.Pipeline.MaxUserTurns == 0 {
		cfg.Pipeline.MaxUserTurns = 20
	}
	if cfg.Pipeline.RequestsPerMinute == 0 {
		cfg.Pipeline.RequestsPerMinute = 30
	}
	if cfg.LedgerCollection == "" {
		cfg.LedgerCollection = "generation_ledger"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}

	// Load secrets from environment if not in config
	if cfg.GoogleAPIKey == "" {
		cfg.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if cfg.OpenAIKey == "" {
		cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.GCPProject == "" {
		cfg.GCPProject = os.Getenv("GCP_PROJECT")
	}
	if cfg.GCPCredentials == "" {
		cfg.GCPCredentials = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}

	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ProviderConfig returns the string-keyed settings for the configured
// provider factory.
func (c *Config) ProviderConfig() map[string]any {
	out := map[string]any{}
	switch c.Provider {
	case "openai":
		out["api_key"] = c.OpenAIKey
	default:
		out["api_key"] = c.GoogleAPIKey
	}
	if c.FastModel != "" {
		out["fast_model"] = c.FastModel
	}
	if c.DeepModel != "" {
		out["deep_model"] = c.DeepModel
	}
	return out
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Provider {
	case "gemini":
		if c.GoogleAPIKey == "" {
			return fmt.Errorf("google_api_key is required for the gemini provider")
		}
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("openai_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	if c.Pipeline.CompletenessThreshold < 0 || c.Pipeline.CompletenessThreshold > 1 {
		return fmt.Errorf("completeness_threshold must be between 0 and 1")
	}
	return nil
}
