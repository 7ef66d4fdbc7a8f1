package embedding

import (
	"fmt"

	"github.com/c360studio/eiaudit/legal"
)

// Provider names.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config selects an embedding provider.
type Config struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`

	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
}

// DefaultConfig returns the Gemini embedder the legal store was built with.
func DefaultConfig() Config {
	return Config{
		Provider:  ProviderGemini,
		Model:     "text-embedding-004",
		APIKeyEnv: "GOOGLE_API_KEY",
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderOllama:
		return nil
	case "":
		return fmt.Errorf("embedding provider is required")
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Provider)
	}
}

// New creates the configured embedder. getenv resolves APIKeyEnv; a
// configured but unset credential is an error.
func New(cfg Config, getenv func(string) string, opts ...Option) (legal.Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("credential %s is not set", cfg.APIKeyEnv)
		}
	}

	switch cfg.Provider {
	case ProviderGemini:
		return NewGemini(apiKey, cfg.Model, cfg.URL, opts...), nil
	case ProviderOllama:
		url := cfg.URL
		if url == "" {
			url = "http://localhost:11434/v1"
		}
		return NewOpenAI(apiKey, cfg.Model, url, opts...), nil
	default:
		return NewOpenAI(apiKey, cfg.Model, cfg.URL, opts...), nil
	}
}
