package llm

import (
	"os"
	"sort"
	"strings"
	"time"
)

// ProviderConfig describes one OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey    string   `mapstructure:"api_key"`
	APIKeyEnv string   `mapstructure:"api_key_env"`
	BaseURL   string   `mapstructure:"base_url"`
	Models    []string `mapstructure:"models"`
}

// Key resolves the API key, preferring the explicit value over the
// environment variable.
func (p ProviderConfig) Key() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
	}
	return ""
}

type Config struct {
	Default   string                    `mapstructure:"default"`
	Timeout   time.Duration             `mapstructure:"timeout"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// BuiltinProviders are known out of the box; configured entries override
// individual fields.
func BuiltinProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai": {
			APIKeyEnv: "OPENAI_API_KEY",
			Models:    []string{"gpt-4o", "gpt-4-turbo", "gpt-3.5-turbo"},
		},
		"gemini": {
			APIKeyEnv: "GEMINI_API_KEY",
			BaseURL:   "https://generativelanguage.googleapis.com/v1beta/openai",
			Models:    []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-1.0-pro"},
		},
		"deepseek": {
			APIKeyEnv: "DEEPSEEK_API_KEY",
			BaseURL:   "https://api.deepseek.com/v1",
			Models:    []string{"deepseek-coder", "deepseek-chat"},
		},
		"kimi": {
			APIKeyEnv: "KIMI_API_KEY",
			BaseURL:   "https://openrouter.ai/api/v1",
			Models:    []string{"moonshotai/kimi-k2:free"},
		},
	}
}

// mergeProviders overlays configured providers onto the built-in set.
func mergeProviders(conf map[string]ProviderConfig) map[string]ProviderConfig {
	out := BuiltinProviders()
	for name, c := range conf {
		name = strings.ToLower(strings.TrimSpace(name))
		base := out[name]
		if c.APIKey != "" {
			base.APIKey = c.APIKey
		}
		if c.APIKeyEnv != "" {
			base.APIKeyEnv = c.APIKeyEnv
		}
		if c.BaseURL != "" {
			base.BaseURL = c.BaseURL
		}
		if len(c.Models) > 0 {
			base.Models = append([]string(nil), c.Models...)
		}
		out[name] = base
	}
	return out
}

func sortedNames(m map[string]ProviderConfig) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
