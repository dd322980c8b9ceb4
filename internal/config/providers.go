package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	ProviderOpenAI           = "openai"
	ProviderAnthropic        = "anthropic"
	ProviderOpenAICompatible = "openai_compatible"
)

const defaultMaxOutputTokens = 2048

// GenerationConfig configures the generative backends.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config.
//   - Exactly one provider model is the default; it serves every mode.
type GenerationConfig struct {
	Providers []Provider `yaml:"providers,omitempty"`

	// MaxOutputTokens caps one response. Defaults to 2048.
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`
}

type Provider struct {
	// ID is a stable internal id. It must not contain "/".
	ID string `yaml:"id"`

	// Name is a human-friendly display name.
	Name string `yaml:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL overrides the provider endpoint (example: "https://api.openai.com/v1").
	// Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names an environment variable holding this provider's key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	Models []ProviderModel `yaml:"models,omitempty"`
}

type ProviderModel struct {
	ModelName string `yaml:"model_name"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `yaml:"is_default,omitempty"`
}

func (c *GenerationConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.MaxOutputTokens < 0 {
		return fmt.Errorf("invalid max_output_tokens %d", c.MaxOutputTokens)
	}
	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case ProviderOpenAI, ProviderAnthropic, ProviderOpenAICompatible:
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == ProviderOpenAICompatible && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			if err := validateBaseURL(baseURL); err != nil {
				return fmt.Errorf("providers[%d]: %w", i, err)
			}
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if strings.Contains(name, "/") {
				return fmt.Errorf("providers[%d].models[%d]: invalid model_name %q (must not contain /)", i, j, name)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if m.IsDefault {
				defaultCount++
			}
		}
	}

	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("invalid base_url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("invalid base_url host")
	}
	return nil
}

// Provider looks a provider up by id.
func (c *GenerationConfig) Provider(id string) (Provider, bool) {
	if c == nil {
		return Provider{}, false
	}
	id = strings.TrimSpace(id)
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == id {
			return p, true
		}
	}
	return Provider{}, false
}

// DefaultModel returns the provider and model name marked default.
//
// It assumes Validate() has passed. When config is incomplete, ok is false.
func (c *GenerationConfig) DefaultModel() (p Provider, model string, ok bool) {
	if c == nil {
		return Provider{}, "", false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == "" {
			continue
		}
		for _, m := range p.Models {
			if m.IsDefault && strings.TrimSpace(m.ModelName) != "" {
				return p, strings.TrimSpace(m.ModelName), true
			}
		}
	}
	return Provider{}, "", false
}

// SetDefaultModel moves the default flag to the model named by a
// "<provider_id>/<model_name>" wire id.
func (c *GenerationConfig) SetDefaultModel(modelID string) error {
	pid, mn, ok := strings.Cut(strings.TrimSpace(modelID), "/")
	pid = strings.TrimSpace(pid)
	mn = strings.TrimSpace(mn)
	if !ok || pid == "" || mn == "" {
		return fmt.Errorf("invalid model id %q (want <provider_id>/<model_name>)", modelID)
	}
	pi, mi := -1, -1
	for i, p := range c.Providers {
		if strings.TrimSpace(p.ID) != pid {
			continue
		}
		pi = i
		for j, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == mn {
				mi = j
			}
		}
	}
	if pi < 0 || mi < 0 {
		return fmt.Errorf("model %q is not configured", modelID)
	}
	for i := range c.Providers {
		for j := range c.Providers[i].Models {
			c.Providers[i].Models[j].IsDefault = i == pi && j == mi
		}
	}
	return nil
}

func (c *GenerationConfig) EffectiveMaxOutputTokens() int {
	if c == nil || c.MaxOutputTokens <= 0 {
		return defaultMaxOutputTokens
	}
	return c.MaxOutputTokens
}
