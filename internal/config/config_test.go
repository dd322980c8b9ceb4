package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validGeneration() GenerationConfig {
	return GenerationConfig{
		Providers: []Provider{
			{
				ID:      "openai",
				Name:    "OpenAI",
				Type:    ProviderOpenAI,
				BaseURL: "https://api.openai.com/v1",
				Models:  []ProviderModel{{ModelName: "gpt-5-mini", IsDefault: true}, {ModelName: "gpt-4o-mini"}},
			},
			{
				ID:     "anthropic",
				Type:   ProviderAnthropic,
				Models: []ProviderModel{{ModelName: "claude-sonnet-4-5"}},
			},
		},
	}
}

func TestGenerationConfigValidate(t *testing.T) {
	t.Parallel()

	ok := validGeneration()
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := map[string]func(c *GenerationConfig){
		"no models":         func(c *GenerationConfig) { c.Providers[0].Models = nil },
		"no default":        func(c *GenerationConfig) { c.Providers[0].Models[0].IsDefault = false },
		"two defaults":      func(c *GenerationConfig) { c.Providers[1].Models[0].IsDefault = true },
		"bad type":          func(c *GenerationConfig) { c.Providers[0].Type = "cohere" },
		"duplicate id":      func(c *GenerationConfig) { c.Providers[1].ID = "openai" },
		"slash in id":       func(c *GenerationConfig) { c.Providers[0].ID = "a/b" },
		"bad scheme":        func(c *GenerationConfig) { c.Providers[0].BaseURL = "ftp://x" },
		"compatible no url": func(c *GenerationConfig) { c.Providers[1].Type = ProviderOpenAICompatible },
		"duplicate model": func(c *GenerationConfig) {
			c.Providers[0].Models = append(c.Providers[0].Models, ProviderModel{ModelName: "gpt-4o-mini"})
		},
	}
	for name, mutate := range cases {
		c := validGeneration()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestGenerationConfig_DefaultModel(t *testing.T) {
	t.Parallel()

	c := validGeneration()
	p, model, ok := c.DefaultModel()
	if !ok || p.ID != "openai" || model != "gpt-5-mini" {
		t.Fatalf("DefaultModel=%s/%s ok=%v", p.ID, model, ok)
	}
	if err := c.SetDefaultModel("anthropic/claude-sonnet-4-5"); err != nil {
		t.Fatalf("SetDefaultModel: %v", err)
	}
	p, model, _ = c.DefaultModel()
	if p.ID != "anthropic" || model != "claude-sonnet-4-5" {
		t.Fatalf("DefaultModel=%s/%s", p.ID, model)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("exactly one default expected after switch: %v", err)
	}
	if err := c.SetDefaultModel("anthropic/unknown"); err == nil {
		t.Fatalf("expected unknown model error")
	}
	if err := c.SetDefaultModel("nomodel"); err == nil {
		t.Fatalf("expected malformed id error")
	}
	if got := c.EffectiveMaxOutputTokens(); got != 2048 {
		t.Fatalf("EffectiveMaxOutputTokens=%d, want 2048", got)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvPrefix+"DATA_DIR", "")
	t.Setenv(EnvPrefix+"MODEL", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HistoryCapacity != 10 || cfg.Embedding.Type != EmbeddingHash || cfg.Embedding.Dimensions != 256 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Timeouts.Generation != 60*time.Second || cfg.Timeouts.Retrieval != 10*time.Second {
		t.Fatalf("Timeouts=%+v", cfg.Timeouts)
	}
	if _, _, ok := cfg.Generation.DefaultModel(); ok {
		t.Fatalf("no provider expected by default")
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
data_dir: ` + filepath.Join(dir, "data") + `
log_level: info
history_capacity: 6
generation:
  providers:
    - id: openai
      type: openai
      models:
        - model_name: gpt-5-mini
          is_default: true
        - model_name: gpt-4o-mini
retrieval:
  max_context_tokens: 1500
  initial_backoff: 50ms
timeouts:
  generation: 30s
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(EnvPrefix+"DATA_DIR", "")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "debug")
	t.Setenv(EnvPrefix+"MODEL", "openai/gpt-4o-mini")
	t.Setenv(EnvPrefix+"RETRIEVAL_TIMEOUT", "2s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.HistoryCapacity != 6 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Retrieval.MaxContextTokens != 1500 || cfg.Retrieval.InitialBackoff != 50*time.Millisecond {
		t.Fatalf("Retrieval=%+v", cfg.Retrieval)
	}
	if cfg.Timeouts.Generation != 30*time.Second || cfg.Timeouts.Retrieval != 2*time.Second {
		t.Fatalf("Timeouts=%+v", cfg.Timeouts)
	}
	if _, model, _ := cfg.Generation.DefaultModel(); model != "gpt-4o-mini" {
		t.Fatalf("default model=%q, want env override", model)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv(EnvPrefix+"MODEL", "")
	t.Setenv(EnvPrefix+"LOG_FORMAT", "xml")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "log_format") {
		t.Fatalf("err=%v, want log_format error", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv(EnvPrefix+"DATA_DIR", "")
	t.Setenv(EnvPrefix+"MODEL", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")
	cfg := Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Generation = validGeneration()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("perm=%v, want 0600", st.Mode().Perm())
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DataDir != cfg.DataDir || len(got.Generation.Providers) != 2 || got.Timeouts != cfg.Timeouts {
		t.Fatalf("round trip=%+v", got)
	}
}

func TestSecrets_APIKeyFor(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("LOREKEEPER_API_KEY", "")
	t.Setenv("LOCAL_LLM_KEY", "sk-local")

	s, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if got := s.APIKeyFor(Provider{Type: ProviderOpenAI}); got != "sk-openai" {
		t.Fatalf("openai key=%q", got)
	}
	if got := s.APIKeyFor(Provider{Type: ProviderAnthropic}); got != "sk-ant" {
		t.Fatalf("anthropic key=%q", got)
	}
	if got := s.APIKeyFor(Provider{Type: ProviderOpenAICompatible, APIKeyEnv: "LOCAL_LLM_KEY"}); got != "sk-local" {
		t.Fatalf("compatible key=%q", got)
	}
}
