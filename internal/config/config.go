package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every lorekeeper environment override.
const EnvPrefix = "LOREKEEPER_"

const (
	defaultHistoryCapacity   = 10
	defaultRetrievalTimeout  = 10 * time.Second
	defaultGenerationTimeout = 60 * time.Second
	defaultHashDimensions    = 256
)

// Config is the on-disk configuration for lorekeeper.
//
// NOTE: API keys never live in this file. They come from the environment (see Secrets).
type Config struct {
	// DataDir holds the world database, the similarity index and the audit log.
	DataDir string `yaml:"data_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	// HistoryCapacity bounds the recent turns kept per session.
	HistoryCapacity int `yaml:"history_capacity,omitempty"`

	Generation GenerationConfig `yaml:"generation"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	Audit      AuditConfig      `yaml:"audit"`
}

type RetrievalConfig struct {
	MaxContextTokens int           `yaml:"max_context_tokens,omitempty"`
	LoreLimit        int           `yaml:"lore_limit,omitempty"`
	WorldEditLimit   int           `yaml:"world_edit_limit,omitempty"`
	RulesLimit       int           `yaml:"rules_limit,omitempty"`
	MaxAttempts      int           `yaml:"max_attempts,omitempty"`
	InitialBackoff   time.Duration `yaml:"initial_backoff,omitempty"`
}

const (
	EmbeddingHash   = "hash"
	EmbeddingOpenAI = "openai"
)

// EmbeddingConfig selects the embedder. "hash" runs offline; "openai" calls the
// embeddings endpoint of an openai or openai_compatible provider.
type EmbeddingConfig struct {
	Type string `yaml:"type,omitempty"`
	// ProviderID names the generation provider whose endpoint and key are reused.
	ProviderID string `yaml:"provider_id,omitempty"`
	Model      string `yaml:"model,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
}

// TimeoutConfig bounds the blocking calls of a turn. Exceeding either fails the turn.
type TimeoutConfig struct {
	Retrieval  time.Duration `yaml:"retrieval,omitempty"`
	Generation time.Duration `yaml:"generation,omitempty"`
}

type AuditConfig struct {
	Disabled   bool  `yaml:"disabled,omitempty"`
	MaxBytes   int64 `yaml:"max_bytes,omitempty"`
	MaxBackups int   `yaml:"max_backups,omitempty"`
}

// overrides are environment values that win over the file.
type overrides struct {
	DataDir   string `env:"DATA_DIR"`
	LogFormat string `env:"LOG_FORMAT"`
	LogLevel  string `env:"LOG_LEVEL"`
	// Model is a "<provider_id>/<model_name>" wire id that becomes the default model.
	Model             string        `env:"MODEL"`
	EmbeddingType     string        `env:"EMBEDDING"`
	RetrievalTimeout  time.Duration `env:"RETRIEVAL_TIMEOUT"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT"`
}

// Secrets are provider credentials read from the environment only.
type Secrets struct {
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	// APIKey, when set, is used for every provider.
	APIKey string `env:"LOREKEEPER_API_KEY"`
}

// LoadSecrets reads provider credentials from the environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// APIKeyFor returns the key for a provider. A provider's api_key_env wins, then
// LOREKEEPER_API_KEY, then the vendor variable matching its type.
func (s Secrets) APIKeyFor(p Provider) string {
	if name := strings.TrimSpace(p.APIKeyEnv); name != "" {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(s.APIKey); v != "" {
		return v
	}
	if strings.TrimSpace(p.Type) == ProviderAnthropic {
		return strings.TrimSpace(s.AnthropicAPIKey)
	}
	return strings.TrimSpace(s.OpenAIAPIKey)
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("missing data_dir")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.HistoryCapacity < 0 {
		return fmt.Errorf("invalid history_capacity %d", c.HistoryCapacity)
	}
	if c.Timeouts.Retrieval < 0 || c.Timeouts.Generation < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Retrieval.MaxAttempts < 0 || c.Retrieval.MaxAttempts > 10 {
		return fmt.Errorf("invalid retrieval.max_attempts %d (must be in [0,10])", c.Retrieval.MaxAttempts)
	}
	if len(c.Generation.Providers) > 0 {
		if err := c.Generation.Validate(); err != nil {
			return fmt.Errorf("invalid generation: %w", err)
		}
	}
	switch strings.TrimSpace(c.Embedding.Type) {
	case "", EmbeddingHash:
	case EmbeddingOpenAI:
		p, ok := c.Generation.Provider(c.Embedding.ProviderID)
		if !ok {
			return fmt.Errorf("embedding.provider_id %q is not a configured provider", c.Embedding.ProviderID)
		}
		if p.Type == ProviderAnthropic {
			return errors.New("embedding provider must be openai or openai_compatible")
		}
	default:
		return fmt.Errorf("invalid embedding.type %q", c.Embedding.Type)
	}
	return nil
}

// Default returns a config that runs offline: hash embeddings, no providers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.HistoryCapacity == 0 {
		c.HistoryCapacity = defaultHistoryCapacity
	}
	if c.Timeouts.Retrieval == 0 {
		c.Timeouts.Retrieval = defaultRetrievalTimeout
	}
	if c.Timeouts.Generation == 0 {
		c.Timeouts.Generation = defaultGenerationTimeout
	}
	if strings.TrimSpace(c.Embedding.Type) == "" {
		c.Embedding.Type = EmbeddingHash
	}
	if c.Embedding.Type == EmbeddingHash && c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = defaultHashDimensions
	}
}

func (c *Config) applyOverrides(o overrides) error {
	if v := strings.TrimSpace(o.DataDir); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(o.LogFormat); v != "" {
		c.LogFormat = v
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(o.EmbeddingType); v != "" {
		c.Embedding.Type = v
	}
	if o.RetrievalTimeout > 0 {
		c.Timeouts.Retrieval = o.RetrievalTimeout
	}
	if o.GenerationTimeout > 0 {
		c.Timeouts.Generation = o.GenerationTimeout
	}
	if v := strings.TrimSpace(o.Model); v != "" {
		if err := c.Generation.SetDefaultModel(v); err != nil {
			return fmt.Errorf("%sMODEL: %w", EnvPrefix, err)
		}
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.lorekeeper/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "lorekeeper.config.yaml"
	}
	return filepath.Join(home, ".lorekeeper", "config.yaml")
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "lorekeeper-data"
	}
	return filepath.Join(home, ".lorekeeper", "data")
}

// Load reads the YAML file at path, applies LOREKEEPER_* overrides and defaults, and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	var o overrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.applyOverrides(o); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
