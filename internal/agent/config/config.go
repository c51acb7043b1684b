// Package config loads and persists the agent configuration. Defaults are
// usable without any config file; a config.yaml in the data directory
// overrides them field by field. Provider credentials come from the
// environment, never from the file on disk.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopcore/agentd/internal/agent/contextwin"
	"github.com/loopcore/agentd/internal/agent/detector"
	"github.com/loopcore/agentd/internal/agent/router"
)

// Config holds the agent configuration.
type Config struct {
	// Providers is loaded from the environment, not from config.yaml.
	Providers []ProviderConfig `yaml:"-"`

	// DataDir is the platform data directory for the database and personas.
	DataDir string `yaml:"data_dir"`

	// MaxIterations is the per-turn iteration ceiling (default: 30).
	MaxIterations int `yaml:"max_iterations"`

	// AutoApprove relaxes the confirm tier; always_confirm still prompts.
	AutoApprove bool `yaml:"auto_approve"`

	// Workers bounds concurrent tool execution (default: 4).
	Workers int `yaml:"workers"`

	// ToolTimeoutSeconds is the per-tool execution deadline (default: 120).
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds"`

	// ApprovalTimeoutSeconds is how long a pending confirmation waits
	// before it resolves as a timeout denial (default: 120).
	ApprovalTimeoutSeconds int `yaml:"approval_timeout_seconds"`

	// Routing is the static model routing table.
	Routing router.Table `yaml:"routing"`

	// Context controls transcript budgeting and summarization.
	Context contextwin.Config `yaml:"context"`

	// Detector controls the repeated-state loop detector.
	Detector detector.Config `yaml:"detector"`

	// CacheThreshold is the minimum cosine similarity for a reasoning
	// cache hit (default: 0.95).
	CacheThreshold float64 `yaml:"cache_threshold"`

	// Embeddings selects the embedding backend for the detector and cache.
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// ProviderConfig holds credentials and endpoint for a single provider.
type ProviderConfig struct {
	Name    string `yaml:"name"`               // "anthropic", "openai", "ollama"
	APIKey  string `yaml:"api_key,omitempty"`  // for API providers
	BaseURL string `yaml:"base_url,omitempty"` // for Ollama (default: http://localhost:11434)
}

// EmbeddingsConfig selects the embedding backend.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"` // "openai", "ollama", or "local"
	Model    string `yaml:"model,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

// DefaultConfig returns a config with usable defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                DefaultDataDir(),
		MaxIterations:          30,
		AutoApprove:            false,
		Workers:                4,
		ToolTimeoutSeconds:     120,
		ApprovalTimeoutSeconds: 120,
		Routing: router.Table{
			Code: router.Rule{
				ModelID: "anthropic/claude-sonnet-4-5",
				Timeout: 2 * time.Minute,
			},
			Reasoning: router.Rule{
				ModelID:        "anthropic/claude-sonnet-4-5",
				Timeout:        3 * time.Minute,
				EnableThinking: true,
			},
			General: router.Rule{
				ModelID: "anthropic/claude-sonnet-4-5",
				Timeout: 2 * time.Minute,
			},
			Fallbacks: map[router.Category][]router.Rule{
				router.CategoryGeneral: {
					{ModelID: "openai/gpt-4.1", Timeout: 2 * time.Minute},
					{ModelID: "gemini/gemini-2.0-flash", Timeout: 2 * time.Minute},
					{ModelID: "ollama/qwen3", Timeout: 5 * time.Minute},
				},
			},
		},
		Context: contextwin.Config{
			Budget:     100000,
			Threshold:  contextwin.DefaultThreshold,
			KeepRecent: contextwin.DefaultKeepRecent,
		},
		Detector: detector.Config{
			Window:    detector.DefaultWindow,
			Threshold: detector.DefaultThreshold,
		},
		CacheThreshold: 0.95,
		Embeddings: EmbeddingsConfig{
			Provider: "local",
		},
	}
}

// DefaultDataDir returns the platform data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentd"
	}
	return filepath.Join(home, ".agentd")
}

// Load loads config from the data directory's config.yaml. A missing file
// is not an error; defaults apply.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	return loadInto(cfg, filepath.Join(cfg.DataDir, "config.yaml"), true)
}

// LoadFrom loads config from a specific path.
func LoadFrom(path string) (*Config, error) {
	return loadInto(DefaultConfig(), path, false)
}

func loadInto(cfg *Config, path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			cfg.loadProvidersFromEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand ~ in DataDir (config file may have a tilde path)
	if strings.HasPrefix(cfg.DataDir, "~/") {
		home, _ := os.UserHomeDir()
		cfg.DataDir = filepath.Join(home, cfg.DataDir[2:])
	}

	cfg.loadProvidersFromEnv()
	return cfg, nil
}

// Save writes the config to the data directory's config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0600)
}

// DBPath returns the path to the SQLite database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "data", "agentd.db")
}

// PersonasDir returns the directory watched for persona YAML overrides.
func (c *Config) PersonasDir() string {
	return filepath.Join(c.DataDir, "personas")
}

// EnsureDataDir creates the data directory tree if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(filepath.Join(c.DataDir, "data"), 0700); err != nil {
		return err
	}
	return os.MkdirAll(c.PersonasDir(), 0700)
}

// ToolTimeout returns the per-tool deadline as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// ApprovalTimeout returns the confirmation deadline as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

// GetProvider returns the provider config by name, or nil if not found.
func (c *Config) GetProvider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// loadProvidersFromEnv builds the provider list from environment variables.
// Ollama is always listed; it needs no credential.
func (c *Config) loadProvidersFromEnv() {
	c.Providers = c.Providers[:0]
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Providers = append(c.Providers, ProviderConfig{Name: "anthropic", APIKey: key})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Providers = append(c.Providers, ProviderConfig{Name: "openai", APIKey: key})
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Providers = append(c.Providers, ProviderConfig{Name: "gemini", APIKey: key})
	}
	baseURL := os.Getenv("OLLAMA_HOST")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	c.Providers = append(c.Providers, ProviderConfig{Name: "ollama", BaseURL: baseURL})
}
