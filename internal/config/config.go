// Package config loads and validates forge configuration from
// .forge/config.yaml with sane defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the generation backend.
type LLMConfig struct {
	Provider     string        `yaml:"provider"` // "anthropic"
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`         // Phase B executor model
	RouterModel  string        `yaml:"router_model"`  // Phase A routing model (small)
	SummaryModel string        `yaml:"summary_model"` // Post-turn summary model (small)
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxTokens    int           `yaml:"max_tokens"`
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "genai" or "ollama"
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	BatchSize      int    `yaml:"batch_size"`
	MaxInFlight    int    `yaml:"max_in_flight"` // Concurrent embedding batches
}

// RetrievalConfig tunes context assembly.
type RetrievalConfig struct {
	DocumentTopK     int `yaml:"document_top_k"`
	ConversationTopK int `yaml:"conversation_top_k"`
	AlwaysOnWindow   int `yaml:"always_on_window"` // Raw turns always in context
	MinChunkTokens   int `yaml:"min_chunk_tokens"`
	MaxChunkTokens   int `yaml:"max_chunk_tokens"`
	ParentMaxTokens  int `yaml:"parent_max_tokens"`
}

// StoreConfig configures the embedded vector store.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite file, relative to workspace
}

// SessionConfig configures conversation persistence.
type SessionConfig struct {
	Dir           string `yaml:"dir"` // Session directory, relative to workspace
	KnowledgePath string `yaml:"knowledge_path"`
	MaxToolCalls  int    `yaml:"max_tool_calls"` // Phase B loop bound
}

// LoggingConfig mirrors internal/logging's view of the config.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-5-20250514",
			RouterModel:  "claude-3-5-haiku-20241022",
			SummaryModel: "claude-3-5-haiku-20241022",
			BaseURL:      "https://api.anthropic.com/v1",
			Timeout:      5 * time.Minute,
			MaxTokens:    8192,
		},
		Embedding: EmbeddingConfig{
			Provider:       "genai",
			GenAIModel:     "gemini-embedding-001",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "nomic-embed-text",
			BatchSize:      128,
			MaxInFlight:    4,
		},
		Retrieval: RetrievalConfig{
			DocumentTopK:     4,
			ConversationTopK: 3,
			AlwaysOnWindow:   3,
			MinChunkTokens:   100,
			MaxChunkTokens:   500,
			ParentMaxTokens:  2000,
		},
		Store: StoreConfig{
			Path: filepath.Join(".forge", "vectors.db"),
		},
		Session: SessionConfig{
			Dir:           filepath.Join(".forge", "sessions"),
			KnowledgePath: filepath.Join(".forge", "knowledge.yaml"),
			MaxToolCalls:  12,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads .forge/config.yaml under the workspace, falling back to
// defaults when the file is absent. Environment variables override API
// keys so they never have to live on disk.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(workspace, ".forge", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Embedding.GenAIAPIKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config back to .forge/config.yaml.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".forge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}

func (c *Config) validate() error {
	if c.Retrieval.MinChunkTokens >= c.Retrieval.MaxChunkTokens {
		return fmt.Errorf("config: min_chunk_tokens (%d) must be below max_chunk_tokens (%d)",
			c.Retrieval.MinChunkTokens, c.Retrieval.MaxChunkTokens)
	}
	if c.Retrieval.AlwaysOnWindow < 0 {
		return fmt.Errorf("config: always_on_window must be non-negative")
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("config: embedding batch_size must be positive")
	}
	if c.Session.MaxToolCalls <= 0 {
		return fmt.Errorf("config: max_tool_calls must be positive")
	}
	return nil
}
