// Package config holds the fiscat configuration model.
// Configuration is loaded from a YAML file with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fiscat configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Hierarchy source
	Hierarchy HierarchyConfig `yaml:"hierarchy"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Vector indexes (main corpus + golden set)
	VectorStore VectorStoreConfig `yaml:"vector_store"`

	// Golden set store
	Golden GoldenConfig `yaml:"golden"`

	// Hybrid retrieval tuning
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Classification pipeline
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Continuous learning / promotion
	Learning LearningConfig `yaml:"learning"`

	// Stage LLM backend
	LLM LLMConfig `yaml:"llm"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// HierarchyConfig configures the code hierarchy source.
type HierarchyConfig struct {
	// SQLite database holding category codes and sub-code mappings
	DatabasePath string `yaml:"database_path"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	TaskType       string `yaml:"task_type"`
}

// VectorStoreConfig configures the two similarity indexes.
type VectorStoreConfig struct {
	MainPath   string `yaml:"main_path"`
	GoldenPath string `yaml:"golden_path"`
}

// GoldenConfig configures the golden set store.
type GoldenConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// RetrievalConfig configures hybrid retrieval.
type RetrievalConfig struct {
	KMain         int     `yaml:"k_main"`         // results from the main corpus
	KGolden       int     `yaml:"k_golden"`       // results from the golden set
	GoldenWeight  float64 `yaml:"golden_weight"`  // multiplier for golden scores (> 1.0)
	SourceTimeout string  `yaml:"source_timeout"` // per-source query timeout
}

// PipelineConfig configures stage execution.
type PipelineConfig struct {
	StageTimeout string `yaml:"stage_timeout"` // per-stage call timeout
	MaxParallel  int    `yaml:"max_parallel"`  // batch classification worker pool size
}

// LearningConfig configures golden set promotion.
type LearningConfig struct {
	MinBatch           int     `yaml:"min_batch"`           // minimum pending entries before promotion
	InheritedConfScale float64 `yaml:"inherited_conf_scale"` // confidence scaling for inherited mappings
}

// LLMConfig configures the stage LLM backend.
type LLMConfig struct {
	Provider string `yaml:"provider"` // ollama, genai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "fiscat",
		Version: "0.3.0",

		Hierarchy: HierarchyConfig{
			DatabasePath: "data/hierarchy.db",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		VectorStore: VectorStoreConfig{
			MainPath:   "data/corpus.db",
			GoldenPath: "data/golden_index.db",
		},

		Golden: GoldenConfig{
			DatabasePath: "data/golden_set.db",
		},

		Retrieval: RetrievalConfig{
			KMain:         3,
			KGolden:       2,
			GoldenWeight:  1.5,
			SourceTimeout: "10s",
		},

		Pipeline: PipelineConfig{
			StageTimeout: "120s",
			MaxParallel:  4,
		},

		Learning: LearningConfig{
			MinBatch:           10,
			InheritedConfScale: 0.8,
		},

		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1",
			BaseURL:  "http://localhost:11434",
			Timeout:  "120s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "fiscat.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.LLM.Provider == "genai" {
			c.LLM.APIKey = key
		}
	}
	if key := os.Getenv("FISCAT_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if url := os.Getenv("OLLAMA_HOST"); url != "" {
		c.Embedding.OllamaEndpoint = url
		if c.LLM.Provider == "ollama" {
			c.LLM.BaseURL = url
		}
	}
	if path := os.Getenv("FISCAT_HIERARCHY_DB"); path != "" {
		c.Hierarchy.DatabasePath = path
	}
	if path := os.Getenv("FISCAT_GOLDEN_DB"); path != "" {
		c.Golden.DatabasePath = path
	}
}

// GetStageTimeout returns the stage timeout as a duration.
func (c *Config) GetStageTimeout() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.StageTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetSourceTimeout returns the retrieval source timeout as a duration.
func (c *Config) GetSourceTimeout() time.Duration {
	d, err := time.ParseDuration(c.Retrieval.SourceTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// ValidProviders lists supported embedding/LLM providers.
var ValidProviders = []string{"ollama", "genai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Retrieval.KMain < 0 || c.Retrieval.KGolden < 0 {
		return fmt.Errorf("retrieval k values must be non-negative")
	}
	if c.Retrieval.GoldenWeight <= 0 {
		return fmt.Errorf("golden_weight must be positive, got %v", c.Retrieval.GoldenWeight)
	}
	if c.Learning.MinBatch < 1 {
		return fmt.Errorf("learning min_batch must be at least 1, got %d", c.Learning.MinBatch)
	}
	if c.Learning.InheritedConfScale <= 0 || c.Learning.InheritedConfScale > 1 {
		return fmt.Errorf("inherited_conf_scale must be in (0, 1], got %v", c.Learning.InheritedConfScale)
	}
	if c.Pipeline.MaxParallel < 1 {
		return fmt.Errorf("pipeline max_parallel must be at least 1, got %d", c.Pipeline.MaxParallel)
	}
	valid := false
	for _, p := range ValidProviders {
		if c.Embedding.Provider == p {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}
	return nil
}
