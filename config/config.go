// Package config loads the YAML configuration file. Values may reference
// environment variables as ${NAME}; they are expanded before decoding.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"github.com/ka1naas/Research-Engram/adversarial"
	"github.com/ka1naas/Research-Engram/consolidation"
	"github.com/ka1naas/Research-Engram/dialogue"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level"`

	LLM           LLM           `yaml:"llm"`
	Embedder      Embedder      `yaml:"embedder"`
	Index         Index         `yaml:"index"`
	Memory        Memory        `yaml:"memory"`
	Profile       Profile       `yaml:"profile"`
	Consolidation Consolidation `yaml:"consolidation"`
	Adversarial   Adversarial   `yaml:"adversarial"`
	Dialogue      Dialogue      `yaml:"dialogue"`
	Server        Server        `yaml:"server"`
}

type LLM struct {
	// Provider is one of anthropic, gemini, openai.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// BaseURL points the openai provider at a compatible endpoint.
	BaseURL string `yaml:"base_url"`

	// Project and Location select Vertex AI for the gemini provider.
	Project  string `yaml:"project"`
	Location string `yaml:"location"`

	MaxTokens   int64    `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`

	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
}

type Embedder struct {
	// Provider is one of hash, gemini, onnx.
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`

	// CacheSize is the number of cached embeddings. 0 disables the cache.
	CacheSize int64 `yaml:"cache_size"`

	LibraryPath   string `yaml:"library_path"`
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
}

type Index struct {
	// Path persists the index. Empty keeps it in memory.
	Path       string `yaml:"path"`
	Compress   bool   `yaml:"compress"`
	Collection string `yaml:"collection"`
}

type Memory struct {
	DistanceThreshold float64 `yaml:"distance_threshold"`
	FilterFetchFactor int     `yaml:"filter_fetch_factor"`
	WindowLimit       int     `yaml:"window_limit"`
}

type Profile struct {
	// Backend is one of memory, sqlite, firestore.
	Backend string `yaml:"backend"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	Project  string `yaml:"project"`
	Database string `yaml:"database"`
}

type Consolidation struct {
	Interval          time.Duration `yaml:"interval"`
	Concurrency       int           `yaml:"concurrency"`
	UseInteractionLog bool          `yaml:"use_interaction_log"`
	EvidenceMaxLen    int           `yaml:"evidence_max_len"`
}

type Adversarial struct {
	MaxQueries        int `yaml:"max_queries"`
	ConflictThreshold int `yaml:"conflict_threshold"`
}

type Dialogue struct {
	HistoryLimit  int `yaml:"history_limit"`
	SearchResults int `yaml:"search_results"`
	MaxToolCalls  int `yaml:"max_tool_calls"`
}

type Server struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		LLM: LLM{
			Provider:  "anthropic",
			Timeout:   60 * time.Second,
			RateLimit: 2,
			Burst:     4,
		},
		Embedder: Embedder{
			Provider:  "hash",
			CacheSize: 10000,
		},
		Index: Index{
			Collection: "traces",
		},
		Memory: Memory{
			DistanceThreshold: memory.DefaultConfig.DistanceThreshold,
			FilterFetchFactor: memory.DefaultConfig.FilterFetchFactor,
			WindowLimit:       memory.DefaultConfig.WindowLimit,
		},
		Profile: Profile{
			Backend: "memory",
		},
		Consolidation: Consolidation{
			Interval:       consolidation.DefaultConfig.Interval,
			Concurrency:    consolidation.DefaultConfig.Concurrency,
			EvidenceMaxLen: consolidation.DefaultConfig.EvidenceMaxLen,
		},
		Adversarial: Adversarial{
			MaxQueries:        adversarial.DefaultConfig.MaxQueries,
			ConflictThreshold: adversarial.DefaultConfig.ConflictThreshold,
		},
		Dialogue: Dialogue{
			HistoryLimit:  dialogue.DefaultConfig.HistoryLimit,
			SearchResults: dialogue.DefaultConfig.SearchResults,
			MaxToolCalls:  dialogue.DefaultConfig.MaxToolCalls,
		},
		Server: Server{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads path on top of Default. An empty path returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config", goerr.V("path", path))
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load config", goerr.V("path", path))
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, goerr.Wrap(err, "failed to decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated values and ranges.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "gemini", "openai":
	default:
		return goerr.New("unknown llm provider", goerr.V("provider", c.LLM.Provider))
	}

	switch c.Embedder.Provider {
	case "hash", "gemini", "onnx":
	default:
		return goerr.New("unknown embedder provider", goerr.V("provider", c.Embedder.Provider))
	}
	if c.Embedder.Provider == "onnx" && c.Embedder.ModelPath == "" {
		return goerr.New("onnx embedder requires model_path")
	}

	switch c.Profile.Backend {
	case "memory":
	case "sqlite":
		if c.Profile.Path == "" {
			return goerr.New("sqlite profile backend requires path")
		}
	case "firestore":
		if c.Profile.Project == "" {
			return goerr.New("firestore profile backend requires project")
		}
	default:
		return goerr.New("unknown profile backend", goerr.V("backend", c.Profile.Backend))
	}

	if c.Memory.DistanceThreshold <= 0 {
		return goerr.New("distance_threshold must be positive", goerr.V("value", c.Memory.DistanceThreshold))
	}
	if c.Adversarial.ConflictThreshold < 0 || c.Adversarial.ConflictThreshold > 10 {
		return goerr.New("conflict_threshold must be within 0-10", goerr.V("value", c.Adversarial.ConflictThreshold))
	}
	return nil
}

// StoreConfig returns the memory store configuration.
func (c *Config) StoreConfig() *memory.Config {
	return &memory.Config{
		DistanceThreshold: c.Memory.DistanceThreshold,
		FilterFetchFactor: c.Memory.FilterFetchFactor,
		WindowLimit:       c.Memory.WindowLimit,
	}
}

// ConsolidationConfig returns the consolidation configuration.
func (c *Config) ConsolidationConfig() *consolidation.Config {
	return &consolidation.Config{
		UseInteractionLog: c.Consolidation.UseInteractionLog,
		Concurrency:       c.Consolidation.Concurrency,
		Interval:          c.Consolidation.Interval,
		WindowLimit:       c.Memory.WindowLimit,
		EvidenceMaxLen:    c.Consolidation.EvidenceMaxLen,
	}
}

// AdversarialConfig returns the adversarial pipeline configuration.
func (c *Config) AdversarialConfig() *adversarial.Config {
	cfg := *adversarial.DefaultConfig
	cfg.MaxQueries = c.Adversarial.MaxQueries
	cfg.ConflictThreshold = c.Adversarial.ConflictThreshold
	return &cfg
}

// DialogueConfig returns the orchestrator configuration.
func (c *Config) DialogueConfig() *dialogue.Config {
	cfg := *dialogue.DefaultConfig
	cfg.HistoryLimit = c.Dialogue.HistoryLimit
	cfg.SearchResults = c.Dialogue.SearchResults
	cfg.MaxToolCalls = c.Dialogue.MaxToolCalls
	return &cfg
}
