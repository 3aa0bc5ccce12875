// Package config loads brainvault settings from ~/.brainvault/config.json
// and the environment.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/DatanoiseTV/brainvault/internal/logging"
)

const (
	DirName  = ".brainvault"
	FileName = "config.json"

	DefaultMaxMemories         = 10
	DefaultMemory              = "public"
	DefaultEmbeddingProvider   = "hash"
	DefaultSearchWorkers       = 4
	DefaultPerArchiveTimeoutMs = 5000
	DefaultSearchLimit         = 20
	DefaultMaxSearchLimit      = 100
	DefaultLMStudioBaseURL     = "http://localhost:1234/v1"
	DefaultLogLevel            = "info"
)

// Config holds application configuration.
type Config struct {
	DataDir            string       `json:"data_dir,omitempty"`
	MaxMemories        int          `json:"max_memories,omitempty"`
	DefaultMemory      string       `json:"default_memory,omitempty"`
	RequireEmptyDelete bool         `json:"require_empty_delete,omitempty"`
	Search             SearchConfig `json:"search,omitempty"`
	EmbeddingProvider  string       `json:"embedding_provider,omitempty"` // "hash", "gemini" or "openai"
	Gemini             GeminiConfig `json:"gemini,omitempty"`
	OpenAI             OpenAIConfig `json:"openai,omitempty"`
	LogLevel           string       `json:"log_level,omitempty"`
	MetricsAddr        string       `json:"metrics_addr,omitempty"`
	HTTPAddr           string       `json:"http_addr,omitempty"`
}

// SearchConfig tunes federated search.
type SearchConfig struct {
	Workers             int `json:"workers,omitempty"`
	PerArchiveTimeoutMs int `json:"per_archive_timeout_ms,omitempty"`
	DefaultLimit        int `json:"default_limit,omitempty"`
	MaxLimit            int `json:"max_limit,omitempty"`
}

// PerArchiveTimeout is the per-memory search deadline.
func (s SearchConfig) PerArchiveTimeout() time.Duration {
	return time.Duration(s.PerArchiveTimeoutMs) * time.Millisecond
}

// GeminiConfig holds Gemini model settings.
type GeminiConfig struct {
	APIKey         string `json:"api_key,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

// OpenAIConfig holds settings for an OpenAI-compatible embeddings endpoint,
// such as LM Studio.
type OpenAIConfig struct {
	BaseURL        string `json:"base_url,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

// DefaultPath is ~/.brainvault/config.json.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, DirName, FileName), nil
}

// Load reads the config file at path, or the default path when empty, then
// applies environment overrides and defaults. A missing file is not an
// error. Comments and trailing commas are allowed in the file.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		logger.Debug("loaded config", "path", path)
	case os.IsNotExist(err):
		logger.Debug("config file not found, using defaults and environment variables", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(cfg, logger)
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, logger *slog.Logger) {
	if dir := os.Getenv("BRAINVAULT_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if s := os.Getenv("MAX_MEMORIES"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.MaxMemories = n
		} else {
			logger.Warn("ignoring invalid MAX_MEMORIES", "value", s)
		}
	}
	if s := os.Getenv("BRAINVAULT_REQUIRE_EMPTY_DELETE"); s != "" {
		cfg.RequireEmptyDelete = s == "1" || s == "true"
	}

	if provider := os.Getenv("EMBEDDING_PROVIDER"); provider != "" {
		cfg.EmbeddingProvider = provider
	}
	if geminiKey := os.Getenv("GEMINI_API_KEY"); geminiKey != "" {
		cfg.Gemini.APIKey = geminiKey
	}
	if embModel := os.Getenv("GEMINI_EMBEDDING_MODEL"); embModel != "" {
		cfg.Gemini.EmbeddingModel = embModel
	}
	if baseURL := os.Getenv("LMSTUDIO_BASE_URL"); baseURL != "" {
		cfg.OpenAI.BaseURL = baseURL
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.OpenAI.BaseURL = baseURL
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.OpenAI.APIKey = apiKey
	}
	if model := os.Getenv("OPENAI_EMBEDDING_MODEL"); model != "" {
		cfg.OpenAI.EmbeddingModel = model
	}

	if level := os.Getenv("BRAINVAULT_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if addr := os.Getenv("BRAINVAULT_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if addr := os.Getenv("BRAINVAULT_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
}

func applyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DirName, "data")
	}
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = DefaultMaxMemories
	}
	if cfg.DefaultMemory == "" {
		cfg.DefaultMemory = DefaultMemory
	}
	if cfg.EmbeddingProvider == "" {
		cfg.EmbeddingProvider = DefaultEmbeddingProvider
	}
	if cfg.EmbeddingProvider == "lmstudio" {
		cfg.EmbeddingProvider = "openai"
		if cfg.OpenAI.BaseURL == "" {
			cfg.OpenAI.BaseURL = DefaultLMStudioBaseURL
		}
	}
	if cfg.Search.Workers <= 0 {
		cfg.Search.Workers = DefaultSearchWorkers
	}
	if cfg.Search.PerArchiveTimeoutMs <= 0 {
		cfg.Search.PerArchiveTimeoutMs = DefaultPerArchiveTimeoutMs
	}
	if cfg.Search.MaxLimit <= 0 {
		cfg.Search.MaxLimit = DefaultMaxSearchLimit
	}
	if cfg.Search.DefaultLimit <= 0 {
		cfg.Search.DefaultLimit = DefaultSearchLimit
	}
	if cfg.Search.DefaultLimit > cfg.Search.MaxLimit {
		cfg.Search.DefaultLimit = cfg.Search.MaxLimit
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	return nil
}

// Save writes cfg to path, or the default path when empty.
func Save(cfg *Config, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}

	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	logger.Info("saved config", "path", path)
	return nil
}
