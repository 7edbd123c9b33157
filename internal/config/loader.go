package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Environment variables recognized by the broker.
const (
	EnvEmbeddingAPIKey    = "EMBEDDING_API_KEY" //nolint:gosec // variable name, not a credential
	EnvEmbeddingBaseURL   = "EMBEDDING_BASE_URL"
	EnvEmbeddingModelName = "EMBEDDING_MODEL_NAME"
	EnvEmbeddingDimension = "EMBEDDING_VECTOR_DIMENSION"
	EnvRetrieverTopK      = "TOOL_RETRIEVER_TOP_K"
	EnvRetrieverThreshold = "TOOL_RETRIEVER_THRESHOLD"
	EnvServerPort         = "MCP_SERVER_PORT"
	EnvCallbackPort       = "MCP_CALLBACK_PORT"
)

// Load builds the configuration from defaults, an optional config file, and
// environment variables. Environment variables win over the file.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".dext")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvEmbeddingAPIKey); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv(EnvEmbeddingBaseURL); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv(EnvEmbeddingModelName); v != "" {
		cfg.Embedding.ModelName = v
	}
	if v := os.Getenv(EnvEmbeddingDimension); v != "" {
		if dim, err := strconv.Atoi(v); err == nil && dim > 0 {
			cfg.Embedding.Dimension = dim
		}
	}
	if v := os.Getenv(EnvRetrieverTopK); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			cfg.Retrieval.TopK = k
		}
	}
	if v := os.Getenv(EnvRetrieverThreshold); v != "" {
		if th, err := strconv.ParseFloat(v, 64); err == nil && th >= 0 {
			cfg.Retrieval.Threshold = th
		}
	}
	if v := os.Getenv(EnvServerPort); v != "" {
		if strings.Contains(v, ":") {
			cfg.Listen = v
		} else {
			cfg.Listen = ":" + v
		}
	}
	if v := os.Getenv(EnvCallbackPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.CallbackPort = port
		}
	}
}

// DatabasePath returns the SQLite file location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "tools_vector.db")
}
