package config

import (
	"net/url"
	"time"

	"github.com/dext-ai/dext-broker/internal/apperr"
)

// Server transport kinds.
const (
	TypeStdio      = "stdio"
	TypeSSE        = "sse"
	TypeHTTPStream = "http_stream"
)

const (
	defaultListen       = ":9593"
	defaultCallbackPort = 9594

	// Ark embedding endpoint defaults.
	DefaultEmbeddingBaseURL   = "https://ark.cn-beijing.volces.com/api/v3"
	DefaultEmbeddingModelName = "doubao-embedding-text-240715"
	DefaultEmbeddingDimension = 1024

	DefaultTopK      = 5
	DefaultThreshold = 0.10
)

// Config is the broker's top-level configuration.
type Config struct {
	Listen       string `json:"listen" mapstructure:"listen"`
	CallbackPort int    `json:"callback_port" mapstructure:"callback-port"`
	DataDir      string `json:"data_dir" mapstructure:"data-dir"`

	// APIKey, when set, is the shared bearer token required on REST calls.
	APIKey string `json:"api_key,omitempty" mapstructure:"api-key"`

	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`

	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// EmbeddingConfig configures the external embedding endpoint.
type EmbeddingConfig struct {
	APIKey    string `json:"api_key" mapstructure:"api-key"`
	BaseURL   string `json:"base_url" mapstructure:"base-url"`
	ModelName string `json:"model_name" mapstructure:"model-name"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
}

// RetrievalConfig tunes the retrieval engine defaults.
type RetrievalConfig struct {
	TopK      int     `json:"top_k" mapstructure:"top-k"`
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// ServerConfig is one upstream MCP server row.
type ServerConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks the per-kind invariants of a server config.
func (s *ServerConfig) Validate() error {
	if s.Name == "" {
		return apperr.New(apperr.Validation, "server name must not be empty")
	}
	switch s.Type {
	case TypeStdio:
		if s.Command == "" {
			return apperr.New(apperr.Validation, "stdio server %q requires a command", s.Name)
		}
	case TypeSSE, TypeHTTPStream:
		if s.URL == "" {
			return apperr.New(apperr.Validation, "%s server %q requires a url", s.Type, s.Name)
		}
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return apperr.New(apperr.Validation, "server %q has an invalid url %q", s.Name, s.URL)
		}
	default:
		return apperr.New(apperr.Validation, "server %q has unknown type %q (expected stdio, sse or http_stream)", s.Name, s.Type)
	}
	return nil
}

// ConnectionFieldsChanged reports whether a row update touches anything that
// requires the live client to reconnect.
func (s *ServerConfig) ConnectionFieldsChanged(other *ServerConfig) bool {
	return s.Type != other.Type ||
		s.URL != other.URL ||
		s.Command != other.Command ||
		!equalStringSlices(s.Args, other.Args) ||
		!equalStringMaps(s.Env, other.Env) ||
		!equalStringMaps(s.Headers, other.Headers) ||
		s.Enabled != other.Enabled
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStringMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen:       defaultListen,
		CallbackPort: defaultCallbackPort,
		DataDir:      "", // resolved to ~/.dext by the loader
		Embedding: EmbeddingConfig{
			BaseURL:   DefaultEmbeddingBaseURL,
			ModelName: DefaultEmbeddingModelName,
			Dimension: DefaultEmbeddingDimension,
		},
		Retrieval: RetrievalConfig{
			TopK:      DefaultTopK,
			Threshold: DefaultThreshold,
		},
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
	}
}

// Validate normalizes zero values back to defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = DefaultEmbeddingBaseURL
	}
	if c.Embedding.ModelName == "" {
		c.Embedding.ModelName = DefaultEmbeddingModelName
	}
	if c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = DefaultEmbeddingDimension
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = DefaultTopK
	}
	if c.Retrieval.Threshold <= 0 {
		c.Retrieval.Threshold = DefaultThreshold
	}
	return nil
}
