// Package embeddings talks to an OpenAI-compatible embeddings endpoint and
// turns tool descriptions and queries into unit vectors.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/apperr"
	"github.com/dext-ai/dext-broker/internal/config"
	"github.com/dext-ai/dext-broker/internal/storage"
)

const requestTimeout = 30 * time.Second

// Embedder produces embedding vectors for texts. Implementations must
// return one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	ModelName() string
	Dimension() int
}

// Client is the HTTP Embedder against a POST {base}/embeddings endpoint
// with bearer authentication.
type Client struct {
	cfg        config.EmbeddingConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the embedding configuration and returns a ready
// client. A missing API key is a configuration error so callers can fail
// fast before touching the index.
func NewClient(cfg config.EmbeddingConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, apperr.New(apperr.ConfigMissing, "embedding API key is not configured, set %s", config.EnvEmbeddingAPIKey)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultEmbeddingBaseURL
	}
	if cfg.ModelName == "" {
		cfg.ModelName = config.DefaultEmbeddingModelName
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = config.DefaultEmbeddingDimension
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger.Named("embeddings"),
	}, nil
}

func (c *Client) ModelName() string { return c.cfg.ModelName }
func (c *Client) Dimension() int    { return c.cfg.Dimension }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed returns one normalized vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{Model: c.cfg.ModelName, Input: texts})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to encode embedding request")
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, err, "embedding request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, err, "failed to read embedding response")
	}

	if resp.StatusCode != http.StatusOK {
		var parsed embeddingResponse
		if json.Unmarshal(payload, &parsed) == nil && parsed.Error != nil {
			return nil, apperr.New(apperr.Upstream, "embedding endpoint returned %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return nil, apperr.New(apperr.Upstream, "embedding endpoint returned %d", resp.StatusCode)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.Shape, err, "embedding response is not valid JSON")
	}
	if len(parsed.Data) != len(texts) {
		return nil, apperr.New(apperr.Shape, "embedding endpoint returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	// The API is allowed to reorder results; index restores input order.
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	vectors := make([][]float32, len(texts))
	for i, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, apperr.New(apperr.Shape, "embedding endpoint returned out-of-range index %d", item.Index)
		}
		if len(item.Embedding) != c.cfg.Dimension {
			return nil, apperr.New(apperr.Shape, "embedding endpoint returned dimension %d, expected %d", len(item.Embedding), c.cfg.Dimension)
		}
		vectors[i] = storage.Normalize(item.Embedding)
	}

	c.logger.Debug("embedded texts",
		zap.Int("count", len(texts)),
		zap.String("model", c.cfg.ModelName),
		zap.Duration("elapsed", time.Since(started)))
	return vectors, nil
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, apperr.New(apperr.Shape, "expected 1 vector, got %d", len(vectors))
	}
	return vectors[0], nil
}

var _ Embedder = (*Client)(nil)
