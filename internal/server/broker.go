// Package server wires the broker together and serves the MCP endpoint
// plus the admin REST API on one listener.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/config"
	"github.com/dext-ai/dext-broker/internal/embeddings"
	"github.com/dext-ai/dext-broker/internal/executor"
	"github.com/dext-ai/dext-broker/internal/httpapi"
	"github.com/dext-ai/dext-broker/internal/index"
	"github.com/dext-ai/dext-broker/internal/observability"
	"github.com/dext-ai/dext-broker/internal/retrieval"
	"github.com/dext-ai/dext-broker/internal/storage"
	"github.com/dext-ai/dext-broker/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

// Broker is the composition root: one instance owns the storage handle, the
// live registry, and both HTTP surfaces.
type Broker struct {
	cfg     *config.Config
	version string
	logger  *zap.Logger

	store    *storage.Store
	embedder *embeddings.Client
	indexer  *index.Indexer
	registry *upstream.Manager
	engine   *retrieval.Engine
	executor *executor.Executor
	metrics  *observability.Metrics

	httpServer *http.Server
}

// New builds the full dependency graph. Opening the store runs pending
// migrations; a missing embedding key fails here so misconfiguration
// surfaces at startup rather than on the first agent call.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Broker, error) {
	store, err := storage.Open(cfg.DatabasePath(), cfg.Embedding.Dimension, logger)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewClient(cfg.Embedding, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	metrics := observability.NewMetrics()
	indexer := index.New(store, embedder, logger,
		index.WithMetrics(metrics.ToolsIndexedTotal, metrics.EmbeddingFailures))
	registry := upstream.NewManager(store, indexer, logger,
		upstream.WithConnectedGauge(metrics.UpstreamsConnected))
	engine := retrieval.NewEngine(store, embedder, registry, cfg.Retrieval, logger)
	exec := executor.New(registry, logger)

	return &Broker{
		cfg:      cfg,
		version:  version,
		logger:   logger.Named("broker"),
		store:    store,
		embedder: embedder,
		indexer:  indexer,
		registry: registry,
		engine:   engine,
		executor: exec,
		metrics:  metrics,
	}, nil
}

// Run connects the enabled upstreams, indexes their catalogs, and serves
// until the context is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.registry.StartAll(ctx); err != nil {
		// Startup survives indexing problems; catalogs heal on the next
		// refresh or row mutation.
		b.logger.Warn("initial catalog refresh incomplete", zap.Error(err))
	}
	if size, err := b.indexer.Size(ctx); err == nil {
		b.logger.Info("vector index ready", zap.Int("tools", size))
	}

	facade := newMCPFacade(b.engine, b.executor, b.metrics, b.version, b.logger)
	streamable := mcpserver.NewStreamableHTTPServer(facade.server,
		mcpserver.WithStateLess(true),
	)

	api := httpapi.NewHandler(b.store, b.registry, b.version, b.cfg.APIKey, b.metrics.Handler(), b.logger)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	mux.Handle("/mcp/", streamable)
	mux.Handle("/", api.Router())

	b.httpServer = &http.Server{
		Addr:              b.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("listening",
			zap.String("addr", b.cfg.Listen),
			zap.String("mcp_endpoint", "/mcp"),
			zap.String("version", b.version))
		errCh <- b.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return b.shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		b.stopComponents()
		return err
	}
}

func (b *Broker) shutdown() error {
	b.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := b.httpServer.Shutdown(ctx)

	b.stopComponents()
	return err
}

func (b *Broker) stopComponents() {
	b.registry.StopAll()
	if err := b.store.Close(); err != nil {
		b.logger.Warn("failed to close store", zap.Error(err))
	}
}
