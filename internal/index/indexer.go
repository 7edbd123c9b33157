// Package index keeps the persistent vector index in step with upstream
// tool catalogs. Tool identity is the MD5 of the prefixed display name plus
// description, so a tool is re-embedded only when either changes.
package index

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/embeddings"
	"github.com/dext-ai/dext-broker/internal/hash"
	"github.com/dext-ai/dext-broker/internal/storage"
)

const (
	// An indexed tool this similar to an incoming one is considered a
	// renamed or reworded duplicate and is replaced.
	nearDuplicateThreshold = 0.96
	probeTopK              = 10
	probeThreshold         = 0.70
)

// ToolInfo is the catalog entry the indexer works from: the bare upstream
// tool name and its description.
type ToolInfo struct {
	Name        string
	Description string
}

// Stats summarizes one indexing pass.
type Stats struct {
	Indexed  int
	Skipped  int
	Replaced int
	Failed   int
}

// Indexer writes tool vectors into the store. Writes are serialized so
// concurrent catalog refreshes cannot race the duplicate probe.
type Indexer struct {
	store    *storage.Store
	embedder embeddings.Embedder
	logger   *zap.Logger

	indexedTotal  prometheus.Counter
	embedFailures prometheus.Counter

	mu sync.Mutex
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithMetrics publishes indexed-tool and embedding-failure counts.
func WithMetrics(indexed, embedFailures prometheus.Counter) Option {
	return func(ix *Indexer) {
		ix.indexedTotal = indexed
		ix.embedFailures = embedFailures
	}
}

func New(store *storage.Store, embedder embeddings.Embedder, logger *zap.Logger, opts ...Option) *Indexer {
	ix := &Indexer{
		store:    store,
		embedder: embedder,
		logger:   logger.Named("index"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// IndexServerTools indexes the catalog of one server. Tools already present
// under the current model are skipped without touching the embedding
// endpoint. New tools are embedded in one batch, then inserted one at a
// time behind the write lock with a near-duplicate probe against the whole
// index. A failure embeds or inserts only that tool's loss: it is logged,
// counted in Stats.Failed, and the rest of the catalog proceeds.
func (ix *Indexer) IndexServerTools(ctx context.Context, serverName string, tools []ToolInfo) (Stats, error) {
	var stats Stats

	type pending struct {
		displayName string
		description string
		toolMD5     string
		text        string
	}
	var fresh []pending
	for _, tool := range tools {
		displayName := hash.DisplayName(serverName, tool.Name)
		toolMD5 := hash.ToolMD5(displayName, tool.Description)

		exists, err := ix.store.HasTool(ctx, toolMD5, ix.embedder.ModelName())
		if err != nil {
			return stats, err
		}
		if exists {
			stats.Skipped++
			continue
		}
		fresh = append(fresh, pending{
			displayName: displayName,
			description: tool.Description,
			toolMD5:     toolMD5,
			text:        hash.EmbeddingText(displayName, tool.Description),
		})
	}
	if len(fresh) == 0 {
		return stats, nil
	}

	texts := make([]string, len(fresh))
	for i, p := range fresh {
		texts[i] = p.text
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		// One bad catalog entry must not block the rest: retry each
		// tool alone and drop only the ones that still fail.
		ix.logger.Warn("batch embedding failed, retrying per tool",
			zap.String("server", serverName), zap.Error(err))
		vectors = make([][]float32, len(fresh))
		for i, text := range texts {
			vec, embedErr := ix.embedder.EmbedOne(ctx, text)
			if embedErr != nil {
				if ix.embedFailures != nil {
					ix.embedFailures.Inc()
				}
				ix.logger.Warn("failed to embed tool",
					zap.String("tool", fresh[i].displayName), zap.Error(embedErr))
				stats.Failed++
				continue
			}
			vectors[i] = vec
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i, p := range fresh {
		if vectors[i] == nil {
			continue
		}
		replaced := ix.replaceNearDuplicates(ctx, p.toolMD5, vectors[i])
		stats.Replaced += replaced

		if _, err := ix.store.UpsertToolWithVector(ctx, p.displayName, p.description, ix.embedder.ModelName(), vectors[i]); err != nil {
			ix.logger.Warn("failed to index tool",
				zap.String("tool", p.displayName), zap.Error(err))
			stats.Failed++
			continue
		}
		stats.Indexed++
	}
	if ix.indexedTotal != nil {
		ix.indexedTotal.Add(float64(stats.Indexed))
	}

	ix.logger.Info("indexed server catalog",
		zap.String("server", serverName),
		zap.Int("indexed", stats.Indexed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("replaced", stats.Replaced),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

// replaceNearDuplicates probes the whole index for tools nearly identical
// to the incoming vector and removes them, whichever server they belong to.
// A failed probe or delete is logged and ignored; at worst a stale
// near-duplicate lingers until the next refresh.
func (ix *Indexer) replaceNearDuplicates(ctx context.Context, incomingMD5 string, vector []float32) int {
	hits, err := ix.store.SearchSimilar(ctx, vector, probeTopK, probeThreshold, nil, ix.embedder.ModelName())
	if err != nil {
		ix.logger.Warn("near-duplicate probe failed", zap.Error(err))
		return 0
	}

	replaced := 0
	for _, hit := range hits {
		if hit.Similarity < nearDuplicateThreshold || hit.ToolMD5 == incomingMD5 {
			continue
		}
		if _, err := ix.store.DeleteToolByMD5(ctx, hit.ToolMD5, ix.embedder.ModelName()); err != nil {
			ix.logger.Warn("failed to remove near-duplicate tool",
				zap.String("tool", hit.DisplayName), zap.Error(err))
			continue
		}
		ix.logger.Debug("replaced near-duplicate tool",
			zap.String("old", hit.DisplayName),
			zap.Float64("similarity", hit.Similarity))
		replaced++
	}
	return replaced
}

// RemoveServerTools drops every indexed tool of one server.
func (ix *Indexer) RemoveServerTools(ctx context.Context, serverName string) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tools, err := ix.store.ListServerTools(ctx, serverName)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, tool := range tools {
		n, err := ix.store.DeleteToolByMD5(ctx, tool.ToolMD5, "")
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if removed > 0 {
		ix.logger.Info("removed server tools from index",
			zap.String("server", serverName), zap.Int64("removed", removed))
	}
	return removed, nil
}

// PruneMissingServers drops indexed tools whose server is no longer known.
func (ix *Indexer) PruneMissingServers(ctx context.Context, keepServers []string) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.store.DeleteToolsForMissingServers(ctx, keepServers)
}

// Clear wipes the whole index for the current model.
func (ix *Indexer) Clear(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.store.ClearModel(ctx, ix.embedder.ModelName())
}

// Size returns the number of indexed tools for the current model.
func (ix *Indexer) Size(ctx context.Context) (int, error) {
	return ix.store.CountTools(ctx, ix.embedder.ModelName())
}
