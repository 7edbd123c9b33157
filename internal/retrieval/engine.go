// Package retrieval ranks indexed tools against natural-language intents
// and remembers per session which tools the agent has already been shown.
package retrieval

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/apperr"
	"github.com/dext-ai/dext-broker/internal/config"
	"github.com/dext-ai/dext-broker/internal/contracts"
	"github.com/dext-ai/dext-broker/internal/embeddings"
	"github.com/dext-ai/dext-broker/internal/storage"
	"github.com/dext-ai/dext-broker/internal/upstream"
)

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const sessionIDLength = 6

// LiveResolver is the slice of the registry the engine needs: schema lookup
// for new tools and the enabled-server overview for first-time sessions.
type LiveResolver interface {
	FindToolByMD5(toolMD5 string) (serverName string, tool mcp.Tool, ok bool)
	EnabledServerOverviews(ctx context.Context) ([]upstream.ServerOverview, error)
}

// Engine executes retrieval requests against the vector index.
type Engine struct {
	store     *storage.Store
	embedder  embeddings.Embedder
	live      LiveResolver
	topK      int
	threshold float64
	logger    *zap.Logger
}

func NewEngine(store *storage.Store, embedder embeddings.Embedder, live LiveResolver, cfg config.RetrievalConfig, logger *zap.Logger) *Engine {
	topK := cfg.TopK
	if topK <= 0 {
		topK = config.DefaultTopK
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = config.DefaultThreshold
	}
	return &Engine{
		store:     store,
		embedder:  embedder,
		live:      live,
		topK:      topK,
		threshold: threshold,
		logger:    logger.Named("retrieval"),
	}
}

// Retrieve ranks candidates for each description in order, splits them into
// tools the session has already seen and new ones, and records the new ones
// in the session history. A session id with no history is replaced by a
// fresh generated id, and only then is the server overview included.
func (e *Engine) Retrieve(ctx context.Context, descriptions []string, sessionID string, serverNames []string) (*contracts.RetrievalResult, error) {
	if len(descriptions) == 0 {
		return nil, apperr.New(apperr.Validation, "descriptions must not be empty")
	}
	for i, d := range descriptions {
		if strings.TrimSpace(d) == "" {
			return nil, apperr.New(apperr.Validation, "description %d is empty", i)
		}
	}

	firstTime := false
	if sessionID != "" {
		history, err := e.store.GetSessionHistory(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if len(history) == 0 {
			sessionID = ""
		}
	}
	if sessionID == "" {
		generated, err := generateSessionID()
		if err != nil {
			return nil, err
		}
		sessionID = generated
		firstTime = true
	}

	history, err := e.store.GetSessionHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(history))
	for _, h := range history {
		known[h.ToolMD5] = true
	}

	result := &contracts.RetrievalResult{SessionID: sessionID}
	var recorded []storage.SessionTool

	for queryIndex, description := range descriptions {
		vector, err := e.embedder.EmbedOne(ctx, description)
		if err != nil {
			return nil, err
		}
		hits, err := e.store.SearchSimilar(ctx, vector, e.topK, e.threshold, serverNames, e.embedder.ModelName())
		if err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			continue
		}

		var newTools []contracts.NewToolEntry
		var knownTools []contracts.KnownToolEntry
		for rank, hit := range hits {
			if known[hit.ToolMD5] {
				knownTools = append(knownTools, contracts.KnownToolEntry{
					Rank:     rank + 1,
					ToolName: hit.DisplayName,
					MD5:      hit.ToolMD5,
				})
				continue
			}
			entry := contracts.NewToolEntry{
				Rank:        rank + 1,
				ToolName:    hit.DisplayName,
				MD5:         hit.ToolMD5,
				Description: hit.Description,
				Similarity:  roundSimilarity(hit.Similarity),
			}
			entry.InputSchema, entry.OutputSchema = e.liveSchemas(hit.ToolMD5)
			newTools = append(newTools, entry)

			// Record within this call too, so a repeated description in the
			// same request surfaces the tool only once as new.
			known[hit.ToolMD5] = true
			recorded = append(recorded, storage.SessionTool{ToolMD5: hit.ToolMD5, ToolName: hit.DisplayName})
		}

		if len(newTools) > 0 {
			result.NewTools = append(result.NewTools, contracts.QueryNewTools{
				QueryIndex: queryIndex,
				Query:      description,
				Tools:      newTools,
			})
			result.Summary.NewToolsCount += len(newTools)
		}
		if len(knownTools) > 0 {
			result.KnownTools = append(result.KnownTools, contracts.QueryKnownTools{
				QueryIndex: queryIndex,
				Query:      description,
				Tools:      knownTools,
			})
			result.Summary.KnownToolsCount += len(knownTools)
		}
	}

	if err := e.store.RecordRetrievedBatch(ctx, sessionID, recorded); err != nil {
		return nil, err
	}
	finalHistory, err := e.store.GetSessionHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result.Summary.SessionHistoryCount = len(finalHistory)

	if firstTime {
		overview, err := e.renderServerDescription(ctx)
		if err != nil {
			return nil, err
		}
		result.ServerDescription = overview
	}

	e.logger.Debug("retrieval complete",
		zap.String("session_id", sessionID),
		zap.Int("queries", len(descriptions)),
		zap.Int("new_tools", result.Summary.NewToolsCount),
		zap.Int("known_tools", result.Summary.KnownToolsCount))
	return result, nil
}

// liveSchemas fetches the serialized input schema and the raw output schema
// of the live tool behind an identity. Tools that are persisted but not
// currently live yield empty schemas.
func (e *Engine) liveSchemas(toolMD5 string) (inputSchema string, outputSchema interface{}) {
	_, tool, ok := e.live.FindToolByMD5(toolMD5)
	if !ok {
		return "", nil
	}
	if raw, err := json.Marshal(tool.InputSchema); err == nil {
		inputSchema = string(raw)
	}
	// The output schema passes through untouched; it is optional in the
	// protocol, so read it from the tool's wire form.
	if raw, err := json.Marshal(tool); err == nil {
		var wire map[string]interface{}
		if json.Unmarshal(raw, &wire) == nil {
			outputSchema = wire["outputSchema"]
		}
	}
	return inputSchema, outputSchema
}

// renderServerDescription enumerates the enabled servers and their live
// tools, ending with the retrieval policy the agent should follow.
func (e *Engine) renderServerDescription(ctx context.Context) (string, error) {
	overviews, err := e.live.EnabledServerOverviews(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if len(overviews) == 0 {
		b.WriteString("No upstream MCP servers are currently configured.\n")
	} else {
		b.WriteString("Available MCP servers:\n")
		for _, ov := range overviews {
			fmt.Fprintf(&b, "- %s", ov.Name)
			if ov.Description != "" {
				fmt.Fprintf(&b, ": %s", ov.Description)
			}
			if !ov.Connected {
				b.WriteString(" (disconnected)")
			} else if len(ov.ToolNames) > 0 {
				fmt.Fprintf(&b, " (tools: %s)", strings.Join(ov.ToolNames, ", "))
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("Use the retriever tool to find relevant tools for a task instead of calling servers directly.")
	return b.String(), nil
}

func roundSimilarity(similarity float64) float64 {
	return math.Round(similarity*10000) / 10000
}

// generateSessionID returns a six character lowercase alphanumeric id.
func generateSessionID() (string, error) {
	buf := make([]byte, sessionIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "failed to generate session id")
	}
	for i, b := range buf {
		buf[i] = sessionIDAlphabet[int(b)%len(sessionIDAlphabet)]
	}
	return string(buf), nil
}
