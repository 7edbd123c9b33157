package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/executor"
	"github.com/dext-ai/dext-broker/internal/observability"
	"github.com/dext-ai/dext-broker/internal/retrieval"
)

// mcpFacade exposes the retriever and executor tools to agents.
type mcpFacade struct {
	server   *mcpserver.MCPServer
	engine   *retrieval.Engine
	executor *executor.Executor
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func newMCPFacade(engine *retrieval.Engine, exec *executor.Executor, metrics *observability.Metrics, version string, logger *zap.Logger) *mcpFacade {
	srv := mcpserver.NewMCPServer(
		"dext-broker",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	f := &mcpFacade{
		server:   srv,
		engine:   engine,
		executor: exec,
		metrics:  metrics,
		logger:   logger.Named("mcp"),
	}
	f.registerTools()
	return f
}

func (f *mcpFacade) registerTools() {
	retrieverTool := mcp.NewTool("retriever",
		mcp.WithDescription("Find the upstream tools most relevant to one or more task descriptions. Call this before attempting any tool execution: it searches the aggregated catalogs of all configured MCP servers semantically and returns ranked candidates with their schemas. Pass the sessionId from a previous response to avoid re-receiving tools you already know."),
		mcp.WithArray("descriptions",
			mcp.Required(),
			mcp.Description("Natural-language descriptions of what you want to accomplish, one per task (e.g. 'create a GitHub issue')."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("sessionId",
			mcp.Description("Session id returned by an earlier retriever call. Leave empty on the first call."),
		),
		mcp.WithArray("serverNames",
			mcp.Description("Optional list of server names to restrict the search to."),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
	f.server.AddTool(retrieverTool, f.handleRetriever)

	executorTool := mcp.NewTool("executor",
		mcp.WithDescription("Execute a tool found via retriever. Pass the md5 identity from the retriever result and the parameters matching the tool's input_schema."),
		mcp.WithString("md5",
			mcp.Required(),
			mcp.Description("Tool identity from a retriever result."),
		),
		mcp.WithObject("parameters",
			mcp.Description("Arguments for the tool, matching its input_schema."),
		),
	)
	f.server.AddTool(executorTool, f.handleExecutor)
}

func (f *mcpFacade) handleRetriever(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	args := request.GetArguments()

	descriptions := stringSlice(args["descriptions"])
	if len(descriptions) == 0 {
		return mcp.NewToolResultError("descriptions must be a non-empty array of strings"), nil
	}
	sessionID, _ := args["sessionId"].(string)
	serverNames := stringSlice(args["serverNames"])

	result, err := f.engine.Retrieve(ctx, descriptions, sessionID, serverNames)
	if err != nil {
		f.logger.Warn("retrieval failed", zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}

	f.metrics.RetrievalsTotal.Inc()
	f.metrics.RetrievalDuration.Observe(time.Since(started).Seconds())

	payload, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	sessionNote := fmt.Sprintf("Session ID: %s. Pass this sessionId to subsequent retriever calls so already-delivered tools are not repeated.", result.SessionID)

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(string(payload)),
			mcp.NewTextContent(sessionNote),
		},
	}, nil
}

func (f *mcpFacade) handleExecutor(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()

	toolMD5, err := request.RequireString("md5")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	params, _ := request.GetArguments()["parameters"].(map[string]interface{})

	result, err := f.executor.Execute(ctx, toolMD5, params)
	if err != nil {
		f.metrics.ExecutionsTotal.WithLabelValues("error").Inc()
		return mcp.NewToolResultError(err.Error()), nil
	}
	f.metrics.ExecutionDuration.Observe(time.Since(started).Seconds())

	// Upstream-reported failures pass through as error blocks.
	if result != nil && result.IsError {
		f.metrics.ExecutionsTotal.WithLabelValues("upstream_error").Inc()
		return result, nil
	}
	f.metrics.ExecutionsTotal.WithLabelValues("success").Inc()

	payload, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func stringSlice(value interface{}) []string {
	raw, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
