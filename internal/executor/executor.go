// Package executor dispatches a tool identity to the live upstream that
// currently serves it.
package executor

import (
	"context"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/apperr"
)

const (
	defaultCallTimeout = 300 * time.Second
	maxCallTimeout     = 600 * time.Second
)

// Registry resolves identities against live catalogs and invokes tools.
type Registry interface {
	FindToolByMD5(toolMD5 string) (serverName string, tool mcp.Tool, ok bool)
	CallTool(ctx context.Context, serverName, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// Executor proxies tool calls. The live catalogs are authoritative; the
// persisted index is never consulted, since it may lag behind upstream
// restarts.
type Executor struct {
	registry Registry
	logger   *zap.Logger
}

func New(registry Registry, logger *zap.Logger) *Executor {
	return &Executor{registry: registry, logger: logger.Named("executor")}
}

// Execute resolves the identity to a live tool and invokes it with the
// given parameters. Upstream results, including upstream-reported errors,
// pass through verbatim.
func (x *Executor) Execute(ctx context.Context, toolMD5 string, params map[string]interface{}) (*mcp.CallToolResult, error) {
	toolMD5 = strings.TrimSpace(toolMD5)
	if toolMD5 == "" {
		return nil, apperr.New(apperr.Validation, "md5 must not be empty")
	}

	serverName, tool, ok := x.registry.FindToolByMD5(toolMD5)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no live tool matches md5 %s", toolMD5)
	}

	ctx, cancel := boundDeadline(ctx)
	defer cancel()

	started := time.Now()
	result, err := x.registry.CallTool(ctx, serverName, tool.Name, params)
	if err != nil {
		x.logger.Warn("tool execution failed",
			zap.String("server", serverName),
			zap.String("tool", tool.Name),
			zap.Error(err))
		return nil, err
	}

	x.logger.Info("tool executed",
		zap.String("server", serverName),
		zap.String("tool", tool.Name),
		zap.Duration("elapsed", time.Since(started)),
		zap.Bool("upstream_error", result != nil && result.IsError))
	return result, nil
}

// boundDeadline applies the default call timeout when the caller supplied
// none and clamps caller deadlines to the hard cap.
func boundDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	limit := time.Now().Add(maxCallTimeout)
	deadline, ok := ctx.Deadline()
	switch {
	case !ok:
		return context.WithTimeout(ctx, defaultCallTimeout)
	case deadline.After(limit):
		return context.WithDeadline(ctx, limit)
	default:
		return context.WithCancel(ctx)
	}
}
