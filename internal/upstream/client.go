// Package upstream owns the live MCP connections behind configured servers
// and keeps an in-memory snapshot of every upstream tool catalog.
package upstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/apperr"
	"github.com/dext-ai/dext-broker/internal/config"
	"github.com/dext-ai/dext-broker/internal/secureenv"
)

const (
	clientName       = "dext-broker"
	clientVersion    = "1.0.0"
	connectTimeout   = 30 * time.Second
	httpConnTimeout  = 180 * time.Second
	httpIdleTimeout  = 90 * time.Second
	maxIdleConns     = 10
	maxIdlePerHost   = 5
)

// LiveClient is the handle the rest of the broker uses to talk to one
// upstream server.
type LiveClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Tools() []mcp.Tool
	RefreshTools(ctx context.Context) error
	CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error)
	Connected() bool
	LastError() string
	ConnectedAt() time.Time
}

// Client wraps one mark3labs MCP client. A client that failed to connect
// stays usable as a disconnected entry with an empty tool list.
type Client struct {
	cfg    *config.ServerConfig
	logger *zap.Logger

	mu          sync.RWMutex
	mcpClient   *client.Client
	tools       []mcp.Tool
	connected   bool
	lastError   error
	connectedAt time.Time
}

func NewClient(cfg *config.ServerConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.Named("upstream").With(zap.String("server", cfg.Name)),
	}
}

// Connect builds the transport for the server kind, performs the MCP
// handshake, and loads the initial tool list. Env and header values go
// through ${VAR[:default]} substitution exactly once, here.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	mcpClient, err := c.buildClient()
	if err != nil {
		c.lastError = err
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := mcpClient.Start(connectCtx); err != nil {
		c.lastError = apperr.Wrap(apperr.Upstream, err, "failed to start transport for %s", c.cfg.Name)
		return c.lastError
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := mcpClient.Initialize(connectCtx, initReq)
	if err != nil {
		_ = mcpClient.Close()
		c.lastError = apperr.Wrap(apperr.Upstream, err, "MCP initialize failed for %s", c.cfg.Name)
		return c.lastError
	}

	c.mcpClient = mcpClient
	c.connected = true
	c.connectedAt = time.Now()
	c.lastError = nil

	c.logger.Info("connected to upstream server",
		zap.String("type", c.cfg.Type),
		zap.String("upstream_name", serverInfo.ServerInfo.Name),
		zap.String("upstream_version", serverInfo.ServerInfo.Version))

	if serverInfo.Capabilities.Tools == nil {
		c.logger.Debug("upstream does not advertise tools")
		c.tools = nil
		return nil
	}
	return c.refreshToolsLocked(connectCtx)
}

func (c *Client) buildClient() (*client.Client, error) {
	switch c.cfg.Type {
	case config.TypeStdio:
		envVars := secureenv.MergeEnviron(c.cfg.Env)
		stdioTransport := transport.NewStdio(c.cfg.Command, envVars, c.cfg.Args...)
		return client.NewClient(stdioTransport), nil

	case config.TypeSSE:
		httpClient := &http.Client{
			Timeout: httpConnTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        maxIdleConns,
				IdleConnTimeout:     httpIdleTimeout,
				MaxIdleConnsPerHost: maxIdlePerHost,
			},
		}
		opts := []transport.ClientOption{client.WithHTTPClient(httpClient)}
		if len(c.cfg.Headers) > 0 {
			opts = append(opts, client.WithHeaders(secureenv.ExpandMap(c.cfg.Headers)))
		}
		sseClient, err := client.NewSSEMCPClient(c.cfg.URL, opts...)
		if err != nil {
			return nil, apperr.Wrap(apperr.Upstream, err, "failed to create SSE client for %s", c.cfg.Name)
		}
		return sseClient, nil

	case config.TypeHTTPStream:
		opts := []transport.StreamableHTTPCOption{transport.WithHTTPTimeout(httpConnTimeout)}
		if len(c.cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(secureenv.ExpandMap(c.cfg.Headers)))
		}
		httpTransport, err := transport.NewStreamableHTTP(c.cfg.URL, opts...)
		if err != nil {
			return nil, apperr.Wrap(apperr.Upstream, err, "failed to create HTTP transport for %s", c.cfg.Name)
		}
		return client.NewClient(httpTransport), nil

	default:
		return nil, apperr.New(apperr.Validation, "unknown server type %q", c.cfg.Type)
	}
}

// RefreshTools reloads the live tool list from the upstream.
func (c *Client) RefreshTools(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return apperr.New(apperr.Upstream, "server %s is not connected", c.cfg.Name)
	}
	return c.refreshToolsLocked(ctx)
}

func (c *Client) refreshToolsLocked(ctx context.Context) error {
	result, err := c.mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.lastError = apperr.Wrap(apperr.Upstream, err, "failed to list tools for %s", c.cfg.Name)
		return c.lastError
	}
	c.tools = result.Tools
	c.logger.Debug("loaded upstream tools", zap.Int("count", len(result.Tools)))
	return nil
}

// Tools returns a copy of the current live tool snapshot. Empty when
// disconnected.
func (c *Client) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes an upstream tool by its bare name. The upstream result
// is returned as-is, including its isError flag.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	mcpClient := c.mcpClient
	connected := c.connected
	c.mu.RUnlock()

	if !connected || mcpClient == nil {
		return nil, apperr.New(apperr.Upstream, "server %s is not connected", c.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	if args != nil {
		req.Params.Arguments = args
	}

	result, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, err, "tool call %s on %s failed", toolName, c.cfg.Name)
	}
	return result, nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mcpClient == nil {
		c.connected = false
		return nil
	}
	err := c.mcpClient.Close()
	c.mcpClient = nil
	c.connected = false
	c.tools = nil
	if err != nil {
		c.logger.Warn("error while disconnecting", zap.Error(err))
	}
	return err
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastError == nil {
		return ""
	}
	return c.lastError.Error()
}

func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

var _ LiveClient = (*Client)(nil)
