package upstream

import (
	"context"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/apperr"
	"github.com/dext-ai/dext-broker/internal/config"
	"github.com/dext-ai/dext-broker/internal/hash"
	"github.com/dext-ai/dext-broker/internal/index"
	"github.com/dext-ai/dext-broker/internal/storage"
)

// CatalogIndexer is the slice of the indexer the registry drives.
type CatalogIndexer interface {
	IndexServerTools(ctx context.Context, serverName string, tools []index.ToolInfo) (index.Stats, error)
	RemoveServerTools(ctx context.Context, serverName string) (int64, error)
	PruneMissingServers(ctx context.Context, keepServers []string) (int64, error)
}

// ClientFactory builds a live client for a server config. Tests swap it out.
type ClientFactory func(cfg *config.ServerConfig, logger *zap.Logger) LiveClient

// ServerOverview is the per-server slice of the first-time session
// description.
type ServerOverview struct {
	Name        string
	Description string
	Connected   bool
	ToolNames   []string
}

// Manager keeps the persisted server configs and one live client per
// enabled server. Map mutations are serialized; reads take snapshots.
type Manager struct {
	store          *storage.Store
	indexer        CatalogIndexer
	logger         *zap.Logger
	factory        ClientFactory
	connectedGauge prometheus.Gauge

	mu      sync.RWMutex
	clients map[string]LiveClient
}

// Option configures a Manager.
type Option func(*Manager)

// WithClientFactory overrides how live clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithConnectedGauge publishes the number of connected upstreams.
func WithConnectedGauge(g prometheus.Gauge) Option {
	return func(m *Manager) { m.connectedGauge = g }
}

func NewManager(store *storage.Store, indexer CatalogIndexer, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		indexer: indexer,
		logger:  logger.Named("registry"),
		clients: make(map[string]LiveClient),
		factory: func(cfg *config.ServerConfig, logger *zap.Logger) LiveClient {
			return NewClient(cfg, logger)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartAll connects every enabled server in parallel and then indexes the
// aggregated catalog. Individual connection failures leave a disconnected
// entry behind and never fail startup.
func (m *Manager) StartAll(ctx context.Context) error {
	enabled := true
	servers, _, err := m.store.ListServers(ctx, storage.ServerFilter{Enabled: &enabled}, 1, 10000)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, cfg := range servers {
		wg.Add(1)
		go func(cfg *config.ServerConfig) {
			defer wg.Done()
			m.connect(ctx, cfg)
		}(cfg)
	}
	wg.Wait()

	return m.RefreshCatalog(ctx)
}

// connect registers a client for the config, connected or not, and reports
// the connection outcome.
func (m *Manager) connect(ctx context.Context, cfg *config.ServerConfig) error {
	cli := m.factory(cfg, m.logger)
	err := cli.Connect(ctx)
	if err != nil {
		m.logger.Warn("failed to connect upstream server",
			zap.String("server", cfg.Name), zap.Error(err))
	}
	m.mu.Lock()
	m.clients[cfg.Name] = cli
	m.mu.Unlock()
	m.updateConnectedGauge()
	return err
}

func (m *Manager) disconnect(name string) {
	m.mu.Lock()
	cli, ok := m.clients[name]
	if ok {
		delete(m.clients, name)
	}
	m.mu.Unlock()
	if ok {
		if err := cli.Disconnect(); err != nil {
			m.logger.Warn("disconnect failed", zap.String("server", name), zap.Error(err))
		}
		m.updateConnectedGauge()
	}
}

func (m *Manager) updateConnectedGauge() {
	if m.connectedGauge == nil {
		return
	}
	m.mu.RLock()
	connected := 0
	for _, cli := range m.clients {
		if cli.Connected() {
			connected++
		}
	}
	m.mu.RUnlock()
	m.connectedGauge.Set(float64(connected))
}

// AddServer persists the config and, when enabled, connects and indexes it.
// By default the row persists even if the connection fails; the error is
// recorded on the live entry, not returned. With strict set, a failed
// connection rolls the row back and the error is returned.
func (m *Manager) AddServer(ctx context.Context, cfg *config.ServerConfig, strict bool) (*config.ServerConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.CreateServer(ctx, cfg); err != nil {
		return nil, err
	}
	if cfg.Enabled {
		if err := m.connect(ctx, cfg); err != nil {
			if strict {
				m.disconnect(cfg.Name)
				if _, delErr := m.store.DeleteServer(ctx, cfg.ID); delErr != nil {
					m.logger.Warn("failed to roll back server row",
						zap.String("server", cfg.Name), zap.Error(delErr))
				}
				return nil, apperr.Wrap(apperr.Upstream, err, "failed to connect server %s", cfg.Name)
			}
		}
		m.indexConnected(ctx, cfg.Name)
	}
	return cfg, nil
}

// UpdateServer persists the new config and reconciles the live client:
// a rename, an enabled flip, or any connection-relevant change tears the
// old client down and reconnects when the result is enabled.
func (m *Manager) UpdateServer(ctx context.Context, cfg *config.ServerConfig) (*config.ServerConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	old, err := m.store.GetServer(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateServer(ctx, cfg); err != nil {
		return nil, err
	}

	renamed := old.Name != cfg.Name
	if renamed || old.ConnectionFieldsChanged(cfg) {
		m.disconnect(old.Name)
		if renamed {
			if _, err := m.indexer.RemoveServerTools(ctx, old.Name); err != nil {
				m.logger.Warn("failed to drop tools of renamed server",
					zap.String("server", old.Name), zap.Error(err))
			}
		}
		if cfg.Enabled {
			m.connect(ctx, cfg)
			m.indexConnected(ctx, cfg.Name)
		}
	}
	return cfg, nil
}

// DeleteServer tears the live client down and removes the row plus its
// indexed tools. Disconnect errors do not block the deletion.
func (m *Manager) DeleteServer(ctx context.Context, id string) (*config.ServerConfig, error) {
	cfg, err := m.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	m.disconnect(cfg.Name)

	deleted, err := m.store.DeleteServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := m.indexer.RemoveServerTools(ctx, cfg.Name); err != nil {
		m.logger.Warn("failed to drop tools of deleted server",
			zap.String("server", cfg.Name), zap.Error(err))
	}
	return deleted, nil
}

// indexConnected pushes one connected server's catalog into the index.
func (m *Manager) indexConnected(ctx context.Context, name string) {
	m.mu.RLock()
	cli, ok := m.clients[name]
	m.mu.RUnlock()
	if !ok || !cli.Connected() {
		return
	}
	tools := toToolInfos(cli.Tools())
	if _, err := m.indexer.IndexServerTools(ctx, name, tools); err != nil {
		m.logger.Warn("failed to index server catalog",
			zap.String("server", name), zap.Error(err))
	}
}

// RefreshCatalog re-lists every connected upstream, indexes the aggregate,
// and prunes persisted tools whose server no longer exists.
func (m *Manager) RefreshCatalog(ctx context.Context) error {
	m.mu.RLock()
	snapshot := make(map[string]LiveClient, len(m.clients))
	for name, cli := range m.clients {
		snapshot[name] = cli
	}
	m.mu.RUnlock()

	for name, cli := range snapshot {
		if !cli.Connected() {
			continue
		}
		if err := cli.RefreshTools(ctx); err != nil {
			m.logger.Warn("failed to refresh upstream tools",
				zap.String("server", name), zap.Error(err))
			continue
		}
		if _, err := m.indexer.IndexServerTools(ctx, name, toToolInfos(cli.Tools())); err != nil {
			m.logger.Warn("failed to index server catalog",
				zap.String("server", name), zap.Error(err))
		}
	}

	// Keep tools of every configured server, connected or not; only tools
	// of servers that lost their row are swept.
	servers, _, err := m.store.ListServers(ctx, storage.ServerFilter{}, 1, 10000)
	if err != nil {
		return err
	}
	keep := make([]string, 0, len(servers))
	for _, s := range servers {
		keep = append(keep, s.Name)
	}
	pruned, err := m.indexer.PruneMissingServers(ctx, keep)
	if err != nil {
		return err
	}
	if pruned > 0 {
		m.logger.Info("pruned stale tools", zap.Int64("count", pruned))
	}
	return nil
}

// StopAll disconnects every live client.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]LiveClient)
	m.mu.Unlock()

	for name, cli := range clients {
		if err := cli.Disconnect(); err != nil {
			m.logger.Warn("disconnect failed", zap.String("server", name), zap.Error(err))
		}
	}
	m.updateConnectedGauge()
}

// ServerState reports the live connection state for the REST view.
func (m *Manager) ServerState(name string) (connected bool, lastError string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cli, ok := m.clients[name]
	if !ok {
		return false, ""
	}
	return cli.Connected(), cli.LastError()
}

// FindToolByMD5 resolves a tool identity against the live catalogs by
// recomputing each tool's identity. Servers are scanned in name order so
// resolution is deterministic.
func (m *Manager) FindToolByMD5(toolMD5 string) (serverName string, tool mcp.Tool, ok bool) {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	snapshot := make(map[string]LiveClient, len(m.clients))
	for name, cli := range m.clients {
		snapshot[name] = cli
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		for _, t := range snapshot[name].Tools() {
			displayName := hash.DisplayName(name, t.Name)
			if hash.ToolMD5(displayName, t.Description) == toolMD5 {
				return name, t, true
			}
		}
	}
	return "", mcp.Tool{}, false
}

// CallTool invokes a bare tool name on a named server.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	cli, ok := m.clients[serverName]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.NotFound, "server %s has no live client", serverName)
	}
	return cli.CallTool(ctx, toolName, args)
}

// EnabledServerOverviews renders the enabled servers with their live tool
// names, for the first-time session description.
func (m *Manager) EnabledServerOverviews(ctx context.Context) ([]ServerOverview, error) {
	enabled := true
	servers, _, err := m.store.ListServers(ctx, storage.ServerFilter{Enabled: &enabled}, 1, 10000)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	overviews := make([]ServerOverview, 0, len(servers))
	for _, s := range servers {
		ov := ServerOverview{Name: s.Name, Description: s.Description}
		if cli, ok := m.clients[s.Name]; ok {
			ov.Connected = cli.Connected()
			for _, t := range cli.Tools() {
				ov.ToolNames = append(ov.ToolNames, t.Name)
			}
		}
		overviews = append(overviews, ov)
	}
	return overviews, nil
}

func toToolInfos(tools []mcp.Tool) []index.ToolInfo {
	infos := make([]index.ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, index.ToolInfo{Name: t.Name, Description: t.Description})
	}
	return infos
}
