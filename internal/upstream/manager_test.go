package upstream

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/apperr"
	"github.com/dext-ai/dext-broker/internal/config"
	"github.com/dext-ai/dext-broker/internal/hash"
	"github.com/dext-ai/dext-broker/internal/index"
	"github.com/dext-ai/dext-broker/internal/storage"
)

type fakeLive struct {
	mu         sync.Mutex
	tools      []mcp.Tool
	connectErr error
	connected  bool
	callArgs   map[string]interface{}
	callResult *mcp.CallToolResult
	callErr    error
}

func (f *fakeLive) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeLive) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeLive) Tools() []mcp.Tool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil
	}
	return append([]mcp.Tool(nil), f.tools...)
}

func (f *fakeLive) RefreshTools(context.Context) error { return nil }

func (f *fakeLive) CallTool(_ context.Context, _ string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callArgs = args
	return f.callResult, f.callErr
}

func (f *fakeLive) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLive) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr.Error()
	}
	return ""
}

func (f *fakeLive) ConnectedAt() time.Time { return time.Time{} }

type fakeIndexer struct {
	mu      sync.Mutex
	indexed map[string][]index.ToolInfo
	removed []string
	pruned  [][]string
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{indexed: make(map[string][]index.ToolInfo)}
}

func (f *fakeIndexer) IndexServerTools(_ context.Context, server string, tools []index.ToolInfo) (index.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[server] = tools
	return index.Stats{Indexed: len(tools)}, nil
}

func (f *fakeIndexer) RemoveServerTools(_ context.Context, server string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, server)
	return 0, nil
}

func (f *fakeIndexer) PruneMissingServers(_ context.Context, keep []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, keep)
	return 0, nil
}

func newTestManager(t *testing.T, lives map[string]*fakeLive) (*Manager, *fakeIndexer, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "registry.db"), 4, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ix := newFakeIndexer()
	m := NewManager(store, ix, zap.NewNop(), WithClientFactory(func(cfg *config.ServerConfig, _ *zap.Logger) LiveClient {
		if live, ok := lives[cfg.Name]; ok {
			return live
		}
		return &fakeLive{}
	}))
	return m, ix, store
}

func stdioConfig(name string) *config.ServerConfig {
	return &config.ServerConfig{Name: name, Type: config.TypeStdio, Command: "fake-server", Enabled: true}
}

func TestAddServerConnectsAndIndexes(t *testing.T) {
	live := &fakeLive{tools: []mcp.Tool{
		{Name: "create_issue", Description: "Create a GitHub issue"},
	}}
	m, ix, store := newTestManager(t, map[string]*fakeLive{"github": live})
	ctx := context.Background()

	cfg, err := m.AddServer(ctx, stdioConfig("github"), false)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.ID)

	connected, lastErr := m.ServerState("github")
	assert.True(t, connected)
	assert.Empty(t, lastErr)

	require.Len(t, ix.indexed["github"], 1)
	assert.Equal(t, "create_issue", ix.indexed["github"][0].Name)

	stored, err := store.GetServerByName(ctx, "github")
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
}

func TestAddServerKeepsRowOnConnectFailure(t *testing.T) {
	live := &fakeLive{connectErr: apperr.New(apperr.Upstream, "spawn failed")}
	m, ix, store := newTestManager(t, map[string]*fakeLive{"broken": live})
	ctx := context.Background()

	_, err := m.AddServer(ctx, stdioConfig("broken"), false)
	require.NoError(t, err, "row persists even when the connection fails")

	connected, lastErr := m.ServerState("broken")
	assert.False(t, connected)
	assert.Contains(t, lastErr, "spawn failed")
	assert.Empty(t, ix.indexed)

	_, err = store.GetServerByName(ctx, "broken")
	require.NoError(t, err)
}

func TestAddServerStrictRollsBackOnConnectFailure(t *testing.T) {
	live := &fakeLive{connectErr: apperr.New(apperr.Upstream, "spawn failed")}
	m, ix, store := newTestManager(t, map[string]*fakeLive{"broken": live})
	ctx := context.Background()

	_, err := m.AddServer(ctx, stdioConfig("broken"), true)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Upstream))
	assert.Empty(t, ix.indexed)

	// The row is gone and no live entry lingers.
	_, err = store.GetServerByName(ctx, "broken")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))

	connected, lastErr := m.ServerState("broken")
	assert.False(t, connected)
	assert.Empty(t, lastErr)
}

func TestAddServerRejectsInvalidConfig(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	_, err := m.AddServer(context.Background(), &config.ServerConfig{Name: "bad", Type: config.TypeStdio}, false)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestUpdateServerReconnectsOnConnectionChange(t *testing.T) {
	live := &fakeLive{}
	m, _, _ := newTestManager(t, map[string]*fakeLive{"srv": live})
	ctx := context.Background()

	cfg, err := m.AddServer(ctx, stdioConfig("srv"), false)
	require.NoError(t, err)
	require.True(t, live.Connected())

	// A description edit does not touch the connection.
	cfg.Description = "new words"
	_, err = m.UpdateServer(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, live.Connected())

	// Disabling tears the client down.
	cfg.Enabled = false
	_, err = m.UpdateServer(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, live.Connected())

	connected, _ := m.ServerState("srv")
	assert.False(t, connected)

	// Re-enabling brings it back.
	cfg.Enabled = true
	_, err = m.UpdateServer(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, live.Connected())
}

func TestUpdateServerRenameDropsOldTools(t *testing.T) {
	live := &fakeLive{}
	m, ix, _ := newTestManager(t, map[string]*fakeLive{"old": live, "new": live})
	ctx := context.Background()

	cfg, err := m.AddServer(ctx, stdioConfig("old"), false)
	require.NoError(t, err)

	cfg.Name = "new"
	_, err = m.UpdateServer(ctx, cfg)
	require.NoError(t, err)
	assert.Contains(t, ix.removed, "old")

	connected, _ := m.ServerState("new")
	assert.True(t, connected)
	connected, _ = m.ServerState("old")
	assert.False(t, connected)
}

func TestDeleteServer(t *testing.T) {
	live := &fakeLive{}
	m, ix, store := newTestManager(t, map[string]*fakeLive{"gone": live})
	ctx := context.Background()

	cfg, err := m.AddServer(ctx, stdioConfig("gone"), false)
	require.NoError(t, err)

	deleted, err := m.DeleteServer(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "gone", deleted.Name)
	assert.False(t, live.Connected())
	assert.Contains(t, ix.removed, "gone")

	_, err = store.GetServer(ctx, cfg.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestStartAllConnectsEnabledOnly(t *testing.T) {
	liveA := &fakeLive{}
	liveB := &fakeLive{}
	m, ix, store := newTestManager(t, map[string]*fakeLive{"a": liveA, "b": liveB})
	ctx := context.Background()

	require.NoError(t, store.CreateServer(ctx, stdioConfig("a")))
	disabled := stdioConfig("b")
	disabled.Enabled = false
	require.NoError(t, store.CreateServer(ctx, disabled))

	require.NoError(t, m.StartAll(ctx))
	assert.True(t, liveA.Connected())
	assert.False(t, liveB.Connected())

	// Prune keeps every configured server, enabled or not.
	require.Len(t, ix.pruned, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, ix.pruned[0])
}

func TestFindToolByMD5(t *testing.T) {
	desc := "Create a GitHub issue"
	live := &fakeLive{tools: []mcp.Tool{{Name: "create_issue", Description: desc}}}
	m, _, _ := newTestManager(t, map[string]*fakeLive{"github": live})
	ctx := context.Background()

	_, err := m.AddServer(ctx, stdioConfig("github"), false)
	require.NoError(t, err)

	md5 := hash.ToolMD5(hash.DisplayName("github", "create_issue"), desc)
	server, tool, ok := m.FindToolByMD5(md5)
	require.True(t, ok)
	assert.Equal(t, "github", server)
	assert.Equal(t, "create_issue", tool.Name)

	_, _, ok = m.FindToolByMD5("ffffffffffffffffffffffffffffffff")
	assert.False(t, ok)
}

func TestCallToolUnknownServer(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, err := m.CallTool(context.Background(), "nope", "tool", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestEnabledServerOverviews(t *testing.T) {
	live := &fakeLive{tools: []mcp.Tool{{Name: "search"}, {Name: "fetch"}}}
	m, _, store := newTestManager(t, map[string]*fakeLive{"docs": live})
	ctx := context.Background()

	cfg := stdioConfig("docs")
	cfg.Description = "Documentation tools"
	_, err := m.AddServer(ctx, cfg, false)
	require.NoError(t, err)

	offline := stdioConfig("offline")
	offline.Enabled = false
	require.NoError(t, store.CreateServer(ctx, offline))

	overviews, err := m.EnabledServerOverviews(ctx)
	require.NoError(t, err)
	require.Len(t, overviews, 1, "disabled servers are not advertised")
	assert.Equal(t, "docs", overviews[0].Name)
	assert.Equal(t, "Documentation tools", overviews[0].Description)
	assert.True(t, overviews[0].Connected)
	assert.ElementsMatch(t, []string{"search", "fetch"}, overviews[0].ToolNames)
}
