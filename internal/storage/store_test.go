package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/apperr"
	"github.com/dext-ai/dext-broker/internal/config"
	"github.com/dext-ai/dext-broker/internal/hash"
)

const testDim = 4

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "tools_vector.db"), testDim, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools_vector.db")

	store, err := Open(path, testDim, zap.NewNop())
	require.NoError(t, err)

	cfg := &config.ServerConfig{Name: "github", Type: config.TypeStdio, Command: "gh-mcp", Enabled: true}
	require.NoError(t, store.CreateServer(context.Background(), cfg))
	require.NoError(t, store.Close())

	// Migrations must be idempotent across restarts.
	store, err = Open(path, testDim, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetServerByName(context.Background(), "github")
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, got.ID)
	assert.Equal(t, testDim, store.Dimension())
}

func TestServerCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &config.ServerConfig{
		Name:        "github",
		Type:        config.TypeStdio,
		Command:     "gh-mcp",
		Args:        []string{"serve", "--stdio"},
		Env:         map[string]string{"GITHUB_TOKEN": "${GITHUB_TOKEN}"},
		Description: "GitHub tools",
		Enabled:     true,
	}
	require.NoError(t, store.CreateServer(ctx, cfg))
	require.NotEmpty(t, cfg.ID)
	require.False(t, cfg.CreatedAt.IsZero())

	got, err := store.GetServer(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, got.Name)
	assert.Equal(t, cfg.Args, got.Args)
	assert.Equal(t, cfg.Env, got.Env)
	assert.True(t, got.Enabled)

	// Names are unique.
	dup := &config.ServerConfig{Name: "github", Type: config.TypeStdio, Command: "other"}
	err = store.CreateServer(ctx, dup)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))

	got.Description = "GitHub issue and PR tools"
	got.Enabled = false
	require.NoError(t, store.UpdateServer(ctx, got))

	updated, err := store.GetServer(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "GitHub issue and PR tools", updated.Description)
	assert.False(t, updated.Enabled)

	missing := &config.ServerConfig{ID: "no-such-id", Name: "ghost", Type: config.TypeStdio, Command: "x"}
	err = store.UpdateServer(ctx, missing)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))

	deleted, err := store.DeleteServer(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "github", deleted.Name)

	_, err = store.GetServer(ctx, cfg.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestUpdateServerRenameConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &config.ServerConfig{Name: "alpha", Type: config.TypeSSE, URL: "https://alpha.example.com/sse", Enabled: true}
	b := &config.ServerConfig{Name: "beta", Type: config.TypeSSE, URL: "https://beta.example.com/sse", Enabled: true}
	require.NoError(t, store.CreateServer(ctx, a))
	require.NoError(t, store.CreateServer(ctx, b))

	b.Name = "alpha"
	err := store.UpdateServer(ctx, b)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestListServersPaginationAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	names := []string{"one", "two", "three", "four", "five"}
	for i, name := range names {
		cfg := &config.ServerConfig{
			Name:    name,
			Type:    config.TypeStdio,
			Command: "srv",
			Enabled: i%2 == 0,
		}
		require.NoError(t, store.CreateServer(ctx, cfg))
	}

	page1, total, err := store.ListServers(ctx, ServerFilter{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)

	page3, _, err := store.ListServers(ctx, ServerFilter{}, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)

	// No overlap across pages under the stable ordering.
	page2, _, err := store.ListServers(ctx, ServerFilter{}, 2, 2)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, s := range append(append(page1, page2...), page3...) {
		assert.False(t, seen[s.ID], "server %s returned twice", s.Name)
		seen[s.ID] = true
	}

	enabled := true
	only, total, err := store.ListServers(ctx, ServerFilter{Enabled: &enabled}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, s := range only {
		assert.True(t, s.Enabled)
	}
}

func TestUpsertToolWithVector(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	display := hash.DisplayName("github", "create_issue")
	vec := []float32{1, 0, 0, 0}

	id, err := store.UpsertToolWithVector(ctx, display, "Create a GitHub issue", "test-model", vec)
	require.NoError(t, err)
	require.NotZero(t, id)

	md5 := hash.ToolMD5(display, "Create a GitHub issue")
	exists, err := store.HasTool(ctx, md5, "test-model")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.HasTool(ctx, md5, "other-model")
	require.NoError(t, err)
	assert.False(t, exists)

	// Re-upserting the same identity keeps one record and one vector.
	id2, err := store.UpsertToolWithVector(ctx, display, "Create a GitHub issue", "test-model", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	n, err := store.CountTools(ctx, "test-model")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The replacement vector is the one searched.
	hits, err := store.SearchSimilar(ctx, []float32{0, 1, 0, 0}, 5, 0.9, nil, "test-model")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)

	// Dimension mismatch is rejected up front.
	_, err = store.UpsertToolWithVector(ctx, display, "Create a GitHub issue", "test-model", []float32{1, 0})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Shape))
}

func TestSearchSimilarOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		server, tool, desc string
		vec                []float32
	}{
		{"github", "create_issue", "Create a GitHub issue", []float32{1, 0, 0, 0}},
		{"github", "list_issues", "List GitHub issues", Normalize([]float32{0.9, 0.1, 0, 0})},
		{"slack", "post_message", "Post a Slack message", []float32{0, 1, 0, 0}},
	}
	for _, s := range seed {
		_, err := store.UpsertToolWithVector(ctx, hash.DisplayName(s.server, s.tool), s.desc, "test-model", s.vec)
		require.NoError(t, err)
	}

	hits, err := store.SearchSimilar(ctx, []float32{1, 0, 0, 0}, 10, 0.1, nil, "test-model")
	require.NoError(t, err)
	require.Len(t, hits, 2, "orthogonal tool sits below threshold")
	assert.Equal(t, "github__create_issue", hits[0].DisplayName)
	assert.Equal(t, "github__list_issues", hits[1].DisplayName)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)

	// topK truncates after ordering.
	hits, err = store.SearchSimilar(ctx, []float32{1, 0, 0, 0}, 1, 0.1, nil, "test-model")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "github__create_issue", hits[0].DisplayName)

	// A different model sees nothing.
	hits, err = store.SearchSimilar(ctx, []float32{1, 0, 0, 0}, 10, 0.1, nil, "other-model")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchSimilarServerPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// "a" and "aa" must not shadow each other through prefix matching.
	_, err := store.UpsertToolWithVector(ctx, hash.DisplayName("a", "ping"), "Ping from a", "test-model", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = store.UpsertToolWithVector(ctx, hash.DisplayName("aa", "ping"), "Ping from aa", "test-model", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	hits, err := store.SearchSimilar(ctx, []float32{1, 0, 0, 0}, 10, 0.1, []string{"a"}, "test-model")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a__ping", hits[0].DisplayName)

	hits, err = store.SearchSimilar(ctx, []float32{1, 0, 0, 0}, 10, 0.1, []string{"a", "aa"}, "test-model")
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestDeleteToolByMD5(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	display := hash.DisplayName("github", "create_issue")
	desc := "Create a GitHub issue"
	_, err := store.UpsertToolWithVector(ctx, display, desc, "model-a", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = store.UpsertToolWithVector(ctx, display, desc, "model-b", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	md5 := hash.ToolMD5(display, desc)

	n, err := store.DeleteToolByMD5(ctx, md5, "model-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	exists, err := store.HasTool(ctx, md5, "model-b")
	require.NoError(t, err)
	assert.True(t, exists)

	// Empty model cascades across the rest.
	n, err = store.DeleteToolByMD5(ctx, md5, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	total, err := store.CountTools(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, total)

	// Deleting an unknown identity is a quiet zero.
	n, err = store.DeleteToolByMD5(ctx, md5, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteToolsForMissingServers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, s := range []struct{ server, tool string }{
		{"github", "create_issue"},
		{"github", "list_issues"},
		{"slack", "post_message"},
	} {
		_, err := store.UpsertToolWithVector(ctx, hash.DisplayName(s.server, s.tool), "desc "+s.tool, "test-model", []float32{1, 0, 0, 0})
		require.NoError(t, err)
	}

	removed, err := store.DeleteToolsForMissingServers(ctx, []string{"github"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	tools, err := store.ListServerTools(ctx, "github")
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	tools, err = store.ListServerTools(ctx, "slack")
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestListServerTools(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertToolWithVector(ctx, hash.DisplayName("github", "create_issue"), "Create a GitHub issue", "test-model", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = store.UpsertToolWithVector(ctx, hash.DisplayName("githubber", "other"), "Unrelated", "test-model", []float32{0, 1, 0, 0})
	require.NoError(t, err)

	tools, err := store.ListServerTools(ctx, "github")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "create_issue", tools[0].ToolName)
	assert.Equal(t, "github__create_issue", tools[0].DisplayName)
	assert.Equal(t, hash.ToolMD5("github__create_issue", "Create a GitHub issue"), tools[0].ToolMD5)
}

func TestSessionHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordRetrieved(ctx, "abc123", "md5-one", "github__create_issue"))
	require.NoError(t, store.RecordRetrieved(ctx, "abc123", "md5-one", "github__create_issue"))
	require.NoError(t, store.RecordRetrieved(ctx, "abc123", "md5-two", "slack__post_message"))
	require.NoError(t, store.RecordRetrieved(ctx, "zzz999", "md5-one", "github__create_issue"))

	history, err := store.GetSessionHistory(ctx, "abc123")
	require.NoError(t, err)
	assert.Len(t, history, 2, "duplicate recording is idempotent")

	seen, err := store.IsRetrieved(ctx, "abc123", "md5-one")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.IsRetrieved(ctx, "abc123", "md5-unknown")
	require.NoError(t, err)
	assert.False(t, seen)

	history, err = store.GetSessionHistory(ctx, "nosess")
	require.NoError(t, err)
	assert.Empty(t, history)

	entries, err := store.SessionStats(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, entries)

	entries, err = store.SessionStats(ctx, "zzz999")
	require.NoError(t, err)
	assert.Equal(t, 1, entries)

	entries, err = store.SessionStats(ctx, "nosess")
	require.NoError(t, err)
	assert.Zero(t, entries)

	n, err := store.ClearSession(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	history, err = store.GetSessionHistory(ctx, "abc123")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRecordRetrievedBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordRetrieved(ctx, "abc123", "md5-one", "github__create_issue"))

	err := store.RecordRetrievedBatch(ctx, "abc123", []SessionTool{
		{ToolMD5: "md5-one", ToolName: "github__create_issue"},
		{ToolMD5: "md5-two", ToolName: "slack__post_message"},
		{ToolMD5: "md5-three", ToolName: "jira__create_ticket"},
	})
	require.NoError(t, err)

	history, err := store.GetSessionHistory(ctx, "abc123")
	require.NoError(t, err)
	assert.Len(t, history, 3)

	require.NoError(t, store.RecordRetrievedBatch(ctx, "abc123", nil))
}

func TestClearModel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertToolWithVector(ctx, hash.DisplayName("github", "create_issue"), "Create", "test-model", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	require.NoError(t, store.ClearModel(ctx, "test-model"))

	n, err := store.CountTools(ctx, "test-model")
	require.NoError(t, err)
	assert.Zero(t, n)

	hits, err := store.SearchSimilar(ctx, []float32{1, 0, 0, 0}, 5, 0.1, nil, "test-model")
	require.NoError(t, err)
	assert.Empty(t, hits)
}
