package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.RetrievalsTotal.Inc()
	m.RetrievalDuration.Observe(0.42)
	m.ExecutionsTotal.WithLabelValues("success").Inc()
	m.ExecutionsTotal.WithLabelValues("error").Add(2)
	m.ExecutionDuration.Observe(1.5)
	m.ToolsIndexedTotal.Add(7)
	m.EmbeddingFailures.Inc()
	m.UpstreamsConnected.Set(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "dext_retrievals_total 1")
	assert.Contains(t, text, `dext_executions_total{outcome="error"} 2`)
	assert.Contains(t, text, "dext_tools_indexed_total 7")
	assert.Contains(t, text, "dext_upstreams_connected 3")
}

func TestMetricsIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := NewMetrics()
	b := NewMetrics()
	a.RetrievalsTotal.Inc()
	b.RetrievalsTotal.Inc()
}
