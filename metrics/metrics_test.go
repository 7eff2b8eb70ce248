package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Passes.WithLabelValues("foo", "success").Inc()
	m.Passes.WithLabelValues("foo", "success").Inc()
	m.Passes.WithLabelValues("foo", "skipped").Inc()
	m.DNSWrites.WithLabelValues("foo", "created").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Passes.WithLabelValues("foo", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Passes.WithLabelValues("foo", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DNSWrites.WithLabelValues("foo", "created")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.PeersResponded.WithLabelValues("foo").Set(3)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `fluxdnsd_peers_responded{app="foo"} 3`)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.OK)
}
