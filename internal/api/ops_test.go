package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessbridge/bridge/internal/bridge"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/pending"
)

func newOpsServer(t *testing.T) (*Server, *metrics.Metrics, *pending.Store) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	store, err := pending.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return NewServer("127.0.0.1", 0, m, store, nil, nil), m, store
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, store := newOpsServer(t)

	_, err := store.Save(&bridge.NormalizedEvent{DeviceID: "DEV1", Tenant: "acme"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["pending_events"])
}

func TestMetricsJSONEndpoint(t *testing.T) {
	srv, m, _ := newOpsServer(t)

	m.EventReceived("ISUP")
	m.EventSent("acme")

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics.json", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Metrics metrics.Snapshot `json:"metrics"`
		Pending int              `json:"pending_events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Metrics.Events.Received)
	assert.Equal(t, int64(1), body.Metrics.Events.OK)
	assert.Equal(t, 0, body.Pending)
}

func TestPrometheusEndpointWired(t *testing.T) {
	srv, _, _ := newOpsServer(t)

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
