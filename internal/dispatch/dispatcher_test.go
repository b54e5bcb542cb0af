package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessbridge/bridge/internal/bridge"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/tenant"
)

func fastDispatcher() *Dispatcher {
	return New(Config{
		AttemptTimeout: time.Second,
		BackoffBase:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, metrics.New(prometheus.NewRegistry()), nil)
}

func normalized() *bridge.NormalizedEvent {
	return &bridge.NormalizedEvent{
		Source:     bridge.SourceISUP,
		DeviceID:   "TERM000000000001",
		Timestamp:  "2024-09-12T14:23:10+03:00",
		CardNumber: "0102030405060708",
		UserID:     "42",
		Direction:  bridge.DirectionIn,
		Success:    true,
		Tenant:     "acme",
	}
}

type upstreamRecorder struct {
	mu       sync.Mutex
	statuses []int
	bodies   []Payload
	auths    []string
}

func (u *upstreamRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		var p Payload
		json.NewDecoder(r.Body).Decode(&p)
		u.bodies = append(u.bodies, p)
		u.auths = append(u.auths, r.Header.Get("Authorization"))
		status := http.StatusOK
		if len(u.statuses) > 0 {
			status = u.statuses[0]
			u.statuses = u.statuses[1:]
		}
		u.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (u *upstreamRecorder) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.bodies)
}

func TestDispatchSuccess(t *testing.T) {
	rec := &upstreamRecorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	d := fastDispatcher()
	tn := &tenant.Tenant{Name: "acme", UpstreamURL: server.URL, Auth: tenant.Auth{Token: "tok123"}}

	ok := d.Dispatch(context.Background(), tn, normalized())
	require.True(t, ok)
	require.Equal(t, 1, rec.calls())

	p := rec.bodies[0]
	assert.Equal(t, "42", p.Employee)
	assert.Equal(t, "0102030405060708", p.Card)
	assert.Equal(t, "IN", p.Direction)
	assert.True(t, p.Success)
	assert.Equal(t, "ISUP", p.Source)
	assert.Equal(t, "acme", p.Tenant)
	assert.Equal(t, "Bearer tok123", rec.auths[0])
}

func TestDispatchBasicAuth(t *testing.T) {
	rec := &upstreamRecorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	d := fastDispatcher()
	tn := &tenant.Tenant{
		Name:        "acme",
		UpstreamURL: server.URL,
		Auth:        tenant.Auth{Kind: tenant.AuthBasic, Username: "svc", Password: "pw"},
	}

	require.True(t, d.Dispatch(context.Background(), tn, normalized()))
	assert.Contains(t, rec.auths[0], "Basic ")
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	rec := &upstreamRecorder{statuses: []int{503, 502, 200}}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	d := fastDispatcher()
	tn := &tenant.Tenant{Name: "acme", UpstreamURL: server.URL}

	ok := d.Dispatch(context.Background(), tn, normalized())
	assert.True(t, ok)
	assert.Equal(t, 3, rec.calls())
}

func TestDispatchExhaustsAfterThreeAttempts(t *testing.T) {
	rec := &upstreamRecorder{statuses: []int{503, 503, 503, 503}}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	d := fastDispatcher()
	tn := &tenant.Tenant{Name: "acme", UpstreamURL: server.URL}

	ok := d.Dispatch(context.Background(), tn, normalized())
	assert.False(t, ok)
	assert.Equal(t, 3, rec.calls())
}

func TestDispatch4xxIsPermanent(t *testing.T) {
	rec := &upstreamRecorder{statuses: []int{422}}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	d := fastDispatcher()
	tn := &tenant.Tenant{Name: "acme", UpstreamURL: server.URL}

	ok := d.Dispatch(context.Background(), tn, normalized())
	assert.False(t, ok)
	assert.Equal(t, 1, rec.calls())
}

func TestDispatchNoUpstreamURL(t *testing.T) {
	d := fastDispatcher()
	ok := d.Dispatch(context.Background(), &tenant.Tenant{Name: "acme"}, normalized())
	assert.False(t, ok)
}

func TestDispatchUnreachableUpstream(t *testing.T) {
	d := fastDispatcher()
	tn := &tenant.Tenant{Name: "acme", UpstreamURL: "http://127.0.0.1:1/events"}

	ok := d.Dispatch(context.Background(), tn, normalized())
	assert.False(t, ok)
}

func TestPayloadForOmitsEmptyRaw(t *testing.T) {
	ev := normalized()
	ev.Raw = ""
	data, err := json.Marshal(PayloadFor(ev))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"raw"`)
}
