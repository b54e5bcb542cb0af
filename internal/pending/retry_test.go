package pending

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessbridge/bridge/internal/bridge"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/tenant"
)

type scriptedSender struct {
	mu      sync.Mutex
	results []bool
	calls   int
}

func (s *scriptedSender) Dispatch(ctx context.Context, t *tenant.Tenant, ev *bridge.NormalizedEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return false
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func newRetryFixture(t *testing.T, results []bool) (*RetryLoop, *Store, *scriptedSender, *metrics.Metrics) {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	resolver := tenant.NewResolver([]*tenant.Tenant{
		{Name: "acme", UpstreamURL: "http://upstream.example/events"},
	}, nil, nil)

	sender := &scriptedSender{results: results}
	m := metrics.New(prometheus.NewRegistry())
	loop := NewRetryLoop(RetryLoopConfig{}, store, resolver, sender, m, nil)
	return loop, store, sender, m
}

func TestPassReplaysAndRemovesOnSuccess(t *testing.T) {
	loop, store, sender, m := newRetryFixture(t, []bool{true})

	ev := testEvent("DEV1")
	_, err := store.Save(ev)
	require.NoError(t, err)

	loop.Pass(context.Background())

	assert.Equal(t, 1, sender.calls)
	assert.Equal(t, 0, store.Count())
	assert.Equal(t, int64(1), m.RetriedOK())
}

func TestPassKeepsFileOnFailure(t *testing.T) {
	loop, store, sender, m := newRetryFixture(t, []bool{false, true})

	_, err := store.Save(testEvent("DEV1"))
	require.NoError(t, err)

	loop.Pass(context.Background())
	assert.Equal(t, 1, sender.calls)
	assert.Equal(t, 1, store.Count())
	assert.Equal(t, int64(0), m.RetriedOK())

	// upstream recovers: the next pass drains the file and counts one success
	loop.Pass(context.Background())
	assert.Equal(t, 2, sender.calls)
	assert.Equal(t, 0, store.Count())
	assert.Equal(t, int64(1), m.RetriedOK())
}

func TestPassSkipsUnknownTenant(t *testing.T) {
	loop, store, sender, _ := newRetryFixture(t, []bool{true})

	ev := testEvent("DEV1")
	ev.Tenant = "vanished"
	_, err := store.Save(ev)
	require.NoError(t, err)

	loop.Pass(context.Background())

	// not dispatched, not deleted
	assert.Equal(t, 0, sender.calls)
	assert.Equal(t, 1, store.Count())
}

func TestPassStopsOnCancelledContext(t *testing.T) {
	loop, store, sender, _ := newRetryFixture(t, []bool{true, true})

	_, err := store.Save(testEvent("DEV1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop.Pass(ctx)

	assert.Equal(t, 0, sender.calls)
	assert.Equal(t, 1, store.Count())
}
