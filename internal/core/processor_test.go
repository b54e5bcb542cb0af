package core

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessbridge/bridge/internal/bridge"
	"github.com/accessbridge/bridge/internal/dispatch"
	"github.com/accessbridge/bridge/internal/isapi"
	"github.com/accessbridge/bridge/internal/isup"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/pending"
	"github.com/accessbridge/bridge/internal/tenant"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []*bridge.NormalizedEvent
}

func (cp *capturingPublisher) Publish(ev *bridge.NormalizedEvent) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.events = append(cp.events, ev)
}

func (cp *capturingPublisher) count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.events)
}

type fixture struct {
	processor *Processor
	store     *pending.Store
	publisher *capturingPublisher
	upstream  *httptest.Server
	requests  *int32mutex
}

type int32mutex struct {
	mu sync.Mutex
	n  int
}

func (c *int32mutex) inc() { c.mu.Lock(); c.n++; c.mu.Unlock() }
func (c *int32mutex) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func newFixture(t *testing.T, upstreamStatus int) *fixture {
	t.Helper()

	requests := &int32mutex{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.inc()
		w.WriteHeader(upstreamStatus)
	}))
	t.Cleanup(upstream.Close)

	resolver := tenant.NewResolver(
		[]*tenant.Tenant{{Name: "acme", UpstreamURL: upstream.URL}},
		[]tenant.Binding{
			{MAC: "TERM000000000001", Tenant: "acme"},
			{MAC: "AA:BB:CC:DD:EE:01", Tenant: "acme"},
		},
		nil,
	)

	store, err := pending.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	dispatcher := dispatch.New(dispatch.Config{
		AttemptTimeout: time.Second,
		BackoffBase:    time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}, m, nil)

	publisher := &capturingPublisher{}
	return &fixture{
		processor: NewProcessor(resolver, dispatcher, store, m, publisher, nil),
		store:     store,
		publisher: publisher,
		upstream:  upstream,
		requests:  requests,
	}
}

func cardFrame(t *testing.T, deviceID string, seq uint32) *isup.Frame {
	t.Helper()
	body := make([]byte, 25)
	body[2] = 1 // card
	body[3] = 1 // in
	body[7] = 42
	copy(body[8:16], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(body[16:22], []byte{24, 9, 12, 14, 23, 10})
	body[22], body[23], body[24] = 1, 1, 1

	codec := &isup.Codec{StrictCRC: true}
	frame, err := codec.Decode(isup.EncodeFrame(1, 0x00, deviceID, seq, body))
	require.NoError(t, err)
	return frame
}

func TestISUPFrameDelivered(t *testing.T) {
	fx := newFixture(t, http.StatusOK)

	fx.processor.ProcessISUPFrame(cardFrame(t, "TERM000000000001", 1), "10.0.0.9:4000")

	assert.Equal(t, 1, fx.requests.get())
	assert.Equal(t, 0, fx.store.Count())

	require.Equal(t, 1, fx.publisher.count())
	ev := fx.publisher.events[0]
	assert.Equal(t, bridge.SourceISUP, ev.Source)
	assert.Equal(t, "acme", ev.Tenant)
	assert.Equal(t, "0102030405060708", ev.CardNumber)
}

func TestUnroutableEventDroppedNotQueued(t *testing.T) {
	fx := newFixture(t, http.StatusOK)

	fx.processor.ProcessISUPFrame(cardFrame(t, "UNBOUND0000000001", 1), "10.0.0.9:4000")

	assert.Equal(t, 0, fx.requests.get())
	assert.Equal(t, 0, fx.store.Count())
	assert.Equal(t, 0, fx.publisher.count())
}

func TestFailedDeliveryQueuedExactlyOnce(t *testing.T) {
	fx := newFixture(t, http.StatusServiceUnavailable)

	fx.processor.ProcessISUPFrame(cardFrame(t, "TERM000000000001", 1), "10.0.0.9:4000")

	assert.Equal(t, 3, fx.requests.get()) // three attempts, then queue
	assert.Equal(t, 1, fx.store.Count())

	records, err := fx.store.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "acme", records[0].Tenant)
}

func TestNonEventISUPFrameIgnored(t *testing.T) {
	fx := newFixture(t, http.StatusOK)

	codec := &isup.Codec{}
	frame, err := codec.Decode(isup.EncodeFrame(1, 0x30, "TERM000000000001", 1, []byte{0x01, 0x02}))
	require.NoError(t, err)

	fx.processor.ProcessISUPFrame(frame, "10.0.0.9:4000")
	assert.Equal(t, 0, fx.requests.get())
	assert.Equal(t, 0, fx.store.Count())
}

func TestWebhookEventRoutedByMAC(t *testing.T) {
	fx := newFixture(t, http.StatusOK)

	ok := fx.processor.ProcessWebhookEvent(&isapi.Event{
		DeviceID:       "AA:BB:CC:DD:EE:01",
		Timestamp:      "2024-09-12T14:23:10+08:00",
		CardNumber:     "1234567890",
		EmployeeNumber: "EMP1",
		ReaderID:       "3",
		Direction:      "IN",
		Success:        true,
	}, "192.0.2.10")

	assert.True(t, ok)
	assert.Equal(t, 1, fx.requests.get())
	require.Equal(t, 1, fx.publisher.count())
	assert.Equal(t, bridge.SourceISAPIWebhook, fx.publisher.events[0].Source)
	assert.Equal(t, 3, fx.publisher.events[0].ReaderID)
}

func TestStreamEventSource(t *testing.T) {
	fx := newFixture(t, http.StatusOK)

	ok := fx.processor.ProcessStreamEvent(&isapi.Event{
		DeviceID:  "AA:BB:CC:DD:EE:01",
		Direction: "OUT",
	}, "203.0.113.5")

	assert.True(t, ok)
	require.Equal(t, 1, fx.publisher.count())
	assert.Equal(t, bridge.SourceISAPIStream, fx.publisher.events[0].Source)
	assert.Equal(t, bridge.DirectionOut, fx.publisher.events[0].Direction)
}
