// Package metrics exposes the bridge's counters both as Prometheus series
// and as a JSON snapshot for the ops API.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter the bridge mutates. Prometheus vectors carry
// the per-source breakdown; the plain atomics back the JSON snapshot the
// original operators consume.
type Metrics struct {
	EventsReceived *prometheus.CounterVec
	EventsParsed   *prometheus.CounterVec
	EventsSent     *prometheus.CounterVec
	EventsFailed   *prometheus.CounterVec
	EventsRetried  *prometheus.CounterVec
	Connections    prometheus.Counter
	FramesRejected prometheus.Counter
	PendingGauge   prometheus.Gauge
	LastEventUnix  prometheus.Gauge

	startTime time.Time

	received     atomic.Int64
	parsed       atomic.Int64
	sent         atomic.Int64
	failed       atomic.Int64
	retriedOK    atomic.Int64
	retriedFail  atomic.Int64
	connections  atomic.Int64
	rejected     atomic.Int64
	lastEventMu  sync.Mutex
	lastEventISO string
}

// New creates and registers all series against reg. Tests pass a fresh
// prometheus.NewRegistry(); main passes the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_received_total",
				Help: "Access events received per ingestion source",
			},
			[]string{"source"},
		),
		EventsParsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_parsed_total",
				Help: "Access events successfully parsed per source",
			},
			[]string{"source"},
		),
		EventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_sent_total",
				Help: "Events delivered upstream with a 2xx, per tenant",
			},
			[]string{"tenant"},
		),
		EventsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_failed_total",
				Help: "Events that exhausted upstream retries, per tenant",
			},
			[]string{"tenant"},
		),
		EventsRetried: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_retried_total",
				Help: "Pending-store replay outcomes",
			},
			[]string{"result"}, // result: ok, fail
		),
		Connections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_isup_connections_total",
				Help: "ISUP TCP connections accepted",
			},
		),
		FramesRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_isup_frames_rejected_total",
				Help: "ISUP frames rejected for framing or CRC errors",
			},
		),
		PendingGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_pending_events",
				Help: "Events currently waiting in the durable pending store",
			},
		),
		LastEventUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_last_event_timestamp_seconds",
				Help: "Unix time of the most recently ingested event",
			},
		),
		startTime: time.Now(),
	}
}

// EventReceived records an ingested payload before parsing.
func (m *Metrics) EventReceived(source string) {
	m.EventsReceived.WithLabelValues(source).Inc()
	m.received.Add(1)
	m.touch()
}

// EventParsed records a successfully decoded access event.
func (m *Metrics) EventParsed(source string) {
	m.EventsParsed.WithLabelValues(source).Inc()
	m.parsed.Add(1)
}

// EventSent records a 2xx upstream delivery.
func (m *Metrics) EventSent(tenant string) {
	m.EventsSent.WithLabelValues(tenant).Inc()
	m.sent.Add(1)
}

// EventFailed records an exhausted delivery attempt.
func (m *Metrics) EventFailed(tenant string) {
	m.EventsFailed.WithLabelValues(tenant).Inc()
	m.failed.Add(1)
}

// RetryResult records one pending-store replay outcome.
func (m *Metrics) RetryResult(ok bool) {
	if ok {
		m.EventsRetried.WithLabelValues("ok").Inc()
		m.retriedOK.Add(1)
	} else {
		m.EventsRetried.WithLabelValues("fail").Inc()
		m.retriedFail.Add(1)
	}
}

// ConnectionOpened records an accepted ISUP connection.
func (m *Metrics) ConnectionOpened() {
	m.Connections.Inc()
	m.connections.Add(1)
}

// FrameReceived counts an ISUP frame as received.
func (m *Metrics) FrameReceived() {
	m.EventReceived("ISUP")
}

// FrameRejected records a framing or CRC rejection.
func (m *Metrics) FrameRejected() {
	m.FramesRejected.Inc()
	m.rejected.Add(1)
}

// SetPending publishes the current pending-store depth.
func (m *Metrics) SetPending(n int) {
	m.PendingGauge.Set(float64(n))
}

func (m *Metrics) touch() {
	now := time.Now()
	m.LastEventUnix.Set(float64(now.Unix()))
	m.lastEventMu.Lock()
	m.lastEventISO = now.Format(time.RFC3339)
	m.lastEventMu.Unlock()
}

// RetriedOK returns the replay success count; used by tests.
func (m *Metrics) RetriedOK() int64 { return m.retriedOK.Load() }

// Snapshot is the JSON shape served by the ops API.
type Snapshot struct {
	StartTime     string  `json:"start_time"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Connections   int64   `json:"connections_total"`
	Events        Events  `json:"events"`
	LastEventTime *string `json:"last_event_time"`
}

// Events groups the event counters inside a snapshot.
type Events struct {
	Received           int64   `json:"received"`
	Parsed             int64   `json:"parsed"`
	OK                 int64   `json:"ok"`
	Failed             int64   `json:"failed"`
	Rejected           int64   `json:"rejected"`
	RetriesOK          int64   `json:"retries_ok"`
	RetriesFailed      int64   `json:"retries_failed"`
	SuccessRatePercent float64 `json:"success_rate_percent"`
}

// Snapshot captures the counters for the /metrics.json endpoint.
func (m *Metrics) Snapshot() Snapshot {
	received := m.received.Load()
	sent := m.sent.Load()

	rate := 0.0
	if received > 0 {
		rate = float64(sent) / float64(received) * 100.0
	}

	var last *string
	m.lastEventMu.Lock()
	if m.lastEventISO != "" {
		v := m.lastEventISO
		last = &v
	}
	m.lastEventMu.Unlock()

	return Snapshot{
		StartTime:     m.startTime.Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Connections:   m.connections.Load(),
		Events: Events{
			Received:           received,
			Parsed:             m.parsed.Load(),
			OK:                 sent,
			Failed:             m.failed.Load(),
			Rejected:           m.rejected.Load(),
			RetriesOK:          m.retriedOK.Load(),
			RetriesFailed:      m.retriedFail.Load(),
			SuccessRatePercent: float64(int(rate*100)) / 100,
		},
		LastEventTime: last,
	}
}
