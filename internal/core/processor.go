// Package core is the event pipeline: it takes parsed events from every
// ingestion path, resolves the owning tenant, dispatches upstream and queues
// failures in the pending store.
package core

import (
	"context"
	"log"

	"github.com/accessbridge/bridge/internal/bridge"
	"github.com/accessbridge/bridge/internal/dispatch"
	"github.com/accessbridge/bridge/internal/isapi"
	"github.com/accessbridge/bridge/internal/isup"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/pending"
	"github.com/accessbridge/bridge/internal/tenant"
)

// Publisher receives every normalized event after tenant resolution,
// regardless of delivery outcome. Satisfied by events.Bus and events.RedisBus.
type Publisher interface {
	Publish(ev *bridge.NormalizedEvent)
}

// Processor implements the sink interfaces of the isup server, the ISAPI
// webhook and the alert-stream client.
type Processor struct {
	resolver   *tenant.Resolver
	dispatcher *dispatch.Dispatcher
	store      *pending.Store
	metrics    *metrics.Metrics
	publisher  Publisher
	logger     *log.Logger
}

// NewProcessor wires the pipeline. publisher may be nil when no live feed is
// configured.
func NewProcessor(resolver *tenant.Resolver, dispatcher *dispatch.Dispatcher, store *pending.Store, m *metrics.Metrics, publisher Publisher, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	return &Processor{
		resolver:   resolver,
		dispatcher: dispatcher,
		store:      store,
		metrics:    m,
		publisher:  publisher,
		logger:     logger,
	}
}

// ProcessISUPFrame handles one non-heartbeat ISUP frame. The server has
// already ACKed; parse failures here only affect forwarding.
func (p *Processor) ProcessISUPFrame(frame *isup.Frame, clientAddr string) {
	ev, ok := isup.ParseAccessEvent(frame)
	if !ok {
		// Non-event payload (config push, status report). Nothing to forward.
		p.logger.Printf("ISUP frame from %s (%s) carried no access event, cmd=0x%02X len=%d",
			clientAddr, frame.Header.DeviceID, frame.Header.Command, frame.Header.DataLength)
		return
	}
	if p.metrics != nil {
		p.metrics.EventParsed(string(bridge.SourceISUP))
	}
	p.process(bridge.FromISUP(ev, clientAddr))
}

// ProcessWebhookEvent handles one event parsed from an inbound notification.
func (p *Processor) ProcessWebhookEvent(ev *isapi.Event, clientAddr string) bool {
	if p.metrics != nil {
		p.metrics.EventReceived(string(bridge.SourceISAPIWebhook))
		p.metrics.EventParsed(string(bridge.SourceISAPIWebhook))
	}
	return p.process(bridge.FromISAPI(ev, clientAddr, bridge.SourceISAPIWebhook))
}

// ProcessStreamEvent handles one event read from a device alert stream.
func (p *Processor) ProcessStreamEvent(ev *isapi.Event, deviceAddr string) bool {
	if p.metrics != nil {
		p.metrics.EventReceived(string(bridge.SourceISAPIStream))
		p.metrics.EventParsed(string(bridge.SourceISAPIStream))
	}
	return p.process(bridge.FromISAPI(ev, deviceAddr, bridge.SourceISAPIStream))
}

// process runs tenant resolution and delivery for one normalized event.
// Returns true when the event was delivered upstream on the first try.
func (p *Processor) process(ev *bridge.NormalizedEvent) bool {
	t := p.resolver.FindByDevice(ev.DeviceID)
	if t == nil {
		// Unrouteable events are dropped, not queued: queueing them would
		// grow the store forever for devices nobody claimed.
		p.logger.Printf("no tenant for device %s (from %s), dropping event", ev.DeviceID, ev.ClientAddr)
		return false
	}
	ev.Tenant = t.Name

	if p.publisher != nil {
		p.publisher.Publish(ev)
	}

	if p.dispatcher.Dispatch(context.Background(), t, ev) {
		p.logger.Printf("delivered event for tenant %s: device=%s card=%s dir=%s success=%t",
			t.Name, ev.DeviceID, ev.CardNumber, ev.Direction, ev.Success)
		return true
	}

	if _, err := p.store.Save(ev); err != nil {
		p.logger.Printf("FAILED to queue undeliverable event for %s: %v", t.Name, err)
		return false
	}
	if p.metrics != nil {
		p.metrics.SetPending(p.store.Count())
	}
	return false
}
