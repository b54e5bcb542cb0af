package pending

import (
	"context"
	"log"
	"time"

	"github.com/accessbridge/bridge/internal/bridge"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/tenant"
)

// Sender retries one event against its tenant's upstream. Satisfied by
// dispatch.Dispatcher.
type Sender interface {
	Dispatch(ctx context.Context, t *tenant.Tenant, ev *bridge.NormalizedEvent) bool
}

// RetryLoopConfig tunes the replay cadence.
type RetryLoopConfig struct {
	Interval   time.Duration // default 10s
	MaxAge     time.Duration // default 30 days
	CleanEvery int           // cleanup every N passes, default 360 (~1h at 10s)
}

// RetryLoop periodically replays the pending store. Records whose tenant has
// disappeared from config are skipped, not deleted: the next config reload
// may bring the tenant back.
type RetryLoop struct {
	cfg      RetryLoopConfig
	store    *Store
	resolver *tenant.Resolver
	sender   Sender
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// NewRetryLoop wires the replay loop; zero config fields get defaults.
func NewRetryLoop(cfg RetryLoopConfig, store *Store, resolver *tenant.Resolver, sender Sender, m *metrics.Metrics, logger *log.Logger) *RetryLoop {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.CleanEvery <= 0 {
		cfg.CleanEvery = 360
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRY] ", log.LstdFlags)
	}
	return &RetryLoop{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		sender:   sender,
		metrics:  m,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled.
func (rl *RetryLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.Interval)
	defer ticker.Stop()

	rl.logger.Printf("retry loop started (interval %s)", rl.cfg.Interval)
	passes := 0
	for {
		select {
		case <-ctx.Done():
			rl.logger.Printf("retry loop stopped")
			return
		case <-ticker.C:
			rl.Pass(ctx)
			passes++
			if passes%rl.cfg.CleanEvery == 0 {
				if n := rl.store.CleanupOld(rl.cfg.MaxAge); n > 0 {
					rl.logger.Printf("cleaned up %d stale pending events", n)
				}
			}
			if rl.metrics != nil {
				rl.metrics.SetPending(rl.store.Count())
			}
		}
	}
}

// Pass replays every queued record once. Exposed for tests and for the
// on-demand flush in the ops API.
func (rl *RetryLoop) Pass(ctx context.Context) {
	records, err := rl.store.LoadAll()
	if err != nil {
		rl.logger.Printf("failed to load pending events: %v", err)
		return
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}

		t := rl.resolver.Get(rec.Tenant)
		if t == nil {
			rl.logger.Printf("pending event %s references unknown tenant %q, keeping for later",
				rec.PendingID, rec.Tenant)
			continue
		}

		ok := rl.sender.Dispatch(ctx, t, &rec.NormalizedEvent)
		if rl.metrics != nil {
			rl.metrics.RetryResult(ok)
		}
		if !ok {
			continue
		}
		if err := rl.store.Remove(rec); err != nil {
			rl.logger.Printf("replayed %s but could not remove it: %v", rec.PendingID, err)
			continue
		}
		rl.logger.Printf("replayed pending event %s for tenant %s", rec.PendingID, rec.Tenant)
	}
}
