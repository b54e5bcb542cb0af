// Package dispatch delivers normalized events to tenant upstream endpoints
// with bounded retry and outcome classification.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/accessbridge/bridge/internal/bridge"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/tenant"
)

// Payload is the JSON document the upstream accounting system accepts.
type Payload struct {
	Employee  string `json:"employee"`
	Card      string `json:"card"`
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction"`
	Success   bool   `json:"success"`
	Device    string `json:"device"`
	Raw       string `json:"raw,omitempty"`
	Source    string `json:"source"`
	Tenant    string `json:"tenant"`
}

// PayloadFor flattens a normalized event into the upstream schema.
func PayloadFor(ev *bridge.NormalizedEvent) Payload {
	return Payload{
		Employee:  ev.UserID,
		Card:      ev.CardNumber,
		Timestamp: ev.Timestamp,
		Direction: string(ev.Direction),
		Success:   ev.Success,
		Device:    ev.DeviceID,
		Raw:       ev.Raw,
		Source:    string(ev.Source),
		Tenant:    ev.Tenant,
	}
}

// Config bounds the delivery attempts.
type Config struct {
	AttemptTimeout time.Duration // per attempt, default 5s
	MaxAttempts    int           // default 3
	BackoffBase    time.Duration // default 1s
	BackoffMax     time.Duration // default 10s
}

// Dispatcher posts events upstream. Transient failures (network errors,
// timeouts, 5xx) are retried with exponential backoff; 4xx responses are
// permanent and never retried. Exhausted events go back to the caller, who
// persists them in the pending store.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	metrics *metrics.Metrics
	logger  *log.Logger
}

// New creates a dispatcher; zero config fields get defaults.
func New(cfg Config, m *metrics.Metrics, logger *log.Logger) *Dispatcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags)
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.AttemptTimeout},
		metrics: m,
		logger:  logger,
	}
}

// Dispatch delivers one event to its tenant's upstream. Returns true on a
// 2xx. Metrics side effects: events_sent on success, events_failed on final
// failure.
func (d *Dispatcher) Dispatch(ctx context.Context, t *tenant.Tenant, ev *bridge.NormalizedEvent) bool {
	if t.UpstreamURL == "" {
		d.logger.Printf("tenant %s has no upstream URL configured", t.Name)
		if d.metrics != nil {
			d.metrics.EventFailed(t.Name)
		}
		return false
	}

	body, err := json.Marshal(PayloadFor(ev))
	if err != nil {
		d.logger.Printf("failed to marshal payload for %s: %v", t.Name, err)
		if d.metrics != nil {
			d.metrics.EventFailed(t.Name)
		}
		return false
	}

	backoff := d.cfg.BackoffBase
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		status, err := d.post(ctx, t, body)

		switch {
		case err == nil && status >= 200 && status < 300:
			if d.metrics != nil {
				d.metrics.EventSent(t.Name)
			}
			return true

		case err == nil && status >= 400 && status < 500:
			// Permanent: the upstream understood us and said no. Retrying
			// the same payload cannot change the answer.
			d.logger.Printf("upstream %s rejected event: HTTP %d", t.Name, status)
			if d.metrics != nil {
				d.metrics.EventFailed(t.Name)
			}
			return false
		}

		if err != nil {
			d.logger.Printf("upstream %s delivery attempt %d/%d failed: %v",
				t.Name, attempt, d.cfg.MaxAttempts, err)
		} else {
			d.logger.Printf("upstream %s delivery attempt %d/%d failed: HTTP %d",
				t.Name, attempt, d.cfg.MaxAttempts, status)
		}

		if attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			if d.metrics != nil {
				d.metrics.EventFailed(t.Name)
			}
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.cfg.BackoffMax {
			backoff = d.cfg.BackoffMax
		}
	}

	if d.metrics != nil {
		d.metrics.EventFailed(t.Name)
	}
	return false
}

func (d *Dispatcher) post(ctx context.Context, t *tenant.Tenant, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	switch t.Auth.Kind {
	case tenant.AuthBasic:
		req.SetBasicAuth(t.Auth.Username, t.Auth.Password)
	case tenant.AuthBearer:
		if t.Auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+t.Auth.Token)
		}
	default:
		if t.Auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+t.Auth.Token)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("dispatch: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
