package isapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/accessbridge/bridge/internal/multipart"
)

// StreamSink consumes events parsed off an alert stream.
type StreamSink interface {
	ProcessStreamEvent(ev *Event, deviceAddr string) bool
}

// StreamConfig holds per-device alert-stream settings.
type StreamConfig struct {
	IP       string
	Name     string
	Username string
	Password string

	ReconnectDelay   time.Duration // default 5s
	HeartbeatTimeout time.Duration // default 60s
	ConnectTimeout   time.Duration // default 10s
}

// StreamClient keeps a persistent pull open against a device's
// /ISAPI/Event/notification/alertStream endpoint, feeding every XML part to
// the sink. The connection is considered dead when no chunk arrives within
// the heartbeat timeout; any exit from the read loop reconnects after the
// configured delay.
type StreamClient struct {
	cfg    StreamConfig
	sink   StreamSink
	parser *Parser
	digest *DigestAuth
	client *http.Client
	logger *log.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewStreamClient creates a client for one device.
func NewStreamClient(cfg StreamConfig, sink StreamSink, parser *Parser, logger *log.Logger) *StreamClient {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.IP
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STREAM] ", log.LstdFlags)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.HeartbeatTimeout,
	}

	return &StreamClient{
		cfg:    cfg,
		sink:   sink,
		parser: parser,
		digest: NewDigestAuth(cfg.Username, cfg.Password),
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

// URL returns the alert-stream endpoint for the configured device.
func (c *StreamClient) URL() string {
	return fmt.Sprintf("http://%s/ISAPI/Event/notification/alertStream", c.cfg.IP)
}

// Run drives the connect/stream/reconnect loop until ctx is cancelled or
// Stop is called.
func (c *StreamClient) Run(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer c.running.Store(false)

	for c.running.Load() && ctx.Err() == nil {
		if err := c.connectAndStream(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Printf("alert stream error for %s: %v", c.cfg.Name, err)
		}

		if !c.running.Load() || ctx.Err() != nil {
			return
		}
		c.logger.Printf("reconnecting alert stream for %s in %s", c.cfg.Name, c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// Stop ends the loop; the active connection is torn down immediately.
func (c *StreamClient) Stop() {
	c.running.Store(false)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
}

func (c *StreamClient) connectAndStream(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	// Digest state is per connection; a reconnect renegotiates from scratch.
	c.digest.Reset()

	resp, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	boundary := extractBoundary(resp.Header.Get("Content-Type"))
	c.logger.Printf("alert stream connected for %s, boundary=%q", c.cfg.Name, boundary)

	// Watchdog: if no chunk arrives within the heartbeat timeout the device
	// or the path is dead and the read below is unblocked by cancelling ctx.
	watchdog := time.AfterFunc(c.cfg.HeartbeatTimeout, cancel)
	defer watchdog.Stop()

	var buffer []byte
	chunk := make([]byte, 2048)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			watchdog.Reset(c.cfg.HeartbeatTimeout)
			buffer = append(buffer, chunk[:n]...)
			buffer = c.drainBuffer(buffer, boundary)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil && parent.Err() == nil && c.running.Load() {
				return fmt.Errorf("heartbeat timeout after %s", c.cfg.HeartbeatTimeout)
			}
			return err
		}
	}
}

// open performs the initial GET, answering a single Digest challenge.
func (c *StreamClient) open(ctx context.Context) (*http.Response, error) {
	url := c.URL()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Connection", "Keep-Alive")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if !c.digest.UpdateFromChallenge(challenge) {
		return nil, fmt.Errorf("unusable WWW-Authenticate challenge from %s", c.cfg.Name)
	}
	auth, err := c.digest.AuthorizationHeader(http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	retry, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	retry.Header.Set("Connection", "Keep-Alive")
	retry.Header.Set("Authorization", auth)

	resp, err = c.client.Do(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("digest authentication failed for %s", c.cfg.Name)
	}
	return resp, nil
}

// drainBuffer splits the rolling buffer on the boundary marker, handles every
// complete segment and returns the trailing incomplete remainder.
func (c *StreamClient) drainBuffer(buffer []byte, boundary string) []byte {
	if boundary == "" {
		return buffer
	}

	marker := []byte("--" + boundary)
	segments := bytes.Split(buffer, marker)
	if len(segments) == 0 {
		return buffer
	}

	remainder := segments[len(segments)-1]
	segments = segments[:len(segments)-1]
	if trimmed := bytes.TrimSpace(remainder); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("--")) {
		remainder = nil
	}

	for _, seg := range segments {
		seg = bytes.Trim(seg, "\r\n")
		if len(seg) == 0 || bytes.Equal(seg, []byte("--")) {
			continue
		}
		payload := append(append([]byte{}, marker...), append([]byte("\r\n"), seg...)...)
		for _, part := range multipart.Parse(payload, boundary) {
			c.handlePart(part)
		}
	}

	// bytes.Split aliases the input; copy so append never clobbers a
	// segment still being parsed.
	return append([]byte{}, remainder...)
}

func (c *StreamClient) handlePart(part multipart.Part) {
	switch part.Type {
	case multipart.TypeImage:
		// Stream images are snapshots without metadata; the webhook path is
		// the one that correlates pictures with events.
		c.logger.Printf("ignoring image part (%d bytes) from %s", len(part.Body), c.cfg.Name)
	case multipart.TypeXML:
		events, err := c.parser.Parse(string(part.Body), nil)
		if err != nil {
			c.logger.Printf("failed to parse alert-stream XML from %s: %v", c.cfg.Name, err)
			return
		}
		for _, ev := range events {
			c.sink.ProcessStreamEvent(ev, c.cfg.IP)
		}
	default:
		// json parts and unknown filler are not access events
	}
}

func extractBoundary(contentType string) string {
	_, params := multipart.ParseContentType(contentType)
	return params["boundary"]
}
