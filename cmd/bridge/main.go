// Command bridge runs the access-control event bridge: ISUP TCP listener,
// ISAPI webhook and alert-stream clients, tenant routing, upstream dispatch
// with a durable pending queue, and the ops API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/accessbridge/bridge/internal/api"
	"github.com/accessbridge/bridge/internal/config"
	"github.com/accessbridge/bridge/internal/core"
	"github.com/accessbridge/bridge/internal/dispatch"
	"github.com/accessbridge/bridge/internal/events"
	"github.com/accessbridge/bridge/internal/isapi"
	"github.com/accessbridge/bridge/internal/isup"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/pending"
	"github.com/accessbridge/bridge/internal/tenant"
)

func main() {
	godotenv.Load()

	configPath := flag.String("config", envOr("BRIDGE_CONFIG", "config.yaml"), "path to YAML config")
	flag.Parse()

	logger := log.New(os.Stdout, "[BRIDGE] ", log.LstdFlags)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("failed to load config %s: %v", *configPath, err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	resolver := buildResolver(cfg)

	store, err := pending.NewStore(cfg.Server.StoragePath, nil)
	if err != nil {
		logger.Fatalf("failed to open pending store: %v", err)
	}
	m.SetPending(store.Count())

	dispatcher := dispatch.New(dispatch.Config{}, m, nil)

	bus, publisher := buildBus(cfg, logger)
	feed := events.NewFeed(bus, nil)

	processor := core.NewProcessor(resolver, dispatcher, store, m, publisher, nil)

	parser := isapi.NewParser(cfg.ISAPI.SuccessMinorTypes, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// ISUP TCP listener
	isupServer := isup.NewServer(isup.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		IdleTimeout:  time.Duration(cfg.ISUP.IdleTimeoutSeconds) * time.Second,
		MaxFrameSize: cfg.Server.MaxFrameSize,
		StrictCRC:    cfg.ISUP.StrictCRC,
	}, processor, m, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := isupServer.Start(ctx); err != nil {
			logger.Printf("ISUP server exited: %v", err)
		}
	}()

	// ISAPI webhook
	webhook := isapi.NewWebhookServer(isapi.WebhookConfig{
		Host:             cfg.ISAPI.Host,
		Port:             cfg.ISAPI.Port,
		Path:             cfg.ISAPI.WebhookPath,
		CallbackPath:     cfg.Hikvision.Callback.Path,
		Secret:           firstNonEmpty(cfg.ISAPI.WebhookSecret, cfg.Hikvision.Callback.Secret),
		AllowedDeviceIDs: cfg.Hikvision.AllowedDeviceIDs,
	}, processor, parser, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webhook.Start(ctx); err != nil {
			logger.Printf("webhook server exited: %v", err)
		}
	}()

	// Alert-stream clients
	for _, dev := range cfg.Hikvision.Devices {
		if dev.Mode != "alert_stream" {
			continue
		}
		client := isapi.NewStreamClient(isapi.StreamConfig{
			IP:       dev.IP,
			Name:     dev.Name,
			Username: dev.Username,
			Password: dev.Password,
		}, processor, parser, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Run(ctx)
		}()
	}

	// Pending-store replay
	retryLoop := pending.NewRetryLoop(pending.RetryLoopConfig{
		MaxAge: time.Duration(cfg.Server.MaxPendingDays) * 24 * time.Hour,
	}, store, resolver, dispatcher, m, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		retryLoop.Run(ctx)
	}()

	// Ops API
	opsServer := api.NewServer(cfg.Server.Host, cfg.Server.HealthCheckPort, m, store, feed, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := opsServer.Start(ctx); err != nil {
			logger.Printf("ops API exited: %v", err)
		}
	}()

	// One-shot terminal provisioning, off the startup path
	if cfg.Features.AutoConfigureTerminals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			provisionTerminals(ctx, cfg, logger)
		}()
	}

	logger.Printf("bridge up: ISUP on %s:%d, webhook on %s:%d, ops on :%d, %d tenants",
		cfg.Server.Host, cfg.Server.Port, cfg.ISAPI.Host, cfg.ISAPI.Port,
		cfg.Server.HealthCheckPort, resolver.Len())

	<-ctx.Done()
	logger.Printf("shutdown signal received, draining")
	wg.Wait()
	logger.Printf("bridge stopped")
}

// buildResolver flattens the tenants map and terminal bindings into the
// immutable routing index.
func buildResolver(cfg *config.Config) *tenant.Resolver {
	var tenants []*tenant.Tenant
	for name, tc := range cfg.Tenants {
		kind := tenant.AuthBearer
		if tc.Auth.Kind == string(tenant.AuthBasic) {
			kind = tenant.AuthBasic
		}
		tenants = append(tenants, &tenant.Tenant{
			Name:        name,
			UpstreamURL: tc.UpstreamURL,
			ObjectID:    tc.ObjectID,
			Auth: tenant.Auth{
				Kind:     kind,
				Token:    tc.Auth.Token,
				Username: tc.Auth.Username,
				Password: tc.Auth.Password,
			},
		})
	}

	var bindings []tenant.Binding
	for _, term := range cfg.Terminals() {
		bindings = append(bindings, tenant.Binding{MAC: term.MAC, Tenant: term.Tenant})
	}
	return tenant.NewResolver(tenants, bindings, nil)
}

// buildBus returns the in-memory bus for the websocket feed plus the
// publisher the pipeline should use (Redis-backed when configured).
func buildBus(cfg *config.Config, logger *log.Logger) (*events.Bus, core.Publisher) {
	if cfg.Events.RedisAddr == "" {
		bus := events.NewBus(nil)
		return bus, bus
	}
	rb, err := events.NewRedisBus(cfg.Events.RedisAddr, cfg.Events.RedisChannel, nil)
	if err != nil {
		logger.Printf("redis bus unavailable (%v), falling back to in-memory only", err)
		bus := events.NewBus(nil)
		return bus, bus
	}
	return rb.Bus, rb
}

// provisionTerminals points every configured terminal at the webhook and
// enables the wanted event types. Failures are logged and skipped; a dead
// terminal must not block startup.
func provisionTerminals(ctx context.Context, cfg *config.Config, logger *log.Logger) {
	if cfg.ISAPI.WebhookBaseURL == "" {
		logger.Printf("auto_configure_terminals set but isapi.webhook_base_url is empty, skipping")
		return
	}
	callbackURL := cfg.ISAPI.WebhookBaseURL + cfg.ISAPI.WebhookPath

	for _, term := range cfg.Terminals() {
		if ctx.Err() != nil {
			return
		}
		username := firstNonEmpty(term.Username, cfg.ISAPI.Username)
		password := firstNonEmpty(term.Password, cfg.ISAPI.Password)
		dc := isapi.NewDeviceClient(term.IP, term.Port, username, password, nil)

		if !dc.IsReachable(ctx) {
			logger.Printf("terminal %s unreachable, skipping provisioning", term.IP)
			continue
		}
		if info, err := dc.GetDeviceInfo(ctx); err == nil && info.MacAddr != "" && term.MAC != "" &&
			!equalMAC(info.MacAddr, term.MAC) {
			logger.Printf("terminal %s reports MAC %s but config says %s", term.IP, info.MacAddr, term.MAC)
		}
		if err := dc.ConfigureHTTPHost(ctx, callbackURL, 1); err != nil {
			logger.Printf("terminal %s: %v", term.IP, err)
			continue
		}
		if err := dc.EnableEvents(ctx, cfg.ISAPI.EventTypes, 1); err != nil {
			logger.Printf("terminal %s: %v", term.IP, err)
		}
	}
}

func equalMAC(a, b string) bool {
	normalize := func(s string) string {
		out := make([]byte, 0, len(s))
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c == ':' || c == '-' {
				continue
			}
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			out = append(out, c)
		}
		return string(out)
	}
	return normalize(a) == normalize(b)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
