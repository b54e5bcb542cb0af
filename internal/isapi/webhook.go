package isapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/accessbridge/bridge/internal/multipart"
)

// WebhookSink consumes events parsed from inbound device notifications.
// The returned bool selects the response body ("success" vs "accepted");
// either way the device gets a 200 so it does not retry-storm.
type WebhookSink interface {
	ProcessWebhookEvent(ev *Event, clientAddr string) bool
}

// WebhookConfig holds the inbound notification server settings.
type WebhookConfig struct {
	Host string
	Port int

	// Path is the primary notification endpoint; the root path and the
	// device-manager callback path are always registered too.
	Path         string
	CallbackPath string

	// Secret, when set, must match the X-Webhook-Secret request header.
	Secret string

	// AllowedDeviceIDs restricts which devices may post events; empty means
	// all devices are accepted.
	AllowedDeviceIDs []string

	CacheTTL time.Duration
}

// WebhookServer terminates device-initiated ISAPI notifications: pure XML
// POSTs, tolerant multipart with images, heartbeat frames, and image-only
// frames correlated against recently seen metadata.
type WebhookServer struct {
	cfg     WebhookConfig
	sink    WebhookSink
	parser  *Parser
	cache   *correlationCache
	allowed map[string]bool
	logger  *log.Logger
	server  *http.Server
}

// NewWebhookServer wires the handler onto its routes.
func NewWebhookServer(cfg WebhookConfig, sink WebhookSink, parser *Parser, logger *log.Logger) *WebhookServer {
	if cfg.Path == "" {
		cfg.Path = "/ISAPI/Event/notification/alert"
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/hikvision/callback"
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags)
	}

	var allowed map[string]bool
	if len(cfg.AllowedDeviceIDs) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedDeviceIDs))
		for _, id := range cfg.AllowedDeviceIDs {
			allowed[strings.ToUpper(id)] = true
		}
	}

	ws := &WebhookServer{
		cfg:     cfg,
		sink:    sink,
		parser:  parser,
		cache:   newCorrelationCache(cfg.CacheTTL),
		allowed: allowed,
		logger:  logger,
	}

	router := mux.NewRouter()
	router.HandleFunc(cfg.Path, ws.Handle).Methods(http.MethodPost)
	router.HandleFunc(cfg.CallbackPath, ws.Handle).Methods(http.MethodPost)
	router.HandleFunc("/", ws.Handle).Methods(http.MethodPost)

	ws.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
	}
	return ws
}

// Start serves until ctx is cancelled, then drains with a 5s grace period.
func (ws *WebhookServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", ws.server.Addr)
	if err != nil {
		return fmt.Errorf("isapi: webhook listen %s: %w", ws.server.Addr, err)
	}
	ws.logger.Printf("ISAPI webhook server listening on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ws.server.Shutdown(shutdownCtx)
	}()

	if err := ws.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	ws.logger.Printf("ISAPI webhook server stopped")
	return nil
}

// Handle is the notification endpoint. Exported so tests can drive it
// through httptest without binding a port.
func (ws *WebhookServer) Handle(w http.ResponseWriter, r *http.Request) {
	clientAddr := clientIP(r)

	if ws.cfg.Secret != "" && r.Header.Get("X-Webhook-Secret") != ws.cfg.Secret {
		ws.logger.Printf("unauthorized webhook request from %s", clientAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "unauthorized"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		ws.logger.Printf("failed to read body from %s: %v", clientAddr, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error"})
		return
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		// keep-alive
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "OK")
		return
	}

	mime, params := multipart.ParseContentType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mime, "multipart/") {
		ws.handleMultipart(w, body, params["boundary"], clientAddr)
		return
	}

	if strings.Contains(mime, "xml") || LooksLikeXML(body) {
		xmlText := strings.TrimSpace(string(body))
		if xmlText == "" {
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "OK")
			return
		}
		ws.cache.Set(clientAddr, xmlText)
		ws.processEvent(w, xmlText, nil, clientAddr)
		return
	}

	ws.logger.Printf("unsupported content type %q from %s", r.Header.Get("Content-Type"), clientAddr)
	writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "unsupported content type"})
}

func (ws *WebhookServer) handleMultipart(w http.ResponseWriter, body []byte, boundary, clientAddr string) {
	if boundary == "" {
		if xml := ExtractAlertXML(body); xml != "" {
			ws.cache.Set(clientAddr, xml)
			ws.processEvent(w, xml, nil, clientAddr)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "OK")
		return
	}

	parts := multipart.Parse(body, boundary)
	if len(parts) == 0 {
		// boundary-only keep-alive frame
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "OK")
		return
	}

	var xmlData string
	images := make(map[string][]byte)

	for _, part := range parts {
		cd := multipart.ParseContentDisposition(part.Headers["content-disposition"])
		partName := strings.ToLower(cd["name"])
		filename := firstNonEmpty(cd["filename"], cd["name"], "blob.bin")

		switch {
		case part.Type == multipart.TypeXML:
			xmlData = string(part.Body)
		case xmlData == "" && nameHintsXML(partName) && LooksLikeXML(part.Body):
			xmlData = string(part.Body)
		case part.Type == multipart.TypeImage || hasImageSuffix(filename):
			images[filename] = part.Body
		}
	}

	if xmlData == "" {
		xmlData = ExtractAlertXML(body)
	}

	if xmlData != "" {
		ws.cache.Set(clientAddr, xmlData)
		if len(images) == 0 {
			images = nil
		}
		ws.processEvent(w, xmlData, images, clientAddr)
		return
	}

	if len(images) > 0 {
		if lastXML, ok := ws.cache.Get(clientAddr); ok {
			ws.logger.Printf("image-only multipart from %s correlated with cached XML (images=%d)",
				clientAddr, len(images))
			ws.processEvent(w, lastXML, images, clientAddr)
			return
		}
		// Image-only without prior metadata is a valid firmware pattern.
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "OK")
		return
	}

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (ws *WebhookServer) processEvent(w http.ResponseWriter, xmlText string, images map[string][]byte, clientAddr string) {
	events, err := ws.parser.Parse(xmlText, images)
	if err != nil || len(events) == 0 {
		ws.logger.Printf("failed to parse ISAPI XML from %s: %v", clientAddr, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "parse_error"})
		return
	}

	ok := true
	for _, ev := range events {
		if ws.allowed != nil && !ws.allowed[strings.ToUpper(ev.DeviceID)] {
			ws.logger.Printf("event from %s dropped: device %s not in allow list", clientAddr, ev.DeviceID)
			continue
		}
		if !ws.sink.ProcessWebhookEvent(ev, clientAddr) {
			ok = false
		}
	}

	status := "success"
	if !ok {
		status = "accepted"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func nameHintsXML(partName string) bool {
	for _, hint := range []string{"event", "notification", "alert", "metadata", "xml"} {
		if strings.Contains(partName, hint) {
			return true
		}
	}
	return false
}

func hasImageSuffix(filename string) bool {
	lower := strings.ToLower(filename)
	for _, suffix := range []string{".jpg", ".jpeg", ".png", ".bmp"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
