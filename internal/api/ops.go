// Package api serves the operator surface: health, Prometheus metrics, the
// JSON metrics snapshot and the live websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/accessbridge/bridge/internal/events"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/pending"
)

// Server is the ops HTTP server, bound on the health-check port.
type Server struct {
	metrics *metrics.Metrics
	store   *pending.Store
	feed    *events.Feed
	logger  *log.Logger
	server  *http.Server
}

// NewServer wires the ops routes. feed may be nil when the live feed is
// disabled.
func NewServer(host string, port int, m *metrics.Metrics, store *pending.Store, feed *events.Feed, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[OPS] ", log.LstdFlags)
	}

	s := &Server{metrics: m, store: store, feed: feed, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/metrics.json", s.handleMetricsJSON).Methods(http.MethodGet)
	if feed != nil {
		router.HandleFunc("/ws", feed.ServeWS)
	}

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.server.Addr, err)
	}
	s.logger.Printf("ops API listening on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"pending_events": s.store.Count(),
		"time":           time.Now().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	resp := map[string]any{
		"metrics":        snap,
		"pending_events": s.store.Count(),
	}
	if s.feed != nil {
		resp["feed_clients"] = s.feed.ClientCount()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
