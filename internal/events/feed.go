package events

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Feed streams the live access-event flow over websocket for the ops UI.
// It subscribes to the bus and pushes each event as one JSON text message.
type Feed struct {
	bus      *Bus
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
	logger   *log.Logger
}

// NewFeed wraps the bus in a websocket fan-out.
func NewFeed(bus *Bus, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.New(log.Writer(), "[FEED] ", log.LstdFlags)
	}
	return &Feed{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The ops API sits on the private site network; browsers on it
			// connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
		logger:  logger,
	}
}

// ServeWS upgrades the request and serves the live feed until the client
// disconnects.
func (f *Feed) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Printf("websocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	f.mu.Lock()
	f.clients[conn] = true
	total := len(f.clients)
	f.mu.Unlock()
	f.logger.Printf("feed client connected from %s (%d total)", r.RemoteAddr, total)

	sub := f.bus.Subscribe()
	defer func() {
		f.bus.Unsubscribe(sub)
		f.mu.Lock()
		delete(f.clients, conn)
		f.mu.Unlock()
		conn.Close()
	}()

	// Reader goroutine exists only to observe the close; inbound frames are
	// discarded.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				f.logger.Printf("feed client write failed: %v", err)
				return
			}
		}
	}
}

// ClientCount returns the number of connected feed clients.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}
