package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pushInterval matches the snapshot flush cadence so socket clients
	// see the same 20Hz view as file pollers.
	pushInterval = 50 * time.Millisecond

	writeTimeout = 2 * time.Second
)

// valuesHub pushes live-value snapshots to websocket subscribers. Clients
// are write-only from the server's perspective; inbound frames are drained
// and discarded.
type valuesHub struct {
	values   ValueSource
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	shutdown chan struct{}
	done     chan struct{}
	running  bool
}

func newValuesHub(values ValueSource, logger *slog.Logger) *valuesHub {
	return &valuesHub{
		values: values,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser dashboards connect from arbitrary dev origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *valuesHub) start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	go h.pushLoop(ctx)
}

func (h *valuesHub) stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	<-done
}

func (h *valuesHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Drain inbound frames so pings and client close frames are handled;
	// removal happens on the first read error.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *valuesHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *valuesHub) pushLoop(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *valuesHub) broadcast() {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	snapshot := h.values.StreamValues()
	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(snapshot); err != nil {
			h.remove(conn)
		}
	}
}
