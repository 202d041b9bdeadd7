// Package sse streams bus events to web clients over Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/events"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
)

// Handler fans bus events out to connected SSE clients. Each client gets
// its own wildcard subscription; slow clients drop events rather than
// blocking emitters.
type Handler struct {
	bus           *events.Bus
	logger        *logging.Logger
	heartbeatFreq time.Duration
	queueSize     int

	mu      sync.Mutex
	clients map[chan struct{}]struct{}
}

// NewHandler creates an SSE handler over the given bus.
func NewHandler(bus *events.Bus, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		bus:           bus,
		logger:        logger,
		heartbeatFreq: 30 * time.Second,
		queueSize:     100,
		clients:       make(map[chan struct{}]struct{}),
	}
}

// SetHeartbeatFrequency sets the interval between keep-alive comments.
func (h *Handler) SetHeartbeatFrequency(d time.Duration) {
	h.heartbeatFreq = d
}

// ClientCount returns the number of connected clients.
func (h *Handler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Optional event-type filter, e.g. ?type=task.created.
	filter := r.URL.Query().Get("type")

	done := make(chan struct{})
	h.addClient(done)
	defer h.removeClient(done)

	queue := h.bus.Subscribe(events.Wildcard, h.queueSize)
	defer h.bus.Unsubscribe(queue, events.Wildcard)

	h.sendEvent(w, flusher, "connected", map[string]any{
		"timestamp": time.Now().UTC(),
	})

	heartbeat := time.NewTicker(h.heartbeatFreq)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-heartbeat.C:
			h.sendComment(w, flusher, "heartbeat")
		case env, ok := <-queue:
			if !ok {
				return
			}
			if filter != "" && env.EventType != filter {
				continue
			}
			h.sendEvent(w, flusher, env.EventType, env)
		}
	}
}

func (h *Handler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("marshaling sse event failed", "event_type", eventType, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
	flusher.Flush()
}

func (h *Handler) sendComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	fmt.Fprintf(w, ": %s\n\n", comment)
	flusher.Flush()
}

func (h *Handler) addClient(done chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[done] = struct{}{}
}

func (h *Handler) removeClient(done chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[done]; ok {
		delete(h.clients, done)
	}
}

// Shutdown disconnects all clients.
func (h *Handler) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for done := range h.clients {
		close(done)
	}
	h.clients = make(map[chan struct{}]struct{})
	return nil
}
