package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// StreamEvent is one event sent to SSE and WebSocket clients
type StreamEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const clientBuffer = 32

// Hub fans events out to stream clients. Slow clients are dropped.
type Hub struct {
	clients    map[chan StreamEvent]bool
	broadcast  chan StreamEvent
	register   chan chan StreamEvent
	unregister chan chan StreamEvent
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new event hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan StreamEvent]bool),
		broadcast:  make(chan StreamEvent, 64),
		register:   make(chan chan StreamEvent),
		unregister: make(chan chan StreamEvent),
		done:       make(chan struct{}),
	}
}

// Run dispatches events until ctx is done, then closes every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for all clients. It never blocks; events are
// dropped when the queue is full.
func (h *Hub) Broadcast(event StreamEvent) {
	select {
	case h.broadcast <- event:
	default:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscribe registers a new client. It returns false once the hub stopped.
func (h *Hub) subscribe() (chan StreamEvent, bool) {
	client := make(chan StreamEvent, clientBuffer)
	select {
	case h.register <- client:
		return client, true
	case <-h.done:
		return nil, false
	}
}

func (h *Hub) unsubscribe(client chan StreamEvent) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		client, ok := s.hub.subscribe()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		defer s.hub.unsubscribe(client)

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-client:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
