// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package eventstream implements the live event stream (spec §4.10): an
// SSE fan-out hub. The register/unregister channel shape is adapted from a
// single-broadcast-group hub to a process-wide client set with a hard
// maxClients ceiling.
package eventstream

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Casys-AI/casys-pml-sub012/internal/metrics"
)

// Event is one broadcastable message: `event: <Type>\ndata: <json(Data)>\n\n`.
type Event struct {
	Type string
	Data any
}

type client struct {
	id     string
	output chan Event
}

// Hub fans events out to connected SSE clients, enforcing maxClients and
// emitting periodic heartbeats.
type Hub struct {
	maxClients       int
	heartbeatEvery   time.Duration
	corsPatterns     []string

	mu        sync.RWMutex
	clients   map[string]*client
	startedAt time.Time

	register   chan *client
	unregister chan string
	broadcast  chan Event
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub(maxClients int, heartbeatEvery time.Duration, corsPatterns []string) *Hub {
	h := &Hub{
		maxClients:     maxClients,
		heartbeatEvery: heartbeatEvery,
		corsPatterns:   corsPatterns,
		clients:        make(map[string]*client),
		startedAt:      time.Now(),
		register:       make(chan *client),
		unregister:     make(chan string),
		broadcast:      make(chan Event, 256),
		stop:           make(chan struct{}),
	}
	go h.run()
	go h.heartbeatLoop()
	return h
}

// Stop halts the dispatch and heartbeat loops. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast enqueues an event for delivery to every connected client, in
// the order Broadcast was called (spec §4.10 ordering guarantee per client).
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	case <-h.stop:
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			metrics.SSEClients.Set(float64(n))

		case id := <-h.unregister:
			h.mu.Lock()
			if c, ok := h.clients[id]; ok {
				close(c.output)
				delete(h.clients, id)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.SSEClients.Set(float64(n))

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.output <- event:
				default:
					log.Printf("[eventstream] client %s output buffer full, dropping event %q", c.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.stop:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.output)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Broadcast(Event{
				Type: "heartbeat",
				Data: map[string]any{
					"connected": h.ClientCount(),
					"uptimeMs":  time.Since(h.startedAt).Milliseconds(),
				},
			})
		case <-h.stop:
			return
		}
	}
}

// ServeHTTP implements the SSE transport: it registers a client, streams
// the connected event, then relays broadcasts until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		if h.corsAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if h.ClientCount() >= h.maxClients {
		http.Error(w, "too many connected clients", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := clientID(r)
	c := &client{id: id, output: make(chan Event, 32)}
	h.register <- c
	defer func() { h.unregister <- id }()

	writeSSE(w, Event{
		Type: "connected",
		Data: map[string]any{
			"clientId":  id,
			"connected": h.ClientCount(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case event, ok := <-c.output:
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event Event) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		log.Printf("[eventstream] failed to marshal event %q: %v", event.Type, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
}

func (h *Hub) corsAllowed(origin string) bool {
	for _, pattern := range h.corsPatterns {
		if matchCORSPattern(pattern, origin) {
			return true
		}
	}
	return false
}

// matchCORSPattern supports a trailing "*" wildcard (e.g. "http://localhost:*"),
// following the same glob-prefix idiom as the sandbox egress allowlist.
func matchCORSPattern(pattern, origin string) bool {
	if pattern == origin {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(origin, prefix)
	}
	return false
}

func clientID(r *http.Request) string {
	return fmt.Sprintf("%s-%d", strings.ReplaceAll(r.RemoteAddr, ":", "_"), time.Now().UnixNano())
}
