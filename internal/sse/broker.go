// Package sse fans registry events out to an unbounded set of streaming
// HTTP observers. Delivery is best-effort: each observer owns a bounded
// queue and slow observers lose events rather than backpressure the
// producers. Consumers that need strict consistency should poll the
// registry instead.
package sse

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"sutmaster/internal/events"
)

// clientBuffer is the per-observer queue depth. Events beyond it drop.
const clientBuffer = 64

// Broker manages observer subscriptions and keepalives.
type Broker struct {
	keepalive time.Duration

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewBroker creates a broker that emits a keepalive comment on each idle
// observer stream every keepalive interval.
func NewBroker(keepalive time.Duration) *Broker {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &Broker{
		keepalive: keepalive,
		clients:   make(map[chan []byte]struct{}),
	}
}

// Attach subscribes the broker to connection lifecycle events. The bus
// handler only enqueues, so publishing never blocks the connection path.
func (b *Broker) Attach(bus *events.Bus) {
	bus.Subscribe(func(e events.Event) {
		b.Publish(string(e.Type), map[string]interface{}{
			"unique_id": e.SUTID,
			"message":   e.Message,
			"data":      e.Data,
			"timestamp": e.Timestamp,
		})
	}, events.SUTOnline, events.SUTOffline)
}

// Publish enqueues one event for every observer. Non-blocking: observers
// whose buffers are full miss this event.
func (b *Broker) Publish(eventType string, data interface{}) {
	payload, err := json.Marshal(map[string]interface{}{
		"type": eventType,
		"data": data,
	})
	if err != nil {
		log.Printf("[SSE] Marshal %s event: %v", eventType, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// observer too slow — drop
		}
	}
}

// Subscribe registers a new observer queue.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes an observer queue.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
}

// ClientCount returns the number of connected observers.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP streams events to one observer until it disconnects.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Hello event so the observer knows the stream is live.
	fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected","data":{"message":"SSE connected"}}`)
	flusher.Flush()

	keepalive := time.NewTicker(b.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-keepalive.C:
			// Distinguishes "alive but idle" from "dead" for proxies.
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
