// Package realtime relays bus traffic to browsers over Server-Sent Events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"open-mer/bus"
)

const clientBuffer = 64

type client struct {
	id string
	ch chan []byte
}

// Event is one relayed bus message
type Event struct {
	Topic   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Broker handles Server-Sent Events (SSE) clients and broadcasting
type Broker struct {
	clients    map[string]*client
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	stopped    chan struct{}
	mu         sync.RWMutex
}

// NewBroker creates a new SSE broker
func NewBroker() *Broker {
	return &Broker{
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 1000),
		stopped:    make(chan struct{}),
	}
}

// Run starts the broker loop and returns when ctx is cancelled
func (b *Broker) Run(ctx context.Context) {
	defer close(b.stopped)
	for {
		select {
		case c := <-b.register:
			b.mu.Lock()
			b.clients[c.id] = c
			n := len(b.clients)
			b.mu.Unlock()
			log.Printf("📡 SSE client %s connected. Total: %d", c.id[:8], n)

		case c := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[c.id]; ok {
				delete(b.clients, c.id)
				close(c.ch)
			}
			n := len(b.clients)
			b.mu.Unlock()
			log.Printf("📡 SSE client %s disconnected. Total: %d", c.id[:8], n)

		case msg := <-b.broadcast:
			b.mu.RLock()
			for _, c := range b.clients {
				select {
				case c.ch <- msg:
				default:
					// slow client, drop
				}
			}
			b.mu.RUnlock()

		case <-ctx.Done():
			b.mu.Lock()
			for id, c := range b.clients {
				delete(b.clients, id)
				close(c.ch)
			}
			b.mu.Unlock()
			return
		}
	}
}

// Clients returns the number of connected clients
func (b *Broker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// ServeHTTP handles the SSE endpoint
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	c := &client{id: uuid.NewString(), ch: make(chan []byte, clientBuffer)}
	select {
	case b.register <- c:
	case <-b.stopped:
		http.Error(w, "Broker stopped", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}
	fmt.Fprintf(w, ": connected %s\n\n", c.id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			select {
			case b.unregister <- c:
			case <-b.stopped:
			}
			return
		case msg, open := <-c.ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// Broadcast sends a bus message to all connected clients. JSON payloads are
// relayed as objects, token payloads as strings.
func (b *Broker) Broadcast(topic string, payload []byte) {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			log.Printf("⚠️  SSE: cannot encode %s payload: %v", topic, err)
			return
		}
		raw = quoted
	}
	data, err := json.Marshal(Event{Topic: topic, Payload: raw})
	if err != nil {
		log.Printf("⚠️  SSE: cannot encode %s event: %v", topic, err)
		return
	}

	select {
	case b.broadcast <- data:
	default:
		// broadcast buffer full
	}
}

// Relay forwards every message of sub until ctx is cancelled or sub closes
func (b *Broker) Relay(ctx context.Context, sub *bus.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, bus.ErrBusClosed) {
				log.Printf("⚠️  SSE relay stopped: %v", err)
			}
			return
		}
		b.Broadcast(msg.Topic, msg.Payload)
	}
}
