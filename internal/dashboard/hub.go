// Package dashboard fans out control-plane events to WebSocket observers.
// Design mirrors the rest of this codebase's pub/sub hubs: a single-writer
// event loop owns client registration, Publish takes a read-lock only long
// enough to copy the target set, and a slow subscriber is disconnected
// rather than allowed to block everyone else.
package dashboard

import (
	"context"
	"sync"
)

// Hub is the pub/sub broker for dashboard WebSocket clients, topic-keyed by
// event kind (e.g. "jobs", "agents", or "job:<id>").
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop; call it once, in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic. Safe to call from
// any goroutine.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	targets := h.topics[topic]
	clients := make([]*Client, 0, len(targets))
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// Broadcast publishes msg to every topic-free connected client (topic "*").
func (h *Hub) Broadcast(msg Message) {
	h.Publish("*", msg)
}

// Subscribe registers client under its topics. A client with no topics is
// registered under the wildcard topic "*" so it receives broadcasts.
func (h *Hub) Subscribe(client *Client) {
	if len(client.topics) == 0 {
		client.topics = []string{"*"}
	}
	h.register <- client
}

func (h *Hub) Unsubscribe(client *Client) { h.unregister <- client }

func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
