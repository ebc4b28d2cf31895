package eventbus

import (
	"context"
	"sync"
)

// Hub is the central pub/sub broker for UI WebSocket clients. It maintains
// the registry of connected clients and routes published messages to all
// clients subscribed to a given topic, and keeps a replay buffer per job
// topic so a client that reconnects mid-run can request the events it missed.
//
// # Design: single-writer event loop
//
// All mutations to the client registry (register, unregister) are serialised
// through a single goroutine — the Run loop — via channels, so the Run loop
// is the only writer of the registry maps. It still takes mu for each write
// because Publish and ConnectedCount read the maps from other goroutines.
// Publish holds the read-lock only long enough to copy the target set, then
// sends outside the lock so it never blocks the event loop on a slow client
// channel.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}

	replay *replayStore
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
		replay:     newReplayStore(),
	}
}

// Run starts the hub's event loop and the replay-buffer sweep. It must be
// called exactly once, in its own goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	sweepStop := make(chan struct{})
	go h.replay.runSweepLoop(sweepStop)
	defer close(sweepStop)

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

// Publish sends msg to every client subscribed to topic and, for "backup:*"
// events, records it in the job's replay buffer. Safe to call from any
// goroutine (scheduler, orchestrator, agent registry handlers).
func (h *Hub) Publish(topic string, msg Message) {
	h.replay.record(msg)

	h.mu.RLock()
	targets := h.topics[topic]
	var clients []*Client
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// Slow consumer — disconnect rather than stall other subscribers.
			h.unregister <- c
		}
	}
}

// Replay returns the buffered "backup:*" events for jobID with
// emitted_at > since, in publish order — the response to a replay:request
// frame from a reconnecting UI client.
func (h *Hub) Replay(jobID string, since int64) []bufferedMessage {
	return h.replay.since(jobID, since)
}

// Subscribe registers client with the hub and adds it to all its topics.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and all its topic subscriptions.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected WebSocket clients,
// for the ui_clients gauge served at /metrics.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
