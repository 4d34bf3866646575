// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

// Package websocket fans domain events out to downstream consumers
// (automation engines, dashboards) over WebSocket connections.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/embywatch/internal/events"
	"github.com/tomtom215/embywatch/internal/logging"
)

// Message types sent to downstream clients.
const (
	MessageTypeEvent = "event"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

// Message is the downstream wire format.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hub maintains the set of connected clients and broadcasts domain
// events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a hub. Wire it to the event bus with AttachBus, then
// drive it with Run under supervision.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// AttachBus subscribes the hub to the domain event bus and returns the
// unsubscribe function.
func (h *Hub) AttachBus(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.Event) {
		h.BroadcastEvent(e)
	})
}

// Run dispatches until ctx is cancelled, then closes every client.
// Lifecycle events take priority over broadcasts so client state is
// consistent before messages are delivered. Implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		// Lifecycle first, non-blocking.
		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) String() string { return "websocket-hub" }

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("Downstream WebSocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.stop()
	}
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("Downstream WebSocket client disconnected")
}

// BroadcastEvent queues one domain event for delivery. Full queues drop
// the message rather than blocking the publisher.
func (h *Hub) BroadcastEvent(e events.Event) {
	select {
	case h.broadcast <- Message{Type: MessageTypeEvent, Data: e}:
	default:
		logging.Warn().Str("event", e.Type).Msg("Broadcast queue full, dropping event")
	}
}

// broadcastToClients delivers one message to every client in id order.
// Clients with a full send queue are dropped.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var toRemove []*Client
	for _, client := range clients {
		if !client.enqueue(message) {
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		client.stop()
		delete(h.clients, client)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.stop()
		delete(h.clients, client)
	}
	logging.Info().Msg("WebSocket hub stopped, all clients closed")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
