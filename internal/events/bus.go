// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

// Package events carries domain events from the coordinators to
// downstream consumers (the WebSocket hub, automation webhooks).
// Dispatch is synchronous; handlers must not block.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/embywatch/internal/logging"
	"github.com/tomtom215/embywatch/internal/metrics"
)

// Event types published by the coordinators.
const (
	TypeSessionsUpdated  = "sessions_updated"
	TypePlaybackStarted  = "playback_started"
	TypePlaybackStopped  = "playback_stopped"
	TypePlaybackProgress = "playback_progress"
	TypeSessionEnded     = "session_ended"
	TypeLibraryChanged   = "library_changed"
	TypeUserDataChanged  = "user_data_changed"
	TypeUserUpdated      = "user_updated"
	TypeUserDeleted      = "user_deleted"
	TypeNotification     = "notification"
	TypeServerRestarting = "server_restarting"
	TypeServerInfo       = "server_info_updated"
	TypeConnectionChange = "connection_change"
)

// Event is one domain event.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler receives published events.
type Handler func(Event)

// Bus is a synchronous publish/subscribe event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// Subscribe registers a handler for all events and returns an
// unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	id := uuid.NewString()

	b.mu.Lock()
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers an event to every subscriber. The event's ID and
// Timestamp are filled in when empty.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	metrics.DomainEvents.WithLabelValues(event.Type).Inc()
	logging.Debug().
		Str("event", event.Type).
		Str("event_id", event.ID).
		Msg("Publishing domain event")

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}

// SubscriberCount returns the number of registered handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
