// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/embywatch/internal/emby"
	"github.com/tomtom215/embywatch/internal/events"
	"github.com/tomtom215/embywatch/internal/logging"
	"github.com/tomtom215/embywatch/internal/metrics"
)

const (
	defaultServerInfoInterval  = 5 * time.Minute
	extendedServerInfoInterval = 15 * time.Minute
)

// ServerInfo is the server-info coordinator's snapshot.
type ServerInfo struct {
	ServerName         string               `json:"server_name"`
	Version            string               `json:"version"`
	ServerID           string               `json:"server_id"`
	OperatingSystem    string               `json:"operating_system,omitempty"`
	HasUpdateAvailable bool                 `json:"has_update_available"`
	HasPendingRestart  bool                 `json:"has_pending_restart"`
	CanSelfRestart     bool                 `json:"can_self_restart"`
	RunningTasks       []emby.ScheduledTask `json:"running_tasks,omitempty"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// ServerInfoCoordinator polls server identity, restart/update flags, and
// running scheduled tasks. A running WebSocket stretches the poll
// interval the same way it does for the library coordinator.
type ServerInfoCoordinator struct {
	api emby.API
	bus *events.Bus

	mu        sync.Mutex
	info      ServerInfo
	lastError error
	wsActive  bool

	interval         time.Duration
	extendedInterval time.Duration

	kick chan struct{}
}

// NewServerInfoCoordinator creates the coordinator. interval 0 uses the
// five-minute default.
func NewServerInfoCoordinator(api emby.API, bus *events.Bus, interval time.Duration) *ServerInfoCoordinator {
	if interval <= 0 {
		interval = defaultServerInfoInterval
	}
	return &ServerInfoCoordinator{
		api:              api,
		bus:              bus,
		interval:         interval,
		extendedInterval: extendedServerInfoInterval,
		kick:             make(chan struct{}, 1),
	}
}

// Serve polls until ctx is cancelled. Implements suture.Service.
func (c *ServerInfoCoordinator) Serve(ctx context.Context) error {
	c.Refresh(ctx)

	for {
		timer := time.NewTimer(c.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-c.kick:
			timer.Stop()
		}
		c.Refresh(ctx)
	}
}

func (c *ServerInfoCoordinator) String() string { return "server-info-coordinator" }

// SetWebSocketActive switches between the default and extended interval.
func (c *ServerInfoCoordinator) SetWebSocketActive(active bool) {
	c.mu.Lock()
	c.wsActive = active
	c.mu.Unlock()
}

// RequestRefresh triggers an immediate poll.
func (c *ServerInfoCoordinator) RequestRefresh() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Info returns the last-known-good snapshot and the last refresh error.
func (c *ServerInfoCoordinator) Info() (ServerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, c.lastError
}

func (c *ServerInfoCoordinator) currentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsActive {
		return c.extendedInterval
	}
	return c.interval
}

func (c *ServerInfoCoordinator) Refresh(ctx context.Context) {
	info, infoErr := c.api.SystemInfo(ctx)
	tasks, tasksErr := c.api.ScheduledTasks(ctx)

	c.mu.Lock()

	err := infoErr
	if err == nil {
		err = tasksErr
	}
	if err != nil {
		c.lastError = err
		c.mu.Unlock()
		metrics.CoordinatorRefreshes.WithLabelValues("server_info", "error").Inc()
		logging.Warn().Err(err).Msg("Server info refresh failed, keeping previous snapshot")
		return
	}

	running := tasks[:0:0]
	for _, task := range tasks {
		if task.State == "Running" {
			running = append(running, task)
		}
	}

	snapshot := ServerInfo{
		ServerName:         info.ServerName,
		Version:            info.Version,
		ServerID:           info.ID,
		OperatingSystem:    info.OperatingSystem,
		HasUpdateAvailable: info.HasUpdateAvailable,
		HasPendingRestart:  info.HasPendingRestart,
		CanSelfRestart:     info.CanSelfRestart,
		RunningTasks:       running,
		UpdatedAt:          time.Now(),
	}
	changed := snapshot.Version != c.info.Version || snapshot.HasPendingRestart != c.info.HasPendingRestart
	c.info = snapshot
	c.lastError = nil
	c.mu.Unlock()

	metrics.CoordinatorRefreshes.WithLabelValues("server_info", "success").Inc()
	if changed && c.bus != nil {
		c.bus.Publish(events.Event{Type: events.TypeServerInfo, Payload: snapshot})
	}
}
