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
	"github.com/tomtom215/embywatch/internal/logging"
	"github.com/tomtom215/embywatch/internal/metrics"
)

const (
	defaultLibraryInterval  = time.Hour
	extendedLibraryInterval = 6 * time.Hour
	libraryDebounceDelay    = 5 * time.Second
)

// LibraryStats is the library coordinator's snapshot.
type LibraryStats struct {
	Counts    *emby.ItemCounts     `json:"counts,omitempty"`
	Folders   []emby.VirtualFolder `json:"folders,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// LibraryCoordinator polls library item counts and virtual folders on a
// slow cadence. While the WebSocket feed is active the interval stretches
// from the default hour to six hours, since LibraryChanged events trigger
// refreshes directly.
type LibraryCoordinator struct {
	api emby.API

	mu        sync.Mutex
	stats     LibraryStats
	lastError error
	wsActive  bool

	interval         time.Duration
	extendedInterval time.Duration

	kick     chan struct{}
	debounce *time.Timer
}

// NewLibraryCoordinator creates the coordinator. interval 0 uses the
// one-hour default.
func NewLibraryCoordinator(api emby.API, interval time.Duration) *LibraryCoordinator {
	if interval <= 0 {
		interval = defaultLibraryInterval
	}
	return &LibraryCoordinator{
		api:              api,
		interval:         interval,
		extendedInterval: extendedLibraryInterval,
		kick:             make(chan struct{}, 1),
	}
}

// Serve polls until ctx is cancelled. Implements suture.Service.
func (c *LibraryCoordinator) Serve(ctx context.Context) error {
	c.Refresh(ctx)

	for {
		timer := time.NewTimer(c.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			c.stopDebounce()
			return ctx.Err()
		case <-timer.C:
		case <-c.kick:
			timer.Stop()
		}
		c.Refresh(ctx)
	}
}

func (c *LibraryCoordinator) String() string { return "library-coordinator" }

// SetWebSocketActive switches between the default and extended interval.
func (c *LibraryCoordinator) SetWebSocketActive(active bool) {
	c.mu.Lock()
	changed := c.wsActive != active
	c.wsActive = active
	c.mu.Unlock()

	if changed {
		logging.Debug().Bool("websocket_active", active).Msg("Library coordinator interval mode changed")
	}
}

// RequestRefresh schedules a debounced refresh. Bursts of LibraryChanged
// events within the debounce window collapse into one poll.
func (c *LibraryCoordinator) RequestRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.debounce != nil {
		c.debounce.Reset(libraryDebounceDelay)
		return
	}
	c.debounce = time.AfterFunc(libraryDebounceDelay, func() {
		c.mu.Lock()
		c.debounce = nil
		c.mu.Unlock()
		select {
		case c.kick <- struct{}{}:
		default:
		}
	})
}

// Stats returns the last-known-good snapshot and the last refresh error.
func (c *LibraryCoordinator) Stats() (LibraryStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, c.lastError
}

func (c *LibraryCoordinator) currentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsActive {
		return c.extendedInterval
	}
	return c.interval
}

func (c *LibraryCoordinator) stopDebounce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

// Refresh fetches counts and folders, keeping the previous snapshot on
// failure.
func (c *LibraryCoordinator) Refresh(ctx context.Context) {
	counts, countsErr := c.api.ItemCounts(ctx)
	folders, foldersErr := c.api.VirtualFolders(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	err := countsErr
	if err == nil {
		err = foldersErr
	}
	if err != nil {
		c.lastError = err
		metrics.CoordinatorRefreshes.WithLabelValues("library", "error").Inc()
		logging.Warn().Err(err).Msg("Library statistics refresh failed, keeping previous snapshot")
		return
	}

	c.stats = LibraryStats{
		Counts:    counts,
		Folders:   folders,
		UpdatedAt: time.Now(),
	}
	c.lastError = nil
	metrics.CoordinatorRefreshes.WithLabelValues("library", "success").Inc()
}
