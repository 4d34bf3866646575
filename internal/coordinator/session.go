// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

/*
session.go - Session Coordinator

Maintains the device-id to session mapping that the HTTP API serves,
merging periodic REST polls with WebSocket push updates. Polling backs
off to a lightweight health check once the push feed proves stable, and
falls back to the configured interval the moment the feed degrades.
Connection errors serve the previous snapshot instead of failing when
one exists.
*/

package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/embywatch/internal/cache"
	"github.com/tomtom215/embywatch/internal/emby"
	"github.com/tomtom215/embywatch/internal/events"
	"github.com/tomtom215/embywatch/internal/logging"
	"github.com/tomtom215/embywatch/internal/metrics"
	"github.com/tomtom215/embywatch/internal/models"
)

const (
	minScanInterval     = 5 * time.Second
	maxScanInterval     = 300 * time.Second
	defaultScanInterval = 10 * time.Second

	defaultNearIdleInterval    = 60 * time.Second
	defaultHealthCheckInterval = 60 * time.Second

	defaultStableThreshold  = 3
	defaultFailureThreshold = 5
)

// eventFeed is the upstream WebSocket contract the coordinator drives.
// Connectivity arrives through HandleConnection callbacks rather than
// being polled from the feed.
type eventFeed interface {
	Start(ctx context.Context)
	Stop()
}

// auxCoordinator is the signal surface of the server-info and library
// coordinators.
type auxCoordinator interface {
	SetWebSocketActive(active bool)
	RequestRefresh()
}

// SessionConfig tunes the session coordinator.
type SessionConfig struct {
	// ScanInterval is the polling cadence while the WebSocket is down.
	// Clamped to [5s, 300s]; default 10s.
	ScanInterval time.Duration

	// NearIdleInterval is the relaxed polling cadence while the WebSocket
	// is connected but not yet proven stable. Default 60s.
	NearIdleInterval time.Duration

	// HealthCheckInterval is the ping cadence once polling is disabled.
	// Default 60s.
	HealthCheckInterval time.Duration

	// StableThreshold is the consecutive WebSocket message count after
	// which polling is disabled. Minimum and default 3.
	StableThreshold int

	// FailureThreshold is the consecutive poll failure count that
	// triggers a recovery probe. Default 5.
	FailureThreshold int

	// WatchDeltaMax caps a single accumulated playback delta; larger
	// forward jumps are treated as seeks. Default 60s.
	WatchDeltaMax time.Duration

	// TrackingMaxAge bounds playback tracking entry lifetime. Default 1h.
	TrackingMaxAge time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
	if c.ScanInterval < minScanInterval {
		logging.Warn().
			Dur("requested", c.ScanInterval).
			Dur("clamped", minScanInterval).
			Msg("Scan interval below minimum, clamping")
		c.ScanInterval = minScanInterval
	}
	if c.ScanInterval > maxScanInterval {
		logging.Warn().
			Dur("requested", c.ScanInterval).
			Dur("clamped", maxScanInterval).
			Msg("Scan interval above maximum, clamping")
		c.ScanInterval = maxScanInterval
	}
	if c.NearIdleInterval <= 0 {
		c.NearIdleInterval = defaultNearIdleInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.StableThreshold < defaultStableThreshold {
		c.StableThreshold = defaultStableThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
}

// SessionCoordinator owns the current session snapshot.
type SessionCoordinator struct {
	cfg SessionConfig

	api     emby.API
	feed    eventFeed
	bus     *events.Bus
	browse  *cache.Cache
	library auxCoordinator
	server  auxCoordinator

	tracker *playbackTracker

	mu              sync.Mutex
	data            map[string]models.Session
	prevDevices     map[string]struct{}
	hasData         bool
	lastUpdated     time.Time
	lastError       error
	failures        int
	wsSuccesses     int
	pollingDisabled bool
	wsConnected     bool
	recovering      bool

	kick chan struct{}
}

// NewSessionCoordinator wires the coordinator. feed, bus, browse,
// library, and server may be nil in tests.
func NewSessionCoordinator(cfg SessionConfig, api emby.API, feed eventFeed, bus *events.Bus, browse *cache.Cache, library, server auxCoordinator) *SessionCoordinator {
	cfg.applyDefaults()
	return &SessionCoordinator{
		cfg:         cfg,
		api:         api,
		feed:        feed,
		bus:         bus,
		browse:      browse,
		library:     library,
		server:      server,
		tracker:     newPlaybackTracker(cfg.WatchDeltaMax, cfg.TrackingMaxAge),
		data:        make(map[string]models.Session),
		prevDevices: make(map[string]struct{}),
		kick:        make(chan struct{}, 1),
	}
}

// Run starts the WebSocket feed and polls until ctx is cancelled.
// Implements suture.Service.
func (c *SessionCoordinator) Serve(ctx context.Context) error {
	if c.feed != nil {
		c.feed.Start(ctx)
		defer c.feed.Stop()
	}

	c.Refresh(ctx)

	for {
		interval, healthOnly := c.nextTick()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if healthOnly {
				c.healthCheck(ctx)
			} else {
				c.Refresh(ctx)
			}
		case <-c.kick:
			timer.Stop()
			c.Refresh(ctx)
		}
		c.tracker.CleanupStale()
	}
}

func (c *SessionCoordinator) String() string { return "session-coordinator" }

// nextTick picks the sleep duration and whether the tick is a health
// check rather than a full poll.
func (c *SessionCoordinator) nextTick() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.pollingDisabled:
		return c.cfg.HealthCheckInterval, true
	case c.wsConnected:
		return c.cfg.NearIdleInterval, false
	default:
		return c.cfg.ScanInterval, false
	}
}

// Refresh performs one poll cycle.
func (c *SessionCoordinator) Refresh(ctx context.Context) {
	raw, err := c.api.Sessions(ctx)
	if err != nil {
		c.handleRefreshError(ctx, err)
		return
	}

	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()

	c.setSessions(raw, "poll")
}

func (c *SessionCoordinator) handleRefreshError(ctx context.Context, err error) {
	c.mu.Lock()
	c.failures++
	failures := c.failures
	hasData := c.hasData
	shouldRecover := emby.IsConnectionError(err) &&
		failures >= c.cfg.FailureThreshold && !c.recovering
	if shouldRecover {
		c.recovering = true
	}
	c.lastError = err
	c.mu.Unlock()

	if shouldRecover {
		go c.recover(ctx)
	}

	if emby.IsConnectionError(err) && hasData {
		logging.Warn().
			Err(err).
			Int("consecutive_failures", failures).
			Msg("Session poll failed, serving previous snapshot")
		metrics.CoordinatorRefreshes.WithLabelValues("session", "stale").Inc()
		return
	}

	logging.Error().
		Err(err).
		Int("consecutive_failures", failures).
		Msg("Session poll failed")
	metrics.CoordinatorRefreshes.WithLabelValues("session", "error").Inc()
}

// recover probes the server after sustained failures and restarts the
// event feed. Its own failure is logged, never propagated.
func (c *SessionCoordinator) recover(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.recovering = false
		c.mu.Unlock()
	}()

	logging.Info().Msg("Attempting connection recovery")

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.api.PublicSystemInfo(probeCtx); err != nil {
		logging.Warn().Err(err).Msg("Recovery probe failed, server still unreachable")
		return
	}

	logging.Info().Msg("Recovery probe succeeded, restarting event feed")
	if c.feed != nil {
		c.feed.Stop()
		c.feed.Start(ctx)
	}
	c.requestRefresh()
}

// healthCheck substitutes for polling while the WebSocket is stable. A
// failure re-enables polling.
func (c *SessionCoordinator) healthCheck(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.api.Ping(pingCtx); err != nil {
		logging.Warn().Err(err).Msg("Health check failed, re-enabling polling")
		c.restorePolling()
	}
}

// setSessions parses, filters, and installs a session batch from either
// transport. Malformed elements are skipped; only remote-controllable
// sessions survive; duplicates by device id resolve last-write-wins.
func (c *SessionCoordinator) setSessions(raw json.RawMessage, source string) {
	sessions, parseErrs := models.ParseSessions(raw)
	for _, err := range parseErrs {
		logging.Warn().Err(err).Str("source", source).Msg("Skipping malformed session payload")
	}
	if sessions == nil && len(parseErrs) > 0 {
		// The whole payload was unusable; keep the previous snapshot.
		return
	}

	indexed := make(map[string]models.Session, len(sessions))
	playing := 0
	for _, s := range sessions {
		if !s.SupportsRemoteControl {
			continue
		}
		indexed[s.DeviceID] = s
		if s.IsActive() {
			playing++
		}
	}

	devices := make(map[string]struct{}, len(indexed))
	for id := range indexed {
		devices[id] = struct{}{}
	}

	c.mu.Lock()
	for id := range devices {
		if _, seen := c.prevDevices[id]; !seen {
			logging.Info().Str("device_id", id).Str("source", source).Msg("Session appeared")
		}
	}
	for id := range c.prevDevices {
		if _, still := devices[id]; !still {
			logging.Info().Str("device_id", id).Str("source", source).Msg("Session disappeared")
		}
	}
	c.prevDevices = devices
	c.data = indexed
	c.hasData = true
	c.lastUpdated = time.Now()
	c.lastError = nil
	c.mu.Unlock()

	metrics.ActiveSessions.Set(float64(len(indexed)))
	metrics.PlaybackSessions.Set(float64(playing))
	metrics.CoordinatorRefreshes.WithLabelValues("session", "success").Inc()

	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.TypeSessionsUpdated, Payload: map[string]any{
			"session_count":  len(indexed),
			"playback_count": playing,
			"source":         source,
		}})
	}
}

// HandleMessage processes one WebSocket message. Unknown types and
// malformed payloads are no-ops; this method must never panic into the
// receive loop.
func (c *SessionCoordinator) HandleMessage(messageType string, data json.RawMessage) {
	switch messageType {
	case "Sessions":
		c.setSessions(data, "websocket")
		c.bumpStability()

	case "PlaybackStarted":
		c.publishPlayback(events.TypePlaybackStarted, data)
		c.requestRefresh()
		c.bumpStability()

	case "PlaybackProgress":
		c.tracker.Track(data)
		c.publishPlayback(events.TypePlaybackProgress, data)
		c.requestRefresh()
		c.bumpStability()

	case "PlaybackStopped":
		c.tracker.Remove(data)
		c.publishPlayback(events.TypePlaybackStopped, data)
		c.requestRefresh()
		c.bumpStability()

	case "SessionEnded":
		c.handleSessionEnded(data)
		c.requestRefresh()
		c.bumpStability()

	case "LibraryChanged":
		c.handleLibraryChanged(data)

	case "UserDataChanged":
		c.handleUserDataChanged(data)

	case "NotificationAdded":
		c.handleNotificationAdded(data)

	case "UserUpdated":
		c.handleUserChanged(data, "updated")

	case "UserDeleted":
		c.handleUserChanged(data, "deleted")

	case "ServerRestarting", "ServerShuttingDown":
		logging.Info().Str("message_type", messageType).Msg("Server lifecycle notification")
		if c.bus != nil {
			c.bus.Publish(events.Event{Type: events.TypeServerRestarting, Payload: map[string]any{
				"message_type": messageType,
			}})
		}

	default:
		logging.Debug().Str("message_type", messageType).Msg("Ignoring unhandled WebSocket message")
	}
}

// HandleConnection reacts to WebSocket connect/disconnect transitions.
func (c *SessionCoordinator) HandleConnection(connected bool) {
	c.mu.Lock()
	c.wsConnected = connected
	if !connected {
		c.wsSuccesses = 0
		c.pollingDisabled = false
	}
	c.mu.Unlock()

	if c.library != nil {
		c.library.SetWebSocketActive(connected)
	}
	if c.server != nil {
		c.server.SetWebSocketActive(connected)
	}

	if connected {
		logging.Info().Msg("WebSocket active, relaxing poll interval")
	} else {
		logging.Info().Msg("WebSocket inactive, restoring configured poll interval")
		// A pending health-check tick would otherwise delay the next
		// poll by up to the health-check interval.
		c.requestRefresh()
	}

	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.TypeConnectionChange, Payload: map[string]any{
			"websocket_connected": connected,
		}})
	}
}

// bumpStability counts consecutive successfully-handled messages and
// disables polling at the threshold.
func (c *SessionCoordinator) bumpStability() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wsSuccesses++
	if !c.pollingDisabled && c.wsSuccesses >= c.cfg.StableThreshold {
		c.pollingDisabled = true
		logging.Info().
			Int("consecutive_messages", c.wsSuccesses).
			Msg("WebSocket stable, disabling session polling")
	}
}

// restorePolling re-enables the configured poll interval after a
// WebSocket error or failed health check.
func (c *SessionCoordinator) restorePolling() {
	c.mu.Lock()
	c.wsSuccesses = 0
	c.pollingDisabled = false
	c.mu.Unlock()
	c.requestRefresh()
}

func (c *SessionCoordinator) requestRefresh() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *SessionCoordinator) publishPlayback(eventType string, data json.RawMessage) {
	if c.bus == nil {
		return
	}
	var p progressPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	payload := map[string]any{
		"device_id": p.DeviceID,
		"user_id":   p.UserID,
	}
	if p.NowPlayingItem != nil {
		payload["item_id"] = p.NowPlayingItem.ID
		payload["item_name"] = p.NowPlayingItem.Name
	} else if p.Item != nil {
		payload["item_id"] = p.Item.ID
		payload["item_name"] = p.Item.Name
	}
	c.bus.Publish(events.Event{Type: eventType, Payload: payload})
}

func (c *SessionCoordinator) handleSessionEnded(data json.RawMessage) {
	var p struct {
		DeviceID string `json:"DeviceId"`
		ID       string `json:"Id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	deviceID := firstNonEmpty(p.DeviceID, p.ID)
	if removed := c.tracker.PurgeDevice(deviceID); removed > 0 {
		logging.Debug().
			Str("device_id", deviceID).
			Int("removed", removed).
			Msg("Purged playback tracking for ended session")
	}
	if c.bus != nil && deviceID != "" {
		c.bus.Publish(events.Event{Type: events.TypeSessionEnded, Payload: map[string]any{
			"device_id": deviceID,
		}})
	}
}

func (c *SessionCoordinator) handleLibraryChanged(data json.RawMessage) {
	if c.browse != nil {
		c.browse.Clear()
	}
	if c.library != nil {
		c.library.RequestRefresh()
	}

	var p struct {
		ItemsAdded         []string `json:"ItemsAdded"`
		ItemsUpdated       []string `json:"ItemsUpdated"`
		ItemsRemoved       []string `json:"ItemsRemoved"`
		FoldersAddedTo     []string `json:"FoldersAddedTo"`
		FoldersRemovedFrom []string `json:"FoldersRemovedFrom"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		logging.Debug().Err(err).Msg("LibraryChanged payload not a mapping, cache cleared anyway")
		return
	}

	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.TypeLibraryChanged, Payload: map[string]any{
			"items_added":          emptyIfNil(p.ItemsAdded),
			"items_updated":        emptyIfNil(p.ItemsUpdated),
			"items_removed":        emptyIfNil(p.ItemsRemoved),
			"folders_added_to":     emptyIfNil(p.FoldersAddedTo),
			"folders_removed_from": emptyIfNil(p.FoldersRemovedFrom),
		}})
	}
}

func (c *SessionCoordinator) handleUserDataChanged(data json.RawMessage) {
	var p struct {
		UserID       string `json:"UserId"`
		UserDataList []struct {
			ItemID                string  `json:"ItemId"`
			UserID                string  `json:"UserId"`
			IsFavorite            bool    `json:"IsFavorite"`
			Played                bool    `json:"Played"`
			PlaybackPositionTicks int64   `json:"PlaybackPositionTicks"`
			Rating                float64 `json:"Rating"`
			PlayCount             int     `json:"PlayCount"`
		} `json:"UserDataList"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	for _, entry := range p.UserDataList {
		userID := firstNonEmpty(entry.UserID, p.UserID)
		if entry.ItemID == "" || userID == "" {
			continue
		}
		if c.bus != nil {
			c.bus.Publish(events.Event{Type: events.TypeUserDataChanged, Payload: map[string]any{
				"item_id":        entry.ItemID,
				"user_id":        userID,
				"is_favorite":    entry.IsFavorite,
				"played":         entry.Played,
				"position_ticks": entry.PlaybackPositionTicks,
				"rating":         entry.Rating,
				"play_count":     entry.PlayCount,
			}})
		}
	}
}

func (c *SessionCoordinator) handleNotificationAdded(data json.RawMessage) {
	var p struct {
		Name             string `json:"Name"`
		Description      string `json:"Description"`
		Level            string `json:"Level"`
		NotificationType string `json:"NotificationType"`
		Date             string `json:"Date"`
		URL              string `json:"Url"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	if c.bus != nil {
		payload := map[string]any{
			"name":        p.Name,
			"description": p.Description,
			"level":       p.Level,
			"type":        p.NotificationType,
			"date":        p.Date,
		}
		if p.URL != "" {
			payload["url"] = p.URL
		}
		c.bus.Publish(events.Event{Type: events.TypeNotification, Payload: payload})
	}
}

func (c *SessionCoordinator) handleUserChanged(data json.RawMessage, change string) {
	var p struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		// Deletion frames sometimes carry the bare user id.
		var id string
		if err := json.Unmarshal(data, &id); err != nil || id == "" {
			return
		}
		p.ID = id
	}
	if p.ID == "" {
		return
	}

	eventType := events.TypeUserUpdated
	if change == "deleted" {
		eventType = events.TypeUserDeleted
	}
	if c.bus != nil {
		payload := map[string]any{
			"user_id": p.ID,
			"change":  change,
		}
		if p.Name != "" {
			payload["user_name"] = p.Name
		}
		c.bus.Publish(events.Event{Type: eventType, Payload: payload})
	}
}

// Sessions returns a copy of the current snapshot.
func (c *SessionCoordinator) Sessions() map[string]models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]models.Session, len(c.data))
	for id, s := range c.data {
		out[id] = s
	}
	return out
}

// Session returns one session by device id.
func (c *SessionCoordinator) Session(deviceID string) (models.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.data[deviceID]
	return s, ok
}

// WatchTimes returns today's per-user watch time totals.
func (c *SessionCoordinator) WatchTimes() []UserWatchTime {
	return c.tracker.WatchTimes()
}

// Status is the coordinator's health summary for diagnostics.
type Status struct {
	WebSocketConnected bool      `json:"websocket_connected"`
	PollingDisabled    bool      `json:"polling_disabled"`
	ConsecutiveFails   int       `json:"consecutive_failures"`
	SessionCount       int       `json:"session_count"`
	TrackingEntries    int       `json:"tracking_entries"`
	LastUpdated        time.Time `json:"last_updated"`
	LastError          string    `json:"last_error,omitempty"`
}

// Status returns the current health summary.
func (c *SessionCoordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		WebSocketConnected: c.wsConnected,
		PollingDisabled:    c.pollingDisabled,
		ConsecutiveFails:   c.failures,
		SessionCount:       len(c.data),
		TrackingEntries:    c.tracker.EntryCount(),
		LastUpdated:        c.lastUpdated,
	}
	if c.lastError != nil {
		s.LastError = c.lastError.Error()
	}
	return s
}

// HasData reports whether at least one poll or push has succeeded.
func (c *SessionCoordinator) HasData() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasData
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
