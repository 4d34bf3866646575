// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package coordinator

import (
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/embywatch/internal/logging"
	"github.com/tomtom215/embywatch/internal/metrics"
	"github.com/tomtom215/embywatch/internal/models"
)

// trackingEntry is the mutable per-playback state behind watch-time
// accounting.
type trackingEntry struct {
	PositionTicks int64     `json:"position_ticks"`
	ItemID        string    `json:"item_id"`
	ItemName      string    `json:"item_name"`
	UserID        string    `json:"user_id"`
	UserName      string    `json:"user_name"`
	LastUpdate    time.Time `json:"last_update"`
}

// progressPayload is the subset of PlaybackProgress (and session) frames
// the tracker cares about. Position may arrive at the top level or nested
// under PlayState depending on the event source.
type progressPayload struct {
	PlaySessionID string          `json:"PlaySessionId"`
	DeviceID      string          `json:"DeviceId"`
	ID            string          `json:"Id"`
	UserID        string          `json:"UserId"`
	UserName      string          `json:"UserName"`
	PositionTicks json.RawMessage `json:"PositionTicks"`
	IsPaused      bool            `json:"IsPaused"`
	PlayState     *struct {
		PositionTicks json.RawMessage `json:"PositionTicks"`
		IsPaused      bool            `json:"IsPaused"`
	} `json:"PlayState"`
	NowPlayingItem *struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	} `json:"NowPlayingItem"`
	Item *struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	} `json:"Item"`
}

// playbackTracker accumulates per-user daily watch time from playback
// progress events. Entries are keyed by user id plus the first available
// session identifier; totals reset when the wall-clock date changes.
type playbackTracker struct {
	mu sync.Mutex

	entries   map[string]*trackingEntry
	watchTime map[string]int64 // user id -> seconds today
	userNames map[string]string

	lastResetDate string

	// maxDelta filters seeks: forward jumps larger than this add nothing.
	maxDelta time.Duration

	// staleAfter bounds entry lifetime for cleanup.
	staleAfter time.Duration

	now func() time.Time
}

func newPlaybackTracker(maxDelta, staleAfter time.Duration) *playbackTracker {
	if maxDelta <= 0 {
		maxDelta = 60 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	t := &playbackTracker{
		entries:    make(map[string]*trackingEntry),
		watchTime:  make(map[string]int64),
		userNames:  make(map[string]string),
		maxDelta:   maxDelta,
		staleAfter: staleAfter,
		now:        time.Now,
	}
	t.lastResetDate = t.now().Format("2006-01-02")
	return t
}

// Track processes one progress payload. Payloads missing a session key or
// user id are ignored; malformed position values count as 0.
func (t *playbackTracker) Track(data json.RawMessage) {
	var p progressPayload
	if err := json.Unmarshal(data, &p); err != nil {
		logging.Debug().Err(err).Msg("Unparseable playback progress payload, skipping")
		return
	}

	sessionKey := firstNonEmpty(p.PlaySessionID, p.DeviceID, p.ID)
	if sessionKey == "" || p.UserID == "" {
		return
	}
	// Keyed per user and session so a user switch on the same play
	// session starts fresh instead of inheriting the previous user's
	// position.
	key := p.UserID + ":" + sessionKey

	position := coerceTicks(p.PositionTicks)
	paused := p.IsPaused
	if p.PlayState != nil {
		if position == 0 {
			position = coerceTicks(p.PlayState.PositionTicks)
		}
		paused = paused || p.PlayState.IsPaused
	}

	itemID, itemName := "", ""
	switch {
	case p.NowPlayingItem != nil:
		itemID, itemName = p.NowPlayingItem.ID, p.NowPlayingItem.Name
	case p.Item != nil:
		itemID, itemName = p.Item.ID, p.Item.Name
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()

	if prev, exists := t.entries[key]; exists {
		deltaSeconds := models.TicksToSeconds(position - prev.PositionTicks)
		maxSeconds := int64(t.maxDelta / time.Second)
		if deltaSeconds > 0 && deltaSeconds <= maxSeconds && !paused {
			t.watchTime[p.UserID] += deltaSeconds
			t.userNames[p.UserID] = p.UserName
			metrics.WatchTimeSeconds.WithLabelValues(p.UserID).Add(float64(deltaSeconds))
		}
	}

	entry := &trackingEntry{
		PositionTicks: position,
		ItemID:        itemID,
		ItemName:      itemName,
		UserID:        p.UserID,
		UserName:      p.UserName,
		LastUpdate:    t.now(),
	}
	t.entries[key] = entry
}

// Remove drops the tracking entry for one progress payload, used on
// PlaybackStopped. Payloads without a resolvable key are ignored.
func (t *playbackTracker) Remove(data json.RawMessage) {
	var p progressPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	sessionKey := firstNonEmpty(p.PlaySessionID, p.DeviceID, p.ID)
	if sessionKey == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p.UserID != "" {
		delete(t.entries, p.UserID+":"+sessionKey)
		return
	}
	// Stop frames without a user id fall back to matching any entry for
	// the session.
	for key := range t.entries {
		if strings.HasSuffix(key, ":"+sessionKey) {
			delete(t.entries, key)
		}
	}
}

// PurgeDevice removes every entry whose key contains deviceID, used on
// SessionEnded where only the device identity survives in the payload.
func (t *playbackTracker) PurgeDevice(deviceID string) int {
	if deviceID == "" {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key := range t.entries {
		if strings.Contains(key, deviceID) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// CleanupStale removes entries older than the configured max age and
// entries with no timestamp at all.
func (t *playbackTracker) CleanupStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.staleAfter)
	removed := 0
	for key, entry := range t.entries {
		if entry.LastUpdate.IsZero() || entry.LastUpdate.Before(cutoff) {
			delete(t.entries, key)
			removed++
		}
	}
	if removed > 0 {
		logging.Debug().Int("removed", removed).Msg("Cleaned up stale playback tracking entries")
	}
	return removed
}

// UserWatchTime is one user's accumulated watch time for today.
type UserWatchTime struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Seconds  int64  `json:"seconds"`
}

// WatchTimes returns today's per-user totals, applying the daily rollover
// first so a stale snapshot is never served across midnight.
func (t *playbackTracker) WatchTimes() []UserWatchTime {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()

	out := make([]UserWatchTime, 0, len(t.watchTime))
	for userID, seconds := range t.watchTime {
		out = append(out, UserWatchTime{
			UserID:   userID,
			UserName: t.userNames[userID],
			Seconds:  seconds,
		})
	}
	return out
}

// EntryCount returns the number of live tracking entries.
func (t *playbackTracker) EntryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// rollover clears the accumulators when the date has changed.
// Lock must be held.
func (t *playbackTracker) rollover() {
	today := t.now().Format("2006-01-02")
	if today == t.lastResetDate {
		return
	}
	logging.Info().
		Str("previous_date", t.lastResetDate).
		Int("users", len(t.watchTime)).
		Msg("Daily watch time rollover")
	t.watchTime = make(map[string]int64)
	t.lastResetDate = today
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// coerceTicks decodes a PositionTicks value, tolerating strings and
// malformed values by degrading to 0.
func coerceTicks(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f)
	}
	return 0
}
