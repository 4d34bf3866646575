// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ParseError reports a session payload that cannot be turned into a
// Session value, naming the field that was missing or malformed.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("session parse failed: field %q %s", e.Field, e.Reason)
}

// Wire structures mirroring Emby's /Sessions payload.
// Endpoint documentation: https://dev.emby.media/doc/restapi/index.html

type wireSession struct {
	ID                    string           `json:"Id"`
	DeviceID              string           `json:"DeviceId"`
	DeviceName            string           `json:"DeviceName"`
	Client                string           `json:"Client"`
	ApplicationVersion    string           `json:"ApplicationVersion"`
	UserID                string           `json:"UserId"`
	UserName              string           `json:"UserName"`
	SupportsRemoteControl bool             `json:"SupportsRemoteControl"`
	SupportedCommands     []string         `json:"SupportedCommands"`
	PlayableMediaTypes    []string         `json:"PlayableMediaTypes"`
	LastActivityDate      string           `json:"LastActivityDate"`
	NowPlayingItem        *wireItem        `json:"NowPlayingItem"`
	PlayState             *wirePlayState   `json:"PlayState"`
	NowPlayingQueue       []wireQueueEntry `json:"NowPlayingQueue"`
	PlaylistIndex         int              `json:"PlaylistIndex"`
}

type wireItem struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	Type              string            `json:"Type"`
	RunTimeTicks      int64             `json:"RunTimeTicks"`
	SeriesID          string            `json:"SeriesId"`
	SeriesName        string            `json:"SeriesName"`
	SeasonName        string            `json:"SeasonName"`
	IndexNumber       int               `json:"IndexNumber"`
	ParentIndexNumber int               `json:"ParentIndexNumber"`
	Album             string            `json:"Album"`
	AlbumID           string            `json:"AlbumId"`
	AlbumArtist       string            `json:"AlbumArtist"`
	Artists           []string          `json:"Artists"`
	ImageTags         map[string]string `json:"ImageTags"`
	BackdropImageTags []string          `json:"BackdropImageTags"`
	ProviderIDs       map[string]string `json:"ProviderIds"`
}

type wirePlayState struct {
	PositionTicks int64  `json:"PositionTicks"`
	IsPaused      bool   `json:"IsPaused"`
	IsMuted       bool   `json:"IsMuted"`
	VolumeLevel   *int   `json:"VolumeLevel"`
	PlayMethod    string `json:"PlayMethod"`
	CanSeek       bool   `json:"CanSeek"`
}

type wireQueueEntry struct {
	ID string `json:"Id"`
}

// ParseSession builds a Session from one raw /Sessions (or WebSocket
// "Sessions") array element. Payloads missing the identity fields Id or
// DeviceId return a *ParseError; the caller is expected to skip that
// element and keep the rest of the batch.
func ParseSession(raw json.RawMessage) (Session, error) {
	var w wireSession
	if err := json.Unmarshal(raw, &w); err != nil {
		return Session{}, &ParseError{Field: "Data", Reason: "is not a session object: " + err.Error()}
	}
	return sessionFromWire(&w)
}

// ParseSessions parses a full session list, returning the sessions that
// parsed cleanly plus the errors for those that did not. One malformed
// element never aborts the batch.
func ParseSessions(raw json.RawMessage) ([]Session, []error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, []error{&ParseError{Field: "Data", Reason: "is not a session array: " + err.Error()}}
	}

	sessions := make([]Session, 0, len(elements))
	var errs []error
	for _, el := range elements {
		s, err := ParseSession(el)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, errs
}

func sessionFromWire(w *wireSession) (Session, error) {
	if w.ID == "" {
		return Session{}, &ParseError{Field: "Id", Reason: "is missing"}
	}
	if w.DeviceID == "" {
		return Session{}, &ParseError{Field: "DeviceId", Reason: "is missing"}
	}

	s := Session{
		SessionID:             w.ID,
		DeviceID:              w.DeviceID,
		DeviceName:            w.DeviceName,
		Client:                w.Client,
		AppVersion:            w.ApplicationVersion,
		UserID:                w.UserID,
		UserName:              w.UserName,
		SupportsRemoteControl: w.SupportsRemoteControl,
		SupportedCommands:     w.SupportedCommands,
		PlayableMediaTypes:    w.PlayableMediaTypes,
		QueuePosition:         w.PlaylistIndex,
		LastActivity:          parseEmbyTime(w.LastActivityDate),
	}

	if len(w.NowPlayingQueue) > 0 {
		ids := make([]string, 0, len(w.NowPlayingQueue))
		for _, q := range w.NowPlayingQueue {
			ids = append(ids, q.ID)
		}
		s.QueueItemIDs = ids
	}

	if w.NowPlayingItem != nil {
		s.NowPlaying = itemFromWire(w.NowPlayingItem)
	}
	if w.PlayState != nil {
		s.PlayState = playStateFromWire(w.PlayState)
	}

	return s, nil
}

func itemFromWire(w *wireItem) *NowPlayingItem {
	return &NowPlayingItem{
		ID:                w.ID,
		Name:              w.Name,
		Kind:              ParseMediaKind(w.Type),
		RuntimeTicks:      w.RunTimeTicks,
		SeriesID:          w.SeriesID,
		SeriesName:        w.SeriesName,
		SeasonName:        w.SeasonName,
		SeasonNumber:      w.ParentIndexNumber,
		EpisodeNumber:     w.IndexNumber,
		Album:             w.Album,
		AlbumID:           w.AlbumID,
		AlbumArtist:       w.AlbumArtist,
		Artists:           w.Artists,
		ImageTags:         w.ImageTags,
		BackdropImageTags: w.BackdropImageTags,
		ProviderIDs:       w.ProviderIDs,
	}
}

func playStateFromWire(w *wirePlayState) *PlayState {
	p := &PlayState{
		PositionTicks: w.PositionTicks,
		IsPaused:      w.IsPaused,
		IsMuted:       w.IsMuted,
		PlayMethod:    w.PlayMethod,
		CanSeek:       w.CanSeek,
	}
	if w.VolumeLevel != nil {
		p.VolumeLevel = float64(*w.VolumeLevel) / 100.0
	}
	return p
}

// parseEmbyTime parses Emby's ISO timestamps. Emby mixes RFC3339 with a
// seven-digit fractional form; unparseable values degrade to zero time
// rather than failing the session.
func parseEmbyTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.9999999Z07:00",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
