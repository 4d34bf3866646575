// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

// Package models defines the immutable value types Embywatch derives from
// raw Emby payloads: sessions, now-playing items, and playback state.
//
// Values are built by the pure parsers in parse.go and never mutated after
// construction; the session coordinator replaces them wholesale on every
// poll or push update.
package models

import (
	"fmt"
	"strings"
	"time"
)

// TicksPerSecond is Emby's time unit: one tick is 100 nanoseconds.
const TicksPerSecond int64 = 10_000_000

// TicksToSeconds converts an Emby tick count to whole seconds.
func TicksToSeconds(ticks int64) int64 {
	return ticks / TicksPerSecond
}

// MediaKind is the normalized type of a now-playing item.
type MediaKind string

// Media kinds reported by Emby's NowPlayingItem.Type field.
const (
	MediaKindMovie      MediaKind = "Movie"
	MediaKindEpisode    MediaKind = "Episode"
	MediaKindAudio      MediaKind = "Audio"
	MediaKindMusicVideo MediaKind = "MusicVideo"
	MediaKindTrailer    MediaKind = "Trailer"
	MediaKindPhoto      MediaKind = "Photo"
	MediaKindTvChannel  MediaKind = "TvChannel"
	MediaKindUnknown    MediaKind = "Unknown"
)

// ParseMediaKind maps a raw Emby item type to a MediaKind.
// Unrecognized values map to MediaKindUnknown rather than failing:
// new item types must not break session parsing.
func ParseMediaKind(raw string) MediaKind {
	switch strings.ToLower(raw) {
	case "movie":
		return MediaKindMovie
	case "episode":
		return MediaKindEpisode
	case "audio":
		return MediaKindAudio
	case "musicvideo":
		return MediaKindMusicVideo
	case "trailer":
		return MediaKindTrailer
	case "photo":
		return MediaKindPhoto
	case "tvchannel":
		return MediaKindTvChannel
	default:
		return MediaKindUnknown
	}
}

// Session is a connected Emby client, identified durably by DeviceID and
// transiently by SessionID.
type Session struct {
	// Identity
	SessionID string
	DeviceID  string

	// Device and client
	DeviceName string
	Client     string
	AppVersion string

	// User
	UserID   string
	UserName string

	// Capabilities
	SupportsRemoteControl bool
	SupportedCommands     []string
	PlayableMediaTypes    []string

	// Playback
	NowPlaying *NowPlayingItem
	PlayState  *PlayState

	// Queue
	QueueItemIDs  []string
	QueuePosition int

	LastActivity time.Time
}

// NowPlayingItem is the media currently loaded in a session.
type NowPlayingItem struct {
	ID   string
	Name string
	Kind MediaKind

	RuntimeTicks int64

	// TV
	SeriesID      string
	SeriesName    string
	SeasonName    string
	SeasonNumber  int
	EpisodeNumber int

	// Music
	Album       string
	AlbumID     string
	AlbumArtist string
	Artists     []string

	ImageTags         map[string]string
	BackdropImageTags []string
	ProviderIDs       map[string]string
}

// PlayState is the playback position and transport flags of a session.
type PlayState struct {
	PositionTicks int64
	IsPaused      bool
	IsMuted       bool

	// VolumeLevel is normalized to 0.0-1.0 (Emby reports 0-100).
	VolumeLevel float64

	PlayMethod string
	CanSeek    bool
}

// RuntimeSeconds returns the item duration in whole seconds.
func (n *NowPlayingItem) RuntimeSeconds() int64 {
	return TicksToSeconds(n.RuntimeTicks)
}

// PositionSeconds returns the playback position in whole seconds.
func (p *PlayState) PositionSeconds() int64 {
	return TicksToSeconds(p.PositionTicks)
}

// IsActive reports whether the session has content loaded (playing or paused).
func (s *Session) IsActive() bool {
	return s.NowPlaying != nil
}

// IsPaused reports whether the session has content paused.
func (s *Session) IsPaused() bool {
	return s.NowPlaying != nil && s.PlayState != nil && s.PlayState.IsPaused
}

// IsPlaying reports whether the session is actively playing content.
func (s *Session) IsPlaying() bool {
	return s.NowPlaying != nil && s.PlayState != nil && !s.PlayState.IsPaused
}

// PercentComplete returns the playback progress percentage, 0 when idle.
func (s *Session) PercentComplete() int {
	if s.NowPlaying == nil || s.PlayState == nil {
		return 0
	}
	duration := s.NowPlaying.RuntimeSeconds()
	if duration == 0 {
		return 0
	}
	return int((s.PlayState.PositionSeconds() * 100) / duration)
}

// ContentTitle returns a display title for the now-playing item.
func (s *Session) ContentTitle() string {
	if s.NowPlaying == nil {
		return ""
	}
	item := s.NowPlaying

	if item.SeriesName != "" {
		return fmt.Sprintf("%s - S%02dE%02d - %s",
			item.SeriesName, item.SeasonNumber, item.EpisodeNumber, item.Name)
	}

	if item.Album != "" {
		artists := strings.Join(item.Artists, ", ")
		if artists == "" {
			artists = item.AlbumArtist
		}
		if artists != "" {
			return fmt.Sprintf("%s - %s", artists, item.Name)
		}
	}

	return item.Name
}

// IsWebClient reports whether the session comes from Emby's browser player.
func (s *Session) IsWebClient() bool {
	return strings.Contains(strings.ToLower(s.Client), "web")
}
