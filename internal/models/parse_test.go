// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package models

import (
	"errors"
	"testing"
)

const sampleSession = `{
	"Id": "sess-1",
	"DeviceId": "device-abc",
	"DeviceName": "Living Room TV",
	"Client": "Emby Theater",
	"ApplicationVersion": "3.0.21",
	"UserId": "user-1",
	"UserName": "alice",
	"SupportsRemoteControl": true,
	"SupportedCommands": ["Play", "DisplayMessage"],
	"PlayableMediaTypes": ["Video", "Audio"],
	"LastActivityDate": "2026-08-30T19:12:44.0000000Z",
	"PlaylistIndex": 2,
	"NowPlayingQueue": [{"Id": "q1"}, {"Id": "q2"}, {"Id": "q3"}],
	"NowPlayingItem": {
		"Id": "item-9",
		"Name": "The Pilot",
		"Type": "Episode",
		"RunTimeTicks": 36000000000,
		"SeriesName": "Some Show",
		"SeasonName": "Season 1",
		"IndexNumber": 1,
		"ParentIndexNumber": 1,
		"ImageTags": {"Primary": "tag123"}
	},
	"PlayState": {
		"PositionTicks": 9000000000,
		"IsPaused": false,
		"IsMuted": true,
		"VolumeLevel": 85,
		"PlayMethod": "DirectPlay",
		"CanSeek": true
	}
}`

func TestParseSession(t *testing.T) {
	s, err := ParseSession([]byte(sampleSession))
	if err != nil {
		t.Fatalf("ParseSession failed: %v", err)
	}

	if s.DeviceID != "device-abc" {
		t.Errorf("DeviceID = %q, want device-abc", s.DeviceID)
	}
	if s.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", s.SessionID)
	}
	if !s.SupportsRemoteControl {
		t.Error("SupportsRemoteControl should be true")
	}
	if s.LastActivity.IsZero() {
		t.Error("LastActivity should parse")
	}
	if len(s.QueueItemIDs) != 3 || s.QueueItemIDs[1] != "q2" {
		t.Errorf("QueueItemIDs = %v", s.QueueItemIDs)
	}
	if s.QueuePosition != 2 {
		t.Errorf("QueuePosition = %d, want 2", s.QueuePosition)
	}

	if s.NowPlaying == nil {
		t.Fatal("NowPlaying missing")
	}
	if s.NowPlaying.Kind != MediaKindEpisode {
		t.Errorf("Kind = %q, want Episode", s.NowPlaying.Kind)
	}
	if got := s.NowPlaying.RuntimeSeconds(); got != 3600 {
		t.Errorf("RuntimeSeconds = %d, want 3600", got)
	}

	if s.PlayState == nil {
		t.Fatal("PlayState missing")
	}
	if got := s.PlayState.PositionSeconds(); got != 900 {
		t.Errorf("PositionSeconds = %d, want 900", got)
	}
	if s.PlayState.VolumeLevel != 0.85 {
		t.Errorf("VolumeLevel = %v, want 0.85", s.PlayState.VolumeLevel)
	}
	if !s.PlayState.IsMuted {
		t.Error("IsMuted should be true")
	}

	if got := s.PercentComplete(); got != 25 {
		t.Errorf("PercentComplete = %d, want 25", got)
	}
	if got := s.ContentTitle(); got != "Some Show - S01E01 - The Pilot" {
		t.Errorf("ContentTitle = %q", got)
	}
}

func TestParseSessionMissingIdentity(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantField string
	}{
		{"missing DeviceId", `{"Id": "sess-1"}`, "DeviceId"},
		{"missing Id", `{"DeviceId": "device-1"}`, "Id"},
		{"not an object", `[1,2,3]`, "Data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSession([]byte(tt.payload))
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
			if perr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", perr.Field, tt.wantField)
			}
		})
	}
}

func TestParseSessionsPartialFailure(t *testing.T) {
	payload := `[
		{"Id": "sess-1", "DeviceId": "device-1", "SupportsRemoteControl": true},
		{"Id": "sess-bad"},
		{"Id": "sess-2", "DeviceId": "device-2"}
	]`

	sessions, errs := ParseSessions([]byte(payload))
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if sessions[0].DeviceID != "device-1" || sessions[1].DeviceID != "device-2" {
		t.Errorf("wrong sessions retained: %v", sessions)
	}
}

func TestParseMediaKind(t *testing.T) {
	tests := []struct {
		raw  string
		want MediaKind
	}{
		{"Movie", MediaKindMovie},
		{"movie", MediaKindMovie},
		{"Episode", MediaKindEpisode},
		{"Audio", MediaKindAudio},
		{"MusicVideo", MediaKindMusicVideo},
		{"Trailer", MediaKindTrailer},
		{"Photo", MediaKindPhoto},
		{"TvChannel", MediaKindTvChannel},
		{"Book", MediaKindUnknown},
		{"", MediaKindUnknown},
	}
	for _, tt := range tests {
		if got := ParseMediaKind(tt.raw); got != tt.want {
			t.Errorf("ParseMediaKind(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestTicksToSeconds(t *testing.T) {
	if got := TicksToSeconds(10_000_000); got != 1 {
		t.Errorf("1s worth of ticks = %d", got)
	}
	if got := TicksToSeconds(305_000_000); got != 30 {
		t.Errorf("30.5s truncates to %d, want 30", got)
	}
	if got := TicksToSeconds(0); got != 0 {
		t.Errorf("zero ticks = %d", got)
	}
}

func TestContentTitleMusic(t *testing.T) {
	s := Session{NowPlaying: &NowPlayingItem{
		Name:    "Track One",
		Album:   "Album X",
		Artists: []string{"A", "B"},
	}}
	if got := s.ContentTitle(); got != "A, B - Track One" {
		t.Errorf("ContentTitle = %q", got)
	}
}

func TestIsWebClient(t *testing.T) {
	web := Session{Client: "Emby Web"}
	if !web.IsWebClient() {
		t.Error("Emby Web should be a web client")
	}
	tv := Session{Client: "Emby Theater"}
	if tv.IsWebClient() {
		t.Error("Emby Theater should not be a web client")
	}
}
