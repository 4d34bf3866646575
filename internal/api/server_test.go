// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/embywatch/internal/cache"
	"github.com/tomtom215/embywatch/internal/config"
	"github.com/tomtom215/embywatch/internal/coordinator"
	"github.com/tomtom215/embywatch/internal/emby"
	"github.com/tomtom215/embywatch/internal/events"
)

// apiStub is a scriptable emby.API for handler tests.
type apiStub struct {
	mu sync.Mutex

	sessionsRaw json.RawMessage
	childrenRaw json.RawMessage
	viewsRaw    json.RawMessage

	playErr error

	playSessionID string
	playCommand   string
	playItemIDs   []string

	playStateCommand string
	playStateSeek    *int64

	messageHeader string
	messageText   string
}

func (a *apiStub) Ping(ctx context.Context) error { return nil }

func (a *apiStub) SystemInfo(ctx context.Context) (*emby.SystemInfo, error) {
	return &emby.SystemInfo{ServerName: "stub", Version: "4.8.0", ID: "srv-1"}, nil
}

func (a *apiStub) PublicSystemInfo(ctx context.Context) (*emby.PublicSystemInfo, error) {
	return &emby.PublicSystemInfo{ServerName: "stub", Version: "4.8.0"}, nil
}

func (a *apiStub) Sessions(ctx context.Context) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionsRaw, nil
}

func (a *apiStub) ScheduledTasks(ctx context.Context) ([]emby.ScheduledTask, error) {
	return nil, nil
}

func (a *apiStub) ItemCounts(ctx context.Context) (*emby.ItemCounts, error) {
	return &emby.ItemCounts{MovieCount: 7}, nil
}

func (a *apiStub) VirtualFolders(ctx context.Context) ([]emby.VirtualFolder, error) {
	return nil, nil
}

func (a *apiStub) Item(ctx context.Context, itemID string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (a *apiStub) ItemChildren(ctx context.Context, parentID string, startIndex, limit int) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.childrenRaw, nil
}

func (a *apiStub) UserViews(ctx context.Context, userID string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewsRaw, nil
}

func (a *apiStub) Play(ctx context.Context, sessionID, playCommand string, itemIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.playErr != nil {
		return a.playErr
	}
	a.playSessionID = sessionID
	a.playCommand = playCommand
	a.playItemIDs = itemIDs
	return nil
}

func (a *apiStub) PlayStateCommand(ctx context.Context, sessionID, command string, seekPositionTicks *int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.playStateCommand = command
	a.playStateSeek = seekPositionTicks
	return nil
}

func (a *apiStub) GeneralCommand(ctx context.Context, sessionID, name string, args map[string]string) error {
	return nil
}

func (a *apiStub) SendMessage(ctx context.Context, sessionID, header, text string, timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageHeader = header
	a.messageText = text
	return nil
}

func (a *apiStub) WebSocketURL() (string, error) { return "ws://stub/embywebsocket", nil }

func (a *apiStub) CallStats() map[string]emby.EndpointStats {
	return map[string]emby.EndpointStats{"/Sessions": {Calls: 1}}
}

const stubSessions = `[
	{
		"Id": "sess-tv", "DeviceId": "dev-tv", "DeviceName": "Living Room",
		"Client": "Emby Theater", "SupportsRemoteControl": true,
		"UserId": "u1", "UserName": "alice",
		"NowPlayingItem": {"Id": "m1", "Name": "Heat", "Type": "Movie", "RunTimeTicks": 36000000000},
		"PlayState": {"PositionTicks": 9000000000, "IsPaused": false, "PlayMethod": "DirectPlay"}
	},
	{
		"Id": "sess-web", "DeviceId": "dev-web", "DeviceName": "Browser",
		"Client": "Emby Web", "SupportsRemoteControl": true
	}
]`

func newTestServer(t *testing.T, stub *apiStub, authToken string) *Server {
	t.Helper()

	if stub.sessionsRaw == nil {
		stub.sessionsRaw = json.RawMessage(stubSessions)
	}

	browse := cache.New(16, time.Minute)
	sessions := coordinator.NewSessionCoordinator(coordinator.SessionConfig{}, stub, nil, events.NewBus(), browse, nil, nil)
	sessions.Refresh(context.Background())

	server := coordinator.NewServerInfoCoordinator(stub, nil, 0)
	library := coordinator.NewLibraryCoordinator(stub, 0)

	cfg := config.ServerConfig{
		Host:        "127.0.0.1",
		Port:        8765,
		Timeout:     5 * time.Second,
		AuthToken:   authToken,
		CORSOrigins: []string{"*"},
	}
	return NewServer(cfg, stub, sessions, server, library, nil, browse)
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return out
}

func TestHealthReportsOK(t *testing.T) {
	s := newTestServer(t, &apiStub{}, "")

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["has_data"] != true {
		t.Error("has_data should be true after a refresh")
	}
}

func TestSessionsListSorted(t *testing.T) {
	s := newTestServer(t, &apiStub{}, "")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Sessions []sessionView `json:"sessions"`
		Count    int           `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || len(body.Sessions) != 2 {
		t.Fatalf("count = %d, sessions = %d", body.Count, len(body.Sessions))
	}
	if body.Sessions[0].DeviceID != "dev-tv" || body.Sessions[1].DeviceID != "dev-web" {
		t.Errorf("order = %q, %q", body.Sessions[0].DeviceID, body.Sessions[1].DeviceID)
	}

	playing := body.Sessions[0]
	if playing.State != "playing" {
		t.Errorf("state = %q, want playing", playing.State)
	}
	if playing.MediaID != "emby://Movie/m1" {
		t.Errorf("media_id = %q", playing.MediaID)
	}
	if playing.PositionSeconds != 900 || playing.RuntimeSeconds != 3600 {
		t.Errorf("position = %d, runtime = %d", playing.PositionSeconds, playing.RuntimeSeconds)
	}
	if body.Sessions[1].State != "idle" {
		t.Errorf("idle state = %q", body.Sessions[1].State)
	}
}

func TestSessionDetail(t *testing.T) {
	s := newTestServer(t, &apiStub{}, "")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sessions/dev-tv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.SessionID != "sess-tv" || view.UserName != "alice" {
		t.Errorf("view = %+v", view)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/sessions/no-such-device", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", rec.Code)
	}
}

func TestPlayDecodesMediaID(t *testing.T) {
	stub := &apiStub{}
	s := newTestServer(t, stub, "")

	body := []byte(`{"media_id": "emby://Movie/item%2Fslash", "item_ids": ["extra-1"]}`)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/sessions/dev-tv/play", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.playSessionID != "sess-tv" {
		t.Errorf("session id = %q, want sess-tv", stub.playSessionID)
	}
	if stub.playCommand != "PlayNow" {
		t.Errorf("command = %q, want PlayNow", stub.playCommand)
	}
	if len(stub.playItemIDs) != 2 || stub.playItemIDs[0] != "item/slash" || stub.playItemIDs[1] != "extra-1" {
		t.Errorf("item ids = %v", stub.playItemIDs)
	}
}

func TestPlayValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad media id", `{"media_id": "plex://Movie/m1"}`},
		{"no items", `{}`},
		{"unknown command", `{"item_ids": ["m1"], "command": "PlayBackwards"}`},
		{"invalid json", `{notjson`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &apiStub{}, "")
			rec := doRequest(t, s, http.MethodPost, "/api/v1/sessions/dev-tv/play", []byte(tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPlayStateSeek(t *testing.T) {
	stub := &apiStub{}
	s := newTestServer(t, stub, "")

	rec := doRequest(t, s, http.MethodPost, "/api/v1/sessions/dev-tv/playing/Seek", []byte(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Seek without position status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/sessions/dev-tv/playing/Seek", []byte(`{"seek_position_ticks": 12000000000}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.playStateCommand != "Seek" {
		t.Errorf("command = %q", stub.playStateCommand)
	}
	if stub.playStateSeek == nil || *stub.playStateSeek != 12000000000 {
		t.Errorf("seek = %v", stub.playStateSeek)
	}
}

func TestPlayStatePauseNoBody(t *testing.T) {
	stub := &apiStub{}
	s := newTestServer(t, stub, "")

	rec := doRequest(t, s, http.MethodPost, "/api/v1/sessions/dev-tv/playing/Pause", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.playStateCommand != "Pause" {
		t.Errorf("command = %q, want Pause", stub.playStateCommand)
	}
}

func TestCommandRequiresName(t *testing.T) {
	s := newTestServer(t, &apiStub{}, "")

	rec := doRequest(t, s, http.MethodPost, "/api/v1/sessions/dev-tv/command", []byte(`{"arguments": {"k": "v"}}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/sessions/dev-tv/command", []byte(`{"name": "Mute"}`))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
}

func TestMessageDefaultsHeader(t *testing.T) {
	stub := &apiStub{}
	s := newTestServer(t, stub, "")

	rec := doRequest(t, s, http.MethodPost, "/api/v1/sessions/dev-tv/message", []byte(`{"text": "movie night"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.messageHeader != "Embywatch" {
		t.Errorf("header = %q, want default", stub.messageHeader)
	}
	if stub.messageText != "movie night" {
		t.Errorf("text = %q", stub.messageText)
	}
}

func TestUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		kind emby.ErrorKind
		want int
	}{
		{emby.ErrKindConnection, http.StatusServiceUnavailable},
		{emby.ErrKindTimeout, http.StatusServiceUnavailable},
		{emby.ErrKindNotFound, http.StatusNotFound},
		{emby.ErrKindAuth, http.StatusBadGateway},
		{emby.ErrKindServer, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			stub := &apiStub{}
			s := newTestServer(t, stub, "")
			stub.mu.Lock()
			stub.playErr = &emby.Error{Kind: tt.kind, Endpoint: "/Sessions/sess-tv/Playing"}
			stub.mu.Unlock()

			rec := doRequest(t, s, http.MethodPost, "/api/v1/sessions/dev-tv/play", []byte(`{"item_ids": ["m1"]}`))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestBearerAuth(t *testing.T) {
	s := newTestServer(t, &apiStub{}, "sekrit")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sessions", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rec.Code)
	}

	// Health stays open for probes.
	rec = doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestServerInfoAvailability(t *testing.T) {
	stub := &apiStub{}
	s := newTestServer(t, stub, "")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/server", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before refresh status = %d, want 503", rec.Code)
	}

	s.server.Refresh(context.Background())
	rec = doRequest(t, s, http.MethodGet, "/api/v1/server", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	server, ok := body["server"].(map[string]any)
	if !ok || server["server_name"] != "stub" {
		t.Errorf("server = %v", body["server"])
	}
}

func TestLibraryEndpoint(t *testing.T) {
	stub := &apiStub{}
	s := newTestServer(t, stub, "")

	s.library.Refresh(context.Background())
	rec := doRequest(t, s, http.MethodGet, "/api/v1/library", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if _, ok := body["library"]; !ok {
		t.Error("library key missing")
	}
}

func TestBrowseEncodesMediaIDs(t *testing.T) {
	stub := &apiStub{
		childrenRaw: json.RawMessage(`{
			"Items": [
				{"Id": "m1", "Name": "Heat", "Type": "Movie", "IsFolder": false},
				{"Id": "f1", "Name": "Season 1", "Type": "Season", "IsFolder": true}
			],
			"TotalRecordCount": 2
		}`),
	}
	s := newTestServer(t, stub, "")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/library/browse?parent_id=root&start=0&limit=50", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Items []browseItem `json:"items"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || len(body.Items) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Items[0].MediaID != "emby://Movie/m1" {
		t.Errorf("media_id = %q", body.Items[0].MediaID)
	}
	if !body.Items[1].IsDir {
		t.Error("folder item should have is_dir set")
	}
}

func TestBrowseRequiresParent(t *testing.T) {
	s := newTestServer(t, &apiStub{}, "")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/library/browse", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUserViews(t *testing.T) {
	stub := &apiStub{
		viewsRaw: json.RawMessage(`{
			"Items": [{"Id": "v1", "Name": "Movies", "CollectionType": "movies"}]
		}`),
	}
	s := newTestServer(t, stub, "")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/library/views/u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	views, ok := body["views"].([]any)
	if !ok || len(views) != 1 {
		t.Fatalf("views = %v", body["views"])
	}
	view := views[0].(map[string]any)
	if view["media_id"] != "emby://v1" {
		t.Errorf("media_id = %v", view["media_id"])
	}
}

func TestWatchTimeEndpoint(t *testing.T) {
	s := newTestServer(t, &apiStub{}, "")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/watchtime", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if _, ok := body["watch_time"]; !ok {
		t.Error("watch_time key missing")
	}
}

func TestDiagnostics(t *testing.T) {
	s := newTestServer(t, &apiStub{}, "")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/diagnostics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	for _, key := range []string{"coordinator", "sessions", "api_calls", "browse_cache"} {
		if _, ok := body[key]; !ok {
			t.Errorf("%s key missing", key)
		}
	}
	sessions, ok := body["sessions"].([]any)
	if !ok || len(sessions) != 2 {
		t.Errorf("sessions = %v", body["sessions"])
	}
}

func TestWebSocketDisabledWithoutHub(t *testing.T) {
	s := newTestServer(t, &apiStub{}, "")

	rec := doRequest(t, s, http.MethodGet, "/ws", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
