// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"

	"github.com/tomtom215/embywatch/internal/emby"
	"github.com/tomtom215/embywatch/internal/logging"
	"github.com/tomtom215/embywatch/internal/mediaid"
	"github.com/tomtom215/embywatch/internal/models"
	"github.com/tomtom215/embywatch/internal/websocket"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeUpstreamError maps the Emby error taxonomy onto HTTP statuses.
// Upstream auth failures are a server misconfiguration, not a caller
// problem, so they surface as 502 rather than 401.
func writeUpstreamError(w http.ResponseWriter, err error) {
	switch emby.KindOf(err) {
	case emby.ErrKindNotFound:
		writeError(w, http.StatusNotFound, "not found on emby server")
	case emby.ErrKindConnection, emby.ErrKindTimeout, emby.ErrKindSSL:
		writeError(w, http.StatusServiceUnavailable, "emby server unreachable")
	case emby.ErrKindAuth, emby.ErrKindServer:
		writeError(w, http.StatusBadGateway, "emby server rejected the request")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// sessionView is the outward session representation.
type sessionView struct {
	SessionID             string   `json:"session_id"`
	DeviceID              string   `json:"device_id"`
	DeviceName            string   `json:"device_name,omitempty"`
	Client                string   `json:"client,omitempty"`
	AppVersion            string   `json:"app_version,omitempty"`
	UserID                string   `json:"user_id,omitempty"`
	UserName              string   `json:"user_name,omitempty"`
	IsWebClient           bool     `json:"is_web_client"`
	SupportsRemoteControl bool     `json:"supports_remote_control"`
	SupportedCommands     []string `json:"supported_commands,omitempty"`

	State           string  `json:"state"` // "idle", "playing", "paused"
	ContentTitle    string  `json:"content_title,omitempty"`
	MediaID         string  `json:"media_id,omitempty"`
	MediaKind       string  `json:"media_kind,omitempty"`
	RuntimeSeconds  int64   `json:"runtime_seconds,omitempty"`
	PositionSeconds int64   `json:"position_seconds,omitempty"`
	PercentComplete int     `json:"percent_complete,omitempty"`
	VolumeLevel     float64 `json:"volume_level,omitempty"`
	IsMuted         bool    `json:"is_muted,omitempty"`
	PlayMethod      string  `json:"play_method,omitempty"`
}

func newSessionView(s models.Session) sessionView {
	v := sessionView{
		SessionID:             s.SessionID,
		DeviceID:              s.DeviceID,
		DeviceName:            s.DeviceName,
		Client:                s.Client,
		AppVersion:            s.AppVersion,
		UserID:                s.UserID,
		UserName:              s.UserName,
		IsWebClient:           s.IsWebClient(),
		SupportsRemoteControl: s.SupportsRemoteControl,
		SupportedCommands:     s.SupportedCommands,
		State:                 "idle",
	}

	if s.NowPlaying != nil {
		v.ContentTitle = s.ContentTitle()
		v.MediaID = mediaid.Encode(string(s.NowPlaying.Kind), s.NowPlaying.ID)
		v.MediaKind = string(s.NowPlaying.Kind)
		v.RuntimeSeconds = s.NowPlaying.RuntimeSeconds()
		v.State = "playing"
		if s.IsPaused() {
			v.State = "paused"
		}
	}
	if s.PlayState != nil {
		v.PositionSeconds = s.PlayState.PositionSeconds()
		v.PercentComplete = s.PercentComplete()
		v.VolumeLevel = s.PlayState.VolumeLevel
		v.IsMuted = s.PlayState.IsMuted
		v.PlayMethod = s.PlayState.PlayMethod
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.sessions.Status()
	payload := map[string]any{
		"status":              "ok",
		"has_data":            s.sessions.HasData(),
		"websocket_connected": status.WebSocketConnected,
	}
	if !s.sessions.HasData() && status.LastError != "" {
		payload["status"] = "degraded"
		payload["last_error"] = status.LastError
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, newSessionView(session))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].DeviceID < views[j].DeviceID })
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	session, ok := s.sessions.Session(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for device")
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(session))
}

// resolveSession maps the device id in the URL to the live Emby session
// id. Commands address sessions, but callers track devices.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (models.Session, bool) {
	deviceID := chi.URLParam(r, "deviceID")
	session, ok := s.sessions.Session(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for device")
	}
	return session, ok
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	session, ok := s.resolveSession(w, r)
	if !ok {
		return
	}

	var body struct {
		MediaID string   `json:"media_id"`
		ItemIDs []string `json:"item_ids"`
		Command string   `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	itemIDs := body.ItemIDs
	if body.MediaID != "" {
		_, itemID, err := mediaid.Decode(body.MediaID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		itemIDs = append([]string{itemID}, itemIDs...)
	}
	if len(itemIDs) == 0 {
		writeError(w, http.StatusBadRequest, "media_id or item_ids required")
		return
	}

	command := body.Command
	if command == "" {
		command = "PlayNow"
	}
	switch command {
	case "PlayNow", "PlayNext", "PlayLast":
	default:
		writeError(w, http.StatusBadRequest, "command must be PlayNow, PlayNext, or PlayLast")
		return
	}

	if err := s.api.Play(r.Context(), session.SessionID, command, itemIDs); err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handlePlayState(w http.ResponseWriter, r *http.Request) {
	session, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	command := chi.URLParam(r, "command")

	var seek *int64
	if r.ContentLength > 0 {
		var body struct {
			SeekPositionTicks *int64 `json:"seek_position_ticks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		seek = body.SeekPositionTicks
	}
	if command == "Seek" && seek == nil {
		writeError(w, http.StatusBadRequest, "Seek requires seek_position_ticks")
		return
	}

	if err := s.api.PlayStateCommand(r.Context(), session.SessionID, command, seek); err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	session, ok := s.resolveSession(w, r)
	if !ok {
		return
	}

	var body struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.api.GeneralCommand(r.Context(), session.SessionID, body.Name, body.Arguments); err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	session, ok := s.resolveSession(w, r)
	if !ok {
		return
	}

	var body struct {
		Header    string `json:"header"`
		Text      string `json:"text"`
		TimeoutMs int64  `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if body.Header == "" {
		body.Header = "Embywatch"
	}

	timeout := time.Duration(body.TimeoutMs) * time.Millisecond
	if err := s.api.SendMessage(r.Context(), session.SessionID, body.Header, body.Text, timeout); err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleWatchTime(w http.ResponseWriter, r *http.Request) {
	totals := s.sessions.WatchTimes()
	sort.Slice(totals, func(i, j int) bool { return totals[i].UserID < totals[j].UserID })
	writeJSON(w, http.StatusOK, map[string]any{"watch_time": totals})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.server.Info()
	if info.UpdatedAt.IsZero() {
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "server info not yet available")
		return
	}

	payload := map[string]any{"server": info}
	if err != nil {
		payload["stale"] = true
		payload["last_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	stats, err := s.library.Stats()
	if stats.UpdatedAt.IsZero() {
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "library stats not yet available")
		return
	}

	payload := map[string]any{"library": stats}
	if err != nil {
		payload["stale"] = true
		payload["last_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, payload)
}

// browseItem is one element of a browse response, carrying the encoded
// media id used by play requests.
type browseItem struct {
	MediaID string `json:"media_id"`
	Name    string `json:"name"`
	Kind    string `json:"kind,omitempty"`
	IsDir   bool   `json:"is_dir"`
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	parentID := r.URL.Query().Get("parent_id")
	if parentID == "" {
		writeError(w, http.StatusBadRequest, "parent_id is required")
		return
	}
	start, _ := strconv.Atoi(r.URL.Query().Get("start"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	raw, err := s.api.ItemChildren(r.Context(), parentID, start, limit)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	var page struct {
		Items []struct {
			ID       string `json:"Id"`
			Name     string `json:"Name"`
			Type     string `json:"Type"`
			IsFolder bool   `json:"IsFolder"`
		} `json:"Items"`
		TotalRecordCount int `json:"TotalRecordCount"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		writeError(w, http.StatusBadGateway, "unexpected emby response")
		return
	}

	items := make([]browseItem, 0, len(page.Items))
	for _, item := range page.Items {
		kind := string(models.ParseMediaKind(item.Type))
		items = append(items, browseItem{
			MediaID: mediaid.Encode(kind, item.ID),
			Name:    item.Name,
			Kind:    kind,
			IsDir:   item.IsFolder,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": page.TotalRecordCount,
		"start": start,
		"limit": limit,
	})
}

func (s *Server) handleUserViews(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	raw, err := s.api.UserViews(r.Context(), userID)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	var page struct {
		Items []struct {
			ID             string `json:"Id"`
			Name           string `json:"Name"`
			CollectionType string `json:"CollectionType"`
		} `json:"Items"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		writeError(w, http.StatusBadGateway, "unexpected emby response")
		return
	}

	views := make([]map[string]string, 0, len(page.Items))
	for _, item := range page.Items {
		views = append(views, map[string]string{
			"media_id":        mediaid.Encode(mediaid.TypeNone, item.ID),
			"name":            item.Name,
			"collection_type": item.CollectionType,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"views": views})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	status := s.sessions.Status()

	summaries := make([]map[string]any, 0)
	for _, session := range s.sessions.Sessions() {
		summaries = append(summaries, map[string]any{
			"device_id":   session.DeviceID,
			"device_name": session.DeviceName,
			"client":      session.Client,
			"user_name":   session.UserName,
			"active":      session.IsActive(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i]["device_id"].(string) < summaries[j]["device_id"].(string)
	})

	payload := map[string]any{
		"coordinator": status,
		"sessions":    summaries,
		"api_calls":   s.api.CallStats(),
	}
	if info, err := s.server.Info(); err == nil {
		payload["server"] = map[string]any{
			"name":    info.ServerName,
			"version": info.Version,
			"id":      info.ServerID,
		}
	}
	if s.browse != nil {
		payload["browse_cache"] = s.browse.Stats()
	}
	if s.hub != nil {
		payload["websocket_clients"] = s.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, logging.RedactMap(payload))
}

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser origin checks are handled by the CORS layer and bearer
	// auth; the hub itself accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := websocket.NewClient(s.hub, conn)
	s.hub.Register <- client
	client.Start()
}
