// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

/*
client.go - Emby REST API Client

Authenticated HTTP client for the Emby server. A small TTL cache fronts
the endpoints that downstream consumers poll in bursts (sessions, user
views, item children); a per-endpoint stats collector feeds the
diagnostics payload.

API Reference: https://dev.emby.media/doc/restapi/index.html
*/

package emby

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/embywatch/internal/cache"
	"github.com/tomtom215/embywatch/internal/metrics"
)

// API is the Emby client surface consumed by the coordinators and the
// HTTP layer. Both Client and BreakerClient implement it.
type API interface {
	Ping(ctx context.Context) error
	SystemInfo(ctx context.Context) (*SystemInfo, error)
	PublicSystemInfo(ctx context.Context) (*PublicSystemInfo, error)
	Sessions(ctx context.Context) (json.RawMessage, error)
	ScheduledTasks(ctx context.Context) ([]ScheduledTask, error)
	ItemCounts(ctx context.Context) (*ItemCounts, error)
	VirtualFolders(ctx context.Context) ([]VirtualFolder, error)
	Item(ctx context.Context, itemID string) (json.RawMessage, error)
	ItemChildren(ctx context.Context, parentID string, startIndex, limit int) (json.RawMessage, error)
	UserViews(ctx context.Context, userID string) (json.RawMessage, error)
	Play(ctx context.Context, sessionID, playCommand string, itemIDs []string) error
	PlayStateCommand(ctx context.Context, sessionID, command string, seekPositionTicks *int64) error
	GeneralCommand(ctx context.Context, sessionID, name string, args map[string]string) error
	SendMessage(ctx context.Context, sessionID, header, text string, timeout time.Duration) error
	WebSocketURL() (string, error)
	CallStats() map[string]EndpointStats
}

var _ API = (*Client)(nil)

// SystemInfo is the authenticated /System/Info response.
type SystemInfo struct {
	ServerName              string `json:"ServerName"`
	Version                 string `json:"Version"`
	ID                      string `json:"Id"`
	OperatingSystem         string `json:"OperatingSystem"`
	HasUpdateAvailable      bool   `json:"HasUpdateAvailable"`
	HasPendingRestart       bool   `json:"HasPendingRestart"`
	CanSelfRestart          bool   `json:"CanSelfRestart"`
	TranscodingTempPath     string `json:"TranscodingTempPath,omitempty"`
	InternalMetadataPath    string `json:"InternalMetadataPath,omitempty"`
	WebSocketPortNumber     int    `json:"WebSocketPortNumber,omitempty"`
	SupportsLibraryMonitor  bool   `json:"SupportsLibraryMonitor"`
	HardwareAccelerationReq bool   `json:"HardwareAccelerationRequiresPremiere"`
}

// PublicSystemInfo is the unauthenticated /System/Info/Public response,
// used as a cheap reachability probe.
type PublicSystemInfo struct {
	ServerName string `json:"ServerName"`
	Version    string `json:"Version"`
	ID         string `json:"Id"`
}

// ScheduledTask is one entry of /ScheduledTasks.
type ScheduledTask struct {
	ID                string  `json:"Id"`
	Name              string  `json:"Name"`
	State             string  `json:"State"` // "Idle", "Running", "Cancelling"
	CurrentProgress   float64 `json:"CurrentProgressPercentage,omitempty"`
	Category          string  `json:"Category,omitempty"`
	IsHidden          bool    `json:"IsHidden"`
	LastExecutionTime string  `json:"LastExecutionResult.EndTimeUtc,omitempty"`
}

// ItemCounts is the /Items/Counts response.
type ItemCounts struct {
	MovieCount      int `json:"MovieCount"`
	SeriesCount     int `json:"SeriesCount"`
	EpisodeCount    int `json:"EpisodeCount"`
	ArtistCount     int `json:"ArtistCount"`
	AlbumCount      int `json:"AlbumCount"`
	SongCount       int `json:"SongCount"`
	MusicVideoCount int `json:"MusicVideoCount"`
	BoxSetCount     int `json:"BoxSetCount"`
	TrailerCount    int `json:"TrailerCount"`
	ItemCount       int `json:"ItemCount"`
}

// VirtualFolder is one entry of /Library/VirtualFolders.
type VirtualFolder struct {
	Name           string   `json:"Name"`
	CollectionType string   `json:"CollectionType,omitempty"`
	ItemID         string   `json:"ItemId"`
	Locations      []string `json:"Locations,omitempty"`
}

// EndpointStats holds per-endpoint call accounting for diagnostics.
type EndpointStats struct {
	Calls          int64 `json:"calls"`
	Errors         int64 `json:"errors"`
	TotalLatencyMs int64 `json:"total_latency_ms"`
}

// Config holds the Emby client configuration.
type Config struct {
	BaseURL  string
	APIKey   string
	DeviceID string

	// Timeout bounds each HTTP request. Default 30s.
	Timeout time.Duration

	// CacheTTL bounds the response cache. Default 10s.
	CacheTTL time.Duration

	// RequestsPerSecond throttles outgoing calls. 0 disables throttling.
	RequestsPerSecond float64
}

// Client provides access to the Emby REST API.
type Client struct {
	baseURL    string
	apiKey     string
	deviceID   string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *cache.Cache
	stats      *callStats
}

// NewClient creates a new Emby API client.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Second
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = "embywatch"
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		cache:      cache.New(256, cacheTTL),
		stats:      newCallStats(),
	}
}

// Cache exposes the response cache so the coordinator can invalidate it
// on LibraryChanged.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// Ping tests connectivity to the Emby server.
func (c *Client) Ping(ctx context.Context) error {
	return c.getJSON(ctx, "ping", "/System/Ping", nil, nil)
}

// SystemInfo retrieves authenticated server system information.
func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.getJSON(ctx, "system_info", "/System/Info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PublicSystemInfo retrieves the unauthenticated server identity.
func (c *Client) PublicSystemInfo(ctx context.Context) (*PublicSystemInfo, error) {
	var info PublicSystemInfo
	if err := c.getJSON(ctx, "public_system_info", "/System/Info/Public", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Sessions retrieves the raw session list. The payload is returned
// undecoded so the caller can parse per element and skip malformed
// entries without losing the batch. Responses are cached briefly to
// absorb bursts of near-simultaneous calls.
func (c *Client) Sessions(ctx context.Context) (json.RawMessage, error) {
	const key = "sessions"
	if cached, ok := c.cache.Get(key); ok {
		metrics.CacheHits.Inc()
		return cached.(json.RawMessage), nil
	}
	metrics.CacheMisses.Inc()

	var raw json.RawMessage
	if err := c.getJSON(ctx, "sessions", "/Sessions", nil, &raw); err != nil {
		return nil, err
	}
	c.cache.Set(key, raw)
	return raw, nil
}

// ScheduledTasks retrieves the server's scheduled tasks.
func (c *Client) ScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	var tasks []ScheduledTask
	query := url.Values{"IsHidden": {"false"}}
	if err := c.getJSON(ctx, "scheduled_tasks", "/ScheduledTasks", query, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ItemCounts retrieves library item counts.
func (c *Client) ItemCounts(ctx context.Context) (*ItemCounts, error) {
	var counts ItemCounts
	if err := c.getJSON(ctx, "item_counts", "/Items/Counts", nil, &counts); err != nil {
		return nil, err
	}
	return &counts, nil
}

// VirtualFolders retrieves the library's virtual folders.
func (c *Client) VirtualFolders(ctx context.Context) ([]VirtualFolder, error) {
	var folders []VirtualFolder
	if err := c.getJSON(ctx, "virtual_folders", "/Library/VirtualFolders", nil, &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

// Item retrieves a single library item by id.
func (c *Client) Item(ctx context.Context, itemID string) (json.RawMessage, error) {
	var raw json.RawMessage
	endpoint := "/Items/" + url.PathEscape(itemID)
	if err := c.getJSON(ctx, "item", endpoint, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ItemChildren retrieves the children of a library item, paginated.
// Responses are cached; the key includes every response-affecting
// parameter.
func (c *Client) ItemChildren(ctx context.Context, parentID string, startIndex, limit int) (json.RawMessage, error) {
	key := fmt.Sprintf("items:%s:children:%d:%d", parentID, startIndex, limit)
	if cached, ok := c.cache.Get(key); ok {
		metrics.CacheHits.Inc()
		return cached.(json.RawMessage), nil
	}
	metrics.CacheMisses.Inc()

	query := url.Values{"ParentId": {parentID}}
	if startIndex > 0 {
		query.Set("StartIndex", strconv.Itoa(startIndex))
	}
	if limit > 0 {
		query.Set("Limit", strconv.Itoa(limit))
	}

	var raw json.RawMessage
	if err := c.getJSON(ctx, "item_children", "/Items", query, &raw); err != nil {
		return nil, err
	}
	c.cache.Set(key, raw)
	return raw, nil
}

// UserViews retrieves a user's top-level library views.
func (c *Client) UserViews(ctx context.Context, userID string) (json.RawMessage, error) {
	key := "views:" + userID
	if cached, ok := c.cache.Get(key); ok {
		metrics.CacheHits.Inc()
		return cached.(json.RawMessage), nil
	}
	metrics.CacheMisses.Inc()

	var raw json.RawMessage
	endpoint := "/Users/" + url.PathEscape(userID) + "/Views"
	if err := c.getJSON(ctx, "user_views", endpoint, nil, &raw); err != nil {
		return nil, err
	}
	c.cache.Set(key, raw)
	return raw, nil
}

// Play instructs a session to play the given items.
// playCommand is one of "PlayNow", "PlayNext", "PlayLast".
func (c *Client) Play(ctx context.Context, sessionID, playCommand string, itemIDs []string) error {
	endpoint := "/Sessions/" + url.PathEscape(sessionID) + "/Playing"
	query := url.Values{
		"PlayCommand": {playCommand},
		"ItemIds":     {strings.Join(itemIDs, ",")},
	}
	return c.post(ctx, "play", endpoint, query, nil)
}

// PlayStateCommand sends a transport command to a session. command is one
// of "PlayPause", "Pause", "Unpause", "Stop", "Seek", "NextTrack",
// "PreviousTrack"; Seek requires seekPositionTicks.
func (c *Client) PlayStateCommand(ctx context.Context, sessionID, command string, seekPositionTicks *int64) error {
	endpoint := "/Sessions/" + url.PathEscape(sessionID) + "/Playing/" + url.PathEscape(command)
	var query url.Values
	if seekPositionTicks != nil {
		query = url.Values{"SeekPositionTicks": {strconv.FormatInt(*seekPositionTicks, 10)}}
	}
	return c.post(ctx, "playstate_command", endpoint, query, nil)
}

// GeneralCommand sends a named general command (SetVolume, Mute,
// ToggleMute, SetAudioStreamIndex, ...) with optional arguments.
func (c *Client) GeneralCommand(ctx context.Context, sessionID, name string, args map[string]string) error {
	endpoint := "/Sessions/" + url.PathEscape(sessionID) + "/Command"
	body := map[string]any{"Name": name}
	if len(args) > 0 {
		body["Arguments"] = args
	}
	return c.post(ctx, "general_command", endpoint, nil, body)
}

// SendMessage displays a message on a session's client.
func (c *Client) SendMessage(ctx context.Context, sessionID, header, text string, timeout time.Duration) error {
	endpoint := "/Sessions/" + url.PathEscape(sessionID) + "/Message"
	body := map[string]any{
		"Header": header,
		"Text":   text,
	}
	if timeout > 0 {
		body["TimeoutMs"] = timeout.Milliseconds()
	}
	return c.post(ctx, "send_message", endpoint, nil, body)
}

// WebSocketURL returns the event-feed URL with the API key and device id
// embedded. Emby uses /embywebsocket rather than /socket.
func (c *Client) WebSocketURL() (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}

	parsed.Path = "/embywebsocket"
	query := parsed.Query()
	query.Set("api_key", c.apiKey)
	query.Set("deviceId", c.deviceID)
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// CallStats returns a snapshot of per-endpoint call accounting.
func (c *Client) CallStats() map[string]EndpointStats {
	return c.stats.snapshot()
}

// getJSON performs a GET and decodes the body into target (skipped when
// target is nil).
func (c *Client) getJSON(ctx context.Context, name, endpoint string, query url.Values, target any) error {
	resp, err := c.doRequest(ctx, name, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		c.stats.recordError(name)
		return &Error{Kind: ErrKindUnknown, Endpoint: name, Err: fmt.Errorf("decode failed: %w", err)}
	}
	return nil
}

// post performs a POST, discarding the response body.
func (c *Client) post(ctx context.Context, name, endpoint string, query url.Values, body any) error {
	resp, err := c.doRequest(ctx, name, http.MethodPost, endpoint, query, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// doRequest issues one HTTP request, translating transport and status
// failures into the error taxonomy and recording call metrics.
func (c *Client) doRequest(ctx context.Context, name, method, endpoint string, query url.Values, body any) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, transportError(name, err)
		}
	}

	fullURL := c.baseURL + endpoint
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: ErrKindUnknown, Endpoint: name, Err: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, &Error{Kind: ErrKindUnknown, Endpoint: name, Err: err}
	}

	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("X-Emby-Client", "Embywatch")
	req.Header.Set("X-Emby-Device-Name", "Embywatch")
	req.Header.Set("X-Emby-Device-Id", c.deviceID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		apiErr := transportError(name, err)
		c.stats.record(name, elapsed, true)
		metrics.ObserveEmbyRequest(name, elapsed, apiErr, string(apiErr.Kind))
		return nil, apiErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		apiErr := statusError(name, resp.StatusCode)
		c.stats.record(name, elapsed, true)
		metrics.ObserveEmbyRequest(name, elapsed, apiErr, string(apiErr.Kind))
		return nil, apiErr
	}

	c.stats.record(name, elapsed, false)
	metrics.ObserveEmbyRequest(name, elapsed, nil, "")
	return resp, nil
}
