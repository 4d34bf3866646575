// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package emby

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(Config{
		BaseURL:  server.URL,
		APIKey:   "test-api-key",
		DeviceID: "test-device",
	})
	return client, server
}

func TestClientVirtualFolders(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Library/VirtualFolders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"Name":"Movies","CollectionType":"movies","ItemId":"vf-1"}]`))
	})

	folders, err := client.VirtualFolders(context.Background())
	if err != nil {
		t.Fatalf("VirtualFolders failed: %v", err)
	}
	if len(folders) != 1 || folders[0].Name != "Movies" || folders[0].ItemID != "vf-1" {
		t.Errorf("folders = %+v", folders)
	}
}

func TestClientSendsAuthHeaders(t *testing.T) {
	var gotToken, gotClient, gotDevice string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Emby-Token")
		gotClient = r.Header.Get("X-Emby-Client")
		gotDevice = r.Header.Get("X-Emby-Device-Id")
		w.WriteHeader(http.StatusOK)
	})

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if gotToken != "test-api-key" {
		t.Errorf("X-Emby-Token = %q, want test-api-key", gotToken)
	}
	if gotClient != "Embywatch" {
		t.Errorf("X-Emby-Client = %q", gotClient)
	}
	if gotDevice != "test-device" {
		t.Errorf("X-Emby-Device-Id = %q", gotDevice)
	}
}

func TestClientSystemInfo(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/System/Info" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ServerName":"Living Room","Version":"4.8.11.0","Id":"srv-1","OperatingSystem":"Linux"}`))
	})

	info, err := client.SystemInfo(context.Background())
	if err != nil {
		t.Fatalf("SystemInfo failed: %v", err)
	}
	if info.ServerName != "Living Room" {
		t.Errorf("ServerName = %q", info.ServerName)
	}
	if info.Version != "4.8.11.0" {
		t.Errorf("Version = %q", info.Version)
	}
}

func TestClientErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, ErrKindAuth},
		{"forbidden", http.StatusForbidden, ErrKindAuth},
		{"not found", http.StatusNotFound, ErrKindNotFound},
		{"server error", http.StatusInternalServerError, ErrKindServer},
		{"bad gateway", http.StatusBadGateway, ErrKindServer},
		{"teapot", http.StatusTeapot, ErrKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			err := client.Ping(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if apiErr.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", apiErr.Kind, tt.wantKind)
			}
			if apiErr.Status != tt.status {
				t.Errorf("Status = %d, want %d", apiErr.Status, tt.status)
			}
		})
	}
}

func TestClientConnectionRefused(t *testing.T) {
	client := NewClient(Config{
		BaseURL: "http://127.0.0.1:1",
		APIKey:  "key",
		Timeout: 2 * time.Second,
	})

	err := client.Ping(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsConnectionError(err) {
		t.Errorf("expected connection-class error, got kind %s", KindOf(err))
	}
}

func TestClientSessionsCached(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"Id":"s1","DeviceId":"d1"}]`))
	})

	ctx := context.Background()
	first, err := client.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	second, err := client.Sessions(ctx)
	if err != nil {
		t.Fatalf("second Sessions failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server hit %d times, want 1", calls.Load())
	}
	if string(first) != string(second) {
		t.Error("cached payload differs from original")
	}
}

func TestClientItemChildrenCacheKeyIncludesParams(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Items":[],"TotalRecordCount":0}`))
	})

	ctx := context.Background()
	if _, err := client.ItemChildren(ctx, "folder-1", 0, 50); err != nil {
		t.Fatalf("ItemChildren failed: %v", err)
	}
	if _, err := client.ItemChildren(ctx, "folder-1", 50, 50); err != nil {
		t.Fatalf("ItemChildren failed: %v", err)
	}
	if _, err := client.ItemChildren(ctx, "folder-1", 0, 50); err != nil {
		t.Fatalf("ItemChildren failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("server hit %d times, want 2 (distinct pages only)", calls.Load())
	}
}

func TestClientPlayCommand(t *testing.T) {
	var gotPath, gotQuery string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.Play(context.Background(), "sess-1", "PlayNow", []string{"item-1", "item-2"})
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if gotPath != "/Sessions/sess-1/Playing" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(gotQuery, "PlayCommand=PlayNow") {
		t.Errorf("query missing PlayCommand: %q", gotQuery)
	}
	if !strings.Contains(gotQuery, "ItemIds=item-1%2Citem-2") {
		t.Errorf("query missing ItemIds: %q", gotQuery)
	}
}

func TestClientPlayStateSeek(t *testing.T) {
	var gotPath, gotQuery string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	})

	ticks := int64(9_000_000_000)
	err := client.PlayStateCommand(context.Background(), "sess-1", "Seek", &ticks)
	if err != nil {
		t.Fatalf("PlayStateCommand failed: %v", err)
	}
	if gotPath != "/Sessions/sess-1/Playing/Seek" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "SeekPositionTicks=9000000000" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestClientGeneralCommandBody(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.GeneralCommand(context.Background(), "sess-1", "SetVolume", map[string]string{"Volume": "55"})
	if err != nil {
		t.Fatalf("GeneralCommand failed: %v", err)
	}
	if gotBody["Name"] != "SetVolume" {
		t.Errorf("Name = %v", gotBody["Name"])
	}
	args, ok := gotBody["Arguments"].(map[string]any)
	if !ok || args["Volume"] != "55" {
		t.Errorf("Arguments = %v", gotBody["Arguments"])
	}
}

func TestClientSendMessage(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Sessions/sess-1/Message" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.SendMessage(context.Background(), "sess-1", "Alert", "Dinner time", 5*time.Second)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if gotBody["Header"] != "Alert" || gotBody["Text"] != "Dinner time" {
		t.Errorf("body = %v", gotBody)
	}
	if gotBody["TimeoutMs"] != float64(5000) {
		t.Errorf("TimeoutMs = %v", gotBody["TimeoutMs"])
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			"http",
			"http://emby.local:8096",
			"ws://emby.local:8096/embywebsocket?api_key=secret&deviceId=dev-1",
		},
		{
			"https",
			"https://emby.example.com",
			"wss://emby.example.com/embywebsocket?api_key=secret&deviceId=dev-1",
		},
		{
			"trailing slash",
			"http://emby.local:8096/",
			"ws://emby.local:8096/embywebsocket?api_key=secret&deviceId=dev-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(Config{BaseURL: tt.baseURL, APIKey: "secret", DeviceID: "dev-1"})
			got, err := client.WebSocketURL()
			if err != nil {
				t.Fatalf("WebSocketURL failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("WebSocketURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientCallStats(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/System/Info" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	_ = client.Ping(ctx)
	_ = client.Ping(ctx)
	_, _ = client.SystemInfo(ctx)

	stats := client.CallStats()
	if stats["ping"].Calls != 2 || stats["ping"].Errors != 0 {
		t.Errorf("ping stats = %+v", stats["ping"])
	}
	if stats["system_info"].Calls != 1 || stats["system_info"].Errors != 1 {
		t.Errorf("system_info stats = %+v", stats["system_info"])
	}
}
