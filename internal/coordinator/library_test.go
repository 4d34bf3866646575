// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/embywatch/internal/emby"
	"github.com/tomtom215/embywatch/internal/events"
)

// countingAPI wraps fakeAPI and scripts library endpoint failures.
type countingAPI struct {
	fakeAPI
	mu         sync.Mutex
	countsErr  error
	itemCounts int
}

func (c *countingAPI) ItemCounts(ctx context.Context) (*emby.ItemCounts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itemCounts++
	if c.countsErr != nil {
		return nil, c.countsErr
	}
	return &emby.ItemCounts{MovieCount: 42}, nil
}

func (c *countingAPI) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemCounts
}

func TestLibraryCoordinatorIntervalExtension(t *testing.T) {
	c := NewLibraryCoordinator(&fakeAPI{}, 0)

	if got := c.currentInterval(); got != defaultLibraryInterval {
		t.Errorf("interval = %v, want %v", got, defaultLibraryInterval)
	}

	c.SetWebSocketActive(true)
	if got := c.currentInterval(); got != extendedLibraryInterval {
		t.Errorf("extended interval = %v, want %v", got, extendedLibraryInterval)
	}

	c.SetWebSocketActive(false)
	if got := c.currentInterval(); got != defaultLibraryInterval {
		t.Errorf("restored interval = %v, want %v", got, defaultLibraryInterval)
	}
}

func TestLibraryCoordinatorKeepsSnapshotOnError(t *testing.T) {
	api := &countingAPI{}
	c := NewLibraryCoordinator(api, time.Hour)

	ctx := context.Background()
	c.Refresh(ctx)
	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	if stats.Counts == nil || stats.Counts.MovieCount != 42 {
		t.Fatalf("stats = %+v", stats)
	}

	api.mu.Lock()
	api.countsErr = errors.New("boom")
	api.mu.Unlock()
	c.Refresh(ctx)

	stats, err = c.Stats()
	if err == nil {
		t.Error("Stats should report the failed refresh")
	}
	if stats.Counts == nil || stats.Counts.MovieCount != 42 {
		t.Error("previous snapshot should survive a failed refresh")
	}
}

func TestLibraryCoordinatorDebouncedRefresh(t *testing.T) {
	api := &countingAPI{}
	c := NewLibraryCoordinator(api, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Serve(ctx)
		close(done)
	}()

	// Wait for the startup refresh.
	deadline := time.Now().Add(5 * time.Second)
	for api.calls() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("startup refresh never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A burst of requests collapses into one debounced poll.
	c.RequestRefresh()
	c.RequestRefresh()
	c.RequestRefresh()

	deadline = time.Now().Add(15 * time.Second)
	for api.calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("debounced refresh never happened")
		}
		time.Sleep(50 * time.Millisecond)
	}
	// Allow a moment for any spurious extra polls to show up.
	time.Sleep(200 * time.Millisecond)
	if got := api.calls(); got != 2 {
		t.Errorf("refreshes = %d, want 2 (burst must collapse)", got)
	}

	cancel()
	<-done
}

func TestServerInfoCoordinatorSnapshot(t *testing.T) {
	bus := events.NewBus()
	c := NewServerInfoCoordinator(&fakeAPI{}, bus, 0)

	c.Refresh(context.Background())

	info, err := c.Info()
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if info.ServerName != "fake" {
		t.Errorf("ServerName = %q", info.ServerName)
	}
	if info.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

func TestServerInfoCoordinatorFiltersRunningTasks(t *testing.T) {
	api := &tasksAPI{}
	c := NewServerInfoCoordinator(api, nil, 0)

	c.Refresh(context.Background())

	info, err := c.Info()
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(info.RunningTasks) != 1 || info.RunningTasks[0].Name != "Scan library" {
		t.Errorf("RunningTasks = %+v", info.RunningTasks)
	}
}

type tasksAPI struct {
	fakeAPI
}

func (a *tasksAPI) ScheduledTasks(ctx context.Context) ([]emby.ScheduledTask, error) {
	return []emby.ScheduledTask{
		{ID: "t1", Name: "Scan library", State: "Running"},
		{ID: "t2", Name: "Backup", State: "Idle"},
	}, nil
}
