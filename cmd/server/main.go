// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

// Package main is the Embywatch server entry point.
//
// Embywatch connects to an Emby media server, mirrors its playback
// sessions in memory, accumulates per-user watch time, and exposes the
// result over a REST API, a Prometheus endpoint, and a downstream
// event WebSocket. Session data arrives over Emby's WebSocket when
// possible and falls back to REST polling when it is not.
//
// Startup order:
//
//  1. Configuration: Koanf v2 layering defaults, config.yaml, and
//     environment variables (EMBY_URL, EMBY_API_KEY, ...)
//  2. Emby client: REST client behind a circuit breaker, plus the
//     upstream WebSocket feed
//  3. Coordinators: session, server-info, and library pollers
//  4. Event hub: fan-out of domain events to WebSocket clients
//  5. HTTP server: REST API on the configured port (default 8765)
//
// All long-running components run under a suture supervisor tree and
// restart independently on failure. SIGINT and SIGTERM trigger a
// graceful shutdown with a 10s drain timeout.
//
// Minimal configuration:
//
//	export EMBY_URL=http://localhost:8096
//	export EMBY_API_KEY=your-emby-api-key
//	./embywatch
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/tomtom215/embywatch/internal/api"
	"github.com/tomtom215/embywatch/internal/config"
	"github.com/tomtom215/embywatch/internal/coordinator"
	"github.com/tomtom215/embywatch/internal/emby"
	"github.com/tomtom215/embywatch/internal/events"
	"github.com/tomtom215/embywatch/internal/logging"
	"github.com/tomtom215/embywatch/internal/supervisor"
	ws "github.com/tomtom215/embywatch/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("emby_url", cfg.Emby.URL).
		Str("addr", cfg.Server.Addr()).
		Msg("Starting Embywatch")

	client := emby.NewClient(emby.Config{
		BaseURL:           cfg.Emby.URL,
		APIKey:            cfg.Emby.APIKey,
		DeviceID:          cfg.Emby.DeviceID,
		Timeout:           cfg.Emby.Timeout,
		CacheTTL:          cfg.Emby.CacheTTL,
		RequestsPerSecond: cfg.Emby.RequestsPerSecond,
	})
	upstream := emby.NewBreakerClient("emby", client)

	if err := upstream.Ping(context.Background()); err != nil {
		logging.Warn().Err(err).Msg("Emby server not reachable yet, will keep retrying")
	} else {
		logging.Info().Msg("Connected to Emby server")
	}

	wsURL, err := client.WebSocketURL()
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid Emby URL")
	}

	bus := events.NewBus()
	hub := ws.NewHub()
	detachBus := hub.AttachBus(bus)
	defer detachBus()

	library := coordinator.NewLibraryCoordinator(upstream, cfg.Coordinator.LibraryInterval)
	serverInfo := coordinator.NewServerInfoCoordinator(upstream, bus, cfg.Coordinator.ServerInfoInterval)

	// The feed and the session coordinator reference each other: the
	// coordinator starts the feed, the feed delivers messages back.
	// The closures below are not invoked until the coordinator runs.
	var sessions *coordinator.SessionCoordinator
	feed := emby.NewWSClient(emby.WSConfig{
		URL:                 wsURL,
		SubscribeIntervalMs: cfg.Emby.SubscribeIntervalMs,
		OnMessage: func(messageType string, data json.RawMessage) {
			sessions.HandleMessage(messageType, data)
		},
		OnConnection: func(connected bool) {
			sessions.HandleConnection(connected)
		},
	})
	sessions = coordinator.NewSessionCoordinator(coordinator.SessionConfig{
		ScanInterval:        cfg.Coordinator.ScanInterval,
		NearIdleInterval:    cfg.Coordinator.NearIdleInterval,
		HealthCheckInterval: cfg.Coordinator.HealthCheckInterval,
		StableThreshold:     cfg.Coordinator.StableThreshold,
		FailureThreshold:    cfg.Coordinator.FailureThreshold,
		WatchDeltaMax:       cfg.Coordinator.WatchDeltaMax,
		TrackingMaxAge:      cfg.Coordinator.TrackingMaxAge,
	}, upstream, feed, bus, client.Cache(), library, serverInfo)

	server := api.NewServer(cfg.Server, upstream, sessions, serverInfo, library, hub, client.Cache())

	tree := supervisor.NewTree(supervisor.Config{})
	tree.AddMonitorService(hub)
	tree.AddMonitorService(sessions)
	tree.AddMonitorService(library)
	tree.AddMonitorService(serverInfo)
	tree.AddAPIService(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Embywatch stopped")
}
