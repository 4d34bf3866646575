// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

// Package api serves the Embywatch HTTP surface: session snapshots,
// playback control, watch-time reports, library browsing, diagnostics,
// Prometheus metrics, and the downstream event WebSocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/embywatch/internal/cache"
	"github.com/tomtom215/embywatch/internal/config"
	"github.com/tomtom215/embywatch/internal/coordinator"
	"github.com/tomtom215/embywatch/internal/emby"
	"github.com/tomtom215/embywatch/internal/logging"
	"github.com/tomtom215/embywatch/internal/websocket"
)

// Server is the HTTP API server.
type Server struct {
	cfg config.ServerConfig

	api      emby.API
	sessions *coordinator.SessionCoordinator
	server   *coordinator.ServerInfoCoordinator
	library  *coordinator.LibraryCoordinator
	hub      *websocket.Hub
	browse   *cache.Cache

	httpServer *http.Server
}

// NewServer wires the API server. hub and browse may be nil.
func NewServer(cfg config.ServerConfig, api emby.API, sessions *coordinator.SessionCoordinator, server *coordinator.ServerInfoCoordinator, library *coordinator.LibraryCoordinator, hub *websocket.Hub, browse *cache.Cache) *Server {
	s := &Server{
		cfg:      cfg,
		api:      api,
		sessions: sessions,
		server:   server,
		library:  library,
		hub:      hub,
		browse:   browse,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Timeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// routes builds the router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if s.cfg.RateLimitReqs > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.AuthToken != "" {
			r.Use(bearerAuth(s.cfg.AuthToken))
		}

		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{deviceID}", s.handleSession)
		r.Post("/sessions/{deviceID}/play", s.handlePlay)
		r.Post("/sessions/{deviceID}/playing/{command}", s.handlePlayState)
		r.Post("/sessions/{deviceID}/command", s.handleCommand)
		r.Post("/sessions/{deviceID}/message", s.handleMessage)

		r.Get("/watchtime", s.handleWatchTime)
		r.Get("/server", s.handleServerInfo)
		r.Get("/library", s.handleLibrary)
		r.Get("/library/browse", s.handleBrowse)
		r.Get("/library/views/{userID}", s.handleUserViews)
		r.Get("/diagnostics", s.handleDiagnostics)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
// Implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.cfg.Addr()).Msg("HTTP API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("HTTP shutdown incomplete, closing")
		_ = s.httpServer.Close()
	}
	<-errCh
	return ctx.Err()
}

func (s *Server) String() string { return "http-api" }

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
