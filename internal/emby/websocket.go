// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

/*
websocket.go - Emby WebSocket Event Feed

Maintains a persistent connection to the server's /embywebsocket
endpoint, subscribes to session updates, and dispatches every inbound
message to a handler callback. Reconnects with exponential backoff and
reports connection state transitions so the coordinator can switch
between push and poll modes.
*/

package emby

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/embywatch/internal/logging"
	"github.com/tomtom215/embywatch/internal/metrics"
)

const (
	wsInitialBackoff   = 1 * time.Second
	wsMaxBackoff       = 32 * time.Second
	wsKeepAlivePeriod  = 30 * time.Second
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second

	// Subscription interval bounds in milliseconds.
	minSubscribeIntervalMs     = 500
	maxSubscribeIntervalMs     = 10000
	defaultSubscribeIntervalMs = 1500
)

// MessageHandler receives one inbound message. Data may be nil for
// messages without a payload.
type MessageHandler func(messageType string, data json.RawMessage)

// ConnectionHandler is notified on connect (true) and disconnect (false).
type ConnectionHandler func(connected bool)

// wsEnvelope is the Emby WebSocket wire format, both directions.
type wsEnvelope struct {
	MessageType string          `json:"MessageType"`
	Data        json.RawMessage `json:"Data,omitempty"`
}

// WSConfig holds the WebSocket client configuration.
type WSConfig struct {
	// URL is the full connection URL including api_key and deviceId,
	// typically from Client.WebSocketURL.
	URL string

	// SubscribeIntervalMs is the requested server-push cadence for
	// session updates. Clamped to [500, 10000]; default 1500.
	SubscribeIntervalMs int

	OnMessage    MessageHandler
	OnConnection ConnectionHandler
}

// WSClient is the reconnecting Emby WebSocket client.
type WSClient struct {
	cfg WSConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewWSClient creates a WebSocket client. Start must be called to
// connect.
func NewWSClient(cfg WSConfig) *WSClient {
	if cfg.SubscribeIntervalMs <= 0 {
		cfg.SubscribeIntervalMs = defaultSubscribeIntervalMs
	}
	if cfg.SubscribeIntervalMs < minSubscribeIntervalMs {
		logging.Warn().
			Int("requested_ms", cfg.SubscribeIntervalMs).
			Int("clamped_ms", minSubscribeIntervalMs).
			Msg("WebSocket subscribe interval below minimum, clamping")
		cfg.SubscribeIntervalMs = minSubscribeIntervalMs
	}
	if cfg.SubscribeIntervalMs > maxSubscribeIntervalMs {
		logging.Warn().
			Int("requested_ms", cfg.SubscribeIntervalMs).
			Int("clamped_ms", maxSubscribeIntervalMs).
			Msg("WebSocket subscribe interval above maximum, clamping")
		cfg.SubscribeIntervalMs = maxSubscribeIntervalMs
	}
	return &WSClient{cfg: cfg}
}

// Start launches the connect/read/reconnect loop. Calling Start on a
// running client is a no-op.
func (w *WSClient) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(runCtx)
}

// Stop tears down the connection and waits for the loop to exit.
// Calling Stop on a stopped client is a no-op.
func (w *WSClient) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	conn := w.conn
	w.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// run is the outer reconnect loop. Backoff doubles from 1s to 32s and
// resets after any successful read.
func (w *WSClient) run(ctx context.Context) {
	defer close(w.done)

	backoff := wsInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		stable, err := w.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if stable {
			backoff = wsInitialBackoff
		}
		if err != nil {
			logging.Warn().
				Err(err).
				Dur("retry_in", backoff).
				Msg("Emby WebSocket connection lost, reconnecting")
		}
		metrics.WebSocketReconnects.Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

// connectAndRead dials, subscribes, and reads until failure. It returns
// true when at least one message was read, which resets the backoff.
func (w *WSClient) connectAndRead(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
		metrics.WebSocketConnected.Set(0)
		if w.cfg.OnConnection != nil {
			w.cfg.OnConnection(false)
		}
	}()

	if err := w.subscribe(conn); err != nil {
		return false, fmt.Errorf("subscribe failed: %w", err)
	}

	logging.Info().Msg("Emby WebSocket connected")
	metrics.WebSocketConnected.Set(1)
	if w.cfg.OnConnection != nil {
		w.cfg.OnConnection(true)
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go w.keepAlive(pingCtx, conn)

	received := false
	for {
		var envelope wsEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return received, err
		}
		received = true

		if envelope.MessageType == "" {
			continue
		}
		metrics.WebSocketMessages.WithLabelValues(envelope.MessageType).Inc()

		if envelope.MessageType == "ForceKeepAlive" {
			w.sendKeepAlive(conn)
			continue
		}
		if w.cfg.OnMessage != nil {
			w.cfg.OnMessage(envelope.MessageType, envelope.Data)
		}
	}
}

// subscribe asks the server to push session updates. The Data field is a
// string of the form "initialDelayMs,intervalMs".
func (w *WSClient) subscribe(conn *websocket.Conn) error {
	interval := "0," + strconv.Itoa(w.cfg.SubscribeIntervalMs)
	data, err := json.Marshal(interval)
	if err != nil {
		return err
	}
	msg := wsEnvelope{MessageType: "SessionsStart", Data: data}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}

// keepAlive sends periodic KeepAlive messages until the context is
// cancelled. A write failure ends the loop; the read loop observes the
// broken connection on its own.
func (w *WSClient) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsKeepAlivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.sendKeepAlive(conn) {
				return
			}
		}
	}
}

func (w *WSClient) sendKeepAlive(conn *websocket.Conn) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(wsEnvelope{MessageType: "KeepAlive"}); err != nil {
		logging.Debug().Err(err).Msg("WebSocket keepalive write failed")
		return false
	}
	return true
}

// Connected reports whether a connection is currently established.
func (w *WSClient) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}
