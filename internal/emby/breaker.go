// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package emby

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/embywatch/internal/logging"
	"github.com/tomtom215/embywatch/internal/metrics"
)

// BreakerClient wraps an API with a circuit breaker so a flapping or
// down Emby server cannot pile up blocked goroutines. Connection-class
// failures count toward tripping; auth and not_found do not, since they
// indicate a healthy server rejecting the request.
type BreakerClient struct {
	api API
	cb  *gobreaker.CircuitBreaker[any]
}

var _ API = (*BreakerClient)(nil)

// NewBreakerClient wraps api in a circuit breaker named name.
func NewBreakerClient(name string, api API) *BreakerClient {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !IsConnectionError(err)
		},
	}

	return &BreakerClient{
		api: api,
		cb:  gobreaker.NewCircuitBreaker[any](settings),
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// execute runs fn through the breaker and records the outcome.
func (b *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(b.cb.Name(), "success").Inc()
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		metrics.CircuitBreakerRequests.WithLabelValues(b.cb.Name(), "rejected").Inc()
		// Surface rejections as connection errors so the coordinator's
		// serve-stale path handles them uniformly.
		return nil, &Error{Kind: ErrKindConnection, Endpoint: b.cb.Name(), Err: err}
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(b.cb.Name(), "failure").Inc()
	}
	return result, err
}

// State returns the current breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

// Counts returns the breaker's request counters.
func (b *BreakerClient) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func (b *BreakerClient) Ping(ctx context.Context) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.api.Ping(ctx)
	})
	return err
}

func (b *BreakerClient) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	result, err := b.execute(func() (any, error) {
		return b.api.SystemInfo(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*SystemInfo), nil
}

func (b *BreakerClient) PublicSystemInfo(ctx context.Context) (*PublicSystemInfo, error) {
	result, err := b.execute(func() (any, error) {
		return b.api.PublicSystemInfo(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*PublicSystemInfo), nil
}

func (b *BreakerClient) Sessions(ctx context.Context) (json.RawMessage, error) {
	result, err := b.execute(func() (any, error) {
		return b.api.Sessions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (b *BreakerClient) ScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	result, err := b.execute(func() (any, error) {
		return b.api.ScheduledTasks(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]ScheduledTask), nil
}

func (b *BreakerClient) ItemCounts(ctx context.Context) (*ItemCounts, error) {
	result, err := b.execute(func() (any, error) {
		return b.api.ItemCounts(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ItemCounts), nil
}

func (b *BreakerClient) VirtualFolders(ctx context.Context) ([]VirtualFolder, error) {
	result, err := b.execute(func() (any, error) {
		return b.api.VirtualFolders(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]VirtualFolder), nil
}

func (b *BreakerClient) Item(ctx context.Context, itemID string) (json.RawMessage, error) {
	result, err := b.execute(func() (any, error) {
		return b.api.Item(ctx, itemID)
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (b *BreakerClient) ItemChildren(ctx context.Context, parentID string, startIndex, limit int) (json.RawMessage, error) {
	result, err := b.execute(func() (any, error) {
		return b.api.ItemChildren(ctx, parentID, startIndex, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (b *BreakerClient) UserViews(ctx context.Context, userID string) (json.RawMessage, error) {
	result, err := b.execute(func() (any, error) {
		return b.api.UserViews(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (b *BreakerClient) Play(ctx context.Context, sessionID, playCommand string, itemIDs []string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.api.Play(ctx, sessionID, playCommand, itemIDs)
	})
	return err
}

func (b *BreakerClient) PlayStateCommand(ctx context.Context, sessionID, command string, seekPositionTicks *int64) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.api.PlayStateCommand(ctx, sessionID, command, seekPositionTicks)
	})
	return err
}

func (b *BreakerClient) GeneralCommand(ctx context.Context, sessionID, name string, args map[string]string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.api.GeneralCommand(ctx, sessionID, name, args)
	})
	return err
}

func (b *BreakerClient) SendMessage(ctx context.Context, sessionID, header, text string, timeout time.Duration) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.api.SendMessage(ctx, sessionID, header, text, timeout)
	})
	return err
}

// WebSocketURL bypasses the breaker; it performs no I/O.
func (b *BreakerClient) WebSocketURL() (string, error) {
	return b.api.WebSocketURL()
}

// CallStats bypasses the breaker; it performs no I/O.
func (b *BreakerClient) CallStats() map[string]EndpointStats {
	return b.api.CallStats()
}
