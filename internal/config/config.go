// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

// Package config defines the Embywatch configuration structure and its
// layered loader (defaults, YAML file, environment variables).
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the full application configuration.
type Config struct {
	Emby        EmbyConfig        `koanf:"emby"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// EmbyConfig points at the upstream Emby server.
type EmbyConfig struct {
	URL      string `koanf:"url"`
	APIKey   string `koanf:"api_key"`
	DeviceID string `koanf:"device_id"`

	Timeout           time.Duration `koanf:"timeout"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`

	// SubscribeIntervalMs is the WebSocket session push cadence,
	// clamped to [500, 10000] at connect time.
	SubscribeIntervalMs int `koanf:"subscribe_interval_ms"`
}

// CoordinatorConfig tunes the polling and tracking behavior.
type CoordinatorConfig struct {
	ScanInterval        time.Duration `koanf:"scan_interval"`
	NearIdleInterval    time.Duration `koanf:"near_idle_interval"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
	StableThreshold     int           `koanf:"stable_threshold"`
	FailureThreshold    int           `koanf:"failure_threshold"`
	WatchDeltaMax       time.Duration `koanf:"watch_delta_max"`
	TrackingMaxAge      time.Duration `koanf:"tracking_max_age"`
	LibraryInterval     time.Duration `koanf:"library_interval"`
	ServerInfoInterval  time.Duration `koanf:"server_info_interval"`
}

// ServerConfig tunes the HTTP API.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string `koanf:"auth_token"`

	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_requests"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig tunes zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for values that cannot work at all.
// Interval bounds are clamped by their consumers, not rejected here.
func (c *Config) Validate() error {
	if c.Emby.URL == "" {
		return fmt.Errorf("emby.url is required")
	}
	parsed, err := url.Parse(c.Emby.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("emby.url must be an http or https URL, got %q", c.Emby.URL)
	}
	if c.Emby.APIKey == "" {
		return fmt.Errorf("emby.api_key is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
