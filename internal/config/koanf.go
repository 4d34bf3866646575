// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/embywatch/config.yaml",
	"/etc/embywatch/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults, applied before the config
// file and environment layers.
func defaultConfig() *Config {
	return &Config{
		Emby: EmbyConfig{
			URL:                 "",
			APIKey:              "",
			DeviceID:            "embywatch",
			Timeout:             30 * time.Second,
			CacheTTL:            10 * time.Second,
			RequestsPerSecond:   0, // unthrottled
			SubscribeIntervalMs: 1500,
		},
		Coordinator: CoordinatorConfig{
			ScanInterval:        10 * time.Second,
			NearIdleInterval:    60 * time.Second,
			HealthCheckInterval: 60 * time.Second,
			StableThreshold:     3,
			FailureThreshold:    5,
			WatchDeltaMax:       60 * time.Second,
			TrackingMaxAge:      time.Hour,
			LibraryInterval:     time.Hour,
			ServerInfoInterval:  5 * time.Minute,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8765,
			Timeout:         30 * time.Second,
			AuthToken:       "",
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first readable config path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists paths parsed as comma-separated slices when
// they arrive from the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to config paths.
// Unknown variables map to "" and are ignored, so the process
// environment cannot inject arbitrary keys.
//
// Examples:
//   - EMBY_URL -> emby.url
//   - EMBY_API_KEY -> emby.api_key
//   - SCAN_INTERVAL -> coordinator.scan_interval
//   - HTTP_PORT -> server.port
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"emby_url":                  "emby.url",
		"emby_api_key":              "emby.api_key",
		"emby_device_id":            "emby.device_id",
		"emby_timeout":              "emby.timeout",
		"emby_cache_ttl":            "emby.cache_ttl",
		"emby_requests_per_second":  "emby.requests_per_second",
		"emby_subscribe_interval":   "emby.subscribe_interval_ms",
		"scan_interval":             "coordinator.scan_interval",
		"near_idle_interval":        "coordinator.near_idle_interval",
		"health_check_interval":     "coordinator.health_check_interval",
		"websocket_stable_messages": "coordinator.stable_threshold",
		"failure_threshold":         "coordinator.failure_threshold",
		"watch_delta_max":           "coordinator.watch_delta_max",
		"tracking_max_age":          "coordinator.tracking_max_age",
		"library_interval":          "coordinator.library_interval",
		"server_info_interval":      "coordinator.server_info_interval",
		"http_host":                 "server.host",
		"http_port":                 "server.port",
		"http_timeout":              "server.timeout",
		"api_auth_token":            "server.auth_token",
		"cors_origins":              "server.cors_origins",
		"rate_limit_requests":       "server.rate_limit_requests",
		"rate_limit_window":         "server.rate_limit_window",
		"log_level":                 "logging.level",
		"log_format":                "logging.format",
		"log_caller":                "logging.caller",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
