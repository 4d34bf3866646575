// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

package emby

import (
	"sync"
	"time"
)

// callStats accumulates per-endpoint call counts for the diagnostics
// endpoint. Prometheus already covers dashboards; this gives an on-demand
// snapshot without scraping.
type callStats struct {
	mu        sync.Mutex
	endpoints map[string]*EndpointStats
}

func newCallStats() *callStats {
	return &callStats{endpoints: make(map[string]*EndpointStats)}
}

func (s *callStats) record(endpoint string, elapsed time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.endpoints[endpoint]
	if !ok {
		st = &EndpointStats{}
		s.endpoints[endpoint] = st
	}
	st.Calls++
	st.TotalLatencyMs += elapsed.Milliseconds()
	if failed {
		st.Errors++
	}
}

func (s *callStats) recordError(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.endpoints[endpoint]
	if !ok {
		st = &EndpointStats{}
		s.endpoints[endpoint] = st
	}
	st.Errors++
}

func (s *callStats) snapshot() map[string]EndpointStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]EndpointStats, len(s.endpoints))
	for name, st := range s.endpoints {
		out[name] = *st
	}
	return out
}
