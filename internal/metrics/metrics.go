// Package metrics collects per-service request counters and latency
// summaries for the admin API.
package metrics

import (
	"sync"
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
)

// serviceStats accumulates counters for one service. Counters are guarded
// by the collector's mutex; snapshots are taken under the same lock.
type serviceStats struct {
	requests     int64
	retries      int64
	failures     int64
	latencyCount int64
	latencyTotal time.Duration
	latencyMin   time.Duration
	latencyMax   time.Duration
}

// Collector implements domain.Metrics with in-memory counters.
type Collector struct {
	mu       sync.Mutex
	services map[string]*serviceStats
	started  time.Time
}

// New creates an empty metrics collector.
func New() *Collector {
	return &Collector{
		services: make(map[string]*serviceStats),
		started:  time.Now(),
	}
}

var _ domain.Metrics = (*Collector)(nil)

func (c *Collector) stats(service string) *serviceStats {
	s, ok := c.services[service]
	if !ok {
		s = &serviceStats{}
		c.services[service] = s
	}
	return s
}

// IncrementRequests increments the request count for a service.
func (c *Collector) IncrementRequests(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats(service).requests++
}

// IncrementRetries increments the retry count for a service.
func (c *Collector) IncrementRetries(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats(service).retries++
}

// IncrementFailures increments the failure count for a service.
func (c *Collector) IncrementFailures(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats(service).failures++
}

// RecordLatency records one end-to-end request latency for a service.
func (c *Collector) RecordLatency(service string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats(service)
	s.latencyCount++
	s.latencyTotal += duration
	if s.latencyMin == 0 || duration < s.latencyMin {
		s.latencyMin = duration
	}
	if duration > s.latencyMax {
		s.latencyMax = duration
	}
}

// GetStats returns a snapshot of all per-service counters.
func (c *Collector) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	services := make(map[string]interface{}, len(c.services))
	for name, s := range c.services {
		services[name] = s.snapshot()
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(c.started).Seconds()),
		"services":       services,
	}
}

// GetServiceStats returns a snapshot for a single service.
func (c *Collector) GetServiceStats(service string) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.services[service]
	if !ok {
		return map[string]interface{}{
			"requests": int64(0),
			"retries":  int64(0),
			"failures": int64(0),
		}
	}
	return s.snapshot()
}

func (s *serviceStats) snapshot() map[string]interface{} {
	stats := map[string]interface{}{
		"requests": s.requests,
		"retries":  s.retries,
		"failures": s.failures,
	}
	if s.latencyCount > 0 {
		stats["latency_avg_ms"] = float64(s.latencyTotal.Milliseconds()) / float64(s.latencyCount)
		stats["latency_min_ms"] = s.latencyMin.Milliseconds()
		stats["latency_max_ms"] = s.latencyMax.Milliseconds()
	}
	return stats
}
