package resilience

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects per-service call statistics for the call gate
type Metrics struct {
	// Global counters
	totalCalls  int64
	totalErrors int64

	mu       sync.RWMutex
	services map[string]*ServiceMetrics
	started  time.Time
}

// ServiceMetrics holds metrics for a specific service
type ServiceMetrics struct {
	Calls        int64          `json:"calls"`
	Attempts     int64          `json:"attempts"`
	Retries      int64          `json:"retries"`
	Errors       int64          `json:"errors"`
	CircuitOpen  int64          `json:"circuit_open_rejections"`
	RateLimited  int64          `json:"rate_limited_rejections"`
	TotalLatency int64          `json:"total_latency_ms"`
	MinLatency   int64          `json:"min_latency_ms"`
	MaxLatency   int64          `json:"max_latency_ms"`
	LastCall     time.Time      `json:"last_call"`
	Latency      LatencyBuckets `json:"latency_distribution"`
}

// LatencyBuckets holds latency distribution data
type LatencyBuckets struct {
	Under10ms   int64 `json:"under_10ms"`
	Under50ms   int64 `json:"under_50ms"`
	Under100ms  int64 `json:"under_100ms"`
	Under500ms  int64 `json:"under_500ms"`
	Under1000ms int64 `json:"under_1000ms"`
	Over1000ms  int64 `json:"over_1000ms"`
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		services: make(map[string]*ServiceMetrics),
		started:  time.Now(),
	}
}

// service returns the metrics of service; callers must hold the write lock
func (m *Metrics) service(name string) *ServiceMetrics {
	sm := m.services[name]
	if sm == nil {
		sm = &ServiceMetrics{MinLatency: int64(^uint64(0) >> 1)}
		m.services[name] = sm
	}
	return sm
}

// RecordCall records the outcome of one gate call
func (m *Metrics) RecordCall(service string, attempts int, success bool, duration time.Duration) {
	atomic.AddInt64(&m.totalCalls, 1)
	if !success {
		atomic.AddInt64(&m.totalErrors, 1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.service(service)
	sm.Calls++
	sm.Attempts += int64(attempts)
	if attempts > 1 {
		sm.Retries += int64(attempts - 1)
	}
	if !success {
		sm.Errors++
	}
	sm.LastCall = time.Now()

	latencyMs := duration.Milliseconds()
	sm.TotalLatency += latencyMs
	if latencyMs < sm.MinLatency {
		sm.MinLatency = latencyMs
	}
	if latencyMs > sm.MaxLatency {
		sm.MaxLatency = latencyMs
	}

	switch {
	case latencyMs < 10:
		sm.Latency.Under10ms++
	case latencyMs < 50:
		sm.Latency.Under50ms++
	case latencyMs < 100:
		sm.Latency.Under100ms++
	case latencyMs < 500:
		sm.Latency.Under500ms++
	case latencyMs < 1000:
		sm.Latency.Under1000ms++
	default:
		sm.Latency.Over1000ms++
	}
}

// RecordCircuitRejection counts a call refused by an open breaker
func (m *Metrics) RecordCircuitRejection(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.service(service).CircuitOpen++
}

// RecordRateLimited counts a call refused by the rate limiter
func (m *Metrics) RecordRateLimited(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.service(service).RateLimited++
}

// ServiceStats returns a copy of the metrics of one service
func (m *Metrics) ServiceStats(service string) (ServiceMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sm, ok := m.services[service]
	if !ok {
		return ServiceMetrics{}, false
	}
	return *sm, true
}

// Services returns the names of services with recorded calls, sorted
func (m *Metrics) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Totals returns the global call and error counters
func (m *Metrics) Totals() (calls, errors int64) {
	return atomic.LoadInt64(&m.totalCalls), atomic.LoadInt64(&m.totalErrors)
}

// GetStats returns current statistics
func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalCalls := atomic.LoadInt64(&m.totalCalls)
	totalErrors := atomic.LoadInt64(&m.totalErrors)

	var overallSuccessRate float64
	if totalCalls > 0 {
		overallSuccessRate = float64(totalCalls-totalErrors) / float64(totalCalls) * 100
	}

	serviceStats := make(map[string]interface{}, len(m.services))
	for name, sm := range m.services {
		var avgLatency, successRate float64
		if sm.Calls > 0 {
			avgLatency = float64(sm.TotalLatency) / float64(sm.Calls)
			successRate = float64(sm.Calls-sm.Errors) / float64(sm.Calls) * 100
		}
		minLatency := sm.MinLatency
		if sm.Calls == 0 {
			minLatency = 0
		}
		serviceStats[name] = map[string]interface{}{
			"calls":                   sm.Calls,
			"attempts":                sm.Attempts,
			"retries":                 sm.Retries,
			"errors":                  sm.Errors,
			"success_rate":            successRate,
			"circuit_open_rejections": sm.CircuitOpen,
			"rate_limited_rejections": sm.RateLimited,
			"avg_latency_ms":          avgLatency,
			"min_latency_ms":          minLatency,
			"max_latency_ms":          sm.MaxLatency,
			"last_call":               sm.LastCall,
			"latency_distribution":    sm.Latency,
		}
	}

	return map[string]interface{}{
		"total_calls":          totalCalls,
		"total_errors":         totalErrors,
		"overall_success_rate": overallSuccessRate,
		"services":             serviceStats,
		"uptime":               time.Since(m.started).String(),
	}
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	atomic.StoreInt64(&m.totalCalls, 0)
	atomic.StoreInt64(&m.totalErrors, 0)
	m.services = make(map[string]*ServiceMetrics)
}
