package domain

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a per-service circuit breaker
type CircuitState string

const (
	// CircuitClosed lets every call through
	CircuitClosed CircuitState = "CLOSED"
	// CircuitOpen fails calls fast until the cooldown elapses
	CircuitOpen CircuitState = "OPEN"
	// CircuitHalfOpen lets exactly one probing call through
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreakerState is the persisted breaker record for one service.
// There is exactly one record per service, shared by every node of that service.
type CircuitBreakerState struct {
	ServiceName     string       `json:"service_name"`
	State           CircuitState `json:"state"`
	FailureCount    int64        `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	NextRetryTime   time.Time    `json:"next_retry_time,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

const (
	defaultNodeMaxConnections = 100
	recentErrorWindow         = 5 * time.Minute
	maxRecentErrors           = 1000
	responseTimeSmoothing     = 0.2
	successRateSmoothing      = 0.1
)

// ServiceEndpointNode is one concrete provider/region/endpoint combination
// eligible to serve calls for a service.
type ServiceEndpointNode struct {
	ID             string   `json:"id" yaml:"id"`
	ServiceName    string   `json:"service_name" yaml:"service_name"`
	Provider       string   `json:"provider" yaml:"provider"`
	Region         string   `json:"region" yaml:"region"`
	Endpoint       string   `json:"endpoint" yaml:"endpoint"`
	Weight         int      `json:"weight" yaml:"weight"`
	MaxConnections int64    `json:"max_connections" yaml:"max_connections"`
	CostPerCall    float64  `json:"cost_per_call" yaml:"cost_per_call"`
	Capabilities   []string `json:"capabilities,omitempty" yaml:"capabilities"`
	Limitations    []string `json:"limitations,omitempty" yaml:"limitations"`

	// Runtime state
	activeConnections int64
	totalCalls        int64
	failedCalls       int64

	mu              sync.RWMutex
	avgResponseTime time.Duration
	successRate     float64
	healthScore     float64
	circuitState    CircuitState
	recentErrors    []time.Time
	lastHealthCheck time.Time
}

// NewServiceEndpointNode creates a node with full health and a closed circuit
func NewServiceEndpointNode(id, serviceName, provider, endpoint string, weight int) *ServiceEndpointNode {
	if weight < 1 {
		weight = 1
	}
	if weight > 100 {
		weight = 100
	}
	return &ServiceEndpointNode{
		ID:             id,
		ServiceName:    serviceName,
		Provider:       provider,
		Endpoint:       endpoint,
		Weight:         weight,
		MaxConnections: defaultNodeMaxConnections,
		successRate:    100,
		healthScore:    100,
		circuitState:   CircuitClosed,
	}
}

// AcquireConnection reserves a connection slot, failing when the node is at capacity
func (n *ServiceEndpointNode) AcquireConnection() bool {
	for {
		current := atomic.LoadInt64(&n.activeConnections)
		if n.MaxConnections > 0 && current >= n.MaxConnections {
			return false
		}
		if atomic.CompareAndSwapInt64(&n.activeConnections, current, current+1) {
			return true
		}
	}
}

// ReleaseConnection frees a slot taken by AcquireConnection
func (n *ServiceEndpointNode) ReleaseConnection() {
	for {
		current := atomic.LoadInt64(&n.activeConnections)
		if current <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&n.activeConnections, current, current-1) {
			return
		}
	}
}

// ActiveConnections returns the current number of active connections
func (n *ServiceEndpointNode) ActiveConnections() int64 {
	return atomic.LoadInt64(&n.activeConnections)
}

// AtCapacity reports whether no connection slot is free
func (n *ServiceEndpointNode) AtCapacity() bool {
	return n.MaxConnections > 0 && n.ActiveConnections() >= n.MaxConnections
}

// Utilization returns the connection utilization in [0,1]
func (n *ServiceEndpointNode) Utilization() float64 {
	if n.MaxConnections <= 0 {
		return 0
	}
	u := float64(n.ActiveConnections()) / float64(n.MaxConnections)
	if u > 1 {
		return 1
	}
	return u
}

// RecordOutcome folds one call outcome into the rolling response time and success rate
func (n *ServiceEndpointNode) RecordOutcome(success bool, latency time.Duration, at time.Time) {
	atomic.AddInt64(&n.totalCalls, 1)
	if !success {
		atomic.AddInt64(&n.failedCalls, 1)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if latency > 0 {
		if n.avgResponseTime == 0 {
			n.avgResponseTime = latency
		} else {
			n.avgResponseTime = time.Duration(float64(n.avgResponseTime)*(1-responseTimeSmoothing) +
				float64(latency)*responseTimeSmoothing)
		}
	}

	sample := 0.0
	if success {
		sample = 100
	}
	n.successRate = n.successRate*(1-successRateSmoothing) + sample*successRateSmoothing

	if !success {
		n.recentErrors = append(n.recentErrors, at)
		n.pruneErrorsLocked(at)
	}
}

func (n *ServiceEndpointNode) pruneErrorsLocked(now time.Time) {
	cutoff := now.Add(-recentErrorWindow)
	idx := sort.Search(len(n.recentErrors), func(i int) bool {
		return n.recentErrors[i].After(cutoff)
	})
	if idx > 0 {
		n.recentErrors = append([]time.Time(nil), n.recentErrors[idx:]...)
	}
	if len(n.recentErrors) > maxRecentErrors {
		n.recentErrors = n.recentErrors[len(n.recentErrors)-maxRecentErrors:]
	}
}

// RecentErrorCount returns the number of failures recorded in the last five minutes
func (n *ServiceEndpointNode) RecentErrorCount(now time.Time) int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	cutoff := now.Add(-recentErrorWindow)
	count := 0
	for _, t := range n.recentErrors {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// AvgResponseTime returns the smoothed response time
func (n *ServiceEndpointNode) AvgResponseTime() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.avgResponseTime
}

// SuccessRate returns the smoothed success rate as a percentage
func (n *ServiceEndpointNode) SuccessRate() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.successRate
}

// HealthScore returns the last computed health score (0-100)
func (n *ServiceEndpointNode) HealthScore() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.healthScore
}

// SetHealthScore stores a health score clamped to [0,100]
func (n *ServiceEndpointNode) SetHealthScore(score float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthScore = ClampScore(score)
}

// CircuitState returns the breaker state mirrored from the service's breaker
func (n *ServiceEndpointNode) CircuitState() CircuitState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.circuitState
}

// SetCircuitState mirrors the service breaker state onto the node
func (n *ServiceEndpointNode) SetCircuitState(state CircuitState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.circuitState = state
}

// MarkHealthChecked records when the health cycle last visited the node
func (n *ServiceEndpointNode) MarkHealthChecked(at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastHealthCheck = at
	n.pruneErrorsLocked(at)
}

// SeedMetrics overrides the rolling metrics, used when restoring or seeding nodes
func (n *ServiceEndpointNode) SeedMetrics(avgResponseTime time.Duration, successRate, healthScore float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.avgResponseTime = avgResponseTime
	n.successRate = ClampScore(successRate)
	n.healthScore = ClampScore(healthScore)
}

// HasCapabilities reports whether the node advertises every requested capability
func (n *ServiceEndpointNode) HasCapabilities(required []string) bool {
	for _, req := range required {
		found := false
		for _, c := range n.Capabilities {
			if c == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// NodeSnapshot is a point-in-time copy of a node for reporting
type NodeSnapshot struct {
	ID                string       `json:"id"`
	ServiceName       string       `json:"service_name"`
	Provider          string       `json:"provider"`
	Region            string       `json:"region"`
	Endpoint          string       `json:"endpoint"`
	Weight            int          `json:"weight"`
	ActiveConnections int64        `json:"active_connections"`
	MaxConnections    int64        `json:"max_connections"`
	AvgResponseTimeMs int64        `json:"avg_response_time_ms"`
	SuccessRate       float64      `json:"success_rate"`
	HealthScore       float64      `json:"health_score"`
	CostPerCall       float64      `json:"cost_per_call"`
	CircuitState      CircuitState `json:"circuit_state"`
	TotalCalls        int64        `json:"total_calls"`
	FailedCalls       int64        `json:"failed_calls"`
	LastHealthCheck   time.Time    `json:"last_health_check,omitempty"`
}

// Snapshot returns a copy of the node's configuration and runtime metrics
func (n *ServiceEndpointNode) Snapshot() NodeSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return NodeSnapshot{
		ID:                n.ID,
		ServiceName:       n.ServiceName,
		Provider:          n.Provider,
		Region:            n.Region,
		Endpoint:          n.Endpoint,
		Weight:            n.Weight,
		ActiveConnections: atomic.LoadInt64(&n.activeConnections),
		MaxConnections:    n.MaxConnections,
		AvgResponseTimeMs: n.avgResponseTime.Milliseconds(),
		SuccessRate:       n.successRate,
		HealthScore:       n.healthScore,
		CostPerCall:       n.CostPerCall,
		CircuitState:      n.circuitState,
		TotalCalls:        atomic.LoadInt64(&n.totalCalls),
		FailedCalls:       atomic.LoadInt64(&n.failedCalls),
		LastHealthCheck:   n.lastHealthCheck,
	}
}

// PerformanceTargets bounds acceptable latency and success rate
type PerformanceTargets struct {
	MaxResponseTime time.Duration `json:"max_response_time" yaml:"max_response_time"`
	MinSuccessRate  float64       `json:"min_success_rate" yaml:"min_success_rate"`
}

// NodeConstraints narrows the registry's healthy node set for one caller.
// Zero values disable the corresponding filter.
type NodeConstraints struct {
	MaxCostPerCall       float64
	Performance          PerformanceTargets
	CallerRegion         string
	MaxRegionalLatency   time.Duration
	MaxRecentErrors      int
	RequiredCapabilities []string
	ExcludeProviders     []string
}

// ClampScore bounds a score to [0,100]
func ClampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
