package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/internal/repository"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// RegionLatencyTable estimates network latency between regions
type RegionLatencyTable struct {
	SameRegion  time.Duration
	SamePrefix  time.Duration
	CrossRegion time.Duration

	// Overrides are keyed "from|to" and win over the generic estimates
	Overrides map[string]time.Duration
}

// DefaultRegionLatencyTable returns conservative latency estimates
func DefaultRegionLatencyTable() RegionLatencyTable {
	return RegionLatencyTable{
		SameRegion:  10 * time.Millisecond,
		SamePrefix:  40 * time.Millisecond,
		CrossRegion: 150 * time.Millisecond,
	}
}

// Estimate returns the latency estimate between two regions
func (t RegionLatencyTable) Estimate(from, to string) time.Duration {
	if d, ok := t.Overrides[from+"|"+to]; ok {
		return d
	}
	if d, ok := t.Overrides[to+"|"+from]; ok {
		return d
	}
	if from == "" || to == "" {
		return t.CrossRegion
	}
	if from == to {
		return t.SameRegion
	}
	if regionPrefix(from) == regionPrefix(to) {
		return t.SamePrefix
	}
	return t.CrossRegion
}

func regionPrefix(region string) string {
	if i := strings.IndexByte(region, '-'); i > 0 {
		return region[:i]
	}
	return region
}

// RegistryConfig holds the health cycle settings
type RegistryConfig struct {
	CheckInterval      time.Duration
	ProbeTimeout       time.Duration
	MaxRecentErrors    int
	MaxRegionalLatency time.Duration
	RegionLatency      RegionLatencyTable
}

// DefaultRegistryConfig returns the default registry settings
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		CheckInterval:   60 * time.Second,
		ProbeTimeout:    5 * time.Second,
		MaxRecentErrors: 10,
		RegionLatency:   DefaultRegionLatencyTable(),
	}
}

// Registry tracks node health and answers healthy-node queries
type Registry struct {
	nodes   *repository.InMemoryNodeRepository
	breaker *CircuitBreaker
	prober  domain.HealthProber
	config  RegistryConfig
	logger  *logger.Logger
	clock   domain.Clock

	cycleRunning int32
	cycles       int64

	mu        sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// RegistryOption configures optional collaborators
type RegistryOption func(*Registry)

// WithProber enables active probing during the health cycle
func WithProber(prober domain.HealthProber) RegistryOption {
	return func(r *Registry) { r.prober = prober }
}

// WithRegistryClock replaces the wall clock
func WithRegistryClock(clock domain.Clock) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry creates a new provider health registry
func NewRegistry(nodes *repository.InMemoryNodeRepository, breaker *CircuitBreaker, config RegistryConfig, log *logger.Logger, opts ...RegistryOption) *Registry {
	defaults := DefaultRegistryConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.MaxRecentErrors <= 0 {
		config.MaxRecentErrors = defaults.MaxRecentErrors
	}
	if config.RegionLatency.CrossRegion == 0 {
		overrides := config.RegionLatency.Overrides
		config.RegionLatency = defaults.RegionLatency
		config.RegionLatency.Overrides = overrides
	}

	r := &Registry{
		nodes:    nodes,
		breaker:  breaker,
		config:   config,
		logger:   log.RegistryLogger(),
		clock:    domain.SystemClock{},
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	breaker.OnTransition(func(service string, _, to domain.CircuitState) {
		for _, node := range r.nodes.GetByService(service) {
			node.SetCircuitState(to)
		}
	})
	return r
}

// Breaker returns the circuit breaker the registry mirrors
func (r *Registry) Breaker() *CircuitBreaker {
	return r.breaker
}

// CircuitState returns the breaker record of service
func (r *Registry) CircuitState(ctx context.Context, service string) (domain.CircuitBreakerState, error) {
	return r.breaker.State(ctx, service)
}

// RegisterNode adds or replaces a node
func (r *Registry) RegisterNode(node *domain.ServiceEndpointNode) error {
	if err := r.nodes.Save(node); err != nil {
		return err
	}
	r.logger.NodeLogger(node.ID, node.Provider).
		WithField("service", node.ServiceName).
		Info("Registered service endpoint node")
	return nil
}

// RemoveNode removes a node
func (r *Registry) RemoveNode(id string) error {
	return r.nodes.Delete(id)
}

// Node returns a node by ID
func (r *Registry) Node(id string) (*domain.ServiceEndpointNode, error) {
	return r.nodes.GetByID(id)
}

// Nodes returns every node of a service
func (r *Registry) Nodes(service string) []*domain.ServiceEndpointNode {
	return r.nodes.GetByService(service)
}

// Services returns every service with at least one node
func (r *Registry) Services() []string {
	return r.nodes.Services()
}

// NodeForProvider returns the first node of service served by provider
func (r *Registry) NodeForProvider(service, provider string) (*domain.ServiceEndpointNode, bool) {
	for _, node := range r.nodes.GetByService(service) {
		if node.Provider == provider {
			return node, true
		}
	}
	return nil, false
}

// EstimateLatency estimates the network latency from a caller region to a node
func (r *Registry) EstimateLatency(callerRegion string, node *domain.ServiceEndpointNode) time.Duration {
	return r.config.RegionLatency.Estimate(callerRegion, node.Region)
}

// HealthyNodes returns the nodes of service that pass every filter
func (r *Registry) HealthyNodes(ctx context.Context, service string, constraints domain.NodeConstraints) ([]*domain.ServiceEndpointNode, error) {
	nodes := r.nodes.GetByService(service)
	if len(nodes) == 0 {
		return nil, nil
	}

	circuit, err := r.breaker.State(ctx, service)
	if err != nil {
		r.logger.WithError(err).WithField("service", service).
			Warn("Failed to read circuit state, using last mirrored state")
		circuit.State = nodes[0].CircuitState()
	}
	now := r.clock.Now()
	// Once the cooldown elapsed the nodes stay eligible so the call gate can send its probe.
	if circuit.State == domain.CircuitOpen && now.Before(circuit.NextRetryTime) {
		for _, node := range nodes {
			node.SetCircuitState(domain.CircuitOpen)
		}
		return nil, nil
	}

	maxErrors := r.config.MaxRecentErrors
	if constraints.MaxRecentErrors > 0 {
		maxErrors = constraints.MaxRecentErrors
	}
	maxLatency := r.config.MaxRegionalLatency
	if constraints.MaxRegionalLatency > 0 {
		maxLatency = constraints.MaxRegionalLatency
	}
	excluded := make(map[string]struct{}, len(constraints.ExcludeProviders))
	for _, p := range constraints.ExcludeProviders {
		excluded[p] = struct{}{}
	}

	healthy := make([]*domain.ServiceEndpointNode, 0, len(nodes))
	for _, node := range nodes {
		node.SetCircuitState(circuit.State)
		if reason := r.rejectReason(node, constraints, excluded, maxErrors, maxLatency, now); reason != "" {
			r.logger.NodeLogger(node.ID, node.Provider).
				WithField("reason", reason).
				Debug("Node filtered out")
			continue
		}
		healthy = append(healthy, node)
	}
	return healthy, nil
}

func (r *Registry) rejectReason(node *domain.ServiceEndpointNode, c domain.NodeConstraints, excluded map[string]struct{}, maxErrors int, maxLatency time.Duration, now time.Time) string {
	if _, skip := excluded[node.Provider]; skip {
		return "provider excluded"
	}
	if node.AtCapacity() {
		return "connections at capacity"
	}
	if node.RecentErrorCount(now) > maxErrors {
		return "too many recent errors"
	}
	if c.Performance.MaxResponseTime > 0 && node.AvgResponseTime() > c.Performance.MaxResponseTime {
		return "response time above target"
	}
	if c.Performance.MinSuccessRate > 0 && node.SuccessRate() < c.Performance.MinSuccessRate {
		return "success rate below target"
	}
	if c.MaxCostPerCall > 0 && node.CostPerCall > c.MaxCostPerCall {
		return "cost above ceiling"
	}
	if c.CallerRegion != "" && maxLatency > 0 &&
		r.config.RegionLatency.Estimate(c.CallerRegion, node.Region) > maxLatency {
		return "regional latency above threshold"
	}
	if !node.HasCapabilities(c.RequiredCapabilities) {
		return "missing capability"
	}
	return ""
}

// RecordCall folds a passive call outcome into a node's rolling metrics
func (r *Registry) RecordCall(nodeID string, success bool, latency time.Duration) {
	node, err := r.nodes.GetByID(nodeID)
	if err != nil {
		return
	}
	node.RecordOutcome(success, latency, r.clock.Now())
}

// baselineHealthScore is the score of a node whose factors are all neutral.
// A fast, reliable, idle node reaches 100.
const baselineHealthScore = 75.0

// ComputeHealthScore derives a node's score from its current response time,
// success rate, utilization and circuit state. The previous score is not an
// input, so steady factors always yield the same score.
func ComputeHealthScore(node *domain.ServiceEndpointNode) float64 {
	score := baselineHealthScore

	// No samples yet counts as fast.
	switch rt := node.AvgResponseTime(); {
	case rt < 200*time.Millisecond:
		score += 10
	case rt < 500*time.Millisecond:
		score += 5
	case rt > 2*time.Second:
		score -= 20
	case rt > time.Second:
		score -= 10
	}

	switch sr := node.SuccessRate(); {
	case sr >= 99:
		score += 10
	case sr >= 95:
		score += 5
	case sr < 80:
		score -= 20
	case sr < 90:
		score -= 10
	}

	switch u := node.Utilization(); {
	case u > 0.9:
		score -= 20
	case u > 0.75:
		score -= 10
	case u < 0.5:
		score += 5
	}

	switch node.CircuitState() {
	case domain.CircuitOpen:
		score -= 40
	case domain.CircuitHalfOpen:
		score -= 20
	}

	return domain.ClampScore(score)
}

// RecomputeHealth runs one health cycle; a cycle already in progress makes this a no-op
func (r *Registry) RecomputeHealth(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&r.cycleRunning, 0, 1) {
		r.logger.Debug("Health cycle already running, skipping")
		return
	}
	defer atomic.StoreInt32(&r.cycleRunning, 0)

	for _, service := range r.nodes.Services() {
		circuit, err := r.breaker.State(ctx, service)
		if err != nil {
			r.logger.WithError(err).WithField("service", service).Warn("Failed to sync circuit state")
		}

		for _, node := range r.nodes.GetByService(service) {
			if err == nil {
				node.SetCircuitState(circuit.State)
			}
			if r.prober != nil {
				r.probe(ctx, node)
			}
			before := node.HealthScore()
			node.SetHealthScore(ComputeHealthScore(node))
			node.MarkHealthChecked(r.clock.Now())

			if after := node.HealthScore(); after != before {
				r.logger.NodeLogger(node.ID, node.Provider).WithFields(map[string]interface{}{
					"service":      service,
					"health_score": after,
					"previous":     before,
				}).Debug("Node health score updated")
			}
		}
	}
	atomic.AddInt64(&r.cycles, 1)
}

func (r *Registry) probe(ctx context.Context, node *domain.ServiceEndpointNode) {
	probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	latency, err := r.prober.Probe(probeCtx, node)
	node.RecordOutcome(err == nil, latency, r.clock.Now())
	if err != nil {
		r.logger.NodeLogger(node.ID, node.Provider).WithError(err).Warn("Health probe failed")
	}
}

// Start launches the periodic health cycle
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("health registry is already running")
	}
	r.isRunning = true
	r.logger.Infof("Starting health registry with interval %v", r.config.CheckInterval)

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	r.RecomputeHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.RecomputeHealth(ctx)
		}
	}
}

// Stop halts the periodic health cycle
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRunning {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
	r.isRunning = false
	r.stopChan = make(chan struct{})
	r.logger.Info("Health registry stopped")
}

// GetStats returns registry statistics
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.Lock()
	running := r.isRunning
	r.mu.Unlock()

	stats := r.nodes.GetStats()
	stats["running"] = running
	stats["cycles"] = atomic.LoadInt64(&r.cycles)
	stats["check_interval"] = r.config.CheckInterval.String()
	stats["max_recent_errors"] = r.config.MaxRecentErrors
	return stats
}
