package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const (
	defaultHistorySize           = 100
	defaultMaxRetriesBeforeDelay = 3
	confidencePenaltyPerRetry    = 15
)

// RouterConfig holds router defaults
type RouterConfig struct {
	DefaultStrategy domain.RoutingStrategy
	// HistorySize bounds the per-service decision log
	HistorySize int
	// MaxRetriesBeforeDelay is the retry count from which a CLOSED circuit yields "delay"
	MaxRetriesBeforeDelay int
}

// DefaultRouterConfig returns the router defaults
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		DefaultStrategy:       domain.HealthBased,
		HistorySize:           defaultHistorySize,
		MaxRetriesBeforeDelay: defaultMaxRetriesBeforeDelay,
	}
}

// NodeSource supplies filtered candidate nodes and their circuit state
type NodeSource interface {
	Nodes(service string) []*domain.ServiceEndpointNode
	HealthyNodes(ctx context.Context, service string, constraints domain.NodeConstraints) ([]*domain.ServiceEndpointNode, error)
	EstimateLatency(callerRegion string, node *domain.ServiceEndpointNode) time.Duration
	CircuitState(ctx context.Context, service string) (domain.CircuitBreakerState, error)
	RecordCall(nodeID string, success bool, latency time.Duration)
}

// CostCeilingSource reports the current per-call budget ceiling of a service
type CostCeilingSource interface {
	CostCeiling(ctx context.Context, service string) (float64, bool)
}

// Router selects exactly one provider node per request
type Router struct {
	nodes     NodeSource
	store     domain.StateStore
	factory   *StrategyFactory
	predictor *Predictor
	budget    CostCeilingSource
	events    domain.EventPublisher
	clock     domain.Clock
	config    RouterConfig
	logger    *logger.Logger

	mu                sync.RWMutex
	serviceStrategies map[string]domain.RoutingStrategy
	history           map[string][]domain.RoutingDecision
	inflight          map[string]*domain.ServiceEndpointNode
	stats             map[domain.RoutingStrategy]*StrategyStats
}

// RouterOption configures optional collaborators
type RouterOption func(*Router)

// WithCostCeiling lets COST_OPTIMIZED routing respect the budget governor's ceiling
func WithCostCeiling(budget CostCeilingSource) RouterOption {
	return func(r *Router) { r.budget = budget }
}

// WithRouterEvents publishes every decision
func WithRouterEvents(events domain.EventPublisher) RouterOption {
	return func(r *Router) { r.events = events }
}

// WithRouterClock replaces the wall clock
func WithRouterClock(clock domain.Clock) RouterOption {
	return func(r *Router) { r.clock = clock }
}

// WithPredictor replaces the outcome predictor
func WithPredictor(p *Predictor) RouterOption {
	return func(r *Router) { r.predictor = p }
}

// NewRouter creates a router over nodes; cursors are shared through store
func NewRouter(nodes NodeSource, store domain.StateStore, config RouterConfig, log *logger.Logger, opts ...RouterOption) *Router {
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = domain.HealthBased
	}
	if config.HistorySize <= 0 {
		config.HistorySize = defaultHistorySize
	}
	if config.MaxRetriesBeforeDelay <= 0 {
		config.MaxRetriesBeforeDelay = defaultMaxRetriesBeforeDelay
	}

	r := &Router{
		nodes:             nodes,
		store:             store,
		factory:           NewStrategyFactory(),
		clock:             domain.SystemClock{},
		config:            config,
		logger:            log.RouterLogger(),
		serviceStrategies: make(map[string]domain.RoutingStrategy),
		history:           make(map[string][]domain.RoutingDecision),
		inflight:          make(map[string]*domain.ServiceEndpointNode),
		stats:             make(map[domain.RoutingStrategy]*StrategyStats),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.predictor == nil {
		r.predictor = NewPredictor(DefaultPredictorConfig(), r.clock, log)
	}
	for _, s := range domain.AllRoutingStrategies() {
		r.stats[s] = &StrategyStats{}
	}
	return r
}

// Predictor returns the outcome predictor backing PREDICTIVE_ANALYTICS
func (r *Router) Predictor() *Predictor {
	return r.predictor
}

// Hybrid returns the hybrid strategy so its weights can be tuned
func (r *Router) Hybrid() *HybridStrategy {
	return r.factory.hybrid
}

// SetServiceStrategy sets the strategy used when a request names none
func (r *Router) SetServiceStrategy(service string, strategy domain.RoutingStrategy) error {
	if _, err := r.factory.Create(strategy); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serviceStrategies[service] = strategy
	r.logger.WithFields(map[string]interface{}{
		"service":  service,
		"strategy": strategy,
	}).Info("Routing strategy set")
	return nil
}

// ServiceStrategy returns the strategy applied to service by default
func (r *Router) ServiceStrategy(service string) domain.RoutingStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.serviceStrategies[service]; ok {
		return s
	}
	return r.config.DefaultStrategy
}

// Route selects one node for req and holds one of its connections until ReportOutcome
func (r *Router) Route(ctx context.Context, req *domain.RoutingRequest) (*domain.RoutingDecision, error) {
	if req == nil || req.ServiceName == "" {
		return nil, rerrors.NewInvalidConfigurationError("router", "routing request requires a service name")
	}

	strategyType := req.Strategy
	if strategyType == "" {
		strategyType = r.ServiceStrategy(req.ServiceName)
	}
	strategy, err := r.factory.Create(strategyType)
	if err != nil {
		return nil, err
	}

	log := r.logger.WithFields(map[string]interface{}{
		"service":    req.ServiceName,
		"strategy":   strategyType,
		"request_id": req.RequestID,
	})

	constraints := req.Constraints
	if constraints.CallerRegion == "" {
		constraints.CallerRegion = req.CallerRegion
	}
	candidates, err := r.nodes.HealthyNodes(ctx, req.ServiceName, constraints)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		r.statsFor(strategyType).record(false, r.clock.Now())
		return nil, rerrors.NewNoHealthyProviderError(req.ServiceName, len(r.nodes.Nodes(req.ServiceName)))
	}
	candidateCount := len(candidates)

	sel := &Selection{
		Request: req,
		Cursor:  r.advanceCursor,
		Latency: func(n *domain.ServiceEndpointNode) time.Duration {
			return r.nodes.EstimateLatency(req.CallerRegion, n)
		},
		Predictor: r.predictor,
	}
	if r.budget != nil {
		if ceiling, ok := r.budget.CostCeiling(ctx, req.ServiceName); ok {
			sel.CostCeiling = ceiling
		}
	}

	// A node filling up between filtering and selection is dropped and the strategy re-run.
	var choice Choice
	pool := candidates
	for {
		choice, err = strategy.Select(ctx, pool, sel)
		if err != nil {
			r.statsFor(strategyType).record(false, r.clock.Now())
			return nil, err
		}
		if choice.Node.AcquireConnection() {
			break
		}
		pool = without(pool, choice.Node)
		if len(pool) == 0 {
			r.statsFor(strategyType).record(false, r.clock.Now())
			return nil, rerrors.NewNoHealthyProviderError(req.ServiceName, candidateCount)
		}
	}

	node := choice.Node
	circuit, err := r.nodes.CircuitState(ctx, req.ServiceName)
	if err != nil {
		log.WithError(err).Warn("Failed to read circuit state, using node mirror")
		circuit = domain.CircuitBreakerState{ServiceName: req.ServiceName, State: node.CircuitState()}
	}

	now := r.clock.Now()
	chain := rankAlternatives(candidates, node)
	decision := domain.RoutingDecision{
		ID:               uuid.NewString(),
		RequestID:        req.RequestID,
		ServiceName:      req.ServiceName,
		Strategy:         strategyType,
		NodeID:           node.ID,
		Provider:         node.Provider,
		Endpoint:         node.Endpoint,
		Region:           node.Region,
		FallbackChain:    chain,
		CircuitAction:    r.circuitAction(circuit, now, req.RetryCount),
		Confidence:       domain.ClampScore(node.HealthScore() - float64(confidencePenaltyPerRetry*req.RetryCount)),
		RiskLevel:        assessRisk(node),
		EstimatedCost:    node.CostPerCall,
		EstimatedLatency: node.AvgResponseTime() + r.nodes.EstimateLatency(req.CallerRegion, node),
		Reasoning:        choice.Reason,
		CandidateCount:   candidateCount,
		Timestamp:        now,
		Node:             node,
	}
	if len(chain) > 0 {
		decision.FallbackPlan.PrimaryAlternative = chain[0]
	}
	if len(chain) > 1 {
		decision.FallbackPlan.SecondaryAlternative = chain[1]
	}

	r.mu.Lock()
	r.inflight[decision.ID] = node
	entries := append(r.history[req.ServiceName], decision)
	if len(entries) > r.config.HistorySize {
		entries = append([]domain.RoutingDecision(nil), entries[len(entries)-r.config.HistorySize:]...)
	}
	r.history[req.ServiceName] = entries
	r.mu.Unlock()

	r.statsFor(strategyType).record(true, now)
	log.WithFields(map[string]interface{}{
		"node_id":        node.ID,
		"provider":       node.Provider,
		"circuit_action": decision.CircuitAction,
		"confidence":     decision.Confidence,
		"candidates":     candidateCount,
	}).Debug("Routing decision made")

	if r.events != nil {
		r.events.Publish(domain.Event{
			Type:        domain.EventRoutingDecision,
			ServiceName: req.ServiceName,
			Payload:     decision,
			Timestamp:   now,
		})
	}
	return &decision, nil
}

// ReportOutcome releases the decision's connection and feeds the call outcome
// into the node's metrics and prediction history. Repeated reports are ignored.
func (r *Router) ReportOutcome(decision *domain.RoutingDecision, success bool, latency time.Duration) {
	if decision == nil {
		return
	}
	r.mu.Lock()
	node, ok := r.inflight[decision.ID]
	delete(r.inflight, decision.ID)
	r.mu.Unlock()
	if !ok {
		return
	}

	node.ReleaseConnection()
	r.nodes.RecordCall(node.ID, success, latency)
	r.predictor.Record(node.ID, success, latency)
}

// Decisions returns up to limit most recent decisions of service, oldest first
func (r *Router) Decisions(service string, limit int) []domain.RoutingDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.history[service]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]domain.RoutingDecision(nil), entries...)
}

// InFlight returns how many decisions still hold a connection
func (r *Router) InFlight() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inflight)
}

// circuitAction maps the service circuit and the caller's retry count onto proceed/delay/abort
func (r *Router) circuitAction(circuit domain.CircuitBreakerState, now time.Time, retries int) domain.CircuitAction {
	switch circuit.State {
	case domain.CircuitOpen:
		if now.Before(circuit.NextRetryTime) {
			return domain.ActionAbort
		}
		fallthrough
	case domain.CircuitHalfOpen:
		if retries == 0 {
			return domain.ActionProceed
		}
		return domain.ActionDelay
	default:
		if retries < r.config.MaxRetriesBeforeDelay {
			return domain.ActionProceed
		}
		return domain.ActionDelay
	}
}

func assessRisk(node *domain.ServiceEndpointNode) domain.RiskLevel {
	health, success := node.HealthScore(), node.SuccessRate()
	switch {
	case health >= 80 && success >= 95:
		return domain.RiskLow
	case health >= 50 && success >= 80:
		return domain.RiskMedium
	default:
		return domain.RiskHigh
	}
}

// rankAlternatives orders the other candidates by composite health, best first
func rankAlternatives(candidates []*domain.ServiceEndpointNode, selected *domain.ServiceEndpointNode) []string {
	others := without(candidates, selected)
	sort.SliceStable(others, func(i, j int) bool {
		return CompositeHealthScore(others[i]) > CompositeHealthScore(others[j])
	})
	ids := make([]string, len(others))
	for i, n := range others {
		ids[i] = n.ID
	}
	return ids
}

func without(nodes []*domain.ServiceEndpointNode, drop *domain.ServiceEndpointNode) []*domain.ServiceEndpointNode {
	out := make([]*domain.ServiceEndpointNode, 0, len(nodes))
	for _, n := range nodes {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}

func (r *Router) advanceCursor(ctx context.Context, key string) (int64, error) {
	next, err := r.store.Incr(ctx, key, 1)
	if err != nil {
		return 0, fmt.Errorf("advance routing cursor: %w", err)
	}
	return next, nil
}

func (r *Router) statsFor(s domain.RoutingStrategy) *StrategyStats {
	r.mu.RLock()
	st := r.stats[s]
	r.mu.RUnlock()
	if st != nil {
		return st
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st = r.stats[s]; st == nil {
		st = &StrategyStats{}
		r.stats[s] = st
	}
	return st
}

// GetStats returns router statistics
func (r *Router) GetStats() map[string]interface{} {
	r.mu.RLock()
	strategies := make(map[string]interface{}, len(r.stats))
	for s, st := range r.stats {
		strategies[string(s)] = st.GetStats()
	}
	services := make(map[string]interface{}, len(r.history))
	for svc, entries := range r.history {
		services[svc] = map[string]interface{}{
			"decisions": len(entries),
			"strategy":  r.serviceStrategyLocked(svc),
		}
	}
	inflight := len(r.inflight)
	r.mu.RUnlock()

	return map[string]interface{}{
		"default_strategy": r.config.DefaultStrategy,
		"strategies":       strategies,
		"services":         services,
		"in_flight":        inflight,
		"predictor":        r.predictor.GetStats(),
	}
}

func (r *Router) serviceStrategyLocked(service string) domain.RoutingStrategy {
	if s, ok := r.serviceStrategies[service]; ok {
		return s
	}
	return r.config.DefaultStrategy
}
