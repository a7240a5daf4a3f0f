package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/internal/fallback"
	"github.com/mir00r/provider-resilience/internal/resilience"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// CoordinatorConfig holds the classification thresholds and plan defaults
type CoordinatorConfig struct {
	// HighRevenueThreshold is the revenue at risk above which emergency mode is chosen
	HighRevenueThreshold float64 `yaml:"high_revenue_threshold" json:"high_revenue_threshold"`
	// RevenueThreshold is the revenue at risk above which revenue protection is chosen
	RevenueThreshold float64 `yaml:"revenue_threshold" json:"revenue_threshold"`
	// CostMinimizationRatio is the share of the budget ceiling below which the
	// remaining budget selects cost minimization
	CostMinimizationRatio float64 `yaml:"cost_minimization_ratio" json:"cost_minimization_ratio"`
	// DefaultCostCeiling is the per-call ceiling used when no budget tier applies
	DefaultCostCeiling   float64                                `yaml:"default_cost_ceiling" json:"default_cost_ceiling"`
	MinRoutingConfidence float64                                `yaml:"min_routing_confidence" json:"min_routing_confidence"`
	HistorySize          int                                    `yaml:"history_size" json:"history_size"`
	CallTimeout          time.Duration                          `yaml:"call_timeout" json:"call_timeout"`
	ServiceDefaults      map[string]domain.OptimizationStrategy `yaml:"service_defaults" json:"service_defaults"`
}

// DefaultCoordinatorConfig returns the default thresholds
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		HighRevenueThreshold:  10000,
		RevenueThreshold:      1000,
		CostMinimizationRatio: 0.2,
		DefaultCostCeiling:    0.10,
		MinRoutingConfidence:  70,
		HistorySize:           100,
	}
}

const (
	baseConfidence       = 50.0
	routingConfidence    = 20.0
	costConfidence       = 15.0
	fallbackConfidence   = 15.0
	cascadingPenalty     = 10.0
	criticalPenalty      = 5.0
	coordinatorComponent = "scenario_coordinator"
)

// Router is the routing facet
type Router interface {
	Route(ctx context.Context, req *domain.RoutingRequest) (*domain.RoutingDecision, error)
	ReportOutcome(decision *domain.RoutingDecision, success bool, latency time.Duration)
}

// CostGovernor is the cost facet
type CostGovernor interface {
	Allocation(ctx context.Context, service string) (domain.BudgetAllocation, bool, error)
	Snapshot(ctx context.Context, service string) (domain.CostMonitoringSnapshot, error)
	CostCeiling(ctx context.Context, service string) (float64, bool)
	SelectProvider(ctx context.Context, req domain.CostRequest) (*domain.CostAwareRoutingDecision, error)
	RecordSpend(ctx context.Context, service string, amount float64) (float64, error)
}

// FallbackExecutor is the fallback facet
type FallbackExecutor interface {
	Execute(ctx context.Context, req domain.FallbackRequest) (*domain.FallbackResult, error)
	Strategy(ctx context.Context, service string) (*domain.FallbackStrategy, error)
	StoreResult(ctx context.Context, service, key, provider string, data []byte) error
}

// Caller executes the primary call, normally the resilience gate
type Caller interface {
	Execute(ctx context.Context, service, operation string, payload []byte, opts resilience.CallOptions) (*resilience.CallResult, error)
}

// NodeLister lists the nodes registered for a service
type NodeLister interface {
	Nodes(service string) []*domain.ServiceEndpointNode
}

// Coordinator turns error scenarios into optimization decisions and executes them
type Coordinator struct {
	router   Router
	governor CostGovernor
	fallback FallbackExecutor
	caller   Caller
	nodes    NodeLister

	config  CoordinatorConfig
	history *decisionLog
	clock   domain.Clock
	events  domain.EventPublisher
	audit   domain.AuditSink
	logger  *logger.Logger

	mu         sync.Mutex
	decisions  int64
	successes  int64
	byStrategy map[domain.OptimizationStrategy]int64
}

// CoordinatorOption configures optional collaborators
type CoordinatorOption func(*Coordinator)

// WithRouter enables the routing facet
func WithRouter(r Router, nodes NodeLister) CoordinatorOption {
	return func(c *Coordinator) {
		c.router = r
		c.nodes = nodes
	}
}

// WithGovernor enables the cost facet
func WithGovernor(g CostGovernor) CoordinatorOption {
	return func(c *Coordinator) { c.governor = g }
}

// WithFallback enables the fallback facet
func WithFallback(f FallbackExecutor) CoordinatorOption {
	return func(c *Coordinator) { c.fallback = f }
}

func WithCoordinatorClock(clock domain.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

func WithCoordinatorEvents(events domain.EventPublisher) CoordinatorOption {
	return func(c *Coordinator) { c.events = events }
}

func WithCoordinatorAudit(audit domain.AuditSink) CoordinatorOption {
	return func(c *Coordinator) { c.audit = audit }
}

// NewCoordinator creates a coordinator executing primary calls through caller
func NewCoordinator(caller Caller, store domain.StateStore, config CoordinatorConfig, log *logger.Logger, opts ...CoordinatorOption) *Coordinator {
	defaults := DefaultCoordinatorConfig()
	if config.HighRevenueThreshold <= 0 {
		config.HighRevenueThreshold = defaults.HighRevenueThreshold
	}
	if config.RevenueThreshold <= 0 {
		config.RevenueThreshold = defaults.RevenueThreshold
	}
	if config.CostMinimizationRatio <= 0 {
		config.CostMinimizationRatio = defaults.CostMinimizationRatio
	}
	if config.DefaultCostCeiling <= 0 {
		config.DefaultCostCeiling = defaults.DefaultCostCeiling
	}
	if config.MinRoutingConfidence <= 0 {
		config.MinRoutingConfidence = defaults.MinRoutingConfidence
	}
	if config.HistorySize <= 0 {
		config.HistorySize = defaults.HistorySize
	}

	c := &Coordinator{
		caller:     caller,
		config:     config,
		history:    newDecisionLog(store, config.HistorySize),
		clock:      domain.SystemClock{},
		logger:     log.CoordinatorLogger(),
		byStrategy: make(map[domain.OptimizationStrategy]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// execution collects the sub-decisions and outcome of one scenario
type execution struct {
	routing     *domain.RoutingDecision
	routeErr    error
	cost        *domain.CostAwareRoutingDecision
	costErr     error
	call        *resilience.CallResult
	callErr     error
	fallback    *domain.FallbackResult
	fallbackErr error
	response    []byte
	success     bool

	// fallbackReady is set when the primary succeeded and a serving fallback
	// strategy stands behind it
	fallbackReady bool
}

// primaryError is the first failure along the primary path
func (ex *execution) primaryError() error {
	for _, err := range []error{ex.callErr, ex.routeErr, ex.costErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Optimize classifies the scenario, builds and executes its plan and records
// the decision. Any scenario naming a service yields a decision; err is the terminal failure
// when neither the primary path nor the fallback produced a response.
func (c *Coordinator) Optimize(ctx context.Context, sc domain.ErrorScenarioContext) (*domain.OptimizationDecision, error) {
	if sc.ServiceName == "" {
		return nil, rerrors.NewInvalidConfigurationError(coordinatorComponent, "scenario requires a service name")
	}
	start := c.clock.Now()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Timestamp.IsZero() {
		sc.Timestamp = start
	}
	if sc.Request.RequestID == "" {
		sc.Request.RequestID = sc.ID
	}
	if sc.Severity == "" {
		sc.Severity = domain.SeverityMedium
	}
	c.captureBudget(ctx, &sc)

	strategy, reason := c.Classify(&sc)
	plan := buildPlan(strategy, c.costCeiling(ctx, sc.ServiceName), sc.Budget)

	log := c.logger.WithFields(map[string]interface{}{
		"service":     sc.ServiceName,
		"scenario_id": sc.ID,
		"scenario":    sc.Type,
		"severity":    sc.Severity,
		"strategy":    strategy,
	})
	log.WithField("reason", reason).Info("Scenario classified")

	ex := c.execute(ctx, &sc, strategy, plan)
	terminal := c.terminalError(&sc, strategy, ex)

	decision := domain.OptimizationDecision{
		ID:           uuid.NewString(),
		ServiceName:  sc.ServiceName,
		ScenarioID:   sc.ID,
		ScenarioType: sc.Type,
		Severity:     sc.Severity,
		Strategy:     strategy,
		Routing:      ex.routing,
		Cost:         ex.cost,
		Fallback:     ex.fallback,
		Response:     ex.response,
		Plan:         plan,
		Justification: domain.BusinessJustification{
			Reasoning: c.reasoning(reason, ex),
			Tradeoffs: append([]string(nil), profileFor(strategy).tradeoffs...),
			RiskLevel: riskFor(&sc, ex),
		},
		Monitoring: monitoringPlan(strategy, plan),
		Metadata: domain.DecisionMetadata{
			ConfidenceScore: c.confidence(&sc, plan, ex),
			Success:         ex.success,
			ExecutionTime:   c.clock.Now().Sub(start),
		},
		CreatedAt: start,
	}
	if terminal != nil {
		decision.Metadata.Error = terminal.Error()
		decision.Metadata.ErrorCode = string(rerrors.GetErrorCode(terminal))
	}

	c.record(ctx, decision)

	entry := log.WithFields(map[string]interface{}{
		"success":    decision.Metadata.Success,
		"confidence": decision.Metadata.ConfidenceScore,
		"duration":   decision.Metadata.ExecutionTime,
	})
	if terminal != nil {
		entry.WithError(terminal).Warn("Scenario optimization failed")
	} else {
		entry.Info("Scenario optimization completed")
	}
	return &decision, terminal
}

// captureBudget fills the budget view from the governor when the caller left it empty
func (c *Coordinator) captureBudget(ctx context.Context, sc *domain.ErrorScenarioContext) {
	if c.governor == nil || sc.Budget != (domain.BudgetConstraints{}) {
		return
	}
	if _, ok, err := c.governor.Allocation(ctx, sc.ServiceName); err != nil || !ok {
		return
	}
	snap, err := c.governor.Snapshot(ctx, sc.ServiceName)
	if err != nil {
		c.logger.WithError(err).WithField("service", sc.ServiceName).Warn("Failed to capture budget snapshot")
		return
	}
	remaining := snap.Budget - snap.Spend
	if remaining < 0 {
		remaining = 0
	}
	sc.Budget = domain.BudgetConstraints{
		Utilization:     snap.Utilization,
		RemainingBudget: remaining,
		BudgetCeiling:   snap.Budget,
	}
}

func (c *Coordinator) costCeiling(ctx context.Context, service string) float64 {
	if c.governor != nil {
		if ceiling, ok := c.governor.CostCeiling(ctx, service); ok {
			return ceiling
		}
	}
	return c.config.DefaultCostCeiling
}

func (c *Coordinator) execute(ctx context.Context, sc *domain.ErrorScenarioContext, strategy domain.OptimizationStrategy, plan domain.OptimizationPlan) *execution {
	ex := &execution{}
	primary := plan.Primary

	if primary.Touches(domain.FacetCost) {
		c.selectCost(ctx, sc, strategy, ex)
	}
	if primary.Touches(domain.FacetRouting) && c.router != nil {
		c.route(ctx, sc, profileFor(strategy).routing, ex)
	}
	if ex.routing != nil {
		c.callPrimary(ctx, sc, ex)
	}
	if !ex.success {
		c.runFallback(ctx, sc, ex)
	} else if primary.Touches(domain.FacetFallback) {
		ex.fallbackReady = c.fallbackReady(ctx, sc.ServiceName)
	}
	return ex
}

// fallbackReady reports whether the service has a fallback strategy that can
// serve a response. Refusal and manual operation strategies cannot.
func (c *Coordinator) fallbackReady(ctx context.Context, service string) bool {
	if c.fallback == nil {
		return false
	}
	strategy, err := c.fallback.Strategy(ctx, service)
	if err != nil || strategy == nil || strategy.Config == nil {
		return false
	}
	switch strategy.Config.StrategyType() {
	case domain.FallbackCircuitBreaker, domain.FallbackManualOperation:
		return false
	}
	return true
}

func (c *Coordinator) selectCost(ctx context.Context, sc *domain.ErrorScenarioContext, strategy domain.OptimizationStrategy, ex *execution) {
	if c.governor == nil {
		return
	}
	if _, ok, err := c.governor.Allocation(ctx, sc.ServiceName); err != nil || !ok {
		return
	}

	urgency := sc.Request.Urgency
	if urgency == "" {
		urgency = domain.UrgencyNormal
	}
	revenueImpacting := sc.Request.Criticality == domain.CriticalityRevenueBlocking
	if strategy == domain.OptimizationEmergencyMode || strategy == domain.OptimizationRevenueProtection {
		revenueImpacting = true
		urgency = domain.UrgencyCritical
	}

	decision, err := c.governor.SelectProvider(ctx, domain.CostRequest{
		ServiceName:      sc.ServiceName,
		Operation:        sc.Operation,
		Candidates:       c.quotes(sc),
		RevenueImpacting: revenueImpacting,
		Urgency:          urgency,
	})
	if err != nil {
		ex.costErr = err
		c.logger.WithError(err).WithField("service", sc.ServiceName).Warn("Cost selection failed")
		return
	}
	ex.cost = decision
}

// quotes offers the cheapest node of every provider that has not already failed
func (c *Coordinator) quotes(sc *domain.ErrorScenarioContext) []domain.ProviderQuote {
	if c.nodes == nil {
		return nil
	}
	failed := toSet(sc.Errors.FailedProviders)
	best := make(map[string]domain.ProviderQuote)
	for _, n := range c.nodes.Nodes(sc.ServiceName) {
		if _, skip := failed[n.Provider]; skip {
			continue
		}
		q := domain.ProviderQuote{
			Provider:     n.Provider,
			NodeID:       n.ID,
			CostPerCall:  n.CostPerCall,
			SuccessRate:  n.SuccessRate(),
			ResponseTime: n.AvgResponseTime(),
		}
		if cur, ok := best[n.Provider]; !ok || q.CostPerCall < cur.CostPerCall {
			best[n.Provider] = q
		}
	}
	out := make([]domain.ProviderQuote, 0, len(best))
	for _, q := range best {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (c *Coordinator) route(ctx context.Context, sc *domain.ErrorScenarioContext, routing domain.RoutingStrategy, ex *execution) {
	req := &domain.RoutingRequest{
		RequestID:    sc.Request.RequestID,
		ServiceName:  sc.ServiceName,
		Operation:    sc.Operation,
		Strategy:     routing,
		CallerRegion: sc.Request.CallerRegion,
		Priority:     sc.Request.Priority,
		Criticality:  sc.Request.Criticality,
		RetryCount:   sc.Request.RetryCount,
		Constraints: domain.NodeConstraints{
			CallerRegion:     sc.Request.CallerRegion,
			Performance:      sc.Performance,
			ExcludeProviders: append([]string(nil), sc.Errors.FailedProviders...),
		},
	}

	// Pin routing to the provider the governor chose, widening again if none of its nodes qualify.
	if ex.cost != nil && c.nodes != nil {
		pinned := *req
		pinned.Constraints.ExcludeProviders = c.othersThan(sc, ex.cost.SelectedProvider)
		decision, err := c.router.Route(ctx, &pinned)
		if err == nil {
			ex.routing = decision
			return
		}
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"service":  sc.ServiceName,
			"provider": ex.cost.SelectedProvider,
		}).Debug("No node for the cost-selected provider, widening")
	}

	decision, err := c.router.Route(ctx, req)
	if err != nil {
		ex.routeErr = err
		c.logger.WithError(err).WithField("service", sc.ServiceName).Warn("Routing failed")
		return
	}
	ex.routing = decision
}

func (c *Coordinator) othersThan(sc *domain.ErrorScenarioContext, provider string) []string {
	exclude := toSet(sc.Errors.FailedProviders)
	for _, n := range c.nodes.Nodes(sc.ServiceName) {
		if n.Provider != provider {
			exclude[n.Provider] = struct{}{}
		}
	}
	out := make([]string, 0, len(exclude))
	for p := range exclude {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) callPrimary(ctx context.Context, sc *domain.ErrorScenarioContext, ex *execution) {
	decision := ex.routing
	endpoint := sc.Endpoint
	if endpoint == "" {
		endpoint = sc.Operation
	}

	start := c.clock.Now()
	res, err := c.caller.Execute(ctx, sc.ServiceName, sc.Operation, sc.Payload, resilience.CallOptions{
		Method:   sc.Method,
		Endpoint: fallback.JoinEndpoint(decision.Endpoint, endpoint),
		Headers: map[string]string{
			"X-Provider":    decision.Provider,
			"X-Scenario-ID": sc.ID,
		},
		Timeout:   c.config.CallTimeout,
		RequestID: sc.Request.RequestID,
	})
	latency := c.clock.Now().Sub(start)
	if res != nil && res.Duration > 0 {
		latency = res.Duration
	}
	c.router.ReportOutcome(decision, err == nil, latency)

	ex.call = res
	if err != nil {
		ex.callErr = err
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"service":  sc.ServiceName,
			"provider": decision.Provider,
		}).Warn("Primary call failed")
		return
	}
	ex.success = true
	ex.response = res.Body

	// Every served call is paid for, whichever facets the plan used.
	if c.governor != nil {
		if _, err := c.governor.RecordSpend(ctx, sc.ServiceName, decision.EstimatedCost); err != nil {
			c.logger.WithError(err).WithField("service", sc.ServiceName).Warn("Failed to record spend")
		}
	}
	if c.fallback != nil {
		key := fallback.CacheKey(sc.Operation, sc.Payload)
		if err := c.fallback.StoreResult(ctx, sc.ServiceName, key, decision.Provider, res.Body); err != nil {
			c.logger.WithError(err).WithField("service", sc.ServiceName).Debug("Failed to cache primary result")
		}
	}
}

func (c *Coordinator) runFallback(ctx context.Context, sc *domain.ErrorScenarioContext, ex *execution) {
	if c.fallback == nil {
		ex.fallbackErr = rerrors.NewFallbackExhaustedError(sc.ServiceName, nil, ex.primaryError())
		return
	}
	result, err := c.fallback.Execute(ctx, domain.FallbackRequest{
		ServiceName: sc.ServiceName,
		Operation:   sc.Operation,
		Method:      sc.Method,
		Endpoint:    sc.Endpoint,
		Payload:     sc.Payload,
		CacheKey:    fallback.CacheKey(sc.Operation, sc.Payload),
		Timeout:     c.config.CallTimeout,
	})
	ex.fallback = result
	ex.fallbackErr = err
	if err == nil && result != nil && result.Success {
		ex.success = true
		ex.response = result.Data
	}
}

// terminalError reports why the scenario could not be served. Manual operation
// outcomes keep their operator instructions; everything else is surfaced as
// fallback exhaustion.
func (c *Coordinator) terminalError(sc *domain.ErrorScenarioContext, strategy domain.OptimizationStrategy, ex *execution) error {
	if ex.success {
		return nil
	}
	cause := ex.fallbackErr
	if cause == nil {
		cause = ex.primaryError()
	}

	var rerr *rerrors.ResilienceError
	switch {
	case rerrors.HasCode(cause, rerrors.ErrCodeManualOperationRequired),
		rerrors.HasCode(cause, rerrors.ErrCodeFallbackExhausted):
		rerr = asResilienceError(cause)
	default:
		var attempted []string
		if ex.fallback != nil {
			for _, s := range ex.fallback.AttemptedStrategies {
				attempted = append(attempted, string(s))
			}
		}
		rerr = rerrors.NewFallbackExhaustedError(sc.ServiceName, attempted, cause)
	}

	rerr.WithMetadata("scenario_id", sc.ID).
		WithMetadata("scenario_type", string(sc.Type)).
		WithMetadata("optimization_strategy", string(strategy))
	if primary := ex.primaryError(); primary != nil {
		rerr.WithMetadata("primary_error", primary.Error())
	}
	return rerr
}

func asResilienceError(err error) *rerrors.ResilienceError {
	var rerr *rerrors.ResilienceError
	if errors.As(err, &rerr) {
		return rerr
	}
	return rerrors.WrapError(err, rerrors.ErrCodeInternalError, coordinatorComponent, "scenario failed")
}

// confidence scores a decision from its sub-decisions, clamped to [0,100].
// When the primary action pairs routing with fallback, neither earns credit
// unless both succeed.
func (c *Coordinator) confidence(sc *domain.ErrorScenarioContext, plan domain.OptimizationPlan, ex *execution) float64 {
	routed := ex.routing != nil && ex.routing.Confidence >= c.config.MinRoutingConfidence
	fellBack := (ex.fallback != nil && ex.fallback.Success) || ex.fallbackReady
	if plan.Primary.Touches(domain.FacetRouting) && plan.Primary.Touches(domain.FacetFallback) && !(routed && fellBack) {
		routed, fellBack = false, false
	}

	score := baseConfidence
	if routed {
		score += routingConfidence
	}
	if ex.cost != nil {
		score += costConfidence
	}
	if fellBack {
		score += fallbackConfidence
	}
	if sc.IsCascading() {
		score -= cascadingPenalty
	}
	if sc.Severity == domain.SeverityCritical {
		score -= criticalPenalty
	}
	return domain.ClampScore(score)
}

func (c *Coordinator) reasoning(classification string, ex *execution) string {
	parts := []string{"classified by " + classification}
	if ex.cost != nil {
		parts = append(parts, fmt.Sprintf("governor selected %s in tier %s", ex.cost.SelectedProvider, ex.cost.Tier))
	} else if ex.costErr != nil {
		parts = append(parts, "cost selection failed: "+ex.costErr.Error())
	}
	if ex.routing != nil {
		parts = append(parts, fmt.Sprintf("routed to %s (%s) via %s", ex.routing.NodeID, ex.routing.Provider, ex.routing.Strategy))
	} else if ex.routeErr != nil {
		parts = append(parts, "routing failed: "+ex.routeErr.Error())
	}
	if ex.callErr != nil {
		parts = append(parts, "primary call failed: "+ex.callErr.Error())
	}
	if ex.fallback != nil {
		if ex.fallback.Success {
			parts = append(parts, fmt.Sprintf("fallback %s served with %s degradation", ex.fallback.Strategy, ex.fallback.Degradation))
		} else {
			parts = append(parts, fmt.Sprintf("fallback %s failed", ex.fallback.Strategy))
		}
	}
	return strings.Join(parts, "; ")
}

func riskFor(sc *domain.ErrorScenarioContext, ex *execution) domain.RiskLevel {
	if !ex.success {
		return domain.RiskHigh
	}
	risk := severityRisk(sc.Severity)
	if ex.routing != nil && riskRank(ex.routing.RiskLevel) > riskRank(risk) {
		risk = ex.routing.RiskLevel
	}
	if ex.fallback != nil && ex.fallback.Degradation == domain.DegradationSevere {
		risk = domain.RiskHigh
	}
	return risk
}

func (c *Coordinator) record(ctx context.Context, decision domain.OptimizationDecision) {
	c.history.append(decision)
	if err := c.history.persist(ctx, decision); err != nil {
		c.logger.WithError(err).WithField("service", decision.ServiceName).Warn("Failed to persist decision")
	}

	c.mu.Lock()
	c.decisions++
	if decision.Metadata.Success {
		c.successes++
	}
	c.byStrategy[decision.Strategy]++
	c.mu.Unlock()

	if c.events != nil {
		c.events.Publish(domain.Event{
			Type:        domain.EventOptimizationOutcome,
			ServiceName: decision.ServiceName,
			Payload:     decision,
			Timestamp:   decision.CreatedAt,
		})
	}
	if c.audit != nil {
		details := map[string]interface{}{
			"scenario_id":   decision.ScenarioID,
			"scenario_type": decision.ScenarioType,
			"strategy":      decision.Strategy,
			"success":       decision.Metadata.Success,
			"confidence":    decision.Metadata.ConfidenceScore,
		}
		if decision.Metadata.ErrorCode != "" {
			details["error_code"] = decision.Metadata.ErrorCode
		}
		if err := c.audit.Record(ctx, domain.AuditRecord{
			ID:        decision.ID,
			Actor:     coordinatorComponent,
			Action:    "scenario.optimized",
			Resource:  decision.ServiceName,
			Details:   details,
			Timestamp: decision.CreatedAt,
		}); err != nil {
			c.logger.WithError(err).Warn("Failed to write audit record")
		}
	}
}

// Decisions returns up to limit newest decisions for service, oldest first
func (c *Coordinator) Decisions(service string, limit int) []domain.OptimizationDecision {
	return c.history.recent(service, limit)
}

// Analytics aggregates the retained decision history of service
func (c *Coordinator) Analytics(service string) domain.ScenarioAnalytics {
	return c.history.analytics(service)
}

// Restore reloads the persisted decision history of the given services
func (c *Coordinator) Restore(ctx context.Context, services ...string) error {
	for _, svc := range services {
		n, err := c.history.restore(ctx, svc)
		if err != nil {
			return fmt.Errorf("restore decisions for %s: %w", svc, err)
		}
		if n > 0 {
			c.logger.WithFields(map[string]interface{}{
				"service":   svc,
				"decisions": n,
			}).Info("Decision history restored")
		}
	}
	return nil
}

// Config returns the effective configuration
func (c *Coordinator) Config() CoordinatorConfig {
	return c.config
}

// GetStats returns coordinator statistics
func (c *Coordinator) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	byStrategy := make(map[string]int64, len(c.byStrategy))
	for s, n := range c.byStrategy {
		byStrategy[string(s)] = n
	}
	return map[string]interface{}{
		"decisions":    c.decisions,
		"successes":    c.successes,
		"failures":     c.decisions - c.successes,
		"by_strategy":  byStrategy,
		"services":     c.history.services(),
		"history_size": c.config.HistorySize,
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}
