package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/provider-resilience/internal/budget"
	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/internal/fallback"
	"github.com/mir00r/provider-resilience/internal/health"
	"github.com/mir00r/provider-resilience/internal/repository"
	"github.com/mir00r/provider-resilience/internal/resilience"
	"github.com/mir00r/provider-resilience/internal/routing"
	"github.com/mir00r/provider-resilience/internal/testutil"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *repository.InMemoryStateStore
	clock       *testutil.FakeClock
	invoker     *testutil.StubInvoker
	registry    *health.Registry
	governor    *budget.Governor
	engine      *fallback.Engine
	events      *testutil.RecordingPublisher
	audit       *testutil.RecordingAuditSink
}

func createTestCoordinator(t *testing.T, script testutil.InvokeFunc, config CoordinatorConfig) *coordinatorFixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	store := repository.NewInMemoryStateStoreWithClock(clock)
	log := logger.Discard()

	f := &coordinatorFixture{
		store:   store,
		clock:   clock,
		invoker: testutil.NewStubInvoker(script),
		events:  &testutil.RecordingPublisher{},
		audit:   &testutil.RecordingAuditSink{},
	}

	breaker := health.NewCircuitBreaker(store, health.CircuitBreakerConfig{FailureThreshold: 5, Cooldown: time.Minute},
		log, health.WithBreakerClock(clock))
	f.registry = health.NewRegistry(repository.NewInMemoryNodeRepository(), breaker, health.DefaultRegistryConfig(),
		log, health.WithRegistryClock(clock))
	router := routing.NewRouter(f.registry, store, routing.DefaultRouterConfig(), log, routing.WithRouterClock(clock))
	f.governor = budget.NewGovernor(store, budget.DefaultGovernorConfig(), log, budget.WithGovernorClock(clock))
	f.engine = fallback.NewEngine(store, f.invoker, f.registry, fallback.DefaultEngineConfig(), log,
		fallback.WithEngineClock(clock), fallback.WithSpendRecorder(f.governor))

	limiter := resilience.NewFixedWindowLimiter(store, resilience.RateLimit{}, clock, log)
	gate := resilience.NewGate(f.invoker, breaker, limiter, resilience.GateConfig{MaxAttempts: 1}, log,
		resilience.WithGateClock(clock),
		resilience.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))

	f.coordinator = NewCoordinator(gate, store, config, log,
		WithRouter(router, f.registry),
		WithGovernor(f.governor),
		WithFallback(f.engine),
		WithCoordinatorClock(clock),
		WithCoordinatorEvents(f.events),
		WithCoordinatorAudit(f.audit))
	return f
}

func (f *coordinatorFixture) addNode(t *testing.T, service, provider string, cost float64) {
	t.Helper()
	node := domain.NewServiceEndpointNode(provider+"-1", service, provider, "https://"+provider+".example.com", 1)
	node.CostPerCall = cost
	require.NoError(t, f.registry.RegisterNode(node))
}

func (f *coordinatorFixture) registerFallback(t *testing.T, service string, cfg domain.StrategyConfig) {
	t.Helper()
	require.NoError(t, f.engine.RegisterStrategy(context.Background(), domain.FallbackStrategy{
		ServiceName: service,
		Priority:    1,
		Continuity:  domain.BusinessContinuity{RevenueImpactPerHour: 500, CustomerImpact: domain.ImpactMedium},
		Config:      cfg,
	}))
}

func (f *coordinatorFixture) spend(t *testing.T, service string) float64 {
	t.Helper()
	total, err := f.governor.RecordSpend(context.Background(), service, 0)
	require.NoError(t, err)
	return total
}

func paymentsAllocation() domain.BudgetAllocation {
	return domain.BudgetAllocation{
		ServiceName: "payments",
		TotalBudget: 100,
		Period:      domain.PeriodDay,
		Tiers: []domain.CostTier{
			{Name: "standard", MaxCostPerCall: 0.05, EscalationThreshold: 80},
			{Name: "premium", MaxCostPerCall: 0.10, EscalationThreshold: 100},
		},
	}
}

func emergencyScenario() domain.ErrorScenarioContext {
	return domain.ErrorScenarioContext{
		ServiceName: "payments",
		Operation:   "charge",
		Method:      "POST",
		Endpoint:    "/v1/charges",
		Payload:     []byte(`{"amount":1200}`),
		Type:        domain.ScenarioServiceUnavailable,
		Severity:    domain.SeverityCritical,
		Impact:      domain.BusinessImpactEstimate{RevenueAtRisk: 12000},
		Errors:      domain.ErrorDetails{CascadingServices: []string{"orders"}},
		Request:     domain.RequestMetadata{Priority: domain.PriorityCritical, Criticality: domain.CriticalityRevenueBlocking},
	}
}

func TestClassifyPriorityOrder(t *testing.T) {
	config := DefaultCoordinatorConfig()
	config.ServiceDefaults = map[string]domain.OptimizationStrategy{"maps": domain.OptimizationPerformance}
	f := createTestCoordinator(t, testutil.Respond(200, `{}`), config)

	tests := []struct {
		name     string
		scenario domain.ErrorScenarioContext
		expected domain.OptimizationStrategy
	}{
		{
			name:     "critical severity",
			scenario: domain.ErrorScenarioContext{ServiceName: "sms", Severity: domain.SeverityCritical},
			expected: domain.OptimizationEmergencyMode,
		},
		{
			name:     "revenue above high threshold",
			scenario: domain.ErrorScenarioContext{ServiceName: "sms", Impact: domain.BusinessImpactEstimate{RevenueAtRisk: 12000}},
			expected: domain.OptimizationEmergencyMode,
		},
		{
			name:     "revenue above low threshold",
			scenario: domain.ErrorScenarioContext{ServiceName: "sms", Impact: domain.BusinessImpactEstimate{RevenueAtRisk: 5000}},
			expected: domain.OptimizationRevenueProtection,
		},
		{
			name: "revenue blocking beats budget pressure",
			scenario: domain.ErrorScenarioContext{
				ServiceName: "sms",
				Request:     domain.RequestMetadata{Criticality: domain.CriticalityRevenueBlocking},
				Budget:      domain.BudgetConstraints{RemainingBudget: 1, BudgetCeiling: 100},
			},
			expected: domain.OptimizationRevenueProtection,
		},
		{
			name: "remaining budget below a fifth of the ceiling",
			scenario: domain.ErrorScenarioContext{
				ServiceName: "maps",
				Budget:      domain.BudgetConstraints{RemainingBudget: 19, BudgetCeiling: 100},
			},
			expected: domain.OptimizationCostMinimization,
		},
		{
			name: "service default",
			scenario: domain.ErrorScenarioContext{
				ServiceName: "maps",
				Budget:      domain.BudgetConstraints{RemainingBudget: 21, BudgetCeiling: 100},
			},
			expected: domain.OptimizationPerformance,
		},
		{
			name:     "hybrid otherwise",
			scenario: domain.ErrorScenarioContext{ServiceName: "sms"},
			expected: domain.OptimizationHybrid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := f.coordinator.Classify(&tt.scenario)
			assert.Equal(t, tt.expected, got)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestBuildPlanScalesTheCostCeiling(t *testing.T) {
	tests := []struct {
		strategy domain.OptimizationStrategy
		cost     float64
		latency  time.Duration
		success  float64
	}{
		{domain.OptimizationEmergencyMode, 0.30, 2000 * time.Millisecond, 0.95},
		{domain.OptimizationRevenueProtection, 0.20, 1000 * time.Millisecond, 0.98},
		{domain.OptimizationCostMinimization, 0.05, 3000 * time.Millisecond, 0.85},
		{domain.OptimizationPerformance, 0.15, 500 * time.Millisecond, 0.95},
		{domain.OptimizationReliabilityFocus, 0.12, 1500 * time.Millisecond, 0.99},
		{domain.OptimizationHybrid, 0.10, 1200 * time.Millisecond, 0.92},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			plan := buildPlan(tt.strategy, 0.10, domain.BudgetConstraints{RemainingBudget: 10, BudgetCeiling: 100})
			assert.InDelta(t, tt.cost, plan.EstimatedCost, 1e-9)
			assert.Equal(t, tt.latency, plan.EstimatedLatency)
			assert.InDelta(t, tt.success, plan.EstimatedSuccessRate, 1e-9)
			assert.InDelta(t, tt.cost/10*100, plan.BudgetImpact, 1e-9)
			assert.NotEmpty(t, plan.Primary.Facets)
			assert.True(t, plan.Fallback.Touches(domain.FacetFallback))
		})
	}

	plan := buildPlan(domain.OptimizationHybrid, 0.10, domain.BudgetConstraints{BudgetCeiling: 100})
	assert.Equal(t, 100.0, plan.BudgetImpact)
}

func TestEmergencyScenarioWithoutProvidersIsPenalized(t *testing.T) {
	f := createTestCoordinator(t, testutil.Respond(200, `{}`), DefaultCoordinatorConfig())
	ctx := context.Background()
	require.NoError(t, f.governor.RegisterBudgetAllocation(ctx, paymentsAllocation()))
	_, err := f.governor.RecordSpend(ctx, "payments", 95)
	require.NoError(t, err)

	decision, err := f.coordinator.Optimize(ctx, emergencyScenario())
	require.Error(t, err)
	require.NotNil(t, decision)

	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeFallbackExhausted))
	var rerr *rerrors.ResilienceError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, decision.ScenarioID, rerr.Metadata["scenario_id"])
	assert.Equal(t, string(domain.OptimizationEmergencyMode), rerr.Metadata["optimization_strategy"])

	assert.Equal(t, domain.OptimizationEmergencyMode, decision.Strategy)
	assert.InDelta(t, 0.30, decision.Plan.EstimatedCost, 1e-9)
	assert.InDelta(t, 6.0, decision.Plan.BudgetImpact, 1e-9)
	assert.Equal(t, 35.0, decision.Metadata.ConfidenceScore)
	assert.LessOrEqual(t, decision.Metadata.ConfidenceScore, 45.0)
	assert.False(t, decision.Metadata.Success)
	assert.Equal(t, string(rerrors.ErrCodeFallbackExhausted), decision.Metadata.ErrorCode)
	assert.Equal(t, domain.RiskHigh, decision.Justification.RiskLevel)
	assert.Nil(t, decision.Routing)
	assert.Zero(t, f.invoker.Calls())
}

func TestEmergencyScenarioRoutingAndFallbackRaiseConfidence(t *testing.T) {
	f := createTestCoordinator(t, testutil.Respond(503, `unavailable`), DefaultCoordinatorConfig())
	ctx := context.Background()
	require.NoError(t, f.governor.RegisterBudgetAllocation(ctx, paymentsAllocation()))
	_, err := f.governor.RecordSpend(ctx, "payments", 95)
	require.NoError(t, err)
	f.addNode(t, "payments", "stripe", 0.03)
	f.registerFallback(t, "payments", domain.CacheOnlyConfig{Cache: domain.CachePolicy{
		MaxAge:    time.Minute,
		Generator: fallback.GeneratorPending,
	}})

	decision, err := f.coordinator.Optimize(ctx, emergencyScenario())
	require.NoError(t, err)

	require.NotNil(t, decision.Routing)
	assert.Equal(t, "stripe", decision.Routing.Provider)
	require.NotNil(t, decision.Fallback)
	assert.True(t, decision.Fallback.Success)
	assert.Equal(t, domain.DegradationModerate, decision.Fallback.Degradation)
	assert.Equal(t, 70.0, decision.Metadata.ConfidenceScore)
	assert.True(t, decision.Metadata.Success)
	assert.JSONEq(t, `{"status":"pending","service":"payments","operation":"charge"}`, string(decision.Response))

	require.Equal(t, 1, f.invoker.Calls())
	req := f.invoker.Requests()[0]
	assert.Equal(t, "https://stripe.example.com/v1/charges", req.Endpoint)
	assert.Equal(t, "stripe", req.Headers["X-Provider"])
	assert.Equal(t, decision.ScenarioID, req.Headers["X-Scenario-ID"])
}

func TestEmergencyConfidenceRequiresRoutingAndFallback(t *testing.T) {
	tests := []struct {
		name       string
		fallback   domain.StrategyConfig
		confidence float64
	}{
		{name: "no fallback registered", confidence: 35},
		{
			name:       "manual operation cannot serve",
			fallback:   domain.ManualOperationConfig{Profile: domain.ManualOperationProfile{Instructions: "call the bank"}},
			confidence: 35,
		},
		{
			name:       "serving fallback stands behind the route",
			fallback:   domain.CacheOnlyConfig{Cache: domain.CachePolicy{MaxAge: time.Minute, Generator: fallback.GeneratorPending}},
			confidence: 70,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := createTestCoordinator(t, testutil.Respond(200, `{"id":"ch_1"}`), DefaultCoordinatorConfig())
			f.addNode(t, "payments", "stripe", 0.03)
			if tt.fallback != nil {
				f.registerFallback(t, "payments", tt.fallback)
			}

			decision, err := f.coordinator.Optimize(context.Background(), emergencyScenario())
			require.NoError(t, err)

			assert.Equal(t, domain.OptimizationEmergencyMode, decision.Strategy)
			require.NotNil(t, decision.Routing)
			assert.Nil(t, decision.Fallback)
			assert.True(t, decision.Metadata.Success)
			assert.Equal(t, tt.confidence, decision.Metadata.ConfidenceScore)
		})
	}
}

func TestEveryStrategyChargesTheServedCall(t *testing.T) {
	config := DefaultCoordinatorConfig()
	config.ServiceDefaults = map[string]domain.OptimizationStrategy{
		"maps":      domain.OptimizationPerformance,
		"telemetry": domain.OptimizationReliabilityFocus,
	}

	tests := []struct {
		strategy domain.OptimizationStrategy
		scenario domain.ErrorScenarioContext
	}{
		{
			strategy: domain.OptimizationEmergencyMode,
			scenario: domain.ErrorScenarioContext{ServiceName: "payments", Operation: "charge", Severity: domain.SeverityCritical},
		},
		{
			strategy: domain.OptimizationRevenueProtection,
			scenario: domain.ErrorScenarioContext{ServiceName: "payments", Operation: "charge",
				Impact: domain.BusinessImpactEstimate{RevenueAtRisk: 5000}},
		},
		{
			strategy: domain.OptimizationCostMinimization,
			scenario: domain.ErrorScenarioContext{ServiceName: "sms", Operation: "send",
				Budget: domain.BudgetConstraints{Utilization: 90, RemainingBudget: 10, BudgetCeiling: 100}},
		},
		{
			strategy: domain.OptimizationPerformance,
			scenario: domain.ErrorScenarioContext{ServiceName: "maps", Operation: "geocode"},
		},
		{
			strategy: domain.OptimizationReliabilityFocus,
			scenario: domain.ErrorScenarioContext{ServiceName: "telemetry", Operation: "ingest"},
		},
		{
			strategy: domain.OptimizationHybrid,
			scenario: domain.ErrorScenarioContext{ServiceName: "sms", Operation: "send"},
		},
	}
	require.Len(t, tests, len(Strategies()))

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			f := createTestCoordinator(t, testutil.Respond(200, `{}`), config)
			f.addNode(t, tt.scenario.ServiceName, "acme", 0.03)
			before := f.spend(t, tt.scenario.ServiceName)

			decision, err := f.coordinator.Optimize(context.Background(), tt.scenario)
			require.NoError(t, err)

			assert.Equal(t, tt.strategy, decision.Strategy)
			assert.True(t, decision.Metadata.Success)
			assert.Equal(t, 1, f.invoker.Calls())
			assert.InDelta(t, before+0.03, f.spend(t, tt.scenario.ServiceName), 1e-6)
		})
	}
}

func TestFailedPrimaryIsNotChargedButTheAlternativeIs(t *testing.T) {
	f := createTestCoordinator(t, testutil.Sequence(
		testutil.Respond(503, `down`),
		testutil.Respond(200, `{"id":"msg-2"}`),
	), DefaultCoordinatorConfig())
	f.addNode(t, "sms", "twilio", 0.01)
	f.addNode(t, "sms", "vonage", 0.04)
	f.registerFallback(t, "sms", domain.AlternativeProviderConfig{ProviderChain: []string{"vonage"}})

	decision, err := f.coordinator.Optimize(context.Background(), domain.ErrorScenarioContext{ServiceName: "sms", Operation: "send"})
	require.NoError(t, err)

	require.NotNil(t, decision.Fallback)
	assert.Equal(t, "vonage", decision.Fallback.Provider)
	assert.Equal(t, 2, f.invoker.Calls())
	assert.InDelta(t, 0.04, f.spend(t, "sms"), 1e-6)
}

func TestRevenueProtectionUsesTheGovernorSelection(t *testing.T) {
	f := createTestCoordinator(t, testutil.Respond(200, `{"id":"msg-1"}`), DefaultCoordinatorConfig())
	ctx := context.Background()
	require.NoError(t, f.governor.RegisterBudgetAllocation(ctx, domain.BudgetAllocation{
		ServiceName: "sms",
		TotalBudget: 100,
		Period:      domain.PeriodDay,
		Tiers: []domain.CostTier{
			{Name: "economy", MaxCostPerCall: 0.02, EscalationThreshold: 50},
			{Name: "premium", MaxCostPerCall: 0.10, EscalationThreshold: 100},
		},
	}))
	f.addNode(t, "sms", "twilio", 0.04)
	f.addNode(t, "sms", "vonage", 0.01)

	decision, err := f.coordinator.Optimize(ctx, domain.ErrorScenarioContext{
		ServiceName: "sms",
		Operation:   "send",
		Endpoint:    "/messages",
		Type:        domain.ScenarioDegradedPerformance,
		Severity:    domain.SeverityHigh,
		Impact:      domain.BusinessImpactEstimate{RevenueAtRisk: 5000},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OptimizationRevenueProtection, decision.Strategy)
	require.NotNil(t, decision.Cost)
	assert.Equal(t, "premium", decision.Cost.Tier)
	assert.Equal(t, "vonage", decision.Cost.SelectedProvider)
	require.NotNil(t, decision.Routing)
	assert.Equal(t, "vonage", decision.Routing.Provider)
	assert.Equal(t, 85.0, decision.Metadata.ConfidenceScore)
	assert.JSONEq(t, `{"id":"msg-1"}`, string(decision.Response))
	assert.Nil(t, decision.Fallback)

	snap, err := f.governor.Snapshot(ctx, "sms")
	require.NoError(t, err)
	assert.InDelta(t, 0.01, snap.Spend, 1e-6)
}

func TestCostMinimizationRoutesByValue(t *testing.T) {
	f := createTestCoordinator(t, testutil.Respond(200, `{}`), DefaultCoordinatorConfig())
	f.addNode(t, "maps", "google", 0.05)
	f.addNode(t, "maps", "mapbox", 0.01)

	decision, err := f.coordinator.Optimize(context.Background(), domain.ErrorScenarioContext{
		ServiceName: "maps",
		Operation:   "geocode",
		Type:        domain.ScenarioCostOverrun,
		Severity:    domain.SeverityMedium,
		Budget:      domain.BudgetConstraints{Utilization: 90, RemainingBudget: 10, BudgetCeiling: 100},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OptimizationCostMinimization, decision.Strategy)
	assert.InDelta(t, 0.05, decision.Plan.EstimatedCost, 1e-9)
	assert.Nil(t, decision.Cost)
	require.NotNil(t, decision.Routing)
	assert.Equal(t, domain.CostOptimized, decision.Routing.Strategy)
	assert.Equal(t, "mapbox", decision.Routing.Provider)
	assert.Equal(t, 70.0, decision.Metadata.ConfidenceScore)
}

func TestFailedProvidersAreNotRetried(t *testing.T) {
	f := createTestCoordinator(t, testutil.Respond(200, `{}`), DefaultCoordinatorConfig())
	f.addNode(t, "sms", "twilio", 0.01)
	f.addNode(t, "sms", "vonage", 0.02)

	decision, err := f.coordinator.Optimize(context.Background(), domain.ErrorScenarioContext{
		ServiceName: "sms",
		Operation:   "send",
		Type:        domain.ScenarioTimeout,
		Errors:      domain.ErrorDetails{FailedProviders: []string{"twilio"}, RetryCount: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OptimizationHybrid, decision.Strategy)
	require.NotNil(t, decision.Routing)
	assert.Equal(t, "vonage", decision.Routing.Provider)
	assert.Equal(t, "https://vonage.example.com/send", f.invoker.Requests()[0].Endpoint)
}

func TestPrimarySuccessFeedsTheFallbackCache(t *testing.T) {
	f := createTestCoordinator(t, testutil.Sequence(
		testutil.Respond(200, `{"lat":1,"lng":2}`),
		testutil.Respond(503, `down`),
	), DefaultCoordinatorConfig())
	f.addNode(t, "maps", "google", 0.01)
	f.registerFallback(t, "maps", domain.CacheOnlyConfig{Cache: domain.CachePolicy{MaxAge: time.Minute}})

	sc := domain.ErrorScenarioContext{
		ServiceName: "maps",
		Operation:   "geocode",
		Payload:     []byte(`{"q":"Dhaka"}`),
		Type:        domain.ScenarioDegradedPerformance,
	}
	first, err := f.coordinator.Optimize(context.Background(), sc)
	require.NoError(t, err)
	assert.Nil(t, first.Fallback)

	f.clock.Advance(30 * time.Second)
	second, err := f.coordinator.Optimize(context.Background(), sc)
	require.NoError(t, err)
	require.NotNil(t, second.Fallback)
	assert.True(t, second.Fallback.FromCache)
	assert.Equal(t, "google", second.Fallback.Provider)
	assert.JSONEq(t, `{"lat":1,"lng":2}`, string(second.Response))
}

func TestManualOperationKeepsOperatorInstructions(t *testing.T) {
	f := createTestCoordinator(t, testutil.Respond(503, `down`), DefaultCoordinatorConfig())
	f.addNode(t, "payments", "stripe", 0.03)
	f.registerFallback(t, "payments", domain.ManualOperationConfig{Profile: domain.ManualOperationProfile{
		Instructions:   "process charges from the backlog sheet",
		EscalationPath: []string{"oncall-payments"},
	}})

	decision, err := f.coordinator.Optimize(context.Background(), domain.ErrorScenarioContext{
		ServiceName: "payments",
		Operation:   "charge",
		Type:        domain.ScenarioServiceUnavailable,
		Severity:    domain.SeverityHigh,
	})
	require.Error(t, err)
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeManualOperationRequired))
	var rerr *rerrors.ResilienceError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "process charges from the backlog sheet", rerr.Metadata["instructions"])
	assert.Equal(t, decision.ScenarioID, rerr.Metadata["scenario_id"])

	require.NotNil(t, decision.Fallback)
	assert.True(t, decision.Fallback.ManualMode)
	assert.Equal(t, string(rerrors.ErrCodeManualOperationRequired), decision.Metadata.ErrorCode)
	assert.Equal(t, domain.RiskHigh, decision.Justification.RiskLevel)
}

func TestHistoryIsBoundedAndSurvivesRestart(t *testing.T) {
	config := DefaultCoordinatorConfig()
	config.HistorySize = 3
	f := createTestCoordinator(t, testutil.Respond(200, `{}`), config)
	f.addNode(t, "sms", "vonage", 0.01)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.coordinator.Optimize(ctx, domain.ErrorScenarioContext{ServiceName: "sms", Operation: "send", Type: domain.ScenarioTimeout})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	assert.Len(t, f.coordinator.Decisions("sms", 0), 3)
	assert.Len(t, f.coordinator.Decisions("sms", 2), 2)
	persisted, err := f.store.ListRange(ctx, historyKey("sms"), 0)
	require.NoError(t, err)
	assert.Len(t, persisted, 3)

	restarted := NewCoordinator(nil, f.store, config, logger.Discard())
	require.NoError(t, restarted.Restore(ctx, "sms"))
	restored := restarted.Decisions("sms", 0)
	require.Len(t, restored, 3)
	assert.Equal(t, f.coordinator.Decisions("sms", 0)[2].ID, restored[2].ID)

	analytics := restarted.Analytics("sms")
	assert.Equal(t, 3, analytics.TotalDecisions)
	assert.Equal(t, 1.0, analytics.SuccessRatio)
	assert.Equal(t, 3, analytics.StrategyCounts[domain.OptimizationHybrid])
	assert.Equal(t, 3, analytics.ScenarioCounts[domain.ScenarioTimeout])
	assert.Equal(t, 70.0, analytics.AverageConfidence)
	assert.Equal(t, time.Date(2026, 5, 4, 9, 0, 4, 0, time.UTC), analytics.LastDecisionAt.UTC())
}

func TestAnalyticsMixesOutcomes(t *testing.T) {
	f := createTestCoordinator(t, testutil.Respond(200, `{}`), DefaultCoordinatorConfig())
	f.addNode(t, "sms", "vonage", 0.01)
	ctx := context.Background()

	_, err := f.coordinator.Optimize(ctx, domain.ErrorScenarioContext{ServiceName: "sms", Operation: "send"})
	require.NoError(t, err)
	_, err = f.coordinator.Optimize(ctx, domain.ErrorScenarioContext{ServiceName: "sms", Operation: "send", Severity: domain.SeverityCritical,
		Errors: domain.ErrorDetails{FailedProviders: []string{"vonage"}}})
	require.Error(t, err)

	analytics := f.coordinator.Analytics("sms")
	assert.Equal(t, 2, analytics.TotalDecisions)
	assert.Equal(t, 0.5, analytics.SuccessRatio)
	assert.Equal(t, 1, analytics.StrategyCounts[domain.OptimizationEmergencyMode])
	assert.Equal(t, (70.0+45.0)/2, analytics.AverageConfidence)

	stats := f.coordinator.GetStats()
	assert.Equal(t, int64(2), stats["decisions"])
	assert.Equal(t, int64(1), stats["failures"])
	assert.Equal(t, []string{"sms"}, stats["services"])
	assert.Empty(t, f.coordinator.Analytics("unknown").StrategyCounts)
}

func TestOptimizationOutcomeIsPublishedAndAudited(t *testing.T) {
	f := createTestCoordinator(t, testutil.Respond(200, `{}`), DefaultCoordinatorConfig())
	f.addNode(t, "sms", "vonage", 0.01)

	decision, err := f.coordinator.Optimize(context.Background(), domain.ErrorScenarioContext{ServiceName: "sms", Operation: "send"})
	require.NoError(t, err)

	events := f.events.Events(domain.EventOptimizationOutcome)
	require.Len(t, events, 1)
	assert.Equal(t, "sms", events[0].ServiceName)

	records := f.audit.Records("scenario.optimized")
	require.Len(t, records, 1)
	assert.Equal(t, decision.ID, records[0].ID)
	assert.Equal(t, domain.OptimizationHybrid, records[0].Details["strategy"])
	assert.Equal(t, true, records[0].Details["success"])
	assert.NotEmpty(t, decision.Monitoring.KeyMetrics)
	assert.Equal(t, time.Hour, decision.Monitoring.ReviewInterval)
}

func TestOptimizeRequiresAService(t *testing.T) {
	f := createTestCoordinator(t, testutil.Respond(200, `{}`), DefaultCoordinatorConfig())
	decision, err := f.coordinator.Optimize(context.Background(), domain.ErrorScenarioContext{})
	assert.Nil(t, decision)
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeInvalidConfiguration))
}
