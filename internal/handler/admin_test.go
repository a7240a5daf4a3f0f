package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/provider-resilience/internal/batching"
	"github.com/mir00r/provider-resilience/internal/budget"
	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/internal/events"
	"github.com/mir00r/provider-resilience/internal/health"
	"github.com/mir00r/provider-resilience/internal/middleware"
	"github.com/mir00r/provider-resilience/internal/repository"
	"github.com/mir00r/provider-resilience/internal/routing"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

type fakeFallback struct {
	strategies map[string]domain.FallbackStrategy
	executeErr error
	requests   []domain.FallbackRequest
}

func (f *fakeFallback) RegisterStrategy(ctx context.Context, s domain.FallbackStrategy) error {
	if err := s.Validate(); err != nil {
		return rerrors.WrapError(err, rerrors.ErrCodeInvalidConfiguration, "fallback", "invalid strategy")
	}
	f.strategies[s.ServiceName] = s
	return nil
}

func (f *fakeFallback) UpdateStrategy(ctx context.Context, s domain.FallbackStrategy) error {
	if _, ok := f.strategies[s.ServiceName]; !ok {
		return rerrors.NewError(rerrors.ErrCodeStrategyNotFound, "fallback", "no strategy for "+s.ServiceName)
	}
	return f.RegisterStrategy(ctx, s)
}

func (f *fakeFallback) RemoveStrategy(ctx context.Context, service string) error {
	delete(f.strategies, service)
	return nil
}

func (f *fakeFallback) Strategy(ctx context.Context, service string) (*domain.FallbackStrategy, error) {
	s, ok := f.strategies[service]
	if !ok {
		return nil, rerrors.NewError(rerrors.ErrCodeStrategyNotFound, "fallback", "no strategy for "+service)
	}
	return &s, nil
}

func (f *fakeFallback) Strategies() []domain.FallbackStrategy {
	out := make([]domain.FallbackStrategy, 0, len(f.strategies))
	for _, s := range f.strategies {
		out = append(out, s)
	}
	return out
}

func (f *fakeFallback) Execute(ctx context.Context, req domain.FallbackRequest) (*domain.FallbackResult, error) {
	f.requests = append(f.requests, req)
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return &domain.FallbackResult{ServiceName: req.ServiceName, Strategy: domain.FallbackCacheOnly, Success: true, Data: req.Payload}, nil
}

type fakeScenarios struct {
	decision *domain.OptimizationDecision
	err      error
	seen     domain.ErrorScenarioContext
}

func (f *fakeScenarios) Optimize(ctx context.Context, sc domain.ErrorScenarioContext) (*domain.OptimizationDecision, error) {
	f.seen = sc
	return f.decision, f.err
}

func (f *fakeScenarios) Decisions(service string, limit int) []domain.OptimizationDecision {
	return []domain.OptimizationDecision{{ID: "d1", ServiceName: service}}
}

func (f *fakeScenarios) Analytics(service string) domain.ScenarioAnalytics {
	return domain.ScenarioAnalytics{ServiceName: service, TotalDecisions: 1}
}

type fakeBatching struct {
	submitted []batching.Request
	flushed   []string
}

func (f *fakeBatching) Submit(ctx context.Context, req batching.Request) (*batching.Result, error) {
	f.submitted = append(f.submitted, req)
	return &batching.Result{RequestID: req.RequestID, BatchID: "b1", Status: http.StatusOK, Batched: true}, nil
}

func (f *fakeBatching) Flush(service, reason string) int {
	f.flushed = append(f.flushed, service+":"+reason)
	return 2
}

func (f *fakeBatching) QueueDepth(service string) int { return 0 }

type adminFixture struct {
	router    *mux.Router
	registry  *health.Registry
	breaker   *health.CircuitBreaker
	audit     *events.StoreAuditSink
	fallback  *fakeFallback
	scenarios *fakeScenarios
	batching  *fakeBatching
}

func createTestAdmin(t *testing.T) *adminFixture {
	t.Helper()
	log := logger.Discard()
	store := repository.NewInMemoryStateStore()
	breaker := health.NewCircuitBreaker(store, health.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, log)
	registry := health.NewRegistry(repository.NewInMemoryNodeRepository(), breaker, health.DefaultRegistryConfig(), log)
	router := routing.NewRouter(registry, store, routing.DefaultRouterConfig(), log)
	governor := budget.NewGovernor(store, budget.DefaultGovernorConfig(), log)
	audit := events.NewStoreAuditSink(store, 100)

	f := &adminFixture{
		registry:  registry,
		breaker:   breaker,
		audit:     audit,
		fallback:  &fakeFallback{strategies: make(map[string]domain.FallbackStrategy)},
		scenarios: &fakeScenarios{},
		batching:  &fakeBatching{},
	}

	h := NewAdminHandler(AdminDependencies{
		Circuits:  breaker,
		Nodes:     registry,
		Router:    router,
		Budgets:   governor,
		Fallback:  f.fallback,
		Scenarios: f.scenarios,
		Batching:  f.batching,
		Audit:     audit,
		AuditLog:  audit,
		Stats:     map[string]StatsProvider{"registry": registry, "router": router},
	}, log)

	r := mux.NewRouter()
	h.RegisterRoutes(r)
	f.router = r
	return f
}

func (f *adminFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	middleware.LoggingMiddleware(logger.Discard())(f.router).ServeHTTP(rec, req)
	return rec
}

func smsNode(id, provider string) NodeRequest {
	return NodeRequest{ID: id, Provider: provider, Endpoint: "https://" + id + ".example.com", Region: "us-east-1", CostPerCall: 0.01}
}

func TestNodeLifecycle(t *testing.T) {
	f := createTestAdmin(t)

	rec := f.do(t, http.MethodPost, "/services/sms/nodes", smsNode("twilio-1", "twilio"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var snapshot domain.NodeSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, "twilio-1", snapshot.ID)
	assert.Equal(t, "sms", snapshot.ServiceName)

	rec = f.do(t, http.MethodGet, "/services/sms/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []domain.NodeSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	assert.Len(t, nodes, 1)

	rec = f.do(t, http.MethodGet, "/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var services []ServiceSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &services))
	require.Len(t, services, 1)
	assert.Equal(t, "sms", services[0].Name)
	assert.Equal(t, 1, services[0].Nodes)
	assert.Equal(t, domain.CircuitClosed, services[0].CircuitState)

	rec = f.do(t, http.MethodDelete, "/nodes/twilio-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/nodes/twilio-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	records, err := f.audit.Records(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "anonymous", records[0].Actor)
}

func TestRegisterNodeRequiresFields(t *testing.T) {
	f := createTestAdmin(t)
	rec := f.do(t, http.MethodPost, "/services/sms/nodes", NodeRequest{ID: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/services/sms/nodes", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCircuitInspectAndReset(t *testing.T) {
	f := createTestAdmin(t)
	ctx := context.Background()
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/services/sms/nodes", smsNode("n1", "twilio")).Code)

	require.NoError(t, f.breaker.RecordFailure(ctx, "sms"))
	require.NoError(t, f.breaker.RecordFailure(ctx, "sms"))

	rec := f.do(t, http.MethodGet, "/circuits/sms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.CircuitBreakerState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, domain.CircuitOpen, state.State)

	rec = f.do(t, http.MethodGet, "/circuits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var states []domain.CircuitBreakerState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	require.Len(t, states, 1)

	rec = f.do(t, http.MethodPost, "/circuits/sms/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, domain.CircuitClosed, state.State)
	assert.Zero(t, state.FailureCount)
}

func TestRoutingStrategyAndDryRun(t *testing.T) {
	f := createTestAdmin(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/services/sms/nodes", smsNode("n1", "twilio")).Code)

	rec := f.do(t, http.MethodPut, "/services/sms/routing", RoutingStrategyRequest{Strategy: "FASTEST_EVER"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/services/sms/routing", RoutingStrategyRequest{Strategy: domain.CostOptimized})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.CostOptimized))

	rec = f.do(t, http.MethodPost, "/services/sms/route", domain.RoutingRequest{Operation: "send"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var decision domain.RoutingDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, "n1", decision.NodeID)
	assert.Equal(t, domain.CostOptimized, decision.Strategy)
	assert.NotEmpty(t, decision.RequestID)

	rec = f.do(t, http.MethodPost, "/services/email/route", domain.RoutingRequest{Operation: "send"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, string(rerrors.ErrCodeNoHealthyProvider), errResp.ErrorCode)
}

func TestBudgetEndpoints(t *testing.T) {
	f := createTestAdmin(t)
	allocation := domain.BudgetAllocation{
		ServiceName: "sms",
		TotalBudget: 100,
		Period:      domain.PeriodDay,
		Tiers: []domain.CostTier{
			{Name: "premium", MaxCostPerCall: 0.10, EscalationThreshold: 100},
			{Name: "economy", MaxCostPerCall: 0.02, EscalationThreshold: 50},
		},
	}

	rec := f.do(t, http.MethodPost, "/budgets", domain.BudgetAllocation{ServiceName: "sms"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/budgets", allocation)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/budgets/sms", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/budgets/email", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/budgets/sms/spend", SpendRequest{Amount: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/budgets/sms/spend", SpendRequest{Amount: 12.5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"spend":12.5`)

	rec = f.do(t, http.MethodGet, "/budgets/sms/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot domain.CostMonitoringSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, "sms", snapshot.ServiceName)
}

func TestFallbackStrategyEndpoints(t *testing.T) {
	f := createTestAdmin(t)
	strategy := domain.FallbackStrategy{
		ServiceName: "sms",
		Priority:    domain.PriorityHigh.Rank(),
		Config:      domain.CircuitBreakerFallbackConfig{Message: "try later"},
	}

	rec := f.do(t, http.MethodGet, "/fallback/strategies/sms", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/fallback/strategies", strategy)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/fallback/strategies/sms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.FallbackStrategy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.FallbackCircuitBreaker, got.Type())

	other := strategy
	other.ServiceName = "email"
	rec = f.do(t, http.MethodPut, "/fallback/strategies/sms", other)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/fallback/sms/execute", FallbackExecuteRequest{Operation: "send", Payload: json.RawMessage(`{"to":"+1555"}`)})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.fallback.requests, 1)
	assert.Equal(t, "sms", f.fallback.requests[0].ServiceName)
	assert.JSONEq(t, `{"to":"+1555"}`, string(f.fallback.requests[0].Payload))

	f.fallback.executeErr = rerrors.NewError(rerrors.ErrCodeManualOperationRequired, "fallback", "manual mode").
		WithMetadata("instructions", "call the on-call operator")
	rec = f.do(t, http.MethodPost, "/fallback/sms/execute", FallbackExecuteRequest{Operation: "send"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "call the on-call operator", errResp.Metadata["instructions"])

	rec = f.do(t, http.MethodDelete, "/fallback/strategies/sms", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestOptimizeReturnsDecisionWithError(t *testing.T) {
	f := createTestAdmin(t)
	f.scenarios.decision = &domain.OptimizationDecision{ID: "d1", ServiceName: "sms", Strategy: domain.OptimizationStrategy("FALLBACK_ACTIVATION")}
	f.scenarios.err = rerrors.NewError(rerrors.ErrCodeFallbackExhausted, "scenario", "nothing left")

	body := map[string]interface{}{
		"service_name": "sms",
		"operation":    "send",
		"type":         "PROVIDER_OUTAGE",
		"payload":      map[string]string{"to": "+1555"},
	}
	rec := f.do(t, http.MethodPost, "/scenarios/optimize", body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"d1"`)
	assert.Equal(t, "sms", f.scenarios.seen.ServiceName)
	assert.JSONEq(t, `{"to":"+1555"}`, string(f.scenarios.seen.Payload))
	assert.NotEmpty(t, f.scenarios.seen.Request.RequestID)

	f.scenarios.decision = nil
	f.scenarios.err = rerrors.NewError(rerrors.ErrCodeInvalidConfiguration, "scenario", "missing service")
	rec = f.do(t, http.MethodPost, "/scenarios/optimize", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/scenarios/sms/analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_decisions":1`)
}

func TestBatchingEndpoints(t *testing.T) {
	f := createTestAdmin(t)

	rec := f.do(t, http.MethodPost, "/batching/sms/submit", map[string]interface{}{
		"operation": "send",
		"payload":   map[string]string{"to": "+1555"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.batching.submitted, 1)
	assert.Equal(t, "sms", f.batching.submitted[0].ServiceName)
	assert.JSONEq(t, `{"to":"+1555"}`, string(f.batching.submitted[0].Payload))

	rec = f.do(t, http.MethodPost, "/batching/sms/flush", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"sms:admin"}, f.batching.flushed)
}

func TestStatsAndAudit(t *testing.T) {
	f := createTestAdmin(t)

	rec := f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Contains(t, stats["components"], "registry")

	rec = f.do(t, http.MethodGet, "/audit?limit=5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditActorFromClaims(t *testing.T) {
	f := createTestAdmin(t)
	jm, err := middleware.NewJWTAuthMiddleware(middleware.JWTAuthConfig{
		Secret:    "s3cret",
		PathRules: allRequiredRules(),
	}, logger.Discard())
	require.NoError(t, err)
	token, err := jm.IssueToken("erin", []string{middleware.RoleOperator}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/circuits/sms/reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	jm.JWTAuth()(f.router).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	records, err := f.audit.Records(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "erin", records[0].Actor)
	assert.Equal(t, "admin.circuit.reset", records[0].Action)
}

func allRequiredRules() []middleware.JWTPathRule {
	return []middleware.JWTPathRule{{Path: "*", Required: true}}
}

func TestWriteErrorDefaultsToInternal(t *testing.T) {
	h := NewAdminHandler(AdminDependencies{}, logger.Discard())
	rec := httptest.NewRecorder()
	h.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLimitParam(t *testing.T) {
	cases := map[string]int{"": defaultListLimit, "abc": defaultListLimit, "-1": defaultListLimit, "7": 7, "999999": maxListLimit}
	for raw, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/events?limit="+raw, nil)
		assert.Equal(t, want, limitParam(req), raw)
	}
}

func TestHealthReadiness(t *testing.T) {
	h := NewHealthHandler("test")
	h.AddCheck("store", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("bus", func(ctx context.Context) error { return errors.New("stopped") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopped")

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
