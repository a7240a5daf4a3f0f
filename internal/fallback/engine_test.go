package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/internal/repository"
	"github.com/mir00r/provider-resilience/internal/testutil"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

type nodeTable map[string]*domain.ServiceEndpointNode

func (t nodeTable) NodeForProvider(service, provider string) (*domain.ServiceEndpointNode, bool) {
	n, ok := t[provider]
	return n, ok
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.ManualNotification
}

func (n *recordingNotifier) Notify(ctx context.Context, m domain.ManualNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return nil
}

type engineFixture struct {
	engine   *Engine
	store    *repository.InMemoryStateStore
	clock    *testutil.FakeClock
	invoker  *testutil.StubInvoker
	nodes    nodeTable
	notifier *recordingNotifier
	events   *testutil.RecordingPublisher
	audit    *testutil.RecordingAuditSink
}

func createTestEngine(t *testing.T, script testutil.InvokeFunc) *engineFixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	f := &engineFixture{
		store:    repository.NewInMemoryStateStoreWithClock(clock),
		clock:    clock,
		invoker:  testutil.NewStubInvoker(script),
		nodes:    nodeTable{},
		notifier: &recordingNotifier{},
		events:   &testutil.RecordingPublisher{},
		audit:    &testutil.RecordingAuditSink{},
	}
	f.engine = NewEngine(f.store, f.invoker, f.nodes, DefaultEngineConfig(), logger.Discard(),
		WithEngineClock(clock), WithNotifier(f.notifier), WithEngineEvents(f.events), WithEngineAudit(f.audit))
	return f
}

func (f *engineFixture) register(t *testing.T, cfg domain.StrategyConfig) {
	t.Helper()
	require.NoError(t, f.engine.RegisterStrategy(context.Background(), domain.FallbackStrategy{
		ServiceName: "sms",
		Priority:    1,
		Continuity: domain.BusinessContinuity{
			MaxTolerableDowntime: time.Hour,
			RevenueImpactPerHour: 1000,
			CustomerImpact:       domain.ImpactMedium,
		},
		Config: cfg,
	}))
}

func smsRequest() domain.FallbackRequest {
	return domain.FallbackRequest{
		ServiceName: "sms",
		Operation:   "send",
		Endpoint:    "/messages",
		Payload:     []byte(`{"to":"+15550100"}`),
		CacheKey:    "send:+15550100",
	}
}

func assertOutcomeConsistent(t *testing.T, result *domain.FallbackResult, err error) {
	t.Helper()
	require.NotNil(t, result)
	assert.Equal(t, err == nil, result.Success)
}

func TestStrategyRoundTripThroughStore(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `{}`))
	policy := domain.CachePolicy{MaxAge: time.Minute, StaleWhileRevalidate: 4 * time.Minute, Generator: GeneratorEmptyObject}
	f.register(t, domain.HybridConfig{
		Cache:         policy,
		ProviderChain: []string{"twilio", "vonage"},
		Degraded:      domain.DegradedProfile{EnabledFeatures: []string{"queue"}},
	})

	other := NewEngine(f.store, f.invoker, nil, DefaultEngineConfig(), logger.Discard())
	loaded, err := other.Strategy(context.Background(), "sms")
	require.NoError(t, err)
	assert.Equal(t, domain.FallbackHybridApproach, loaded.Type())
	assert.Equal(t, []string{"twilio", "vonage"}, loaded.ProviderChain())
	got, ok := loaded.CachePolicy()
	require.True(t, ok)
	assert.Equal(t, policy, got)
}

func TestRegisterAndUpdateValidation(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `{}`))
	ctx := context.Background()

	err := f.engine.RegisterStrategy(ctx, domain.FallbackStrategy{ServiceName: "sms"})
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeInvalidConfiguration))

	err = f.engine.UpdateStrategy(ctx, domain.FallbackStrategy{
		ServiceName: "maps",
		Config:      domain.DegradedConfig{},
	})
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeStrategyNotFound))

	f.register(t, domain.DegradedConfig{})
	require.NoError(t, f.engine.UpdateStrategy(ctx, domain.FallbackStrategy{
		ServiceName: "sms",
		Config:      domain.CircuitBreakerFallbackConfig{Message: "paused"},
	}))
	s, err := f.engine.Strategy(ctx, "sms")
	require.NoError(t, err)
	assert.Equal(t, domain.FallbackCircuitBreaker, s.Type())
	assert.Len(t, f.engine.Strategies(), 1)

	require.NoError(t, f.engine.RemoveStrategy(ctx, "sms"))
	_, err = f.engine.Strategy(ctx, "sms")
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeStrategyNotFound))
}

func TestExecuteWithoutStrategy(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `{}`))

	result, err := f.engine.Execute(context.Background(), smsRequest())
	assertOutcomeConsistent(t, result, err)
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeStrategyNotFound))
	assert.Equal(t, domain.DegradationSevere, result.Degradation)
}

func TestCacheOnlyFreshStaleAndGenerated(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `{}`))
	f.register(t, domain.CacheOnlyConfig{Cache: domain.CachePolicy{
		MaxAge:               time.Minute,
		StaleWhileRevalidate: 4 * time.Minute,
		Generator:            GeneratorPending,
	}})
	ctx := context.Background()
	req := smsRequest()

	require.NoError(t, f.engine.StoreResult(ctx, "sms", req.CacheKey, "twilio", []byte(`{"sid":"SM1"}`)))

	f.clock.Advance(30 * time.Second)
	result, err := f.engine.Execute(ctx, req)
	assertOutcomeConsistent(t, result, err)
	assert.True(t, result.FromCache)
	assert.False(t, result.Stale)
	assert.Equal(t, domain.DegradationNone, result.Degradation)
	assert.Equal(t, "twilio", result.Provider)
	assert.JSONEq(t, `{"sid":"SM1"}`, string(result.Data))

	f.clock.Advance(90 * time.Second)
	result, err = f.engine.Execute(ctx, req)
	assertOutcomeConsistent(t, result, err)
	assert.True(t, result.Stale)
	assert.Equal(t, domain.DegradationMinor, result.Degradation)

	f.clock.Advance(4 * time.Minute)
	result, err = f.engine.Execute(ctx, req)
	assertOutcomeConsistent(t, result, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, domain.DegradationModerate, result.Degradation)
	assert.JSONEq(t, `{"status":"pending","service":"sms","operation":"send"}`, string(result.Data))
	assert.Zero(t, f.invoker.Calls())
}

func TestCacheOnlyMissWithoutGenerator(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `{}`))
	f.register(t, domain.CacheOnlyConfig{Cache: domain.CachePolicy{MaxAge: time.Minute}})

	result, err := f.engine.Execute(context.Background(), smsRequest())
	assertOutcomeConsistent(t, result, err)
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeFallbackExhausted))
	assert.Equal(t, []domain.FallbackStrategyType{domain.FallbackCacheOnly}, result.AttemptedStrategies)
	assert.Equal(t, domain.ImpactHigh, result.Impact.OperationalImpact)
}

func TestCustomGenerator(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `{}`))
	f.engine.RegisterGenerator("quote", func(ctx context.Context, req domain.FallbackRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"price":0}`), nil
	})
	f.register(t, domain.CacheOnlyConfig{Cache: domain.CachePolicy{MaxAge: time.Minute, Generator: "quote"}})

	result, err := f.engine.Execute(context.Background(), smsRequest())
	assertOutcomeConsistent(t, result, err)
	assert.JSONEq(t, `{"price":0}`, string(result.Data))
	assert.Contains(t, f.engine.Generators(), "quote")
}

func TestAlternativeProviderMarksFailuresUnhealthy(t *testing.T) {
	f := createTestEngine(t, func(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
		if req.Headers["X-Provider"] == "twilio" {
			return &domain.TransportResponse{Status: 503}, nil
		}
		return &domain.TransportResponse{Status: 200, Body: []byte(`{"id":"v-1"}`)}, nil
	})
	f.nodes["twilio"] = domain.NewServiceEndpointNode("sms-twilio", "sms", "twilio", "https://api.twilio.example", 1)
	f.nodes["vonage"] = domain.NewServiceEndpointNode("sms-vonage", "sms", "vonage", "https://api.vonage.example/", 1)
	f.register(t, domain.AlternativeProviderConfig{ProviderChain: []string{"twilio", "vonage"}})
	ctx := context.Background()

	result, err := f.engine.Execute(ctx, smsRequest())
	assertOutcomeConsistent(t, result, err)
	assert.Equal(t, "vonage", result.Provider)
	assert.Equal(t, []string{"twilio", "vonage"}, result.AttemptedProviders)
	assert.Equal(t, domain.DegradationMinor, result.Degradation)
	assert.Equal(t, domain.ImpactLow, result.Impact.OperationalImpact)
	assert.InDelta(t, 100.0, result.Impact.RevenueImpact, 1e-9)

	requests := f.invoker.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "https://api.twilio.example/messages", requests[0].Endpoint)
	assert.Equal(t, "https://api.vonage.example/messages", requests[1].Endpoint)
	assert.Equal(t, "true", requests[1].Headers["X-Fallback"])

	marked, err := f.engine.ProviderMarkedUnhealthy(ctx, "sms", "twilio")
	require.NoError(t, err)
	assert.True(t, marked)
	marked, err = f.engine.ProviderMarkedUnhealthy(ctx, "otp", "twilio")
	require.NoError(t, err)
	assert.False(t, marked, "a mark only applies to the service whose fallback failed")
	require.Len(t, f.events.Events(domain.EventProviderUnhealthy), 1)

	// twilio is skipped while marked
	_, err = f.engine.Execute(ctx, smsRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, f.invoker.Calls())

	f.clock.Advance(301 * time.Second)
	_, err = f.engine.Execute(ctx, smsRequest())
	require.NoError(t, err)
	assert.Equal(t, 5, f.invoker.Calls())
}

type recordingSpend struct {
	mu      sync.Mutex
	charges map[string]float64
}

func (r *recordingSpend) RecordSpend(ctx context.Context, service string, amount float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.charges == nil {
		r.charges = make(map[string]float64)
	}
	r.charges[service] += amount
	return r.charges[service], nil
}

func TestAlternativeProviderIsCharged(t *testing.T) {
	f := createTestEngine(t, func(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
		if req.Headers["X-Provider"] == "twilio" {
			return &domain.TransportResponse{Status: 503}, nil
		}
		return &domain.TransportResponse{Status: 200, Body: []byte(`{"id":"v-1"}`)}, nil
	})
	spend := &recordingSpend{}
	f.engine = NewEngine(f.store, f.invoker, f.nodes, DefaultEngineConfig(), logger.Discard(),
		WithEngineClock(f.clock), WithSpendRecorder(spend))

	twilio := domain.NewServiceEndpointNode("sms-twilio", "sms", "twilio", "https://api.twilio.example", 1)
	twilio.CostPerCall = 0.05
	vonage := domain.NewServiceEndpointNode("sms-vonage", "sms", "vonage", "https://api.vonage.example", 1)
	vonage.CostPerCall = 0.02
	f.nodes["twilio"] = twilio
	f.nodes["vonage"] = vonage
	f.register(t, domain.AlternativeProviderConfig{ProviderChain: []string{"twilio", "vonage"}})

	result, err := f.engine.Execute(context.Background(), smsRequest())
	assertOutcomeConsistent(t, result, err)
	assert.Equal(t, "vonage", result.Provider)
	assert.InDelta(t, 0.02, spend.charges["sms"], 1e-9, "only the provider that served the call is charged")
}

func TestAlternativeProviderSkipsUnhealthyNodes(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `"ok"`))
	sick := domain.NewServiceEndpointNode("sms-twilio", "sms", "twilio", "https://api.twilio.example", 1)
	sick.SeedMetrics(100*time.Millisecond, 40, 10)
	f.nodes["twilio"] = sick
	f.register(t, domain.AlternativeProviderConfig{ProviderChain: []string{"twilio", "plivo"}})

	result, err := f.engine.Execute(context.Background(), smsRequest())
	assertOutcomeConsistent(t, result, err)
	assert.Equal(t, "plivo", result.Provider)
	assert.Equal(t, []string{"plivo"}, result.AttemptedProviders)
	assert.Equal(t, "/messages", f.invoker.Requests()[0].Endpoint)
}

func TestAlternativeProviderExhausted(t *testing.T) {
	f := createTestEngine(t, func(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
		return nil, errors.New("connection refused")
	})
	f.register(t, domain.AlternativeProviderConfig{ProviderChain: []string{"twilio", "vonage"}})

	result, err := f.engine.Execute(context.Background(), smsRequest())
	assertOutcomeConsistent(t, result, err)
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeFallbackExhausted))
	assert.Equal(t, domain.DegradationSevere, result.Degradation)
	assert.Equal(t, []string{"twilio", "vonage"}, result.AttemptedProviders)
	assert.Len(t, f.events.Events(domain.EventProviderUnhealthy), 2)
}

func TestDegradedFunctionality(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `{}`))
	f.register(t, domain.DegradedConfig{Profile: domain.DegradedProfile{
		EnabledFeatures:  []string{"queue"},
		DisabledFeatures: []string{"delivery_receipts"},
		UserMessage:      "Messages will be delivered later",
	}})

	result, err := f.engine.Execute(context.Background(), smsRequest())
	assertOutcomeConsistent(t, result, err)
	assert.Equal(t, domain.DegradationModerate, result.Degradation)
	assert.Equal(t, "Messages will be delivered later", result.Message)

	var payload degradedPayload
	require.NoError(t, json.Unmarshal(result.Data, &payload))
	assert.True(t, payload.Fallback)
	assert.Equal(t, []string{"queue"}, payload.EnabledFeatures)
	assert.InDelta(t, 300.0, result.Impact.RevenueImpact, 1e-9)
}

func TestManualOperationNeverSucceeds(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `{}`))
	f.register(t, domain.ManualOperationConfig{Profile: domain.ManualOperationProfile{
		NotificationChannels: []string{"pagerduty"},
		EscalationPath:       []string{"oncall", "cto"},
		Instructions:         "Send codes from the backup console",
	}})

	result, err := f.engine.Execute(context.Background(), smsRequest())
	assertOutcomeConsistent(t, result, err)
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeManualOperationRequired))
	assert.True(t, result.ManualMode)
	assert.Equal(t, "Send codes from the backup console", result.Instructions)
	assert.Equal(t, []string{"oncall", "cto"}, result.EscalationPath)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, []string{"pagerduty"}, f.notifier.sent[0].Channels)
}

func TestCircuitBreakerRefusal(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `{}`))
	f.register(t, domain.CircuitBreakerFallbackConfig{})

	result, err := f.engine.Execute(context.Background(), smsRequest())
	assertOutcomeConsistent(t, result, err)
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeProviderUnavailable))
	assert.Equal(t, defaultRefusalMessage, result.Message)
	assert.Zero(t, f.invoker.Calls())
}

func TestHybridOrdering(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(503, ``))
	f.register(t, domain.HybridConfig{
		Cache:         domain.CachePolicy{MaxAge: time.Minute, Generator: GeneratorEmptyList},
		ProviderChain: []string{"vonage"},
		Degraded:      domain.DegradedProfile{EnabledFeatures: []string{"queue"}},
	})
	ctx := context.Background()
	req := smsRequest()

	t.Run("cache hit stops the chain", func(t *testing.T) {
		require.NoError(t, f.engine.StoreResult(ctx, "sms", req.CacheKey, "twilio", []byte(`{"sid":"SM9"}`)))
		result, err := f.engine.Execute(ctx, req)
		assertOutcomeConsistent(t, result, err)
		assert.True(t, result.FromCache)
		assert.Equal(t, []domain.FallbackStrategyType{domain.FallbackCacheOnly}, result.AttemptedStrategies)
		assert.Zero(t, f.invoker.Calls())
		require.NoError(t, f.engine.Cache().Invalidate(ctx, "sms", req.CacheKey))
	})

	t.Run("degrades after providers fail", func(t *testing.T) {
		result, err := f.engine.Execute(ctx, req)
		assertOutcomeConsistent(t, result, err)
		assert.Equal(t, []domain.FallbackStrategyType{
			domain.FallbackCacheOnly,
			domain.FallbackAlternativeProvider,
			domain.FallbackDegradedFunctionality,
		}, result.AttemptedStrategies)
		assert.Equal(t, 1, f.invoker.Calls())

		var payload degradedPayload
		require.NoError(t, json.Unmarshal(result.Data, &payload))
		assert.JSONEq(t, `[]`, string(payload.Data))
	})
}

func TestExecutionIsPublishedAndAudited(t *testing.T) {
	f := createTestEngine(t, testutil.Respond(200, `{}`))
	f.register(t, domain.DegradedConfig{})

	_, err := f.engine.Execute(context.Background(), smsRequest())
	require.NoError(t, err)

	require.Len(t, f.events.Events(domain.EventFallbackExecuted), 1)
	records := f.audit.Records("fallback.executed")
	require.Len(t, records, 1)
	assert.Equal(t, "sms", records[0].Resource)

	stats := f.engine.GetStats()
	assert.Equal(t, int64(1), stats["executions"])
	assert.Equal(t, int64(1), stats["successes"])
}

func TestJoinEndpoint(t *testing.T) {
	assert.Equal(t, "https://a.example/v1/send", JoinEndpoint("https://a.example/", "/v1/send"))
	assert.Equal(t, "https://b.example/x", JoinEndpoint("https://a.example", "https://b.example/x"))
	assert.Equal(t, "/send", JoinEndpoint("", "/send"))
	assert.Equal(t, "https://a.example", JoinEndpoint("https://a.example", ""))
}
