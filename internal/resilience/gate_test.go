package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/internal/health"
	"github.com/mir00r/provider-resilience/internal/repository"
	"github.com/mir00r/provider-resilience/internal/testutil"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

type gateFixture struct {
	gate    *Gate
	invoker *testutil.StubInvoker
	breaker *health.CircuitBreaker
	limiter *FixedWindowLimiter
	clock   *testutil.FakeClock
	delays  []time.Duration
}

type nodeOutcome struct {
	nodeID  string
	success bool
}

type recordingOutcomes struct {
	mu       sync.Mutex
	outcomes []nodeOutcome
}

func (r *recordingOutcomes) RecordCall(nodeID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, nodeOutcome{nodeID: nodeID, success: success})
}

func createTestGate(t *testing.T, fn testutil.InvokeFunc, opts ...GateOption) *gateFixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	store := repository.NewInMemoryStateStoreWithClock(clock)
	log := logger.Discard()

	f := &gateFixture{
		invoker: testutil.NewStubInvoker(fn),
		clock:   clock,
	}
	f.breaker = health.NewCircuitBreaker(store, health.CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	}, log, health.WithBreakerClock(clock))
	f.limiter = NewFixedWindowLimiter(store, RateLimit{}, clock, log)

	base := []GateOption{
		WithGateClock(clock),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			f.delays = append(f.delays, d)
			clock.Advance(d)
			return nil
		}),
	}
	f.gate = NewGate(f.invoker, f.breaker, f.limiter, GateConfig{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		AttemptTimeout: time.Second,
	}, log, append(base, opts...)...)
	return f
}

func TestGateReturnsFirstSuccess(t *testing.T) {
	f := createTestGate(t, testutil.Respond(200, `{"ok":true}`))

	result, err := f.gate.Execute(context.Background(), "payments", "/charges", []byte(`{}`), CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 200, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, `{"ok":true}`, string(result.Body))

	reqs := f.invoker.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "POST", reqs[0].Method)
	assert.Equal(t, "/charges", reqs[0].Endpoint)
	assert.Equal(t, "/charges", reqs[0].Headers["X-Operation"])
	assert.Equal(t, time.Second, reqs[0].Timeout)
}

func TestGateRetriesRetryableStatusWithBackoff(t *testing.T) {
	f := createTestGate(t, testutil.Sequence(
		testutil.Respond(503, "busy"),
		testutil.Respond(502, "bad gateway"),
		testutil.Respond(200, "ok"),
	))

	result, err := f.gate.Execute(context.Background(), "sms", "send", nil, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.delays)

	st, err := f.breaker.State(context.Background(), "sms")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, st.State)
	assert.Equal(t, int64(0), st.FailureCount)

	stats, ok := f.gate.Metrics().ServiceStats("sms")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Calls)
	assert.Equal(t, int64(2), stats.Retries)
}

func TestGateFailsImmediatelyOnNonRetryableStatus(t *testing.T) {
	f := createTestGate(t, testutil.Respond(422, "invalid card"))

	_, err := f.gate.Execute(context.Background(), "payments", "charge", nil, CallOptions{})
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeProviderRequestFailed, rerrors.GetErrorCode(err))
	assert.False(t, rerrors.IsRetryable(err))
	assert.Equal(t, 1, f.invoker.Calls())
	assert.Empty(t, f.delays)

	st, err := f.breaker.State(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.FailureCount)
}

func TestGateRetriesTransportErrorsUntilBudgetExhausted(t *testing.T) {
	f := createTestGate(t, func(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
		return nil, errors.New("connection reset by peer")
	})

	_, err := f.gate.Execute(context.Background(), "telemetry", "push", nil, CallOptions{})
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeTransientNetwork, rerrors.GetErrorCode(err))
	assert.Equal(t, 3, f.invoker.Calls())

	var re *rerrors.ResilienceError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 3, re.Metadata["attempts"])
}

func TestGateOpensCircuitAndProbesAfterCooldown(t *testing.T) {
	ctx := context.Background()
	healthy := false
	f := createTestGate(t, func(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
		if healthy {
			return &domain.TransportResponse{Status: 200}, nil
		}
		return &domain.TransportResponse{Status: 500}, nil
	})

	_, err := f.gate.Execute(ctx, "maps", "geocode", nil, CallOptions{})
	require.Error(t, err)
	assert.Equal(t, 3, f.invoker.Calls())

	// The fifth failure opens the breaker, so the third attempt of this call is rejected.
	_, err = f.gate.Execute(ctx, "maps", "geocode", nil, CallOptions{})
	require.Error(t, err)
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeCircuitOpen))
	assert.Equal(t, 5, f.invoker.Calls())

	_, err = f.gate.Execute(ctx, "maps", "geocode", nil, CallOptions{})
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeCircuitOpen))
	assert.Equal(t, 5, f.invoker.Calls())

	f.clock.Advance(time.Minute)
	healthy = true
	result, err := f.gate.Execute(ctx, "maps", "geocode", nil, CallOptions{})
	require.NoError(t, err)
	assert.True(t, result.Probe)

	st, err := f.breaker.State(ctx, "maps")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, st.State)

	stats, ok := f.gate.Metrics().ServiceStats("maps")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.CircuitOpen)
}

func TestGateFailedProbeDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	f := createTestGate(t, testutil.Respond(503, "down"))

	for i := 0; i < 5; i++ {
		require.NoError(t, f.breaker.RecordFailure(ctx, "crm"))
	}
	f.clock.Advance(time.Minute)

	_, err := f.gate.Execute(ctx, "crm", "sync", nil, CallOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, f.invoker.Calls())

	st, err := f.breaker.State(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, st.State)
	assert.Equal(t, f.clock.Now().Add(time.Minute), st.NextRetryTime)
}

func TestGateRateLimitFailsFastPerWindow(t *testing.T) {
	ctx := context.Background()
	f := createTestGate(t, testutil.Respond(200, "ok"))
	f.limiter.SetLimit("sms", RateLimit{Requests: 2, Window: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := f.gate.Execute(ctx, "sms", "send", nil, CallOptions{})
		require.NoError(t, err)
	}

	_, err := f.gate.Execute(ctx, "sms", "send", nil, CallOptions{})
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeRateLimitExceeded, rerrors.GetErrorCode(err))
	assert.Equal(t, 2, f.invoker.Calls())

	_, err = f.gate.Execute(ctx, "payments", "charge", nil, CallOptions{})
	assert.NoError(t, err, "limits are per service")

	f.clock.Advance(time.Minute)
	_, err = f.gate.Execute(ctx, "sms", "send", nil, CallOptions{})
	assert.NoError(t, err)

	stats, ok := f.gate.Metrics().ServiceStats("sms")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.RateLimited)
}

func TestGateAttemptTimeout(t *testing.T) {
	f := createTestGate(t, func(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := f.gate.Execute(context.Background(), "slow", "op", nil, CallOptions{Timeout: 5 * time.Millisecond, MaxAttempts: 2})
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeRequestTimeout, rerrors.GetErrorCode(err))
	assert.Equal(t, 2, f.invoker.Calls())
}

func TestGateCallerCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := createTestGate(t, func(c context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
		cancel()
		return nil, errors.New("aborted")
	})

	_, err := f.gate.Execute(ctx, "payments", "charge", nil, CallOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.invoker.Calls())

	st, err := f.breaker.State(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.FailureCount)
}

func TestGateForwardsNodeOutcomes(t *testing.T) {
	recorder := &recordingOutcomes{}
	f := createTestGate(t, testutil.Sequence(
		testutil.Respond(500, "oops"),
		testutil.Respond(200, "ok"),
	), WithOutcomeRecorder(recorder))

	_, err := f.gate.Execute(context.Background(), "payments", "charge", nil, CallOptions{NodeID: "stripe-us"})
	require.NoError(t, err)
	assert.Equal(t, []nodeOutcome{
		{nodeID: "stripe-us", success: false},
		{nodeID: "stripe-us", success: true},
	}, recorder.outcomes)
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, BackoffDelay(1, base, 0))
	assert.Equal(t, 200*time.Millisecond, BackoffDelay(2, base, 0))
	assert.Equal(t, 400*time.Millisecond+250*time.Millisecond, BackoffDelay(3, base, 250*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, BackoffDelay(0, base, 0))
}

func TestIsRetryableStatus(t *testing.T) {
	for _, status := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsRetryableStatus(status), status)
	}
	for _, status := range []int{200, 400, 401, 404, 422} {
		assert.False(t, IsRetryableStatus(status), status)
	}
}

func TestExecuteJSONDecodesBody(t *testing.T) {
	type charge struct {
		ID     string `json:"id"`
		Amount int    `json:"amount"`
	}
	f := createTestGate(t, testutil.Respond(201, `{"id":"ch_1","amount":1200}`))

	out, result, err := ExecuteJSON[charge](context.Background(), f.gate, "payments", "/charges", map[string]int{"amount": 1200}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, charge{ID: "ch_1", Amount: 1200}, out)
	assert.Equal(t, 201, result.Status)

	reqs := f.invoker.Requests()
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"amount":1200}`, string(reqs[0].Payload))
	assert.Equal(t, "application/json", reqs[0].Headers["Content-Type"])
}
