package health

import (
	"context"
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

func createTestCircuitBreaker(t *testing.T, threshold int64, cooldown time.Duration) (*CircuitBreaker, *testutil.FakeClock, *testutil.RecordingPublisher, *testutil.RecordingAuditSink) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	store := repository.NewInMemoryStateStoreWithClock(clock)
	events := &testutil.RecordingPublisher{}
	audit := &testutil.RecordingAuditSink{}
	cb := NewCircuitBreaker(store, CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
	}, logger.Discard(), WithBreakerClock(clock), WithBreakerEvents(events), WithBreakerAudit(audit))
	return cb, clock, events, audit
}

func TestCircuitBreakerOpensAfterExactlyThresholdFailures(t *testing.T) {
	ctx := context.Background()
	cb, _, events, audit := createTestCircuitBreaker(t, 5, time.Minute)

	for i := 0; i < 4; i++ {
		require.NoError(t, cb.RecordFailure(ctx, "payments"))
		st, err := cb.State(ctx, "payments")
		require.NoError(t, err)
		assert.Equal(t, domain.CircuitClosed, st.State, "failure %d", i+1)
	}

	require.NoError(t, cb.RecordFailure(ctx, "payments"))
	st, err := cb.State(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, st.State)
	assert.Equal(t, int64(5), st.FailureCount)

	_, err = cb.Allow(ctx, "payments")
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeCircuitOpen))

	require.Len(t, events.Events(domain.EventCircuitStateChanged), 1)
	require.Len(t, audit.Records("circuit.transition"), 1)
}

func TestCircuitBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	cb, _, _, _ := createTestCircuitBreaker(t, 3, time.Minute)

	require.NoError(t, cb.RecordFailure(ctx, "sms"))
	require.NoError(t, cb.RecordFailure(ctx, "sms"))
	require.NoError(t, cb.RecordSuccess(ctx, "sms"))
	require.NoError(t, cb.RecordFailure(ctx, "sms"))
	require.NoError(t, cb.RecordFailure(ctx, "sms"))

	st, err := cb.State(ctx, "sms")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, st.State)
	assert.Equal(t, int64(2), st.FailureCount)
}

func TestCircuitBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	ctx := context.Background()
	cb, clock, _, _ := createTestCircuitBreaker(t, 2, 30*time.Second)

	require.NoError(t, cb.RecordFailure(ctx, "maps"))
	require.NoError(t, cb.RecordFailure(ctx, "maps"))

	clock.Advance(30 * time.Second)
	permit, err := cb.Allow(ctx, "maps")
	require.NoError(t, err)
	assert.True(t, permit.Probe)
	assert.Equal(t, domain.CircuitHalfOpen, permit.State)

	// Only one probe is allowed while HALF_OPEN
	_, err = cb.Allow(ctx, "maps")
	assert.True(t, rerrors.HasCode(err, rerrors.ErrCodeCircuitOpen))

	require.NoError(t, cb.RecordSuccess(ctx, "maps"))
	st, err := cb.State(ctx, "maps")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, st.State)
	assert.Equal(t, int64(0), st.FailureCount)

	permit, err = cb.Allow(ctx, "maps")
	require.NoError(t, err)
	assert.False(t, permit.Probe)
}

func TestCircuitBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb, clock, _, _ := createTestCircuitBreaker(t, 1, 10*time.Second)

	require.NoError(t, cb.RecordFailure(ctx, "telemetry"))
	first, err := cb.State(ctx, "telemetry")
	require.NoError(t, err)

	clock.Advance(15 * time.Second)
	_, err = cb.Allow(ctx, "telemetry")
	require.NoError(t, err)

	require.NoError(t, cb.RecordFailure(ctx, "telemetry"))
	reopened, err := cb.State(ctx, "telemetry")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, reopened.State)
	assert.True(t, reopened.NextRetryTime.After(first.NextRetryTime))
	assert.Equal(t, clock.Now().Add(10*time.Second), reopened.NextRetryTime)
}

func TestCircuitBreakerTransitionListenerAndReset(t *testing.T) {
	ctx := context.Background()
	cb, _, _, _ := createTestCircuitBreaker(t, 1, time.Minute)

	var seen []domain.CircuitState
	cb.OnTransition(func(service string, from, to domain.CircuitState) {
		seen = append(seen, to)
	})

	require.NoError(t, cb.RecordFailure(ctx, "sync"))
	require.NoError(t, cb.Reset(ctx, "sync"))

	assert.Equal(t, []domain.CircuitState{domain.CircuitOpen, domain.CircuitClosed}, seen)
	st, err := cb.State(ctx, "sync")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, st.State)
}
