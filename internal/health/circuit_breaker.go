package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 60 * time.Second
	defaultProbeLease       = 30 * time.Second
)

// CircuitBreakerConfig holds breaker thresholds shared by every service
type CircuitBreakerConfig struct {
	FailureThreshold int64
	Cooldown         time.Duration
	// ProbeLease bounds how long a HALF_OPEN probe may hold the probe slot
	ProbeLease time.Duration
}

// DefaultCircuitBreakerConfig returns the default thresholds
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: defaultFailureThreshold,
		Cooldown:         defaultCooldown,
		ProbeLease:       defaultProbeLease,
	}
}

// Permit is returned by Allow when a call may proceed
type Permit struct {
	ServiceName string
	State       domain.CircuitState
	Probe       bool
}

// TransitionListener observes breaker state changes
type TransitionListener func(serviceName string, from, to domain.CircuitState)

// CircuitBreaker implements a per-service breaker whose state lives in the shared store,
// so every process sharing the store sees the same breaker.
type CircuitBreaker struct {
	store  domain.StateStore
	config CircuitBreakerConfig
	logger *logger.Logger
	clock  domain.Clock
	events domain.EventPublisher
	audit  domain.AuditSink

	mu        sync.RWMutex
	listeners []TransitionListener
}

// BreakerOption configures optional collaborators
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces the wall clock
func WithBreakerClock(clock domain.Clock) BreakerOption {
	return func(cb *CircuitBreaker) { cb.clock = clock }
}

// WithBreakerEvents publishes state transitions
func WithBreakerEvents(events domain.EventPublisher) BreakerOption {
	return func(cb *CircuitBreaker) { cb.events = events }
}

// WithBreakerAudit records state transitions
func WithBreakerAudit(audit domain.AuditSink) BreakerOption {
	return func(cb *CircuitBreaker) { cb.audit = audit }
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(store domain.StateStore, config CircuitBreakerConfig, log *logger.Logger, opts ...BreakerOption) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaultCooldown
	}
	if config.ProbeLease <= 0 {
		config.ProbeLease = defaultProbeLease
	}
	cb := &CircuitBreaker{
		store:  store,
		config: config,
		logger: log.CircuitBreakerLogger(),
		clock:  domain.SystemClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// OnTransition registers a listener called after every state change made by this process
func (cb *CircuitBreaker) OnTransition(fn TransitionListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// Config returns the breaker thresholds
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	return cb.config
}

func stateKey(service string) string    { return "circuit:" + service }
func failuresKey(service string) string { return "circuit:" + service + ":failures" }
func probeKey(service string) string    { return "circuit:" + service + ":probe" }

func (cb *CircuitBreaker) load(ctx context.Context, service string) (domain.CircuitBreakerState, error) {
	raw, found, err := cb.store.Get(ctx, stateKey(service))
	if err != nil {
		return domain.CircuitBreakerState{}, err
	}
	if !found {
		return domain.CircuitBreakerState{ServiceName: service, State: domain.CircuitClosed}, nil
	}
	var st domain.CircuitBreakerState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.CircuitBreakerState{}, rerrors.NewStateStoreError("decode circuit", err)
	}
	if st.State == "" {
		st.State = domain.CircuitClosed
	}
	return st, nil
}

func (cb *CircuitBreaker) save(ctx context.Context, st domain.CircuitBreakerState) error {
	st.UpdatedAt = cb.clock.Now()
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return cb.store.Set(ctx, stateKey(st.ServiceName), raw, 0)
}

// Allow decides whether a call to service may be dispatched now.
// OPEN fails fast until NextRetryTime; after it the first caller becomes the
// single HALF_OPEN probe and everyone else keeps failing fast.
func (cb *CircuitBreaker) Allow(ctx context.Context, service string) (*Permit, error) {
	st, err := cb.load(ctx, service)
	if err != nil {
		return nil, err
	}

	now := cb.clock.Now()
	switch st.State {
	case domain.CircuitClosed:
		return &Permit{ServiceName: service, State: domain.CircuitClosed}, nil

	case domain.CircuitOpen:
		if now.Before(st.NextRetryTime) {
			return nil, rerrors.NewCircuitOpenError(service, st.NextRetryTime)
		}
		acquired, err := cb.store.SetNX(ctx, probeKey(service), []byte(now.Format(time.RFC3339Nano)), cb.config.ProbeLease)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, rerrors.NewCircuitOpenError(service, st.NextRetryTime)
		}
		from := st.State
		st.State = domain.CircuitHalfOpen
		if err := cb.save(ctx, st); err != nil {
			return nil, err
		}
		cb.transitioned(ctx, st, from)
		return &Permit{ServiceName: service, State: domain.CircuitHalfOpen, Probe: true}, nil

	case domain.CircuitHalfOpen:
		// A probe whose lease expired without reporting frees the slot for the next caller.
		acquired, err := cb.store.SetNX(ctx, probeKey(service), []byte(now.Format(time.RFC3339Nano)), cb.config.ProbeLease)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, rerrors.NewCircuitOpenError(service, st.NextRetryTime)
		}
		return &Permit{ServiceName: service, State: domain.CircuitHalfOpen, Probe: true}, nil
	}

	return nil, fmt.Errorf("circuit for %s has unknown state %q", service, st.State)
}

// RecordSuccess resets the failure count and closes a HALF_OPEN breaker
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, service string) error {
	if err := cb.store.Delete(ctx, failuresKey(service)); err != nil {
		return err
	}

	st, err := cb.load(ctx, service)
	if err != nil {
		return err
	}
	if st.State == domain.CircuitClosed {
		if st.FailureCount != 0 {
			st.FailureCount = 0
			return cb.save(ctx, st)
		}
		return nil
	}

	from := st.State
	st.State = domain.CircuitClosed
	st.FailureCount = 0
	st.NextRetryTime = time.Time{}
	if err := cb.save(ctx, st); err != nil {
		return err
	}
	if err := cb.store.Delete(ctx, probeKey(service)); err != nil {
		return err
	}
	cb.transitioned(ctx, st, from)
	return nil
}

// RecordFailure counts a provider-side failure and opens the breaker at the threshold
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, service string) error {
	count, err := cb.store.Incr(ctx, failuresKey(service), 1)
	if err != nil {
		return err
	}

	st, err := cb.load(ctx, service)
	if err != nil {
		return err
	}

	now := cb.clock.Now()
	from := st.State
	st.FailureCount = count
	st.LastFailureTime = now

	switch st.State {
	case domain.CircuitClosed:
		if count < cb.config.FailureThreshold {
			return cb.save(ctx, st)
		}
		st.State = domain.CircuitOpen
		st.NextRetryTime = now.Add(cb.config.Cooldown)

	case domain.CircuitHalfOpen:
		st.State = domain.CircuitOpen
		st.NextRetryTime = now.Add(cb.config.Cooldown)
		if err := cb.store.Delete(ctx, probeKey(service)); err != nil {
			return err
		}

	case domain.CircuitOpen:
		// Late failures from calls dispatched before the breaker opened do not extend the cooldown.
		return cb.save(ctx, st)
	}

	if err := cb.save(ctx, st); err != nil {
		return err
	}
	cb.transitioned(ctx, st, from)
	return nil
}

// State returns the breaker record of service with the live failure count
func (cb *CircuitBreaker) State(ctx context.Context, service string) (domain.CircuitBreakerState, error) {
	st, err := cb.load(ctx, service)
	if err != nil {
		return st, err
	}
	count, err := cb.store.Counter(ctx, failuresKey(service))
	if err != nil {
		return st, err
	}
	st.FailureCount = count
	return st, nil
}

// Reset forces the breaker of service back to CLOSED
func (cb *CircuitBreaker) Reset(ctx context.Context, service string) error {
	st, err := cb.load(ctx, service)
	if err != nil {
		return err
	}
	for _, key := range []string{stateKey(service), failuresKey(service), probeKey(service)} {
		if err := cb.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	if st.State != domain.CircuitClosed {
		from := st.State
		st.State = domain.CircuitClosed
		st.FailureCount = 0
		st.NextRetryTime = time.Time{}
		cb.transitioned(ctx, st, from)
	}
	cb.logger.WithField("service", service).Info("Circuit breaker reset to closed state")
	return nil
}

func (cb *CircuitBreaker) transitioned(ctx context.Context, st domain.CircuitBreakerState, from domain.CircuitState) {
	log := cb.logger.WithFields(map[string]interface{}{
		"service":       st.ServiceName,
		"from":          from,
		"to":            st.State,
		"failure_count": st.FailureCount,
	})
	if st.State == domain.CircuitOpen {
		log.WithField("next_retry_time", st.NextRetryTime).Warn("Circuit breaker opened")
	} else {
		log.Info("Circuit breaker state changed")
	}

	now := cb.clock.Now()
	if cb.events != nil {
		cb.events.Publish(domain.Event{
			Type:        domain.EventCircuitStateChanged,
			ServiceName: st.ServiceName,
			Payload:     st,
			Timestamp:   now,
		})
	}
	if cb.audit != nil {
		record := domain.AuditRecord{
			ID:       uuid.NewString(),
			Actor:    "circuit_breaker",
			Action:   "circuit.transition",
			Resource: st.ServiceName,
			Details: map[string]interface{}{
				"from":            string(from),
				"to":              string(st.State),
				"failure_count":   st.FailureCount,
				"next_retry_time": st.NextRetryTime,
			},
			Timestamp: now,
		}
		if err := cb.audit.Record(ctx, record); err != nil {
			log.WithError(err).Warn("Failed to record circuit transition audit")
		}
	}

	cb.mu.RLock()
	listeners := append([]TransitionListener(nil), cb.listeners...)
	cb.mu.RUnlock()
	for _, fn := range listeners {
		fn(st.ServiceName, from, st.State)
	}
}
