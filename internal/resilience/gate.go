package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/internal/health"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxJitter      = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultAttemptTimeout = 30 * time.Second
	defaultMethod         = "POST"
)

// GateConfig holds the retry policy shared by every service
type GateConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxJitter      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultGateConfig returns the default retry policy
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxAttempts:    defaultMaxAttempts,
		BaseDelay:      defaultBaseDelay,
		MaxJitter:      defaultMaxJitter,
		MaxDelay:       defaultMaxDelay,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

// CallOptions tunes a single gate call
type CallOptions struct {
	Method   string
	Endpoint string
	Headers  map[string]string
	// Timeout bounds each attempt; zero uses the gate default
	Timeout     time.Duration
	MaxAttempts int
	// NodeID, when set, receives the passive outcome of every attempt
	NodeID    string
	RequestID string
}

// CallResult is the successful outcome of a gate call
type CallResult struct {
	Status   int               `json:"status"`
	Body     []byte            `json:"body"`
	Headers  map[string]string `json:"headers,omitempty"`
	Attempts int               `json:"attempts"`
	Duration time.Duration     `json:"duration"`
	Probe    bool              `json:"probe"`
}

// CircuitGuard is the breaker consulted before every attempt
type CircuitGuard interface {
	Allow(ctx context.Context, service string) (*health.Permit, error)
	RecordSuccess(ctx context.Context, service string) error
	RecordFailure(ctx context.Context, service string) error
}

// OutcomeRecorder receives per-node attempt outcomes
type OutcomeRecorder interface {
	RecordCall(nodeID string, success bool, latency time.Duration)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Gate wraps outbound provider calls with the circuit breaker, rate limit,
// per-attempt timeout and retry with backoff
type Gate struct {
	invoker  domain.TransportInvoker
	breaker  CircuitGuard
	limiter  *FixedWindowLimiter
	config   GateConfig
	metrics  *Metrics
	recorder OutcomeRecorder
	logger   *logger.Logger
	clock    domain.Clock
	sleep    SleepFunc
	jitter   func(max time.Duration) time.Duration
}

// GateOption configures optional collaborators
type GateOption func(*Gate)

// WithOutcomeRecorder forwards attempt outcomes for calls carrying a NodeID
func WithOutcomeRecorder(recorder OutcomeRecorder) GateOption {
	return func(g *Gate) { g.recorder = recorder }
}

// WithGateClock replaces the wall clock
func WithGateClock(clock domain.Clock) GateOption {
	return func(g *Gate) { g.clock = clock }
}

// WithSleeper replaces the backoff sleep
func WithSleeper(sleep SleepFunc) GateOption {
	return func(g *Gate) { g.sleep = sleep }
}

// WithJitter replaces the random jitter source
func WithJitter(fn func(max time.Duration) time.Duration) GateOption {
	return func(g *Gate) { g.jitter = fn }
}

// WithMetrics shares a metrics collector between gates
func WithMetrics(m *Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a call gate
func NewGate(invoker domain.TransportInvoker, breaker CircuitGuard, limiter *FixedWindowLimiter, config GateConfig, log *logger.Logger, opts ...GateOption) *Gate {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.BaseDelay < 0 {
		config.BaseDelay = defaultBaseDelay
	}
	if config.MaxJitter < 0 {
		config.MaxJitter = 0
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaultMaxDelay
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaultAttemptTimeout
	}

	g := &Gate{
		invoker: invoker,
		breaker: breaker,
		limiter: limiter,
		config:  config,
		metrics: NewMetrics(),
		logger:  log.GateLogger(),
		clock:   domain.SystemClock{},
		sleep:   sleepContext,
		jitter:  randomJitter,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Metrics returns the gate's call metrics
func (g *Gate) Metrics() *Metrics {
	return g.metrics
}

// Config returns the retry policy
func (g *Gate) Config() GateConfig {
	return g.config
}

// Execute dispatches payload to service. Every attempt first passes the circuit
// breaker and the rate limit; retryable failures are retried with backoff up to
// the attempt budget, anything else fails immediately.
func (g *Gate) Execute(ctx context.Context, service, operation string, payload []byte, opts CallOptions) (*CallResult, error) {
	start := g.clock.Now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = g.config.MaxAttempts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.config.AttemptTimeout
	}

	log := g.logger.WithFields(map[string]interface{}{
		"service":    service,
		"operation":  operation,
		"request_id": opts.RequestID,
	})

	req := domain.TransportRequest{
		ServiceName: service,
		Method:      opts.Method,
		Endpoint:    opts.Endpoint,
		Payload:     payload,
		Headers:     make(map[string]string, len(opts.Headers)+1),
		Timeout:     timeout,
	}
	if req.Method == "" {
		req.Method = defaultMethod
	}
	if req.Endpoint == "" {
		req.Endpoint = operation
	}
	for k, v := range opts.Headers {
		req.Headers[k] = v
	}
	if operation != "" {
		req.Headers["X-Operation"] = operation
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		permit, err := g.admit(ctx, service, log)
		if err != nil {
			if rerrors.HasCode(err, rerrors.ErrCodeCircuitOpen) {
				g.metrics.RecordCircuitRejection(service)
			} else if rerrors.HasCode(err, rerrors.ErrCodeRateLimitExceeded) {
				g.metrics.RecordRateLimited(service)
			}
			if attempts > 0 {
				g.metrics.RecordCall(service, attempts, false, g.clock.Now().Sub(start))
			}
			return nil, annotate(err, attempts)
		}

		attempts++
		attemptStart := g.clock.Now()
		resp, callErr := g.dispatch(ctx, req, timeout)
		latency := g.clock.Now().Sub(attemptStart)

		outcome := classify(service, timeout, resp, callErr)
		switch outcome.kind {
		case outcomeSuccess, outcomeRejected:
			g.recordBreaker(ctx, service, true, log)
		case outcomeRetryable:
			g.recordBreaker(ctx, service, false, log)
		}
		if opts.NodeID != "" && g.recorder != nil && outcome.kind != outcomeCancelled {
			g.recorder.RecordCall(opts.NodeID, outcome.kind != outcomeRetryable, latency)
		}

		if outcome.kind == outcomeSuccess {
			duration := g.clock.Now().Sub(start)
			g.metrics.RecordCall(service, attempts, true, duration)
			log.WithFields(map[string]interface{}{
				"status":   resp.Status,
				"attempts": attempts,
				"duration": duration,
			}).Debug("Provider call succeeded")
			return &CallResult{
				Status:   resp.Status,
				Body:     resp.Body,
				Headers:  resp.Headers,
				Attempts: attempts,
				Duration: duration,
				Probe:    permit.Probe,
			}, nil
		}

		lastErr = outcome.err
		if outcome.kind != outcomeRetryable || permit.Probe {
			break
		}
		if attempt == maxAttempts {
			break
		}

		delay := g.backoff(attempt)
		log.WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay,
			"error":   lastErr.Error(),
		}).Debug("Retrying provider call")
		if err := g.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	g.metrics.RecordCall(service, attempts, false, g.clock.Now().Sub(start))
	log.WithError(lastErr).WithField("attempts", attempts).Warn("Provider call failed")
	return nil, annotate(lastErr, attempts)
}

// admit runs the breaker and rate limit checks; store failures fail open
func (g *Gate) admit(ctx context.Context, service string, log *logger.Logger) (*health.Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	permit, err := g.breaker.Allow(ctx, service)
	if err != nil {
		if rerrors.HasCode(err, rerrors.ErrCodeCircuitOpen) {
			return nil, err
		}
		log.WithError(err).Warn("Circuit breaker unavailable, admitting call")
		permit = &health.Permit{ServiceName: service, State: domain.CircuitClosed}
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(ctx, service); err != nil {
			if rerrors.HasCode(err, rerrors.ErrCodeRateLimitExceeded) {
				return nil, err
			}
			log.WithError(err).Warn("Rate limiter unavailable, admitting call")
		}
	}
	return permit, nil
}

func (g *Gate) dispatch(ctx context.Context, req domain.TransportRequest, timeout time.Duration) (*domain.TransportResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := g.invoker.Invoke(attemptCtx, req)
	if err == nil && resp == nil {
		err = errors.New("transport returned no response")
	}
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, context.DeadlineExceeded
	}
	return resp, err
}

func (g *Gate) recordBreaker(ctx context.Context, service string, success bool, log *logger.Logger) {
	var err error
	if success {
		err = g.breaker.RecordSuccess(ctx, service)
	} else {
		err = g.breaker.RecordFailure(ctx, service)
	}
	if err != nil {
		log.WithError(err).Warn("Failed to record circuit breaker outcome")
	}
}

func (g *Gate) backoff(attempt int) time.Duration {
	delay := BackoffDelay(attempt, g.config.BaseDelay, g.jitter(g.config.MaxJitter))
	if delay > g.config.MaxDelay {
		delay = g.config.MaxDelay
	}
	return delay
}

// BackoffDelay returns base*2^(attempt-1) plus jitter
func BackoffDelay(attempt int, base, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return base*time.Duration(1<<(attempt-1)) + jitter
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomeRejected
	outcomeCancelled
)

type attemptOutcome struct {
	kind outcomeKind
	err  error
}

// classify maps a transport result onto the retry policy. Provider responses
// outside the retryable set mean the provider is up, so they count as breaker successes.
func classify(service string, timeout time.Duration, resp *domain.TransportResponse, err error) attemptOutcome {
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return attemptOutcome{kind: outcomeCancelled, err: err}
		case errors.Is(err, context.DeadlineExceeded):
			return attemptOutcome{kind: outcomeRetryable, err: rerrors.NewTimeoutError(service, timeout, err)}
		default:
			return attemptOutcome{kind: outcomeRetryable, err: rerrors.NewTransientNetworkError(service, err)}
		}
	}
	if resp.Status < 400 {
		return attemptOutcome{kind: outcomeSuccess}
	}
	if IsRetryableStatus(resp.Status) {
		return attemptOutcome{kind: outcomeRetryable, err: rerrors.NewRetryableStatusError(service, resp.Status)}
	}
	return attemptOutcome{kind: outcomeRejected, err: rerrors.NewProviderRequestError(service, resp.Status)}
}

// IsRetryableStatus reports whether a provider status may succeed on retry
func IsRetryableStatus(status int) bool {
	switch status {
	case 408, 429:
		return true
	}
	return status >= 500 && status <= 599
}

func annotate(err error, attempts int) error {
	var re *rerrors.ResilienceError
	if errors.As(err, &re) {
		return re.WithMetadata("attempts", attempts)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// ExecuteJSON marshals payload, executes it through gate and decodes a successful body into T
func ExecuteJSON[T any](ctx context.Context, gate *Gate, service, operation string, payload any, opts CallOptions) (T, *CallResult, error) {
	var out T
	body, err := json.Marshal(payload)
	if err != nil {
		return out, nil, fmt.Errorf("encode %s payload: %w", service, err)
	}
	if opts.Headers == nil {
		opts.Headers = map[string]string{}
	}
	if _, ok := opts.Headers["Content-Type"]; !ok {
		opts.Headers["Content-Type"] = "application/json"
	}

	result, err := gate.Execute(ctx, service, operation, body, opts)
	if err != nil {
		return out, nil, err
	}
	if len(result.Body) == 0 {
		return out, result, nil
	}
	if err := json.Unmarshal(result.Body, &out); err != nil {
		return out, result, fmt.Errorf("decode %s response: %w", service, err)
	}
	return out, result, nil
}
