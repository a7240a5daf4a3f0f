package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const (
	defaultUnhealthyCooldown = 300 * time.Second
	defaultAttemptTimeout    = 10 * time.Second
	defaultCacheTTL          = 10 * time.Minute
	defaultMinProviderHealth = 20.0
)

// EngineConfig holds the fallback engine settings
type EngineConfig struct {
	// UnhealthyCooldown is how long a provider that failed during a fallback stays skipped
	UnhealthyCooldown time.Duration
	AttemptTimeout    time.Duration
	DefaultCacheTTL   time.Duration
	// MinProviderHealth skips registry nodes whose health score is below it
	MinProviderHealth float64
}

// DefaultEngineConfig returns the default engine settings
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		UnhealthyCooldown: defaultUnhealthyCooldown,
		AttemptTimeout:    defaultAttemptTimeout,
		DefaultCacheTTL:   defaultCacheTTL,
		MinProviderHealth: defaultMinProviderHealth,
	}
}

// ProviderResolver maps a provider name to the registry node serving a service
type ProviderResolver interface {
	NodeForProvider(service, provider string) (*domain.ServiceEndpointNode, bool)
}

// SpendRecorder charges the cost of a completed provider call, normally the budget governor
type SpendRecorder interface {
	RecordSpend(ctx context.Context, service string, amount float64) (float64, error)
}

// Engine executes the fallback strategy registered for a service
type Engine struct {
	store      domain.StateStore
	invoker    domain.TransportInvoker
	nodes      ProviderResolver
	config     EngineConfig
	logger     *logger.Logger
	clock      domain.Clock
	notifier   domain.Notifier
	events     domain.EventPublisher
	audit      domain.AuditSink
	spend      SpendRecorder
	cache      *ResultCache
	generators *generatorSet

	mu         sync.RWMutex
	strategies map[string]*domain.FallbackStrategy

	executions      int64
	successes       int64
	cacheHits       int64
	markedUnhealthy int64
	statsMu         sync.Mutex
	byType          map[domain.FallbackStrategyType]int64
}

// EngineOption configures optional collaborators
type EngineOption func(*Engine)

// WithEngineClock replaces the wall clock
func WithEngineClock(clock domain.Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithNotifier sets the manual-operation notifier
func WithNotifier(n domain.Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithEngineEvents publishes fallback executions
func WithEngineEvents(events domain.EventPublisher) EngineOption {
	return func(e *Engine) { e.events = events }
}

// WithEngineAudit records fallback executions
func WithEngineAudit(audit domain.AuditSink) EngineOption {
	return func(e *Engine) { e.audit = audit }
}

// WithSpendRecorder charges successful alternative provider calls
func WithSpendRecorder(spend SpendRecorder) EngineOption {
	return func(e *Engine) { e.spend = spend }
}

// NewEngine creates a fallback engine. nodes may be nil, in which case
// alternative providers are called on the request endpoint directly.
func NewEngine(store domain.StateStore, invoker domain.TransportInvoker, nodes ProviderResolver, config EngineConfig, log *logger.Logger, opts ...EngineOption) *Engine {
	if config.UnhealthyCooldown <= 0 {
		config.UnhealthyCooldown = defaultUnhealthyCooldown
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaultAttemptTimeout
	}
	if config.DefaultCacheTTL <= 0 {
		config.DefaultCacheTTL = defaultCacheTTL
	}
	e := &Engine{
		store:      store,
		invoker:    invoker,
		nodes:      nodes,
		config:     config,
		logger:     log.FallbackLogger(),
		clock:      domain.SystemClock{},
		generators: newGeneratorSet(),
		strategies: make(map[string]*domain.FallbackStrategy),
		byType:     make(map[domain.FallbackStrategyType]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cache = NewResultCache(store, e.clock, config.DefaultCacheTTL)
	return e
}

func strategyKey(service string) string { return "fallback:strategy:" + service }

func unhealthyKey(service, provider string) string {
	return "fallback:unhealthy:" + service + ":" + provider
}

// RegisterStrategy validates and persists the strategy of a service, replacing any previous one
func (e *Engine) RegisterStrategy(ctx context.Context, strategy domain.FallbackStrategy) error {
	if err := strategy.Validate(); err != nil {
		return rerrors.NewInvalidConfigurationError("fallback_engine", err.Error())
	}
	raw, err := json.Marshal(strategy)
	if err != nil {
		return rerrors.NewInvalidConfigurationError("fallback_engine", err.Error())
	}
	if err := e.store.Set(ctx, strategyKey(strategy.ServiceName), raw, 0); err != nil {
		return rerrors.NewStateStoreError("save fallback strategy", err)
	}

	e.mu.Lock()
	e.strategies[strategy.ServiceName] = &strategy
	e.mu.Unlock()

	e.logger.WithFields(map[string]interface{}{
		"service":  strategy.ServiceName,
		"strategy": strategy.Type(),
		"priority": strategy.Priority,
	}).Info("Fallback strategy registered")
	return nil
}

// UpdateStrategy replaces the strategy of a service that already has one
func (e *Engine) UpdateStrategy(ctx context.Context, strategy domain.FallbackStrategy) error {
	if _, err := e.Strategy(ctx, strategy.ServiceName); err != nil {
		return err
	}
	return e.RegisterStrategy(ctx, strategy)
}

// RemoveStrategy drops the strategy of a service
func (e *Engine) RemoveStrategy(ctx context.Context, service string) error {
	if err := e.store.Delete(ctx, strategyKey(service)); err != nil {
		return rerrors.NewStateStoreError("delete fallback strategy", err)
	}
	e.mu.Lock()
	delete(e.strategies, service)
	e.mu.Unlock()
	return nil
}

// Strategy returns the strategy of service, loading it from the store when
// another process registered it.
func (e *Engine) Strategy(ctx context.Context, service string) (*domain.FallbackStrategy, error) {
	e.mu.RLock()
	s, ok := e.strategies[service]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}
	return e.Reload(ctx, service)
}

// Reload replaces the cached strategy of service with the stored one
func (e *Engine) Reload(ctx context.Context, service string) (*domain.FallbackStrategy, error) {
	raw, found, err := e.store.Get(ctx, strategyKey(service))
	if err != nil {
		return nil, rerrors.NewStateStoreError("load fallback strategy", err)
	}
	if !found {
		return nil, rerrors.NewStrategyNotFoundError(service)
	}
	var s domain.FallbackStrategy
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, rerrors.NewStateStoreError("decode fallback strategy", err)
	}

	e.mu.Lock()
	e.strategies[service] = &s
	e.mu.Unlock()
	return &s, nil
}

// Strategies returns the strategies known to this process, by service name
func (e *Engine) Strategies() []domain.FallbackStrategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.FallbackStrategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out
}

// RegisterGenerator adds or replaces a named data generator
func (e *Engine) RegisterGenerator(name string, fn Generator) {
	e.generators.register(name, fn)
}

// Generators lists the registered generator names
func (e *Engine) Generators() []string {
	return e.generators.names()
}

// StoreResult caches a primary-path result for later CACHE_ONLY and HYBRID_APPROACH fallbacks
func (e *Engine) StoreResult(ctx context.Context, service, key, provider string, data []byte) error {
	var policy *domain.CachePolicy
	if s, err := e.Strategy(ctx, service); err == nil {
		if p, ok := s.CachePolicy(); ok {
			policy = &p
		}
	}
	return e.cache.Put(ctx, service, key, provider, data, policy)
}

// Cache exposes the result cache
func (e *Engine) Cache() *ResultCache {
	return e.cache
}

// Execute runs the fallback strategy of the request's service. The result is
// never nil; err is non-nil exactly when the result is not a success.
func (e *Engine) Execute(ctx context.Context, req domain.FallbackRequest) (*domain.FallbackResult, error) {
	start := e.clock.Now()
	result := &domain.FallbackResult{
		ServiceName: req.ServiceName,
		Timestamp:   start,
	}
	atomic.AddInt64(&e.executions, 1)

	strategy, err := e.Strategy(ctx, req.ServiceName)
	if err != nil {
		result.Degradation = domain.DegradationSevere
		result.Message = err.Error()
		result.Impact = assessImpact(nil, result)
		e.logger.WithError(err).WithField("service", req.ServiceName).Warn("No fallback strategy available")
		return result, err
	}
	result.Strategy = strategy.Type()

	var execErr error
	switch cfg := strategy.Config.(type) {
	case domain.CacheOnlyConfig:
		execErr = e.runCache(ctx, req, cfg.Cache, true, result)
	case domain.AlternativeProviderConfig:
		execErr = e.runAlternatives(ctx, req, cfg.ProviderChain, result)
	case domain.DegradedConfig:
		execErr = e.runDegraded(ctx, req, cfg.Profile, "", result)
	case domain.ManualOperationConfig:
		execErr = e.runManual(ctx, req, cfg.Profile, result)
	case domain.CircuitBreakerFallbackConfig:
		execErr = e.runRefusal(req, cfg.Message, result)
	case domain.HybridConfig:
		execErr = e.runHybrid(ctx, req, cfg, result)
	default:
		execErr = rerrors.NewInvalidConfigurationError("fallback_engine",
			fmt.Sprintf("unsupported fallback config %T", strategy.Config))
	}

	if !result.Success && result.Degradation == "" {
		result.Degradation = domain.DegradationSevere
	}
	result.Duration = e.clock.Now().Sub(start)
	result.Impact = assessImpact(strategy, result)

	if execErr == nil && !result.Success {
		execErr = fmt.Errorf("fallback for %s did not produce a result", req.ServiceName)
	}
	if execErr != nil {
		result.Success = false
		execErr = e.terminalError(req.ServiceName, result, execErr)
		if result.Message == "" {
			result.Message = execErr.Error()
		}
	}

	e.finish(ctx, strategy, result, execErr)
	return result, execErr
}

// terminalError keeps manual and refusal errors as they are and reports every other failure as exhausted
func (e *Engine) terminalError(service string, result *domain.FallbackResult, err error) error {
	switch result.Strategy {
	case domain.FallbackManualOperation, domain.FallbackCircuitBreaker:
		return err
	}
	if rerrors.HasCode(err, rerrors.ErrCodeInvalidConfiguration) {
		return err
	}
	attempted := make([]string, len(result.AttemptedStrategies))
	for i, s := range result.AttemptedStrategies {
		attempted[i] = string(s)
	}
	return rerrors.NewFallbackExhaustedError(service, attempted, err).
		WithMetadata("providers_attempted", result.AttemptedProviders)
}

func (e *Engine) finish(ctx context.Context, strategy *domain.FallbackStrategy, result *domain.FallbackResult, err error) {
	if result.Success {
		atomic.AddInt64(&e.successes, 1)
	}
	if result.FromCache {
		atomic.AddInt64(&e.cacheHits, 1)
	}
	e.statsMu.Lock()
	e.byType[result.Strategy]++
	e.statsMu.Unlock()

	log := e.logger.WithFields(map[string]interface{}{
		"service":     result.ServiceName,
		"strategy":    result.Strategy,
		"success":     result.Success,
		"provider":    result.Provider,
		"degradation": result.Degradation,
		"duration_ms": result.Duration.Milliseconds(),
	})
	if err != nil {
		log.WithError(err).Warn("Fallback execution failed")
	} else {
		log.Info("Fallback executed")
	}

	if e.events != nil {
		e.events.Publish(domain.Event{
			Type:        domain.EventFallbackExecuted,
			ServiceName: result.ServiceName,
			Payload:     result,
			Timestamp:   result.Timestamp,
		})
	}
	if e.audit != nil {
		details := map[string]interface{}{
			"strategy":             string(result.Strategy),
			"success":              result.Success,
			"provider":             result.Provider,
			"degradation":          string(result.Degradation),
			"attempted_strategies": result.AttemptedStrategies,
			"attempted_providers":  result.AttemptedProviders,
			"revenue_impact":       result.Impact.RevenueImpact,
			"priority":             strategy.Priority,
		}
		if err != nil {
			details["error"] = err.Error()
		}
		record := domain.AuditRecord{
			ID:        uuid.NewString(),
			Actor:     "fallback_engine",
			Action:    "fallback.executed",
			Resource:  result.ServiceName,
			Details:   details,
			Timestamp: result.Timestamp,
		}
		if auditErr := e.audit.Record(ctx, record); auditErr != nil {
			log.WithError(auditErr).Warn("Failed to record fallback audit")
		}
	}
}

// GetStats returns engine counters
func (e *Engine) GetStats() map[string]interface{} {
	e.statsMu.Lock()
	byType := make(map[string]int64, len(e.byType))
	for t, n := range e.byType {
		byType[string(t)] = n
	}
	e.statsMu.Unlock()

	e.mu.RLock()
	registered := len(e.strategies)
	e.mu.RUnlock()

	return map[string]interface{}{
		"executions":        atomic.LoadInt64(&e.executions),
		"successes":         atomic.LoadInt64(&e.successes),
		"cache_hits":        atomic.LoadInt64(&e.cacheHits),
		"marked_unhealthy":  atomic.LoadInt64(&e.markedUnhealthy),
		"by_strategy":       byType,
		"strategies":        registered,
		"generators":        e.generators.names(),
		"unhealthy_timeout": e.config.UnhealthyCooldown.String(),
	}
}
