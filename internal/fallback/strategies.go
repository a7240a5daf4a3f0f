package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
)

const defaultRefusalMessage = "service temporarily unavailable"

var errEmptyChain = errors.New("provider chain is empty")

// runCache serves a cached result. When synthesize is set a miss falls
// through to the policy's generator.
func (e *Engine) runCache(ctx context.Context, req domain.FallbackRequest, policy domain.CachePolicy, synthesize bool, result *domain.FallbackResult) error {
	result.AttemptedStrategies = append(result.AttemptedStrategies, domain.FallbackCacheOnly)

	key := req.CacheKey
	if key == "" {
		key = CacheKey(req.Operation, req.Payload)
	}
	hit, err := e.cache.Lookup(ctx, req.ServiceName, key, policy)
	if err != nil {
		e.logger.WithError(err).WithField("service", req.ServiceName).Warn("Fallback cache unavailable, treating as miss")
	}
	if hit.found {
		result.Success = true
		result.FromCache = true
		result.Stale = hit.stale
		result.Provider = hit.entry.Provider
		result.Data = hit.entry.Data
		result.Degradation = domain.DegradationNone
		result.Message = fmt.Sprintf("served from cache, age %s", hit.age.Round(time.Millisecond))
		if hit.stale {
			result.Degradation = domain.DegradationMinor
			result.Message = fmt.Sprintf("served stale result from cache, age %s", hit.age.Round(time.Millisecond))
		}
		return nil
	}

	if !synthesize || policy.Generator == "" {
		return fmt.Errorf("no usable cached result for %s", key)
	}
	data, err := e.generate(ctx, policy.Generator, req)
	if err != nil {
		return err
	}
	result.Success = true
	result.Data = data
	result.Degradation = domain.DegradationModerate
	result.Message = "synthesized by generator " + policy.Generator
	return nil
}

func (e *Engine) generate(ctx context.Context, name string, req domain.FallbackRequest) (json.RawMessage, error) {
	gen, ok := e.generators.get(name)
	if !ok {
		return nil, fmt.Errorf("generator %q is not registered", name)
	}
	data, err := gen(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generator %s: %w", name, err)
	}
	return data, nil
}

// runAlternatives calls the providers of chain in order and returns the first success
func (e *Engine) runAlternatives(ctx context.Context, req domain.FallbackRequest, chain []string, result *domain.FallbackResult) error {
	result.AttemptedStrategies = append(result.AttemptedStrategies, domain.FallbackAlternativeProvider)
	if len(chain) == 0 {
		return errEmptyChain
	}

	var lastErr error
	for _, provider := range chain {
		node, _ := e.resolve(req.ServiceName, provider)
		if reason, skip := e.skipReason(ctx, req.ServiceName, provider, node); skip {
			e.logger.WithFields(map[string]interface{}{
				"service":  req.ServiceName,
				"provider": provider,
				"reason":   reason,
			}).Debug("Skipping alternative provider")
			lastErr = rerrors.NewProviderUnavailableError(provider, reason)
			continue
		}

		result.AttemptedProviders = append(result.AttemptedProviders, provider)
		resp, err := e.callProvider(ctx, req, provider, node)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			e.markUnhealthy(ctx, req.ServiceName, provider, err)
			continue
		}

		e.charge(ctx, req.ServiceName, provider, node)
		result.Success = true
		result.Provider = provider
		result.Data = asJSON(resp.Body)
		result.Degradation = domain.DegradationMinor
		result.Message = "served by alternative provider " + provider
		return nil
	}
	return lastErr
}

func (e *Engine) resolve(service, provider string) (*domain.ServiceEndpointNode, bool) {
	if e.nodes == nil {
		return nil, false
	}
	return e.nodes.NodeForProvider(service, provider)
}

// charge records the node cost of a served alternative call. Providers
// without a registry node have no known cost.
func (e *Engine) charge(ctx context.Context, service, provider string, node *domain.ServiceEndpointNode) {
	if e.spend == nil || node == nil || node.CostPerCall <= 0 {
		return
	}
	if _, err := e.spend.RecordSpend(ctx, service, node.CostPerCall); err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"service":  service,
			"provider": provider,
		}).Warn("Failed to record alternative provider spend")
	}
}

func (e *Engine) skipReason(ctx context.Context, service, provider string, node *domain.ServiceEndpointNode) (string, bool) {
	_, marked, err := e.store.Get(ctx, unhealthyKey(service, provider))
	if err != nil {
		e.logger.WithError(err).WithField("provider", provider).Warn("Failed to read provider health mark")
	} else if marked {
		return "marked unhealthy by a previous fallback", true
	}
	if node == nil {
		return "", false
	}
	if score := node.HealthScore(); score < e.config.MinProviderHealth {
		return fmt.Sprintf("health score %.1f below %.1f", score, e.config.MinProviderHealth), true
	}
	if node.AtCapacity() {
		return "at connection capacity", true
	}
	return "", false
}

func (e *Engine) callProvider(ctx context.Context, req domain.FallbackRequest, provider string, node *domain.ServiceEndpointNode) (*domain.TransportResponse, error) {
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = req.Operation
	}
	if node != nil {
		endpoint = JoinEndpoint(node.Endpoint, endpoint)
	}
	method := req.Method
	if method == "" {
		method = "POST"
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.config.AttemptTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := e.invoker.Invoke(callCtx, domain.TransportRequest{
		ServiceName: req.ServiceName,
		Method:      method,
		Endpoint:    endpoint,
		Payload:     req.Payload,
		Headers: map[string]string{
			"X-Provider":  provider,
			"X-Operation": req.Operation,
			"X-Fallback":  "true",
		},
		Timeout: timeout,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, rerrors.NewTimeoutError(req.ServiceName, timeout, err)
		}
		return nil, rerrors.NewTransientNetworkError(req.ServiceName, err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, rerrors.NewProviderRequestError(req.ServiceName, resp.Status).WithMetadata("provider", provider)
	}
	return resp, nil
}

func (e *Engine) markUnhealthy(ctx context.Context, service, provider string, cause error) {
	until := e.clock.Now().Add(e.config.UnhealthyCooldown)
	if err := e.store.Set(ctx, unhealthyKey(service, provider), []byte(cause.Error()), e.config.UnhealthyCooldown); err != nil {
		e.logger.WithError(err).WithField("provider", provider).Warn("Failed to mark provider unhealthy")
		return
	}
	atomic.AddInt64(&e.markedUnhealthy, 1)
	e.logger.WithFields(map[string]interface{}{
		"service":  service,
		"provider": provider,
		"until":    until,
	}).WithError(cause).Warn("Alternative provider failed, marked unhealthy")

	if e.events != nil {
		e.events.Publish(domain.Event{
			Type:        domain.EventProviderUnhealthy,
			ServiceName: service,
			Payload: map[string]interface{}{
				"provider": provider,
				"reason":   cause.Error(),
				"until":    until,
			},
			Timestamp: e.clock.Now(),
		})
	}
}

// ProviderMarkedUnhealthy reports whether a fallback for service marked provider unhealthy
func (e *Engine) ProviderMarkedUnhealthy(ctx context.Context, service, provider string) (bool, error) {
	_, marked, err := e.store.Get(ctx, unhealthyKey(service, provider))
	return marked, err
}

// ClearProviderMark lifts the unhealthy mark of provider for service before its cooldown ends
func (e *Engine) ClearProviderMark(ctx context.Context, service, provider string) error {
	return e.store.Delete(ctx, unhealthyKey(service, provider))
}

type degradedPayload struct {
	Fallback         bool            `json:"fallback"`
	Degraded         bool            `json:"degraded"`
	Service          string          `json:"service"`
	Operation        string          `json:"operation,omitempty"`
	EnabledFeatures  []string        `json:"enabled_features"`
	DisabledFeatures []string        `json:"disabled_features"`
	Message          string          `json:"message,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
}

// runDegraded always succeeds with a reduced-feature response. A generator, when
// named, fills the data field.
func (e *Engine) runDegraded(ctx context.Context, req domain.FallbackRequest, profile domain.DegradedProfile, generator string, result *domain.FallbackResult) error {
	result.AttemptedStrategies = append(result.AttemptedStrategies, domain.FallbackDegradedFunctionality)

	payload := degradedPayload{
		Fallback:         true,
		Degraded:         true,
		Service:          req.ServiceName,
		Operation:        req.Operation,
		EnabledFeatures:  nonNil(profile.EnabledFeatures),
		DisabledFeatures: nonNil(profile.DisabledFeatures),
		Message:          profile.UserMessage,
	}
	if generator != "" {
		data, err := e.generate(ctx, generator, req)
		if err != nil {
			e.logger.WithError(err).WithField("service", req.ServiceName).Warn("Degraded response generated without data")
		} else {
			payload.Data = data
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	result.Success = true
	result.Data = raw
	result.Degradation = domain.DegradationModerate
	if len(profile.EnabledFeatures) == 0 {
		result.Degradation = domain.DegradationSevere
	}
	result.Message = profile.UserMessage
	if result.Message == "" {
		result.Message = "reduced functionality"
	}
	return nil
}

// runManual hands the service to operators; it never reports success
func (e *Engine) runManual(ctx context.Context, req domain.FallbackRequest, profile domain.ManualOperationProfile, result *domain.FallbackResult) error {
	result.AttemptedStrategies = append(result.AttemptedStrategies, domain.FallbackManualOperation)
	result.ManualMode = true
	result.Instructions = profile.Instructions
	result.EscalationPath = profile.EscalationPath
	result.Degradation = domain.DegradationSevere
	result.Message = "manual operation required"
	result.Data, _ = json.Marshal(map[string]interface{}{
		"manual_mode":  true,
		"instructions": profile.Instructions,
	})

	notification := domain.ManualNotification{
		ServiceName:    req.ServiceName,
		Channels:       profile.NotificationChannels,
		EscalationPath: profile.EscalationPath,
		Instructions:   profile.Instructions,
		Reason:         fmt.Sprintf("fallback for %s requires manual operation", req.Operation),
		Timestamp:      e.clock.Now(),
	}
	if e.notifier == nil {
		e.logger.WithField("service", req.ServiceName).Warn("Manual operation required but no notifier is configured")
	} else if err := e.notifier.Notify(ctx, notification); err != nil {
		e.logger.WithError(err).WithField("service", req.ServiceName).Error("Failed to notify operators")
	}

	return rerrors.NewManualOperationError(req.ServiceName, profile.Instructions, profile.EscalationPath)
}

// runRefusal refuses the call outright
func (e *Engine) runRefusal(req domain.FallbackRequest, message string, result *domain.FallbackResult) error {
	result.AttemptedStrategies = append(result.AttemptedStrategies, domain.FallbackCircuitBreaker)
	if message == "" {
		message = defaultRefusalMessage
	}
	result.Degradation = domain.DegradationSevere
	result.Message = message
	return rerrors.NewError(rerrors.ErrCodeProviderUnavailable, "fallback_engine",
		fmt.Sprintf("Service %s is unavailable: %s", req.ServiceName, message)).
		WithMetadata("service", req.ServiceName)
}

// runHybrid tries the cache, then the provider chain, then the degraded profile.
// The cache step only looks up; the generator feeds the degraded response.
func (e *Engine) runHybrid(ctx context.Context, req domain.FallbackRequest, cfg domain.HybridConfig, result *domain.FallbackResult) error {
	cacheErr := e.runCache(ctx, req, cfg.Cache, false, result)
	if cacheErr == nil {
		return nil
	}
	altErr := e.runAlternatives(ctx, req, cfg.ProviderChain, result)
	if altErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return altErr
	}
	e.logger.WithFields(map[string]interface{}{
		"service":      req.ServiceName,
		"cache_error":  cacheErr.Error(),
		"provider_err": altErr.Error(),
	}).Info("Hybrid fallback degrading functionality")
	return e.runDegraded(ctx, req, cfg.Degraded, cfg.Cache.Generator, result)
}

// JoinEndpoint resolves endpoint against a node base URL; absolute endpoints win
func JoinEndpoint(base, endpoint string) string {
	if base == "" || strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if endpoint == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

func asJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var impactRank = map[domain.ImpactLevel]int{
	domain.ImpactNone:   0,
	domain.ImpactLow:    1,
	domain.ImpactMedium: 2,
	domain.ImpactHigh:   3,
}

// assessImpact estimates the business impact of a result. Customer impact
// follows the degradation level, raised to the strategy's declared customer
// impact whenever anything is degraded.
func assessImpact(strategy *domain.FallbackStrategy, result *domain.FallbackResult) domain.BusinessImpact {
	impact := domain.BusinessImpact{}
	switch result.Degradation {
	case domain.DegradationNone:
		impact.CustomerExperience = domain.ImpactNone
	case domain.DegradationMinor:
		impact.CustomerExperience = domain.ImpactLow
	case domain.DegradationModerate:
		impact.CustomerExperience = domain.ImpactMedium
	default:
		impact.CustomerExperience = domain.ImpactHigh
	}

	switch {
	case result.ManualMode || !result.Success:
		impact.OperationalImpact = domain.ImpactHigh
	case result.FromCache:
		impact.OperationalImpact = domain.ImpactNone
	case result.Provider != "":
		impact.OperationalImpact = domain.ImpactLow
	default:
		impact.OperationalImpact = domain.ImpactMedium
	}

	if strategy == nil {
		return impact
	}
	declared := strategy.Continuity.CustomerImpact
	if result.Degradation != domain.DegradationNone && impactRank[declared] > impactRank[impact.CustomerExperience] {
		impact.CustomerExperience = declared
	}
	impact.RevenueImpact = strategy.Continuity.RevenueImpactPerHour * result.Degradation.RevenueImpactFactor()
	return impact
}
