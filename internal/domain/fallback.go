package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// FallbackStrategyType selects the alternate behavior executed for a service
type FallbackStrategyType string

const (
	FallbackCacheOnly             FallbackStrategyType = "CACHE_ONLY"
	FallbackAlternativeProvider   FallbackStrategyType = "ALTERNATIVE_PROVIDER"
	FallbackDegradedFunctionality FallbackStrategyType = "DEGRADED_FUNCTIONALITY"
	FallbackManualOperation       FallbackStrategyType = "MANUAL_OPERATION"
	FallbackCircuitBreaker        FallbackStrategyType = "CIRCUIT_BREAKER"
	FallbackHybridApproach        FallbackStrategyType = "HYBRID_APPROACH"
)

// DegradationLevel measures how far a fallback result is from the primary path
type DegradationLevel string

const (
	DegradationNone     DegradationLevel = "none"
	DegradationMinor    DegradationLevel = "minor"
	DegradationModerate DegradationLevel = "moderate"
	DegradationSevere   DegradationLevel = "severe"
)

// RevenueImpactFactor returns the share of hourly revenue lost at this degradation level
func (d DegradationLevel) RevenueImpactFactor() float64 {
	switch d {
	case DegradationMinor:
		return 0.1
	case DegradationModerate:
		return 0.3
	case DegradationSevere:
		return 1.0
	default:
		return 0
	}
}

// ImpactLevel grades customer or operational impact
type ImpactLevel string

const (
	ImpactNone   ImpactLevel = "none"
	ImpactLow    ImpactLevel = "low"
	ImpactMedium ImpactLevel = "medium"
	ImpactHigh   ImpactLevel = "high"
)

// CachePolicy controls how long cached results may be served
type CachePolicy struct {
	MaxAge               time.Duration `json:"max_age"`
	StaleWhileRevalidate time.Duration `json:"stale_while_revalidate,omitempty"`
	Generator            string        `json:"generator,omitempty"`
}

// DegradedProfile describes the reduced-feature response
type DegradedProfile struct {
	EnabledFeatures  []string `json:"enabled_features,omitempty"`
	DisabledFeatures []string `json:"disabled_features,omitempty"`
	UserMessage      string   `json:"user_message,omitempty"`
}

// ManualOperationProfile tells operators how to take over a service
type ManualOperationProfile struct {
	NotificationChannels []string `json:"notification_channels,omitempty"`
	EscalationPath       []string `json:"escalation_path,omitempty"`
	Instructions         string   `json:"instructions"`
}

// BusinessContinuity captures how long and how expensively a service may be down
type BusinessContinuity struct {
	MaxTolerableDowntime time.Duration `json:"max_tolerable_downtime"`
	RevenueImpactPerHour float64       `json:"revenue_impact_per_hour"`
	CustomerImpact       ImpactLevel   `json:"customer_impact"`
}

// StrategyConfig is the per-type configuration of a fallback strategy.
// Exactly one concrete config exists per FallbackStrategyType.
type StrategyConfig interface {
	StrategyType() FallbackStrategyType
	Validate() error
}

// CacheOnlyConfig serves cached or generated data
type CacheOnlyConfig struct {
	Cache CachePolicy
}

func (c CacheOnlyConfig) StrategyType() FallbackStrategyType { return FallbackCacheOnly }

func (c CacheOnlyConfig) Validate() error {
	if c.Cache.MaxAge <= 0 {
		return fmt.Errorf("cache only strategy requires a positive max age")
	}
	return nil
}

// AlternativeProviderConfig tries an ordered provider chain
type AlternativeProviderConfig struct {
	ProviderChain []string
}

func (c AlternativeProviderConfig) StrategyType() FallbackStrategyType {
	return FallbackAlternativeProvider
}

func (c AlternativeProviderConfig) Validate() error {
	if len(c.ProviderChain) == 0 {
		return fmt.Errorf("alternative provider strategy requires a provider chain")
	}
	return nil
}

// DegradedConfig returns a reduced-feature response
type DegradedConfig struct {
	Profile DegradedProfile
}

func (c DegradedConfig) StrategyType() FallbackStrategyType { return FallbackDegradedFunctionality }

func (c DegradedConfig) Validate() error { return nil }

// ManualOperationConfig hands the service over to operators
type ManualOperationConfig struct {
	Profile ManualOperationProfile
}

func (c ManualOperationConfig) StrategyType() FallbackStrategyType { return FallbackManualOperation }

func (c ManualOperationConfig) Validate() error {
	if c.Profile.Instructions == "" {
		return fmt.Errorf("manual operation strategy requires instructions")
	}
	return nil
}

// CircuitBreakerFallbackConfig refuses the call outright
type CircuitBreakerFallbackConfig struct {
	Message string
}

func (c CircuitBreakerFallbackConfig) StrategyType() FallbackStrategyType {
	return FallbackCircuitBreaker
}

func (c CircuitBreakerFallbackConfig) Validate() error { return nil }

// HybridConfig chains cache, alternative providers and degraded mode
type HybridConfig struct {
	Cache         CachePolicy
	ProviderChain []string
	Degraded      DegradedProfile
}

func (c HybridConfig) StrategyType() FallbackStrategyType { return FallbackHybridApproach }

func (c HybridConfig) Validate() error {
	if c.Cache.MaxAge <= 0 {
		return fmt.Errorf("hybrid strategy requires a positive cache max age")
	}
	return nil
}

// FallbackStrategy is the registered fallback behavior of one service
type FallbackStrategy struct {
	ServiceName string
	Priority    int
	Criticality BusinessCriticality
	Continuity  BusinessContinuity
	Config      StrategyConfig
}

// Type returns the discriminant of the strategy's config
func (s *FallbackStrategy) Type() FallbackStrategyType {
	if s.Config == nil {
		return ""
	}
	return s.Config.StrategyType()
}

// Validate checks the common fields and the type-specific config
func (s *FallbackStrategy) Validate() error {
	if s.ServiceName == "" {
		return fmt.Errorf("fallback strategy requires a service name")
	}
	if s.Config == nil {
		return fmt.Errorf("fallback strategy for %s has no config", s.ServiceName)
	}
	return s.Config.Validate()
}

// ProviderChain returns the provider chain of strategies that carry one
func (s *FallbackStrategy) ProviderChain() []string {
	switch c := s.Config.(type) {
	case AlternativeProviderConfig:
		return c.ProviderChain
	case HybridConfig:
		return c.ProviderChain
	}
	return nil
}

// CachePolicy returns the cache policy of strategies that carry one
func (s *FallbackStrategy) CachePolicy() (CachePolicy, bool) {
	switch c := s.Config.(type) {
	case CacheOnlyConfig:
		return c.Cache, true
	case HybridConfig:
		return c.Cache, true
	}
	return CachePolicy{}, false
}

type fallbackStrategyJSON struct {
	ServiceName    string                  `json:"service_name"`
	Type           FallbackStrategyType    `json:"type"`
	Priority       int                     `json:"priority"`
	Criticality    BusinessCriticality     `json:"criticality,omitempty"`
	Continuity     BusinessContinuity      `json:"continuity"`
	Cache          *CachePolicy            `json:"cache,omitempty"`
	ProviderChain  []string                `json:"provider_chain,omitempty"`
	Degraded       *DegradedProfile        `json:"degraded,omitempty"`
	Manual         *ManualOperationProfile `json:"manual,omitempty"`
	RefusalMessage string                  `json:"refusal_message,omitempty"`
}

// MarshalJSON encodes the strategy with a "type" discriminant
func (s FallbackStrategy) MarshalJSON() ([]byte, error) {
	out := fallbackStrategyJSON{
		ServiceName: s.ServiceName,
		Priority:    s.Priority,
		Criticality: s.Criticality,
		Continuity:  s.Continuity,
	}
	switch c := s.Config.(type) {
	case CacheOnlyConfig:
		out.Type = FallbackCacheOnly
		out.Cache = &c.Cache
	case AlternativeProviderConfig:
		out.Type = FallbackAlternativeProvider
		out.ProviderChain = c.ProviderChain
	case DegradedConfig:
		out.Type = FallbackDegradedFunctionality
		out.Degraded = &c.Profile
	case ManualOperationConfig:
		out.Type = FallbackManualOperation
		out.Manual = &c.Profile
	case CircuitBreakerFallbackConfig:
		out.Type = FallbackCircuitBreaker
		out.RefusalMessage = c.Message
	case HybridConfig:
		out.Type = FallbackHybridApproach
		out.Cache = &c.Cache
		out.ProviderChain = c.ProviderChain
		out.Degraded = &c.Degraded
	default:
		return nil, fmt.Errorf("fallback strategy for %s has unsupported config %T", s.ServiceName, s.Config)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a strategy, rebuilding the config from its discriminant
func (s *FallbackStrategy) UnmarshalJSON(data []byte) error {
	var in fallbackStrategyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	s.ServiceName = in.ServiceName
	s.Priority = in.Priority
	s.Criticality = in.Criticality
	s.Continuity = in.Continuity

	switch in.Type {
	case FallbackCacheOnly:
		s.Config = CacheOnlyConfig{Cache: derefCache(in.Cache)}
	case FallbackAlternativeProvider:
		s.Config = AlternativeProviderConfig{ProviderChain: in.ProviderChain}
	case FallbackDegradedFunctionality:
		s.Config = DegradedConfig{Profile: derefDegraded(in.Degraded)}
	case FallbackManualOperation:
		var profile ManualOperationProfile
		if in.Manual != nil {
			profile = *in.Manual
		}
		s.Config = ManualOperationConfig{Profile: profile}
	case FallbackCircuitBreaker:
		s.Config = CircuitBreakerFallbackConfig{Message: in.RefusalMessage}
	case FallbackHybridApproach:
		s.Config = HybridConfig{
			Cache:         derefCache(in.Cache),
			ProviderChain: in.ProviderChain,
			Degraded:      derefDegraded(in.Degraded),
		}
	default:
		return fmt.Errorf("unknown fallback strategy type: %q", in.Type)
	}
	return nil
}

func derefCache(c *CachePolicy) CachePolicy {
	if c == nil {
		return CachePolicy{}
	}
	return *c
}

func derefDegraded(d *DegradedProfile) DegradedProfile {
	if d == nil {
		return DegradedProfile{}
	}
	return *d
}

// FallbackRequest is the call a fallback strategy stands in for
type FallbackRequest struct {
	ServiceName string
	Operation   string
	Method      string
	Endpoint    string
	Payload     []byte
	CacheKey    string
	Timeout     time.Duration
}

// BusinessImpact estimates what a fallback outcome costs the business
type BusinessImpact struct {
	CustomerExperience ImpactLevel `json:"customer_experience"`
	OperationalImpact  ImpactLevel `json:"operational_impact"`
	RevenueImpact      float64     `json:"revenue_impact"`
}

// FallbackResult is produced by every fallback execution
type FallbackResult struct {
	ServiceName         string                 `json:"service_name"`
	Strategy            FallbackStrategyType   `json:"strategy"`
	Success             bool                   `json:"success"`
	Provider            string                 `json:"provider,omitempty"`
	Data                json.RawMessage        `json:"data,omitempty"`
	FromCache           bool                   `json:"from_cache"`
	Stale               bool                   `json:"stale"`
	Degradation         DegradationLevel       `json:"degradation"`
	Impact              BusinessImpact         `json:"impact"`
	AttemptedStrategies []FallbackStrategyType `json:"attempted_strategies,omitempty"`
	AttemptedProviders  []string               `json:"attempted_providers,omitempty"`
	ManualMode          bool                   `json:"manual_mode"`
	Instructions        string                 `json:"instructions,omitempty"`
	EscalationPath      []string               `json:"escalation_path,omitempty"`
	Message             string                 `json:"message,omitempty"`
	Duration            time.Duration          `json:"duration"`
	Timestamp           time.Time              `json:"timestamp"`
}
