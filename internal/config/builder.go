package config

import (
	"fmt"
	"time"

	"github.com/mir00r/provider-resilience/internal/batching"
	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/internal/resilience"
)

const builderComponent = "config_builder"

// ConfigBuilder provides a fluent interface for building configurations
type ConfigBuilder struct {
	config *Config
	errors []error
}

// NewConfigBuilder creates a new configuration builder starting from the defaults
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig()}
}

// WithLogging configures logging
func (b *ConfigBuilder) WithLogging(level, format, output string) *ConfigBuilder {
	b.config.Logging.Level = level
	b.config.Logging.Format = format
	b.config.Logging.Output = output
	return b
}

// WithStore selects the state store driver
func (b *ConfigBuilder) WithStore(driver, dsn string) *ConfigBuilder {
	b.config.Store.Driver = driver
	b.config.Store.DSN = dsn
	return b
}

// WithRetry configures the gate retry policy
func (b *ConfigBuilder) WithRetry(maxAttempts int, baseDelay, maxDelay, attemptTimeout time.Duration) *ConfigBuilder {
	if maxAttempts < 1 {
		b.errors = append(b.errors, fmt.Errorf("invalid max attempts: %d", maxAttempts))
		return b
	}
	b.config.Gate.MaxAttempts = maxAttempts
	b.config.Gate.BaseDelay = baseDelay
	b.config.Gate.MaxDelay = maxDelay
	b.config.Gate.AttemptTimeout = attemptTimeout
	return b
}

// WithCircuitBreaker configures the breaker thresholds
func (b *ConfigBuilder) WithCircuitBreaker(threshold int64, cooldown time.Duration) *ConfigBuilder {
	if threshold < 1 {
		b.errors = append(b.errors, fmt.Errorf("invalid failure threshold: %d", threshold))
		return b
	}
	b.config.Gate.FailureThreshold = threshold
	b.config.Gate.Cooldown = cooldown
	return b
}

// WithRateLimit sets the quota of one service; an empty service sets the default
func (b *ConfigBuilder) WithRateLimit(service string, requests int64, window time.Duration) *ConfigBuilder {
	limit := resilience.RateLimit{Requests: requests, Window: window}
	if service == "" {
		b.config.Gate.RateLimit = limit
		return b
	}
	if b.config.Gate.RateLimits == nil {
		b.config.Gate.RateLimits = make(map[string]resilience.RateLimit)
	}
	b.config.Gate.RateLimits[service] = limit
	return b
}

// WithAdmin configures the admin API
func (b *ConfigBuilder) WithAdmin(enabled bool, port int, jwtSecret string) *ConfigBuilder {
	if enabled && (port <= 0 || port > 65535) {
		b.errors = append(b.errors, fmt.Errorf("invalid port number: %d", port))
		return b
	}
	b.config.Admin.Enabled = enabled
	b.config.Admin.Port = port
	b.config.Admin.JWTSecret = jwtSecret
	return b
}

// WithService declares a service, replacing any previous declaration of the same name
func (b *ConfigBuilder) WithService(name string, routingStrategy domain.RoutingStrategy) *ConfigBuilder {
	if name == "" {
		b.errors = append(b.errors, fmt.Errorf("service name is required"))
		return b
	}
	svc := ServiceConfig{Name: name, RoutingStrategy: string(routingStrategy)}
	if existing, ok := b.config.Service(name); ok {
		*existing = svc
		return b
	}
	b.config.Services = append(b.config.Services, svc)
	return b
}

// WithNode adds a provider node to a declared service
func (b *ConfigBuilder) WithNode(service string, node NodeConfig) *ConfigBuilder {
	svc, ok := b.service(service)
	if !ok {
		return b
	}
	svc.Nodes = append(svc.Nodes, node)
	return b
}

// WithFallback attaches a fallback strategy to a declared service
func (b *ConfigBuilder) WithFallback(service string, strategy StrategyConfig) *ConfigBuilder {
	svc, ok := b.service(service)
	if !ok {
		return b
	}
	svc.Fallback = &strategy
	return b
}

// WithBudget attaches a budget allocation to a declared service
func (b *ConfigBuilder) WithBudget(service string, allocation domain.BudgetAllocation) *ConfigBuilder {
	svc, ok := b.service(service)
	if !ok {
		return b
	}
	svc.Budget = &allocation
	return b
}

// WithBatching attaches batching triggers to a declared service
func (b *ConfigBuilder) WithBatching(service string, queue batching.QueueConfig) *ConfigBuilder {
	svc, ok := b.service(service)
	if !ok {
		return b
	}
	svc.Batching = &queue
	return b
}

// WithScenarioDefault sets the optimization strategy used when no scenario rule matches
func (b *ConfigBuilder) WithScenarioDefault(service string, strategy domain.OptimizationStrategy) *ConfigBuilder {
	svc, ok := b.service(service)
	if !ok {
		return b
	}
	svc.Scenario = string(strategy)
	return b
}

func (b *ConfigBuilder) service(name string) (*ServiceConfig, bool) {
	svc, ok := b.config.Service(name)
	if !ok {
		b.errors = append(b.errors, fmt.Errorf("service %s is not declared", name))
	}
	return svc, ok
}

// Build validates and returns the final configuration
func (b *ConfigBuilder) Build() (*Config, error) {
	if len(b.errors) > 0 {
		return nil, errors.NewError(
			errors.ErrCodeInvalidConfiguration,
			builderComponent,
			fmt.Sprintf("Configuration validation failed with %d errors", len(b.errors)),
		).WithMetadata("errors", b.errors)
	}

	if err := b.config.Validate(); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidConfiguration, builderComponent, "Configuration is invalid")
	}
	return b.config, nil
}

// BuildFromFile loads configuration from a file and returns a builder
func BuildFromFile(filename string) (*ConfigBuilder, error) {
	cfg, err := LoadFromFile(filename)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidConfiguration, builderComponent, "Failed to load configuration from file")
	}
	return &ConfigBuilder{config: cfg}, nil
}

// Clone creates a copy of the current configuration for modification
func (b *ConfigBuilder) Clone() *ConfigBuilder {
	newConfig := *b.config

	if b.config.Services != nil {
		newConfig.Services = make([]ServiceConfig, len(b.config.Services))
		copy(newConfig.Services, b.config.Services)
		for i := range newConfig.Services {
			svc := &newConfig.Services[i]
			svc.Nodes = append([]NodeConfig(nil), svc.Nodes...)
			if svc.Fallback != nil {
				f := *svc.Fallback
				svc.Fallback = &f
			}
			if svc.Budget != nil {
				a := *svc.Budget
				svc.Budget = &a
			}
			if svc.Batching != nil {
				q := *svc.Batching
				svc.Batching = &q
			}
		}
	}

	if b.config.Gate.RateLimits != nil {
		newConfig.Gate.RateLimits = make(map[string]resilience.RateLimit, len(b.config.Gate.RateLimits))
		for k, v := range b.config.Gate.RateLimits {
			newConfig.Gate.RateLimits[k] = v
		}
	}

	return &ConfigBuilder{
		config: &newConfig,
		errors: append([]error(nil), b.errors...),
	}
}

// GetConfig returns the current configuration (read-only)
func (b *ConfigBuilder) GetConfig() *Config {
	return b.config
}
