package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/provider-resilience/internal/batching"
	"github.com/mir00r/provider-resilience/internal/budget"
	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/internal/fallback"
	"github.com/mir00r/provider-resilience/internal/health"
	"github.com/mir00r/provider-resilience/internal/repository"
	"github.com/mir00r/provider-resilience/internal/resilience"
	"github.com/mir00r/provider-resilience/internal/routing"
	"github.com/mir00r/provider-resilience/internal/scenario"
	"github.com/mir00r/provider-resilience/internal/transport"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StoreSQLite   = repository.DriverSQLite
	StorePostgres = repository.DriverPostgres
)

// Config represents the main configuration structure
type Config struct {
	Logging   LoggingConfig              `yaml:"logging"`
	Store     StoreConfig                `yaml:"store"`
	Gate      GateConfig                 `yaml:"gate"`
	Registry  RegistryConfig             `yaml:"registry"`
	Routing   RoutingConfig              `yaml:"routing"`
	Budget    BudgetConfig               `yaml:"budget"`
	Fallback  FallbackConfig             `yaml:"fallback"`
	Batching  BatchingConfig             `yaml:"batching"`
	Scenario  scenario.CoordinatorConfig `yaml:"scenario"`
	Transport TransportConfig            `yaml:"transport"`
	Events    EventsConfig               `yaml:"events"`
	Admin     AdminConfig                `yaml:"admin"`
	Watch     WatchConfig                `yaml:"watch"`
	Discovery DiscoveryConfig            `yaml:"discovery"`
	Services  []ServiceConfig            `yaml:"services"`
}

// DiscoveryConfig points at an HTTP node catalog
type DiscoveryConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Interval time.Duration     `yaml:"interval"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// WatchConfig enables polling the config file for changes
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// StoreConfig selects the shared state store
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// AuditRetain bounds the audit trail kept in the store
	AuditRetain int `yaml:"audit_retain"`
}

// GateConfig contains retry, circuit breaker and quota settings
type GateConfig struct {
	MaxAttempts      int                             `yaml:"max_attempts"`
	BaseDelay        time.Duration                   `yaml:"base_delay"`
	MaxJitter        time.Duration                   `yaml:"max_jitter"`
	MaxDelay         time.Duration                   `yaml:"max_delay"`
	AttemptTimeout   time.Duration                   `yaml:"attempt_timeout"`
	FailureThreshold int64                           `yaml:"failure_threshold"`
	Cooldown         time.Duration                   `yaml:"cooldown"`
	ProbeLease       time.Duration                   `yaml:"probe_lease"`
	RateLimit        resilience.RateLimit            `yaml:"rate_limit"`
	RateLimits       map[string]resilience.RateLimit `yaml:"rate_limits"`
}

// RegistryConfig contains the health cycle settings
type RegistryConfig struct {
	CheckInterval      time.Duration            `yaml:"check_interval"`
	ProbeTimeout       time.Duration            `yaml:"probe_timeout"`
	ProbePath          string                   `yaml:"probe_path"`
	MaxRecentErrors    int                      `yaml:"max_recent_errors"`
	MaxRegionalLatency time.Duration            `yaml:"max_regional_latency"`
	SameRegion         time.Duration            `yaml:"same_region_latency"`
	SamePrefix         time.Duration            `yaml:"same_prefix_latency"`
	CrossRegion        time.Duration            `yaml:"cross_region_latency"`
	LatencyOverrides   map[string]time.Duration `yaml:"latency_overrides"`
}

// RoutingConfig contains router defaults
type RoutingConfig struct {
	DefaultStrategy       string `yaml:"default_strategy"`
	HistorySize           int    `yaml:"history_size"`
	MaxRetriesBeforeDelay int    `yaml:"max_retries_before_delay"`
}

// BudgetConfig contains cost governor monitoring settings
type BudgetConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	AlertThresholds []float64     `yaml:"alert_thresholds"`
	MaxAlerts       int           `yaml:"max_alerts"`
}

// FallbackConfig contains fallback engine settings
type FallbackConfig struct {
	UnhealthyCooldown time.Duration `yaml:"unhealthy_cooldown"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	DefaultCacheTTL   time.Duration `yaml:"default_cache_ttl"`
	MinProviderHealth float64       `yaml:"min_provider_health"`
}

// BatchingConfig contains the batching coordinator settings
type BatchingConfig struct {
	MonitorInterval  time.Duration        `yaml:"monitor_interval"`
	ExecutionTimeout time.Duration        `yaml:"execution_timeout"`
	Concurrency      int                  `yaml:"concurrency"`
	Default          batching.QueueConfig `yaml:"default"`
}

// TransportConfig contains the outbound provider clients
type TransportConfig struct {
	HTTP transport.HTTPConfig            `yaml:"http"`
	GRPC map[string]transport.GRPCTarget `yaml:"grpc"`
}

// EventsConfig contains the event bus settings
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Port              int           `yaml:"port"`
	Path              string        `yaml:"path"`
	JWTSecret         string        `yaml:"jwt_secret"`
	JWTIssuer         string        `yaml:"jwt_issuer"`
	JWTAudience       string        `yaml:"jwt_audience"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	EnableSwagger     bool          `yaml:"enable_swagger"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS settings for the admin listener
type TLSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	CertFile     string   `yaml:"cert_file"`
	KeyFile      string   `yaml:"key_file"`
	MinVersion   string   `yaml:"min_version"`
	MaxVersion   string   `yaml:"max_version"`
	CipherSuites []string `yaml:"cipher_suites,omitempty"`
}

// ServiceConfig declares one external service and its providers
type ServiceConfig struct {
	Name            string                   `yaml:"name"`
	RoutingStrategy string                   `yaml:"routing_strategy"`
	Nodes           []NodeConfig             `yaml:"nodes"`
	Fallback        *StrategyConfig          `yaml:"fallback,omitempty"`
	Budget          *domain.BudgetAllocation `yaml:"budget,omitempty"`
	Batching        *batching.QueueConfig    `yaml:"batching,omitempty"`
	Scenario        string                   `yaml:"scenario_default"`
}

// NodeConfig declares one provider endpoint
type NodeConfig struct {
	ID             string   `yaml:"id"`
	Provider       string   `yaml:"provider"`
	Region         string   `yaml:"region"`
	Endpoint       string   `yaml:"endpoint"`
	Weight         int      `yaml:"weight"`
	MaxConnections int64    `yaml:"max_connections"`
	CostPerCall    float64  `yaml:"cost_per_call"`
	Capabilities   []string `yaml:"capabilities,omitempty"`
	Limitations    []string `yaml:"limitations,omitempty"`
}

// StrategyConfig is the YAML form of a fallback strategy; Type selects
// which of the optional sections applies
type StrategyConfig struct {
	Type                 string        `yaml:"type"`
	Priority             int           `yaml:"priority"`
	Criticality          string        `yaml:"criticality"`
	MaxTolerableDowntime time.Duration `yaml:"max_tolerable_downtime"`
	RevenueImpactPerHour float64       `yaml:"revenue_impact_per_hour"`
	CustomerImpact       string        `yaml:"customer_impact"`

	CacheMaxAge          time.Duration `yaml:"cache_max_age"`
	StaleWhileRevalidate time.Duration `yaml:"stale_while_revalidate"`
	Generator            string        `yaml:"generator"`
	ProviderChain        []string      `yaml:"provider_chain,omitempty"`
	EnabledFeatures      []string      `yaml:"enabled_features,omitempty"`
	DisabledFeatures     []string      `yaml:"disabled_features,omitempty"`
	UserMessage          string        `yaml:"user_message"`
	NotificationChannels []string      `yaml:"notification_channels,omitempty"`
	EscalationPath       []string      `yaml:"escalation_path,omitempty"`
	Instructions         string        `yaml:"instructions"`
	RefusalMessage       string        `yaml:"refusal_message"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	gate := resilience.DefaultGateConfig()
	breaker := health.DefaultCircuitBreakerConfig()
	registry := health.DefaultRegistryConfig()
	router := routing.DefaultRouterConfig()
	governor := budget.DefaultGovernorConfig()
	engine := fallback.DefaultEngineConfig()
	batch := batching.DefaultCoordinatorConfig()

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Store: StoreConfig{
			Driver:      StoreMemory,
			AuditRetain: 1000,
		},
		Gate: GateConfig{
			MaxAttempts:      gate.MaxAttempts,
			BaseDelay:        gate.BaseDelay,
			MaxJitter:        gate.MaxJitter,
			MaxDelay:         gate.MaxDelay,
			AttemptTimeout:   gate.AttemptTimeout,
			FailureThreshold: breaker.FailureThreshold,
			Cooldown:         breaker.Cooldown,
			ProbeLease:       breaker.ProbeLease,
			RateLimits:       make(map[string]resilience.RateLimit),
		},
		Registry: RegistryConfig{
			CheckInterval:   registry.CheckInterval,
			ProbeTimeout:    registry.ProbeTimeout,
			ProbePath:       "/health",
			MaxRecentErrors: registry.MaxRecentErrors,
			SameRegion:      registry.RegionLatency.SameRegion,
			SamePrefix:      registry.RegionLatency.SamePrefix,
			CrossRegion:     registry.RegionLatency.CrossRegion,
		},
		Routing: RoutingConfig{
			DefaultStrategy:       string(router.DefaultStrategy),
			HistorySize:           router.HistorySize,
			MaxRetriesBeforeDelay: router.MaxRetriesBeforeDelay,
		},
		Budget: BudgetConfig{
			MonitorInterval: governor.MonitorInterval,
			AlertThresholds: governor.AlertThresholds,
			MaxAlerts:       governor.MaxAlerts,
		},
		Fallback: FallbackConfig{
			UnhealthyCooldown: engine.UnhealthyCooldown,
			AttemptTimeout:    engine.AttemptTimeout,
			DefaultCacheTTL:   engine.DefaultCacheTTL,
			MinProviderHealth: engine.MinProviderHealth,
		},
		Batching: BatchingConfig{
			MonitorInterval:  batch.MonitorInterval,
			ExecutionTimeout: batch.ExecutionTimeout,
			Concurrency:      4,
			Default:          batch.Default,
		},
		Scenario: scenario.DefaultCoordinatorConfig(),
		Transport: TransportConfig{
			HTTP: transport.DefaultHTTPConfig(),
			GRPC: make(map[string]transport.GRPCTarget),
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
		Admin: AdminConfig{
			Enabled:           true,
			Port:              8081,
			Path:              "/admin",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			EnableSwagger:     true,
			JWTIssuer:         "provider-resilience",
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Watch: WatchConfig{
			Interval: 5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults and validates it
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("log file path is required when output is file")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("invalid store driver: %s", c.Store.Driver)
	}

	if c.Gate.MaxAttempts < 1 {
		return fmt.Errorf("gate max attempts must be at least 1")
	}
	if c.Gate.BaseDelay < 0 || c.Gate.MaxDelay < 0 || c.Gate.MaxJitter < 0 {
		return fmt.Errorf("gate delays must not be negative")
	}
	if c.Gate.AttemptTimeout <= 0 {
		return fmt.Errorf("gate attempt timeout must be positive")
	}
	if c.Gate.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure threshold must be at least 1")
	}
	if c.Gate.Cooldown <= 0 {
		return fmt.Errorf("circuit breaker cooldown must be positive")
	}
	if err := validateRateLimit("default", c.Gate.RateLimit); err != nil {
		return err
	}
	for svc, limit := range c.Gate.RateLimits {
		if err := validateRateLimit(svc, limit); err != nil {
			return err
		}
	}

	if c.Registry.CheckInterval <= 0 {
		return fmt.Errorf("registry check interval must be positive")
	}
	if _, err := domain.ParseRoutingStrategy(c.Routing.DefaultStrategy); err != nil {
		return fmt.Errorf("invalid default routing strategy: %w", err)
	}
	for _, t := range c.Budget.AlertThresholds {
		if t <= 0 {
			return fmt.Errorf("budget alert thresholds must be positive")
		}
	}
	if c.Fallback.MinProviderHealth < 0 || c.Fallback.MinProviderHealth > 100 {
		return fmt.Errorf("fallback min provider health must be within 0-100")
	}
	if err := c.Batching.Default.Validate(); err != nil {
		return fmt.Errorf("invalid default batching config: %w", err)
	}
	if c.Scenario.CostMinimizationRatio < 0 || c.Scenario.CostMinimizationRatio > 1 {
		return fmt.Errorf("scenario cost minimization ratio must be within 0-1")
	}
	if c.Scenario.RevenueThreshold > c.Scenario.HighRevenueThreshold {
		return fmt.Errorf("scenario revenue threshold exceeds high revenue threshold")
	}
	if c.Events.BufferSize < 0 {
		return fmt.Errorf("events buffer size must not be negative")
	}

	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}
	if c.Discovery.Enabled && c.Discovery.Endpoint == "" {
		return fmt.Errorf("discovery endpoint is required when discovery is enabled")
	}
	if c.Watch.Enabled && c.Watch.Interval <= 0 {
		return fmt.Errorf("watch interval must be positive")
	}
	if c.Admin.RequestsPerSecond < 0 || c.Admin.Burst < 0 {
		return fmt.Errorf("admin rate limit must not be negative")
	}
	if c.Admin.TLS.Enabled && (c.Admin.TLS.CertFile == "" || c.Admin.TLS.KeyFile == "") {
		return fmt.Errorf("admin TLS requires cert_file and key_file")
	}

	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service: %s", svc.Name)
		}
		seen[svc.Name] = true
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("service %s: %w", svc.Name, err)
		}
	}
	return nil
}

func validateRateLimit(name string, limit resilience.RateLimit) error {
	if limit.Requests < 0 {
		return fmt.Errorf("rate limit %s: requests must not be negative", name)
	}
	if limit.Requests > 0 && limit.Window <= 0 {
		return fmt.Errorf("rate limit %s: window must be positive", name)
	}
	return nil
}

// Validate checks one service declaration
func (s *ServiceConfig) Validate() error {
	if s.RoutingStrategy != "" {
		if _, err := domain.ParseRoutingStrategy(s.RoutingStrategy); err != nil {
			return err
		}
	}
	ids := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.ID == "" || n.Provider == "" || n.Endpoint == "" {
			return fmt.Errorf("node %d: id, provider and endpoint are required", i)
		}
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		ids[n.ID] = true
		if n.CostPerCall < 0 {
			return fmt.Errorf("node %s: cost per call must not be negative", n.ID)
		}
	}
	if s.Fallback != nil {
		strategy, err := s.FallbackStrategy()
		if err != nil {
			return err
		}
		if err := strategy.Validate(); err != nil {
			return err
		}
	}
	if s.Budget != nil {
		allocation := s.BudgetAllocation()
		if err := allocation.Validate(); err != nil {
			return err
		}
	}
	if s.Batching != nil {
		if err := s.Batching.Validate(); err != nil {
			return err
		}
	}
	if s.Scenario != "" && !validScenarioDefault(domain.OptimizationStrategy(s.Scenario)) {
		return fmt.Errorf("unknown scenario default: %s", s.Scenario)
	}
	return nil
}

func validScenarioDefault(strategy domain.OptimizationStrategy) bool {
	for _, s := range scenario.Strategies() {
		if s == strategy {
			return true
		}
	}
	return false
}

// ToNodes converts the node declarations of the service
func (s *ServiceConfig) ToNodes() []*domain.ServiceEndpointNode {
	nodes := make([]*domain.ServiceEndpointNode, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		node := domain.NewServiceEndpointNode(n.ID, s.Name, n.Provider, n.Endpoint, n.Weight)
		node.Region = n.Region
		node.MaxConnections = n.MaxConnections
		node.CostPerCall = n.CostPerCall
		node.Capabilities = n.Capabilities
		node.Limitations = n.Limitations
		nodes = append(nodes, node)
	}
	return nodes
}

// FallbackStrategy converts the fallback declaration into its typed form
func (s *ServiceConfig) FallbackStrategy() (*domain.FallbackStrategy, error) {
	if s.Fallback == nil {
		return nil, fmt.Errorf("service %s declares no fallback strategy", s.Name)
	}
	f := s.Fallback
	cache := domain.CachePolicy{
		MaxAge:               f.CacheMaxAge,
		StaleWhileRevalidate: f.StaleWhileRevalidate,
		Generator:            f.Generator,
	}
	degraded := domain.DegradedProfile{
		EnabledFeatures:  f.EnabledFeatures,
		DisabledFeatures: f.DisabledFeatures,
		UserMessage:      f.UserMessage,
	}

	var typed domain.StrategyConfig
	switch domain.FallbackStrategyType(f.Type) {
	case domain.FallbackCacheOnly:
		typed = domain.CacheOnlyConfig{Cache: cache}
	case domain.FallbackAlternativeProvider:
		typed = domain.AlternativeProviderConfig{ProviderChain: f.ProviderChain}
	case domain.FallbackDegradedFunctionality:
		typed = domain.DegradedConfig{Profile: degraded}
	case domain.FallbackManualOperation:
		typed = domain.ManualOperationConfig{Profile: domain.ManualOperationProfile{
			NotificationChannels: f.NotificationChannels,
			EscalationPath:       f.EscalationPath,
			Instructions:         f.Instructions,
		}}
	case domain.FallbackCircuitBreaker:
		typed = domain.CircuitBreakerFallbackConfig{Message: f.RefusalMessage}
	case domain.FallbackHybridApproach:
		typed = domain.HybridConfig{Cache: cache, ProviderChain: f.ProviderChain, Degraded: degraded}
	default:
		return nil, fmt.Errorf("unknown fallback strategy type: %q", f.Type)
	}

	return &domain.FallbackStrategy{
		ServiceName: s.Name,
		Priority:    f.Priority,
		Criticality: domain.BusinessCriticality(f.Criticality),
		Continuity: domain.BusinessContinuity{
			MaxTolerableDowntime: f.MaxTolerableDowntime,
			RevenueImpactPerHour: f.RevenueImpactPerHour,
			CustomerImpact:       domain.ImpactLevel(f.CustomerImpact),
		},
		Config: typed,
	}, nil
}

// BudgetAllocation returns the budget declaration bound to the service name
func (s *ServiceConfig) BudgetAllocation() domain.BudgetAllocation {
	if s.Budget == nil {
		return domain.BudgetAllocation{ServiceName: s.Name}
	}
	allocation := *s.Budget
	allocation.ServiceName = s.Name
	return allocation
}

// LoggerConfig converts the logging section
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		Output:     c.Logging.Output,
		File:       c.Logging.File,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
		Compress:   c.Logging.Compress,
	}
}

// GateSettings converts the retry policy
func (c *Config) GateSettings() resilience.GateConfig {
	return resilience.GateConfig{
		MaxAttempts:    c.Gate.MaxAttempts,
		BaseDelay:      c.Gate.BaseDelay,
		MaxJitter:      c.Gate.MaxJitter,
		MaxDelay:       c.Gate.MaxDelay,
		AttemptTimeout: c.Gate.AttemptTimeout,
	}
}

// BreakerSettings converts the circuit breaker thresholds
func (c *Config) BreakerSettings() health.CircuitBreakerConfig {
	return health.CircuitBreakerConfig{
		FailureThreshold: c.Gate.FailureThreshold,
		Cooldown:         c.Gate.Cooldown,
		ProbeLease:       c.Gate.ProbeLease,
	}
}

// RegistrySettings converts the health cycle settings
func (c *Config) RegistrySettings() health.RegistryConfig {
	return health.RegistryConfig{
		CheckInterval:      c.Registry.CheckInterval,
		ProbeTimeout:       c.Registry.ProbeTimeout,
		MaxRecentErrors:    c.Registry.MaxRecentErrors,
		MaxRegionalLatency: c.Registry.MaxRegionalLatency,
		RegionLatency: health.RegionLatencyTable{
			SameRegion:  c.Registry.SameRegion,
			SamePrefix:  c.Registry.SamePrefix,
			CrossRegion: c.Registry.CrossRegion,
			Overrides:   c.Registry.LatencyOverrides,
		},
	}
}

// RouterSettings converts the router defaults; Validate has checked the strategy
func (c *Config) RouterSettings() routing.RouterConfig {
	strategy, _ := domain.ParseRoutingStrategy(c.Routing.DefaultStrategy)
	return routing.RouterConfig{
		DefaultStrategy:       strategy,
		HistorySize:           c.Routing.HistorySize,
		MaxRetriesBeforeDelay: c.Routing.MaxRetriesBeforeDelay,
	}
}

// GovernorSettings converts the governor monitoring settings
func (c *Config) GovernorSettings() budget.GovernorConfig {
	return budget.GovernorConfig{
		MonitorInterval: c.Budget.MonitorInterval,
		AlertThresholds: c.Budget.AlertThresholds,
		MaxAlerts:       c.Budget.MaxAlerts,
	}
}

// EngineSettings converts the fallback engine settings
func (c *Config) EngineSettings() fallback.EngineConfig {
	return fallback.EngineConfig{
		UnhealthyCooldown: c.Fallback.UnhealthyCooldown,
		AttemptTimeout:    c.Fallback.AttemptTimeout,
		DefaultCacheTTL:   c.Fallback.DefaultCacheTTL,
		MinProviderHealth: c.Fallback.MinProviderHealth,
	}
}

// BatchingSettings converts the batching coordinator settings
func (c *Config) BatchingSettings() batching.CoordinatorConfig {
	return batching.CoordinatorConfig{
		MonitorInterval:  c.Batching.MonitorInterval,
		ExecutionTimeout: c.Batching.ExecutionTimeout,
		Default:          c.Batching.Default,
	}
}

// ScenarioSettings returns the coordinator thresholds with per-service
// defaults merged in
func (c *Config) ScenarioSettings() scenario.CoordinatorConfig {
	settings := c.Scenario
	defaults := make(map[string]domain.OptimizationStrategy, len(settings.ServiceDefaults))
	for svc, strategy := range settings.ServiceDefaults {
		defaults[svc] = strategy
	}
	for _, svc := range c.Services {
		if svc.Scenario != "" {
			defaults[svc.Name] = domain.OptimizationStrategy(svc.Scenario)
		}
	}
	settings.ServiceDefaults = defaults
	return settings
}

// Service returns the declaration of name
func (c *Config) Service(name string) (*ServiceConfig, bool) {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i], true
		}
	}
	return nil, false
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
