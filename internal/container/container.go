// Package container wires every resilience component from a *config.Config
// and owns their lifecycles. It is the composition root of the service: the
// only place that knows which concrete store, transport and collaborators
// sit behind each component's narrow interfaces.
package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/provider-resilience/internal/batching"
	"github.com/mir00r/provider-resilience/internal/budget"
	"github.com/mir00r/provider-resilience/internal/config"
	"github.com/mir00r/provider-resilience/internal/discovery"
	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/internal/events"
	"github.com/mir00r/provider-resilience/internal/fallback"
	"github.com/mir00r/provider-resilience/internal/handler"
	"github.com/mir00r/provider-resilience/internal/health"
	"github.com/mir00r/provider-resilience/internal/middleware"
	"github.com/mir00r/provider-resilience/internal/repository"
	"github.com/mir00r/provider-resilience/internal/resilience"
	"github.com/mir00r/provider-resilience/internal/routing"
	"github.com/mir00r/provider-resilience/internal/scenario"
	"github.com/mir00r/provider-resilience/internal/transport"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// ConfigLoader produces the configuration applied on Reload
type ConfigLoader func() (*config.Config, error)

// Option customizes a container
type Option func(*Container)

// WithConfigLoader replaces config.LoadConfig as the reload source
func WithConfigLoader(loader ConfigLoader) Option {
	return func(c *Container) { c.loader = loader }
}

// WithVersion sets the version reported by the health endpoints
func WithVersion(version string) Option {
	return func(c *Container) { c.version = version }
}

// WithStore injects the state store instead of opening the configured one.
// The container does not close an injected store.
func WithStore(store domain.StateStore) Option {
	return func(c *Container) { c.store = store }
}

// WithInvoker sends every provider call through invoker instead of the
// configured HTTP and gRPC clients
func WithInvoker(invoker domain.TransportInvoker) Option {
	return func(c *Container) { c.invoker = invoker }
}

// Container holds the wired components
type Container struct {
	config  *config.Config
	loader  ConfigLoader
	version string
	logger  *logger.Logger

	// Infrastructure
	store     domain.StateStore
	ownsStore bool
	bus       *events.Bus
	audit     events.MultiAuditSink
	auditLog  *events.StoreAuditSink
	invoker   domain.TransportInvoker
	transport *transport.Mux
	http      *transport.HTTPInvoker
	grpc      *transport.GRPCInvoker

	// Components
	breaker   *health.CircuitBreaker
	registry  *health.Registry
	discovery *discovery.Syncer
	limiter   *resilience.FixedWindowLimiter
	metrics   *resilience.Metrics
	gate      *resilience.Gate
	predictor *routing.Predictor
	router    *routing.Router
	governor  *budget.Governor
	fallback  *fallback.Engine
	batching  *batching.Coordinator
	scenarios *scenario.Coordinator

	// Lifecycle management
	mutex     sync.RWMutex
	isStarted bool
}

// NewContainer builds every component from cfg and applies the declared services
func NewContainer(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Container{
		config:  cfg,
		loader:  config.LoadConfig,
		version: "dev",
		logger:  log.WithField("component", "container"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.initializeInfrastructure(ctx, log); err != nil {
		return nil, err
	}
	if err := c.initializeComponents(log); err != nil {
		c.closeInfrastructure()
		return nil, err
	}

	if err := c.applyServices(ctx, nil, cfg); err != nil {
		c.closeInfrastructure()
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"store":    cfg.Store.Driver,
		"services": len(cfg.Services),
	}).Info("Container initialized")
	return c, nil
}

func (c *Container) initializeInfrastructure(ctx context.Context, log *logger.Logger) error {
	cfg := c.config

	if c.store == nil {
		switch cfg.Store.Driver {
		case config.StoreMemory, "":
			c.store = repository.NewInMemoryStateStore()
		default:
			store, err := repository.OpenSQLStateStore(ctx, cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return fmt.Errorf("failed to open %s state store: %w", cfg.Store.Driver, err)
			}
			c.store = store
		}
		c.ownsStore = true
	}

	c.bus = events.NewBus(cfg.Events.BufferSize, log)
	c.auditLog = events.NewStoreAuditSink(c.store, cfg.Store.AuditRetain)
	c.audit = events.MultiAuditSink{events.NewLogAuditSink(log), c.auditLog}

	if c.invoker == nil {
		httpInvoker, err := transport.NewHTTPInvoker(cfg.Transport.HTTP, log)
		if err != nil {
			c.closeInfrastructure()
			return fmt.Errorf("failed to build http transport: %w", err)
		}
		c.http = httpInvoker
		c.grpc = transport.NewGRPCInvoker(cfg.Transport.GRPC, log)
		c.transport = transport.NewMux(httpInvoker)
		for service := range cfg.Transport.GRPC {
			c.transport.Handle(service, c.grpc)
		}
		c.invoker = c.transport
	}
	return nil
}

func (c *Container) initializeComponents(log *logger.Logger) error {
	cfg := c.config
	clock := domain.SystemClock{}

	c.breaker = health.NewCircuitBreaker(c.store, cfg.BreakerSettings(), log,
		health.WithBreakerEvents(c.bus),
		health.WithBreakerAudit(c.audit))

	registryOpts := []health.RegistryOption{}
	if cfg.Registry.ProbePath != "" {
		registryOpts = append(registryOpts, health.WithProber(
			health.NewTransportProber(c.invoker, cfg.Registry.ProbePath, cfg.Registry.ProbeTimeout, log)))
	}
	c.registry = health.NewRegistry(repository.NewInMemoryNodeRepository(), c.breaker, cfg.RegistrySettings(), log, registryOpts...)

	if cfg.Discovery.Enabled {
		provider, err := discovery.NewHTTPProvider(cfg.Discovery.Endpoint, cfg.Discovery.Headers, cfg.Discovery.Timeout, log)
		if err != nil {
			return err
		}
		c.discovery = discovery.NewSyncer(provider, c.registry, cfg.Discovery.Interval, log)
	}

	c.limiter = resilience.NewFixedWindowLimiter(c.store, cfg.Gate.RateLimit, clock, log)
	c.metrics = resilience.NewMetrics()
	c.gate = resilience.NewGate(c.invoker, c.breaker, c.limiter, cfg.GateSettings(), log,
		resilience.WithOutcomeRecorder(c.registry),
		resilience.WithMetrics(c.metrics))

	c.governor = budget.NewGovernor(c.store, cfg.GovernorSettings(), log,
		budget.WithGovernorEvents(c.bus),
		budget.WithGovernorAudit(c.audit))

	c.predictor = routing.NewPredictor(routing.DefaultPredictorConfig(), clock, log)
	c.router = routing.NewRouter(c.registry, c.store, cfg.RouterSettings(), log,
		routing.WithCostCeiling(c.governor),
		routing.WithRouterEvents(c.bus),
		routing.WithPredictor(c.predictor))

	c.fallback = fallback.NewEngine(c.store, c.invoker, c.registry, cfg.EngineSettings(), log,
		fallback.WithNotifier(events.NewBroadcastNotifier(c.bus, log)),
		fallback.WithEngineEvents(c.bus),
		fallback.WithEngineAudit(c.audit),
		fallback.WithSpendRecorder(c.governor))

	c.batching = batching.NewCoordinator(batching.NewGateBatchExecutor(c.gate, cfg.Batching.Concurrency), cfg.BatchingSettings(), log,
		batching.WithBatchingEvents(c.bus))

	c.scenarios = scenario.NewCoordinator(c.gate, c.store, cfg.ScenarioSettings(), log,
		scenario.WithRouter(c.router, c.registry),
		scenario.WithGovernor(c.governor),
		scenario.WithFallback(c.fallback),
		scenario.WithCoordinatorEvents(c.bus),
		scenario.WithCoordinatorAudit(c.audit))
	return nil
}

// applyServices pushes the service declarations of next into the components.
// Nodes declared by previous but missing from next are removed.
func (c *Container) applyServices(ctx context.Context, previous, next *config.Config) error {
	for service, limit := range next.Gate.RateLimits {
		c.limiter.SetLimit(service, limit)
	}
	if c.http != nil {
		for service, target := range next.Transport.HTTP.Targets {
			if err := c.http.SetTarget(service, target); err != nil {
				return err
			}
		}
	}
	if c.grpc != nil {
		for service, target := range next.Transport.GRPC {
			c.grpc.SetTarget(service, target)
			c.transport.Handle(service, c.grpc)
		}
	}

	declared := make(map[string]bool)
	for i := range next.Services {
		svc := &next.Services[i]
		svcLogger := c.logger.ServiceLogger(svc.Name)

		for _, node := range svc.ToNodes() {
			declared[node.ID] = true
			if existing, err := c.registry.Node(node.ID); err == nil && sameNode(existing, node) {
				continue
			}
			if err := c.registry.RegisterNode(node); err != nil {
				return fmt.Errorf("service %s: %w", svc.Name, err)
			}
		}

		if svc.RoutingStrategy != "" {
			strategy, err := domain.ParseRoutingStrategy(svc.RoutingStrategy)
			if err != nil {
				return fmt.Errorf("service %s: %w", svc.Name, err)
			}
			if err := c.router.SetServiceStrategy(svc.Name, strategy); err != nil {
				return fmt.Errorf("service %s: %w", svc.Name, err)
			}
		}

		if svc.Fallback != nil {
			strategy, err := svc.FallbackStrategy()
			if err != nil {
				return err
			}
			if err := c.fallback.RegisterStrategy(ctx, *strategy); err != nil {
				return fmt.Errorf("service %s: %w", svc.Name, err)
			}
		}

		if svc.Budget != nil {
			if err := c.governor.RegisterBudgetAllocation(ctx, svc.BudgetAllocation()); err != nil {
				return fmt.Errorf("service %s: %w", svc.Name, err)
			}
		}

		if svc.Batching != nil {
			if err := c.batching.Configure(svc.Name, *svc.Batching); err != nil {
				return fmt.Errorf("service %s: %w", svc.Name, err)
			}
		}

		svcLogger.WithField("nodes", len(svc.Nodes)).Debug("Applied service declaration")
	}

	if previous != nil {
		for _, svc := range previous.Services {
			for _, n := range svc.Nodes {
				if declared[n.ID] {
					continue
				}
				if err := c.registry.RemoveNode(n.ID); err != nil {
					c.logger.WithError(err).WithField("node_id", n.ID).Warn("Failed to remove undeclared node")
				}
			}
		}
	}
	return nil
}

// sameNode reports whether re-registering b would change a's declaration
func sameNode(a, b *domain.ServiceEndpointNode) bool {
	return a.ServiceName == b.ServiceName &&
		a.Provider == b.Provider &&
		a.Endpoint == b.Endpoint &&
		a.Region == b.Region &&
		a.Weight == b.Weight &&
		a.MaxConnections == b.MaxConnections &&
		a.CostPerCall == b.CostPerCall
}

// CurrentConfig returns the configuration last applied
func (c *Container) CurrentConfig() *config.Config {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.config
}

// Reload loads a fresh configuration and applies its service declarations.
// Component-wide settings such as the store driver or breaker thresholds
// need a restart.
func (c *Container) Reload(ctx context.Context) error {
	next, err := c.loader()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.applyServices(ctx, c.config, next); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}
	c.config = next

	c.bus.Publish(domain.Event{
		Type:      domain.EventConfigReloaded,
		Payload:   map[string]interface{}{"services": len(next.Services)},
		Timestamp: time.Now(),
	})
	c.logger.WithField("services", len(next.Services)).Info("Configuration reloaded")
	return nil
}

// Start launches the background loops and restores persisted scenario history
func (c *Container) Start(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.isStarted {
		return fmt.Errorf("container is already started")
	}

	c.bus.Start()
	if err := c.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health registry: %w", err)
	}
	if c.discovery != nil {
		if err := c.discovery.Start(ctx); err != nil {
			c.registry.Stop()
			return fmt.Errorf("failed to start discovery: %w", err)
		}
	}
	if err := c.predictor.Start(ctx); err != nil {
		c.stopDiscovery()
		c.registry.Stop()
		return fmt.Errorf("failed to start predictor: %w", err)
	}
	if err := c.governor.Start(ctx); err != nil {
		c.predictor.Stop()
		c.stopDiscovery()
		c.registry.Stop()
		return fmt.Errorf("failed to start cost governor: %w", err)
	}
	if err := c.batching.Start(ctx); err != nil {
		c.governor.Stop()
		c.predictor.Stop()
		c.stopDiscovery()
		c.registry.Stop()
		return fmt.Errorf("failed to start batching coordinator: %w", err)
	}

	services := make([]string, 0, len(c.config.Services))
	for _, svc := range c.config.Services {
		services = append(services, svc.Name)
	}
	if err := c.scenarios.Restore(ctx, services...); err != nil {
		c.logger.WithError(err).Warn("Failed to restore scenario history")
	}

	c.isStarted = true
	c.logger.Info("Container started")
	return nil
}

// Stop drains pending batches, stops the loops and closes owned resources
func (c *Container) Stop(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isStarted {
		return nil
	}

	done := make(chan struct{})
	go func() {
		c.batching.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Shutdown deadline reached before batches drained")
	}

	c.governor.Stop()
	c.predictor.Stop()
	c.stopDiscovery()
	c.registry.Stop()
	c.bus.Stop()

	err := c.closeInfrastructure()
	c.isStarted = false
	c.logger.Info("Container stopped")
	return err
}

func (c *Container) stopDiscovery() {
	if c.discovery != nil {
		c.discovery.Stop()
	}
}

func (c *Container) closeInfrastructure() error {
	var firstErr error
	if c.http != nil {
		if err := c.http.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.grpc != nil {
		if err := c.grpc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.ownsStore && c.store != nil {
		if err := c.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close state store: %w", err)
		}
	}
	return firstErr
}

// HealthCheck reports whether the container is running and its store answers
func (c *Container) HealthCheck(ctx context.Context) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if !c.isStarted {
		return fmt.Errorf("container is not started")
	}
	if _, _, err := c.store.Get(ctx, "health:ping"); err != nil {
		return fmt.Errorf("state store unavailable: %w", err)
	}
	return nil
}

// Gate returns the call gate all provider calls go through
func (c *Container) Gate() *resilience.Gate { return c.gate }

// Scenarios returns the error scenario coordinator
func (c *Container) Scenarios() *scenario.Coordinator { return c.scenarios }

// Batching returns the batching coordinator
func (c *Container) Batching() *batching.Coordinator { return c.batching }

// Breaker returns the shared circuit breaker
func (c *Container) Breaker() *health.CircuitBreaker { return c.breaker }

// Governor returns the cost governor
func (c *Container) Governor() *budget.Governor { return c.governor }

// Registry returns the node registry
func (c *Container) Registry() *health.Registry { return c.registry }

// Router returns the provider router
func (c *Container) Router() *routing.Router { return c.router }

// Fallback returns the fallback engine
func (c *Container) Fallback() *fallback.Engine { return c.fallback }

func (c *Container) statsProviders() map[string]handler.StatsProvider {
	stats := map[string]handler.StatsProvider{
		"registry":  c.registry,
		"router":    c.router,
		"predictor": c.predictor,
		"governor":  c.governor,
		"fallback":  c.fallback,
		"batching":  c.batching,
		"scenarios": c.scenarios,
		"events":    c.bus,
	}
	if c.discovery != nil {
		stats["discovery"] = c.discovery
	}
	if c.http != nil {
		stats["transport_http"] = c.http
	}
	if c.grpc != nil {
		stats["transport_grpc"] = c.grpc
	}
	return stats
}

// GetStats returns statistics about the container and its components
func (c *Container) GetStats() map[string]interface{} {
	c.mutex.RLock()
	started := c.isStarted
	c.mutex.RUnlock()

	components := make(map[string]interface{})
	for name, p := range c.statsProviders() {
		components[name] = p.GetStats()
	}
	calls, errs := c.metrics.Totals()
	return map[string]interface{}{
		"is_started": started,
		"store":      c.CurrentConfig().Store.Driver,
		"calls":      calls,
		"errors":     errs,
		"components": components,
		"timestamp":  time.Now(),
	}
}

// Handler builds the admin HTTP surface: health probes and metrics at the
// root, the admin API under cfg.Admin.Path behind the middleware chain
func (c *Container) Handler() (http.Handler, error) {
	cfg := c.CurrentConfig()
	log := c.logger

	admin := handler.NewAdminHandler(handler.AdminDependencies{
		Circuits:  c.breaker,
		Nodes:     c.registry,
		Router:    c.router,
		Budgets:   c.governor,
		Fallback:  c.fallback,
		Scenarios: c.scenarios,
		Batching:  c.batching,
		Events:    c.bus,
		Audit:     c.audit,
		AuditLog:  c.auditLog,
		Stats:     c.statsProviders(),
	}, log)

	healthHandler := handler.NewHealthHandler(c.version)
	healthHandler.AddCheck("container", c.HealthCheck)

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", healthHandler.ReadinessHandler).Methods(http.MethodGet)
	r.HandleFunc("/metrics", handler.NewPrometheusHandler(c.metrics, c.registry, log).MetricsHandler).Methods(http.MethodGet)

	sub := r.PathPrefix(cfg.Admin.Path).Subrouter()
	sub.HandleFunc("/health", healthHandler.LivenessHandler).Methods(http.MethodGet)
	sub.HandleFunc("/ready", healthHandler.ReadinessHandler).Methods(http.MethodGet)
	admin.RegisterRoutes(sub)
	handler.NewConfigHandler(c, admin, log).RegisterRoutes(sub)
	if cfg.Admin.EnableSwagger {
		handler.SwaggerInfo.BasePath = cfg.Admin.Path
		handler.RegisterSwaggerRoutes(sub)
	}

	chain := []func(http.Handler) http.Handler{
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		middleware.SecurityHeadersMiddleware(),
	}
	if cfg.Admin.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(cfg.Admin.RequestsPerSecond, cfg.Admin.Burst, log)
		chain = append(chain, limiter.RateLimitMiddleware())
	}
	if cfg.Admin.JWTSecret != "" {
		jwtAuth, err := middleware.NewJWTAuthMiddleware(middleware.JWTAuthConfig{
			Secret:    cfg.Admin.JWTSecret,
			Issuer:    cfg.Admin.JWTIssuer,
			Audience:  cfg.Admin.JWTAudience,
			ClockSkew: 30 * time.Second,
			PathRules: middleware.DefaultAdminPathRules(cfg.Admin.Path),
		}, log)
		if err != nil {
			return nil, err
		}
		chain = append(chain, jwtAuth.JWTAuth())
	} else {
		log.Warn("Admin API is running without authentication; set admin.jwt_secret to enable it")
	}

	return middleware.Chain(r, chain...), nil
}
