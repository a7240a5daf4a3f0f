package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/provider-resilience/internal/batching"
	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/internal/middleware"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

// CircuitInspector reads and resets per-service circuit breakers
type CircuitInspector interface {
	State(ctx context.Context, service string) (domain.CircuitBreakerState, error)
	Reset(ctx context.Context, service string) error
}

// NodeRegistry manages provider nodes
type NodeRegistry interface {
	Services() []string
	Nodes(service string) []*domain.ServiceEndpointNode
	Node(id string) (*domain.ServiceEndpointNode, error)
	RegisterNode(node *domain.ServiceEndpointNode) error
	RemoveNode(id string) error
}

// RoutingService exposes router configuration and history
type RoutingService interface {
	Route(ctx context.Context, req *domain.RoutingRequest) (*domain.RoutingDecision, error)
	ReportOutcome(decision *domain.RoutingDecision, success bool, latency time.Duration)
	SetServiceStrategy(service string, strategy domain.RoutingStrategy) error
	ServiceStrategy(service string) domain.RoutingStrategy
	Decisions(service string, limit int) []domain.RoutingDecision
}

// BudgetService registers budgets and reports spend
type BudgetService interface {
	RegisterBudgetAllocation(ctx context.Context, allocation domain.BudgetAllocation) error
	Allocation(ctx context.Context, service string) (domain.BudgetAllocation, bool, error)
	Snapshot(ctx context.Context, service string) (domain.CostMonitoringSnapshot, error)
	RecordSpend(ctx context.Context, service string, amount float64) (float64, error)
	Services() []string
}

// FallbackService manages fallback strategies
type FallbackService interface {
	RegisterStrategy(ctx context.Context, strategy domain.FallbackStrategy) error
	UpdateStrategy(ctx context.Context, strategy domain.FallbackStrategy) error
	RemoveStrategy(ctx context.Context, service string) error
	Strategy(ctx context.Context, service string) (*domain.FallbackStrategy, error)
	Strategies() []domain.FallbackStrategy
	Execute(ctx context.Context, req domain.FallbackRequest) (*domain.FallbackResult, error)
}

// ScenarioService runs scenario optimizations and reports their history
type ScenarioService interface {
	Optimize(ctx context.Context, sc domain.ErrorScenarioContext) (*domain.OptimizationDecision, error)
	Decisions(service string, limit int) []domain.OptimizationDecision
	Analytics(service string) domain.ScenarioAnalytics
}

// BatchingService queues calls for batched execution
type BatchingService interface {
	Submit(ctx context.Context, req batching.Request) (*batching.Result, error)
	Flush(service, reason string) int
	QueueDepth(service string) int
}

// EventSource returns recently published events
type EventSource interface {
	Recent(limit int) []domain.Event
}

// AuditReader returns recent audit records
type AuditReader interface {
	Records(ctx context.Context, limit int) ([]domain.AuditRecord, error)
}

// StatsProvider is implemented by every component exposing GetStats
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// AdminDependencies are the components behind the admin API. Nil members
// disable their routes.
type AdminDependencies struct {
	Circuits  CircuitInspector
	Nodes     NodeRegistry
	Router    RoutingService
	Budgets   BudgetService
	Fallback  FallbackService
	Scenarios ScenarioService
	Batching  BatchingService
	Events    EventSource
	Audit     domain.AuditSink
	AuditLog  AuditReader
	Stats     map[string]StatsProvider
}

// AdminHandler provides administrative API endpoints
type AdminHandler struct {
	deps      AdminDependencies
	logger    *logger.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(deps AdminDependencies, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		deps:      deps,
		logger:    log.WithField("component", "admin_api"),
		startTime: time.Now(),
	}
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      int                    `json:"code"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ServiceSummary is one row of GET /services
type ServiceSummary struct {
	Name            string                 `json:"name"`
	Nodes           int                    `json:"nodes"`
	RoutingStrategy domain.RoutingStrategy `json:"routing_strategy,omitempty"`
	CircuitState    domain.CircuitState    `json:"circuit_state,omitempty"`
	HasFallback     bool                   `json:"has_fallback"`
	HasBudget       bool                   `json:"has_budget"`
}

// NodeRequest registers a provider node
type NodeRequest struct {
	ID             string   `json:"id"`
	Provider       string   `json:"provider"`
	Region         string   `json:"region,omitempty"`
	Endpoint       string   `json:"endpoint"`
	Weight         int      `json:"weight,omitempty"`
	MaxConnections int64    `json:"max_connections,omitempty"`
	CostPerCall    float64  `json:"cost_per_call,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Limitations    []string `json:"limitations,omitempty"`
}

// RoutingStrategyRequest changes the routing strategy of a service
type RoutingStrategyRequest struct {
	Strategy domain.RoutingStrategy `json:"strategy"`
}

// SpendRequest records spend against a budget
type SpendRequest struct {
	Amount float64 `json:"amount"`
}

// FallbackExecuteRequest runs a service's fallback strategy directly
type FallbackExecuteRequest struct {
	Operation string          `json:"operation"`
	Method    string          `json:"method,omitempty"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CacheKey  string          `json:"cache_key,omitempty"`
}

// OptimizeRequest is a scenario context with an inline payload
type OptimizeRequest struct {
	domain.ErrorScenarioContext
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BatchSubmitRequest queues one call
type BatchSubmitRequest struct {
	batching.Request
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterRoutes mounts the admin API on r
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/services", h.ListServicesHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.GetStatsHandler).Methods(http.MethodGet)

	if h.deps.Nodes != nil {
		r.HandleFunc("/services/{service}/nodes", h.ListNodesHandler).Methods(http.MethodGet)
		r.HandleFunc("/services/{service}/nodes", h.RegisterNodeHandler).Methods(http.MethodPost)
		r.HandleFunc("/nodes/{id}", h.DeleteNodeHandler).Methods(http.MethodDelete)
	}
	if h.deps.Circuits != nil {
		r.HandleFunc("/circuits", h.ListCircuitsHandler).Methods(http.MethodGet)
		r.HandleFunc("/circuits/{service}", h.GetCircuitHandler).Methods(http.MethodGet)
		r.HandleFunc("/circuits/{service}/reset", h.ResetCircuitHandler).Methods(http.MethodPost)
	}
	if h.deps.Router != nil {
		r.HandleFunc("/services/{service}/routing", h.SetRoutingStrategyHandler).Methods(http.MethodPut)
		r.HandleFunc("/services/{service}/routing/decisions", h.ListRoutingDecisionsHandler).Methods(http.MethodGet)
		r.HandleFunc("/services/{service}/route", h.RouteHandler).Methods(http.MethodPost)
	}
	if h.deps.Budgets != nil {
		r.HandleFunc("/budgets", h.RegisterBudgetHandler).Methods(http.MethodPost)
		r.HandleFunc("/budgets/{service}", h.GetBudgetHandler).Methods(http.MethodGet)
		r.HandleFunc("/budgets/{service}/snapshot", h.GetBudgetSnapshotHandler).Methods(http.MethodGet)
		r.HandleFunc("/budgets/{service}/spend", h.RecordSpendHandler).Methods(http.MethodPost)
	}
	if h.deps.Fallback != nil {
		r.HandleFunc("/fallback/strategies", h.ListStrategiesHandler).Methods(http.MethodGet)
		r.HandleFunc("/fallback/strategies", h.RegisterStrategyHandler).Methods(http.MethodPost)
		r.HandleFunc("/fallback/strategies/{service}", h.GetStrategyHandler).Methods(http.MethodGet)
		r.HandleFunc("/fallback/strategies/{service}", h.UpdateStrategyHandler).Methods(http.MethodPut)
		r.HandleFunc("/fallback/strategies/{service}", h.DeleteStrategyHandler).Methods(http.MethodDelete)
		r.HandleFunc("/fallback/{service}/execute", h.ExecuteFallbackHandler).Methods(http.MethodPost)
	}
	if h.deps.Scenarios != nil {
		r.HandleFunc("/scenarios/optimize", h.OptimizeHandler).Methods(http.MethodPost)
		r.HandleFunc("/scenarios/{service}/decisions", h.ListScenarioDecisionsHandler).Methods(http.MethodGet)
		r.HandleFunc("/scenarios/{service}/analytics", h.GetScenarioAnalyticsHandler).Methods(http.MethodGet)
	}
	if h.deps.Batching != nil {
		r.HandleFunc("/batching/{service}/submit", h.SubmitBatchHandler).Methods(http.MethodPost)
		r.HandleFunc("/batching/{service}/flush", h.FlushBatchHandler).Methods(http.MethodPost)
	}
	if h.deps.Events != nil {
		r.HandleFunc("/events", h.ListEventsHandler).Methods(http.MethodGet)
	}
	if h.deps.AuditLog != nil {
		r.HandleFunc("/audit", h.ListAuditHandler).Methods(http.MethodGet)
	}
}

// ListServicesHandler handles GET /services
func (h *AdminHandler) ListServicesHandler(w http.ResponseWriter, r *http.Request) {
	names := make(map[string]bool)
	if h.deps.Nodes != nil {
		for _, s := range h.deps.Nodes.Services() {
			names[s] = true
		}
	}
	if h.deps.Budgets != nil {
		for _, s := range h.deps.Budgets.Services() {
			names[s] = true
		}
	}
	fallbacks := make(map[string]bool)
	if h.deps.Fallback != nil {
		for _, s := range h.deps.Fallback.Strategies() {
			names[s.ServiceName] = true
			fallbacks[s.ServiceName] = true
		}
	}

	summaries := make([]ServiceSummary, 0, len(names))
	for name := range names {
		summary := ServiceSummary{Name: name, HasFallback: fallbacks[name]}
		if h.deps.Nodes != nil {
			summary.Nodes = len(h.deps.Nodes.Nodes(name))
		}
		if h.deps.Router != nil {
			summary.RoutingStrategy = h.deps.Router.ServiceStrategy(name)
		}
		if h.deps.Circuits != nil {
			if state, err := h.deps.Circuits.State(r.Context(), name); err == nil {
				summary.CircuitState = state.State
			}
		}
		if h.deps.Budgets != nil {
			_, ok, _ := h.deps.Budgets.Allocation(r.Context(), name)
			summary.HasBudget = ok
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	h.writeJSON(w, http.StatusOK, summaries)
}

// ListNodesHandler handles GET /services/{service}/nodes
func (h *AdminHandler) ListNodesHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	nodes := h.deps.Nodes.Nodes(service)
	snapshots := make([]domain.NodeSnapshot, 0, len(nodes))
	for _, n := range nodes {
		snapshots = append(snapshots, n.Snapshot())
	}
	h.writeJSON(w, http.StatusOK, snapshots)
}

// RegisterNodeHandler handles POST /services/{service}/nodes
func (h *AdminHandler) RegisterNodeHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	var req NodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" || req.Provider == "" || req.Endpoint == "" {
		h.writeErrorResponse(w, r, "id, provider and endpoint are required", http.StatusBadRequest)
		return
	}
	if req.Weight <= 0 {
		req.Weight = 1
	}

	node := domain.NewServiceEndpointNode(req.ID, service, req.Provider, req.Endpoint, req.Weight)
	node.Region = req.Region
	if req.MaxConnections > 0 {
		node.MaxConnections = req.MaxConnections
	}
	node.CostPerCall = req.CostPerCall
	node.Capabilities = req.Capabilities
	node.Limitations = req.Limitations

	if err := h.deps.Nodes.RegisterNode(node); err != nil {
		h.writeErrorResponse(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	h.audit(r, "admin.node.registered", service, map[string]interface{}{"node_id": node.ID, "provider": node.Provider})
	h.writeJSON(w, http.StatusCreated, node.Snapshot())
}

// DeleteNodeHandler handles DELETE /nodes/{id}
func (h *AdminHandler) DeleteNodeHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	node, err := h.deps.Nodes.Node(id)
	if err != nil {
		h.writeErrorResponse(w, r, err.Error(), http.StatusNotFound)
		return
	}
	if err := h.deps.Nodes.RemoveNode(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "admin.node.removed", node.ServiceName, map[string]interface{}{"node_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// ListCircuitsHandler handles GET /circuits
func (h *AdminHandler) ListCircuitsHandler(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]bool)
	if h.deps.Nodes != nil {
		for _, s := range h.deps.Nodes.Services() {
			services[s] = true
		}
	}
	if svc := r.URL.Query().Get("service"); svc != "" {
		services = map[string]bool{svc: true}
	}

	states := make([]domain.CircuitBreakerState, 0, len(services))
	for svc := range services {
		state, err := h.deps.Circuits.State(r.Context(), svc)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ServiceName < states[j].ServiceName })
	h.writeJSON(w, http.StatusOK, states)
}

// GetCircuitHandler handles GET /circuits/{service}
func (h *AdminHandler) GetCircuitHandler(w http.ResponseWriter, r *http.Request) {
	state, err := h.deps.Circuits.State(r.Context(), mux.Vars(r)["service"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// ResetCircuitHandler handles POST /circuits/{service}/reset
func (h *AdminHandler) ResetCircuitHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	if err := h.deps.Circuits.Reset(r.Context(), service); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "admin.circuit.reset", service, nil)
	state, err := h.deps.Circuits.State(r.Context(), service)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// SetRoutingStrategyHandler handles PUT /services/{service}/routing
func (h *AdminHandler) SetRoutingStrategyHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	var req RoutingStrategyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := domain.ParseRoutingStrategy(string(req.Strategy)); err != nil {
		h.writeErrorResponse(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.deps.Router.SetServiceStrategy(service, req.Strategy); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "admin.routing.strategy_changed", service, map[string]interface{}{"strategy": req.Strategy})
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":  service,
		"strategy": h.deps.Router.ServiceStrategy(service),
	})
}

// ListRoutingDecisionsHandler handles GET /services/{service}/routing/decisions
func (h *AdminHandler) ListRoutingDecisionsHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	h.writeJSON(w, http.StatusOK, h.deps.Router.Decisions(service, limitParam(r)))
}

// RouteHandler handles POST /services/{service}/route. The decision is
// reported back immediately so the dry run does not hold a connection.
func (h *AdminHandler) RouteHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RoutingRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ServiceName = mux.Vars(r)["service"]
	if req.RequestID == "" {
		req.RequestID = middleware.RequestIDFromContext(r.Context())
	}

	decision, err := h.deps.Router.Route(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.deps.Router.ReportOutcome(decision, true, 0)
	h.writeJSON(w, http.StatusOK, decision)
}

// RegisterBudgetHandler handles POST /budgets
func (h *AdminHandler) RegisterBudgetHandler(w http.ResponseWriter, r *http.Request) {
	var allocation domain.BudgetAllocation
	if !h.decode(w, r, &allocation) {
		return
	}
	if err := h.deps.Budgets.RegisterBudgetAllocation(r.Context(), allocation); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "admin.budget.registered", allocation.ServiceName, map[string]interface{}{
		"total_budget": allocation.TotalBudget,
		"period":       allocation.Period,
	})
	h.writeJSON(w, http.StatusCreated, allocation)
}

// GetBudgetHandler handles GET /budgets/{service}
func (h *AdminHandler) GetBudgetHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	allocation, ok, err := h.deps.Budgets.Allocation(r.Context(), service)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeErrorResponse(w, r, "no budget registered for "+service, http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, allocation)
}

// GetBudgetSnapshotHandler handles GET /budgets/{service}/snapshot
func (h *AdminHandler) GetBudgetSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.deps.Budgets.Snapshot(r.Context(), mux.Vars(r)["service"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

// RecordSpendHandler handles POST /budgets/{service}/spend
func (h *AdminHandler) RecordSpendHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	var req SpendRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		h.writeErrorResponse(w, r, "amount must be positive", http.StatusBadRequest)
		return
	}
	total, err := h.deps.Budgets.RecordSpend(r.Context(), service, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "admin.budget.spend_recorded", service, map[string]interface{}{"amount": req.Amount})
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"service": service, "spend": total})
}

// ListStrategiesHandler handles GET /fallback/strategies
func (h *AdminHandler) ListStrategiesHandler(w http.ResponseWriter, r *http.Request) {
	strategies := h.deps.Fallback.Strategies()
	sort.Slice(strategies, func(i, j int) bool { return strategies[i].ServiceName < strategies[j].ServiceName })
	h.writeJSON(w, http.StatusOK, strategies)
}

// RegisterStrategyHandler handles POST /fallback/strategies
func (h *AdminHandler) RegisterStrategyHandler(w http.ResponseWriter, r *http.Request) {
	var strategy domain.FallbackStrategy
	if !h.decode(w, r, &strategy) {
		return
	}
	if err := h.deps.Fallback.RegisterStrategy(r.Context(), strategy); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "admin.fallback.registered", strategy.ServiceName, map[string]interface{}{"type": strategy.Type()})
	h.writeJSON(w, http.StatusCreated, strategy)
}

// GetStrategyHandler handles GET /fallback/strategies/{service}
func (h *AdminHandler) GetStrategyHandler(w http.ResponseWriter, r *http.Request) {
	strategy, err := h.deps.Fallback.Strategy(r.Context(), mux.Vars(r)["service"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, strategy)
}

// UpdateStrategyHandler handles PUT /fallback/strategies/{service}
func (h *AdminHandler) UpdateStrategyHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	var strategy domain.FallbackStrategy
	if !h.decode(w, r, &strategy) {
		return
	}
	if strategy.ServiceName == "" {
		strategy.ServiceName = service
	}
	if strategy.ServiceName != service {
		h.writeErrorResponse(w, r, "service name does not match path", http.StatusBadRequest)
		return
	}
	if err := h.deps.Fallback.UpdateStrategy(r.Context(), strategy); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "admin.fallback.updated", service, map[string]interface{}{"type": strategy.Type()})
	h.writeJSON(w, http.StatusOK, strategy)
}

// DeleteStrategyHandler handles DELETE /fallback/strategies/{service}
func (h *AdminHandler) DeleteStrategyHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	if err := h.deps.Fallback.RemoveStrategy(r.Context(), service); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "admin.fallback.removed", service, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteFallbackHandler handles POST /fallback/{service}/execute
func (h *AdminHandler) ExecuteFallbackHandler(w http.ResponseWriter, r *http.Request) {
	var req FallbackExecuteRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.deps.Fallback.Execute(r.Context(), domain.FallbackRequest{
		ServiceName: mux.Vars(r)["service"],
		Operation:   req.Operation,
		Method:      req.Method,
		Endpoint:    req.Endpoint,
		Payload:     req.Payload,
		CacheKey:    req.CacheKey,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// OptimizeHandler handles POST /scenarios/optimize. A failed optimization
// still returns its decision alongside the error.
func (h *AdminHandler) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	sc := req.ErrorScenarioContext
	sc.Payload = req.Payload
	if sc.Request.RequestID == "" {
		sc.Request.RequestID = middleware.RequestIDFromContext(r.Context())
	}

	decision, err := h.deps.Scenarios.Optimize(r.Context(), sc)
	if decision == nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = rerrors.GetHTTPStatusCode(err)
	}
	h.writeJSON(w, status, decision)
}

// ListScenarioDecisionsHandler handles GET /scenarios/{service}/decisions
func (h *AdminHandler) ListScenarioDecisionsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Scenarios.Decisions(mux.Vars(r)["service"], limitParam(r)))
}

// GetScenarioAnalyticsHandler handles GET /scenarios/{service}/analytics
func (h *AdminHandler) GetScenarioAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Scenarios.Analytics(mux.Vars(r)["service"]))
}

// SubmitBatchHandler handles POST /batching/{service}/submit and blocks until the batch runs
func (h *AdminHandler) SubmitBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req BatchSubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	call := req.Request
	call.ServiceName = mux.Vars(r)["service"]
	call.Payload = req.Payload
	if call.RequestID == "" {
		call.RequestID = middleware.RequestIDFromContext(r.Context())
	}

	result, err := h.deps.Batching.Submit(r.Context(), call)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// FlushBatchHandler handles POST /batching/{service}/flush
func (h *AdminHandler) FlushBatchHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	flushed := h.deps.Batching.Flush(service, "admin")
	h.audit(r, "admin.batching.flushed", service, map[string]interface{}{"batches": flushed})
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":     service,
		"batches":     flushed,
		"queue_depth": h.deps.Batching.QueueDepth(service),
	})
}

// ListEventsHandler handles GET /events
func (h *AdminHandler) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Events.Recent(limitParam(r)))
}

// ListAuditHandler handles GET /audit
func (h *AdminHandler) ListAuditHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.AuditLog.Records(r.Context(), limitParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// GetStatsHandler handles GET /stats
func (h *AdminHandler) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]interface{}, len(h.deps.Stats))
	for name, provider := range h.deps.Stats {
		components[name] = provider.GetStats()
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":     time.Since(h.startTime).String(),
		"components": components,
	})
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.writeErrorResponse(w, r, "Invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *AdminHandler) audit(r *http.Request, action, resource string, details map[string]interface{}) {
	if h.deps.Audit == nil {
		return
	}
	actor := "anonymous"
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		actor = claims.Subject
	}
	if details == nil {
		details = make(map[string]interface{})
	}
	details["request_id"] = middleware.RequestIDFromContext(r.Context())
	record := domain.AuditRecord{
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Details:   details,
		Timestamp: time.Now(),
	}
	if err := h.deps.Audit.Record(r.Context(), record); err != nil {
		h.logger.WithError(err).WithField("action", action).Warn("Failed to record admin audit entry")
	}
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("Failed to encode admin response")
	}
}

// writeError maps a component error onto its HTTP status
func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	response := ErrorResponse{
		Error:     err.Error(),
		Code:      rerrors.GetHTTPStatusCode(err),
		Timestamp: time.Now(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	}
	if code := rerrors.GetErrorCode(err); code != "" {
		response.ErrorCode = string(code)
	}
	var rerr *rerrors.ResilienceError
	if errors.As(err, &rerr) {
		response.Metadata = rerr.Metadata
	}
	h.logResponseError(response)
	h.writeJSON(w, response.Code, response)
}

// writeErrorResponse writes a standardized error response
func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, r *http.Request, message string, code int) {
	response := ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	}
	h.logResponseError(response)
	h.writeJSON(w, code, response)
}

func (h *AdminHandler) logResponseError(response ErrorResponse) {
	entry := h.logger.WithFields(map[string]interface{}{
		"error":      response.Error,
		"code":       response.Code,
		"request_id": response.RequestID,
	})
	if response.Code >= 500 {
		entry.Error("API error response")
		return
	}
	entry.Warn("API error response")
}
