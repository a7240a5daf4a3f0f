package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const microsPerDollar = 1_000_000

// GovernorConfig holds monitoring settings
type GovernorConfig struct {
	MonitorInterval time.Duration
	// AlertThresholds are utilization percentages that raise an alert once per period
	AlertThresholds []float64
	MaxAlerts       int
}

// DefaultGovernorConfig returns the default monitoring settings
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MonitorInterval: 60 * time.Second,
		AlertThresholds: []float64{50, 75, 90, 100},
		MaxAlerts:       20,
	}
}

type allocationState struct {
	allocation domain.BudgetAllocation
	triggers   []Trigger
}

// highest returns the last tier after sorting by escalation threshold
func (a *allocationState) highest() domain.CostTier {
	return a.allocation.Tiers[len(a.allocation.Tiers)-1]
}

// Governor tracks spend per service and period and places calls within budget
type Governor struct {
	store  domain.StateStore
	clock  domain.Clock
	events domain.EventPublisher
	audit  domain.AuditSink
	config GovernorConfig
	logger *logger.Logger

	mu          sync.RWMutex
	allocations map[string]*allocationState
	monitors    map[string]*monitorState

	monitorRunning int32
	ticks          int64

	runMu     sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// GovernorOption configures optional collaborators
type GovernorOption func(*Governor)

// WithGovernorClock replaces the wall clock
func WithGovernorClock(clock domain.Clock) GovernorOption {
	return func(g *Governor) { g.clock = clock }
}

// WithGovernorEvents broadcasts alerts, rollovers and emergency activations
func WithGovernorEvents(events domain.EventPublisher) GovernorOption {
	return func(g *Governor) { g.events = events }
}

// WithGovernorAudit records emergency activations
func WithGovernorAudit(audit domain.AuditSink) GovernorOption {
	return func(g *Governor) { g.audit = audit }
}

// NewGovernor creates a budget governor
func NewGovernor(store domain.StateStore, config GovernorConfig, log *logger.Logger, opts ...GovernorOption) *Governor {
	defaults := DefaultGovernorConfig()
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = defaults.MonitorInterval
	}
	if len(config.AlertThresholds) == 0 {
		config.AlertThresholds = defaults.AlertThresholds
	}
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = defaults.MaxAlerts
	}
	sort.Float64s(config.AlertThresholds)

	g := &Governor{
		store:       store,
		clock:       domain.SystemClock{},
		config:      config,
		logger:      log.GovernorLogger(),
		allocations: make(map[string]*allocationState),
		monitors:    make(map[string]*monitorState),
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func allocationKey(service string) string { return "budget:allocation:" + service }

func spendKey(service string, periodStart time.Time) string {
	return fmt.Sprintf("budget:spend:%s:%d", service, periodStart.Unix())
}

func emergencyKey(service string, periodStart time.Time) string {
	return fmt.Sprintf("budget:emergency:%s:%d", service, periodStart.Unix())
}

// RegisterBudgetAllocation validates, stores and activates an allocation
func (g *Governor) RegisterBudgetAllocation(ctx context.Context, allocation domain.BudgetAllocation) error {
	state, err := newAllocationState(allocation)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(state.allocation)
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, allocationKey(allocation.ServiceName), raw, 0); err != nil {
		return err
	}

	g.mu.Lock()
	g.allocations[allocation.ServiceName] = state
	g.mu.Unlock()

	g.logger.WithFields(map[string]interface{}{
		"service": allocation.ServiceName,
		"budget":  allocation.TotalBudget,
		"period":  allocation.Period,
		"tiers":   len(allocation.Tiers),
	}).Info("Registered budget allocation")
	return nil
}

func newAllocationState(allocation domain.BudgetAllocation) (*allocationState, error) {
	if err := allocation.Validate(); err != nil {
		return nil, rerrors.NewInvalidConfigurationError("budget_governor", err.Error())
	}
	tiers := append([]domain.CostTier(nil), allocation.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].EscalationThreshold < tiers[j].EscalationThreshold
	})
	allocation.Tiers = tiers

	var triggers []Trigger
	if allocation.Emergency != nil {
		var err error
		if triggers, err = CompileTriggers(allocation.Emergency.TriggerConditions); err != nil {
			return nil, rerrors.NewInvalidConfigurationError("budget_governor", err.Error())
		}
	}
	return &allocationState{allocation: allocation, triggers: triggers}, nil
}

// state returns the allocation of service, loading it from the store when
// another instance registered it
func (g *Governor) state(ctx context.Context, service string) (*allocationState, error) {
	g.mu.RLock()
	state := g.allocations[service]
	g.mu.RUnlock()
	if state != nil {
		return state, nil
	}

	raw, found, err := g.store.Get(ctx, allocationKey(service))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var allocation domain.BudgetAllocation
	if err := json.Unmarshal(raw, &allocation); err != nil {
		return nil, rerrors.NewStateStoreError("decode budget allocation", err)
	}
	if state, err = newAllocationState(allocation); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.allocations[service] = state
	g.mu.Unlock()
	return state, nil
}

// Allocation returns the allocation of service
func (g *Governor) Allocation(ctx context.Context, service string) (domain.BudgetAllocation, bool, error) {
	state, err := g.state(ctx, service)
	if err != nil || state == nil {
		return domain.BudgetAllocation{}, false, err
	}
	return state.allocation, true, nil
}

// Services returns every service with a registered allocation
func (g *Governor) Services() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	services := make([]string, 0, len(g.allocations))
	for s := range g.allocations {
		services = append(services, s)
	}
	sort.Strings(services)
	return services
}

// RecordSpend adds the cost of a completed call to the current period
func (g *Governor) RecordSpend(ctx context.Context, service string, amount float64) (float64, error) {
	if amount <= 0 {
		return g.spend(ctx, service)
	}
	state, err := g.state(ctx, service)
	if err != nil {
		return 0, err
	}
	period := domain.PeriodDay
	if state != nil {
		period = state.allocation.Period
	}
	start, end := period.Window(g.clock.Now())
	key := spendKey(service, start)

	delta := int64(math.Round(amount * microsPerDollar))
	total, err := g.store.Incr(ctx, key, delta)
	if err != nil {
		return 0, err
	}
	if total == delta {
		// Keep the previous period readable for one more period after rollover.
		if err := g.store.Expire(ctx, key, 2*end.Sub(start)); err != nil {
			g.logger.WithError(err).WithField("service", service).Warn("Failed to set spend counter expiry")
		}
	}
	return float64(total) / microsPerDollar, nil
}

func (g *Governor) spend(ctx context.Context, service string) (float64, error) {
	state, err := g.state(ctx, service)
	if err != nil {
		return 0, err
	}
	period := domain.PeriodDay
	if state != nil {
		period = state.allocation.Period
	}
	start, _ := period.Window(g.clock.Now())
	micros, err := g.store.Counter(ctx, spendKey(service, start))
	if err != nil {
		return 0, err
	}
	return float64(micros) / microsPerDollar, nil
}

func (g *Governor) emergencyActive(ctx context.Context, service string, periodStart time.Time) (bool, error) {
	_, found, err := g.store.Get(ctx, emergencyKey(service, periodStart))
	return found, err
}

// SelectTier returns the tier for a call at the given utilization: the highest
// tier for revenue-impacting or critical calls, otherwise the first tier whose
// escalation threshold is not yet exceeded, otherwise the highest tier
func SelectTier(tiers []domain.CostTier, utilization float64, revenueImpacting bool, urgency domain.Urgency) domain.CostTier {
	highest := tiers[len(tiers)-1]
	if revenueImpacting || urgency == domain.UrgencyCritical {
		return highest
	}
	for _, t := range tiers {
		if t.EscalationThreshold >= utilization {
			return t
		}
	}
	return highest
}

// CurrentTier returns the tier a normal call would use now along with the current snapshot
func (g *Governor) CurrentTier(ctx context.Context, service string, revenueImpacting bool, urgency domain.Urgency) (domain.CostTier, domain.CostMonitoringSnapshot, bool, error) {
	state, err := g.state(ctx, service)
	if err != nil || state == nil {
		return domain.CostTier{}, domain.CostMonitoringSnapshot{}, false, err
	}
	snap, err := g.computeSnapshot(ctx, state)
	if err != nil {
		return domain.CostTier{}, snap, false, err
	}
	return SelectTier(state.allocation.Tiers, snap.Utilization, revenueImpacting, urgency), snap, true, nil
}

// CostCeiling returns the per-call ceiling of the tier a normal call would use now
func (g *Governor) CostCeiling(ctx context.Context, service string) (float64, bool) {
	tier, _, ok, err := g.CurrentTier(ctx, service, false, domain.UrgencyNormal)
	if err != nil {
		g.logger.WithError(err).WithField("service", service).Warn("Failed to resolve cost ceiling")
		return 0, false
	}
	if !ok || tier.MaxCostPerCall <= 0 {
		return 0, false
	}
	return tier.MaxCostPerCall, true
}

type qualifyResult struct {
	quotes []domain.ProviderQuote
	// envelopeBound is set when a quote passed the tier limits but not the overall budget
	envelopeBound bool
}

// qualify keeps the quotes the tier admits and whose cost fits the tier and the budget envelope
func qualify(tier domain.CostTier, quotes []domain.ProviderQuote, spend, envelope float64, ignoreAllowed bool) qualifyResult {
	var res qualifyResult
	for _, q := range quotes {
		if !ignoreAllowed && !tier.Allows(q.Provider) {
			continue
		}
		if tier.MaxCostPerCall > 0 && q.CostPerCall > tier.MaxCostPerCall {
			continue
		}
		if tier.MaxTotalCost > 0 && spend+q.CostPerCall > tier.MaxTotalCost {
			continue
		}
		if envelope > 0 && spend+q.CostPerCall > envelope {
			res.envelopeBound = true
			continue
		}
		res.quotes = append(res.quotes, q)
	}
	sort.SliceStable(res.quotes, func(i, j int) bool {
		if res.quotes[i].CostPerCall == res.quotes[j].CostPerCall {
			return res.quotes[i].SuccessRate > res.quotes[j].SuccessRate
		}
		return res.quotes[i].CostPerCall < res.quotes[j].CostPerCall
	})
	return res
}

// SelectProvider picks the cheapest admissible provider for a call. When no
// provider qualifies, an auto-activating emergency budget is released once per
// period and selection retried with the allowed-provider list lifted.
func (g *Governor) SelectProvider(ctx context.Context, req domain.CostRequest) (*domain.CostAwareRoutingDecision, error) {
	state, err := g.state(ctx, req.ServiceName)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, rerrors.NewInvalidConfigurationError("budget_governor",
			fmt.Sprintf("no budget allocation registered for %s", req.ServiceName))
	}

	snap, err := g.computeSnapshot(ctx, state)
	if err != nil {
		return nil, err
	}
	tier := SelectTier(state.allocation.Tiers, snap.Utilization, req.RevenueImpacting, req.Urgency)

	log := g.logger.WithFields(map[string]interface{}{
		"service":     req.ServiceName,
		"operation":   req.Operation,
		"tier":        tier.Name,
		"utilization": snap.Utilization,
	})

	res := qualify(tier, req.Candidates, snap.Spend, snap.Budget, false)
	emergencyActivated := false
	expanded := false

	if len(res.quotes) == 0 {
		expandable := snap.EmergencyActive
		if !expandable {
			expandable, err = g.activateEmergency(ctx, state, snap, req)
			if err != nil {
				return nil, err
			}
			emergencyActivated = expandable
		}
		if expandable {
			expandedTier := tier
			highest := state.highest()
			expandedTier.MaxCostPerCall = math.Max(tier.MaxCostPerCall, highest.MaxCostPerCall)
			if tier.MaxCostPerCall <= 0 || highest.MaxCostPerCall <= 0 {
				expandedTier.MaxCostPerCall = 0
			}
			amount := state.allocation.Emergency.Amount
			if expandedTier.MaxTotalCost > 0 {
				expandedTier.MaxTotalCost += amount
			}
			envelope := state.allocation.TotalBudget + amount
			res = qualify(expandedTier, req.Candidates, snap.Spend, envelope, true)
			expanded = true
		}
	}

	if len(res.quotes) == 0 {
		log.Warn("No affordable provider")
		nerr := rerrors.NewNoAffordableProviderError(req.ServiceName, tier.Name)
		if res.envelopeBound {
			nerr.Cause = rerrors.NewBudgetExceededError(req.ServiceName, snap.Utilization)
		}
		return nil, nerr
	}

	chosen := res.quotes[0]
	alternatives := make([]string, 0, len(res.quotes)-1)
	for _, q := range res.quotes[1:] {
		alternatives = append(alternatives, q.Provider)
	}

	reasoning := []string{fmt.Sprintf("tier %s selected at %.1f%% utilization", tier.Name, snap.Utilization)}
	if req.RevenueImpacting || req.Urgency == domain.UrgencyCritical {
		reasoning = append(reasoning, "revenue-impacting or critical call escalated to highest tier")
	}
	if expanded {
		reasoning = append(reasoning, "emergency budget expanded the provider set")
	}
	reasoning = append(reasoning, fmt.Sprintf("cheapest qualifying provider %s at %.4f", chosen.Provider, chosen.CostPerCall))

	decision := &domain.CostAwareRoutingDecision{
		ID:                 uuid.NewString(),
		ServiceName:        req.ServiceName,
		Tier:               tier.Name,
		TierMaxCostPerCall: tier.MaxCostPerCall,
		SelectedProvider:   chosen.Provider,
		EstimatedCost:      chosen.CostPerCall,
		Alternatives:       alternatives,
		Utilization:        snap.Utilization,
		EmergencyActivated: emergencyActivated,
		Reasoning:          strings.Join(reasoning, "; "),
		Timestamp:          g.clock.Now(),
	}
	log.WithFields(map[string]interface{}{
		"provider": chosen.Provider,
		"cost":     chosen.CostPerCall,
	}).Debug("Cost-aware provider selected")
	return decision, nil
}

// activateEmergency releases the emergency budget if it auto-activates and its triggers hold
func (g *Governor) activateEmergency(ctx context.Context, state *allocationState, snap domain.CostMonitoringSnapshot, req domain.CostRequest) (bool, error) {
	emergency := state.allocation.Emergency
	if emergency == nil || !emergency.AutoActivate || emergency.Amount <= 0 {
		return false, nil
	}
	ok, err := allMatch(state.triggers, triggerEnv(snap, req))
	if err != nil {
		g.logger.WithError(err).WithField("service", req.ServiceName).Warn("Emergency trigger evaluation failed")
		return false, nil
	}
	if !ok {
		return false, nil
	}

	acquired, err := g.store.SetNX(ctx, emergencyKey(req.ServiceName, snap.PeriodStart),
		[]byte(g.clock.Now().Format(time.RFC3339Nano)), snap.PeriodEnd.Sub(g.clock.Now()))
	if err != nil {
		return false, err
	}
	if !acquired {
		// Another caller activated it for this period first.
		return true, nil
	}

	now := g.clock.Now()
	g.logger.WithFields(map[string]interface{}{
		"service":     req.ServiceName,
		"amount":      emergency.Amount,
		"utilization": snap.Utilization,
	}).Warn("Emergency budget activated")

	if g.audit != nil {
		record := domain.AuditRecord{
			ID:       uuid.NewString(),
			Actor:    "budget_governor",
			Action:   "budget.emergency_activated",
			Resource: req.ServiceName,
			Details: map[string]interface{}{
				"amount":       emergency.Amount,
				"utilization":  snap.Utilization,
				"spend":        snap.Spend,
				"period_start": snap.PeriodStart,
				"operation":    req.Operation,
			},
			Timestamp: now,
		}
		if err := g.audit.Record(ctx, record); err != nil {
			g.logger.WithError(err).Warn("Failed to record emergency activation audit")
		}
	}
	if g.events != nil {
		g.events.Publish(domain.Event{
			Type:        domain.EventBudgetEmergency,
			ServiceName: req.ServiceName,
			Payload: map[string]interface{}{
				"amount":      emergency.Amount,
				"utilization": snap.Utilization,
			},
			Timestamp: now,
		})
	}
	return true, nil
}
