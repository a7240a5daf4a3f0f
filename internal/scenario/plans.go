package scenario

import (
	"fmt"
	"math"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
)

// planProfile holds the per-strategy defaults a plan is built from
type planProfile struct {
	ceilingMultiplier float64
	latency           time.Duration
	successRate       float64
	routing           domain.RoutingStrategy
	primary           domain.PlannedAction
	secondary         domain.PlannedAction
	fallback          domain.PlannedAction
	tradeoffs         []string
	keyMetrics        []string
	reviewInterval    time.Duration
	escalation        []string
}

var fallbackAction = domain.PlannedAction{
	Action:      "execute_fallback_strategy",
	Facets:      []domain.Facet{domain.FacetFallback},
	Description: "serve the registered fallback strategy for the service",
}

var profiles = map[domain.OptimizationStrategy]planProfile{
	domain.OptimizationEmergencyMode: {
		ceilingMultiplier: 3,
		latency:           2000 * time.Millisecond,
		successRate:       0.95,
		routing:           domain.HealthBased,
		primary: domain.PlannedAction{
			Action:      "route_to_most_reliable_provider",
			Facets:      []domain.Facet{domain.FacetRouting, domain.FacetFallback},
			Description: "route to the healthiest node regardless of cost and fall back immediately on failure",
		},
		secondary: domain.PlannedAction{
			Action:      "release_emergency_budget",
			Facets:      []domain.Facet{domain.FacetCost},
			Description: "lift tier restrictions and draw on the emergency budget",
		},
		fallback:       fallbackAction,
		tradeoffs:      []string{"cost ceiling raised threefold", "cheaper providers ignored"},
		keyMetrics:     []string{"error_rate", "success_rate", "revenue_at_risk", "emergency_spend"},
		reviewInterval: 5 * time.Minute,
		escalation:     []string{"fallback_exhausted", "manual_operation_required", "emergency_budget_depleted"},
	},
	domain.OptimizationRevenueProtection: {
		ceilingMultiplier: 2,
		latency:           1000 * time.Millisecond,
		successRate:       0.98,
		routing:           domain.HealthBased,
		primary: domain.PlannedAction{
			Action:      "route_to_premium_provider",
			Facets:      []domain.Facet{domain.FacetRouting, domain.FacetCost},
			Description: "select the highest tier provider and route to its healthiest node",
		},
		secondary: domain.PlannedAction{
			Action:      "serve_alternative_provider",
			Facets:      []domain.Facet{domain.FacetFallback},
			Description: "fail over along the provider chain",
		},
		fallback:       fallbackAction,
		tradeoffs:      []string{"higher per-call cost accepted to protect revenue"},
		keyMetrics:     []string{"success_rate", "revenue_at_risk", "cost_per_call"},
		reviewInterval: 15 * time.Minute,
		escalation:     []string{"fallback_exhausted", "success_rate_below_target"},
	},
	domain.OptimizationCostMinimization: {
		ceilingMultiplier: 0.5,
		latency:           3000 * time.Millisecond,
		successRate:       0.85,
		routing:           domain.CostOptimized,
		primary: domain.PlannedAction{
			Action:      "select_cheapest_provider",
			Facets:      []domain.Facet{domain.FacetCost, domain.FacetRouting},
			Description: "pick the cheapest admissible provider and its best value node",
		},
		secondary: domain.PlannedAction{
			Action:      "serve_from_cache",
			Facets:      []domain.Facet{domain.FacetFallback},
			Description: "prefer cached results over paid calls",
		},
		fallback:       fallbackAction,
		tradeoffs:      []string{"latency and success rate traded for spend", "premium providers avoided"},
		keyMetrics:     []string{"cost_per_call", "budget_utilization", "error_rate"},
		reviewInterval: time.Hour,
		escalation:     []string{"budget_exhausted", "success_rate_below_target"},
	},
	domain.OptimizationPerformance: {
		ceilingMultiplier: 1.5,
		latency:           500 * time.Millisecond,
		successRate:       0.95,
		routing:           domain.LeastResponseTime,
		primary: domain.PlannedAction{
			Action:      "route_to_fastest_node",
			Facets:      []domain.Facet{domain.FacetRouting},
			Description: "route to the node with the lowest observed response time",
		},
		secondary: domain.PlannedAction{
			Action:      "serve_alternative_provider",
			Facets:      []domain.Facet{domain.FacetFallback},
			Description: "fail over along the provider chain",
		},
		fallback:       fallbackAction,
		tradeoffs:      []string{"cost ceiling raised for lower latency"},
		keyMetrics:     []string{"p95_latency", "avg_response_time", "error_rate"},
		reviewInterval: 30 * time.Minute,
		escalation:     []string{"latency_above_target", "fallback_exhausted"},
	},
	domain.OptimizationReliabilityFocus: {
		ceilingMultiplier: 1.2,
		latency:           1500 * time.Millisecond,
		successRate:       0.99,
		routing:           domain.HealthBased,
		primary: domain.PlannedAction{
			Action:      "route_to_healthiest_node",
			Facets:      []domain.Facet{domain.FacetRouting, domain.FacetFallback},
			Description: "route by composite health and keep the fallback chain warm",
		},
		secondary: domain.PlannedAction{
			Action:      "select_reliable_provider",
			Facets:      []domain.Facet{domain.FacetCost},
			Description: "restrict selection to providers meeting the success target",
		},
		fallback:       fallbackAction,
		tradeoffs:      []string{"latency traded for success rate"},
		keyMetrics:     []string{"success_rate", "circuit_state", "error_rate"},
		reviewInterval: 30 * time.Minute,
		escalation:     []string{"circuit_open", "fallback_exhausted"},
	},
	domain.OptimizationHybrid: {
		ceilingMultiplier: 1.0,
		latency:           1200 * time.Millisecond,
		successRate:       0.92,
		routing:           domain.HybridOptimization,
		primary: domain.PlannedAction{
			Action:      "balanced_routing",
			Facets:      []domain.Facet{domain.FacetRouting, domain.FacetCost},
			Description: "weigh cost, performance and reliability for the service criticality",
		},
		secondary: domain.PlannedAction{
			Action:      "serve_alternative_provider",
			Facets:      []domain.Facet{domain.FacetFallback},
			Description: "fail over along the provider chain",
		},
		fallback:       fallbackAction,
		tradeoffs:      []string{"no single objective maximized"},
		keyMetrics:     []string{"error_rate", "cost_per_call", "avg_response_time"},
		reviewInterval: time.Hour,
		escalation:     []string{"fallback_exhausted"},
	},
}

func profileFor(strategy domain.OptimizationStrategy) planProfile {
	if p, ok := profiles[strategy]; ok {
		return p
	}
	return profiles[domain.OptimizationHybrid]
}

// Strategies lists the optimization strategies a plan can be built for
func Strategies() []domain.OptimizationStrategy {
	return []domain.OptimizationStrategy{
		domain.OptimizationEmergencyMode,
		domain.OptimizationRevenueProtection,
		domain.OptimizationCostMinimization,
		domain.OptimizationPerformance,
		domain.OptimizationReliabilityFocus,
		domain.OptimizationHybrid,
	}
}

// Classify picks the optimization strategy for a scenario. The first matching
// rule wins: emergency, revenue protection, cost minimization, the service
// default and finally hybrid optimization.
func (c *Coordinator) Classify(sc *domain.ErrorScenarioContext) (domain.OptimizationStrategy, string) {
	cfg := c.config
	revenue := sc.Impact.RevenueAtRisk

	switch {
	case sc.Severity == domain.SeverityCritical:
		return domain.OptimizationEmergencyMode, "critical severity"
	case revenue > cfg.HighRevenueThreshold:
		return domain.OptimizationEmergencyMode,
			fmt.Sprintf("revenue at risk %.2f above %.2f", revenue, cfg.HighRevenueThreshold)
	case revenue > cfg.RevenueThreshold:
		return domain.OptimizationRevenueProtection,
			fmt.Sprintf("revenue at risk %.2f above %.2f", revenue, cfg.RevenueThreshold)
	case sc.Request.Criticality == domain.CriticalityRevenueBlocking:
		return domain.OptimizationRevenueProtection, "revenue-blocking call"
	case sc.Budget.BudgetCeiling > 0 && sc.Budget.RemainingBudget < cfg.CostMinimizationRatio*sc.Budget.BudgetCeiling:
		return domain.OptimizationCostMinimization,
			fmt.Sprintf("remaining budget %.2f below %.0f%% of %.2f",
				sc.Budget.RemainingBudget, cfg.CostMinimizationRatio*100, sc.Budget.BudgetCeiling)
	}
	if s, ok := cfg.ServiceDefaults[sc.ServiceName]; ok && s != "" {
		return s, "service default"
	}
	return domain.OptimizationHybrid, "no specific trigger"
}

// buildPlan derives the plan estimates from the strategy profile and the
// per-call cost ceiling in force for the service
func buildPlan(strategy domain.OptimizationStrategy, ceiling float64, budget domain.BudgetConstraints) domain.OptimizationPlan {
	p := profileFor(strategy)
	cost := ceiling * p.ceilingMultiplier
	plan := domain.OptimizationPlan{
		Primary:              p.primary,
		Secondary:            p.secondary,
		Fallback:             p.fallback,
		EstimatedCost:        cost,
		EstimatedLatency:     p.latency,
		EstimatedSuccessRate: p.successRate,
	}
	switch {
	case budget.RemainingBudget > 0:
		plan.BudgetImpact = math.Min(100, cost/budget.RemainingBudget*100)
	case budget.BudgetCeiling > 0:
		plan.BudgetImpact = 100
	}
	return plan
}

// monitoringPlan names what to watch after acting on plan
func monitoringPlan(strategy domain.OptimizationStrategy, plan domain.OptimizationPlan) domain.MonitoringPlan {
	p := profileFor(strategy)
	return domain.MonitoringPlan{
		KeyMetrics: append([]string(nil), p.keyMetrics...),
		AlertThresholds: map[string]float64{
			"error_rate":         math.Round((1-plan.EstimatedSuccessRate)*1000) / 1000,
			"latency_ms":         float64(plan.EstimatedLatency.Milliseconds()) * 1.5,
			"cost_per_call":      plan.EstimatedCost,
			"budget_utilization": 90,
		},
		ReviewInterval:     p.reviewInterval,
		EscalationTriggers: append([]string(nil), p.escalation...),
	}
}

func severityRisk(s domain.Severity) domain.RiskLevel {
	switch s {
	case domain.SeverityCritical, domain.SeverityHigh:
		return domain.RiskHigh
	case domain.SeverityLow:
		return domain.RiskLow
	default:
		return domain.RiskMedium
	}
}

func riskRank(r domain.RiskLevel) int {
	switch r {
	case domain.RiskHigh:
		return 2
	case domain.RiskMedium:
		return 1
	default:
		return 0
	}
}
