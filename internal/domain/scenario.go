package domain

import "time"

// ScenarioType classifies a failure or constraint event
type ScenarioType string

const (
	ScenarioServiceUnavailable    ScenarioType = "SERVICE_UNAVAILABLE"
	ScenarioRateLimited           ScenarioType = "RATE_LIMITED"
	ScenarioTimeout               ScenarioType = "TIMEOUT"
	ScenarioAuthenticationFailure ScenarioType = "AUTHENTICATION_FAILURE"
	ScenarioCostOverrun           ScenarioType = "COST_OVERRUN"
	ScenarioDegradedPerformance   ScenarioType = "DEGRADED_PERFORMANCE"
	ScenarioPartialOutage         ScenarioType = "PARTIAL_OUTAGE"
	ScenarioCascadingFailure      ScenarioType = "CASCADING_FAILURE"
	ScenarioDataInconsistency     ScenarioType = "DATA_INCONSISTENCY"
	ScenarioNetworkPartition      ScenarioType = "NETWORK_PARTITION"
)

// Severity grades a scenario
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// OptimizationStrategy is the top-level policy chosen for a scenario
type OptimizationStrategy string

const (
	OptimizationEmergencyMode     OptimizationStrategy = "EMERGENCY_MODE"
	OptimizationRevenueProtection OptimizationStrategy = "REVENUE_PROTECTION"
	OptimizationCostMinimization  OptimizationStrategy = "COST_MINIMIZATION"
	OptimizationPerformance       OptimizationStrategy = "PERFORMANCE_OPTIMIZATION"
	OptimizationReliabilityFocus  OptimizationStrategy = "RELIABILITY_FOCUS"
	OptimizationHybrid            OptimizationStrategy = "HYBRID_OPTIMIZATION"
)

// BusinessImpactEstimate is the caller's estimate of what the scenario puts at risk
type BusinessImpactEstimate struct {
	RevenueAtRisk     float64       `json:"revenue_at_risk"`
	CustomerImpact    ImpactLevel   `json:"customer_impact"`
	OperationalImpact ImpactLevel   `json:"operational_impact"`
	TimeToResolution  time.Duration `json:"time_to_resolution"`
}

// ErrorDetails describes what already failed
type ErrorDetails struct {
	FailedProviders   []string `json:"failed_providers,omitempty"`
	RetryCount        int      `json:"retry_count"`
	ErrorPattern      string   `json:"error_pattern,omitempty"`
	LastError         string   `json:"last_error,omitempty"`
	CascadingServices []string `json:"cascading_services,omitempty"`
}

// BudgetConstraints is the budget view captured with the scenario
type BudgetConstraints struct {
	Utilization     float64 `json:"utilization"`
	RemainingBudget float64 `json:"remaining_budget"`
	BudgetCeiling   float64 `json:"budget_ceiling"`
}

// RequestMetadata carries per-request routing hints
type RequestMetadata struct {
	RequestID    string              `json:"request_id"`
	Priority     Priority            `json:"priority"`
	Criticality  BusinessCriticality `json:"criticality,omitempty"`
	Urgency      Urgency             `json:"urgency,omitempty"`
	CallerRegion string              `json:"caller_region,omitempty"`
	RetryCount   int                 `json:"retry_count"`
	MaxRetries   int                 `json:"max_retries"`
}

// ErrorScenarioContext is built for every failure or constraint event
type ErrorScenarioContext struct {
	ID          string                 `json:"id"`
	ServiceName string                 `json:"service_name"`
	Operation   string                 `json:"operation"`
	Method      string                 `json:"method,omitempty"`
	Endpoint    string                 `json:"endpoint,omitempty"`
	Payload     []byte                 `json:"-"`
	Type        ScenarioType           `json:"type"`
	Severity    Severity               `json:"severity"`
	Impact      BusinessImpactEstimate `json:"impact"`
	Errors      ErrorDetails           `json:"errors"`
	Budget      BudgetConstraints      `json:"budget"`
	Performance PerformanceTargets     `json:"performance"`
	Request     RequestMetadata        `json:"request"`
	Timestamp   time.Time              `json:"timestamp"`
}

// IsCascading reports whether the scenario involves more than one failing dependency
func (c *ErrorScenarioContext) IsCascading() bool {
	return c.Type == ScenarioCascadingFailure ||
		len(c.Errors.CascadingServices) > 0 ||
		len(c.Errors.FailedProviders) >= 2
}

// Facet is a sub-decision an optimization plan touches
type Facet string

const (
	FacetRouting  Facet = "routing"
	FacetCost     Facet = "cost"
	FacetFallback Facet = "fallback"
)

// PlannedAction is one step of an optimization plan
type PlannedAction struct {
	Action      string  `json:"action"`
	Facets      []Facet `json:"facets"`
	Description string  `json:"description"`
}

// Touches reports whether the action involves the facet
func (a PlannedAction) Touches(f Facet) bool {
	for _, x := range a.Facets {
		if x == f {
			return true
		}
	}
	return false
}

// OptimizationPlan is the concrete plan for an optimization strategy
type OptimizationPlan struct {
	Primary              PlannedAction `json:"primary"`
	Secondary            PlannedAction `json:"secondary"`
	Fallback             PlannedAction `json:"fallback"`
	EstimatedCost        float64       `json:"estimated_cost"`
	EstimatedLatency     time.Duration `json:"estimated_latency"`
	EstimatedSuccessRate float64       `json:"estimated_success_rate"`
	BudgetImpact         float64       `json:"budget_impact"`
}

// BusinessJustification explains a decision
type BusinessJustification struct {
	Reasoning string    `json:"reasoning"`
	Tradeoffs []string  `json:"tradeoffs"`
	RiskLevel RiskLevel `json:"risk_level"`
}

// MonitoringPlan names what to watch after a decision
type MonitoringPlan struct {
	KeyMetrics         []string           `json:"key_metrics"`
	AlertThresholds    map[string]float64 `json:"alert_thresholds"`
	ReviewInterval     time.Duration      `json:"review_interval"`
	EscalationTriggers []string           `json:"escalation_triggers"`
}

// DecisionMetadata carries the outcome of executing a decision
type DecisionMetadata struct {
	ConfidenceScore float64       `json:"confidence_score"`
	Success         bool          `json:"success"`
	ExecutionTime   time.Duration `json:"execution_time"`
	Error           string        `json:"error,omitempty"`
	ErrorCode       string        `json:"error_code,omitempty"`
}

// OptimizationDecision is created once per scenario and never mutated afterwards
type OptimizationDecision struct {
	ID            string                    `json:"id"`
	ServiceName   string                    `json:"service_name"`
	ScenarioID    string                    `json:"scenario_id"`
	ScenarioType  ScenarioType              `json:"scenario_type"`
	Severity      Severity                  `json:"severity"`
	Strategy      OptimizationStrategy      `json:"strategy"`
	Routing       *RoutingDecision          `json:"routing,omitempty"`
	Cost          *CostAwareRoutingDecision `json:"cost,omitempty"`
	Fallback      *FallbackResult           `json:"fallback,omitempty"`
	Response      []byte                    `json:"-"`
	Plan          OptimizationPlan          `json:"plan"`
	Justification BusinessJustification     `json:"justification"`
	Monitoring    MonitoringPlan            `json:"monitoring"`
	Metadata      DecisionMetadata          `json:"metadata"`
	CreatedAt     time.Time                 `json:"created_at"`
}

// ScenarioAnalytics aggregates one service's decision history
type ScenarioAnalytics struct {
	ServiceName       string                       `json:"service_name"`
	TotalDecisions    int                          `json:"total_decisions"`
	StrategyCounts    map[OptimizationStrategy]int `json:"strategy_counts"`
	ScenarioCounts    map[ScenarioType]int         `json:"scenario_counts"`
	AverageConfidence float64                      `json:"average_confidence"`
	SuccessRatio      float64                      `json:"success_ratio"`
	LastDecisionAt    time.Time                    `json:"last_decision_at,omitempty"`
}
