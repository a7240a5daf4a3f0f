package domain

import (
	"fmt"
	"time"
)

// RoutingStrategy represents the node selection rule applied by the traffic router
type RoutingStrategy string

const (
	RoundRobin          RoutingStrategy = "ROUND_ROBIN"
	WeightedRoundRobin  RoutingStrategy = "WEIGHTED_ROUND_ROBIN"
	LeastConnections    RoutingStrategy = "LEAST_CONNECTIONS"
	LeastResponseTime   RoutingStrategy = "LEAST_RESPONSE_TIME"
	GeographicProximity RoutingStrategy = "GEOGRAPHIC_PROXIMITY"
	CostOptimized       RoutingStrategy = "COST_OPTIMIZED"
	HealthBased         RoutingStrategy = "HEALTH_BASED"
	PredictiveAnalytics RoutingStrategy = "PREDICTIVE_ANALYTICS"
	HybridOptimization  RoutingStrategy = "HYBRID_OPTIMIZATION"
)

// AllRoutingStrategies lists every supported routing strategy
func AllRoutingStrategies() []RoutingStrategy {
	return []RoutingStrategy{
		RoundRobin, WeightedRoundRobin, LeastConnections, LeastResponseTime,
		GeographicProximity, CostOptimized, HealthBased, PredictiveAnalytics, HybridOptimization,
	}
}

// ParseRoutingStrategy validates a configured strategy name
func ParseRoutingStrategy(s string) (RoutingStrategy, error) {
	for _, rs := range AllRoutingStrategies() {
		if string(rs) == s {
			return rs, nil
		}
	}
	return "", fmt.Errorf("unknown routing strategy: %s", s)
}

// Priority orders work within a service
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns 0 for the most urgent priority; unknown priorities rank as medium
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// BusinessCriticality tags how much a service matters to the business
type BusinessCriticality string

const (
	CriticalityRevenueBlocking         BusinessCriticality = "revenue_blocking"
	CriticalityOperationalCritical     BusinessCriticality = "operational_critical"
	CriticalityPerformanceOptimization BusinessCriticality = "performance_optimization"
	CriticalityAnalyticsReporting      BusinessCriticality = "analytics_reporting"
)

// CircuitAction tells the caller what to do with the selected node
type CircuitAction string

const (
	ActionProceed CircuitAction = "proceed"
	ActionDelay   CircuitAction = "delay"
	ActionAbort   CircuitAction = "abort"
)

// RiskLevel is a coarse classification of a decision's risk
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RoutingRequest describes one call the router must place
type RoutingRequest struct {
	RequestID    string              `json:"request_id"`
	ServiceName  string              `json:"service_name"`
	Operation    string              `json:"operation"`
	Strategy     RoutingStrategy     `json:"strategy,omitempty"`
	CallerRegion string              `json:"caller_region,omitempty"`
	Priority     Priority            `json:"priority,omitempty"`
	Criticality  BusinessCriticality `json:"criticality,omitempty"`
	RetryCount   int                 `json:"retry_count"`
	Constraints  NodeConstraints     `json:"-"`
}

// FallbackPlan names alternative nodes to try if the selected node fails
type FallbackPlan struct {
	PrimaryAlternative   string `json:"primary_alternative,omitempty"`
	SecondaryAlternative string `json:"secondary_alternative,omitempty"`
}

// RoutingDecision is the router's choice of exactly one node
type RoutingDecision struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id,omitempty"`
	ServiceName      string          `json:"service_name"`
	Strategy         RoutingStrategy `json:"strategy"`
	NodeID           string          `json:"node_id"`
	Provider         string          `json:"provider"`
	Endpoint         string          `json:"endpoint"`
	Region           string          `json:"region,omitempty"`
	FallbackPlan     FallbackPlan    `json:"fallback_plan"`
	FallbackChain    []string        `json:"fallback_chain,omitempty"`
	CircuitAction    CircuitAction   `json:"circuit_action"`
	Confidence       float64         `json:"confidence"`
	RiskLevel        RiskLevel       `json:"risk_level"`
	EstimatedCost    float64         `json:"estimated_cost"`
	EstimatedLatency time.Duration   `json:"estimated_latency"`
	Reasoning        string          `json:"reasoning"`
	CandidateCount   int             `json:"candidate_count"`
	Timestamp        time.Time       `json:"timestamp"`

	// Node is the selected node; the router holds one of its connections
	// until ReportOutcome is called.
	Node *ServiceEndpointNode `json:"-"`
}
