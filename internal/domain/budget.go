package domain

import (
	"fmt"
	"time"
)

// BudgetPeriod is the window a budget allocation covers
type BudgetPeriod string

const (
	PeriodHour  BudgetPeriod = "hour"
	PeriodDay   BudgetPeriod = "day"
	PeriodWeek  BudgetPeriod = "week"
	PeriodMonth BudgetPeriod = "month"
)

// Window returns the [start, end) window containing t, in UTC.
// Weeks start on Monday and months on day 1.
func (p BudgetPeriod) Window(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	switch p {
	case PeriodHour:
		start := t.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case PeriodWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case PeriodMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}

// Urgency marks how urgently a call must be served
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// CostTier is a budget-bounded operating mode
type CostTier struct {
	Name                string             `json:"name" yaml:"name"`
	MaxCostPerCall      float64            `json:"max_cost_per_call" yaml:"max_cost_per_call"`
	MaxTotalCost        float64            `json:"max_total_cost" yaml:"max_total_cost"`
	Performance         PerformanceTargets `json:"performance" yaml:"performance"`
	AllowedProviders    []string           `json:"allowed_providers" yaml:"allowed_providers"`
	EscalationThreshold float64            `json:"escalation_threshold" yaml:"escalation_threshold"`
}

// Allows reports whether the tier admits a provider; an empty list admits all
func (t CostTier) Allows(provider string) bool {
	if len(t.AllowedProviders) == 0 {
		return true
	}
	for _, p := range t.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// EmergencyBudget is extra spend released when normal tiers cannot serve a call
type EmergencyBudget struct {
	Amount            float64  `json:"amount" yaml:"amount"`
	AutoActivate      bool     `json:"auto_activate" yaml:"auto_activate"`
	TriggerConditions []string `json:"trigger_conditions,omitempty" yaml:"trigger_conditions"`
}

// BudgetAllocation is the spending envelope of one service
type BudgetAllocation struct {
	ServiceName string           `json:"service_name" yaml:"service_name"`
	TotalBudget float64          `json:"total_budget" yaml:"total_budget"`
	Period      BudgetPeriod     `json:"period" yaml:"period"`
	Tiers       []CostTier       `json:"tiers" yaml:"tiers"`
	Emergency   *EmergencyBudget `json:"emergency,omitempty" yaml:"emergency"`
}

// Validate validates the allocation
func (b *BudgetAllocation) Validate() error {
	if b.ServiceName == "" {
		return fmt.Errorf("budget allocation requires a service name")
	}
	if b.TotalBudget <= 0 {
		return fmt.Errorf("budget allocation for %s requires a positive total budget", b.ServiceName)
	}
	switch b.Period {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
	default:
		return fmt.Errorf("budget allocation for %s has invalid period %q", b.ServiceName, b.Period)
	}
	if len(b.Tiers) == 0 {
		return fmt.Errorf("budget allocation for %s requires at least one cost tier", b.ServiceName)
	}
	for _, t := range b.Tiers {
		if t.MaxCostPerCall < 0 || t.MaxTotalCost < 0 {
			return fmt.Errorf("cost tier %s of %s has negative limits", t.Name, b.ServiceName)
		}
	}
	return nil
}

// BudgetAlert is raised when utilization crosses a threshold
type BudgetAlert struct {
	Level     string    `json:"level"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CostMonitoringSnapshot is the governor's view of one service's period spend
type CostMonitoringSnapshot struct {
	ServiceName      string        `json:"service_name"`
	Period           BudgetPeriod  `json:"period"`
	PeriodStart      time.Time     `json:"period_start"`
	PeriodEnd        time.Time     `json:"period_end"`
	Spend            float64       `json:"spend"`
	Budget           float64       `json:"budget"`
	Utilization      float64       `json:"utilization"`
	SpendRatePerHour float64       `json:"spend_rate_per_hour"`
	ProjectedSpend   float64       `json:"projected_spend"`
	ProjectedOverrun float64       `json:"projected_overrun"`
	TimeToOverrun    time.Duration `json:"time_to_overrun"`
	EmergencyActive  bool          `json:"emergency_active"`
	Alerts           []BudgetAlert `json:"alerts"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// ProviderQuote is one candidate provider with its price and track record
type ProviderQuote struct {
	Provider     string        `json:"provider"`
	NodeID       string        `json:"node_id,omitempty"`
	CostPerCall  float64       `json:"cost_per_call"`
	SuccessRate  float64       `json:"success_rate"`
	ResponseTime time.Duration `json:"response_time"`
}

// CostRequest asks the governor to place one call within budget
type CostRequest struct {
	ServiceName      string          `json:"service_name"`
	Operation        string          `json:"operation"`
	Candidates       []ProviderQuote `json:"candidates"`
	RevenueImpacting bool            `json:"revenue_impacting"`
	Urgency          Urgency         `json:"urgency"`
}

// CostAwareRoutingDecision is the governor's provider choice under budget
type CostAwareRoutingDecision struct {
	ID                 string    `json:"id"`
	ServiceName        string    `json:"service_name"`
	Tier               string    `json:"tier"`
	TierMaxCostPerCall float64   `json:"tier_max_cost_per_call"`
	SelectedProvider   string    `json:"selected_provider"`
	EstimatedCost      float64   `json:"estimated_cost"`
	Alternatives       []string  `json:"alternatives,omitempty"`
	Utilization        float64   `json:"utilization"`
	EmergencyActivated bool      `json:"emergency_activated"`
	Reasoning          string    `json:"reasoning"`
	Timestamp          time.Time `json:"timestamp"`
}
