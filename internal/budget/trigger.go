package budget

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mir00r/provider-resilience/internal/domain"
)

// TriggerEnv is the variable set emergency trigger conditions are evaluated against
type TriggerEnv struct {
	Utilization      float64 `expr:"utilization"`
	Spend            float64 `expr:"spend"`
	Budget           float64 `expr:"budget"`
	ProjectedSpend   float64 `expr:"projected_spend"`
	RevenueImpacting bool    `expr:"revenue_impacting"`
	Urgency          string  `expr:"urgency"`
}

// Trigger is a compiled emergency trigger condition
type Trigger struct {
	source  string
	program *vm.Program
}

// CompileTriggers compiles boolean conditions such as
// `utilization >= 90 && revenue_impacting`
func CompileTriggers(conditions []string) ([]Trigger, error) {
	triggers := make([]Trigger, 0, len(conditions))
	for _, cond := range conditions {
		cond = strings.TrimSpace(cond)
		if cond == "" {
			continue
		}
		program, err := expr.Compile(cond, expr.Env(TriggerEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid emergency trigger %q: %w", cond, err)
		}
		triggers = append(triggers, Trigger{source: cond, program: program})
	}
	return triggers, nil
}

// String returns the condition source
func (t Trigger) String() string {
	return t.source
}

// Matches evaluates the condition against env
func (t Trigger) Matches(env TriggerEnv) (bool, error) {
	out, err := expr.Run(t.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate emergency trigger %q: %w", t.source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("emergency trigger %q must evaluate to bool (got %T)", t.source, out)
	}
	return b, nil
}

// allMatch reports whether every trigger holds; no triggers always hold
func allMatch(triggers []Trigger, env TriggerEnv) (bool, error) {
	for _, t := range triggers {
		ok, err := t.Matches(env)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func triggerEnv(snap domain.CostMonitoringSnapshot, req domain.CostRequest) TriggerEnv {
	return TriggerEnv{
		Utilization:      snap.Utilization,
		Spend:            snap.Spend,
		Budget:           snap.Budget,
		ProjectedSpend:   snap.ProjectedSpend,
		RevenueImpacting: req.RevenueImpacting,
		Urgency:          string(req.Urgency),
	}
}
