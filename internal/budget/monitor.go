package budget

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
)

const minElapsedForRate = time.Minute

// monitorState is the per-service alert bookkeeping of the current period
type monitorState struct {
	periodStart time.Time
	alerted     map[string]bool
	alerts      []domain.BudgetAlert
	last        domain.CostMonitoringSnapshot
}

// computeSnapshot derives utilization, spend rate and projections for the current period
func (g *Governor) computeSnapshot(ctx context.Context, state *allocationState) (domain.CostMonitoringSnapshot, error) {
	alloc := state.allocation
	now := g.clock.Now()
	start, end := alloc.Period.Window(now)

	micros, err := g.store.Counter(ctx, spendKey(alloc.ServiceName, start))
	if err != nil {
		return domain.CostMonitoringSnapshot{}, err
	}
	active, err := g.emergencyActive(ctx, alloc.ServiceName, start)
	if err != nil {
		return domain.CostMonitoringSnapshot{}, err
	}

	spend := float64(micros) / microsPerDollar
	budget := alloc.TotalBudget
	if active && alloc.Emergency != nil {
		budget += alloc.Emergency.Amount
	}

	elapsed := now.Sub(start)
	if elapsed < minElapsedForRate {
		elapsed = minElapsedForRate
	}
	rate := spend / elapsed.Hours()
	projected := spend + rate*end.Sub(now).Hours()

	snap := domain.CostMonitoringSnapshot{
		ServiceName:      alloc.ServiceName,
		Period:           alloc.Period,
		PeriodStart:      start,
		PeriodEnd:        end,
		Spend:            spend,
		Budget:           budget,
		SpendRatePerHour: rate,
		ProjectedSpend:   projected,
		EmergencyActive:  active,
		UpdatedAt:        now,
	}
	if budget > 0 {
		snap.Utilization = spend / budget * 100
	}
	if projected > budget {
		snap.ProjectedOverrun = projected - budget
		if spend < budget && rate > 0 {
			snap.TimeToOverrun = time.Duration((budget - spend) / rate * float64(time.Hour))
		}
	}

	g.mu.RLock()
	if ms := g.monitors[alloc.ServiceName]; ms != nil && ms.periodStart.Equal(start) {
		snap.Alerts = append([]domain.BudgetAlert(nil), ms.alerts...)
	}
	g.mu.RUnlock()
	return snap, nil
}

// Snapshot returns the current monitoring snapshot of service
func (g *Governor) Snapshot(ctx context.Context, service string) (domain.CostMonitoringSnapshot, error) {
	state, err := g.state(ctx, service)
	if err != nil {
		return domain.CostMonitoringSnapshot{}, err
	}
	if state == nil {
		return domain.CostMonitoringSnapshot{}, rerrors.NewInvalidConfigurationError("budget_governor",
			fmt.Sprintf("no budget allocation registered for %s", service))
	}
	return g.computeSnapshot(ctx, state)
}

// Monitor runs one monitoring pass over every allocation; overlapping passes are skipped
func (g *Governor) Monitor(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&g.monitorRunning, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&g.monitorRunning, 0)

	g.mu.RLock()
	states := make([]*allocationState, 0, len(g.allocations))
	for _, s := range g.allocations {
		states = append(states, s)
	}
	g.mu.RUnlock()

	for _, state := range states {
		if ctx.Err() != nil {
			return
		}
		if err := g.evaluate(ctx, state); err != nil {
			g.logger.WithError(err).WithField("service", state.allocation.ServiceName).
				Warn("Budget monitoring failed")
		}
	}
	atomic.AddInt64(&g.ticks, 1)
}

func (g *Governor) evaluate(ctx context.Context, state *allocationState) error {
	service := state.allocation.ServiceName
	snap, err := g.computeSnapshot(ctx, state)
	if err != nil {
		return err
	}

	g.mu.Lock()
	ms := g.monitors[service]
	var previous *monitorState
	if ms == nil || !ms.periodStart.Equal(snap.PeriodStart) {
		previous = ms
		ms = &monitorState{periodStart: snap.PeriodStart, alerted: make(map[string]bool)}
		g.monitors[service] = ms
	}
	g.mu.Unlock()

	if previous != nil {
		g.rollover(service, previous, snap)
	}

	var raised []domain.BudgetAlert
	for _, threshold := range g.config.AlertThresholds {
		if snap.Utilization < threshold {
			break
		}
		key := fmt.Sprintf("utilization:%g", threshold)
		raised = append(raised, g.raise(ctx, ms, snap, key, domain.BudgetAlert{
			Level:     alertLevel(threshold),
			Threshold: threshold,
			Message:   fmt.Sprintf("%s budget utilization reached %.1f%% (threshold %g%%)", service, snap.Utilization, threshold),
		})...)
	}
	if snap.ProjectedOverrun > 0 {
		raised = append(raised, g.raise(ctx, ms, snap, "projected_overrun", domain.BudgetAlert{
			Level:     "warning",
			Threshold: 100,
			Message: fmt.Sprintf("%s projected to overrun its %s budget by %.2f (projected spend %.2f)",
				service, snap.Period, snap.ProjectedOverrun, snap.ProjectedSpend),
		})...)
	}

	g.mu.Lock()
	snap.Alerts = append([]domain.BudgetAlert(nil), ms.alerts...)
	ms.last = snap
	g.mu.Unlock()

	for _, alert := range raised {
		g.logger.WithFields(map[string]interface{}{
			"service":     service,
			"level":       alert.Level,
			"utilization": snap.Utilization,
		}).Warn(alert.Message)
		if g.events != nil {
			g.events.Publish(domain.Event{
				Type:        domain.EventBudgetAlert,
				ServiceName: service,
				Payload:     alert,
				Timestamp:   alert.Timestamp,
			})
		}
	}
	return nil
}

// raise records an alert once per period; the store keeps instances sharing it from repeating the broadcast
func (g *Governor) raise(ctx context.Context, ms *monitorState, snap domain.CostMonitoringSnapshot, key string, alert domain.BudgetAlert) []domain.BudgetAlert {
	g.mu.Lock()
	if ms.alerted[key] {
		g.mu.Unlock()
		return nil
	}
	ms.alerted[key] = true
	alert.Timestamp = g.clock.Now()
	ms.alerts = append(ms.alerts, alert)
	if len(ms.alerts) > g.config.MaxAlerts {
		ms.alerts = append([]domain.BudgetAlert(nil), ms.alerts[len(ms.alerts)-g.config.MaxAlerts:]...)
	}
	g.mu.Unlock()

	storeKey := fmt.Sprintf("budget:alert:%s:%d:%s", snap.ServiceName, snap.PeriodStart.Unix(), key)
	first, err := g.store.SetNX(ctx, storeKey, []byte(alert.Level), snap.PeriodEnd.Sub(g.clock.Now()))
	if err != nil {
		g.logger.WithError(err).Warn("Failed to record budget alert")
		return []domain.BudgetAlert{alert}
	}
	if !first {
		return nil
	}
	return []domain.BudgetAlert{alert}
}

func (g *Governor) rollover(service string, previous *monitorState, snap domain.CostMonitoringSnapshot) {
	g.logger.WithFields(map[string]interface{}{
		"service":         service,
		"previous_period": previous.periodStart,
		"previous_spend":  previous.last.Spend,
		"period_start":    snap.PeriodStart,
	}).Info("Budget period rolled over")
	if g.events != nil {
		g.events.Publish(domain.Event{
			Type:        domain.EventBudgetRollover,
			ServiceName: service,
			Payload: map[string]interface{}{
				"previous_period_start": previous.periodStart,
				"previous_spend":        previous.last.Spend,
				"period_start":          snap.PeriodStart,
				"period_end":            snap.PeriodEnd,
			},
			Timestamp: snap.UpdatedAt,
		})
	}
}

func alertLevel(threshold float64) string {
	switch {
	case threshold >= 100:
		return "exceeded"
	case threshold >= 90:
		return "critical"
	case threshold >= 75:
		return "warning"
	default:
		return "info"
	}
}

// Start launches the periodic monitor
func (g *Governor) Start(ctx context.Context) error {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	if g.isRunning {
		return fmt.Errorf("budget governor is already running")
	}
	g.isRunning = true
	g.logger.Infof("Starting budget monitor with interval %v", g.config.MonitorInterval)

	g.wg.Add(1)
	go g.loop(ctx)
	return nil
}

func (g *Governor) loop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.MonitorInterval)
	defer ticker.Stop()

	g.Monitor(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopChan:
			return
		case <-ticker.C:
			g.Monitor(ctx)
		}
	}
}

// Stop halts the periodic monitor
func (g *Governor) Stop() {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	if !g.isRunning {
		return
	}
	close(g.stopChan)
	g.wg.Wait()
	g.isRunning = false
	g.stopChan = make(chan struct{})
	g.logger.Info("Budget monitor stopped")
}

// GetStats returns governor statistics
func (g *Governor) GetStats() map[string]interface{} {
	g.runMu.Lock()
	running := g.isRunning
	g.runMu.Unlock()

	g.mu.RLock()
	services := make(map[string]interface{}, len(g.monitors))
	for svc, ms := range g.monitors {
		services[svc] = map[string]interface{}{
			"utilization":      ms.last.Utilization,
			"spend":            ms.last.Spend,
			"emergency_active": ms.last.EmergencyActive,
			"alerts":           len(ms.alerts),
		}
	}
	allocations := len(g.allocations)
	g.mu.RUnlock()

	return map[string]interface{}{
		"running":          running,
		"ticks":            atomic.LoadInt64(&g.ticks),
		"allocations":      allocations,
		"monitor_interval": g.config.MonitorInterval.String(),
		"services":         services,
	}
}
