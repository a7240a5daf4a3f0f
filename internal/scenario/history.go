package scenario

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
)

func historyKey(service string) string { return "scenario:decisions:" + service }

// decisionLog keeps the newest decisions per service in memory and mirrors
// them to a bounded store list so they survive restarts
type decisionLog struct {
	mu      sync.RWMutex
	size    int
	entries map[string][]domain.OptimizationDecision
	store   domain.StateStore
}

func newDecisionLog(store domain.StateStore, size int) *decisionLog {
	return &decisionLog{
		size:    size,
		entries: make(map[string][]domain.OptimizationDecision),
		store:   store,
	}
}

func (l *decisionLog) append(decision domain.OptimizationDecision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := append(l.entries[decision.ServiceName], decision)
	if len(entries) > l.size {
		entries = append([]domain.OptimizationDecision(nil), entries[len(entries)-l.size:]...)
	}
	l.entries[decision.ServiceName] = entries
}

func (l *decisionLog) persist(ctx context.Context, decision domain.OptimizationDecision) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	key := historyKey(decision.ServiceName)
	if _, err := l.store.ListPush(ctx, key, data); err != nil {
		return rerrors.NewStateStoreError("list_push", err)
	}
	if err := l.store.ListTrim(ctx, key, l.size); err != nil {
		return rerrors.NewStateStoreError("list_trim", err)
	}
	return nil
}

// restore replaces the in-memory history of service with the persisted list
func (l *decisionLog) restore(ctx context.Context, service string) (int, error) {
	raw, err := l.store.ListRange(ctx, historyKey(service), l.size)
	if err != nil {
		return 0, rerrors.NewStateStoreError("list_range", err)
	}
	entries := make([]domain.OptimizationDecision, 0, len(raw))
	for _, item := range raw {
		var d domain.OptimizationDecision
		if err := json.Unmarshal(item, &d); err != nil {
			continue
		}
		entries = append(entries, d)
	}
	l.mu.Lock()
	l.entries[service] = entries
	l.mu.Unlock()
	return len(entries), nil
}

// recent returns up to limit newest decisions, oldest first
func (l *decisionLog) recent(service string, limit int) []domain.OptimizationDecision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.entries[service]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]domain.OptimizationDecision(nil), entries...)
}

func (l *decisionLog) services() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.entries))
	for name := range l.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *decisionLog) analytics(service string) domain.ScenarioAnalytics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a := domain.ScenarioAnalytics{
		ServiceName:    service,
		StrategyCounts: make(map[domain.OptimizationStrategy]int),
		ScenarioCounts: make(map[domain.ScenarioType]int),
	}
	entries := l.entries[service]
	if len(entries) == 0 {
		return a
	}

	var confidence float64
	successes := 0
	for _, d := range entries {
		a.StrategyCounts[d.Strategy]++
		a.ScenarioCounts[d.ScenarioType]++
		confidence += d.Metadata.ConfidenceScore
		if d.Metadata.Success {
			successes++
		}
		if d.CreatedAt.After(a.LastDecisionAt) {
			a.LastDecisionAt = d.CreatedAt
		}
	}
	a.TotalDecisions = len(entries)
	a.AverageConfidence = confidence / float64(len(entries))
	a.SuccessRatio = float64(successes) / float64(len(entries))
	return a
}
