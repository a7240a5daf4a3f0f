package routing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
)

// Choice is a strategy's pick with the score that won it
type Choice struct {
	Node   *domain.ServiceEndpointNode
	Score  float64
	Reason string
}

// Selection carries the per-request inputs a strategy may consult
type Selection struct {
	Request *domain.RoutingRequest
	// Cursor advances the shared cursor under key and returns its new value
	Cursor func(ctx context.Context, key string) (int64, error)
	// Latency estimates the network latency from the caller to a node
	Latency func(node *domain.ServiceEndpointNode) time.Duration
	// CostCeiling is the per-call budget ceiling; zero means unbounded
	CostCeiling float64
	Predictor   *Predictor
}

// Strategy selects exactly one node out of a non-empty candidate set
type Strategy interface {
	Type() domain.RoutingStrategy
	Select(ctx context.Context, nodes []*domain.ServiceEndpointNode, sel *Selection) (Choice, error)
}

// StrategyStats holds thread-safe selection counters of one strategy
type StrategyStats struct {
	TotalSelections  int64
	FailedSelections int64
	LastUsed         int64 // Unix timestamp
}

func (s *StrategyStats) record(success bool, at time.Time) {
	atomic.AddInt64(&s.TotalSelections, 1)
	if !success {
		atomic.AddInt64(&s.FailedSelections, 1)
	}
	atomic.StoreInt64(&s.LastUsed, at.Unix())
}

// GetStats returns a snapshot of the counters
func (s *StrategyStats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_selections":  atomic.LoadInt64(&s.TotalSelections),
		"failed_selections": atomic.LoadInt64(&s.FailedSelections),
		"last_used":         atomic.LoadInt64(&s.LastUsed),
	}
}

// RoundRobinStrategy walks the node list with a cursor shared through the state store
type RoundRobinStrategy struct{}

func (RoundRobinStrategy) Type() domain.RoutingStrategy { return domain.RoundRobin }

func (RoundRobinStrategy) Select(ctx context.Context, nodes []*domain.ServiceEndpointNode, sel *Selection) (Choice, error) {
	next, err := sel.Cursor(ctx, cursorKey(sel.Request.ServiceName, domain.RoundRobin))
	if err != nil {
		return Choice{}, err
	}
	idx := positiveMod(next-1, int64(len(nodes)))
	return Choice{
		Node:   nodes[idx],
		Reason: fmt.Sprintf("round robin position %d of %d", idx+1, len(nodes)),
	}, nil
}

// WeightedRoundRobinStrategy walks a pool in which each node appears weight times
type WeightedRoundRobinStrategy struct{}

func (WeightedRoundRobinStrategy) Type() domain.RoutingStrategy { return domain.WeightedRoundRobin }

func (WeightedRoundRobinStrategy) Select(ctx context.Context, nodes []*domain.ServiceEndpointNode, sel *Selection) (Choice, error) {
	total := int64(0)
	for _, node := range nodes {
		total += int64(node.Weight)
	}
	next, err := sel.Cursor(ctx, cursorKey(sel.Request.ServiceName, domain.WeightedRoundRobin))
	if err != nil {
		return Choice{}, err
	}
	if total <= 0 {
		// Weights are clamped at registration, so this only guards hand-built nodes.
		idx := positiveMod(next-1, int64(len(nodes)))
		return Choice{Node: nodes[idx], Reason: "all weights zero, plain round robin"}, nil
	}

	slot := positiveMod(next-1, total)
	for _, node := range nodes {
		if slot < int64(node.Weight) {
			return Choice{
				Node:   node,
				Score:  float64(node.Weight),
				Reason: fmt.Sprintf("weighted pool slot %d of %d (weight %d)", positiveMod(next-1, total)+1, total, node.Weight),
			}, nil
		}
		slot -= int64(node.Weight)
	}
	return Choice{Node: nodes[len(nodes)-1]}, nil
}

// LeastConnectionsStrategy picks the node with the fewest active connections, then the highest weight
type LeastConnectionsStrategy struct{}

func (LeastConnectionsStrategy) Type() domain.RoutingStrategy { return domain.LeastConnections }

func (LeastConnectionsStrategy) Select(ctx context.Context, nodes []*domain.ServiceEndpointNode, sel *Selection) (Choice, error) {
	sorted := append([]*domain.ServiceEndpointNode(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		connectionsI := sorted[i].ActiveConnections()
		connectionsJ := sorted[j].ActiveConnections()
		if connectionsI == connectionsJ {
			return sorted[i].Weight > sorted[j].Weight
		}
		return connectionsI < connectionsJ
	})
	best := sorted[0]
	return Choice{
		Node:   best,
		Score:  float64(best.ActiveConnections()),
		Reason: fmt.Sprintf("%d active connections", best.ActiveConnections()),
	}, nil
}

// LeastResponseTimeStrategy picks the node with the lowest smoothed response time
type LeastResponseTimeStrategy struct{}

func (LeastResponseTimeStrategy) Type() domain.RoutingStrategy { return domain.LeastResponseTime }

func (LeastResponseTimeStrategy) Select(ctx context.Context, nodes []*domain.ServiceEndpointNode, sel *Selection) (Choice, error) {
	best := pickMin(nodes, func(n *domain.ServiceEndpointNode) float64 {
		return float64(n.AvgResponseTime())
	}, func(n *domain.ServiceEndpointNode) float64 { return -n.SuccessRate() })
	return Choice{
		Node:   best,
		Score:  float64(best.AvgResponseTime().Milliseconds()),
		Reason: fmt.Sprintf("average response time %s", best.AvgResponseTime()),
	}, nil
}

// GeographicProximityStrategy picks the node closest to the caller's region
type GeographicProximityStrategy struct{}

func (GeographicProximityStrategy) Type() domain.RoutingStrategy { return domain.GeographicProximity }

func (GeographicProximityStrategy) Select(ctx context.Context, nodes []*domain.ServiceEndpointNode, sel *Selection) (Choice, error) {
	best := pickMin(nodes, func(n *domain.ServiceEndpointNode) float64 {
		return float64(sel.Latency(n))
	}, func(n *domain.ServiceEndpointNode) float64 { return float64(n.AvgResponseTime()) })
	return Choice{
		Node:   best,
		Score:  float64(sel.Latency(best).Milliseconds()),
		Reason: fmt.Sprintf("estimated latency %s from region %q to %q", sel.Latency(best), sel.Request.CallerRegion, best.Region),
	}, nil
}

// CostOptimizedStrategy picks the best success-rate-to-cost ratio within budget,
// falling back to the cheapest node overall
type CostOptimizedStrategy struct{}

func (CostOptimizedStrategy) Type() domain.RoutingStrategy { return domain.CostOptimized }

func (CostOptimizedStrategy) Select(ctx context.Context, nodes []*domain.ServiceEndpointNode, sel *Selection) (Choice, error) {
	ceiling := sel.CostCeiling
	if c := sel.Request.Constraints.MaxCostPerCall; c > 0 && (ceiling <= 0 || c < ceiling) {
		ceiling = c
	}

	within := make([]*domain.ServiceEndpointNode, 0, len(nodes))
	for _, node := range nodes {
		if ceiling <= 0 || node.CostPerCall <= ceiling {
			within = append(within, node)
		}
	}

	if len(within) > 0 {
		best := pickMin(within, func(n *domain.ServiceEndpointNode) float64 {
			return -valueRatio(n)
		}, func(n *domain.ServiceEndpointNode) float64 { return n.CostPerCall })
		return Choice{
			Node:   best,
			Score:  valueRatio(best),
			Reason: fmt.Sprintf("best success-to-cost ratio within budget (cost %.4f, success %.1f%%)", best.CostPerCall, best.SuccessRate()),
		}, nil
	}

	best := pickMin(nodes, func(n *domain.ServiceEndpointNode) float64 {
		return n.CostPerCall
	}, func(n *domain.ServiceEndpointNode) float64 { return -n.SuccessRate() })
	return Choice{
		Node:   best,
		Score:  best.CostPerCall,
		Reason: fmt.Sprintf("no node within ceiling %.4f, cheapest overall at %.4f", ceiling, best.CostPerCall),
	}, nil
}

func valueRatio(n *domain.ServiceEndpointNode) float64 {
	return n.SuccessRate() / math.Max(n.CostPerCall, 1e-6)
}

// HealthBasedStrategy picks the highest composite health score
type HealthBasedStrategy struct{}

func (HealthBasedStrategy) Type() domain.RoutingStrategy { return domain.HealthBased }

func (HealthBasedStrategy) Select(ctx context.Context, nodes []*domain.ServiceEndpointNode, sel *Selection) (Choice, error) {
	best := pickMin(nodes, func(n *domain.ServiceEndpointNode) float64 {
		return -CompositeHealthScore(n)
	}, func(n *domain.ServiceEndpointNode) float64 { return float64(n.ActiveConnections()) })
	score := CompositeHealthScore(best)
	return Choice{
		Node:   best,
		Score:  score,
		Reason: fmt.Sprintf("composite health score %.1f", score),
	}, nil
}

// CompositeHealthScore blends health, success rate, response time and utilization into 0..100
func CompositeHealthScore(n *domain.ServiceEndpointNode) float64 {
	scaledResponse := math.Min(100, float64(n.AvgResponseTime().Milliseconds())/10)
	utilization := n.Utilization() * 100
	return 0.3*n.HealthScore() +
		0.3*n.SuccessRate() +
		0.2*(100-scaledResponse) +
		0.2*(100-utilization)
}

// PredictiveStrategy picks the node least likely to fail according to its recent outcomes
type PredictiveStrategy struct{}

func (PredictiveStrategy) Type() domain.RoutingStrategy { return domain.PredictiveAnalytics }

func (PredictiveStrategy) Select(ctx context.Context, nodes []*domain.ServiceEndpointNode, sel *Selection) (Choice, error) {
	if sel.Predictor == nil || !sel.Predictor.HasHistory(nodes) {
		choice, err := HealthBasedStrategy{}.Select(ctx, nodes, sel)
		if err == nil {
			choice.Reason = "insufficient history, " + choice.Reason
		}
		return choice, err
	}

	best := pickMin(nodes, func(n *domain.ServiceEndpointNode) float64 {
		return -sel.Predictor.Predict(n).Score()
	}, func(n *domain.ServiceEndpointNode) float64 { return -n.HealthScore() })
	p := sel.Predictor.Predict(best)
	return Choice{
		Node:  best,
		Score: p.Score(),
		Reason: fmt.Sprintf("predicted failure probability %.1f%% with confidence %.0f",
			p.FailureProbability, p.Confidence),
	}, nil
}

// HybridWeights are the blend factors of the hybrid strategy
type HybridWeights struct {
	Health      float64 `json:"health" yaml:"health"`
	Cost        float64 `json:"cost" yaml:"cost"`
	Performance float64 `json:"performance" yaml:"performance"`
	Predictive  float64 `json:"predictive" yaml:"predictive"`
}

// DefaultHybridWeights returns the blend used for a criticality
func DefaultHybridWeights(c domain.BusinessCriticality) HybridWeights {
	switch c {
	case domain.CriticalityRevenueBlocking:
		return HybridWeights{Health: 0.4, Cost: 0.1, Performance: 0.35, Predictive: 0.15}
	case domain.CriticalityPerformanceOptimization:
		return HybridWeights{Health: 0.2, Cost: 0.5, Performance: 0.15, Predictive: 0.15}
	default:
		return HybridWeights{Health: 0.3, Cost: 0.25, Performance: 0.25, Predictive: 0.2}
	}
}

const defaultTargetResponseTime = time.Second

// HybridStrategy blends health, cost, performance-vs-target and predictive scores
type HybridStrategy struct {
	mu      sync.RWMutex
	weights map[domain.BusinessCriticality]HybridWeights
}

// NewHybridStrategy creates a hybrid strategy using the default blends
func NewHybridStrategy() *HybridStrategy {
	return &HybridStrategy{weights: make(map[domain.BusinessCriticality]HybridWeights)}
}

// SetWeights overrides the blend of one criticality
func (s *HybridStrategy) SetWeights(c domain.BusinessCriticality, w HybridWeights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights[c] = w
}

// Weights returns the blend applied for a criticality
func (s *HybridStrategy) Weights(c domain.BusinessCriticality) HybridWeights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.weights[c]; ok {
		return w
	}
	return DefaultHybridWeights(c)
}

func (s *HybridStrategy) Type() domain.RoutingStrategy { return domain.HybridOptimization }

func (s *HybridStrategy) Select(ctx context.Context, nodes []*domain.ServiceEndpointNode, sel *Selection) (Choice, error) {
	w := s.Weights(sel.Request.Criticality)

	maxCost := 0.0
	for _, n := range nodes {
		maxCost = math.Max(maxCost, n.CostPerCall)
	}
	target := sel.Request.Constraints.Performance

	score := func(n *domain.ServiceEndpointNode) float64 {
		costScore := 100.0
		if maxCost > 0 {
			costScore = 100 * (1 - n.CostPerCall/maxCost)
		}
		predictive := CompositeHealthScore(n)
		if sel.Predictor != nil && sel.Predictor.Sufficient(n.ID) {
			predictive = sel.Predictor.Predict(n).Score()
		}
		return w.Health*n.HealthScore() +
			w.Cost*costScore +
			w.Performance*performanceScore(n, target) +
			w.Predictive*predictive
	}

	best := pickMin(nodes, func(n *domain.ServiceEndpointNode) float64 { return -score(n) },
		func(n *domain.ServiceEndpointNode) float64 { return n.CostPerCall })
	total := score(best)
	return Choice{
		Node:  best,
		Score: total,
		Reason: fmt.Sprintf("hybrid score %.1f (health %.2f, cost %.2f, performance %.2f, predictive %.2f)",
			total, w.Health, w.Cost, w.Performance, w.Predictive),
	}, nil
}

// performanceScore is 100 at zero latency, 50 at the target and 0 at twice the target
func performanceScore(n *domain.ServiceEndpointNode, target domain.PerformanceTargets) float64 {
	maxRT := target.MaxResponseTime
	if maxRT <= 0 {
		maxRT = defaultTargetResponseTime
	}
	ratio := float64(n.AvgResponseTime()) / float64(maxRT)
	score := 100 - ratio*50
	if target.MinSuccessRate > 0 && n.SuccessRate() < target.MinSuccessRate {
		score -= 20
	}
	return domain.ClampScore(score)
}

// pickMin returns the node with the lowest key, breaking ties with tie and then list order
func pickMin(nodes []*domain.ServiceEndpointNode, key, tie func(*domain.ServiceEndpointNode) float64) *domain.ServiceEndpointNode {
	best := nodes[0]
	bestKey, bestTie := key(best), tie(best)
	for _, n := range nodes[1:] {
		k := key(n)
		if k < bestKey {
			best, bestKey, bestTie = n, k, tie(n)
			continue
		}
		if k == bestKey {
			if t := tie(n); t < bestTie {
				best, bestTie = n, t
			}
		}
	}
	return best
}

func cursorKey(service string, strategy domain.RoutingStrategy) string {
	return fmt.Sprintf("routing:cursor:%s:%s", service, strategy)
}

func positiveMod(a, n int64) int64 {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// StrategyFactory builds strategies by type
type StrategyFactory struct {
	hybrid *HybridStrategy
}

// NewStrategyFactory creates a factory sharing one hybrid strategy instance
func NewStrategyFactory() *StrategyFactory {
	return &StrategyFactory{hybrid: NewHybridStrategy()}
}

// Create returns the strategy of the given type
func (f *StrategyFactory) Create(t domain.RoutingStrategy) (Strategy, error) {
	switch t {
	case domain.RoundRobin:
		return RoundRobinStrategy{}, nil
	case domain.WeightedRoundRobin:
		return WeightedRoundRobinStrategy{}, nil
	case domain.LeastConnections:
		return LeastConnectionsStrategy{}, nil
	case domain.LeastResponseTime:
		return LeastResponseTimeStrategy{}, nil
	case domain.GeographicProximity:
		return GeographicProximityStrategy{}, nil
	case domain.CostOptimized:
		return CostOptimizedStrategy{}, nil
	case domain.HealthBased:
		return HealthBasedStrategy{}, nil
	case domain.PredictiveAnalytics:
		return PredictiveStrategy{}, nil
	case domain.HybridOptimization:
		return f.hybrid, nil
	default:
		return nil, rerrors.NewInvalidConfigurationError("router", fmt.Sprintf("unsupported routing strategy: %s", t))
	}
}

// Available lists the strategies the factory can build
func (f *StrategyFactory) Available() []domain.RoutingStrategy {
	return domain.AllRoutingStrategies()
}
