package routing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// PredictorConfig bounds the outcome history used for failure prediction
type PredictorConfig struct {
	Window          int
	MinSamples      int
	RefreshInterval time.Duration
}

// DefaultPredictorConfig returns the default history bounds
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		Window:          20,
		MinSamples:      5,
		RefreshInterval: 30 * time.Second,
	}
}

// Outcome is one reported call result of a node
type Outcome struct {
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	At      time.Time     `json:"at"`
}

// Prediction estimates how likely a node is to fail its next call
type Prediction struct {
	NodeID             string    `json:"node_id"`
	FailureProbability float64   `json:"failure_probability"`
	Confidence         float64   `json:"confidence"`
	Samples            int       `json:"samples"`
	ComputedAt         time.Time `json:"computed_at"`
}

// Score is the predicted success weighted by confidence, in 0..100
func (p Prediction) Score() float64 {
	return (100 - p.FailureProbability) * p.Confidence / 100
}

type nodeHistory struct {
	outcomes   []Outcome
	prediction Prediction
	dirty      bool
}

// Predictor keeps the last outcomes of every node and derives failure predictions from them
type Predictor struct {
	config PredictorConfig
	clock  domain.Clock
	logger *logger.Logger

	mu      sync.RWMutex
	history map[string]*nodeHistory

	refreshing int32
	refreshes  int64

	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	runMu     sync.Mutex
}

// NewPredictor creates an empty predictor
func NewPredictor(config PredictorConfig, clock domain.Clock, log *logger.Logger) *Predictor {
	defaults := DefaultPredictorConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.MinSamples <= 0 {
		config.MinSamples = defaults.MinSamples
	}
	if config.MinSamples > config.Window {
		config.MinSamples = config.Window
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Predictor{
		config:  config,
		clock:   clock,
		logger:  log.RouterLogger().WithField("component", "predictor"),
		history: make(map[string]*nodeHistory),
	}
}

// Record appends an outcome to the node's bounded history
func (p *Predictor) Record(nodeID string, success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.history[nodeID]
	if h == nil {
		h = &nodeHistory{}
		p.history[nodeID] = h
	}
	h.outcomes = append(h.outcomes, Outcome{Success: success, Latency: latency, At: p.clock.Now()})
	if len(h.outcomes) > p.config.Window {
		h.outcomes = append([]Outcome(nil), h.outcomes[len(h.outcomes)-p.config.Window:]...)
	}
	h.dirty = true
}

// Samples returns how many outcomes are held for nodeID
func (p *Predictor) Samples(nodeID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if h := p.history[nodeID]; h != nil {
		return len(h.outcomes)
	}
	return 0
}

// Sufficient reports whether nodeID has enough history to predict from
func (p *Predictor) Sufficient(nodeID string) bool {
	return p.Samples(nodeID) >= p.config.MinSamples
}

// HasHistory reports whether any of nodes has enough history to predict from
func (p *Predictor) HasHistory(nodes []*domain.ServiceEndpointNode) bool {
	for _, n := range nodes {
		if p.Sufficient(n.ID) {
			return true
		}
	}
	return false
}

// Predict returns the failure prediction of node. Nodes without enough
// history are estimated from their smoothed success rate at half confidence.
func (p *Predictor) Predict(node *domain.ServiceEndpointNode) Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.history[node.ID]
	if h == nil || len(h.outcomes) < p.config.MinSamples {
		samples := 0
		if h != nil {
			samples = len(h.outcomes)
		}
		return Prediction{
			NodeID:             node.ID,
			FailureProbability: domain.ClampScore(100 - node.SuccessRate()),
			Confidence:         50,
			Samples:            samples,
			ComputedAt:         p.clock.Now(),
		}
	}
	if h.dirty {
		h.prediction = p.compute(node.ID, h.outcomes)
		h.dirty = false
	}
	return h.prediction
}

// compute weighs recent outcomes more heavily and penalizes a rising latency trend
func (p *Predictor) compute(nodeID string, outcomes []Outcome) Prediction {
	var weighted, total float64
	for i, o := range outcomes {
		w := float64(i + 1)
		total += w
		if !o.Success {
			weighted += w
		}
	}
	failure := weighted / total * 100

	if n := len(outcomes); n >= 10 {
		recent := averageLatency(outcomes[n-5:])
		earlier := averageLatency(outcomes[:n-5])
		if earlier > 0 && float64(recent) > 1.5*float64(earlier) {
			failure += 10
		}
	}

	confidence := float64(len(outcomes)) / float64(p.config.Window) * 100
	return Prediction{
		NodeID:             nodeID,
		FailureProbability: domain.ClampScore(failure),
		Confidence:         domain.ClampScore(confidence),
		Samples:            len(outcomes),
		ComputedAt:         p.clock.Now(),
	}
}

func averageLatency(outcomes []Outcome) time.Duration {
	if len(outcomes) == 0 {
		return 0
	}
	var sum time.Duration
	for _, o := range outcomes {
		sum += o.Latency
	}
	return sum / time.Duration(len(outcomes))
}

// Forget drops the history of a removed node
func (p *Predictor) Forget(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.history, nodeID)
}

// Refresh recomputes every stale prediction; overlapping runs are skipped
func (p *Predictor) Refresh() {
	if !atomic.CompareAndSwapInt32(&p.refreshing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&p.refreshing, 0)

	p.mu.Lock()
	updated := 0
	for id, h := range p.history {
		if h.dirty && len(h.outcomes) >= p.config.MinSamples {
			h.prediction = p.compute(id, h.outcomes)
			h.dirty = false
			updated++
		}
	}
	p.mu.Unlock()

	atomic.AddInt64(&p.refreshes, 1)
	if updated > 0 {
		p.logger.WithField("updated", updated).Debug("Refreshed failure predictions")
	}
}

// Start launches the periodic refresh
func (p *Predictor) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.isRunning {
		return fmt.Errorf("predictor is already running")
	}
	p.isRunning = true
	p.stopChan = make(chan struct{})

	p.wg.Add(1)
	go p.loop(ctx, p.stopChan)

	p.logger.WithField("interval", p.config.RefreshInterval).Info("Started prediction refresh")
	return nil
}

func (p *Predictor) loop(ctx context.Context, stop chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.Refresh()
		}
	}
}

// Stop halts the periodic refresh and waits for it to exit
func (p *Predictor) Stop() {
	p.runMu.Lock()
	if !p.isRunning {
		p.runMu.Unlock()
		return
	}
	p.isRunning = false
	close(p.stopChan)
	p.runMu.Unlock()

	p.wg.Wait()
	p.logger.Info("Stopped prediction refresh")
}

// GetStats returns predictor statistics
func (p *Predictor) GetStats() map[string]interface{} {
	p.mu.RLock()
	nodes := len(p.history)
	p.mu.RUnlock()

	p.runMu.Lock()
	running := p.isRunning
	p.runMu.Unlock()

	return map[string]interface{}{
		"running":          running,
		"tracked_nodes":    nodes,
		"refreshes":        atomic.LoadInt64(&p.refreshes),
		"window":           p.config.Window,
		"min_samples":      p.config.MinSamples,
		"refresh_interval": p.config.RefreshInterval.String(),
	}
}
