// Package discovery keeps the node registry in step with an external catalog
// of provider endpoints. Statically declared nodes are never touched; only
// nodes the catalog introduced are updated or removed.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// Provider lists the nodes currently published by a catalog
type Provider interface {
	Name() string
	Discover(ctx context.Context) ([]Node, error)
}

// Node is one catalog entry
type Node struct {
	ID             string   `json:"id"`
	Service        string   `json:"service"`
	Provider       string   `json:"provider"`
	Region         string   `json:"region"`
	Endpoint       string   `json:"endpoint"`
	Weight         int      `json:"weight"`
	MaxConnections int64    `json:"max_connections"`
	CostPerCall    float64  `json:"cost_per_call"`
	Capabilities   []string `json:"capabilities,omitempty"`
}

// ToDomain builds the registry node of the entry
func (n Node) ToDomain() *domain.ServiceEndpointNode {
	node := domain.NewServiceEndpointNode(n.ID, n.Service, n.Provider, n.Endpoint, n.Weight)
	node.Region = n.Region
	if n.MaxConnections > 0 {
		node.MaxConnections = n.MaxConnections
	}
	node.CostPerCall = n.CostPerCall
	node.Capabilities = n.Capabilities
	return node
}

func (n Node) validate() error {
	if n.ID == "" || n.Service == "" || n.Provider == "" {
		return fmt.Errorf("catalog node needs id, service and provider")
	}
	return nil
}

// Registrar is the registry facet the syncer writes to
type Registrar interface {
	Node(id string) (*domain.ServiceEndpointNode, error)
	RegisterNode(node *domain.ServiceEndpointNode) error
	RemoveNode(id string) error
}

// SyncResult summarizes one reconciliation
type SyncResult struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
	Skipped int      `json:"skipped"`
}

// Syncer periodically reconciles the registry with a provider
type Syncer struct {
	provider Provider
	registry Registrar
	interval time.Duration
	logger   *logger.Logger

	mu        sync.Mutex
	owned     map[string]Node
	lastSync  time.Time
	lastError string
	syncs     int64

	runMu     sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

// NewSyncer creates a syncer polling provider every interval
func NewSyncer(provider Provider, registry Registrar, interval time.Duration, log *logger.Logger) *Syncer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Syncer{
		provider: provider,
		registry: registry,
		interval: interval,
		logger:   log.WithField("component", "discovery").WithField("provider", provider.Name()),
		owned:    make(map[string]Node),
		stopChan: make(chan struct{}),
	}
}

// Sync fetches the catalog once and applies it. Entries whose ID belongs to
// a node the syncer did not create are skipped.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	nodes, err := s.provider.Discover(ctx)
	if err != nil {
		s.recordError(err)
		return result, rerrors.WrapError(err, rerrors.ErrCodeProviderUnavailable, "discovery",
			fmt.Sprintf("catalog %s unavailable", s.provider.Name()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if err := n.validate(); err != nil {
			s.logger.WithField("node_id", n.ID).Warn("Skipping invalid catalog entry")
			result.Skipped++
			continue
		}
		seen[n.ID] = true

		previous, owned := s.owned[n.ID]
		if !owned {
			if _, err := s.registry.Node(n.ID); err == nil {
				// declared statically
				result.Skipped++
				continue
			}
		} else if sameEntry(previous, n) {
			continue
		}

		if err := s.registry.RegisterNode(n.ToDomain()); err != nil {
			s.logger.WithError(err).WithField("node_id", n.ID).Warn("Failed to register catalog node")
			result.Skipped++
			continue
		}
		s.owned[n.ID] = n
		if owned {
			result.Updated = append(result.Updated, n.ID)
		} else {
			result.Added = append(result.Added, n.ID)
		}
	}

	for id := range s.owned {
		if seen[id] {
			continue
		}
		if err := s.registry.RemoveNode(id); err != nil {
			s.logger.WithError(err).WithField("node_id", id).Warn("Failed to remove catalog node")
		}
		delete(s.owned, id)
		result.Removed = append(result.Removed, id)
	}
	sort.Strings(result.Removed)

	s.lastSync = time.Now()
	s.lastError = ""
	s.syncs++

	if len(result.Added)+len(result.Updated)+len(result.Removed) > 0 {
		s.logger.WithFields(map[string]interface{}{
			"added":   len(result.Added),
			"updated": len(result.Updated),
			"removed": len(result.Removed),
		}).Info("Applied catalog changes")
	}
	return result, nil
}

func (s *Syncer) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
	s.logger.WithError(err).Warn("Catalog discovery failed")
}

func sameEntry(a, b Node) bool {
	if len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return a.Service == b.Service &&
		a.Provider == b.Provider &&
		a.Region == b.Region &&
		a.Endpoint == b.Endpoint &&
		a.Weight == b.Weight &&
		a.MaxConnections == b.MaxConnections &&
		a.CostPerCall == b.CostPerCall
}

// Start syncs immediately and then every interval
func (s *Syncer) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.isRunning {
		return fmt.Errorf("discovery syncer is already running")
	}
	s.isRunning = true

	s.wg.Add(1)
	go s.loop(ctx, s.stopChan)
	s.logger.WithField("interval", s.interval).Info("Discovery syncer started")
	return nil
}

func (s *Syncer) loop(ctx context.Context, stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	_, _ = s.Sync(ctx)
	for {
		select {
		case <-ticker.C:
			_, _ = s.Sync(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts polling; discovered nodes stay registered
func (s *Syncer) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.isRunning {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.isRunning = false
	s.stopChan = make(chan struct{})
	s.logger.Info("Discovery syncer stopped")
}

// GetStats returns syncer state
func (s *Syncer) GetStats() map[string]interface{} {
	s.runMu.Lock()
	running := s.isRunning
	s.runMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"provider":    s.provider.Name(),
		"running":     running,
		"owned_nodes": len(s.owned),
		"syncs":       s.syncs,
		"last_sync":   s.lastSync,
		"last_error":  s.lastError,
	}
}
