package repository

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mir00r/provider-resilience/internal/domain"
)

// InMemoryNodeRepository keeps the process-local set of service endpoint nodes
type InMemoryNodeRepository struct {
	mu    sync.RWMutex
	nodes map[string]*domain.ServiceEndpointNode
}

// NewInMemoryNodeRepository creates a new in-memory node repository
func NewInMemoryNodeRepository() *InMemoryNodeRepository {
	return &InMemoryNodeRepository{
		nodes: make(map[string]*domain.ServiceEndpointNode),
	}
}

// GetAll returns all nodes ordered by ID
func (r *InMemoryNodeRepository) GetAll() []*domain.ServiceEndpointNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*domain.ServiceEndpointNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	sortNodes(nodes)
	return nodes
}

// GetByID returns a node by its ID
func (r *InMemoryNodeRepository) GetByID(id string) (*domain.ServiceEndpointNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[id]
	if !exists {
		return nil, fmt.Errorf("node with ID '%s' not found", id)
	}
	return node, nil
}

// GetByService returns the nodes of one service ordered by ID
func (r *InMemoryNodeRepository) GetByService(serviceName string) []*domain.ServiceEndpointNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes []*domain.ServiceEndpointNode
	for _, node := range r.nodes {
		if node.ServiceName == serviceName {
			nodes = append(nodes, node)
		}
	}
	sortNodes(nodes)
	return nodes
}

// Services returns the distinct service names, sorted
func (r *InMemoryNodeRepository) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, node := range r.nodes {
		seen[node.ServiceName] = struct{}{}
	}
	services := make([]string, 0, len(seen))
	for s := range seen {
		services = append(services, s)
	}
	sort.Strings(services)
	return services
}

// Save persists a node
func (r *InMemoryNodeRepository) Save(node *domain.ServiceEndpointNode) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}
	if node.ID == "" {
		return fmt.Errorf("node ID cannot be empty")
	}
	if node.ServiceName == "" {
		return fmt.Errorf("node '%s' has no service name", node.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[node.ID] = node
	return nil
}

// Delete removes a node
func (r *InMemoryNodeRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return fmt.Errorf("node with ID '%s' not found", id)
	}

	delete(r.nodes, id)
	return nil
}

// Count returns the total number of nodes
func (r *InMemoryNodeRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// GetStats returns repository statistics
func (r *InMemoryNodeRepository) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perService := make(map[string]int)
	open := 0
	for _, node := range r.nodes {
		perService[node.ServiceName]++
		if node.CircuitState() == domain.CircuitOpen {
			open++
		}
	}

	return map[string]interface{}{
		"total_nodes":        len(r.nodes),
		"nodes_per_service":  perService,
		"open_circuit_nodes": open,
	}
}

func sortNodes(nodes []*domain.ServiceEndpointNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
