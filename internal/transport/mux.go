package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mir00r/provider-resilience/internal/domain"
)

// Mux routes transport requests to a per-service invoker
type Mux struct {
	mu       sync.RWMutex
	services map[string]domain.TransportInvoker
	fallback domain.TransportInvoker
}

// NewMux creates a mux answering unknown services with def; def may be nil
func NewMux(def domain.TransportInvoker) *Mux {
	return &Mux{
		services: make(map[string]domain.TransportInvoker),
		fallback: def,
	}
}

// Handle routes service to invoker
func (m *Mux) Handle(service string, invoker domain.TransportInvoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[service] = invoker
}

func (m *Mux) Invoke(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
	m.mu.RLock()
	inv, ok := m.services[req.ServiceName]
	if !ok {
		inv = m.fallback
	}
	m.mu.RUnlock()
	if inv == nil {
		return nil, fmt.Errorf("no transport registered for service %s", req.ServiceName)
	}
	return inv.Invoke(ctx, req)
}

// Services lists services with a dedicated invoker
func (m *Mux) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.services))
	for s := range m.services {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
