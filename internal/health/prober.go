package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// TransportProber checks a node by calling its health path through the transport invoker
type TransportProber struct {
	invoker domain.TransportInvoker
	path    string
	timeout time.Duration
	logger  *logger.Logger
}

// NewTransportProber creates a prober calling path on every node
func NewTransportProber(invoker domain.TransportInvoker, path string, timeout time.Duration, log *logger.Logger) *TransportProber {
	if path == "" {
		path = "/health"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TransportProber{
		invoker: invoker,
		path:    path,
		timeout: timeout,
		logger:  log.RegistryLogger(),
	}
}

// Probe performs a health check on a node and returns the observed latency
func (p *TransportProber) Probe(ctx context.Context, node *domain.ServiceEndpointNode) (time.Duration, error) {
	endpoint := strings.TrimRight(node.Endpoint, "/") + p.path
	log := p.logger.NodeLogger(node.ID, node.Provider)

	start := time.Now()
	resp, err := p.invoker.Invoke(ctx, domain.TransportRequest{
		ServiceName: node.ServiceName,
		Method:      "GET",
		Endpoint:    endpoint,
		Headers: map[string]string{
			"User-Agent": "ProviderResilience-HealthProber/1.0",
			"Accept":     "application/json, text/plain, */*",
		},
		Timeout: p.timeout,
	})
	duration := time.Since(start)

	if err != nil {
		log.WithError(err).WithField("duration_ms", duration.Milliseconds()).
			Debug("Health probe request failed")
		return duration, fmt.Errorf("health probe request failed: %w", err)
	}

	if resp.Status >= 200 && resp.Status < 300 {
		log.WithField("duration_ms", duration.Milliseconds()).Debug("Health probe passed")
		return duration, nil
	}
	return duration, fmt.Errorf("health probe failed with status %d", resp.Status)
}
