package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mir00r/provider-resilience/pkg/logger"
)

const maxCatalogBytes = 4 << 20

// HTTPProvider reads the catalog from a JSON endpoint answering
// {"nodes": [...]}
type HTTPProvider struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
	logger   *logger.Logger
}

// HTTPCatalogResponse is the expected response body
type HTTPCatalogResponse struct {
	Nodes []Node `json:"nodes"`
}

// NewHTTPProvider creates a catalog reader for endpoint
func NewHTTPProvider(endpoint string, headers map[string]string, timeout time.Duration, log *logger.Logger) (*HTTPProvider, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid catalog endpoint: %q", endpoint)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
		logger:   log.WithField("endpoint", endpoint),
	}, nil
}

// Name returns the provider name
func (h *HTTPProvider) Name() string {
	return "http"
}

// Discover fetches the catalog
func (h *HTTPProvider) Discover(ctx context.Context) ([]Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog query failed with status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var response HTTPCatalogResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	h.logger.WithField("nodes", len(response.Nodes)).Debug("Fetched catalog")
	return response.Nodes, nil
}
