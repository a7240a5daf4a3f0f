package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultMaxBodyBytes = 10 << 20
	defaultMethod       = http.MethodPost
)

// HTTPTarget describes how one service's provider is reached over HTTP
type HTTPTarget struct {
	BaseURL string            `yaml:"base_url" json:"base_url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	// RequestsPerSecond paces calls client-side; zero disables pacing
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
}

// HTTPConfig configures the shared HTTP client
type HTTPConfig struct {
	Timeout             time.Duration         `yaml:"timeout" json:"timeout"`
	MaxIdleConnsPerHost int                   `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration         `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
	EnableHTTP2         bool                  `yaml:"enable_http2" json:"enable_http2"`
	InsecureSkipVerify  bool                  `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
	MaxBodyBytes        int64                 `yaml:"max_body_bytes" json:"max_body_bytes"`
	Targets             map[string]HTTPTarget `yaml:"targets" json:"targets"`
}

// DefaultHTTPConfig returns the default client settings
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:             defaultHTTPTimeout,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		EnableHTTP2:         true,
		MaxBodyBytes:        defaultMaxBodyBytes,
		Targets:             make(map[string]HTTPTarget),
	}
}

// HTTPInvoker sends transport requests as HTTP calls, pacing each service
// with a token bucket
type HTTPInvoker struct {
	client   *http.Client
	config   HTTPConfig
	mu       sync.RWMutex
	targets  map[string]HTTPTarget
	limiters map[string]*rate.Limiter
	logger   *logger.Logger

	requests int64
	failures int64
	paced    int64
}

// NewHTTPInvoker builds the shared client. With EnableHTTP2 the transport
// negotiates h2 over TLS.
func NewHTTPInvoker(config HTTPConfig, log *logger.Logger) (*HTTPInvoker, error) {
	if config.Timeout <= 0 {
		config.Timeout = defaultHTTPTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: config.InsecureSkipVerify,
		},
	}
	if config.EnableHTTP2 {
		h2, err := http2.ConfigureTransports(base)
		if err != nil {
			return nil, fmt.Errorf("configure http2 transport: %w", err)
		}
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}

	inv := &HTTPInvoker{
		client:   &http.Client{Transport: base},
		config:   config,
		targets:  make(map[string]HTTPTarget),
		limiters: make(map[string]*rate.Limiter),
		logger:   log.TransportLogger().WithField("transport", "http"),
	}
	for service, target := range config.Targets {
		if err := inv.SetTarget(service, target); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// SetTarget registers or replaces the target of service
func (h *HTTPInvoker) SetTarget(service string, target HTTPTarget) error {
	if target.BaseURL != "" {
		if _, err := url.Parse(target.BaseURL); err != nil {
			return fmt.Errorf("invalid base url for %s: %w", service, err)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets[service] = target
	if target.RequestsPerSecond > 0 {
		burst := target.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiters[service] = rate.NewLimiter(rate.Limit(target.RequestsPerSecond), burst)
	} else {
		delete(h.limiters, service)
	}
	return nil
}

func (h *HTTPInvoker) target(service string) (HTTPTarget, *rate.Limiter) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.targets[service], h.limiters[service]
}

// Invoke performs one HTTP request. Provider statuses are returned as
// responses; only transport failures are errors.
func (h *HTTPInvoker) Invoke(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
	atomic.AddInt64(&h.requests, 1)
	target, limiter := h.target(req.ServiceName)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = target.Timeout
	}
	if timeout <= 0 {
		timeout = h.config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				atomic.AddInt64(&h.failures, 1)
				return nil, ctx.Err()
			}
			// The pacing wait would outlast the deadline; answer as the provider would.
			atomic.AddInt64(&h.paced, 1)
			return &domain.TransportResponse{
				Status:  http.StatusTooManyRequests,
				Body:    []byte("client-side pacing limit reached"),
				Headers: map[string]string{"X-Client-Paced": "true"},
			}, nil
		}
	}

	endpoint, err := resolveURL(target.BaseURL, req.Endpoint)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = defaultMethod
	}

	var body io.Reader
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range target.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Payload) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		atomic.AddInt64(&h.failures, 1)
		h.logger.WithError(err).WithFields(map[string]interface{}{
			"service":  req.ServiceName,
			"endpoint": endpoint,
		}).Debug("HTTP call failed")
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxBodyBytes))
	if err != nil {
		atomic.AddInt64(&h.failures, 1)
		return nil, fmt.Errorf("read response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	h.logger.WithFields(map[string]interface{}{
		"service":  req.ServiceName,
		"endpoint": endpoint,
		"status":   resp.StatusCode,
		"proto":    resp.Proto,
		"duration": time.Since(start),
	}).Debug("HTTP call completed")

	return &domain.TransportResponse{Status: resp.StatusCode, Body: data, Headers: headers}, nil
}

// resolveURL resolves a relative endpoint against base; absolute endpoints are used as-is
func resolveURL(base, endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if base == "" {
		return "", fmt.Errorf("relative endpoint %q without a base url", endpoint)
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		baseURL.Path += "/"
	}
	ref.Path = strings.TrimLeft(ref.Path, "/")
	return baseURL.ResolveReference(ref).String(), nil
}

// GetStats returns HTTP invoker statistics
func (h *HTTPInvoker) GetStats() map[string]interface{} {
	h.mu.RLock()
	targets := len(h.targets)
	paced := len(h.limiters)
	h.mu.RUnlock()
	return map[string]interface{}{
		"requests":       atomic.LoadInt64(&h.requests),
		"failures":       atomic.LoadInt64(&h.failures),
		"paced_rejected": atomic.LoadInt64(&h.paced),
		"targets":        targets,
		"paced_targets":  paced,
		"http2_enabled":  h.config.EnableHTTP2,
	}
}

// Close releases idle connections
func (h *HTTPInvoker) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
