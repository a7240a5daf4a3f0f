package handler

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/internal/resilience"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// CallMetrics is the read side of the call gate metrics
type CallMetrics interface {
	Services() []string
	ServiceStats(service string) (resilience.ServiceMetrics, bool)
	Totals() (calls, errors int64)
}

// NodeLister lists provider nodes by service
type NodeLister interface {
	Services() []string
	Nodes(service string) []*domain.ServiceEndpointNode
}

// PrometheusHandler serves call and node metrics in the Prometheus text format
type PrometheusHandler struct {
	metrics   CallMetrics
	nodes     NodeLister
	logger    *logger.Logger
	startTime time.Time
}

// NewPrometheusHandler creates a new Prometheus metrics handler
func NewPrometheusHandler(metrics CallMetrics, nodes NodeLister, log *logger.Logger) *PrometheusHandler {
	return &PrometheusHandler{
		metrics:   metrics,
		nodes:     nodes,
		logger:    log.WithField("component", "prometheus"),
		startTime: time.Now(),
	}
}

var latencyBucketBounds = []string{"0.01", "0.05", "0.1", "0.5", "1", "+Inf"}

// MetricsHandler serves Prometheus-formatted metrics
func (h *PrometheusHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	h.writeCallMetrics(w)
	h.writeNodeMetrics(w)

	totalCalls, totalErrors := h.metrics.Totals()
	writeHeader(w, "provider_resilience_calls_sum", "counter", "Gate calls across all services")
	fmt.Fprintf(w, "provider_resilience_calls_sum %d\n", totalCalls)
	writeHeader(w, "provider_resilience_errors_sum", "counter", "Failed gate calls across all services")
	fmt.Fprintf(w, "provider_resilience_errors_sum %d\n", totalErrors)

	writeHeader(w, "provider_resilience_uptime_seconds", "gauge", "Process uptime in seconds")
	fmt.Fprintf(w, "provider_resilience_uptime_seconds %.2f\n", time.Since(h.startTime).Seconds())

	h.writeGoMetrics(w)
	h.logger.Debug("Served Prometheus metrics")
}

func (h *PrometheusHandler) writeCallMetrics(w io.Writer) {
	services := h.metrics.Services()

	writeHeader(w, "provider_resilience_calls_total", "counter", "Gate calls per service")
	writeHeader(w, "provider_resilience_attempts_total", "counter", "Provider attempts including retries")
	writeHeader(w, "provider_resilience_errors_total", "counter", "Gate calls that failed after retries")
	writeHeader(w, "provider_resilience_rejections_total", "counter", "Calls rejected before reaching a provider")
	writeHeader(w, "provider_resilience_call_duration_seconds", "histogram", "Gate call duration")

	for _, service := range services {
		sm, ok := h.metrics.ServiceStats(service)
		if !ok {
			continue
		}
		label := sanitizeLabel(service)
		fmt.Fprintf(w, "provider_resilience_calls_total{service=\"%s\"} %d\n", label, sm.Calls)
		fmt.Fprintf(w, "provider_resilience_attempts_total{service=\"%s\"} %d\n", label, sm.Attempts)
		fmt.Fprintf(w, "provider_resilience_errors_total{service=\"%s\"} %d\n", label, sm.Errors)
		fmt.Fprintf(w, "provider_resilience_rejections_total{service=\"%s\",reason=\"circuit_open\"} %d\n", label, sm.CircuitOpen)
		fmt.Fprintf(w, "provider_resilience_rejections_total{service=\"%s\",reason=\"rate_limited\"} %d\n", label, sm.RateLimited)

		counts := []int64{
			sm.Latency.Under10ms, sm.Latency.Under50ms, sm.Latency.Under100ms,
			sm.Latency.Under500ms, sm.Latency.Under1000ms, sm.Latency.Over1000ms,
		}
		var cumulative int64
		for i, bound := range latencyBucketBounds {
			cumulative += counts[i]
			fmt.Fprintf(w, "provider_resilience_call_duration_seconds_bucket{service=\"%s\",le=\"%s\"} %d\n", label, bound, cumulative)
		}
		fmt.Fprintf(w, "provider_resilience_call_duration_seconds_sum{service=\"%s\"} %.3f\n", label, float64(sm.TotalLatency)/1000)
		fmt.Fprintf(w, "provider_resilience_call_duration_seconds_count{service=\"%s\"} %d\n", label, cumulative)
	}
}

func (h *PrometheusHandler) writeNodeMetrics(w io.Writer) {
	if h.nodes == nil {
		return
	}

	writeHeader(w, "provider_resilience_node_health_score", "gauge", "Node health score (0-100)")
	writeHeader(w, "provider_resilience_node_success_rate", "gauge", "Node success rate percentage")
	writeHeader(w, "provider_resilience_node_active_connections", "gauge", "Connections held on the node")
	writeHeader(w, "provider_resilience_node_response_time_seconds", "gauge", "Rolling average node response time")
	writeHeader(w, "provider_resilience_node_circuit_open", "gauge", "1 when the node's service circuit is not closed")

	services := h.nodes.Services()
	sort.Strings(services)
	for _, service := range services {
		for _, node := range h.nodes.Nodes(service) {
			snap := node.Snapshot()
			labels := fmt.Sprintf("service=\"%s\",node_id=\"%s\",provider=\"%s\"",
				sanitizeLabel(snap.ServiceName), sanitizeLabel(snap.ID), sanitizeLabel(snap.Provider))

			circuitOpen := 0
			if snap.CircuitState != domain.CircuitClosed {
				circuitOpen = 1
			}
			fmt.Fprintf(w, "provider_resilience_node_health_score{%s} %.2f\n", labels, snap.HealthScore)
			fmt.Fprintf(w, "provider_resilience_node_success_rate{%s} %.2f\n", labels, snap.SuccessRate)
			fmt.Fprintf(w, "provider_resilience_node_active_connections{%s} %d\n", labels, snap.ActiveConnections)
			fmt.Fprintf(w, "provider_resilience_node_response_time_seconds{%s} %.6f\n", labels, float64(snap.AvgResponseTimeMs)/1000)
			fmt.Fprintf(w, "provider_resilience_node_circuit_open{%s} %d\n", labels, circuitOpen)
		}
	}
}

// writeGoMetrics writes Go runtime metrics in Prometheus format
func (h *PrometheusHandler) writeGoMetrics(w io.Writer) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeHeader(w, "go_info", "gauge", "Information about the Go environment")
	fmt.Fprintf(w, "go_info{version=\"%s\"} 1\n", runtime.Version())

	writeHeader(w, "go_goroutines", "gauge", "Number of goroutines that currently exist")
	fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

	writeHeader(w, "go_memstats_heap_alloc_bytes", "gauge", "Heap bytes allocated and still in use")
	fmt.Fprintf(w, "go_memstats_heap_alloc_bytes %d\n", mem.HeapAlloc)

	writeHeader(w, "process_start_time_seconds", "gauge", "Start time of the process since unix epoch in seconds")
	fmt.Fprintf(w, "process_start_time_seconds %d\n", h.startTime.Unix())
}

func writeHeader(w io.Writer, name, kind, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

// sanitizeLabel sanitizes metric label values for Prometheus
func sanitizeLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "\\n")
}
