package domain

import (
	"context"
	"time"
)

// Clock abstracts time so periodic logic can be tested deterministically
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns the current time
func (SystemClock) Now() time.Time { return time.Now() }

// StateStore is the shared, possibly multi-process, key-value backend.
// Counters and values live in separate namespaces of the same key.
type StateStore interface {
	// Get returns the value stored under key; found is false for missing or expired keys
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key; a zero ttl never expires
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Incr atomically adds delta to the counter under key and returns the new value
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// Counter returns the counter under key, or 0 if missing
	Counter(ctx context.Context, key string) (int64, error)

	// Expire sets the remaining lifetime of key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key, its counter and its list
	Delete(ctx context.Context, key string) error

	// ListPush appends value to the list under key and returns the new length
	ListPush(ctx context.Context, key string, value []byte) (int64, error)

	// ListTrim keeps only the newest keep entries of the list
	ListTrim(ctx context.Context, key string, keep int) error

	// ListRange returns up to limit newest entries, oldest first; limit <= 0 returns all
	ListRange(ctx context.Context, key string, limit int) ([][]byte, error)

	Close() error
}

// TransportRequest is the shape of one outbound provider call
type TransportRequest struct {
	ServiceName string
	Method      string
	Endpoint    string
	Payload     []byte
	Headers     map[string]string
	Timeout     time.Duration
}

// TransportResponse is what the provider answered
type TransportResponse struct {
	Status  int
	Body    []byte
	Headers map[string]string
}

// TransportInvoker performs the provider-specific wire call.
// A returned error means no response was received.
type TransportInvoker interface {
	Invoke(ctx context.Context, req TransportRequest) (*TransportResponse, error)
}

// AuditRecord is a structured audit entry
type AuditRecord struct {
	ID        string                 `json:"id"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuditSink accepts audit records
type AuditSink interface {
	Record(ctx context.Context, record AuditRecord) error
}

// EventType names a broadcast event
type EventType string

const (
	EventCircuitStateChanged EventType = "circuit.state_changed"
	EventRoutingDecision     EventType = "routing.decision"
	EventBudgetAlert         EventType = "budget.alert"
	EventBudgetEmergency     EventType = "budget.emergency_activated"
	EventBudgetRollover      EventType = "budget.period_rollover"
	EventFallbackExecuted    EventType = "fallback.executed"
	EventManualOperation     EventType = "fallback.manual_operation"
	EventBatchExecuted       EventType = "batching.batch_executed"
	EventOptimizationOutcome EventType = "scenario.optimization_outcome"
	EventProviderUnhealthy   EventType = "fallback.provider_unhealthy"
	EventConfigReloaded      EventType = "config.reloaded"
)

// Event is an advisory real-time broadcast
type Event struct {
	Type        EventType   `json:"type"`
	ServiceName string      `json:"service_name"`
	Payload     interface{} `json:"payload,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// EventPublisher is fire-and-forget; delivery is at most once
type EventPublisher interface {
	Publish(event Event)
}

// ManualNotification asks operators to take over a service
type ManualNotification struct {
	ServiceName    string    `json:"service_name"`
	Channels       []string  `json:"channels"`
	EscalationPath []string  `json:"escalation_path"`
	Instructions   string    `json:"instructions"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notifier delivers manual-operation notifications
type Notifier interface {
	Notify(ctx context.Context, n ManualNotification) error
}

// HealthProber actively checks a node and reports its latency
type HealthProber interface {
	Probe(ctx context.Context, node *ServiceEndpointNode) (time.Duration, error)
}
