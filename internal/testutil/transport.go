package testutil

import (
	"context"
	"sync"

	"github.com/mir00r/provider-resilience/internal/domain"
)

// InvokeFunc answers one transport request
type InvokeFunc func(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error)

// StubInvoker is a scripted TransportInvoker that records every request
type StubInvoker struct {
	mu       sync.Mutex
	fn       InvokeFunc
	requests []domain.TransportRequest
}

// NewStubInvoker creates an invoker answering with fn
func NewStubInvoker(fn InvokeFunc) *StubInvoker {
	return &StubInvoker{fn: fn}
}

// Invoke records the request and delegates to the script
func (s *StubInvoker) Invoke(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.fn
	s.mu.Unlock()
	return fn(ctx, req)
}

// Calls returns how many requests were received
func (s *StubInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of the received requests
func (s *StubInvoker) Requests() []domain.TransportRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TransportRequest(nil), s.requests...)
}

// Respond returns a script that always answers with status and body
func Respond(status int, body string) InvokeFunc {
	return func(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
		return &domain.TransportResponse{Status: status, Body: []byte(body)}, nil
	}
}

// Sequence answers with each script in turn and repeats the last one
func Sequence(fns ...InvokeFunc) InvokeFunc {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
		mu.Lock()
		fn := fns[i]
		if i < len(fns)-1 {
			i++
		}
		mu.Unlock()
		return fn(ctx, req)
	}
}

// RecordingPublisher collects published events
type RecordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

// Publish implements domain.EventPublisher
func (p *RecordingPublisher) Publish(event domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

// Events returns the published events of the given type, or all when typ is empty
func (p *RecordingPublisher) Events(typ domain.EventType) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, e := range p.events {
		if typ == "" || e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// RecordingAuditSink collects audit records
type RecordingAuditSink struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

// Record implements domain.AuditSink
func (s *RecordingAuditSink) Record(ctx context.Context, record domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Records returns the collected records with the given action, or all when action is empty
func (s *RecordingAuditSink) Records(action string) []domain.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditRecord
	for _, r := range s.records {
		if action == "" || r.Action == action {
			out = append(out, r)
		}
	}
	return out
}
