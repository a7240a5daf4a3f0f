package events

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const (
	auditKey            = "audit:records"
	defaultAuditRetain  = 1000
	auditLogMessage     = "Audit record"
	auditComponentField = "audit"
)

// LogAuditSink writes audit records as structured log entries
type LogAuditSink struct {
	logger *logger.Logger
}

// NewLogAuditSink creates a sink logging through log
func NewLogAuditSink(log *logger.Logger) *LogAuditSink {
	return &LogAuditSink{logger: log.WithField("component", auditComponentField)}
}

// Record implements domain.AuditSink
func (s *LogAuditSink) Record(ctx context.Context, record domain.AuditRecord) error {
	fields := logrus.Fields{
		"audit_id":  record.ID,
		"actor":     record.Actor,
		"action":    record.Action,
		"resource":  record.Resource,
		"timestamp": record.Timestamp,
	}
	for k, v := range record.Details {
		fields["detail_"+k] = v
	}
	s.logger.WithFields(fields).Info(auditLogMessage)
	return nil
}

// StoreAuditSink appends audit records to a bounded list in the shared store
type StoreAuditSink struct {
	store  domain.StateStore
	retain int
}

// NewStoreAuditSink creates a sink keeping the newest retain records
func NewStoreAuditSink(store domain.StateStore, retain int) *StoreAuditSink {
	if retain <= 0 {
		retain = defaultAuditRetain
	}
	return &StoreAuditSink{store: store, retain: retain}
}

// Record implements domain.AuditSink
func (s *StoreAuditSink) Record(ctx context.Context, record domain.AuditRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	n, err := s.store.ListPush(ctx, auditKey, raw)
	if err != nil {
		return rerrors.NewStateStoreError("append audit record", err)
	}
	if n > int64(s.retain) {
		if err := s.store.ListTrim(ctx, auditKey, s.retain); err != nil {
			return rerrors.NewStateStoreError("trim audit records", err)
		}
	}
	return nil
}

// Records returns up to limit newest records, oldest first
func (s *StoreAuditSink) Records(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	items, err := s.store.ListRange(ctx, auditKey, limit)
	if err != nil {
		return nil, rerrors.NewStateStoreError("read audit records", err)
	}
	out := make([]domain.AuditRecord, 0, len(items))
	for _, raw := range items {
		var r domain.AuditRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// MultiAuditSink fans a record out to several sinks and returns the first error
type MultiAuditSink []domain.AuditSink

// Record implements domain.AuditSink
func (m MultiAuditSink) Record(ctx context.Context, record domain.AuditRecord) error {
	var first error
	for _, sink := range m {
		if err := sink.Record(ctx, record); err != nil && first == nil {
			first = err
		}
	}
	return first
}
