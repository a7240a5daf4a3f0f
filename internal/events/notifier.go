package events

import (
	"context"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// BroadcastNotifier announces manual-operation handovers in the log and on the event bus
type BroadcastNotifier struct {
	logger    *logger.Logger
	publisher domain.EventPublisher
}

// NewBroadcastNotifier creates the default notifier; publisher may be nil
func NewBroadcastNotifier(publisher domain.EventPublisher, log *logger.Logger) *BroadcastNotifier {
	return &BroadcastNotifier{logger: log.FallbackLogger(), publisher: publisher}
}

// Notify implements domain.Notifier
func (n *BroadcastNotifier) Notify(ctx context.Context, m domain.ManualNotification) error {
	n.logger.WithFields(map[string]interface{}{
		"service":         m.ServiceName,
		"channels":        m.Channels,
		"escalation_path": m.EscalationPath,
		"instructions":    m.Instructions,
		"reason":          m.Reason,
	}).Error("Manual operation required")

	if n.publisher != nil {
		n.publisher.Publish(domain.Event{
			Type:        domain.EventManualOperation,
			ServiceName: m.ServiceName,
			Payload:     m,
			Timestamp:   m.Timestamp,
		})
	}
	return nil
}
