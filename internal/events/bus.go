package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const (
	defaultBufferSize  = 256
	defaultRecentLimit = 100
)

// Subscription receives the events it subscribed to until it is cancelled
type Subscription struct {
	id      int64
	types   map[domain.EventType]bool
	ch      chan domain.Event
	dropped int64
}

// C returns the delivery channel
func (s *Subscription) C() <-chan domain.Event { return s.ch }

// Dropped returns how many events did not fit the subscriber's buffer
func (s *Subscription) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

func (s *Subscription) wants(t domain.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus is an in-process broadcast channel. Publish never blocks: events that do
// not fit a buffer are dropped and counted.
type Bus struct {
	logger *logger.Logger
	input  chan domain.Event

	mu          sync.RWMutex
	subscribers map[int64]*Subscription
	nextID      int64

	recentMu    sync.Mutex
	recent      []domain.Event
	recentLimit int

	published int64
	dropped   int64

	closeMu   sync.RWMutex
	closed    bool
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewBus creates a bus with an input buffer of size events
func NewBus(size int, log *logger.Logger) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{
		logger:      log.WithField("component", "event_bus"),
		input:       make(chan domain.Event, size),
		subscribers: make(map[int64]*Subscription),
		recentLimit: defaultRecentLimit,
		done:        make(chan struct{}),
	}
}

// Start launches the fan-out goroutine
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		go b.run()
	})
}

// Stop drains buffered events and closes every subscription
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.Start()
		b.closeMu.Lock()
		b.closed = true
		close(b.input)
		b.closeMu.Unlock()
		<-b.done
	})
}

// Publish implements domain.EventPublisher; after Stop it is a no-op
func (b *Bus) Publish(event domain.Event) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.input <- event:
		atomic.AddInt64(&b.published, 1)
	default:
		atomic.AddInt64(&b.dropped, 1)
		b.logger.WithField("type", event.Type).Debug("Event bus full, dropping event")
	}
}

// Subscribe registers a subscriber for the given types, or every type when none is given
func (b *Bus) Subscribe(buffer int, types ...domain.EventType) *Subscription {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	sub := &Subscription{
		types: make(map[domain.EventType]bool, len(types)),
		ch:    make(chan domain.Event, buffer),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for event := range b.input {
		b.remember(event)

		b.mu.RLock()
		for _, sub := range b.subscribers {
			if !sub.wants(event.Type) {
				continue
			}
			select {
			case sub.ch <- event:
			default:
				atomic.AddInt64(&sub.dropped, 1)
			}
		}
		b.mu.RUnlock()
	}

	b.mu.Lock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) remember(event domain.Event) {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()
	b.recent = append(b.recent, event)
	if len(b.recent) > b.recentLimit {
		b.recent = append([]domain.Event(nil), b.recent[len(b.recent)-b.recentLimit:]...)
	}
}

// Recent returns up to limit of the newest delivered events, oldest first
func (b *Bus) Recent(limit int) []domain.Event {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()
	items := b.recent
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return append([]domain.Event(nil), items...)
}

// GetStats returns bus counters
func (b *Bus) GetStats() map[string]interface{} {
	b.mu.RLock()
	subscribers := len(b.subscribers)
	b.mu.RUnlock()
	return map[string]interface{}{
		"published":   atomic.LoadInt64(&b.published),
		"dropped":     atomic.LoadInt64(&b.dropped),
		"subscribers": subscribers,
		"buffered":    fmt.Sprintf("%d/%d", len(b.input), cap(b.input)),
	}
}
