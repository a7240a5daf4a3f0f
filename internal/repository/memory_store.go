package repository

import (
	"context"
	"sync"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
)

type memoryEntry struct {
	value      []byte
	hasValue   bool
	counter    int64
	hasCounter bool
	list       [][]byte
	expiresAt  time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemoryStateStore implements domain.StateStore for a single process
type InMemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	clock   domain.Clock
}

// NewInMemoryStateStore creates an empty store using the wall clock
func NewInMemoryStateStore() *InMemoryStateStore {
	return NewInMemoryStateStoreWithClock(domain.SystemClock{})
}

// NewInMemoryStateStoreWithClock creates an empty store that expires keys against clock
func NewInMemoryStateStoreWithClock(clock domain.Clock) *InMemoryStateStore {
	return &InMemoryStateStore{
		entries: make(map[string]*memoryEntry),
		clock:   clock,
	}
}

// live returns the unexpired entry for key, purging it if it expired
func (s *InMemoryStateStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(s.clock.Now()) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *InMemoryStateStore) liveOrCreate(key string) *memoryEntry {
	if e := s.live(key); e != nil {
		return e
	}
	e := &memoryEntry{}
	s.entries[key] = e
	return e
}

func (s *InMemoryStateStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// Get returns the value under key
func (s *InMemoryStateStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || !e.hasValue {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores value under key
func (s *InMemoryStateStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveOrCreate(key)
	e.value = append([]byte(nil), value...)
	e.hasValue = true
	e.expiresAt = s.expiry(ttl)
	return nil
}

// SetNX stores value only when no live value exists
func (s *InMemoryStateStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveOrCreate(key)
	if e.hasValue {
		return false, nil
	}
	e.value = append([]byte(nil), value...)
	e.hasValue = true
	e.expiresAt = s.expiry(ttl)
	return true, nil
}

// Incr adds delta to the counter under key
func (s *InMemoryStateStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveOrCreate(key)
	e.counter += delta
	e.hasCounter = true
	return e.counter, nil
}

// Counter returns the counter under key
func (s *InMemoryStateStore) Counter(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	return e.counter, nil
}

// Expire sets the remaining lifetime of key; missing keys are ignored
func (s *InMemoryStateStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.live(key); e != nil {
		e.expiresAt = s.expiry(ttl)
	}
	return nil
}

// Delete removes key
func (s *InMemoryStateStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// ListPush appends value to the list under key
func (s *InMemoryStateStore) ListPush(ctx context.Context, key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveOrCreate(key)
	e.list = append(e.list, append([]byte(nil), value...))
	return int64(len(e.list)), nil
}

// ListTrim keeps the newest keep entries
func (s *InMemoryStateStore) ListTrim(ctx context.Context, key string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil
	}
	if keep <= 0 {
		e.list = nil
		return nil
	}
	if len(e.list) > keep {
		e.list = append([][]byte(nil), e.list[len(e.list)-keep:]...)
	}
	return nil
}

// ListRange returns up to limit newest entries, oldest first
func (s *InMemoryStateStore) ListRange(ctx context.Context, key string, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	items := e.list
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = append([]byte(nil), item...)
	}
	return out, nil
}

// Len returns the number of live keys
func (s *InMemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close is a no-op
func (s *InMemoryStateStore) Close() error { return nil }
