package fallback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
)

// cachedResult is the stored form of a primary-path result
type cachedResult struct {
	Provider string          `json:"provider,omitempty"`
	Data     json.RawMessage `json:"data"`
	StoredAt time.Time       `json:"stored_at"`
}

// cacheLookup is what the cache knows about a key at a given instant
type cacheLookup struct {
	entry cachedResult
	found bool
	stale bool
	age   time.Duration
}

// ResultCache keeps the last good result per service and key in the shared store
type ResultCache struct {
	store      domain.StateStore
	clock      domain.Clock
	defaultTTL time.Duration
}

// NewResultCache creates a cache over store
func NewResultCache(store domain.StateStore, clock domain.Clock, defaultTTL time.Duration) *ResultCache {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &ResultCache{store: store, clock: clock, defaultTTL: defaultTTL}
}

func cacheKey(service, key string) string {
	return "fallback:cache:" + service + ":" + key
}

// CacheKey derives a stable key from an operation and its payload
func CacheKey(operation string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return operation + ":" + hex.EncodeToString(sum[:8])
}

// Put stores data for key; the entry lives for the policy's max age plus its
// stale window, or the default TTL when no policy applies.
func (c *ResultCache) Put(ctx context.Context, service, key, provider string, data []byte, policy *domain.CachePolicy) error {
	ttl := c.defaultTTL
	if policy != nil && policy.MaxAge > 0 {
		ttl = policy.MaxAge + policy.StaleWhileRevalidate
	}
	if !json.Valid(data) {
		quoted, err := json.Marshal(string(data))
		if err != nil {
			return err
		}
		data = quoted
	}
	raw, err := json.Marshal(cachedResult{
		Provider: provider,
		Data:     data,
		StoredAt: c.clock.Now(),
	})
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, cacheKey(service, key), raw, ttl); err != nil {
		return rerrors.NewStateStoreError("cache put", err)
	}
	return nil
}

// Lookup returns the entry for key judged against policy
func (c *ResultCache) Lookup(ctx context.Context, service, key string, policy domain.CachePolicy) (cacheLookup, error) {
	raw, found, err := c.store.Get(ctx, cacheKey(service, key))
	if err != nil {
		return cacheLookup{}, rerrors.NewStateStoreError("cache get", err)
	}
	if !found {
		return cacheLookup{}, nil
	}
	var entry cachedResult
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cacheLookup{}, rerrors.NewStateStoreError("decode cache entry", err)
	}

	age := c.clock.Now().Sub(entry.StoredAt)
	switch {
	case policy.MaxAge <= 0 || age <= policy.MaxAge:
		return cacheLookup{entry: entry, found: true, age: age}, nil
	case age <= policy.MaxAge+policy.StaleWhileRevalidate:
		return cacheLookup{entry: entry, found: true, stale: true, age: age}, nil
	default:
		return cacheLookup{age: age}, nil
	}
}

// Invalidate drops the entry for key
func (c *ResultCache) Invalidate(ctx context.Context, service, key string) error {
	return c.store.Delete(ctx, cacheKey(service, key))
}
