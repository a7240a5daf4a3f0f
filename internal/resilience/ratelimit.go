package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// RateLimit is a fixed window quota; zero Requests disables limiting
type RateLimit struct {
	Requests int64         `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
}

// FixedWindowLimiter counts calls per service and window bucket in the shared store,
// so the quota holds across every process sharing the store.
type FixedWindowLimiter struct {
	store  domain.StateStore
	clock  domain.Clock
	logger *logger.Logger

	mu       sync.RWMutex
	limits   map[string]RateLimit
	fallback RateLimit
}

// NewFixedWindowLimiter creates a limiter applying defaultLimit to services without their own
func NewFixedWindowLimiter(store domain.StateStore, defaultLimit RateLimit, clock domain.Clock, log *logger.Logger) *FixedWindowLimiter {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &FixedWindowLimiter{
		store:    store,
		clock:    clock,
		logger:   log.MiddlewareLogger("rate_limiter"),
		limits:   make(map[string]RateLimit),
		fallback: defaultLimit,
	}
}

// SetLimit configures the quota of one service
func (l *FixedWindowLimiter) SetLimit(service string, limit RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[service] = limit
}

// Limit returns the quota applied to service
func (l *FixedWindowLimiter) Limit(service string) RateLimit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit, ok := l.limits[service]; ok {
		return limit
	}
	return l.fallback
}

// Allow counts one request against the current window and fails once the quota is exceeded
func (l *FixedWindowLimiter) Allow(ctx context.Context, service string) error {
	limit := l.Limit(service)
	if limit.Requests <= 0 || limit.Window <= 0 {
		return nil
	}

	now := l.clock.Now()
	windowMs := limit.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	bucket := now.UnixMilli() / windowMs
	key := fmt.Sprintf("ratelimit:%s:%d", service, bucket)

	count, err := l.store.Incr(ctx, key, 1)
	if err != nil {
		return err
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, limit.Window); err != nil {
			l.logger.WithError(err).WithField("key", key).Warn("Failed to set rate limit window expiry")
		}
	}

	if count > limit.Requests {
		bucketEnd := time.UnixMilli((bucket + 1) * windowMs)
		l.logger.WithFields(map[string]interface{}{
			"service": service,
			"count":   count,
			"limit":   limit.Requests,
		}).Debug("Rate limit exceeded")
		return rerrors.NewRateLimitError(service, int(limit.Requests), bucketEnd.Sub(now))
	}
	return nil
}
