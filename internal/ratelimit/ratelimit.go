// Package ratelimit counts admitted requests per identity key over rolling
// hour and day windows.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"hookinbox/internal/metrics"
)

// Limits are the thresholds for one key. Zero disables a window.
type Limits struct {
	PerHour int
	PerDay  int
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	HourCount         int
	DayCount          int
	// Degraded is set when the counter store failed and the configured
	// failure mode decided instead.
	Degraded bool
}

// CounterStore checks and, if admitted, records one request atomically
// for key.
type CounterStore interface {
	Take(ctx context.Context, key string, limits Limits, now time.Time) (Decision, error)
}

// FailureMode decides requests while the counter store is unreachable.
type FailureMode int

const (
	FailOpen FailureMode = iota
	FailClosed
)

// ParseFailureMode accepts "open" or "closed".
func ParseFailureMode(s string) (FailureMode, error) {
	switch s {
	case "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	}
	return FailOpen, fmt.Errorf("ratelimit: unknown failure mode %q", s)
}

// closedRetryAfter is returned when failing closed.
const closedRetryAfter = 60

// Limiter applies a CounterStore with an explicit failure mode.
type Limiter struct {
	store  CounterStore
	mode   FailureMode
	logger *zap.Logger
	now    func() time.Time
}

func New(store CounterStore, mode FailureMode, logger *zap.Logger) *Limiter {
	return &Limiter{store: store, mode: mode, logger: logger, now: time.Now}
}

// Check counts one request for key. Rejected requests are not counted.
func (l *Limiter) Check(ctx context.Context, key string, limits Limits) Decision {
	if limits.PerHour <= 0 && limits.PerDay <= 0 {
		return Decision{Allowed: true}
	}

	d, err := l.store.Take(ctx, key, limits, l.now())
	if err != nil {
		d = Decision{Allowed: l.mode == FailOpen, Degraded: true}
		result := "degraded_open"
		if !d.Allowed {
			d.RetryAfterSeconds = closedRetryAfter
			result = "degraded_closed"
		}
		l.logger.Warn("rate limit store unavailable",
			zap.String("key", key),
			zap.String("decision", result),
			zap.Error(err),
		)
		metrics.RateLimitDecisions.WithLabelValues(result).Inc()
		return d
	}

	if d.Allowed {
		metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues("limited").Inc()
	}
	return d
}

// OwnerKey is the limiter key of an authenticated caller.
func OwnerKey(ownerID uint) string {
	return "owner:" + strconv.FormatUint(uint64(ownerID), 10)
}

// AnonymousKey is the limiter key of an unauthenticated caller of a
// public endpoint.
func AnonymousKey(ownerID uint, ip string) string {
	return OwnerKey(ownerID) + ":ip:" + ip
}
