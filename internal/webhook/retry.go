package webhook

import (
	"math"
	"strings"
	"time"
)

// Strategy shapes the delay between attempts.
type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
	Fixed       Strategy = "fixed"
)

// ParseStrategy maps an endpoint setting to a Strategy, defaulting to
// Exponential.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Linear:
		return Linear
	case Fixed:
		return Fixed
	}
	return Exponential
}

// RetryPolicy bounds the attempts for one delivery.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Strategy    Strategy
}

// DefaultRetryPolicy is three attempts, doubling from one second up to
// thirty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Strategy:    Exponential,
	}
}

// Attempts is MaxAttempts, at least one.
func (p RetryPolicy) Attempts() int {
	return max(p.MaxAttempts, 1)
}

// Delay is the wait after failed attempt n (1-based) before the next one.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	var d float64
	switch p.Strategy {
	case Fixed:
		d = float64(p.BaseDelay)
	case Linear:
		d = float64(p.BaseDelay) * float64(n)
	default:
		mult := p.Multiplier
		if mult < 1 {
			mult = 2
		}
		d = float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
