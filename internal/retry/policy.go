// Package retry implements the pure backoff policy for connection attempts.
// It holds no mutable state; the attempt counter lives with the caller.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/vietddude/gwcore/internal/core/domain"
)

// Policy defines backoff behavior for connection attempts.
type Policy struct {
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	AuthPendingWait time.Duration
	// JitterFraction spreads delays by ±fraction to avoid thundering
	// reconnects against a gateway that just restarted.
	JitterFraction float64
}

// DefaultPolicy provides sensible defaults for gateway reconnects.
// 2s, 4s, 8s, 16s, 32s (max 60s), give up after 5 attempts.
var DefaultPolicy = Policy{
	InitialDelay:    2 * time.Second,
	MaxDelay:        60 * time.Second,
	MaxAttempts:     5,
	AuthPendingWait: 2 * time.Minute,
	JitterFraction:  0.25,
}

// Decision is the outcome of consulting the policy for one attempt.
type Decision struct {
	Wait   time.Duration
	GiveUp bool
}

// Decide returns the wait before the given attempt (1-indexed), or GiveUp
// when the attempt budget is exhausted or the failure class is not
// retryable. Pure function of its inputs plus jitter.
func (p Policy) Decide(attempt int, class domain.FailureClass) Decision {
	if attempt > p.MaxAttempts {
		return Decision{GiveUp: true}
	}

	switch class {
	case domain.ClassAuthFatal, domain.ClassFatal:
		// Requires manual resolution; retrying would just hammer the
		// gateway's lockout counter.
		return Decision{GiveUp: true}
	case domain.ClassAuthPending:
		// Fixed long wait while the operator approves 2FA out-of-band.
		return Decision{Wait: p.AuthPendingWait}
	}

	delay := float64(p.InitialDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		spread := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}

	return Decision{Wait: time.Duration(delay)}
}
