// Package backoff computes retry delays for outbox items and workflow steps.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy is the exponential backoff contract: delay = min(cap, base * 2^attempt),
// with optional proportional jitter. The store persists only the resulting
// timestamp; callers own the formula.
type Policy struct {
	Base      time.Duration
	Cap       time.Duration
	JitterPct float64
}

// Default mirrors the documented queue defaults: 30s base, 1h cap, 20% jitter.
func Default() Policy {
	return Policy{Base: 30 * time.Second, Cap: time.Hour, JitterPct: 0.2}
}

// Delay returns the wait before attempt+1 may run.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := float64(p.Base)
	if base <= 0 {
		base = float64(time.Second)
	}

	delay := base * math.Pow(2, float64(attempt))
	if p.Cap > 0 && delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}

	if p.JitterPct > 0 {
		spread := delay * p.JitterPct
		delay += (rand.Float64()*2 - 1) * spread
	}

	if delay < float64(time.Second) {
		delay = float64(time.Second)
	}

	return time.Duration(delay)
}

// NextAttemptAt applies Delay to a reference time.
func (p Policy) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
