package media

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how the client retries transient failures. Retryable
// errors are rate limits, 5xx responses, connection errors, and timeouts;
// everything else propagates immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultRetryPolicy matches the documented defaults: 3 attempts, 1 s base,
// 60 s cap, doubling, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// delay returns the wait before retrying attempt n (0-indexed):
// min(base·multiplier^n, max), with uniform ±25% jitter when enabled.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		jitter := float64(d) * 0.25 * (2*rand.Float64() - 1)
		d += time.Duration(jitter)
		if d < 0 {
			d = 0
		}
	}
	return d
}
