// ABOUTME: Retry delay strategies: constant, linear, and exponential with full jitter.
// ABOUTME: ExponentialJitter is the default; per-class overrides go through Definition.RetryDelay.
package job

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryStrategy computes the delay before retry attempt n (1-indexed).
// Attempt 1 is the first retry after the initial failure. Strategies are
// stateless and safe for concurrent use.
type RetryStrategy interface {
	Delay(attempt int) time.Duration
}

// DefaultRetryStrategy is the backoff applied when a Definition carries no
// RetryDelay override: exponential with full jitter, 1s initial, 5m cap.
var DefaultRetryStrategy RetryStrategy = ExponentialJitter{
	Initial: 1 * time.Second,
	Max:     5 * time.Minute,
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration { return c.Interval }

// Linear waits Initial * attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * attempt, capped at Max when Max is set.
func (l Linear) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ExponentialJitter applies full jitter to an exponential base:
// a random duration in [0, min(Initial * 2^(attempt-1), Max)]. Full jitter
// spreads retry storms when many attempts fail simultaneously.
type ExponentialJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e ExponentialJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // G404: jitter is not security-sensitive
}
