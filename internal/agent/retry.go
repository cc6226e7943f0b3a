// ABOUTME: Exponential backoff policy and retry bookkeeping for reconnection.
// ABOUTME: Delay is min(cap, base * 2^attempt); the attempt counter resets on every successful open.

package agent

import "time"

// RetryPolicy bounds automatic reconnection.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Delay computes the backoff before retry number attempt (0-based).
// Monotonically non-decreasing in attempt and capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// retryState tracks consecutive connection failures. Owned exclusively by
// the agent's run loop.
type retryState struct {
	attempt       int
	lastFailureAt time.Time
}

func (r *retryState) failure(now time.Time) {
	r.attempt++
	r.lastFailureAt = now
}

func (r *retryState) reset() {
	r.attempt = 0
}

// exhausted reports whether automatic retries have reached the ceiling.
func (r *retryState) exhausted(p RetryPolicy) bool {
	return r.attempt >= p.MaxAttempts
}
