package conn

import (
	"context"
	"time"
)

// RetryPolicy controls reconnect pacing. Each cycle allows MaxRetries
// delayed retries after the first attempt; the retry after that waits
// Cooldown and starts a new cycle.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Cooldown   time.Duration
}

// DefaultRetryPolicy is 5 retries from 1s doubling to at most 10s, then a
// 10 minute cooldown.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 5,
	BaseDelay:  time.Second,
	MaxDelay:   10 * time.Second,
	Cooldown:   10 * time.Minute,
}

// Delay returns the wait before retry n (1-based): BaseDelay*2^(n-1)
// capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// retrier counts failures within the current cycle.
type retrier struct {
	policy  RetryPolicy
	retries int
	cycle   int
}

// failure records a failed attempt and returns how long to wait before the
// next one, and whether that wait is a cooldown.
func (r *retrier) failure() (time.Duration, bool) {
	if r.retries < r.policy.MaxRetries {
		r.retries++
		return r.policy.Delay(r.retries), false
	}
	r.retries = 0
	r.cycle++
	return r.policy.Cooldown, true
}

func (r *retrier) reset() {
	r.retries = 0
	r.cycle = 0
}

// sleep waits for d or until ctx is done, releasing the timer either way.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
