package queue

import "time"

// RetryPolicy shapes the backoff between delivery attempts of a single job.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns the wait before the given attempt (1-based). The delay
// grows by BackoffFactor per attempt and never exceeds MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	base := r.InitialDelay
	if base <= 0 {
		base = time.Second
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	d := base
	for n := 1; n < attempt; n++ {
		d = time.Duration(float64(d) * factor)
		if r.MaxDelay > 0 && d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if d <= 0 {
		return base
	}
	return d
}

// syncRetryPolicy is the application-level retry chain backoff: 1s doubling
// per attempt, capped at 5 minutes.
var syncRetryPolicy = RetryPolicy{
	InitialDelay:  1000 * time.Millisecond,
	MaxDelay:      300 * time.Second,
	BackoffFactor: 2,
}

// RetryDelay computes the sync-retry delay for a given retry count (0-based).
func RetryDelay(retryCount int) time.Duration {
	return syncRetryPolicy.NextDelay(retryCount + 1)
}
