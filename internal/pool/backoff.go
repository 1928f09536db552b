package pool

import "time"

// creationBackoff implements backoff.BackOff with the exact policy
// spec'd for connection creation retries: the first three retries back
// off exponentially (1s, 2s, 4s), and every retry after that waits a
// constant, configured delay. cenkalti/backoff ships several general
// policies (exponential, constant) but none matches this two-phase
// shape, so this module supplies its own and drives it with
// backoff.Retry / backoff.WithMaxRetries.
type creationBackoff struct {
	attempt    int
	retryDelay time.Duration
}

func newCreationBackoff(retryDelay time.Duration) *creationBackoff {
	return &creationBackoff{retryDelay: retryDelay}
}

func (b *creationBackoff) NextBackOff() time.Duration {
	d := b.delayForAttempt(b.attempt)
	b.attempt++
	return d
}

func (b *creationBackoff) Reset() { b.attempt = 0 }

func (b *creationBackoff) delayForAttempt(attempt int) time.Duration {
	if attempt > 2 {
		return b.retryDelay
	}
	d := time.Second << uint(attempt) // 1s, 2s, 4s
	const maxDelay = 4 * time.Second
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
