// Package backoff implements retry/poll-interval algorithms keyed on
// plain (attempt, lastAttemptAt) — used by the awaited poll loops (the
// interpreter's awaited worker/workflow steps, the worker runtime's awaited
// worker-to-worker calls and the HTTP dispatch endpoint's await), where each
// successive poll tick asks the algorithm when to try again. Redelivery of a
// failed queue message is left to the queue itself.
package backoff

import (
	"math"
	"time"
)

// Algorithm decides when the next attempt should happen, given how many
// attempts have already been made and when the last one was. A nil return
// means give up.
type Algorithm func(attemptsSoFar int, lastAttemptAt time.Time) *time.Time

// ExponentialBackoff doubles the retry interval on every attempt up to
// maxRetryInterval, giving up after maxAttempts.
func ExponentialBackoff(maxAttempts int, initialRetryInterval, maxRetryInterval time.Duration) Algorithm {
	return func(attemptsSoFar int, lastAttemptAt time.Time) *time.Time {
		if attemptsSoFar >= maxAttempts {
			return nil
		}
		doublingCount := math.Min(float64(attemptsSoFar-1), 30) // avoid overflow
		multiple := math.Pow(2, doublingCount)
		unboundedInterval := float64(initialRetryInterval) * multiple
		interval := maxRetryInterval
		if unboundedInterval < float64(maxRetryInterval) {
			interval = time.Duration(unboundedInterval)
		}
		notBefore := lastAttemptAt.Add(interval)
		return &notBefore
	}
}

// LinearBackoff retries with a fixed interval up to maxAttempts.
func LinearBackoff(maxAttempts int, retryInterval time.Duration) Algorithm {
	return func(attemptsSoFar int, lastAttemptAt time.Time) *time.Time {
		if attemptsSoFar >= maxAttempts {
			return nil
		}
		notBefore := lastAttemptAt.Add(retryInterval)
		return &notBefore
	}
}

// RetryOnce retries exactly once.
func RetryOnce(retryInterval time.Duration) Algorithm {
	return LinearBackoff(2, retryInterval)
}

// NoRetry never retries.
func NoRetry() Algorithm {
	return func(attemptsSoFar int, lastAttemptAt time.Time) *time.Time {
		return nil
	}
}
