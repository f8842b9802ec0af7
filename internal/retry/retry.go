// Package retry runs an operation under an explicit retry policy: a bounded
// number of attempts, a delay strategy and a predicate selecting which errors
// are worth another attempt.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy builds a fresh delay schedule for one Do call
type Strategy func() backoff.BackOff

// Fixed waits the same delay between every attempt
func Fixed(delay time.Duration) Strategy {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(delay)
	}
}

// Exponential doubles the delay after every attempt, starting at initial and capped at max
func Exponential(initial, max time.Duration) Strategy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.Multiplier = 2
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// Policy describes how an operation is retried
type Policy struct {
	// MaxAttempts is the total number of attempts including the first (minimum 1)
	MaxAttempts int

	// Delay is the wait strategy between attempts
	Delay Strategy

	// Retryable decides whether err deserves another attempt. Nil retries every error.
	Retryable func(err error) bool

	// OnRetry is called before waiting for the next attempt
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do calls op until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. It returns the last error seen.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	strategy := p.Delay
	if strategy == nil {
		strategy = Fixed(0)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(strategy(), uint64(attempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = func(err error, wait time.Duration) {
			p.OnRetry(attempt, err, wait)
		}
	}

	return backoff.RetryNotify(operation, b, notify)
}
