package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy runs an operation up to Attempts times, waiting Delay between
// attempts. A Multiplier above 1 grows the delay after every failure.
type RetryPolicy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64

	timer backoff.Timer
}

func FixedDelay(attempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Delay: delay, Multiplier: 1}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.Multiplier > 1 {
		return backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(p.Delay),
			backoff.WithMultiplier(p.Multiplier),
			backoff.WithRandomizationFactor(0),
			backoff.WithMaxElapsedTime(0),
		)
	}
	return backoff.NewConstantBackOff(p.Delay)
}

// Do calls fn until it succeeds, the attempts are exhausted or ctx ends.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(attempts-1)), ctx)
	n := 0
	err := backoff.RetryNotifyWithTimer(func() error {
		n++
		return fn(n)
	}, b, nil, p.timer)
	return n, err
}
