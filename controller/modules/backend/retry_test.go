package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// instantTimer fires at once and records the waits it was asked for.
type instantTimer struct {
	waits []time.Duration
	c     chan time.Time
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.waits = append(t.waits, d)
	t.c <- time.Now()
}

func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func TestRetryPolicyFixedDelay(t *testing.T) {
	timer := newInstantTimer()
	p := FixedDelay(4, 250*time.Millisecond)
	p.timer = timer

	calls := 0
	n, err := p.Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return errors.New("down")
	})
	assert.EqualError(t, err, "down")
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}, timer.waits)
}

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := FixedDelay(5, 0)
	n, err := p.Do(context.Background(), func(attempt int) error {
		if attempt < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRetryPolicyBackoff(t *testing.T) {
	timer := newInstantTimer()
	p := RetryPolicy{Attempts: 3, Delay: time.Second, Multiplier: 2}
	p.timer = timer
	n, _ := p.Do(context.Background(), func(int) error { return errors.New("x") })
	assert.Equal(t, 3, n)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.waits)
}

func TestRetryPolicyContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := FixedDelay(3, time.Hour)
	n, err := p.Do(ctx, func(int) error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestRetryPolicyZeroAttempts(t *testing.T) {
	calls := 0
	RetryPolicy{}.Do(context.Background(), func(int) error { calls++; return errors.New("x") })
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyCancelWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	n, err := FixedDelay(3, time.Hour).Do(ctx, func(int) error { return errors.New("x") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, n)
	assert.Less(t, time.Since(start), time.Second)
}
