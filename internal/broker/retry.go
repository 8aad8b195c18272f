package broker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds up to this fraction of the backoff, at random, so clients
	// failing together do not retry in lockstep.
	Jitter float64
	// Rand returns a value in [0,1); nil uses math/rand.
	Rand func() float64
	// Sleep waits between attempts; nil uses a timer that honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2}
}

// Backoff returns the delay before attempt n (n >= 1 is the first retry).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Delay is Backoff(n) plus jitter.
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.Backoff(n)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return d + time.Duration(r()*p.Jitter*float64(d))
}

// Retry runs fn until it succeeds, fails with a non-retryable class, or
// MaxAttempts is reached. The returned error is always an *Error carrying
// the final class and attempt count.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Delay(attempt-1)); err != nil {
				return wrap(op, last, attempt-1)
			}
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		class := Classify(last)
		if !class.Retryable() {
			return wrap(op, last, attempt)
		}
		if attempt < attempts {
			observ.IncCounter("broker_retries_total", map[string]string{"class": string(class), "op": op})
			observ.Warn("broker_retry", map[string]any{"op": op, "attempt": attempt, "class": string(class), "error": last.Error()})
		}
	}
	return wrap(op, last, attempts)
}

func wrap(op string, err error, attempts int) error {
	var be *Error
	if errors.As(err, &be) {
		out := *be
		out.Attempts = attempts
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}
	return &Error{Class: Classify(err), Op: op, Attempts: attempts, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
