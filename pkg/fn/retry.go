package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// RetryIf reports whether a failed attempt may be retried. Nil retries
	// every error.
	RetryIf func(error) bool
	// OnRetry, if set, is called before each backoff sleep with the 1-based
	// number of the attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// backoff returns the sleep before the next attempt. base doubles per
// attempt up to MaxWait; jitter spreads it over [base/2, 3*base/2).
func (o RetryOpts) backoff(base time.Duration) time.Duration {
	d := base
	if o.Jitter {
		d = time.Duration(float64(base) * (0.5 + rand.Float64()))
	}
	return min(d, o.MaxWait)
}

// Retry calls f up to MaxAttempts times with exponential backoff. It returns
// the first Ok, the last Err once attempts run out or RetryIf refuses, or
// ctx's error if ctx ends during a backoff.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	base := opts.InitialWait

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() || attempt == opts.MaxAttempts {
			return result
		}
		_, err := result.Unwrap()
		if opts.RetryIf != nil && !opts.RetryIf(err) {
			return result
		}
		if ctx.Err() != nil {
			return Err[T](ctx.Err())
		}

		wait := opts.backoff(base)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Err[T](ctx.Err())
		case <-timer.C:
		}
		base = min(base*2, opts.MaxWait)
	}
	return result
}
