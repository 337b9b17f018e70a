// Package retrypolicy turns a config.RetryPolicy into a
// github.com/sethvargo/go-retry backoff, shared by step execution retry
// and DLQ reschedule-interval computation.
package retrypolicy

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/cronplus/cronplus/internal/config"
)

// Do runs fn under the backoff derived from p, retrying only when fn
// returns an error wrapped with Retryable.
func Do(ctx context.Context, p *config.RetryPolicy, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, Backoff(p), func(ctx context.Context) error {
		return fn(ctx)
	})
}

// Retryable marks err so the backoff loop in Do retries instead of
// returning immediately.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retry.RetryableError(err)
}

// Backoff builds a retry.Backoff from a policy. A nil policy means "one
// attempt, no retry" per the step-retry default documented in
// DESIGN.md.
func Backoff(p *config.RetryPolicy) retry.Backoff {
	if p == nil {
		b, _ := retry.NewConstant(0)
		return retry.WithMaxRetries(0, b)
	}
	base := time.Duration(p.BackoffMs) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	var b retry.Backoff
	switch p.BackoffType {
	case "linear":
		b = linearBackoff(base)
	case "exponential":
		// go-retry's exponential backoff doubles each attempt; the
		// policy's Multiplier field is accepted for forward-compat with
		// future go-retry versions that parameterize it but has no
		// effect on this backoff's growth factor today.
		eb, err := retry.NewExponential(base)
		if err != nil {
			eb, _ = retry.NewConstant(base)
		}
		b = retry.WithJitterPercent(10, eb)
	default:
		b, _ = retry.NewConstant(base)
	}

	if p.MaxBackoffMs > 0 {
		b = retry.WithCappedDuration(time.Duration(p.MaxBackoffMs)*time.Millisecond, b)
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	// go-retry counts retries after the first attempt, so MaxAttempts-1.
	return retry.WithMaxRetries(uint64(maxAttempts-1), b)
}

// linearBackoff grows by one base unit per attempt: base, 2*base,
// 3*base, ...
func linearBackoff(base time.Duration) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * base, false
	})
}

// DLQDelay computes the reschedule interval for the Nth DLQ retry
// attempt (1-indexed), per SPEC_FULL.md: now + 2^attempts * 10s.
func DLQDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := 10 * time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	const cap = 30 * time.Minute
	if d > cap {
		d = cap
	}
	return d
}
