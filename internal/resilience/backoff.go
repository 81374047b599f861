// Package resilience provides the retry policy used when restarting
// the fallback recognizer stream after transient failures.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAllRetriesExhausted wraps the final attempt error once the retry
// budget is spent.
var ErrAllRetriesExhausted = errors.New("resilience: all retries exhausted")

// Backoff is an exponential retry policy: attempt n (zero-based) waits
// BaseDelay * 2^n before running. The zero value is unusable; use
// DefaultBackoff or construct explicitly.
type Backoff struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt wait. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultBackoff matches the fallback recognizer policy: three retries
// starting at one second, capped at ten.
func DefaultBackoff() Backoff {
	return Backoff{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Delay returns the wait before retry (zero-based).
func (b Backoff) Delay(retry int) time.Duration {
	d := b.BaseDelay << retry
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, the retry budget is exhausted, or
// ctx is cancelled. attempt is zero for the initial call. onRetry, if
// non-nil, is invoked before each wait with the upcoming retry number
// and the error that triggered it.
func (b Backoff) Retry(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry func(retry int, err error)) error {
	return b.RetryWithReset(ctx, func(ctx context.Context, attempt int, _ func()) error {
		return fn(ctx, attempt)
	}, onRetry)
}

// RetryWithReset is Retry with a progress escape hatch: fn may call
// the supplied reset function to wind the retry budget and delay back
// to zero. An attempt that made progress before failing therefore
// counts as a fresh first failure, and exhaustion requires MaxRetries
// consecutive attempts with no progress at all.
func (b Backoff) RetryWithReset(ctx context.Context, fn func(ctx context.Context, attempt int, reset func()) error, onRetry func(retry int, err error)) error {
	retry := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var progressed bool
		err := fn(ctx, retry, func() { progressed = true })
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if progressed {
			retry = 0
		}
		if retry >= b.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrAllRetriesExhausted, retry+1, err)
		}
		if onRetry != nil {
			onRetry(retry, err)
		}

		timer := time.NewTimer(b.Delay(retry))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		retry++
	}
}
