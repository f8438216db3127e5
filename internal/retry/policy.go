// Package retry holds the single backoff policy shared by every store
// operation.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unipass/backend/internal/domain"
)

const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxAttempts = 5
)

// Policy retries an operation with exponential backoff: after the n-th failed
// attempt (counting from zero) it waits BaseDelay * 2^n. Only errors accepted
// by Retryable are retried; the rest are returned immediately.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means uncapped
	MaxAttempts int
	Retryable   func(error) bool
	Clock       clock.Clock
}

// New returns a policy with the default classifier and a wall clock.
func New(base time.Duration, maxAttempts int) Policy {
	return Policy{
		BaseDelay:   base,
		MaxAttempts: maxAttempts,
	}
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return New(DefaultBaseDelay, DefaultMaxAttempts)
}

// maxDelay bounds an uncapped delay instead of letting it overflow.
const maxDelay = time.Duration(math.MaxInt64)

// Delay returns the wait after the given zero-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d > maxDelay/2 {
			d = maxDelay
			break
		}
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

// Attempts returns the configured attempt budget, at least one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Exhausted reports whether another attempt after the given zero-based one
// would exceed the budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt+1 >= p.Attempts()
}

// ShouldRetry reports whether err is in the retryable class.
func (p Policy) ShouldRetry(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return domain.IsRetryable(err)
}

// Now returns the policy clock's current time.
func (p Policy) Now() time.Time {
	return p.clock().Now()
}

// AfterFunc schedules fn on the policy clock.
func (p Policy) AfterFunc(d time.Duration, fn func()) *clock.Timer {
	return p.clock().AfterFunc(d, fn)
}

func (p Policy) clock() clock.Clock {
	if p.Clock == nil {
		return clock.New()
	}
	return p.Clock
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Exhaustion returns an error wrapping both
// domain.ErrPermanentFailure and the last failure.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.Attempts()
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		last = op(ctx)
		if last == nil {
			return nil
		}
		if !p.ShouldRetry(last) {
			return last
		}
		if attempt == attempts-1 {
			break
		}
		if err := p.sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrPermanentFailure, attempts, last)
}

// DoValue is Do for operations producing a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := p.clock().Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
