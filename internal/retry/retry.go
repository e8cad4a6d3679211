// Package retry runs an operation with bounded, jittered exponential backoff.
// It guards startup dependencies such as the database ping.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Defaults used when a Policy field is zero.
const (
	DefaultAttempts = 3
	DefaultBase     = 500 * time.Millisecond
	DefaultMax      = 5 * time.Second
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration

	// OnRetry, when set, is called after a failed attempt that will be
	// retried, with the 1-based attempt number and the delay before the next.
	OnRetry func(attempt int, err error, delay time.Duration)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// exhausted, or ctx is done. The returned error wraps the last failure.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt-1, errors.Join(err, lastErr))
			}
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == p.Attempts {
			break
		}

		delay := p.delay(attempt - 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", p.Attempts, lastErr)
}

// Do runs fn under the default policy.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return Policy{}.Do(ctx, fn)
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	return p
}

// delay grows as Base*2^n capped at Max, then draws uniformly from the upper
// half of that interval.
func (p Policy) delay(n int) time.Duration {
	d := p.Max
	if n < 32 {
		if exp := p.Base << n; exp > 0 && exp < p.Max {
			d = exp
		}
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half))) //nolint:gosec // jitter does not need crypto/rand
}
