// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier applied after each failure.
	Factor float64
	// Jitter is the randomization ratio (0.0 to 1.0) added on top of the delay.
	Jitter float64
	// Retryable decides whether an error is worth another attempt.
	// Nil means every non-permanent error is retried.
	Retryable func(error) bool
}

// DefaultPolicy returns a policy of 3 attempts starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2,
		Jitter:       0.1,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the wait before the given attempt (attempt starts at 1 for the
// first retry) using the supplied random value in [0, 1).
func (p Policy) Delay(attempt int, random float64) time.Duration {
	p = p.normalized()
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.InitialDelay) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.MaxDelay), base+base*p.Jitter*random)
	return time.Duration(total)
}

// Do executes op until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. It returns the last error.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error) error {
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return err
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		if err := Sleep(ctx, policy.Delay(attempt, rand.Float64())); err != nil { // #nosec G404 -- jitter does not require cryptographic randomness
			return lastErr
		}
	}
	return lastErr
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var value T
	err := Do(ctx, policy, func(ctx context.Context, attempt int) error {
		v, err := op(ctx, attempt)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
