// Package retry provides retry logic with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy holds retry configuration.
type Policy struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	BaseDelay   time.Duration // Delay before the first retry; doubles per attempt
	MaxDelay    time.Duration // Cap on the per-attempt delay
}

// DefaultPolicy returns the sync engine defaults: three attempts with
// 2^n-second backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	return e.Err.Error()
}

func (e PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks an error as terminal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// IsPermanent returns true if the error must not be retried.
func IsPermanent(err error) bool {
	var permanent PermanentError
	return errors.As(err, &permanent)
}

// Do executes fn, retrying on failure until the policy is exhausted, the
// error is permanent, or ctx is cancelled. onRetry, if non-nil, is invoked
// before each wait with the attempt number and the error that caused it.
func Do(ctx context.Context, p Policy, fn func() error, onRetry func(attempt int, err error)) error {
	var lastErr error

	delay := p.BaseDelay
	for attempt := 1; p.MaxAttempts == 0 || attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.MaxAttempts != 0 && attempt == p.MaxAttempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return lastErr
}

// DoWithResult executes fn with retries and returns its result.
func DoWithResult[T any](ctx context.Context, p Policy, fn func() (T, error), onRetry func(attempt int, err error)) (T, error) {
	var result T
	err := Do(ctx, p, func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	}, onRetry)
	return result, err
}
