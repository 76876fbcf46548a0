package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrPermanent marks an error that must not be retried (4xx, auth).
var ErrPermanent = errors.New("permanent error")

// Permanent wraps err so Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// StatusError carries an HTTP status code so callers can classify retries.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d", e.StatusCode)
}

// Retryable reports whether an HTTP status should be retried: 5xx and 429
// are transient, 4xx is the caller's fault.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Retry runs fn up to attempts times with exponential back-off starting at
// base (base, 2*base, 4*base, ...). It stops early on ErrPermanent, on a
// non-retryable StatusError, or when the context is done.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			return err
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return err
		}
	}
	return err
}
