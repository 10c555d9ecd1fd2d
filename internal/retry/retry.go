// Package retry provides exponential backoff for ingestion and outbound calls.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy describes an exponential backoff schedule: the wait after
// attempt n (0-based) is BaseDelay * 2^n, optionally with +-25% jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      bool

	// OnRetry, if set, is called after each failed attempt that will be retried.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy is three attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Backoff returns the wait after the given 0-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt) //nolint:gosec // attempt bounded by MaxAttempts
	if !p.Jitter || d <= 0 {
		return d
	}
	jitter := d / 4
	return d - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// Do calls fn until it succeeds, returns a *PermanentError, the context is
// cancelled, or MaxAttempts is reached. The exhausted case returns an error
// matching both ErrExhausted and the last fn error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts-1 {
			break
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}
