// Package deadline bounds multi-step operations by an absolute expiry.
package deadline

import (
	"context"
	"errors"
	"time"

	"github.com/robotalks/peridot.go/pkg/link"
)

// ErrRetry asks Retry to attempt again without recording a failure.
var ErrRetry = errors.New("retry")

// Deadline is the absolute expiry of an operation.
type Deadline struct {
	Timeout time.Duration
	Expiry  time.Time
}

// New starts a Deadline expiring timeout from now.
func New(timeout time.Duration) Deadline {
	return Deadline{Timeout: timeout, Expiry: time.Now().Add(timeout)}
}

// Remaining returns the time left, never negative.
func (d Deadline) Remaining() time.Duration {
	if r := time.Until(d.Expiry); r > 0 {
		return r
	}
	return 0
}

// Expired reports whether no time is left.
func (d Deadline) Expired() bool {
	return d.Remaining() == 0
}

// Retry calls fn until it returns nil, returns an error which must not be
// retried, or the deadline expires. fn returns ErrRetry when the awaited
// condition is not met yet. Connection errors and cancellation end the loop
// immediately.
func (d Deadline) Retry(ctx context.Context, op string, interval time.Duration, fn func(context.Context) error) error {
	var lastErr error
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if err != ErrRetry {
			lastErr = err
		}
		remaining := d.Remaining()
		if remaining == 0 {
			return &link.TimeoutError{Op: op, Timeout: d.Timeout, Err: lastErr}
		}
		if interval <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		if interval < remaining {
			remaining = interval
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func retryable(err error) bool {
	var connErr *link.ConnectionError
	if errors.As(err, &connErr) {
		return false
	}
	return err != context.Canceled
}
