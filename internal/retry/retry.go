// Package retry holds the bounded retry primitives used for transient failures and
// readiness checks.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrDeadlineExceeded is returned by Poll when the condition was not met in time.
var ErrDeadlineExceeded = errors.New("deadline exceeded")

// PermanentError stops Do from retrying
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy bounds an exponential retry
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy is used for object store and broker calls.
var DefaultPolicy = Policy{
	Initial:     200 * time.Millisecond,
	Max:         10 * time.Second,
	MaxAttempts: 8,
}

// Do runs fn until it succeeds, returns a permanent error, the attempts run out or ctx ends.
// The last error is returned wrapped with the attempt count.
func Do(ctx context.Context, log hclog.Logger, op string, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	backoff := NewBackoff(p.Initial, p.Max)

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := backoff.Next()
		log.Warn("Transient failure, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, err)
}

// Poll calls check every interval until it reports done, returns an error, or the
// deadline passes. Errors from check are treated as "not ready yet" unless permanent.
func Poll(ctx context.Context, interval, deadline time.Duration, check func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var lastErr error
	for {
		done, err := check(ctx)
		if err != nil {
			var perm *PermanentError
			if errors.As(err, &perm) {
				return perm.Err
			}
			lastErr = err
		} else if done {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if lastErr != nil {
					return fmt.Errorf("%w after %s: %v", ErrDeadlineExceeded, deadline, lastErr)
				}
				return fmt.Errorf("%w after %s", ErrDeadlineExceeded, deadline)
			}
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
