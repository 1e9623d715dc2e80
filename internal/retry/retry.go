/*

This file contains the explicit retry policies attached to every I/O boundary:
snapshot collection, command submission and receipt polling. A policy only
retries errors classified as transient. Everything else returns immediately.

*/

package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrTransient          = errors.New("transient failure")
	ErrAttemptsExhausted  = errors.New("retry attempts exhausted")
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is worth retrying: explicitly marked errors,
// deadlines, network timeouts and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Policy is an exponential backoff with an attempt ceiling.
type Policy struct {
	MaxAttempts  int           // Total attempts including the first, at least 1
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Cap on any single delay
	Multiplier   float64       // Growth per attempt, at least 1
	Jitter       float64       // Randomization factor in [0, 1)
}

// DefaultSubmitPolicy is used for command submission.
func DefaultSubmitPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.1}
}

// DefaultPollPolicy is used while waiting for a receipt. Its attempt ceiling is
// usually replaced by a deadline on the context.
func DefaultPollPolicy() Policy {
	return Policy{MaxAttempts: 1 << 20, InitialDelay: 2 * time.Second, MaxDelay: 15 * time.Second, Multiplier: 1.5}
}

// DefaultFetchPolicy is used for market data requests.
func DefaultFetchPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: 0.2}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidRetryPolicy, p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("%w: delays cannot be negative", ErrInvalidRetryPolicy)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be at least 1, got %f", ErrInvalidRetryPolicy, p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("%w: jitter must be in [0, 1), got %f", ErrInvalidRetryPolicy, p.Jitter)
	}
	return nil
}

// NewBackOff returns the delay curve of the policy. It never stops on its own.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do calls fn until it succeeds, fails with a non-transient error, the attempt
// ceiling is reached or ctx is done. Attempts are numbered from 1. It returns the
// number of attempts made. Exhaustion wraps both ErrAttemptsExhausted and the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	b := p.NewBackOff()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, errors.Join(err, lastErr)
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !IsTransient(lastErr) {
			return attempt, lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := Sleep(ctx, b.NextBackOff()); err != nil {
			return attempt, errors.Join(err, lastErr)
		}
	}
	return p.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, p.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
