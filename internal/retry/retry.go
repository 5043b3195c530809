// Package retry runs page fetches under a bounded, jittered backoff policy.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"

	"github.com/JakeFAU/serialfetch/internal/serial"
)

// Policy bounds how often and how patiently a fetch is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Growth      float64
	MaxJitter   time.Duration
	// OnFailure, when set, observes every failed attempt.
	OnFailure func(attempt int, class Class, err error)
}

// DefaultPolicy mirrors the pacing that keeps origins from flagging the
// fetcher: three attempts, 8s base delay growing by 1.5x, up to 2s jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   8 * time.Second,
		Growth:      1.5,
		MaxJitter:   2 * time.Second,
	}
}

// Backoff returns the wait before the attempt following attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	growth := p.Growth
	if growth <= 0 {
		growth = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(growth, float64(attempt-1))
	return time.Duration(delay) + Jitter(p.MaxJitter)
}

// Class is the coarse category of a failed attempt. Every class is retried;
// the split only feeds logging and metrics.
type Class string

// Failure classes.
const (
	ClassTimeout   Class = "timeout"
	ClassSelector  Class = "selector"
	ClassChallenge Class = "challenge"
	ClassOther     Class = "other"
)

// Classify buckets an attempt error.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, serial.ErrChallenge):
		return ClassChallenge
	case errors.Is(err, serial.ErrSelectorTimeout), errors.Is(err, serial.ErrElementNotFound):
		return ClassSelector
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	return ClassOther
}

// Outcome is the tagged result of Do. Err is nil on success.
type Outcome[T any] struct {
	Value    T
	Attempts int
	Err      error
}

// Do calls fn up to p.MaxAttempts times, sleeping p.Backoff between calls.
// It stops early only when ctx is done; the final error is returned in the
// outcome rather than aborting the caller.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) Outcome[T] {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var out Outcome[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if out.Err == nil {
				out.Err = err
			}
			return out
		}
		out.Attempts = attempt
		value, err := fn(ctx, attempt)
		if err == nil {
			out.Value = value
			out.Err = nil
			return out
		}
		out.Err = err
		if p.OnFailure != nil {
			p.OnFailure(attempt, Classify(err), err)
		}
		if attempt == maxAttempts {
			break
		}
		if err := Sleep(ctx, p.Backoff(attempt)); err != nil {
			return out
		}
	}
	return out
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// Jitter returns a uniformly random duration in [0, limit).
func Jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
