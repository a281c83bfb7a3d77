// Package retry runs operations under a bounded exponential backoff schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenk/backoff"
)

// ErrExhausted is returned when an operation kept failing after the last attempt.
var ErrExhausted = errors.New("retries exhausted")

// Policy bounds the backoff schedule.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	MaxElapsed      time.Duration
}

// DefaultPolicy returns the schedule used for remote calls.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxAttempts:     5,
		MaxElapsed:      5 * time.Minute,
	}
}

// Executor retries operations according to a Policy.
type Executor struct {
	policy    Policy
	retryable func(error) bool
	notify    func(err error, attempt int, wait time.Duration)
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetryable sets the predicate deciding whether an error is transient.
// By default every error except context cancellation is retried.
func WithRetryable(fn func(error) bool) Option {
	return func(e *Executor) {
		e.retryable = fn
	}
}

// WithNotify registers a callback invoked before each wait.
func WithNotify(fn func(err error, attempt int, wait time.Duration)) Option {
	return func(e *Executor) {
		e.notify = fn
	}
}

// New creates an Executor.
func New(policy Policy, opts ...Option) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	e := &Executor{
		policy:    policy,
		retryable: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if e.policy.InitialInterval > 0 {
		b.InitialInterval = e.policy.InitialInterval
	}
	if e.policy.MaxInterval > 0 {
		b.MaxInterval = e.policy.MaxInterval
	}
	if e.policy.Multiplier > 0 {
		b.Multiplier = e.policy.Multiplier
	}
	b.MaxElapsedTime = e.policy.MaxElapsed
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a non-retryable error, the context is
// done, or the policy runs out. In the last case the returned error wraps both
// ErrExhausted and the last failure.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := e.schedule()

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !e.retryable(err) {
			return err
		}
		if attempt >= e.policy.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}
		if e.notify != nil {
			e.notify(err, attempt, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Value runs op like Do and returns its result.
func Value[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
