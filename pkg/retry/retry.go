// Package retry provides bounded exponential backoff and the
// transient/permanent error split shared by the dispatch queue and the
// action collaborators. Schedules come from cenkalti/backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy bounds retries of one operation.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used by collaborators when no policy is configured.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// NewBackOff returns the unjittered exponential schedule for p: BaseDelay
// doubling per attempt up to MaxDelay, with no elapsed-time limit.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Backoff returns the delay after the given failed attempt (1-based):
// base * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	b := p.NewBackOff()
	d := b.NextBackOff()
	for i := 1; i < attempt && d < b.MaxInterval; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether attempt used up the policy.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a permanent error, or the policy
// is exhausted. The last error is returned; a permanent one keeps its mark.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(p.MaxAttempts-1)), ctx)

	var last error
	err := backoff.Retry(func() error {
		last = fn(ctx)
		return last
	}, b)
	switch {
	case err == nil:
		return nil
	case IsPermanent(last):
		// Retry unwraps the permanent marker; callers classify on it.
		return last
	case ctx.Err() != nil && last != nil && !errors.Is(last, ctx.Err()):
		return errors.Join(last, ctx.Err())
	}
	return err
}
