// Package retry wraps optimistic-concurrency writes in bounded exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrExhausted wraps the last retryable error once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Outcome says how a successful Do got there.
type Outcome int

const (
	// Applied means the operation itself succeeded.
	Applied Outcome = iota
	// AlreadySatisfied means the operation failed with an error the policy
	// recognises as "this already happened".
	AlreadySatisfied
)

func (o Outcome) String() string {
	if o == AlreadySatisfied {
		return "already_satisfied"
	}
	return "applied"
}

// Policy configures Do.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts  uint
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Satisfied reports errors meaning the write has already taken effect.
	Satisfied func(error) bool
	// Retryable reports transient errors worth another attempt. Everything
	// else fails immediately.
	Retryable func(error) bool

	// OnRetry, when set, is called before each backoff wait.
	OnRetry func(err error, attempt uint, wait time.Duration)
}

// DefaultPolicy returns three attempts starting at 500ms and doubling, with
// no predicates set.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second}
}

// WithSatisfied returns a copy of p using fn as its Satisfied predicate.
func (p Policy) WithSatisfied(fn func(error) bool) Policy {
	p.Satisfied = fn
	return p
}

// Do runs op until it succeeds, fails with a non-retryable error, or runs
// out of attempts.
func Do(ctx context.Context, p Policy, op func(context.Context) error) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}

	var tries uint
	outcome, err := backoff.Retry(ctx, func() (Outcome, error) {
		tries++
		err := op(ctx)
		switch {
		case err == nil:
			return Applied, nil
		case p.Satisfied != nil && p.Satisfied(err):
			return AlreadySatisfied, nil
		case p.Retryable != nil && p.Retryable(err):
			return Applied, err
		default:
			return Applied, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(err, tries, wait)
			}
		}),
	)
	if err == nil {
		return outcome, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return Applied, permanent.Err
	}
	if p.Retryable != nil && p.Retryable(err) {
		return Applied, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, tries, err)
	}
	return Applied, err
}
