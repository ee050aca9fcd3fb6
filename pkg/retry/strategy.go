// Package retry defines the reconnect policy for watch tasks: how many
// attempts are allowed and how long to wait between them. A Strategy is an
// immutable value safe to share without synchronization; the per-task state
// lives in the backoff iterator it produces.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Stop is the sentinel delay signalling that the attempt budget is exhausted.
const Stop = backoff.Stop

// BackOff is the stateful delay iterator owned by one watch task.
type BackOff = backoff.BackOff

// Strategy describes a reconnect policy along two independent axes: the
// attempt bound (finite MaxAttempts or Unlimited) and the backoff shape
// (fixed delay when Multiplier <= 1, exponential otherwise), plus a bounded
// random jitter to avoid synchronized reconnect storms across many clients.
//
// The zero value is a never-retry policy: any failure is immediately
// terminal.
type Strategy struct {
	// MaxAttempts is the total number of connection attempts permitted
	// before the task fails terminally; the initial connect counts as the
	// first. Zero permits a single attempt whose failure is immediately
	// terminal. Ignored when Unlimited is set.
	MaxAttempts int
	// Unlimited retries forever.
	Unlimited bool
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// Multiplier scales the delay after each attempt. Values <= 1 give a
	// fixed delay.
	Multiplier float64
	// MaxDelay caps the computed delay. Zero means no ceiling.
	MaxDelay time.Duration
	// Jitter is the randomization factor in [0, 1): each delay is perturbed
	// within ±Jitter of its computed value.
	Jitter float64
}

// DefaultStrategy retries forever with exponential backoff: 500ms doubling
// up to 30s, with 50% jitter.
func DefaultStrategy() Strategy {
	return Strategy{
		Unlimited:    true,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       0.5,
	}
}

// Never is the degenerate zero-attempt policy: any stream failure is
// immediately terminal.
func Never() Strategy {
	return Strategy{}
}

// Fixed waits delay between attempts, with no jitter, permitting attempts
// total connection attempts.
func Fixed(delay time.Duration, attempts int) Strategy {
	return Strategy{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		Multiplier:   1.0,
	}
}

// Exponential starts at initial, scales by multiplier up to maxDelay, and
// permits attempts total connection attempts.
func Exponential(initial time.Duration, multiplier float64, maxDelay time.Duration, attempts int) Strategy {
	return Strategy{
		MaxAttempts:  attempts,
		InitialDelay: initial,
		Multiplier:   multiplier,
		MaxDelay:     maxDelay,
	}
}

// IsNever reports whether the policy permits no retries at all.
func (s Strategy) IsNever() bool {
	return !s.Unlimited && s.MaxAttempts <= 0
}

// NewBackOff produces the stateful delay iterator for one task. Successive
// NextBackOff calls yield the inter-attempt delays on demand; Stop signals
// exhaustion. Reset restores both the delay progression and the attempt
// budget, and is called by the watch loop after any successful delivery.
func (s Strategy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.InitialDelay
	eb.RandomizationFactor = s.Jitter
	eb.Multiplier = s.Multiplier
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}
	if s.MaxDelay > 0 {
		eb.MaxInterval = s.MaxDelay
	} else {
		eb.MaxInterval = 1<<63 - 1
	}
	// The attempt bound is the only budget; never give up on elapsed time.
	eb.MaxElapsedTime = 0
	eb.Reset()

	if s.Unlimited {
		return eb
	}
	// The iterator yields one delay per reconnect; the initial attempt
	// consumes none, so a budget of N attempts leaves N-1 delays.
	retries := s.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(eb, uint64(retries))
}
