// Package retry computes when a failed unit of work becomes eligible again.
package retry

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultMaxAttempts is the attempt ceiling used when none is configured.
	DefaultMaxAttempts = 3
	// DefaultCap bounds the exponential term.
	DefaultCap = 5 * time.Minute
	// DefaultJitter is the upper bound of the random term.
	DefaultJitter = time.Second

	base = time.Second
	// base<<maxShift is the largest shift that fits in a Duration.
	maxShift = 33
)

// Policy is exponential backoff with additive jitter:
// min(2^(attempt-1) s, Cap) + uniform[0, Jitter].
type Policy struct {
	Cap    time.Duration
	Jitter time.Duration

	// random returns a value in [0, n]. Nil means math/rand.
	random func(n time.Duration) time.Duration
}

// NewPolicy creates a policy with the given cap and the default jitter.
func NewPolicy(backoffCap time.Duration) Policy {
	if backoffCap <= 0 {
		backoffCap = DefaultCap
	}

	return Policy{Cap: backoffCap, Jitter: DefaultJitter}
}

// WithRandom returns a copy of p that draws jitter from random.
func (p Policy) WithRandom(random func(n time.Duration) time.Duration) Policy {
	p.random = random

	return p
}

// Backoff returns the exponential term for attempt, capped. Attempts below 1
// are treated as 1.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	shift := attempt - 1
	if shift > maxShift {
		if p.Cap > 0 {
			return p.Cap
		}
		shift = maxShift
	}

	delay := base << shift
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}

	return delay
}

// Delay returns the full wait before the next attempt after attempt failures.
func (p Policy) Delay(attempt int) time.Duration {
	return p.Backoff(attempt) + p.jitter()
}

// NextAttempt returns now shifted by Delay(attempt).
func (p Policy) NextAttempt(attempt int, now time.Time) time.Time {
	return now.Add(p.Delay(attempt))
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	if p.random != nil {
		return p.random(p.Jitter)
	}

	return rand.N(p.Jitter + 1)
}
