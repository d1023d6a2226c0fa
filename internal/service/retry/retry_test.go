package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJitter(time.Duration) time.Duration { return 0 }

func TestBackoffDoublesUntilCap(t *testing.T) {
	p := NewPolicy(10 * time.Second).WithRandom(noJitter)

	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(200))
}

func TestBackoffIsNonDecreasing(t *testing.T) {
	p := NewPolicy(5 * time.Minute)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, p.Cap)
		prev = d
	}
	assert.Equal(t, p.Cap, prev)
}

func TestBackoffTreatsNonPositiveAttemptAsFirst(t *testing.T) {
	p := NewPolicy(time.Minute)

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(-3))
}

func TestJitterStaysWithinBound(t *testing.T) {
	p := NewPolicy(5 * time.Second)

	for i := 0; i < 1000; i++ {
		d := p.Delay(2)
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.LessOrEqual(t, d, 2*time.Second+DefaultJitter)
	}
}

func TestNextAttemptUsesInjectedRandom(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewPolicy(time.Minute).WithRandom(func(n time.Duration) time.Duration { return n })

	assert.Equal(t, now.Add(4*time.Second+time.Second), p.NextAttempt(3, now))
}

func TestNewPolicyDefaultsCap(t *testing.T) {
	assert.Equal(t, DefaultCap, NewPolicy(0).Cap)
}
