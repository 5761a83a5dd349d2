package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayIncreasesUpToCeiling(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Jitter: 0.3, Max: 5 * time.Second}

	var prev time.Duration
	for n := 0; n <= 3; n++ {
		d := p.Delay(n)
		if d < p.Max {
			require.Greater(t, d, prev, "delay %d should grow", n)
		}
		require.LessOrEqual(t, d, p.Max)
		prev = d
	}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(500))
}

func TestDelayStrictlyIncreasingBelowCeiling(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Factor: 1.5, Max: time.Hour}
	for n := 0; n < 4; n++ {
		require.Less(t, p.Delay(n), p.Delay(n+1))
	}
}

func TestJitterBounds(t *testing.T) {
	p := Policy{Base: 10 * time.Second, Factor: 2, Jitter: 0.3, Max: time.Minute}

	low := p.Jittered(0, func() float64 { return 0 })
	high := p.Jittered(0, func() float64 { return 0.999999 })
	mid := p.Jittered(0, func() float64 { return 0.5 })

	assert.InDelta(t, float64(7*time.Second), float64(low), float64(time.Millisecond))
	assert.InDelta(t, float64(13*time.Second), float64(high), float64(time.Millisecond))
	assert.Equal(t, 10*time.Second, mid)

	// Jitter never pushes past the ceiling.
	capped := p.Jittered(10, func() float64 { return 0.999 })
	assert.LessOrEqual(t, capped, p.Max)
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxFailures: 3}
	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))

	unlimited := Policy{}
	assert.False(t, unlimited.Exhausted(1_000_000))
}
