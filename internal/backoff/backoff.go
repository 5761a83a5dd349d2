// Package backoff holds the retry policy shared by the platform adapters.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff with symmetric jitter and a ceiling.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Jitter      float64 // fraction of the delay, 0.3 means ±30%
	Max         time.Duration
	MaxFailures int // consecutive failures tolerated; 0 means unlimited
}

// Default mirrors the reconnect loop the IRC client always used: 1s doubling
// to a 60s ceiling.
func Default() Policy {
	return Policy{Base: time.Second, Factor: 2, Jitter: 0.3, Max: 60 * time.Second, MaxFailures: 10}
}

// Delay returns the pre-jitter delay after n consecutive failures (n starts
// at 0).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(base) * math.Pow(factor, float64(n))
	if p.Max > 0 && (d > float64(p.Max) || math.IsInf(d, 1)) {
		return p.Max
	}
	return time.Duration(d)
}

// Jittered applies the jitter to Delay(n). rnd must return values in [0,1);
// nil uses math/rand.
func (p Policy) Jittered(n int, rnd func() float64) time.Duration {
	d := p.Delay(n)
	if p.Jitter <= 0 {
		return d
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	spread := (rnd()*2 - 1) * p.Jitter
	out := time.Duration(float64(d) * (1 + spread))
	if out < 0 {
		out = 0
	}
	if p.Max > 0 && out > p.Max {
		out = p.Max
	}
	return out
}

// Exhausted reports whether n consecutive failures exceed the budget.
func (p Policy) Exhausted(n int) bool {
	return p.MaxFailures > 0 && n > p.MaxFailures
}
