// Package rng provides the single randomness port used for jitter in the
// simulated battery model. Kept injectable so tests are deterministic.
package rng

import "math/rand"

// Source yields uniformly distributed floats; swap for a fixed-seed or
// scripted implementation in tests.
type Source interface {
	// Uniform returns a value in [lo, hi).
	Uniform(lo, hi float64) float64
}

// Real is backed by math/rand's package-level source.
type Real struct{}

func (Real) Uniform(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}
