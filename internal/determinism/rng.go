package determinism

import (
	"landsync/runtime/internal/ident"
)

// RNG is a seeded pseudo random stream whose output depends only on the seed
// and the call sequence, never on wall clock or goroutine interleaving.
type RNG struct {
	state uint64
	draws uint64
}

// NewRNG constructs a generator from an explicit seed.
func NewRNG(seed uint64) *RNG {
	return &RNG{state: seed}
}

// NewLandRNG derives the generator seed from the land identifier so replays of
// the same land always reproduce the same stream.
func NewLandRNG(id ident.LandID) *RNG {
	return NewRNG(SeedForLand(id))
}

// SeedForLand hashes the canonical land id into the 64-bit seed space.
func SeedForLand(id ident.LandID) uint64 {
	return fnv1a64String(id.String())
}

// Uint64 advances the stream by one splitmix64 step.
func (r *RNG) Uint64() uint64 {
	if r == nil {
		return 0
	}
	//1.- splitmix64: a fixed odd increment followed by two avalanche rounds.
	r.state += 0x9e3779b97f4a7c15
	r.draws++
	z := r.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Int63 returns a non-negative 63-bit draw.
func (r *RNG) Int63() int64 {
	return int64(r.Uint64() >> 1)
}

// IntN returns a uniform draw in [0, n). n must be positive.
func (r *RNG) IntN(n int) int {
	if r == nil || n <= 0 {
		return 0
	}
	//1.- Rejection-sample so the distribution stays uniform at every modulus.
	bound := uint64(n)
	limit := ^uint64(0) - (^uint64(0) % bound)
	for {
		v := r.Uint64()
		if v < limit {
			return int(v % bound)
		}
	}
}

// Float64 returns a draw in [0, 1) with 53 bits of precision.
func (r *RNG) Float64() float64 {
	return float64(r.Uint64()>>11) / float64(1<<53)
}

// Draws reports how many values have been consumed; the recorder persists this
// for divergence diagnostics.
func (r *RNG) Draws() uint64 {
	if r == nil {
		return 0
	}
	return r.draws
}
