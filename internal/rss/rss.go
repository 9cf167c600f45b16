// Package rss provides replicated-secret-sharing reconstruction helpers
// used by property tests: summing a prediction share's components mod 2^64
// and generating cryptographically random fixtures to fuzz that law.
//
// Grounded on spec.md §8's reconstruction-law invariant; random fixture
// generation borrows github.com/bwesterb/go-ristretto's secure scalar RNG
// (the pack's only pure-Go source of a group-scalar random sampler) rather
// than hand-rolling one, truncated to the 64-bit ring this domain uses.
package rss

import (
	"crypto/rand"
	"io"

	"github.com/bwesterb/go-ristretto"

	"github.com/summitto/heartbeat-compute-party/internal/sharescodec"
)

// Reconstruct sums the three parties' first share components mod 2^64 and
// divides by 2^8, recovering the fixed-point q8 value per spec.md §3/§8.
func Reconstruct(shares [3]sharescodec.Pair) uint64 {
	var sum uint64
	for _, s := range shares {
		sum += s[0]
	}
	return sum >> 8
}

// RandomReplicatedValue draws a random fixed-point q8 target value and a
// consistent 3-of-3 additive sharing of it over Z/2^64Z, for property tests
// that fuzz the reconstruction law without depending on math/rand's global
// state.
func RandomReplicatedValue() (target uint64, shares [3]uint64) {
	var a, b, c ristretto.Scalar
	a.Rand(randReader{})
	b.Rand(randReader{})

	ab := bytesToUint64(a.Bytes()[:8])
	bb := bytesToUint64(b.Bytes()[:8])

	c.Rand(randReader{})
	targetHi := bytesToUint64(c.Bytes()[:8]) >> 8 << 8 // a clean multiple of 2^8

	shares[0] = ab
	shares[1] = bb
	shares[2] = targetHi - ab - bb // wraps mod 2^64 by Go's unsigned arithmetic
	target = targetHi >> 8
	return target, shares
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// randReader adapts crypto/rand.Reader to the io.Reader go-ristretto's
// Scalar.Rand expects.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return io.ReadFull(rand.Reader, p)
}
