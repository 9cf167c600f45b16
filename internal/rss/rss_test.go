package rss

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/summitto/heartbeat-compute-party/internal/sharescodec"
)

func TestReconstructSumsAndShiftsQ8(t *testing.T) {
	shares := [3]sharescodec.Pair{{100, 0}, {50, 0}, {6, 0}}
	// 100 + 50 + 6 = 156; 156 >> 8 = 0, so a sum below 2^8 reconstructs to
	// zero. TestReconstructMatchesDirectSum covers a larger spread.
	require.Equal(t, uint64(156)>>8, Reconstruct(shares))
}

func TestReconstructMatchesDirectSum(t *testing.T) {
	shares := [3]sharescodec.Pair{{1 << 16, 0}, {1 << 16, 0}, {1 << 16, 0}}
	require.Equal(t, uint64(3<<16)>>8, Reconstruct(shares))
}

func TestRandomReplicatedValueReconstructsToTarget(t *testing.T) {
	for i := 0; i < 20; i++ {
		target, shares := RandomReplicatedValue()
		sum := shares[0] + shares[1] + shares[2] // wraps mod 2^64
		require.Equal(t, target, sum>>8)
	}
}
