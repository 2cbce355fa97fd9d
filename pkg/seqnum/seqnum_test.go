package seqnum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRelativeSimple(t *testing.T) {
	require.Equal(t, int32(1), Relative(11, 10))
	require.Equal(t, int32(-1), Relative(9, 10))
	require.Equal(t, int32(0), Relative(10, 10))
}

func TestRelativeWrapsAtSpaceBoundary(t *testing.T) {
	// 0 is one step ahead of 1023 across the wrap.
	require.Equal(t, int32(1), Relative(0, 1023))
	require.Equal(t, int32(-1), Relative(1023, 0))
}

func TestGreaterOrdersAcrossWrap(t *testing.T) {
	require.True(t, Greater(0, 1023))
	require.False(t, Greater(1023, 0))
}

func TestInWindow(t *testing.T) {
	require.True(t, InWindow(10, 10, 64))
	require.True(t, InWindow(41, 10, 64))
	require.False(t, InWindow(42, 10, 64))
	require.True(t, InWindow(1023, 0, 64))
}

func TestAddWrapsModSpace(t *testing.T) {
	require.Equal(t, uint16(0), Add(1023, 1))
	require.Equal(t, uint16(1023), Add(0, -1))
}

func TestBitVectorSetGetPopCount(t *testing.T) {
	v := NewBitVector(130)
	require.False(t, v.Full())
	for i := uint32(0); i < 130; i++ {
		v.Set(i, true)
	}
	require.True(t, v.Full())
	require.Equal(t, uint32(130), v.PopCount())

	v.Set(64, false)
	require.False(t, v.Get(64))
	require.True(t, v.Get(63))
	require.Equal(t, uint32(129), v.PopCount())
}

func TestBitVectorOutOfRangeIgnored(t *testing.T) {
	v := NewBitVector(8)
	v.Set(100, true)
	require.False(t, v.Get(100))
}

func BenchmarkRelative(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Relative(uint16(i%Space), 512)
	}
}
