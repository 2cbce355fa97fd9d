package msgpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolRecyclesWhenEnabled(t *testing.T) {
	p := NewPool(4, true)
	m := p.Get()
	m.MessageType = 0x42
	m.Release()
	require.Equal(t, 1, p.Len())

	m2 := p.Get()
	require.Equal(t, 0, p.Len())
	require.Equal(t, byte(0), m2.MessageType) // reset before reuse
}

func TestPoolDiscardsWhenRecyclingDisabled(t *testing.T) {
	p := NewPool(4, false)
	m := p.Get()
	m.Release()
	require.Equal(t, 0, p.Len())
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	p := NewPool(4, true)
	m := p.Get()
	m.Release()
	require.Equal(t, 1, p.Len())
	m.Release()
	require.Equal(t, 1, p.Len())
}

func TestPoolOverCapacityFallsBackToGC(t *testing.T) {
	p := NewPool(1, true)
	m1, m2 := p.Get(), p.Get()
	m1.Release()
	m2.Release()
	require.Equal(t, 1, p.Len())
}

func TestRetainedMessageSurvivesUntilAllReleased(t *testing.T) {
	p := NewPool(4, true)
	m := p.Get()
	m.Retain(2)
	m.Release()
	require.Equal(t, 0, p.Len())
	m.Release()
	require.Equal(t, 1, p.Len())
}
