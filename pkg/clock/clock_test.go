package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMockClockAdvancesSeconds(t *testing.T) {
	s, mock := NewMock()
	require.Equal(t, float64(0), s.Seconds())
	mock.Add(1500 * time.Millisecond)
	require.InDelta(t, 1.5, s.Seconds(), 0.0001)
}
