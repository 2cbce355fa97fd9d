package fragment

import (
	"bytes"
	"testing"
	"time"

	"github.com/gatekeep/tridentnet/pkg/clock"
	"github.com/gatekeep/tridentnet/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestGroupAllocatorWrapsToOneNeverZero(t *testing.T) {
	a := &GroupAllocator{next: 65535}
	require.Equal(t, uint16(65535), a.Next())
	require.Equal(t, uint16(1), a.Next())
}

func TestChunkHeaderRoundTrip(t *testing.T) {
	w := wire.NewBuffer()
	EncodeChunkHeader(w, 42, 40000, 512, 7)
	buf := wire.NewBufferFromBytes(w.Bytes(), w.BitLength())
	g, tb, cs, cn, err := DecodeChunkHeader(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(42), g)
	require.Equal(t, uint32(40000), tb)
	require.Equal(t, uint16(512), cs)
	require.Equal(t, uint32(7), cn)
}

func TestSplitAndReassembleExactBytes(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	alloc := NewGroupAllocator()
	group := alloc.Next()
	chunks := Split(group, payload, 512)
	require.Greater(t, len(chunks), 1)

	clk, _ := clock.NewMock()
	reasm := NewReassembler(clk, 30)

	var assembled []byte
	for _, c := range chunks {
		got, done := reasm.Accept("peerA", c.Group, c.TotalBits, c.ChunkByteSize, c.ChunkNumber, c.Data)
		if done {
			assembled = got
		}
	}
	require.True(t, bytes.Equal(payload, assembled))
}

func TestReassemblerExpiresStaleGroups(t *testing.T) {
	clk, mock := clock.NewMock()
	reasm := NewReassembler(clk, 5)
	reasm.Accept("peerA", 1, 8*100, 50, 0, make([]byte, 50))
	require.Equal(t, 1, reasm.OpenGroups())

	mock.Add(10 * time.Second)
	dropped := reasm.ExpireStale()
	require.Equal(t, 1, dropped)
	require.Equal(t, 0, reasm.OpenGroups())
}
