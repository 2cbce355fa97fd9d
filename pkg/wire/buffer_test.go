package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPrimitiveRoundTrip(t *testing.T) {
	w := NewBuffer()
	w.WriteBool(true)
	w.WriteByte(0x42)
	w.WriteUint16(1234)
	w.WriteInt16(-1234)
	w.WriteUint32(567890)
	w.WriteInt32(-567890)
	w.WriteUint64(1 << 40)
	w.WriteInt64(-(1 << 40))
	w.WriteFloat32(3.14)
	w.WriteFloat64(2.71828)
	w.WriteString("hello world")

	r := NewBufferFromBytes(w.Bytes(), w.BitLength())

	b, err := r.ReadBool()
	require.NoError(t, err)
	require.True(t, b)

	byt, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x42), byt)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(1234), u16)

	i16, err := r.ReadInt16()
	require.NoError(t, err)
	require.Equal(t, int16(-1234), i16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(567890), u32)

	i32, err := r.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(-567890), i32)

	u64, err := r.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<40), u64)

	i64, err := r.ReadInt64()
	require.NoError(t, err)
	require.Equal(t, int64(-(1<<40)), i64)

	f32, err := r.ReadFloat32()
	require.NoError(t, err)
	require.InDelta(t, float32(3.14), f32, 0.0001)

	f64, err := r.ReadFloat64()
	require.NoError(t, err)
	require.InDelta(t, 2.71828, f64, 0.00001)

	s, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "hello world", s)
}

func TestVarUintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, ^uint64(0)}
	for _, v := range values {
		w := NewBuffer()
		w.WriteVarUint(v)
		r := NewBufferFromBytes(w.Bytes(), w.BitLength())
		got, err := r.ReadVarUint()
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 63, -64, 1 << 30, -(1 << 30), 1 << 40, -(1 << 40)}
	for _, v := range values {
		w := NewBuffer()
		w.WriteVarInt(v)
		r := NewBufferFromBytes(w.Bytes(), w.BitLength())
		got, err := r.ReadVarInt()
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestReadPastEndOverflows(t *testing.T) {
	w := NewBuffer()
	w.WriteByte(1)
	r := NewBufferFromBytes(w.Bytes(), w.BitLength())
	_, err := r.ReadByte()
	require.NoError(t, err)
	_, err = r.ReadByte()
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestBytesWithLengthPrefixRoundTrip(t *testing.T) {
	w := NewBuffer()
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00}
	w.WriteBytes(payload, true)

	r := NewBufferFromBytes(w.Bytes(), w.BitLength())
	got, err := r.ReadBytes(0, true)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func BenchmarkBufferEncodeDecode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		w := NewBuffer()
		w.WriteByte(0x84)
		w.WriteUint16(12345)
		w.WriteVarUint(99999)
		r := NewBufferFromBytes(w.Bytes(), w.BitLength())
		r.ReadByte()
		r.ReadUint16()
		r.ReadVarUint()
	}
}
