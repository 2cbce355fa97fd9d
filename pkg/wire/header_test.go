package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		MessageType: MsgAcknowledge,
		Sequence:    1023,
		Fragment:    true,
		PayloadBits: 4096,
	}
	buf := make([]byte, HeaderSize)
	EncodeHeader(h, buf)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestUserMessageTypeRoundTrip(t *testing.T) {
	cases := []struct {
		method  DeliveryMethod
		channel int
	}{
		{ReliableOrdered, 0},
		{ReliableOrdered, 31},
		{ReliableSequenced, 5},
		{UnreliableSequenced, 31},
		{ReliableUnordered, 0},
		{Unreliable, 0},
	}
	for _, c := range cases {
		mt, err := UserMessageType(c.method, c.channel)
		require.NoError(t, err)
		require.False(t, IsInternal(mt))

		method, channel, ok := DecodeUserMessageType(mt)
		require.True(t, ok)
		require.Equal(t, c.method, method)
		if c.method != Unreliable && c.method != ReliableUnordered {
			require.Equal(t, c.channel, channel)
		}
	}
}

func TestUserMessageTypeInvalidChannel(t *testing.T) {
	_, err := UserMessageType(ReliableOrdered, 32)
	require.ErrorIs(t, err, ErrInvalidChannel)
	_, err = UserMessageType(ReliableOrdered, -1)
	require.ErrorIs(t, err, ErrInvalidChannel)
}

func TestInternalMessageTypesDontOverlapUserBand(t *testing.T) {
	require.True(t, IsInternal(MsgConnect))
	require.True(t, IsInternal(MsgDiffieHellmanResponse))
	require.False(t, IsInternal(MsgUserUnreliable))
}
