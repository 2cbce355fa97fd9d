package handshake

import (
	"crypto/rand"
	"testing"

	"github.com/gatekeep/tridentnet/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretMatchesBothSides(t *testing.T) {
	alice, err := Generate(rand.Reader)
	require.NoError(t, err)
	bob, err := Generate(rand.Reader)
	require.NoError(t, err)

	aliceSecret := alice.SharedSecret(bob.PublicValue())
	bobSecret := bob.SharedSecret(alice.PublicValue())
	require.Equal(t, aliceSecret, bobSecret)
	require.NotEmpty(t, aliceSecret)
}

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	kp, err := Generate(rand.Reader)
	require.NoError(t, err)

	buf := wire.NewBuffer()
	EncodeMessage(buf, kp.PublicValue())

	decodeBuf := wire.NewBufferFromBytes(buf.Bytes(), buf.BitLength())
	pub, err := DecodeMessage(decodeBuf)
	require.NoError(t, err)
	require.Equal(t, kp.PublicValue(), pub)
}

func TestDecodeMessageRejectsMismatchedParameters(t *testing.T) {
	buf := wire.NewBuffer()
	buf.WriteBytes([]byte{1, 2, 3}, true) // bogus P
	buf.WriteBytes([]byte{9}, true)       // G happens to match
	buf.WriteBytes([]byte{4, 5, 6}, true) // public value

	decodeBuf := wire.NewBufferFromBytes(buf.Bytes(), buf.BitLength())
	_, err := DecodeMessage(decodeBuf)
	require.ErrorIs(t, err, ErrMismatchedParameters)
}
