// Package handshake implements the Diffie-Hellman key-agreement bootstrap
// (spec.md §2 component I, §4.8): generating a keypair, framing
// (P, G, publicValue) on the wire, and deriving the shared secret that
// seeds the connection's Cipher once both sides reach ConnectedSecured.
package handshake

import (
	"bytes"
	"errors"
	"io"
	"math/big"

	"github.com/flynn/noise"
	"github.com/gatekeep/tridentnet/pkg/wire"
)

// Cipher is the interface of a symmetric cipher seeded from SharedSecret.
// No concrete symmetric cipher ships in this module (out of scope, spec.md
// §1); an application supplies one. Connection.SetCipher stores it, but the
// transport does not route payloads through Seal or Open.
type Cipher interface {
	Seal(plaintext []byte) []byte
	Open(ciphertext []byte) ([]byte, error)
}

var dh25519 = noise.DH25519

// curve25519P and curve25519G are the fixed Curve25519 field parameters,
// framed on the wire as the generic (P, G, publicValue) triple spec.md §6
// requires even though DH25519 treats them as constants rather than
// per-session values. Keeping them on the wire keeps the framing generic
// over a future non-Curve25519 DH backend.
var (
	curve25519P = func() []byte {
		p := new(big.Int).Lsh(big.NewInt(1), 255)
		p.Sub(p, big.NewInt(19))
		return p.Bytes()
	}()
	curve25519G = []byte{9}
)

// KeyPair wraps a freshly generated Curve25519 keypair.
type KeyPair struct {
	dh noise.DHKey
}

// Generate creates a new keypair over the DH25519 primitive.
func Generate(rand io.Reader) (KeyPair, error) {
	kp, err := dh25519.GenerateKeypair(rand)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{dh: kp}, nil
}

// PublicValue is the value sent to the peer in a DiffieHellman request or
// response.
func (k KeyPair) PublicValue() []byte { return k.dh.Public }

// SharedSecret derives the shared secret from this keypair's private value
// and the peer's public value.
func (k KeyPair) SharedSecret(peerPublic []byte) []byte {
	return dh25519.DH(k.dh.Private, peerPublic)
}

// ErrMismatchedParameters is returned when a peer's advertised (P, G)
// doesn't match this implementation's fixed Curve25519 parameters,
// classified as the spec.md §7 kind-7 cryptographic failure.
var ErrMismatchedParameters = errors.New("handshake: mismatched DH parameters")

// EncodeMessage writes the (P, G, publicValue) triple as length-prefixed
// big-endian byte strings (spec.md §6).
func EncodeMessage(buf *wire.Buffer, publicValue []byte) {
	buf.WriteBytes(curve25519P, true)
	buf.WriteBytes(curve25519G, true)
	buf.WriteBytes(publicValue, true)
}

// DecodeMessage reads the triple EncodeMessage wrote, verifying (P, G)
// match this implementation's fixed parameters.
func DecodeMessage(buf *wire.Buffer) (publicValue []byte, err error) {
	p, err := buf.ReadBytes(0, true)
	if err != nil {
		return nil, err
	}
	g, err := buf.ReadBytes(0, true)
	if err != nil {
		return nil, err
	}
	publicValue, err = buf.ReadBytes(0, true)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(p, curve25519P) || !bytes.Equal(g, curve25519G) {
		return nil, ErrMismatchedParameters
	}
	return publicValue, nil
}
