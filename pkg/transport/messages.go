package transport

import "github.com/gatekeep/tridentnet/pkg/wire"

// magicVersion is the protocol version stamped into every Connect /
// ConnectResponse body (spec.md §6: 0x03E8 = "1.000").
const magicVersion uint16 = 0x03E8

// errUnsupportedVersion is returned when a peer's Connect/ConnectResponse
// advertises a magic version this implementation doesn't understand.
var errUnsupportedVersion = wireErr("transport: unsupported protocol version")

type wireErr string

func (e wireErr) Error() string { return string(e) }

// connectBody is the Connect / ConnectResponse payload: magic version,
// sender's 64-bit unique id, and an optional opaque application hail blob.
type connectBody struct {
	PeerID uint64
	Hail   []byte
}

func encodeConnectBody(peerID uint64, hail []byte) []byte {
	buf := wire.NewBuffer()
	buf.WriteUint16(magicVersion)
	buf.WriteUint64(peerID)
	buf.WriteBytes(hail, true)
	return buf.Bytes()
}

func decodeConnectBody(payload []byte) (connectBody, error) {
	buf := wire.NewBufferFromBytes(payload, len(payload)*8)
	version, err := buf.ReadUint16()
	if err != nil {
		return connectBody{}, err
	}
	if version != magicVersion {
		return connectBody{}, errUnsupportedVersion
	}
	peerID, err := buf.ReadUint64()
	if err != nil {
		return connectBody{}, err
	}
	hail, err := buf.ReadBytes(0, true)
	if err != nil {
		return connectBody{}, err
	}
	return connectBody{PeerID: peerID, Hail: hail}, nil
}

func encodeDisconnectBody(reason string) []byte {
	buf := wire.NewBuffer()
	buf.WriteString(reason)
	return buf.Bytes()
}

func decodeDisconnectBody(payload []byte) (string, error) {
	buf := wire.NewBufferFromBytes(payload, len(payload)*8)
	return buf.ReadString()
}

// encodePingBody/decodePingBody carry the sender's local clock reading so
// the Pong reply lets the sender compute an RTT sample without a separate
// sequence space.
func encodePingBody(sentAt float64) []byte {
	buf := wire.NewBuffer()
	buf.WriteFloat64(sentAt)
	return buf.Bytes()
}

func decodePingBody(payload []byte) (float64, error) {
	buf := wire.NewBufferFromBytes(payload, len(payload)*8)
	return buf.ReadFloat64()
}

// encodePongBody/decodePongBody echo the initiator's Ping timestamp
// alongside the responder's own clock reading at reply time, so the
// initiator can derive both an RTT sample and a remote-time-offset sample
// (spec invariant 6) from a single round trip.
func encodePongBody(sentAt, respondedAt float64) []byte {
	buf := wire.NewBuffer()
	buf.WriteFloat64(sentAt)
	buf.WriteFloat64(respondedAt)
	return buf.Bytes()
}

func decodePongBody(payload []byte) (sentAt, respondedAt float64, err error) {
	buf := wire.NewBufferFromBytes(payload, len(payload)*8)
	sentAt, err = buf.ReadFloat64()
	if err != nil {
		return 0, 0, err
	}
	respondedAt, err = buf.ReadFloat64()
	if err != nil {
		return 0, 0, err
	}
	return sentAt, respondedAt, nil
}

// encodeExpandMTURequest returns filler payload bytes such that the full
// framed datagram (header + payload) totals size bytes, the candidate MTU
// being probed.
func encodeExpandMTURequest(size int) []byte {
	n := size - wire.HeaderSize
	if n < 0 {
		n = 0
	}
	return make([]byte, n)
}

func encodeExpandMTUSuccess(size int) []byte {
	buf := wire.NewBuffer()
	buf.WriteVarUint(uint64(size))
	return buf.Bytes()
}

func decodeExpandMTUSuccess(payload []byte) (int, error) {
	buf := wire.NewBufferFromBytes(payload, len(payload)*8)
	size, err := buf.ReadVarUint()
	if err != nil {
		return 0, err
	}
	return int(size), nil
}
