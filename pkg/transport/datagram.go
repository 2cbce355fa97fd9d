package transport

import "github.com/gatekeep/tridentnet/pkg/wire"

// datagramBuilder accumulates framed messages for one outgoing datagram,
// refusing writes once the next header+payload would exceed the
// connection's current MTU. It implements pkg/channel.Coalescer.
type datagramBuilder struct {
	buf []byte
	mtu int
}

func newDatagramBuilder(mtu int) *datagramBuilder {
	return &datagramBuilder{mtu: mtu}
}

// Write implements channel.Coalescer.
func (d *datagramBuilder) Write(msgType byte, seq uint16, fragment bool, payload []byte) bool {
	need := wire.HeaderSize + len(payload)
	if len(d.buf)+need > d.mtu {
		return false
	}
	header := wire.Header{
		MessageType: msgType,
		Sequence:    seq,
		Fragment:    fragment,
		PayloadBits: uint16(len(payload) * 8),
	}
	frame := make([]byte, wire.HeaderSize)
	wire.EncodeHeader(header, frame)
	d.buf = append(d.buf, frame...)
	d.buf = append(d.buf, payload...)
	return true
}

func (d *datagramBuilder) Len() int { return len(d.buf) }

// buildRawDatagram frames a single message with no MTU ceiling, used for
// MTU-probe datagrams that are deliberately larger than the connection's
// currently confirmed MTU.
func buildRawDatagram(msgType byte, seq uint16, fragment bool, payload []byte) []byte {
	header := wire.Header{
		MessageType: msgType,
		Sequence:    seq,
		Fragment:    fragment,
		PayloadBits: uint16(len(payload) * 8),
	}
	out := make([]byte, wire.HeaderSize, wire.HeaderSize+len(payload))
	wire.EncodeHeader(header, out[:wire.HeaderSize])
	out = append(out, payload...)
	return out
}

// Take returns the accumulated bytes and resets the builder for the next
// datagram.
func (d *datagramBuilder) Take() []byte {
	out := d.buf
	d.buf = nil
	return out
}
