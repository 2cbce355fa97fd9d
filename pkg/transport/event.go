package transport

import (
	"net"

	"github.com/gatekeep/tridentnet/pkg/wire"
)

// EventKind labels one of the application-visible categories spec.md §6's
// EnabledIncomingMessageTypes bitmask gates.
type EventKind int

const (
	EventKindStatusChanged EventKind = iota
	EventKindData
	EventKindUnconnectedData
	EventKindDiscoveryRequest
	EventKindDiscoveryResponse
	EventKindConnectionLatencyUpdated
	EventKindTestMessage
	EventKindError
)

// Event is released to the application through Peer's inbound queue.
type Event struct {
	Kind     EventKind
	Remote   *net.UDPAddr
	RemoteID uint64
	State    State
	Method   wire.DeliveryMethod
	Channel  int
	Payload  []byte
	RTT      float64
	Err      error
	Reason   string
}

func (k EventKind) mask() EventMask {
	switch k {
	case EventKindStatusChanged:
		return EventStatusChanged
	case EventKindData:
		return EventData
	case EventKindUnconnectedData:
		return EventUnconnectedData
	case EventKindDiscoveryRequest:
		return EventDiscoveryRequest
	case EventKindDiscoveryResponse:
		return EventDiscoveryResponse
	case EventKindConnectionLatencyUpdated:
		return EventConnectionLatencyUpdated
	case EventKindTestMessage:
		return EventTestMessage
	case EventKindError:
		return EventError
	default:
		return 0
	}
}
