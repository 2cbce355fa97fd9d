package channel

import (
	"github.com/gatekeep/tridentnet/internal/metrics"
	"github.com/gatekeep/tridentnet/pkg/seqnum"
	"github.com/gatekeep/tridentnet/pkg/wire"
)

// NewSender builds the Sender appropriate for method: the unreliable
// senders for Unreliable/UnreliableSequenced, the shared reliable sender
// for the three reliable policies.
func NewSender(method wire.DeliveryMethod, channelIndex int, rec metrics.Recorder) Sender {
	switch method {
	case wire.Unreliable, wire.UnreliableSequenced:
		return NewUnreliableSender(method, channelIndex)
	default:
		return NewReliableSender(method, channelIndex, seqnum.DefaultWindowSize, rec)
	}
}

// NewReceiver builds the Receiver appropriate for method.
func NewReceiver(method wire.DeliveryMethod) Receiver {
	switch method {
	case wire.Unreliable:
		return NewUnreliableReceiver()
	case wire.UnreliableSequenced:
		return NewUnreliableSequencedReceiver()
	case wire.ReliableUnordered:
		return NewReliableUnorderedReceiver(seqnum.DefaultWindowSize)
	case wire.ReliableSequenced:
		return NewReliableSequencedReceiver()
	default:
		return NewReliableOrderedReceiver(seqnum.DefaultWindowSize)
	}
}
