// Package channel implements the four/five receiver policies and the
// reliable sender (spec.md §2 components E and F): per-channel ordering and
// retransmission behavior layered on top of the bit-packed wire format and
// sequence arithmetic.
package channel

import (
	"github.com/gatekeep/tridentnet/pkg/msgpool"
	"github.com/gatekeep/tridentnet/pkg/seqnum"
)

// Receiver processes one incoming message for a single channel and reports
// which messages (zero, one, or several once a hole fills in) become
// deliverable to the application, and whether the sequence should be
// acknowledged.
type Receiver interface {
	Receive(msg *msgpool.Message) (deliver []*msgpool.Message, ack bool)
}

// UnreliableReceiver implements the unreliable-unordered policy: every
// message is released immediately, and (per spec.md §4.4) acknowledged for
// symmetry with the reliable policies even though nothing is retransmitted.
type UnreliableReceiver struct{}

func NewUnreliableReceiver() *UnreliableReceiver { return &UnreliableReceiver{} }

func (r *UnreliableReceiver) Receive(msg *msgpool.Message) ([]*msgpool.Message, bool) {
	return []*msgpool.Message{msg}, true
}

// UnreliableSequencedReceiver releases a message only if it is newer than
// the last one delivered; stale messages are dropped silently and never
// acknowledged.
type UnreliableSequencedReceiver struct {
	hasDelivered   bool
	latestDelivered uint16
}

func NewUnreliableSequencedReceiver() *UnreliableSequencedReceiver {
	return &UnreliableSequencedReceiver{}
}

func (r *UnreliableSequencedReceiver) Receive(msg *msgpool.Message) ([]*msgpool.Message, bool) {
	if r.hasDelivered && seqnum.Relative(msg.Sequence, r.latestDelivered) <= 0 {
		return nil, false
	}
	r.hasDelivered = true
	r.latestDelivered = msg.Sequence
	return []*msgpool.Message{msg}, false
}

// ReliableSequencedReceiver advances on every strictly newer message and
// drops older/duplicate ones, but always acknowledges so the sender's
// window can free the slot regardless of delivery order.
type ReliableSequencedReceiver struct {
	hasDelivered    bool
	latestDelivered uint16
}

func NewReliableSequencedReceiver() *ReliableSequencedReceiver {
	return &ReliableSequencedReceiver{}
}

func (r *ReliableSequencedReceiver) Receive(msg *msgpool.Message) ([]*msgpool.Message, bool) {
	if !r.hasDelivered || seqnum.Relative(msg.Sequence, r.latestDelivered) > 0 {
		r.hasDelivered = true
		r.latestDelivered = msg.Sequence
		return []*msgpool.Message{msg}, true
	}
	return nil, true
}

// ReliableUnorderedReceiver releases every message exactly once, deduping
// by remembering which sequence currently occupies each window slot. Using
// the slot's last-seen sequence number (rather than a sticky "ever seen"
// bit) lets the dedupe window slide forward indefinitely without an
// explicit base pointer.
type ReliableUnorderedReceiver struct {
	windowSize int
	slotSeq    []uint16
	slotValid  []bool
}

func NewReliableUnorderedReceiver(windowSize int) *ReliableUnorderedReceiver {
	return &ReliableUnorderedReceiver{
		windowSize: windowSize,
		slotSeq:    make([]uint16, windowSize),
		slotValid:  make([]bool, windowSize),
	}
}

func (r *ReliableUnorderedReceiver) Receive(msg *msgpool.Message) ([]*msgpool.Message, bool) {
	slot := int(msg.Sequence) % r.windowSize
	if r.slotValid[slot] && r.slotSeq[slot] == msg.Sequence {
		return nil, true // duplicate within window, still ack
	}
	r.slotSeq[slot] = msg.Sequence
	r.slotValid[slot] = true
	return []*msgpool.Message{msg}, true
}

// ReliableOrderedReceiver withholds out-of-order arrivals in a ring sized
// to the channel's window and drains them in sequence order as holes fill,
// which is what gives the channel its application-visible
// enqueue-order guarantee (spec.md §8).
type ReliableOrderedReceiver struct {
	windowSize int
	expected   uint16
	withheld   []*msgpool.Message // indexed by seq % windowSize
}

func NewReliableOrderedReceiver(windowSize int) *ReliableOrderedReceiver {
	return &ReliableOrderedReceiver{
		windowSize: windowSize,
		withheld:   make([]*msgpool.Message, windowSize),
	}
}

func (r *ReliableOrderedReceiver) Receive(msg *msgpool.Message) ([]*msgpool.Message, bool) {
	rel := seqnum.Relative(msg.Sequence, r.expected)
	switch {
	case rel == 0:
		var deliver []*msgpool.Message
		deliver = append(deliver, msg)
		r.expected = seqnum.Add(r.expected, 1)
		for {
			slot := int(r.expected) % r.windowSize
			next := r.withheld[slot]
			if next == nil || next.Sequence != r.expected {
				break
			}
			deliver = append(deliver, next)
			r.withheld[slot] = nil
			r.expected = seqnum.Add(r.expected, 1)
		}
		return deliver, true
	case rel > 0 && rel < int32(r.windowSize):
		slot := int(msg.Sequence) % r.windowSize
		if r.withheld[slot] == nil {
			r.withheld[slot] = msg
		}
		return nil, true
	default:
		// rel < 0 (duplicate, already delivered) or out of window: drop.
		return nil, true
	}
}
