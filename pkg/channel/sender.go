package channel

import (
	"github.com/gatekeep/tridentnet/internal/metrics"
	"github.com/gatekeep/tridentnet/pkg/seqnum"
	"github.com/gatekeep/tridentnet/pkg/wire"
)

// EnqueueResult reports what happened to a message handed to a sender
// channel (spec.md §4.2).
type EnqueueResult int

const (
	Sent EnqueueResult = iota
	Queued
	FailedNotConnected
	Dropped
)

func (r EnqueueResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	case FailedNotConnected:
		return "failed_not_connected"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Coalescer is how a sender channel writes a framed message into the
// connection's per-datagram staging area (spec.md §3 "coalescing buffer").
// Write returns false when the message would not fit in the current
// datagram; the sender channel keeps that message and writes it again on a
// later call.
type Coalescer interface {
	Write(msgType byte, seq uint16, fragment bool, payload []byte) bool
}

type pendingItem struct {
	payload  []byte
	fragment bool
}

// UnreliableSender implements the unreliable and unreliable-sequenced
// delivery methods: no window, no retransmission, and an outright drop
// when the encoded size can't fit under MTU (fragmentation must have
// already pre-split anything larger, per spec.md §4.6).
type UnreliableSender struct {
	method  wire.DeliveryMethod
	channel int
	seq     uint16
	pending []pendingItem
}

func NewUnreliableSender(method wire.DeliveryMethod, channelIndex int) *UnreliableSender {
	return &UnreliableSender{method: method, channel: channelIndex}
}

func (s *UnreliableSender) Enqueue(payload []byte, mtu int) EnqueueResult {
	if wire.HeaderSize+len(payload) > mtu {
		return Dropped
	}
	s.pending = append(s.pending, pendingItem{payload: payload})
	return Queued
}

// EnqueueFragment queues a pre-split fragment chunk, marking the fragment
// bit on the wire frame the fragmentation engine's receiver side looks for.
func (s *UnreliableSender) EnqueueFragment(payload []byte, mtu int) EnqueueResult {
	if wire.HeaderSize+len(payload) > mtu {
		return Dropped
	}
	s.pending = append(s.pending, pendingItem{payload: payload, fragment: true})
	return Queued
}

// Sender is the common interface Connection drives both sender kinds
// through, so the heartbeat loop doesn't need to know which reliability
// policy a given channel uses.
type Sender interface {
	Enqueue(payload []byte, mtu int) EnqueueResult
	SendQueuedMessages(now float64, c Coalescer)
}

// FragmentEnqueuer is implemented by every Sender; it's split out so
// callers that only have a Sender can still type-assert for fragment
// support without every Sender implementation being forced to expose it
// in the narrower common interface.
type FragmentEnqueuer interface {
	EnqueueFragment(payload []byte, mtu int) EnqueueResult
}

func (s *UnreliableSender) SendQueuedMessages(now float64, c Coalescer) {
	for len(s.pending) > 0 {
		msgType, err := wire.UserMessageType(s.method, s.channel)
		if err != nil {
			s.pending = s.pending[1:]
			continue
		}
		item := s.pending[0]
		if !c.Write(msgType, s.seq, item.fragment, item.payload) {
			return
		}
		s.seq = seqnum.Add(s.seq, 1)
		s.pending = s.pending[1:]
	}
}

// ResendCause records why a reliable message was retransmitted, for
// logging and the HoleInSequence/Delay distinction spec.md §4.2 calls out.
type ResendCause int

const (
	Delay ResendCause = iota
	HoleInSequence
)

type storedMessage struct {
	seq      uint16
	payload  []byte
	fragment bool
	sentAt   float64
	sent     bool
}

// ReliableSender backs the reliable-ordered, reliable-sequenced and
// reliable-unordered delivery methods: they share the same sliding-window
// send/ack/resend machinery and differ only in how the *receiver* handles
// arrivals (spec.md §4.2).
type ReliableSender struct {
	method     wire.DeliveryMethod
	channel    int
	windowSize int

	base    uint16 // oldest unacked sequence (window base)
	nextSeq uint16
	pending []pendingItem
	ring    []*storedMessage // indexed by seq % windowSize

	averageRTT   float64 // sentinel < 0 until the first sample
	holeDetected bool
	lastCause    ResendCause

	rec metrics.Recorder
}

// NewReliableSender builds a reliable sender for the given method/channel
// with the given window size (64 for ordered/sequenced per spec invariant
// 1; callers may use a different size for reliable-unordered).
func NewReliableSender(method wire.DeliveryMethod, channelIndex, windowSize int, rec metrics.Recorder) *ReliableSender {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &ReliableSender{
		method:     method,
		channel:    channelIndex,
		windowSize: windowSize,
		ring:       make([]*storedMessage, windowSize),
		averageRTT: -1,
		rec:        rec,
	}
}

// UpdateRTT is called by the owning connection whenever a new RTT sample is
// smoothed in, so the resend delay tracks current network conditions.
func (s *ReliableSender) UpdateRTT(averageRTT float64) { s.averageRTT = averageRTT }

func (s *ReliableSender) resendDelay() float64 {
	if s.averageRTT < 0 {
		return 0.1
	}
	return 0.02 + 2*s.averageRTT
}

// Enqueue queues a payload for transmission. The window/pending split
// happens lazily in SendQueuedMessages so Enqueue never blocks on network
// state.
func (s *ReliableSender) Enqueue(payload []byte, mtu int) EnqueueResult {
	if wire.HeaderSize+len(payload) > mtu {
		return Dropped
	}
	s.pending = append(s.pending, pendingItem{payload: payload})
	return Queued
}

// EnqueueFragment queues a pre-split fragment chunk through the same
// window/resend machinery as a regular message, with the wire fragment bit
// set.
func (s *ReliableSender) EnqueueFragment(payload []byte, mtu int) EnqueueResult {
	if wire.HeaderSize+len(payload) > mtu {
		return Dropped
	}
	s.pending = append(s.pending, pendingItem{payload: payload, fragment: true})
	return Queued
}

// HandleAck clears the stored slot for seq. Acks older than the window
// base or for an already-cleared slot are ignored (idempotent, per spec.md
// §5). An ack that lands ahead of the current base without clearing it
// signals a hole in the sequence, which SendQueuedMessages will resend
// immediately on its next call instead of waiting out resendDelay.
func (s *ReliableSender) HandleAck(seq uint16) {
	rel := seqnum.Relative(seq, s.base)
	if rel < 0 {
		return
	}
	idx := int(seq) % s.windowSize
	if s.ring[idx] != nil && s.ring[idx].seq == seq {
		s.ring[idx] = nil
		if rel > 0 {
			s.holeDetected = true
		}
	}
	for s.base != s.nextSeq {
		idx := int(s.base) % s.windowSize
		if s.ring[idx] != nil {
			break
		}
		s.base = seqnum.Add(s.base, 1)
	}
}

// SendQueuedMessages fills free window slots from the pending queue, then
// retransmits any stored slot whose resend delay has elapsed (or, if a
// hole was just detected, retransmits immediately).
func (s *ReliableSender) SendQueuedMessages(now float64, c Coalescer) {
	msgType, err := wire.UserMessageType(s.method, s.channel)
	if err != nil {
		return
	}

	for len(s.pending) > 0 && seqnum.Relative(s.nextSeq, s.base) < int32(s.windowSize) {
		item := s.pending[0]
		seq := s.nextSeq
		idx := int(seq) % s.windowSize
		msg := &storedMessage{seq: seq, payload: item.payload, fragment: item.fragment}
		s.ring[idx] = msg
		s.nextSeq = seqnum.Add(s.nextSeq, 1)
		s.pending = s.pending[1:]
		if c.Write(msgType, seq, msg.fragment, msg.payload) {
			msg.sentAt = now
			msg.sent = true
		}
	}

	cause := Delay
	if s.holeDetected {
		cause = HoleInSequence
		s.holeDetected = false
	}
	s.lastCause = cause

	delay := s.resendDelay()
	for i := 0; i < s.windowSize; i++ {
		msg := s.ring[i]
		if msg == nil {
			continue
		}
		due := !msg.sent || now-msg.sentAt > delay || cause == HoleInSequence
		if !due {
			continue
		}
		if !c.Write(msgType, msg.seq, msg.fragment, msg.payload) {
			break
		}
		if msg.sent {
			s.rec.Resend()
		}
		msg.sentAt = now
		msg.sent = true
	}
}

// LastResendCause reports why the most recent SendQueuedMessages call
// retransmitted stored messages, for tests and diagnostics.
func (s *ReliableSender) LastResendCause() ResendCause { return s.lastCause }

// InFlight reports how many messages are currently stored in the window,
// awaiting an ack.
func (s *ReliableSender) InFlight() int {
	n := 0
	for _, m := range s.ring {
		if m != nil {
			n++
		}
	}
	return n
}
