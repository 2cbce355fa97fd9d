// Package msgpool defines the Message envelope exchanged between every
// other transport-core package, and the pool that recycles its buffers to
// limit per-datagram allocations (spec.md §2 component C).
package msgpool

import (
	"net"
	"sync"

	"github.com/gatekeep/tridentnet/pkg/wire"
)

// Message is an outgoing or incoming payload envelope. The same struct
// serves both directions; fields that only apply to one side are simply
// left at their zero value on the other.
type Message struct {
	Buffer *wire.Buffer

	MessageType byte
	Sequence    uint16
	Fragment    bool

	// Fragmentation descriptor, valid only when Fragment is true.
	FragGroup         uint16
	FragTotalBits      uint32
	FragChunkByteSize uint16
	FragChunkNumber   uint32

	// Incoming-only.
	SenderAddr *net.UDPAddr

	// Outbound recycling refcount (spec invariant 7): when a payload is
	// split into fragment chunks, the envelope holding the original
	// payload is retained once per chunk and recycled once every chunk
	// has copied its slice out.
	refcount int32

	pool     *Pool
	recycled bool
}

// Payload returns the raw payload bytes currently held by the message.
func (m *Message) Payload() []byte { return m.Buffer.Bytes() }

// Retain sets the outbound recycling refcount. Called once by the sender
// channel or fragmentation engine before a message is handed to more than
// one recipient path.
func (m *Message) Retain(n int32) { m.refcount = n }

// Release decrements the refcount and returns the envelope to its pool
// once it reaches zero. Releasing an already-recycled message is a no-op
// (asserted behavior per spec.md §8, not a bug) so double-release bugs in
// caller code degrade silently instead of corrupting the pool's free list.
func (m *Message) Release() {
	if m.recycled {
		return
	}
	m.refcount--
	if m.refcount > 0 {
		return
	}
	m.recycled = true
	if m.pool != nil {
		m.pool.put(m)
	}
}

func (m *Message) reset() {
	m.Buffer.Reset()
	m.MessageType = 0
	m.Sequence = 0
	m.Fragment = false
	m.FragGroup = 0
	m.FragTotalBits = 0
	m.FragChunkByteSize = 0
	m.FragChunkNumber = 0
	m.SenderAddr = nil
	m.refcount = 0
	m.recycled = false
}

// Pool recycles Message envelopes (and their backing Buffers) up to a
// configurable maximum slot count. Beyond that count, Get falls back to
// plain allocation and Put simply drops the envelope for the GC to reclaim
// (spec.md §7 resource-exhaustion kind 4: pool over-capacity falls back to
// GC rather than erroring).
type Pool struct {
	mu           sync.Mutex
	free         []*Message
	maxSlots     int
	useRecycling bool
}

// NewPool builds a pool. When useRecycling is false, Get always allocates
// and Put always discards, matching configuration option
// UseMessageRecycling=false.
func NewPool(maxSlots int, useRecycling bool) *Pool {
	return &Pool{maxSlots: maxSlots, useRecycling: useRecycling}
}

// Get returns a clean Message, reused from the free list when available.
func (p *Pool) Get() *Message {
	if p.useRecycling {
		p.mu.Lock()
		if n := len(p.free); n > 0 {
			m := p.free[n-1]
			p.free = p.free[:n-1]
			p.mu.Unlock()
			m.recycled = false
			return m
		}
		p.mu.Unlock()
	}
	return &Message{Buffer: wire.NewBuffer(), pool: p, refcount: 1}
}

func (p *Pool) put(m *Message) {
	if !p.useRecycling {
		return
	}
	m.reset()
	// Stay marked as recycled while idle so a second Release is a no-op
	// until Get hands the envelope out again.
	m.recycled = true
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.maxSlots {
		return // over capacity: let the GC reclaim it
	}
	p.free = append(p.free, m)
}

// Len reports how many envelopes are currently idle in the free list, for
// tests and statistics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
