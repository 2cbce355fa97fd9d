// Package fragment implements the fragmentation/reassembly engine (spec.md
// §2 component D, §4.6): splitting oversize payloads into MTU-sized chunks
// on the sender side and reassembling them per (sender, group) on the
// receiver side.
package fragment

import (
	"sync"

	"github.com/gatekeep/tridentnet/pkg/clock"
	"github.com/gatekeep/tridentnet/pkg/seqnum"
	"github.com/gatekeep/tridentnet/pkg/wire"
)

// GroupAllocator hands out process-wide, monotonically increasing 16-bit
// fragment group ids, wrapping 65535 back to 1 (never 0) per spec
// invariant 4 and the resource-exhaustion handling of spec.md §7 kind 4.
type GroupAllocator struct {
	mu   sync.Mutex
	next uint16
}

// NewGroupAllocator returns an allocator that starts at group id 1.
func NewGroupAllocator() *GroupAllocator {
	return &GroupAllocator{next: 1}
}

// Next returns the next group id and advances the allocator.
func (a *GroupAllocator) Next() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	if a.next == 65535 {
		a.next = 1
	} else {
		a.next++
	}
	return id
}

// Chunk describes one fragment of a split message, ready to be wrapped in
// a Message envelope (with the fragment bit set) by the caller.
type Chunk struct {
	Group         uint16
	TotalBits     uint32
	ChunkByteSize uint16
	ChunkNumber   uint32
	Data          []byte
}

// EncodeChunkHeader writes the variable-length (group, totalBits,
// chunkByteSize, chunkNumber) tuple embedded at the start of a fragment's
// payload (spec.md §4.6).
func EncodeChunkHeader(buf *wire.Buffer, group uint16, totalBits uint32, chunkByteSize uint16, chunkNumber uint32) {
	buf.WriteVarUint(uint64(group))
	buf.WriteVarUint(uint64(totalBits))
	buf.WriteVarUint(uint64(chunkByteSize))
	buf.WriteVarUint(uint64(chunkNumber))
}

// DecodeChunkHeader reads the tuple EncodeChunkHeader wrote.
func DecodeChunkHeader(buf *wire.Buffer) (group uint16, totalBits uint32, chunkByteSize uint16, chunkNumber uint32, err error) {
	g, err := buf.ReadVarUint()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	tb, err := buf.ReadVarUint()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	cs, err := buf.ReadVarUint()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	cn, err := buf.ReadVarUint()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return uint16(g), uint32(tb), uint16(cs), uint32(cn), nil
}

// bestChunkSize returns the largest chunk payload size such that
// header + chunk <= mtu, for the given group and total payload size. The
// header size is computed against the worst-case (largest) field values
// that will actually appear for this split, so the bound is exact rather
// than a guess.
func bestChunkSize(group uint16, totalBytes int, mtu int) int {
	totalBits := uint32(totalBytes) * 8
	maxChunks := uint32(totalBytes)
	if maxChunks == 0 {
		maxChunks = 1
	}
	probe := wire.NewBuffer()
	EncodeChunkHeader(probe, group, totalBits, uint16(mtu), maxChunks)
	overhead := wire.HeaderSize + probe.ByteLength()
	size := mtu - overhead
	if size < 1 {
		size = 1
	}
	return size
}

// Split divides payload into as many chunks as bestChunkSize(mtu) requires.
// Every chunk carries the same group id and total-bit count; the caller is
// responsible for wrapping each Chunk in a Message with the fragment bit
// set and handing it to a sender channel.
func Split(group uint16, payload []byte, mtu int) []Chunk {
	chunkSize := bestChunkSize(group, len(payload), mtu)
	totalBits := uint32(len(payload)) * 8
	var chunks []Chunk
	for offset, i := 0, uint32(0); offset < len(payload); offset, i = offset+chunkSize, i+1 {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Chunk{
			Group:         group,
			TotalBits:     totalBits,
			ChunkByteSize: uint16(chunkSize),
			ChunkNumber:   i,
			Data:          payload[offset:end],
		})
	}
	if len(chunks) == 0 {
		chunks = append(chunks, Chunk{Group: group, TotalBits: 0, ChunkByteSize: uint16(chunkSize), ChunkNumber: 0, Data: nil})
	}
	return chunks
}

// record is one in-flight reassembly: the assembled buffer and the bit
// vector of chunks received so far, per spec.md §3's fragment-group table.
type record struct {
	buffer        []byte
	received      *seqnum.BitVector
	chunkByteSize uint16
	totalChunks   uint32
	lastTouchedAt float64
}

func totalChunksFor(totalBits uint32, chunkByteSize uint16) uint32 {
	totalBytes := (totalBits + 7) / 8
	if chunkByteSize == 0 {
		return 1
	}
	n := (totalBytes + uint32(chunkByteSize) - 1) / uint32(chunkByteSize)
	if n == 0 {
		n = 1
	}
	return n
}

// Key identifies one reassembly record by sender identity and group id.
type Key struct {
	Sender string
	Group  uint16
}

// Reassembler tracks in-flight fragment groups per sender and releases the
// assembled payload once every chunk has arrived (spec invariant 4). Each
// record carries an explicit TTL (the open-question recommendation in
// spec.md §9) so a lingering, never-completed group from a stale exchange
// cannot collide with group-id reuse after the 65535->1 wrap.
type Reassembler struct {
	mu      sync.Mutex
	records map[Key]*record
	ttl     float64
	clk     *clock.Source
}

// NewReassembler builds a Reassembler whose records expire after ttlSeconds
// of inactivity.
func NewReassembler(clk *clock.Source, ttlSeconds float64) *Reassembler {
	return &Reassembler{
		records: make(map[Key]*record),
		ttl:     ttlSeconds,
		clk:     clk,
	}
}

// Accept ingests one chunk. It returns the assembled payload and true once
// the group's bit vector popcount reaches totalChunks; otherwise it returns
// nil, false and the caller should wait for more chunks.
func (r *Reassembler) Accept(sender string, group uint16, totalBits uint32, chunkByteSize uint16, chunkNumber uint32, data []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{Sender: sender, Group: group}
	rec, ok := r.records[key]
	if !ok {
		totalBytes := (totalBits + 7) / 8
		totalChunks := totalChunksFor(totalBits, chunkByteSize)
		rec = &record{
			buffer:        make([]byte, totalBytes),
			received:      seqnum.NewBitVector(totalChunks),
			chunkByteSize: chunkByteSize,
			totalChunks:   totalChunks,
		}
		r.records[key] = rec
	}
	rec.lastTouchedAt = r.clk.Seconds()

	start := chunkNumber * uint32(rec.chunkByteSize)
	end := start + uint32(len(data))
	if int(end) > len(rec.buffer) {
		end = uint32(len(rec.buffer))
	}
	if int(start) < len(rec.buffer) {
		copy(rec.buffer[start:end], data)
	}
	rec.received.Set(chunkNumber, true)

	if rec.received.PopCount() == rec.totalChunks {
		delete(r.records, key)
		return rec.buffer, true
	}
	return nil, false
}

// ExpireStale drops any reassembly record that hasn't seen a chunk within
// the configured TTL, returning how many were dropped.
func (r *Reassembler) ExpireStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Seconds()
	dropped := 0
	for key, rec := range r.records {
		if now-rec.lastTouchedAt > r.ttl {
			delete(r.records, key)
			dropped++
		}
	}
	return dropped
}

// OpenGroups reports how many reassembly records are currently in flight,
// for the fragment_groups_open metric.
func (r *Reassembler) OpenGroups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
