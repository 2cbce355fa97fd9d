// Package discovery implements the broadcast request/response peer-census
// protocol (spec.md §2 component J): an application-opaque payload carried
// over Discovery/DiscoveryResponse and the unconnected ping/pong census
// path SPEC_FULL.md wires onto the teacher's unused ID_UNCONNECTED_PING
// packet IDs. The transport treats the payload as opaque bytes throughout
// (spec.md §9 open question #1); this package only adds the bookkeeping an
// application needs to correlate responses from a sweep.
package discovery

import (
	"sync"

	"github.com/google/uuid"
)

// Responder answers an inbound discovery probe with this peer's own census
// payload. Marshaling that payload is entirely the application's concern.
type Responder interface {
	Respond() []byte
}

// ResponderFunc adapts a plain function to Responder.
type ResponderFunc func() []byte

// Respond implements Responder.
func (f ResponderFunc) Respond() []byte { return f() }

// Record is one census entry collected from a DiscoveryResponse or
// unconnected pong. ID labels the observation itself (not the remote peer)
// so a collector can tell repeated responses from the same sweep apart
// from a genuinely fresh one even when the opaque payload is identical.
type Record struct {
	ID       uuid.UUID
	Remote   string
	Payload  []byte
	Observed float64
}

// NewRecord stamps a freshly observed response with a new label. now is
// the observing peer's monotonic clock reading, not wall time.
func NewRecord(remote string, payload []byte, now float64) Record {
	return Record{
		ID:       uuid.New(),
		Remote:   remote,
		Payload:  append([]byte(nil), payload...),
		Observed: now,
	}
}

// Collector accumulates Records from a discovery sweep, keyed by remote
// endpoint so repeated responses overwrite rather than accumulate without
// bound.
type Collector struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{records: make(map[string]Record)}
}

// Observe records a response, replacing any prior observation from the
// same remote endpoint.
func (c *Collector) Observe(remote string, payload []byte, now float64) Record {
	rec := NewRecord(remote, payload, now)
	c.mu.Lock()
	c.records[remote] = rec
	c.mu.Unlock()
	return rec
}

// Records returns a snapshot of every endpoint currently in the census.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	return out
}

// Len reports how many distinct endpoints have responded so far.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
