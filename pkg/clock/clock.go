// Package clock provides the transport core's time source: high-resolution
// monotonic seconds as a float64 elapsed since the peer started, never wall
// clock (spec.md §9 design note). It wraps benbjohnson/clock so tests can
// simulate heartbeats, resend timers and MTU-probe bisection without
// sleeping real time.
package clock

import "github.com/benbjohnson/clock"

// Source is a monotonic seconds-since-epoch clock built on a
// benbjohnson/clock.Clock, which also supplies Timer/Ticker/Sleep/After for
// the peer runtime's heartbeat loop.
type Source struct {
	clock.Clock
	start int64
}

// New wraps an existing benbjohnson/clock.Clock (real or mock), fixing the
// epoch at construction time.
func New(c clock.Clock) *Source {
	return &Source{Clock: c, start: c.Now().UnixNano()}
}

// NewReal returns a Source backed by the real wall/monotonic clock.
func NewReal() *Source { return New(clock.New()) }

// NewMock returns a Source backed by a benbjohnson/clock.Mock the caller
// can advance deterministically, plus the Mock itself for that purpose.
func NewMock() (*Source, *clock.Mock) {
	m := clock.NewMock()
	return New(m), m
}

// Seconds returns elapsed time since the Source was constructed, as a
// monotonic float64 count of seconds. This is the "now" value threaded
// through every heartbeat, resend-delay and RTT calculation in the
// transport core.
func (s *Source) Seconds() float64 {
	return float64(s.Clock.Now().UnixNano()-s.start) / 1e9
}
