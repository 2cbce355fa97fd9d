package transport

import (
	"net"
	"testing"
	"time"

	"github.com/gatekeep/tridentnet/internal/logging"
	"github.com/gatekeep/tridentnet/internal/metrics"
	"github.com/gatekeep/tridentnet/pkg/channel"
	"github.com/gatekeep/tridentnet/pkg/clock"
	"github.com/gatekeep/tridentnet/pkg/fragment"
	"github.com/gatekeep/tridentnet/pkg/msgpool"
	"github.com/gatekeep/tridentnet/pkg/wire"
	"github.com/stretchr/testify/require"
)

func testDeps(clk *clock.Source) (connectionDeps, chan Event) {
	cfg := DefaultConfig()
	cfg.MaximumTransmissionUnit = 1200
	events := make(chan Event, 64)
	return connectionDeps{
		Log:        logging.Noop(),
		Rec:        metrics.Noop{},
		Clock:      clk,
		Config:     cfg,
		GroupAlloc: fragment.NewGroupAllocator(),
		Pool:       msgpool.NewPool(64, true),
		Events:     events,
	}, events
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

// establish drives both sides of a Connect/ConnectResponse/
// ConnectionEstablished handshake to completion, mirroring how Peer wires
// the initial Connect through AcceptConnect (not Receive) before any
// datagram-level dispatch takes over.
func establish(t *testing.T, initiator, responder *Connection, now float64) {
	t.Helper()
	out := initiator.InitiateConnect(now, []byte("hail"))

	header, err := wire.DecodeHeader(out)
	require.NoError(t, err)
	body, err := decodeConnectBody(out[wire.HeaderSize:])
	require.NoError(t, err)
	require.Equal(t, wire.MsgConnect, header.MessageType)

	reply := responder.AcceptConnect(now, body.PeerID)
	require.NotNil(t, reply)
	reply2 := initiator.Receive(reply, now)
	require.NotNil(t, reply2)
	reply3 := responder.Receive(reply2, now)
	require.Nil(t, reply3)

	require.Equal(t, Connected, initiator.State)
	require.Equal(t, Connected, responder.State)
	require.Equal(t, responder.LocalID, initiator.RemoteID)
	require.Equal(t, initiator.LocalID, responder.RemoteID)
}

func TestHandshakeReachesConnected(t *testing.T) {
	clk, _ := clock.NewMock()
	depsA, _ := testDeps(clk)
	depsB, _ := testDeps(clk)
	a := newConnection(udpAddr(t, "127.0.0.1:1"), 111, depsA)
	b := newConnection(udpAddr(t, "127.0.0.1:2"), 222, depsB)
	establish(t, a, b, 0)
}

func TestReliableOrderedDeliveryRoundTrip(t *testing.T) {
	clk, _ := clock.NewMock()
	depsA, _ := testDeps(clk)
	depsB, eventsB := testDeps(clk)
	a := newConnection(udpAddr(t, "127.0.0.1:1"), 111, depsA)
	b := newConnection(udpAddr(t, "127.0.0.1:2"), 222, depsB)
	establish(t, a, b, 0)
	drainEvents(t, eventsB) // discard the handshake's StatusChanged events

	res := a.EnqueueUser([]byte("hello"), wire.ReliableOrdered, 0)
	require.Equal(t, channel.Queued, res)

	for _, dg := range a.Heartbeat(1) {
		reply := b.Receive(dg, 1)
		if reply != nil {
			a.Receive(reply, 1)
		}
	}

	events := drainEvents(t, eventsB)
	require.Len(t, events, 1)
	require.Equal(t, EventKindData, events[0].Kind)
	require.Equal(t, []byte("hello"), events[0].Payload)
	require.Equal(t, wire.ReliableOrdered, events[0].Method)
}

func TestEnqueueBeforeConnectedFails(t *testing.T) {
	clk, _ := clock.NewMock()
	deps, _ := testDeps(clk)
	a := newConnection(udpAddr(t, "127.0.0.1:1"), 111, deps)
	res := a.EnqueueUser([]byte("too soon"), wire.ReliableOrdered, 0)
	require.Equal(t, channel.FailedNotConnected, res)
}

func TestHeartbeatTimesOutBeforeHandshakeCompletes(t *testing.T) {
	clk, _ := clock.NewMock()
	deps, _ := testDeps(clk)
	deps.Config.ConnectionTimeout = time.Microsecond
	a := newConnection(udpAddr(t, "127.0.0.1:1"), 111, deps)
	a.InitiateConnect(0, nil)

	dgs := a.Heartbeat(10)
	require.Equal(t, Disconnected, a.State)
	require.Len(t, dgs, 1)
}

func TestDisconnectFramesAndTransitions(t *testing.T) {
	clk, _ := clock.NewMock()
	depsA, _ := testDeps(clk)
	depsB, _ := testDeps(clk)
	a := newConnection(udpAddr(t, "127.0.0.1:1"), 111, depsA)
	b := newConnection(udpAddr(t, "127.0.0.1:2"), 222, depsB)
	establish(t, a, b, 0)

	out := a.Disconnect(1, "bye")
	require.Equal(t, Disconnected, a.State)
	b.Receive(out, 1)
	require.Equal(t, Disconnected, b.State)
	require.Equal(t, "bye", b.reason)
}

func drainEvents(t *testing.T, events chan Event) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}
