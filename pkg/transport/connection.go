package transport

import (
	"bytes"
	"crypto/rand"
	"net"
	"sort"

	"github.com/gatekeep/tridentnet/internal/logging"
	"github.com/gatekeep/tridentnet/internal/metrics"
	"github.com/gatekeep/tridentnet/pkg/channel"
	"github.com/gatekeep/tridentnet/pkg/clock"
	"github.com/gatekeep/tridentnet/pkg/fragment"
	"github.com/gatekeep/tridentnet/pkg/handshake"
	"github.com/gatekeep/tridentnet/pkg/msgpool"
	"github.com/gatekeep/tridentnet/pkg/wire"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// maxHandshakeAttempts bounds the Connect/ConnectResponse retry loop
// (spec.md §4.3: "up to N attempts at a fixed interval").
const maxHandshakeAttempts = 5

// handshakeRetryInterval is the fixed retry interval for handshake
// messages.
const handshakeRetryInterval = 0.5

// Connection is the per-remote-endpoint state machine (spec.md §2
// component G): it owns one sender and one receiver channel per
// (deliveryMethod, channelIndex) pair actually used, the MTU prober, the
// RTT tracker, the outgoing/incoming ack queues, and (once negotiated) the
// key-agreement and cipher state.
type Connection struct {
	Remote   *net.UDPAddr
	LocalID  uint64
	RemoteID uint64
	State    State

	log *logging.Logger
	rec metrics.Recorder
	clk *clock.Source
	cfg Config

	mtuProber            *MTUProber
	pendingProbeDatagram []byte
	pendingProbeSize     int
	rtt                  RTTTracker
	offset               RTTTracker

	senders   map[byte]channel.Sender
	receivers map[byte]channel.Receiver

	pendingAcks []AckEntry

	timeoutDeadline   float64
	lastPing          float64
	lastHandshakeSend float64
	handshakeAttempts int

	reassembler *fragment.Reassembler
	groupAlloc  *fragment.GroupAllocator
	pool        *msgpool.Pool

	keyPair             handshake.KeyPair
	haveKeyPair         bool
	cipher              handshake.Cipher
	negotiateEncryption bool

	events  chan<- Event
	outbox  *datagramBuilder
	reason  string
	mask    EventMask

	// token disambiguates this handshake attempt in logs when a NAT
	// re-key makes two attempts briefly share a remote IP.
	token xid.ID
}

// connectionDeps bundles the shared, peer-owned collaborators every
// Connection needs, so NewConnection doesn't take a dozen positional
// arguments.
type connectionDeps struct {
	Log        *logging.Logger
	Rec        metrics.Recorder
	Clock      *clock.Source
	Config     Config
	GroupAlloc *fragment.GroupAllocator
	Pool       *msgpool.Pool
	Events     chan<- Event
}

func newConnection(remote *net.UDPAddr, localID uint64, d connectionDeps) *Connection {
	c := &Connection{
		Remote:              remote,
		LocalID:             localID,
		State:               None,
		log:                 d.Log.With(logging.Remote(remote.String())),
		rec:                 d.Rec,
		clk:                 d.Clock,
		cfg:                 d.Config,
		senders:             make(map[byte]channel.Sender),
		receivers:           make(map[byte]channel.Receiver),
		reassembler:         fragment.NewReassembler(d.Clock, d.Config.ConnectionTimeout.Seconds()),
		groupAlloc:          d.GroupAlloc,
		pool:                d.Pool,
		negotiateEncryption: d.Config.NegotiateEncryption,
		events:              d.Events,
		outbox:              newDatagramBuilder(d.Config.MaximumTransmissionUnit),
		mask:                d.Config.EnabledIncomingMessageTypes,
		token:               xid.New(),
	}
	return c
}

func (c *Connection) currentMTU() int {
	if c.mtuProber != nil {
		return c.mtuProber.CurrentMTU()
	}
	return c.cfg.MaximumTransmissionUnit
}

// RemoteTimeOffset is the smoothed estimate of (remote clock - local
// clock), seeded by the first Pong round trip (spec invariant 6).
func (c *Connection) RemoteTimeOffset() float64 { return c.offset.Average() }

func (c *Connection) setState(s State) {
	if c.State == s {
		return
	}
	c.State = s
	c.log.Debug("connection state changed", logging.Reason(s.String()))
	c.emit(Event{Kind: EventKindStatusChanged, Remote: c.Remote, RemoteID: c.RemoteID, State: s})
}

func (c *Connection) emit(ev Event) {
	if c.events == nil || !c.mask.Has(ev.Kind.mask()) {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("dropped event: inbound queue full", zap.Int("kind", int(ev.Kind)))
	}
}

// InitiateConnect transitions None -> InitiatedConnect and returns the
// Connect datagram to send.
func (c *Connection) InitiateConnect(now float64, hail []byte) []byte {
	c.setState(InitiatedConnect)
	c.timeoutDeadline = now + c.cfg.ConnectionTimeout.Seconds()
	c.lastHandshakeSend = now
	c.handshakeAttempts = 1
	return c.frameInternal(wire.MsgConnect, 0, encodeConnectBody(c.LocalID, hail))
}

// AcceptConnect transitions None -> RespondedConnect and returns the
// ConnectResponse datagram to send, after learning the initiator's
// advertised id.
func (c *Connection) AcceptConnect(now float64, remoteID uint64) []byte {
	c.RemoteID = remoteID
	c.setState(RespondedConnect)
	c.timeoutDeadline = now + c.cfg.ConnectionTimeout.Seconds()
	c.lastHandshakeSend = now
	c.handshakeAttempts = 1
	return c.frameInternal(wire.MsgConnectResponse, 0, encodeConnectBody(c.LocalID, nil))
}

func (c *Connection) frameInternal(msgType byte, seq uint16, payload []byte) []byte {
	builder := newDatagramBuilder(c.currentMTU())
	builder.Write(msgType, seq, false, payload)
	return builder.Take()
}

// Rekey replaces the remote endpoint, used when a handshake reply arrives
// from a different source port than the one a Connect was originally sent
// to (NAT rewrite, spec.md §4.3).
func (c *Connection) Rekey(remote *net.UDPAddr) {
	c.log.Info("rekeying connection to observed endpoint",
		logging.Remote(remote.String()), zap.String("handshake_token", c.token.String()))
	c.Remote = remote
	c.log = c.log.With(logging.Remote(remote.String()))
}

// Disconnect frames a Disconnect datagram and immediately transitions the
// connection to Disconnected, for peer-initiated or application-requested
// shutdown rather than a remote-initiated or timeout-driven one.
func (c *Connection) Disconnect(now float64, reason string) []byte {
	out := c.frameInternal(wire.MsgDisconnect, 0, encodeDisconnectBody(reason))
	c.reason = reason
	c.rec.ConnectionClosed()
	c.setState(Disconnected)
	return out
}

func (c *Connection) senderFor(method wire.DeliveryMethod, channelIndex int) (channel.Sender, byte, error) {
	msgType, err := wire.UserMessageType(method, channelIndex)
	if err != nil {
		return nil, 0, err
	}
	s, ok := c.senders[msgType]
	if !ok {
		s = channel.NewSender(method, channelIndex, c.rec)
		c.senders[msgType] = s
	}
	return s, msgType, nil
}

func (c *Connection) receiverFor(msgType byte, method wire.DeliveryMethod, channelIndex int) channel.Receiver {
	r, ok := c.receivers[msgType]
	if !ok {
		r = channel.NewReceiver(method)
		c.receivers[msgType] = r
		_ = channelIndex
	}
	return r
}

// EnqueueUser hands a payload to the sender channel for (method, channel),
// pre-fragmenting through pkg/fragment when it exceeds the current MTU.
func (c *Connection) EnqueueUser(payload []byte, method wire.DeliveryMethod, channelIndex int) channel.EnqueueResult {
	if !c.State.IsConnected() {
		return channel.FailedNotConnected
	}
	sender, _, err := c.senderFor(method, channelIndex)
	if err != nil {
		return channel.Dropped
	}
	mtu := c.currentMTU()
	if wire.HeaderSize+len(payload) <= mtu {
		return sender.Enqueue(payload, mtu)
	}

	fe, ok := sender.(channel.FragmentEnqueuer)
	if !ok {
		return channel.Dropped
	}
	group := c.groupAlloc.Next()

	// The payload is pooled for the duration of the split: each chunk
	// copies its slice out into its own wire buffer, then releases its
	// share, so the envelope recycles once the last chunk has been built
	// (spec invariant 7).
	m := c.pool.Get()
	m.Buffer.LoadBytes(payload)
	chunks := fragment.Split(group, m.Payload(), mtu)
	m.Retain(int32(len(chunks)))
	worst := channel.Queued
	for _, chunk := range chunks {
		w := wire.NewBuffer()
		fragment.EncodeChunkHeader(w, chunk.Group, chunk.TotalBits, chunk.ChunkByteSize, chunk.ChunkNumber)
		w.WriteBytes(chunk.Data, false)
		res := fe.EnqueueFragment(w.Bytes(), mtu)
		if res == channel.Dropped {
			worst = channel.Dropped
		}
		m.Release()
	}
	return worst
}

// Heartbeat performs one pass of spec.md §4.3's per-connection heartbeat
// and returns the datagram(s) to send this tick (nil if there's nothing to
// transmit). An MTU probe, when due, is returned as its own oversized
// datagram alongside the regular coalesced one, since probing a candidate
// MTU larger than the currently confirmed one is the entire point of the
// exercise (spec.md §4.5).
func (c *Connection) Heartbeat(now float64) [][]byte {
	if c.State == Disconnected {
		return nil
	}

	if now > c.timeoutDeadline {
		c.forceDisconnect("timed out")
		return [][]byte{c.frameInternal(wire.MsgDisconnect, 0, encodeDisconnectBody("timed out"))}
	}

	var datagrams [][]byte

	for n := c.reassembler.ExpireStale(); n > 0; n-- {
		c.rec.FragmentGroupClosed()
	}

	if (c.State == InitiatedConnect || c.State == RespondedConnect) && now-c.lastHandshakeSend > handshakeRetryInterval {
		if c.handshakeAttempts >= maxHandshakeAttempts {
			c.forceDisconnect("handshake timed out")
			return nil
		}
		c.handshakeAttempts++
		c.lastHandshakeSend = now
		if c.State == InitiatedConnect {
			c.outbox.Write(wire.MsgConnect, 0, false, encodeConnectBody(c.LocalID, nil))
		} else {
			c.outbox.Write(wire.MsgConnectResponse, 0, false, encodeConnectBody(c.LocalID, nil))
		}
	}

	if c.State.IsConnected() {
		if now-c.lastPing > c.cfg.PingInterval.Seconds() {
			c.lastPing = now
			c.outbox.Write(wire.MsgPing, 0, false, encodePingBody(now))
		}

		if c.mtuProber == nil {
			c.mtuProber = NewMTUProber(c.cfg.MaximumTransmissionUnit, c.cfg.AutoExpandMTU, c.cfg.ExpandMTUFrequency.Seconds(), c.cfg.ExpandMTUFailAttempts, now, c.rtt.Average())
		}
		if size, should := c.mtuProber.Heartbeat(now); should {
			dg := buildRawDatagram(wire.MsgExpandMTURequest, 0, false, encodeExpandMTURequest(size))
			c.pendingProbeDatagram = dg
			c.pendingProbeSize = size
			datagrams = append(datagrams, dg)
		}
	}

	if len(c.pendingAcks) > 0 {
		frames := packAcks(c.pendingAcks, c.currentMTU())
		c.pendingAcks = c.pendingAcks[:0]
		for _, frame := range frames {
			if !c.outbox.Write(wire.MsgAcknowledge, 0, false, frame) {
				c.log.Warn("ack frame dropped: datagram full")
			}
		}
	}

	// Drain reliable channels before unreliable ones so a full datagram
	// packs reliable traffic first (spec.md §4.3 step 6). Map iteration
	// order is randomized, so sort the message-type keys instead.
	senderKeys := make([]byte, 0, len(c.senders))
	for k := range c.senders {
		senderKeys = append(senderKeys, k)
	}
	sort.Slice(senderKeys, func(i, j int) bool {
		ri := senderKeys[i] <= wire.MsgUserReliableUnordered
		rj := senderKeys[j] <= wire.MsgUserReliableUnordered
		if ri != rj {
			return ri
		}
		return senderKeys[i] < senderKeys[j]
	})
	for _, k := range senderKeys {
		c.senders[k].SendQueuedMessages(now, c.outbox)
	}

	if c.outbox.Len() > 0 {
		datagrams = append(datagrams, c.outbox.Take())
	}
	for _, out := range datagrams {
		c.rec.PacketSent()
		c.rec.BytesSent(len(out))
	}
	return datagrams
}

func (c *Connection) forceDisconnect(reason string) {
	c.reason = reason
	c.rec.ConnectionClosed()
	c.setState(Disconnected)
	c.emit(Event{Kind: EventKindError, Remote: c.Remote, RemoteID: c.RemoteID, Err: wireErr(reason), Reason: reason})
}

// ReportSendError notifies the connection that dg, a datagram returned by
// a previous Heartbeat, failed to reach the wire (e.g. EMSGSIZE). Only the
// in-flight MTU probe datagram is tracked; any other send failure is
// ignored here since the network thread already retries on the next
// heartbeat (spec.md §4.5).
func (c *Connection) ReportSendError(dg []byte, sendErr error) {
	if c.mtuProber == nil || c.pendingProbeDatagram == nil {
		return
	}
	if !bytes.Equal(dg, c.pendingProbeDatagram) {
		return
	}
	c.log.Debug("mtu probe send failed", logging.Err(sendErr), zap.Int("attempt_size", c.pendingProbeSize))
	c.mtuProber.OnProbeFailed(c.pendingProbeSize)
	c.pendingProbeDatagram = nil
	c.pendingProbeSize = 0
}

// Receive parses and dispatches every message framed in one inbound
// datagram (spec.md §4.1: the receiver loops while remaining bytes are at
// least HeaderSize), returning a reply datagram when the dispatch
// generated one (e.g. a Pong, an ExpandMTUSuccess).
func (c *Connection) Receive(data []byte, now float64) []byte {
	c.rec.PacketReceived()
	c.rec.BytesReceived(len(data))
	c.timeoutDeadline = now + c.cfg.ConnectionTimeout.Seconds()

	reply := newDatagramBuilder(c.currentMTU())
	for len(data) >= wire.HeaderSize {
		header, err := wire.DecodeHeader(data)
		if err != nil {
			c.log.Warn("short header, dropping remainder of datagram")
			break
		}
		n := wire.PayloadByteLength(header.PayloadBits)
		data = data[wire.HeaderSize:]
		if n > len(data) {
			c.log.Warn("payload length beyond datagram, dropping remainder")
			c.rec.PacketDropped("truncated_payload")
			break
		}
		payload := data[:n]
		data = data[n:]
		c.dispatch(header, payload, now, reply)
	}
	if reply.Len() == 0 {
		return nil
	}
	return reply.Take()
}

func (c *Connection) dispatch(header wire.Header, payload []byte, now float64, reply *datagramBuilder) {
	if wire.IsInternal(header.MessageType) {
		c.dispatchInternal(header, payload, now, reply)
		return
	}
	c.dispatchUser(header, payload)
}

func (c *Connection) dispatchInternal(header wire.Header, payload []byte, now float64, reply *datagramBuilder) {
	switch header.MessageType {
	case wire.MsgConnect:
		body, err := decodeConnectBody(payload)
		if err != nil {
			c.log.Warn("malformed Connect body", logging.Err(err))
			return
		}
		if c.State == None {
			reply.Write(wire.MsgConnectResponse, 0, false, encodeConnectBody(c.LocalID, nil))
		}
		c.RemoteID = body.PeerID
	case wire.MsgConnectResponse:
		if c.State != InitiatedConnect {
			return
		}
		body, err := decodeConnectBody(payload)
		if err != nil {
			c.log.Warn("malformed ConnectResponse body", logging.Err(err))
			return
		}
		c.RemoteID = body.PeerID
		c.setState(Connected)
		c.rec.ConnectionOpened()
		reply.Write(wire.MsgConnectionEstablished, 0, false, nil)
	case wire.MsgConnectionEstablished:
		if c.State != RespondedConnect {
			return
		}
		c.setState(Connected)
		c.rec.ConnectionOpened()
		if c.negotiateEncryption {
			c.beginKeyAgreement(reply)
		}
	case wire.MsgDisconnect:
		reason, _ := decodeDisconnectBody(payload)
		c.reason = reason
		c.rec.ConnectionClosed()
		c.setState(Disconnected)
	case wire.MsgAcknowledge:
		for _, entry := range unpackAcks(payload) {
			if s, ok := c.senders[entry.MessageType]; ok {
				if rs, ok := s.(*channel.ReliableSender); ok {
					rs.HandleAck(entry.Sequence)
				}
			}
		}
	case wire.MsgPing:
		sentAt, err := decodePingBody(payload)
		if err != nil {
			return
		}
		reply.Write(wire.MsgPong, 0, false, encodePongBody(sentAt, now))
	case wire.MsgPong:
		sentAt, remoteNow, err := decodePongBody(payload)
		if err != nil {
			return
		}
		sample := now - sentAt
		if sample < 0 {
			return
		}
		c.rtt.Observe(sample)
		c.rec.RTTObserved(sample)
		c.offset.Observe(remoteNow - (sentAt + sample/2))
		for _, s := range c.senders {
			if rs, ok := s.(*channel.ReliableSender); ok {
				rs.UpdateRTT(c.rtt.Average())
			}
		}
		c.emit(Event{Kind: EventKindConnectionLatencyUpdated, Remote: c.Remote, RemoteID: c.RemoteID, RTT: c.rtt.Average()})
	case wire.MsgExpandMTURequest:
		reply.Write(wire.MsgExpandMTUSuccess, 0, false, encodeExpandMTUSuccess(wire.HeaderSize+len(payload)))
	case wire.MsgExpandMTUSuccess:
		size, err := decodeExpandMTUSuccess(payload)
		if err != nil || c.mtuProber == nil {
			return
		}
		c.mtuProber.OnExpandMTUSuccess(size)
		c.pendingProbeDatagram = nil
		c.pendingProbeSize = 0
	case wire.MsgDiffieHellmanRequest:
		c.handleDHRequest(payload, reply)
	case wire.MsgDiffieHellmanResponse:
		c.handleDHResponse(payload)
	default:
		c.log.Warn("unknown internal message type", logging.MsgType(header.MessageType))
		c.rec.PacketDropped("unknown_internal_type")
	}
}

func (c *Connection) beginKeyAgreement(out *datagramBuilder) {
	kp, err := handshake.Generate(rand.Reader)
	if err != nil {
		c.log.Error("failed to generate DH keypair", logging.Err(err))
		return
	}
	c.keyPair = kp
	c.haveKeyPair = true
	buf := wire.NewBuffer()
	handshake.EncodeMessage(buf, kp.PublicValue())
	out.Write(wire.MsgDiffieHellmanRequest, 0, false, buf.Bytes())
}

func (c *Connection) handleDHRequest(payload []byte, reply *datagramBuilder) {
	buf := wire.NewBufferFromBytes(payload, len(payload)*8)
	peerPublic, err := handshake.DecodeMessage(buf)
	if err != nil {
		c.log.Warn("cryptographic failure: bad DiffieHellmanRequest", logging.Err(err))
		return
	}
	kp, err := handshake.Generate(rand.Reader)
	if err != nil {
		c.log.Error("failed to generate DH keypair", logging.Err(err))
		return
	}
	secret := kp.SharedSecret(peerPublic)
	c.installCipher(secret)
	c.setState(ConnectedSecured)

	out := wire.NewBuffer()
	handshake.EncodeMessage(out, kp.PublicValue())
	reply.Write(wire.MsgDiffieHellmanResponse, 0, false, out.Bytes())
}

func (c *Connection) handleDHResponse(payload []byte) {
	if !c.haveKeyPair {
		c.log.Warn("cryptographic failure: DiffieHellmanResponse with no pending request")
		return
	}
	buf := wire.NewBufferFromBytes(payload, len(payload)*8)
	peerPublic, err := handshake.DecodeMessage(buf)
	if err != nil {
		c.log.Warn("cryptographic failure: bad DiffieHellmanResponse", logging.Err(err))
		return
	}
	secret := c.keyPair.SharedSecret(peerPublic)
	c.installCipher(secret)
	c.setState(ConnectedSecured)
}

// installCipher receives the derived shared secret and discards it: this
// module ships no concrete cipher (out of scope), so the connection
// proceeds in ConnectedSecured with plaintext payloads.
func (c *Connection) installCipher(sharedSecret []byte) {
	_ = sharedSecret
}

// SetCipher stores an application-supplied Cipher on the connection. The
// stored cipher is not applied: outbound and inbound user payloads are sent
// and delivered as plaintext whether or not one is set.
func (c *Connection) SetCipher(cipher handshake.Cipher) { c.cipher = cipher }

func (c *Connection) dispatchUser(header wire.Header, payload []byte) {
	method, channelIndex, ok := wire.DecodeUserMessageType(header.MessageType)
	if !ok {
		c.log.Warn("unknown user message type", logging.MsgType(header.MessageType))
		c.rec.PacketDropped("unknown_user_type")
		return
	}
	receiver := c.receiverFor(header.MessageType, method, channelIndex)

	m := c.pool.Get()
	m.Buffer.LoadBytes(payload)
	m.MessageType = header.MessageType
	m.Sequence = header.Sequence
	m.Fragment = header.Fragment
	m.SenderAddr = c.Remote

	deliver, ack := receiver.Receive(m)
	if ack {
		c.pendingAcks = append(c.pendingAcks, AckEntry{MessageType: header.MessageType, Sequence: header.Sequence})
	}
	for _, dm := range deliver {
		c.deliverOrReassemble(dm, method, channelIndex)
	}
}

func (c *Connection) deliverOrReassemble(dm *msgpool.Message, method wire.DeliveryMethod, channelIndex int) {
	if !dm.Fragment {
		c.emit(Event{Kind: EventKindData, Remote: c.Remote, RemoteID: c.RemoteID, Method: method, Channel: channelIndex, Payload: append([]byte(nil), dm.Payload()...)})
		dm.Release()
		return
	}
	group, totalBits, chunkByteSize, chunkNumber, err := fragment.DecodeChunkHeader(dm.Buffer)
	if err != nil {
		c.log.Warn("malformed fragment header", logging.Err(err))
		dm.Release()
		return
	}
	chunkData, err := dm.Buffer.ReadBytes(dm.Buffer.Remaining()/8, false)
	if err != nil {
		c.log.Warn("malformed fragment chunk", logging.Err(err))
		dm.Release()
		return
	}
	before := c.reassembler.OpenGroups()
	assembled, done := c.reassembler.Accept(c.Remote.String(), group, totalBits, chunkByteSize, chunkNumber, chunkData)
	dm.Release()
	after := c.reassembler.OpenGroups()
	if after > before {
		c.rec.FragmentGroupOpened()
	}
	if !done {
		return
	}
	if after < before {
		c.rec.FragmentGroupClosed()
	}
	c.emit(Event{Kind: EventKindData, Remote: c.Remote, RemoteID: c.RemoteID, Method: method, Channel: channelIndex, Payload: assembled})
}
