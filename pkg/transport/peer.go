package transport

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/gatekeep/tridentnet/internal/logging"
	"github.com/gatekeep/tridentnet/internal/metrics"
	"github.com/gatekeep/tridentnet/pkg/channel"
	"github.com/gatekeep/tridentnet/pkg/clock"
	"github.com/gatekeep/tridentnet/pkg/discovery"
	"github.com/gatekeep/tridentnet/pkg/fragment"
	"github.com/gatekeep/tridentnet/pkg/msgpool"
	"github.com/gatekeep/tridentnet/pkg/wire"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// shutdownGrace is how long Stop lets the socket drain outgoing Disconnect
// datagrams before it is closed (spec.md §5).
const shutdownGrace = 2 * time.Second

// pollTimeout is the network thread's socket poll interval (spec.md §4.7:
// "non-blocking mode with a 1ms poll").
const pollTimeout = time.Millisecond

var (
	ErrPeerClosed        = errors.New("transport: peer closed")
	ErrAlreadyConnecting = errors.New("transport: already connecting to this endpoint")
)

// Peer is the process-wide transport instance (spec.md §2 component H): it
// owns the UDP socket, a single network-thread goroutine that performs all
// socket I/O, channel bookkeeping, heartbeats and fragment reassembly, and
// the connection/handshake tables that goroutine exclusively mutates.
// Application goroutines only ever touch Peer through its thread-safe
// request channels and the Events() stream (spec.md §5).
type Peer struct {
	cfg        Config
	log        *logging.Logger
	rec        metrics.Recorder
	collectors *metrics.Collectors
	clk        *clock.Source
	pool       *msgpool.Pool
	groupAlloc *fragment.GroupAllocator
	localID    uint64

	conn *net.UDPConn

	// connections, byID and handshakesByIP are mutated exclusively by the
	// network thread (run); nothing else ever touches them (spec.md §5:
	// application goroutines only reach the peer through the request
	// channels below and Events()).
	connections    map[string]*Connection // keyed by current Remote.String()
	byID           map[uint64]*Connection
	handshakesByIP map[string]*Connection // pending (not yet IsConnected), keyed by IP only

	events chan Event

	connectCh     chan connectRequest
	sendCh        chan sendRequest
	disconnectCh  chan disconnectRequest
	unconnectedCh chan unconnectedSend

	discovery discovery.Responder

	closeMu sync.Mutex
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

type connectRequest struct {
	addr   *net.UDPAddr
	hail   []byte
	result chan error
}

type sendRequest struct {
	targetID uint64
	payload  []byte
	method   wire.DeliveryMethod
	channel  int
	result   chan channel.EnqueueResult
}

type disconnectRequest struct {
	targetID uint64
	reason   string
}

type unconnectedSend struct {
	addr    *net.UDPAddr
	msgType byte
	payload []byte
}

func (u unconnectedSend) frame() []byte {
	return buildRawDatagram(u.msgType, 0, false, u.payload)
}

// NewPeer builds a Peer against cfg, registering its Prometheus collectors
// on reg (pass prometheus.NewRegistry() to avoid colliding with another
// peer in the same process). The socket is not bound until Listen.
func NewPeer(cfg Config, log *logging.Logger, reg prometheus.Registerer) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	collectors := metrics.NewCollectors(reg, "tridentnet")
	return newPeer(cfg, log, collectors, clock.NewReal()), nil
}

func newPeer(cfg Config, log *logging.Logger, collectors *metrics.Collectors, clk *clock.Source) *Peer {
	return &Peer{
		cfg:            cfg,
		log:            log,
		rec:            collectors,
		collectors:     collectors,
		clk:            clk,
		pool:           msgpool.NewPool(cfg.RecycledCacheMaxCount, cfg.UseMessageRecycling),
		groupAlloc:     fragment.NewGroupAllocator(),
		connections:    make(map[string]*Connection),
		byID:           make(map[uint64]*Connection),
		handshakesByIP: make(map[string]*Connection),
		events:         make(chan Event, 256),
		connectCh:      make(chan connectRequest, 16),
		sendCh:         make(chan sendRequest, 64),
		disconnectCh:   make(chan disconnectRequest, 16),
		unconnectedCh:  make(chan unconnectedSend, 64),
		closing:        make(chan struct{}),
	}
}

// Listen binds the UDP socket and starts the network thread.
func (p *Peer) Listen() error {
	addr := &net.UDPAddr{IP: net.ParseIP(p.cfg.LocalAddress), Port: p.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: bind failed: %w", err)
	}
	if err := setReuseAddr(conn); err != nil {
		p.log.Warn("SO_REUSEADDR not set", logging.Err(err))
	}
	if err := disableICMPPortUnreachable(conn); err != nil {
		p.log.Warn("could not disable ICMP port-unreachable reporting", logging.Err(err))
	}
	if err := conn.SetReadBuffer(p.cfg.ReceiveBufferSize); err != nil {
		p.log.Warn("could not set receive buffer size", logging.Err(err))
	}
	if err := conn.SetWriteBuffer(p.cfg.SendBufferSize); err != nil {
		p.log.Warn("could not set send buffer size", logging.Err(err))
	}

	p.conn = conn
	p.localID = localUniqueID(conn.LocalAddr().String())
	p.log = p.log.With(logging.Peer(p.localID))
	p.log.Info("peer listening", logging.Remote(conn.LocalAddr().String()))

	p.wg.Add(1)
	go p.run()
	return nil
}

// LocalID returns this peer's derived 64-bit identity.
func (p *Peer) LocalID() uint64 { return p.localID }

// Events returns the channel the application drains released messages,
// status changes and errors from.
func (p *Peer) Events() <-chan Event { return p.events }

// SetDiscoveryResponder installs the handler that answers inbound
// Discovery and unconnected-ping census probes.
func (p *Peer) SetDiscoveryResponder(r discovery.Responder) { p.discovery = r }

// Connect initiates a handshake to addr. A nil hail is replaced with a
// fresh UUID nonce, matching the teacher/pack convention of stamping
// handshake attempts with a traceable identifier. It blocks until the
// network thread has sent the initial Connect datagram (not until the
// handshake completes; watch Events() for StatusChanged).
func (p *Peer) Connect(addr *net.UDPAddr, hail []byte) error {
	if hail == nil {
		nonce := uuid.New()
		hail = nonce[:]
	}
	req := connectRequest{addr: addr, hail: hail, result: make(chan error, 1)}
	select {
	case p.connectCh <- req:
	case <-p.closing:
		return ErrPeerClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-p.closing:
		return ErrPeerClosed
	}
}

// SendMessage enqueues payload for delivery to remoteID over the given
// channel, deferring actual transmission to the next heartbeat unless
// AutoFlushSendQueue nudges it immediately (spec.md §4.7).
func (p *Peer) SendMessage(remoteID uint64, payload []byte, method wire.DeliveryMethod, channelIndex int) (channel.EnqueueResult, error) {
	req := sendRequest{targetID: remoteID, payload: payload, method: method, channel: channelIndex, result: make(chan channel.EnqueueResult, 1)}
	select {
	case p.sendCh <- req:
	case <-p.closing:
		return channel.FailedNotConnected, ErrPeerClosed
	}
	select {
	case res := <-req.result:
		return res, nil
	case <-p.closing:
		return channel.FailedNotConnected, ErrPeerClosed
	}
}

// Disconnect asks the network thread to close the connection to remoteID
// with the given reason. It does not block on completion.
func (p *Peer) Disconnect(remoteID uint64, reason string) {
	select {
	case p.disconnectCh <- disconnectRequest{targetID: remoteID, reason: reason}:
	case <-p.closing:
	}
}

// SendUnconnected broadcasts an opaque Discovery probe to addr without
// establishing a connection.
func (p *Peer) SendUnconnected(addr *net.UDPAddr, payload []byte) {
	select {
	case p.unconnectedCh <- unconnectedSend{addr: addr, msgType: wire.MsgDiscovery, payload: payload}:
	case <-p.closing:
	}
}

// Discover sends a bare unconnected ping for census purposes; the
// response payload is whatever the remote's discovery.Responder supplies.
func (p *Peer) Discover(addr *net.UDPAddr) {
	select {
	case p.unconnectedCh <- unconnectedSend{addr: addr, msgType: wire.MsgUnconnectedPing}:
	case <-p.closing:
	}
}

// Stats returns a point-in-time snapshot of this peer's counters.
func (p *Peer) Stats() metrics.Snapshot {
	if p.collectors == nil {
		return metrics.Snapshot{}
	}
	return p.collectors.Snapshot()
}

// Stop signals the network thread to shut down, waits for every
// connection to emit a final Disconnect and the shutdown grace period to
// elapse, then closes the socket.
func (p *Peer) Stop() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()
	close(p.closing)
	p.wg.Wait()
}

func (p *Peer) connectionDeps() connectionDeps {
	return connectionDeps{
		Log:        p.log,
		Rec:        p.rec,
		Clock:      p.clk,
		Config:     p.cfg,
		GroupAlloc: p.groupAlloc,
		Pool:       p.pool,
		Events:     p.events,
	}
}

// run is the network thread: the sole goroutine that touches p.conn,
// every Connection's state, and the connection/handshake tables (spec.md
// §5). Everything else reaches it through the request channels.
func (p *Peer) run() {
	defer p.wg.Done()
	buf := make([]byte, maxWireMTU+wire.HeaderSize)
	lastHeartbeat := p.clk.Seconds()

	for {
		select {
		case <-p.closing:
			p.shutdown()
			return
		default:
		}

		now := p.clk.Seconds()
		heartbeatPeriod := 1.0 / math.Max(1250-float64(len(p.connections)), 250)
		if now-lastHeartbeat > heartbeatPeriod {
			lastHeartbeat = now
			p.heartbeatAll(now)
		}

		p.drainRequests(now)

		_ = p.conn.SetReadDeadline(time.Now().Add(pollTimeout))
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Treat any other read error, including an ICMP
			// port-unreachable surfaced as ECONNREFUSED on some
			// platforms, as a connection-reset datagram to drop
			// (spec.md §7 kind 3): never extrapolate it into
			// terminating a connection or the peer.
			p.rec.PacketDropped("socket_read_error")
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		p.handleDatagram(data, addr, now)
	}
}

func (p *Peer) drainRequests(now float64) {
	for {
		select {
		case req := <-p.connectCh:
			p.handleConnectRequest(req, now)
		case req := <-p.sendCh:
			p.handleSendRequest(req, now)
		case req := <-p.disconnectCh:
			p.handleDisconnectRequest(req, now)
		default:
			return
		}
	}
}

func (p *Peer) handleConnectRequest(req connectRequest, now float64) {
	if _, ok := p.connections[req.addr.String()]; ok {
		req.result <- ErrAlreadyConnecting
		return
	}
	c := newConnection(req.addr, p.localID, p.connectionDeps())
	out := c.InitiateConnect(now, req.hail)
	p.connections[req.addr.String()] = c
	p.handshakesByIP[req.addr.IP.String()] = c

	_, err := p.conn.WriteToUDP(out, req.addr)
	req.result <- err
}

func (p *Peer) handleSendRequest(req sendRequest, now float64) {
	c, ok := p.byID[req.targetID]
	if !ok {
		req.result <- channel.FailedNotConnected
		return
	}
	res := c.EnqueueUser(req.payload, req.method, req.channel)
	if p.cfg.AutoFlushSendQueue {
		p.flushConnection(c, now)
	}
	req.result <- res
}

func (p *Peer) handleDisconnectRequest(req disconnectRequest, now float64) {
	c, ok := p.byID[req.targetID]
	if !ok {
		return
	}
	out := c.Disconnect(now, req.reason)
	_, _ = p.conn.WriteToUDP(out, c.Remote)
}

func (p *Peer) flushConnection(c *Connection, now float64) {
	for _, dg := range c.Heartbeat(now) {
		if _, err := p.conn.WriteToUDP(dg, c.Remote); err != nil {
			c.ReportSendError(dg, err)
		}
	}
}

// heartbeatAll drains handshakes, heartbeats every connection, removes
// connections that reached Disconnected, and drains the unsent-unconnected
// queue (spec.md §4.7 step 1).
func (p *Peer) heartbeatAll(now float64) {
	for ip, c := range p.handshakesByIP {
		if c.State.IsConnected() {
			delete(p.handshakesByIP, ip)
		}
	}

	for addr, c := range p.connections {
		for _, dg := range c.Heartbeat(now) {
			if _, err := p.conn.WriteToUDP(dg, c.Remote); err != nil {
				c.ReportSendError(dg, err)
			}
		}
		if c.State == Disconnected {
			delete(p.connections, addr)
			delete(p.byID, c.RemoteID)
			delete(p.handshakesByIP, c.Remote.IP.String())
		}
	}

drainUnconnected:
	for {
		select {
		case u := <-p.unconnectedCh:
			_, _ = p.conn.WriteToUDP(u.frame(), u.addr)
		default:
			break drainUnconnected
		}
	}
}

func (p *Peer) shutdown() {
	now := p.clk.Seconds()
	for _, c := range p.connections {
		out := c.Disconnect(now, "peer shutting down")
		_, _ = p.conn.WriteToUDP(out, c.Remote)
	}

	time.Sleep(shutdownGrace)
	_ = p.conn.Close()
	close(p.events)
}

func (p *Peer) emitEvent(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.log.Warn("dropped event: inbound queue full")
	}
}

func (p *Peer) handleDatagram(data []byte, addr *net.UDPAddr, now float64) {
	c, ok := p.connections[addr.String()]
	if ok {
		reply := c.Receive(data, now)
		if reply != nil {
			_, _ = p.conn.WriteToUDP(reply, c.Remote)
		}
		if c.State.IsConnected() {
			p.byID[c.RemoteID] = c
			delete(p.handshakesByIP, c.Remote.IP.String())
		}
		if c.State == Disconnected {
			delete(p.connections, addr.String())
			delete(p.byID, c.RemoteID)
			delete(p.handshakesByIP, c.Remote.IP.String())
		}
		return
	}

	p.handleUnconnected(data, addr, now)
}

// handleUnconnected routes a datagram that didn't match any known
// connection (spec.md §4.7's unconnected datagram routing table).
func (p *Peer) handleUnconnected(data []byte, addr *net.UDPAddr, now float64) {
	header, err := wire.DecodeHeader(data)
	if err != nil {
		p.log.Warn("short header on unconnected datagram", logging.Remote(addr.String()))
		p.rec.PacketDropped("short_header")
		return
	}
	n := wire.PayloadByteLength(header.PayloadBits)
	rest := data[wire.HeaderSize:]
	if n > len(rest) {
		p.rec.PacketDropped("truncated_payload")
		return
	}
	payload := rest[:n]

	switch header.MessageType {
	case wire.MsgConnect:
		p.handleUnconnectedConnect(payload, addr, now)
	case wire.MsgConnectResponse:
		p.handleUnconnectedConnectResponse(payload, addr, now)
	case wire.MsgDiscovery:
		if p.cfg.EnabledIncomingMessageTypes.Has(EventDiscoveryRequest) {
			p.emitEvent(Event{Kind: EventKindDiscoveryRequest, Remote: addr, Payload: append([]byte(nil), payload...)})
		}
		if p.discovery != nil {
			frame := buildRawDatagram(wire.MsgDiscoveryResponse, 0, false, p.discovery.Respond())
			_, _ = p.conn.WriteToUDP(frame, addr)
		}
	case wire.MsgDiscoveryResponse:
		if p.cfg.EnabledIncomingMessageTypes.Has(EventDiscoveryResponse) {
			p.emitEvent(Event{Kind: EventKindDiscoveryResponse, Remote: addr, Payload: append([]byte(nil), payload...)})
		}
	case wire.MsgUnconnectedPing:
		if p.discovery != nil {
			frame := buildRawDatagram(wire.MsgUnconnectedPong, 0, false, p.discovery.Respond())
			_, _ = p.conn.WriteToUDP(frame, addr)
		}
	case wire.MsgUnconnectedPong:
		if p.cfg.EnabledIncomingMessageTypes.Has(EventUnconnectedData) {
			p.emitEvent(Event{Kind: EventKindUnconnectedData, Remote: addr, Payload: append([]byte(nil), payload...)})
		}
	case wire.MsgDisconnect:
		// Ignored per spec.md §4.7: there is no connection object left
		// to tear down, and a spoofed Disconnect can't do anything here.
	default:
		p.log.Warn("unexpected message type on unconnected datagram", logging.MsgType(header.MessageType))
		p.rec.PacketDropped("unexpected_unconnected_type")
	}
}

func (p *Peer) handleUnconnectedConnect(payload []byte, addr *net.UDPAddr, now float64) {
	body, err := decodeConnectBody(payload)
	if err != nil {
		p.log.Warn("malformed unconnected Connect", logging.Err(err))
		return
	}
	if !p.cfg.AcceptIncomingConnections {
		frame := buildRawDatagram(wire.MsgDisconnect, 0, false, encodeDisconnectBody("connections not accepted"))
		_, _ = p.conn.WriteToUDP(frame, addr)
		return
	}

	if existing, ok := p.connections[addr.String()]; ok {
		out := existing.AcceptConnect(now, body.PeerID)
		_, _ = p.conn.WriteToUDP(out, existing.Remote)
		return
	}
	if len(p.connections) >= p.cfg.MaximumConnections {
		frame := buildRawDatagram(wire.MsgDisconnect, 0, false, encodeDisconnectBody("Server full"))
		_, _ = p.conn.WriteToUDP(frame, addr)
		return
	}
	c := newConnection(addr, p.localID, p.connectionDeps())
	out := c.AcceptConnect(now, body.PeerID)
	p.connections[addr.String()] = c
	p.handshakesByIP[addr.IP.String()] = c

	_, _ = p.conn.WriteToUDP(out, addr)
}

// handleUnconnectedConnectResponse fires when a ConnectResponse arrives
// from a different port than the one a Connect was sent to (NAT rewrite):
// the exact-address lookup in handleDatagram misses, so it falls here and
// is matched by IP alone against the handshake table (spec.md §4.7).
func (p *Peer) handleUnconnectedConnectResponse(payload []byte, addr *net.UDPAddr, now float64) {
	c, ok := p.handshakesByIP[addr.IP.String()]
	if !ok || c.State != InitiatedConnect {
		return
	}
	oldAddr := c.Remote.String()
	c.Rekey(addr)
	delete(p.connections, oldAddr)
	p.connections[addr.String()] = c

	reply := c.Receive(buildRawDatagram(wire.MsgConnectResponse, 0, false, payload), now)
	if reply != nil {
		_, _ = p.conn.WriteToUDP(reply, addr)
	}
	if c.State.IsConnected() {
		p.byID[c.RemoteID] = c
		delete(p.handshakesByIP, addr.IP.String())
	}
}
