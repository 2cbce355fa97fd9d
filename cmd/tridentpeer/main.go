// Command tridentpeer is a minimal echo peer demonstrating the library:
// listen, accept a connection, echo back whatever payload it receives,
// and log disconnects. Run two instances and point one at the
// other's port with -remote to see the Connect/echo/disconnect sequence.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gatekeep/tridentnet/internal/logging"
	"github.com/gatekeep/tridentnet/pkg/discovery"
	"github.com/gatekeep/tridentnet/pkg/transport"
	"github.com/gatekeep/tridentnet/pkg/wire"
	"go.uber.org/zap/zapcore"
)

func main() {
	var (
		port    = flag.Int("port", 19132, "UDP port to listen on")
		remote  = flag.String("remote", "", "address of a peer to connect to, e.g. 127.0.0.1:19133")
		dev     = flag.Bool("dev", true, "use a human-readable development logger")
		message = flag.String("message", "hello from tridentpeer", "payload to send once connected")
	)
	flag.Parse()

	log, err := logging.New(logging.Config{Development: *dev, Level: zapcore.InfoLevel})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := transport.DefaultConfig()
	cfg.Port = *port

	peer, err := transport.NewPeer(cfg, log, nil)
	if err != nil {
		log.Error("invalid configuration", logging.Err(err))
		os.Exit(1)
	}
	peer.SetDiscoveryResponder(discovery.ResponderFunc(func() []byte {
		return []byte("tridentpeer")
	}))

	if err := peer.Listen(); err != nil {
		log.Error("listen failed", logging.Err(err))
		os.Exit(1)
	}
	log.Info("peer up", logging.Peer(peer.LocalID()))

	if *remote != "" {
		addr, err := net.ResolveUDPAddr("udp", *remote)
		if err != nil {
			log.Error("bad -remote address", logging.Err(err))
			os.Exit(1)
		}
		if err := peer.Connect(addr, nil); err != nil {
			log.Error("connect failed", logging.Err(err))
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go runEventLoop(peer, log, *message)

	<-sigCh
	log.Info("shutting down")
	peer.Stop()
}

// runEventLoop drains Peer.Events() and implements the echo behavior: a
// freshly connected peer sends message once (reliable-ordered), and any
// data it receives is echoed back verbatim with the same delivery method
// and channel.
func runEventLoop(peer *transport.Peer, log *logging.Logger, message string) {
	for ev := range peer.Events() {
		switch ev.Kind {
		case transport.EventKindStatusChanged:
			log.Info("connection status changed", logging.Remote(ev.Remote.String()), logging.Reason(ev.State.String()))
			if ev.State == transport.Connected {
				_, _ = peer.SendMessage(ev.RemoteID, []byte(message), wire.ReliableOrdered, 0)
			}
		case transport.EventKindData:
			log.Info("message received", logging.Remote(ev.Remote.String()), logging.Channel(ev.Channel))
			_, _ = peer.SendMessage(ev.RemoteID, ev.Payload, ev.Method, ev.Channel)
		case transport.EventKindDiscoveryRequest:
			log.Info("discovery probe received", logging.Remote(ev.Remote.String()))
		case transport.EventKindError:
			log.Error("transport error", logging.Err(ev.Err))
		}
	}
}

