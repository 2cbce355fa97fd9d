// Package transport implements the per-connection state machine and the
// peer runtime (spec.md §2 components G and H): the network thread that
// owns a UDP socket, the connection table keyed by remote endpoint, MTU
// discovery, RTT tracking, and the heartbeat loop that drives every sender
// and receiver channel.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Config is the struct form of spec.md §6's configuration surface.
// Mirrors the teacher's constructor-with-defaults pattern (NewServer,
// NewSession) rather than a functional-options builder.
type Config struct {
	LocalAddress string
	Port         int

	MaximumConnections        int
	AcceptIncomingConnections bool

	MaximumTransmissionUnit int
	AutoExpandMTU           bool
	ExpandMTUFrequency      time.Duration
	ExpandMTUFailAttempts   int

	PingInterval      time.Duration
	ConnectionTimeout time.Duration

	ReceiveBufferSize int
	SendBufferSize    int

	UseMessageRecycling   bool
	RecycledCacheMaxCount int

	AutoFlushSendQueue bool

	EnableEncryption    bool
	NegotiateEncryption bool

	// EnabledIncomingMessageTypes is a bitmask of which event categories the
	// peer releases to the application (spec.md §6): StatusChanged, Data,
	// UnconnectedData, DiscoveryRequest, DiscoveryResponse,
	// ConnectionLatencyUpdated, TestMessage, Error.
	EnabledIncomingMessageTypes EventMask
}

// EventMask is a bitmask over the application event categories spec.md §6
// names for EnabledIncomingMessageTypes.
type EventMask uint32

const (
	EventStatusChanged EventMask = 1 << iota
	EventData
	EventUnconnectedData
	EventDiscoveryRequest
	EventDiscoveryResponse
	EventConnectionLatencyUpdated
	EventTestMessage
	EventError

	EventAll = EventStatusChanged | EventData | EventUnconnectedData |
		EventDiscoveryRequest | EventDiscoveryResponse |
		EventConnectionLatencyUpdated | EventTestMessage | EventError
)

func (m EventMask) Has(e EventMask) bool { return m&e != 0 }

// maxWireMTU is floor(65535/8) - 1, the absolute MTU ceiling spec.md §8
// names as a boundary invariant (the payload-bit-length field is 16 bits,
// so the byte payload can never need more than 65535/8 bytes of header
// room to express).
const maxWireMTU = 65535/8 - 1

// DefaultConfig returns the configuration the teacher's NewServer/NewSession
// constructors would have used had they exposed these knobs: a 576-byte
// starting MTU (the teacher's DEFAULT_MTU_SIZE), auto-expansion on, and a
// 10s connection timeout.
func DefaultConfig() Config {
	return Config{
		LocalAddress:              "0.0.0.0",
		Port:                      0,
		MaximumConnections:        64,
		AcceptIncomingConnections: true,
		MaximumTransmissionUnit:   576,
		AutoExpandMTU:             true,
		ExpandMTUFrequency:        500 * time.Millisecond,
		ExpandMTUFailAttempts:     3,
		PingInterval:              2 * time.Second,
		ConnectionTimeout:         10 * time.Second,
		ReceiveBufferSize:         1 << 20,
		SendBufferSize:            1 << 20,
		UseMessageRecycling:       true,
		RecycledCacheMaxCount:     4096,
		AutoFlushSendQueue:        true,
		EnableEncryption:          false,
		NegotiateEncryption:       false,
		EnabledIncomingMessageTypes: EventAll,
	}
}

// ErrInvalidConfig is the spec.md §7 kind-1 configuration error, returned
// by NewPeer, which builds no Peer from an invalid configuration.
var ErrInvalidConfig = errors.New("transport: invalid configuration")

// Validate checks the configuration surface for the values the teacher's
// MAX_MTU_SIZE/DEFAULT_MTU_SIZE constants and socket setup assume are sane.
func (c Config) Validate() error {
	if c.MaximumTransmissionUnit < 64 || c.MaximumTransmissionUnit > maxWireMTU {
		return fmt.Errorf("%w: maximum transmission unit %d out of range [64, %d]", ErrInvalidConfig, c.MaximumTransmissionUnit, maxWireMTU)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.MaximumConnections <= 0 {
		return fmt.Errorf("%w: maximum connections must be positive", ErrInvalidConfig)
	}
	if c.ReceiveBufferSize <= 0 || c.SendBufferSize <= 0 {
		return fmt.Errorf("%w: socket buffer sizes must be positive", ErrInvalidConfig)
	}
	if c.PingInterval <= 0 || c.ConnectionTimeout <= 0 {
		return fmt.Errorf("%w: ping interval and connection timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
