//go:build !linux
// +build !linux

package transport

import "net"

// disableICMPPortUnreachable is a no-op outside Linux; the IP_RECVERR
// behavior spec.md §4.7 mentions disabling is Linux-specific, and other
// platforms' UDP stacks don't surface it the same way.
func disableICMPPortUnreachable(conn *net.UDPConn) error { return nil }
