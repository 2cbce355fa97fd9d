//go:build !linux && !freebsd && !openbsd && !darwin && !netbsd && !dragonfly
// +build !linux,!freebsd,!openbsd,!darwin,!netbsd,!dragonfly

package transport

import "net"

// setReuseAddr is a no-op on platforms without a unix-style setsockopt
// (e.g. windows, where net.ListenUDP's defaults are already adequate for
// this module's scope).
func setReuseAddr(conn *net.UDPConn) error { return nil }
