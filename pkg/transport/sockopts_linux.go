//go:build linux
// +build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// disableICMPPortUnreachable turns off IP_RECVERR on Linux, which
// otherwise surfaces ICMP_PORT_UNREACHABLE as a read error on an
// unconnected UDP socket (spec.md §4.7, §7 kind 3: a connection-reset
// datagram must be dropped, not extrapolated to terminate the socket).
func disableICMPPortUnreachable(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	_ = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVERR, 0)
	})
	_ = sockErr
	return nil
}
