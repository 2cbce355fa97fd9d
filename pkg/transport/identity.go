package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"
)

// localUniqueID derives the peer's 64-bit identity by hashing the local
// endpoint together with a hardware address, per spec.md §6: SHA-256 over
// (local endpoint hash bytes || MAC bytes), taking the absolute value of
// the first 8 bytes. When no MAC is available (containers, loopback-only
// hosts) eight random bytes stand in, matching the spec's fallback.
func localUniqueID(localAddr string) uint64 {
	mac := firstHardwareAddr()
	if mac == nil {
		mac = make([]byte, 8)
		_, _ = rand.Read(mac)
	}
	h := sha256.New()
	h.Write([]byte(localAddr))
	h.Write(mac)
	sum := h.Sum(nil)
	id := int64(binary.BigEndian.Uint64(sum[:8]))
	if id < 0 {
		id = -id // absolute value
	}
	return uint64(id)
}

func firstHardwareAddr() []byte {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) > 0 {
			return iface.HardwareAddr
		}
	}
	return nil
}
