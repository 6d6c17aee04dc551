package util

import (
	"net"
	"net/netip"
)

// Read reads one datagram from c and returns the sender with any
// IPv4-mapped IPv6 prefix removed, so it compares equal to resolved
// IPv4 endpoints on dual-stack sockets.
func Read(c *net.UDPConn, buf []byte) (n int, remote netip.AddrPort, err error) {
	n, remote, err = c.ReadFromUDPAddrPort(buf)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}

	return n, Unmap(remote), nil
}

// Unmap strips the IPv4-mapped prefix from ap, leaving native IPv6 untouched.
func Unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// IsPublic reports whether ip looks globally routable. A STUN server
// handing out a private address usually means a double NAT or a
// server on the local network.
func IsPublic(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsGlobalUnicast() && !ip.IsPrivate()
}
