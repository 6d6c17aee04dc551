// Package resolver turns a "host[:port]" server string into candidate
// UDP endpoints, in the order they should be tried.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// DefaultPort is the STUN port used when the server string has none.
const DefaultPort = 3478

var ErrNoAddress = errors.New("no addresses")

type Resolver interface {
	Resolve(ctx context.Context, server string) ([]netip.AddrPort, error)
}

// SplitHostPort splits server into an ASCII host and a port, applying
// DefaultPort when none is given. Bracketed and bare IPv6 literals are
// accepted.
func SplitHostPort(server string) (host string, port uint16, err error) {
	server = strings.TrimSpace(server)
	if len(server) == 0 {
		return "", 0, errors.New("empty server address")
	}

	rawPort := strconv.Itoa(DefaultPort)
	if h, p, splitErr := net.SplitHostPort(server); splitErr == nil {
		host, rawPort = h, p
	} else if ip, parseErr := netip.ParseAddr(strings.Trim(server, "[]")); parseErr == nil {
		host = ip.String()
	} else if strings.Contains(server, ":") {
		return "", 0, fmt.Errorf("invalid server address %q: %w", server, splitErr)
	} else {
		host = server
	}

	if len(host) == 0 {
		return "", 0, fmt.Errorf("missing host in %q", server)
	}

	p, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || p == 0 {
		return "", 0, fmt.Errorf("invalid port %q in %q", rawPort, server)
	}

	if _, parseErr := netip.ParseAddr(host); parseErr != nil {
		if host, err = idna.Lookup.ToASCII(host); err != nil {
			return "", 0, fmt.Errorf("invalid host name %q: %w", server, err)
		}
	}

	return host, uint16(p), nil
}

// literal returns the endpoint when host is an IP address.
func literal(host string, port uint16) (netip.AddrPort, bool) {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), port), true
}

func withPort(ips []netip.Addr, port uint16) []netip.AddrPort {
	var eps = make([]netip.AddrPort, 0, len(ips))
	var seen = make(map[netip.Addr]struct{}, len(ips))
	for _, ip := range ips {
		ip = ip.Unmap()
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		eps = append(eps, netip.AddrPortFrom(ip, port))
	}
	return eps
}
