package resolver

import (
	"context"
	"fmt"
	"net/netip"
)

// Static answers from a fixed host table before asking Next, like an
// /etc/hosts for STUN servers. Entries are IPs or "ip:port" endpoints; a
// bare IP takes the port of the server string.
type Static struct {
	Hosts map[string][]string
	Next  Resolver
}

func (s Static) Resolve(ctx context.Context, server string) ([]netip.AddrPort, error) {
	host, port, err := SplitHostPort(server)
	if err != nil {
		return nil, err
	}

	entries, ok := s.Hosts[host]
	if !ok {
		if s.Next == nil {
			return nil, fmt.Errorf("lookup %s: %w", host, ErrNoAddress)
		}
		return s.Next.Resolve(ctx, server)
	}

	var eps = make([]netip.AddrPort, 0, len(entries))
	for _, entry := range entries {
		if ep, err := netip.ParseAddrPort(entry); err == nil {
			eps = append(eps, netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port()))
			continue
		}
		ip, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("host entry %q for %s: %w", entry, host, err)
		}
		eps = append(eps, netip.AddrPortFrom(ip.Unmap(), port))
	}

	if len(eps) == 0 {
		return nil, fmt.Errorf("lookup %s: %w", host, ErrNoAddress)
	}

	return eps, nil
}
