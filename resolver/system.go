package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// System resolves through the operating system (net.Resolver).
type System struct {
	Resolver *net.Resolver // nil means net.DefaultResolver
}

func (s System) Resolve(ctx context.Context, server string) ([]netip.AddrPort, error) {
	host, port, err := SplitHostPort(server)
	if err != nil {
		return nil, err
	}

	if ep, ok := literal(host, port); ok {
		return []netip.AddrPort{ep}, nil
	}

	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	ips, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("lookup %s: %w", host, ErrNoAddress)
	}

	return withPort(ips, port), nil
}
