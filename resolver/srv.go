package resolver

import (
	"context"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/treemana/iplookup/log"
)

// SRV discovers servers through "_stun._udp.<domain>" records (RFC 5389
// section 9) when the server string has no explicit port. Targets are
// resolved by Next, in priority order. Without records it falls back to
// Next with the server string unchanged.
type SRV struct {
	DNS  *DNS
	Next Resolver
}

func (s SRV) Resolve(ctx context.Context, server string) ([]netip.AddrPort, error) {
	host, _, err := SplitHostPort(server)
	if err != nil {
		return nil, err
	}

	if _, ok := literal(host, 0); ok || hasPort(server) {
		return s.Next.Resolve(ctx, server)
	}

	records := s.lookup(ctx, host)
	if len(records) == 0 {
		return s.Next.Resolve(ctx, server)
	}

	var eps []netip.AddrPort
	var lastErr error
	for _, rec := range records {
		target := strings.TrimSuffix(rec.Target, ".")
		got, err := s.Next.Resolve(ctx, target+":"+strconv.Itoa(int(rec.Port)))
		if err != nil {
			log.Sugar.Debugf("srv target %s: %v", rec.Target, err)
			lastErr = err
			continue
		}
		eps = append(eps, got...)
	}

	if len(eps) == 0 {
		return nil, lastErr
	}

	return eps, nil
}

func (s SRV) lookup(ctx context.Context, host string) []*dns.SRV {
	name := "_stun._udp." + host
	resp, err := s.DNS.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		log.Sugar.Debugf("srv lookup %s: %v", name, err)
		return nil
	}

	var records []*dns.SRV
	for _, rr := range resp.Answer {
		if rec, ok := rr.(*dns.SRV); ok && rec.Target != "." {
			records = append(records, rec)
		}
	}

	// lower priority first, heavier weight first within a priority
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	return records
}

func hasPort(server string) bool {
	_, port, err := net.SplitHostPort(server)
	return err == nil && len(port) > 0
}
