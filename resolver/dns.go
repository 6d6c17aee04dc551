package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/iplookup/log"
)

const (
	resolvConf     = "/etc/resolv.conf"
	defaultTimeout = 2 * time.Second
)

// DNS resolves A and AAAA records by asking one DNS server directly,
// bypassing the system resolver and its caches.
type DNS struct {
	server string
	client *dns.Client
}

// NewDNS returns a resolver querying server, "[scheme://]host[:port]"
// with scheme udp (default), tcp or tls for DNS over TLS (RFC 7858). An
// empty server uses the first nameserver of /etc/resolv.conf.
func NewDNS(server string) (*DNS, error) {
	if len(server) == 0 {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", resolvConf, err)
		}
		if len(cc.Servers) == 0 {
			return nil, fmt.Errorf("no nameserver in %s", resolvConf)
		}
		server = net.JoinHostPort(cc.Servers[0], cc.Port)
	}

	scheme := "udp"
	if i := strings.Index(server, "://"); i >= 0 {
		scheme, server = strings.ToLower(server[:i]), server[i+3:]
	}

	client := &dns.Client{Net: scheme, Timeout: defaultTimeout}
	port := "53"
	switch scheme {
	case "udp", "tcp":
	case "tls":
		client.Net = "tcp-tls"
		port = "853"
	default:
		return nil, fmt.Errorf("dns server %s: unsupported scheme %q", server, scheme)
	}

	host, _, err := net.SplitHostPort(server)
	if err != nil {
		host = strings.Trim(server, "[]")
		server = net.JoinHostPort(host, port)
	}
	if len(host) == 0 {
		return nil, fmt.Errorf("dns server %q: empty host", server)
	}

	if client.Net == "tcp-tls" {
		client.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}

	return &DNS{server: server, client: client}, nil
}

func (r *DNS) Server() string {
	return r.server
}

func (r *DNS) Resolve(ctx context.Context, server string) ([]netip.AddrPort, error) {
	host, port, err := SplitHostPort(server)
	if err != nil {
		return nil, err
	}

	if ep, ok := literal(host, port); ok {
		return []netip.AddrPort{ep}, nil
	}

	var ips []netip.Addr
	var errs []error
	for _, qType := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.exchange(ctx, host, qType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rr := range resp.Answer {
			if ip, ok := splitAnswer(rr); ok {
				ips = append(ips, ip)
			}
		}
	}

	if len(ips) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("lookup %s: %w", host, errs[0])
		}
		return nil, fmt.Errorf("lookup %s on %s: %w", host, r.server, ErrNoAddress)
	}

	return withPort(ips, port), nil
}

func (r *DNS) exchange(ctx context.Context, name string, qType uint16) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qType)

	resp, rtt, err := r.client.ExchangeContext(ctx, req, r.server)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", dns.TypeToString[qType], name, err)
	}

	if resp.Id != req.Id {
		return nil, errors.New("unmatched request and response")
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s %s: response code [%s]", dns.TypeToString[qType], name, dns.RcodeToString[resp.Rcode])
	}

	log.Sugar.Debugf("%s %s answered by %s in %s, %d records", dns.TypeToString[qType], name, r.server, rtt, len(resp.Answer))

	return resp, nil
}

func splitAnswer(rr dns.RR) (netip.Addr, bool) {
	switch rr := rr.(type) {
	case *dns.A:
		return netip.AddrFromSlice(rr.A.To4())
	case *dns.AAAA:
		return netip.AddrFromSlice(rr.AAAA.To16())
	default:
		return netip.Addr{}, false
	}
}
