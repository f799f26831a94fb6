package scanning

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/portsweep/internal/errors"
)

const defaultDNSTimeout = 3 * time.Second

// TargetResolver turns a hostname into the address that will be probed.
type TargetResolver interface {
	ResolveTarget(ctx context.Context, host string) (string, error)
}

// SystemResolver resolves names with the operating system resolver.
type SystemResolver struct {
	Resolver *net.Resolver
}

// ResolveTarget returns IP literals unchanged and otherwise the first
// address the resolver returns, preferring IPv4.
func (r SystemResolver) ResolveTarget(ctx context.Context, host string) (string, error) {
	host = normalizeHost(host)
	if host == "" {
		return "", errors.ErrInvalidTarget(host, errors.New("empty host"))
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	resolver := r.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", errors.ErrInvalidTarget(host, err)
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	ip := preferIPv4(ips)
	if ip == nil {
		return "", errors.ErrInvalidTarget(host, errors.New("no addresses found"))
	}
	return ip.String(), nil
}

// DNSResolver queries a specific DNS server for A and then AAAA records.
type DNSResolver struct {
	// Server is host:port of the DNS server; port 53 is assumed when missing.
	Server  string
	Timeout time.Duration
	client  *dns.Client
}

// NewDNSResolver creates a resolver that talks to server over UDP.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		Server:  server,
		Timeout: timeout,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// ResolveTarget returns IP literals unchanged and otherwise the first A
// record, falling back to AAAA.
func (r *DNSResolver) ResolveTarget(ctx context.Context, host string) (string, error) {
	host = normalizeHost(host)
	if host == "" {
		return "", errors.ErrInvalidTarget(host, errors.New("empty host"))
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ip, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if ip != nil {
			return ip.String(), nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses found")
	}
	return "", errors.ErrInvalidTarget(host, lastErr)
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) (net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errors.New("dns query failed: " + dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			return rec.A, nil
		case *dns.AAAA:
			return rec.AAAA, nil
		}
	}
	return nil, nil
}

// NewTargetResolver picks a DNSResolver when server is set and the system
// resolver otherwise.
func NewTargetResolver(server string, timeout time.Duration) TargetResolver {
	if server == "" {
		return SystemResolver{}
	}
	return NewDNSResolver(server, timeout)
}

// normalizeHost strips whitespace and IPv6 brackets.
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

func preferIPv4(ips []net.IP) net.IP {
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip
		}
	}
	if len(ips) > 0 {
		return ips[0]
	}
	return nil
}
