package probe

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const DefaultDNSTimeout = 3 * time.Second

type DNSConfig struct {
	Timeout time.Duration
	IPv6    bool
}

// DNSResolver sends the same question to every server and takes the first
// usable answer.
type DNSResolver struct {
	client *dns.Client
	cfg    DNSConfig
}

func NewDNSResolver(cfg DNSConfig) *DNSResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDNSTimeout
	}
	return &DNSResolver{
		client: &dns.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

type dnsAnswer struct {
	addr netip.Addr
	err  error
}

func (r *DNSResolver) Resolve(ctx context.Context, host string, servers []string) (netip.Addr, error) {
	if len(servers) == 0 {
		return netip.Addr{}, ErrNoServers
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	qtype := dns.TypeA
	if r.cfg.IPv6 {
		qtype = dns.TypeAAAA
	}

	answers := make(chan dnsAnswer, len(servers))
	for _, server := range servers {
		go func() {
			addr, err := r.exchange(ctx, host, qtype, server)
			answers <- dnsAnswer{addr: addr, err: err}
		}()
	}

	var firstErr error
	timeouts := 0
	for range servers {
		a := <-answers
		if a.err == nil {
			return a.addr, nil
		}
		if isTimeout(a.err) {
			timeouts++
			continue
		}
		if firstErr == nil {
			firstErr = a.err
		}
	}

	if timeouts == len(servers) {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, ErrTimeout)
	}
	return netip.Addr{}, firstErr
}

func (r *DNSResolver) exchange(ctx context.Context, host string, qtype uint16, server string) (netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)

	in, _, err := r.client.ExchangeContext(ctx, msg, serverAddr(server))
	if err != nil {
		if isTimeout(err) || ctx.Err() != nil {
			return netip.Addr{}, fmt.Errorf("query %s: %w", server, ErrTimeout)
		}
		return netip.Addr{}, fmt.Errorf("query %s: %w", server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("query %s: %s", server, dns.RcodeToString[in.Rcode])
	}

	for _, rr := range in.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			return addr.Unmap(), nil
		}
	}

	return netip.Addr{}, fmt.Errorf("query %s: %w", server, ErrNoAnswer)
}

func serverAddr(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}
