package transport

import (
	"context"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/miekg/dns"
)

// Resolver resolves a bare hostname to an address usable as a transport
// remote. This is a deliberately narrow slice of RFC 3263 target
// resolution: a single A-record lookup, no NAPTR/SRV chain, no CNAME
// following beyond what the upstream resolver follows itself.
type Resolver struct {
	// Server is the DNS server to query, host:port. Defaults to
	// "8.8.8.8:53" if empty.
	Server string
	client *dns.Client
}

// NewResolver creates a Resolver querying server, or the default
// resolver if server is empty.
func NewResolver(server string) *Resolver {
	if server == "" {
		server = "8.8.8.8:53"
	}
	return &Resolver{Server: server, client: new(dns.Client)}
}

// ResolveHost returns the first A-record address for host. If host is
// already a literal IP address, it is returned unchanged and no query is
// made.
func (r *Resolver) ResolveHost(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	in, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return netip.Addr{}, errtrace.Wrap(err)
	}

	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			addr, ok := netip.AddrFromSlice(a.A.To4())
			if !ok {
				continue
			}
			return addr, nil
		}
	}
	return netip.Addr{}, errtrace.Wrap(errNoARecord)
}

const errNoARecord = dnsError("no A record found")

type dnsError string

func (e dnsError) Error() string { return string(e) }
