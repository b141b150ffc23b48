package proxy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/miekg/dns"
)

// Resolver turns a Target lacking a pre-selected destination into an
// ordered list of candidate servers, and remembers servers that should be
// skipped for a while after a hop error.
type Resolver interface {
	Resolve(ctx context.Context, uri sip.Uri) ([]ResolvedServer, error)
	Blacklist(server ResolvedServer)
}

// DNSResolver implements RFC 3263-style next-hop resolution: an SRV lookup
// for the URI's transport falling back to a plain A lookup when no SRV
// records exist (NAPTR and AAAA records are not queried), backed by github.com/miekg/dns the way other SIP stacks in
// the retrieved example pack (ghettovoice/gosip) resolve next hops.
type DNSResolver struct {
	Client         *dns.Client
	Servers        []string // upstream resolvers, e.g. "127.0.0.1:53"
	DefaultPort    int
	BlacklistTTL   time.Duration

	mu        sync.Mutex
	blacklist map[string]time.Time
}

func NewDNSResolver(servers []string) *DNSResolver {
	return &DNSResolver{
		Client:       new(dns.Client),
		Servers:      servers,
		DefaultPort:  5060,
		BlacklistTTL: 30 * time.Second,
		blacklist:    make(map[string]time.Time),
	}
}

func (r *DNSResolver) Resolve(ctx context.Context, uri sip.Uri) ([]ResolvedServer, error) {
	if uri.Port > 0 {
		// Explicit port means skip NAPTR/SRV per RFC 3263 section 4.1 and
		// go straight to address resolution.
		return r.resolveHost(ctx, uri.Host, uri.Port, r.transportOf(uri))
	}

	transport := r.transportOf(uri)
	name := fmt.Sprintf("_sip._%s.%s.", strings.ToLower(transport), strings.TrimSuffix(uri.Host, "."))
	servers, err := r.resolveSRV(ctx, name, transport)
	if err == nil && len(servers) > 0 {
		return r.filterBlacklisted(servers), nil
	}

	return r.resolveHost(ctx, uri.Host, r.DefaultPort, transport)
}

func (r *DNSResolver) transportOf(uri sip.Uri) string {
	if uri.UriParams != nil {
		if tp, ok := uri.UriParams.Get("transport"); ok && tp != "" {
			return strings.ToUpper(tp)
		}
	}
	if uri.IsEncrypted() {
		return "TLS"
	}
	return "UDP"
}

func (r *DNSResolver) resolveSRV(ctx context.Context, name, transport string) ([]ResolvedServer, error) {
	if len(r.Servers) == 0 {
		return nil, fmt.Errorf("proxy: no upstream dns servers configured")
	}
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)

	var lastErr error
	for _, upstream := range r.Servers {
		resp, _, err := r.Client.ExchangeContext(ctx, msg, upstream)
		if err != nil {
			lastErr = err
			continue
		}
		var out []ResolvedServer
		for _, rr := range resp.Answer {
			srv, ok := rr.(*dns.SRV)
			if !ok {
				continue
			}
			out = append(out, ResolvedServer{
				Host:      strings.TrimSuffix(srv.Target, "."),
				Port:      int(srv.Port),
				Transport: transport,
			})
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

func (r *DNSResolver) resolveHost(ctx context.Context, host string, port int, transport string) ([]ResolvedServer, error) {
	if len(r.Servers) == 0 {
		return r.filterBlacklisted([]ResolvedServer{{Host: host, Port: port, Transport: transport}}), nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	var out []ResolvedServer
	for _, upstream := range r.Servers {
		resp, _, err := r.Client.ExchangeContext(ctx, msg, upstream)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			a, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			out = append(out, ResolvedServer{Host: a.A.String(), Port: port, Transport: transport})
		}
		if len(out) > 0 {
			break
		}
	}
	if len(out) == 0 {
		// Host is already a literal address, or DNS gave nothing back; try
		// it verbatim rather than failing target computation outright.
		out = []ResolvedServer{{Host: host, Port: port, Transport: transport}}
	}
	return r.filterBlacklisted(out), nil
}

func (r *DNSResolver) Blacklist(server ResolvedServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklist[server.Addr()] = time.Now().Add(r.BlacklistTTL)
}

func (r *DNSResolver) filterBlacklisted(servers []ResolvedServer) []ResolvedServer {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make([]ResolvedServer, 0, len(servers))
	for _, s := range servers {
		if until, blacklisted := r.blacklist[s.Addr()]; blacklisted {
			if now.Before(until) {
				continue
			}
			delete(r.blacklist, s.Addr())
		}
		out = append(out, s)
	}
	return out
}
