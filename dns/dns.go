// Package dns provides the lookups needed for RFC 3263 destination
// resolution: A/AAAA, SRV and NAPTR. The standard library resolver covers
// the first two; NAPTR queries go through github.com/miekg/dns.
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

const defLookupTimeout = 5 * time.Second

// Resolver extends net.Resolver with NAPTR lookups.
type Resolver struct {
	net.Resolver

	// NameServer is the DNS server address, host or host:port.
	// Empty falls back to the system resolver configuration.
	NameServer string
	// Timeout bounds each query, 5s when zero.
	Timeout time.Duration
}

// LookupIP resolves host to IP addresses, normalizing IPv4-mapped
// addresses to 4-byte form.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := r.Resolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			ips[i] = ip4
		}
	}
	return ips, nil
}

type SRV = net.SRV

// LookupSRV resolves the SRV records for service/proto on host.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// NAPTR is a NAPTR record (RFC 3403). SIP uses them (RFC 3263) to
// discover which transports a domain serves.
type NAPTR struct {
	// Order: lower values are processed first.
	Order uint16
	// Preference breaks ties between equal Order values, lower preferred.
	Preference uint16
	// Flags: "s" points at an SRV record, "a" at A/AAAA, "u" is a terminal URI.
	Flags string
	// Service names the service and transport, e.g. "SIP+D2U", "SIPS+D2T".
	Service string
	// Regexp is a substitution expression, usually empty when Replacement is set.
	Regexp string
	// Replacement is the next domain to query, an SRV name when Flags is "s".
	Replacement string
}

// LookupNAPTR queries the NAPTR records of host, sorted by Order then
// Preference per RFC 3403.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	q.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, q, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, naptrFromRR(rr))
		}
	}

	slices.SortFunc(recs, func(a, b *NAPTR) int {
		return cmp.Or(
			cmp.Compare(a.Order, b.Order),
			cmp.Compare(a.Preference, b.Preference),
		)
	})
	return recs, nil
}

func naptrFromRR(rr *dns.NAPTR) *NAPTR {
	return &NAPTR{
		Order:       rr.Order,
		Preference:  rr.Preference,
		Flags:       rr.Flags,
		Service:     rr.Service,
		Regexp:      rr.Regexp,
		Replacement: rr.Replacement,
	}
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return defLookupTimeout
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

// DefaultResolver returns the shared zero-config resolver.
func DefaultResolver() *Resolver { return defResolver }

// LookupIP resolves host through the default resolver.
func LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return errtrace.Wrap2(defResolver.LookupIP(ctx, "ip", host))
}

// LookupSRV resolves SRV records through the default resolver.
func LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	return errtrace.Wrap2(defResolver.LookupSRV(ctx, service, proto, host))
}

// LookupNAPTR resolves NAPTR records through the default resolver.
func LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	return errtrace.Wrap2(defResolver.LookupNAPTR(ctx, host))
}
