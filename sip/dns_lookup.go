package sip

import (
	"context"
	"iter"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/onsip/sipcore/dns"
	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/util"
	"github.com/onsip/sipcore/uri"
)

// DNSResolver is used to resolve the message destination address.
type DNSResolver interface {
	// LookupIP looks up the IP address for the given host.
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	// LookupSRV looks up the SRV record for the given service and protocol.
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
	// LookupNAPTR looks up the NAPTR record for the given host.
	LookupNAPTR(ctx context.Context, host string) ([]*dns.NAPTR, error)
}

// RequestAddrs returns the list of addresses to which the request should be sent.
// It implements the server location procedures defined in RFC 3263 Section 4.
// Only sip and sips URIs can be resolved, any other URI yields nothing.
// The transports metadata map declares the transports available to the caller,
// keyed by the upper-cased transport protocol.
//
//nolint:gocognit
func RequestAddrs(
	ctx context.Context,
	u URI,
	tpsMeta map[TransportProto]TransportMetadata,
	dnsRslvr DNSResolver,
) iter.Seq2[TransportProto, netip.AddrPort] {
	return func(yield func(TransportProto, netip.AddrPort) bool) {
		su, ok := u.(*uri.SIP)
		if !ok || !su.IsValid() {
			return
		}

		target := su.Addr.Host()
		if maddr, ok := su.Params.First("maddr"); ok && maddr != "" {
			target = maddr
		}
		port, hasPort := su.Addr.Port()

		var proto TransportProto
		if v, ok := su.Params.First("transport"); ok {
			proto = TransportProto(v).ToUpper()
			if su.Secured && proto.Equal(TransportProtoTCP) {
				proto = TransportProtoTLS
			}
		}

		// RFC 3263 Section 4.2: a numeric target skips the NAPTR/SRV steps.
		if ip := net.ParseIP(target); ip != nil {
			meta, ok := requestTransport(proto, su.Secured, tpsMeta)
			if !ok {
				return
			}
			if !hasPort {
				port = meta.DefaultPort
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				addr = addr.Unmap()
				if addrPort := netip.AddrPortFrom(addr, port); addrPort.IsValid() {
					yield(meta.Proto, addrPort)
				}
			}
			return
		}

		// RFC 3263 Section 4.2: an explicit port means A/AAAA lookup only.
		if hasPort {
			meta, ok := requestTransport(proto, su.Secured, tpsMeta)
			if !ok {
				return
			}
			yieldHostAddrs(ctx, dnsRslvr, meta.Proto, target, port, yield)
			return
		}

		serv := "sip"
		if su.Secured {
			serv = "sips"
		}

		// RFC 3263 Section 4.1: an explicit transport means SRV lookup,
		// with A/AAAA fallback on the default port.
		if proto != "" {
			meta, ok := tpsMeta[proto.ToUpper()]
			if !ok {
				return
			}
			if srvs, err := dnsRslvr.LookupSRV(ctx, serv, meta.Network, target); err == nil && len(srvs) > 0 {
				for _, srv := range sortSRVs(srvs) {
					if !yieldHostAddrs(ctx, dnsRslvr, meta.Proto, srv.Target, srv.Port, yield) {
						return
					}
				}
				return
			}
			yieldHostAddrs(ctx, dnsRslvr, meta.Proto, target, meta.DefaultPort, yield)
			return
		}

		// RFC 3263 Section 4.1: transport discovery via NAPTR.
		if recs, err := dnsRslvr.LookupNAPTR(ctx, target); err == nil {
			for _, rec := range recs {
				if !util.EqFold(rec.Flags, "s") {
					continue
				}
				p, ok := naptrServiceProto(rec.Service)
				if !ok {
					continue
				}
				meta, ok := tpsMeta[p]
				if !ok || (su.Secured && !meta.Secured) {
					continue
				}

				srvs, err := dnsRslvr.LookupSRV(ctx, "", "", strings.TrimSuffix(rec.Replacement, "."))
				if err != nil || len(srvs) == 0 {
					continue
				}
				for _, srv := range sortSRVs(srvs) {
					if !yieldHostAddrs(ctx, dnsRslvr, meta.Proto, srv.Target, srv.Port, yield) {
						return
					}
				}
				return
			}
		}

		// No usable NAPTR records, try SRV for each available transport.
		for _, p := range requestProtoOrder(su.Secured) {
			meta, ok := tpsMeta[p]
			if !ok || (su.Secured && !meta.Secured) {
				continue
			}
			srvs, err := dnsRslvr.LookupSRV(ctx, serv, meta.Network, target)
			if err != nil || len(srvs) == 0 {
				continue
			}
			for _, srv := range sortSRVs(srvs) {
				if !yieldHostAddrs(ctx, dnsRslvr, meta.Proto, srv.Target, srv.Port, yield) {
					return
				}
			}
			return
		}

		// RFC 3263 Section 4.2 terminal fallback: A/AAAA lookup with the default transport.
		meta, ok := requestTransport("", su.Secured, tpsMeta)
		if !ok {
			return
		}
		yieldHostAddrs(ctx, dnsRslvr, meta.Proto, target, meta.DefaultPort, yield)
	}
}

func requestTransport(
	proto TransportProto,
	secured bool,
	tpsMeta map[TransportProto]TransportMetadata,
) (TransportMetadata, bool) {
	if proto != "" {
		meta, ok := tpsMeta[proto.ToUpper()]
		return meta, ok
	}
	if secured {
		meta, ok := tpsMeta[TransportProtoTLS]
		return meta, ok
	}
	meta, ok := tpsMeta[TransportProtoUDP]
	return meta, ok
}

func requestProtoOrder(secured bool) []TransportProto {
	if secured {
		return []TransportProto{TransportProtoTLS}
	}
	return []TransportProto{TransportProtoUDP, TransportProtoTCP, TransportProtoTLS, TransportProtoSCTP}
}

func naptrServiceProto(serv string) (TransportProto, bool) {
	switch TransportProto(serv).ToUpper() {
	case "SIP+D2U":
		return TransportProtoUDP, true
	case "SIP+D2T":
		return TransportProtoTCP, true
	case "SIPS+D2T":
		return TransportProtoTLS, true
	case "SIP+D2S":
		return TransportProtoSCTP, true
	default:
		return "", false
	}
}

func yieldHostAddrs(
	ctx context.Context,
	dnsRslvr DNSResolver,
	proto TransportProto,
	host string,
	port uint16,
	yield func(TransportProto, netip.AddrPort) bool,
) bool {
	ips, err := dnsRslvr.LookupIP(ctx, "ip", host)
	if err != nil {
		return true
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addrPort := netip.AddrPortFrom(addr, port); addrPort.IsValid() && !yield(proto, addrPort) {
			return false
		}
	}
	return true
}

func sortSRVs(srvs []*dns.SRV) []*dns.SRV {
	return slices.SortedFunc(slices.Values(srvs), func(e1, e2 *dns.SRV) int {
		switch {
		case e1.Priority < e2.Priority:
			return -1
		case e1.Priority > e2.Priority:
			return 1
		case e1.Weight > e2.Weight:
			return -1
		case e1.Weight < e2.Weight:
			return 1
		default:
			return strings.Compare(e1.Target, e2.Target)
		}
	})
}

// ResponseAddrs returns the list of addresses to which the response should be sent.
// It implements the logic defined in RFC 3261 Section 18.2.2. and RFC 3263 Section 5.
// The response must contain a "Via" header field and the transport protocol must match
// the transport protocol in the topmost "Via" header field.
//
//nolint:gocognit
func ResponseAddrs(
	ctx context.Context,
	via header.ViaHop,
	tpMeta TransportMetadata,
	dnsRslvr DNSResolver,
) iter.Seq2[TransportProto, netip.AddrPort] {
	return func(yield func(TransportProto, netip.AddrPort) bool) {
		if !via.IsValid() || !via.Transport.Equal(tpMeta.Proto) {
			return
		}

		if !tpMeta.Reliable {
			// RFC 3261 Section 18.2.2, bullet 2.
			if maddr, ok := via.MAddr(); ok {
				// maddr can be host name or IP address, need to lookup IP addresses
				if ips, err := dnsRslvr.LookupIP(ctx, "ip", maddr); err == nil {
					for _, ip := range ips {
						if addr, ok := netip.AddrFromSlice(ip); ok {
							addr = addr.Unmap()

							var port uint16
							if p, ok := via.Addr.Port(); ok {
								port = p
							} else {
								port = tpMeta.DefaultPort
							}

							if addrPort := netip.AddrPortFrom(addr, port); addrPort.IsValid() && !yield(via.Transport, addrPort) {
								return
							}
						}
					}
				}
				// no fallback to RFC 3263 Section 5 is defined for "maddr" case,
				// so we stop here.
				return
			}
		}

		// RFC 3261 Section 18.2.2, bullet 1 and 3.
		if addr, ok := via.Received(); ok {
			var port uint16
			if !tpMeta.Reliable {
				// RFC 3581 Section 4.
				if p, ok := via.RPort(); ok {
					port = p
				}
			}
			if port == 0 {
				if p, ok := via.Addr.Port(); ok {
					port = p
				} else {
					port = tpMeta.DefaultPort
				}
			}

			if addrPort := netip.AddrPortFrom(addr, port); addrPort.IsValid() && !yield(via.Transport, addrPort) {
				return
			}
		}

		// RFC 3261 Section 18.2.2, bullet 4, i.e. fallback to RFC 3263 Section 5.
		if via.Addr.IP() != nil {
			if addr, ok := netip.AddrFromSlice(via.Addr.IP()); ok {
				addr = addr.Unmap()

				var port uint16
				if p, ok := via.Addr.Port(); ok {
					port = p
				} else {
					port = tpMeta.DefaultPort
				}

				if addrPort := netip.AddrPortFrom(addr, port); addrPort.IsValid() && !yield(via.Transport, addrPort) {
					return
				}
			}
			return
		}

		if port, ok := via.Addr.Port(); ok {
			if ips, err := dnsRslvr.LookupIP(ctx, "ip", via.Addr.Host()); err == nil {
				for _, ip := range ips {
					if addr, ok := netip.AddrFromSlice(ip); ok {
						addr = addr.Unmap()

						if addrPort := netip.AddrPortFrom(addr, port); addrPort.IsValid() && !yield(via.Transport, addrPort) {
							return
						}
					}
				}
			}
			return
		}

		// RFC 3263 Section 5.
		serv := "sip"
		if tpMeta.Secured {
			serv = "sips"
		}

		if srvs, err := dnsRslvr.LookupSRV(ctx, serv, tpMeta.Network, via.Addr.Host()); err == nil {
			for _, srv := range sortSRVs(srvs) {
				if ips, err := dnsRslvr.LookupIP(ctx, "ip", srv.Target); err == nil {
					for _, ip := range ips {
						if addr, ok := netip.AddrFromSlice(ip); ok {
							addr = addr.Unmap()

							if addrPort := netip.AddrPortFrom(addr, srv.Port); addrPort.IsValid() && !yield(via.Transport, addrPort) {
								return
							}
						}
					}
				}
			}
		}
	}
}
