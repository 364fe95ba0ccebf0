package header

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/ioutil"
	"github.com/onsip/sipcore/internal/util"
)

// Via records the path a request took, each hop names the transport
// and the address responses travel back through. The topmost hop's
// branch parameter keys the transaction.
type Via []ViaHop

// CanonicName returns "Via".
func (Via) CanonicName() Name { return "Via" }

// CompactName returns "v".
func (Via) CompactName() Name { return "v" }

// RenderTo writes the header in wire format.
func (hdr Via) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s: ", hdr.name(opts))
	cw.Call(hdr.renderValueTo)
	return errtrace.Wrap2(cw.Result())
}

func (hdr Via) name(opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

func (hdr Via) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(renderHdrEntries(w, hdr))
}

// Render returns the header in wire format.
func (hdr Via) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr Via) RenderValue() string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.renderValueTo(sb) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr Via) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr Via) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			hdr.RenderTo(f, nil) //nolint:errcheck
		} else {
			fmt.Fprint(f, hdr.String())
		}
	case 'q':
		if f.Flag('+') {
			fmt.Fprint(f, strconv.Quote(hdr.Render(nil)))
		} else {
			fmt.Fprint(f, strconv.Quote(hdr.String()))
		}
	default:
		type hideMethods Via
		type Via hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), Via(hdr))
	}
}

// Clone deep-copies the header.
func (hdr Via) Clone() Header { return cloneHdrEntries(hdr) }

// Equal accepts a Via value or pointer, hops must match pairwise in
// order.
func (hdr Via) Equal(val any) bool {
	switch v := val.(type) {
	case Via:
		return slices.EqualFunc(hdr, v, func(hop1, hop2 ViaHop) bool { return hop1.Equal(hop2) })
	case *Via:
		return v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header has at least one hop and all hops
// are well formed.
func (hdr Via) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(hop ViaHop) bool { return !hop.IsValid() })
}

func (hdr Via) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(marshalHdrEntries(hdr))
}

func (hdr *Via) UnmarshalJSON(data []byte) error {
	return errtrace.Wrap(unmarshalHdrEntries(data, (*[]ViaHop)(hdr)))
}

// ViaHop is one entry of the Via header.
type ViaHop struct {
	Proto     ProtoInfo
	Transport TransportProto
	Addr      Addr
	Params    Values
}

// String renders the hop in wire format.
func (hop ViaHop) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	fmt.Fprint(sb, hop.Proto, "/", hop.Transport, " ", hop.Addr)
	renderHdrParams(sb, hop.Params, false) //nolint:errcheck
	return sb.String()
}

// Format implements [fmt.Formatter].
func (hop ViaHop) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprint(f, hop.String())
	case 'q':
		fmt.Fprint(f, strconv.Quote(hop.String()))
	default:
		if !f.Flag('+') && !f.Flag('#') {
			fmt.Fprint(f, hop.String())
			return
		}

		type hideMethods ViaHop
		type ViaHop hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), ViaHop(hop))
	}
}

// Equal accepts a ViaHop value or pointer. The maddr, ttl, received,
// rport and branch parameters must agree on both sides, other
// parameters compare only when present on both.
func (hop ViaHop) Equal(val any) bool {
	switch v := val.(type) {
	case ViaHop:
		return hop.Proto.Equal(v.Proto) &&
			hop.Transport.Equal(v.Transport) &&
			hop.Addr.Equal(v.Addr) &&
			compareHdrParams(hop.Params, v.Params, map[string]bool{
				"maddr":    true,
				"ttl":      true,
				"received": true,
				"rport":    true,
				"branch":   true,
			})
	case *ViaHop:
		return v != nil && hop.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the hop is well formed.
func (hop ViaHop) IsValid() bool {
	return hop.Proto.IsValid() &&
		hop.Transport.IsValid() &&
		hop.Addr.IsValid() &&
		validateHdrParams(hop.Params)
}

// IsZero reports whether the hop is entirely empty.
func (hop ViaHop) IsZero() bool {
	return hop.Proto.IsZero() &&
		hop.Transport == "" &&
		hop.Addr.IsZero() &&
		len(hop.Params) == 0
}

// Clone deep-copies the hop.
func (hop ViaHop) Clone() ViaHop {
	hop.Addr = hop.Addr.Clone()
	hop.Params = hop.Params.Clone()
	return hop
}

type viaHopData struct {
	Proto     string `json:"proto,omitempty"`
	Transport string `json:"transport,omitempty"`
	Addr      Addr   `json:"addr,omitzero"`
	Params    Values `json:"params,omitempty"`
}

func (hop ViaHop) MarshalJSON() ([]byte, error) {
	var proto string
	if !hop.Proto.IsZero() {
		proto = hop.Proto.String()
	}
	return errtrace.Wrap2(json.Marshal(viaHopData{
		Proto:     proto,
		Transport: string(hop.Transport),
		Addr:      hop.Addr,
		Params:    hop.Params,
	}))
}

const errMalformedViaHop errorutil.Error = "malformed via hop"

func (hop *ViaHop) UnmarshalJSON(data []byte) error {
	var hd viaHopData
	if err := json.Unmarshal(data, &hd); err != nil {
		*hop = ViaHop{}
		return errtrace.Wrap(err)
	}

	*hop = ViaHop{
		Transport: TransportProto(hd.Transport),
		Addr:      hd.Addr,
		Params:    hd.Params,
	}
	if hd.Proto != "" {
		name, ver, ok := strings.Cut(hd.Proto, "/")
		if !ok {
			*hop = ViaHop{}
			return errtrace.Wrap(errorutil.NewWrapperError(errMalformedViaHop, "%q: invalid protocol", hd.Proto))
		}
		hop.Proto = ProtoInfo{Name: name, Version: ver}
	}
	return nil
}

// Branch returns the branch parameter.
func (hop ViaHop) Branch() (string, bool) { return hop.Params.Last("branch") }

var zeroAddr netip.Addr

// Received returns the received parameter, false when absent or not a
// literal IP address.
func (hop ViaHop) Received() (netip.Addr, bool) {
	val, ok := hop.Params.Last("received")
	if !ok {
		return zeroAddr, false
	}
	addr, err := netip.ParseAddr(val)
	if err != nil {
		return zeroAddr, false
	}
	return addr, true
}

// RPort returns the rport parameter, false when absent or not a valid
// port number.
func (hop ViaHop) RPort() (uint16, bool) {
	val, ok := hop.Params.Last("rport")
	if !ok {
		return 0, false
	}
	port, err := strconv.ParseUint(val, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(port), true
}

// MAddr returns the maddr parameter.
func (hop ViaHop) MAddr() (string, bool) { return hop.Params.Last("maddr") }

// TTL returns the ttl parameter, false when absent or not a number in
// the 0..255 range.
func (hop ViaHop) TTL() (uint8, bool) {
	val, ok := hop.Params.Last("ttl")
	if !ok {
		return 0, false
	}
	ttl, err := strconv.ParseUint(val, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(ttl), true
}
