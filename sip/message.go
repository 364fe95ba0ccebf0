package sip

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/ioutil"
	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/internal/util"
	"github.com/onsip/sipcore/uri"
)

// HeaderName represents a SIP header name.
// See [header.Name].
type HeaderName = header.Name

// ProtoInfo represents a SIP protocol name/version pair.
// See [types.ProtoInfo].
type ProtoInfo = types.ProtoInfo

// RenderOptions controls message rendering.
// See [types.RenderOptions].
type RenderOptions = types.RenderOptions

// URI represents a SIP URI.
// See [uri.URI].
type URI = uri.URI

// ParseURI parses a string into a URI.
// See [uri.Parse].
func ParseURI[T ~string | ~[]byte](s T) (URI, error) {
	return errtrace.Wrap2(uri.Parse(s))
}

// Message is the common interface of SIP request and response messages
// and their inbound/outbound envelopes.
type Message interface {
	types.Renderer
	fmt.Stringer
	fmt.Formatter

	Clone() Message
	Equal(val any) bool
	IsValid() bool
	Validate() error
}

// Headers holds SIP message headers keyed by canonical header name.
// Values under a single name keep their insertion order.
type Headers map[HeaderName][]header.Header

// Set replaces all headers with the same canonical name.
// Returns the receiver to allow chaining.
func (hdrs Headers) Set(vals ...header.Header) Headers {
	for _, h := range vals {
		if h == nil {
			continue
		}
		hdrs[h.CanonicName()] = []header.Header{h}
	}
	return hdrs
}

// Append adds headers after any existing headers with the same name.
// Returns the receiver to allow chaining.
func (hdrs Headers) Append(vals ...header.Header) Headers {
	for _, h := range vals {
		if h == nil {
			continue
		}
		n := h.CanonicName()
		hdrs[n] = append(hdrs[n], h)
	}
	return hdrs
}

// Del removes all headers with the given name.
// Returns the receiver to allow chaining.
func (hdrs Headers) Del(name HeaderName) Headers {
	delete(hdrs, header.CanonicName(name))
	return hdrs
}

// Has returns whether at least one header with the given name present.
func (hdrs Headers) Has(name HeaderName) bool {
	return len(hdrs[header.CanonicName(name)]) > 0
}

// Get returns all headers with the given name.
func (hdrs Headers) Get(name HeaderName) []header.Header {
	return hdrs[header.CanonicName(name)]
}

// First returns the first header with the given name.
func (hdrs Headers) First(name HeaderName) (header.Header, bool) {
	if hs := hdrs.Get(name); len(hs) > 0 {
		return hs[0], true
	}
	return nil, false
}

// Clone returns a deep copy of the headers.
func (hdrs Headers) Clone() Headers {
	if hdrs == nil {
		return nil
	}
	hdrs2 := make(Headers, len(hdrs))
	for n, hs := range hdrs {
		hs2 := make([]header.Header, len(hs))
		for i, h := range hs {
			hs2[i] = h.Clone()
		}
		hdrs2[n] = hs2
	}
	return hdrs2
}

// CopyFrom deep copies headers with the given names from src.
// Returns the receiver to allow chaining.
func (hdrs Headers) CopyFrom(src Headers, name HeaderName, names ...HeaderName) Headers {
	for _, h := range src.Get(name) {
		hdrs.Append(h.Clone())
	}
	for _, n := range names {
		for _, h := range src.Get(n) {
			hdrs.Append(h.Clone())
		}
	}
	return hdrs
}

func firstHdrAs[T header.Header](hdrs Headers, name HeaderName) (T, bool) {
	for _, h := range hdrs[name] {
		if v, ok := h.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Via iterates over all Via hops in top to bottom order.
func (hdrs Headers) Via() iter.Seq[header.ViaHop] {
	return iterHdrEntries[header.Via, header.ViaHop](hdrs, "Via")
}

// FirstVia returns the topmost Via hop.
func (hdrs Headers) FirstVia() (header.ViaHop, bool) {
	return util.IterFirst(hdrs.Via())
}

// From returns the From header.
func (hdrs Headers) From() (*header.From, bool) {
	return firstHdrAs[*header.From](hdrs, "From")
}

// To returns the To header.
func (hdrs Headers) To() (*header.To, bool) {
	return firstHdrAs[*header.To](hdrs, "To")
}

// CallID returns the Call-ID header.
func (hdrs Headers) CallID() (header.CallID, bool) {
	return firstHdrAs[header.CallID](hdrs, "Call-ID")
}

// CSeq returns the CSeq header.
func (hdrs Headers) CSeq() (*header.CSeq, bool) {
	return firstHdrAs[*header.CSeq](hdrs, "CSeq")
}

// MaxForwards returns the Max-Forwards header.
func (hdrs Headers) MaxForwards() (header.MaxForwards, bool) {
	return firstHdrAs[header.MaxForwards](hdrs, "Max-Forwards")
}

// ContentLength returns the Content-Length header.
func (hdrs Headers) ContentLength() (header.ContentLength, bool) {
	return firstHdrAs[header.ContentLength](hdrs, "Content-Length")
}

// ContentType returns the Content-Type header.
func (hdrs Headers) ContentType() (*header.ContentType, bool) {
	return firstHdrAs[*header.ContentType](hdrs, "Content-Type")
}

// Contacts iterates over all Contact header addresses.
func (hdrs Headers) Contacts() iter.Seq[header.ContactAddr] {
	return iterHdrEntries[header.Contact, header.ContactAddr](hdrs, "Contact")
}

// FirstContact returns the first Contact header address.
func (hdrs Headers) FirstContact() (header.ContactAddr, bool) {
	return util.IterFirst(hdrs.Contacts())
}

// Routes iterates over all Route header hops in top to bottom order.
func (hdrs Headers) Routes() iter.Seq[header.RouteHop] {
	return iterHdrEntries[header.Route, header.RouteHop](hdrs, "Route")
}

// RecordRoutes iterates over all Record-Route header hops in top to bottom order.
func (hdrs Headers) RecordRoutes() iter.Seq[header.RouteHop] {
	return iterHdrEntries[header.RecordRoute, header.RouteHop](hdrs, "Record-Route")
}

// RSeq returns the RSeq header.
func (hdrs Headers) RSeq() (header.RSeq, bool) {
	return firstHdrAs[header.RSeq](hdrs, "RSeq")
}

// RAck returns the RAck header.
func (hdrs Headers) RAck() (*header.RAck, bool) {
	return firstHdrAs[*header.RAck](hdrs, "RAck")
}

// Require returns the Require header.
func (hdrs Headers) Require() (header.Require, bool) {
	return firstHdrAs[header.Require](hdrs, "Require")
}

// Supported returns the Supported header.
func (hdrs Headers) Supported() (header.Supported, bool) {
	return firstHdrAs[header.Supported](hdrs, "Supported")
}

// HasOption returns whether the header with the given name lists the option.
// It probes Require/Supported/Unsupported headers for extensions like 100rel.
func (hdrs Headers) HasOption(name HeaderName, opt header.Option) bool {
	for _, h := range hdrs.Get(name) {
		var opts []header.Option
		switch v := h.(type) {
		case header.Require:
			opts = v
		case header.Supported:
			opts = []header.Option(v)
		case header.Unsupported:
			opts = []header.Option(v)
		default:
			continue
		}
		for _, o := range opts {
			if util.EqFold(o, opt) {
				return true
			}
		}
	}
	return false
}

func iterHdrEntries[H ~[]E, E any](hdrs Headers, name HeaderName) iter.Seq[E] {
	return func(yield func(E) bool) {
		for _, h := range hdrs[name] {
			entries, ok := h.(H)
			if !ok {
				continue
			}
			for _, e := range entries {
				if !yield(e) {
					return
				}
			}
		}
	}
}

func (hdrs *Headers) UnmarshalJSON(data []byte) error {
	var raw map[HeaderName][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errtrace.Wrap(err)
	}

	hdrs2 := make(Headers, len(raw))
	for n, vals := range raw {
		for _, v := range vals {
			h, err := header.FromJSON(n, v)
			if err != nil {
				return errtrace.Wrap(fmt.Errorf("decode %q header: %w", n, err))
			}
			hdrs2.Append(h)
		}
	}
	*hdrs = hdrs2
	return nil
}

// Render order of the well-known headers.
// Unknown headers go after in alphabet order, Content-Length is always last.
var hdrRenderOrder = map[HeaderName]int{
	"Via":          0,
	"Route":        1,
	"Record-Route": 2,
	"Max-Forwards": 3,
	"From":         4,
	"To":           5,
	"Call-ID":      6,
	"CSeq":         7,
	"Contact":      8,
}

func hdrRenderRank(n HeaderName) int {
	if n == "Content-Length" {
		return 1 << 16
	}
	if r, ok := hdrRenderOrder[n]; ok {
		return r
	}
	return 1 << 8
}

func renderHdrs(w io.Writer, hdrs Headers, opts *RenderOptions) (num int, err error) {
	names := slices.Collect(maps.Keys(hdrs))
	slices.SortFunc(names, func(a, b HeaderName) int {
		if ra, rb := hdrRenderRank(a), hdrRenderRank(b); ra != rb {
			return ra - rb
		}
		if a < b {
			return -1
		} else if a > b {
			return 1
		}
		return 0
	})

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	for _, n := range names {
		for _, h := range hdrs[n] {
			cw.Call(func(w io.Writer) (int, error) {
				return errtrace.Wrap2(h.RenderTo(w, opts))
			})
			cw.WriteString("\r\n")
		}
	}
	return errtrace.Wrap2(cw.Result())
}

func compareHdrs(a, b Headers) bool {
	if len(a) != len(b) {
		return false
	}
	for n, hs := range a {
		hs2, ok := b[n]
		if !ok || len(hs) != len(hs2) {
			return false
		}
		for i, h := range hs {
			if !h.Equal(hs2[i]) {
				return false
			}
		}
	}
	return true
}

func validateHdrs(hdrs Headers) error {
	var errs []error
	for n, hs := range hdrs {
		for _, h := range hs {
			if !h.IsValid() {
				errs = append(errs, errorutil.Errorf("invalid %q header: %q", n, h.Render(nil)))
			}
		}
	}
	return errtrace.Wrap(errorutil.Join(errs...))
}

func newMissHdrErr(name HeaderName) error {
	return errorutil.NewWrapperError(errMissHdrs, string(name)) //errtrace:skip
}

// GetMessageHeaders extracts headers from any SIP message or message envelope.
func GetMessageHeaders(msg any) Headers {
	switch m := msg.(type) {
	case *Request:
		if m == nil {
			return nil
		}
		return m.Headers
	case *Response:
		if m == nil {
			return nil
		}
		return m.Headers
	case interface{ Headers() Headers }:
		return m.Headers()
	default:
		return nil
	}
}

// GetMessageBody extracts the body from any SIP message or message envelope.
func GetMessageBody(msg any) []byte {
	switch m := msg.(type) {
	case *Request:
		if m == nil {
			return nil
		}
		return m.Body
	case *Response:
		if m == nil {
			return nil
		}
		return m.Body
	case interface{ Body() []byte }:
		return m.Body()
	default:
		return nil
	}
}

// MessageMetadata carries auxiliary key/value data attached to a message
// envelope while it travels through the stack layers.
type MessageMetadata struct {
	mu   sync.RWMutex
	vals map[string]any
}

// Set stores the value under the key.
func (d *MessageMetadata) Set(key string, val any) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vals == nil {
		d.vals = make(map[string]any)
	}
	d.vals[key] = val
}

// Get returns the value stored under the key.
func (d *MessageMetadata) Get(key string) (any, bool) {
	if d == nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.vals[key]
	return v, ok
}

// Clone returns a copy of the metadata.
func (d *MessageMetadata) Clone() *MessageMetadata {
	d2 := new(MessageMetadata)
	if d == nil {
		return d2
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.vals) > 0 {
		d2.vals = maps.Clone(d.vals)
	}
	return d2
}

type message[T Message] struct {
	msg     T
	msgTime time.Time
	locAddr netip.AddrPort
	rmtAddr netip.AddrPort
	data    *MessageMetadata
}

// Message returns the wrapped SIP message.
func (m *message[T]) Message() T { return m.msg }

// Time returns the time the envelope was created.
func (m *message[T]) Time() time.Time { return m.msgTime }

// Metadata returns the envelope metadata.
func (m *message[T]) Metadata() *MessageMetadata { return m.data }

// Headers returns the headers of the wrapped message.
func (m *message[T]) Headers() Headers { return GetMessageHeaders(m.msg) }

// Body returns the body of the wrapped message.
func (m *message[T]) Body() []byte { return GetMessageBody(m.msg) }

// LocalAddr returns the local address of the envelope.
func (m *message[T]) LocalAddr() netip.AddrPort { return m.locAddr }

// RemoteAddr returns the remote address of the envelope.
func (m *message[T]) RemoteAddr() netip.AddrPort { return m.rmtAddr }

type messageData[T any] struct {
	Message    T              `json:"message"`
	Time       time.Time      `json:"time"`
	LocalAddr  netip.AddrPort `json:"local_addr,omitzero"`
	RemoteAddr netip.AddrPort `json:"remote_addr,omitzero"`
}

func (m *message[T]) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(messageData[T]{
		Message:    m.msg,
		Time:       m.msgTime,
		LocalAddr:  m.locAddr,
		RemoteAddr: m.rmtAddr,
	}))
}

func (m *message[T]) UnmarshalJSON(data []byte) error {
	var md messageData[T]
	if err := json.Unmarshal(data, &md); err != nil {
		return errtrace.Wrap(err)
	}
	m.msg = md.Message
	m.msgTime = md.Time
	m.locAddr = md.LocalAddr
	m.rmtAddr = md.RemoteAddr
	m.data = new(MessageMetadata)
	return nil
}

// inboundMessage wraps a message received from the network.
// It is immutable after creation.
type inboundMessage[T Message] struct {
	message[T]
}

// outboundMessage wraps a message to be sent to the network.
// Addresses are resolved by the transport after creation, so accessors
// are guarded by a lock.
type outboundMessage[T Message] struct {
	message[T]
	mu sync.RWMutex
}

// SetLocalAddr sets the local address of the envelope.
func (m *outboundMessage[T]) SetLocalAddr(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locAddr = addr
}

// SetRemoteAddr sets the remote address of the envelope.
func (m *outboundMessage[T]) SetRemoteAddr(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rmtAddr = addr
}

// LocalAddr returns the local address of the envelope.
func (m *outboundMessage[T]) LocalAddr() netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locAddr
}

// RemoteAddr returns the remote address of the envelope.
func (m *outboundMessage[T]) RemoteAddr() netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rmtAddr
}

// Headers returns the headers of the wrapped message.
func (m *outboundMessage[T]) Headers() Headers {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return GetMessageHeaders(m.msg)
}

// Body returns the body of the wrapped message.
func (m *outboundMessage[T]) Body() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return GetMessageBody(m.msg)
}

func (m *outboundMessage[T]) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return errtrace.Wrap2(m.message.MarshalJSON())
}

func (m *outboundMessage[T]) UnmarshalJSON(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return errtrace.Wrap(m.message.UnmarshalJSON(data))
}
