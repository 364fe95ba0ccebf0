package sip

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/ioutil"
	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/internal/util"
)

// RequestMethod is a SIP request method, see [types.RequestMethod].
type RequestMethod = types.RequestMethod

// Request methods registered by RFC 3261 and its extensions.
const (
	RequestMethodAck       = types.RequestMethodAck
	RequestMethodBye       = types.RequestMethodBye
	RequestMethodCancel    = types.RequestMethodCancel
	RequestMethodInfo      = types.RequestMethodInfo
	RequestMethodInvite    = types.RequestMethodInvite
	RequestMethodMessage   = types.RequestMethodMessage
	RequestMethodNotify    = types.RequestMethodNotify
	RequestMethodOptions   = types.RequestMethodOptions
	RequestMethodPrack     = types.RequestMethodPrack
	RequestMethodPublish   = types.RequestMethodPublish
	RequestMethodRefer     = types.RequestMethodRefer
	RequestMethodRegister  = types.RequestMethodRegister
	RequestMethodSubscribe = types.RequestMethodSubscribe
	RequestMethodUpdate    = types.RequestMethodUpdate
)

// IsKnownRequestMethod reports whether the method is registered.
func IsKnownRequestMethod(method RequestMethod) bool {
	return types.IsKnownRequestMethod(method)
}

// Request is a SIP request message.
type Request struct {
	Method  RequestMethod `json:"method"`
	URI     URI           `json:"uri"`
	Proto   ProtoInfo     `json:"proto"`
	Headers Headers       `json:"headers"`
	Body    []byte        `json:"body"`
}

// RenderTo writes the request in wire format.
func (req *Request) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if req == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Call(func(w io.Writer) (int, error) {
		return errtrace.Wrap2(req.renderStartLine(w, opts))
	})
	cw.WriteString("\r\n")
	cw.Call(func(w io.Writer) (int, error) {
		return errtrace.Wrap2(renderHdrs(w, req.Headers, opts))
	})
	cw.WriteString("\r\n")
	cw.Write(req.Body)
	return errtrace.Wrap2(cw.Result())
}

func (req *Request) renderStartLine(w io.Writer, opts *RenderOptions) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s ", req.Method)
	if req.URI != nil {
		cw.Call(func(w io.Writer) (int, error) {
			return errtrace.Wrap2(req.URI.RenderTo(w, opts))
		})
	}
	cw.Fprintf(" %s", req.Proto)
	return errtrace.Wrap2(cw.Result())
}

// Render returns the request in wire format.
func (req *Request) Render(opts *RenderOptions) string {
	if req == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	req.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the request start line.
func (req *Request) String() string {
	if req == nil {
		return "<nil>"
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	req.renderStartLine(sb, nil) //nolint:errcheck
	return sb.String()
}

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole message instead of the start line.
func (req *Request) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			req.RenderTo(f, nil) //nolint:errcheck
		} else {
			f.Write([]byte(req.String()))
		}
	case 'q':
		if f.Flag('+') {
			fmt.Fprint(f, strconv.Quote(req.Render(nil)))
		} else {
			f.Write([]byte(strconv.Quote(req.String())))
		}
	default:
		type hideMethods Request
		type Request hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*Request)(req))
	}
}

// LogValue implements [slog.LogValuer]. The value carries the method,
// the request URI and the dialog-identifying headers.
func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}

	attrs := make([]slog.Attr, 0, 7)
	attrs = append(attrs, slog.String("method", string(req.Method)), slog.Any("uri", req.URI))
	if hop, ok := util.IterFirst(req.Headers.Via()); ok {
		attrs = append(attrs, slog.Any("Via", hop))
	}
	if from, ok := req.Headers.From(); ok {
		attrs = append(attrs, slog.Any("From", from))
	}
	if to, ok := req.Headers.To(); ok {
		attrs = append(attrs, slog.Any("To", to))
	}
	if callID, ok := req.Headers.CallID(); ok {
		attrs = append(attrs, slog.Any("Call-ID", callID))
	}
	if cseq, ok := req.Headers.CSeq(); ok {
		attrs = append(attrs, slog.Any("CSeq", cseq))
	}

	return slog.GroupValue(attrs...)
}

// Clone deep-copies the request.
func (req *Request) Clone() Message {
	if req == nil {
		return nil
	}

	req2 := *req
	req2.URI = types.Clone[URI](req.URI)
	req2.Headers = req.Headers.Clone()
	req2.Body = slices.Clone(req.Body)
	return &req2
}

// Equal accepts a Request value or pointer and compares the start line,
// the headers and the body.
func (req *Request) Equal(val any) bool {
	switch v := val.(type) {
	case Request:
		return req.Equal(&v)
	case *Request:
		if req == v {
			return true
		}
		return req != nil && v != nil &&
			req.Method.Equal(v.Method) &&
			req.Proto.Equal(v.Proto) &&
			types.IsEqual(req.URI, v.URI) &&
			compareHdrs(req.Headers, v.Headers) &&
			slices.Equal(req.Body, v.Body)
	default:
		return false
	}
}

// IsValid reports whether [Request.Validate] passes.
func (req *Request) IsValid() bool {
	return req.Validate() == nil
}

// Header fields every request must carry (RFC 3261 Section 8.1.1).
var reqMandatoryHdrs = []HeaderName{
	"Via",
	"From",
	"To",
	"Call-ID",
	"CSeq",
	"Max-Forwards",
}

// Validate checks the start line, the mandatory header set and the
// Content-Length against the body.
func (req *Request) Validate() error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}

	var errs []error
	if !req.Method.IsValid() {
		errs = append(errs, errorutil.Errorf("invalid method %q", req.Method))
	}
	if !types.IsValid(req.URI) {
		errs = append(errs, errorutil.Errorf("invalid URI %q", req.URI))
	}
	if !req.Proto.IsValid() {
		errs = append(errs, errorutil.Errorf("invalid protocol %q", req.Proto))
	}
	if err := validateHdrs(req.Headers); err != nil {
		errs = append(errs, err)
	}
	for _, n := range reqMandatoryHdrs {
		if !req.Headers.Has(n) {
			errs = append(errs, newMissHdrErr(n))
		}
	}
	if ct, ok := req.Headers.ContentLength(); ok && int(ct) != len(req.Body) {
		errs = append(errs, errorutil.Errorf("content length mismatch: got %d, want %d", int(ct), len(req.Body)))
	}

	if len(errs) > 0 {
		return errtrace.Wrap(NewInvalidMessageError(errorutil.Join(errs...)))
	}
	return nil
}

// UnmarshalJSON implements [json.Unmarshaler]. The URI field arrives as
// a string and is parsed into the matching [URI] type.
func (req *Request) UnmarshalJSON(data []byte) error {
	var aux struct {
		Method  RequestMethod `json:"method"`
		URI     string        `json:"uri"`
		Proto   ProtoInfo     `json:"proto"`
		Headers Headers       `json:"headers"`
		Body    []byte        `json:"body"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return errtrace.Wrap(err)
	}

	var u URI
	if aux.URI != "" {
		var err error
		if u, err = ParseURI(aux.URI); err != nil {
			return errtrace.Wrap(fmt.Errorf("parse URI: %w", err))
		}
	}

	*req = Request{
		Method:  aux.Method,
		URI:     u,
		Proto:   aux.Proto,
		Headers: aux.Headers,
		Body:    aux.Body,
	}
	return nil
}

// ResponseOptions tunes [Request.NewResponse].
type ResponseOptions struct {
	// Reason overrides the default reason phrase of the status.
	Reason ResponseReason `json:"reason,omitempty"`
	// Headers are appended to the headers copied from the request.
	Headers Headers `json:"headers,omitempty"`
	// Body is the response body.
	Body []byte `json:"body,omitempty"`
	// LocalTag is the To tag, generated when empty.
	LocalTag string `json:"loc_tag,omitempty"`
}

func (o *ResponseOptions) reason() ResponseReason {
	if o == nil {
		return ""
	}
	return o.Reason
}

func (o *ResponseOptions) headers() Headers {
	if o == nil {
		return nil
	}
	return o.Headers
}

func (o *ResponseOptions) body() []byte {
	if o == nil {
		return nil
	}
	return o.Body
}

func (o *ResponseOptions) locTag() string {
	if o == nil {
		return ""
	}
	return o.LocalTag
}

// Header fields a response inherits from the request
// (RFC 3261 Section 8.2.6.2).
var reqCopyHdrs = []HeaderName{
	"Via",
	"From",
	"To",
	"Call-ID",
	"CSeq",
	"Timestamp",
}

// NewResponse builds a response to the request per RFC 3261 section
// 8.2.6: Via, From, To, Call-ID, CSeq and Timestamp are copied over and
// a To tag is added to everything except 100 Trying. ACK cannot be
// responded to.
func (req *Request) NewResponse(sts ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	res := &Response{
		Status:  sts,
		Reason:  opts.reason(),
		Proto:   req.Proto,
		Headers: make(Headers, 6).CopyFrom(req.Headers, reqCopyHdrs[0], reqCopyHdrs[1:]...),
		Body:    opts.body(),
	}

	if sts != ResponseStatusTrying {
		res.setToTag(opts.locTag())
	}

	for n, hs := range opts.headers() {
		if slices.Contains(reqCopyHdrs, n) {
			continue
		}
		for _, h := range hs {
			res.Headers.Append(h)
		}
	}

	return res, nil
}

// setToTag stamps the To header with the tag, an existing tag wins.
func (res *Response) setToTag(tag string) {
	to, ok := res.Headers.To()
	if !ok || to == nil {
		return
	}
	if to.Params != nil && to.Params.Has("tag") {
		return
	}

	if tag == "" {
		tag = GenerateTag(0)
	}
	if to.Params == nil {
		to.Params = make(header.Values)
	}
	to.Params.Set("tag", tag)
}

// InboundRequest is a request received from the network, together with
// its receive time and addressing.
type InboundRequest struct {
	inboundMessage[*Request]
}

// NewInboundRequest wraps a parsed request with the local and remote
// addresses it arrived on.
func NewInboundRequest(req *Request, laddr, raddr netip.AddrPort) *InboundRequest {
	return &InboundRequest{
		inboundMessage[*Request]{
			message[*Request]{
				msg:     req,
				msgTime: time.Now(),
				locAddr: laddr,
				rmtAddr: raddr,
				data:    new(MessageMetadata),
			},
		},
	}
}

// Method returns the request method.
func (r *InboundRequest) Method() RequestMethod {
	if r == nil {
		return ""
	}
	return r.msg.Method
}

// URI returns a copy of the request URI.
func (r *InboundRequest) URI() URI {
	if r == nil {
		return nil
	}
	return r.msg.URI.Clone()
}

var reqTimeDataKey = "sip.request_time"

// NewResponse builds an outbound response addressed back at the
// request's source. The request receive time rides along in the
// response metadata.
func (r *InboundRequest) NewResponse(sts ResponseStatus, opts *ResponseOptions) (*OutboundResponse, error) {
	if r == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	msg, err := r.msg.NewResponse(sts, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	res := NewOutboundResponse(msg)
	res.locAddr = r.locAddr
	res.rmtAddr = r.rmtAddr
	res.data.Set(reqTimeDataKey, r.msgTime)
	return res, nil
}

// RenderTo writes the request in wire format.
func (r *InboundRequest) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if r == nil {
		return 0, nil
	}
	return errtrace.Wrap2(r.msg.RenderTo(w, opts))
}

// Render returns the request in wire format.
func (r *InboundRequest) Render(opts *RenderOptions) string {
	if r == nil {
		return ""
	}
	return r.msg.Render(opts)
}

// String returns the request start line.
func (r *InboundRequest) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.msg.String()
}

// Format implements [fmt.Formatter], see [Request.Format].
func (r *InboundRequest) Format(f fmt.State, verb rune) {
	if r == nil {
		f.Write([]byte("<nil>"))
		return
	}
	r.msg.Format(f, verb)
}

// Clone deep-copies the request. The copy gets a fresh receive time.
func (r *InboundRequest) Clone() Message {
	if r == nil {
		return nil
	}
	return &InboundRequest{
		inboundMessage[*Request]{
			message[*Request]{
				msg:     r.msg.Clone().(*Request), //nolint:forcetypeassert
				msgTime: time.Now(),
				locAddr: r.locAddr,
				rmtAddr: r.rmtAddr,
				data:    r.data.Clone(),
			},
		},
	}
}

// Equal compares the wrapped messages, addressing and receive time are
// ignored.
func (r *InboundRequest) Equal(v any) bool {
	if r == nil {
		return v == nil
	}
	other, ok := v.(*InboundRequest)
	return ok && r.msg.Equal(other.msg)
}

// IsValid reports whether the wrapped request is valid.
func (r *InboundRequest) IsValid() bool {
	return r != nil && r.msg.IsValid()
}

// Validate validates the wrapped request.
func (r *InboundRequest) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	return errtrace.Wrap(r.msg.Validate())
}

// OutboundRequest is a request being sent to the network. The transport
// layer may still rewrite it, so access is guarded by a lock.
type OutboundRequest struct {
	outboundMessage[*Request]
}

// NewOutboundRequest wraps a request for sending.
func NewOutboundRequest(req *Request) *OutboundRequest {
	return &OutboundRequest{
		outboundMessage[*Request]{
			message: message[*Request]{
				msg:     req,
				msgTime: time.Now(),
				data:    new(MessageMetadata),
			},
		},
	}
}

// Method returns the request method.
func (r *OutboundRequest) Method() RequestMethod {
	if r == nil {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.Method
}

// URI returns a copy of the request URI.
func (r *OutboundRequest) URI() URI {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.URI.Clone()
}

// RenderTo writes the request in wire format.
func (r *OutboundRequest) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if r == nil {
		return 0, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return errtrace.Wrap2(r.msg.RenderTo(w, opts))
}

// Render returns the request in wire format.
func (r *OutboundRequest) Render(opts *RenderOptions) string {
	if r == nil {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.Render(opts)
}

// String returns the request start line.
func (r *OutboundRequest) String() string {
	if r == nil {
		return "<nil>"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.String()
}

// Format implements [fmt.Formatter], see [Request.Format].
func (r *OutboundRequest) Format(f fmt.State, verb rune) {
	if r == nil {
		f.Write([]byte("<nil>"))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	r.msg.Format(f, verb)
}

// Clone deep-copies the request. The copy gets a fresh creation time.
func (r *OutboundRequest) Clone() Message {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return &OutboundRequest{
		outboundMessage[*Request]{
			message: message[*Request]{
				msg:     r.msg.Clone().(*Request), //nolint:forcetypeassert
				msgTime: time.Now(),
				locAddr: r.locAddr,
				rmtAddr: r.rmtAddr,
				data:    r.data.Clone(),
			},
		},
	}
}

// Equal compares the wrapped messages, addressing and timing are
// ignored.
func (r *OutboundRequest) Equal(v any) bool {
	if r == nil {
		return v == nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	other, ok := v.(*OutboundRequest)
	return ok && r.msg.Equal(other.msg)
}

// IsValid reports whether the wrapped request is valid.
func (r *OutboundRequest) IsValid() bool {
	if r == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.IsValid()
}

// Validate validates the wrapped request.
func (r *OutboundRequest) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return errtrace.Wrap(r.msg.Validate())
}
