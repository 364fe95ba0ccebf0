package sip

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/ioutil"
	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/internal/util"
)

// ResponseStatus is a SIP response status code, see
// [types.ResponseStatus].
type ResponseStatus = types.ResponseStatus

// ResponseReason is a SIP response reason phrase, see
// [types.ResponseReason].
type ResponseReason = types.ResponseReason

// Response statuses registered by RFC 3261.
const (
	ResponseStatusTrying               = types.ResponseStatusTrying
	ResponseStatusRinging              = types.ResponseStatusRinging
	ResponseStatusCallIsBeingForwarded = types.ResponseStatusCallIsBeingForwarded
	ResponseStatusQueued               = types.ResponseStatusQueued
	ResponseStatusSessionProgress      = types.ResponseStatusSessionProgress

	ResponseStatusOK       = types.ResponseStatusOK
	ResponseStatusAccepted = types.ResponseStatusAccepted

	ResponseStatusMovedPermanently = types.ResponseStatusMovedPermanently
	ResponseStatusMovedTemporarily = types.ResponseStatusMovedTemporarily

	ResponseStatusBadRequest                  = types.ResponseStatusBadRequest
	ResponseStatusUnauthorized                = types.ResponseStatusUnauthorized
	ResponseStatusForbidden                   = types.ResponseStatusForbidden
	ResponseStatusNotFound                    = types.ResponseStatusNotFound
	ResponseStatusMethodNotAllowed            = types.ResponseStatusMethodNotAllowed
	ResponseStatusRequestTimeout              = types.ResponseStatusRequestTimeout
	ResponseStatusUnsupportedMediaType        = types.ResponseStatusUnsupportedMediaType
	ResponseStatusBadExtension                = types.ResponseStatusBadExtension
	ResponseStatusExtensionRequired           = types.ResponseStatusExtensionRequired
	ResponseStatusTemporarilyUnavailable      = types.ResponseStatusTemporarilyUnavailable
	ResponseStatusCallTransactionDoesNotExist = types.ResponseStatusCallTransactionDoesNotExist
	ResponseStatusLoopDetected                = types.ResponseStatusLoopDetected
	ResponseStatusTooManyHops                 = types.ResponseStatusTooManyHops
	ResponseStatusBusyHere                    = types.ResponseStatusBusyHere
	ResponseStatusRequestTerminated           = types.ResponseStatusRequestTerminated
	ResponseStatusNotAcceptableHere           = types.ResponseStatusNotAcceptableHere
	ResponseStatusRequestPending              = types.ResponseStatusRequestPending

	ResponseStatusServerInternalError = types.ResponseStatusServerInternalError
	ResponseStatusNotImplemented      = types.ResponseStatusNotImplemented
	ResponseStatusServiceUnavailable  = types.ResponseStatusServiceUnavailable
	ResponseStatusGatewayTimeout      = types.ResponseStatusGatewayTimeout
	ResponseStatusMessageTooLarge     = types.ResponseStatusMessageTooLarge

	ResponseStatusBusyEverywhere = types.ResponseStatusBusyEverywhere
	ResponseStatusDecline        = types.ResponseStatusDecline
)

// Response is a SIP response message.
type Response struct {
	Status  ResponseStatus `json:"status"`
	Reason  ResponseReason `json:"reason"`
	Proto   ProtoInfo      `json:"proto"`
	Headers Headers        `json:"headers"`
	Body    []byte         `json:"body"`
}

// StatusReason returns the response reason phrase, falling back to the
// standard phrase for the status code.
func (res *Response) StatusReason() ResponseReason {
	if res == nil {
		return ""
	}
	if res.Reason != "" {
		return res.Reason
	}
	return res.Status.Reason()
}

// RenderTo writes the response in wire format.
func (res *Response) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if res == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Call(func(w io.Writer) (int, error) {
		return errtrace.Wrap2(res.renderStartLine(w))
	})
	cw.WriteString("\r\n")
	cw.Call(func(w io.Writer) (int, error) {
		return errtrace.Wrap2(renderHdrs(w, res.Headers, opts))
	})
	cw.WriteString("\r\n")
	cw.Write(res.Body)
	return errtrace.Wrap2(cw.Result())
}

func (res *Response) renderStartLine(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprintf(w, "%s %d %s", res.Proto, res.Status, res.StatusReason()))
}

// Render returns the response in wire format.
func (res *Response) Render(opts *RenderOptions) string {
	if res == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	res.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the response status line.
func (res *Response) String() string {
	if res == nil {
		return "<nil>"
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	res.renderStartLine(sb) //nolint:errcheck
	return sb.String()
}

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole message instead of the status line.
func (res *Response) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			res.RenderTo(f, nil) //nolint:errcheck
		} else {
			f.Write([]byte(res.String()))
		}
	case 'q':
		if f.Flag('+') {
			fmt.Fprint(f, strconv.Quote(res.Render(nil)))
		} else {
			f.Write([]byte(strconv.Quote(res.String())))
		}
	default:
		type hideMethods Response
		type Response hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*Response)(res))
	}
}

// LogValue implements [slog.LogValuer]. The value carries the status
// line and the dialog-identifying headers.
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}

	attrs := make([]slog.Attr, 0, 7)
	attrs = append(attrs,
		slog.Uint64("status", uint64(res.Status)),
		slog.String("reason", string(res.StatusReason())),
	)
	if hop, ok := util.IterFirst(res.Headers.Via()); ok {
		attrs = append(attrs, slog.Any("Via", hop))
	}
	if from, ok := res.Headers.From(); ok {
		attrs = append(attrs, slog.Any("From", from))
	}
	if to, ok := res.Headers.To(); ok {
		attrs = append(attrs, slog.Any("To", to))
	}
	if callID, ok := res.Headers.CallID(); ok {
		attrs = append(attrs, slog.Any("Call-ID", callID))
	}
	if cseq, ok := res.Headers.CSeq(); ok {
		attrs = append(attrs, slog.Any("CSeq", cseq))
	}

	return slog.GroupValue(attrs...)
}

// Clone deep-copies the response.
func (res *Response) Clone() Message {
	if res == nil {
		return nil
	}

	res2 := *res
	res2.Headers = res.Headers.Clone()
	res2.Body = slices.Clone(res.Body)
	return &res2
}

// Equal accepts a Response value or pointer and compares the status
// line, the headers and the body. The reason phrase is ignored.
func (res *Response) Equal(val any) bool {
	switch v := val.(type) {
	case Response:
		return res.Equal(&v)
	case *Response:
		if res == v {
			return true
		}
		return res != nil && v != nil &&
			res.Status.Equal(v.Status) &&
			res.Proto.Equal(v.Proto) &&
			compareHdrs(res.Headers, v.Headers) &&
			slices.Equal(res.Body, v.Body)
	default:
		return false
	}
}

// IsValid reports whether [Response.Validate] passes.
func (res *Response) IsValid() bool {
	return res.Validate() == nil
}

// Header fields every response must carry (RFC 3261 Section 8.2.6.2).
var resMandatoryHdrs = []HeaderName{
	"Via",
	"From",
	"To",
	"Call-ID",
	"CSeq",
}

// Validate checks the status line, the mandatory header set and the
// Content-Length against the body.
func (res *Response) Validate() error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	var errs []error
	if !res.Status.IsValid() {
		errs = append(errs, errorutil.Errorf("invalid status %d", res.Status))
	}
	if !res.Proto.IsValid() {
		errs = append(errs, errorutil.Errorf("invalid protocol %q", res.Proto))
	}
	if err := validateHdrs(res.Headers); err != nil {
		errs = append(errs, err)
	}
	for _, n := range resMandatoryHdrs {
		if !res.Headers.Has(n) {
			errs = append(errs, newMissHdrErr(n))
		}
	}
	if ct, ok := res.Headers.ContentLength(); ok && int(ct) != len(res.Body) {
		errs = append(errs, errorutil.Errorf("content length mismatch: got %d, want %d", int(ct), len(res.Body)))
	}

	if len(errs) > 0 {
		return errtrace.Wrap(NewInvalidMessageError(errorutil.Join(errs...)))
	}
	return nil
}

// InboundResponse wraps a response received from the network.
type InboundResponse struct {
	inboundMessage[*Response]
}

// NewInboundResponse creates a new inbound response envelope.
func NewInboundResponse(res *Response, laddr, raddr netip.AddrPort) *InboundResponse {
	return &InboundResponse{
		inboundMessage[*Response]{
			message[*Response]{
				msg:     res,
				msgTime: time.Now(),
				locAddr: laddr,
				rmtAddr: raddr,
				data:    new(MessageMetadata),
			},
		},
	}
}

// Status returns the response status code.
func (r *InboundResponse) Status() ResponseStatus {
	if r == nil {
		return 0
	}
	return r.msg.Status
}

// Reason returns the response reason phrase.
func (r *InboundResponse) Reason() ResponseReason {
	if r == nil {
		return ""
	}
	return r.msg.StatusReason()
}

func (r *InboundResponse) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if r == nil {
		return 0, nil
	}
	return errtrace.Wrap2(r.msg.RenderTo(w, opts))
}

func (r *InboundResponse) Render(opts *RenderOptions) string {
	if r == nil {
		return ""
	}
	return r.msg.Render(opts)
}

func (r *InboundResponse) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.msg.String()
}

func (r *InboundResponse) Format(f fmt.State, verb rune) {
	if r == nil {
		f.Write([]byte("<nil>"))
		return
	}
	r.msg.Format(f, verb)
}

func (r *InboundResponse) Clone() Message {
	if r == nil {
		return nil
	}
	return &InboundResponse{
		inboundMessage[*Response]{
			message[*Response]{
				msg:     r.msg.Clone().(*Response), //nolint:forcetypeassert
				msgTime: time.Now(),
				locAddr: r.locAddr,
				rmtAddr: r.rmtAddr,
				data:    r.data.Clone(),
			},
		},
	}
}

func (r *InboundResponse) Equal(v any) bool {
	if r == nil {
		return v == nil
	}
	if other, ok := v.(*InboundResponse); ok {
		return r.msg.Equal(other.msg)
	}
	return false
}

func (r *InboundResponse) IsValid() bool {
	if r == nil {
		return false
	}
	return r.msg.IsValid()
}

func (r *InboundResponse) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	return errtrace.Wrap(r.msg.Validate())
}

// OutboundResponse wraps a response to be sent to the network.
type OutboundResponse struct {
	outboundMessage[*Response]
}

// NewOutboundResponse creates a new outbound response envelope.
func NewOutboundResponse(res *Response) *OutboundResponse {
	return &OutboundResponse{
		outboundMessage[*Response]{
			message: message[*Response]{
				msg:     res,
				msgTime: time.Now(),
				data:    new(MessageMetadata),
			},
		},
	}
}

// Status returns the response status code.
func (r *OutboundResponse) Status() ResponseStatus {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.Status
}

// Reason returns the response reason phrase.
func (r *OutboundResponse) Reason() ResponseReason {
	if r == nil {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.StatusReason()
}

func (r *OutboundResponse) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if r == nil {
		return 0, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return errtrace.Wrap2(r.msg.RenderTo(w, opts))
}

func (r *OutboundResponse) Render(opts *RenderOptions) string {
	if r == nil {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.Render(opts)
}

func (r *OutboundResponse) String() string {
	if r == nil {
		return "<nil>"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.String()
}

func (r *OutboundResponse) Format(f fmt.State, verb rune) {
	if r == nil {
		f.Write([]byte("<nil>"))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	r.msg.Format(f, verb)
}

func (r *OutboundResponse) Clone() Message {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return &OutboundResponse{
		outboundMessage[*Response]{
			message: message[*Response]{
				msg:     r.msg.Clone().(*Response), //nolint:forcetypeassert
				msgTime: time.Now(),
				locAddr: r.locAddr,
				rmtAddr: r.rmtAddr,
				data:    r.data.Clone(),
			},
		},
	}
}

func (r *OutboundResponse) Equal(v any) bool {
	if r == nil {
		return v == nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if other, ok := v.(*OutboundResponse); ok {
		return r.msg.Equal(other.msg)
	}
	return false
}

func (r *OutboundResponse) IsValid() bool {
	if r == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.IsValid()
}

func (r *OutboundResponse) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return errtrace.Wrap(r.msg.Validate())
}
