package sip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"strconv"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/internal/util"
	"github.com/onsip/sipcore/log"
)

var (
	// MTU bounds the size of a message sent over an unreliable
	// transport.
	MTU uint = 1500
	// MaxMsgSize bounds the read buffer of a streamed transport.
	MaxMsgSize uint = math.MaxUint16
)

// TransportProto names a SIP transport.
type TransportProto = types.TransportProto

// Known transport protocols.
const (
	TransportProtoUDP  TransportProto = "UDP"
	TransportProtoTCP  TransportProto = "TCP"
	TransportProtoTLS  TransportProto = "TLS"
	TransportProtoSCTP TransportProto = "SCTP"
	TransportProtoWS   TransportProto = "WS"
	TransportProtoWSS  TransportProto = "WSS"
)

// RequestHandler handles an inbound request.
type RequestHandler = func(ctx context.Context, req *InboundRequest)

// ResponseHandler handles an inbound response.
type ResponseHandler = func(ctx context.Context, res *InboundResponse)

// ClientTransport sends requests and delivers inbound responses.
type ClientTransport interface {
	// SendRequest sends a request to the remote address.
	SendRequest(ctx context.Context, req *OutboundRequest, opts *SendRequestOptions) error
	// OnResponse registers a response callback. The transport puts
	// itself into the callback context, use
	// [ClientTransportFromContext] to get it back.
	OnResponse(fn ResponseHandler) (cancel func())
}

// SendRequestOptions tunes a single request send.
type SendRequestOptions struct {
	// Timeout bounds the send, zero means the 1m default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RenderCompact renders the message with compact header names.
	RenderCompact bool `json:"render_compact,omitempty"`
}

func (o *SendRequestOptions) timeout() time.Duration {
	if o == nil || o.Timeout == 0 {
		return msgSendTimeout
	}
	return o.Timeout
}

func (o *SendRequestOptions) rendOpts() *RenderOptions {
	if o == nil {
		return nil
	}
	return &RenderOptions{
		Compact: o.RenderCompact,
	}
}

func cloneSendReqOpts(opts *SendRequestOptions) *SendRequestOptions {
	if opts == nil {
		return nil
	}
	newOpts := *opts
	return &newOpts
}

const clnTranspCtxKey types.ContextKey = "client_transport"

// ContextWithClientTransport stores tp in the context.
func ContextWithClientTransport(ctx context.Context, tp ClientTransport) context.Context {
	return context.WithValue(ctx, clnTranspCtxKey, tp)
}

// ClientTransportFromContext extracts the [ClientTransport] a response
// arrived through.
func ClientTransportFromContext(ctx context.Context) (ClientTransport, bool) {
	tp, ok := ctx.Value(clnTranspCtxKey).(ClientTransport)
	return tp, ok
}

// ServerTransport delivers inbound requests and sends responses.
type ServerTransport interface {
	// SendResponse sends a response to a remote address resolved per
	// RFC 3261 Section 18.2.2 and RFC 3263 Section 5.
	SendResponse(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error
	// OnRequest registers a request callback. The transport puts
	// itself into the callback context, use
	// [ServerTransportFromContext] to get it back.
	OnRequest(fn RequestHandler) (cancel func())
}

// SendResponseOptions tunes a single response send.
type SendResponseOptions struct {
	// Timeout bounds the send, zero means the 1m default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RenderCompact renders the message with compact header names.
	RenderCompact bool `json:"render_compact,omitempty"`
}

func (o *SendResponseOptions) timeout() time.Duration {
	if o == nil || o.Timeout == 0 {
		return msgSendTimeout
	}
	return o.Timeout
}

func (o *SendResponseOptions) rendOpts() *RenderOptions {
	if o == nil {
		return nil
	}
	return &RenderOptions{
		Compact: o.RenderCompact,
	}
}

func cloneSendResOpts(opts *SendResponseOptions) *SendResponseOptions {
	if opts == nil {
		return nil
	}
	newOpts := *opts
	return &newOpts
}

const srvTranspCtxKey types.ContextKey = "server_transport"

// ContextWithServerTransport stores tp in the context.
func ContextWithServerTransport(ctx context.Context, tp ServerTransport) context.Context {
	return context.WithValue(ctx, srvTranspCtxKey, tp)
}

// ServerTransportFromContext extracts the [ServerTransport] a request
// arrived through.
func ServerTransportFromContext(ctx context.Context) (ServerTransport, bool) {
	tp, ok := ctx.Value(srvTranspCtxKey).(ServerTransport)
	return tp, ok
}

// Transport combines the client and server sides of one transport.
type Transport interface {
	ClientTransport
	ServerTransport
	// Serve runs the read loop until the transport is closed.
	Serve() error
	// Close shuts the transport down.
	Close() error
}

// ConnDialer dials connections for reliable transports.
type ConnDialer interface {
	// DialConn dials a connection to the remote address.
	DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error)
}

// ConnDialerFunc adapts a function to the [ConnDialer] interface.
type ConnDialerFunc func(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error)

func (f ConnDialerFunc) DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error) {
	return errtrace.Wrap2(f(ctx, network, raddr))
}

// GetTransportProto probes tp for a Proto method.
func GetTransportProto(tp any) (TransportProto, bool) {
	if v, ok := tp.(interface{ Proto() TransportProto }); ok {
		return v.Proto(), true
	}
	return "", false
}

// GetTransportNetwork probes tp for a Network method.
func GetTransportNetwork(tp any) (string, bool) {
	if v, ok := tp.(interface{ Network() string }); ok {
		return v.Network(), true
	}
	return "", false
}

// GetTransportLocalAddr probes tp for a LocalAddr method.
func GetTransportLocalAddr(tp any) (netip.AddrPort, bool) {
	if v, ok := tp.(interface{ LocalAddr() netip.AddrPort }); ok {
		return v.LocalAddr(), true
	}
	return zeroAddrPort, false
}

// IsReliableTransport probes tp for a Reliable method, false when
// absent.
func IsReliableTransport(tp any) bool {
	if v, ok := tp.(interface{ Reliable() bool }); ok {
		return v.Reliable()
	}
	return false
}

// IsSecuredTransport probes tp for a Secured method, false when
// absent.
func IsSecuredTransport(tp any) bool {
	if v, ok := tp.(interface{ Secured() bool }); ok {
		return v.Secured()
	}
	return false
}

// IsStreamedTransport probes tp for a Streamed method, false when
// absent.
func IsStreamedTransport(tp any) bool {
	if v, ok := tp.(interface{ Streamed() bool }); ok {
		return v.Streamed()
	}
	return false
}

// GetTransportDefaultPort probes tp for a DefaultPort method.
func GetTransportDefaultPort(tp any) (uint16, bool) {
	if v, ok := tp.(interface{ DefaultPort() uint16 }); ok {
		return v.DefaultPort(), true
	}
	return 0, false
}

// TransportMetadata describes the properties of a transport that affect
// the destination resolution.
type TransportMetadata struct {
	Proto       TransportProto
	Network     string
	Reliable    bool
	Secured     bool
	Streamed    bool
	DefaultPort uint16
}

// GetTransportMetadata collects the transport properties via the capability probes.
func GetTransportMetadata(tp any) TransportMetadata {
	var meta TransportMetadata
	meta.Proto, _ = GetTransportProto(tp)
	meta.Network, _ = GetTransportNetwork(tp)
	meta.Reliable = IsReliableTransport(tp)
	meta.Secured = IsSecuredTransport(tp)
	meta.Streamed = IsStreamedTransport(tp)
	meta.DefaultPort, _ = GetTransportDefaultPort(tp)
	return meta
}

func respondStateless(ctx context.Context, tp ServerTransport, req *InboundRequest, sts ResponseStatus) {
	logger := log.LoggerFromValues(ctx, tp)
	if tp == nil {
		logger.LogAttrs(ctx, slog.LevelError, "silently discard inbound request due to missing transport",
			slog.Any("request", req),
		)
		return
	}
	if req.Method().Equal(RequestMethodAck) {
		logger.LogAttrs(ctx, slog.LevelDebug, "silently discard inbound ACK request", slog.Any("request", req))
		return
	}

	var hdrs Headers
	if sts == ResponseStatusServerInternalError || sts == ResponseStatusServiceUnavailable {
		hdrs = make(Headers).Append(&header.RetryAfter{Delay: time.Minute})
	}
	res, err := req.NewResponse(sts, &ResponseOptions{
		Headers:  hdrs,
		LocalTag: stableStatelessToTag(req),
	})
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelError, "failed to build response on inbound request",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		return
	}

	if err := tp.SendResponse(ctx, res, nil); err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			logger.LogAttrs(ctx, slog.LevelDebug, "silently discard inbound request due to invalid response",
				slog.Any("request", req),
				slog.Any("response", res),
				slog.Any("error", err),
			)
			return
		}

		logger.LogAttrs(ctx, slog.LevelError, "failed to respond on inbound request",
			slog.Any("request", req),
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}
}

// stableStatelessToTag derives a To tag from the request fields that
// survive retransmissions, so stateless responses to the same request
// always carry the same tag (RFC 3261 Section 8.2.7).
func stableStatelessToTag(req *InboundRequest) string {
	if req == nil {
		return ""
	}

	hdrs := req.Headers()
	if hdrs == nil {
		return ""
	}

	var reqURI string
	if uri := req.URI(); uri != nil {
		reqURI = util.LCase(uri.Render(nil))
	}

	via, ok := hdrs.FirstVia()
	var topVia string
	if ok {
		topVia = util.LCase(via.String())
	}

	callID, _ := hdrs.CallID()

	var fromTag string
	if from, ok := hdrs.From(); ok && from != nil {
		if t, ok := from.Tag(); ok {
			fromTag = t
		}
	}

	var cseqNum uint
	var cseqMethod RequestMethod
	if cseq, ok := hdrs.CSeq(); ok && cseq != nil {
		cseqNum = cseq.SeqNum
		cseqMethod = util.UCase(cseq.Method)
	}

	key := make([]byte, 0, 96)
	key = append(key, "uri="...)
	key = append(key, reqURI...)
	key = append(key, "|via="...)
	key = append(key, topVia...)
	key = append(key, "|callid="...)
	key = append(key, callID...)
	key = append(key, "|fromtag="...)
	key = append(key, fromTag...)
	key = append(key, "|cseq="...)
	key = strconv.AppendUint(key, uint64(cseqNum), 10)
	key = append(key, "|cseqm="...)
	key = append(key, cseqMethod...)

	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
