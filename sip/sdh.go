package sip

import (
	"context"
	"strings"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/util"
)

// Well known body content types.
const (
	ContentTypeSDP       = "application/sdp"
	ContentTypeDTMFRelay = "application/dtmf-relay"
)

// SessionDescription is an opaque media description carried in a message body.
// The engine never inspects the body, it only moves descriptions between
// messages and the [SessionDescriptionHandler].
type SessionDescription struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

func (sd *SessionDescription) IsZero() bool {
	return sd == nil || (sd.ContentType == "" && len(sd.Body) == 0)
}

// DescriptionOptions contains options for producing or applying a description.
type DescriptionOptions struct {
	// Hold requests a hold (sendonly/inactive) description from the handler.
	Hold bool
}

func (o *DescriptionOptions) hold() bool { return o != nil && o.Hold }

// SessionDescriptionHandler is the media negotiation collaborator of a session.
// The engine calls it at the points mandated by the offer/answer model
// (RFC 3264) and treats its results as opaque bodies.
//
// Implementations are owned by exactly one session and are closed when the
// session terminates.
type SessionDescriptionHandler interface {
	// HasDescription reports whether the handler understands the content type.
	HasDescription(contentType string) bool
	// GetDescription produces a local offer or answer.
	GetDescription(ctx context.Context, opts *DescriptionOptions) (*SessionDescription, error)
	// SetDescription applies a remote offer or answer.
	SetDescription(ctx context.Context, desc *SessionDescription, opts *DescriptionOptions) error
	// Close releases the handler resources. It must be safe to call more than once.
	Close() error
}

// SendMediaDTMF probes the handler for an RTP-path DTMF capability
// and sends the tones through it when available.
func SendMediaDTMF(sdh SessionDescriptionHandler, tones string) bool {
	if v, ok := sdh.(interface{ SendDTMF(tones string) bool }); ok {
		return v.SendDTMF(tones)
	}
	return false
}

// MessageDescription extracts the body description of a message.
// It returns nil when the message has no body.
func MessageDescription(msg Message) *SessionDescription {
	body := GetMessageBody(msg)
	if len(body) == 0 {
		return nil
	}

	contentType := ContentTypeSDP
	if ct, ok := GetMessageHeaders(msg).ContentType(); ok && ct != nil {
		contentType = util.LCase(ct.Type) + "/" + util.LCase(ct.Subtype)
	}

	return &SessionDescription{
		ContentType: contentType,
		Body:        body,
	}
}

// descHeaders returns the headers describing a session description body.
func descHeaders(desc *SessionDescription) Headers {
	if desc.IsZero() {
		return nil
	}

	typ, subtype, _ := strings.Cut(desc.ContentType, "/")
	ct := header.ContentType(header.MIMEType{Type: typ, Subtype: subtype})
	return make(Headers, 1).Set(&ct)
}
