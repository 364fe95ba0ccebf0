package sip

import "github.com/onsip/sipcore/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrTransactionNotFound    Error = "transaction not found"
	ErrTransactionNotMatched  Error = "transaction not matched"
	ErrTransactionTimedOut    Error = "transaction timed out"
	ErrTransactionLayerClosed Error = "transaction layer closed"
)

// Dialog and session errors.
const (
	ErrDialogNotFound   Error = "dialog not found"
	ErrDialogTerminated Error = "dialog terminated"
	ErrSessionNotFound  Error = "session not found"
	ErrSessionClosed    Error = "session closed"
	ErrNoAnswer         Error = "no answer available"
	ErrOfferInProgress  Error = "offer/answer exchange in progress"
	ErrRequestRejected  Error = "request rejected"
	ErrRequestCancelled Error = "request cancelled"
)

// Transport errors.
const (
	// ErrTransportClosed is returned when attempting to use a closed transport.
	ErrTransportClosed Error = "transport closed"
	// ErrNoTarget is returned when no target for the message is resolved.
	ErrNoTarget Error = "no target resolved"
	// ErrUnhandledMessage is returned when the message wasn't handled by any receiver or sender.
	ErrUnhandledMessage Error = "unhandled message"
	ErrNoTransport      Error = "no transport resolved"
)

// Message errors.
const (
	ErrInvalidMessage    Error = "invalid message"
	ErrEntityTooLarge    Error = "entity too large"
	ErrMessageTooLarge   Error = "message too large"
	ErrMethodNotAllowed  Error = "request method not allowed"
	ErrMessageNotMatched Error = "message not matched"

	errMissHdrs Error = "missing mandatory headers"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewInvalidMessageError creates a new error with [ErrInvalidMessage] or
// wraps provided error with [ErrInvalidMessage].
func NewInvalidMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidMessage, args...) //errtrace:skip
}
