package domain

import "errors"

// Error classes. Errors returned by the engine, the stores and the session
// wrap exactly one of these; callers classify with errors.Is.
var (
	// ErrValidation: malformed send request, rejected before any side effect.
	ErrValidation = errors.New("validation error")
	// ErrPersistence: the message store rejected or failed the append.
	ErrPersistence = errors.New("persistence error")
	// ErrLookup: membership resolution failed after the message was stored.
	ErrLookup = errors.New("lookup error")
	// ErrTransport: socket read or write failure.
	ErrTransport = errors.New("transport error")
	// ErrProtocol: unparseable inbound frame.
	ErrProtocol = errors.New("protocol error")
	// ErrUnknownKind: well-formed frame with an unrecognized message_type.
	ErrUnknownKind = errors.New("unknown message type")
	// ErrNotFound: a store lookup found nothing.
	ErrNotFound = errors.New("not found")
)

// Error codes carried by outbound "error" envelopes and HTTP error bodies.
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodePersistence = "PERSISTENCE_ERROR"
	ErrCodeLookup      = "LOOKUP_ERROR"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

// ErrorCode maps an error to the code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return ErrCodeValidation
	case errors.Is(err, ErrPersistence):
		return ErrCodePersistence
	case errors.Is(err, ErrLookup):
		return ErrCodeLookup
	default:
		return ErrCodeInternal
	}
}
