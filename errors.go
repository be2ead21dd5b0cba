package wiremux

import (
	"github.com/pkg/errors"
)

// Framing, decode and reassembly errors. These are always handled locally
// by the framer/reassembler (discard and resync); they are never returned
// to a caller, but are exported so tests can assert on them with errors.Is.
var (
	ErrChecksumMismatch  = errors.New("wiremux: checksum mismatch")
	ErrUnknownCompression = errors.New("wiremux: unknown compression mode")
	ErrDecompressFailure = errors.New("wiremux: decompress failure")
	ErrPayloadTooLarge   = errors.New("wiremux: payload exceeds max payload size")
	ErrBadSentinel       = errors.New("wiremux: missing frame sentinel")
	ErrShortHeader       = errors.New("wiremux: short header")
	ErrEncryptionUnsupported = errors.New("wiremux: nonzero encryption mode rejected")
	ErrReassemblyTimeout = errors.New("wiremux: reassembly timed out")
)

// ProtocolMisuse errors are returned to the caller as precondition failures.
var (
	ErrReservedCommandID   = errors.New("wiremux: command id is reserved")
	ErrCommandNotRegistered = errors.New("wiremux: command id has no deserializer")
	ErrCommandAlreadyRegistered = errors.New("wiremux: command id already registered")
	ErrHandlerNotFound     = errors.New("wiremux: handler not found for command")
)

// Client/connection lifecycle errors.
var (
	// ErrConnectionClosed is returned when operating on a Client that is
	// closed or has not connected.
	ErrConnectionClosed = errors.New("wiremux: connection closed")
	// ErrBufferFull is returned when a Client's send queue is full and
	// cannot accept another frame without blocking.
	ErrBufferFull = errors.New("wiremux: send buffer full")
	// ErrRequestCancelled is yielded by SendR when its request was
	// cancelled or timed out before a response arrived.
	ErrRequestCancelled = errors.New("wiremux: request cancelled")
)

// SendError is returned by Send (and, per peer, by SendToAll) to report transport-level
// outcomes without panicking or retrying.
type SendError int

const (
	SendErrorNone SendError = iota
	SendErrorInvalid
	SendErrorSocketError
	SendErrorDisconnected
	SendErrorPacketTooLarge
)

func (e SendError) Error() string {
	switch e {
	case SendErrorNone:
		return "none"
	case SendErrorInvalid:
		return "invalid"
	case SendErrorSocketError:
		return "socket error"
	case SendErrorDisconnected:
		return "disconnected"
	case SendErrorPacketTooLarge:
		return "packet too large"
	default:
		return "unknown send error"
	}
}

// TransportError wraps a lower-level transport failure (socket create,
// bind, connect, send, receive) with context about which operation failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return errors.Wrapf(e.Err, "wiremux: transport %s failed", e.Op).Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func newTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// errWrap attaches op context to a sentinel error while preserving
// errors.Is matchability against the sentinel.
func errWrap(sentinel error, op string) error {
	return errors.Wrap(sentinel, op)
}
