package ws

import "errors"

var (
	// ErrHandshake is returned when an upgrade request cannot be accepted,
	// typically because the Sec-WebSocket-Key header is missing.
	ErrHandshake = errors.New("websocket: handshake failed")

	// ErrFrameTooLarge is returned when a frame needs the 64-bit extended
	// payload length, on decode or on encode.
	ErrFrameTooLarge = errors.New("websocket: frame too large")

	// ErrProtocolViolation is returned for frames this engine refuses: any
	// opcode other than text, fragmented frames, reserved bits, unmasked client
	// frames and text payloads that are not valid UTF-8.
	ErrProtocolViolation = errors.New("websocket: protocol violation")

	// ErrIncomplete means more bytes are needed before the next value can be
	// parsed. It never closes a session.
	ErrIncomplete = errors.New("websocket: incomplete input")

	// ErrNotUpgrade marks a well-formed HTTP request that does not ask for a
	// protocol upgrade.
	ErrNotUpgrade = errors.New("websocket: not an upgrade request")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("websocket: session closed")

	// ErrHandlerPanic wraps a panic recovered from a message handler.
	ErrHandlerPanic = errors.New("websocket: handler panic")

	// ErrSendQueueFull closes a session whose peer reads slower than frames
	// are queued for it.
	ErrSendQueueFull = errors.New("websocket: send queue full")
)

// Error kind labels used by metrics and logs.
const (
	KindNone              = "none"
	KindHandshake         = "handshake"
	KindFrameTooLarge     = "frame_too_large"
	KindProtocolViolation = "protocol_violation"
	KindHandler           = "handler"
	KindBackpressure      = "backpressure"
	KindTransport         = "transport"
)

// ErrorKind maps err to a stable label. A nil error is KindNone and anything
// unrecognised is treated as a transport failure.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrHandshake):
		return KindHandshake
	case errors.Is(err, ErrFrameTooLarge):
		return KindFrameTooLarge
	case errors.Is(err, ErrProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, ErrHandlerPanic), errors.As(err, new(*HandlerError)):
		return KindHandler
	case errors.Is(err, ErrSendQueueFull):
		return KindBackpressure
	default:
		return KindTransport
	}
}

// HandlerError wraps an error returned by a Handler so that it can be told
// apart from transport failures.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string { return "websocket: handler: " + e.Err.Error() }

func (e *HandlerError) Unwrap() error { return e.Err }
