package noisesocket

import "errors"

// Error kinds returned by this package. Every error returned by a
// Socket, by Dial and Listen, or by a Conn's Handshake, Read, Write, and
// Close wraps exactly one of these sentinels, so callers dispatch with
// errors.Is. A Conn's deadline setters return the underlying
// connection's errors unchanged. ErrCrypto is the one kind an application is
// expected to catch and continue from: a responder whose first
// ReadHandshakeMessage fails with ErrCrypto may install a fallback
// protocol via Switch.
var (
	// ErrInvalidArgument indicates inputs exceeding size limits, missing
	// mandatory values, or a role that violates the reinitialization matrix.
	ErrInvalidArgument = errors.New("noisesocket: invalid argument")

	// ErrInvalidOperation indicates a call the session state machine
	// forbids: an out-of-order handshake operation, a second
	// reinitialization, a transport call before the handshake completed,
	// or a handshake call after it did.
	ErrInvalidOperation = errors.New("noisesocket: invalid operation")

	// ErrMessageTooLarge indicates a field or message that would exceed
	// the 65535-byte packet ceiling.
	ErrMessageTooLarge = errors.New("noisesocket: message too large")

	// ErrMalformed indicates an on-wire byte structure that is
	// internally inconsistent.
	ErrMalformed = errors.New("noisesocket: malformed message")

	// ErrTruncated indicates the byte stream ended in the middle of a
	// length-prefixed packet.
	ErrTruncated = errors.New("noisesocket: truncated packet")

	// ErrCrypto indicates a failure signalled by the Noise layer:
	// decryption or authentication failure, a missing required key, or
	// an unsupported pattern.
	ErrCrypto = errors.New("noisesocket: cryptographic failure")

	// ErrStream indicates an I/O failure of the underlying byte stream.
	ErrStream = errors.New("noisesocket: stream failure")

	// ErrCancelled indicates the caller's context was cancelled or its
	// deadline expired during an I/O wait.
	ErrCancelled = errors.New("noisesocket: operation cancelled")

	// ErrDisposed indicates an operation on a closed session.
	ErrDisposed = errors.New("noisesocket: socket is closed")
)
