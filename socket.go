package noisesocket

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisesocket/noise"
)

// phase tracks the session lifecycle.
type phase int

const (
	phaseHandshake phase = iota
	phaseTransport
	phaseClosed
)

// reinitMode records how the session's protocol was reached and selects
// the prologue initialization tag.
type reinitMode int

const (
	modeInitial reinitMode = iota
	modeAccept
	modeSwitch
	modeRetry
)

func (m reinitMode) initTag() string {
	switch m {
	case modeSwitch:
		return initTagSwitch
	case modeRetry:
		return initTagRetry
	default:
		return initTagInitial
	}
}

func (m reinitMode) String() string {
	switch m {
	case modeAccept:
		return "accept"
	case modeSwitch:
		return "switch"
	case modeRetry:
		return "retry"
	default:
		return "initial"
	}
}

// handshakeOp is one slot of the fixed handshake call order. Both roles
// cycle write -> read-negotiation -> read-handshake; the client enters
// the cycle at the write slot, the server at the read-negotiation slot.
type handshakeOp int

const (
	opWrite handshakeOp = iota
	opReadNegotiation
	opReadHandshake
)

func (op handshakeOp) String() string {
	switch op {
	case opWrite:
		return "write handshake message"
	case opReadNegotiation:
		return "read negotiation data"
	default:
		return "read handshake message"
	}
}

func (op handshakeOp) next() handshakeOp {
	switch op {
	case opWrite:
		return opReadNegotiation
	case opReadNegotiation:
		return opReadHandshake
	default:
		return opWrite
	}
}

// Socket is a NoiseSocket session over a reliable, ordered byte stream.
// A Socket is a sequentially-accessed object: calls must not overlap.
// Construct one side with NewClient and the other with NewServer, drive
// the handshake operations in the documented order, then exchange
// transport messages.
type Socket struct {
	stream    io.ReadWriter
	leaveOpen bool
	client    bool

	protocol *noise.Protocol
	config   *noise.Config

	phase         phase
	mode          reinitMode
	reinitialized bool
	nextOp        handshakeOp
	nextEncrypted bool

	accumulator *prologueAccumulator
	handshake   *noise.HandshakeState
	transport   *noise.Transport

	handshakeHash   []byte
	remoteStatic    []byte
	remoteEphemeral []byte

	// failure poisons the session after an error; only Close (and, when
	// switchable, Switch) remain legal.
	failure    error
	switchable bool

	pushedDeadline bool
}

// NewClient creates the client side of a NoiseSocket session. The
// configuration must mark this side as the handshake initiator. When
// leaveOpen is false, closing the socket also closes the stream.
func NewClient(protocol *noise.Protocol, config *noise.Config, stream io.ReadWriter, leaveOpen bool) (*Socket, error) {
	if protocol == nil || config == nil {
		return nil, fmt.Errorf("%w: protocol and config are required", ErrInvalidArgument)
	}
	if stream == nil {
		return nil, fmt.Errorf("%w: stream is required", ErrInvalidArgument)
	}
	if !config.Initiator {
		return nil, fmt.Errorf("%w: the client starts as the handshake initiator", ErrInvalidArgument)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewClient",
		"protocol": protocol.String(),
	}).Debug("Creating NoiseSocket client session")

	return &Socket{
		stream:        stream,
		leaveOpen:     leaveOpen,
		client:        true,
		protocol:      protocol,
		config:        config.Clone(),
		nextOp:        opWrite,
		nextEncrypted: protocol.EarlyEncryption(),
		accumulator:   &prologueAccumulator{},
	}, nil
}

// NewServer creates the server side of a NoiseSocket session. The
// server has no protocol until Accept, Switch, or Retry installs one
// after the first negotiation data arrives; use NewServerWithProtocol
// to build the handshake state speculatively against a default.
func NewServer(stream io.ReadWriter, leaveOpen bool) (*Socket, error) {
	if stream == nil {
		return nil, fmt.Errorf("%w: stream is required", ErrInvalidArgument)
	}

	logrus.WithField("function", "NewServer").Debug("Creating NoiseSocket server session")

	return &Socket{
		stream:      stream,
		leaveOpen:   leaveOpen,
		nextOp:      opReadNegotiation,
		accumulator: &prologueAccumulator{},
	}, nil
}

// NewServerWithProtocol creates a server session that already expects a
// default protocol, so the first handshake message can be processed
// without an explicit Accept. The one-shot Accept/Switch/Retry
// transition stays available: a server that guessed wrong, for example
// one whose speculative read failed with ErrCrypto, may still Switch to
// a fallback protocol.
func NewServerWithProtocol(protocol *noise.Protocol, config *noise.Config, stream io.ReadWriter, leaveOpen bool) (*Socket, error) {
	if protocol == nil || config == nil {
		return nil, fmt.Errorf("%w: protocol and config are required", ErrInvalidArgument)
	}
	if stream == nil {
		return nil, fmt.Errorf("%w: stream is required", ErrInvalidArgument)
	}
	if config.Initiator {
		return nil, fmt.Errorf("%w: the server starts as the handshake responder", ErrInvalidArgument)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewServerWithProtocol",
		"protocol": protocol.String(),
	}).Debug("Creating NoiseSocket server session with default protocol")

	return &Socket{
		stream:        stream,
		leaveOpen:     leaveOpen,
		protocol:      protocol,
		config:        config.Clone(),
		nextOp:        opReadNegotiation,
		nextEncrypted: protocol.EarlyEncryption(),
		accumulator:   &prologueAccumulator{},
	}, nil
}

// Accept commits the server to the protocol the client proposed. Legal
// once, on the server, before the handshake state is rebuilt, with a
// responder configuration.
func (s *Socket) Accept(protocol *noise.Protocol, config *noise.Config) error {
	return s.reinitialize(modeAccept, protocol, config)
}

// Switch installs a different protocol than the one the initial
// handshake message was built for. The responder of the byte stream
// becomes the initiator of the new handshake: servers call Switch with
// an initiator configuration, clients (reacting to a server's switch)
// with a responder configuration.
//
// Switch is also the documented recovery from ErrCrypto on the first
// ReadHandshakeMessage: the failed message's raw bytes stay in the
// prologue transcript and the ephemeral it carried is available to
// fallback patterns.
func (s *Socket) Switch(protocol *noise.Protocol, config *noise.Config) error {
	return s.reinitialize(modeSwitch, protocol, config)
}

// Retry asks for, or answers, a fresh start under a different protocol
// with the original roles kept: the client stays initiator, the server
// stays responder.
func (s *Socket) Retry(protocol *noise.Protocol, config *noise.Config) error {
	return s.reinitialize(modeRetry, protocol, config)
}

func (s *Socket) reinitialize(mode reinitMode, protocol *noise.Protocol, config *noise.Config) error {
	if s.phase == phaseClosed {
		return ErrDisposed
	}
	if s.phase != phaseHandshake {
		return fmt.Errorf("%w: handshake already complete", ErrInvalidOperation)
	}
	if s.reinitialized {
		return fmt.Errorf("%w: session was already reinitialized", ErrInvalidOperation)
	}
	if s.failure != nil && !(s.switchable && mode == modeSwitch) {
		return fmt.Errorf("%w: session failed: %v", ErrInvalidOperation, s.failure)
	}
	if protocol == nil || config == nil {
		return fmt.Errorf("%w: protocol and config are required", ErrInvalidArgument)
	}
	if err := checkReinitRole(mode, s.client, config.Initiator); err != nil {
		return err
	}

	config = config.Clone()

	// A fallback handshake reuses the ephemeral of the one being
	// abandoned: as the new initiator, the peer's; as the new responder,
	// our own.
	if protocol.IsFallback() {
		if config.Initiator && config.RemoteEphemeral == nil && s.remoteEphemeral != nil {
			config.RemoteEphemeral = append([]byte(nil), s.remoteEphemeral...)
		}
		if !config.Initiator && config.LocalEphemeral == nil && s.handshake != nil {
			config.LocalEphemeral = s.handshake.LocalEphemeralKey()
		}
	}

	s.handshake.Close()
	s.handshake = nil
	if s.config != nil {
		s.config.Wipe()
	}

	s.protocol = protocol
	s.config = config
	s.mode = mode
	s.reinitialized = true
	s.nextEncrypted = protocol.EarlyEncryption()
	s.failure = nil
	s.switchable = false

	logrus.WithFields(logrus.Fields{
		"function":  "reinitialize",
		"mode":      mode.String(),
		"protocol":  protocol.String(),
		"initiator": config.Initiator,
		"saved":     s.accumulator.count(),
	}).Info("NoiseSocket session reinitialized")

	return nil
}

// checkReinitRole enforces the reinitialization role matrix.
func checkReinitRole(mode reinitMode, client, initiator bool) error {
	var ok bool
	switch mode {
	case modeAccept:
		ok = !client && !initiator
	case modeSwitch:
		// The stream responder initiates the new handshake.
		ok = (client && !initiator) || (!client && initiator)
	case modeRetry:
		// Original handshake roles are kept.
		ok = (client && initiator) || (!client && !initiator)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not legal for this role combination", ErrInvalidArgument, mode)
	}
	return nil
}

// HandshakeComplete reports whether the handshake has produced the
// transport and the session can exchange transport messages.
func (s *Socket) HandshakeComplete() bool {
	return s.phase == phaseTransport
}

// HandshakeHash returns the handshake hash of the completed handshake,
// usable as a channel-binding value. It is only available once the
// handshake has completed.
func (s *Socket) HandshakeHash() ([]byte, error) {
	if s.phase == phaseClosed {
		return nil, ErrDisposed
	}
	if s.phase != phaseTransport {
		return nil, fmt.Errorf("%w: handshake hash is unavailable before the handshake completes", ErrInvalidOperation)
	}
	return append([]byte(nil), s.handshakeHash...), nil
}

// RemoteStatic returns the remote static public key learned during the
// handshake, or nil when the pattern transmitted none.
func (s *Socket) RemoteStatic() []byte {
	return append([]byte(nil), s.remoteStatic...)
}

// Close releases the session: the configuration's private keys and the
// transport's copy of the handshake hash are zeroed, the handshake state
// and transport are dropped, and the stream is closed unless the session
// was created with leaveOpen. The key material inside the dropped
// handshake and cipher states is not zeroed. Close is idempotent.
func (s *Socket) Close() error {
	if s.phase == phaseClosed {
		return nil
	}
	s.phase = phaseClosed

	s.handshake.Close()
	s.handshake = nil
	s.transport.Close()
	s.transport = nil
	if s.config != nil {
		s.config.Wipe()
	}
	s.accumulator = nil

	logrus.WithField("function", "Close").Debug("NoiseSocket session closed")

	if s.leaveOpen {
		return nil
	}
	if closer, ok := s.stream.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("%w: %v", ErrStream, err)
		}
	}
	return nil
}

// expectHandshakeOp validates that a handshake operation is legal now.
func (s *Socket) expectHandshakeOp(op handshakeOp) error {
	if s.phase == phaseClosed {
		return ErrDisposed
	}
	if s.failure != nil {
		return fmt.Errorf("%w: session failed: %v", ErrInvalidOperation, s.failure)
	}
	if s.phase != phaseHandshake {
		return fmt.Errorf("%w: handshake already complete", ErrInvalidOperation)
	}
	if s.nextOp != op {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidOperation, s.nextOp, op)
	}
	return nil
}

// expectTransport validates that a transport operation is legal now.
func (s *Socket) expectTransport() error {
	if s.phase == phaseClosed {
		return ErrDisposed
	}
	if s.failure != nil {
		return fmt.Errorf("%w: session failed: %v", ErrInvalidOperation, s.failure)
	}
	if s.phase != phaseTransport {
		return fmt.Errorf("%w: handshake not complete", ErrInvalidOperation)
	}
	return nil
}

// fail poisons the session and returns the error unchanged.
func (s *Socket) fail(err error) error {
	s.failure = err
	s.switchable = false
	return err
}

// failSwitchable poisons the session but leaves Switch legal; used for
// ErrCrypto from ReadHandshakeMessage, the one error an application may
// recover from.
func (s *Socket) failSwitchable(err error) error {
	s.failure = err
	s.switchable = true
	return err
}

// ensureHandshakeState lazily builds the Noise handshake state. The
// prologue is snapshotted here: the initialization tag for the current
// mode, every message accumulated so far, then the application
// prologue. Construction cannot happen earlier because the prologue
// depends on bytes that only exist once negotiation has progressed.
func (s *Socket) ensureHandshakeState() error {
	if s.handshake != nil {
		return nil
	}
	if s.protocol == nil || s.config == nil {
		return fmt.Errorf("%w: no protocol configured; call Accept, Switch, or Retry first", ErrInvalidOperation)
	}

	prologue := s.accumulator.build(s.mode.initTag())
	handshake, err := s.protocol.Create(s.config, prologue)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ensureHandshakeState",
			"protocol": s.protocol.String(),
			"error":    err.Error(),
		}).Error("Failed to create handshake state")
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	s.handshake = handshake
	return nil
}

// completeHandshake installs the transport produced by the final
// handshake message and releases everything the handshake needed.
func (s *Socket) completeHandshake(transport *noise.Transport) {
	s.handshakeHash = transport.HandshakeHash()
	s.remoteStatic = s.handshake.PeerStatic()
	s.handshake.Close()
	s.handshake = nil
	s.transport = transport
	s.accumulator = nil
	s.config.Wipe()
	s.phase = phaseTransport

	logrus.WithFields(logrus.Fields{
		"function": "completeHandshake",
		"protocol": s.protocol.String(),
		"mode":     s.mode.String(),
		"client":   s.client,
	}).Info("NoiseSocket handshake complete")
}

// captureRemoteEphemeral remembers the remote ephemeral from the first
// handshake message this side read or ignored, so a later Switch to a
// fallback pattern can reuse it.
func (s *Socket) captureRemoteEphemeral(message []byte) {
	if s.remoteEphemeral == nil && len(message) >= noise.DHLen {
		s.remoteEphemeral = append([]byte(nil), message[:noise.DHLen]...)
	}
}

// checkContext returns early when the caller's context is already done,
// and otherwise pushes its deadline onto the stream when the stream
// supports deadlines. A deadline pushed by an earlier call is cleared
// again when the next call carries none.
func (s *Socket) checkContext(ctx context.Context) error {
	conn, hasDeadlines := s.stream.(interface{ SetDeadline(time.Time) error })

	if ctx == nil {
		return s.clearPushedDeadline(conn, hasDeadlines)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		return s.clearPushedDeadline(conn, hasDeadlines)
	}
	if hasDeadlines {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("%w: %v", ErrStream, err)
		}
		s.pushedDeadline = true
	}
	return nil
}

func (s *Socket) clearPushedDeadline(conn interface{ SetDeadline(time.Time) error }, hasDeadlines bool) error {
	if !s.pushedDeadline || !hasDeadlines {
		return nil
	}
	s.pushedDeadline = false
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %v", ErrStream, err)
	}
	return nil
}

// mapIOError folds a context cancellation into the error from an I/O
// call that may have been interrupted by it.
func mapIOError(ctx context.Context, err error) error {
	if ctx != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return err
}
