package noisesocket

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisesocket/noise"
)

// WriteHandshakeMessage emits one handshake wire unit: a
// negotiation-data packet immediately followed by a noise-message
// packet, written to the stream in a single call. The message body is
// carried as the Noise payload; when the payload is encrypted at this
// point of the handshake it is length-prefixed and zero-padded to
// paddedLen first.
func (s *Socket) WriteHandshakeMessage(ctx context.Context, negotiationData, messageBody []byte, paddedLen uint16) error {
	if err := s.expectHandshakeOp(opWrite); err != nil {
		return err
	}
	if len(negotiationData) > maxPacketLen {
		return fmt.Errorf("%w: negotiation data is %d bytes", ErrMessageTooLarge, len(negotiationData))
	}
	if len(messageBody) > maxPacketLen {
		return fmt.Errorf("%w: message body is %d bytes", ErrMessageTooLarge, len(messageBody))
	}
	if s.nextEncrypted && paddedPlaintextLen(len(messageBody), paddedLen)+noise.TagSize > maxPacketLen {
		return fmt.Errorf("%w: padded message does not fit a noise message", ErrMessageTooLarge)
	}

	s.accumulator.add(negotiationData)
	if err := s.ensureHandshakeState(); err != nil {
		return s.fail(err)
	}

	payload := messageBody
	if s.nextEncrypted {
		payload = padBody(messageBody, paddedLen)
	}

	message, transport, err := s.handshake.WriteMessage(payload)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrCrypto, err))
	}
	if len(message) > maxPacketLen {
		return s.fail(fmt.Errorf("%w: noise message is %d bytes", ErrMessageTooLarge, len(message)))
	}

	s.accumulator.add(message)
	if len(message) > 0 {
		s.nextEncrypted = true
	}

	buf := make([]byte, 0, 2*lenFieldSize+len(negotiationData)+len(message))
	buf = appendPacket(buf, negotiationData)
	buf = appendPacket(buf, message)

	if err := s.writeWire(ctx, buf); err != nil {
		if transport != nil {
			transport.Close()
		}
		return s.fail(err)
	}

	if transport != nil {
		s.completeHandshake(transport)
	}
	s.nextOp = s.nextOp.next()
	return nil
}

// WriteEmptyHandshakeMessage emits a negotiation-data packet followed
// by a zero-length noise-message packet, with no Noise call. Only the
// server uses it, to answer an initial handshake it wants switched or
// retried; both packets still enter the prologue transcript.
func (s *Socket) WriteEmptyHandshakeMessage(ctx context.Context, negotiationData []byte) error {
	if s.client {
		return fmt.Errorf("%w: only the server writes empty handshake messages", ErrInvalidOperation)
	}
	if err := s.expectHandshakeOp(opWrite); err != nil {
		return err
	}
	if len(negotiationData) > maxPacketLen {
		return fmt.Errorf("%w: negotiation data is %d bytes", ErrMessageTooLarge, len(negotiationData))
	}

	s.accumulator.add(negotiationData)
	s.accumulator.add(nil)

	buf := make([]byte, 0, 2*lenFieldSize+len(negotiationData))
	buf = appendPacket(buf, negotiationData)
	buf = appendPacket(buf, nil)

	if err := s.writeWire(ctx, buf); err != nil {
		return s.fail(err)
	}

	s.nextOp = s.nextOp.next()
	return nil
}

// ReadNegotiationData reads the negotiation-data packet of the peer's
// handshake message and returns it. The value is always a non-nil,
// possibly empty slice; this layer never interprets it.
func (s *Socket) ReadNegotiationData(ctx context.Context) ([]byte, error) {
	if err := s.expectHandshakeOp(opReadNegotiation); err != nil {
		return nil, err
	}
	if err := s.checkContext(ctx); err != nil {
		return nil, s.fail(err)
	}

	negotiationData, err := readPacket(s.stream)
	if err != nil {
		return nil, s.fail(mapIOError(ctx, err))
	}

	s.accumulator.add(negotiationData)
	s.nextOp = s.nextOp.next()
	return negotiationData, nil
}

// ReadHandshakeMessage reads the noise-message packet of the peer's
// handshake message, advances the handshake, and returns the message
// body. ErrCrypto from here is recoverable by Switch when the peer's
// message was built for a protocol this side refuses: the raw bytes
// already read stay in the prologue transcript.
func (s *Socket) ReadHandshakeMessage(ctx context.Context) ([]byte, error) {
	if err := s.expectHandshakeOp(opReadHandshake); err != nil {
		return nil, err
	}

	// The handshake state is built before the packet is read so its
	// prologue covers exactly the messages exchanged up to this point.
	if err := s.ensureHandshakeState(); err != nil {
		return nil, s.fail(err)
	}
	if err := s.checkContext(ctx); err != nil {
		return nil, s.fail(err)
	}

	message, err := readPacket(s.stream)
	if err != nil {
		return nil, s.fail(mapIOError(ctx, err))
	}

	s.accumulator.add(message)
	s.captureRemoteEphemeral(message)

	if len(message) == 0 {
		s.nextOp = s.nextOp.next()
		return []byte{}, nil
	}

	payload, transport, err := s.handshake.ReadMessage(message)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ReadHandshakeMessage",
			"protocol": s.protocol.String(),
			"error":    err.Error(),
		}).Warn("Noise handshake read failed")
		// The slot is consumed even on failure: a responder that
		// recovers by switching continues with its write.
		s.nextOp = s.nextOp.next()
		return nil, s.failSwitchable(fmt.Errorf("%w: %v", ErrCrypto, err))
	}

	wasEncrypted := s.nextEncrypted
	s.nextEncrypted = true

	if transport != nil {
		s.completeHandshake(transport)
	}

	body := payload
	if wasEncrypted {
		body, err = unpadBody(payload)
		if err != nil {
			return nil, s.fail(err)
		}
	}
	if body == nil {
		body = []byte{}
	}

	s.nextOp = s.nextOp.next()
	return body, nil
}

// IgnoreHandshakeMessage reads and discards the peer's noise-message
// packet without a Noise call. The receiver of a Switch or Retry uses
// it to drop a message built for the protocol being abandoned while
// still binding its raw bytes into the new prologue.
func (s *Socket) IgnoreHandshakeMessage(ctx context.Context) error {
	if err := s.expectHandshakeOp(opReadHandshake); err != nil {
		return err
	}
	if err := s.checkContext(ctx); err != nil {
		return s.fail(err)
	}

	message, err := readPacket(s.stream)
	if err != nil {
		return s.fail(mapIOError(ctx, err))
	}

	s.accumulator.add(message)
	s.captureRemoteEphemeral(message)

	s.nextOp = s.nextOp.next()
	return nil
}

// writeWire pushes one buffer to the stream as a single write.
func (s *Socket) writeWire(ctx context.Context, buf []byte) error {
	if err := s.checkContext(ctx); err != nil {
		return err
	}
	if _, err := s.stream.Write(buf); err != nil {
		return mapIOError(ctx, fmt.Errorf("%w: %v", ErrStream, err))
	}
	return nil
}
