package noisesocket

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/noisesocket/noise"
)

// WriteMessage encrypts and sends one transport message. The plaintext
// is the body behind a 2-byte inner length, zero-padded to paddedLen;
// the wire carries a single packet whose payload is the AEAD
// ciphertext.
func (s *Socket) WriteMessage(ctx context.Context, body []byte, paddedLen uint16) error {
	if err := s.expectTransport(); err != nil {
		return err
	}

	plaintextLen := paddedPlaintextLen(len(body), paddedLen)
	ciphertextLen := plaintextLen + noise.TagSize
	if lenFieldSize+ciphertextLen > maxPacketLen {
		return fmt.Errorf("%w: transport message needs %d bytes on the wire", ErrMessageTooLarge, lenFieldSize+ciphertextLen)
	}

	plaintext := padBody(body, paddedLen)

	buf := make([]byte, lenFieldSize, lenFieldSize+ciphertextLen)
	binary.BigEndian.PutUint16(buf, uint16(ciphertextLen))

	buf, err := s.transport.Encrypt(buf, plaintext)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrCrypto, err))
	}

	if err := s.writeWire(ctx, buf); err != nil {
		return s.fail(err)
	}
	return nil
}

// ReadMessage receives and decrypts one transport message, returning
// the body with its padding stripped. Authentication failure is
// ErrCrypto; a packet too small to hold the inner length and tag, or an
// inner length pointing past the plaintext, is ErrMalformed.
func (s *Socket) ReadMessage(ctx context.Context) ([]byte, error) {
	if err := s.expectTransport(); err != nil {
		return nil, err
	}
	if err := s.checkContext(ctx); err != nil {
		return nil, s.fail(err)
	}

	packet, err := readPacket(s.stream)
	if err != nil {
		return nil, s.fail(mapIOError(ctx, err))
	}
	if len(packet) < lenFieldSize+noise.TagSize {
		return nil, s.fail(fmt.Errorf("%w: transport packet of %d bytes is below the minimum", ErrMalformed, len(packet)))
	}

	plaintext, err := s.transport.Decrypt(packet[:0], packet)
	if err != nil {
		return nil, s.fail(fmt.Errorf("%w: %v", ErrCrypto, err))
	}

	body, err := unpadBody(plaintext)
	if err != nil {
		return nil, s.fail(err)
	}
	return body, nil
}
