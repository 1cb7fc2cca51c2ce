package noisesocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// lenFieldSize is the size of every length field on the wire.
	lenFieldSize = 2
	// maxPacketLen is the largest payload a length-prefixed packet can carry.
	maxPacketLen = 65535
)

// appendPacket appends a length-prefixed packet to buf:
// be16(len(data)) || data.
func appendPacket(buf, data []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(data)))
	return append(buf, data...)
}

// readPacket reads one length-prefixed packet from the stream. The
// returned payload is always a non-nil, possibly empty slice. A stream
// that ends mid-packet yields ErrTruncated; any other read failure
// yields ErrStream.
func readPacket(r io.Reader) ([]byte, error) {
	var lengthPrefix [lenFieldSize]byte
	if _, err := io.ReadFull(r, lengthPrefix[:]); err != nil {
		return nil, mapReadError(err)
	}

	n := binary.BigEndian.Uint16(lengthPrefix[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, mapReadError(err)
		}
	}
	return payload, nil
}

func mapReadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return fmt.Errorf("%w: %v", ErrStream, err)
}

// paddedPlaintextLen returns the length of the padded plaintext encoding for a
// body: at least the 2-byte inner length plus the body, extended with
// zeros up to the requested padded length.
func paddedPlaintextLen(bodyLen int, padded uint16) int {
	n := lenFieldSize + bodyLen
	if int(padded) > n {
		n = int(padded)
	}
	return n
}

// padBody encodes a message body for encryption:
// be16(len(body)) || body || zeros. The zero padding extends the
// plaintext to the requested padded length so the true body size is not
// visible in the ciphertext length.
func padBody(body []byte, padded uint16) []byte {
	plaintext := make([]byte, paddedPlaintextLen(len(body), padded))
	binary.BigEndian.PutUint16(plaintext, uint16(len(body)))
	copy(plaintext[lenFieldSize:], body)
	return plaintext
}

// unpadBody strips the inner length prefix and trailing padding from a
// decrypted plaintext. The inner length claiming more bytes than the
// plaintext holds is ErrMalformed.
func unpadBody(plaintext []byte) ([]byte, error) {
	if len(plaintext) < lenFieldSize {
		return nil, fmt.Errorf("%w: padded plaintext shorter than its length field", ErrMalformed)
	}
	bodyLen := int(binary.BigEndian.Uint16(plaintext))
	if bodyLen > len(plaintext)-lenFieldSize {
		return nil, fmt.Errorf("%w: inner body length %d exceeds plaintext", ErrMalformed, bodyLen)
	}
	return plaintext[lenFieldSize : lenFieldSize+bodyLen], nil
}
