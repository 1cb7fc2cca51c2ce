package noise

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/noisesocket/crypto"
)

var (
	// ErrTransportClosed indicates use of a transport after Close
	ErrTransportClosed = errors.New("transport is closed")
)

// Transport is the pair of cipher states produced by a completed
// handshake, oriented so Encrypt always protects traffic towards the
// peer regardless of which side initiated. It also carries the
// handshake hash for channel binding.
type Transport struct {
	send *noise.CipherState
	recv *noise.CipherState
	hash []byte
}

// Encrypt appends the AEAD ciphertext of plaintext (including the
// 16-byte tag) to out and returns the result.
func (t *Transport) Encrypt(out, plaintext []byte) ([]byte, error) {
	if t.send == nil {
		return nil, ErrTransportClosed
	}
	ciphertext, err := t.send.Encrypt(out, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("transport encrypt failed: %w", err)
	}
	return ciphertext, nil
}

// Decrypt appends the authenticated plaintext of ciphertext to out and
// returns the result. Authentication failure returns an error and
// leaves the receiving cipher state unadvanced.
func (t *Transport) Decrypt(out, ciphertext []byte) ([]byte, error) {
	if t.recv == nil {
		return nil, ErrTransportClosed
	}
	plaintext, err := t.recv.Decrypt(out, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("transport decrypt failed: %w", err)
	}
	return plaintext, nil
}

// HandshakeHash returns a copy of the handshake hash binding the
// prologue and every handshake byte of the session.
func (t *Transport) HandshakeHash() []byte {
	return append([]byte(nil), t.hash...)
}

// Close wipes the stored handshake hash and drops the cipher states.
// Close is idempotent.
func (t *Transport) Close() {
	if t == nil {
		return
	}
	if t.hash != nil {
		crypto.ZeroBytes(t.hash)
		t.hash = nil
	}
	t.send = nil
	t.recv = nil
}
