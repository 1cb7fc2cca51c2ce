package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/noisesocket/crypto"
)

var (
	// ErrStateClosed indicates use of a handshake state after Close
	ErrStateClosed = errors.New("handshake state is closed")
)

// HandshakeState is a single in-progress Noise handshake. It is created
// by [Protocol.Create] and owned exclusively by one NoiseSocket session.
type HandshakeState struct {
	state     *noise.HandshakeState
	initiator bool
}

// Create instantiates a handshake state for this protocol. The prologue
// argument is the NoiseSocket-internal prologue (init tag plus the
// length-prefixed accumulated messages); the application prologue from
// the configuration is appended after it. Failures here mean missing
// required keys or an unsatisfiable pattern.
func (p *Protocol) Create(config *Config, prologue []byte) (*HandshakeState, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := config.validate(p); err != nil {
		return nil, err
	}

	effective := make([]byte, 0, len(prologue)+len(config.Prologue))
	effective = append(effective, prologue...)
	effective = append(effective, config.Prologue...)

	random := config.Random
	if random == nil {
		random = rand.Reader
	}

	cfg := noise.Config{
		CipherSuite: p.cipherSuite,
		Random:      random,
		Pattern:     p.pattern,
		Initiator:   config.Initiator,
		Prologue:    effective,
	}

	if config.StaticKey != nil {
		var secret [32]byte
		copy(secret[:], config.StaticKey)
		keyPair, err := crypto.FromSecretKey(secret)
		if err != nil {
			crypto.ZeroBytes(secret[:])
			return nil, fmt.Errorf("invalid static key: %w", err)
		}
		cfg.StaticKeypair = noise.DHKey{
			Private: append([]byte(nil), keyPair.Private[:]...),
			Public:  append([]byte(nil), keyPair.Public[:]...),
		}
		crypto.WipeKeyPair(keyPair)
		crypto.ZeroBytes(secret[:])
	}

	if config.LocalEphemeral != nil {
		var secret [32]byte
		copy(secret[:], config.LocalEphemeral)
		keyPair, err := crypto.FromSecretKey(secret)
		if err != nil {
			crypto.ZeroBytes(secret[:])
			return nil, fmt.Errorf("invalid local ephemeral key: %w", err)
		}
		cfg.EphemeralKeypair = noise.DHKey{
			Private: append([]byte(nil), keyPair.Private[:]...),
			Public:  append([]byte(nil), keyPair.Public[:]...),
		}
		crypto.WipeKeyPair(keyPair)
		crypto.ZeroBytes(secret[:])
	}

	if config.RemoteStatic != nil {
		cfg.PeerStatic = append([]byte(nil), config.RemoteStatic...)
	}
	if config.RemoteEphemeral != nil {
		cfg.PeerEphemeral = append([]byte(nil), config.RemoteEphemeral...)
	}
	if len(config.PSKs) == 1 {
		cfg.PresharedKey = append([]byte(nil), config.PSKs[0]...)
		cfg.PresharedKeyPlacement = p.pskPlacement
	}

	state, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &HandshakeState{state: state, initiator: config.Initiator}, nil
}

// WriteMessage produces the next handshake message carrying payload.
// A non-nil Transport return signals that this message concludes the
// handshake; the state must not be used afterwards.
func (hs *HandshakeState) WriteMessage(payload []byte) ([]byte, *Transport, error) {
	if hs.state == nil {
		return nil, nil, ErrStateClosed
	}

	message, cs1, cs2, err := hs.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake write failed: %w", err)
	}

	return message, hs.splitTransport(cs1, cs2), nil
}

// ReadMessage consumes a received handshake message and returns its
// payload. A non-nil Transport return signals handshake completion.
func (hs *HandshakeState) ReadMessage(message []byte) ([]byte, *Transport, error) {
	if hs.state == nil {
		return nil, nil, ErrStateClosed
	}

	payload, cs1, cs2, err := hs.state.ReadMessage(nil, message)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake read failed: %w", err)
	}

	return payload, hs.splitTransport(cs1, cs2), nil
}

// splitTransport orients the cipher state pair by role. flynn/noise
// always returns (initiator-to-responder, responder-to-initiator).
func (hs *HandshakeState) splitTransport(cs1, cs2 *noise.CipherState) *Transport {
	if cs1 == nil || cs2 == nil {
		return nil
	}

	hash := append([]byte(nil), hs.state.ChannelBinding()...)
	if hs.initiator {
		return &Transport{send: cs1, recv: cs2, hash: hash}
	}
	return &Transport{send: cs2, recv: cs1, hash: hash}
}

// LocalEphemeralKey returns a copy of the local ephemeral private
// scalar generated for this handshake, so a fallback handshake can
// reuse it. Returns nil before the ephemeral exists.
func (hs *HandshakeState) LocalEphemeralKey() []byte {
	if hs.state == nil {
		return nil
	}
	ephemeral := hs.state.LocalEphemeral()
	if len(ephemeral.Private) == 0 {
		return nil
	}
	return append([]byte(nil), ephemeral.Private...)
}

// PeerStatic returns the remote static public key learned during the
// handshake, or nil if none was transmitted yet.
func (hs *HandshakeState) PeerStatic() []byte {
	if hs.state == nil {
		return nil
	}
	remote := hs.state.PeerStatic()
	if len(remote) == 0 {
		return nil
	}
	return append([]byte(nil), remote...)
}

// Close discards the handshake state. The underlying key material is
// dropped for garbage collection; Close is idempotent.
func (hs *HandshakeState) Close() {
	if hs == nil {
		return
	}
	hs.state = nil
}
