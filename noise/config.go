package noise

import (
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/noisesocket/crypto"
)

var (
	// ErrMissingPSK indicates the pattern carries a psk modifier but no key was supplied
	ErrMissingPSK = errors.New("handshake pattern requires a pre-shared key")
	// ErrUnexpectedPSK indicates pre-shared keys were supplied for a pattern without a psk modifier
	ErrUnexpectedPSK = errors.New("pre-shared keys supplied for a pattern without a psk modifier")
	// ErrTooManyPSKs indicates more than one pre-shared key was supplied
	ErrTooManyPSKs = errors.New("at most one pre-shared key is supported")
	// ErrMissingFallbackEphemeral indicates a fallback pattern missing the carried-over ephemeral key
	ErrMissingFallbackEphemeral = errors.New("fallback pattern requires the ephemeral key of the abandoned handshake")
)

// Config holds the per-handshake configuration for a Protocol. It is
// immutable once a handshake begins; Wipe erases the key material it
// holds when the configuration is no longer needed.
type Config struct {
	// Initiator marks this side as the initiator of the Noise handshake.
	// Note that the initiator of a fallback or retry handshake need not
	// be the client side of the byte stream.
	Initiator bool

	// Prologue is the application prologue, appended after the
	// NoiseSocket-internal prologue when the handshake state is built.
	Prologue []byte

	// StaticKey is the local static Curve25519 private scalar (32 bytes),
	// if the pattern requires one. The public half is derived.
	StaticKey []byte

	// RemoteStatic is the remote static public key, if known in advance.
	RemoteStatic []byte

	// RemoteEphemeral is the remote ephemeral public key, required when
	// the pattern carries the fallback modifier. The framing layer fills
	// this in from the failed initial handshake message when the
	// application leaves it empty.
	RemoteEphemeral []byte

	// LocalEphemeral is the local ephemeral private scalar to reuse,
	// needed by the responder of a fallback handshake whose ephemeral
	// was already sent in the abandoned initial handshake. The framing
	// layer carries it over automatically.
	LocalEphemeral []byte

	// PSKs is the ordered list of pre-shared keys. The underlying
	// framework supports exactly one 32-byte key, placed per the
	// pattern's pskN modifier.
	PSKs [][]byte

	// Random is the entropy source for ephemeral key generation. Leave
	// nil for crypto/rand; fix it to a deterministic reader to reproduce
	// test vectors.
	Random io.Reader
}

// Clone returns a deep copy of the configuration. Sessions clone the
// configuration they are given so they can wipe their own copy of the
// key material without touching the caller's buffers.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := &Config{
		Initiator:       c.Initiator,
		Prologue:        append([]byte(nil), c.Prologue...),
		Random:          c.Random,
		StaticKey:       cloneKey(c.StaticKey),
		RemoteStatic:    cloneKey(c.RemoteStatic),
		RemoteEphemeral: cloneKey(c.RemoteEphemeral),
		LocalEphemeral:  cloneKey(c.LocalEphemeral),
	}
	for _, psk := range c.PSKs {
		clone.PSKs = append(clone.PSKs, append([]byte(nil), psk...))
	}
	return clone
}

func cloneKey(key []byte) []byte {
	if key == nil {
		return nil
	}
	return append([]byte(nil), key...)
}

// Wipe erases the private key material held by the configuration.
func (c *Config) Wipe() {
	if c == nil {
		return
	}
	crypto.ZeroBytes(c.StaticKey, c.LocalEphemeral)
	crypto.ZeroBytes(c.PSKs...)
}

// validate checks the configuration against the protocol's requirements.
func (c *Config) validate(p *Protocol) error {
	if c.StaticKey != nil && len(c.StaticKey) != DHLen {
		return fmt.Errorf("static key must be %d bytes, got %d", DHLen, len(c.StaticKey))
	}
	if c.RemoteStatic != nil && len(c.RemoteStatic) != DHLen {
		return fmt.Errorf("remote static key must be %d bytes, got %d", DHLen, len(c.RemoteStatic))
	}

	switch {
	case p.HasPSK() && len(c.PSKs) == 0:
		return ErrMissingPSK
	case !p.HasPSK() && len(c.PSKs) > 0:
		return ErrUnexpectedPSK
	case len(c.PSKs) > 1:
		return ErrTooManyPSKs
	}
	if len(c.PSKs) == 1 && len(c.PSKs[0]) != 32 {
		return fmt.Errorf("pre-shared key must be 32 bytes, got %d", len(c.PSKs[0]))
	}

	if p.IsFallback() {
		if c.Initiator && len(c.RemoteEphemeral) != DHLen {
			return ErrMissingFallbackEphemeral
		}
		if !c.Initiator && len(c.LocalEphemeral) != DHLen {
			return ErrMissingFallbackEphemeral
		}
	}

	return nil
}
