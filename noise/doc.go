// Package noise wraps the Noise Protocol Framework implementation used
// by NoiseSocket sessions.
//
// The package covers three concerns:
//
//   - [Protocol]: an immutable identifier for a concrete Noise protocol
//     (handshake pattern plus DH, cipher, and hash functions), parsed
//     from and formatted to its canonical ASCII name such as
//     "Noise_XX_25519_AESGCM_BLAKE2b".
//   - [HandshakeState]: a single in-progress handshake, created from a
//     Protocol, a Config, and the prologue bytes accumulated by the
//     framing layer.
//   - [Transport]: the pair of cipher states produced by a completed
//     handshake, oriented by role, together with the handshake hash.
//
// The underlying cryptography is github.com/flynn/noise. This package
// exists so the framing layer above it never touches flynn/noise types
// directly and so key material can be wiped in one place.
//
// One-way handshake patterns (N, K, X) are not supported and are
// rejected by ParseProtocolName.
package noise
