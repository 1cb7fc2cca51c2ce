// Package crypto implements key and memory hygiene helpers for the
// NoiseSocket library.
//
// This package provides Curve25519 key pair handling and secure
// zeroization of sensitive buffers. The Noise handshake itself lives in
// the noise package; crypto only covers the material that surrounds it:
// deriving a public key from a private scalar so configurations can
// carry just the private half, and wiping copies of keys once a session
// no longer needs them.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer crypto.WipeKeyPair(keys)
package crypto
