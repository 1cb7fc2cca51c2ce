package crypto

import (
	"crypto/subtle"
	"runtime"
)

// Key material passes through a session in copies: a configuration's
// static scalar and PSKs, an ephemeral carried into a fallback
// handshake, the transport's stored hash source. Each copy is erased at
// the point its owner lets go of it: reinitialization, handshake
// completion, and Close. ZeroBytes is the one primitive behind all of
// those erasures.

// ZeroBytes overwrites each buffer with zeros. Nil buffers are skipped,
// so already-released fields can be passed without guarding. The
// ConstantTimeCompare call keeps the compiler from discarding the
// overwrite as a dead store.
func ZeroBytes(bufs ...[]byte) {
	for _, buf := range bufs {
		if buf == nil {
			continue
		}

		zeros := make([]byte, len(buf))
		subtle.ConstantTimeCompare(buf, zeros)
		copy(buf, zeros)

		runtime.KeepAlive(buf)
		runtime.KeepAlive(zeros)
	}
}

// WipeKeyPair erases the private half of a key pair. The public half is
// left intact: it is not secret, and callers may still need it for
// identity checks after the private scalar is gone.
func WipeKeyPair(kp *KeyPair) {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}
