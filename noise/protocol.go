package noise

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/flynn/noise"
)

var (
	// ErrUnknownPattern indicates an unrecognized handshake pattern name
	ErrUnknownPattern = errors.New("unknown handshake pattern")
	// ErrUnknownFunction indicates an unrecognized DH, cipher, or hash function name
	ErrUnknownFunction = errors.New("unknown crypto function")
	// ErrOneWayPattern indicates a one-way handshake pattern, which is not supported
	ErrOneWayPattern = errors.New("one-way handshake patterns are not supported")
	// ErrMalformedName indicates a protocol name that does not follow the
	// Noise_PATTERN_DH_CIPHER_HASH convention
	ErrMalformedName = errors.New("malformed protocol name")
)

const (
	// TagSize is the length of the AEAD authentication tag appended to
	// every ciphertext.
	TagSize = 16
	// DHLen is the length of a Curve25519 public key on the wire.
	DHLen = 32
	// MaxMessageLen is the Noise message size ceiling.
	MaxMessageLen = noise.MaxMsgLen

	namePrefix  = "Noise"
	noPSK       = -1
	pskModifier = "psk"
)

// Supported two-way handshake patterns.
var patterns = map[string]noise.HandshakePattern{
	"NN": noise.HandshakeNN,
	"NK": noise.HandshakeNK,
	"NX": noise.HandshakeNX,
	"XN": noise.HandshakeXN,
	"XK": noise.HandshakeXK,
	"XX": noise.HandshakeXX,
	"KN": noise.HandshakeKN,
	"KK": noise.HandshakeKK,
	"KX": noise.HandshakeKX,
	"IN": noise.HandshakeIN,
	"IK": noise.HandshakeIK,
	"IX": noise.HandshakeIX,
}

// One-way patterns are recognized so they can be rejected with a
// specific error instead of falling through to ErrUnknownPattern.
var oneWayPatterns = map[string]bool{
	"N": true,
	"K": true,
	"X": true,
}

// Patterns reachable through the "fallback" modifier.
var fallbackPatterns = map[string]noise.HandshakePattern{
	"XX": noise.HandshakeXXfallback,
}

var dhFuncs = map[string]noise.DHFunc{
	"25519": noise.DH25519,
}

var cipherFuncs = map[string]noise.CipherFunc{
	"AESGCM":     noise.CipherAESGCM,
	"ChaChaPoly": noise.CipherChaChaPoly,
}

var hashFuncs = map[string]noise.HashFunc{
	"SHA256":  noise.HashSHA256,
	"SHA512":  noise.HashSHA512,
	"BLAKE2s": noise.HashBLAKE2s,
	"BLAKE2b": noise.HashBLAKE2b,
}

// Protocol identifies a concrete Noise protocol: a handshake pattern
// (with optional fallback and pskN modifiers) plus the DH, cipher, and
// hash functions. A Protocol is immutable once parsed.
type Protocol struct {
	name         string
	pattern      noise.HandshakePattern
	cipherSuite  noise.CipherSuite
	pskPlacement int
	fallback     bool
}

// ParseProtocolName parses a canonical Noise protocol name such as
// "Noise_XX_25519_AESGCM_BLAKE2b" or "Noise_XXfallback+psk0_25519_ChaChaPoly_SHA256".
func ParseProtocolName(name string) (*Protocol, error) {
	parts := strings.Split(name, "_")
	if len(parts) != 5 || parts[0] != namePrefix {
		return nil, fmt.Errorf("%w: %q", ErrMalformedName, name)
	}

	base, modifiers := splitPatternName(parts[1])
	if oneWayPatterns[base] {
		return nil, fmt.Errorf("%w: %q", ErrOneWayPattern, base)
	}

	pattern, pskPlacement, fallback, err := resolvePattern(base, modifiers)
	if err != nil {
		return nil, err
	}

	dh, ok := dhFuncs[parts[2]]
	if !ok {
		return nil, fmt.Errorf("%w: DH %q", ErrUnknownFunction, parts[2])
	}
	cipher, ok := cipherFuncs[parts[3]]
	if !ok {
		return nil, fmt.Errorf("%w: cipher %q", ErrUnknownFunction, parts[3])
	}
	hash, ok := hashFuncs[parts[4]]
	if !ok {
		return nil, fmt.Errorf("%w: hash %q", ErrUnknownFunction, parts[4])
	}

	return &Protocol{
		name:         name,
		pattern:      pattern,
		cipherSuite:  noise.NewCipherSuite(dh, cipher, hash),
		pskPlacement: pskPlacement,
		fallback:     fallback,
	}, nil
}

// splitPatternName separates the base pattern (leading uppercase run)
// from its modifier list. Modifiers are lowercase and '+'-separated,
// e.g. "XXfallback+psk0" -> "XX", ["fallback", "psk0"].
func splitPatternName(s string) (string, []string) {
	i := 0
	for i < len(s) && s[i] >= 'A' && s[i] <= 'Z' {
		i++
	}
	base := s[:i]
	if i == len(s) {
		return base, nil
	}
	return base, strings.Split(s[i:], "+")
}

// resolvePattern applies modifiers to a base pattern name and returns
// the flynn/noise pattern, the PSK placement (noPSK when absent), and
// whether the fallback modifier was present.
func resolvePattern(base string, modifiers []string) (noise.HandshakePattern, int, bool, error) {
	pskPlacement := noPSK
	fallback := false

	for _, mod := range modifiers {
		switch {
		case mod == "fallback":
			fallback = true
		case strings.HasPrefix(mod, pskModifier):
			n, err := strconv.Atoi(strings.TrimPrefix(mod, pskModifier))
			if err != nil || n < 0 || n > 3 {
				return noise.HandshakePattern{}, 0, false, fmt.Errorf("%w: modifier %q", ErrUnknownPattern, mod)
			}
			pskPlacement = n
		default:
			return noise.HandshakePattern{}, 0, false, fmt.Errorf("%w: modifier %q", ErrUnknownPattern, mod)
		}
	}

	if fallback {
		pattern, ok := fallbackPatterns[base]
		if !ok {
			return noise.HandshakePattern{}, 0, false, fmt.Errorf("%w: %sfallback", ErrUnknownPattern, base)
		}
		return pattern, pskPlacement, true, nil
	}

	pattern, ok := patterns[base]
	if !ok {
		return noise.HandshakePattern{}, 0, false, fmt.Errorf("%w: %q", ErrUnknownPattern, base)
	}
	return pattern, pskPlacement, false, nil
}

// String returns the canonical ASCII protocol name.
func (p *Protocol) String() string {
	return p.name
}

// HasPSK reports whether the pattern carries a pskN modifier.
func (p *Protocol) HasPSK() bool {
	return p.pskPlacement != noPSK
}

// IsFallback reports whether the pattern carries the fallback modifier.
func (p *Protocol) IsFallback() bool {
	return p.fallback
}

// EarlyEncryption reports whether the first handshake payload of this
// protocol is already encrypted: true when the pattern has a PSK
// modifier or when its first message step performs any DH operation
// before the payload is placed.
func (p *Protocol) EarlyEncryption() bool {
	if p.HasPSK() {
		return true
	}
	if len(p.pattern.Messages) == 0 {
		return false
	}
	for _, token := range p.pattern.Messages[0] {
		switch token {
		case noise.MessagePatternDHEE, noise.MessagePatternDHES,
			noise.MessagePatternDHSE, noise.MessagePatternDHSS:
			return true
		}
	}
	return false
}
