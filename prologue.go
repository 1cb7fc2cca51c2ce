package noisesocket

import "encoding/binary"

// Initialization tags mixed into the Noise prologue. The tag commits
// both peers to how the session's protocol was reached: the initial
// choice, a responder-driven switch, or a responder-requested retry.
const (
	initTagInitial = "NoiseSocketInit1"
	initTagSwitch  = "NoiseSocketInit2"
	initTagRetry   = "NoiseSocketInit3"
)

// prologueAccumulator records, in order, the raw negotiation-data and
// noise-message octets exchanged during the handshake phase. The
// snapshot taken at handshake-state creation binds that transcript into
// the Noise prologue, which is what makes protocol renegotiation safe:
// an attacker who alters any earlier packet desynchronizes the
// prologues and the handshake fails.
//
// All methods tolerate a nil receiver, so the session can release the
// accumulator at handshake completion and leave its call sites alone.
type prologueAccumulator struct {
	messages [][]byte
}

// add records one exchanged message. The accumulator owns a copy, since
// the caller's buffer may be reused before the prologue is built.
func (a *prologueAccumulator) add(message []byte) {
	if a == nil {
		return
	}
	a.messages = append(a.messages, append([]byte(nil), message...))
}

// count returns the number of recorded messages.
func (a *prologueAccumulator) count() int {
	if a == nil {
		return 0
	}
	return len(a.messages)
}

// build produces the NoiseSocket-internal prologue:
// tag || be16(len(m)) || m for every recorded message, in order. The
// application prologue is appended later by the noise layer.
func (a *prologueAccumulator) build(tag string) []byte {
	size := len(tag)
	if a != nil {
		for _, m := range a.messages {
			size += lenFieldSize + len(m)
		}
	}

	prologue := make([]byte, 0, size)
	prologue = append(prologue, tag...)
	if a != nil {
		for _, m := range a.messages {
			prologue = binary.BigEndian.AppendUint16(prologue, uint16(len(m)))
			prologue = append(prologue, m...)
		}
	}
	return prologue
}
