package noisesocket

import (
	"bytes"
	"encoding/hex"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/noisesocket/noise"
)

// Standard Noise test-vector keys and payloads used across the
// end-to-end tests.
var (
	initStaticPriv = mustHex("e61ef9919cde45dd5f82166404bd08e38bceb5dfdfded0a34c8df7ed542214d1")
	initStaticPub  = mustHex("6bc3822a2aa7f4e6981d6538692b3cdf3e6df9eea6ed269eb41d93c22757b75a")
	initEphemPriv  = mustHex("893e28b9dc6ca8d611ab664754b8ceb7bac5117349a4439a6b0569da977c464a")
	respStaticPriv = mustHex("4a3acbfdb163dec651dfa3194dece676d437029c62a408b4c5ea9114246e4893")
	respStaticPub  = mustHex("31e0303fd6418d2f8c0e78b91f22e8caed0fbe48656dcf4767e4834f701b8f62")
	respEphemPriv  = mustHex("bbdb4cdbd309f1a1f2e1456967fe288cadd6f712d65dc7b7793d5e63da6b375b")

	testPrologue        = []byte("John Galt")
	testNegotiationData = []byte("NoiseSocket")

	testPayloads = [][]byte{
		[]byte("Ludwig von Mises"),
		[]byte("Murray Rothbard"),
		[]byte("F. A. Hayek"),
		[]byte("Carl Menger"),
		[]byte("Jean-Baptiste Say"),
		[]byte("Eugen Böhm von Bawerk"),
	}
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// ephemeralReader yields the given ephemeral private scalar repeatedly,
// so a session that abandons one handshake and starts another keeps
// deterministic ephemerals.
func ephemeralReader(priv []byte) io.Reader {
	return bytes.NewReader(bytes.Repeat(priv, 8))
}

// pipeBuffer is one direction of an in-memory duplex stream. Writes
// never block; reads block until data arrives or the buffer is closed.
type pipeBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	b := &pipeBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pipeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *pipeBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 {
		if b.closed {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *pipeBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// buffered returns how many unread bytes the buffer holds.
func (b *pipeBuffer) buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// flipBit corrupts one bit of the buffered, not-yet-read data.
func (b *pipeBuffer) flipBit(offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[offset] ^= 0x01
}

// duplexConn is one end of an in-memory bidirectional stream. It also
// records every byte this end wrote, so tests can inspect the wire.
type duplexConn struct {
	in       *pipeBuffer
	out      *pipeBuffer
	recorded bytes.Buffer
}

func (d *duplexConn) Read(p []byte) (int, error) { return d.in.Read(p) }

func (d *duplexConn) Write(p []byte) (int, error) {
	d.recorded.Write(p)
	return d.out.Write(p)
}

func (d *duplexConn) Close() error {
	d.in.close()
	d.out.close()
	return nil
}

// newDuplexPair builds the two connected ends of an in-memory stream.
func newDuplexPair() (*duplexConn, *duplexConn) {
	a := newPipeBuffer()
	b := newPipeBuffer()
	return &duplexConn{in: a, out: b}, &duplexConn{in: b, out: a}
}

// parsePackets splits a recorded wire transcript into its packets.
func parsePackets(t *testing.T, wire []byte) [][]byte {
	t.Helper()
	var packets [][]byte
	for len(wire) > 0 {
		require.GreaterOrEqual(t, len(wire), 2)
		n := int(wire[0])<<8 | int(wire[1])
		require.GreaterOrEqual(t, len(wire), 2+n)
		packets = append(packets, wire[2:2+n])
		wire = wire[2+n:]
	}
	return packets
}

// exchangePayloads runs the six test payloads through a completed
// session pair in alternating directions, starting with the client.
func exchangePayloads(t *testing.T, client, server *Socket, paddedLen uint16) {
	t.Helper()
	for i, payload := range testPayloads {
		sender, receiver := client, server
		if i%2 == 1 {
			sender, receiver = server, client
		}
		require.NoError(t, sender.WriteMessage(nil, payload, paddedLen))
		got, err := receiver.ReadMessage(nil)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

// xxClientConfig returns the standard initiator configuration for the
// XX scenarios, with deterministic ephemerals.
func xxClientConfig() *noise.Config {
	return &noise.Config{
		Initiator: true,
		Prologue:  append([]byte(nil), testPrologue...),
		StaticKey: append([]byte(nil), initStaticPriv...),
		Random:    ephemeralReader(initEphemPriv),
	}
}

// xxServerConfig returns the standard responder configuration for the
// XX scenarios, with deterministic ephemerals.
func xxServerConfig() *noise.Config {
	return &noise.Config{
		Prologue:  append([]byte(nil), testPrologue...),
		StaticKey: append([]byte(nil), respStaticPriv...),
		Random:    ephemeralReader(respEphemPriv),
	}
}

func mustProtocol(t *testing.T, name string) *noise.Protocol {
	t.Helper()
	protocol, err := noise.ParseProtocolName(name)
	require.NoError(t, err)
	return protocol
}
