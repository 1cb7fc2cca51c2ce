package noisesocket

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/noisesocket/noise"
)

// runAcceptedXX drives a full client/server XX handshake over an
// in-memory duplex and returns both sessions and both wire ends.
func runAcceptedXX(t *testing.T, protocolName string, paddedLen uint16) (*Socket, *Socket, *duplexConn, *duplexConn) {
	t.Helper()

	clientConn, serverConn := newDuplexPair()
	protocol := mustProtocol(t, protocolName)

	client, err := NewClient(protocol, xxClientConfig(), clientConn, false)
	require.NoError(t, err)
	server, err := NewServer(serverConn, false)
	require.NoError(t, err)

	// Message 1: client -> server.
	require.NoError(t, client.WriteHandshakeMessage(nil, testNegotiationData, nil, paddedLen))

	negotiationData, err := server.ReadNegotiationData(nil)
	require.NoError(t, err)
	require.Equal(t, testNegotiationData, negotiationData)

	require.NoError(t, server.Accept(protocol, xxServerConfig()))
	_, err = server.ReadHandshakeMessage(nil)
	require.NoError(t, err)

	// Message 2: server -> client.
	require.NoError(t, server.WriteHandshakeMessage(nil, nil, nil, paddedLen))

	_, err = client.ReadNegotiationData(nil)
	require.NoError(t, err)
	_, err = client.ReadHandshakeMessage(nil)
	require.NoError(t, err)

	// Message 3: client -> server, completing the handshake.
	require.NoError(t, client.WriteHandshakeMessage(nil, nil, nil, paddedLen))
	require.True(t, client.HandshakeComplete())

	_, err = server.ReadNegotiationData(nil)
	require.NoError(t, err)
	_, err = server.ReadHandshakeMessage(nil)
	require.NoError(t, err)
	require.True(t, server.HandshakeComplete())

	clientHash, err := client.HandshakeHash()
	require.NoError(t, err)
	serverHash, err := server.HandshakeHash()
	require.NoError(t, err)
	require.Equal(t, clientHash, serverHash)
	require.NotEmpty(t, clientHash)

	return client, server, clientConn, serverConn
}

func TestScenarioAcceptXX(t *testing.T) {
	client, server, _, _ := runAcceptedXX(t, "Noise_XX_25519_AESGCM_BLAKE2b", 0)

	// Both sides learned each other's static key during XX.
	assert.Equal(t, respStaticPub, client.RemoteStatic())
	assert.Equal(t, initStaticPub, server.RemoteStatic())

	exchangePayloads(t, client, server, 0)
}

func TestScenarioAcceptDeterministicTranscript(t *testing.T) {
	// With fixed ephemerals the emitted byte sequence is reproducible.
	_, _, firstClient, firstServer := runAcceptedXX(t, "Noise_XX_25519_AESGCM_BLAKE2b", 0)
	_, _, secondClient, secondServer := runAcceptedXX(t, "Noise_XX_25519_AESGCM_BLAKE2b", 0)

	assert.Equal(t, firstClient.recorded.Bytes(), secondClient.recorded.Bytes())
	assert.Equal(t, firstServer.recorded.Bytes(), secondServer.recorded.Bytes())
	assert.NotEmpty(t, firstClient.recorded.Bytes())
}

func TestScenarioAcceptWithPadding(t *testing.T) {
	const padded = 32

	client, server, clientConn, serverConn := runAcceptedXX(t, "Noise_XX_25519_AESGCM_BLAKE2b", padded)
	exchangePayloads(t, client, server, padded)

	// Client -> server wire: two handshake units (negotiation data +
	// noise message each) and three transport packets. Server -> client:
	// one handshake unit and three transport packets.
	clientPackets := parsePackets(t, clientConn.recorded.Bytes())
	require.Len(t, clientPackets, 7)
	serverPackets := parsePackets(t, serverConn.recorded.Bytes())
	require.Len(t, serverPackets, 5)

	// Every encrypted handshake message carries at least the padded
	// plaintext plus the AEAD tag. XX message 1 (client packet index 1)
	// is the one unencrypted exception.
	assert.GreaterOrEqual(t, len(clientPackets[3]), padded+16)
	assert.GreaterOrEqual(t, len(serverPackets[1]), padded+16)

	// All six bodies are short enough to pad to exactly 32, so every
	// transport ciphertext is exactly 32+16 bytes.
	for _, packet := range append(clientPackets[4:], serverPackets[2:]...) {
		assert.Len(t, packet, padded+16)
	}
}

func TestScenarioSwitch(t *testing.T) {
	clientConn, serverConn := newDuplexPair()

	initialProtocol := mustProtocol(t, "Noise_NN_25519_AESGCM_SHA256")
	switchProtocol := mustProtocol(t, "Noise_XX_25519_AESGCM_SHA256")

	client, err := NewClient(initialProtocol, &noise.Config{
		Initiator: true,
		Prologue:  append([]byte(nil), testPrologue...),
		Random:    ephemeralReader(initEphemPriv),
	}, clientConn, false)
	require.NoError(t, err)

	server, err := NewServer(serverConn, false)
	require.NoError(t, err)

	// Client opens under NN.
	require.NoError(t, client.WriteHandshakeMessage(nil, testNegotiationData, nil, 0))

	// Server inspects the negotiation data, decides to switch, drops the
	// NN message, and opens XX as the new initiator.
	_, err = server.ReadNegotiationData(nil)
	require.NoError(t, err)
	require.NoError(t, server.Switch(switchProtocol, &noise.Config{
		Initiator: true,
		Prologue:  append([]byte(nil), testPrologue...),
		StaticKey: append([]byte(nil), respStaticPriv...),
		Random:    ephemeralReader(respEphemPriv),
	}))
	require.NoError(t, server.IgnoreHandshakeMessage(nil))

	responseNegotiation := []byte("switch to XX")
	require.NoError(t, server.WriteHandshakeMessage(nil, responseNegotiation, nil, 0))

	// Client learns of the switch from the negotiation data and becomes
	// the responder of the new handshake.
	negotiationData, err := client.ReadNegotiationData(nil)
	require.NoError(t, err)
	require.Equal(t, responseNegotiation, negotiationData)

	require.NoError(t, client.Switch(switchProtocol, &noise.Config{
		Prologue:  append([]byte(nil), testPrologue...),
		StaticKey: append([]byte(nil), initStaticPriv...),
		Random:    ephemeralReader(initEphemPriv),
	}))

	_, err = client.ReadHandshakeMessage(nil)
	require.NoError(t, err)
	require.NoError(t, client.WriteHandshakeMessage(nil, nil, nil, 0))

	_, err = server.ReadNegotiationData(nil)
	require.NoError(t, err)
	_, err = server.ReadHandshakeMessage(nil)
	require.NoError(t, err)

	require.NoError(t, server.WriteHandshakeMessage(nil, nil, nil, 0))
	require.True(t, server.HandshakeComplete())

	_, err = client.ReadNegotiationData(nil)
	require.NoError(t, err)
	_, err = client.ReadHandshakeMessage(nil)
	require.NoError(t, err)
	require.True(t, client.HandshakeComplete())

	clientHash, err := client.HandshakeHash()
	require.NoError(t, err)
	serverHash, err := server.HandshakeHash()
	require.NoError(t, err)
	require.Equal(t, clientHash, serverHash)

	// One transport round trip.
	require.NoError(t, client.WriteMessage(nil, testPayloads[0], 0))
	got, err := server.ReadMessage(nil)
	require.NoError(t, err)
	require.Equal(t, testPayloads[0], got)

	verifySwitchPrologueBinding(t, switchProtocol, clientConn, serverConn, clientHash)
}

// verifySwitchPrologueBinding replays the switched XX handshake at the
// noise level against a hand-built prologue
// NoiseSocketInit2 || be16-framed initial negotiation data, initial
// noise message, and responding negotiation data || application
// prologue, and checks it reproduces the session's wire bytes and
// handshake hash.
func verifySwitchPrologueBinding(t *testing.T, protocol *noise.Protocol, clientConn, serverConn *duplexConn, wantHash []byte) {
	t.Helper()

	clientPackets := parsePackets(t, clientConn.recorded.Bytes())
	serverPackets := parsePackets(t, serverConn.recorded.Bytes())

	var prologue bytes.Buffer
	prologue.WriteString("NoiseSocketInit2")
	for _, m := range [][]byte{clientPackets[0], clientPackets[1], serverPackets[0]} {
		prologue.Write(binary.BigEndian.AppendUint16(nil, uint16(len(m))))
		prologue.Write(m)
	}

	serverState, err := protocol.Create(&noise.Config{
		Initiator: true,
		Prologue:  append([]byte(nil), testPrologue...),
		StaticKey: append([]byte(nil), respStaticPriv...),
		Random:    ephemeralReader(respEphemPriv),
	}, prologue.Bytes())
	require.NoError(t, err)

	clientState, err := protocol.Create(&noise.Config{
		Prologue:  append([]byte(nil), testPrologue...),
		StaticKey: append([]byte(nil), initStaticPriv...),
		Random:    ephemeralReader(initEphemPriv),
	}, prologue.Bytes())
	require.NoError(t, err)

	// Message 1: payload in the clear (nil); messages 2 and 3 carry the
	// padded empty body.
	message1, _, err := serverState.WriteMessage(nil)
	require.NoError(t, err)
	require.Equal(t, serverPackets[1], message1, "replayed XX message 1 must match the wire")
	_, _, err = clientState.ReadMessage(message1)
	require.NoError(t, err)

	message2, _, err := clientState.WriteMessage([]byte{0, 0})
	require.NoError(t, err)
	require.Equal(t, clientPackets[3], message2, "replayed XX message 2 must match the wire")
	_, _, err = serverState.ReadMessage(message2)
	require.NoError(t, err)

	message3, serverTransport, err := serverState.WriteMessage([]byte{0, 0})
	require.NoError(t, err)
	require.Equal(t, serverPackets[3], message3, "replayed XX message 3 must match the wire")
	_, clientTransport, err := clientState.ReadMessage(message3)
	require.NoError(t, err)

	require.NotNil(t, serverTransport)
	require.NotNil(t, clientTransport)
	assert.Equal(t, wantHash, serverTransport.HandshakeHash())
	assert.Equal(t, wantHash, clientTransport.HandshakeHash())
}

func TestScenarioRetry(t *testing.T) {
	clientConn, serverConn := newDuplexPair()

	initialProtocol := mustProtocol(t, "Noise_NN_25519_AESGCM_SHA256")
	retryProtocol := mustProtocol(t, "Noise_XX_25519_AESGCM_SHA256")

	client, err := NewClient(initialProtocol, &noise.Config{
		Initiator: true,
		Prologue:  append([]byte(nil), testPrologue...),
		Random:    ephemeralReader(initEphemPriv),
	}, clientConn, false)
	require.NoError(t, err)

	server, err := NewServer(serverConn, false)
	require.NoError(t, err)

	// Client opens under NN; the server asks for a retry under XX,
	// answering with an empty noise message.
	require.NoError(t, client.WriteHandshakeMessage(nil, testNegotiationData, nil, 0))

	_, err = server.ReadNegotiationData(nil)
	require.NoError(t, err)
	require.NoError(t, server.Retry(retryProtocol, xxServerConfig()))
	require.NoError(t, server.IgnoreHandshakeMessage(nil))
	require.NoError(t, server.WriteEmptyHandshakeMessage(nil, []byte("retry with XX")))

	// Client drops the empty message and retries under XX.
	retryNegotiation, err := client.ReadNegotiationData(nil)
	require.NoError(t, err)
	require.Equal(t, []byte("retry with XX"), retryNegotiation)

	require.NoError(t, client.Retry(retryProtocol, &noise.Config{
		Initiator: true,
		Prologue:  append([]byte(nil), testPrologue...),
		StaticKey: append([]byte(nil), initStaticPriv...),
		Random:    ephemeralReader(initEphemPriv),
	}))
	require.NoError(t, client.IgnoreHandshakeMessage(nil))

	require.Equal(t, 4, client.accumulator.count())
	require.NoError(t, client.WriteHandshakeMessage(nil, testNegotiationData, nil, 0))

	_, err = server.ReadNegotiationData(nil)
	require.NoError(t, err)

	// The retry prologue covers exactly five messages: initial
	// negotiation data, initial noise message, responding negotiation
	// data, the empty responding noise message, and the retry
	// negotiation data.
	require.Equal(t, 5, server.accumulator.count())
	_, err = server.ReadHandshakeMessage(nil)
	require.NoError(t, err)

	require.NoError(t, server.WriteHandshakeMessage(nil, nil, nil, 0))
	_, err = client.ReadNegotiationData(nil)
	require.NoError(t, err)
	_, err = client.ReadHandshakeMessage(nil)
	require.NoError(t, err)

	require.NoError(t, client.WriteHandshakeMessage(nil, nil, nil, 0))
	require.True(t, client.HandshakeComplete())

	_, err = server.ReadNegotiationData(nil)
	require.NoError(t, err)
	_, err = server.ReadHandshakeMessage(nil)
	require.NoError(t, err)
	require.True(t, server.HandshakeComplete())

	clientHash, err := client.HandshakeHash()
	require.NoError(t, err)
	serverHash, err := server.HandshakeHash()
	require.NoError(t, err)
	require.Equal(t, clientHash, serverHash)

	exchangePayloads(t, client, server, 0)
}

func TestScenarioSwitchOnCryptoFailure(t *testing.T) {
	clientConn, serverConn := newDuplexPair()

	ikProtocol := mustProtocol(t, "Noise_IK_25519_AESGCM_SHA256")
	fallbackProtocol := mustProtocol(t, "Noise_XXfallback_25519_AESGCM_SHA256")

	// The client was given a stale static key for the server.
	wrongRemoteStatic := initStaticPub

	client, err := NewClient(ikProtocol, &noise.Config{
		Initiator:    true,
		Prologue:     append([]byte(nil), testPrologue...),
		StaticKey:    append([]byte(nil), initStaticPriv...),
		RemoteStatic: append([]byte(nil), wrongRemoteStatic...),
		Random:       ephemeralReader(initEphemPriv),
	}, clientConn, false)
	require.NoError(t, err)

	server, err := NewServerWithProtocol(ikProtocol, &noise.Config{
		Prologue:  append([]byte(nil), testPrologue...),
		StaticKey: append([]byte(nil), respStaticPriv...),
		Random:    ephemeralReader(respEphemPriv),
	}, serverConn, false)
	require.NoError(t, err)

	require.NoError(t, client.WriteHandshakeMessage(nil, testNegotiationData, nil, 0))

	// The server's speculative IK read fails to decrypt: the message was
	// encrypted to someone else's static key.
	_, err = server.ReadNegotiationData(nil)
	require.NoError(t, err)
	_, err = server.ReadHandshakeMessage(nil)
	require.ErrorIs(t, err, ErrCrypto)

	// ErrCrypto from the first read is the documented recovery point:
	// the server switches to the fallback protocol, reusing the
	// ephemeral carried by the failed message.
	require.NoError(t, server.Switch(fallbackProtocol, &noise.Config{
		Initiator: true,
		Prologue:  append([]byte(nil), testPrologue...),
		StaticKey: append([]byte(nil), respStaticPriv...),
		Random:    ephemeralReader(respEphemPriv),
	}))
	require.NoError(t, server.WriteHandshakeMessage(nil, []byte("fallback"), nil, 0))

	_, err = client.ReadNegotiationData(nil)
	require.NoError(t, err)
	require.NoError(t, client.Switch(fallbackProtocol, &noise.Config{
		Prologue:  append([]byte(nil), testPrologue...),
		StaticKey: append([]byte(nil), initStaticPriv...),
		Random:    ephemeralReader(initEphemPriv),
	}))

	_, err = client.ReadHandshakeMessage(nil)
	require.NoError(t, err)

	require.NoError(t, client.WriteHandshakeMessage(nil, nil, nil, 0))
	require.True(t, client.HandshakeComplete())

	_, err = server.ReadNegotiationData(nil)
	require.NoError(t, err)
	_, err = server.ReadHandshakeMessage(nil)
	require.NoError(t, err)
	require.True(t, server.HandshakeComplete())

	clientHash, err := client.HandshakeHash()
	require.NoError(t, err)
	serverHash, err := server.HandshakeHash()
	require.NoError(t, err)
	require.Equal(t, clientHash, serverHash)

	// Both sides authenticated each other's true static keys.
	assert.Equal(t, respStaticPub, client.RemoteStatic())
	assert.Equal(t, initStaticPub, server.RemoteStatic())

	// One payload exchanged over the recovered session.
	require.NoError(t, server.WriteMessage(nil, testPayloads[0], 0))
	got, err := client.ReadMessage(nil)
	require.NoError(t, err)
	require.Equal(t, testPayloads[0], got)
}

func TestScenarioOutOfOrderCall(t *testing.T) {
	clientConn, _ := newDuplexPair()
	protocol := mustProtocol(t, "Noise_XX_25519_AESGCM_SHA256")

	client, err := NewClient(protocol, xxClientConfig(), clientConn, false)
	require.NoError(t, err)

	_, err = client.ReadHandshakeMessage(nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = client.ReadNegotiationData(nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestScenarioTamperedTransportPacket(t *testing.T) {
	client, server, _, serverConn := runAcceptedXX(t, "Noise_XX_25519_AESGCM_SHA256", 0)

	require.NoError(t, client.WriteMessage(nil, testPayloads[0], 0))

	// Flip one ciphertext bit while the packet sits in the server's
	// receive buffer, past the length prefix.
	require.Greater(t, serverConn.in.buffered(), 2)
	serverConn.in.flipBit(serverConn.in.buffered() - 1)

	_, err := server.ReadMessage(nil)
	assert.ErrorIs(t, err, ErrCrypto)

	// After the failure only Close is safe.
	_, err = server.ReadMessage(nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.NoError(t, server.Close())
}
