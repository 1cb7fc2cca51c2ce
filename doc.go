// Package noisesocket implements the NoiseSocket encoding and framing
// layer: length-framed, optionally padded protocol negotiation and
// transport encryption on top of the Noise Protocol Framework, over any
// reliable ordered byte stream.
//
// # Sessions
//
// A [Socket] is one side of a session. The client commits to a protocol
// at construction and writes the first handshake message; the server
// reads the client's negotiation data first and then commits by calling
// [Socket.Accept], [Socket.Switch], or [Socket.Retry], exactly one of
// the three, exactly once:
//
//	protocol, _ := noise.ParseProtocolName("Noise_XX_25519_AESGCM_BLAKE2b")
//	client, _ := noisesocket.NewClient(protocol, &noise.Config{
//	    Initiator: true,
//	    StaticKey: keys.Private[:],
//	}, conn, false)
//
//	err := client.WriteHandshakeMessage(ctx, negotiationData, nil, 0)
//
// Handshake operations follow a fixed order. The client cycles
// WriteHandshakeMessage, ReadNegotiationData, ReadHandshakeMessage; the
// server cycles ReadNegotiationData, ReadHandshakeMessage,
// WriteHandshakeMessage. IgnoreHandshakeMessage stands in for a
// ReadHandshakeMessage and WriteEmptyHandshakeMessage for a server
// write where the Switch and Retry flows call for them. Once the
// handshake completes, [Socket.WriteMessage] and [Socket.ReadMessage]
// exchange encrypted transport messages and [Socket.HandshakeHash]
// exposes the channel binding value.
//
// Every negotiation-data and handshake-message octet exchanged before
// the Noise handshake state exists is bound verbatim into the Noise
// prologue, along with a tag identifying whether the session protocol
// was the initial choice (NoiseSocketInit1), a responder switch
// (NoiseSocketInit2), or a responder-requested retry (NoiseSocketInit3).
// This is what makes the negotiation tamper-evident.
//
// A Socket is sequentially accessed: concurrent calls on the same
// session are a caller error. Independent sessions are fully parallel.
//
// # Connections
//
// [Dial] and [Listen] wrap sessions in net.Conn/net.Listener for
// applications that just want an encrypted stream:
//
//	l, _ := noisesocket.Listen("tcp", ":10101", &noisesocket.ConnConfig{StaticKey: key})
//	for {
//	    conn, _ := l.Accept()
//	    go serve(conn)
//	}
//
// # Errors
//
// Every error returned by a Socket, by Dial and Listen, or by a Conn's
// Handshake, Read, Write, and Close wraps one of the package sentinels (ErrCrypto,
// ErrInvalidOperation, ErrMalformed, ...); see their documentation for
// the taxonomy. After any error other than an ErrCrypto from
// ReadHandshakeMessage, only Close is safe to call.
package noisesocket
