package noisesocket

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisesocket/crypto"
	"github.com/opd-ai/noisesocket/noise"
)

// DefaultProtocolName is the protocol Dial and Listen use when the
// configuration names none.
const DefaultProtocolName = "Noise_XX_25519_AESGCM_SHA256"

// maxConnPayload is the largest body one transport message can carry:
// the packet ceiling minus the outer length field's claim on the
// ciphertext, the inner length field, and the AEAD tag.
const maxConnPayload = maxPacketLen - 2*lenFieldSize - noise.TagSize

// ConnConfig configures Dial and Listen.
type ConnConfig struct {
	// StaticKey is the local static Curve25519 private scalar. Generated
	// when empty.
	StaticKey []byte

	// RemoteStatic pins the expected remote static key, when known.
	RemoteStatic []byte

	// Protocol is the canonical protocol name; DefaultProtocolName when
	// empty.
	Protocol string

	// NegotiationData is sent verbatim in the first handshake message.
	NegotiationData []byte

	// PaddedLength pads every encrypted message to at least this
	// plaintext size.
	PaddedLength uint16

	// HandshakeTimeout bounds the handshake performed on first use.
	// Zero means no timeout.
	HandshakeTimeout time.Duration
}

// Conn is a net.Conn running over a NoiseSocket session. The handshake
// runs lazily on the first Read or Write. Reads and writes each expect
// at most one caller at a time, but a blocked Read does not block Write.
type Conn struct {
	socket *Socket
	conn   net.Conn
	config *ConnConfig

	handshakeMu   sync.Mutex
	handshakeDone bool
	handshakeErr  error

	readMu   sync.Mutex
	writeMu  sync.Mutex
	leftover []byte
}

// Dial connects to a NoiseSocket server and returns the wrapped
// connection. The handshake is deferred until the first Read or Write.
func Dial(network, address string, config *ConnConfig) (net.Conn, error) {
	config, err := normalizeConnConfig(config)
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStream, err)
	}

	protocol, err := noise.ParseProtocolName(config.Protocol)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	socket, err := NewClient(protocol, &noise.Config{
		Initiator:    true,
		StaticKey:    config.StaticKey,
		RemoteStatic: config.RemoteStatic,
	}, conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"address":  address,
		"protocol": config.Protocol,
	}).Debug("NoiseSocket connection dialed")

	return &Conn{socket: socket, conn: conn, config: config}, nil
}

// Listen announces on a local address and wraps every accepted
// connection in a server-side NoiseSocket session.
func Listen(network, address string, config *ConnConfig) (net.Listener, error) {
	config, err := normalizeConnConfig(config)
	if err != nil {
		return nil, err
	}
	if _, err := noise.ParseProtocolName(config.Protocol); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	inner, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStream, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  inner.Addr().String(),
		"protocol": config.Protocol,
	}).Info("NoiseSocket listener started")

	return &listener{Listener: inner, config: config}, nil
}

type listener struct {
	net.Listener
	config *ConnConfig
}

func (l *listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	socket, err := NewServer(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Conn{socket: socket, conn: conn, config: l.config}, nil
}

// DefaultConnConfig returns a ready-to-use configuration: the default
// protocol and a freshly generated static key. Callers customize the
// copy they get back, for example setting NegotiationData or
// PaddedLength, before passing it to Dial or Listen.
func DefaultConnConfig() (*ConnConfig, error) {
	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return &ConnConfig{
		StaticKey: keyPair.Private[:],
		Protocol:  DefaultProtocolName,
	}, nil
}

// normalizeConnConfig fills missing fields of a copy of the
// configuration from DefaultConnConfig.
func normalizeConnConfig(config *ConnConfig) (*ConnConfig, error) {
	if config == nil {
		return DefaultConnConfig()
	}

	normalized := *config
	if normalized.Protocol == "" {
		normalized.Protocol = DefaultProtocolName
	}
	if len(normalized.StaticKey) == 0 {
		defaults, err := DefaultConnConfig()
		if err != nil {
			return nil, err
		}
		normalized.StaticKey = defaults.StaticKey
	}
	return &normalized, nil
}

// Handshake runs the handshake now instead of on first use. It is safe
// to call multiple times; later calls return the first outcome.
func (c *Conn) Handshake() error {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()

	if c.handshakeDone {
		return c.handshakeErr
	}
	c.handshakeDone = true

	ctx := context.Background()
	if c.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.HandshakeTimeout)
		defer cancel()
	}

	if c.socket.client {
		c.handshakeErr = c.clientHandshake(ctx)
	} else {
		c.handshakeErr = c.serverHandshake(ctx)
	}

	if c.handshakeErr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Handshake",
			"remote":   c.conn.RemoteAddr().String(),
			"error":    c.handshakeErr.Error(),
		}).Warn("NoiseSocket handshake failed")
	}
	return c.handshakeErr
}

// clientHandshake alternates write and read turns until the session
// completes, starting with the write carrying the negotiation data.
func (c *Conn) clientHandshake(ctx context.Context) error {
	negotiationData := c.config.NegotiationData
	for !c.socket.HandshakeComplete() {
		if err := c.socket.WriteHandshakeMessage(ctx, negotiationData, nil, c.config.PaddedLength); err != nil {
			return err
		}
		negotiationData = nil

		if c.socket.HandshakeComplete() {
			break
		}
		if _, err := c.socket.ReadNegotiationData(ctx); err != nil {
			return err
		}
		if _, err := c.socket.ReadHandshakeMessage(ctx); err != nil {
			return err
		}
	}
	return nil
}

// serverHandshake accepts the configured protocol on the first turn and
// then alternates read and write turns until the session completes.
func (c *Conn) serverHandshake(ctx context.Context) error {
	accepted := false
	for !c.socket.HandshakeComplete() {
		if _, err := c.socket.ReadNegotiationData(ctx); err != nil {
			return err
		}
		if !accepted {
			protocol, err := noise.ParseProtocolName(c.config.Protocol)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			err = c.socket.Accept(protocol, &noise.Config{
				StaticKey:    c.config.StaticKey,
				RemoteStatic: c.config.RemoteStatic,
			})
			if err != nil {
				return err
			}
			accepted = true
		}
		if _, err := c.socket.ReadHandshakeMessage(ctx); err != nil {
			return err
		}

		if c.socket.HandshakeComplete() {
			break
		}
		if err := c.socket.WriteHandshakeMessage(ctx, nil, nil, c.config.PaddedLength); err != nil {
			return err
		}
	}
	return nil
}

// Read returns decrypted transport bytes, serving any remainder of the
// previous message first.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.leftover) == 0 {
		body, err := c.socket.ReadMessage(context.Background())
		if err != nil {
			return 0, err
		}
		// Zero-length transport messages carry no data; keep reading.
		c.leftover = body
	}

	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

// Write encrypts p into as many transport messages as the packet
// ceiling requires.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > maxConnPayload {
			chunk = chunk[:maxConnPayload]
		}
		if err := c.socket.WriteMessage(context.Background(), chunk, c.config.PaddedLength); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// Close releases the session and the underlying connection.
func (c *Conn) Close() error {
	return c.socket.Close()
}

// HandshakeHash exposes the session's channel-binding value after the
// handshake has run.
func (c *Conn) HandshakeHash() ([]byte, error) {
	return c.socket.HandshakeHash()
}

func (c *Conn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
