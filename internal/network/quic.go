package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"branchnet/internal/result"
)

const (
	quicALPN       = "branchnet"
	quicStreamWait = 5 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a deterministic certificate shared by every branch. QUIC
// needs TLS; peer authentication happens in the branch handshake.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("branchnet-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

// clientTLSConfig pins the dev certificate instead of checking host names,
// since branches dial whatever address they were advertised from.
func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], der) {
				return errors.New("unexpected peer certificate")
			}
			return nil
		},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: 5 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
	}
}

// QUICTransport carries each branch connection on a single bidirectional
// stream of its own QUIC connection.
type QUICTransport struct {
	opts Options
}

func (t *QUICTransport) Name() string {
	return "quic"
}

func (t *QUICTransport) Listen(addr string) (Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, result.Wrap(result.OpenSocketFailed, err)
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, listenError(err, addr)
	}
	return &quicListener{ln: ln, lim: newIPLimiter(t.opts.MaxConnsPerIP)}, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, result.Wrap(result.OpenSocketFailed, err)
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		if ctx.Err() != nil {
			return nil, result.Wrap(result.Timeout, err, "addr", addr)
		}
		return nil, result.Wrap(result.ConnectSocketFailed, err, "addr", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, result.Wrap(result.ConnectSocketFailed, err, "addr", addr)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

type quicListener struct {
	ln  *quic.Listener
	lim *ipLimiter
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) || ctx.Err() != nil {
				return nil, result.Wrap(result.Canceled, err)
			}
			return nil, result.Wrap(result.AcceptSocketFailed, err)
		}
		ip := hostOf(conn.RemoteAddr())
		if !l.lim.acquireConn(ip) {
			_ = conn.CloseWithError(0, "connection limit")
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, quicStreamWait)
		stream, err := conn.AcceptStream(sctx)
		cancel()
		if err != nil {
			l.lim.releaseConn(ip)
			_ = conn.CloseWithError(0, "no stream")
			if ctx.Err() != nil {
				return nil, result.Wrap(result.Canceled, err)
			}
			continue
		}
		return &quicConn{conn: conn, stream: stream, release: func() { l.lim.releaseConn(ip) }}, nil
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

type quicConn struct {
	conn    *quic.Conn
	stream  *quic.Stream
	release func()
	once    sync.Once
}

func (c *quicConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *quicConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *quicConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stream.CancelRead(0)
		err = c.stream.Close()
		_ = c.conn.CloseWithError(0, "")
		if c.release != nil {
			c.release()
		}
	})
	return err
}

func (c *quicConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *quicConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *quicConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

func (c *quicConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
