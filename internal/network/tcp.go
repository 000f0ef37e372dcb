package network

import (
	"context"
	"errors"
	"net"
	"sync"

	"branchnet/internal/result"
)

type TCPTransport struct {
	opts Options
}

func (t *TCPTransport) Name() string {
	return "tcp"
}

func (t *TCPTransport) Listen(addr string) (Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, listenError(err, addr)
	}
	return &tcpListener{ln: ln, lim: newIPLimiter(t.opts.MaxConnsPerIP)}, nil
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, result.Wrap(result.Timeout, err, "addr", addr)
		}
		return nil, result.Wrap(result.ConnectSocketFailed, err, "addr", addr)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

type tcpListener struct {
	ln  net.Listener
	lim *ipLimiter
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, result.Wrap(result.Canceled, err)
			}
			return nil, result.Wrap(result.AcceptSocketFailed, err)
		}
		ip := hostOf(c.RemoteAddr())
		if !l.lim.acquireConn(ip) {
			_ = c.Close()
			continue
		}
		if err := ctx.Err(); err != nil {
			l.lim.releaseConn(ip)
			_ = c.Close()
			return nil, result.Wrap(result.Canceled, err)
		}
		return &limitedConn{Conn: c, release: func() { l.lim.releaseConn(ip) }}, nil
	}
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

// limitedConn returns its limiter slot on the first Close.
type limitedConn struct {
	net.Conn
	release func()
	once    sync.Once
}

func (c *limitedConn) Close() error {
	c.once.Do(c.release)
	return c.Conn.Close()
}

func listenError(err error, addr string) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "listen" {
		return result.Wrap(result.BindSocketFailed, err, "addr", addr)
	}
	return result.Wrap(result.ListenSocketFailed, err, "addr", addr)
}
