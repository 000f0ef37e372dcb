package network

import (
	"context"
	"io"
	"net"
	"time"

	"branchnet/internal/config"
	"branchnet/internal/result"
)

// Conn is a reliable, ordered byte stream between two branches.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Transport opens listeners and dials remote branches.
type Transport interface {
	Name() string
	Listen(addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Options tune transports built by NewTransport.
type Options struct {
	// MaxConnsPerIP caps accepted connections per remote IP. Zero disables
	// the cap.
	MaxConnsPerIP int
}

func NewTransport(name string, opts Options) (Transport, error) {
	switch name {
	case "", config.TransportTCP:
		return &TCPTransport{opts: opts}, nil
	case config.TransportQUIC:
		return &QUICTransport{opts: opts}, nil
	default:
		return nil, result.New(result.InvalidParam, "unknown transport", "transport", name)
	}
}

// Deadline converts a timeout into an absolute deadline. Infinite yields
// the zero time, which clears deadlines.
func Deadline(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
