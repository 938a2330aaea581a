package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TCPTransport opens one short-lived TCP connection per frame
type TCPTransport struct {
	dialer net.Dialer
}

// NewTCPTransport creates a TCP transport whose dials give up after dialTimeout
func NewTCPTransport(dialTimeout time.Duration) *TCPTransport {
	return &TCPTransport{
		dialer: net.Dialer{Timeout: dialTimeout},
	}
}

// Listen binds addr (host:port)
func (t *TCPTransport) Listen(addr string) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &tcpListener{l: l}, nil
}

// Dial connects to addr, honouring both ctx and the dial timeout
func (t *TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

type tcpListener struct {
	l net.Listener
}

func (l *tcpListener) Accept() (Conn, error) {
	conn, err := l.l.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return conn, nil
}

func (l *tcpListener) Close() error {
	return l.l.Close()
}

func (l *tcpListener) Addr() string {
	return l.l.Addr().String()
}

var _ Transport = (*TCPTransport)(nil)
