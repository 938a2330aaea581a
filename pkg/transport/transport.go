// Package transport provides the byte-stream plumbing election peers use to
// exchange frames. A connection carries exactly one frame: the sender writes
// it and closes, the receiver reads until EOF.
package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

// Conn is one frame exchange with a peer. net.Conn satisfies it.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Listener accepts inbound connections on the local member address.
type Listener interface {
	// Accept blocks until a connection arrives. It returns ErrClosed once the
	// listener has been closed.
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// Transport abstracts the network so the election core can run over TCP,
// NNG sockets or an in-process simulation.
type Transport interface {
	Listen(addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}

var (
	ErrClosed      = errors.New("listener closed")
	ErrUnreachable = errors.New("peer unreachable")
	ErrAddrInUse   = errors.New("address already in use")
	ErrReadOnly    = errors.New("connection is read-only")
)
