package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// NNGTransport carries frames as NNG push/pull messages. Outbound push
// sockets are cached per peer address and re-dialed lazily after a failed
// send.
type NNGTransport struct {
	sendTimeout time.Duration

	mu      sync.Mutex
	pushers map[string]mangos.Socket
}

// NewNNGTransport creates an NNG transport. sendTimeout bounds how long a
// frame waits for the peer's pull socket to be connected.
func NewNNGTransport(sendTimeout time.Duration) *NNGTransport {
	return &NNGTransport{
		sendTimeout: sendTimeout,
		pushers:     make(map[string]mangos.Socket),
	}
}

// nngURL maps a host:port member address to a tcp:// URL. Addresses that
// already carry a scheme (inproc://, ipc://) are used as-is.
func nngURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

// Listen binds a pull socket at addr
func (t *NNGTransport) Listen(addr string) (Listener, error) {
	sock, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("create pull socket: %w", err)
	}
	if err := sock.Listen(nngURL(addr)); err != nil {
		sock.Close()
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &nngListener{sock: sock, addr: addr}, nil
}

// Dial returns a write-only connection. The frame is sent as one message
// when the connection is closed.
func (t *NNGTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sock, err := t.pusher(addr)
	if err != nil {
		return nil, err
	}
	return &nngPushConn{transport: t, addr: addr, sock: sock}, nil
}

func (t *NNGTransport) pusher(addr string) (mangos.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sock, ok := t.pushers[addr]; ok {
		return sock, nil
	}

	sock, err := push.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("create push socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, t.sendTimeout); err != nil {
		sock.Close()
		return nil, err
	}
	// Asynchronous dial keeps reconnecting in the background so a peer that
	// is down at startup is picked up once it comes back
	if err := sock.DialOptions(nngURL(addr), map[string]interface{}{mangos.OptionDialAsynch: true}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	t.pushers[addr] = sock
	return sock, nil
}

// drop discards a cached socket after a failed send
func (t *NNGTransport) drop(addr string, sock mangos.Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pushers[addr] == sock {
		delete(t.pushers, addr)
		sock.Close()
	}
}

// Close closes every cached outbound socket
func (t *NNGTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for addr, sock := range t.pushers {
		if err := sock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(t.pushers, addr)
	}
	return errors.Join(errs...)
}

type nngPushConn struct {
	transport *NNGTransport
	addr      string
	sock      mangos.Socket
	buf       bytes.Buffer
	deadline  time.Time
	closed    bool
}

func (c *nngPushConn) Read([]byte) (int, error) {
	return 0, fmt.Errorf("%w: nng push connection", ErrReadOnly)
}

func (c *nngPushConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	return c.buf.Write(p)
}

func (c *nngPushConn) SetDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func (c *nngPushConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if !c.deadline.IsZero() && time.Now().After(c.deadline) {
		return os.ErrDeadlineExceeded
	}
	if c.buf.Len() == 0 {
		return nil
	}
	if err := c.sock.Send(c.buf.Bytes()); err != nil {
		c.transport.drop(c.addr, c.sock)
		return fmt.Errorf("send to %s: %w", c.addr, err)
	}
	return nil
}

type nngListener struct {
	sock mangos.Socket
	addr string
}

func (l *nngListener) Accept() (Conn, error) {
	msg, err := l.sock.Recv()
	if err != nil {
		if errors.Is(err, mangos.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return &nngMessageConn{r: bytes.NewReader(msg)}, nil
}

func (l *nngListener) Close() error {
	return l.sock.Close()
}

func (l *nngListener) Addr() string {
	return l.addr
}

// nngMessageConn exposes one received message as a read-only connection
type nngMessageConn struct {
	r *bytes.Reader
}

func (c *nngMessageConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *nngMessageConn) Write([]byte) (int, error)   { return 0, ErrReadOnly }
func (c *nngMessageConn) SetDeadline(time.Time) error { return nil }
func (c *nngMessageConn) Close() error                { return nil }

var _ Transport = (*NNGTransport)(nil)
