package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// acceptBacklog is how many dialed but not yet accepted connections a memory
// listener queues before Dial blocks
const acceptBacklog = 64

// MemoryNetwork is an in-process network of listeners keyed by address. It
// simulates a cluster inside one test binary and can cut nodes off.
type MemoryNetwork struct {
	mu          sync.RWMutex
	listeners   map[string]*memoryListener
	partitioned map[string]bool
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners:   make(map[string]*memoryListener),
		partitioned: make(map[string]bool),
	}
}

// Transport returns the view of the network for the member at local. Dials
// made through it fail while either end is partitioned.
func (n *MemoryNetwork) Transport(local string) *MemoryTransport {
	return &MemoryTransport{network: n, local: local}
}

// Partition drops all traffic to and from addr
func (n *MemoryNetwork) Partition(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[addr] = true
}

// Heal reverses Partition
func (n *MemoryNetwork) Heal(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, addr)
}

func (n *MemoryNetwork) route(from, to string) (*memoryListener, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.partitioned[from] || n.partitioned[to] {
		return nil, fmt.Errorf("%w: %s -> %s partitioned", ErrUnreachable, from, to)
	}
	l, ok := n.listeners[to]
	if !ok {
		return nil, fmt.Errorf("%w: nothing listening on %s", ErrUnreachable, to)
	}
	return l, nil
}

// MemoryTransport is one member's handle on a MemoryNetwork
type MemoryTransport struct {
	network *MemoryNetwork
	local   string
}

// Listen registers a listener at addr
func (t *MemoryTransport) Listen(addr string) (Listener, error) {
	n := t.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}

	l := &memoryListener{
		network: n,
		addr:    addr,
		conns:   make(chan Conn, acceptBacklog),
		closed:  make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dial connects to the listener at addr over a synchronous in-memory pipe
func (t *MemoryTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	l, err := t.network.route(t.local, addr)
	if err != nil {
		return nil, err
	}

	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("%w: %s closed", ErrUnreachable, addr)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

type memoryListener struct {
	network *MemoryNetwork
	addr    string
	conns   chan Conn
	closed  chan struct{}
	once    sync.Once
}

func (l *memoryListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, ErrClosed
	}
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		l.network.mu.Lock()
		if l.network.listeners[l.addr] == l {
			delete(l.network.listeners, l.addr)
		}
		l.network.mu.Unlock()

		close(l.closed)
		for {
			select {
			case conn := <-l.conns:
				conn.Close()
			default:
				return
			}
		}
	})
	return nil
}

func (l *memoryListener) Addr() string {
	return l.addr
}

var _ Transport = (*MemoryTransport)(nil)
