package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-election/pkg/logging"
	"github.com/dd0wney/cluso-election/pkg/transport"
)

// Sender delivers one encoded frame to a peer address
type Sender interface {
	Send(ctx context.Context, addr string, frame []byte) error
}

// PeerSender opens a fresh connection per frame. Nothing is retried: the
// next heartbeat or election covers a lost frame.
type PeerSender struct {
	transport   transport.Transport
	dialTimeout time.Duration
	ioTimeout   time.Duration
}

// NewPeerSender creates a sender over t using the timeouts in cfg
func NewPeerSender(t transport.Transport, cfg Config) *PeerSender {
	return &PeerSender{
		transport:   t,
		dialTimeout: cfg.DialTimeout,
		ioTimeout:   cfg.IOTimeout,
	}
}

// Send dials addr, writes frame and closes the connection
func (p *PeerSender) Send(ctx context.Context, addr string, frame []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, err := p.transport.Dial(dialCtx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := conn.SetDeadline(time.Now().Add(p.ioTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("set deadline on %s: %w", addr, err)
	}

	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return fmt.Errorf("write to %s: %w", addr, err)
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("close %s: %w", addr, err)
	}
	return nil
}

// SendResult is called once per target after Broadcast attempts delivery
type SendResult func(addr string, err error, elapsed time.Duration)

// Broadcast sends frame to every address concurrently and waits for all of
// the attempts to finish.
func Broadcast(ctx context.Context, sender Sender, addrs []string, frame []byte, result SendResult) {
	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			start := time.Now()
			err := sender.Send(ctx, addr, frame)
			if result != nil {
				result(addr, err, time.Since(start))
			}
		}(addr)
	}
	wg.Wait()
}

// loggingSender logs failed sends at debug level
type loggingSender struct {
	Sender
	logger logging.Logger
}

func (s loggingSender) Send(ctx context.Context, addr string, frame []byte) error {
	err := s.Sender.Send(ctx, addr, frame)
	if err != nil {
		s.logger.Debug("send failed", logging.Addr(addr), logging.Error(err))
	}
	return err
}
