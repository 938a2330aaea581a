package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dd0wney/cluso-election/pkg/logging"
	"github.com/dd0wney/cluso-election/pkg/metrics"
	"github.com/dd0wney/cluso-election/pkg/protocol"
	"github.com/dd0wney/cluso-election/pkg/transport"
)

// Inbound accepts peer connections and feeds their frames to the state
// machine, one goroutine per connection.
type Inbound struct {
	ln        transport.Listener
	sm        *StateMachine
	onAccept  func()
	ioTimeout time.Duration
	logger    logging.Logger
	metrics   *metrics.Registry
	wg        sync.WaitGroup
}

// NewInbound creates an inbound loop over ln. onAccept is called after every
// frame the state machine did not ignore.
func NewInbound(ln transport.Listener, sm *StateMachine, ioTimeout time.Duration, onAccept func(), logger logging.Logger, registry *metrics.Registry) *Inbound {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Inbound{
		ln:        ln,
		sm:        sm,
		onAccept:  onAccept,
		ioTimeout: ioTimeout,
		logger:    logger.With(logging.Component("listener"), logging.Addr(ln.Addr())),
		metrics:   registry,
	}
}

// Serve accepts until the listener is closed, then waits for in-flight
// connections to finish.
func (in *Inbound) Serve(ctx context.Context) {
	defer in.wg.Wait()

	for {
		conn, err := in.ln.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return
			}
			in.logger.Debug("accept failed", logging.Error(err))
			continue
		}

		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			in.handle(ctx, conn)
		}()
	}
}

func (in *Inbound) handle(ctx context.Context, conn transport.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(in.ioTimeout)); err != nil {
		in.logger.Debug("failed to set deadline", logging.Error(err))
		return
	}

	data, err := protocol.ReadFrame(conn)
	if err != nil {
		in.logger.Debug("failed to read frame", logging.Error(err))
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			in.recordDecodeError()
		}
		return
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		in.logger.Debug("failed to decode frame", logging.Error(err), logging.Int("bytes", len(data)))
		in.recordDecodeError()
		return
	}

	if in.sm.ProcessOperation(ctx, frame) != OutcomeIgnore && in.onAccept != nil {
		in.onAccept()
	}
}

func (in *Inbound) recordDecodeError() {
	if in.metrics != nil {
		in.metrics.RecordDecodeError()
	}
}
