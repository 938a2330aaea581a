package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-election/pkg/health"
	"github.com/dd0wney/cluso-election/pkg/logging"
	"github.com/dd0wney/cluso-election/pkg/metrics"
	"github.com/dd0wney/cluso-election/pkg/transport"
)

// Node is one running cluster member: a state machine, the listener that
// feeds it and the scheduler that times it out.
type Node struct {
	cfg        Config
	instanceID string
	transport  transport.Transport
	sm         *StateMachine
	scheduler  *Scheduler
	logger     logging.Logger
	metrics    *metrics.Registry

	mu      sync.Mutex
	started bool
	ln      transport.Listener
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNode validates cfg and assembles a node that communicates over t
func NewNode(cfg Config, t transport.Transport, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}

	o := buildOptions(cfg.NodeID, opts)
	instanceID := uuid.New().String()
	o.logger = o.logger.With(logging.Instance(instanceID))

	sender := loggingSender{
		Sender: NewPeerSender(t, cfg),
		logger: o.logger.With(logging.Node(uint8(cfg.NodeID)), logging.Component("sender")),
	}
	sm := newStateMachine(cfg, sender, o)

	return &Node{
		cfg:        cfg,
		instanceID: instanceID,
		transport:  t,
		sm:         sm,
		scheduler:  NewScheduler(sm),
		logger:     o.logger.With(logging.Node(uint8(cfg.NodeID))),
		metrics:    o.metrics,
	}, nil
}

// Start binds the member address and starts the listener and scheduler
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return ErrAlreadyStarted
	}

	ln, err := n.transport.Listen(n.cfg.LocalAddr())
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inbound := NewInbound(ln, n.sm, n.cfg.IOTimeout, n.scheduler.Notify, n.logger, n.metrics)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		inbound.Serve(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.scheduler.Run(ctx)
	}()

	n.ln = ln
	n.cancel = cancel
	n.started = true

	n.logger.Info("node started",
		logging.Addr(ln.Addr()),
		logging.Int("members", len(n.cfg.Members)),
		logging.Duration("heartbeat_interval", n.cfg.HeartbeatInterval))
	return nil
}

// Stop closes the listener, stops the scheduler and waits for both
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.started = false
	n.cancel()
	err := n.ln.Close()
	n.mu.Unlock()

	n.wg.Wait()
	n.logger.Info("node stopped", logging.String("state", n.sm.State().String()))

	if err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

// ID returns the node id
func (n *Node) ID() NodeID {
	return n.cfg.NodeID
}

// InstanceID identifies this process run in logs
func (n *Node) InstanceID() string {
	return n.instanceID
}

// Addr returns the address the node listens on
func (n *Node) Addr() string {
	return n.cfg.LocalAddr()
}

// State returns a snapshot of the node state
func (n *Node) State() NodeState {
	return n.sm.State()
}

// IsLeader reports whether this node currently leads
func (n *Node) IsLeader() bool {
	return n.sm.State().Role == Leader
}

// Term returns the current term
func (n *Node) Term() Term {
	return n.sm.State().Term
}

// Members returns a copy of the current membership
func (n *Node) Members() map[NodeID]string {
	return n.sm.Members()
}

// ElectionStatus summarizes the node for health checks
func (n *Node) ElectionStatus() health.ElectionStatus {
	return n.sm.ElectionStatus()
}

// RegisterHealthChecks adds the election liveness and readiness checks to hc
func (n *Node) RegisterHealthChecks(hc *health.HealthChecker) {
	hc.RegisterCheck("election", health.ElectionCheck(n.ElectionStatus))
	hc.RegisterReadinessCheck("leader", health.LeaderKnownCheck(n.ElectionStatus))
}
