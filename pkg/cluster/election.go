package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dd0wney/cluso-election/pkg/health"
	"github.com/dd0wney/cluso-election/pkg/logging"
	"github.com/dd0wney/cluso-election/pkg/metrics"
	"github.com/dd0wney/cluso-election/pkg/protocol"
)

// StateMachine owns the node's term, role and membership and applies the
// election rules to them.
//
// Concurrent Safety:
// 1. Term, role, votes and membership live behind one sync.Mutex and change together
// 2. Outbound frames are built under the lock and sent after it is released
// 3. Snapshots returned to callers are copies
type StateMachine struct {
	mu      sync.Mutex
	self    NodeID
	addr    string
	state   NodeState
	members *Membership

	heartbeatInterval time.Duration
	acceptUnknown     bool

	lastSeen      map[NodeID]time.Time
	lastHeartbeat time.Time
	electionStart time.Time

	rng     *rand.Rand
	now     func() time.Time
	sender  Sender
	logger  logging.Logger
	metrics *metrics.Registry
}

// envelope is a frame queued under the lock and sent once it is released
type envelope struct {
	op      string
	frame   []byte
	targets []string
}

// NewStateMachine creates the state of a freshly booted node: term 0, a
// candidate holding its own vote. cfg is assumed to be valid.
func NewStateMachine(cfg Config, sender Sender, opts ...Option) *StateMachine {
	return newStateMachine(cfg, sender, buildOptions(cfg.NodeID, opts))
}

func newStateMachine(cfg Config, sender Sender, o options) *StateMachine {
	sm := &StateMachine{
		self:              cfg.NodeID,
		addr:              cfg.LocalAddr(),
		members:           NewMembership(cfg.Members),
		heartbeatInterval: cfg.HeartbeatInterval,
		acceptUnknown:     cfg.AcceptUnknownPeers,
		lastSeen:          make(map[NodeID]time.Time),
		rng:               o.rng,
		now:               o.now,
		sender:            sender,
		logger:            o.logger.With(logging.Node(uint8(cfg.NodeID)), logging.Component("election")),
		metrics:           o.metrics,
	}

	sm.state = NodeState{
		Term:     0,
		Role:     Candidate,
		Votes:    map[NodeID]struct{}{sm.self: {}},
		VotedFor: sm.self,
	}
	sm.electionStart = sm.now()

	if sm.metrics != nil {
		sm.metrics.SetState(uint8(sm.state.Term), sm.state.Role.String())
		sm.metrics.SetMembers(sm.members.Size())
	}

	return sm
}

// State returns a copy of the current state
func (sm *StateMachine) State() NodeState {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.state.clone()
}

// Members returns a copy of the membership map
func (sm *StateMachine) Members() map[NodeID]string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.members.Snapshot()
}

// Quorum returns the votes needed to win among the current members
func (sm *StateMachine) Quorum() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.members.Quorum()
}

// TimeoutThreshold returns how long the scheduler waits in role before
// HandleTimeout: the heartbeat interval for a leader, otherwise a random
// duration in [3, 5) heartbeat intervals.
func (sm *StateMachine) TimeoutThreshold(role Role) time.Duration {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.timeoutThresholdLocked(role)
}

// NextTimeout is TimeoutThreshold for the current role
func (sm *StateMachine) NextTimeout() time.Duration {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.timeoutThresholdLocked(sm.state.Role)
}

func (sm *StateMachine) timeoutThresholdLocked(role Role) time.Duration {
	h := sm.heartbeatInterval
	if role == Leader {
		return h
	}
	return 3*h + time.Duration(sm.rng.Int63n(int64(2*h)))
}

// HandleTimeout is called by the scheduler when a wait expires. A leader
// re-sends heartbeats; anyone else starts an election in the next term.
func (sm *StateMachine) HandleTimeout(ctx context.Context) {
	sm.mu.Lock()
	role := sm.state.Role
	if sm.metrics != nil {
		sm.metrics.RecordTimeout(role.String())
	}

	var out []envelope
	switch role {
	case Leader:
		out = sm.broadcastLocked(protocol.Heartbeat{})
	default:
		out = sm.startElectionLocked()
	}
	sm.mu.Unlock()

	sm.dispatch(ctx, out)
}

// startElectionLocked moves to candidacy in the next term (must be called with lock held)
func (sm *StateMachine) startElectionLocked() []envelope {
	if sm.state.Term == MaxTerm {
		sm.logger.Error("term space exhausted, not starting an election", logging.Term(uint8(sm.state.Term)))
		return nil
	}

	sm.transition(sm.state.Term+1, Candidate)
	if sm.metrics != nil {
		sm.metrics.RecordElectionStarted()
	}

	// A single-member cluster is its own quorum
	if sm.state.VoteCount() >= sm.members.Quorum() {
		return sm.becomeLeaderLocked()
	}

	return sm.broadcastLocked(protocol.RequestVote{Address: sm.addr})
}

// becomeLeaderLocked takes leadership and announces it (must be called with lock held)
func (sm *StateMachine) becomeLeaderLocked() []envelope {
	sm.logger.Info("won election",
		logging.Term(uint8(sm.state.Term)),
		logging.String("voters", sm.state.voters()),
		logging.Int("quorum", sm.members.Quorum()))

	if sm.metrics != nil {
		sm.metrics.RecordElectionWon(sm.now().Sub(sm.electionStart))
	}

	sm.transition(sm.state.Term, Leader)
	sm.state.Leader = sm.self
	return sm.broadcastLocked(protocol.Heartbeat{})
}

// transition is the only place term and role change (must be called with lock held)
func (sm *StateMachine) transition(term Term, role Role) {
	from := sm.state

	if term != from.Term {
		sm.state.VotedFor = 0
		sm.state.Leader = 0
	}
	sm.state.Term = term
	sm.state.Role = role

	switch {
	case role != Candidate:
		sm.state.Votes = nil
	case from.Role != Candidate || term != from.Term:
		sm.state.Votes = map[NodeID]struct{}{sm.self: {}}
		sm.state.VotedFor = sm.self
		sm.electionStart = sm.now()
	}

	if from.Term == term && from.Role == role {
		return
	}

	sm.logger.Info("state transition",
		logging.String("from", from.String()),
		logging.String("to", sm.state.String()))

	if sm.metrics != nil {
		sm.metrics.SetState(uint8(term), role.String())
		if from.Role == Candidate && role == Follower {
			sm.metrics.RecordElectionLost()
		}
	}
}

func (sm *StateMachine) encodeLocked(op protocol.Operation) ([]byte, bool) {
	frame, err := protocol.Encode(protocol.Frame{
		SenderID: uint8(sm.self),
		Term:     uint8(sm.state.Term),
		Op:       op,
	})
	if err != nil {
		sm.logger.Error("failed to encode frame", logging.Op(protocol.Name(op)), logging.Error(err))
		return nil, false
	}
	return frame, true
}

// broadcastLocked queues op for every peer (must be called with lock held)
func (sm *StateMachine) broadcastLocked(op protocol.Operation) []envelope {
	peers := sm.members.Peers(sm.self)
	if len(peers) == 0 {
		return nil
	}
	frame, ok := sm.encodeLocked(op)
	if !ok {
		return nil
	}
	return []envelope{{op: protocol.Name(op), frame: frame, targets: peers}}
}

// unicastLocked queues op for one address (must be called with lock held)
func (sm *StateMachine) unicastLocked(addr string, op protocol.Operation) []envelope {
	frame, ok := sm.encodeLocked(op)
	if !ok {
		return nil
	}
	return []envelope{{op: protocol.Name(op), frame: frame, targets: []string{addr}}}
}

// dispatch sends queued frames, one goroutine per target, and waits for all
func (sm *StateMachine) dispatch(ctx context.Context, out []envelope) {
	if sm.sender == nil {
		return
	}
	for _, env := range out {
		Broadcast(ctx, sm.sender, env.targets, env.frame, func(addr string, err error, elapsed time.Duration) {
			if sm.metrics != nil {
				sm.metrics.RecordSend(env.op, err, elapsed)
			}
		})
	}
}

// ElectionStatus summarizes the node for health checks
func (sm *StateMachine) ElectionStatus() health.ElectionStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.now()
	window := 5 * sm.heartbeatInterval

	reachable := 1
	for id, seen := range sm.lastSeen {
		if id != sm.self && sm.members.Contains(id) && now.Sub(seen) < window {
			reachable++
		}
	}

	status := health.ElectionStatus{
		Role:      sm.state.Role.String(),
		Term:      uint8(sm.state.Term),
		Leader:    uint8(sm.state.Leader),
		IsLeader:  sm.state.Role == Leader,
		Members:   sm.members.Size(),
		Quorum:    sm.members.Quorum(),
		Reachable: reachable,
	}
	if !sm.lastHeartbeat.IsZero() {
		status.LastContact = now.Sub(sm.lastHeartbeat)
	}
	// Followers never write to a settled leader
	if status.IsLeader {
		status.Reachable = status.Members
	}
	return status
}
