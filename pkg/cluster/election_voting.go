package cluster

import (
	"context"

	"github.com/dd0wney/cluso-election/pkg/logging"
	"github.com/dd0wney/cluso-election/pkg/protocol"
)

// ProcessOperation applies one decoded inbound frame to the node state and
// sends whatever the rules produce once the lock is released.
func (sm *StateMachine) ProcessOperation(ctx context.Context, frame protocol.Frame) Outcome {
	sm.mu.Lock()
	outcome, out := sm.processLocked(frame)
	sm.mu.Unlock()

	if sm.metrics != nil && frame.Op != nil {
		sm.metrics.RecordReceived(protocol.Name(frame.Op), outcome.String())
	}
	sm.dispatch(ctx, out)

	return outcome
}

func (sm *StateMachine) processLocked(f protocol.Frame) (Outcome, []envelope) {
	if f.Op == nil {
		sm.logger.Error("frame without operation", logging.Peer(f.SenderID))
		return OutcomeReject, nil
	}

	peer := NodeID(f.SenderID)
	peerTerm := Term(f.Term)
	log := sm.logger.With(logging.Peer(f.SenderID), logging.Op(protocol.Name(f.Op)))

	if peer == 0 || peer == sm.self {
		log.Debug("ignoring frame with invalid sender")
		return OutcomeIgnore, nil
	}

	sm.lastSeen[peer] = sm.now()
	sm.learnPeerLocked(peer, f.Op, log)

	switch {
	case peerTerm < sm.state.Term:
		log.Debug("ignoring stale frame",
			logging.Term(f.Term),
			logging.Int("current_term", int(sm.state.Term)))
		return OutcomeIgnore, nil
	case peerTerm > sm.state.Term:
		return sm.adoptTermLocked(peer, peerTerm, f.Op, log)
	}

	switch op := f.Op.(type) {
	case protocol.Heartbeat:
		return sm.handleHeartbeatLocked(peer, log)
	case protocol.RequestVote:
		return sm.handleRequestVoteLocked(peer, op.Address, log)
	case protocol.Vote:
		return sm.handleVoteLocked(peer, log)
	case protocol.AppendEntry:
		return sm.handleAppendEntryLocked(peer, log)
	default:
		log.Error("unhandled operation")
		return OutcomeReject, nil
	}
}

// learnPeerLocked registers an unknown candidate so it can be heard from
// again (must be called with lock held)
func (sm *StateMachine) learnPeerLocked(peer NodeID, op protocol.Operation, log logging.Logger) {
	rv, ok := op.(protocol.RequestVote)
	if !ok || !sm.acceptUnknown || sm.members.Contains(peer) {
		return
	}

	if sm.members.Add(peer, rv.Address) {
		log.Info("registered new member",
			logging.Addr(rv.Address),
			logging.Int("members", sm.members.Size()),
			logging.Int("quorum", sm.members.Quorum()))
		if sm.metrics != nil {
			sm.metrics.SetMembers(sm.members.Size())
		}
	}
}

// adoptTermLocked follows a peer that is ahead of us (must be called with lock held)
func (sm *StateMachine) adoptTermLocked(peer NodeID, term Term, op protocol.Operation, log logging.Logger) (Outcome, []envelope) {
	sm.transition(term, Follower)

	switch op := op.(type) {
	case protocol.Heartbeat:
		sm.followLocked(peer, log)
		return OutcomeAck, nil
	case protocol.RequestVote:
		return OutcomeAck, sm.grantVoteLocked(peer, op.Address, log)
	case protocol.AppendEntry:
		log.Error("append entry before any heartbeat in term", logging.Term(uint8(term)))
		return OutcomeReject, nil
	default:
		return OutcomeAck, nil
	}
}

func (sm *StateMachine) handleHeartbeatLocked(peer NodeID, log logging.Logger) (Outcome, []envelope) {
	switch sm.state.Role {
	case Leader:
		log.Error("heartbeat from another leader in the same term", logging.Term(uint8(sm.state.Term)))
		return OutcomeIgnore, nil
	case Candidate:
		sm.transition(sm.state.Term, Follower)
	}

	sm.followLocked(peer, log)
	return OutcomeAck, nil
}

func (sm *StateMachine) followLocked(peer NodeID, log logging.Logger) {
	if sm.state.Leader != peer {
		if sm.state.Leader != 0 {
			log.Warn("leader changed within a term", logging.Int("previous_leader", int(sm.state.Leader)))
		} else {
			log.Info("following leader", logging.Term(uint8(sm.state.Term)))
		}
		sm.state.Leader = peer
	}
	sm.lastHeartbeat = sm.now()
}

func (sm *StateMachine) handleRequestVoteLocked(peer NodeID, addr string, log logging.Logger) (Outcome, []envelope) {
	s := sm.state
	if s.Role == Follower &&
		(s.VotedFor == 0 || s.VotedFor == peer) &&
		(s.Leader == 0 || s.Leader == peer) {
		return OutcomeAck, sm.grantVoteLocked(peer, addr, log)
	}

	log.Debug("vote withheld",
		logging.String("role", s.Role.String()),
		logging.Int("voted_for", int(s.VotedFor)),
		logging.Int("leader", int(s.Leader)))
	return OutcomeAck, nil
}

// grantVoteLocked records the vote and queues the reply (must be called with lock held)
func (sm *StateMachine) grantVoteLocked(peer NodeID, addr string, log logging.Logger) []envelope {
	sm.state.VotedFor = peer
	log.Info("granted vote", logging.Term(uint8(sm.state.Term)), logging.Addr(addr))
	return sm.unicastLocked(addr, protocol.Vote{})
}

func (sm *StateMachine) handleVoteLocked(peer NodeID, log logging.Logger) (Outcome, []envelope) {
	if sm.state.Role != Candidate {
		log.Debug("ignoring vote, not a candidate", logging.String("role", sm.state.Role.String()))
		return OutcomeIgnore, nil
	}
	if !sm.members.Contains(peer) {
		log.Debug("ignoring vote from non-member")
		return OutcomeIgnore, nil
	}
	if _, dup := sm.state.Votes[peer]; dup {
		log.Debug("ignoring duplicate vote")
		return OutcomeIgnore, nil
	}

	sm.state.Votes[peer] = struct{}{}
	log.Debug("vote received",
		logging.Int("votes", sm.state.VoteCount()),
		logging.Int("quorum", sm.members.Quorum()))

	if sm.state.VoteCount() >= sm.members.Quorum() {
		return OutcomeAck, sm.becomeLeaderLocked()
	}
	return OutcomeAck, nil
}

func (sm *StateMachine) handleAppendEntryLocked(peer NodeID, log logging.Logger) (Outcome, []envelope) {
	if sm.state.Role == Follower && sm.state.Leader == peer {
		return OutcomeAck, nil
	}

	log.Error("append entry without an established leader",
		logging.String("role", sm.state.Role.String()),
		logging.Int("leader", int(sm.state.Leader)))
	return OutcomeReject, nil
}
