package cluster

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// NodeID identifies a cluster member. It is one byte on the wire.
type NodeID uint8

// Term is the election epoch. It is one byte on the wire, so it saturates at
// MaxTerm instead of wrapping.
type Term uint8

// MaxTerm is the last term a node can campaign in
const MaxTerm Term = math.MaxUint8

// Role is a node's position in the current term
type Role int

const (
	// Follower waits for heartbeats and answers vote requests
	Follower Role = iota
	// Candidate is collecting votes for its own leadership
	Candidate
	// Leader sends heartbeats to every peer
	Leader
)

// String returns the string representation of a Role
func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// NodeState is the term and role of a node together with the bookkeeping
// that is only meaningful within that term. It is always read and written
// as a whole under the state machine's lock.
type NodeState struct {
	Term Term
	Role Role
	// Votes holds the members that voted for this node, itself included.
	// Only populated while Role is Candidate.
	Votes map[NodeID]struct{}
	// VotedFor is the candidate this node voted for in Term, 0 if none
	VotedFor NodeID
	// Leader is the node whose heartbeat was seen in Term, 0 if none
	Leader NodeID
}

// VoteCount is the number of votes received in the current candidacy
func (s NodeState) VoteCount() int {
	return len(s.Votes)
}

func (s NodeState) clone() NodeState {
	if s.Votes != nil {
		votes := make(map[NodeID]struct{}, len(s.Votes))
		for id := range s.Votes {
			votes[id] = struct{}{}
		}
		s.Votes = votes
	}
	return s
}

// String renders the state like "State{term: 3, role: candidate(2)}"
func (s NodeState) String() string {
	role := s.Role.String()
	if s.Role == Candidate {
		role = fmt.Sprintf("%s(%d)", role, s.VoteCount())
	}
	return fmt.Sprintf("State{term: %d, role: %s}", s.Term, role)
}

func (s NodeState) voters() string {
	ids := make([]int, 0, len(s.Votes))
	for id := range s.Votes {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}

// Outcome is the result of processing one inbound frame
type Outcome int

const (
	// OutcomeIgnore means the frame changed nothing: stale or irrelevant
	OutcomeIgnore Outcome = iota
	// OutcomeAck means the frame was accepted
	OutcomeAck
	// OutcomeReject means the frame violated the protocol
	OutcomeReject
)

// String returns the string representation of an Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeIgnore:
		return "ignore"
	case OutcomeAck:
		return "ack"
	case OutcomeReject:
		return "reject"
	default:
		return "unknown"
	}
}
