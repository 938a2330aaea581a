package cluster

import "sort"

// Quorum is the number of votes needed to win an election among n members
func Quorum(n int) int {
	return n/2 + 1
}

// Membership maps member ids to listen addresses. It has no lock of its own:
// the state machine guards it with the same mutex as the node state.
type Membership struct {
	addrs map[NodeID]string
}

// NewMembership copies members into a new Membership
func NewMembership(members map[NodeID]string) *Membership {
	addrs := make(map[NodeID]string, len(members))
	for id, addr := range members {
		addrs[id] = addr
	}
	return &Membership{addrs: addrs}
}

// Size is the number of members, this node included
func (m *Membership) Size() int {
	return len(m.addrs)
}

// Quorum is the number of votes needed to win among the current members
func (m *Membership) Quorum() int {
	return Quorum(m.Size())
}

// Contains reports whether id is a member
func (m *Membership) Contains(id NodeID) bool {
	_, ok := m.addrs[id]
	return ok
}

// Address returns the listen address of id
func (m *Membership) Address(id NodeID) (string, bool) {
	addr, ok := m.addrs[id]
	return addr, ok
}

// Add registers a new member. Existing members are never overwritten.
func (m *Membership) Add(id NodeID, addr string) bool {
	if _, ok := m.addrs[id]; ok {
		return false
	}
	m.addrs[id] = addr
	return true
}

// Peers returns the addresses of every member except self, ordered by id
func (m *Membership) Peers(self NodeID) []string {
	ids := make([]int, 0, len(m.addrs))
	for id := range m.addrs {
		if id != self {
			ids = append(ids, int(id))
		}
	}
	sort.Ints(ids)

	peers := make([]string, len(ids))
	for i, id := range ids {
		peers[i] = m.addrs[NodeID(id)]
	}
	return peers
}

// Snapshot returns a copy of the member map
func (m *Membership) Snapshot() map[NodeID]string {
	out := make(map[NodeID]string, len(m.addrs))
	for id, addr := range m.addrs {
		out[id] = addr
	}
	return out
}
