package cluster

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-election/pkg/logging"
	"github.com/dd0wney/cluso-election/pkg/metrics"
	"github.com/dd0wney/cluso-election/pkg/protocol"
)

const testHeartbeat = 100 * time.Millisecond

type sentFrame struct {
	addr  string
	frame protocol.Frame
}

// recordingSender decodes and keeps every frame instead of sending it
type recordingSender struct {
	mu   sync.Mutex
	sent []sentFrame
	err  error
}

func (r *recordingSender) Send(_ context.Context, addr string, data []byte) error {
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentFrame{addr: addr, frame: f})
	return r.err
}

// take returns and clears the recorded frames, ordered by address
func (r *recordingSender) take() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.sent
	r.sent = nil
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

func testAddr(id NodeID) string {
	return fmt.Sprintf("127.0.0.1:%d", 7000+int(id))
}

func testConfig(self NodeID, n int) Config {
	cfg := DefaultConfig()
	cfg.NodeID = self
	cfg.HeartbeatInterval = testHeartbeat
	cfg.DialTimeout = 50 * time.Millisecond
	cfg.IOTimeout = 50 * time.Millisecond
	cfg.Members = make(map[NodeID]string, n)
	for i := 1; i <= n; i++ {
		cfg.Members[NodeID(i)] = testAddr(NodeID(i))
	}
	return cfg
}

func newTestMachine(t *testing.T, self NodeID, n int) (*StateMachine, *recordingSender, *metrics.Registry) {
	t.Helper()

	sender := &recordingSender{}
	registry := metrics.NewRegistry()
	sm := NewStateMachine(testConfig(self, n), sender,
		WithLogger(logging.NopLogger{}),
		WithMetrics(registry),
		WithRand(rand.New(rand.NewSource(int64(self)))))
	return sm, sender, registry
}

// forceState puts sm into term and role directly
func forceState(sm *StateMachine, term Term, role Role) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.transition(term, role)
}

func frameFrom(sender NodeID, term Term, op protocol.Operation) protocol.Frame {
	return protocol.Frame{SenderID: uint8(sender), Term: uint8(term), Op: op}
}

func requestVoteFrom(sender NodeID, term Term) protocol.Frame {
	return frameFrom(sender, term, protocol.RequestVote{Address: testAddr(sender)})
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()

	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestNewStateMachine(t *testing.T) {
	sm, sender, registry := newTestMachine(t, 1, 3)

	state := sm.State()
	assert.Equal(t, Term(0), state.Term)
	assert.Equal(t, Candidate, state.Role)
	assert.Equal(t, 1, state.VoteCount())
	assert.Equal(t, NodeID(1), state.VotedFor)
	assert.Equal(t, NodeID(0), state.Leader)
	assert.Equal(t, "State{term: 0, role: candidate(1)}", state.String())
	assert.Equal(t, 2, sm.Quorum())
	assert.Empty(t, sender.take())

	assert.Equal(t, float64(3), metricValue(t, registry.MembersTotal))
	assert.Equal(t, float64(1), metricValue(t, registry.Role.WithLabelValues(metrics.RoleCandidate)))
}

func TestStateSnapshotIsCopy(t *testing.T) {
	sm, _, _ := newTestMachine(t, 1, 3)

	state := sm.State()
	state.Votes[2] = struct{}{}
	state.Term = 9

	assert.Equal(t, 1, sm.State().VoteCount())
	assert.Equal(t, Term(0), sm.State().Term)

	members := sm.Members()
	delete(members, 2)
	assert.Len(t, sm.Members(), 3)
}

func TestStaleFramesIgnored(t *testing.T) {
	ops := []protocol.Operation{
		protocol.Heartbeat{},
		protocol.Vote{},
		protocol.AppendEntry{},
		protocol.RequestVote{Address: testAddr(2)},
	}

	for _, op := range ops {
		t.Run(protocol.Name(op), func(t *testing.T) {
			sm, sender, _ := newTestMachine(t, 1, 3)
			forceState(sm, 5, Follower)
			before := sm.State()

			outcome := sm.ProcessOperation(context.Background(), frameFrom(2, 3, op))

			assert.Equal(t, OutcomeIgnore, outcome)
			assert.Equal(t, before, sm.State())
			assert.Empty(t, sender.take())
		})
	}
}

func TestHigherTermAdoption(t *testing.T) {
	for _, role := range []Role{Follower, Candidate, Leader} {
		t.Run(role.String(), func(t *testing.T) {
			sm, sender, _ := newTestMachine(t, 1, 3)
			forceState(sm, 2, role)

			outcome := sm.ProcessOperation(context.Background(), frameFrom(3, 4, protocol.Heartbeat{}))

			assert.Equal(t, OutcomeAck, outcome)
			state := sm.State()
			assert.Equal(t, Term(4), state.Term)
			assert.Equal(t, Follower, state.Role)
			assert.Equal(t, NodeID(3), state.Leader)
			assert.Equal(t, NodeID(0), state.VotedFor)
			assert.Empty(t, sender.take())
		})
	}
}

func TestHigherTermRequestVoteGrantsVote(t *testing.T) {
	sm, sender, _ := newTestMachine(t, 1, 3)
	forceState(sm, 2, Leader)

	outcome := sm.ProcessOperation(context.Background(), requestVoteFrom(2, 3))

	assert.Equal(t, OutcomeAck, outcome)
	state := sm.State()
	assert.Equal(t, Term(3), state.Term)
	assert.Equal(t, Follower, state.Role)
	assert.Equal(t, NodeID(2), state.VotedFor)

	sent := sender.take()
	require.Len(t, sent, 1)
	assert.Equal(t, testAddr(2), sent[0].addr)
	assert.Equal(t, protocol.Vote{}, sent[0].frame.Op)
	assert.Equal(t, uint8(1), sent[0].frame.SenderID)
	assert.Equal(t, uint8(3), sent[0].frame.Term)
}

func TestHigherTermAppendEntryRejected(t *testing.T) {
	sm, _, _ := newTestMachine(t, 1, 3)

	outcome := sm.ProcessOperation(context.Background(), frameFrom(2, 1, protocol.AppendEntry{}))

	assert.Equal(t, OutcomeReject, outcome)
	assert.Equal(t, Term(1), sm.State().Term)
	assert.Equal(t, Follower, sm.State().Role)
}

func TestHeartbeatDemotesCandidate(t *testing.T) {
	sm, sender, registry := newTestMachine(t, 1, 3)
	ctx := context.Background()

	sm.HandleTimeout(ctx)
	require.Equal(t, Candidate, sm.State().Role)
	require.Equal(t, Term(1), sm.State().Term)
	sender.take()

	outcome := sm.ProcessOperation(ctx, frameFrom(2, 1, protocol.Heartbeat{}))

	assert.Equal(t, OutcomeAck, outcome)
	state := sm.State()
	assert.Equal(t, Follower, state.Role)
	assert.Equal(t, Term(1), state.Term)
	assert.Equal(t, NodeID(2), state.Leader)
	assert.Equal(t, 0, state.VoteCount())
	assert.Equal(t, float64(1), metricValue(t, registry.ElectionsTotal.WithLabelValues("lost")))
}

func TestHandleTimeoutStartsElection(t *testing.T) {
	sm, sender, registry := newTestMachine(t, 1, 3)
	forceState(sm, 4, Follower)

	sm.HandleTimeout(context.Background())

	state := sm.State()
	assert.Equal(t, Term(5), state.Term)
	assert.Equal(t, Candidate, state.Role)
	assert.Equal(t, 1, state.VoteCount())
	assert.Equal(t, NodeID(1), state.VotedFor)

	sent := sender.take()
	require.Len(t, sent, 2)
	for i, id := range []NodeID{2, 3} {
		assert.Equal(t, testAddr(id), sent[i].addr)
		assert.Equal(t, protocol.RequestVote{Address: testAddr(1)}, sent[i].frame.Op)
		assert.Equal(t, uint8(5), sent[i].frame.Term)
	}

	assert.Equal(t, float64(1), metricValue(t, registry.TimeoutsTotal.WithLabelValues(metrics.RoleFollower)))
	assert.Equal(t, float64(1), metricValue(t, registry.ElectionsTotal.WithLabelValues("started")))
	assert.Equal(t, float64(5), metricValue(t, registry.Term))
}

func TestLeaderTimeoutSendsHeartbeats(t *testing.T) {
	sm, sender, _ := newTestMachine(t, 2, 3)
	forceState(sm, 7, Leader)

	sm.HandleTimeout(context.Background())

	assert.Equal(t, Term(7), sm.State().Term)
	assert.Equal(t, Leader, sm.State().Role)

	sent := sender.take()
	require.Len(t, sent, 2)
	assert.Equal(t, testAddr(1), sent[0].addr)
	assert.Equal(t, testAddr(3), sent[1].addr)
	for _, s := range sent {
		assert.Equal(t, protocol.Heartbeat{}, s.frame.Op)
		assert.Equal(t, uint8(7), s.frame.Term)
	}
}

func TestVoteAccumulationFiveNodes(t *testing.T) {
	sm, sender, registry := newTestMachine(t, 1, 5)
	ctx := context.Background()

	sm.HandleTimeout(ctx)
	require.Len(t, sender.take(), 4)
	require.Equal(t, 3, sm.Quorum())

	assert.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, frameFrom(2, 1, protocol.Vote{})))
	assert.Equal(t, Candidate, sm.State().Role)
	assert.Equal(t, 2, sm.State().VoteCount())
	assert.Empty(t, sender.take())

	assert.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, frameFrom(4, 1, protocol.Vote{})))
	state := sm.State()
	assert.Equal(t, Leader, state.Role)
	assert.Equal(t, Term(1), state.Term)
	assert.Equal(t, NodeID(1), state.Leader)

	sent := sender.take()
	require.Len(t, sent, 4)
	for _, s := range sent {
		assert.Equal(t, protocol.Heartbeat{}, s.frame.Op)
		assert.Equal(t, uint8(1), s.frame.Term)
	}
	assert.Equal(t, float64(1), metricValue(t, registry.ElectionsTotal.WithLabelValues("won")))

	// Late votes after winning change nothing
	assert.Equal(t, OutcomeIgnore, sm.ProcessOperation(ctx, frameFrom(5, 1, protocol.Vote{})))
	assert.Equal(t, Leader, sm.State().Role)
}

func TestDuplicateVotesCountOnce(t *testing.T) {
	sm, _, _ := newTestMachine(t, 1, 5)
	ctx := context.Background()
	sm.HandleTimeout(ctx)

	assert.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, frameFrom(2, 1, protocol.Vote{})))
	assert.Equal(t, OutcomeIgnore, sm.ProcessOperation(ctx, frameFrom(2, 1, protocol.Vote{})))
	assert.Equal(t, OutcomeIgnore, sm.ProcessOperation(ctx, frameFrom(2, 1, protocol.Vote{})))

	state := sm.State()
	assert.Equal(t, Candidate, state.Role)
	assert.Equal(t, 2, state.VoteCount())
}

func TestVotesFromNonMembersIgnored(t *testing.T) {
	sm, _, _ := newTestMachine(t, 1, 3)
	ctx := context.Background()
	sm.HandleTimeout(ctx)

	assert.Equal(t, OutcomeIgnore, sm.ProcessOperation(ctx, frameFrom(42, 1, protocol.Vote{})))
	assert.Equal(t, 1, sm.State().VoteCount())
}

func TestVoteIgnoredWhenNotCandidate(t *testing.T) {
	sm, _, _ := newTestMachine(t, 1, 3)
	forceState(sm, 2, Follower)

	assert.Equal(t, OutcomeIgnore, sm.ProcessOperation(context.Background(), frameFrom(2, 2, protocol.Vote{})))
	assert.Equal(t, Follower, sm.State().Role)
}

func TestSameTermRequestVote(t *testing.T) {
	sm, sender, _ := newTestMachine(t, 1, 3)
	ctx := context.Background()
	forceState(sm, 3, Follower)

	assert.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, requestVoteFrom(2, 3)))
	assert.Equal(t, NodeID(2), sm.State().VotedFor)
	sent := sender.take()
	require.Len(t, sent, 1)
	assert.Equal(t, testAddr(2), sent[0].addr)

	// A competing candidate in the same term is acknowledged but not granted
	assert.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, requestVoteFrom(3, 3)))
	assert.Equal(t, NodeID(2), sm.State().VotedFor)
	assert.Empty(t, sender.take())

	// A retransmitted request from the same candidate is granted again
	assert.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, requestVoteFrom(2, 3)))
	assert.Len(t, sender.take(), 1)
}

func TestCandidateDoesNotVoteForRival(t *testing.T) {
	sm, sender, _ := newTestMachine(t, 1, 3)
	ctx := context.Background()
	sm.HandleTimeout(ctx)
	sender.take()

	assert.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, requestVoteFrom(2, 1)))
	assert.Equal(t, Candidate, sm.State().Role)
	assert.Equal(t, NodeID(1), sm.State().VotedFor)
	assert.Empty(t, sender.take())
}

func TestFollowerWithLeaderDoesNotVote(t *testing.T) {
	sm, sender, _ := newTestMachine(t, 1, 3)
	ctx := context.Background()
	forceState(sm, 2, Follower)
	require.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, frameFrom(2, 2, protocol.Heartbeat{})))

	assert.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, requestVoteFrom(3, 2)))
	assert.Equal(t, NodeID(0), sm.State().VotedFor)
	assert.Empty(t, sender.take())
}

func TestLeaderIgnoresSameTermHeartbeat(t *testing.T) {
	sm, _, _ := newTestMachine(t, 1, 3)
	forceState(sm, 4, Leader)

	outcome := sm.ProcessOperation(context.Background(), frameFrom(2, 4, protocol.Heartbeat{}))

	assert.Equal(t, OutcomeIgnore, outcome)
	assert.Equal(t, Leader, sm.State().Role)
	assert.Equal(t, Term(4), sm.State().Term)
}

func TestAppendEntryRequiresLeader(t *testing.T) {
	sm, _, registry := newTestMachine(t, 1, 3)
	ctx := context.Background()
	forceState(sm, 2, Follower)

	assert.Equal(t, OutcomeReject, sm.ProcessOperation(ctx, frameFrom(2, 2, protocol.AppendEntry{})))

	require.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, frameFrom(2, 2, protocol.Heartbeat{})))
	assert.Equal(t, OutcomeAck, sm.ProcessOperation(ctx, frameFrom(2, 2, protocol.AppendEntry{})))

	// Only the known leader may append
	assert.Equal(t, OutcomeReject, sm.ProcessOperation(ctx, frameFrom(3, 2, protocol.AppendEntry{})))

	assert.Equal(t, float64(2), metricValue(t, registry.MessagesReceivedTotal.WithLabelValues("append_entry", "reject")))
	assert.Equal(t, float64(1), metricValue(t, registry.MessagesReceivedTotal.WithLabelValues("append_entry", "ack")))
}

func TestFramesFromSelfIgnored(t *testing.T) {
	sm, _, _ := newTestMachine(t, 1, 3)

	assert.Equal(t, OutcomeIgnore, sm.ProcessOperation(context.Background(), frameFrom(1, 9, protocol.Heartbeat{})))
	assert.Equal(t, OutcomeIgnore, sm.ProcessOperation(context.Background(), frameFrom(0, 9, protocol.Heartbeat{})))
	assert.Equal(t, Term(0), sm.State().Term)
}

func TestLateJoinerRegistered(t *testing.T) {
	sm, sender, registry := newTestMachine(t, 1, 3)
	ctx := context.Background()
	forceState(sm, 1, Follower)
	require.Equal(t, 2, sm.Quorum())

	outcome := sm.ProcessOperation(ctx, requestVoteFrom(9, 2))

	assert.Equal(t, OutcomeAck, outcome)
	members := sm.Members()
	assert.Equal(t, testAddr(9), members[9])
	assert.Len(t, members, 4)
	assert.Equal(t, 3, sm.Quorum())
	assert.Equal(t, float64(4), metricValue(t, registry.MembersTotal))

	sent := sender.take()
	require.Len(t, sent, 1)
	assert.Equal(t, testAddr(9), sent[0].addr)
}

func TestLateJoinerRegisteredEvenWhenStale(t *testing.T) {
	sm, _, _ := newTestMachine(t, 1, 3)
	forceState(sm, 5, Follower)

	assert.Equal(t, OutcomeIgnore, sm.ProcessOperation(context.Background(), requestVoteFrom(9, 1)))
	assert.Contains(t, sm.Members(), NodeID(9))
}

func TestUnknownPeersRejectedWhenDisabled(t *testing.T) {
	cfg := testConfig(1, 3)
	cfg.AcceptUnknownPeers = false
	sm := NewStateMachine(cfg, &recordingSender{}, WithLogger(logging.NopLogger{}), WithMetrics(nil))

	sm.ProcessOperation(context.Background(), requestVoteFrom(9, 1))

	assert.NotContains(t, sm.Members(), NodeID(9))
	assert.Equal(t, 2, sm.Quorum())
}

func TestExistingMemberAddressNotOverwritten(t *testing.T) {
	sm, _, _ := newTestMachine(t, 1, 3)

	sm.ProcessOperation(context.Background(), frameFrom(2, 1, protocol.RequestVote{Address: "10.0.0.2:9000"}))

	assert.Equal(t, testAddr(2), sm.Members()[2])
}

func TestSingleNodeBecomesLeader(t *testing.T) {
	sm, sender, _ := newTestMachine(t, 1, 1)

	sm.HandleTimeout(context.Background())

	state := sm.State()
	assert.Equal(t, Leader, state.Role)
	assert.Equal(t, Term(1), state.Term)
	assert.Equal(t, NodeID(1), state.Leader)
	assert.Empty(t, sender.take())
}

func TestMaxTermSaturates(t *testing.T) {
	sm, sender, _ := newTestMachine(t, 1, 3)
	forceState(sm, MaxTerm, Follower)

	sm.HandleTimeout(context.Background())

	state := sm.State()
	assert.Equal(t, MaxTerm, state.Term)
	assert.Equal(t, Follower, state.Role)
	assert.Empty(t, sender.take())
}

func TestTimeoutThreshold(t *testing.T) {
	sm, _, _ := newTestMachine(t, 1, 3)

	assert.Equal(t, testHeartbeat, sm.TimeoutThreshold(Leader))

	for _, role := range []Role{Follower, Candidate} {
		for i := 0; i < 1000; i++ {
			d := sm.TimeoutThreshold(role)
			assert.GreaterOrEqual(t, d, 3*testHeartbeat)
			assert.Less(t, d, 5*testHeartbeat)
		}
	}
}

func TestSendFailuresCounted(t *testing.T) {
	sm, sender, registry := newTestMachine(t, 1, 3)
	sender.err = errors.New("connection refused")

	sm.HandleTimeout(context.Background())

	assert.Equal(t, float64(2), metricValue(t, registry.MessagesSentTotal.WithLabelValues("request_vote", "error")))
	assert.Equal(t, Candidate, sm.State().Role)
}

func TestElectionStatus(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	sm := NewStateMachine(testConfig(1, 5), &recordingSender{},
		WithLogger(logging.NopLogger{}),
		WithMetrics(nil),
		withClock(clock))
	ctx := context.Background()

	status := sm.ElectionStatus()
	assert.Equal(t, "candidate", status.Role)
	assert.Equal(t, 5, status.Members)
	assert.Equal(t, 3, status.Quorum)
	assert.Equal(t, 1, status.Reachable)

	sm.ProcessOperation(ctx, frameFrom(2, 1, protocol.Heartbeat{}))
	sm.ProcessOperation(ctx, frameFrom(3, 0, protocol.Vote{}))
	now = now.Add(testHeartbeat)

	status = sm.ElectionStatus()
	assert.Equal(t, "follower", status.Role)
	assert.Equal(t, uint8(1), status.Term)
	assert.Equal(t, uint8(2), status.Leader)
	assert.False(t, status.IsLeader)
	assert.Equal(t, 3, status.Reachable)
	assert.Equal(t, testHeartbeat, status.LastContact)

	// Peers fall out of the window after five heartbeat intervals
	now = now.Add(5 * testHeartbeat)
	assert.Equal(t, 1, sm.ElectionStatus().Reachable)
}
