package core

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/proto"
)

func TestRaft_LeaderElection(t *testing.T) {
	partitioned := makeCluster(1, 2, 3)
	partitioned.down(2)
	partitioned.down(3)

	oneDown := makeCluster(1, 2, 3)
	oneDown.down(3)

	tests := []struct {
		net   *network
		state StateRole
		term  uint64
	}{
		{makeCluster(1, 2, 3), RoleLeader, 1},
		{makeCluster(1), RoleLeader, 1},
		{oneDown, RoleLeader, 1},
		{partitioned, RolePreCandidate, 0},
	}

	for i, test := range tests {
		test.net.startElection(1)
		peer := test.net.peer(1)
		if peer.state != test.state {
			t.Fatalf("#%d: state want: %v, get: %v", i, test.state, peer.state)
		}
		if peer.term != test.term {
			t.Fatalf("#%d: term want: %d, get: %d", i, test.term, peer.term)
		}
	}
}

func TestRaft_LeaderCommitsInitializeEntry(t *testing.T) {
	net := makeCluster(1, 2, 3)
	net.startElection(1)
	net.heartbeat(1)

	require.True(t, net.allCommitted(1))
	for id := uint64(1); id <= 3; id++ {
		applied := net.applied[id]
		require.Len(t, applied, 1)
		require.Equal(t, raftpd.EntryInitialize, applied[0].Type)
	}
}

func TestRaft_PollDoesNotChangeTerm(t *testing.T) {
	r := makeTestRaft(2, []uint64{1, 2, 3}, nil, withTerm(3))

	req := raftpd.PollRequest{Candidate: 1, Term: 5, LastLogIndex: 0, LastLogTerm: 0}
	msg := req.Message(2)
	r.Step(&msg)

	require.Equal(t, uint64(3), r.term)
	require.Equal(t, conf.InvalidID, r.vote)

	rd := r.Ready()
	require.Len(t, rd.Messages, 1)
	resp := raftpd.PollResponseOf(&rd.Messages[0])
	require.True(t, resp.Granted)
	require.Equal(t, uint64(5), resp.Term)
}

func TestRaft_PollRejectedDuringLease(t *testing.T) {
	net := makeCluster(1, 2, 3)
	net.startElection(1)

	// 3 missed the leader, 1 and 2 did not.
	net.startElection(3)

	require.Equal(t, uint64(1), net.leader())
	for id := uint64(1); id <= 3; id++ {
		if net.peer(id).term != 1 {
			t.Fatalf("#%d: term want: 1, get: %d", id, net.peer(id).term)
		}
	}
	require.Equal(t, RoleFollower, net.peer(3).state)
}

func TestRaft_TermRule(t *testing.T) {
	tests := []struct {
		msg raftpd.Message

		wterm   uint64
		wleader uint64
		wreply  raftpd.MessageType
		wreject bool
	}{
		// lower term request, rejected with own term.
		{raftpd.Message{MsgType: raftpd.MsgAppendRequest, From: 1, To: 2, Term: 1},
			2, conf.InvalidID, raftpd.MsgAppendResponse, true},
		{raftpd.Message{MsgType: raftpd.MsgVoteRequest, From: 1, To: 2, Term: 1},
			2, conf.InvalidID, raftpd.MsgVoteResponse, true},
		// higher term leader message, becomes follower of it.
		{raftpd.Message{MsgType: raftpd.MsgHeartbeatRequest, From: 1, To: 2, Term: 3},
			3, 1, raftpd.MsgHeartbeatResponse, false},
		// lower term response, dropped.
		{raftpd.Message{MsgType: raftpd.MsgAppendResponse, From: 1, To: 2, Term: 1},
			2, conf.InvalidID, 0, false},
	}

	for i, test := range tests {
		r := makeTestRaft(2, []uint64{1, 2, 3}, nil, withTerm(2))
		r.Ready()

		msg := test.msg
		r.Step(&msg)

		if r.term != test.wterm {
			t.Fatalf("#%d: term want: %d, get: %d", i, test.wterm, r.term)
		}
		if r.leaderID != test.wleader {
			t.Fatalf("#%d: leader want: %d, get: %d", i, test.wleader, r.leaderID)
		}

		rd := r.Ready()
		if test.wreply == 0 {
			if len(rd.Messages) != 0 {
				t.Fatalf("#%d: want no reply, get: %v", i, rd.Messages)
			}
			continue
		}
		if len(rd.Messages) != 1 {
			t.Fatalf("#%d: want one reply, get: %v", i, rd.Messages)
		}
		reply := rd.Messages[0]
		if reply.MsgType != test.wreply || reply.Reject != test.wreject || reply.Term != test.wterm {
			t.Fatalf("#%d: reply want: %v reject: %v term: %d, get: %v",
				i, test.wreply, test.wreject, test.wterm, reply)
		}
	}
}

func TestRaft_VoteOncePerTerm(t *testing.T) {
	r := makeTestRaft(1, []uint64{1, 2, 3}, nil, withTerm(1))
	r.Ready()

	for i, test := range []struct {
		candidate uint64
		wgranted  bool
	}{
		{2, true},
		{3, false},
		{2, true},
	} {
		req := raftpd.VoteRequest{Term: 1, Candidate: test.candidate}
		msg := req.Message(1)
		r.Step(&msg)

		rd := r.Ready()
		require.Len(t, rd.Messages, 1)
		resp := raftpd.VoteResponseOf(&rd.Messages[0])
		if resp.Granted != test.wgranted {
			t.Fatalf("#%d: granted want: %v, get: %v", i, test.wgranted, resp.Granted)
		}
	}
	require.Equal(t, uint64(2), r.vote)
}

func TestRaft_VoteRequiresUpToDateLog(t *testing.T) {
	tests := []struct {
		lastIdx, lastTerm uint64
		wgranted          bool
	}{
		{5, 1, false},
		{1, 2, false},
		{2, 2, true},
		{1, 3, true},
	}

	for i, test := range tests {
		r := makeTestRaft(1, []uint64{1, 2, 3}, nil, withTerm(2),
			withEntries(entry(1, 1), entry(2, 2)))
		r.Ready()

		req := raftpd.VoteRequest{Term: 3, Candidate: 2,
			LastLogIndex: test.lastIdx, LastLogTerm: test.lastTerm}
		msg := req.Message(1)
		r.Step(&msg)

		rd := r.Ready()
		resp := raftpd.VoteResponseOf(&rd.Messages[0])
		if resp.Granted != test.wgranted {
			t.Fatalf("#%d: granted want: %v, get: %v", i, test.wgranted, resp.Granted)
		}
		require.Equal(t, uint64(3), r.term)
	}
}

func TestRaft_CommitOnlyCurrentTerm(t *testing.T) {
	n1 := makeTestRaft(1, []uint64{1, 2, 3}, nil, withTerm(1), withEntries(entry(1, 1)))
	n2 := makeTestRaft(2, []uint64{1, 2, 3}, nil, withTerm(1))
	n3 := makeTestRaft(3, []uint64{1, 2, 3}, nil, withTerm(1))
	net := makeNetwork(n1, n2, n3)
	net.ignore(raftpd.MsgAppendRequest)
	net.startElection(1)
	require.Equal(t, RoleLeader, n1.state)
	require.Equal(t, uint64(2), n1.term)

	ack := func(idx uint64) {
		resp := raftpd.AppendResponse{Term: 2, Member: 2, Success: true, LastMatchedIndex: idx}
		msg := resp.Message(1)
		net.run(1, func(peer *RawNode) { peer.Step(&msg) })
	}

	ack(1)
	if n1.log.CommitIndex() != 0 {
		t.Fatalf("entry of an old term committed by counting, commit: %d", n1.log.CommitIndex())
	}

	ack(2)
	require.Equal(t, uint64(2), n1.log.CommitIndex())
}

func TestRaft_ProposeReplicates(t *testing.T) {
	net := makeCluster(1, 2, 3)
	net.startElection(1)

	for i := 0; i < 5; i++ {
		_, err := net.propose(1, []byte{byte(i)})
		require.NoError(t, err)
	}
	net.heartbeat(1)

	require.True(t, net.allCommitted(6))
	for id := uint64(1); id <= 3; id++ {
		require.Equal(t, net.applied[1], net.applied[id])
	}

	_, _, err := net.peer(2).Propose([]byte("x"))
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestRaft_Backpressure(t *testing.T) {
	peers := []uint64{1, 2, 3}
	net := makeNetwork(
		makeTestRaft(1, peers, nil, withInflight(2)),
		makeTestRaft(2, peers, nil, withInflight(2)),
		makeTestRaft(3, peers, nil, withInflight(2)))
	net.startElection(1)

	net.ignore(raftpd.MsgAppendResponse)
	net.delivered = nil
	for i := 0; i < 5; i++ {
		_, err := net.propose(1, []byte{byte(i)})
		require.NoError(t, err)
	}

	node := net.peer(1).getNodeByID(2)
	require.True(t, node.IsPaused())
	require.Equal(t, 2, node.Inflight())
	require.Equal(t, 2, net.countDelivered(raftpd.MsgAppendRequest, 2))

	// acknowledgements open the window again.
	net.recover()
	net.heartbeat(1)
	net.heartbeat(1)
	require.True(t, net.allCommitted(6))
}

func TestRaft_FollowerCatchUp(t *testing.T) {
	net := makeCluster(1, 2, 3)
	net.startElection(1)
	net.cut(1, 3)

	for i := 0; i < 10; i++ {
		_, err := net.propose(1, []byte{byte(i)})
		require.NoError(t, err)
	}
	require.Equal(t, uint64(1), net.peer(3).log.LastIndex())

	net.recover()
	for i := 0; i < 5; i++ {
		net.heartbeat(1)
	}
	require.True(t, net.allCommitted(11))
	require.Equal(t, net.applied[1], net.applied[3])
}

func TestRaft_ConflictingFollowerTruncated(t *testing.T) {
	// 3 holds entries of term 1 the leader of term 2 never had.
	n1 := makeTestRaft(1, []uint64{1, 2, 3}, nil, withTerm(1), withEntries(entry(1, 1)))
	n2 := makeTestRaft(2, []uint64{1, 2, 3}, nil, withTerm(1), withEntries(entry(1, 1)))
	n3 := makeTestRaft(3, []uint64{1, 2, 3}, nil, withTerm(1),
		withEntries(entry(1, 1), entry(2, 1), entry(3, 1)))
	net := makeNetwork(n1, n2, n3)

	net.cut(1, 3)
	net.startElection(1)
	require.Equal(t, RoleLeader, n1.state)
	net.recover()
	net.heartbeat(1)
	net.heartbeat(1)

	require.Equal(t, n1.log.LastIndex(), n3.log.LastIndex())
	require.Equal(t, uint64(2), n3.log.Term(2))
	require.True(t, net.allCommitted(2))
}

func TestRaft_PersistFailedStepsDown(t *testing.T) {
	net := makeCluster(1, 2, 3)
	net.startElection(1)

	leader := net.peer(1)
	_, _, err := leader.Propose([]byte("x"))
	require.NoError(t, err)
	rd := leader.Ready()
	require.Len(t, rd.Entries, 1)

	leader.PersistFailed()
	require.Equal(t, RoleFollower, leader.state)

	rd = leader.Ready()
	require.Len(t, rd.Entries, 1)
	require.NotNil(t, rd.HS)
}

// TestRaft_CommitWaitsForAdvance tests that a leader counts its own
// entry only once the write was acknowledged, so an entry whose write
// failed is neither committed nor applied.
func TestRaft_CommitWaitsForAdvance(t *testing.T) {
	net := makeCluster(1)
	net.startElection(1)

	leader := net.peer(1)
	require.Equal(t, RoleLeader, leader.state)
	commit := leader.log.CommitIndex()

	idx, _, err := leader.Propose([]byte("x"))
	require.NoError(t, err)
	rd := leader.Ready()
	require.Len(t, rd.Entries, 1)
	require.Empty(t, rd.CommitEntries)
	require.Equal(t, commit, leader.log.CommitIndex())

	leader.PersistFailed()
	require.Equal(t, RoleFollower, leader.state)
	require.Equal(t, commit, leader.log.CommitIndex())
	require.Equal(t, commit, leader.log.LastStabled())

	// handed out again, it commits only after Advance.
	rd = leader.Ready()
	require.Len(t, rd.Entries, 1)
	require.Equal(t, idx, rd.Entries[0].Index)
	require.NotNil(t, rd.HS)
	require.Empty(t, rd.CommitEntries)
	leader.Advance(rd)
	require.Equal(t, commit, leader.log.CommitIndex())

	net.startElection(1)
	require.Equal(t, RoleLeader, leader.state)
	require.True(t, net.allCommitted(idx+1))
	applied := net.applied[1]
	require.Equal(t, idx, applied[len(applied)-2].Index)
	require.Equal(t, []byte("x"), applied[len(applied)-2].Data)
}

func TestRaft_Close(t *testing.T) {
	net := makeCluster(1)
	net.startElection(1)

	r := net.peer(1)
	r.Close()
	r.Close()
	require.Equal(t, RoleClosed, r.state)

	_, _, err := r.Propose([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, r.Read([]byte("ctx")), ErrClosed)

	r.Periodic(10 * testElection)
	msg := raftpd.HeartbeatRequest{Term: 5, Leader: 2}.Message(1)
	r.Step(&msg)
	require.Equal(t, RoleClosed, r.state)
	require.Equal(t, uint64(1), r.term)
}
