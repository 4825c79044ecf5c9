package core

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
	"github.com/thinkermao/replog/raft/core/read"
	"github.com/thinkermao/replog/raft/proto"
)

// TestRaft_ReadIndex tests that a read is served at the commit index
// once a quorum answered the heartbeats carrying its context, both on
// the leader and on a follower.
func TestRaft_ReadIndex(t *testing.T) {
	tests := []struct {
		reader uint64
		ctx    []byte
	}{
		{1, []byte("leader-read")},
		{2, []byte("follower-read")},
		{3, []byte("another-follower-read")},
	}

	net := makeCluster(1, 2, 3)
	net.startElection(1)
	net.heartbeat(1)
	require.True(t, net.allCommitted(1))

	for i, test := range tests {
		if err := net.readIndex(test.reader, test.ctx); err != nil {
			t.Fatalf("#%d: read failed: %v", i, err)
		}
		want := []read.ReadState{{Index: 1, RequestCtx: test.ctx}}
		if diff := deep.Equal(net.reads[test.reader], want); diff != nil {
			t.Fatalf("#%d: read states %v", i, diff)
		}
	}
}

func TestRaft_ReadIndexNoLeader(t *testing.T) {
	net := makeCluster(1, 2, 3)
	require.Equal(t, ErrNoLeader, net.readIndex(1, []byte("ctx")))

	net.peer(2).Close()
	require.Equal(t, ErrClosed, net.readIndex(2, []byte("ctx")))
}

// TestRaft_ReadIndexNotReady tests that a leader refuses reads until it
// committed an entry of its own term.
func TestRaft_ReadIndexNotReady(t *testing.T) {
	net := makeCluster(1, 2, 3)
	net.ignore(raftpd.MsgAppendRequest)
	net.startElection(1)
	net.heartbeat(1)
	require.Equal(t, uint64(1), net.leader())

	require.Equal(t, ErrReadNotReady, net.readIndex(1, []byte("early")))

	// a forwarded read is dropped as well.
	require.NoError(t, net.readIndex(2, []byte("forwarded")))
	require.Empty(t, net.reads[2])

	net.recover()
	net.heartbeat(1)
	net.heartbeat(1)
	require.True(t, net.allCommitted(1))
	require.NoError(t, net.readIndex(1, []byte("ready")))
	require.Len(t, net.reads[1], 1)
}

// TestRaft_ReadIndexWaitsForApply tests that a confirmed read is held
// back until the state machine applied its index.
func TestRaft_ReadIndexWaitsForApply(t *testing.T) {
	net := makeCluster(1, 2, 3)
	net.startElection(1)
	net.heartbeat(1)

	n2 := net.peer(2)
	readState := read.ReadState{Index: 5, RequestCtx: []byte("future")}
	n2.saveReadState(&readState)
	require.Empty(t, n2.Ready().ReadStates)

	for i := 0; i < 4; i++ {
		_, err := net.propose(1, []byte("x"))
		require.NoError(t, err)
	}
	net.heartbeat(1)
	require.True(t, net.allCommitted(5))
	require.Len(t, net.reads[2], 1)
	require.Equal(t, uint64(5), net.reads[2][0].Index)
}
