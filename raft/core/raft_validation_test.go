package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/raft/validator"
)

func withValidator(v validator.Validator, detect bool, limit int) configOpt {
	return func(c *conf.Config) {
		c.Validator = v
		c.DetectInconsistency = detect
		c.FailureLimit = limit
	}
}

// TestRaft_ProposeValidation tests that a leader refuses entries the
// validator rejects, without touching its log.
func TestRaft_ProposeValidation(t *testing.T) {
	tests := []struct {
		seq    uint64
		wvalid bool
	}{
		{1, true},
		{2, true},
		{2, false},
		{1, false},
		{3, true},
	}

	net := makeNetwork(makeTestRaft(1, []uint64{1}, nil,
		withValidator(validator.Sequence{}, false, 1)))
	net.startElection(1)
	require.Equal(t, uint64(1), net.leader())

	for i, test := range tests {
		last := net.peer(1).log.LastIndex()
		idx, err := net.propose(1, validator.PutSequence(test.seq, nil))
		if test.wvalid != (err == nil) {
			t.Fatalf("#%d: want valid: %v, get error: %v", i, test.wvalid, err)
		}
		if !test.wvalid {
			var verr *validator.ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, last, net.peer(1).log.LastIndex())
			continue
		}
		require.Equal(t, last+1, idx)
	}
	require.Empty(t, net.inconsistency)
}

// TestRaft_InconsistencyDetection tests that consecutive validation
// failures latch an inconsistency reported once through Ready.
func TestRaft_InconsistencyDetection(t *testing.T) {
	net := makeNetwork(makeTestRaft(1, []uint64{1}, nil,
		withValidator(validator.Sequence{}, true, 2)))
	net.startElection(1)

	_, err := net.propose(1, validator.PutSequence(5, nil))
	require.NoError(t, err)

	_, err = net.propose(1, validator.PutSequence(5, nil))
	require.Error(t, err)
	require.Empty(t, net.inconsistency)

	_, err = net.propose(1, validator.PutSequence(4, nil))
	var verr *validator.ValidationError
	require.True(t, errors.As(err, &verr))
	require.True(t, errors.Is(net.inconsistency[1], validator.ErrReprocessingInconsistency))

	delete(net.inconsistency, 1)
	_, err = net.propose(1, validator.PutSequence(6, nil))
	require.True(t, errors.Is(err, validator.ErrReprocessingInconsistency))
	require.Empty(t, net.inconsistency)
}

// TestRaft_ValidationAfterElection tests that a new leader validates
// against the last application entry of its log.
func TestRaft_ValidationAfterElection(t *testing.T) {
	last := entry(1, 1)
	last.Data = validator.PutSequence(7, nil)
	net := makeNetwork(makeTestRaft(1, []uint64{1}, nil,
		withTerm(1), withEntries(last),
		withValidator(validator.Sequence{}, false, 1)))
	net.startElection(1)
	require.Equal(t, uint64(1), net.leader())

	_, err := net.propose(1, validator.PutSequence(7, nil))
	require.Error(t, err)
	_, err = net.propose(1, validator.PutSequence(8, nil))
	require.NoError(t, err)
}

// TestRaft_ValidationAfterCompaction tests that a leader elected after
// its log was compacted still validates against the compacted entry.
func TestRaft_ValidationAfterCompaction(t *testing.T) {
	net := makeNetwork(makeTestRaft(1, []uint64{1}, nil,
		withValidator(validator.Sequence{}, false, 1)))
	net.startElection(1)

	_, err := net.propose(1, validator.PutSequence(5, nil))
	require.NoError(t, err)

	n1 := net.peer(1)
	applied := n1.log.LastApplied()
	n1.Compact(raftpd.SnapshotID{Index: applied, Term: n1.log.Term(applied)})
	require.Equal(t, applied+1, n1.log.FirstIndex())

	net.run(1, func(peer *RawNode) { peer.StepDown() })
	net.startElection(1)
	require.Equal(t, uint64(1), net.leader())
	require.Equal(t, uint64(2), n1.term)

	_, err = net.propose(1, validator.PutSequence(1, nil))
	var verr *validator.ValidationError
	require.True(t, errors.As(err, &verr))
	_, err = net.propose(1, validator.PutSequence(6, nil))
	require.NoError(t, err)
}

// TestRaft_ValidationAfterRestart tests that the application entry
// covered by the restored snapshot seeds validation.
func TestRaft_ValidationAfterRestart(t *testing.T) {
	restored := func(c *conf.Config) {
		c.Term = 1
		c.Entries = []raftpd.Entry{
			{Index: 5, Term: 1},
			{Index: 6, Term: 1, Type: raftpd.EntryInitialize},
		}
		c.Commit = 6
		c.LastApplication = &raftpd.Entry{Index: 4, Term: 1, Data: validator.PutSequence(7, nil)}
	}
	net := makeNetwork(makeTestRaft(1, []uint64{1}, nil, restored,
		withValidator(validator.Sequence{}, false, 1)))
	net.startElection(1)
	require.Equal(t, uint64(1), net.leader())

	_, err := net.propose(1, validator.PutSequence(3, nil))
	require.Error(t, err)
	_, err = net.propose(1, validator.PutSequence(8, nil))
	require.NoError(t, err)
}

// TestRaft_ValidationAfterInstall tests that an installed snapshot
// brings the last application entry it covers.
func TestRaft_ValidationAfterInstall(t *testing.T) {
	id := raftpd.SnapshotID{Index: 4, Term: 1, ProcessedPosition: 4, ExportedPosition: 4}
	app1 := &memApp{
		snapshot: &id,
		chunks:   []raftpd.SnapshotChunk{{Name: "state", Data: []byte("a")}},
	}
	app4 := &memApp{}

	members := []uint64{1, 2, 3}
	opt := withValidator(validator.Sequence{}, false, 1)
	net := makeNetwork(
		makeTestRaft(1, members, app1, opt),
		makeTestRaft(2, members, nil, opt),
		makeTestRaft(3, members, nil, opt))
	net.startElection(1)
	for seq := uint64(1); seq <= 3; seq++ {
		_, err := net.propose(1, validator.PutSequence(seq, nil))
		require.NoError(t, err)
	}
	net.heartbeat(1)
	require.True(t, net.allCommitted(4))
	net.peer(1).Compact(id)

	net.add(makeTestRaft(4, members, app4, opt))
	net.run(1, func(peer *RawNode) {
		_, err := peer.Join(raftpd.Member{ID: 4, Type: raftpd.MemberActive})
		require.NoError(t, err)
	})
	net.heartbeat(1)
	net.heartbeat(1)
	require.Equal(t, []raftpd.SnapshotID{id}, net.installed[4])

	n4 := net.peer(4)
	last := n4.log.LastApplicationEntry(n4.log.LastIndex())
	require.NotNil(t, last)
	require.Equal(t, id.Index, last.Index)
	seq, err := validator.ReadSequence(last.Data)
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
}
