package core

import (
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/proto"
)

// Raft raft interface provides the driver to run
// the entire raft algorithm, and the query of raft status.
type Raft interface {
	// Read status of raft.
	ReadSoftState() SoftState
	ReadHardState() raftpd.HardState
	Configuration() raftpd.Configuration
	Status() Status

	Read(context []byte) error
	Step(msg *raftpd.Message)
	Periodic(millsSinceLastPeriod int)
	Unreachable(peer uint64)

	// Propose first test whether the current role is leader,
	// if true validates the data, adds the entry to the log and returns
	// index and term; otherwise it returns an error.
	Propose(bytes []byte) (uint64, uint64, error)
	ProposeConfiguration(next raftpd.Configuration) (uint64, error)
	Join(member raftpd.Member) (uint64, error)
	Leave(id uint64) (uint64, error)
	Promote(id uint64) (uint64, error)
	Reconfigure(target raftpd.Configuration) (uint64, error)

	// Membership requests of a non leader member, routed to the leader.
	JoinRemote(member raftpd.Member, context []byte)
	LeaveRemote(id uint64, context []byte)
	ReconfigureRemote(target raftpd.Configuration, context []byte)

	// Compact drops the log covered by a persisted snapshot.
	Compact(id raftpd.SnapshotID)
	PersistFailed()
	StepDown()
	Close()

	Ready() Ready
	Advance(rd Ready)
	ReadStatus() (uint64, bool)
}

// MakeRaft return a Raft interface.
func MakeRaft(config *conf.Config, app NodeApplication) (Raft, error) {
	return MakeRawNode(config, app)
}
