package core

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/core/read"
	"github.com/thinkermao/replog/raft/proto"
)

var errNoSnapshot = errors.New("raft: no snapshot available")

// NodeApplication is the snapshot side of the state machine.
type NodeApplication interface {
	// LatestSnapshot returns the newest persisted snapshot.
	LatestSnapshot() (raftpd.SnapshotID, bool)

	// ReadSnapshotChunk returns the chunk at chunkIdx of snapshot id
	// and whether it is the last one.
	ReadSnapshotChunk(id raftpd.SnapshotID, chunkIdx uint64) (raftpd.SnapshotChunk, bool, error)

	// InstallSnapshotChunk stores one received chunk. Chunks arrive in
	// order starting from zero, a duplicate of a stored chunk must be
	// accepted. When the last chunk was stored the snapshot must be
	// persisted and the state machine restored from it.
	InstallSnapshotChunk(req *raftpd.InstallRequest) error
}

type Ready struct {
	// The current volatile state of a Node.
	// SoftState will be nil if there is no update.
	// It is not required to consume or store SoftState.
	SS *SoftState

	// The current state of a Node to be saved to stable storage BEFORE
	// Messages are sent.
	// HardState will be nil if there is no update.
	HS *raftpd.HardState

	// ReadStates can be used for node to serve linearizable read requests
	// locally when its applied index is greater than the index in ReadState.
	ReadStates []read.ReadState

	// Entries specifies entries to be saved to stable storage BEFORE
	// Messages are sent. They are handed out again until Advance
	// acknowledges them.
	Entries []raftpd.Entry

	// Snapshot is set when a snapshot was installed, the log restarts
	// at its position.
	Snapshot *raftpd.SnapshotID

	// Configuration is set when the committed membership changed.
	Configuration *raftpd.Configuration

	// CommitEntries specifies entries to be committed to a
	// store/state-machine. These have previously been acknowledged by
	// Advance.
	CommitEntries []raftpd.Entry

	// Messages specifies outbound messages to be sent AFTER Entries are
	// committed to stable storage.
	Messages []raftpd.Message

	// Reconfigurations are the outcomes of membership requests issued
	// by the local member.
	Reconfigurations []raftpd.ReconfigureResponse

	// Inconsistency is set once, when repeated validation failures
	// suggest the state machine diverged. The partition should halt.
	Inconsistency error
}

// IsEmpty reports whether there is nothing to handle.
func (rd *Ready) IsEmpty() bool {
	return rd.SS == nil && rd.HS == nil && len(rd.ReadStates) == 0 &&
		len(rd.Entries) == 0 && rd.Snapshot == nil && rd.Configuration == nil &&
		len(rd.CommitEntries) == 0 && len(rd.Messages) == 0 &&
		len(rd.Reconfigurations) == 0 && rd.Inconsistency == nil
}

type RawNode struct {
	*core
	prevHS raftpd.HardState
	prevSS SoftState

	readStates       []read.ReadState
	messages         []raftpd.Message
	reconfigurations []raftpd.ReconfigureResponse

	application NodeApplication
}

// MakeRawNode verifies config and starts a follower. app may be nil
// when snapshots are never used.
func MakeRawNode(config *conf.Config, app NodeApplication) (*RawNode, error) {
	if err := config.Verify(); err != nil {
		return nil, err
	}

	node := &RawNode{}
	node.application = app
	node.core = makeCore(config, node)
	node.prevHS = node.core.ReadHardState()
	node.core.start()
	return node, nil
}

func (node *RawNode) Unreachable(peer uint64) {
	msg := raftpd.Message{
		From:    peer,
		To:      node.id,
		Term:    node.term,
		MsgType: raftpd.MsgUnreachable,
	}
	node.Step(&msg)
}

// JoinRemote asks the leader, through the local member, to add member.
// The outcome appears in Ready.Reconfigurations with context.
func (node *RawNode) JoinRemote(member raftpd.Member, context []byte) {
	req := raftpd.JoinRequest{Member: member, Context: context}
	node.stepLocal(req.Message(node.id))
}

// LeaveRemote asks the leader to remove id.
func (node *RawNode) LeaveRemote(id uint64, context []byte) {
	req := raftpd.LeaveRequest{MemberID: id, Context: context}
	node.stepLocal(req.Message(node.id))
}

// ReconfigureRemote asks the leader to adopt target.
func (node *RawNode) ReconfigureRemote(target raftpd.Configuration, context []byte) {
	req := raftpd.ReconfigureRequest{Configuration: target, Context: context}
	node.stepLocal(req.Message(node.id))
}

func (node *RawNode) stepLocal(msg raftpd.Message) {
	msg.From = node.id
	if !node.state.IsRunning() {
		resp := raftpd.ReconfigureResponse{Context: msg.Context}
		node.reconfigured(node.id, &resp)
		return
	}
	node.Step(&msg)
}

// Advance acknowledges that the hard state and entries of rd were
// written. Entries committed because of it show up in the next Ready.
func (node *RawNode) Advance(rd Ready) {
	if len(rd.Entries) == 0 {
		return
	}
	last := rd.Entries[len(rd.Entries)-1]
	node.core.log.StableTo(last.Index, last.Term)
	node.core.afterStable()
}

// PersistFailed reports that rd could not be written. The member stops
// leading, the entries and hard state are handed out again.
func (node *RawNode) PersistFailed() {
	node.prevHS = raftpd.HardState{}
	node.core.StepDown()
}

func (node *RawNode) Ready() Ready {
	ready := Ready{}

	ss := node.core.ReadSoftState()
	if ss != node.prevSS {
		ready.SS = &ss
		node.prevSS = ss
	}

	if node.installed != nil {
		ready.Snapshot = node.installed
		node.installed = nil
	}

	ready.Entries = node.core.log.UnstableEntries()
	ready.CommitEntries = node.core.applyEntries()

	hs := node.core.ReadHardState()
	if hs != node.prevHS {
		ready.HS = &hs
		node.prevHS = hs
	}

	if node.confChanged {
		conf := node.core.membership.Active()
		ready.Configuration = &conf
		node.confChanged = false
	}

	if node.inconsistency != nil {
		ready.Inconsistency = node.inconsistency
		node.inconsistency = nil
	}

	ready.Messages = node.messages
	ready.ReadStates = node.drainReadState()
	ready.Reconfigurations = node.reconfigurations

	log.Debugf("%d handle ready: [stable: %d, commit: %d, msg: %d]",
		node.id, len(ready.Entries), len(ready.CommitEntries), len(ready.Messages))

	// clear all
	node.messages = nil
	node.reconfigurations = nil

	return ready
}

func (node *RawNode) ReadStatus() (uint64, bool) {
	return node.term, node.state.IsLeader()
}

func (node *RawNode) send(msg *raftpd.Message) {
	node.messages = append(node.messages, *msg)
}

func (node *RawNode) saveReadState(readState *read.ReadState) {
	node.readStates = append(node.readStates, *readState)
}

func (node *RawNode) reconfigured(to uint64, resp *raftpd.ReconfigureResponse) {
	node.reconfigurations = append(node.reconfigurations, *resp)
}

func (node *RawNode) latestSnapshot() (raftpd.SnapshotID, bool) {
	if node.application == nil {
		return raftpd.SnapshotID{}, false
	}
	return node.application.LatestSnapshot()
}

func (node *RawNode) readChunk(id raftpd.SnapshotID, chunkIdx uint64) (raftpd.SnapshotChunk, bool, error) {
	if node.application == nil {
		return raftpd.SnapshotChunk{}, false, errNoSnapshot
	}
	return node.application.ReadSnapshotChunk(id, chunkIdx)
}

func (node *RawNode) installChunk(req *raftpd.InstallRequest) error {
	if node.application == nil {
		return errNoSnapshot
	}
	return node.application.InstallSnapshotChunk(req)
}

// drainReadState returns the read states the state machine can serve,
// that is whose index was applied.
func (node *RawNode) drainReadState() []read.ReadState {
	lastApplied := node.core.log.LastApplied()
	i := 0
	for ; i < len(node.readStates); i++ {
		if node.readStates[i].Index > lastApplied {
			break
		}
	}
	if i == 0 {
		return nil
	}
	//save and drain read states.
	readStates := make([]read.ReadState, i)
	copy(readStates, node.readStates)
	node.readStates = node.readStates[i:]
	return readStates
}
