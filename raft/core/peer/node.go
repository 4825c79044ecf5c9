package peer

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/utils"
)

// Node is the leader's replication state of one follower, plus the
// vote it cast during a campaign of the local member.
type Node struct {
	belongID uint64

	// node id
	ID uint64

	// detected status
	Vote VoteState

	// known to the maximum location
	Matched uint64

	// next entry index to send
	NextIdx uint64

	// When in nodeStateProbe, leader sends at most one replication message
	// per heartbeat interval. It also probes actual status of the follower.
	//
	// When in nodeStateReplicate, leader optimistically increases next
	// to the latest entry sent after sending replication message, up to
	// the inflight window.
	//
	// When in nodeStateSnapshot, leader streams the chunks of a snapshot
	// one at a time and stops sending any replication message.
	state nodeState

	// paused is used in nodeStateProbe.
	// When paused is true, raft should pause sending replication message to this peer.
	paused bool

	// pendingSnapshot and chunkIdx are used in nodeStateSnapshot, the
	// snapshot being installed and the next chunk to send.
	pendingSnapshot raftpd.SnapshotID
	chunkIdx        uint64

	// inflights is a sliding window for the inflight messages.
	ins inFlights

	// milliseconds since the last response of the follower.
	sinceAck int
}

// MakeNode create instance for remote peer, at most maxInflight append
// requests are outstanding in replicate state.
func MakeNode(belong, id, nextIdx uint64, maxInflight int) *Node {
	if maxInflight <= 0 {
		maxInflight = conf.DefaultMaxInflight
	}
	return &Node{
		belongID: belong,
		ID:       id,
		Vote:     VoteNone,
		Matched:  conf.InvalidIndex,
		NextIdx:  nextIdx,
		state:    defaultNodeState(),
		ins:      makeInFlights(uint(maxInflight)),
	}
}

// HandleUnreachable trigger unreachable event.
func (n *Node) HandleUnreachable() {
	switch n.state {
	case nodeStateReplicate:
		// During optimistic replication, if the remote becomes unreachable,
		// there is huge probability that a append request is lost.
		n.NextIdx = n.Matched + 1
		n.becomeProbe()
	case nodeStateProbe:
		n.resume()
	case nodeStateSnapshot:
		n.abortSnapshot()
	}
}

// HandleHeartbeat records a heartbeat response, it lets a paused probe
// send again and frees one slot of a full inflight window.
func (n *Node) HandleHeartbeat() {
	n.Acked()
	switch n.state {
	case nodeStateProbe:
		n.resume()
	case nodeStateReplicate:
		if n.ins.full() {
			n.ins.freeFirstOne()
		}
	}
}

// Rewind resends from the first unmatched entry, used when the
// follower answered a heartbeat but not the entries sent before it.
func (n *Node) Rewind() {
	switch n.state {
	case nodeStateReplicate:
		n.NextIdx = n.Matched + 1
		n.becomeProbe()
	case nodeStateProbe:
		n.resume()
	}
}

// HandleInstall trigger install response event. It returns true when
// the next chunk of the pending snapshot should be sent.
func (n *Node) HandleInstall(resp *raftpd.InstallResponse) bool {
	n.Acked()
	if n.state != nodeStateSnapshot {
		log.Debugf("%d node: %d ignore install response in state %v",
			n.belongID, n.ID, n.state)
		return false
	}

	if !resp.Success {
		log.Infof("%d node: %d rejected snapshot %v at chunk %d",
			n.belongID, n.ID, n.pendingSnapshot, resp.ChunkIndex)
		n.abortSnapshot()
		return false
	}

	if resp.Done {
		n.Matched = utils.MaxUint64(n.Matched, resp.Index)
		n.NextIdx = n.Matched + 1
		log.Debugf("%d node: %d installed snapshot, matched: %d",
			n.belongID, n.ID, n.Matched)
		n.becomeProbe()
		return false
	}

	if resp.ChunkIndex != n.chunkIdx {
		log.Debugf("%d node: %d ignore staled install response chunk: %d, want: %d",
			n.belongID, n.ID, resp.ChunkIndex, n.chunkIdx)
		return false
	}
	n.chunkIdx++
	return true
}

// HandleAppendEntries trigger append response event. It returns true
// when Matched advanced.
func (n *Node) HandleAppendEntries(reject bool, index uint64, hintIdx uint64) bool {
	n.Acked()
	if !reject {
		return n.handleAppendSuccess(index)
	}

	switch n.state {
	case nodeStateReplicate:
		if index <= n.Matched {
			log.Debugf("%d node: %d [matched: %d] ignore staled rejection: %d",
				n.belongID, n.ID, n.Matched, index)
			return false
		}
		n.NextIdx = n.Matched + 1
		n.becomeProbe()
	case nodeStateProbe:
		// the rejection must be stale if "rejected" does not match next - 1
		if n.NextIdx == 0 || n.NextIdx-1 != index {
			log.Debugf("%d node: %d [next: %d] ignore staled rejection: %d",
				n.belongID, n.ID, n.NextIdx, index)
			return false
		}
		n.NextIdx = utils.MinUint64(index, hintIdx+1)
		if n.NextIdx <= n.Matched {
			n.NextIdx = n.Matched + 1
		}
		log.Debugf("%d node: %d update next index: %d",
			n.belongID, n.ID, n.NextIdx)
		n.resume()
	}
	return false
}

func (n *Node) handleAppendSuccess(index uint64) bool {
	switch n.state {
	case nodeStateProbe:
		if index < n.Matched {
			log.Debugf("%d node: %d [matched: %d] ignore staled append response: %d",
				n.belongID, n.ID, n.Matched, index)
			return false
		}
		updated := index > n.Matched
		n.Matched = index
		n.NextIdx = index + 1
		n.becomeReplicate()
		return updated
	case nodeStateReplicate:
		n.ins.freeTo(index)
		if index <= n.Matched {
			return false
		}
		n.Matched = index
		if n.NextIdx <= n.Matched {
			n.NextIdx = n.Matched + 1
		}
		return true
	default:
		if index <= n.Matched {
			return false
		}
		n.Matched = index
		return true
	}
}

// SendSnapshot translate state to nodeStateSnapshot, the chunks of
// snapshot id will be sent from the first one.
func (n *Node) SendSnapshot(id raftpd.SnapshotID) {
	log.Debugf("%d node: %d from %v => %v [pd snapshot: %v]",
		n.belongID, n.ID, n.state, nodeStateSnapshot, id)

	n.pendingSnapshot = id
	n.chunkIdx = 0
	n.ins.reset()
	n.state = nodeStateSnapshot
}

// Installing returns the snapshot being installed and the chunk to send.
func (n *Node) Installing() (raftpd.SnapshotID, uint64, bool) {
	if n.state != nodeStateSnapshot {
		return raftpd.SnapshotID{}, 0, false
	}
	return n.pendingSnapshot, n.chunkIdx, true
}

// UpdateVoteState set vote by reject, if true vote
// set to voteReject, otherwise set to voteGranted.
func (n *Node) UpdateVoteState(reject bool) {
	if reject {
		n.Vote = VoteReject
	} else {
		n.Vote = VoteGranted
	}
}

// ResetVoteState set vote to voteNone.
func (n *Node) ResetVoteState() {
	n.Vote = VoteNone
}

// optimisticUpdate records the last index sent, and increase NextIdx
// to idx + 1.
func (n *Node) optimisticUpdate(idx uint64) {
	n.NextIdx = idx + 1
	n.ins.add(idx)
}

// SendEntries change fields by entries.
func (n *Node) SendEntries(entries []raftpd.Entry) {
	switch n.state {
	case nodeStateProbe:
		n.pause()
	case nodeStateReplicate:
		if len(entries) != 0 {
			// optimistically increase the next when in nodeReplicate
			lastIndex := entries[len(entries)-1].Index
			n.optimisticUpdate(lastIndex)
		}
	default:
		log.Panicf("%d node: %d is sending append in unhandled state %s",
			n.belongID, n.ID, n.state)
	}
}

// IsPaused test whether reached pause status.
func (n *Node) IsPaused() bool {
	switch n.state {
	case nodeStateProbe:
		return n.paused
	case nodeStateReplicate:
		return n.ins.full()
	case nodeStateSnapshot:
		return true
	default:
		panic("unreachable")
	}
}

// IsInstalling reports whether a snapshot is being streamed.
func (n *Node) IsInstalling() bool {
	return n.state == nodeStateSnapshot
}

// Inflight returns the number of unacknowledged append requests.
func (n *Node) Inflight() int {
	return int(n.ins.len())
}

// ToProbe transfer status to probe, and reset fields.
func (n *Node) ToProbe(nextIdx uint64) {
	n.Matched = conf.InvalidIndex
	n.NextIdx = nextIdx
	n.sinceAck = 0
	n.becomeProbe()
}

// Tick advances the time since the last response.
func (n *Node) Tick(millis int) {
	n.sinceAck += millis
}

// Acked records a response from the follower.
func (n *Node) Acked() {
	n.sinceAck = 0
}

// SinceLastAck returns milliseconds since the last response.
func (n *Node) SinceLastAck() int {
	return n.sinceAck
}

// Lag is how many entries the follower is behind lastIndex.
func (n *Node) Lag(lastIndex uint64) uint64 {
	return utils.SaturatingSub(lastIndex, n.Matched)
}

func (n *Node) String() string {
	return fmt.Sprintf("node{id: %d, state: %v, matched: %d, next: %d, inflight: %d}",
		n.ID, n.state, n.Matched, n.NextIdx, n.ins.len())
}

// State returns the name of the replication state.
func (n *Node) State() string {
	return n.state.String()
}

func (n *Node) abortSnapshot() {
	n.NextIdx = n.pendingSnapshot.Index
	n.becomeProbe()
}

func (n *Node) resume() {
	n.paused = false
}

func (n *Node) pause() {
	n.paused = true
}

func (n *Node) becomeProbe() {
	origin := n.state
	n.paused = false
	n.ins.reset()
	n.state = nodeStateProbe

	log.Debugf("%d node: %d from %v => %v", n.belongID, n.ID, origin, n.state)
}

func (n *Node) becomeReplicate() {
	origin := n.state
	n.ins.reset()
	n.state = nodeStateReplicate

	log.Debugf("%d node: %d from %v => %v", n.belongID, n.ID, origin, n.state)
}
