package core

import (
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/core/peer"
	"github.com/thinkermao/replog/raft/core/read"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/utils"
	"github.com/thinkermao/replog/utils/pd"
)

// send send message to remote peers.
func (c *core) send(msg *raftpd.Message) {
	if msg.MsgType == raftpd.MsgPollRequest {
		/* request poll: future term */
		msg.Term = c.term + 1
	} else if msg.MsgType == raftpd.MsgPollResponse {
		/* don't change term of poll response, so
		sender need set term by self. */
	} else {
		msg.Term = c.term
	}

	msg.From = c.id
	c.callback.send(msg)
}

func (c *core) resetRandomizedElectionTimeout() {
	previousTimeout := c.randomizedElectionTick
	c.randomizedElectionTick =
		c.electionTick + c.rand.Intn(c.electionTick)

	log.Debugf("%d reset randomized election timeout [%d => %d]",
		c.id, previousTimeout, c.randomizedElectionTick)
}

func (c *core) reset(term uint64) {
	if c.term != term {
		c.term = term
		c.vote = conf.InvalidID
	}
	c.leaderID = conf.InvalidID
	c.electionElapsed = 0
	c.heartbeatElapsed = 0
	c.resetRandomizedElectionTimeout()
	c.resetNodesVoteState()
	c.readOnly.Reset()
}

func (c *core) becomeFollower(term, leaderID uint64) {
	c.transition(RoleFollower)
	c.reset(term)
	c.leaderID = leaderID

	if leaderID != conf.InvalidID {
		log.Debugf("%v become %d's follower at %d", c.id, leaderID, c.term)
	} else {
		log.Debugf("%v become follower at %d, without leader", c.id, c.term)
	}
}

func (c *core) becomeLeader() {
	c.transition(RoleLeader)
	c.reset(c.term)
	c.leaderID = c.id

	utils.Assert(c.vote == c.id, "leader will vote itself")

	log.Infof("%v become leader at %d [firstIdx: %d, lastIdx: %d]",
		c.id, c.term, c.log.FirstIndex(), c.log.LastIndex())

	c.lastAppEntry = c.log.LastApplicationEntry(c.log.LastIndex())
	c.broadcastVictory()
}

func (c *core) becomeCandidate() {
	c.transition(RoleCandidate)
	c.reset(c.term + 1)
	c.vote = c.id

	log.Debugf("%v become candidate at %d", c.id, c.term)
}

func (c *core) becomePreCandidate() {
	c.transition(RolePreCandidate)

	// Becoming a pre-candidate changes our state,
	// but doesn't change anything else. In particular it does not increase
	// currentTerm or change votedFor.
	c.reset(c.term)

	log.Debugf("%v became pre-candidate at term %d", c.id, c.term)
}

func (c *core) preCampaign() {
	c.becomePreCandidate()
	if granted, _ := c.countVotes(); granted {
		c.campaign()
		return
	}

	req := raftpd.PollRequest{
		Candidate:    c.id,
		LastLogIndex: c.log.LastIndex(),
		LastLogTerm:  c.log.LastTerm(),
	}
	c.sendToVoters(req.Message(conf.InvalidID))
}

func (c *core) campaign() {
	c.becomeCandidate()
	if granted, _ := c.countVotes(); granted {
		c.becomeLeader()
		return
	}

	req := raftpd.VoteRequest{
		Candidate:    c.id,
		LastLogIndex: c.log.LastIndex(),
		LastLogTerm:  c.log.LastTerm(),
	}
	c.sendToVoters(req.Message(conf.InvalidID))
}

func (c *core) sendToVoters(msg raftpd.Message) {
	for _, id := range c.membership.Voters() {
		if id == c.id {
			continue
		}
		m := msg
		m.To = id

		log.Debugf("%d [term: %d, index: %d] send %v request to %d at term %d",
			c.id, c.log.LastTerm(), c.log.LastIndex(), m.MsgType, m.To, c.term)
		c.send(&m)
	}
}

// countVotes counts the local vote and the votes recorded on nodes
// against the committed configuration.
func (c *core) countVotes() (granted bool, rejected bool) {
	votes := map[uint64]bool{c.id: true}
	for _, node := range c.nodes {
		switch node.Vote {
		case peer.VoteGranted:
			votes[node.ID] = true
		case peer.VoteReject:
			votes[node.ID] = false
		}
	}
	return c.membership.Granted(votes)
}

func (c *core) resetNodesVoteState() {
	for _, node := range c.nodes {
		node.ResetVoteState()
	}
}

func (c *core) getNodeByID(nodeID uint64) *peer.Node {
	for i := 0; i < len(c.nodes); i++ {
		if c.nodes[i].ID == nodeID {
			return c.nodes[i]
		}
	}
	return nil
}

// syncNodes makes nodes follow the replicas of the membership, known
// nodes keep their progress.
func (c *core) syncNodes() {
	ids := c.membership.Replicas()
	nodes := make([]*peer.Node, 0, len(ids))
	for _, id := range ids {
		node := c.getNodeByID(id)
		if node == nil {
			node = peer.MakeNode(c.id, id, c.log.LastIndex()+1, c.maxInflight)
			log.Debugf("%d add replica %d", c.id, id)
		}
		nodes = append(nodes, node)
	}
	c.nodes = nodes
}

// when someone become leader, commit empty entry first
// to apply old entries. on the same time, reset all nodes
// to probe state.
func (c *core) broadcastVictory() {
	// When a leader first comes to power,
	// it initializes all nextIndex values to the index just after the
	// last one in its log (11 in Figure 7).
	nextIndex := c.log.LastIndex() + 1
	for _, node := range c.nodes {
		node.ToProbe(nextIndex)
	}

	/* noop: empty log ensure commit old Term logs */
	entry := raftpd.Entry{
		Type:  raftpd.EntryInitialize,
		Index: nextIndex,
		Term:  c.term,
	}
	c.log.Append([]raftpd.Entry{entry})

	log.Debugf("%d [Term: %d] begin broadcast self's victory ", c.id, c.term)

	c.broadcastAppend()
	c.poll()
}

// poll commits all could commit.
// If there exists an N such that N > commitIndex, a majority
// of matchIndex[i] ≥ N, and log[N].term == currentTerm:
// set commitIndex = N (§5.3, §5.4).
func (c *core) poll() bool {
	if !c.state.IsLeader() {
		return false
	}

	idx := c.membership.CommitIndex(func(id uint64) uint64 {
		if id == c.id {
			return c.log.LastStabled()
		}
		if node := c.getNodeByID(id); node != nil {
			return node.Matched
		}
		return conf.InvalidIndex
	})
	if idx <= c.log.CommitIndex() || c.log.Term(idx) != c.term {
		/* maybe committed, or old Term's log entry */
		return false
	}

	c.commitTo(idx)
	return true
}

// afterStable advances the commit index held back by unstable entries.
func (c *core) afterStable() {
	if c.state.IsLeader() {
		c.poll()
		return
	}
	if c.leaderCommit > c.log.CommitIndex() {
		c.commitTo(utils.MinUint64(c.leaderCommit, c.log.LastIndex()))
	}
}

func (c *core) commitTo(idx uint64) {
	before := c.log.CommitIndex()
	c.log.CommitTo(idx)
	if c.log.CommitIndex() == before {
		return
	}

	prev := c.membership.Active()
	if active, ok := c.membership.Commit(c.log.CommitIndex()); ok {
		c.configurationCommitted(prev, active)
	}
}

func (c *core) configurationCommitted(prev, active raftpd.Configuration) {
	c.confChanged = true
	c.syncNodes()

	if !c.state.IsLeader() {
		return
	}

	// removed members no longer receive replication, tell them.
	for _, member := range prev.Members {
		if member.ID == c.id || active.Contains(member.ID) {
			continue
		}
		req := raftpd.ConfigureRequest{Leader: c.id, Configuration: active}
		msg := req.Message(member.ID)
		c.send(&msg)
	}

	if !active.IsVoter(c.id) {
		log.Infof("%d [term: %d] leader is not a voter of %v, step down",
			c.id, c.term, active)
		c.becomeFollower(c.term, conf.InvalidID)
	}
}

// latestConfiguration searches entries in [lo, hi] from the back for
// a configuration entry.
func (c *core) latestConfiguration(lo, hi uint64) (raftpd.Configuration, bool) {
	lo = utils.MaxUint64(lo, c.log.FirstIndex())
	for idx := hi; idx >= lo && idx > conf.InvalidIndex; idx-- {
		entry, ok := c.log.Entry(idx)
		if !ok || entry.Type != raftpd.EntryConfiguration {
			continue
		}
		var next raftpd.Configuration
		pd.MustUnmarshal(&next, entry.Data)
		next.Index = idx
		return next, true
	}
	return raftpd.Configuration{}, false
}

// recoverPendingConfiguration rebuilds the pending configuration from
// the uncommitted part of the log, after it was restored or changed.
func (c *core) recoverPendingConfiguration() {
	active := c.membership.Active()
	committed := c.log.CommitIndex()
	if next, ok := c.latestConfiguration(active.Index+1, committed); ok {
		c.membership.Reset(next)
		c.confChanged = true
	}

	c.membership.Truncate(c.log.LastIndex())
	if next, ok := c.latestConfiguration(committed+1, c.log.LastIndex()); ok {
		c.membership.Append(next)
	}
	c.syncNodes()
}

// restore rebuilds the log at an installed snapshot, last is the
// application entry the snapshot ends with.
func (c *core) restore(id raftpd.SnapshotID, configuration raftpd.Configuration, last *raftpd.Entry) {
	log.Infof("%d [commit: %d] restore snapshot %v", c.id, c.log.CommitIndex(), id)

	c.log.Restore(id.Index, id.Term)
	c.log.SetCompacted(last)
	if len(configuration.Members) != 0 && c.membership.Reset(configuration) {
		c.confChanged = true
	}
	c.membership.Truncate(c.log.LastIndex())
	c.syncNodes()
	c.installed = &id
}

func (c *core) reject(msg *raftpd.Message) {
	var m raftpd.Message
	switch msg.MsgType {
	case raftpd.MsgAppendRequest:
		resp := raftpd.AppendResponse{Member: c.id, RejectedIndex: msg.LogIndex}
		m = resp.Message(msg.From)
	case raftpd.MsgHeartbeatRequest:
		m = raftpd.Message{MsgType: raftpd.MsgHeartbeatResponse, To: msg.From, Reject: true}
	case raftpd.MsgInstallRequest:
		resp := raftpd.InstallResponse{Member: c.id, ChunkIndex: msg.ChunkIndex}
		m = resp.Message(msg.From)
	case raftpd.MsgPollRequest:
		resp := raftpd.PollResponse{Term: c.term, Voter: c.id}
		m = resp.Message(msg.From)
	case raftpd.MsgVoteRequest:
		resp := raftpd.VoteResponse{Voter: c.id}
		m = resp.Message(msg.From)
	default:
		return
	}

	c.send(&m)
}

func (c *core) applyEntries() []raftpd.Entry {
	return c.log.ApplyEntries()
}

// broadcastAppend send append or snapshot to followers.
func (c *core) broadcastAppend() {
	for _, node := range c.nodes {
		c.maybeSendAppend(node, true)
	}
}

// maybeSendAppend sends entries from node's next index, or starts a
// snapshot install when they are compacted. Empty requests carry only
// the commit index, they are skipped unless sendIfEmpty.
func (c *core) maybeSendAppend(node *peer.Node, sendIfEmpty bool) bool {
	/* ignore paused node */
	if node.IsPaused() {
		return false
	}

	if node.NextIdx < c.log.FirstIndex() {
		// send snapshot if we failed to get term or entries
		return c.sendInstall(node)
	}

	var entries []raftpd.Entry
	if node.NextIdx <= c.log.LastIndex() {
		entries = c.log.Batch(node.NextIdx, c.maxSizePerMsg)
	}
	if len(entries) == 0 && !sendIfEmpty {
		return false
	}

	prevIdx := node.NextIdx - 1
	req := raftpd.AppendRequest{
		Leader:       c.id,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  c.log.Term(prevIdx),
		Entries:      entries,
		CommitIndex:  c.log.CommitIndex(),
	}

	log.Debugf("%d [Term: %d] send append [idx: %d, Term: %d, entries: %d] to %v",
		c.id, c.term, req.PrevLogIndex, req.PrevLogTerm, len(entries), node)

	node.SendEntries(entries)
	msg := req.Message(node.ID)
	c.send(&msg)
	return true
}

func (c *core) sendInstall(node *peer.Node) bool {
	id, ok := c.callback.latestSnapshot()
	// if snapshot is building at now, just ignore it and send
	// message to it on next heartbeat.
	if !ok || id.Index+1 < c.log.FirstIndex() {
		log.Infof("%d failed to send snapshot to %d because snapshot "+
			"is temporarily unavailable", c.id, node.ID)
		return false
	}

	log.Infof("%d [firstIndex: %d, commit: %d] send snapshot %v to %d",
		c.id, c.log.FirstIndex(), c.log.CommitIndex(), id, node.ID)

	node.SendSnapshot(id)
	c.sendChunk(node)
	return true
}

func (c *core) sendChunk(node *peer.Node) {
	id, chunkIdx, ok := node.Installing()
	if !ok {
		return
	}

	chunk, last, err := c.callback.readChunk(id, chunkIdx)
	if err != nil {
		log.Warnf("%d read chunk %d of snapshot %v: %v", c.id, chunkIdx, id, err)
		node.HandleUnreachable()
		return
	}

	req := raftpd.InstallRequest{
		Leader:     c.id,
		SnapshotID: id,
		ChunkIndex: chunkIdx,
		Chunk:      chunk,
		IsLast:     last,
	}
	// a newer configuration still has its entry after the snapshot.
	if active := c.membership.Active(); active.Index <= id.Index {
		req.Configuration = active
	}
	if last {
		req.LastApplication = c.log.LastApplicationEntry(id.Index)
	}
	msg := req.Message(node.ID)
	c.send(&msg)
}

func (c *core) broadcastHeartbeat() {
	c.broadcastHeartbeatWithCtx(c.readOnly.LastPendingRequestCtx())

	// chunks may be lost, the follower acknowledges duplicates.
	for _, node := range c.nodes {
		if node.IsInstalling() {
			c.sendChunk(node)
		}
	}
}

func (c *core) broadcastHeartbeatWithCtx(context []byte) {
	for _, node := range c.nodes {
		c.sendHeartbeat(node, context)
	}
}

func (c *core) sendHeartbeat(node *peer.Node, context []byte) {
	// Attach the commit as min(to.matched, raftlog.committed).
	// When the leader sends out heartbeat message,
	// the receiver(follower) might not be matched with the leader
	// or it might not have all the committed entries.
	// The leader MUST NOT forward the follower's commit to
	// an unmatched index, in order to preserving Log Matching Property.
	req := raftpd.HeartbeatRequest{
		Leader:      c.id,
		CommitIndex: utils.MinUint64(node.Matched, c.log.CommitIndex()),
		Context:     context,
	}
	msg := req.Message(node.ID)
	c.send(&msg)
}

// confirmRead serves the read at once when the local vote alone is a
// quorum, otherwise it asks the followers through heartbeats.
func (c *core) confirmRead(context []byte) {
	if granted, _ := c.membership.Granted(map[uint64]bool{c.id: true}); granted {
		c.advanceReadOnly(context)
		return
	}
	c.broadcastHeartbeatWithCtx(context)
}

func (c *core) advanceReadOnly(ctx []byte) {
	rss := c.readOnly.Advance(ctx)
	for _, rs := range rss {
		if rs.To == c.id {
			log.Debugf("%d [term: %d] save read state: %d, %v",
				c.id, c.term, rs.Index, rs.Context)

			readState := read.ReadState{
				Index:      rs.Index,
				RequestCtx: rs.Context,
			}

			c.callback.saveReadState(&readState)
		} else {
			log.Debugf("%d [term: %d] redirect heartbeat response %d to %d %v",
				c.id, c.term, rs.Index, rs.To, rs.Context)

			redirect := raftpd.Message{
				To:      rs.To,
				MsgType: raftpd.MsgReadIndexResponse,
				Index:   rs.Index,
				Context: rs.Context,
			}
			c.send(&redirect)
		}
	}
}
