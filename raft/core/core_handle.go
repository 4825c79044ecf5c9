package core

import (
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/core/read"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/utils"
)

func (c *core) stepLeader(msg *raftpd.Message) {
	switch msg.MsgType {
	case raftpd.MsgHeartbeatResponse:
		c.handleHeartbeatResponse(msg)
	case raftpd.MsgInstallResponse:
		c.handleInstallResponse(msg)
	case raftpd.MsgAppendResponse:
		c.handleAppendEntriesResponse(msg)
	case raftpd.MsgReadIndexRequest:
		c.handleReadIndexRequest(msg)
	case raftpd.MsgAppendRequest, raftpd.MsgHeartbeatRequest, raftpd.MsgInstallRequest:
		log.Panicf("%d [term: %d] two leaders in the same term, message from %d",
			c.id, c.term, msg.From)
	}
}

func (c *core) stepFollower(msg *raftpd.Message) {
	switch msg.MsgType {
	case raftpd.MsgReadIndexResponse:
		readState := read.ReadState{
			Index:      msg.Index,
			RequestCtx: msg.Context,
		}

		c.callback.saveReadState(&readState)
	case raftpd.MsgAppendRequest:
		c.leaderContact(msg.From)
		c.handleAppendEntries(msg)
	case raftpd.MsgHeartbeatRequest:
		c.leaderContact(msg.From)
		c.handleHeartbeat(msg)
	case raftpd.MsgInstallRequest:
		c.leaderContact(msg.From)
		c.handleInstall(msg)
	}
}

func (c *core) stepCandidate(msg *raftpd.Message) {
	switch msg.MsgType {
	// Only handle vote responses corresponding to our candidacy (while in
	// RoleCandidate, we may get stale poll responses in this term from
	// our pre-candidate state).
	case raftpd.MsgPollResponse:
		if c.state.IsPreCandidate() {
			c.handleVoteResponse(msg)
		}
	case raftpd.MsgVoteResponse:
		if c.state.IsCandidate() {
			c.handleVoteResponse(msg)
		}

		// If a candidate receives an AppendEntries RPC from another rpc claiming
		// to be leader whose term is at least as large as the candidate's current term,
		// it recognizes the leader as legitimate and returns to follower state.
	case raftpd.MsgAppendRequest, raftpd.MsgHeartbeatRequest, raftpd.MsgInstallRequest:
		c.becomeFollower(msg.Term, msg.From)
		c.stepFollower(msg)
	}
}

func (c *core) dispatch(msg *raftpd.Message) {
	switch c.state {
	case RoleLeader:
		c.stepLeader(msg)
	case RoleFollower:
		c.stepFollower(msg)
	case RolePreCandidate, RoleCandidate:
		c.stepCandidate(msg)
	}
}

func (c *core) leaderContact(leaderID uint64) {
	c.leaderID = leaderID
	c.electionElapsed = 0
}

func (c *core) handleReadIndexRequest(msg *raftpd.Message) {
	// c must be leader, so term great than InvalidTerm.
	if c.log.Term(c.log.CommitIndex()) != c.term {
		// Reject read only request when this leader has not
		// committed any log entry at its term. (raft thesis 6.4)
		log.Debugf("%d [term: %d] drop read index from %d before committing in term",
			c.id, c.term, msg.From)
		return
	}

	c.readOnly.AddRequest(c.log.CommitIndex(), msg.From, msg.Context)
	c.confirmRead(msg.Context)
}

// RPC:
// - AppendEntries(commitIndex, prevLogIndex, prevLogTerm, entries)
// - AppendEntriesReply(index, hint, reject)
func (c *core) handleAppendEntries(msg *raftpd.Message) {
	req := raftpd.AppendRequestOf(msg)
	resp := raftpd.AppendResponse{Member: c.id}
	if c.log.CommitIndex() > req.PrevLogIndex {
		log.Debugf("%d [Term: %d, commit: %d] ignore expired append entries "+
			"from %d [logterm: %d, idx: %d]", c.id, c.term, c.log.CommitIndex(),
			req.Leader, req.PrevLogTerm, req.PrevLogIndex)
		// expired append Entries has been committed,
		// so it reply same with success append.
		resp.Success = true
		resp.LastMatchedIndex = c.log.CommitIndex()
	} else if idx, ok := c.log.TryAppend(req.PrevLogIndex, req.PrevLogTerm, req.Entries); ok {
		log.Debugf("%d [Term: %d, commit: %d] accept append entries "+
			"from %d [logterm: %d, idx: %d, entries: %d]", c.id, c.term, c.log.CommitIndex(),
			req.Leader, req.PrevLogTerm, req.PrevLogIndex, len(req.Entries))

		c.recoverPendingConfiguration()
		c.leaderCommit = utils.MinUint64(req.CommitIndex, idx)
		c.commitTo(c.leaderCommit)
		resp.Success = true
		resp.LastMatchedIndex = idx
	} else {
		hint := c.log.ConflictHint(req.PrevLogIndex, req.PrevLogTerm)
		log.Infof("%d [logterm: %d, commit: %d, last idx: %d] rejected append "+
			"[logterm: %d, idx: %d] from %d, hint: %d", c.id, c.log.Term(req.PrevLogIndex),
			c.log.CommitIndex(), c.log.LastIndex(), req.PrevLogTerm, req.PrevLogIndex,
			req.Leader, hint)
		resp.RejectedIndex = req.PrevLogIndex
		resp.ConflictIndex = hint
	}

	reply := resp.Message(req.Leader)
	c.send(&reply)
}

func (c *core) handleAppendEntriesResponse(msg *raftpd.Message) {
	node := c.getNodeByID(msg.From)
	if node == nil {
		log.Debugf("%d ignore append response from unknown %d", c.id, msg.From)
		return
	}

	if node.HandleAppendEntries(msg.Reject, msg.Index, msg.RejectHint) && c.poll() {
		// broadcast the new commit index
		if c.state.IsLeader() {
			c.broadcastAppend()
		}
		return
	}
	c.maybeSendAppend(node, msg.Reject)
}

// handleInstall receives one chunk of a snapshot. A snapshot at or
// below the commit index is acknowledged as done without being stored.
func (c *core) handleInstall(msg *raftpd.Message) {
	req := raftpd.InstallRequestOf(msg)
	resp := raftpd.InstallResponse{Member: c.id, ChunkIndex: req.ChunkIndex}
	if req.SnapshotID.Index <= c.log.CommitIndex() {
		log.Infof("%d [commit: %d] ignored snapshot %v", c.id, c.log.CommitIndex(), req.SnapshotID)
		resp.Success = true
		resp.Done = true
		resp.Index = c.log.CommitIndex()
	} else if err := c.callback.installChunk(&req); err != nil {
		log.Warnf("%d reject chunk %d of snapshot %v: %v", c.id, req.ChunkIndex, req.SnapshotID, err)
	} else {
		resp.Success = true
		if req.IsLast {
			c.restore(req.SnapshotID, req.Configuration, req.LastApplication)
			resp.Done = true
			resp.Index = req.SnapshotID.Index
		}
	}

	reply := resp.Message(req.Leader)
	c.send(&reply)
}

func (c *core) handleInstallResponse(msg *raftpd.Message) {
	node := c.getNodeByID(msg.From)
	if node == nil {
		return
	}

	resp := raftpd.InstallResponseOf(msg)
	if node.HandleInstall(&resp) {
		c.sendChunk(node)
		return
	}
	if resp.Done && c.poll() && c.state.IsLeader() {
		c.broadcastAppend()
		return
	}
	c.maybeSendAppend(node, false)
}

func (c *core) handleUnreachable(msg *raftpd.Message) {
	if !c.state.IsLeader() {
		return
	}
	node := c.getNodeByID(msg.From)
	if node == nil {
		return
	}

	node.HandleUnreachable()
	log.Debugf("%d failed to send message to %d because it is unreachable",
		c.id, msg.From)
}

func (c *core) handleHeartbeat(msg *raftpd.Message) {
	req := raftpd.HeartbeatRequestOf(msg)
	c.leaderCommit = utils.MinUint64(req.CommitIndex, c.log.LastIndex())
	c.commitTo(c.leaderCommit)

	reply := raftpd.Message{
		To:      req.Leader,
		MsgType: raftpd.MsgHeartbeatResponse,
		Context: req.Context,
	}
	c.send(&reply)
}

func (c *core) handleHeartbeatResponse(msg *raftpd.Message) {
	node := c.getNodeByID(msg.From)
	if node == nil {
		return
	}

	node.HandleHeartbeat()
	if node.Matched < c.log.LastIndex() {
		// entries sent before the heartbeat were lost.
		node.Rewind()
		c.maybeSendAppend(node, false)
	}

	if len(msg.Context) == 0 {
		return
	}
	acks := c.readOnly.ReceiveAck(msg.From, msg.Context)
	if acks == nil {
		return
	}
	votes := map[uint64]bool{c.id: true}
	for id := range acks {
		votes[id] = true
	}
	if granted, _ := c.membership.Granted(votes); granted {
		c.advanceReadOnly(msg.Context)
	}
}

func (c *core) handlePoll(msg *raftpd.Message) {
	req := raftpd.PollRequestOf(msg)

	// Reply false if last AppendEntries call was received less than election timeout ago.
	// Reply false if term < currentTerm.
	// Reply false if candidate's log isn't at least as up-to-date as receiver's log.
	inLease := c.leaderID != conf.InvalidID && c.electionElapsed < c.electionTick
	granted := !c.state.IsLeader() && !inLease && req.Term > c.term &&
		c.log.IsUpToDate(req.LastLogIndex, req.LastLogTerm)

	resp := raftpd.PollResponse{Term: c.term, Voter: c.id, Granted: granted}
	if granted {
		resp.Term = req.Term
	}

	log.Debugf("%d [term: %d, lease: %v] poll from %d [term: %d, idx: %d, logterm: %d], granted: %v",
		c.id, c.term, inLease, req.Candidate, req.Term, req.LastLogIndex, req.LastLogTerm, granted)

	reply := resp.Message(req.Candidate)
	c.send(&reply)
}

func (c *core) handleVote(msg *raftpd.Message) {
	req := raftpd.VoteRequestOf(msg)

	// no vote or vote for candidate, and log is at least as up-to-date as receiver's.
	canVote := c.vote == req.Candidate ||
		(c.vote == conf.InvalidID && c.leaderID == conf.InvalidID)
	granted := canVote && c.log.IsUpToDate(req.LastLogIndex, req.LastLogTerm)
	if granted {
		c.vote = req.Candidate
		c.electionElapsed = 0
	}

	log.Debugf("%d [term: %d, vote: %d] vote for %d [idx: %d, logterm: %d], granted: %v",
		c.id, c.term, c.vote, req.Candidate, req.LastLogIndex, req.LastLogTerm, granted)

	resp := raftpd.VoteResponse{Voter: c.id, Granted: granted}
	reply := resp.Message(req.Candidate)
	c.send(&reply)
}

func (c *core) handleVoteResponse(msg *raftpd.Message) {
	if msg.MsgType == raftpd.MsgPollResponse && !msg.Reject && msg.Term != c.term+1 {
		log.Debugf("%d [term: %d] ignore staled poll response from %d [term: %d]",
			c.id, c.term, msg.From, msg.Term)
		return
	}

	if msg.Reject {
		log.Infof("%d received %v rejection from %d at term %d",
			c.id, msg.MsgType, msg.From, c.term)
	} else {
		log.Infof("%d received %v from %d at term %d",
			c.id, msg.MsgType, msg.From, msg.Term)
	}

	node := c.getNodeByID(msg.From)
	if node == nil {
		return
	}
	node.UpdateVoteState(msg.Reject)

	granted, rejected := c.countVotes()
	if granted {
		if msg.MsgType == raftpd.MsgVoteResponse {
			c.becomeLeader()
		} else {
			c.campaign()
		}
		return
	}

	// return to follower state if it receives vote denial from a majority
	if rejected {
		c.becomeFollower(c.term, conf.InvalidID)
	}
}

// handleConfigure adopts a committed configuration pushed by the
// leader, it is how removed members learn about their removal.
func (c *core) handleConfigure(msg *raftpd.Message) {
	req := raftpd.ConfigureRequestOf(msg)
	if c.membership.Reset(req.Configuration) {
		log.Infof("%d [term: %d] adopt configuration %v from %d",
			c.id, c.term, req.Configuration, req.Leader)
		c.confChanged = true
		c.syncNodes()
	}

	reply := raftpd.Message{
		To:      req.Leader,
		MsgType: raftpd.MsgConfigureResponse,
		Index:   req.Configuration.Index,
	}
	c.send(&reply)
}

// handleReconfigure serves join, leave and reconfigure requests. The
// leader proposes them, a follower forwards its own requests to the
// leader and rejects the others.
func (c *core) handleReconfigure(msg *raftpd.Message) {
	if !c.state.IsLeader() {
		if msg.From == c.id && c.leaderID != conf.InvalidID {
			forward := *msg
			forward.To = c.leaderID
			c.send(&forward)
			return
		}
		resp := raftpd.ReconfigureResponse{Context: msg.Context}
		c.replyReconfigure(msg.From, &resp)
		return
	}

	var index uint64
	var err error
	switch msg.MsgType {
	case raftpd.MsgJoinRequest:
		req := raftpd.JoinRequestOf(msg)
		index, err = c.Join(req.Member)
	case raftpd.MsgLeaveRequest:
		req := raftpd.LeaveRequestOf(msg)
		index, err = c.Leave(req.MemberID)
	case raftpd.MsgReconfigureRequest:
		req := raftpd.ReconfigureRequestOf(msg)
		index, err = c.Reconfigure(req.Configuration)
	}
	if err != nil {
		log.Infof("%d [term: %d] reject %v from %d: %v", c.id, c.term, msg.MsgType, msg.From, err)
	}

	resp := raftpd.ReconfigureResponse{Success: err == nil, Index: index, Context: msg.Context}
	c.replyReconfigure(msg.From, &resp)
}

func (c *core) replyReconfigure(to uint64, resp *raftpd.ReconfigureResponse) {
	if to == c.id {
		c.callback.reconfigured(c.id, resp)
		return
	}
	reply := resp.Message(to)
	c.send(&reply)
}
