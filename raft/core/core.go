package core

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/core/cluster"
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/core/holder"
	"github.com/thinkermao/replog/raft/core/peer"
	"github.com/thinkermao/replog/raft/core/read"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/raft/validator"
	"github.com/thinkermao/replog/utils"
	"github.com/thinkermao/replog/utils/pd"
)

type application interface {
	// send message to other node.
	send(msg *raftpd.Message)

	// save read state
	saveReadState(readStatus *read.ReadState)

	// latestSnapshot returns the newest persisted snapshot, used when
	// a follower fell behind the compacted log.
	latestSnapshot() (raftpd.SnapshotID, bool)

	// readChunk returns the chunk at chunkIdx of snapshot id, and
	// whether it is the last one.
	readChunk(id raftpd.SnapshotID, chunkIdx uint64) (raftpd.SnapshotChunk, bool, error)

	// installChunk stores one received chunk. After the last chunk the
	// state machine must be restored from the snapshot.
	installChunk(req *raftpd.InstallRequest) error

	// reconfigured reports the outcome of a remote membership request.
	reconfigured(to uint64, resp *raftpd.ReconfigureResponse)
}

type core struct {
	// Fields need to be persistent.
	term uint64            // current term
	vote uint64            // vote for
	log  *holder.LogHolder // log holder

	// Fields just keep in memory.
	id uint64 // raft id

	// last leader id. If the long time did not
	// receive the leader's message, set InvalidID.
	leaderID   uint64
	state      StateRole    // current state role
	nodes      []*peer.Node // replicas of the partition, sorted by id.
	membership *cluster.Membership

	// Fields for time, in milliseconds.
	electionElapsed        int // elapsed since leader contact or campaign
	heartbeatElapsed       int // elapsed since last heartbeat, leader only
	randomizedElectionTick int // randomized election tick
	electionTick           int // basis election tick
	heartbeatTick          int // heartbeat timeout tick
	rand                   *rand.Rand

	// Fields for replication.
	maxSizePerMsg uint64
	maxInflight   int

	// leaderCommit is the commit index learned from the leader, applied
	// once the matching entries are stable.
	leaderCommit uint64

	// Fields for validation, lastAppEntry is the last application entry
	// the leader accepted.
	guard        *validator.Guard
	lastAppEntry *raftpd.Entry

	// Fields reported by Ready.
	installed     *raftpd.SnapshotID
	confChanged   bool
	inconsistency error

	readOnly *read.ReadOnly
	callback application
}

func makeCore(config *conf.Config, callback application) *core {
	c := new(core)

	// Initialize persistence fields.
	c.vote = config.Vote
	c.term = config.Term
	if len(config.Entries) == 0 {
		c.log = holder.MakeLogHolder(config.ID, conf.InvalidIndex, conf.InvalidTerm)
	} else {
		c.log = holder.RebuildLogHolder(config.ID, config.Entries, config.Commit)
		c.log.SetCompacted(config.LastApplication)
	}

	// Initialize memory fields.
	c.id = config.ID
	c.leaderID = conf.InvalidID
	c.state = RoleInactive
	c.membership = cluster.MakeMembership(c.id, config.Configuration)
	c.maxSizePerMsg = config.MaxSizePerMsg
	c.maxInflight = config.MaxInflight
	c.recoverPendingConfiguration()

	// Initialize time rl fields.
	c.electionTick = config.ElectionTick
	c.heartbeatTick = config.HeartbeatTick
	c.rand = config.Rand
	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(time.Now().UnixNano() + int64(c.id)))
	}
	c.resetRandomizedElectionTimeout()

	c.guard = validator.MakeGuard(c.id, config.Validator,
		config.DetectInconsistency, config.FailureLimit)
	c.callback = callback
	c.readOnly = read.MakeReadOnly()

	utils.Assert(c.log.LastIndex() >= c.log.CommitIndex(),
		"%d [Term: %d] last idx: %d less than commit: %d",
		c.id, c.term, c.log.LastIndex(), c.log.CommitIndex())

	log.Debugf("%d build raft at term: %d [firstIdx: %d, lastIdx: %d, commitIdx: %d]",
		c.id, c.term, c.log.FirstIndex(), c.log.LastIndex(), c.log.CommitIndex())

	return c
}

// start leaves the inactive role.
func (c *core) start() {
	c.becomeFollower(c.term, conf.InvalidID)
}

func (c *core) ReadSoftState() SoftState {
	return SoftState{
		LeaderID:  c.leaderID,
		State:     c.state,
		LastIndex: c.log.LastIndex(),
	}
}

func (c *core) ReadHardState() raftpd.HardState {
	return raftpd.HardState{
		Vote:   c.vote,
		Term:   c.term,
		Commit: c.log.CommitIndex(),
	}
}

// Configuration returns the committed membership.
func (c *core) Configuration() raftpd.Configuration {
	return c.membership.Active()
}

func (c *core) Status() Status {
	status := Status{
		ID:            c.id,
		SoftState:     c.ReadSoftState(),
		HardState:     c.ReadHardState(),
		Applied:       c.log.LastApplied(),
		Configuration: c.membership.Active(),
	}
	if c.state.IsLeader() {
		status.Progress = make(map[uint64]Progress, len(c.nodes))
		for _, node := range c.nodes {
			status.Progress[node.ID] = Progress{
				Matched:  node.Matched,
				Next:     node.NextIdx,
				State:    node.State(),
				Inflight: node.Inflight(),
				Lag:      node.Lag(c.log.LastIndex()),
			}
		}
	}
	return status
}

// Propose appends an application entry when the local member leads,
// after the validator accepted it against the last application entry.
func (c *core) Propose(bytes []byte) (uint64, uint64, error) {
	if err := c.checkLeader(); err != nil {
		return conf.InvalidIndex, conf.InvalidTerm, err
	}

	entry := raftpd.Entry{
		Index: c.log.LastIndex() + 1,
		Term:  c.term,
		Type:  raftpd.EntryNormal,
		Data:  bytes,
	}

	latched := c.guard.Inconsistency() != nil
	if err := c.guard.Check(c.lastAppEntry, &entry); err != nil {
		if !latched {
			// reported by the next Ready, only once.
			c.inconsistency = c.guard.Inconsistency()
		}
		return conf.InvalidIndex, conf.InvalidTerm, err
	}

	// Leader Append-Only: a leader never overwrites or deletes
	// entries in its log; it only appends new entries. §5.3
	c.log.Append([]raftpd.Entry{entry})
	c.lastAppEntry = &entry
	c.broadcastAppend()
	c.poll()

	return entry.Index, entry.Term, nil
}

// ProposeConfiguration appends next as a configuration entry, there is
// at most one such entry not committed.
func (c *core) ProposeConfiguration(next raftpd.Configuration) (uint64, error) {
	if err := c.checkLeader(); err != nil {
		return conf.InvalidIndex, err
	}
	if err := c.membership.Check(&next); err != nil {
		return conf.InvalidIndex, err
	}

	next = next.Clone()
	next.Index = c.log.LastIndex() + 1
	entry := raftpd.Entry{
		Index: next.Index,
		Term:  c.term,
		Type:  raftpd.EntryConfiguration,
		Data:  pd.MustMarshal(&next),
	}
	c.log.Append([]raftpd.Entry{entry})
	c.membership.Append(next)
	c.syncNodes()

	log.Infof("%d [term: %d] propose configuration %v", c.id, c.term, next)

	c.broadcastAppend()
	c.poll()
	return next.Index, nil
}

// Join proposes the configuration with member added.
func (c *core) Join(member raftpd.Member) (uint64, error) {
	if err := c.checkLeader(); err != nil {
		return conf.InvalidIndex, err
	}
	next, err := c.membership.Join(member)
	if err != nil {
		return conf.InvalidIndex, err
	}
	return c.ProposeConfiguration(next)
}

// Leave proposes the configuration without id.
func (c *core) Leave(id uint64) (uint64, error) {
	if err := c.checkLeader(); err != nil {
		return conf.InvalidIndex, err
	}
	next, err := c.membership.Leave(id)
	if err != nil {
		return conf.InvalidIndex, err
	}
	return c.ProposeConfiguration(next)
}

// Promote proposes the configuration turning id into a voter.
func (c *core) Promote(id uint64) (uint64, error) {
	if err := c.checkLeader(); err != nil {
		return conf.InvalidIndex, err
	}
	next, err := c.membership.Promote(id)
	if err != nil {
		return conf.InvalidIndex, err
	}
	return c.ProposeConfiguration(next)
}

// Reconfigure proposes an arbitrary configuration.
func (c *core) Reconfigure(target raftpd.Configuration) (uint64, error) {
	if err := c.checkLeader(); err != nil {
		return conf.InvalidIndex, err
	}
	next, err := c.membership.Reconfigure(target)
	if err != nil {
		return conf.InvalidIndex, err
	}
	return c.ProposeConfiguration(next)
}

// Read propose a read only request, context is the unique id
// for request.
func (c *core) Read(context []byte) error {
	switch c.state {
	case RoleLeader:
		// leader must has committed entry at current term.
		if c.log.Term(c.log.CommitIndex()) != c.term {
			return ErrReadNotReady
		}
		c.readOnly.AddRequest(c.log.CommitIndex(), c.id, context)
		c.confirmRead(context)
	case RoleFollower:
		// redirect to leader
		if c.leaderID == conf.InvalidID {
			return ErrNoLeader
		}
		msg := raftpd.Message{
			MsgType: raftpd.MsgReadIndexRequest,
			To:      c.leaderID,
			Context: context,
		}
		c.send(&msg)
	case RoleClosed:
		return ErrClosed
	default:
		return ErrNoLeader
	}
	return nil
}

func (c *core) Step(msg *raftpd.Message) {
	if !c.state.IsRunning() {
		log.Debugf("%d [state: %v] drop msg: %v", c.id, c.state, msg)
		return
	}
	log.Debugf("%d received msg: %v", c.id, msg)

	switch msg.MsgType {
	case raftpd.MsgUnreachable:
		c.handleUnreachable(msg)
		return
	case raftpd.MsgJoinRequest, raftpd.MsgLeaveRequest, raftpd.MsgReconfigureRequest:
		c.handleReconfigure(msg)
		return
	case raftpd.MsgReconfigureResponse:
		resp := raftpd.ReconfigureResponseOf(msg)
		c.callback.reconfigured(c.id, &resp)
		return
	}

	if msg.Term < c.term {
		log.Debugf("%d [term: %d] ignore a %s message with lower term from: %d [term: %d]",
			c.id, c.term, msg.MsgType, msg.From, msg.Term)
		c.reject(msg)
		return
	} else if msg.Term > c.term {
		if msg.MsgType == raftpd.MsgPollRequest {
			// currentTerm never changes when receiving a poll.
		} else if msg.MsgType == raftpd.MsgPollResponse && !msg.Reject {
			// granted polls carry the term the candidate would campaign at.
		} else {
			log.Infof("%d [Term: %d] receive a %s message with higher Term from %d [Term: %d]",
				c.id, c.term, msg.MsgType, msg.From, msg.Term)
			leaderID := conf.InvalidID
			if isLeaderMessage(msg.MsgType) {
				leaderID = msg.From
			}
			c.becomeFollower(msg.Term, leaderID)
		}
	}

	switch msg.MsgType {
	case raftpd.MsgPollRequest:
		c.handlePoll(msg)
	case raftpd.MsgVoteRequest:
		c.handleVote(msg)
	case raftpd.MsgConfigureRequest:
		c.handleConfigure(msg)
	case raftpd.MsgConfigureResponse:
		log.Debugf("%d member %d received configuration %d", c.id, msg.From, msg.Index)
	default:
		c.dispatch(msg)
	}
}

// Periodic advances the timers by millsSinceLastPeriod milliseconds.
func (c *core) Periodic(millsSinceLastPeriod int) {
	if !c.state.IsRunning() {
		return
	}

	c.electionElapsed += millsSinceLastPeriod
	for _, node := range c.nodes {
		node.Tick(millsSinceLastPeriod)
	}

	if c.state.IsLeader() {
		c.heartbeatElapsed += millsSinceLastPeriod
		if c.heartbeatTick <= c.heartbeatElapsed {
			c.heartbeatElapsed = 0
			c.broadcastHeartbeat()
		}
	} else if c.randomizedElectionTick <= c.electionElapsed {
		c.electionElapsed = 0
		if c.membership.IsVoter(c.id) {
			c.preCampaign()
		} else {
			c.resetRandomizedElectionTimeout()
		}
	}
}

// Compact discards the log up to the persisted snapshot id.
func (c *core) Compact(id raftpd.SnapshotID) {
	if id.Index > c.log.LastApplied() {
		log.Warnf("%d ignore compaction to %d beyond applied: %d",
			c.id, id.Index, c.log.LastApplied())
		return
	}
	c.log.CompactTo(id.Index, id.Term)
}

// StepDown gives up leadership, a failed persistence can not be
// acknowledged by a leader.
func (c *core) StepDown() {
	if c.state.IsLeader() || c.state.IsCandidate() || c.state.IsPreCandidate() {
		log.Warnf("%d [term: %d] step down from %v", c.id, c.term, c.state)
		c.becomeFollower(c.term, conf.InvalidID)
	}
}

// Close stops the protocol, every later call is a no-op.
func (c *core) Close() {
	if c.state == RoleClosed {
		return
	}
	c.transition(RoleClosed)
	c.leaderID = conf.InvalidID
	c.readOnly.Reset()
}

func (c *core) checkLeader() error {
	switch c.state {
	case RoleLeader:
		return nil
	case RoleClosed:
		return ErrClosed
	default:
		return ErrNotLeader
	}
}

func isLeaderMessage(tp raftpd.MessageType) bool {
	switch tp {
	case raftpd.MsgAppendRequest, raftpd.MsgHeartbeatRequest,
		raftpd.MsgInstallRequest, raftpd.MsgConfigureRequest:
		return true
	default:
		return false
	}
}
