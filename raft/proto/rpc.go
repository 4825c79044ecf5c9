package raftpd

// Typed views over Message. Each view converts to the envelope with
// Message(to) and back with the matching ...Of function. The sender id
// and, except for polls, the term are stamped by the sending core.

type VoteRequest struct {
	Term         uint64
	Candidate    uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (r VoteRequest) Message(to uint64) Message {
	return Message{
		MsgType:  MsgVoteRequest,
		From:     r.Candidate,
		To:       to,
		Term:     r.Term,
		LogIndex: r.LastLogIndex,
		LogTerm:  r.LastLogTerm,
	}
}

func VoteRequestOf(m *Message) VoteRequest {
	return VoteRequest{
		Term:         m.Term,
		Candidate:    m.From,
		LastLogIndex: m.LogIndex,
		LastLogTerm:  m.LogTerm,
	}
}

type VoteResponse struct {
	Term    uint64
	Voter   uint64
	Granted bool
}

func (r VoteResponse) Message(to uint64) Message {
	return Message{
		MsgType: MsgVoteResponse,
		From:    r.Voter,
		To:      to,
		Term:    r.Term,
		Reject:  !r.Granted,
	}
}

func VoteResponseOf(m *Message) VoteResponse {
	return VoteResponse{Term: m.Term, Voter: m.From, Granted: !m.Reject}
}

// PollRequest carries the term the candidate would campaign at.
type PollRequest struct {
	Term         uint64
	Candidate    uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (r PollRequest) Message(to uint64) Message {
	m := VoteRequest(r).Message(to)
	m.MsgType = MsgPollRequest
	return m
}

func PollRequestOf(m *Message) PollRequest {
	return PollRequest(VoteRequestOf(m))
}

type PollResponse struct {
	Term    uint64
	Voter   uint64
	Granted bool
}

func (r PollResponse) Message(to uint64) Message {
	m := VoteResponse(r).Message(to)
	m.MsgType = MsgPollResponse
	return m
}

func PollResponseOf(m *Message) PollResponse {
	return PollResponse(VoteResponseOf(m))
}

type AppendRequest struct {
	Term         uint64
	Leader       uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	CommitIndex  uint64
}

func (r AppendRequest) Message(to uint64) Message {
	return Message{
		MsgType:  MsgAppendRequest,
		From:     r.Leader,
		To:       to,
		Term:     r.Term,
		LogIndex: r.PrevLogIndex,
		LogTerm:  r.PrevLogTerm,
		Entries:  r.Entries,
		Index:    r.CommitIndex,
	}
}

func AppendRequestOf(m *Message) AppendRequest {
	return AppendRequest{
		Term:         m.Term,
		Leader:       m.From,
		PrevLogIndex: m.LogIndex,
		PrevLogTerm:  m.LogTerm,
		Entries:      m.Entries,
		CommitIndex:  m.Index,
	}
}

// AppendResponse reports LastMatchedIndex on success. On failure
// RejectedIndex echoes the request's previous index and ConflictIndex
// hints where the leader should retry.
type AppendResponse struct {
	Term             uint64
	Member           uint64
	Success          bool
	LastMatchedIndex uint64
	RejectedIndex    uint64
	ConflictIndex    uint64
}

func (r AppendResponse) Message(to uint64) Message {
	m := Message{
		MsgType: MsgAppendResponse,
		From:    r.Member,
		To:      to,
		Term:    r.Term,
		Reject:  !r.Success,
	}
	if r.Success {
		m.Index = r.LastMatchedIndex
	} else {
		m.Index = r.RejectedIndex
		m.RejectHint = r.ConflictIndex
	}
	return m
}

func AppendResponseOf(m *Message) AppendResponse {
	r := AppendResponse{Term: m.Term, Member: m.From, Success: !m.Reject}
	if r.Success {
		r.LastMatchedIndex = m.Index
	} else {
		r.RejectedIndex = m.Index
		r.ConflictIndex = m.RejectHint
	}
	return r
}

type HeartbeatRequest struct {
	Term        uint64
	Leader      uint64
	CommitIndex uint64
	Context     []byte
}

func (r HeartbeatRequest) Message(to uint64) Message {
	return Message{
		MsgType: MsgHeartbeatRequest,
		From:    r.Leader,
		To:      to,
		Term:    r.Term,
		Index:   r.CommitIndex,
		Context: r.Context,
	}
}

func HeartbeatRequestOf(m *Message) HeartbeatRequest {
	return HeartbeatRequest{Term: m.Term, Leader: m.From, CommitIndex: m.Index, Context: m.Context}
}

// InstallRequest streams one chunk of a snapshot. Configuration is the
// leader's committed membership, adopted with the last chunk, and so is
// LastApplication, the last application entry the snapshot covers.
type InstallRequest struct {
	Term            uint64
	Leader          uint64
	SnapshotID      SnapshotID
	ChunkIndex      uint64
	Chunk           SnapshotChunk
	IsLast          bool
	Configuration   Configuration
	LastApplication *Entry
}

func (r InstallRequest) Message(to uint64) Message {
	id := r.SnapshotID
	chunk := r.Chunk
	m := Message{
		MsgType:    MsgInstallRequest,
		From:       r.Leader,
		To:         to,
		Term:       r.Term,
		Snapshot:   &id,
		ChunkIndex: r.ChunkIndex,
		Chunk:      &chunk,
		Last:       r.IsLast,
	}
	if r.IsLast {
		conf := r.Configuration.Clone()
		m.Configuration = &conf
		if r.LastApplication != nil {
			m.Entries = []Entry{*r.LastApplication}
		}
	}
	return m
}

func InstallRequestOf(m *Message) InstallRequest {
	r := InstallRequest{
		Term:       m.Term,
		Leader:     m.From,
		ChunkIndex: m.ChunkIndex,
		IsLast:     m.Last,
	}
	if m.Snapshot != nil {
		r.SnapshotID = *m.Snapshot
	}
	if m.Chunk != nil {
		r.Chunk = *m.Chunk
	}
	if m.Configuration != nil {
		r.Configuration = m.Configuration.Clone()
	}
	if len(m.Entries) != 0 {
		last := m.Entries[0]
		r.LastApplication = &last
	}
	return r
}

// InstallResponse acknowledges ChunkIndex. Done is set once the
// follower holds a snapshot at Index, either because the last chunk
// was installed or because it was already past it.
type InstallResponse struct {
	Term       uint64
	Member     uint64
	Success    bool
	ChunkIndex uint64
	Done       bool
	Index      uint64
}

func (r InstallResponse) Message(to uint64) Message {
	return Message{
		MsgType:    MsgInstallResponse,
		From:       r.Member,
		To:         to,
		Term:       r.Term,
		Reject:     !r.Success,
		ChunkIndex: r.ChunkIndex,
		Last:       r.Done,
		Index:      r.Index,
	}
}

func InstallResponseOf(m *Message) InstallResponse {
	return InstallResponse{
		Term:       m.Term,
		Member:     m.From,
		Success:    !m.Reject,
		ChunkIndex: m.ChunkIndex,
		Done:       m.Last,
		Index:      m.Index,
	}
}

// ConfigureRequest pushes a committed configuration to a member that
// no longer receives replication from the leader.
type ConfigureRequest struct {
	Term          uint64
	Leader        uint64
	Configuration Configuration
}

func (r ConfigureRequest) Message(to uint64) Message {
	conf := r.Configuration.Clone()
	return Message{
		MsgType:       MsgConfigureRequest,
		From:          r.Leader,
		To:            to,
		Term:          r.Term,
		Index:         conf.Index,
		Configuration: &conf,
	}
}

func ConfigureRequestOf(m *Message) ConfigureRequest {
	r := ConfigureRequest{Term: m.Term, Leader: m.From}
	if m.Configuration != nil {
		r.Configuration = m.Configuration.Clone()
	}
	return r
}

type JoinRequest struct {
	Member  Member
	Context []byte
}

func (r JoinRequest) Message(to uint64) Message {
	member := r.Member
	return Message{
		MsgType: MsgJoinRequest,
		To:      to,
		Member:  &member,
		Context: r.Context,
	}
}

func JoinRequestOf(m *Message) JoinRequest {
	r := JoinRequest{Context: m.Context}
	if m.Member != nil {
		r.Member = *m.Member
	}
	return r
}

type LeaveRequest struct {
	MemberID uint64
	Context  []byte
}

func (r LeaveRequest) Message(to uint64) Message {
	return Message{
		MsgType: MsgLeaveRequest,
		To:      to,
		Member:  &Member{ID: r.MemberID},
		Context: r.Context,
	}
}

func LeaveRequestOf(m *Message) LeaveRequest {
	r := LeaveRequest{Context: m.Context}
	if m.Member != nil {
		r.MemberID = m.Member.ID
	}
	return r
}

type ReconfigureRequest struct {
	Configuration Configuration
	Context       []byte
}

func (r ReconfigureRequest) Message(to uint64) Message {
	conf := r.Configuration.Clone()
	return Message{
		MsgType:       MsgReconfigureRequest,
		To:            to,
		Configuration: &conf,
		Context:       r.Context,
	}
}

func ReconfigureRequestOf(m *Message) ReconfigureRequest {
	r := ReconfigureRequest{Context: m.Context}
	if m.Configuration != nil {
		r.Configuration = m.Configuration.Clone()
	}
	return r
}

// ReconfigureResponse answers join, leave and reconfigure requests
// with the index of the appended configuration entry.
type ReconfigureResponse struct {
	Success bool
	Index   uint64
	Context []byte
}

func (r ReconfigureResponse) Message(to uint64) Message {
	return Message{
		MsgType: MsgReconfigureResponse,
		To:      to,
		Reject:  !r.Success,
		Index:   r.Index,
		Context: r.Context,
	}
}

func ReconfigureResponseOf(m *Message) ReconfigureResponse {
	return ReconfigureResponse{Success: !m.Reject, Index: m.Index, Context: m.Context}
}
