package raftpd

import (
	"encoding/gob"
	"fmt"
)

type MessageType int

// Message from local:
//   - Unreachable	infer whether remote is online, generated when the
//     transport fails to deliver a message.
//
// Message from leader:
// - Append request
// - Install request
// - Heartbeat request
// - Configure request
// - ReadIndex response
// - Reconfigure response
//
// Message from follower:
// - Append response
// - Install response
// - Heartbeat response
// - Configure response
// - ReadIndex request
//
// Message from any member:
// - Poll response
// - Vote response
// - Join request
// - Leave request
// - Reconfigure request
//
// Message from candidate:
// - Poll request
// - Vote request
//
// Poll is the pre-vote round: it never changes the term of
// the receiver, so a partitioned member rejoining the group cannot
// disrupt a healthy leader.
const (
	MsgAppendRequest MessageType = iota
	MsgAppendResponse
	MsgPollRequest
	MsgPollResponse
	MsgVoteRequest
	MsgVoteResponse
	MsgInstallRequest
	MsgInstallResponse
	MsgHeartbeatRequest
	MsgHeartbeatResponse
	MsgReadIndexRequest
	MsgReadIndexResponse
	MsgConfigureRequest
	MsgConfigureResponse
	MsgJoinRequest
	MsgLeaveRequest
	MsgReconfigureRequest
	MsgReconfigureResponse
	MsgUnreachable
)

// Message is the envelope of every protocol message. Which fields are
// meaningful depends on MsgType, see the typed views in rpc.go.
type Message struct {
	MsgType  MessageType
	From, To uint64
	Term     uint64

	// LogIndex and LogTerm are the previous entry of an append
	// request, or the last entry of a vote or poll request.
	LogIndex, LogTerm uint64

	// Index is the leader commit for append and heartbeat requests,
	// the matched or rejected index for append responses, and the
	// read or configuration index for the other responses.
	Index      uint64
	Reject     bool
	RejectHint uint64
	Entries    []Entry

	// Install fields.
	Snapshot   *SnapshotID
	ChunkIndex uint64
	Chunk      *SnapshotChunk
	Last       bool

	// Membership fields.
	Configuration *Configuration
	Member        *Member

	Context []byte
}

func (c *Message) Reset() { *c = Message{} }

func (c Message) String() string {
	return fmt.Sprintf("raftpd.Message{%v %d => %d, term: %d, log: %d/%d, idx: %d, reject: %v, ents: %d}",
		c.MsgType, c.From, c.To, c.Term, c.LogIndex, c.LogTerm, c.Index, c.Reject, len(c.Entries))
}

var MessageTypeString = []string{
	"Append request",
	"Append response",
	"Poll request",
	"Poll response",
	"Vote request",
	"Vote response",
	"Install request",
	"Install response",
	"Heartbeat request",
	"Heartbeat response",
	"ReadIndex request",
	"ReadIndex response",
	"Configure request",
	"Configure response",
	"Join request",
	"Leave request",
	"Reconfigure request",
	"Reconfigure response",
	"Unreachable",
}

func (tp MessageType) String() string {
	if int(tp) < 0 || int(tp) >= len(MessageTypeString) {
		return fmt.Sprintf("MessageType(%d)", int(tp))
	}
	return MessageTypeString[tp]
}

// IsResponse reports whether tp answers a request.
func (tp MessageType) IsResponse() bool {
	switch tp {
	case MsgAppendResponse, MsgPollResponse, MsgVoteResponse,
		MsgInstallResponse, MsgHeartbeatResponse, MsgReadIndexResponse,
		MsgConfigureResponse, MsgReconfigureResponse:
		return true
	}
	return false
}

// ResponseOf returns the response type for a request type.
func ResponseOf(tp MessageType) (MessageType, bool) {
	switch tp {
	case MsgAppendRequest:
		return MsgAppendResponse, true
	case MsgPollRequest:
		return MsgPollResponse, true
	case MsgVoteRequest:
		return MsgVoteResponse, true
	case MsgInstallRequest:
		return MsgInstallResponse, true
	case MsgHeartbeatRequest:
		return MsgHeartbeatResponse, true
	case MsgReadIndexRequest:
		return MsgReadIndexResponse, true
	case MsgConfigureRequest:
		return MsgConfigureResponse, true
	case MsgJoinRequest, MsgLeaveRequest, MsgReconfigureRequest:
		return MsgReconfigureResponse, true
	}
	return tp, false
}

func init() {
	gob.Register(Message{})
}
