package core

import (
	"github.com/thinkermao/replog/raft/proto"
)

// SoftState gives some raft runtime information.
type SoftState struct {
	// LeaderID return current node's leader ID.
	LeaderID uint64
	// State return current node's state role.
	State StateRole
	// LastIndex return current node's index of last entry.
	LastIndex uint64
}

// StateRole said the state role of raft.
type StateRole int

// Role enum constants.
const (
	RoleInactive StateRole = iota
	RoleFollower
	RolePreCandidate
	RoleCandidate
	RoleLeader
	RoleClosed
)

var stateRoleString = []string{
	"Inactive",
	"Follower",
	"PreCandidate",
	"Candidate",
	"Leader",
	"Closed",
}

func (role StateRole) String() string {
	return stateRoleString[role]
}

// IsLeader test whether role is leader.
func (role StateRole) IsLeader() bool {
	return role == RoleLeader
}

// IsCandidate test whether role is candidate.
func (role StateRole) IsCandidate() bool {
	return role == RoleCandidate
}

// IsFollower test whether role is follower.
func (role StateRole) IsFollower() bool {
	return role == RoleFollower
}

// IsPreCandidate test whether role is pre candidate, which polls
// members before campaigning.
func (role StateRole) IsPreCandidate() bool {
	return role == RolePreCandidate
}

// IsRunning reports whether the role takes part in the protocol.
func (role StateRole) IsRunning() bool {
	return role != RoleInactive && role != RoleClosed
}

// Progress is the leader's view of one follower.
type Progress struct {
	Matched  uint64
	Next     uint64
	State    string
	Inflight int
	Lag      uint64
}

// Status is a snapshot of the core for inspection.
type Status struct {
	ID            uint64
	SoftState     SoftState
	HardState     raftpd.HardState
	Applied       uint64
	Configuration raftpd.Configuration
	// Progress is only filled on the leader.
	Progress map[uint64]Progress
}
