package raft

import (
	"github.com/thinkermao/replog/raft/proto"
)

// Application provides a raft implements.
type Application interface {
	ID() uint64
	Start(nodes []uint64) error
	Shutdown()
	IsCrash() bool
	Propose(data int) (uint64, uint64, bool)
	GenSnapshot() (uint64, uint64)

	GetState() (uint64, bool)
	ApplyError() error

	LogLength() int
	LogAt(index int) (int, bool)
	Applied() uint64
	CompactedLogSize() int

	// Tick, Receive and Unreachable drive the member and return the
	// messages it wants to send.
	Tick(millis int) []raftpd.Message
	Receive(msg *raftpd.Message) []raftpd.Message
	Unreachable(to uint64) []raftpd.Message
}
