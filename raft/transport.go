package raft

import (
	"github.com/thinkermao/replog/raft/proto"
)

// Step receives a message from the transport.
func (r *Raft) Step(msg *raftpd.Message) {
	m := *msg
	r.enqueue(func() { r.raft.Step(&m) })
}

// ReportUnreachable receives a delivery failure from the transport.
func (r *Raft) ReportUnreachable(id uint64) {
	r.enqueue(func() { r.raft.Unreachable(id) })
}

// AddPeer registers the address of a member with the transport.
func (r *Raft) AddPeer(id uint64, address string) {
	if id != r.id {
		r.transport.AddPeer(id, address)
	}
}

func (r *Raft) enqueue(fn func()) {
	select {
	case r.actions <- fn:
	case <-r.stopc:
	}
}
