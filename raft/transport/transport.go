// Package transport moves protocol messages between members. Sends are
// asynchronous and FIFO per destination, a message that can not be
// delivered is reported through Handler.ReportUnreachable.
package transport

import (
	"errors"

	"github.com/thinkermao/replog/raft/proto"
)

var (
	ErrUnknownPeer = errors.New("transport: unknown peer")
	ErrQueueFull   = errors.New("transport: send queue full")
	ErrClosed      = errors.New("transport: closed")
)

// DefaultQueueSize bounds the messages waiting for one destination.
const DefaultQueueSize = 4096

// Handler consumes what the transport receives.
type Handler interface {
	// Step delivers an inbound message.
	Step(msg *raftpd.Message)
	// ReportUnreachable tells a message to id was lost.
	ReportUnreachable(id uint64)
}

// Transporter is the sending side used by a partition.
type Transporter interface {
	// Start begins delivering inbound messages to handler.
	Start(handler Handler) error
	// Send queues msg for msg.To. An error means it was dropped.
	Send(msg *raftpd.Message) error
	AddPeer(id uint64, address string)
	RemovePeer(id uint64)
	Close() error
}
