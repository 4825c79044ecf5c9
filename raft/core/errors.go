package core

import "errors"

var (
	ErrNotLeader       = errors.New("raft: not leader")
	ErrClosed          = errors.New("raft: closed")
	ErrNoLeader        = errors.New("raft: no leader")
	ErrReadNotReady    = errors.New("raft: leader has not committed in its term")
	ErrNotVoter        = errors.New("raft: not a voter")
	ErrReconfiguration = errors.New("raft: reconfiguration rejected")
)
