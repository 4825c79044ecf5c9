package raftpd

import (
	"encoding/gob"
	"fmt"
)

// HardState is the part of a member's state that must reach stable
// storage before any message produced alongside it is sent.
type HardState struct {
	Vote   uint64
	Term   uint64
	Commit uint64
}

func (e *HardState) Reset() { *e = HardState{} }

func (e HardState) String() string {
	return fmt.Sprintf("raftpd.HardState{vote: %d, term: %d, commit: %d}",
		e.Vote, e.Term, e.Commit)
}

type EntryType int

// EntryInitialize is appended by every new leader, committing it also
// commits the entries of previous terms.
const (
	EntryNormal EntryType = iota
	EntryConfiguration
	EntryInitialize
)

var entryTypeStr = []string{
	"Normal",
	"Configuration",
	"Initialize",
}

func (t EntryType) String() string {
	if int(t) < 0 || int(t) >= len(entryTypeStr) {
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
	return entryTypeStr[t]
}

// Entry is one record of the replicated log. Data is opaque for
// EntryNormal, and an encoded Configuration for EntryConfiguration.
type Entry struct {
	Index uint64
	Term  uint64
	Type  EntryType
	Data  []byte
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("raftpd.Entry{idx: %d, term: %d, type: %v, size: %d}",
		e.Index, e.Term, e.Type, len(e.Data))
}

// Size approximates the encoded size of entry, used to cap batches.
func (e *Entry) Size() uint64 {
	return uint64(len(e.Data)) + 24
}

func init() {
	gob.Register(Entry{})
	gob.Register(HardState{})
}
