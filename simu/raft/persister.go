package raft

import (
	"github.com/thinkermao/replog/raft/proto"
)

// Snapshot is the persisted image of the simulated state machine.
type Snapshot struct {
	ID            raftpd.SnapshotID
	Configuration raftpd.Configuration
	Data          []byte
}

// Persister keeps what a crashed member finds on restart. It plays the
// role of the wal and the snapshot store.
type Persister struct {
	state    raftpd.HardState
	entries  []raftpd.Entry // entries[0] is the compacted position
	snapshot *Snapshot
}

// MakePersister return instance of Persister.
func MakePersister() *Persister {
	return &Persister{entries: []raftpd.Entry{{}}}
}

// Save appends entries, overwriting the suffix starting at the first
// of them.
func (ps *Persister) Save(state *raftpd.HardState, entries []raftpd.Entry) {
	if state != nil {
		ps.state = *state
	}
	if len(entries) == 0 {
		return
	}
	first := ps.entries[0].Index
	for len(entries) != 0 && entries[0].Index <= first {
		entries = entries[1:]
	}
	if len(entries) == 0 {
		return
	}
	offset := entries[0].Index - first
	if offset > uint64(len(ps.entries)) {
		panic("persister: entries are not contiguous")
	}
	ps.entries = append(ps.entries[:offset], entries...)
}

// Compact drops entries up to index.
func (ps *Persister) Compact(id raftpd.SnapshotID) {
	first := ps.entries[0].Index
	if id.Index <= first {
		return
	}
	offset := id.Index - first
	if offset >= uint64(len(ps.entries)) {
		ps.Restore(id)
		return
	}
	remain := make([]raftpd.Entry, 0, uint64(len(ps.entries))-offset)
	remain = append(remain, raftpd.Entry{Index: id.Index, Term: id.Term})
	remain = append(remain, ps.entries[offset+1:]...)
	ps.entries = remain
}

// Restore restarts the log at an installed snapshot.
func (ps *Persister) Restore(id raftpd.SnapshotID) {
	ps.entries = []raftpd.Entry{{Index: id.Index, Term: id.Term}}
	if ps.state.Commit < id.Index {
		ps.state.Commit = id.Index
	}
}

// SaveSnapshot save snapshot, older ones are dropped.
func (ps *Persister) SaveSnapshot(snapshot *Snapshot) {
	if ps.snapshot != nil && ps.snapshot.ID.Index >= snapshot.ID.Index {
		return
	}
	ps.snapshot = snapshot
}

// ReadSnapshot read snapshot saved before.
func (ps *Persister) ReadSnapshot() (*Snapshot, bool) {
	return ps.snapshot, ps.snapshot != nil
}

// Read returns the hard state and a copy of the log.
func (ps *Persister) Read() (raftpd.HardState, []raftpd.Entry) {
	entries := make([]raftpd.Entry, len(ps.entries))
	copy(entries, ps.entries)
	return ps.state, entries
}

// LogSize return the number of entries kept after the snapshot.
func (ps *Persister) LogSize() int {
	return len(ps.entries) - 1
}
