package raft

import (
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/raft/wal"
	walpd "github.com/thinkermao/replog/raft/wal/proto"
	"github.com/thinkermao/replog/utils"
)

// stableStorage is where the run loop persists the log.
type stableStorage interface {
	save(state *raftpd.HardState, entries []raftpd.Entry) error
	compact(id raftpd.SnapshotID) error
	restore(id raftpd.SnapshotID) error
	compacted() uint64
	lastIndex() uint64
	close() error
}

// logStorage persists hard states and entries of a partition.
type logStorage struct {
	id  uint64
	wal *wal.Wal
}

// recovered is the durable state read back at startup. entries[0] is
// the position the log restarts from.
type recovered struct {
	state   raftpd.HardState
	entries []raftpd.Entry
	commit  uint64
}

// openLogStorage opens or creates the wal of walDir. base is the
// position of the latest persisted snapshot, the log read back is cut
// so that it starts there.
func openLogStorage(id uint64, walDir string, base walpd.Metadata, opts wal.Options) (*logStorage, recovered, error) {
	if !wal.Exist(walDir) {
		w, err := wal.Create(walDir, base, opts)
		if err != nil {
			return nil, recovered{}, err
		}
		log.Infof("%d create wal at %s [idx: %d, term: %d]", id, walDir, base.Index, base.Term)
		return &logStorage{id: id, wal: w}, recovered{
			entries: []raftpd.Entry{{Index: base.Index, Term: base.Term}},
			commit:  base.Index,
		}, nil
	}

	w, err := wal.Open(walDir, opts)
	if err != nil {
		return nil, recovered{}, err
	}
	meta, state, entries, err := w.ReadAll()
	if err != nil {
		w.Close()
		return nil, recovered{}, err
	}

	ls := &logStorage{id: id, wal: w}
	if base.Index > meta.Index {
		// the snapshot was persisted but the wal not yet compacted.
		restore := !covers(entries, base)
		if restore {
			entries = nil
		} else {
			entries = entries[base.Index-entries[0].Index+1:]
		}
		base.Restore = restore
		if err := w.Compact(base); err != nil {
			w.Close()
			return nil, recovered{}, err
		}
		meta = base
		log.Infof("%d catch wal up with snapshot [idx: %d, term: %d, restore: %v]",
			id, base.Index, base.Term, restore)
	}

	all := make([]raftpd.Entry, 0, len(entries)+1)
	all = append(all, raftpd.Entry{Index: meta.Index, Term: meta.Term})
	all = append(all, entries...)
	last := all[len(all)-1].Index
	commit := utils.MinUint64(utils.MaxUint64(state.Commit, meta.Index), last)

	log.Infof("%d read wal [snapshot: %d, last: %d, commit: %d, term: %d]",
		id, meta.Index, last, commit, state.Term)
	return ls, recovered{state: state, entries: all, commit: commit}, nil
}

// covers reports whether entries hold the snapshot position itself.
func covers(entries []raftpd.Entry, base walpd.Metadata) bool {
	if len(entries) == 0 || entries[0].Index > base.Index {
		return false
	}
	last := entries[len(entries)-1].Index
	if last < base.Index {
		return false
	}
	return entries[base.Index-entries[0].Index].Term == base.Term
}

func (ls *logStorage) save(state *raftpd.HardState, entries []raftpd.Entry) error {
	if state == nil && len(entries) == 0 {
		return nil
	}
	return ls.wal.Save(state, entries)
}

// compact drops the log covered by a local snapshot.
func (ls *logStorage) compact(id raftpd.SnapshotID) error {
	return ls.wal.Compact(walpd.Metadata{Index: id.Index, Term: id.Term})
}

// restore restarts the log at an installed snapshot.
func (ls *logStorage) restore(id raftpd.SnapshotID) error {
	return ls.wal.Compact(walpd.Metadata{Index: id.Index, Term: id.Term, Restore: true})
}

func (ls *logStorage) compacted() uint64 {
	return ls.wal.Metadata().Index
}

func (ls *logStorage) lastIndex() uint64 {
	return ls.wal.LastIndex()
}

func (ls *logStorage) close() error {
	return ls.wal.Close()
}
