package holder

import (
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/utils"

	log "github.com/sirupsen/logrus"
)

// LogHolder keeps the in-memory window of the replicated log together
// with the cursors the protocol needs.
// Here is the memory layout of LogHolder:
//
// [offset, lastApplied, commitIndex, stabled, lastIndex)
// +--------------+--------------+-------------+-------------+
// | wait compact |  wait apply  | wait commit | wait stable |
// +--------------+--------------+-------------+-------------+
// ^ offset       ^ Applied      ^ committed   ^ stabled     ^ last
//
// Notice:
//   - commit never passes stabled, so an entry is only applied once
//     it reached the local disk.
//   - there always has a dummy entry at offset, it carries the index
//     and term of the last compacted (or installed) position.
type LogHolder struct {
	// raft inner Id
	id uint64

	// last index of entry has been applied
	lastApplied uint64

	// last index of committed entry
	commitIndex uint64

	// last index stable to storage
	lastStabled uint64

	// buffered entries
	entries []raftpd.Entry

	// compacted is the last application entry at or before offset, nil
	// when there is none or it is unknown.
	compacted *raftpd.Entry
}

// MakeLogHolder create & initialize empty LogHolder, and returns.
func MakeLogHolder(id uint64, firstIndex uint64, firstTerm uint64) *LogHolder {
	log.Debugf("%d make log holder [idx: %d, term: %d]", id, firstIndex, firstTerm)

	return &LogHolder{
		id:          id,
		entries:     []raftpd.Entry{{Index: firstIndex, Term: firstTerm}},
		lastApplied: firstIndex,
		commitIndex: firstIndex,
		lastStabled: firstIndex,
	}
}

// RebuildLogHolder construction log holder from entries read back from
// stable storage. entries[0] is the dummy entry, commit is the restored
// commit index. Entries up to commit will be applied again.
func RebuildLogHolder(id uint64, entries []raftpd.Entry, commit uint64) *LogHolder {
	utils.Assert(len(entries) != 0, "required entries not empty")

	firstIndex := entries[0].Index
	lastStabled := entries[len(entries)-1].Index
	commit = utils.MaxUint64(commit, firstIndex)
	utils.Assert(commit <= lastStabled, "%d commit %d beyond last entry %d",
		id, commit, lastStabled)

	log.Debugf("%d rebuild log holder [idx: %d-%d, commit: %d]",
		id, firstIndex, lastStabled, commit)

	dup := make([]raftpd.Entry, len(entries))
	copy(dup, entries)
	dup[0].Data = nil
	dup[0].Type = raftpd.EntryNormal

	return &LogHolder{
		id:          id,
		entries:     dup,
		lastApplied: firstIndex,
		commitIndex: commit,
		lastStabled: lastStabled,
	}
}

// Term return the Term of idx, if there no entry
// with these index, return InvalidTerm.
func (holder *LogHolder) Term(idx uint64) uint64 {
	dummyIdx := holder.offset()
	if idx < dummyIdx || idx > holder.LastIndex() {
		return conf.InvalidTerm
	}
	return holder.entries[idx-dummyIdx].Term
}

// Entry returns the entry at idx, the dummy entry excluded.
func (holder *LogHolder) Entry(idx uint64) (raftpd.Entry, bool) {
	if idx < holder.FirstIndex() || idx > holder.LastIndex() {
		return raftpd.Entry{}, false
	}
	return holder.entries[idx-holder.offset()], true
}

// Slice return the Entries between [lo, hi), no included dummy entry.
func (holder *LogHolder) Slice(lo, hi uint64) []raftpd.Entry {
	holder.checkOutOfBounds(lo, hi)
	offset := holder.offset()
	return holder.entries[lo-offset : hi-offset]
}

// Batch returns entries starting at lo whose total size stays within
// maxSize, with at least one entry when any exists.
func (holder *LogHolder) Batch(lo uint64, maxSize uint64) []raftpd.Entry {
	entries := holder.Slice(lo, holder.LastIndex()+1)
	return limitSize(entries, maxSize)
}

// IsUpToDate determines if the given (idx,term) log is more up-to-date
// by comparing the index and term of the last entry in the existing logs.
// If the logs have last entry with different terms, then the log with the
// later term is more up-to-date. If the logs end with the same term, then
// whichever log has the larger last_index is more up-to-date. If the logs
// are the same, the given log is up-to-date.
func (holder *LogHolder) IsUpToDate(idx, term uint64) bool {
	return term > holder.LastTerm() || (term == holder.LastTerm() && idx >= holder.LastIndex())
}

// LastIndex return the last index of current Entries.
func (holder *LogHolder) LastIndex() uint64 {
	return holder.offset() + uint64(len(holder.entries)) - 1
}

// FirstIndex return the first available entry in current holder.
func (holder *LogHolder) FirstIndex() uint64 {
	return holder.offset() + 1
}

// LastTerm return the last term of current Entries.
func (holder *LogHolder) LastTerm() uint64 {
	return holder.entries[len(holder.entries)-1].Term
}

// CommitIndex return holder.commitIndex.
func (holder *LogHolder) CommitIndex() uint64 {
	return holder.commitIndex
}

// LastApplied return the index of the last entry handed to the
// state machine.
func (holder *LogHolder) LastApplied() uint64 {
	return holder.lastApplied
}

// LastStabled return the index of the last entry on stable storage.
func (holder *LogHolder) LastStabled() uint64 {
	return holder.lastStabled
}

// LastApplicationEntry returns the newest normal entry at or below
// to. Entries already compacted are represented by the one recorded
// when they were dropped.
func (holder *LogHolder) LastApplicationEntry(to uint64) *raftpd.Entry {
	offset := holder.offset()
	to = utils.MinUint64(to, holder.LastIndex())
	for idx := to; idx > offset; idx-- {
		if entry := holder.entries[idx-offset]; entry.Type == raftpd.EntryNormal {
			return &entry
		}
	}
	if holder.compacted == nil || holder.compacted.Index > to {
		return nil
	}
	entry := *holder.compacted
	return &entry
}

// SetCompacted records the last application entry covered by the
// dummy entry, learned from a snapshot. Entries after offset are
// ignored.
func (holder *LogHolder) SetCompacted(entry *raftpd.Entry) {
	if entry == nil || entry.Index > holder.offset() {
		holder.compacted = nil
		return
	}
	dup := *entry
	holder.compacted = &dup
}

// CompactTo drops entries up to `to`, which must be applied. A position
// unknown to the log (an installed snapshot) rebuilds it around `to`.
func (holder *LogHolder) CompactTo(to, term uint64) {
	if holder.Term(to) != term || to > holder.lastApplied {
		holder.Restore(to, term)
		return
	}
	offset := holder.offset()
	if to <= offset {
		return
	}
	log.Debugf("%d compact to: %d, term: %d", holder.id, to, term)
	holder.compacted = holder.LastApplicationEntry(to)
	holder.entries = drain(holder.entries, int(to-offset))
}

// Restore discards the whole log and restarts it at the snapshot
// position (to, term). Every cursor moves to `to`, the compacted
// application entry is forgotten.
func (holder *LogHolder) Restore(to, term uint64) {
	log.Debugf("%d restore log at: %d, term: %d", holder.id, to, term)
	holder.entries = []raftpd.Entry{{Index: to, Term: term}}
	holder.compacted = nil
	holder.lastApplied = to
	holder.commitIndex = to
	holder.lastStabled = to
}

// CommitTo change commitIndex to `to`, bounded by the stable index.
func (holder *LogHolder) CommitTo(to uint64) {
	if holder.lastStabled < to {
		/* cannot commit unstable log entry */
		to = holder.lastStabled
	}
	if holder.commitIndex >= to {
		/* never decrease commit */
		return
	}

	utils.Assert(holder.LastIndex() >= to,
		"%d toCommit %d is out of range [last index: %d]",
		holder.id, to, holder.LastIndex())

	holder.commitIndex = to

	log.Debugf("%d commit entries to index: %d", holder.id, to)
}

// ApplyEntries moves lastApplied to the commit index and returns the
// entries in between, which the state machine should apply.
func (holder *LogHolder) ApplyEntries() []raftpd.Entry {
	target := holder.commitIndex
	if holder.lastApplied >= target {
		return nil
	}

	log.Debugf("%d apply entries to index: %d", holder.id, target)

	result := holder.Slice(holder.lastApplied+1, target+1)
	holder.lastApplied = target
	return result
}

// UnstableEntries returns the entries not yet acknowledged as written
// to stable storage. They stay unstable until StableTo.
func (holder *LogHolder) UnstableEntries() []raftpd.Entry {
	if holder.lastStabled >= holder.LastIndex() {
		return nil
	}
	return holder.Slice(holder.lastStabled+1, holder.LastIndex()+1)
}

// StableTo marks entries up to (idx, term) as written. It is ignored
// when the entry was replaced in between.
func (holder *LogHolder) StableTo(idx, term uint64) {
	if idx <= holder.lastStabled || holder.Term(idx) != term {
		return
	}
	holder.lastStabled = idx
}

// TryAppend check whether the entries could follow (prevIdx, prevTerm).
// If valid, it appends them, and returns the index of the last new
// entry. Otherwise it returns false and the log is unchanged.
func (holder *LogHolder) TryAppend(prevIdx, prevTerm uint64,
	entries []raftpd.Entry) (uint64, bool) {
	if holder.Term(prevIdx) != prevTerm {
		return conf.InvalidIndex, false
	}

	lastNew := prevIdx + uint64(len(entries))
	conflictIdx := holder.findConflict(entries)
	if conflictIdx == 0 {
		/* success, no conflict */
	} else if conflictIdx <= holder.commitIndex {
		log.Panicf("%d entry %d conflict with committed entry %d",
			holder.id, conflictIdx, holder.commitIndex)
	} else {
		offset := prevIdx + 1
		holder.truncateAndAppend(entries[conflictIdx-offset:])
	}
	return lastNew, true
}

// ConflictHint returns the highest index not above idx whose term is
// at most term. Entries above it certainly differ from a leader whose
// entry at idx carries term.
func (holder *LogHolder) ConflictHint(idx, term uint64) uint64 {
	idx = utils.MinUint64(idx, holder.LastIndex())
	for idx > holder.offset() && holder.Term(idx) > term {
		idx--
	}
	return idx
}

// Append push entries at back, and return the new last index.
func (holder *LogHolder) Append(entries []raftpd.Entry) uint64 {
	if len(entries) == 0 {
		return holder.LastIndex()
	}

	utils.Assert(entries[0].Index == holder.LastIndex()+1,
		"%d append %d is not after last index %d",
		holder.id, entries[0].Index, holder.LastIndex())

	holder.entries = append(holder.entries, entries...)
	return holder.LastIndex()
}
