package holder

import (
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/utils"
)

func (holder *LogHolder) checkOutOfBounds(lo, hi uint64) {
	utils.Assert(lo <= hi, "%d invalid slice %d > %d", holder.id, lo, hi)

	lower := holder.FirstIndex()
	upper := holder.LastIndex() + 1
	utils.Assert(!(lo < lower || hi > upper),
		"%d slice[%d, %d] out of bound[%d, %d]",
		holder.id, lo, hi, lower, upper)
}

func (holder *LogHolder) truncateAndAppend(entries []raftpd.Entry) {
	if len(entries) == 0 {
		return
	}

	after := entries[0].Index
	utils.Assert(after > holder.offset(), "%d truncate at %d before offset %d",
		holder.id, after, holder.offset())

	if after <= holder.LastIndex() {
		log.Infof("%d truncate log after %d [last: %d]", holder.id, after-1, holder.LastIndex())
		// copy on truncate, a previous Slice may still be referenced.
		kept := make([]raftpd.Entry, after-holder.offset(), after-holder.offset()+uint64(len(entries)))
		copy(kept, holder.entries[:after-holder.offset()])
		holder.entries = kept
		if holder.lastStabled >= after {
			holder.lastStabled = after - 1
		}
	}
	holder.entries = append(holder.entries, entries...)

	holder.validateConsistency()
}

// findConflict return the first index which Entries[i].Term is not equal
// to `holder.Term(Entries[i].Index)`, if all Term with same index are equals,
// return zero.
func (holder *LogHolder) findConflict(entries []raftpd.Entry) uint64 {
	for i := 0; i < len(entries); i++ {
		entry := &entries[i]
		if holder.Term(entry.Index) != entry.Term {
			if entry.Index <= holder.LastIndex() {
				log.Infof("%d found conflict at index %d, "+
					"[existing Term: %d, conflicting Term: %d]",
					holder.id, entry.Index, holder.Term(entry.Index), entry.Term)
			}
			return entry.Index
		}
	}
	return 0
}

// offset return the dummy entry's index.
func (holder *LogHolder) offset() uint64 {
	return holder.entries[0].Index
}

func (holder *LogHolder) validateConsistency() {
	for i := 0; i < len(holder.entries)-1; i++ {
		utils.Assert(holder.entries[i].Index+1 == holder.entries[i+1].Index,
			"%d index:%d at:%d not sequences", holder.id, holder.entries[i].Index, i)
	}
}

func limitSize(entries []raftpd.Entry, maxSize uint64) []raftpd.Entry {
	if len(entries) == 0 {
		return entries
	}
	size := entries[0].Size()
	limit := 1
	for ; limit < len(entries); limit++ {
		size += entries[limit].Size()
		if size > maxSize {
			break
		}
	}
	return entries[:limit]
}

// drain like memmove(entries, entries + to, len).
func drain(entries []raftpd.Entry, to int) []raftpd.Entry {
	if len(entries) == 0 {
		return entries
	}

	length := len(entries) - to
	dup := make([]raftpd.Entry, length)
	copy(dup, entries[to:])
	if length > 0 {
		dup[0].Data = nil
	}
	return dup
}
