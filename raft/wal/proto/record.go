package walpd

import "encoding/gob"

// Record is the unit written to a segment. Crc covers Data.
type Record struct {
	Type int32
	Crc  uint32
	Data []byte
}

func (m *Record) Reset() { *m = Record{} }

// Metadata is the log position covered by the latest snapshot, entries
// at or below Index are no longer read back.
// Restore marks a snapshot installed from the leader, every entry
// written before it is stale.
type Metadata struct {
	Index   uint64
	Term    uint64
	Restore bool
}

func (m *Metadata) Reset() { *m = Metadata{} }

func init() {
	gob.Register(Record{})
	gob.Register(Metadata{})
}
