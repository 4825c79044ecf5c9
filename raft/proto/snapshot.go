package raftpd

import (
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadSnapshotID is returned when a directory name does not encode
// a snapshot id.
var ErrBadSnapshotID = errors.New("raftpd: bad snapshot id")

// SnapshotID identifies a snapshot by the log position it covers plus
// the stream positions of the state machine at that point.
type SnapshotID struct {
	Index             uint64
	Term              uint64
	ProcessedPosition uint64
	ExportedPosition  uint64
}

func (id *SnapshotID) Reset() { *id = SnapshotID{} }

// String renders the id as "{index}-{term}-{processed}-{exported}",
// the name of the snapshot's directory.
func (id SnapshotID) String() string {
	return fmt.Sprintf("%d-%d-%d-%d",
		id.Index, id.Term, id.ProcessedPosition, id.ExportedPosition)
}

// ParseSnapshotID is the inverse of SnapshotID.String.
func ParseSnapshotID(name string) (SnapshotID, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 {
		return SnapshotID{}, fmt.Errorf("%w: %q", ErrBadSnapshotID, name)
	}
	var values [4]uint64
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return SnapshotID{}, fmt.Errorf("%w: %q", ErrBadSnapshotID, name)
		}
		values[i] = v
	}
	return SnapshotID{
		Index:             values[0],
		Term:              values[1],
		ProcessedPosition: values[2],
		ExportedPosition:  values[3],
	}, nil
}

// Compare orders ids by index, then term, then processed and exported
// positions. It returns -1, 0 or 1.
func (id SnapshotID) Compare(o SnapshotID) int {
	pairs := [][2]uint64{
		{id.Index, o.Index},
		{id.Term, o.Term},
		{id.ProcessedPosition, o.ProcessedPosition},
		{id.ExportedPosition, o.ExportedPosition},
	}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		} else if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

// CompactionBound is the highest stream position that every consumer
// of the snapshot has moved past.
func (id SnapshotID) CompactionBound() uint64 {
	if id.ProcessedPosition < id.ExportedPosition {
		return id.ProcessedPosition
	}
	return id.ExportedPosition
}

// SnapshotChunk is one named piece of a snapshot, shipped in order
// during install.
type SnapshotChunk struct {
	Name string
	Data []byte
}

func (c *SnapshotChunk) Reset() { *c = SnapshotChunk{} }

func init() {
	gob.Register(SnapshotID{})
	gob.Register(SnapshotChunk{})
}
