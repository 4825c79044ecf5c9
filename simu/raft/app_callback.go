package raft

import (
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/utils/pd"
)

const snapshotChunkName = "logs"

var errNoSnapshot = errors.New("simu: snapshot not found")

// implements of core.NodeApplication interface.

func (app *application) applyEntry(entry *raftpd.Entry) {
	if entry.Index <= app.logIndex {
		return
	}

	switch entry.Type {
	case raftpd.EntryConfiguration:
		var c raftpd.Configuration
		pd.MustUnmarshal(&c, entry.Data)
		app.configuration = c
	case raftpd.EntryNormal:
		if len(entry.Data) != 8 {
			app.applyErr = fmt.Errorf("%d apply malformed entry %d: %d bytes",
				app.id, entry.Index, len(entry.Data))
			return
		}
		log.Debugf("[test] id: %d apply entry: %d", app.id, entry.Index)

		value := int(binary.LittleEndian.Uint64(entry.Data))
		index := int(entry.Index)
		if err := app.callback.CheckApply(app.id, index, value); err != nil {
			app.applyErr = err
			return
		}
		if lastValue, ok := app.logs[index]; ok {
			app.applyErr = fmt.Errorf("%d apply same index: %d twice : %d, last: %d",
				app.id, index, value, lastValue)
			return
		}
		app.logs[index] = value
	}
	app.logIndex = entry.Index
	app.logTerm = entry.Term
}

func (app *application) LatestSnapshot() (raftpd.SnapshotID, bool) {
	snapshot, ok := app.persist.ReadSnapshot()
	if !ok {
		return raftpd.SnapshotID{}, false
	}
	return snapshot.ID, true
}

// ReadSnapshotChunk serves the whole snapshot as a single chunk.
func (app *application) ReadSnapshotChunk(id raftpd.SnapshotID, chunkIdx uint64) (raftpd.SnapshotChunk, bool, error) {
	snapshot, ok := app.persist.ReadSnapshot()
	if !ok || snapshot.ID != id || chunkIdx != 0 {
		return raftpd.SnapshotChunk{}, false, errNoSnapshot
	}
	return raftpd.SnapshotChunk{Name: snapshotChunkName, Data: snapshot.Data}, true, nil
}

func (app *application) InstallSnapshotChunk(req *raftpd.InstallRequest) error {
	if req.ChunkIndex != 0 || !req.IsLast || req.Chunk.Name != snapshotChunkName {
		return fmt.Errorf("simu: unexpected chunk %d (%s) of snapshot %v",
			req.ChunkIndex, req.Chunk.Name, req.SnapshotID)
	}

	configuration := app.configuration
	if len(req.Configuration.Members) != 0 && req.Configuration.Index <= req.SnapshotID.Index {
		configuration = req.Configuration.Clone()
	}
	snapshot := &Snapshot{
		ID:            req.SnapshotID,
		Configuration: configuration,
		Data:          req.Chunk.Data,
	}
	app.persist.SaveSnapshot(snapshot)
	app.restoreFromSnapshot(snapshot)
	log.Debugf("[test] id: %d install snapshot %v from %d", app.id, req.SnapshotID, req.Leader)
	return nil
}
