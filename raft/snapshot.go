package raft

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/raft/snapshot"
)

var errSnapshotMismatch = errors.New("raft: requested snapshot is not the latest")

// nodeSnapshots serves and installs snapshots for the core. It is only
// called from the run loop.
type nodeSnapshots struct {
	r *Raft
}

func (s *nodeSnapshots) LatestSnapshot() (raftpd.SnapshotID, bool) {
	latest, ok := s.r.store.Latest()
	if !ok {
		return raftpd.SnapshotID{}, false
	}
	return latest.ID(), true
}

func (s *nodeSnapshots) ReadSnapshotChunk(id raftpd.SnapshotID, chunkIdx uint64) (raftpd.SnapshotChunk, bool, error) {
	latest, ok := s.r.store.Latest()
	if !ok || latest.ID() != id {
		return raftpd.SnapshotChunk{}, false, errSnapshotMismatch
	}
	return latest.ReadChunk(chunkIdx)
}

func (s *nodeSnapshots) InstallSnapshotChunk(req *raftpd.InstallRequest) error {
	r := s.r
	received := r.receiving
	if received != nil && received.ID() != req.SnapshotID {
		log.Infof("%d abort receiving snapshot %v, leader sends %v",
			r.id, received.ID(), req.SnapshotID)
		s.abort()
		received = nil
	}
	if received == nil {
		if req.ChunkIndex != 0 {
			return fmt.Errorf("%w: snapshot %v starts at chunk %d",
				snapshot.ErrChunkOrder, req.SnapshotID, req.ChunkIndex)
		}
		var ok bool
		if received, ok = r.store.NewReceivedSnapshot(req.SnapshotID); !ok {
			return fmt.Errorf("raft: snapshot %v already superseded", req.SnapshotID)
		}
		r.receiving = received
		log.Infof("%d start receiving snapshot %v from %d", r.id, req.SnapshotID, req.Leader)
	}

	if err := received.Apply(req.ChunkIndex, req.Chunk); err != nil {
		s.abort()
		return err
	}
	if !req.IsLast {
		return nil
	}

	r.receiving = nil
	persisted, err := received.Persist()
	if err != nil {
		received.Abort()
		return err
	}
	if err := r.restoreApplication(persisted); err != nil {
		// the state machine is in an unknown state.
		r.fatal = err
		return err
	}
	if req.Configuration.Index <= persisted.Index() && len(req.Configuration.Members) != 0 {
		r.configuration = req.Configuration.Clone()
	}
	r.failCovered(persisted.Index())
	return nil
}

func (s *nodeSnapshots) abort() {
	if s.r.receiving == nil {
		return
	}
	if err := s.r.receiving.Abort(); err != nil {
		log.Warnf("%d abort snapshot %v: %v", s.r.id, s.r.receiving.ID(), err)
	}
	s.r.receiving = nil
}
