// Package snapshot manages the snapshots of a partition on disk.
//
// A snapshot is first written as a transient snapshot under
// <root>/pending/<id>, then persisted by renaming it into
// <root>/snapshots/<id>. At most one persisted snapshot is kept, a newer
// one replaces it. Pending directories never survive a restart.
package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
)

const (
	pendingDirName   = "pending"
	committedDirName = "snapshots"
)

var (
	ErrNotTaken      = errors.New("snapshot: transient snapshot was not taken")
	ErrAlreadyTaken  = errors.New("snapshot: transient snapshot already taken")
	ErrAborted       = errors.New("snapshot: transient snapshot aborted")
	ErrChunkOrder    = errors.New("snapshot: chunk out of order")
	ErrChunkNotFound = errors.New("snapshot: chunk not found")
	ErrBadChunkName  = errors.New("snapshot: bad chunk name")
)

// Listener is notified of every snapshot persisted while subscribed.
type Listener interface {
	OnNewSnapshot(snapshot *Persisted)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(snapshot *Persisted)

func (f ListenerFunc) OnNewSnapshot(snapshot *Persisted) { f(snapshot) }

// Subscription is the handle of a registered listener.
type Subscription struct {
	store    *Store
	id       uint64
	listener Listener
}

// Unsubscribe removes the listener, later snapshots are not notified.
// It may be called more than once.
func (s *Subscription) Unsubscribe() {
	s.store.removeListener(s.id)
}

// Store owns the snapshot directories of one partition.
type Store struct {
	mutex sync.Mutex

	id           uint64
	pendingDir   string
	committedDir string

	latest *Persisted

	listeners      []*Subscription
	nextListenerID uint64
}

// OpenStore prepares root, purges every pending snapshot and loads the
// newest persisted one. Older persisted snapshots left by a crash
// between a rename and the following delete are removed.
func OpenStore(id uint64, root string) (*Store, error) {
	s := &Store{
		id:           id,
		pendingDir:   filepath.Join(root, pendingDirName),
		committedDir: filepath.Join(root, committedDirName),
	}
	for _, dir := range []string{s.pendingDir, s.committedDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, err
		}
	}

	pending, err := readDir(s.pendingDir)
	if err != nil {
		return nil, err
	}
	for _, name := range pending {
		log.Infof("%d purge pending snapshot %s", id, name)
		if err := os.RemoveAll(filepath.Join(s.pendingDir, name)); err != nil {
			return nil, err
		}
	}

	committed, err := readDir(s.committedDir)
	if err != nil {
		return nil, err
	}
	for _, name := range committed {
		snapshotID, err := raftpd.ParseSnapshotID(name)
		if err != nil {
			log.Warnf("%d remove unknown entry %s of snapshot directory", id, name)
			if err := os.RemoveAll(filepath.Join(s.committedDir, name)); err != nil {
				return nil, err
			}
			continue
		}
		if s.latest != nil && s.latest.id.Compare(snapshotID) >= 0 {
			log.Infof("%d remove superseded snapshot %s", id, name)
			if err := os.RemoveAll(filepath.Join(s.committedDir, name)); err != nil {
				return nil, err
			}
			continue
		}
		if s.latest != nil {
			log.Infof("%d remove superseded snapshot %v", id, s.latest.id)
			if err := s.latest.delete(); err != nil {
				return nil, err
			}
		}
		s.latest = &Persisted{id: snapshotID, dir: filepath.Join(s.committedDir, name)}
	}
	if s.latest != nil {
		log.Infof("%d load snapshot %v", id, s.latest.id)
	}
	return s, nil
}

// Latest returns the persisted snapshot, if any.
func (s *Store) Latest() (*Persisted, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.latest, s.latest != nil
}

// NewTransientSnapshot starts a snapshot at id. It returns false when
// a persisted snapshot equal to or newer than id exists.
func (s *Store) NewTransientSnapshot(id raftpd.SnapshotID) (*Transient, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.latest != nil && s.latest.id.Compare(id) >= 0 {
		log.Debugf("%d skip snapshot %v, already persisted %v", s.id, id, s.latest.id)
		return nil, false
	}
	return &Transient{
		store: s,
		id:    id,
		dir:   filepath.Join(s.pendingDir, id.String()),
	}, true
}

// NewReceivedSnapshot starts a snapshot streamed by the leader.
func (s *Store) NewReceivedSnapshot(id raftpd.SnapshotID) (*Received, bool) {
	transient, ok := s.NewTransientSnapshot(id)
	if !ok {
		return nil, false
	}
	return &Received{transient: transient}, true
}

// AddListener registers l, it is notified in registration order.
func (s *Store) AddListener(l Listener) *Subscription {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nextListenerID++
	sub := &Subscription{store: s, id: s.nextListenerID, listener: l}
	s.listeners = append(s.listeners, sub)
	return sub
}

func (s *Store) removeListener(id uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, sub := range s.listeners {
		if sub.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// PendingIDs lists the pending snapshots on disk.
func (s *Store) PendingIDs() ([]raftpd.SnapshotID, error) {
	names, err := readDir(s.pendingDir)
	if err != nil {
		return nil, err
	}
	ids := make([]raftpd.SnapshotID, 0, len(names))
	for _, name := range names {
		if id, err := raftpd.ParseSnapshotID(name); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// commit promotes the taken transient snapshot t. It returns the
// persisted snapshot, or the current one when t is not newer.
func (s *Store) commit(t *Transient) (*Persisted, error) {
	s.mutex.Lock()
	if s.latest != nil && s.latest.id.Compare(t.id) >= 0 {
		latest := s.latest
		s.mutex.Unlock()
		log.Infof("%d snapshot %v superseded by %v", s.id, t.id, latest.id)
		return latest, os.RemoveAll(t.dir)
	}

	if err := syncTree(t.dir); err != nil {
		s.mutex.Unlock()
		return nil, err
	}
	target := filepath.Join(s.committedDir, t.id.String())
	if err := os.Rename(t.dir, target); err != nil {
		s.mutex.Unlock()
		return nil, err
	}
	if err := syncDir(s.committedDir); err != nil {
		s.mutex.Unlock()
		return nil, err
	}

	previous := s.latest
	persisted := &Persisted{id: t.id, dir: target}
	s.latest = persisted
	if previous != nil {
		if err := previous.delete(); err != nil {
			log.Warnf("%d remove superseded snapshot %v: %v", s.id, previous.id, err)
		}
	}
	s.purgePending(t.id.Index)

	listeners := make([]*Subscription, len(s.listeners))
	copy(listeners, s.listeners)
	s.mutex.Unlock()

	log.Infof("%d persisted snapshot %v", s.id, t.id)
	for _, sub := range listeners {
		sub.listener.OnNewSnapshot(persisted)
	}
	return persisted, nil
}

// purgePending removes pending snapshots at or below index, newer ones
// are still being taken.
func (s *Store) purgePending(index uint64) {
	names, err := readDir(s.pendingDir)
	if err != nil {
		log.Warnf("%d list pending snapshots: %v", s.id, err)
		return
	}
	for _, name := range names {
		id, err := raftpd.ParseSnapshotID(name)
		if err == nil && id.Index > index {
			continue
		}
		log.Debugf("%d purge pending snapshot %s", s.id, name)
		if err := os.RemoveAll(filepath.Join(s.pendingDir, name)); err != nil {
			log.Warnf("%d purge pending snapshot %s: %v", s.id, name, err)
		}
	}
}
