package snapshot

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
)

// State of a transient snapshot.
type State int

const (
	StateNotStarted State = iota
	StateTaken
	StatePersisted
	StateAborted
)

var stateString = []string{
	"NotStarted",
	"Taken",
	"Persisted",
	"Aborted",
}

func (s State) String() string {
	return stateString[s]
}

// Writer fills dir with the content of a snapshot.
type Writer func(dir string) error

// Transient is a snapshot being written into its pending directory.
// It is owned by whoever created it until persisted or aborted.
type Transient struct {
	store *Store
	id    raftpd.SnapshotID
	dir   string
	state State
}

func (t *Transient) ID() raftpd.SnapshotID {
	return t.id
}

// Path is the pending directory.
func (t *Transient) Path() string {
	return t.dir
}

func (t *Transient) State() State {
	return t.state
}

// Take runs writer on the pending directory. When writer fails, or
// panics, the directory is removed and Take may be called again.
func (t *Transient) Take(writer Writer) (err error) {
	switch t.state {
	case StateTaken, StatePersisted:
		return ErrAlreadyTaken
	case StateAborted:
		return ErrAborted
	}

	if err := os.MkdirAll(t.dir, 0750); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("snapshot: writer of %v panicked: %v", t.id, r)
		}
		if err != nil {
			log.Warnf("%d take snapshot %v: %v", t.store.id, t.id, err)
			if rerr := os.RemoveAll(t.dir); rerr != nil {
				log.Errorf("%d remove pending snapshot %v: %v", t.store.id, t.id, rerr)
			}
		}
	}()

	if err := writer(t.dir); err != nil {
		return fmt.Errorf("snapshot: take %v: %w", t.id, err)
	}
	t.state = StateTaken
	return nil
}

// Persist promotes the taken snapshot. Listeners are notified before
// it returns. When a snapshot equal to or newer than this one was
// persisted meanwhile, that one is returned and nothing changes.
func (t *Transient) Persist() (*Persisted, error) {
	switch t.state {
	case StateNotStarted:
		return nil, ErrNotTaken
	case StateAborted:
		return nil, ErrAborted
	case StatePersisted:
		latest, _ := t.store.Latest()
		return latest, nil
	}

	persisted, err := t.store.commit(t)
	if err != nil {
		return nil, err
	}
	t.state = StatePersisted
	return persisted, nil
}

// Abort drops the pending directory. It is a no-op on a persisted
// snapshot and safe to call more than once.
func (t *Transient) Abort() error {
	if t.state == StatePersisted {
		return nil
	}
	t.state = StateAborted
	return os.RemoveAll(t.dir)
}

// Received is a snapshot streamed chunk by chunk, written into its
// pending directory in order.
type Received struct {
	transient *Transient
	next      uint64
}

func (r *Received) ID() raftpd.SnapshotID {
	return r.transient.id
}

// Next is the index of the chunk expected next.
func (r *Received) Next() uint64 {
	return r.next
}

// Apply stores the chunk at idx. Chunks already stored are ignored.
func (r *Received) Apply(idx uint64, chunk raftpd.SnapshotChunk) error {
	if r.transient.state != StateNotStarted {
		return ErrAlreadyTaken
	}
	if idx < r.next {
		return nil
	}
	if idx > r.next {
		return fmt.Errorf("%w: got %d, want %d", ErrChunkOrder, idx, r.next)
	}

	if err := os.MkdirAll(r.transient.dir, 0750); err != nil {
		return err
	}
	if chunk.Name != "" {
		path, err := chunkPath(r.transient.dir, chunk.Name)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, chunk.Data, 0640); err != nil {
			return err
		}
	}
	r.next++
	return nil
}

// Persist promotes the received snapshot once every chunk was applied.
func (r *Received) Persist() (*Persisted, error) {
	if r.transient.state == StateNotStarted {
		if r.next == 0 {
			return nil, ErrNotTaken
		}
		r.transient.state = StateTaken
	}
	return r.transient.Persist()
}

func (r *Received) Abort() error {
	return r.transient.Abort()
}
