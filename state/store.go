// Package state is the keyed store replicated through a partition log,
// kept in a bbolt database next to the log.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// SnapshotFile is the name of the database copy inside a snapshot
// directory.
const SnapshotFile = "state.db"

var (
	ErrNotFound = errors.New("state: key not found")
	ErrClosed   = errors.New("state: store closed")
	ErrEmptyKey = errors.New("state: empty key")
)

var (
	dataBucket = []byte("data")
	metaBucket = []byte("meta")
	appliedKey = []byte("applied")
)

// OpType is the kind of a batch operation.
type OpType int

const (
	OpPut OpType = iota
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "Put"
	case OpDelete:
		return "Delete"
	default:
		return fmt.Sprintf("OpType(%d)", int(t))
	}
}

// Op is one mutation of a batch.
type Op struct {
	Type  OpType
	Key   []byte
	Value []byte
}

// Batch groups mutations applied atomically by Write.
type Batch struct {
	Ops []Op
}

func (b *Batch) Put(key, value []byte) *Batch {
	b.Ops = append(b.Ops, Op{Type: OpPut, Key: key, Value: value})
	return b
}

func (b *Batch) Delete(key []byte) *Batch {
	b.Ops = append(b.Ops, Op{Type: OpDelete, Key: key})
	return b
}

func (b *Batch) Len() int {
	return len(b.Ops)
}

// Store is a bbolt backed keyed store. Values returned are copies.
type Store struct {
	mutex sync.RWMutex
	path  string
	db    *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, db: db}, nil
}

func openDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{dataBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(fn)
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(dataBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (s *Store) Put(key, value []byte) error {
	return s.Write(new(Batch).Put(key, value))
}

func (s *Store) Delete(key []byte) error {
	return s.Write(new(Batch).Delete(key))
}

// Scan calls fn for every key starting with prefix, in key order,
// until fn returns false.
func (s *Store) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	return s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(dataBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !fn(append([]byte(nil), k...), append([]byte(nil), v...)) {
				return nil
			}
		}
		return nil
	})
}

// Write applies batch atomically.
func (s *Store) Write(batch *Batch) error {
	return s.update(func(tx *bolt.Tx) error {
		return writeOps(tx, batch.Ops)
	})
}

// writeApplied applies batch and records index as applied in the same
// transaction.
func (s *Store) writeApplied(index uint64, batch *Batch) error {
	return s.update(func(tx *bolt.Tx) error {
		if err := writeOps(tx, batch.Ops); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(appliedKey, encodeIndex(index))
	})
}

func writeOps(tx *bolt.Tx, ops []Op) error {
	bucket := tx.Bucket(dataBucket)
	for _, op := range ops {
		if len(op.Key) == 0 {
			return ErrEmptyKey
		}
		var err error
		switch op.Type {
		case OpPut:
			err = bucket.Put(op.Key, op.Value)
		case OpDelete:
			err = bucket.Delete(op.Key)
		default:
			err = fmt.Errorf("state: unknown op %v", op.Type)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Applied returns the index of the last log entry written.
func (s *Store) Applied() (uint64, error) {
	var index uint64
	err := s.view(func(tx *bolt.Tx) error {
		index = decodeIndex(tx.Bucket(metaBucket).Get(appliedKey))
		return nil
	})
	return index, err
}

// WriteSnapshot copies a consistent view of the database into dir.
func (s *Store) WriteSnapshot(dir string) error {
	return s.view(func(tx *bolt.Tx) error {
		return tx.CopyFile(filepath.Join(dir, SnapshotFile), 0600)
	})
}

// RestoreSnapshot replaces the database with the copy stored in dir.
func (s *Store) RestoreSnapshot(dir string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tmp := s.path + ".restore"
	if err := copyFile(filepath.Join(dir, SnapshotFile), tmp); err != nil {
		return err
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	log.Infof("state: restore %s from %s", s.path, dir)
	return nil
}

func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
