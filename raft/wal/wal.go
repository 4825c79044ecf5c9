// Package wal is a segmented write-ahead log of hard states and log
// entries. Every segment starts with the current metadata and hard
// state, so segments fully covered by a snapshot can be dropped.
package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
	walpd "github.com/thinkermao/replog/raft/wal/proto"
	"github.com/thinkermao/replog/utils"
	"github.com/thinkermao/replog/utils/pd"
)

const (
	RecordMetadata int32 = iota
	RecordEntry
	RecordState
)

// SegmentSizeBytes is the size after which a new segment is started.
var SegmentSizeBytes int64 = 64 * 1000 * 1000 // 64MB

var (
	ErrFileNotFound = errors.New("wal: file not found")
	ErrExists       = errors.New("wal: directory already holds a wal")
	ErrCRCMismatch  = errors.New("wal: crc mismatch")
	ErrEntryGap     = errors.New("wal: entries are not contiguous")
	ErrUnknownType  = errors.New("wal: unknown record type")
)

// Options tunes durability.
type Options struct {
	// NoSync skips fsync after Save, written records may be lost by a
	// crash of the machine but not of the process.
	NoSync bool
	// SegmentSize overrides SegmentSizeBytes when positive.
	SegmentSize int64
}

type Wal struct {
	dir  string
	opts Options

	meta      walpd.Metadata
	state     raftpd.HardState
	lastIndex uint64

	names []string
	files []*os.File // read mode only
	tail  *os.File

	enc *encoder
	dec *decoder
}

// Exist reports whether dir holds wal segments.
func Exist(dir string) bool {
	names, err := readAllWalNames(dir)
	return err == nil && len(names) != 0
}

// Create starts an empty wal in dir at meta, ready to append.
func Create(dir string, meta walpd.Metadata, opts Options) (*Wal, error) {
	if Exist(dir) {
		return nil, ErrExists
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}

	w := &Wal{
		dir:       dir,
		opts:      opts,
		meta:      meta,
		lastIndex: meta.Index,
	}
	if err := w.createSegment(0, meta.Index+1); err != nil {
		return nil, err
	}
	return w, nil
}

// Open opens the wal of dir for reading, ReadAll must be called before
// anything is appended.
func Open(dir string, opts Options) (*Wal, error) {
	names, err := readAllWalNames(dir)
	if err != nil {
		return nil, err
	}
	if !isValidSequences(names) {
		return nil, fmt.Errorf("%w: segment sequence broken in %s", ErrFileNotFound, dir)
	}

	files := make([]*os.File, 0, len(names))
	for _, name := range names {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR, 0600)
		if err != nil {
			closeAll(files...)
			return nil, err
		}
		files = append(files, f)
	}

	return &Wal{
		dir:   dir,
		opts:  opts,
		names: names,
		files: files,
		dec:   makeDecoder(files),
	}, nil
}

// ReadAll replays every segment. It returns the latest metadata, the
// latest hard state and the entries after the metadata index, later
// records overwriting earlier ones at the same index. A frame cut by a
// crash at the end of the last segment is discarded.
func (w *Wal) ReadAll() (walpd.Metadata, raftpd.HardState, []raftpd.Entry, error) {
	utils.Assert(w.dec != nil, "wal must be in read mode")

	var entries []raftpd.Entry
	record := walpd.Record{}
	for {
		err := w.dec.decode(&record)
		if err == io.EOF {
			break
		}
		if err != nil {
			if w.dec.remaining() == 1 && (err == io.ErrUnexpectedEOF || err == ErrCRCMismatch) {
				log.Warnf("wal: discard torn tail of %s at offset %d: %v",
					w.names[len(w.names)-1], w.dec.lastValidOff, err)
				break
			}
			return w.meta, w.state, nil, err
		}

		switch record.Type {
		case RecordMetadata:
			var meta walpd.Metadata
			pd.MustUnmarshal(&meta, record.Data)
			switch {
			case meta.Restore:
				w.meta = meta
				w.meta.Restore = false
				entries = entries[:0]
			case meta.Index > w.meta.Index:
				w.meta = meta
				entries = dropCovered(entries, meta.Index)
			}
		case RecordState:
			pd.MustUnmarshal(&w.state, record.Data)
		case RecordEntry:
			var entry raftpd.Entry
			pd.MustUnmarshal(&entry, record.Data)
			if entries, err = appendEntry(entries, entry, w.meta.Index); err != nil {
				return w.meta, w.state, nil, err
			}
		default:
			return w.meta, w.state, nil, fmt.Errorf("%w: %d", ErrUnknownType, record.Type)
		}
	}

	if len(entries) != 0 && entries[0].Index != w.meta.Index+1 {
		return w.meta, w.state, nil, fmt.Errorf("%w: first entry %d after snapshot %d",
			ErrEntryGap, entries[0].Index, w.meta.Index)
	}
	w.lastIndex = w.meta.Index
	if len(entries) != 0 {
		w.lastIndex = entries[len(entries)-1].Index
	}

	if err := w.toAppendMode(); err != nil {
		return w.meta, w.state, nil, err
	}
	return w.meta, w.state, entries, nil
}

func (w *Wal) toAppendMode() error {
	offset := w.dec.lastValidOff
	last := len(w.files) - 1
	closeAll(w.files[:last]...)
	w.tail = w.files[last]
	w.files = nil
	w.dec = nil

	if err := w.tail.Truncate(offset); err != nil {
		return err
	}
	if _, err := w.tail.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	w.enc = makeEncoder(w.tail, offset)
	return nil
}

func dropCovered(entries []raftpd.Entry, index uint64) []raftpd.Entry {
	for len(entries) != 0 && entries[0].Index <= index {
		entries = entries[1:]
	}
	return entries
}

func appendEntry(entries []raftpd.Entry, entry raftpd.Entry, snapshotIndex uint64) ([]raftpd.Entry, error) {
	if entry.Index <= snapshotIndex {
		return entries, nil
	}
	if len(entries) == 0 {
		return append(entries, entry), nil
	}
	first, last := entries[0].Index, entries[len(entries)-1].Index
	switch {
	case entry.Index > last+1:
		return nil, fmt.Errorf("%w: entry %d after %d", ErrEntryGap, entry.Index, last)
	case entry.Index < first:
		return append(entries[:0], entry), nil
	default:
		return append(entries[:entry.Index-first], entry), nil
	}
}

// Save appends state, when not nil, then entries, and flushes them.
func (w *Wal) Save(state *raftpd.HardState, entries []raftpd.Entry) error {
	utils.Assert(w.enc != nil, "wal must be in append mode")

	if state != nil {
		if err := w.saveState(state); err != nil {
			return err
		}
	}
	for i := 0; i < len(entries); i++ {
		if err := w.saveEntry(&entries[i]); err != nil {
			return err
		}
	}
	if err := w.enc.flush(!w.opts.NoSync); err != nil {
		return err
	}

	if w.enc.offset >= w.segmentSize() {
		return w.rotate()
	}
	return nil
}

// Compact records that a snapshot covers the log up to meta.Index and
// removes segments holding only covered entries. With meta.Restore the
// entries saved so far are discarded on replay whatever their index.
func (w *Wal) Compact(meta walpd.Metadata) error {
	utils.Assert(w.enc != nil, "wal must be in append mode")
	if meta.Index <= w.meta.Index && !meta.Restore {
		return nil
	}

	if err := w.saveMetadata(&meta); err != nil {
		return err
	}
	if err := w.enc.flush(true); err != nil {
		return err
	}
	if w.lastIndex < meta.Index || meta.Restore {
		w.lastIndex = meta.Index
	}
	w.meta = meta
	w.meta.Restore = false

	covered := 0
	for i := 0; i+1 < len(w.names); i++ {
		_, next, err := parseWalName(w.names[i+1])
		if err != nil {
			log.Panicf("parse correct name should never fail: %v", err)
		}
		if next > meta.Index+1 {
			break
		}
		covered = i + 1
	}
	if covered == 0 {
		return nil
	}

	log.Infof("wal: remove %d segments covered by snapshot at %d", covered, meta.Index)
	if err := removeAll(w.dir, w.names[:covered]); err != nil {
		return err
	}
	w.names = w.names[covered:]
	return syncDir(w.dir)
}

// Metadata returns the latest snapshot position recorded.
func (w *Wal) Metadata() walpd.Metadata {
	return w.meta
}

// LastIndex returns the index of the last entry saved.
func (w *Wal) LastIndex() uint64 {
	return w.lastIndex
}

// Close flushes and releases the open segments.
func (w *Wal) Close() error {
	closeAll(w.files...)
	w.files = nil
	if w.tail == nil {
		return nil
	}
	var err error
	if w.enc != nil {
		err = w.enc.flush(!w.opts.NoSync)
	}
	if cerr := w.tail.Close(); err == nil {
		err = cerr
	}
	w.tail = nil
	w.enc = nil
	return err
}

func (w *Wal) segmentSize() int64 {
	if w.opts.SegmentSize > 0 {
		return w.opts.SegmentSize
	}
	return SegmentSizeBytes
}

func (w *Wal) rotate() error {
	seq, _, err := parseWalName(w.names[len(w.names)-1])
	if err != nil {
		log.Panicf("parse correct name should never fail: %v", err)
	}
	prev := w.tail
	if err := w.createSegment(seq+1, w.lastIndex+1); err != nil {
		return err
	}
	log.Debugf("wal: rotate to segment %s", w.names[len(w.names)-1])
	return prev.Close()
}

// createSegment starts segment seq whose first entry is index, headed
// by the current metadata and hard state.
func (w *Wal) createSegment(seq, index uint64) error {
	name := walName(seq, index)
	file, err := os.OpenFile(filepath.Join(w.dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}

	w.enc = makeEncoder(file, 0)
	w.tail = file
	w.names = append(w.names, name)
	if err := w.saveMetadata(&w.meta); err != nil {
		return err
	}
	if err := w.saveState(&w.state); err != nil {
		return err
	}
	if err := w.enc.flush(true); err != nil {
		return err
	}
	return syncDir(w.dir)
}

func (w *Wal) saveMetadata(meta *walpd.Metadata) error {
	record := walpd.Record{Type: RecordMetadata, Data: pd.MustMarshal(meta)}
	return w.enc.encode(&record)
}

func (w *Wal) saveState(state *raftpd.HardState) error {
	record := walpd.Record{Type: RecordState, Data: pd.MustMarshal(state)}
	if err := w.enc.encode(&record); err != nil {
		return err
	}
	w.state = *state
	return nil
}

func (w *Wal) saveEntry(entry *raftpd.Entry) error {
	record := walpd.Record{Type: RecordEntry, Data: pd.MustMarshal(entry)}
	if err := w.enc.encode(&record); err != nil {
		return err
	}
	w.lastIndex = entry.Index
	return nil
}
