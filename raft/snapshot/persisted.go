package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/utils"
)

// Persisted is the committed snapshot of a partition.
type Persisted struct {
	id  raftpd.SnapshotID
	dir string
}

func (p *Persisted) ID() raftpd.SnapshotID {
	return p.id
}

func (p *Persisted) Index() uint64 {
	return p.id.Index
}

func (p *Persisted) Term() uint64 {
	return p.id.Term
}

// Path is the committed directory.
func (p *Persisted) Path() string {
	return p.dir
}

// CompactionBound is the position below which both the processor and
// the exporter no longer need the log.
func (p *Persisted) CompactionBound() uint64 {
	return utils.MinUint64(p.id.ProcessedPosition, p.id.ExportedPosition)
}

// Files lists the files of the snapshot, sorted by name.
func (p *Persisted) Files() ([]string, error) {
	return readDir(p.dir)
}

// ReadChunk returns the chunk at idx and whether it is the last one.
// A snapshot without files has a single empty chunk.
func (p *Persisted) ReadChunk(idx uint64) (raftpd.SnapshotChunk, bool, error) {
	reader, err := p.NewChunkReader()
	if err != nil {
		return raftpd.SnapshotChunk{}, false, err
	}
	if reader.Len() == 0 {
		if idx != 0 {
			return raftpd.SnapshotChunk{}, false, ErrChunkNotFound
		}
		return raftpd.SnapshotChunk{}, true, nil
	}
	if err := reader.Seek(idx); err != nil {
		return raftpd.SnapshotChunk{}, false, err
	}
	chunk, err := reader.Next()
	if err != nil {
		return raftpd.SnapshotChunk{}, false, err
	}
	return chunk, !reader.HasNext(), nil
}

// NewChunkReader iterates the files of the snapshot, one chunk each.
func (p *Persisted) NewChunkReader() (*ChunkReader, error) {
	names, err := p.Files()
	if err != nil {
		return nil, err
	}
	return &ChunkReader{dir: p.dir, names: names}, nil
}

func (p *Persisted) delete() error {
	return os.RemoveAll(p.dir)
}

// ChunkReader reads a snapshot one file at a time, in name order.
type ChunkReader struct {
	dir   string
	names []string
	next  int
}

// Len is the number of chunks.
func (r *ChunkReader) Len() int {
	return len(r.names)
}

func (r *ChunkReader) HasNext() bool {
	return r.next < len(r.names)
}

// Seek positions the reader before chunk idx.
func (r *ChunkReader) Seek(idx uint64) error {
	if idx >= uint64(len(r.names)) {
		return fmt.Errorf("%w: %d of %d", ErrChunkNotFound, idx, len(r.names))
	}
	r.next = int(idx)
	return nil
}

// Next returns the next chunk, io.EOF after the last one.
func (r *ChunkReader) Next() (raftpd.SnapshotChunk, error) {
	if !r.HasNext() {
		return raftpd.SnapshotChunk{}, io.EOF
	}
	name := r.names[r.next]
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if err != nil {
		return raftpd.SnapshotChunk{}, err
	}
	r.next++
	return raftpd.SnapshotChunk{Name: name, Data: data}, nil
}

// chunkPath resolves the file of a received chunk, names must stay
// inside dir.
func chunkPath(dir, name string) (string, error) {
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) {
		return "", fmt.Errorf("%w: %q", ErrBadChunkName, name)
	}
	return filepath.Join(dir, name), nil
}
