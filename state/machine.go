package state

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/raft/validator"
	"github.com/thinkermao/replog/utils/pd"
)

// Command is the payload of a normal entry: a batch prefixed by the
// sequence number checked by validator.Sequence.
type Command struct {
	Ops []Op
}

func (c *Command) Reset() { *c = Command{} }

// EncodeCommand builds the entry payload of batch.
func EncodeCommand(seq uint64, batch *Batch) []byte {
	return validator.PutSequence(seq, pd.MustMarshal(&Command{Ops: batch.Ops}))
}

// DecodeCommand reverses EncodeCommand.
func DecodeCommand(data []byte) (uint64, *Batch, error) {
	seq, err := validator.ReadSequence(data)
	if err != nil {
		return 0, nil, err
	}
	var cmd Command
	if err := pd.Unmarshal(&cmd, data[validator.SequenceLength:]); err != nil {
		return 0, nil, err
	}
	return seq, &Batch{Ops: cmd.Ops}, nil
}

// Machine applies committed commands to a Store. Entries at or below
// the index already recorded in the store are skipped, so replaying
// the log after a restart is harmless.
type Machine struct {
	id    uint64
	store *Store
}

func NewMachine(id uint64, store *Store) *Machine {
	return &Machine{id: id, store: store}
}

func (m *Machine) Apply(entry *raftpd.Entry) error {
	applied, err := m.store.Applied()
	if err != nil {
		return err
	}
	if entry.Index <= applied {
		return nil
	}

	_, batch, err := DecodeCommand(entry.Data)
	if err != nil {
		// a command the leader accepted but nobody can read, skip it.
		log.Warnf("%d skip undecodable entry %d: %v", m.id, entry.Index, err)
		batch = &Batch{}
	}
	return m.store.writeApplied(entry.Index, batch)
}

func (m *Machine) WriteSnapshot(dir string) error {
	return m.store.WriteSnapshot(dir)
}

func (m *Machine) RestoreSnapshot(dir string) error {
	return m.store.RestoreSnapshot(dir)
}

func (m *Machine) OnInconsistency(err error) {
	log.Errorf("%d state machine diverged from the log: %v", m.id, err)
}

// Proposer is the part of a partition a Client needs. ProposeFunc
// calls build in the order entries are appended.
type Proposer interface {
	ProposeFunc(ctx context.Context, build func() []byte) (uint64, error)
	Read(ctx context.Context) error
}

// Client writes through the log and reads linearizably from the local
// store.
type Client struct {
	partition Proposer
	store     *Store

	mutex sync.Mutex
	seq   uint64
}

func NewClient(partition Proposer, store *Store) *Client {
	return &Client{partition: partition, store: store}
}

// nextSequence is strictly increasing and follows the wall clock, so
// a client started on a new leader continues above the old one.
func (c *Client) nextSequence() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := uint64(time.Now().UnixNano())
	if now <= c.seq {
		now = c.seq + 1
	}
	c.seq = now
	return now
}

// Write replicates batch and returns once it was applied locally. The
// sequence is taken when the entry is appended, concurrent writers
// reach the log in sequence order.
func (c *Client) Write(ctx context.Context, batch *Batch) (uint64, error) {
	payload := pd.MustMarshal(&Command{Ops: batch.Ops})
	return c.partition.ProposeFunc(ctx, func() []byte {
		return validator.PutSequence(c.nextSequence(), payload)
	})
}

func (c *Client) Put(ctx context.Context, key, value []byte) (uint64, error) {
	return c.Write(ctx, new(Batch).Put(key, value))
}

func (c *Client) Delete(ctx context.Context, key []byte) (uint64, error) {
	return c.Write(ctx, new(Batch).Delete(key))
}

// Get reads key after every write committed before the call is
// visible locally.
func (c *Client) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := c.partition.Read(ctx); err != nil {
		return nil, err
	}
	return c.store.Get(key)
}

func (c *Client) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	if err := c.partition.Read(ctx); err != nil {
		return err
	}
	return c.store.Scan(prefix, fn)
}

func encodeIndex(index uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return buf[:]
}

func decodeIndex(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
