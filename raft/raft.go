// Package raft runs one partition: the protocol core, its write-ahead
// log, its snapshots and its transport, driven by a single goroutine.
package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/core"
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/metrics"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/raft/snapshot"
	"github.com/thinkermao/replog/raft/transport"
	"github.com/thinkermao/replog/raft/validator"
	"github.com/thinkermao/replog/raft/wal"
	walpd "github.com/thinkermao/replog/raft/wal/proto"
	"github.com/thinkermao/replog/utils"
	"github.com/thinkermao/replog/utils/pd"
)

var (
	ErrStopped         = errors.New("raft: partition stopped")
	ErrProposalDropped = errors.New("raft: proposal dropped")
	ErrLeadershipLost  = errors.New("raft: leadership lost before commit")
	// ErrOutcomeUnknown is returned when a snapshot covering the
	// request was installed, the request may or may not be part of it.
	ErrOutcomeUnknown = errors.New("raft: outcome unknown, covered by snapshot")
)

// Defaults of Config.
const (
	DefaultTickInterval  = 10 * time.Millisecond
	DefaultHeartbeatTick = 100
	DefaultElectionTick  = 1000

	walDirName          = "wal"
	snapshotDirName     = "snapshots"
	configurationFile   = "raft.configuration"
	applicationFile     = "raft.application"
	actionQueueSize     = 1024
	defaultFailureLimit = 3
)

// Application is the replicated state machine.
type Application interface {
	// Apply is called once for each committed normal entry, in log
	// order. An error halts the partition.
	Apply(entry *raftpd.Entry) error
	// WriteSnapshot stores the state as of the last applied entry
	// into dir.
	WriteSnapshot(dir string) error
	// RestoreSnapshot replaces the state with the one stored in dir.
	RestoreSnapshot(dir string) error
}

// InconsistencyHandler is implemented by applications which want to
// know why the partition halted.
type InconsistencyHandler interface {
	OnInconsistency(err error)
}

// Config describes a partition member.
type Config struct {
	ID uint64
	// Members is the membership a new partition starts with. A member
	// joining a running partition lists the current members only.
	Members []uint64
	// Peers maps member ids to transport addresses.
	Peers map[uint64]string

	DataDir string

	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int

	MaxSizePerMsg uint64
	MaxInflight   int

	// SnapshotInterval takes a snapshot every that many applied
	// entries, zero disables periodic snapshots.
	SnapshotInterval uint64
	// NoSync skips fsync of the wal.
	NoSync      bool
	SegmentSize int64

	Validator           validator.Validator
	DetectInconsistency bool
	FailureLimit        int

	Metrics metrics.Sink
	Rand    *rand.Rand
}

func (c *Config) fill() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.HeartbeatTick <= 0 {
		c.HeartbeatTick = DefaultHeartbeatTick
	}
	if c.ElectionTick <= 0 {
		c.ElectionTick = DefaultElectionTick
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = defaultFailureLimit
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop{}
	}
}

type result struct {
	index uint64
	err   error
}

type waiter struct {
	// term zero accepts any entry at the index.
	term   uint64
	config bool
	// local waiters were registered while leading.
	local bool
	ch    chan result
}

// Raft is a partition member. Every method is safe for concurrent use.
type Raft struct {
	id  uint64
	cfg Config

	raft      core.Raft
	storage   stableStorage
	store     *snapshot.Store
	app       Application
	transport transport.Transporter
	metrics   metrics.Sink

	timer     *utils.Timer
	closeOnce sync.Once
	tickc     chan time.Time
	actions   chan func()
	stopc     chan struct{}
	done      chan struct{}
	lastTick  time.Time

	// owned by the run loop.
	leader      bool
	applied     uint64
	appliedTerm uint64
	// lastApplication is the last normal entry applied, the validator
	// continues from it after a restart.
	lastApplication *raftpd.Entry
	configuration   raftpd.Configuration
	active          raftpd.Configuration
	receiving       *snapshot.Received
	compactTo       *snapshot.Persisted
	subscription    *snapshot.Subscription
	halted          error
	fatal           error

	waiters map[uint64][]waiter
	reads   map[string]chan result
	remotes map[string]chan result
}

// MakeRaft opens or recovers the partition stored under cfg.DataDir
// and starts it.
func MakeRaft(cfg Config, app Application, trans transport.Transporter) (*Raft, error) {
	cfg.fill()
	r := &Raft{
		id:        cfg.ID,
		cfg:       cfg,
		app:       app,
		transport: trans,
		metrics:   cfg.Metrics,
		tickc:     make(chan time.Time, 1),
		actions:   make(chan func(), actionQueueSize),
		stopc:     make(chan struct{}),
		done:      make(chan struct{}),
		waiters:   make(map[uint64][]waiter),
		reads:     make(map[string]chan result),
		remotes:   make(map[string]chan result),
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, err
	}
	store, err := snapshot.OpenStore(cfg.ID, filepath.Join(cfg.DataDir, snapshotDirName))
	if err != nil {
		return nil, err
	}
	r.store = store

	r.configuration = raftpd.MakeConfiguration(conf.InvalidIndex, cfg.Members...)
	base := walpd.Metadata{}
	if latest, ok := store.Latest(); ok {
		if err := r.restoreApplication(latest); err != nil {
			return nil, err
		}
		base = walpd.Metadata{Index: latest.Index(), Term: latest.Term()}
	}

	storage, rec, err := openLogStorage(cfg.ID, filepath.Join(cfg.DataDir, walDirName),
		base, wal.Options{NoSync: cfg.NoSync, SegmentSize: cfg.SegmentSize})
	if err != nil {
		return nil, err
	}
	r.storage = storage

	config := conf.Config{
		ID:                  cfg.ID,
		Vote:                rec.state.Vote,
		Term:                rec.state.Term,
		ElectionTick:        cfg.ElectionTick,
		HeartbeatTick:       cfg.HeartbeatTick,
		MaxSizePerMsg:       cfg.MaxSizePerMsg,
		MaxInflight:         cfg.MaxInflight,
		Configuration:       r.configuration,
		Entries:             rec.entries,
		Commit:              rec.commit,
		LastApplication:     r.lastApplication,
		Validator:           cfg.Validator,
		DetectInconsistency: cfg.DetectInconsistency,
		FailureLimit:        cfg.FailureLimit,
		Rand:                cfg.Rand,
	}
	r.raft, err = core.MakeRaft(&config, &nodeSnapshots{r})
	if err != nil {
		storage.close()
		return nil, err
	}

	r.active = r.raft.Configuration()
	r.subscription = store.AddListener(snapshot.ListenerFunc(func(p *snapshot.Persisted) {
		r.compactTo = p
	}))

	for id, address := range cfg.Peers {
		if id != cfg.ID {
			trans.AddPeer(id, address)
		}
	}
	if err := trans.Start(r); err != nil {
		storage.close()
		return nil, err
	}

	r.metrics.SetRole(r.raft.ReadSoftState().State.String())
	r.lastTick = time.Now()
	go r.run()
	r.timer = utils.StartTimer(cfg.TickInterval, func(now time.Time) {
		select {
		case r.tickc <- now:
		default:
		}
	})
	return r, nil
}

// restoreApplication resets the state machine to a persisted snapshot.
func (r *Raft) restoreApplication(p *snapshot.Persisted) error {
	if err := r.app.RestoreSnapshot(p.Path()); err != nil {
		return fmt.Errorf("raft: restore snapshot %v: %w", p.ID(), err)
	}
	if c, ok, err := readConfiguration(p.Path()); err != nil {
		return err
	} else if ok {
		r.configuration = c
	}
	var last raftpd.Entry
	if ok, err := readSnapshotFile(p.Path(), applicationFile, &last); err != nil {
		return err
	} else if ok {
		r.lastApplication = &last
	} else {
		r.lastApplication = nil
	}
	r.applied = p.Index()
	r.appliedTerm = p.Term()
	log.Infof("%d restore application from snapshot %v", r.id, p.ID())
	return nil
}

// ID returns the identity of the local member.
func (r *Raft) ID() uint64 {
	return r.id
}

// Propose replicates data and returns its index once it was applied
// locally.
func (r *Raft) Propose(ctx context.Context, data []byte) (uint64, error) {
	return r.ProposeFunc(ctx, func() []byte { return data })
}

// ProposeFunc is Propose with the payload built by build on the run
// loop, right before it is validated and appended. Payloads which
// depend on the order of proposals, like sequence numbers, must be
// built there.
func (r *Raft) ProposeFunc(ctx context.Context, build func() []byte) (uint64, error) {
	ch := make(chan result, 1)
	err := r.do(ctx, func() error {
		index, term, err := r.raft.Propose(build())
		if err != nil {
			return err
		}
		r.wait(index, waiter{term: term, local: true, ch: ch})
		return nil
	})
	if err != nil {
		return conf.InvalidIndex, err
	}
	return r.await(ctx, ch)
}

// Read returns once the local state machine reflects every entry
// committed before the call, reads of local state are then
// linearizable.
func (r *Raft) Read(ctx context.Context) error {
	ch := make(chan result, 1)
	key := uuid.New()
	err := r.do(ctx, func() error {
		if err := r.raft.Read(key[:]); err != nil {
			return err
		}
		r.reads[string(key[:])] = ch
		return nil
	})
	if err != nil {
		return err
	}
	_, err = r.await(ctx, ch)
	return err
}

// Join adds member as a promotable member and returns the index of
// the configuration once applied. address is registered for the
// transport when not empty.
func (r *Raft) Join(ctx context.Context, member raftpd.Member, address string) (uint64, error) {
	if address != "" {
		r.transport.AddPeer(member.ID, address)
	}
	return r.reconfigure(ctx,
		func() (uint64, error) { return r.raft.Join(member) },
		func(key []byte) error { r.raft.JoinRemote(member, key); return nil })
}

// Leave removes id from the membership.
func (r *Raft) Leave(ctx context.Context, id uint64) (uint64, error) {
	return r.reconfigure(ctx,
		func() (uint64, error) { return r.raft.Leave(id) },
		func(key []byte) error { r.raft.LeaveRemote(id, key); return nil })
}

// Promote turns a promotable member into a voter.
func (r *Raft) Promote(ctx context.Context, id uint64) (uint64, error) {
	return r.reconfigure(ctx,
		func() (uint64, error) { return r.raft.Promote(id) },
		func(key []byte) error {
			current := r.raft.Configuration()
			if _, ok := current.Member(id); !ok {
				return fmt.Errorf("raft: promote %d: not a member", id)
			}
			r.raft.ReconfigureRemote(current.With(raftpd.Member{ID: id, Type: raftpd.MemberActive}), key)
			return nil
		})
}

// Reconfigure replaces the membership with target.
func (r *Raft) Reconfigure(ctx context.Context, target raftpd.Configuration) (uint64, error) {
	return r.reconfigure(ctx,
		func() (uint64, error) { return r.raft.Reconfigure(target) },
		func(key []byte) error { r.raft.ReconfigureRemote(target, key); return nil })
}

// reconfigure proposes locally when leading, otherwise asks the leader.
func (r *Raft) reconfigure(ctx context.Context, local func() (uint64, error), remote func([]byte) error) (uint64, error) {
	ch := make(chan result, 1)
	err := r.do(ctx, func() error {
		if term, leader := r.raft.ReadStatus(); leader {
			index, err := local()
			if err != nil {
				return err
			}
			r.wait(index, waiter{term: term, config: true, local: true, ch: ch})
			return nil
		}
		key := uuid.New()
		if err := remote(key[:]); err != nil {
			return err
		}
		r.remotes[string(key[:])] = ch
		return nil
	})
	if err != nil {
		return conf.InvalidIndex, err
	}
	return r.await(ctx, ch)
}

// Status returns the state of the core.
func (r *Raft) Status(ctx context.Context) (core.Status, error) {
	var status core.Status
	err := r.do(ctx, func() error {
		status = r.raft.Status()
		return nil
	})
	return status, err
}

// TakeSnapshot snapshots the state machine at the applied index and
// compacts the log it covers.
func (r *Raft) TakeSnapshot(ctx context.Context) (raftpd.SnapshotID, error) {
	var id raftpd.SnapshotID
	err := r.do(ctx, func() (err error) {
		id, err = r.takeSnapshot()
		return err
	})
	return id, err
}

// Close stops the partition. Pending requests fail with ErrStopped.
func (r *Raft) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.timer.Stop()
		close(r.stopc)
		<-r.done

		r.subscription.Unsubscribe()
		err = r.transport.Close()
		if serr := r.storage.close(); err == nil {
			err = serr
		}
		log.Infof("%d partition stopped", r.id)
	})
	return err
}

// do runs fn on the loop and returns its error.
func (r *Raft) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case r.actions <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopc:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-r.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

func (r *Raft) await(ctx context.Context, ch chan result) (uint64, error) {
	select {
	case res := <-ch:
		return res.index, res.err
	case <-ctx.Done():
		return conf.InvalidIndex, ctx.Err()
	case <-r.done:
		return conf.InvalidIndex, ErrStopped
	}
}

func (r *Raft) wait(index uint64, w waiter) {
	r.waiters[index] = append(r.waiters[index], w)
}

func (r *Raft) run() {
	defer close(r.done)
	defer r.failAll(ErrStopped)

	for {
		select {
		case fn := <-r.actions:
			fn()
		case now := <-r.tickc:
			r.periodic(now)
		case <-r.stopc:
			r.raft.Close()
			return
		}
		r.handleRaftReady()
	}
}

func (r *Raft) periodic(now time.Time) {
	millsSinceLastPeriod := int(now.Sub(r.lastTick) / time.Millisecond)
	r.lastTick = now
	r.raft.Periodic(millsSinceLastPeriod)

	if r.leader {
		status := r.raft.Status()
		for id, progress := range status.Progress {
			if id != r.id {
				r.metrics.SetFollowerLag(id, progress.Lag)
			}
		}
	}
}

func (r *Raft) handleRaftReady() {
	if r.fatal != nil {
		r.halt(r.fatal)
		r.fatal = nil
	}
	// acknowledged entries may commit more, drain until nothing is left.
	for r.halted == nil && r.processReady() {
	}
	if r.halted != nil {
		return
	}
	r.maybeCompact()
	r.maybeSnapshot()
}

// processReady handles one Ready, it reports whether it was not empty.
func (r *Raft) processReady() bool {
	ready := r.raft.Ready()
	if ready.IsEmpty() {
		return false
	}

	if ready.SS != nil {
		r.handleSoftState(ready.SS)
	}

	if ready.Snapshot != nil {
		if err := r.storage.restore(*ready.Snapshot); err != nil {
			r.halt(fmt.Errorf("raft: restore wal at %v: %w", *ready.Snapshot, err))
			return false
		}
	}

	persisted := true
	if err := r.storage.save(ready.HS, ready.Entries); err != nil {
		// nothing produced alongside the failed write may leave, and
		// the entries are not acknowledged. Commit entries were written
		// before, they are still applied.
		log.Errorf("%d save ready [entries: %d]: %v", r.id, len(ready.Entries), err)
		r.raft.PersistFailed()
		ready.Messages = nil
		persisted = false
	} else if len(ready.Entries) != 0 {
		r.metrics.SetLastAppendedIndex(ready.Entries[len(ready.Entries)-1].Index)
	}

	for i := 0; i < len(ready.Messages); i++ {
		msg := &ready.Messages[i]
		if err := r.transport.Send(msg); err != nil {
			log.Debugf("%d send %v to %d: %v", r.id, msg.MsgType, msg.To, err)
			r.raft.Unreachable(msg.To)
		}
	}

	if err := r.applyEntries(ready.CommitEntries); err != nil {
		r.halt(err)
		return false
	}

	if ready.Configuration != nil {
		r.handleConfiguration(ready.Configuration)
	}

	for _, rs := range ready.ReadStates {
		if ch, ok := r.reads[string(rs.RequestCtx)]; ok {
			delete(r.reads, string(rs.RequestCtx))
			ch <- result{index: rs.Index}
		}
	}

	for _, resp := range ready.Reconfigurations {
		r.handleReconfigured(&resp)
	}

	if ready.Inconsistency != nil {
		if handler, ok := r.app.(InconsistencyHandler); ok {
			handler.OnInconsistency(ready.Inconsistency)
		}
		r.halt(ready.Inconsistency)
		return false
	}

	if ready.HS != nil {
		r.metrics.SetCommitIndex(ready.HS.Commit)
	}

	if !persisted {
		return false
	}
	r.raft.Advance(ready)
	return true
}

func (r *Raft) handleSoftState(ss *core.SoftState) {
	r.metrics.SetRole(ss.State.String())
	r.metrics.SetLastAppendedIndex(ss.LastIndex)

	leader := ss.State.IsLeader()
	if r.leader && !leader {
		log.Infof("%d lost leadership, fail pending configurations and reads", r.id)
		for index, ws := range r.waiters {
			kept := ws[:0]
			for _, w := range ws {
				if w.config && w.local {
					w.ch <- result{err: ErrLeadershipLost}
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(r.waiters, index)
			} else {
				r.waiters[index] = kept
			}
		}
		for key, ch := range r.reads {
			ch <- result{err: ErrLeadershipLost}
			delete(r.reads, key)
		}
	}
	r.leader = leader
}

func (r *Raft) applyEntries(entries []raftpd.Entry) error {
	for i := 0; i < len(entries); i++ {
		entry := &entries[i]
		if entry.Index <= r.applied {
			continue
		}
		switch entry.Type {
		case raftpd.EntryNormal:
			if err := r.app.Apply(entry); err != nil {
				return fmt.Errorf("raft: apply entry %d: %w", entry.Index, err)
			}
			last := *entry
			r.lastApplication = &last
		case raftpd.EntryConfiguration:
			var c raftpd.Configuration
			pd.MustUnmarshal(&c, entry.Data)
			r.configuration = c
		}
		r.applied = entry.Index
		r.appliedTerm = entry.Term
		r.notify(entry)
	}

	if len(entries) > 0 {
		last := len(entries) - 1
		log.Debugf("%d apply entries from %d [term: %d] to %d [term: %d]",
			r.id, entries[0].Index, entries[0].Term,
			entries[last].Index, entries[last].Term)
	}
	return nil
}

// notify resolves the waiters of entry.Index.
func (r *Raft) notify(entry *raftpd.Entry) {
	ws, ok := r.waiters[entry.Index]
	if !ok {
		return
	}
	delete(r.waiters, entry.Index)
	for _, w := range ws {
		if (w.term != 0 && w.term != entry.Term) ||
			(w.config && entry.Type != raftpd.EntryConfiguration) {
			w.ch <- result{err: ErrProposalDropped}
			continue
		}
		w.ch <- result{index: entry.Index}
	}
}

func (r *Raft) handleConfiguration(c *raftpd.Configuration) {
	for _, id := range r.active.IDs() {
		if !c.Contains(id) && id != r.id {
			r.metrics.RemoveFollower(id)
		}
	}
	r.active = c.Clone()
	log.Infof("%d configuration changed: %v", r.id, *c)
}

func (r *Raft) handleReconfigured(resp *raftpd.ReconfigureResponse) {
	key := string(resp.Context)
	ch, ok := r.remotes[key]
	if !ok {
		return
	}
	delete(r.remotes, key)
	if !resp.Success {
		ch <- result{err: core.ErrReconfiguration}
		return
	}
	if resp.Index <= r.applied {
		ch <- result{index: resp.Index}
		return
	}
	r.wait(resp.Index, waiter{config: true, ch: ch})
}

// halt stops the protocol after an unrecoverable error.
func (r *Raft) halt(err error) {
	if r.halted != nil {
		return
	}
	log.Errorf("%d halt partition: %v", r.id, err)
	r.halted = err
	r.raft.Close()
	r.metrics.SetRole(core.RoleClosed.String())
	r.failAll(err)
}

func (r *Raft) failAll(err error) {
	for index, ws := range r.waiters {
		for _, w := range ws {
			w.ch <- result{err: err}
		}
		delete(r.waiters, index)
	}
	for key, ch := range r.reads {
		ch <- result{err: err}
		delete(r.reads, key)
	}
	for key, ch := range r.remotes {
		ch <- result{err: err}
		delete(r.remotes, key)
	}
}

// failCovered resolves the waiters covered by an installed snapshot.
func (r *Raft) failCovered(index uint64) {
	for i, ws := range r.waiters {
		if i > index {
			continue
		}
		for _, w := range ws {
			w.ch <- result{err: ErrOutcomeUnknown}
		}
		delete(r.waiters, i)
	}
}

func (r *Raft) maybeSnapshot() {
	if r.cfg.SnapshotInterval == 0 || r.halted != nil {
		return
	}
	latest := conf.InvalidIndex
	if p, ok := r.store.Latest(); ok {
		latest = p.Index()
	}
	if r.applied < latest+r.cfg.SnapshotInterval {
		return
	}
	if _, err := r.takeSnapshot(); err != nil {
		log.Warnf("%d periodic snapshot at %d: %v", r.id, r.applied, err)
	}
}

func (r *Raft) takeSnapshot() (raftpd.SnapshotID, error) {
	if r.halted != nil {
		return raftpd.SnapshotID{}, r.halted
	}
	id := raftpd.SnapshotID{
		Index:             r.applied,
		Term:              r.appliedTerm,
		ProcessedPosition: r.applied,
		ExportedPosition:  r.applied,
	}
	transient, ok := r.store.NewTransientSnapshot(id)
	if !ok {
		latest, _ := r.store.Latest()
		return latest.ID(), nil
	}

	configuration := r.configuration
	last := r.lastApplication
	err := transient.Take(func(dir string) error {
		if err := r.app.WriteSnapshot(dir); err != nil {
			return err
		}
		if last != nil {
			if err := writeSnapshotFile(dir, applicationFile, last); err != nil {
				return err
			}
		}
		return writeConfiguration(dir, &configuration)
	})
	if err != nil {
		return id, err
	}
	if _, err := transient.Persist(); err != nil {
		return id, err
	}
	log.Infof("%d take snapshot %v", r.id, id)
	r.maybeCompact()
	return id, nil
}

// maybeCompact drops the log covered by the last persisted snapshot.
func (r *Raft) maybeCompact() {
	p := r.compactTo
	if p == nil {
		return
	}
	r.compactTo = nil

	bound := p.CompactionBound()
	if bound < p.Index() || p.Index() <= r.storage.compacted() {
		return
	}
	r.metrics.IncSnapshots()
	r.raft.Compact(p.ID())
	if err := r.storage.compact(p.ID()); err != nil {
		log.Warnf("%d compact wal to %d: %v", r.id, p.Index(), err)
	}
}

func writeConfiguration(dir string, c *raftpd.Configuration) error {
	return writeSnapshotFile(dir, configurationFile, c)
}

func readConfiguration(dir string) (raftpd.Configuration, bool, error) {
	var c raftpd.Configuration
	ok, err := readSnapshotFile(dir, configurationFile, &c)
	return c, ok, err
}

// writeSnapshotFile stores the partition's own metadata next to the
// application's snapshot files, they travel with the snapshot chunks.
func writeSnapshotFile(dir, name string, m pd.Message) error {
	return os.WriteFile(filepath.Join(dir, name), pd.MustMarshal(m), 0640)
}

func readSnapshotFile(dir, name string, m pd.Message) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := pd.Unmarshal(m, data); err != nil {
		return false, fmt.Errorf("raft: decode %s: %w", name, err)
	}
	return true, nil
}
