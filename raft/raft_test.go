package raft

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thinkermao/replog/raft/metrics"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/raft/transport"
	"github.com/thinkermao/replog/raft/validator"
)

type memApp struct {
	mutex   sync.Mutex
	entries []string
}

func (a *memApp) Apply(entry *raftpd.Entry) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.entries = append(a.entries, string(entry.Data))
	return nil
}

func (a *memApp) WriteSnapshot(dir string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return os.WriteFile(filepath.Join(dir, "entries"), []byte(strings.Join(a.entries, "\n")), 0640)
}

func (a *memApp) RestoreSnapshot(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "entries"))
	if err != nil {
		return err
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.entries = nil
	if len(data) != 0 {
		a.entries = strings.Split(string(data), "\n")
	}
	return nil
}

func (a *memApp) Entries() []string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]string(nil), a.entries...)
}

func testConfig(id uint64, dir string, members ...uint64) Config {
	return Config{
		ID:            id,
		Members:       members,
		DataDir:       filepath.Join(dir, fmt.Sprintf("%d", id)),
		TickInterval:  2 * time.Millisecond,
		HeartbeatTick: 10,
		ElectionTick:  80,
		NoSync:        true,
	}
}

func waitLeader(t *testing.T, rafts ...*Raft) *Raft {
	var leader *Raft
	require.Eventually(t, func() bool {
		for _, r := range rafts {
			status, err := r.Status(context.Background())
			if err == nil && status.SoftState.State.IsLeader() {
				leader = r
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	return leader
}

func proposeN(t *testing.T, r *Raft, from, to int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := from; i < to; i++ {
		_, err := r.Propose(ctx, []byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
	}
}

func wantEntries(from, to int) []string {
	var entries []string
	for i := from; i < to; i++ {
		entries = append(entries, fmt.Sprintf("entry-%d", i))
	}
	return entries
}

func TestRaft_ProposeAndRead(t *testing.T) {
	dir := t.TempDir()
	network := transport.NewNetwork()

	var rafts []*Raft
	var apps []*memApp
	for id := uint64(1); id <= 3; id++ {
		app := &memApp{}
		r, err := MakeRaft(testConfig(id, dir, 1, 2, 3), app, network.Join(id))
		require.NoError(t, err)
		defer r.Close()
		rafts = append(rafts, r)
		apps = append(apps, app)
	}

	leader := waitLeader(t, rafts...)
	proposeN(t, leader, 0, 10)

	for i, r := range rafts {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.Eventually(t, func() bool { return r.Read(ctx) == nil },
			5*time.Second, 10*time.Millisecond, "#%d: read", i)
		cancel()
		require.Equal(t, wantEntries(0, 10), apps[i].Entries(), "#%d", i)
	}
}

func TestRaft_ProposeOnFollower(t *testing.T) {
	dir := t.TempDir()
	network := transport.NewNetwork()

	var rafts []*Raft
	for id := uint64(1); id <= 3; id++ {
		r, err := MakeRaft(testConfig(id, dir, 1, 2, 3), &memApp{}, network.Join(id))
		require.NoError(t, err)
		defer r.Close()
		rafts = append(rafts, r)
	}

	leader := waitLeader(t, rafts...)
	for _, r := range rafts {
		if r == leader {
			continue
		}
		_, err := r.Propose(context.Background(), []byte("x"))
		require.Error(t, err)
	}
}

func TestRaft_Restart(t *testing.T) {
	dir := t.TempDir()
	network := transport.NewNetwork()

	r, err := MakeRaft(testConfig(1, dir, 1), &memApp{}, network.Join(1))
	require.NoError(t, err)
	proposeN(t, waitLeader(t, r), 0, 5)
	require.NoError(t, r.Close())

	app := &memApp{}
	r, err = MakeRaft(testConfig(1, dir, 1), app, network.Join(1))
	require.NoError(t, err)
	defer r.Close()

	require.Eventually(t, func() bool { return len(app.Entries()) == 5 },
		5*time.Second, 5*time.Millisecond)
	proposeN(t, waitLeader(t, r), 5, 6)
	require.Equal(t, wantEntries(0, 6), app.Entries())
}

func TestRaft_SnapshotAndRestart(t *testing.T) {
	dir := t.TempDir()
	network := transport.NewNetwork()

	r, err := MakeRaft(testConfig(1, dir, 1), &memApp{}, network.Join(1))
	require.NoError(t, err)
	proposeN(t, waitLeader(t, r), 0, 5)

	id, err := r.TakeSnapshot(context.Background())
	require.NoError(t, err)
	// an initialize entry precedes the proposals.
	require.Equal(t, uint64(6), id.Index)
	require.Equal(t, id.Index, id.CompactionBound())
	require.NoError(t, r.Close())

	app := &memApp{}
	r, err = MakeRaft(testConfig(1, dir, 1), app, network.Join(1))
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, wantEntries(0, 5), app.Entries())

	proposeN(t, waitLeader(t, r), 5, 7)
	require.Equal(t, wantEntries(0, 7), app.Entries())
}

func TestRaft_JoinInstallsSnapshot(t *testing.T) {
	dir := t.TempDir()
	network := transport.NewNetwork()

	r1, err := MakeRaft(testConfig(1, dir, 1), &memApp{}, network.Join(1))
	require.NoError(t, err)
	defer r1.Close()
	proposeN(t, waitLeader(t, r1), 0, 5)
	_, err = r1.TakeSnapshot(context.Background())
	require.NoError(t, err)

	app2 := &memApp{}
	r2, err := MakeRaft(testConfig(2, dir, 1), app2, network.Join(2))
	require.NoError(t, err)
	defer r2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = r1.Join(ctx, raftpd.Member{ID: 2, Type: raftpd.MemberPromotable}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(app2.Entries()) == 5 },
		5*time.Second, 5*time.Millisecond)
	require.Equal(t, wantEntries(0, 5), app2.Entries())

	_, err = r1.Promote(ctx, 2)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, err := r2.Status(ctx)
		return err == nil && status.Configuration.IsVoter(2)
	}, 5*time.Second, 5*time.Millisecond)

	proposeN(t, r1, 5, 7)
	require.Eventually(t, func() bool { return len(app2.Entries()) == 7 },
		5*time.Second, 5*time.Millisecond)
}

type countingSink struct {
	metrics.Nop
	snapshots int64
}

func (s *countingSink) IncSnapshots() { atomic.AddInt64(&s.snapshots, 1) }

func (s *countingSink) Snapshots() int64 { return atomic.LoadInt64(&s.snapshots) }

// TestRaft_InstalledSnapshotNotCounted tests that a snapshot received from
// the leader, whose log was already cut by the install, does not count as
// a compaction.
func TestRaft_InstalledSnapshotNotCounted(t *testing.T) {
	dir := t.TempDir()
	network := transport.NewNetwork()

	sink1 := &countingSink{}
	cfg1 := testConfig(1, dir, 1)
	cfg1.Metrics = sink1
	r1, err := MakeRaft(cfg1, &memApp{}, network.Join(1))
	require.NoError(t, err)
	defer r1.Close()
	proposeN(t, waitLeader(t, r1), 0, 5)
	_, err = r1.TakeSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), sink1.Snapshots())

	sink2 := &countingSink{}
	cfg2 := testConfig(2, dir, 1)
	cfg2.Metrics = sink2
	app2 := &memApp{}
	r2, err := MakeRaft(cfg2, app2, network.Join(2))
	require.NoError(t, err)
	defer r2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = r1.Join(ctx, raftpd.Member{ID: 2, Type: raftpd.MemberPromotable}, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(app2.Entries()) == 5 },
		5*time.Second, 5*time.Millisecond)

	// the status round trip runs after the install's ready was handled.
	_, err = r2.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), sink2.Snapshots())
}

func TestRaft_ClosedRejectsRequests(t *testing.T) {
	r, err := MakeRaft(testConfig(1, t.TempDir(), 1), &memApp{}, transport.NewNetwork().Join(1))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.Propose(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, r.Read(context.Background()), ErrStopped)
}

func TestRaft_ConfigurationFile(t *testing.T) {
	dir := t.TempDir()
	c := raftpd.MakeConfiguration(7, 1, 2, 3)
	require.NoError(t, writeConfiguration(dir, &c))

	got, ok, err := readConfiguration(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, c.Equal(&got))

	_, ok, err = readConfiguration(t.TempDir())
	require.NoError(t, err)
	require.False(t, ok)
}

// TestRaft_ValidationAfterSnapshotRestart tests that a member restarted
// from a snapshot keeps validating against the entries it covers.
func TestRaft_ValidationAfterSnapshotRestart(t *testing.T) {
	dir := t.TempDir()
	network := transport.NewNetwork()
	cfg := testConfig(1, dir, 1)
	cfg.Validator = validator.Sequence{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := MakeRaft(cfg, &memApp{}, network.Join(1))
	require.NoError(t, err)
	_, err = waitLeader(t, r).Propose(ctx, validator.PutSequence(5, nil))
	require.NoError(t, err)
	_, err = r.TakeSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = MakeRaft(cfg, &memApp{}, network.Join(1))
	require.NoError(t, err)
	defer r.Close()
	waitLeader(t, r)

	_, err = r.Propose(ctx, validator.PutSequence(1, nil))
	var verr *validator.ValidationError
	require.True(t, errors.As(err, &verr), "err: %v", err)
	_, err = r.Propose(ctx, validator.PutSequence(6, nil))
	require.NoError(t, err)
}

var errWriteFailed = errors.New("write failed")

// failingStorage fails writes of entries while fail is set. It is only
// used from the run loop.
type failingStorage struct {
	stableStorage
	fail   bool
	failed int
}

func (s *failingStorage) save(state *raftpd.HardState, entries []raftpd.Entry) error {
	if s.fail && len(entries) != 0 {
		s.failed++
		return errWriteFailed
	}
	return s.stableStorage.save(state, entries)
}

// TestRaft_SaveFailure tests that an entry whose write failed is never
// applied, and that it commits once it could be written again.
func TestRaft_SaveFailure(t *testing.T) {
	app := &memApp{}
	r, err := MakeRaft(testConfig(1, t.TempDir(), 1), app, transport.NewNetwork().Join(1))
	require.NoError(t, err)
	defer r.Close()
	proposeN(t, waitLeader(t, r), 0, 1)

	ctx := context.Background()
	storage := &failingStorage{fail: true}
	require.NoError(t, r.do(ctx, func() error {
		storage.stableStorage = r.storage
		r.storage = storage
		return nil
	}))

	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	_, err = r.Propose(short, []byte("lost"))
	cancel()
	require.Error(t, err)

	var failed int
	var commit uint64
	require.NoError(t, r.do(ctx, func() error {
		failed = storage.failed
		commit = r.raft.ReadHardState().Commit
		return nil
	}))
	require.NotZero(t, failed)
	// the initialize entry and entry-0.
	require.Equal(t, uint64(2), commit)
	require.Equal(t, wantEntries(0, 1), app.Entries())

	require.NoError(t, r.do(ctx, func() error {
		storage.fail = false
		return nil
	}))
	require.Eventually(t, func() bool {
		entries := app.Entries()
		return len(entries) == 2 && entries[1] == "lost"
	}, 5*time.Second, 5*time.Millisecond)

	proposeN(t, waitLeader(t, r), 1, 2)
	require.Equal(t, []string{"entry-0", "lost", "entry-1"}, app.Entries())
}
