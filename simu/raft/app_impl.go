package raft

import (
	"encoding/binary"
	"math/rand"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/core"
	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/utils"
	"github.com/thinkermao/replog/utils/pd"
)

const ElectionTimeout = 1000
const HeartbeatTimeout = 100
const TickSize = 25
const MaxSizePerMsg = 64 * 1024

// AppCallback Used by config to check applied entries.
type AppCallback interface {
	CheckApply(id uint64, index, value int) error
}

// a simple application base on raft, it is driven by a single goroutine.
type application struct {
	id   uint64
	rand *rand.Rand

	rf      *core.RawNode
	persist *Persister

	applyErr      error  // from apply
	logs          logMap // copy of each server's committed entries
	logIndex      uint64
	logTerm       uint64
	configuration raftpd.Configuration
	callback      AppCallback
}

// MakeApp return instance of Application, seed drives its election
// timeouts.
func MakeApp(id uint64, seed int64, callback AppCallback) Application {
	return &application{
		id:       id,
		rand:     rand.New(rand.NewSource(seed)),
		logs:     make(logMap),
		callback: callback,
	}
}

// Start allocates new raft object, rebuilds from the persisted state.
func (app *application) Start(nodes []uint64) error {
	if app.persist == nil {
		app.persist = MakePersister()
	}

	app.configuration = raftpd.MakeConfiguration(0, nodes...)
	app.restoreFromSnapshot(nil)
	if snapshot, ok := app.persist.ReadSnapshot(); ok {
		app.restoreFromSnapshot(snapshot)
	}

	state, entries := app.persist.Read()
	last := entries[len(entries)-1].Index
	config := conf.Config{
		ID:            app.id,
		Vote:          state.Vote,
		Term:          state.Term,
		ElectionTick:  ElectionTimeout,
		HeartbeatTick: HeartbeatTimeout,
		MaxSizePerMsg: MaxSizePerMsg,
		Configuration: app.configuration,
		Entries:       entries,
		Commit:        utils.MinUint64(utils.MaxUint64(state.Commit, entries[0].Index), last),
		Rand:          rand.New(rand.NewSource(app.rand.Int63())),
	}
	rf, err := core.MakeRawNode(&config, app)
	if err != nil {
		return err
	}
	app.rf = rf
	return nil
}

// Shutdown release raft object of current application.
func (app *application) Shutdown() {
	if app.rf != nil {
		app.rf.Close()
		app.rf = nil
	}
}

func (app *application) IsCrash() bool {
	return app.rf == nil
}

func (app *application) ID() uint64 {
	return app.id
}

func (app *application) Tick(millis int) []raftpd.Message {
	if app.rf == nil {
		return nil
	}
	app.rf.Periodic(millis)
	return app.process()
}

func (app *application) Receive(msg *raftpd.Message) []raftpd.Message {
	if app.rf == nil {
		return nil
	}
	app.rf.Step(msg)
	return app.process()
}

func (app *application) Unreachable(to uint64) []raftpd.Message {
	if app.rf == nil {
		return nil
	}
	app.rf.Unreachable(to)
	return app.process()
}

// process persists, applies and returns what the last step produced.
// Acknowledged entries may commit more, so it runs until nothing is
// ready.
func (app *application) process() []raftpd.Message {
	var msgs []raftpd.Message
	for {
		rd := app.rf.Ready()
		if rd.IsEmpty() {
			return msgs
		}
		if rd.Snapshot != nil {
			app.persist.Restore(*rd.Snapshot)
		}
		app.persist.Save(rd.HS, rd.Entries)
		for i := 0; i < len(rd.CommitEntries); i++ {
			app.applyEntry(&rd.CommitEntries[i])
		}
		msgs = append(msgs, rd.Messages...)
		app.rf.Advance(rd)
	}
}

func (app *application) Propose(num int) (uint64, uint64, bool) {
	if app.rf == nil {
		return 0, 0, false
	}

	bytes := [8]byte{}
	binary.LittleEndian.PutUint64(bytes[:], uint64(num))
	idx, term, err := app.rf.Propose(bytes[:])
	if err != nil {
		return 0, 0, false
	}
	return idx, term, true
}

func (app *application) GetState() (uint64, bool) {
	if app.rf == nil {
		return 0, false
	}
	return app.rf.ReadStatus()
}

func (app *application) ApplyError() error {
	return app.applyErr
}

func (app *application) LogLength() int {
	return len(app.logs)
}

func (app *application) LogAt(index int) (int, bool) {
	value, ok := app.logs[index]
	return value, ok
}

func (app *application) Applied() uint64 {
	return app.logIndex
}

func (app *application) CompactedLogSize() int {
	if app.persist == nil {
		return 0
	}
	return app.persist.LogSize()
}

// GenSnapshot saves the applied logs and compacts the log behind them.
func (app *application) GenSnapshot() (uint64, uint64) {
	if app.rf == nil {
		return 0, 0
	}
	if latest, ok := app.persist.ReadSnapshot(); ok && latest.ID.Index >= app.logIndex {
		return latest.ID.Index, latest.ID.Term
	}

	id := raftpd.SnapshotID{
		Index:             app.logIndex,
		Term:              app.logTerm,
		ProcessedPosition: app.logIndex,
		ExportedPosition:  app.logIndex,
	}
	app.persist.SaveSnapshot(&Snapshot{
		ID:            id,
		Configuration: app.configuration.Clone(),
		Data:          pd.MustMarshal(&app.logs),
	})
	app.rf.Compact(id)
	app.persist.Compact(id)
	log.Debugf("[test] id: %d generate snapshot %v", app.id, id)
	return id.Index, id.Term
}

// logMap is the state of the simulated machine, index to value.
type logMap map[int]int

func (m *logMap) Reset() { *m = make(logMap) }

// restoreFromSnapshot resets the logs, nil means an empty machine.
func (app *application) restoreFromSnapshot(snapshot *Snapshot) {
	app.logs = make(logMap)
	app.logIndex, app.logTerm = 0, 0
	if snapshot == nil {
		return
	}

	app.logIndex = snapshot.ID.Index
	app.logTerm = snapshot.ID.Term
	if len(snapshot.Configuration.Members) != 0 {
		app.configuration = snapshot.Configuration.Clone()
	}
	if len(snapshot.Data) != 0 {
		pd.MustUnmarshal(&app.logs, snapshot.Data)
	}
}
