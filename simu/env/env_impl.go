package envior

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/simu/raft"
)

// DefaultSeed seeds environments built by MakeEnvironment.
const DefaultSeed = 20170704

// Environment support Environment for test. Time is virtual, every
// member is driven from the calling goroutine, so a seed replays the
// same run.
type Environment struct {
	t          testing.TB
	rand       *rand.Rand
	net        *network
	now        int64
	totalNodes int
	apps       []raft.Application

	// leaders records the leader seen for each term.
	leaders map[uint64]int
}

// MakeEnvironment return instance of Environment.
func MakeEnvironment(t testing.TB, num int, unreliable bool) *Environment {
	return MakeSeededEnvironment(t, num, unreliable, DefaultSeed)
}

// MakeSeededEnvironment return instance of Environment whose choices
// all derive from seed.
func MakeSeededEnvironment(t testing.TB, num int, unreliable bool, seed int64) *Environment {
	rng := rand.New(rand.NewSource(seed))
	env := &Environment{
		t:          t,
		rand:       rng,
		net:        makeNetwork(num, rng),
		totalNodes: num,
		leaders:    make(map[uint64]int),
	}
	env.net.SetReliable(!unreliable)

	// create a full set of Rafts.
	for i := 0; i < num; i++ {
		env.apps = append(env.apps, raft.MakeApp(uint64(i+1), rng.Int63(), env))
	}

	// Connect everyone
	for i := 0; i < num; i++ {
		env.Start1(i)
		env.Connect(i)
	}
	return env
}

// Rand returns the source of randomness of the environment.
func (env *Environment) Rand() *rand.Rand {
	return env.rand
}

// Now returns the virtual time in millis.
func (env *Environment) Now() int64 {
	return env.now
}

// CheckApply check consistency of applied entries.
func (env *Environment) CheckApply(id uint64, index, value int) error {
	for j := 0; j < len(env.apps); j++ {
		app := env.apps[j]
		if v, ok := app.LogAt(index); ok && v != value {
			// some server has already committed a different value for this entry!
			return fmt.Errorf("commit index=%v server=%v %v != server=%v %v",
				index, id, value, app.ID(), v)
		}
	}
	return nil
}

// Crash1 shut down a Raft server but save its persistent state.
func (env *Environment) Crash1(i int) {
	env.Disconnect(i)
	env.apps[i].Shutdown()
}

// Start1 start or re-start a Raft.
// if One already exists, "kill" it first.
func (env *Environment) Start1(i int) {
	env.Crash1(i)

	ns := make([]uint64, 0, len(env.apps))
	for j := 0; j < len(env.apps); j++ {
		ns = append(ns, env.apps[j].ID())
	}

	if err := env.apps[i].Start(ns); err != nil {
		env.t.Fatalf("start %d: %v", i, err)
	}
}

// IsCrash reports whether server i is down.
func (env *Environment) IsCrash(i int) bool {
	return env.apps[i].IsCrash()
}

// Propose send propose to raft.
func (env *Environment) Propose(i int, num int) (uint64, uint64, bool) {
	idx, term, ok := env.apps[i].Propose(num)
	env.send(i, env.apps[i].Tick(0))
	return idx, term, ok
}

// GenSnapshot asks server i to snapshot its applied logs.
func (env *Environment) GenSnapshot(i int) (uint64, uint64) {
	return env.apps[i].GenSnapshot()
}

// GetState return the state of raft.
func (env *Environment) GetState(i int) (uint64, bool) {
	return env.apps[i].GetState()
}

// Applied return the index applied by server i.
func (env *Environment) Applied(i int) uint64 {
	return env.apps[i].Applied()
}

// LogSize return the number of entries server i keeps after its
// snapshot.
func (env *Environment) LogSize(i int) int {
	return env.apps[i].CompactedLogSize()
}

// Cleanup kill all data
func (env *Environment) Cleanup() {
	for i := 0; i < len(env.apps); i++ {
		if err := env.apps[i].ApplyError(); err != nil {
			env.t.Error(err)
		}
		env.apps[i].Shutdown()
	}
}

// Connect attach server i to the net.
func (env *Environment) Connect(i int) {
	env.net.Enable(i)
}

// Disconnect detach server i from the net.
func (env *Environment) Disconnect(i int) {
	env.net.Disable(i)
}

// IsConnected reports whether server i is attached to the net.
func (env *Environment) IsConnected(i int) bool {
	return env.net.IsEnable(i)
}

// Cut drops everything from server i to server j.
func (env *Environment) Cut(i, j int) {
	env.net.Cut(i, j)
}

// Heal restores the link from server i to server j.
func (env *Environment) Heal(i, j int) {
	env.net.Heal(i, j)
}

// HealAll restores every cut link.
func (env *Environment) HealAll() {
	env.net.HealAll()
}

// GetCount how many counts of network call.
func (env *Environment) GetCount(server int) int {
	return int(env.net.GetCount(server))
}

// SetUnreliable make network become unrealiable.
func (env *Environment) SetUnreliable(unrel bool) {
	env.net.SetReliable(!unrel)
}

// Sleep lets millis of virtual time pass.
func (env *Environment) Sleep(millis int) {
	for elapsed := 0; elapsed < millis; elapsed += raft.TickSize {
		env.Tick()
	}
}

// Tick advances every server by one tick and delivers the messages
// that arrived meanwhile.
func (env *Environment) Tick() {
	env.now += raft.TickSize
	for i, app := range env.apps {
		env.send(i, app.Tick(raft.TickSize))
	}
	env.deliver()
}

// Pending return the number of messages in flight.
func (env *Environment) Pending() int {
	return env.net.Pending()
}

// DeliverOne delivers the k-th message in flight ahead of the others.
func (env *Environment) DeliverOne(k int) {
	env.deliverPacket(env.net.Take(k))
	env.observe()
}

// TickNode advances only server i by millis.
func (env *Environment) TickNode(i int, millis int) {
	env.send(i, env.apps[i].Tick(millis))
	env.observe()
}

// DeliverNext delivers the oldest message in flight to server i, it
// reports false when there is none.
func (env *Environment) DeliverNext(i int) bool {
	k, ok := env.net.first(func(p *packet) bool { return p.to == i })
	if !ok {
		return false
	}
	env.DeliverOne(k)
	return true
}

// DropNext loses the oldest message in flight from server i.
func (env *Environment) DropNext(i int) bool {
	k, ok := env.net.first(func(p *packet) bool { return p.from == i })
	if !ok {
		return false
	}
	env.net.Take(k)
	return true
}

func (env *Environment) send(i int, msgs []raftpd.Message) {
	if len(msgs) == 0 || !env.net.IsEnable(i) {
		return
	}
	env.net.Send(env.now, i, msgs)
}

func (env *Environment) deliver() {
	for _, p := range env.net.Due(env.now) {
		env.deliverPacket(p)
	}
	env.observe()
}

func (env *Environment) deliverPacket(p packet) {
	if p.to < 0 || p.to >= env.totalNodes {
		env.t.Fatalf("%d sends to unknown member %d", p.from+1, p.msg.To)
	}
	if env.apps[p.to].IsCrash() {
		if env.net.IsEnable(p.from) {
			env.send(p.from, env.apps[p.from].Unreachable(p.msg.To))
		}
		return
	}
	if !env.net.linked(p.from, p.to) {
		return
	}
	msg := p.msg
	env.send(p.to, env.apps[p.to].Receive(&msg))
}

// observe fails the test once two servers lead the same term.
func (env *Environment) observe() {
	for i, app := range env.apps {
		term, isLeader := app.GetState()
		if !isLeader {
			continue
		}
		if prev, ok := env.leaders[term]; ok && prev != i {
			env.t.Fatalf("term %d has two leaders: %d and %d", term, prev, i)
		}
		env.leaders[term] = i
	}
}

// CheckOneLeader check that there's exactly One leader.
// try a few times in case re-elections are needed.
func (env *Environment) CheckOneLeader() int {
	for iters := 0; iters < 10; iters++ {
		env.Sleep(raft.ElectionTimeout)
		leaders := make(map[uint64][]int)
		for i := 0; i < env.totalNodes; i++ {
			if env.net.IsEnable(i) {
				if t, leader := env.apps[i].GetState(); leader {
					leaders[t] = append(leaders[t], i)
				}
			}
		}

		lastTermWithLeader := uint64(0)
		for t, leaders := range leaders {
			if len(leaders) > 1 {
				env.t.Fatalf("term %d has %d (>1) leaders", t, len(leaders))
			}
			if t > lastTermWithLeader {
				lastTermWithLeader = t
			}
		}

		if len(leaders) != 0 {
			return leaders[lastTermWithLeader][0]
		}
	}
	env.t.Fatalf("expected One leader, got none")
	return -1
}

// CheckSoleLeader waits for a leader, then checks that no other
// connected server still believes it leads, whatever its term.
func (env *Environment) CheckSoleLeader() int {
	leader := env.CheckOneLeader()
	for i := 0; i < env.totalNodes; i++ {
		if i == leader || !env.net.IsEnable(i) {
			continue
		}
		if term, isLeader := env.apps[i].GetState(); isLeader {
			env.t.Fatalf("%d leads at term %d beside leader %d", i, term, leader)
		}
	}
	return leader
}

// CheckTerms check that everyone agrees on the term.
func (env *Environment) CheckTerms() uint64 {
	term := uint64(0)
	for i := 0; i < env.totalNodes; i++ {
		if env.net.IsEnable(i) {
			xterm, _ := env.apps[i].GetState()
			if term == 0 {
				term = xterm
			} else if term != xterm {
				env.t.Fatalf("servers disagree on term")
			}
		}
	}
	return term
}

// CheckNoLeader check that there's no leader
func (env *Environment) CheckNoLeader() {
	for i := 0; i < env.totalNodes; i++ {
		if env.net.IsEnable(i) {
			_, isLeader := env.apps[i].GetState()
			if isLeader {
				env.t.Fatalf("expected no leader, but %v claims to be leader", i)
			}
		}
	}
}

// CommittedNumber how many servers think a log entry is committed?
func (env *Environment) CommittedNumber(index int) (int, int) {
	count := 0
	cmd := -1
	for i := 0; i < len(env.apps); i++ {
		if err := env.apps[i].ApplyError(); err != nil {
			env.t.Fatal(err)
		}

		value, ok := env.apps[i].LogAt(index)
		if ok {
			if count > 0 && cmd != value {
				env.t.Fatalf("committed values do not match: index %v, %v, %v\n",
					index, cmd, value)
			}
			count++
			cmd = value
		}
	}
	return count, cmd
}

// CheckLogs compares the applied logs of all servers pairwise.
func (env *Environment) CheckLogs() {
	last := uint64(0)
	for i := 0; i < len(env.apps); i++ {
		if applied := env.apps[i].Applied(); applied > last {
			last = applied
		}
	}
	for index := 1; index <= int(last); index++ {
		env.CommittedNumber(index)
	}
}

// Wait for at least n servers to commit.
// but don't Wait forever.
func (env *Environment) Wait(index int, n int, startTerm int) int {
	to := raft.TickSize
	for iters := 0; iters < 30; iters++ {
		nd, _ := env.CommittedNumber(index)
		if nd >= n {
			break
		}
		env.Sleep(to)
		if to < 1000 {
			to *= 2
		}
		if startTerm > -1 {
			for _, r := range env.apps {
				if t, _ := r.GetState(); int(t) > startTerm {
					// someone has moved on
					// can no longer guarantee that we'll "win"
					return -1
				}
			}
		}
	}
	nd, cmd := env.CommittedNumber(index)
	if nd < n {
		env.t.Fatalf("only %d decided for index %d; wanted %d\n",
			nd, index, n)
	}
	return cmd
}

// One do a complete agreement.
// it might choose the wrong leader initially,
// and have to re-submit after giving up.
// entirely gives up after about 10 seconds.
// indirectly checks that the servers agree on the
// same value, since CommittedNumber() checks this,
// as do the CheckApply calls of the servers.
// returns index.
func (env *Environment) One(cmd int, expectedServers int) int {
	t0 := env.now
	starts := 0
	for env.now-t0 < 10000 {
		// try all the servers, maybe One is the leader.
		index := -1
		for si := 0; si < env.totalNodes; si++ {
			starts = (starts + 1) % env.totalNodes
			index1, _, ok := env.Propose(starts, cmd)
			if ok {
				index = int(index1)
				break
			}
		}

		if index != -1 {
			// somebody claimed to be the leader and to have
			// submitted our command; Wait a while for agreement.
			t1 := env.now
			for env.now-t1 < 2000 {
				nd, cmd1 := env.CommittedNumber(index)
				if nd > 0 && nd >= expectedServers && cmd1 == cmd {
					return index
				}
				env.Sleep(20)
			}
		} else {
			env.Sleep(50)
		}
	}
	env.t.Fatalf("One(%v) failed to reach agreement", cmd)
	return -1
}
