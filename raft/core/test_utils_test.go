package core

import (
	"container/list"
	"errors"
	"math/rand"

	"github.com/thinkermao/replog/raft/core/conf"
	"github.com/thinkermao/replog/raft/core/read"
	"github.com/thinkermao/replog/raft/proto"
)

const (
	testElection  = 100
	testHeartbeat = 10
)

type configOpt func(c *conf.Config)

func withTerm(term uint64) configOpt {
	return func(c *conf.Config) {
		c.Term = term
	}
}

func withEntries(entries ...raftpd.Entry) configOpt {
	return func(c *conf.Config) {
		c.Entries = append([]raftpd.Entry{{}}, entries...)
	}
}

func withConfiguration(configuration raftpd.Configuration) configOpt {
	return func(c *conf.Config) {
		c.Configuration = configuration
	}
}

func withInflight(n int) configOpt {
	return func(c *conf.Config) {
		c.MaxInflight = n
	}
}

func makeTestRaft(id uint64, peers []uint64, app NodeApplication, opts ...configOpt) *RawNode {
	c := conf.Config{
		ID:            id,
		ElectionTick:  testElection,
		HeartbeatTick: testHeartbeat,
		Configuration: raftpd.MakeConfiguration(0, peers...),
		MaxSizePerMsg: 1024,
		Rand:          rand.New(rand.NewSource(int64(id))),
	}
	for _, opt := range opts {
		opt(&c)
	}

	node, err := MakeRawNode(&c, app)
	if err != nil {
		panic(err)
	}
	return node
}

func entry(idx, term uint64) raftpd.Entry {
	return raftpd.Entry{Index: idx, Term: term, Type: raftpd.EntryNormal}
}

type link struct {
	from, to uint64
}

type network struct {
	peers      map[uint64]*RawNode
	msgs       *list.List
	cutMap     map[link]struct{}
	ignoreType map[raftpd.MessageType]struct{}

	// observed by Ready.
	applied       map[uint64][]raftpd.Entry
	reads         map[uint64][]read.ReadState
	confs         map[uint64]raftpd.Configuration
	installed     map[uint64][]raftpd.SnapshotID
	reconfigured  map[uint64][]raftpd.ReconfigureResponse
	inconsistency map[uint64]error
	delivered     []raftpd.Message
}

func makeNetwork(prs ...*RawNode) *network {
	net := network{
		peers:         make(map[uint64]*RawNode),
		msgs:          list.New(),
		cutMap:        make(map[link]struct{}),
		ignoreType:    make(map[raftpd.MessageType]struct{}),
		applied:       make(map[uint64][]raftpd.Entry),
		reads:         make(map[uint64][]read.ReadState),
		confs:         make(map[uint64]raftpd.Configuration),
		installed:     make(map[uint64][]raftpd.SnapshotID),
		reconfigured:  make(map[uint64][]raftpd.ReconfigureResponse),
		inconsistency: make(map[uint64]error),
	}
	for i := 0; i < len(prs); i++ {
		net.add(prs[i])
	}
	return &net
}

func makeCluster(ids ...uint64) *network {
	peers := make([]*RawNode, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, makeTestRaft(id, ids, nil))
	}
	return makeNetwork(peers...)
}

func (n *network) add(node *RawNode) {
	n.peers[node.id] = node
	n.process(node.id)
}

// process handles the Ready of node the way a driver does: entries are
// stable before messages leave, then they are acknowledged.
func (n *network) process(id uint64) {
	peer := n.peers[id]
	for {
		rd := peer.Ready()
		if rd.IsEmpty() {
			return
		}
		n.applied[id] = append(n.applied[id], rd.CommitEntries...)
		n.reads[id] = append(n.reads[id], rd.ReadStates...)
		n.reconfigured[id] = append(n.reconfigured[id], rd.Reconfigurations...)
		if rd.Configuration != nil {
			n.confs[id] = *rd.Configuration
		}
		if rd.Snapshot != nil {
			n.installed[id] = append(n.installed[id], *rd.Snapshot)
		}
		if rd.Inconsistency != nil {
			n.inconsistency[id] = rd.Inconsistency
		}
		for _, msg := range rd.Messages {
			n.msgs.PushBack(msg)
		}
		peer.Advance(rd)
	}
}

func (n *network) dispatchMessages() {
	for n.msgs.Len() > 0 {
		first := n.msgs.Front()
		msg := first.Value.(raftpd.Message)
		n.msgs.Remove(first)

		// Drop the message if the remote peer is dead or
		// the connection to remote is cut down.
		if _, ok := n.peers[msg.To]; !ok {
			continue
		}
		if _, ok := n.cutMap[link{msg.From, msg.To}]; ok {
			continue
		}
		// ignore the message
		if _, ok := n.ignoreType[msg.MsgType]; ok {
			continue
		}
		n.delivered = append(n.delivered, msg)
		n.peers[msg.To].Step(&msg)
		n.process(msg.To)
	}
}

func (n *network) tick(node uint64, millis int) {
	n.peers[node].Periodic(millis)
	n.process(node)
	n.dispatchMessages()
}

func (n *network) startElection(node uint64) {
	n.tick(node, 2*testElection)
}

func (n *network) heartbeat(node uint64) {
	n.tick(node, testHeartbeat)
}

func (n *network) propose(node uint64, data []byte) (uint64, error) {
	idx, _, err := n.peers[node].Propose(data)
	n.process(node)
	n.dispatchMessages()
	return idx, err
}

func (n *network) readIndex(node uint64, data []byte) error {
	err := n.peers[node].Read(data)
	n.process(node)
	n.dispatchMessages()
	return err
}

func (n *network) run(node uint64, f func(peer *RawNode)) {
	f(n.peers[node])
	n.process(node)
	n.dispatchMessages()
}

func (n *network) peer(node uint64) *RawNode {
	return n.peers[node]
}

func (n *network) down(node uint64) {
	delete(n.peers, node)
}

// Cut down the connection between n1 and n2.
func (n *network) cut(c1, c2 uint64) {
	n.cutMap[link{c1, c2}] = struct{}{}
	n.cutMap[link{c2, c1}] = struct{}{}
}

// ignore a specified type of message
func (n *network) ignore(tp raftpd.MessageType) {
	n.ignoreType[tp] = struct{}{}
}

// recover the whole network to normal
func (n *network) recover() {
	n.ignoreType = make(map[raftpd.MessageType]struct{})
	n.cutMap = make(map[link]struct{})
}

// return the leader of group, if no leader here, return InvalidId
func (n *network) leader() uint64 {
	for _, rf := range n.peers {
		if rf.state == RoleLeader {
			return rf.id
		}
	}
	return conf.InvalidID
}

func (n *network) allCommitted(idx uint64) bool {
	for _, peer := range n.peers {
		if peer.log.CommitIndex() < idx {
			return false
		}
	}
	return true
}

func (n *network) countDelivered(tp raftpd.MessageType, to uint64) int {
	count := 0
	for _, msg := range n.delivered {
		if msg.MsgType == tp && msg.To == to {
			count++
		}
	}
	return count
}

var errChunkOrder = errors.New("chunk out of order")

// memApp serves one in-memory snapshot and receives others.
type memApp struct {
	snapshot *raftpd.SnapshotID
	chunks   []raftpd.SnapshotChunk

	receiving raftpd.SnapshotID
	received  []raftpd.SnapshotChunk
	restored  []raftpd.SnapshotID
}

func (a *memApp) LatestSnapshot() (raftpd.SnapshotID, bool) {
	if a.snapshot == nil {
		return raftpd.SnapshotID{}, false
	}
	return *a.snapshot, true
}

func (a *memApp) ReadSnapshotChunk(id raftpd.SnapshotID, chunkIdx uint64) (raftpd.SnapshotChunk, bool, error) {
	if a.snapshot == nil || *a.snapshot != id || chunkIdx >= uint64(len(a.chunks)) {
		return raftpd.SnapshotChunk{}, false, errChunkOrder
	}
	return a.chunks[chunkIdx], chunkIdx+1 == uint64(len(a.chunks)), nil
}

func (a *memApp) InstallSnapshotChunk(req *raftpd.InstallRequest) error {
	if req.ChunkIndex == 0 && req.SnapshotID != a.receiving {
		a.receiving = req.SnapshotID
		a.received = nil
	}
	if req.SnapshotID != a.receiving {
		return errChunkOrder
	}
	if req.ChunkIndex < uint64(len(a.received)) {
		return nil
	}
	if req.ChunkIndex != uint64(len(a.received)) {
		return errChunkOrder
	}
	a.received = append(a.received, req.Chunk)
	if req.IsLast {
		a.restored = append(a.restored, req.SnapshotID)
	}
	return nil
}
