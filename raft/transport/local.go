package transport

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
)

type link struct {
	from, to uint64
}

// Network connects in-process transports, links may be cut to simulate
// partitions.
type Network struct {
	mutex   sync.Mutex
	members map[uint64]*Local
	cut     map[link]struct{}
}

func NewNetwork() *Network {
	return &Network{
		members: make(map[uint64]*Local),
		cut:     make(map[link]struct{}),
	}
}

// Join creates the transport of member id.
func (n *Network) Join(id uint64) *Local {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	l := &Local{
		id:      id,
		network: n,
		inbox:   make(chan raftpd.Message, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	n.members[id] = l
	return l
}

// Cut drops every message between a and b, both ways.
func (n *Network) Cut(a, b uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.cut[link{a, b}] = struct{}{}
	n.cut[link{b, a}] = struct{}{}
}

// Isolate cuts id from every other member.
func (n *Network) Isolate(id uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for other := range n.members {
		if other != id {
			n.cut[link{id, other}] = struct{}{}
			n.cut[link{other, id}] = struct{}{}
		}
	}
}

// Heal restores every link.
func (n *Network) Heal() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.cut = make(map[link]struct{})
}

func (n *Network) route(from, to uint64) (*Local, bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, ok := n.cut[link{from, to}]; ok {
		return nil, false
	}
	l, ok := n.members[to]
	return l, ok
}

func (n *Network) leave(id uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.members, id)
}

// Local is the transport of one member of a Network.
type Local struct {
	id      uint64
	network *Network

	inbox chan raftpd.Message
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func (l *Local) Start(handler Handler) error {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case msg := <-l.inbox:
				handler.Step(&msg)
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

func (l *Local) Send(msg *raftpd.Message) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	remote, ok := l.network.route(l.id, msg.To)
	if !ok {
		log.Debugf("%d drop message %v to %d", l.id, msg.MsgType, msg.To)
		return ErrUnknownPeer
	}
	select {
	case remote.inbox <- *msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// AddPeer is a no-op, members are found through the Network.
func (l *Local) AddPeer(id uint64, address string) {}

func (l *Local) RemovePeer(id uint64) {}

func (l *Local) Close() error {
	l.once.Do(func() {
		l.network.leave(l.id)
		close(l.done)
	})
	l.wg.Wait()
	return nil
}
