package envior

import (
	"math/rand"
	"sort"

	"github.com/thinkermao/replog/raft/proto"
)

const (
	// maxDelay bounds the latency of an unreliable link, in millis.
	maxDelay = 27
	// dropRate is the per mille of messages an unreliable network loses.
	dropRate = 100
)

type packet struct {
	seq       uint64
	from      int
	to        int
	deliverAt int64
	msg       raftpd.Message
}

// network is a virtual time network between the members. Reliable
// links are fifo, unreliable ones drop, delay and reorder.
type network struct {
	rand     *rand.Rand
	reliable bool
	enabled  []bool
	cut      map[[2]int]bool
	counts   []int64
	queue    []packet
	seq      uint64
}

func makeNetwork(num int, rand *rand.Rand) *network {
	return &network{
		rand:     rand,
		reliable: true,
		enabled:  make([]bool, num),
		cut:      make(map[[2]int]bool),
		counts:   make([]int64, num),
	}
}

func (n *network) Enable(i int)         { n.enabled[i] = true }
func (n *network) Disable(i int)        { n.enabled[i] = false }
func (n *network) IsEnable(i int) bool  { return n.enabled[i] }
func (n *network) SetReliable(rel bool) { n.reliable = rel }
func (n *network) GetCount(i int) int64 { return n.counts[i] }
func (n *network) Cut(from, to int)     { n.cut[[2]int{from, to}] = true }
func (n *network) Heal(from, to int)    { delete(n.cut, [2]int{from, to}) }
func (n *network) HealAll()             { n.cut = make(map[[2]int]bool) }
func (n *network) Pending() int         { return len(n.queue) }
func (n *network) linked(from, to int) bool {
	return n.enabled[from] && n.enabled[to] && !n.cut[[2]int{from, to}]
}

// Send queues msgs of from, the ids of the members are index + 1.
func (n *network) Send(now int64, from int, msgs []raftpd.Message) {
	for i := range msgs {
		n.counts[from]++
		delay := int64(1)
		if !n.reliable {
			if n.rand.Intn(1000) < dropRate {
				continue
			}
			delay += n.rand.Int63n(maxDelay)
		}
		n.seq++
		n.queue = append(n.queue, packet{
			seq:       n.seq,
			from:      from,
			to:        int(msgs[i].To) - 1,
			deliverAt: now + delay,
			msg:       msgs[i],
		})
	}
}

// Due removes and returns the packets that arrive by now, in arrival
// order.
func (n *network) Due(now int64) []packet {
	var due, remain []packet
	for _, p := range n.queue {
		if p.deliverAt <= now {
			due = append(due, p)
		} else {
			remain = append(remain, p)
		}
	}
	n.queue = remain
	sort.Slice(due, func(i, j int) bool {
		if due[i].deliverAt != due[j].deliverAt {
			return due[i].deliverAt < due[j].deliverAt
		}
		return due[i].seq < due[j].seq
	})
	return due
}

// Take removes the k-th queued packet regardless of its arrival time.
func (n *network) Take(k int) packet {
	p := n.queue[k]
	n.queue = append(n.queue[:k], n.queue[k+1:]...)
	return p
}

// first returns the position of the oldest queued packet matching fn.
func (n *network) first(fn func(p *packet) bool) (int, bool) {
	k := -1
	for i := range n.queue {
		if fn(&n.queue[i]) && (k == -1 || n.queue[i].seq < n.queue[k].seq) {
			k = i
		}
	}
	return k, k != -1
}
