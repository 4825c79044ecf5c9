package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thinkermao/replog/raft/proto"
)

type recorder struct {
	mutex       sync.Mutex
	msgs        []raftpd.Message
	unreachable []uint64
	received    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{received: make(chan struct{}, 1024)}
}

func (r *recorder) Step(msg *raftpd.Message) {
	r.mutex.Lock()
	r.msgs = append(r.msgs, *msg)
	r.mutex.Unlock()
	r.received <- struct{}{}
}

func (r *recorder) ReportUnreachable(id uint64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.unreachable = append(r.unreachable, id)
}

func (r *recorder) wait(t *testing.T, n int) []raftpd.Message {
	for i := 0; i < n; i++ {
		select {
		case <-r.received:
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting message %d of %d", i, n)
		}
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]raftpd.Message(nil), r.msgs...)
}

func TestLocal_SendInOrder(t *testing.T) {
	network := NewNetwork()
	l1, l2 := network.Join(1), network.Join(2)
	r1, r2 := newRecorder(), newRecorder()
	require.NoError(t, l1.Start(r1))
	require.NoError(t, l2.Start(r2))
	defer l1.Close()
	defer l2.Close()

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, l1.Send(&raftpd.Message{From: 1, To: 2, Index: i}))
	}
	msgs := r2.wait(t, 10)
	for i, msg := range msgs {
		if msg.Index != uint64(i+1) {
			t.Fatalf("#%d: want index: %d, get: %d", i, i+1, msg.Index)
		}
	}

	network.Cut(1, 2)
	require.ErrorIs(t, l1.Send(&raftpd.Message{From: 1, To: 2}), ErrUnknownPeer)
	network.Heal()
	require.NoError(t, l1.Send(&raftpd.Message{From: 1, To: 2}))
	r2.wait(t, 1)

	require.ErrorIs(t, l1.Send(&raftpd.Message{From: 1, To: 3}), ErrUnknownPeer)
}

func TestTCP_SendAndReceive(t *testing.T) {
	t1, t2 := NewTCP(1, "127.0.0.1:0"), NewTCP(2, "127.0.0.1:0")
	r1, r2 := newRecorder(), newRecorder()
	require.NoError(t, t1.Start(r1))
	require.NoError(t, t2.Start(r2))
	defer t1.Close()
	defer t2.Close()

	t1.AddPeer(2, t2.Addr())
	t2.AddPeer(1, t1.Addr())

	entries := []raftpd.Entry{{Index: 1, Term: 1, Data: []byte("x")}}
	for i := uint64(1); i <= 5; i++ {
		msg := raftpd.Message{MsgType: raftpd.MsgAppendRequest, From: 1, To: 2, Index: i, Entries: entries}
		require.NoError(t, t1.Send(&msg))
	}
	msgs := r2.wait(t, 5)
	for i, msg := range msgs {
		require.Equal(t, uint64(i+1), msg.Index)
		require.Equal(t, entries, msg.Entries)
	}

	require.NoError(t, t2.Send(&raftpd.Message{MsgType: raftpd.MsgAppendResponse, From: 2, To: 1}))
	require.Len(t, r1.wait(t, 1), 1)

	require.ErrorIs(t, t1.Send(&raftpd.Message{To: 9}), ErrUnknownPeer)
}

func TestTCP_Unreachable(t *testing.T) {
	t1 := NewTCP(1, "127.0.0.1:0")
	r1 := newRecorder()
	require.NoError(t, t1.Start(r1))
	defer t1.Close()

	// nothing listens on the closed transport's address.
	t2 := NewTCP(2, "127.0.0.1:0")
	require.NoError(t, t2.Start(newRecorder()))
	addr := t2.Addr()
	require.NoError(t, t2.Close())

	t1.AddPeer(2, addr)
	require.NoError(t, t1.Send(&raftpd.Message{From: 1, To: 2}))
	require.Eventually(t, func() bool {
		r1.mutex.Lock()
		defer r1.mutex.Unlock()
		return len(r1.unreachable) == 1 && r1.unreachable[0] == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, t1.Close())
	require.ErrorIs(t, t1.Send(&raftpd.Message{From: 1, To: 2}), ErrClosed)
}
