// Package read keeps the bookkeeping of read-index requests: a read is
// served once a quorum confirmed the leader still leads at the index.
package read

// ReadState is a confirmed read, safe to serve once the state machine
// applied Index.
type ReadState struct {
	Index      uint64
	RequestCtx []byte
}

type ReadIndexStatus struct {
	Index   uint64
	To      uint64
	Context []byte
	Acks    map[uint64]struct{}
}

type ReadOnly struct {
	pendingReadIndex map[string]*ReadIndexStatus
	readIndexQueue   []string
}

func MakeReadOnly() *ReadOnly {
	return &ReadOnly{
		pendingReadIndex: make(map[string]*ReadIndexStatus),
		readIndexQueue:   make([]string, 0),
	}
}

// AddRequest queues a read at index on behalf of member `to`.
// Duplicated contexts are ignored.
func (ro *ReadOnly) AddRequest(index uint64, to uint64, context []byte) {
	ctx := string(context)
	if _, ok := ro.pendingReadIndex[ctx]; ok {
		return
	}
	ro.pendingReadIndex[ctx] = &ReadIndexStatus{
		Index:   index,
		To:      to,
		Context: context,
		Acks:    make(map[uint64]struct{}),
	}
	ro.readIndexQueue = append(ro.readIndexQueue, ctx)
}

// ReceiveAck records a heartbeat acknowledgement of the request and
// returns the acknowledging members, the local one excluded.
func (ro *ReadOnly) ReceiveAck(from uint64, context []byte) map[uint64]struct{} {
	rs, ok := ro.pendingReadIndex[string(context)]
	if !ok {
		return nil
	}
	rs.Acks[from] = struct{}{}
	return rs.Acks
}

// Advance advances the read only request queue kept by the ReadOnly struct.
// It dequeues the requests until it finds the read only request that has
// the same context as the given one.
func (ro *ReadOnly) Advance(context []byte) []*ReadIndexStatus {
	ctx := string(context)
	for i, okctx := range ro.readIndexQueue {
		if okctx != ctx {
			continue
		}
		rss := make([]*ReadIndexStatus, 0, i+1)
		for _, c := range ro.readIndexQueue[:i+1] {
			rs, ok := ro.pendingReadIndex[c]
			if !ok {
				panic("cannot find corresponding read state from pending map")
			}
			rss = append(rss, rs)
			delete(ro.pendingReadIndex, c)
		}
		ro.readIndexQueue = ro.readIndexQueue[i+1:]
		return rss
	}
	return nil
}

// LastPendingRequestCtx returns the context of the last pending read
// only request.
func (ro *ReadOnly) LastPendingRequestCtx() []byte {
	if len(ro.readIndexQueue) == 0 {
		return nil
	}
	return []byte(ro.readIndexQueue[len(ro.readIndexQueue)-1])
}

// Pending returns the number of unconfirmed requests.
func (ro *ReadOnly) Pending() int {
	return len(ro.readIndexQueue)
}

// Reset drops every pending request, used when leadership is lost.
func (ro *ReadOnly) Reset() {
	ro.pendingReadIndex = make(map[string]*ReadIndexStatus)
	ro.readIndexQueue = ro.readIndexQueue[:0]
}
