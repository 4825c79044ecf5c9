package peer

import "fmt"

// VoteState record node voting status.
type VoteState int

// Vote status
const (
	VoteNone VoteState = iota
	VoteReject
	VoteGranted
)

// nodeState is the replication mode the leader runs for a follower.
// m is Matched, n is NextIdx, p the pending snapshot and c its next
// chunk.
//
//	probe (initial, m: 0, n: last+1)
//		one append outstanding, resumed by any response, a heartbeat
//		response or unreachable
//		append ok => replicate (m: idx, n: idx+1)
//		append rejected => probe (n: max{1, min{reject, hint+1}}),
//			ignored unless reject == n-1
//		n below the first log index => snapshot (p: latest, c: 0)
//
//	replicate
//		appends pipelined up to the inflight cap (n: last+1)
//		append ok => m: max{m, idx}, free inflights up to idx
//		append rejected => probe (n: m+1), ignored when reject <= m
//		unreachable => probe (n: m+1)
//
//	snapshot
//		chunk acked => c: c+1, send the next chunk
//		last chunk acked => probe (m: max{m, p.idx}, n: m+1)
//		rejected or unreachable => probe (n: p.idx), the next heartbeat
//			starts the snapshot over
type nodeState int

const (
	nodeStateProbe nodeState = iota
	nodeStateReplicate
	nodeStateSnapshot
)

func (state nodeState) String() string {
	switch state {
	case nodeStateProbe:
		return "Probe"
	case nodeStateReplicate:
		return "Replicate"
	case nodeStateSnapshot:
		return "Snapshot"
	}
	return fmt.Sprintf("nodeState(%d)", int(state))
}

func defaultNodeState() nodeState {
	return nodeStateProbe
}
