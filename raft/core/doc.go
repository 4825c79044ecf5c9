// Package core provides a basic implementions of raft consensus algorithm.
//
// It provides a `Raft` interface to operation raft state machine. caller
// may implement `NodeApplication` to serve snapshots. On the same time,
// caller must periodic call `Raft.Periodic` with the milliseconds elapsed,
// call `Raft.Ready` to achieve ready datas, and dispatch them: persist
// hard state and unstabled entries, then send messages, then apply the
// committed entries, and finally call `Raft.Advance`. The local member
// counts its own entries only after `Advance`.
//
// Basic usage for `Raft` must be `Propose`, call it and pass binary data,
// and data will appear at `Ready.CommitEntries` when majority nodes has been
// response. The leader validates data against the last accepted entry
// before appending it, see package validator.
//
// `Raft` provides read-only queries that are not distributed through the log,
// you can call `Raft.Read` pass unique ID as `context` for the read-only query.
//
// Membership changes are configuration entries. At most one of them is
// pending at a time, and only the committed configuration decides quorums.
//
// Finaly, when persistence of `Ready.Entries` failed, call `PersistFailed`
// instead of `Advance`, the member steps down and the entries are handed
// out again.
package core
