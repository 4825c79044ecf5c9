package raftpd

import (
	"testing"

	"github.com/go-test/deep"
)

func TestRPC_Envelope(t *testing.T) {
	req := AppendRequest{Term: 3, Leader: 1, PrevLogIndex: 4, PrevLogTerm: 2,
		Entries: []Entry{{Index: 5, Term: 3}}, CommitIndex: 4}
	msg := req.Message(2)
	if diff := deep.Equal(AppendRequestOf(&msg), req); diff != nil {
		t.Fatal(diff)
	}

	rejected := AppendResponse{Term: 3, Member: 2, RejectedIndex: 4, ConflictIndex: 1}
	msg = rejected.Message(1)
	if !msg.Reject || msg.Index != 4 || msg.RejectHint != 1 {
		t.Fatalf("reject response encoded wrong: %v", msg)
	}
	if diff := deep.Equal(AppendResponseOf(&msg), rejected); diff != nil {
		t.Fatal(diff)
	}

	poll := PollRequest{Term: 7, Candidate: 3, LastLogIndex: 9, LastLogTerm: 6}
	msg = poll.Message(1)
	if msg.MsgType != MsgPollRequest {
		t.Fatalf("poll type want: %v, get: %v", MsgPollRequest, msg.MsgType)
	}
	if diff := deep.Equal(PollRequestOf(&msg), poll); diff != nil {
		t.Fatal(diff)
	}

	install := InstallRequest{Term: 2, Leader: 1, SnapshotID: SnapshotID{10, 2, 5, 5},
		ChunkIndex: 1, Chunk: SnapshotChunk{Name: "a", Data: []byte("x")}, IsLast: true,
		Configuration:   MakeConfiguration(4, 1, 2, 3),
		LastApplication: &Entry{Index: 9, Term: 2, Data: []byte("seq")}}
	msg = install.Message(3)
	if diff := deep.Equal(InstallRequestOf(&msg), install); diff != nil {
		t.Fatal(diff)
	}
	// only the last chunk carries it.
	install.IsLast = false
	msg = install.Message(3)
	if got := InstallRequestOf(&msg); got.LastApplication != nil {
		t.Fatalf("last application want: nil, get: %v", got.LastApplication)
	}

	reconfigure := ReconfigureRequest{Configuration: MakeConfiguration(0, 1, 2), Context: []byte("ctx")}
	msg = reconfigure.Message(1)
	if diff := deep.Equal(ReconfigureRequestOf(&msg), reconfigure); diff != nil {
		t.Fatal(diff)
	}
}

func TestResponseOf(t *testing.T) {
	tests := []struct {
		req, resp MessageType
		ok        bool
	}{
		{MsgAppendRequest, MsgAppendResponse, true},
		{MsgPollRequest, MsgPollResponse, true},
		{MsgInstallRequest, MsgInstallResponse, true},
		{MsgJoinRequest, MsgReconfigureResponse, true},
		{MsgUnreachable, MsgUnreachable, false},
	}
	for i, test := range tests {
		resp, ok := ResponseOf(test.req)
		if resp != test.resp || ok != test.ok {
			t.Fatalf("#%d: want: %v/%v, get: %v/%v", i, test.resp, test.ok, resp, ok)
		}
		if ok && !resp.IsResponse() {
			t.Fatalf("#%d: %v should be a response", i, resp)
		}
	}
}
