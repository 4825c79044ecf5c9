package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/thinkermao/replog/raft"
	"github.com/thinkermao/replog/raft/metrics"
	"github.com/thinkermao/replog/raft/transport"
	"github.com/thinkermao/replog/raft/validator"
	"github.com/thinkermao/replog/state"
)

func startNode(t *testing.T) *httptest.Server {
	dir := t.TempDir()
	store, err := state.Open(filepath.Join(dir, "state", state.SnapshotFile))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := prometheus.NewRegistry()
	collectors, err := metrics.NewCollectors(registry)
	require.NoError(t, err)

	partition, err := raft.MakeRaft(raft.Config{
		ID:            1,
		Members:       []uint64{1},
		DataDir:       dir,
		TickInterval:  2 * time.Millisecond,
		HeartbeatTick: 10,
		ElectionTick:  50,
		NoSync:        true,
		Validator:     validator.Sequence{},
		Metrics:       collectors.Partition(1),
	}, state.NewMachine(1, store), transport.NewNetwork().Join(1))
	require.NoError(t, err)
	t.Cleanup(func() { partition.Close() })

	require.Eventually(t, func() bool {
		status, err := partition.Status(context.Background())
		return err == nil && status.SoftState.State.IsLeader()
	}, 5*time.Second, 5*time.Millisecond)

	server := httptest.NewServer(newHandler(partition, state.NewClient(partition, store), registry))
	t.Cleanup(server.Close)
	return server
}

func do(t *testing.T, method, url, body string) (int, string) {
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestHandler_KV(t *testing.T) {
	server := startNode(t)

	tests := []struct {
		method string
		path   string
		body   string
		wcode  int
		wbody  string
	}{
		{http.MethodGet, "/kv/a", "", http.StatusNotFound, ""},
		{http.MethodPut, "/kv/a", "hello", http.StatusOK, "index"},
		{http.MethodGet, "/kv/a", "", http.StatusOK, "hello"},
		{http.MethodDelete, "/kv/a", "", http.StatusOK, "index"},
		{http.MethodGet, "/kv/a", "", http.StatusNotFound, ""},
		{http.MethodGet, "/kv/", "", http.StatusBadRequest, ""},
		{http.MethodPost, "/kv/a", "", http.StatusMethodNotAllowed, ""},
	}

	for i, test := range tests {
		code, body := do(t, test.method, server.URL+test.path, test.body)
		if code != test.wcode || !strings.Contains(body, test.wbody) {
			t.Fatalf("#%d: %s %s want: %d %q, get: %d %q",
				i, test.method, test.path, test.wcode, test.wbody, code, body)
		}
	}
}

func TestHandler_AdminAndMetrics(t *testing.T) {
	server := startNode(t)

	code, body := do(t, http.MethodGet, server.URL+"/status", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "SoftState")

	code, _ = do(t, http.MethodPost, server.URL+"/members/promote?id=x", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, http.MethodPost, server.URL+"/snapshot", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "snapshot")

	code, body = do(t, http.MethodGet, server.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "replog_raft_commit_index")
	require.Contains(t, body, "replog_raft_snapshots_total")
}
