package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/state"
)

const requestTimeout = 5 * time.Second

type handler struct {
	partition *raft.Raft
	client    *state.Client
}

// newHandler serves metrics, membership administration and the keyed
// store under /kv/<key>.
func newHandler(partition *raft.Raft, client *state.Client, registry *prometheus.Registry) http.Handler {
	h := &handler{partition: partition, client: client}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", h.status)
	mux.HandleFunc("/snapshot", h.snapshot)
	mux.HandleFunc("/members/join", h.join)
	mux.HandleFunc("/members/leave", h.leave)
	mux.HandleFunc("/members/promote", h.promote)
	mux.HandleFunc("/kv/", h.kv)
	return mux
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	status, err := h.partition.Status(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status)
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	id, err := h.partition.TakeSnapshot(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"snapshot": id.String()})
}

func (h *handler) join(w http.ResponseWriter, r *http.Request) {
	h.reconfigure(w, r, func(ctx context.Context, id uint64) (uint64, error) {
		member := raftpd.Member{ID: id, Type: raftpd.MemberPromotable}
		return h.partition.Join(ctx, member, r.URL.Query().Get("address"))
	})
}

func (h *handler) leave(w http.ResponseWriter, r *http.Request) {
	h.reconfigure(w, r, h.partition.Leave)
}

func (h *handler) promote(w http.ResponseWriter, r *http.Request) {
	h.reconfigure(w, r, h.partition.Promote)
}

func (h *handler) reconfigure(w http.ResponseWriter, r *http.Request, fn func(context.Context, uint64) (uint64, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad member id", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	index, err := fn(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"index": index})
}

func (h *handler) kv(w http.ResponseWriter, r *http.Request) {
	key := []byte(r.URL.Path[len("/kv/"):])
	if len(key) == 0 {
		http.Error(w, "empty key", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		value, err := h.client.Get(ctx, key)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Write(value)
	case http.MethodPut:
		value, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		index, err := h.client.Put(ctx, key, value)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]uint64{"index": index})
	case http.MethodDelete:
		index, err := h.client.Delete(ctx, key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]uint64{"index": index})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("http: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, state.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, raft.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}
