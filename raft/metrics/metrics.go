// Package metrics exposes the replication quantities of a partition
// through an injected Sink.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives the observable quantities of one partition.
type Sink interface {
	SetCommitIndex(index uint64)
	SetLastAppendedIndex(index uint64)
	SetRole(role string)
	SetFollowerLag(follower uint64, lag uint64)
	RemoveFollower(follower uint64)
	IncSnapshots()
}

// Nop drops everything.
type Nop struct{}

func (Nop) SetCommitIndex(uint64)         {}
func (Nop) SetLastAppendedIndex(uint64)   {}
func (Nop) SetRole(string)                {}
func (Nop) SetFollowerLag(uint64, uint64) {}
func (Nop) RemoveFollower(uint64)         {}
func (Nop) IncSnapshots()                 {}

// Roles reported by SetRole, one gauge sample per role.
var Roles = []string{"Inactive", "Follower", "PreCandidate", "Candidate", "Leader", "Closed"}

// Collectors holds the metric vectors shared by the partitions of a
// process. It is created once and registered into a registry.
type Collectors struct {
	commitIndex   *prometheus.GaugeVec
	appendedIndex *prometheus.GaugeVec
	role          *prometheus.GaugeVec
	followerLag   *prometheus.GaugeVec
	snapshots     *prometheus.CounterVec
}

// NewCollectors creates the vectors and registers them into reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		commitIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replog",
			Subsystem: "raft",
			Name:      "commit_index",
			Help:      "Index of the last committed entry.",
		}, []string{"partition"}),
		appendedIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replog",
			Subsystem: "raft",
			Name:      "append_index",
			Help:      "Index of the last appended entry.",
		}, []string{"partition"}),
		role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replog",
			Subsystem: "raft",
			Name:      "role",
			Help:      "Current role of the member, 1 for the active role.",
		}, []string{"partition", "role"}),
		followerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replog",
			Subsystem: "raft",
			Name:      "follower_lag",
			Help:      "Entries a follower is behind the leader's last index.",
		}, []string{"partition", "follower"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replog",
			Subsystem: "raft",
			Name:      "snapshots_total",
			Help:      "Snapshots persisted.",
		}, []string{"partition"}),
	}

	collectors := []prometheus.Collector{
		c.commitIndex, c.appendedIndex, c.role, c.followerLag, c.snapshots,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Partition returns the sink of one partition.
func (c *Collectors) Partition(partition uint64) Sink {
	label := strconv.FormatUint(partition, 10)
	return &promSink{collectors: c, partition: label}
}

type promSink struct {
	collectors *Collectors
	partition  string
}

func (s *promSink) SetCommitIndex(index uint64) {
	s.collectors.commitIndex.WithLabelValues(s.partition).Set(float64(index))
}

func (s *promSink) SetLastAppendedIndex(index uint64) {
	s.collectors.appendedIndex.WithLabelValues(s.partition).Set(float64(index))
}

func (s *promSink) SetRole(role string) {
	for _, r := range Roles {
		value := 0.0
		if r == role {
			value = 1
		}
		s.collectors.role.WithLabelValues(s.partition, r).Set(value)
	}
}

func (s *promSink) SetFollowerLag(follower uint64, lag uint64) {
	s.collectors.followerLag.
		WithLabelValues(s.partition, strconv.FormatUint(follower, 10)).
		Set(float64(lag))
}

func (s *promSink) RemoveFollower(follower uint64) {
	s.collectors.followerLag.DeleteLabelValues(s.partition, strconv.FormatUint(follower, 10))
}

func (s *promSink) IncSnapshots() {
	s.collectors.snapshots.WithLabelValues(s.partition).Inc()
}
