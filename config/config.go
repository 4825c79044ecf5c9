// Package config loads the YAML configuration of a replog node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/thinkermao/replog/raft"
	"github.com/thinkermao/replog/raft/core/conf"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for omitted fields.
const (
	DefaultTick                  = 10 * time.Millisecond
	DefaultHeartbeatInterval     = 100 * time.Millisecond
	DefaultElectionTimeout       = time.Second
	DefaultMaxAppendsPerFollower = conf.DefaultMaxInflight
	DefaultMaxAppendBatchSize    = conf.DefaultMaxSizePerMsg
	DefaultSnapshotInterval      = 10000
	DefaultFailureLimit          = 3
	DefaultLogLevel              = "info"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Raft         RaftConfig         `yaml:"raft"`
	Experimental ExperimentalConfig `yaml:"experimental"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

type NodeConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

type ClusterConfig struct {
	// Members are the voters a new partition starts with, all peers
	// when empty. A joining node lists the current members.
	Members []uint64     `yaml:"members"`
	Join    bool         `yaml:"join"`
	Peers   []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type RaftConfig struct {
	Tick                  time.Duration `yaml:"tick"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeout       time.Duration `yaml:"election_timeout"`
	MaxAppendsPerFollower int           `yaml:"max_appends_per_follower"`
	MaxAppendBatchSize    uint64        `yaml:"max_append_batch_size"`
	DisableExplicitFlush  bool          `yaml:"disable_explicit_flush"`
	SnapshotInterval      uint64        `yaml:"snapshot_interval"`
	SegmentSize           int64         `yaml:"segment_size"`
}

type ExperimentalConfig struct {
	DetectReprocessingInconsistency bool `yaml:"detect_reprocessing_inconsistency"`
	InconsistencyFailureLimit       int  `yaml:"inconsistency_failure_limit"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	// Address serves /metrics when set.
	Address string `yaml:"address"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data, unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	r := &c.Raft
	if r.Tick == 0 {
		r.Tick = DefaultTick
	}
	if r.HeartbeatInterval == 0 {
		r.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if r.ElectionTimeout == 0 {
		r.ElectionTimeout = DefaultElectionTimeout
	}
	if r.MaxAppendsPerFollower == 0 {
		r.MaxAppendsPerFollower = DefaultMaxAppendsPerFollower
	}
	if r.MaxAppendBatchSize == 0 {
		r.MaxAppendBatchSize = DefaultMaxAppendBatchSize
	}
	if r.SnapshotInterval == 0 {
		r.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.Experimental.InconsistencyFailureLimit == 0 {
		c.Experimental.InconsistencyFailureLimit = DefaultFailureLimit
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if len(c.Cluster.Members) == 0 && !c.Cluster.Join {
		for _, peer := range c.Cluster.Peers {
			c.Cluster.Members = append(c.Cluster.Members, peer.ID)
		}
	}
}

func (c *Config) Validate() error {
	if c.Node.ID == 0 || c.Node.ID == conf.InvalidID {
		return fmt.Errorf("%w: node.id must be greater than 0", ErrInvalid)
	}
	if c.Node.Address == "" {
		return fmt.Errorf("%w: node.address is required", ErrInvalid)
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("%w: node.data_dir is required", ErrInvalid)
	}
	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("%w: cluster.peers must contain at least one peer", ErrInvalid)
	}

	peers := make(map[uint64]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		if _, ok := peers[peer.ID]; ok {
			return fmt.Errorf("%w: duplicate peer id %d", ErrInvalid, peer.ID)
		}
		peers[peer.ID] = peer.Address
	}
	address, ok := peers[c.Node.ID]
	if !ok {
		return fmt.Errorf("%w: node.id=%d not found in cluster.peers", ErrInvalid, c.Node.ID)
	}
	if address != c.Node.Address {
		return fmt.Errorf("%w: node.address=%s but peer address=%s", ErrInvalid, c.Node.Address, address)
	}

	if len(c.Cluster.Members) == 0 {
		return fmt.Errorf("%w: a joining node must list cluster.members", ErrInvalid)
	}
	for _, id := range c.Cluster.Members {
		if _, ok := peers[id]; !ok {
			return fmt.Errorf("%w: member %d has no peer address", ErrInvalid, id)
		}
		if c.Cluster.Join && id == c.Node.ID {
			return fmt.Errorf("%w: joining node %d listed as member", ErrInvalid, id)
		}
	}

	r := &c.Raft
	if r.Tick <= 0 || r.HeartbeatInterval < r.Tick {
		return fmt.Errorf("%w: raft.heartbeat_interval %v must be at least raft.tick %v",
			ErrInvalid, r.HeartbeatInterval, r.Tick)
	}
	if r.ElectionTimeout <= r.HeartbeatInterval {
		return fmt.Errorf("%w: raft.election_timeout %v must exceed raft.heartbeat_interval %v",
			ErrInvalid, r.ElectionTimeout, r.HeartbeatInterval)
	}
	if r.MaxAppendsPerFollower < 1 {
		return fmt.Errorf("%w: raft.max_appends_per_follower must be positive", ErrInvalid)
	}
	if c.Experimental.InconsistencyFailureLimit < 1 {
		return fmt.Errorf("%w: experimental.inconsistency_failure_limit must be positive", ErrInvalid)
	}
	return nil
}

// Peers maps every peer id to its address.
func (c *Config) Peers() map[uint64]string {
	peers := make(map[uint64]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		peers[peer.ID] = peer.Address
	}
	return peers
}

// PartitionConfig translates c into the partition driver's config.
func (c *Config) PartitionConfig() raft.Config {
	return raft.Config{
		ID:                  c.Node.ID,
		Members:             c.Cluster.Members,
		Peers:               c.Peers(),
		DataDir:             c.Node.DataDir,
		TickInterval:        c.Raft.Tick,
		ElectionTick:        int(c.Raft.ElectionTimeout / time.Millisecond),
		HeartbeatTick:       int(c.Raft.HeartbeatInterval / time.Millisecond),
		MaxSizePerMsg:       c.Raft.MaxAppendBatchSize,
		MaxInflight:         c.Raft.MaxAppendsPerFollower,
		SnapshotInterval:    c.Raft.SnapshotInterval,
		NoSync:              c.Raft.DisableExplicitFlush,
		SegmentSize:         c.Raft.SegmentSize,
		DetectInconsistency: c.Experimental.DetectReprocessingInconsistency,
		FailureLimit:        c.Experimental.InconsistencyFailureLimit,
	}
}
