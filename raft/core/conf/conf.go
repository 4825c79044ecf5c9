package conf

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/raft/validator"
)

// Invalid value for raft.
const (
	InvalidIndex uint64 = 0
	InvalidID    uint64 = math.MaxUint64
	InvalidTerm  uint64 = 0
)

// Replication defaults.
const (
	DefaultMaxInflight   = 2
	DefaultMaxSizePerMsg = 32 * 1024
)

var ErrInvalidConfig = errors.New("conf: invalid config")

// Config given information to build raft algorithm.
type Config struct {
	// ID is the identity of the local raft, it cannot be 0 or InvalidID.
	ID uint64

	Vote uint64
	Term uint64

	// ElectionTick is the number of milliseconds that must pass between
	// elections. That is, if a follower does not receive any message from
	// the leader of current term before electionTick has elapsed, it will
	// become candidate and start an election. ElectionTick must be greater
	// than HeartbeatTick. We suggest electionTick = 10 * HeartbeatTick to
	// avoid unnecessary leader switching.
	ElectionTick int

	// HeartbeatTick is the number of milliseconds between heartbeats.
	HeartbeatTick int

	// MaxSizePerMsg caps the bytes of entries in one append request.
	// At least one entry is always sent.
	MaxSizePerMsg uint64

	// MaxInflight caps the append requests outstanding per follower.
	MaxInflight int

	// Configuration is the last committed membership known locally.
	Configuration raftpd.Configuration

	// Entries restores the log, Entries[0] is the last compacted (or
	// snapshot) position and is never replayed.
	Entries []raftpd.Entry

	// Commit restores the commit index, it never exceeds the last entry.
	Commit uint64

	// LastApplication is the last application entry covered by
	// Entries[0], nil when the snapshot there holds none.
	LastApplication *raftpd.Entry

	// Validator checks application entries before the leader appends
	// them, nil accepts everything.
	Validator validator.Validator

	// DetectInconsistency turns FailureLimit consecutive validation
	// failures into a halting inconsistency.
	DetectInconsistency bool
	FailureLimit        int

	// Rand randomizes election timeouts, tests inject a seeded one.
	Rand *rand.Rand
}

// Verify check whether fields of Config is valid, and fill defaults.
func (c *Config) Verify() error {
	if c.ID == 0 || c.ID == InvalidID {
		return fmt.Errorf("%w: id %d", ErrInvalidConfig, c.ID)
	}

	if c.HeartbeatTick <= 0 {
		return fmt.Errorf("%w: heartbeat tick must be great than zero", ErrInvalidConfig)
	}

	if c.ElectionTick <= c.HeartbeatTick {
		return fmt.Errorf("%w: election tick %d must be great than heartbeat tick %d",
			ErrInvalidConfig, c.ElectionTick, c.HeartbeatTick)
	}

	if len(c.Configuration.Members) == 0 {
		return fmt.Errorf("%w: empty configuration", ErrInvalidConfig)
	}

	if len(c.Entries) != 0 {
		for i := 1; i < len(c.Entries); i++ {
			if c.Entries[i].Index != c.Entries[i-1].Index+1 {
				return fmt.Errorf("%w: entries not contiguous at %d",
					ErrInvalidConfig, c.Entries[i].Index)
			}
		}
		last := c.Entries[len(c.Entries)-1].Index
		if c.Commit > last {
			return fmt.Errorf("%w: commit %d beyond last entry %d", ErrInvalidConfig, c.Commit, last)
		}
	}

	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = DefaultMaxSizePerMsg
	}
	if c.Validator == nil {
		c.Validator = validator.Noop
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = 1
	}
	if c.Vote == 0 {
		c.Vote = InvalidID
	}
	return nil
}
