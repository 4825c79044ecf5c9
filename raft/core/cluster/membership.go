// Package cluster tracks the committed and pending membership of a
// partition and answers quorum questions against the committed one.
package cluster

import (
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
)

var (
	ErrConfigurationInProgress = errors.New("cluster: configuration change in progress")
	ErrInvalidConfiguration    = errors.New("cluster: invalid configuration")
	ErrUnknownMember           = errors.New("cluster: unknown member")
	ErrMemberExists            = errors.New("cluster: member already exists")
)

// Membership holds the active (committed) configuration and at most
// one pending configuration whose entry is appended but not committed.
type Membership struct {
	id      uint64
	active  raftpd.Configuration
	pending *raftpd.Configuration
}

// MakeMembership starts from the committed configuration conf.
func MakeMembership(id uint64, conf raftpd.Configuration) *Membership {
	return &Membership{id: id, active: conf.Clone()}
}

// Active returns the committed configuration.
func (m *Membership) Active() raftpd.Configuration {
	return m.active.Clone()
}

// Pending returns the uncommitted configuration, if any.
func (m *Membership) Pending() (raftpd.Configuration, bool) {
	if m.pending == nil {
		return raftpd.Configuration{}, false
	}
	return m.pending.Clone(), true
}

func (m *Membership) HasPending() bool {
	return m.pending != nil
}

// Latest returns the pending configuration, or the active one.
func (m *Membership) Latest() raftpd.Configuration {
	if m.pending != nil {
		return m.pending.Clone()
	}
	return m.Active()
}

// IsVoter reports whether id votes in the committed configuration.
func (m *Membership) IsVoter(id uint64) bool {
	return m.active.IsVoter(id)
}

// IsMember reports whether id belongs to the committed or the pending
// configuration.
func (m *Membership) IsMember(id uint64) bool {
	return m.active.Contains(id) || (m.pending != nil && m.pending.Contains(id))
}

// Voters returns the voters of the committed configuration.
func (m *Membership) Voters() []uint64 {
	return m.active.Voters()
}

// Quorum is the majority size of the committed configuration.
func (m *Membership) Quorum() int {
	return m.active.Quorum()
}

// Replicas returns every member, except the local one, that receives
// replication: the union of the committed and pending configurations.
func (m *Membership) Replicas() []uint64 {
	seen := make(map[uint64]struct{})
	ids := make([]uint64, 0, len(m.active.Members))
	add := func(c *raftpd.Configuration) {
		for _, member := range c.Members {
			if _, ok := seen[member.ID]; ok || member.ID == m.id {
				continue
			}
			seen[member.ID] = struct{}{}
			ids = append(ids, member.ID)
		}
	}
	add(&m.active)
	if m.pending != nil {
		add(m.pending)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Granted reports whether the votes reach a quorum of the committed
// configuration. Votes from non-voters are ignored.
func (m *Membership) Granted(votes map[uint64]bool) (granted bool, rejected bool) {
	var yes, no int
	for _, id := range m.active.Voters() {
		v, ok := votes[id]
		if !ok {
			continue
		}
		if v {
			yes++
		} else {
			no++
		}
	}
	quorum := m.Quorum()
	voters := len(m.active.Voters())
	return yes >= quorum, voters-no < quorum
}

// CommitIndex returns the highest index matched by a quorum of voters.
func (m *Membership) CommitIndex(matched func(id uint64) uint64) uint64 {
	voters := m.active.Voters()
	if len(voters) == 0 {
		return 0
	}
	indexes := make([]uint64, 0, len(voters))
	for _, id := range voters {
		indexes = append(indexes, matched(id))
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] > indexes[j] })
	return indexes[m.Quorum()-1]
}

// Check validates that next may be proposed now.
func (m *Membership) Check(next *raftpd.Configuration) error {
	if m.pending != nil {
		return fmt.Errorf("%w: pending at %d", ErrConfigurationInProgress, m.pending.Index)
	}
	if len(next.Voters()) == 0 {
		return fmt.Errorf("%w: no active member", ErrInvalidConfiguration)
	}
	seen := make(map[uint64]struct{})
	for _, member := range next.Members {
		if _, ok := seen[member.ID]; ok {
			return fmt.Errorf("%w: duplicated member %d", ErrInvalidConfiguration, member.ID)
		}
		seen[member.ID] = struct{}{}
	}
	return nil
}

// Join derives the configuration adding member.
func (m *Membership) Join(member raftpd.Member) (raftpd.Configuration, error) {
	latest := m.Latest()
	if current, ok := latest.Member(member.ID); ok && current.Type == member.Type {
		return raftpd.Configuration{}, fmt.Errorf("%w: %d", ErrMemberExists, member.ID)
	}
	next := m.active.With(member)
	return next, m.Check(&next)
}

// Leave derives the configuration without id.
func (m *Membership) Leave(id uint64) (raftpd.Configuration, error) {
	if !m.active.Contains(id) {
		return raftpd.Configuration{}, fmt.Errorf("%w: %d", ErrUnknownMember, id)
	}
	next := m.active.Without(id)
	return next, m.Check(&next)
}

// Promote derives the configuration turning a promotable member active.
func (m *Membership) Promote(id uint64) (raftpd.Configuration, error) {
	member, ok := m.active.Member(id)
	if !ok {
		return raftpd.Configuration{}, fmt.Errorf("%w: %d", ErrUnknownMember, id)
	}
	if member.Type == raftpd.MemberActive {
		return raftpd.Configuration{}, fmt.Errorf("%w: %d is active", ErrMemberExists, id)
	}
	next := m.active.With(raftpd.Member{ID: id, Type: raftpd.MemberActive})
	return next, m.Check(&next)
}

// Reconfigure validates an arbitrary target configuration.
func (m *Membership) Reconfigure(target raftpd.Configuration) (raftpd.Configuration, error) {
	next := target.Clone()
	return next, m.Check(&next)
}

// Append records conf, whose entry was appended at conf.Index, as the
// pending configuration.
func (m *Membership) Append(conf raftpd.Configuration) {
	cloned := conf.Clone()
	if cloned.Index <= m.active.Index {
		return
	}
	log.Infof("%d pending configuration %v", m.id, cloned)
	m.pending = &cloned
}

// Commit promotes the pending configuration once commitIndex reaches
// its entry. It returns the new active configuration when it changed.
func (m *Membership) Commit(commitIndex uint64) (raftpd.Configuration, bool) {
	if m.pending == nil || m.pending.Index > commitIndex {
		return raftpd.Configuration{}, false
	}
	m.active = *m.pending
	m.pending = nil
	log.Infof("%d committed configuration %v", m.id, m.active)
	return m.Active(), true
}

// Truncate drops a pending configuration whose entry is beyond
// lastIndex, after the log was truncated.
func (m *Membership) Truncate(lastIndex uint64) {
	if m.pending != nil && m.pending.Index > lastIndex {
		log.Infof("%d drop truncated configuration %v", m.id, *m.pending)
		m.pending = nil
	}
}

// Reset replaces the whole state with the committed conf, used after
// a snapshot install or a configure request.
func (m *Membership) Reset(conf raftpd.Configuration) bool {
	if conf.Index < m.active.Index {
		return false
	}
	m.active = conf.Clone()
	if m.pending != nil && m.pending.Index <= conf.Index {
		m.pending = nil
	}
	return true
}
