package raftpd

import (
	"encoding/gob"
	"fmt"
	"sort"
	"strings"
)

// MemberType decides whether a member takes part in elections and
// commitment.
type MemberType int

// A promotable member receives replication but neither votes nor
// counts toward quorum until promoted.
const (
	MemberActive MemberType = iota
	MemberPromotable
)

var memberTypeStr = []string{
	"ACTIVE",
	"PROMOTABLE",
}

func (t MemberType) String() string {
	if int(t) < 0 || int(t) >= len(memberTypeStr) {
		return fmt.Sprintf("MemberType(%d)", int(t))
	}
	return memberTypeStr[t]
}

type Member struct {
	ID   uint64
	Type MemberType
}

// Configuration is the membership of a partition as of the log entry
// at Index.
type Configuration struct {
	Index   uint64
	Members []Member
}

func (c *Configuration) Reset() { *c = Configuration{} }

// MakeConfiguration builds a configuration with every id active.
func MakeConfiguration(index uint64, ids ...uint64) Configuration {
	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, Member{ID: id, Type: MemberActive})
	}
	c := Configuration{Index: index, Members: members}
	c.normalize()
	return c
}

func (c *Configuration) normalize() {
	sort.Slice(c.Members, func(i, j int) bool {
		return c.Members[i].ID < c.Members[j].ID
	})
}

// Clone returns a deep copy, with members sorted by id.
func (c Configuration) Clone() Configuration {
	members := make([]Member, len(c.Members))
	copy(members, c.Members)
	cloned := Configuration{Index: c.Index, Members: members}
	cloned.normalize()
	return cloned
}

// Member returns the member with id.
func (c *Configuration) Member(id uint64) (Member, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

func (c *Configuration) Contains(id uint64) bool {
	_, ok := c.Member(id)
	return ok
}

// IsVoter reports whether id is an active member.
func (c *Configuration) IsVoter(id uint64) bool {
	m, ok := c.Member(id)
	return ok && m.Type == MemberActive
}

// Voters returns the ids of active members in ascending order.
func (c *Configuration) Voters() []uint64 {
	voters := make([]uint64, 0, len(c.Members))
	for _, m := range c.Members {
		if m.Type == MemberActive {
			voters = append(voters, m.ID)
		}
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
	return voters
}

// IDs returns all member ids in ascending order.
func (c *Configuration) IDs() []uint64 {
	ids := make([]uint64, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Quorum is the number of voters forming a majority.
func (c *Configuration) Quorum() int {
	return len(c.Voters())/2 + 1
}

// With returns a copy where member is added or replaced.
func (c Configuration) With(member Member) Configuration {
	next := c.Without(member.ID)
	next.Members = append(next.Members, member)
	next.normalize()
	return next
}

// Without returns a copy lacking the member with id.
func (c Configuration) Without(id uint64) Configuration {
	next := Configuration{Index: c.Index, Members: make([]Member, 0, len(c.Members))}
	for _, m := range c.Members {
		if m.ID != id {
			next.Members = append(next.Members, m)
		}
	}
	return next
}

// Equal compares membership, ignoring Index.
func (c *Configuration) Equal(o *Configuration) bool {
	a, b := c.Clone(), o.Clone()
	if len(a.Members) != len(b.Members) {
		return false
	}
	for i := range a.Members {
		if a.Members[i] != b.Members[i] {
			return false
		}
	}
	return true
}

func (c Configuration) String() string {
	parts := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		parts = append(parts, fmt.Sprintf("%d:%v", m.ID, m.Type))
	}
	return fmt.Sprintf("raftpd.Configuration{idx: %d, members: [%s]}",
		c.Index, strings.Join(parts, " "))
}

func init() {
	gob.Register(Configuration{})
}
