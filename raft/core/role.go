package core

import (
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/utils"
)

// roleTransitions lists the roles reachable from each role. Anything
// else is a programming error.
var roleTransitions = map[StateRole][]StateRole{
	RoleInactive:     {RoleFollower, RoleClosed},
	RoleFollower:     {RoleFollower, RolePreCandidate, RoleClosed},
	RolePreCandidate: {RoleFollower, RolePreCandidate, RoleCandidate, RoleClosed},
	RoleCandidate:    {RoleFollower, RolePreCandidate, RoleCandidate, RoleLeader, RoleClosed},
	RoleLeader:       {RoleFollower, RoleClosed},
	RoleClosed:       {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to StateRole) bool {
	for _, next := range roleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (c *core) transition(to StateRole) {
	utils.Assert(CanTransition(c.state, to),
		"%d invalid translation [%v => %v]", c.id, c.state, to)

	if c.state != to {
		log.Infof("%d [term: %d] %v => %v", c.id, c.term, c.state, to)
	}
	c.state = to
}
