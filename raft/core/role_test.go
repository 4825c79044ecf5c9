package core

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to StateRole
		wallow   bool
	}{
		{RoleInactive, RoleFollower, true},
		{RoleInactive, RoleLeader, false},
		{RoleInactive, RoleClosed, true},
		{RoleFollower, RoleFollower, true},
		{RoleFollower, RolePreCandidate, true},
		{RoleFollower, RoleCandidate, false},
		{RoleFollower, RoleLeader, false},
		{RolePreCandidate, RoleCandidate, true},
		{RolePreCandidate, RoleLeader, false},
		{RoleCandidate, RoleLeader, true},
		{RoleCandidate, RoleInactive, false},
		{RoleLeader, RoleFollower, true},
		{RoleLeader, RoleCandidate, false},
		{RoleLeader, RoleLeader, false},
		{RoleClosed, RoleFollower, false},
		{RoleClosed, RoleClosed, false},
	}

	for i, test := range tests {
		if allow := CanTransition(test.from, test.to); allow != test.wallow {
			t.Fatalf("#%d: %v => %v want: %v, get: %v",
				i, test.from, test.to, test.wallow, allow)
		}
	}
}

func TestStateRole_String(t *testing.T) {
	tests := []struct {
		role StateRole
		want string
	}{
		{RoleInactive, "Inactive"},
		{RolePreCandidate, "PreCandidate"},
		{RoleClosed, "Closed"},
	}

	for i, test := range tests {
		if test.role.String() != test.want {
			t.Fatalf("#%d: want: %s, get: %s", i, test.want, test.role.String())
		}
	}
}
