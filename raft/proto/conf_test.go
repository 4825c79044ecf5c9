package raftpd

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
)

func TestConfiguration_Quorum(t *testing.T) {
	tests := []struct {
		conf   Configuration
		voters []uint64
		quorum int
	}{
		{MakeConfiguration(0, 1), []uint64{1}, 1},
		{MakeConfiguration(0, 3, 1, 2), []uint64{1, 2, 3}, 2},
		{MakeConfiguration(0, 1, 2, 3, 4), []uint64{1, 2, 3, 4}, 3},
		{MakeConfiguration(0, 1, 2, 3).With(Member{ID: 4, Type: MemberPromotable}), []uint64{1, 2, 3}, 2},
	}
	for i, test := range tests {
		if diff := deep.Equal(test.conf.Voters(), test.voters); diff != nil {
			t.Fatalf("#%d: voters %v", i, diff)
		}
		if q := test.conf.Quorum(); q != test.quorum {
			t.Fatalf("#%d: quorum want: %d, get: %d", i, test.quorum, q)
		}
	}
}

func TestConfiguration_WithWithout(t *testing.T) {
	base := MakeConfiguration(5, 1, 2)
	joined := base.With(Member{ID: 3, Type: MemberPromotable})
	require.Len(t, base.Members, 2)
	require.Equal(t, []uint64{1, 2, 3}, joined.IDs())
	require.False(t, joined.IsVoter(3))
	require.True(t, joined.Contains(3))

	promoted := joined.With(Member{ID: 3, Type: MemberActive})
	require.True(t, promoted.IsVoter(3))
	require.Len(t, promoted.Members, 3)

	left := promoted.Without(1)
	require.Equal(t, []uint64{2, 3}, left.IDs())
	require.False(t, left.Contains(1))

	require.True(t, base.Equal(&Configuration{Index: 9, Members: []Member{{ID: 2}, {ID: 1}}}))
	require.False(t, base.Equal(&joined))
}
