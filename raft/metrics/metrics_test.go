package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectors_Partition(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollectors(reg)
	require.NoError(t, err)

	sink := c.Partition(1)
	sink.SetCommitIndex(7)
	sink.SetLastAppendedIndex(9)
	sink.SetRole("Leader")
	sink.SetFollowerLag(2, 3)
	sink.SetFollowerLag(3, 0)
	sink.IncSnapshots()

	require.Equal(t, 7.0, testutil.ToFloat64(c.commitIndex.WithLabelValues("1")))
	require.Equal(t, 9.0, testutil.ToFloat64(c.appendedIndex.WithLabelValues("1")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.role.WithLabelValues("1", "Leader")))
	require.Equal(t, 0.0, testutil.ToFloat64(c.role.WithLabelValues("1", "Follower")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.followerLag.WithLabelValues("1", "2")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.snapshots.WithLabelValues("1")))

	sink.RemoveFollower(2)
	require.Equal(t, 1, testutil.CollectAndCount(c.followerLag))

	// partitions do not share samples.
	c.Partition(2).SetCommitIndex(1)
	require.Equal(t, 7.0, testutil.ToFloat64(c.commitIndex.WithLabelValues("1")))
}

func TestNewCollectors_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollectors(reg)
	require.NoError(t, err)
	_, err = NewCollectors(reg)
	require.Error(t, err)
}
