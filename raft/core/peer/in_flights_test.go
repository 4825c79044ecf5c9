package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInFlights_full(t *testing.T) {
	tests := []struct {
		size uint
		w    bool
	}{
		{0, false},
		{1, false},
		{2, true},
	}
	inf := makeInFlights(2)
	for i, test := range tests {
		inf.size = test.size
		if inf.full() != test.w {
			t.Errorf("#%d: full wrong, want: %v, get: %v",
				i, test.w, inf.full())
		}
	}
}

func TestInFlights_freeTo(t *testing.T) {
	tests := []struct {
		head, size   uint
		slots        []uint64
		to           uint64
		whead, wsize uint
	}{
		// stale ack
		{0, 3, []uint64{1, 2, 3, 4}, 0, 0, 3},
		{0, 3, []uint64{1, 2, 3, 4}, 1, 1, 2},
		{0, 3, []uint64{1, 2, 3, 4}, 3, 0, 0},
		// beyond the window
		{0, 3, []uint64{1, 2, 3, 4}, 4, 0, 0},
		// window wraps around the ring
		{3, 3, []uint64{6, 7, 0, 5}, 6, 1, 1},
		{3, 2, []uint64{6, 7, 0, 5}, 5, 0, 1},
	}

	for i, test := range tests {
		inf := inFlights{head: test.head, size: test.size, slots: test.slots}
		inf.freeTo(test.to)
		if inf.head != test.whead || inf.size != test.wsize {
			t.Errorf("#%d: wrong freeTo, want: (%d, %d), get: (%d, %d)",
				i, test.whead, test.wsize, inf.head, inf.size)
		}
	}
}

func TestInFlights_addWraps(t *testing.T) {
	inf := makeInFlights(2)
	inf.add(1)
	inf.add(2)
	require.True(t, inf.full())
	require.Panics(t, func() { inf.add(3) })

	inf.freeFirstOne()
	require.Equal(t, uint(1), inf.len())
	inf.add(3)
	require.Equal(t, []uint64{3, 2}, inf.slots)

	oldest, ok := inf.oldest()
	require.True(t, ok)
	require.Equal(t, uint64(2), oldest)

	inf.freeTo(3)
	require.Equal(t, uint(0), inf.len())
	inf.freeFirstOne()
	require.Equal(t, uint(0), inf.len())
	_, ok = inf.oldest()
	require.False(t, ok)
}

func TestInFlights_slot(t *testing.T) {
	tests := []struct {
		head, j, w uint
	}{
		{0, 1, 1},
		{0, 9, 9},
		{5, 5, 0},
		{7, 8, 5},
	}

	inf := makeInFlights(10)
	for i, test := range tests {
		inf.head = test.head
		if get := inf.slot(test.j); get != test.w {
			t.Errorf("#%d: slot wrong, want: %d, get: %d", i, test.w, get)
		}
	}
}
