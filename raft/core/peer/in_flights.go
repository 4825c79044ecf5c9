package peer

import "github.com/thinkermao/replog/utils"

// inFlights is the window of append requests sent to a follower but not
// yet acknowledged. slots is a ring holding the last index carried by
// each request, oldest at head.
type inFlights struct {
	head  uint
	size  uint
	slots []uint64
}

func makeInFlights(cap uint) inFlights {
	return inFlights{slots: make([]uint64, cap)}
}

func (i *inFlights) full() bool {
	return i.size == i.cap()
}

func (i *inFlights) cap() uint {
	return uint(len(i.slots))
}

func (i *inFlights) len() uint {
	return i.size
}

// slot maps the j-th request after head onto the ring.
func (i *inFlights) slot(j uint) uint {
	return (i.head + j) % i.cap()
}

// oldest returns the last index of the earliest outstanding request.
func (i *inFlights) oldest() (uint64, bool) {
	if i.size == 0 {
		return 0, false
	}
	return i.slots[i.head], true
}

func (i *inFlights) add(last uint64) {
	utils.Assert(!i.full(), "cannot add into a full inFlights")

	i.slots[i.slot(i.size)] = last
	i.size++
}

// freeTo acknowledges every request whose last index is at most to.
// Requests are freed in send order.
func (i *inFlights) freeTo(to uint64) {
	freed := uint(0)
	for freed < i.size && i.slots[i.slot(freed)] <= to {
		freed++
	}
	if freed == i.size {
		i.reset()
		return
	}
	i.head = i.slot(freed)
	i.size -= freed
}

func (i *inFlights) freeFirstOne() {
	if oldest, ok := i.oldest(); ok {
		i.freeTo(oldest)
	}
}

func (i *inFlights) reset() {
	i.head = 0
	i.size = 0
}
