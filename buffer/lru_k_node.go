package buffer

const INVALID_FRAME_ID = -1

func newLrukNode(frameId, k int) *lrukNode {
	return &lrukNode{
		frameId:  frameId,
		accesses: make([]uint64, k),
	}
}

// touch records an access at ts. Once k accesses are kept the oldest one is dropped.
func (n *lrukNode) touch(ts uint64) {
	k := len(n.accesses)
	if n.count < k {
		n.accesses[(n.first+n.count)%k] = ts
		n.count++
		return
	}

	n.accesses[n.first] = ts
	n.first = (n.first + 1) % k
}

// distance is the backward k-distance at now. It is infinite, reported as false, until
// the frame was accessed k times.
func (n *lrukNode) distance(now uint64) (uint64, bool) {
	if n.count == 0 || n.count < len(n.accesses) {
		return 0, false
	}
	return now - n.accesses[n.first], true
}

// history returns the kept access times, oldest first.
func (n *lrukNode) history() []uint64 {
	res := make([]uint64, 0, n.count)
	for i := range n.count {
		res = append(res, n.accesses[(n.first+i)%len(n.accesses)])
	}
	return res
}

type lrukNode struct {
	prev      *lrukNode
	next      *lrukNode
	frameId   int
	evictable bool
	// ring of the last k access times starting at first
	accesses []uint64
	first    int
	count    int
}
