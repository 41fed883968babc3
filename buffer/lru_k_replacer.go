package buffer

import (
	"sync"

	"github.com/pkg/errors"
)

func NewLrukReplacer(capacity, k int) *lrukReplacer {
	head := newLrukNode(INVALID_FRAME_ID, 0)
	tail := newLrukNode(INVALID_FRAME_ID, 0)

	head.next = tail
	tail.prev = head

	return &lrukReplacer{
		k:             k,
		mu:            sync.Mutex{},
		nodeStore:     map[int]*lrukNode{},
		currSize:      0,
		currTimestamp: 0,
		head:          head,
		tail:          tail,
		replacerSize:  capacity,
	}
}

func (lru *lrukReplacer) remove(frameId int) error {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	node, ok := lru.nodeStore[frameId]
	if !ok {
		return nil
	}

	if !node.evictable {
		return errors.Errorf("frame %d is pinned", frameId)
	}

	lru.removeNode(node)
	delete(lru.nodeStore, frameId)
	lru.currSize -= 1

	return nil
}

func (lru *lrukReplacer) recordAccess(frameId int) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	node, ok := lru.nodeStore[frameId]
	if !ok {
		node = newLrukNode(frameId, lru.k)
	} else {
		lru.removeNode(node)
	}
	node.touch(lru.currTimestamp)
	lru.currTimestamp += 1

	// move to front of queue
	lru.addNode(node)
}

func (lru *lrukReplacer) removeNode(node *lrukNode) {
	back := node.prev
	front := node.next

	back.next = front
	front.prev = back
}

func (lru *lrukReplacer) addNode(newNode *lrukNode) {
	// add node to doubly linkedlist
	tmp := lru.head.next
	lru.head.next = newNode
	newNode.prev = lru.head
	newNode.next = tmp
	tmp.prev = newNode

	if newNode.accesses == nil {
		newNode.accesses = make([]uint64, lru.k)
	}
	lru.nodeStore[newNode.frameId] = newNode
}

func (lru *lrukReplacer) setEvictable(frameId int, evictable bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	node, ok := lru.nodeStore[frameId]
	if !ok || node.evictable == evictable {
		return
	}

	node.evictable = evictable
	if evictable {
		lru.currSize += 1
	} else {
		lru.currSize -= 1
	}
}

// evict picks the evictable frame with the largest backward k-distance. Frames with
// fewer than k accesses have an infinite distance and among those the least recently
// used one goes first.
func (lru *lrukReplacer) evict() (int, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	var victim *lrukNode
	var victimDist uint64
	victimInf := false

	// walk from the least recently used end so ties resolve to the oldest access
	for node := lru.tail.prev; node != lru.head; node = node.prev {
		if !node.evictable {
			continue
		}

		dist, finite := node.distance(lru.currTimestamp)
		switch {
		case victim == nil, !finite && !victimInf:
			victim, victimDist, victimInf = node, dist, !finite
		case finite && !victimInf && dist > victimDist:
			victim, victimDist = node, dist
		}
	}

	if victim == nil {
		return INVALID_FRAME_ID, false
	}

	lru.removeNode(victim)
	delete(lru.nodeStore, victim.frameId)
	lru.currSize -= 1
	return victim.frameId, true
}

func (lru *lrukReplacer) size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.currSize
}

type lrukReplacer struct {
	mu            sync.Mutex
	nodeStore     map[int]*lrukNode
	replacerSize  int
	currSize      int
	currTimestamp uint64
	k             int
	head          *lrukNode
	tail          *lrukNode
}
