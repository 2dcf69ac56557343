// Package timeout implements the idle-session time wheel.
//
// The wheel has one slot per tick of the idle window. Every entry lives in
// exactly one slot; touching an entry moves it to the tail slot, and each
// tick detaches the head slot and hands its entries back to the caller.
// Slot lists are linked through indices into a node arena, so moves are
// O(1) and no pointers into the arena are ever held.
package timeout

import "time"

const nilIndex = -1

type node[K comparable] struct {
	key  K
	slot int32
	prev int32
	next int32
}

type slot struct {
	head int32
	tail int32
}

// Ring is a time wheel keyed by K. It is not safe for concurrent use; the
// owning loop is its only caller.
type Ring[K comparable] struct {
	slots []slot
	nodes []node[K]
	free  []int32
	index map[K]int32
	head  int
}

// SlotCount derives the number of slots for an idle window, at least 2.
func SlotCount(idle, tick time.Duration) int {
	if tick <= 0 {
		return 2
	}
	n := int(idle / tick)
	if n < 2 {
		return 2
	}
	return n
}

// New creates a ring with slotCount slots (minimum 2).
func New[K comparable](slotCount int) *Ring[K] {
	if slotCount < 2 {
		slotCount = 2
	}
	r := &Ring[K]{
		slots: make([]slot, slotCount),
		index: make(map[K]int32),
	}
	for i := range r.slots {
		r.slots[i] = slot{head: nilIndex, tail: nilIndex}
	}
	return r
}

// Slots returns the number of slots.
func (r *Ring[K]) Slots() int {
	return len(r.slots)
}

// Len returns the number of entries.
func (r *Ring[K]) Len() int {
	return len(r.index)
}

// Contains reports whether k is in the ring.
func (r *Ring[K]) Contains(k K) bool {
	_, ok := r.index[k]
	return ok
}

// Add puts k in the tail slot. An existing entry is moved instead.
func (r *Ring[K]) Add(k K) {
	if idx, ok := r.index[k]; ok {
		r.unlink(idx)
		r.link(idx, r.tail())
		return
	}
	idx := r.alloc(k)
	r.index[k] = idx
	r.link(idx, r.tail())
}

// Touch moves k to the tail slot. It reports false if k is absent.
func (r *Ring[K]) Touch(k K) bool {
	idx, ok := r.index[k]
	if !ok {
		return false
	}
	r.unlink(idx)
	r.link(idx, r.tail())
	return true
}

// Remove deletes k. Removing an absent key is a no-op.
func (r *Ring[K]) Remove(k K) bool {
	idx, ok := r.index[k]
	if !ok {
		return false
	}
	r.unlink(idx)
	delete(r.index, k)
	r.release(idx)
	return true
}

// Tick detaches every entry of the head slot, advances the head and
// returns the detached keys in insertion order. The keys are no longer in
// the ring; re-Add the ones that should stay.
func (r *Ring[K]) Tick() []K {
	s := &r.slots[r.head]
	var expired []K
	for idx := s.head; idx != nilIndex; {
		n := r.nodes[idx]
		expired = append(expired, n.key)
		delete(r.index, n.key)
		next := n.next
		r.release(idx)
		idx = next
	}
	s.head, s.tail = nilIndex, nilIndex
	r.head = (r.head + 1) % len(r.slots)
	return expired
}

// tail is the slot just behind the head: the last one Tick will reach.
func (r *Ring[K]) tail() int {
	return (r.head - 1 + len(r.slots)) % len(r.slots)
}

func (r *Ring[K]) alloc(k K) int32 {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		r.nodes[idx] = node[K]{key: k, slot: nilIndex, prev: nilIndex, next: nilIndex}
		return idx
	}
	r.nodes = append(r.nodes, node[K]{key: k, slot: nilIndex, prev: nilIndex, next: nilIndex})
	return int32(len(r.nodes) - 1)
}

func (r *Ring[K]) release(idx int32) {
	var zero K
	r.nodes[idx] = node[K]{key: zero, slot: nilIndex, prev: nilIndex, next: nilIndex}
	r.free = append(r.free, idx)
}

func (r *Ring[K]) link(idx int32, slotIdx int) {
	s := &r.slots[slotIdx]
	n := &r.nodes[idx]
	n.slot = int32(slotIdx)
	n.next = nilIndex
	n.prev = s.tail
	if s.tail != nilIndex {
		r.nodes[s.tail].next = idx
	} else {
		s.head = idx
	}
	s.tail = idx
}

func (r *Ring[K]) unlink(idx int32) {
	n := &r.nodes[idx]
	s := &r.slots[n.slot]
	if n.prev != nilIndex {
		r.nodes[n.prev].next = n.next
	} else {
		s.head = n.next
	}
	if n.next != nilIndex {
		r.nodes[n.next].prev = n.prev
	} else {
		s.tail = n.prev
	}
	n.prev, n.next, n.slot = nilIndex, nilIndex, nilIndex
}
