// Package iterator provides iterator implementations for the storage engine.
//
// MergingIterator provides the union of data from multiple child iterators,
// merging them in sorted order using a heap, in either direction.
//
// Reference: RocksDB v10.7.5
//   - table/merging_iterator.h
//   - table/merging_iterator.cc
package iterator

import (
	"container/heap"

	"github.com/brinedb/stratum/internal/dbformat"
)

// Iterator is the interface for all iterators in this module.
type Iterator interface {
	// Valid returns true if the iterator is positioned at a valid entry.
	Valid() bool

	// Key returns the current key. The key is valid until the next call to Next/Seek/etc.
	Key() []byte

	// Value returns the current value.
	Value() []byte

	// SeekToFirst positions the iterator at the first entry.
	SeekToFirst()

	// SeekToLast positions the iterator at the last entry.
	SeekToLast()

	// Seek positions the iterator at the first entry with key >= target.
	Seek(target []byte)

	// Next advances to the next entry.
	Next()

	// Prev moves to the previous entry.
	Prev()

	// Error returns any error encountered during iteration.
	Error() error

	// Close releases any resources held by the iterator.
	Close() error
}

// direction tracks which way the merging iterator's priority queue is ordered.
type direction int

const (
	dirForward direction = iota
	dirReverse
)

// -----------------------------------------------------------------------------
// MergingIterator
// -----------------------------------------------------------------------------

// MergingIterator merges a fixed set of sorted child iterators into one sorted
// iterator. It is bidirectional: switching direction reseats every
// non-current child via a seek to the current key followed by a step past
// any entries equal to it, so that the merge observes each child exactly
// once per distinct key when traversed monotonically in one direction.
type MergingIterator struct {
	children   []Iterator
	comparator func(a, b []byte) int
	dir        direction
	queue      *iterHeap
	current    int // index into children, -1 if invalid
	err        error
}

// NewMergingIterator creates a new merging iterator over the given children.
// The comparator should compare internal keys; nil defaults to the bytewise
// internal-key comparator.
func NewMergingIterator(children []Iterator, comparator func(a, b []byte) int) *MergingIterator {
	if comparator == nil {
		comparator = dbformat.CompareInternalKeys
	}
	mi := &MergingIterator{
		children:   children,
		comparator: comparator,
		dir:        dirForward,
		current:    -1,
	}
	mi.queue = &iterHeap{cmp: comparator}
	return mi
}

// Valid returns true if the iterator is positioned at a valid entry.
func (mi *MergingIterator) Valid() bool {
	return mi.current >= 0 && mi.current < len(mi.children)
}

// Key returns the current key.
func (mi *MergingIterator) Key() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Key()
}

// Value returns the current value.
func (mi *MergingIterator) Value() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Value()
}

// Error returns any error encountered during iteration.
func (mi *MergingIterator) Error() error {
	return mi.err
}

// Close closes every child exactly once. If multiple children fail to close,
// the first error encountered is returned.
func (mi *MergingIterator) Close() error {
	var first error
	for _, c := range mi.children {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SeekToFirst positions the iterator at the smallest key across all children.
func (mi *MergingIterator) SeekToFirst() {
	mi.dir = dirForward
	mi.rebuildQueue(func(c Iterator) { c.SeekToFirst() }, ascending)
}

// SeekToLast positions the iterator at the largest key across all children.
func (mi *MergingIterator) SeekToLast() {
	mi.dir = dirReverse
	mi.rebuildQueue(func(c Iterator) { c.SeekToLast() }, descending)
}

// Seek positions the iterator at the first key >= target across all children.
func (mi *MergingIterator) Seek(target []byte) {
	mi.dir = dirForward
	mi.rebuildQueue(func(c Iterator) { c.Seek(target) }, ascending)
}

type heapOrder int

const (
	ascending heapOrder = iota
	descending
)

// rebuildQueue repositions every child via reposition and rebuilds the queue
// from scratch in the given order.
func (mi *MergingIterator) rebuildQueue(reposition func(Iterator), order heapOrder) {
	mi.err = nil
	cmp := mi.comparator
	if order == descending {
		cmp = func(a, b []byte) int { return -mi.comparator(a, b) }
	}
	mi.queue.cmp = cmp
	mi.queue.items = mi.queue.items[:0]

	for i, child := range mi.children {
		reposition(child)
		if child.Valid() {
			mi.queue.items = append(mi.queue.items, heapItem{index: i, key: child.Key()})
		}
		if err := child.Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
	}

	heap.Init(mi.queue)
	mi.setCurrentFromQueue()
}

// Next advances to the next entry in ascending order.
func (mi *MergingIterator) Next() {
	if !mi.Valid() {
		return
	}

	if mi.dir != dirForward {
		// Reseat every other child just past the current key, then
		// rebuild the forward queue.
		key := append([]byte(nil), mi.Key()...)
		mi.dir = dirForward
		mi.queue.cmp = mi.comparator
		mi.queue.items = mi.queue.items[:0]
		for i, child := range mi.children {
			if i == mi.current {
				continue
			}
			child.Seek(key)
			for child.Valid() && mi.comparator(child.Key(), key) == 0 {
				child.Next()
			}
			if err := child.Error(); err != nil {
				mi.err = err
				mi.current = -1
				return
			}
			if child.Valid() {
				mi.queue.items = append(mi.queue.items, heapItem{index: i, key: child.Key()})
			}
		}
		mi.children[mi.current].Next()
		if err := mi.children[mi.current].Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
		if mi.children[mi.current].Valid() {
			mi.queue.items = append(mi.queue.items, heapItem{index: mi.current, key: mi.children[mi.current].Key()})
		}
		heap.Init(mi.queue)
		mi.setCurrentFromQueue()
		return
	}

	mi.children[mi.current].Next()
	if mi.children[mi.current].Valid() {
		mi.queue.items[0].key = mi.children[mi.current].Key()
		heap.Fix(mi.queue, 0)
	} else {
		heap.Pop(mi.queue)
	}
	if err := mi.children[mi.current].Error(); err != nil {
		mi.err = err
		mi.current = -1
		return
	}
	mi.setCurrentFromQueue()
}

// Prev moves to the previous entry in descending order.
func (mi *MergingIterator) Prev() {
	if !mi.Valid() {
		return
	}

	if mi.dir != dirReverse {
		key := append([]byte(nil), mi.Key()...)
		mi.dir = dirReverse
		mi.queue.cmp = func(a, b []byte) int { return -mi.comparator(a, b) }
		mi.queue.items = mi.queue.items[:0]
		for i, child := range mi.children {
			if i == mi.current {
				continue
			}
			child.Seek(key)
			if child.Valid() {
				child.Prev()
			} else {
				child.SeekToLast()
			}
			if err := child.Error(); err != nil {
				mi.err = err
				mi.current = -1
				return
			}
			if child.Valid() {
				mi.queue.items = append(mi.queue.items, heapItem{index: i, key: child.Key()})
			}
		}
		mi.children[mi.current].Prev()
		if err := mi.children[mi.current].Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
		if mi.children[mi.current].Valid() {
			mi.queue.items = append(mi.queue.items, heapItem{index: mi.current, key: mi.children[mi.current].Key()})
		}
		heap.Init(mi.queue)
		mi.setCurrentFromQueue()
		return
	}

	mi.children[mi.current].Prev()
	if mi.children[mi.current].Valid() {
		mi.queue.items[0].key = mi.children[mi.current].Key()
		heap.Fix(mi.queue, 0)
	} else {
		heap.Pop(mi.queue)
	}
	if err := mi.children[mi.current].Error(); err != nil {
		mi.err = err
		mi.current = -1
		return
	}
	mi.setCurrentFromQueue()
}

// setCurrentFromQueue sets current to the child at the head of the queue.
func (mi *MergingIterator) setCurrentFromQueue() {
	if mi.queue.Len() == 0 {
		mi.current = -1
		return
	}
	mi.current = mi.queue.items[0].index
}

// -----------------------------------------------------------------------------
// Heap implementation backing the merge priority queue.
//
// The same heap type serves both directions: cmp is swapped to a descending
// comparator when the iterator is merging in REVERSE.
// -----------------------------------------------------------------------------

type heapItem struct {
	index int    // index into children slice
	key   []byte // current key for this iterator
}

type iterHeap struct {
	items []heapItem
	cmp   func(a, b []byte) int
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	return h.cmp(h.items[i].key, h.items[j].key) < 0
}

func (h *iterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *iterHeap) Push(x any) {
	item, ok := x.(heapItem)
	if !ok {
		return
	}
	h.items = append(h.items, item)
}

func (h *iterHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
