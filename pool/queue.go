package pool

import "github.com/gpuxlate/fencecore"

// node is one link in the FIFO fence-ordered queue backing FencePool. Entries
// are only ever pushed at the tail and popped from the head, so a singly
// linked list with a tail pointer gives O(1) push/pop without the slice
// compaction a head-popped slice would need.
type node[R fencecore.Releasable] struct {
	fence    fencecore.FenceValue
	resource R
	next     *node[R]
}

// fenceQueue is the unlocked core shared by FencePool and BoundedFencePool.
// Callers are responsible for their own synchronization around every method.
type fenceQueue[R fencecore.Releasable] struct {
	head, tail *node[R]
	count      int
	maxFence   fencecore.FenceValue
}

func (q *fenceQueue[R]) len() int { return q.count }

func (q *fenceQueue[R]) pushBack(fence fencecore.FenceValue, resource R) {
	n := &node[R]{fence: fence, resource: resource}
	if q.tail == nil {
		q.head = n
		q.tail = n
	} else {
		q.tail.next = n
		q.tail = n
	}
	q.count++
	if fence > q.maxFence {
		q.maxFence = fence
	}
}

func (q *fenceQueue[R]) peekFront() (fencecore.FenceValue, bool) {
	if q.head == nil {
		return 0, false
	}
	return q.head.fence, true
}

func (q *fenceQueue[R]) popFront() (fencecore.FenceValue, R, bool) {
	if q.head == nil {
		var zero R
		return 0, zero, false
	}
	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	q.count--
	return n.fence, n.resource, true
}

// validate checks that fence values are non-decreasing along the queue,
// which is the only invariant a fenceQueue must maintain.
func (q *fenceQueue[R]) validate() error {
	last := fencecore.FenceValue(0)
	seen := false
	n := q.head
	for n != nil {
		if seen && n.fence < last {
			return errNonDecreasing
		}
		last = n.fence
		seen = true
		n = n.next
	}
	return nil
}
