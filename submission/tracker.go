package submission

import (
	"sync"

	"github.com/gpuxlate/fencecore"
)

// Backend is the contract an embedding context must satisfy for Engine to
// drive fence bookkeeping: a cheap read of how far the GPU has progressed,
// a read of how much work has been enqueued, a blocking wait, and the
// ability to close and submit whatever command list is currently open for a
// given timeline.
type Backend interface {
	// CompletedFence returns the largest fence value of type t the GPU has
	// fully processed. Expected to be cheap — typically a cached value
	// updated by a fence-completion callback, not a driver round-trip.
	CompletedFence(t fencecore.CommandListType) fencecore.FenceValue
	// SubmittedFence returns the largest fence value of type t the CPU has
	// enqueued so far, which may be ahead of CompletedFence.
	SubmittedFence(t fencecore.CommandListType) fencecore.FenceValue
	// WaitForFence blocks until CompletedFence(t) >= value, returning false
	// if the device was lost while waiting.
	WaitForFence(t fencecore.CommandListType, value fencecore.FenceValue) bool
	// Submit closes and submits the command list currently open for t,
	// advances its submitted fence, and returns the new value.
	Submit(t fencecore.CommandListType) fencecore.FenceValue
}

// Tracker is a concrete, in-process Backend: the fence-value bookkeeping
// glue the core assumes a surrounding submission engine provides. It does
// not talk to a real GPU command queue — advancing the completed fence is
// the embedder's job, done by calling AdvanceCompletedFence from whatever
// notifies this process that the GPU retired work (a fence event, a polling
// thread). Submit only advances the submitted side; it is the embedder's
// responsibility to have actually recorded and handed off a command list
// before calling it.
type Tracker struct {
	mu         sync.Mutex
	cond       *sync.Cond
	completed  fencecore.FenceValues
	submitted  fencecore.FenceValues
	deviceLost bool
}

// NewTracker constructs a Tracker with every timeline at fence value 0.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// CompletedFence implements fencecore.FenceQuerier and Backend.
func (t *Tracker) CompletedFence(cmdType fencecore.CommandListType) fencecore.FenceValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed[cmdType]
}

// SubmittedFence implements Backend.
func (t *Tracker) SubmittedFence(cmdType fencecore.CommandListType) fencecore.FenceValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitted[cmdType]
}

// Submit advances the submitted fence for cmdType by one and returns the
// new value. It does not itself touch the completed fence.
func (t *Tracker) Submit(cmdType fencecore.CommandListType) fencecore.FenceValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submitted[cmdType]++
	return t.submitted[cmdType]
}

// AdvanceCompletedFence raises the completed fence for cmdType to value if
// value is greater than its current completed value, and wakes any
// goroutine blocked in WaitForFence. Called from whatever notifies this
// process of GPU progress; it is a no-op if value does not advance the
// timeline.
func (t *Tracker) AdvanceCompletedFence(cmdType fencecore.CommandListType, value fencecore.FenceValue) {
	t.mu.Lock()
	if value > t.completed[cmdType] {
		t.completed[cmdType] = value
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

// SetDeviceLost marks the device as lost and wakes every blocked waiter,
// each of which will observe WaitForFence returning false.
func (t *Tracker) SetDeviceLost() {
	t.mu.Lock()
	t.deviceLost = true
	t.mu.Unlock()
	t.cond.Broadcast()
}

// DeviceLost reports whether SetDeviceLost has been called.
func (t *Tracker) DeviceLost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceLost
}

// WaitForFence blocks until the completed fence for cmdType reaches value,
// or the device is lost, in which case it returns false.
func (t *Tracker) WaitForFence(cmdType fencecore.CommandListType, value fencecore.FenceValue) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.completed[cmdType] < value {
		if t.deviceLost {
			return false
		}
		t.cond.Wait()
	}
	return !t.deviceLost
}
