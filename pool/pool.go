// Package pool implements the fence-keyed object pools: the simple
// FencePool, the depth-bounded BoundedFencePool, and the size-bucketed
// MultiLevelPool, all recycling resources tagged with the fence value that
// was live when they were returned.
package pool

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/internal/syncutil"
	"github.com/gpuxlate/fencecore/internal/validate"
)

// FencePool recycles resources of a single kind, keyed by the fence value
// that was current when each was returned. It assumes a single-threaded
// caller unless constructed with useMutex, in which case every operation
// holds an internal mutex for its full duration.
type FencePool[R fencecore.Releasable] struct {
	mu     syncutil.OptionalMutex
	queue  fenceQueue[R]
	logger *slog.Logger
}

// NewFencePool constructs an empty pool. When useMutex is true, every
// operation is safe to call concurrently; otherwise the caller must
// serialize access externally.
func NewFencePool[R fencecore.Releasable](useMutex bool, logger *slog.Logger) *FencePool[R] {
	if logger == nil {
		logger = slog.Default()
	}
	return &FencePool[R]{
		mu:     syncutil.OptionalMutex{UseMutex: useMutex},
		logger: logger,
	}
}

// Return pushes resource onto the tail of the pool, tagged with fenceValue.
// fenceValue must be ≥ the largest fence value already in the pool; in debug
// builds this is asserted, in release builds it is undefined behavior (the
// pool may simply become unordered, which only degrades recycling, it does
// not corrupt memory).
//
// Return never fails observably: it has no error result, and its only
// bookkeeping is appending one entry to the pool's queue.
func (p *FencePool[R]) Return(resource R, fenceValue fencecore.FenceValue) {
	p.mu.Lock()
	defer p.mu.Unlock()

	validate.Assert(fenceValue >= p.queue.maxFence, "pool: Return fence %d is behind pool max %d", fenceValue, p.queue.maxFence)

	p.queue.pushBack(fenceValue, resource)
	validate.Debug(validate.Func(p.validateLocked))
}

// Retrieve inspects the head of the pool. If the pool is empty, or the
// head's fence value is strictly greater than currentCompletedFence (the
// head is still in flight), createNew is invoked and its result returned
// directly. Otherwise the head is popped and ownership transferred to the
// caller.
func (p *FencePool[R]) Retrieve(currentCompletedFence fencecore.FenceValue, createNew func() (R, error)) (R, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	headFence, ok := p.queue.peekFront()
	if !ok || currentCompletedFence < headFence {
		r, err := createNew()
		if err != nil {
			var zero R
			return zero, errors.Wrap(err, "pool: create new resource")
		}
		return r, nil
	}

	_, resource, _ := p.queue.popFront()
	validate.Debug(validate.Func(p.validateLocked))
	return resource, nil
}

// Trim removes exactly one entry from the head of the pool if the head's
// fence value is at least threshold behind currentCompletedFence. Trim is
// meant to be called repeatedly ("pumped") rather than draining the whole
// pool in one call, to amortize destruction cost across many frames.
func (p *FencePool[R]) Trim(threshold, currentCompletedFence fencecore.FenceValue) {
	p.mu.Lock()
	defer p.mu.Unlock()

	headFence, ok := p.queue.peekFront()
	if !ok || currentCompletedFence < headFence {
		return
	}

	if currentCompletedFence-headFence >= threshold {
		_, resource, _ := p.queue.popFront()
		resource.Release()
		validate.Debug(validate.Func(p.validateLocked))
	}
}

// Len returns the number of resources currently held by the pool.
func (p *FencePool[R]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.len()
}

// Validate checks that the pool's fence values are non-decreasing in
// insertion order, per the universal pool invariant in spec §8.
func (p *FencePool[R]) Validate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validateLocked()
}

// validateLocked is Validate's body, callable from methods that already
// hold p.mu.
func (p *FencePool[R]) validateLocked() error {
	return p.queue.validate()
}

// AddStatistics accumulates this pool's footprint into stats. Resource size
// is not tracked by FencePool itself (it is homogeneous by construction in
// most uses); callers that need per-resource size should use
// MultiLevelPool, whose bucket index already carries size information.
func (p *FencePool[R]) AddStatistics(stats *fencecore.Statistics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats.AllocationCount += p.queue.len()
}

// BuildStatsString writes a compact JSON summary of the pool's contents,
// one entry per held resource in FIFO order.
func (p *FencePool[R]) BuildStatsString(writer *jwriter.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	arr := writer.Array()
	defer arr.End()

	for n := p.queue.head; n != nil; n = n.next {
		o := arr.Object()
		o.Name("FenceValue").Int(int(n.fence))
		o.End()
	}
}
