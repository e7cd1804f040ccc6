package pool

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/internal/validate"
)

// BoundedFencePool extends FencePool with a maximum in-flight depth: once
// the pool has grown to that many outstanding resources, Retrieve blocks on
// the caller-supplied waitForFence instead of allocating another one. It is
// the only source of backpressure in this module — a way to cap how many
// transient resources of a given kind can be simultaneously live.
type BoundedFencePool[R fencecore.Releasable] struct {
	*FencePool[R]
	maxInFlightDepth int
}

// NewBoundedFencePool constructs an empty bounded pool. maxInFlightDepth
// must be at least 1.
func NewBoundedFencePool[R fencecore.Releasable](useMutex bool, maxInFlightDepth int, logger *slog.Logger) *BoundedFencePool[R] {
	return &BoundedFencePool[R]{
		FencePool:        NewFencePool[R](useMutex, logger),
		maxInFlightDepth: maxInFlightDepth,
	}
}

// Retrieve implements the bounded retrieval algorithm from spec §4.2:
//
//   - pool empty                                  -> createNew
//   - head in flight, pool below max depth         -> createNew (grow)
//   - head in flight, pool at max depth            -> waitForFence(headFence), then pop
//   - head not in flight                           -> pop
//
// waitForFence blocks until the named fence value completes and returns
// false if the device was lost while waiting, in which case Retrieve
// returns fencecore.ErrDeviceLost. Note this is a suspension point: the
// caller's goroutine blocks inside waitForFence.
func (p *BoundedFencePool[R]) Retrieve(
	currentCompletedFence fencecore.FenceValue,
	waitForFence func(fencecore.FenceValue) bool,
	createNew func() (R, error),
) (R, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	headFence, ok := p.queue.peekFront()
	if !ok {
		r, err := createNew()
		if err != nil {
			var zero R
			return zero, errors.Wrap(err, "bounded pool: create new resource")
		}
		return r, nil
	}

	if currentCompletedFence < headFence {
		if p.queue.len() < p.maxInFlightDepth {
			r, err := createNew()
			if err != nil {
				var zero R
				return zero, errors.Wrap(err, "bounded pool: create new resource")
			}
			return r, nil
		}

		// Pool is at capacity: block until the oldest in-flight entry
		// completes. We do not re-check pool size after waking; exactly
		// one waiter is assumed to unblock one entry, per spec §9's note
		// on the source quirk this preserves.
		if !waitForFence(headFence) {
			var zero R
			return zero, fencecore.ErrDeviceLost
		}
	}

	_, resource, _ := p.queue.popFront()
	validate.Debug(validate.Func(p.validateLocked))
	return resource, nil
}
