// Package submission implements the fence-value tracking glue and the
// deferred-deletion queue's driver: the SubmissionEngine contract the core
// assumes surrounds it, a concrete Tracker implementing that contract, and
// an Engine that ties fence bookkeeping to periodic trimming of whatever
// pools, ring buffers, and descriptor heaps an embedder registers.
package submission

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/deletion"
)

// TrimFunc is a periodic maintenance callback an embedder registers with
// Engine — typically a pool's Trim, a ring buffer's Deallocate against the
// latest completed fence, or any other "pump this a little" operation. It
// receives the current per-type completed fence snapshot.
type TrimFunc func(completed fencecore.FenceValues)

// Config carries the construction-time parameters for Engine.
type Config[B any] struct {
	// Backend supplies fence bookkeeping and the ability to submit.
	Backend Backend
	Logger  *slog.Logger
}

// Engine coordinates a Backend with a deferred-deletion queue and a set of
// registered trim callbacks, implementing the "submit -> tag-or-enqueue ->
// periodic trim" half of the control flow: acquisition from pools and
// suballocators, and recording into command lists, happens entirely outside
// this package, driven directly against the components returned by
// pool.New*, ring.New, descriptor.New, and suballoc.New. B is the
// suballocation-block type used by the deletion queue this Engine drives
// (see deletion.Queue).
type Engine[B any] struct {
	backend  Backend
	deletion *deletion.Queue[B]
	logger   *slog.Logger

	mu        sync.Mutex
	trimHooks []TrimFunc
	closed    bool
}

// New constructs an Engine wired to cfg.Backend, with an empty deletion
// queue driven by that same backend's completed-fence view.
func New[B any](cfg Config[B]) (*Engine[B], error) {
	if cfg.Backend == nil {
		return nil, errors.New("submission: Backend must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine[B]{
		backend:  cfg.Backend,
		deletion: deletion.New[B](cfg.Backend, logger),
		logger:   logger,
	}, nil
}

// CompletedFence implements fencecore.FenceQuerier, delegating to the
// backend. Engine itself can therefore be handed anywhere a FenceQuerier is
// expected — for example as the ExternalFence of a fencecore.DeferredWait
// chaining one Engine's completion onto another's retirement.
func (e *Engine[B]) CompletedFence(cmdType fencecore.CommandListType) fencecore.FenceValue {
	return e.backend.CompletedFence(cmdType)
}

// SubmittedFence reports how far ahead of completion cmdType's CPU-enqueued
// work is.
func (e *Engine[B]) SubmittedFence(cmdType fencecore.CommandListType) fencecore.FenceValue {
	return e.backend.SubmittedFence(cmdType)
}

// WaitForFence blocks until cmdType's completed fence reaches value.
func (e *Engine[B]) WaitForFence(cmdType fencecore.CommandListType, value fencecore.FenceValue) bool {
	return e.backend.WaitForFence(cmdType, value)
}

// DeletionQueue exposes the deferred-deletion queue this Engine drives, so
// callers can enqueue retired resources and suballocations directly.
func (e *Engine[B]) DeletionQueue() *deletion.Queue[B] {
	return e.deletion
}

// RegisterTrimHook adds fn to the set of callbacks PostSubmit invokes after
// every submission. Hooks run in registration order; there is no way to
// unregister one short of discarding the Engine.
func (e *Engine[B]) RegisterTrimHook(fn TrimFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trimHooks = append(e.trimHooks, fn)
}

// Submit closes and submits the command list currently open for cmdType,
// then runs PostSubmit. It returns the newly assigned fence value, which
// callers use to tag whatever resources or suballocations were recorded
// into that command list before returning them to a pool or enqueueing
// them for deferred deletion.
func (e *Engine[B]) Submit(cmdType fencecore.CommandListType) fencecore.FenceValue {
	value := e.backend.Submit(cmdType)
	e.PostSubmit()
	return value
}

// PostSubmit runs every registered trim hook against a fresh snapshot of
// completed fences, then pumps the deletion queue once. The core calls this
// after every submission to opportunistically reclaim pool entries and
// retired objects without requiring a separate maintenance thread; nothing
// stops an embedder from also calling it on a timer.
func (e *Engine[B]) PostSubmit() {
	var completed fencecore.FenceValues
	for t := fencecore.CommandListType(0); t < fencecore.CommandListTypeCount; t++ {
		completed[t] = e.backend.CompletedFence(t)
	}

	e.mu.Lock()
	hooks := make([]TrimFunc, len(e.trimHooks))
	copy(hooks, e.trimHooks)
	e.mu.Unlock()

	for _, hook := range hooks {
		hook(completed)
	}

	e.deletion.Trim(false)
}

// Close runs every trim hook a final time, then drains the deletion queue
// under device-teardown semantics: entries whose completionRequired is
// false are destroyed immediately, and entries that still require
// completion are destroyed once Close has waited, per timeline, on the
// smallest fence value still pending in the queue, repeating until the queue
// is empty. Close mirrors the original implementation's teardown ordering,
// where the deletion queue's owner is destroyed last among the engine's
// subsystems, since deletion entries may call back into pools, a residency
// manager, or a parent suballocator that must still be alive.
func (e *Engine[B]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	hooks := make([]TrimFunc, len(e.trimHooks))
	copy(hooks, e.trimHooks)
	e.mu.Unlock()

	var completed fencecore.FenceValues
	for t := fencecore.CommandListType(0); t < fencecore.CommandListTypeCount; t++ {
		completed[t] = e.backend.CompletedFence(t)
	}
	for _, hook := range hooks {
		hook(completed)
	}

	for {
		// Trim first: entries with completionRequired=false are destroyed
		// immediately under teardown even if their fence never completes
		// (deletion.readyToDestroy's deviceBeingDestroyed waiver). Only the
		// entries that survive this pass genuinely need their fence waited
		// on below.
		if !e.deletion.Trim(true) {
			return
		}

		pending := e.deletion.NextResourceDeletionFences()
		subPending := e.deletion.NextSuballocationDeletionFences()
		for t := fencecore.CommandListType(0); t < fencecore.CommandListTypeCount; t++ {
			if pending[t] > 0 {
				e.backend.WaitForFence(t, pending[t])
			}
			if subPending[t] > 0 {
				e.backend.WaitForFence(t, subPending[t])
			}
		}
	}
}
