// Package deletion implements the deferred-deletion queue: two FIFO queues
// (retired resources, retired suballocations) that retire GPU-referenced
// objects until every command list that touched them has completed and any
// user-attached deferred waits are satisfied.
package deletion

import (
	"container/list"
	"log/slog"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gpuxlate/fencecore"
)

// RetiredResource is a carrier for one owned GPU object plus its residency
// handle, enqueued at submission time and destroyed once it is ready.
type RetiredResource struct {
	touched            fencecore.FenceValues
	completionRequired bool
	deferredWaits      []fencecore.DeferredWait

	resource fencecore.Releasable
	// residency is an opaque owning token; dropping it must call
	// endTracking on the residency manager. It may be nil.
	residency fencecore.Releasable
}

// NewRetiredResource constructs a RetiredResource. touched records, per
// CommandListType, the last fence value at which resource was referenced
// (zero means "never touched on that timeline"). completionRequired, when
// false, allows the object to be destroyed during early device teardown
// even if its fence never completes.
func NewRetiredResource(
	resource fencecore.Releasable,
	residency fencecore.Releasable,
	touched fencecore.FenceValues,
	completionRequired bool,
	deferredWaits []fencecore.DeferredWait,
) RetiredResource {
	return RetiredResource{
		touched:            touched,
		completionRequired: completionRequired,
		deferredWaits:      deferredWaits,
		resource:           resource,
		residency:          residency,
	}
}

func (r *RetiredResource) readyToDestroy(q fencecore.FenceQuerier, deviceBeingDestroyed bool) bool {
	return readyToDestroy(r.touched, r.completionRequired, r.deferredWaits, q, deviceBeingDestroyed)
}

func (r *RetiredResource) destroy() {
	r.resource.Release()
	if r.residency != nil {
		r.residency.Release()
	}
}

// Deallocator is implemented by a suballocation's parent allocator — the
// thing a RetiredSuballocation must call back into once it is ready to be
// destroyed. B is the suballocation-block type the allocator produces (for
// example suballoc.Block); parameterizing the queue on it avoids an import
// cycle between this package and suballoc while keeping the call fully
// typed, with no any-typed block smuggled through an interface{} parameter.
type Deallocator[B any] interface {
	Deallocate(block B)
}

// RetiredSuballocation is a carrier for a suballocation that must be
// returned to its parent allocator once the GPU is done with it. It stores
// the allocator as a live reference, not a copy of whatever state would be
// needed to re-derive it, mirroring the original implementation's
// ConditionalHeapAllocator& back-reference.
type RetiredSuballocation[B any] struct {
	touched            fencecore.FenceValues
	completionRequired bool
	deferredWaits      []fencecore.DeferredWait

	block  B
	parent Deallocator[B]
}

// NewRetiredSuballocation constructs a RetiredSuballocation. Per spec §4.6,
// suballocation retirement always requires completion (there is no
// "completionRequired=false" case for a suballocation: returning it to the
// wrong place while in flight would corrupt the parent allocator's free
// list, not merely leak a GPU object).
func NewRetiredSuballocation[B any](
	block B,
	parent Deallocator[B],
	touched fencecore.FenceValues,
) RetiredSuballocation[B] {
	return RetiredSuballocation[B]{
		touched:            touched,
		completionRequired: true,
		block:              block,
		parent:             parent,
	}
}

func (r *RetiredSuballocation[B]) readyToDestroy(q fencecore.FenceQuerier, deviceBeingDestroyed bool) bool {
	return readyToDestroy(r.touched, r.completionRequired, r.deferredWaits, q, deviceBeingDestroyed)
}

func (r *RetiredSuballocation[B]) destroy() {
	r.parent.Deallocate(r.block)
}

// readyToDestroy is the predicate shared by RetiredResource and
// RetiredSuballocation, factored out exactly as the original implementation
// factors RetiredObject::ReadyToDestroy into a free function so it can be
// called both by Queue.Trim and ahead of enqueueing (the enqueue-time fast
// path below).
func readyToDestroy(
	touched fencecore.FenceValues,
	completionRequired bool,
	deferredWaits []fencecore.DeferredWait,
	q fencecore.FenceQuerier,
	deviceBeingDestroyed bool,
) bool {
	for t := fencecore.CommandListType(0); t < fencecore.CommandListTypeCount; t++ {
		lastTouched := touched[t]
		if lastTouched == 0 {
			continue
		}
		if !completionRequired && deviceBeingDestroyed {
			continue
		}
		if q.CompletedFence(t) < lastTouched {
			return false
		}
	}

	for _, wait := range deferredWaits {
		if !wait.Satisfied() {
			return false
		}
	}

	return true
}

// Queue holds the two FIFO deferred-deletion queues. It is not internally
// synchronized: per spec §5, it is accessed under an external coarse lock
// owned by its enclosing context. B is the suballocation-block type used by
// whatever suballocator the embedding engine wires in.
type Queue[B any] struct {
	fences    fencecore.FenceQuerier
	logger    *slog.Logger
	resources *list.List // of *RetiredResource
	suballocs *list.List // of *RetiredSuballocation[B]
}

// New constructs an empty deletion queue. fences is queried by Trim and by
// the enqueue-time fast path to decide whether a just-retired object is
// already safe to destroy immediately.
func New[B any](fences fencecore.FenceQuerier, logger *slog.Logger) *Queue[B] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[B]{
		fences:    fences,
		logger:    logger,
		resources: list.New(),
		suballocs: list.New(),
	}
}

// EnqueueResource pushes a retired resource onto the back of the resource
// queue.
func (q *Queue[B]) EnqueueResource(r RetiredResource) {
	q.resources.PushBack(&r)
}

// EnqueueSuballocation pushes a retired suballocation onto the back of the
// suballocation queue, unless it is already ready to destroy — e.g. the
// allocation was made but the command list that would have referenced it
// was never actually submitted — in which case it is destroyed immediately
// without ever touching the queue.
func (q *Queue[B]) EnqueueSuballocation(r RetiredSuballocation[B]) {
	if r.readyToDestroy(q.fences, false) {
		r.destroy()
		return
	}
	q.suballocs.PushBack(&r)
}

// Trim repeatedly inspects the head of each queue, popping and destroying
// entries while the head is ready to destroy, and reports whether either
// queue still has entries remaining (a hint callers may use to reschedule
// trimming). When deviceBeingDestroyed is true, entries whose
// completionRequired is false are destroyed even if their fence never
// completed.
func (q *Queue[B]) Trim(deviceBeingDestroyed bool) bool {
	for e := q.resources.Front(); e != nil; {
		r := e.Value.(*RetiredResource)
		if !r.readyToDestroy(q.fences, deviceBeingDestroyed) {
			break
		}
		next := e.Next()
		q.resources.Remove(e)
		r.destroy()
		e = next
	}

	for e := q.suballocs.Front(); e != nil; {
		r := e.Value.(*RetiredSuballocation[B])
		if !r.readyToDestroy(q.fences, deviceBeingDestroyed) {
			break
		}
		next := e.Next()
		q.suballocs.Remove(e)
		r.destroy()
		e = next
	}

	return q.resources.Len() > 0 || q.suballocs.Len() > 0
}

// NextResourceDeletionFences scans the resource queue for the smallest
// per-type fence threshold that, if reached, would unblock at least one
// deletion, so a caller can insert a precise wait rather than polling.
func (q *Queue[B]) NextResourceDeletionFences() fencecore.FenceValues {
	var out fencecore.FenceValues
	for e := q.resources.Front(); e != nil; e = e.Next() {
		accumulateMinFences(&out, e.Value.(*RetiredResource).touched)
	}
	return out
}

// NextSuballocationDeletionFences is the suballocation-queue counterpart of
// NextResourceDeletionFences, reported separately because a caller may want
// to prioritize reclaiming suballocations (whose parent allocator may be
// under memory pressure) ahead of plain resource destruction.
func (q *Queue[B]) NextSuballocationDeletionFences() fencecore.FenceValues {
	var out fencecore.FenceValues
	for e := q.suballocs.Front(); e != nil; e = e.Next() {
		accumulateMinFences(&out, e.Value.(*RetiredSuballocation[B]).touched)
	}
	return out
}

func accumulateMinFences(out *fencecore.FenceValues, touched fencecore.FenceValues) {
	for t := fencecore.CommandListType(0); t < fencecore.CommandListTypeCount; t++ {
		if touched[t] == 0 {
			continue
		}
		if out[t] == 0 || touched[t] < out[t] {
			out[t] = touched[t]
		}
	}
}

// Len returns the number of entries in each queue.
func (q *Queue[B]) Len() (resources, suballocations int) {
	return q.resources.Len(), q.suballocs.Len()
}

// BuildStatsString writes a JSON object reporting the length of each queue.
func (q *Queue[B]) BuildStatsString(writer *jwriter.Writer) {
	o := writer.Object()
	defer o.End()

	o.Name("RetiredResources").Int(q.resources.Len())
	o.Name("RetiredSuballocations").Int(q.suballocs.Len())
}
