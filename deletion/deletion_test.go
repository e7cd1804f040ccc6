package deletion_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/deletion"
)

type fakeQuerier struct {
	completed fencecore.FenceValues
}

func (q *fakeQuerier) CompletedFence(t fencecore.CommandListType) fencecore.FenceValue {
	return q.completed[t]
}

type fakeResource struct{ released bool }

func (r *fakeResource) Release() { r.released = true }

type fakeBlock struct{ id int }

type fakeAllocator struct {
	deallocated []fakeBlock
}

func (a *fakeAllocator) Deallocate(block fakeBlock) {
	a.deallocated = append(a.deallocated, block)
}

func TestDeletionQueueDeferredWait(t *testing.T) {
	q := &fakeQuerier{}
	queue := deletion.New[fakeBlock](q, nil)

	r := &fakeResource{}
	userFence := &fakeQuerier{}
	var touched fencecore.FenceValues
	touched[fencecore.CommandListTypeGraphics] = 100

	queue.EnqueueResource(deletion.NewRetiredResource(r, nil, touched, true, []fencecore.DeferredWait{
		{ExternalFence: userFence, ExternalType: fencecore.CommandListTypeGraphics, Threshold: 5},
	}))

	q.completed[fencecore.CommandListTypeGraphics] = 100
	userFence.completed[fencecore.CommandListTypeGraphics] = 4

	queue.Trim(false)
	require.False(t, r.released)

	userFence.completed[fencecore.CommandListTypeGraphics] = 5
	queue.Trim(false)
	require.True(t, r.released)
}

func TestDeletionQueueCompletionRequiredBlocksTeardown(t *testing.T) {
	q := &fakeQuerier{}
	queue := deletion.New[fakeBlock](q, nil)

	r := &fakeResource{}
	var touched fencecore.FenceValues
	touched[fencecore.CommandListTypeGraphics] = 100
	queue.EnqueueResource(deletion.NewRetiredResource(r, nil, touched, true, nil))

	queue.Trim(true)
	require.False(t, r.released, "completionRequired entries must not destroy on teardown before their fence completes")

	q.completed[fencecore.CommandListTypeGraphics] = 100
	queue.Trim(true)
	require.True(t, r.released)
}

func TestDeletionQueueCompletionNotRequiredDestroysOnTeardown(t *testing.T) {
	q := &fakeQuerier{}
	queue := deletion.New[fakeBlock](q, nil)

	r := &fakeResource{}
	var touched fencecore.FenceValues
	touched[fencecore.CommandListTypeGraphics] = 100
	queue.EnqueueResource(deletion.NewRetiredResource(r, nil, touched, false, nil))

	queue.Trim(false)
	require.False(t, r.released)

	queue.Trim(true)
	require.True(t, r.released)
}

func TestDeletionQueueEnqueueFastPathForAlreadyReadySuballocation(t *testing.T) {
	q := &fakeQuerier{}
	queue := deletion.New[fakeBlock](q, nil)
	parent := &fakeAllocator{}

	var touched fencecore.FenceValues // never touched: ready immediately
	queue.EnqueueSuballocation(deletion.NewRetiredSuballocation(fakeBlock{id: 1}, parent, touched))

	resources, suballocs := queue.Len()
	require.Equal(t, 0, resources)
	require.Equal(t, 0, suballocs)
	require.Len(t, parent.deallocated, 1)
	require.Equal(t, 1, parent.deallocated[0].id)
}

func TestDeletionQueueSuballocationWaitsForFence(t *testing.T) {
	q := &fakeQuerier{}
	queue := deletion.New[fakeBlock](q, nil)
	parent := &fakeAllocator{}

	var touched fencecore.FenceValues
	touched[fencecore.CommandListTypeCompute] = 10
	queue.EnqueueSuballocation(deletion.NewRetiredSuballocation(fakeBlock{id: 2}, parent, touched))

	_, suballocs := queue.Len()
	require.Equal(t, 1, suballocs)

	q.completed[fencecore.CommandListTypeCompute] = 10
	queue.Trim(false)

	_, suballocs = queue.Len()
	require.Equal(t, 0, suballocs)
	require.Len(t, parent.deallocated, 1)
}

func TestDeletionQueueNextDeletionFencesReportsSmallestThreshold(t *testing.T) {
	q := &fakeQuerier{}
	queue := deletion.New[fakeBlock](q, nil)

	var touchedLow, touchedHigh fencecore.FenceValues
	touchedLow[fencecore.CommandListTypeGraphics] = 10
	touchedHigh[fencecore.CommandListTypeGraphics] = 20

	queue.EnqueueResource(deletion.NewRetiredResource(&fakeResource{}, nil, touchedHigh, true, nil))
	queue.EnqueueResource(deletion.NewRetiredResource(&fakeResource{}, nil, touchedLow, true, nil))

	next := queue.NextResourceDeletionFences()
	require.Equal(t, fencecore.FenceValue(10), next[fencecore.CommandListTypeGraphics])
}
