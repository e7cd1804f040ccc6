package submission_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/deletion"
	"github.com/gpuxlate/fencecore/submission"
)

// fakeBackend is a synchronous Backend stub: WaitForFence simply raises
// completed to value and returns immediately, so Close's drain loop never
// blocks in these tests.
type fakeBackend struct {
	completed fencecore.FenceValues
	submitted fencecore.FenceValues
	lost      bool
}

func (b *fakeBackend) CompletedFence(t fencecore.CommandListType) fencecore.FenceValue { return b.completed[t] }
func (b *fakeBackend) SubmittedFence(t fencecore.CommandListType) fencecore.FenceValue { return b.submitted[t] }

func (b *fakeBackend) WaitForFence(t fencecore.CommandListType, value fencecore.FenceValue) bool {
	if b.lost {
		return false
	}
	if b.completed[t] < value {
		b.completed[t] = value
	}
	return true
}

func (b *fakeBackend) Submit(t fencecore.CommandListType) fencecore.FenceValue {
	b.submitted[t]++
	return b.submitted[t]
}

type fakeBlock struct{ id int }

type fakeAllocator struct {
	deallocated []fakeBlock
}

func (a *fakeAllocator) Deallocate(block fakeBlock) {
	a.deallocated = append(a.deallocated, block)
}

type fakeResource struct{ released bool }

func (r *fakeResource) Release() { r.released = true }

func TestEngineSubmitRunsTrimHooksWithCompletedSnapshot(t *testing.T) {
	backend := &fakeBackend{}
	backend.completed[fencecore.CommandListTypeGraphics] = 7

	engine, err := submission.New(submission.Config[fakeBlock]{Backend: backend})
	require.NoError(t, err)

	var seen fencecore.FenceValues
	calls := 0
	engine.RegisterTrimHook(func(completed fencecore.FenceValues) {
		calls++
		seen = completed
	})

	v := engine.Submit(fencecore.CommandListTypeGraphics)
	require.EqualValues(t, 1, v)
	require.Equal(t, 1, calls)
	require.EqualValues(t, 7, seen[fencecore.CommandListTypeGraphics])
}

func TestEngineSubmitTrimsReadyDeletionEntries(t *testing.T) {
	backend := &fakeBackend{}
	engine, err := submission.New(submission.Config[fakeBlock]{Backend: backend})
	require.NoError(t, err)

	r := &fakeResource{}
	var touched fencecore.FenceValues
	touched[fencecore.CommandListTypeGraphics] = 3
	engine.DeletionQueue().EnqueueResource(deletion.NewRetiredResource(r, nil, touched, true, nil))

	backend.completed[fencecore.CommandListTypeGraphics] = 3
	engine.Submit(fencecore.CommandListTypeGraphics)

	require.True(t, r.released)
	resources, _ := engine.DeletionQueue().Len()
	require.Equal(t, 0, resources)
}

func TestEngineCloseDrainsQueueByWaitingOnPendingFences(t *testing.T) {
	backend := &fakeBackend{}
	engine, err := submission.New(submission.Config[fakeBlock]{Backend: backend})
	require.NoError(t, err)

	parent := &fakeAllocator{}
	var touched fencecore.FenceValues
	touched[fencecore.CommandListTypeCompute] = 9
	engine.DeletionQueue().EnqueueSuballocation(deletion.NewRetiredSuballocation(fakeBlock{id: 1}, parent, touched))

	r := &fakeResource{}
	var rTouched fencecore.FenceValues
	rTouched[fencecore.CommandListTypeGraphics] = 4
	engine.DeletionQueue().EnqueueResource(deletion.NewRetiredResource(r, nil, rTouched, true, nil))

	engine.Close()

	require.True(t, r.released)
	require.Len(t, parent.deallocated, 1)
	require.EqualValues(t, 9, backend.CompletedFence(fencecore.CommandListTypeCompute))
	require.EqualValues(t, 4, backend.CompletedFence(fencecore.CommandListTypeGraphics))

	resources, suballocs := engine.DeletionQueue().Len()
	require.Equal(t, 0, resources)
	require.Equal(t, 0, suballocs)
}

func TestEngineCloseDestroysNonCompletionRequiredEntryWithoutWaitingOnItsFence(t *testing.T) {
	backend := &fakeBackend{}
	engine, err := submission.New(submission.Config[fakeBlock]{Backend: backend})
	require.NoError(t, err)

	r := &fakeResource{}
	var touched fencecore.FenceValues
	touched[fencecore.CommandListTypeGraphics] = 100
	engine.DeletionQueue().EnqueueResource(deletion.NewRetiredResource(r, nil, touched, false, nil))

	engine.Close()

	require.True(t, r.released)
	// If Close had waited on this entry's fence before trimming, fakeBackend
	// would have raised CompletedFence to 100 as a side effect of the wait.
	require.EqualValues(t, 0, backend.CompletedFence(fencecore.CommandListTypeGraphics))
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	engine, err := submission.New(submission.Config[fakeBlock]{Backend: backend})
	require.NoError(t, err)

	engine.Close()
	engine.Close()
}

func TestEngineNewRejectsNilBackend(t *testing.T) {
	_, err := submission.New(submission.Config[fakeBlock]{})
	require.Error(t, err)
}
