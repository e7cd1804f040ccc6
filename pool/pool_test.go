package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/pool"
)

// fakeResource is a minimal fencecore.Releasable used across this package's
// tests: it records whether it was released and, optionally, a name for
// identity assertions.
type fakeResource struct {
	name     string
	released bool
}

func (r *fakeResource) Release() { r.released = true }

func newCreateCounter(prefix string) (func() (*fakeResource, error), *int) {
	count := 0
	return func() (*fakeResource, error) {
		count++
		return &fakeResource{name: prefix}, nil
	}, &count
}

func TestFencePoolRecycling(t *testing.T) {
	p := pool.NewFencePool[*fakeResource](false, nil)

	r1 := &fakeResource{name: "r1"}
	r2 := &fakeResource{name: "r2"}
	p.Return(r1, fencecore.FenceValue(10))
	p.Return(r2, fencecore.FenceValue(20))

	createFn, calls := newCreateCounter("created")

	got, err := p.Retrieve(fencecore.FenceValue(15), createFn)
	require.NoError(t, err)
	require.Same(t, r1, got)
	require.Equal(t, 0, *calls)

	got, err = p.Retrieve(fencecore.FenceValue(15), createFn)
	require.NoError(t, err)
	require.Equal(t, "created", got.name)
	require.Equal(t, 1, *calls)

	got, err = p.Retrieve(fencecore.FenceValue(25), createFn)
	require.NoError(t, err)
	require.Same(t, r2, got)
	require.Equal(t, 1, *calls)
}

func TestFencePoolRetrieveEmptyCallsCreate(t *testing.T) {
	p := pool.NewFencePool[*fakeResource](false, nil)
	createFn, calls := newCreateCounter("fresh")

	got, err := p.Retrieve(fencecore.FenceValue(100), createFn)
	require.NoError(t, err)
	require.Equal(t, "fresh", got.name)
	require.Equal(t, 1, *calls)
}

func TestFencePoolTrimRemovesOneIfFarEnoughBehind(t *testing.T) {
	p := pool.NewFencePool[*fakeResource](false, nil)
	r := &fakeResource{name: "old"}
	p.Return(r, fencecore.FenceValue(10))

	p.Trim(fencecore.FenceValue(100), fencecore.FenceValue(50))
	require.Equal(t, 1, p.Len())
	require.False(t, r.released)

	p.Trim(fencecore.FenceValue(5), fencecore.FenceValue(50))
	require.Equal(t, 0, p.Len())
	require.True(t, r.released)
}

func TestFencePoolValidatePassesForNonDecreasingFences(t *testing.T) {
	p := pool.NewFencePool[*fakeResource](false, nil)
	p.Return(&fakeResource{}, fencecore.FenceValue(10))
	require.NoError(t, p.Validate())
}
