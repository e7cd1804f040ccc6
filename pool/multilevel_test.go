package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/pool"
)

func TestMultiLevelPoolBucketing(t *testing.T) {
	const sizeMultiple = 64 * 1024

	p, err := pool.NewMultiLevelPool[*fakeResource](sizeMultiple, fencecore.FenceValue(4), nil)
	require.NoError(t, err)

	r := &fakeResource{name: "128k"}
	p.Return(128*1024, r, fencecore.FenceValue(10))
	require.Equal(t, 1, p.IndexFromSize(128*1024))

	createFn, createCalls := newCreateCounter("unexpected")
	got, err := p.Retrieve(65*1024, fencecore.FenceValue(10), func(alignedSize int) (*fakeResource, error) {
		require.Equal(t, 128*1024, alignedSize)
		return createFn()
	})
	require.NoError(t, err)
	require.Same(t, r, got)
	require.Equal(t, 0, *createCalls)
}

func TestMultiLevelPoolMissingBucketCallsCreateAfterUnlocking(t *testing.T) {
	p, err := pool.NewMultiLevelPool[*fakeResource](64*1024, fencecore.FenceValue(4), nil)
	require.NoError(t, err)

	got, err := p.Retrieve(65*1024, fencecore.FenceValue(10), func(alignedSize int) (*fakeResource, error) {
		require.Equal(t, 128*1024, alignedSize)
		return &fakeResource{name: "fresh"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", got.name)
	require.Equal(t, 0, p.BucketCount())
}

func TestMultiLevelPoolAlignedSizeRoundsUp(t *testing.T) {
	p, err := pool.NewMultiLevelPool[*fakeResource](64*1024, 0, nil)
	require.NoError(t, err)

	require.Equal(t, 0, p.IndexFromSize(0))
	require.Equal(t, 64*1024, p.AlignedSize(0))
	require.Equal(t, 1, p.IndexFromSize(64*1024+1))
}
