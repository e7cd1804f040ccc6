package descriptor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/descriptor"
)

// fakeHeap is the minimal descriptor.Heap used by this package's tests.
type fakeHeap struct {
	base descriptor.Handle
}

func (h *fakeHeap) Release()                       {}
func (h *fakeHeap) BaseAddress() descriptor.Handle { return h.base }

func newTestManager(t *testing.T, descriptorsPerPage int) *descriptor.Manager {
	t.Helper()
	nextBase := descriptor.Handle(0)
	m, err := descriptor.New(descriptor.Config{
		DescriptorsPerPage: descriptorsPerPage,
		DescriptorSize:     1,
		NewHeap: func() (descriptor.Heap, error) {
			h := &fakeHeap{base: nextBase}
			nextBase += descriptor.Handle(descriptorsPerPage)
			return h, nil
		},
	})
	require.NoError(t, err)
	return m
}

func TestDescriptorManagerFragmentationAndCoalesce(t *testing.T) {
	m := newTestManager(t, 4)

	a, pageA, err := m.Allocate()
	require.NoError(t, err)
	b, pageB, err := m.Allocate()
	require.NoError(t, err)
	c, pageC, err := m.Allocate()
	require.NoError(t, err)
	d, pageD, err := m.Allocate()
	require.NoError(t, err)
	require.Equal(t, pageA, pageB)
	require.Equal(t, pageA, pageC)
	require.Equal(t, pageA, pageD)
	require.Equal(t, 1, m.PageCount())

	require.NoError(t, m.Free(b, pageB))
	require.NoError(t, m.Free(c, pageC))
	require.NoError(t, m.Validate())

	require.NoError(t, m.Free(a, pageA))
	require.NoError(t, m.Validate())

	require.NoError(t, m.Free(d, pageD))
	require.NoError(t, m.Validate())

	// The page is fully free again: the next allocation must reuse it
	// rather than creating a second page.
	_, pageAgain, err := m.Allocate()
	require.NoError(t, err)
	require.Equal(t, pageA, pageAgain)
	require.Equal(t, 1, m.PageCount())
}

func TestDescriptorManagerFreeCoalescesBothNeighborsAtOnce(t *testing.T) {
	m := newTestManager(t, 3)

	a, pageA, err := m.Allocate()
	require.NoError(t, err)
	b, pageB, err := m.Allocate()
	require.NoError(t, err)
	c, pageC, err := m.Allocate()
	require.NoError(t, err)
	require.Equal(t, pageA, pageB)
	require.Equal(t, pageA, pageC)

	// Free the two outer slots first, leaving two disjoint free ranges, then
	// free the middle slot, which exactly bridges them. The free list must
	// collapse to a single range spanning the whole page, not merge with
	// only one side and leave the other touching-but-uncoalesced.
	require.NoError(t, m.Free(a, pageA))
	require.NoError(t, m.Free(c, pageC))
	require.NoError(t, m.Free(b, pageB))
	require.NoError(t, m.Validate())

	var stats fencecore.DetailedStatistics
	m.AddDetailedStatistics(&stats)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 3, stats.UnusedRangeSizeMax)
}

func TestDescriptorManagerGrowsNewPageWhenFull(t *testing.T) {
	m := newTestManager(t, 2)

	_, _, err := m.Allocate()
	require.NoError(t, err)
	_, _, err = m.Allocate()
	require.NoError(t, err)
	require.Equal(t, 1, m.PageCount())

	_, page3, err := m.Allocate()
	require.NoError(t, err)
	require.Equal(t, descriptor.PageIndex(1), page3)
	require.Equal(t, 2, m.PageCount())
}

func TestDescriptorManagerFreeUnknownPageReturnsError(t *testing.T) {
	m := newTestManager(t, 4)
	err := m.Free(descriptor.Handle(0), descriptor.PageIndex(7))
	require.Error(t, err)
}
