// Package descriptor implements the offline descriptor-heap manager: a
// free-list allocator over fixed-size descriptor pages, used to hand out
// CPU-visible descriptor handles for views and samplers.
package descriptor

import (
	"container/list"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/internal/syncutil"
	"github.com/gpuxlate/fencecore/internal/validate"
)

// Handle is an opaque descriptor address: the page heap's BaseAddress plus
// the byte offset of a single descriptor slot within that heap.
type Handle uint64

// PageIndex identifies a page within a Manager. Pages are never removed
// once created (no page-level trimming in this design), so a PageIndex
// remains valid for the lifetime of the Manager that produced it.
type PageIndex int

// freeRange is a half-open byte range [Start, End) of free descriptor
// slots within one page's free list.
type freeRange struct {
	start, end Handle
}

// page owns one fixed-capacity descriptor heap plus its ordered,
// non-overlapping free list. Pages are appended to an append-only arena and
// referenced only by index, because recorded GPU work may hold onto a raw
// page pointer's worth of assumptions about pointer stability — in Go we
// guarantee the same thing by handing out PageIndex values instead of
// pointers, and by never shrinking the backing slice.
type page struct {
	heap     Heap
	base     Handle
	freeList *list.List // of *freeRange, sorted ascending by start
}

// Heap is the underlying CPU-visible descriptor heap a page wraps. It is an
// opaque collaborator: this module never interprets the descriptors
// themselves, only the address arithmetic needed to carve up the heap.
type Heap interface {
	fencecore.Releasable
	// BaseAddress returns the address of the heap's first descriptor slot.
	BaseAddress() Handle
}

// Config carries the construction-time parameters for a Manager, queried
// once from the device.
type Config struct {
	// DescriptorsPerPage is the fixed capacity of every page this manager
	// allocates.
	DescriptorsPerPage int
	// DescriptorSize is the byte size of a single descriptor, as reported
	// by the device.
	DescriptorSize Handle
	// UseMutex enables internal locking so Allocate/Free can be called from
	// any thread — offline (CPU-only) heaps may be touched by object
	// construction/destruction from any thread.
	UseMutex bool
	// NewHeap constructs one backing heap of DescriptorsPerPage capacity.
	NewHeap func() (Heap, error)
	Logger  *slog.Logger
}

// Manager owns an append-only arena of descriptor heap pages plus an index
// list of pages that currently have free space.
type Manager struct {
	mu syncutil.OptionalRWMutex

	descriptorsPerPage int
	descriptorSize     Handle
	newHeap            func() (Heap, error)
	logger             *slog.Logger

	pages     []*page
	freePages *list.List // of PageIndex
}

// New constructs an empty descriptor heap manager. No pages are allocated
// until the first call to Allocate.
func New(cfg Config) (*Manager, error) {
	if cfg.DescriptorsPerPage <= 0 {
		return nil, errors.New("descriptor: DescriptorsPerPage must be positive")
	}
	if cfg.DescriptorSize == 0 {
		return nil, errors.New("descriptor: DescriptorSize must be positive")
	}
	if cfg.NewHeap == nil {
		return nil, errors.New("descriptor: NewHeap must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		mu:                 syncutil.OptionalRWMutex{UseMutex: cfg.UseMutex},
		descriptorsPerPage: cfg.DescriptorsPerPage,
		descriptorSize:     cfg.DescriptorSize,
		newHeap:            cfg.NewHeap,
		logger:             logger,
		freePages:          list.New(),
	}, nil
}

// Allocate hands out one descriptor slot, allocating a new page if none of
// the existing pages have free space.
func (m *Manager) Allocate() (Handle, PageIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.freePages.Len() == 0 {
		if err := m.allocatePage(); err != nil {
			return 0, 0, errors.Wrap(err, "descriptor: allocate page")
		}
	}

	front := m.freePages.Front()
	index := front.Value.(PageIndex)
	pg := m.pages[index]

	rangeElem := pg.freeList.Front()
	r := rangeElem.Value.(*freeRange)

	handle := r.start
	r.start += m.descriptorSize

	if r.start == r.end {
		pg.freeList.Remove(rangeElem)
		if pg.freeList.Len() == 0 {
			m.freePages.Remove(front)
		}
	}

	validate.Debug(validate.Func(m.validateLocked))
	return handle, index, nil
}

func (m *Manager) allocatePage() error {
	heap, err := m.newHeap()
	if err != nil {
		return err
	}

	base := heap.BaseAddress()
	pg := &page{
		heap:     heap,
		base:     base,
		freeList: list.New(),
	}
	pg.freeList.PushBack(&freeRange{
		start: base,
		end:   base + Handle(m.descriptorsPerPage)*m.descriptorSize,
	})

	m.pages = append(m.pages, pg)
	index := PageIndex(len(m.pages) - 1)
	m.freePages.PushBack(index)
	return nil
}

// Free returns a previously allocated descriptor slot to its page's free
// list, coalescing it with adjacent free ranges where possible.
func (m *Manager) Free(handle Handle, index PageIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(index) < 0 || int(index) >= len(m.pages) {
		return errors.Wrapf(fencecore.ErrNotFound, "descriptor: page index %d", index)
	}
	pg := m.pages[index]

	newRange := &freeRange{start: handle, end: handle + m.descriptorSize}
	wasEmpty := pg.freeList.Len() == 0

	var insertBefore *list.Element
	for e := pg.freeList.Front(); e != nil; e = e.Next() {
		if e.Value.(*freeRange).start >= newRange.start {
			insertBefore = e
			break
		}
	}

	var elem *list.Element
	if insertBefore != nil {
		elem = pg.freeList.InsertBefore(newRange, insertBefore)
	} else {
		elem = pg.freeList.PushBack(newRange)
	}

	// Merge with the left and right neighbor independently, the way the
	// allocator this free list is modeled on merges a freed block with both
	// its prevPhysical and nextPhysical neighbors rather than stopping at
	// whichever side matches first.
	if prev := elem.Prev(); prev != nil {
		pr := prev.Value.(*freeRange)
		if pr.end == newRange.start {
			newRange.start = pr.start
			pg.freeList.Remove(prev)
		}
	}
	if next := elem.Next(); next != nil {
		nr := next.Value.(*freeRange)
		if nr.start == newRange.end {
			newRange.end = nr.end
			pg.freeList.Remove(next)
		}
	}

	if wasEmpty {
		m.freePages.PushBack(index)
	}

	validate.Debug(validate.Func(m.validateLocked))
	return nil
}

// PageCount returns the number of pages this manager has ever allocated.
func (m *Manager) PageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

// Validate checks, for every page, that free ranges are non-overlapping,
// strictly ascending by start, and that no two adjacent ranges touch
// (otherwise they would have been coalesced) — the invariant from spec §8.
func (m *Manager) Validate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateLocked()
}

// validateLocked is Validate's body, callable from methods that already
// hold m.mu (for reading or writing — both are sufficient here).
func (m *Manager) validateLocked() error {
	for i, pg := range m.pages {
		var prev *freeRange
		for e := pg.freeList.Front(); e != nil; e = e.Next() {
			r := e.Value.(*freeRange)
			if r.start >= r.end {
				return errors.Newf("descriptor: page %d has degenerate range [%d,%d)", i, r.start, r.end)
			}
			if prev != nil {
				if prev.start >= r.start {
					return errors.Newf("descriptor: page %d free list is not strictly ascending", i)
				}
				if prev.end == r.start {
					return errors.Newf("descriptor: page %d has adjacent ranges that should have coalesced", i)
				}
				if prev.end > r.start {
					return errors.Newf("descriptor: page %d has overlapping free ranges", i)
				}
			}
			prev = r
		}
	}
	return nil
}

// AddDetailedStatistics accumulates this manager's footprint into stats.
func (m *Manager) AddDetailedStatistics(stats *fencecore.DetailedStatistics) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pg := range m.pages {
		stats.BlockCount++
		pageBytes := m.descriptorsPerPage * int(m.descriptorSize)
		stats.BlockBytes += pageBytes

		freeBytes := 0
		for e := pg.freeList.Front(); e != nil; e = e.Next() {
			r := e.Value.(*freeRange)
			size := int(r.end - r.start)
			freeBytes += size
			stats.AddUnusedRange(size)
		}
		stats.AddAllocation(pageBytes - freeBytes)
	}
}

// BuildStatsString writes a JSON array with one entry per page, listing its
// free ranges in ascending order.
func (m *Manager) BuildStatsString(writer *jwriter.Writer) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pages := writer.Array()
	defer pages.End()

	for i, pg := range m.pages {
		po := pages.Object()
		po.Name("Page").Int(i)

		ranges := po.Name("FreeRanges").Array()
		for e := pg.freeList.Front(); e != nil; e = e.Next() {
			r := e.Value.(*freeRange)
			ro := ranges.Object()
			ro.Name("Start").Int(int(r.start))
			ro.Name("End").Int(int(r.end))
			ro.End()
		}
		ranges.End()
		po.End()
	}
}
