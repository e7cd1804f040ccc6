package suballoc

import (
	"log/slog"
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/gpuxlate/fencecore"
)

// buddyRecord is what the handle map needs to free a live buddy allocation
// in O(1) without re-deriving its heap/offset/order from the block alone.
type buddyRecord struct {
	heapIndex int
	offset    int
	order     int
}

// buddyHeap is one backing heap managed as a binary buddy tree. freeByOrder
// maps an order (0 == minBlockSize, each order up doubles the block size)
// to the set of free block offsets at that order.
type buddyHeap struct {
	backing     Heap
	topOrder    int
	freeByOrder map[int]map[int]struct{}
}

func newBuddyHeap(backing Heap, topOrder int) *buddyHeap {
	h := &buddyHeap{backing: backing, topOrder: topOrder, freeByOrder: make(map[int]map[int]struct{})}
	h.freeByOrder[topOrder] = map[int]struct{}{0: {}}
	return h
}

// findAndSplit locates the smallest free block at order ≥ needed, splitting
// it down to exactly needed order, and returns its offset. It reports false
// if no block large enough exists anywhere in this heap.
func (h *buddyHeap) findAndSplit(needed int) (int, bool) {
	order := needed
	for order <= h.topOrder {
		set := h.freeByOrder[order]
		if len(set) > 0 {
			var offset int
			for o := range set {
				offset = o
				break
			}
			delete(set, offset)
			h.splitDown(offset, order, needed)
			return offset, true
		}
		order++
	}
	return 0, false
}

// splitDown halves a free block at fromOrder repeatedly until it reaches
// toOrder, pushing the unused buddy half onto the free list at each step.
func (h *buddyHeap) splitDown(offset, fromOrder, toOrder int) {
	for fromOrder > toOrder {
		fromOrder--
		buddyOffset := offset + (1 << fromOrder)
		h.addFree(buddyOffset, fromOrder)
	}
}

func (h *buddyHeap) addFree(offset, order int) {
	set := h.freeByOrder[order]
	if set == nil {
		set = make(map[int]struct{})
		h.freeByOrder[order] = set
	}
	set[offset] = struct{}{}
}

// release returns a block to the free list, merging with its buddy as many
// times as possible.
func (h *buddyHeap) release(offset, order int) {
	for order < h.topOrder {
		buddyOffset := offset ^ (1 << order)
		set := h.freeByOrder[order]
		if set == nil || !has(set, buddyOffset) {
			break
		}
		delete(set, buddyOffset)
		if buddyOffset < offset {
			offset = buddyOffset
		}
		order++
	}
	h.addFree(offset, order)
}

func has(set map[int]struct{}, key int) bool {
	_, ok := set[key]
	return ok
}

// buddyAllocator is the power-of-two-split backend, splitting allocations
// out of a growable list of backing heaps.
type buddyAllocator struct {
	mu           sync.Mutex
	minBlockSize int
	heapSize     int
	topOrder     int
	newHeap      func(size int) (Heap, error)
	logger       *slog.Logger
	heaps        []*buddyHeap
	handles      *swiss.Map[Handle, buddyRecord]
	nextHandle   Handle
}

func newBuddyAllocator(minBlockSize, heapSize int, newHeap func(size int) (Heap, error), logger *slog.Logger) (*buddyAllocator, error) {
	if minBlockSize <= 0 || minBlockSize&(minBlockSize-1) != 0 {
		return nil, errors.Newf("suballoc: BuddyMinBlockSize must be a positive power of two, got %d", minBlockSize)
	}
	if heapSize <= 0 || heapSize&(heapSize-1) != 0 {
		return nil, errors.Newf("suballoc: BuddyHeapSize must be a positive power of two, got %d", heapSize)
	}
	if heapSize%minBlockSize != 0 {
		return nil, errors.Newf("suballoc: BuddyHeapSize %d must be a multiple of BuddyMinBlockSize %d", heapSize, minBlockSize)
	}

	topOrder := bits.TrailingZeros(uint(heapSize / minBlockSize))

	return &buddyAllocator{
		minBlockSize: minBlockSize,
		heapSize:     heapSize,
		topOrder:     topOrder,
		newHeap:      newHeap,
		logger:       logger,
		handles:      swiss.NewMap[Handle, buddyRecord](16),
	}, nil
}

// orderForSize returns the smallest order whose block size (minBlockSize <<
// order) is ≥ size.
func (b *buddyAllocator) orderForSize(size int) (int, error) {
	blocks := (size + b.minBlockSize - 1) / b.minBlockSize
	if blocks <= 0 {
		blocks = 1
	}
	order := bits.Len(uint(blocks - 1))
	if order > b.topOrder {
		return 0, errors.Newf("suballoc: requested size %d exceeds backing heap size %d", size, b.heapSize)
	}
	return order, nil
}

func (b *buddyAllocator) allocate(size int) (Block, error) {
	order, err := b.orderForSize(size)
	if err != nil {
		return Block{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, heap := range b.heaps {
		if offset, ok := heap.findAndSplit(order); ok {
			return b.record(i, offset, order, size)
		}
	}

	backing, err := b.newHeap(b.heapSize)
	if err != nil {
		return Block{}, errors.Wrap(err, "suballoc: allocate backing heap")
	}
	heap := newBuddyHeap(backing, b.topOrder)
	b.heaps = append(b.heaps, heap)
	heapIndex := len(b.heaps) - 1

	offset, ok := heap.findAndSplit(order)
	if !ok {
		return Block{}, errors.New("suballoc: fresh backing heap could not satisfy allocation")
	}
	return b.record(heapIndex, offset, order, size)
}

func (b *buddyAllocator) record(heapIndex, offset, order, size int) (Block, error) {
	b.nextHandle++
	handle := b.nextHandle
	b.handles.Put(handle, buddyRecord{heapIndex: heapIndex, offset: offset, order: order})
	// offset and order are in minBlockSize units internally; the public
	// Block.Offset contract is a byte offset within the backing heap.
	return Block{Offset: offset * b.minBlockSize, Size: size, handle: handle}, nil
}

func (b *buddyAllocator) deallocate(block Block) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.handles.Get(block.handle)
	if !ok {
		return
	}
	b.handles.Delete(block.handle)
	b.heaps[rec.heapIndex].release(rec.offset, rec.order)
}

func (b *buddyAllocator) addStatistics(stats *fencecore.Statistics) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats.BlockCount += len(b.heaps)
	stats.BlockBytes += len(b.heaps) * b.heapSize
	stats.AllocationCount += b.handles.Count()
}

func (b *buddyAllocator) heapCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.heaps)
}

func (b *buddyAllocator) validate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, heap := range b.heaps {
		total := 0
		for order, set := range heap.freeByOrder {
			total += len(set) * (1 << order)
		}
		if total > (1 << heap.topOrder) {
			return errors.Newf("suballoc: heap %d free total %d exceeds heap capacity", i, total)
		}
	}
	return nil
}
