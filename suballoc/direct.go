package suballoc

import (
	"log/slog"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/gpuxlate/fencecore"
)

// directAllocator hands each allocation its own dedicated backing heap.
// Offset is always 0: nothing is ever suballocated within a direct
// allocation's heap.
type directAllocator struct {
	mu         sync.Mutex
	newHeap    func(size int) (Heap, error)
	logger     *slog.Logger
	live       *swiss.Map[Handle, Heap]
	nextHandle Handle
}

func newDirectAllocator(newHeap func(size int) (Heap, error), logger *slog.Logger) *directAllocator {
	return &directAllocator{
		newHeap: newHeap,
		logger:  logger,
		live:    swiss.NewMap[Handle, Heap](16),
	}
}

func (d *directAllocator) allocate(size int) (Block, error) {
	heap, err := d.newHeap(size)
	if err != nil {
		return Block{}, err
	}

	d.mu.Lock()
	d.nextHandle++
	handle := d.nextHandle
	d.live.Put(handle, heap)
	d.mu.Unlock()

	return Block{Offset: 0, Size: size, handle: handle}, nil
}

func (d *directAllocator) deallocate(block Block) {
	d.mu.Lock()
	heap, ok := d.live.Get(block.handle)
	if ok {
		d.live.Delete(block.handle)
	}
	d.mu.Unlock()

	if ok {
		heap.Release()
	}
}

func (d *directAllocator) addStatistics(stats *fencecore.Statistics) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.live.Iter(func(_ Handle, _ Heap) bool {
		stats.BlockCount++
		stats.AllocationCount++
		return false
	})
}

func (d *directAllocator) validate() error {
	return nil
}

func (d *directAllocator) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live.Count()
}
