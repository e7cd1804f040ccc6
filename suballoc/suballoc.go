// Package suballoc implements the suballocator trait named but not detailed
// by the core spec: an allocator that produces SuballocationBlock records
// from one of two backend strategies, chosen per-allocation. "Direct"
// allocations get one dedicated backing resource each; "buddy" allocations
// are power-of-two splits within a large shared backing heap.
package suballoc

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/internal/validate"
)

// Handle identifies a live allocation within whichever backend produced it.
// It has no meaning outside the Allocator that issued it.
type Handle uint64

type backendKind uint8

const (
	backendDirect backendKind = iota
	backendBuddy
)

// Block is a suballocation descriptor: a byte range plus enough bookkeeping
// for its owning Allocator to later free it in O(1).
type Block struct {
	Offset int
	Size   int

	backend backendKind
	handle  Handle
}

// Heap is the backing GPU resource a suballocator's backend allocates from
// or dedicates wholesale to a single allocation.
type Heap interface {
	fencecore.Releasable
}

// Config carries the construction-time parameters for Allocator.
type Config struct {
	// DirectThreshold: allocations larger than this many bytes always use
	// the direct backend, one dedicated resource per allocation, even if
	// CannotBeOffset is false.
	DirectThreshold int
	// BuddyMinBlockSize is the smallest split unit the buddy backend will
	// produce; it must be a power of two.
	BuddyMinBlockSize int
	// BuddyHeapSize is the size of each backing heap the buddy backend
	// allocates on demand; it must be a power of two and a multiple of
	// BuddyMinBlockSize.
	BuddyHeapSize int
	// NewDirectHeap constructs one dedicated backing heap of exactly size
	// bytes for a single direct allocation.
	NewDirectHeap func(size int) (Heap, error)
	// NewBuddyHeap constructs one backing heap of BuddyHeapSize bytes to
	// be split by the buddy backend.
	NewBuddyHeap func(size int) (Heap, error)
	Logger       *slog.Logger
}

// Allocator chooses between a direct backend and a buddy backend on every
// call to Allocate, based on size and the caller's CannotBeOffset
// requirement, and dispatches Deallocate back to whichever backend produced
// the block.
type Allocator struct {
	threshold int
	direct    *directAllocator
	buddy     *buddyAllocator
}

// New constructs an Allocator with empty direct and buddy backends.
func New(cfg Config) (*Allocator, error) {
	if cfg.NewDirectHeap == nil || cfg.NewBuddyHeap == nil {
		return nil, errors.New("suballoc: NewDirectHeap and NewBuddyHeap must both be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	buddy, err := newBuddyAllocator(cfg.BuddyMinBlockSize, cfg.BuddyHeapSize, cfg.NewBuddyHeap, logger)
	if err != nil {
		return nil, err
	}

	return &Allocator{
		threshold: cfg.DirectThreshold,
		direct:    newDirectAllocator(cfg.NewDirectHeap, logger),
		buddy:     buddy,
	}, nil
}

// Allocate produces a Block of at least size bytes. The direct backend is
// used when size exceeds the configured threshold or cannotBeOffset is set
// (some resource kinds, such as those bound via GPU virtual address rather
// than a descriptor + offset pair, must own their backing memory outright).
func (a *Allocator) Allocate(size int, cannotBeOffset bool) (Block, error) {
	if size > a.threshold || cannotBeOffset {
		b, err := a.direct.allocate(size)
		if err != nil {
			return Block{}, errors.Wrap(err, "suballoc: direct allocate")
		}
		b.backend = backendDirect
		validate.Debug(a)
		return b, nil
	}

	b, err := a.buddy.allocate(size)
	if err != nil {
		return Block{}, errors.Wrap(err, "suballoc: buddy allocate")
	}
	b.backend = backendBuddy
	validate.Debug(a)
	return b, nil
}

// Deallocate returns block to whichever backend produced it.
func (a *Allocator) Deallocate(block Block) {
	switch block.backend {
	case backendDirect:
		a.direct.deallocate(block)
	case backendBuddy:
		a.buddy.deallocate(block)
	}
	validate.Debug(a)
}

// AddStatistics accumulates both backends' footprint into stats.
func (a *Allocator) AddStatistics(stats *fencecore.Statistics) {
	a.direct.addStatistics(stats)
	a.buddy.addStatistics(stats)
}

// Validate checks both backends' internal consistency.
func (a *Allocator) Validate() error {
	if err := a.direct.validate(); err != nil {
		return err
	}
	return a.buddy.validate()
}

// BuildStatsString writes a JSON object with one field per backend.
func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	o := writer.Object()
	defer o.End()

	o.Name("Direct").Int(a.direct.count())
	o.Name("BuddyHeaps").Int(a.buddy.heapCount())
}
