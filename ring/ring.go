// Package ring implements the fenced ring buffer: a circular region that
// sub-allocates contiguous ranges out of a fixed-size backing buffer and
// reclaims them once the fence value pinned to them has completed on the
// GPU.
package ring

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/internal/validate"
)

// ledgerSize is the maximum number of distinct in-flight fence values the
// ring buffer can track simultaneously. If a caller needs to track more
// than this many distinct fences before any of them completes, it is
// calling Allocate too eagerly relative to how often the GPU retires work.
// If we ever define a max CPU/GPU lag, this should be set to slightly more
// than that.
const ledgerSize = 16

// ledgerEntry pins a contiguous run of allocations to a single fence value.
type ledgerEntry struct {
	fenceValue     fencecore.FenceValue
	numAllocations uint64
}

// Buffer is a circular allocator over a fixed-size region of size slots
// (bytes, elements — whatever unit the caller's backing buffer uses).
// Buffer is not internally synchronized: it is designed for a single
// submission-thread caller, matching FencePool's default thread affinity.
type Buffer struct {
	size uint64
	head uint64
	tail uint64

	ledger      [ledgerSize]ledgerEntry
	ledgerMask  uint32
	ledgerIndex uint32
}

// New constructs a ring buffer of the given size. size must be positive and
// at least twice the largest single allocation the caller intends to make
// (spec §6), since Allocate requires numItems < size/2 so that wrap padding
// never starves a request.
func New(size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, errors.New("ring: size must be positive")
	}
	b := &Buffer{size: size}
	b.ledgerMask = 0x1
	return b, nil
}

// Size returns the backing region's capacity.
func (b *Buffer) Size() uint64 { return b.size }

// Head returns the oldest live allocation's offset counter (unbounded,
// reduce mod Size to get a byte offset).
func (b *Buffer) Head() uint64 { return b.head }

// Tail returns the next-free-slot counter (unbounded).
func (b *Buffer) Tail() uint64 { return b.tail }

func (b *Buffer) dereferenceTail() uint64 { return b.tail % b.size }

func (b *Buffer) currentLedgerEntry() *ledgerEntry { return &b.ledger[b.ledgerIndex] }

func (b *Buffer) isLedgerSlotAvailable(index uint32) bool {
	return b.ledgerMask&(1<<index) == 0
}

func (b *Buffer) moveToNextLedgerEntry(currentFenceValue fencecore.FenceValue) error {
	b.ledgerIndex = (b.ledgerIndex + 1) % ledgerSize

	if !b.isLedgerSlotAvailable(b.ledgerIndex) {
		return fencecore.ErrExhausted
	}

	b.ledgerMask |= 1 << b.ledgerIndex
	b.ledger[b.ledgerIndex] = ledgerEntry{fenceValue: currentFenceValue}
	return nil
}

// Allocate obtains a contiguous range of numItems slots, tagged with
// currentFenceValue, and returns the offset (mod Size) of its start.
//
// Preconditions: numItems must be strictly less than size/2 — violating this
// is a programmer error, asserted in debug builds and undefined in release
// (it will not corrupt the ledger, but may return ErrFragmented where a
// smaller request would have succeeded). Allocate never blocks; on failure
// it returns fencecore.ErrExhausted (the 16-entry ledger is saturated with
// distinct in-flight fence values) or fencecore.ErrFragmented (no
// contiguous range of the requested size is available right now). Callers
// are expected to either wait on the GPU externally and retry, or fall back
// to a dedicated allocation.
func (b *Buffer) Allocate(numItems uint64, currentFenceValue fencecore.FenceValue) (uint64, error) {
	validate.Assert(numItems < b.size/2, "ring: numItems %d must be less than half the ring size %d", numItems, b.size)

	if numItems == 0 {
		return b.dereferenceTail(), nil
	}

	if currentFenceValue > b.currentLedgerEntry().fenceValue {
		if err := b.moveToNextLedgerEntry(currentFenceValue); err != nil {
			return 0, err
		}
	}

	tailLocation := b.dereferenceTail()

	// Allocations must be contiguous: if this request would straddle the
	// end of the backing region, consume the remainder as a dummy
	// allocation against the current ledger entry, advancing tail to the
	// wrap boundary, then retry the real allocation from offset 0.
	if tailLocation+numItems > b.size {
		remainder := b.size - tailLocation
		if _, err := b.Allocate(remainder, currentFenceValue); err != nil {
			return 0, err
		}
	}

	if b.tail+numItems <= b.head+b.size {
		offset := b.dereferenceTail()
		b.currentLedgerEntry().numAllocations += numItems
		b.tail += numItems
		validate.Debug(b)
		return offset, nil
	}

	return 0, fencecore.ErrFragmented
}

// Deallocate releases every ledger entry whose fence value is ≤ completed,
// advancing head by that entry's accumulated allocation count.
func (b *Buffer) Deallocate(completedFenceValue fencecore.FenceValue) {
	for i := uint32(0); i < ledgerSize; i++ {
		bit := uint32(1) << i
		if b.ledgerMask&bit == 0 {
			continue
		}

		entry := &b.ledger[i]
		if entry.fenceValue <= completedFenceValue {
			b.head += entry.numAllocations
			*entry = ledgerEntry{}
			b.ledgerMask &^= bit
		}

		if b.ledgerMask == 0 {
			break
		}
	}

	validate.Debug(b)
}

// Validate checks the universal ring-buffer invariants from spec §8:
// 0 ≤ tail-head ≤ size, and the sum of live ledger allocation counts equals
// tail-head.
func (b *Buffer) Validate() error {
	if b.tail < b.head {
		return errors.Newf("ring: tail %d is behind head %d", b.tail, b.head)
	}
	if b.tail-b.head > b.size {
		return errors.Newf("ring: live region %d exceeds size %d", b.tail-b.head, b.size)
	}

	var total uint64
	for i := uint32(0); i < ledgerSize; i++ {
		if b.ledgerMask&(1<<i) != 0 {
			total += b.ledger[i].numAllocations
		}
	}
	if total != b.tail-b.head {
		return errors.Newf("ring: ledger allocation total %d does not match live region %d", total, b.tail-b.head)
	}
	return nil
}

// AddStatistics accumulates this ring buffer's footprint into stats.
func (b *Buffer) AddStatistics(stats *fencecore.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += int(b.size)
	stats.AllocationBytes += int(b.tail - b.head)
}

// BuildStatsString writes a JSON object summarizing the ring buffer's
// position and live ledger entries.
func (b *Buffer) BuildStatsString(writer *jwriter.Writer) {
	o := writer.Object()
	defer o.End()

	o.Name("Size").Int(int(b.size))
	o.Name("Head").Int(int(b.head))
	o.Name("Tail").Int(int(b.tail))

	ledger := o.Name("Ledger").Array()
	for i := uint32(0); i < ledgerSize; i++ {
		if b.ledgerMask&(1<<i) == 0 {
			continue
		}
		entry := ledger.Object()
		entry.Name("FenceValue").Int(int(b.ledger[i].fenceValue))
		entry.Name("NumAllocations").Int(int(b.ledger[i].numAllocations))
		entry.End()
	}
	ledger.End()
}
