// Package fencecore implements the resource-and-submission engine that sits
// between a compute-API façade and a low-level GPU command API: fence-keyed
// object pools, a fenced ring buffer, an offline descriptor-heap manager, and
// a deferred-deletion queue, all coordinated by the monotonic fence values a
// submission engine hands out per command-list type.
package fencecore

import (
	"github.com/pkg/errors"
)

// CommandListType enumerates the command-list kinds that carry independent
// fence timelines. The set is intentionally small and fixed; callers outside
// this module never invent new types.
type CommandListType uint32

const (
	CommandListTypeGraphics CommandListType = iota
	CommandListTypeCompute
	CommandListTypeCopy

	// CommandListTypeCount is the number of valid CommandListType values. It
	// is also the fixed array length used for per-type fence bookkeeping.
	CommandListTypeCount
)

var commandListTypeNames = map[CommandListType]string{
	CommandListTypeGraphics: "Graphics",
	CommandListTypeCompute:  "Compute",
	CommandListTypeCopy:     "Copy",
}

func (t CommandListType) String() string {
	if name, ok := commandListTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// FenceValue is a monotonically increasing counter produced by the GPU
// command processor for a single CommandListType. The zero value means
// "never touched" and is never a value actually assigned to submitted work.
type FenceValue uint64

// FenceValues is a fixed-size table of per-CommandListType fence values,
// mirroring the original implementation's UINT64[MAX_VALID] arrays.
type FenceValues [CommandListTypeCount]FenceValue

// Releasable is implemented by any resource that a pool, ring buffer,
// suballocator, or deletion queue holds and must give up ownership of.
// Release must not panic and should be idempotent-safe to call at most once
// per owning reference; the types in this module never call it twice on the
// same value.
type Releasable interface {
	Release()
}

// FenceQuerier is the minimal read-only view of a submission engine that the
// deletion queue and the suballocators need: the ability to ask how far the
// GPU has progressed on a given timeline.
type FenceQuerier interface {
	CompletedFence(t CommandListType) FenceValue
}

// DeferredWait is an opaque externally-owned fence plus the value that must
// be reached before a retired object can be destroyed. ExternalFence is
// queried, never advanced, by this module.
type DeferredWait struct {
	ExternalFence FenceQuerier
	ExternalType  CommandListType
	Threshold     FenceValue
}

// Satisfied reports whether the external fence this wait refers to has
// reached Threshold.
func (w DeferredWait) Satisfied() bool {
	return w.ExternalFence.CompletedFence(w.ExternalType) >= w.Threshold
}

// Sentinel errors. Acquisition paths (retrieve, allocate) return these
// directly or wrapped with github.com/cockroachdb/errors context; pool
// return/enqueue paths absorb them silently per the propagation policy in
// spec §7.
var (
	// ErrOutOfMemory is raised by any operation that must allocate CPU-side
	// bookkeeping and fails to do so.
	ErrOutOfMemory = errors.New("fencecore: out of memory")
	// ErrDeviceLost is surfaced by a blocking fence wait when the device has
	// been lost.
	ErrDeviceLost = errors.New("fencecore: device lost")
	// ErrExhausted is returned by FencedRingBuffer.Allocate when the ledger
	// is saturated (16 in-flight fence values already tracked).
	ErrExhausted = errors.New("fencecore: ring buffer ledger exhausted")
	// ErrFragmented is returned by FencedRingBuffer.Allocate when no
	// contiguous range of the requested size is currently available.
	ErrFragmented = errors.New("fencecore: ring buffer fragmented")
	// ErrDoubleFree indicates a programmer error: freeing a descriptor slot
	// or suballocation that was already freed.
	ErrDoubleFree = errors.New("fencecore: double free")
	// ErrNotFound indicates a lookup (by handle, by page index) failed.
	ErrNotFound = errors.New("fencecore: not found")
)

// Statistics is a coarse, cheap-to-accumulate summary of a pool, ring
// buffer, descriptor heap, or suballocator's footprint.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

// Clear resets every field to zero.
func (s *Statistics) Clear() {
	*s = Statistics{}
}

// Add accumulates other into s.
func (s *Statistics) Add(other Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with min/max range tracking, used by
// the descriptor heap manager and suballocators to report fragmentation.
type DetailedStatistics struct {
	Statistics

	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

// Clear resets every field, seeding the min fields so the first sample wins.
func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		AllocationSizeMin:  maxInt,
		UnusedRangeSizeMin: maxInt,
	}
}

const maxInt = int(^uint(0) >> 1)

// AddUnusedRange records a free region of the given size.
func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}
	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

// AddAllocation records a live allocation of the given size.
func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}
	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

// Add accumulates other into s.
func (s *DetailedStatistics) Add(other DetailedStatistics) {
	s.Statistics.Add(other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}
	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}
	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}
	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
