package pool

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gpuxlate/fencecore"
	"github.com/gpuxlate/fencecore/internal/syncutil"
)

// MultiLevelPool wraps an array of simple FencePools keyed by size bucket,
// used to recycle variably-sized transient resources such as upload
// buffers. Unlike FencePool, MultiLevelPool is always free-threaded: it is
// explicitly designed to accept concurrent callers, such as background
// resource destruction running alongside the submission thread.
type MultiLevelPool[R fencecore.Releasable] struct {
	mu            syncutil.OptionalMutex
	buckets       []*FencePool[R]
	sizeMultiple  int
	trimThreshold fencecore.FenceValue
	useBucketLock bool
	logger        *slog.Logger
}

// NewMultiLevelPool constructs an empty multi-level pool. sizeMultiple must
// be positive; it is the bucket width used by IndexFromSize and
// AlignedSize.
func NewMultiLevelPool[R fencecore.Releasable](sizeMultiple int, trimThreshold fencecore.FenceValue, logger *slog.Logger) (*MultiLevelPool[R], error) {
	if sizeMultiple <= 0 {
		return nil, errors.Newf("multilevel pool: sizeMultiple must be positive, got %d", sizeMultiple)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiLevelPool[R]{
		mu:            syncutil.OptionalMutex{UseMutex: true},
		sizeMultiple:  sizeMultiple,
		trimThreshold: trimThreshold,
		logger:        logger,
	}, nil
}

// IndexFromSize maps a resource size to its bucket index.
func (p *MultiLevelPool[R]) IndexFromSize(size int) int {
	if size == 0 {
		return 0
	}
	return (size - 1) / p.sizeMultiple
}

// AlignedSize returns the size every resource in the bucket at index is
// rounded up to.
func (p *MultiLevelPool[R]) AlignedSize(index int) int {
	return (index + 1) * p.sizeMultiple
}

// Return files resource into the bucket matching size, growing the bucket
// array if needed. The outer array only ever grows; it never shrinks below
// its high-water mark, since buckets are cheap (an empty FencePool) and
// resizing under concurrent readers would require more than a plain slice.
func (p *MultiLevelPool[R]) Return(size int, resource R, fenceValue fencecore.FenceValue) {
	index := p.IndexFromSize(size)

	p.mu.Lock()
	if index >= len(p.buckets) {
		grown := make([]*FencePool[R], index+1)
		copy(grown, p.buckets)
		for i := len(p.buckets); i <= index; i++ {
			grown[i] = NewFencePool[R](true, p.logger)
		}
		p.buckets = grown
	}
	bucket := p.buckets[index]
	p.mu.Unlock()

	bucket.Return(resource, fenceValue)
}

// Retrieve aligns size up to its bucket and either delegates to that
// bucket's FencePool.Retrieve, or, if the bucket does not exist yet, calls
// createNew directly after releasing the pool-wide lock — createNew may be
// slow (an actual GPU allocation) and it never touches MultiLevelPool's own
// state, so there is no reason to hold the lock across it.
func (p *MultiLevelPool[R]) Retrieve(size int, currentCompletedFence fencecore.FenceValue, createNew func(alignedSize int) (R, error)) (R, error) {
	index := p.IndexFromSize(size)
	alignedSize := p.AlignedSize(index)

	p.mu.Lock()
	if index >= len(p.buckets) {
		p.mu.Unlock()
		r, err := createNew(alignedSize)
		if err != nil {
			var zero R
			return zero, errors.Wrap(err, "multilevel pool: create new resource")
		}
		return r, nil
	}
	bucket := p.buckets[index]
	p.mu.Unlock()

	// Note: bucket.Retrieve may itself call createNew while holding the
	// bucket's own lock. That is expected and matches the source design:
	// once an application reaches steady state, buckets are populated and
	// createNew stops being called on the hot path.
	return bucket.Retrieve(currentCompletedFence, func() (R, error) { return createNew(alignedSize) })
}

// Trim pumps every bucket's Trim once.
func (p *MultiLevelPool[R]) Trim(currentCompletedFence fencecore.FenceValue) {
	p.mu.Lock()
	buckets := make([]*FencePool[R], len(p.buckets))
	copy(buckets, p.buckets)
	p.mu.Unlock()

	for _, bucket := range buckets {
		bucket.Trim(p.trimThreshold, currentCompletedFence)
	}
}

// BucketCount returns the current high-water mark of the bucket array.
func (p *MultiLevelPool[R]) BucketCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}

// BuildStatsString writes a JSON array with one entry per bucket, listing
// each bucket's queued fence values directly (mirroring FencePool's own
// BuildStatsString) rather than delegating to it, since a bucket's contents
// must nest under this array entry's own object.
func (p *MultiLevelPool[R]) BuildStatsString(writer *jwriter.Writer) {
	p.mu.Lock()
	buckets := make([]*FencePool[R], len(p.buckets))
	copy(buckets, p.buckets)
	p.mu.Unlock()

	arr := writer.Array()
	defer arr.End()

	for i, bucket := range buckets {
		o := arr.Object()
		o.Name("Bucket").Int(i)
		o.Name("AlignedSize").Int(p.AlignedSize(i))

		queue := o.Name("Queue").Array()
		bucket.mu.Lock()
		for n := bucket.queue.head; n != nil; n = n.next {
			entry := queue.Object()
			entry.Name("FenceValue").Int(int(n.fence))
			entry.End()
		}
		bucket.mu.Unlock()
		queue.End()

		o.End()
	}
}
