package pool

import "github.com/pkg/errors"

// errNonDecreasing is returned by fenceQueue.validate when two adjacent
// entries violate the fence-value-non-decreasing invariant pools must
// maintain (spec §8, "Universal invariants").
var errNonDecreasing = errors.New("pool: fence values are not non-decreasing")
