// Package bucket implements the planner: partitioning a task's input
// sequence into bounded, contiguous, non-overlapping ranges.
package bucket

import "github.com/taskforge/dispatch/internal/types"

// Range is a half-open range [Start, End) over an item sequence.
type Range struct {
	Start int
	End   int
}

// Contains reports whether index i falls within the range.
func (r Range) Contains(i int) bool {
	return i >= r.Start && i < r.End
}

// Normalize enlarges cfg so the largest item fits in some bucket,
// following a normalisation algorithm: while the largest item
// exceeds MaxBucketBytes and MaxBuckets > 1, halve MaxBuckets (floor,
// minimum 1) and double MaxBucketBytes; if the largest item still
// doesn't fit, set MaxBucketBytes to exactly twice its size. MaxBuckets
// is never raised and MaxBucketBytes is never lowered by this function.
func Normalize(cfg types.BucketConfig, itemSizes []int) types.BucketConfig {
	out := cfg

	largest := maxSize(itemSizes)

	for largest > out.MaxBucketBytes && out.MaxBuckets > 1 {
		out.MaxBuckets /= 2
		if out.MaxBuckets < 1 {
			out.MaxBuckets = 1
		}

		out.MaxBucketBytes *= 2
	}

	if largest > out.MaxBucketBytes {
		out.MaxBucketBytes = 2 * largest
	}

	return out
}

func maxSize(sizes []int) int {
	max := 0

	for _, s := range sizes {
		if s > max {
			max = s
		}
	}

	return max
}

// Next computes the next bucket to hand out given itemSizes and the set
// of already-covered (finished or leased) ranges, following the
// selection algorithm. ok is false when every item is covered.
func Next(itemSizes []int, cfg types.BucketConfig, covered []Range) (r Range, bytesUsed int, ok bool) {
	n := len(itemSizes)

	start := firstUncovered(n, covered)
	if start < 0 {
		return Range{}, 0, false
	}

	end := start
	bytes := 0

	for end < n && !isCovered(end, covered) {
		size := itemSizes[end]
		if end > start && bytes+size > cfg.MaxBucketBytes {
			break
		}

		bytes += size
		end++
	}

	// Always include at least one item. The loop above admits the item
	// at start regardless of its size, so this guard is defensive only.
	if end == start {
		end = start + 1
		bytes = itemSizes[start]
	}

	return Range{Start: start, End: end}, bytes, true
}

func firstUncovered(n int, covered []Range) int {
	for i := 0; i < n; i++ {
		if !isCovered(i, covered) {
			return i
		}
	}

	return -1
}

func isCovered(i int, covered []Range) bool {
	for _, r := range covered {
		if r.Contains(i) {
			return true
		}
	}

	return false
}
