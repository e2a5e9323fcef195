package spill

import (
	"github.com/cespare/xxhash/v2"
)

// SegmentFunc maps a key to its segment.
type SegmentFunc func(key []byte) int

// HashSegments distributes keys uniformly over n segments by xxhash64.
// n <= 0 is treated as 1.
func HashSegments(n int) SegmentFunc {
	if n <= 0 {
		n = 1
	}
	m := uint64(n)
	return func(key []byte) int {
		return int(xxhash.Sum64(key) % m)
	}
}
