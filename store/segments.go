package store

import (
	"math/bits"
	"strconv"
	"strings"
)

// SegmentSet is an immutable set of non-negative segment ids. The zero value
// is the empty set. Operations return new sets and never modify the receiver.
type SegmentSet struct {
	words []uint64
}

// NewSegmentSet builds a set from ids. Negative ids are ignored.
func NewSegmentSet(ids ...int) SegmentSet {
	var s SegmentSet
	for _, id := range ids {
		if id < 0 {
			continue
		}
		w := id / 64
		for len(s.words) <= w {
			s.words = append(s.words, 0)
		}
		s.words[w] |= 1 << uint(id%64)
	}
	return s
}

// AllSegments returns {0, ..., n-1}.
func AllSegments(n int) SegmentSet {
	if n <= 0 {
		return SegmentSet{}
	}
	words := make([]uint64, (n+63)/64)
	for i := range words {
		words[i] = ^uint64(0)
	}
	if rem := n % 64; rem != 0 {
		words[len(words)-1] = (1 << uint(rem)) - 1
	}
	return SegmentSet{words: words}
}

func (s SegmentSet) Contains(id int) bool {
	if id < 0 {
		return false
	}
	w := id / 64
	if w >= len(s.words) {
		return false
	}
	return s.words[w]&(1<<uint(id%64)) != 0
}

func (s SegmentSet) Len() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

func (s SegmentSet) IsEmpty() bool { return s.Len() == 0 }

// Slice returns the ids in ascending order.
func (s SegmentSet) Slice() []int {
	out := make([]int, 0, s.Len())
	for wi, w := range s.words {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			out = append(out, wi*64+tz)
			w &^= 1 << uint(tz)
		}
	}
	return out
}

func (s SegmentSet) Union(o SegmentSet) SegmentSet {
	n := max(len(s.words), len(o.words))
	words := make([]uint64, n)
	for i := range words {
		words[i] = s.word(i) | o.word(i)
	}
	return SegmentSet{words: words}
}

func (s SegmentSet) Intersect(o SegmentSet) SegmentSet {
	n := min(len(s.words), len(o.words))
	words := make([]uint64, n)
	for i := range words {
		words[i] = s.words[i] & o.words[i]
	}
	return SegmentSet{words: words}
}

// Difference returns the ids in s that are not in o.
func (s SegmentSet) Difference(o SegmentSet) SegmentSet {
	words := make([]uint64, len(s.words))
	for i := range words {
		words[i] = s.words[i] &^ o.word(i)
	}
	return SegmentSet{words: words}
}

func (s SegmentSet) Equal(o SegmentSet) bool {
	n := max(len(s.words), len(o.words))
	for i := 0; i < n; i++ {
		if s.word(i) != o.word(i) {
			return false
		}
	}
	return true
}

func (s SegmentSet) String() string {
	ids := s.Slice()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (s SegmentSet) word(i int) uint64 {
	if i < len(s.words) {
		return s.words[i]
	}
	return 0
}
