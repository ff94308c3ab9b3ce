// Package dedup holds the bounded set of article ids a news poller has
// already delivered.
package dedup

// SeenSet is an insertion-ordered set with a soft cap. Once the cap is
// exceeded, Trim keeps only the most recently inserted ids. It is owned by
// a single poller and is not safe for concurrent use.
type SeenSet struct {
	cap   int
	keep  int
	order []string
	index map[string]struct{}
}

// NewSeenSet returns a set that trims down to keep ids once it holds more
// than cap.
func NewSeenSet(cap, keep int) *SeenSet {
	if keep > cap {
		keep = cap
	}
	return &SeenSet{
		cap:   cap,
		keep:  keep,
		order: make([]string, 0, cap+1),
		index: make(map[string]struct{}, cap+1),
	}
}

// Contains reports whether id has been seen.
func (s *SeenSet) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Add inserts id and reports whether it was new.
func (s *SeenSet) Add(id string) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Len returns the number of ids held.
func (s *SeenSet) Len() int { return len(s.order) }

// Trim evicts the oldest ids when the set is over its cap and returns how
// many were evicted.
func (s *SeenSet) Trim() int {
	if len(s.order) <= s.cap {
		return 0
	}
	drop := len(s.order) - s.keep
	for _, id := range s.order[:drop] {
		delete(s.index, id)
	}
	kept := make([]string, s.keep, s.cap+1)
	copy(kept, s.order[drop:])
	s.order = kept
	return drop
}
