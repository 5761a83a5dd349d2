package ytlive

import "sync"

const defaultSeenCapacity = 2000

// seenSet remembers the most recent keys, evicting the oldest first.
type seenSet struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	ring  []string
	next  int
	limit int
}

func newSeenSet(limit int) *seenSet {
	if limit <= 0 {
		limit = defaultSeenCapacity
	}
	return &seenSet{keys: make(map[string]struct{}, limit), ring: make([]string, 0, limit), limit: limit}
}

// Add records key and reports whether it was new.
func (s *seenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return false
	}
	if len(s.ring) < s.limit {
		s.ring = append(s.ring, key)
	} else {
		delete(s.keys, s.ring[s.next])
		s.ring[s.next] = key
		s.next = (s.next + 1) % s.limit
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
