package registry

import "sync"

// Shared is the run-scoped store through which rules publish derived data
// for dependent rules. Reads only happen after the publishing level has
// finished, so a missing entry means the producer never ran.
type Shared struct {
	mu  sync.RWMutex
	ids map[string][]string
}

// NewShared creates an empty store.
func NewShared() *Shared {
	return &Shared{ids: make(map[string][]string)}
}

// PublishIDs records the distinct identifier values of column.
func (s *Shared) PublishIDs(column string, ids []string) {
	copied := append([]string(nil), ids...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[column] = copied
}

// IDs returns the identifier list published for column.
func (s *Shared) IDs(column string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.ids[column]
	return ids, ok
}

// SeedIDs preloads identifier sets computed during extraction. Published
// values take precedence.
func (s *Shared) SeedIDs(sets map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for column, ids := range sets {
		if _, ok := s.ids[column]; !ok {
			s.ids[column] = append([]string(nil), ids...)
		}
	}
}
