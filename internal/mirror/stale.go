package mirror

import "sync"

// staleness tracks which owners' projections may have missed changes.
// Marking everyone stale holds until each owner is rebuilt in turn.
type staleness struct {
	mu      sync.Mutex
	all     bool
	allGen  uint64
	owners  map[string]uint64
	fresh   map[string]bool
	pending map[string]bool
}

// stamp identifies the marks seen before a rebuild started.
type stamp struct{ all, owner uint64 }

func newStaleness() *staleness {
	return &staleness{
		owners:  make(map[string]uint64),
		fresh:   make(map[string]bool),
		pending: make(map[string]bool),
	}
}

func (s *staleness) mark(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner == "" {
		s.all = true
		s.allGen++
		clear(s.fresh)
		return
	}
	s.owners[owner]++
	delete(s.fresh, owner)
}

func (s *staleness) is(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.all && !s.fresh[owner] {
		return true
	}
	_, marked := s.owners[owner]
	return marked
}

func (s *staleness) stamp(owner string) stamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stamp{all: s.allGen, owner: s.owners[owner]}
}

// clear marks owner fresh unless it was marked stale again after st.
func (s *staleness) clear(owner string, st stamp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allGen != st.all || s.owners[owner] != st.owner {
		return false
	}
	delete(s.owners, owner)
	if s.all {
		s.fresh[owner] = true
	}
	return true
}

func (s *staleness) claim(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[owner] {
		return false
	}
	s.pending[owner] = true
	return true
}

func (s *staleness) release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, owner)
}
