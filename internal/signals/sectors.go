package signals

import "sync"

// Sectors remembers the last non-empty sector label seen for each symbol, so
// positions opened outside the engine can be labeled once a snapshot has
// carried them.
type Sectors struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewSectors() *Sectors {
	return &Sectors{m: map[string]string{}}
}

// Observe records the sectors in set. Symbols without a sector keep the
// label they had.
func (s *Sectors) Observe(set Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, snap := range set.Symbols {
		if snap.Sector != "" {
			s.m[sym] = snap.Sector
		}
	}
}

// Of returns the sector for symbol, or "" if none has been seen.
func (s *Sectors) Of(symbol string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[symbol]
}
