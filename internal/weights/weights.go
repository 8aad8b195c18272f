package weights

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
	"github.com/Rajchodisetti/flowdesk/internal/persist"
)

// Layer weight names.
const (
	Flow     = "flow"
	DarkPool = "dark_pool"
	Insider  = "insider"
	Regime   = "regime"
)

var ErrUnknownWeight = errors.New("unknown weight")

// Cap is the hard [Lo, Hi] range a weight may never leave.
type Cap struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

func (c Cap) Clamp(v float64) float64 {
	return math.Max(c.Lo, math.Min(c.Hi, v))
}

// DefaultCaps are the safety bounds for every layer weight.
func DefaultCaps() map[string]Cap {
	return map[string]Cap{
		Flow:     {Lo: 1.0, Hi: 3.0},
		DarkPool: {Lo: 0.4, Hi: 1.6},
		Insider:  {Lo: 0.1, Hi: 1.0},
		Regime:   {Lo: 0.1, Hi: 1.0},
	}
}

// Set is an immutable, versioned snapshot of the scoring weights. Use With
// to derive a changed copy.
type Set struct {
	Version   int64              `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
	Values    map[string]float64 `json:"values"`
	Caps      map[string]Cap     `json:"caps"`
}

// Default returns version 1 with the starting weights.
func Default() Set {
	return Set{
		Version: 1,
		Values: map[string]float64{
			Flow:     2.0,
			DarkPool: 1.0,
			Insider:  0.5,
			Regime:   0.5,
		},
		Caps: DefaultCaps(),
	}
}

// Get returns the named weight. Unknown names return 0.
func (s Set) Get(name string) float64 {
	return s.Values[name]
}

// Names returns weight names in lexical order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s.Values))
	for n := range s.Values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// With returns a copy with name moved by delta, clamped to its cap, and the
// version bumped.
func (s Set) With(name string, delta float64, at time.Time) (Set, error) {
	cp, ok := s.Caps[name]
	if !ok {
		return s, fmt.Errorf("%w: %s", ErrUnknownWeight, name)
	}
	next := s.clone()
	next.Values[name] = cp.Clamp(s.Values[name] + delta)
	next.Version = s.Version + 1
	next.UpdatedAt = at.UTC()
	return next, nil
}

// Clamped returns a copy with every value inside its cap. Caps missing from
// the set are filled from DefaultCaps.
func (s Set) Clamped() Set {
	next := s.clone()
	defaults := DefaultCaps()
	for name, c := range defaults {
		if _, ok := next.Caps[name]; !ok {
			next.Caps[name] = c
		}
		if _, ok := next.Values[name]; !ok {
			next.Values[name] = Default().Values[name]
		}
	}
	for name, v := range next.Values {
		if c, ok := next.Caps[name]; ok {
			next.Values[name] = c.Clamp(v)
		}
	}
	return next
}

func (s Set) clone() Set {
	next := Set{
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
		Values:    make(map[string]float64, len(s.Values)),
		Caps:      make(map[string]Cap, len(s.Caps)),
	}
	for k, v := range s.Values {
		next.Values[k] = v
	}
	for k, v := range s.Caps {
		next.Caps[k] = v
	}
	return next
}

// Store holds the process-wide weight set. Readers get a consistent *Set via
// Current; the tuner publishes replacements with Swap.
type Store struct {
	path    string
	current atomic.Pointer[Set]
	writeMu sync.Mutex
}

// NewStore returns a store serving Default until Load or Swap is called.
func NewStore(path string) *Store {
	s := &Store{path: path}
	d := Default()
	s.current.Store(&d)
	return s
}

// Load reads the persisted set. A missing file keeps the defaults.
func (s *Store) Load() error {
	var set Set
	found, err := persist.ReadJSON(s.path, &set)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}
	if !found {
		observ.Log("weights_default", map[string]any{"path": s.path})
		return nil
	}
	set = set.Clamped()
	s.current.Store(&set)
	s.publish(set)
	observ.Log("weights_loaded", map[string]any{"path": s.path, "version": set.Version})
	return nil
}

// Current returns the live set. Callers must not mutate the maps.
func (s *Store) Current() Set {
	return *s.current.Load()
}

// Swap persists set atomically and then makes it current. A failed write
// leaves the previous set in place.
func (s *Store) Swap(set Set) error {
	set = set.Clamped()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.path != "" {
		if err := persist.WriteJSON(s.path, set); err != nil {
			return fmt.Errorf("persist weights: %w", err)
		}
	}
	s.current.Store(&set)
	s.publish(set)
	return nil
}

func (s *Store) publish(set Set) {
	for name, v := range set.Values {
		observ.SetGauge("weight", v, map[string]string{"name": name})
	}
	observ.SetGauge("weight_version", float64(set.Version), nil)
}
