package scoring

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/signals"
)

type move struct {
	direction int
	at        time.Time
}

// Tide counts co-moving symbols per sector over a rolling window.
type Tide struct {
	mu         sync.Mutex
	window     time.Duration
	minSymbols int
	moves      map[string]map[string]move // sector -> symbol -> latest move
}

func NewTide(window time.Duration, minSymbols int) *Tide {
	if minSymbols <= 0 {
		minSymbols = 3
	}
	return &Tide{window: window, minSymbols: minSymbols, moves: map[string]map[string]move{}}
}

// Observe records the directional sentiment of symbol. Neutral readings and
// symbols without a sector are ignored.
func (t *Tide) Observe(snap signals.Snapshot, at time.Time) {
	dir := snap.Sentiment.Direction()
	if dir == 0 || snap.Sector == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bySym, ok := t.moves[snap.Sector]
	if !ok {
		bySym = map[string]move{}
		t.moves[snap.Sector] = bySym
	}
	bySym[snap.Symbol] = move{direction: dir, at: at}
}

// Count returns how many symbols in sector moved in direction within the
// window ending at now.
func (t *Tide) Count(sector string, direction int, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for sym, m := range t.moves[sector] {
		if now.Sub(m.at) > t.window {
			delete(t.moves[sector], sym)
			continue
		}
		if m.direction == direction {
			n++
		}
	}
	return n
}

// Active reports whether the sector tide confirms direction.
func (t *Tide) Active(sector string, direction int, now time.Time) bool {
	if direction == 0 || sector == "" {
		return false
	}
	return t.Count(sector, direction, now) >= t.minSymbols
}
