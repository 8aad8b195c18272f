package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/persist"
	"github.com/Rajchodisetti/flowdesk/internal/scoring"
)

var ErrPositionExists = errors.New("position already open")

const (
	SourceBot       = "bot"
	SourceReconcile = "reconcile"
)

// Position is one open position. Entry fields are fixed once the position
// is opened; only reconciliation may replace the whole record.
type Position struct {
	Symbol         string             `json:"symbol"`
	Side           string             `json:"side"` // long | short
	Qty            float64            `json:"qty"`
	EntryPrice     float64            `json:"entry_price"`
	EntryScore     *float64           `json:"entry_score"` // nil when never scored by this bot
	EntryAt        time.Time          `json:"entry_at"`
	EntryRegime    string             `json:"entry_regime,omitempty"`
	EntrySector    string             `json:"entry_sector,omitempty"`
	EntrySentiment string             `json:"entry_sentiment,omitempty"`
	EntryLayers    scoring.Layers     `json:"entry_layers"`
	EntryFeatures  map[string]float64 `json:"entry_features,omitempty"`
	HighWater      float64            `json:"high_water"` // most favorable mark since entry
	LastMark       float64            `json:"last_mark"`
	PrevMark       float64            `json:"prev_mark"`
	MarkedAt       time.Time          `json:"marked_at"`
	Source         string             `json:"source"`
}

// Direction is +1 for long and -1 for short.
func (p Position) Direction() float64 {
	if p.Side == "short" {
		return -1
	}
	return 1
}

// Mark returns the last mark, falling back to the entry price.
func (p Position) Mark() float64 {
	if p.LastMark > 0 {
		return p.LastMark
	}
	return p.EntryPrice
}

// PnLPct is the unrealized return in percent at the last mark.
func (p Position) PnLPct() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return p.Direction() * (p.Mark() - p.EntryPrice) / p.EntryPrice * 100
}

// Notional is the absolute market value at the last mark.
func (p Position) Notional() float64 {
	return math.Abs(p.Qty) * p.Mark()
}

func (p Position) Age(now time.Time) time.Duration {
	if p.EntryAt.IsZero() {
		return 0
	}
	return now.Sub(p.EntryAt)
}

// State is the persisted form of the book.
type State struct {
	Version   int64               `json:"version"`
	UpdatedAt string              `json:"updated_at"`
	Positions map[string]Position `json:"positions"`
}

// Book holds the open positions keyed by symbol. Every structural change is
// persisted atomically before the call returns.
type Book struct {
	filePath string
	state    State
	mu       sync.RWMutex
}

func NewBook(filePath string) *Book {
	return &Book{
		filePath: filePath,
		state:    State{Positions: make(map[string]Position)},
	}
}

// Load reads the book from disk. A missing file leaves the book empty.
func (b *Book) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var st State
	found, err := persist.ReadJSON(b.filePath, &st)
	if err != nil {
		return fmt.Errorf("failed to load position book: %w", err)
	}
	if !found {
		return nil
	}
	if st.Positions == nil {
		st.Positions = make(map[string]Position)
	}
	b.state = st
	return nil
}

// Save persists the current book.
func (b *Book) Save() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveUnsafe()
}

func (b *Book) saveUnsafe() error {
	b.state.Version++
	b.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if b.filePath == "" {
		return nil
	}
	if err := persist.WriteJSON(b.filePath, b.state); err != nil {
		return fmt.Errorf("failed to save position book: %w", err)
	}
	return nil
}

func (b *Book) Version() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Version
}

func (b *Book) Get(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.state.Positions[symbol]
	return pos, ok
}

// All returns every position ordered by symbol.
func (b *Book) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.state.Positions))
	for _, p := range b.state.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Snapshot returns a copy of the positions map.
func (b *Book) Snapshot() map[string]Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Position, len(b.state.Positions))
	for sym, p := range b.state.Positions {
		out[sym] = p
	}
	return out
}

func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.state.Positions)
}

// Put opens a new position. Symbols are unique; a second Put for an open
// symbol fails with ErrPositionExists.
func (b *Book) Put(p Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.state.Positions[p.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrPositionExists, p.Symbol)
	}
	if p.HighWater == 0 {
		p.HighWater = p.EntryPrice
	}
	if p.Source == "" {
		p.Source = SourceBot
	}
	b.state.Positions[p.Symbol] = p
	return b.saveUnsafe()
}

// Remove deletes symbol and returns the removed position.
func (b *Book) Remove(symbol string) (Position, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.state.Positions[symbol]
	if !ok {
		return Position{}, false, nil
	}
	delete(b.state.Positions, symbol)
	return p, true, b.saveUnsafe()
}

// Mark records a new price for symbol and advances the high-water mark in
// the position's favor.
func (b *Book) Mark(symbol string, price float64, at time.Time) bool {
	if price <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.state.Positions[symbol]
	if !ok {
		return false
	}
	p.PrevMark = p.LastMark
	p.LastMark = price
	p.MarkedAt = at
	if p.HighWater == 0 || (p.Direction() > 0 && price > p.HighWater) || (p.Direction() < 0 && price < p.HighWater) {
		p.HighWater = price
	}
	b.state.Positions[symbol] = p
	return true
}

// Replace swaps the entire book for positions and persists it. Only the
// reconciliation engine calls this.
func (b *Book) Replace(positions map[string]Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make(map[string]Position, len(positions))
	for sym, p := range positions {
		next[sym] = p
	}
	b.state.Positions = next
	return b.saveUnsafe()
}

// Exposure returns the total absolute notional across positions.
func (b *Book) Exposure() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0.0
	for _, p := range b.state.Positions {
		total += p.Notional()
	}
	return total
}

// Notionals returns symbol -> notional for sector exposure checks.
func (b *Book) Notionals() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.state.Positions))
	for sym, p := range b.state.Positions {
		out[sym] = p.Notional()
	}
	return out
}
