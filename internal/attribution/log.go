package attribution

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
	"github.com/Rajchodisetti/flowdesk/internal/persist"
)

const (
	DecisionExit        = "exit"
	DecisionReplacement = "replacement"
	DecisionDisplaced   = "displaced"
)

// Record is one closed trade. Records are written once and never changed.
type Record struct {
	ID            string             `json:"id"`
	Symbol        string             `json:"symbol"`
	Side          string             `json:"side"`
	Qty           float64            `json:"qty"`
	EntryPrice    float64            `json:"entry_price"`
	ExitPrice     float64            `json:"exit_price"`
	EntryAt       time.Time          `json:"entry_at"`
	ExitAt        time.Time          `json:"exit_at"`
	PnL           float64            `json:"pnl"`
	PnLPct        float64            `json:"pnl_pct"`
	EntryScore    *float64           `json:"entry_score"`
	ExitScore     float64            `json:"exit_score"`
	EntryFeatures map[string]float64 `json:"entry_features,omitempty"`
	ExitFeatures  map[string]float64 `json:"exit_features,omitempty"`
	Regime        string             `json:"regime"`
	Sector        string             `json:"sector"`
	ExitReason    string             `json:"exit_reason"`
	DecisionType  string             `json:"decision_type"`
}

// Win reports whether the trade closed with a positive return.
func (r Record) Win() bool { return r.PnLPct > 0 }

// Realize fills PnL and PnLPct from prices, qty and side.
func (r *Record) Realize() {
	dir := 1.0
	if r.Side == "short" {
		dir = -1
	}
	r.PnL = dir * (r.ExitPrice - r.EntryPrice) * r.Qty
	if r.EntryPrice > 0 {
		r.PnLPct = dir * (r.ExitPrice - r.EntryPrice) / r.EntryPrice * 100
	}
}

// Log is the append-only attribution journal.
type Log struct {
	journal *persist.Journal
}

func Open(path string) (*Log, error) {
	j, err := persist.NewJournal(path)
	if err != nil {
		return nil, err
	}
	return &Log{journal: j}, nil
}

// Append assigns an ID when missing and writes rec.
func (l *Log) Append(rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ExitReason == "" {
		return rec, fmt.Errorf("attribution %s: exit reason is required", rec.Symbol)
	}
	if err := l.journal.Append(rec); err != nil {
		return rec, fmt.Errorf("append attribution: %w", err)
	}
	result := "loss"
	if rec.Win() {
		result = "win"
	}
	observ.IncCounter("attribution_records_total", map[string]string{"result": result})
	observ.Log("attribution_recorded", map[string]any{
		"id": rec.ID, "symbol": rec.Symbol, "pnl_pct": rec.PnLPct, "exit_reason": rec.ExitReason,
	})
	return rec, nil
}

// Window returns records with ExitAt at or after since, oldest first.
// Unparseable lines are skipped.
func (l *Log) Window(since time.Time) ([]Record, error) {
	var out []Record
	skipped := 0
	err := l.journal.Scan(func(line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			return nil
		}
		if !rec.ExitAt.Before(since) {
			out = append(out, rec)
		}
		return nil
	})
	if skipped > 0 {
		observ.Warn("attribution_lines_skipped", map[string]any{"count": skipped})
	}
	sortByExit(out)
	return out, err
}

func sortByExit(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].ExitAt.Before(rs[j].ExitAt) })
}
