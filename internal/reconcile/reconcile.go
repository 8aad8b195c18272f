package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/flowdesk/internal/broker"
	"github.com/Rajchodisetti/flowdesk/internal/observ"
	"github.com/Rajchodisetti/flowdesk/internal/persist"
	"github.com/Rajchodisetti/flowdesk/internal/portfolio"
)

const (
	ActionResumeTrading = "resume_trading"

	ReasonUnreachable = "broker_unreachable"
	ReasonAuth        = "broker_auth_error"
	ReasonSchema      = "broker_schema_error"

	CategoryMissingInBot     = "missing_in_bot"
	CategoryOrphanedInBot    = "orphaned_in_bot"
	CategoryQuantityMismatch = "quantity_mismatch"

	qtyEpsilon = 1e-6
)

type Config struct {
	Retry        broker.RetryPolicy
	MinInterval  time.Duration
	DegradedPath string
	AuditPath    string
	// SectorOf labels positions the bot did not open. Optional.
	SectorOf func(symbol string) string
}

// DegradedState is persisted so external tooling can see when the engine is
// trading on a last-known snapshot.
type DegradedState struct {
	Active              bool                       `json:"active"`
	Reason              string                     `json:"reason,omitempty"`
	Since               time.Time                  `json:"since,omitempty"`
	ConsecutiveFailures int                        `json:"consecutive_failures"`
	LastSuccess         time.Time                  `json:"last_success,omitempty"`
	LastKnown           map[string]broker.Position `json:"last_known"`
}

type Mismatch struct {
	Symbol     string  `json:"symbol"`
	BotSide    string  `json:"bot_side"`
	BotQty     float64 `json:"bot_qty"`
	BrokerSide string  `json:"broker_side"`
	BrokerQty  float64 `json:"broker_qty"`
}

// Diff classifies how the book differed from the broker before overwrite.
type Diff struct {
	MissingInBot     []string   `json:"missing_in_bot"`
	OrphanedInBot    []string   `json:"orphaned_in_bot"`
	QuantityMismatch []Mismatch `json:"quantity_mismatch"`
}

func (d Diff) Empty() bool {
	return len(d.MissingInBot) == 0 && len(d.OrphanedInBot) == 0 && len(d.QuantityMismatch) == 0
}

type AuditEntry struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Category    string    `json:"category"`
	Count       int       `json:"count"`
	Details     any       `json:"details"`
	BookVersion int64     `json:"book_version"`
}

// Outcome is the result of one pass. Action is always resume_trading.
type Outcome struct {
	Action    string        `json:"action"`
	Skipped   bool          `json:"skipped"`
	Degraded  bool          `json:"degraded"`
	Reason    string        `json:"reason,omitempty"`
	Diff      *Diff         `json:"diff,omitempty"`
	Positions int           `json:"positions"`
	Equity    float64       `json:"equity"`
	Attempts  int           `json:"attempts,omitempty"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Engine makes the book converge to broker truth. The broker always wins.
type Engine struct {
	cfg    Config
	broker broker.Broker
	book   *portfolio.Book
	audit  *persist.Journal
	now    func() time.Time

	mu      sync.Mutex
	state   DegradedState
	lastRun time.Time
	account broker.Account
}

func NewEngine(cfg Config, b broker.Broker, book *portfolio.Book) (*Engine, error) {
	e := &Engine{cfg: cfg, broker: b, book: book, now: time.Now}
	if cfg.AuditPath != "" {
		j, err := persist.NewJournal(cfg.AuditPath)
		if err != nil {
			return nil, err
		}
		e.audit = j
	}
	if cfg.DegradedPath != "" {
		if _, err := persist.ReadJSON(cfg.DegradedPath, &e.state); err != nil {
			return nil, fmt.Errorf("load degraded state: %w", err)
		}
	}
	observ.SetGauge("degraded_mode", boolGauge(e.state.Active), nil)
	return e, nil
}

// State returns a copy of the degraded-mode state.
func (e *Engine) State() DegradedState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	s.LastKnown = make(map[string]broker.Position, len(e.state.LastKnown))
	for k, v := range e.state.LastKnown {
		s.LastKnown[k] = v
	}
	return s
}

func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Active
}

// Account is the account fetched by the last successful pass.
func (e *Engine) Account() broker.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account
}

// Reconcile runs one pass. Passes closer than MinInterval to the previous one
// are skipped. It never returns an action other than resume_trading.
func (e *Engine) Reconcile(ctx context.Context) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	if !e.lastRun.IsZero() && start.Sub(e.lastRun) < e.cfg.MinInterval {
		return Outcome{Action: ActionResumeTrading, Skipped: true, Degraded: e.state.Active, Reason: e.state.Reason, Positions: e.book.Count()}
	}
	e.lastRun = start

	var positions []broker.Position
	var account broker.Account
	attempts := 0
	err := broker.Retry(ctx, e.cfg.Retry, "reconcile_fetch", func(ctx context.Context) error {
		attempts++
		ps, err := e.broker.ListPositions(ctx)
		if err != nil {
			return err
		}
		acct, err := e.broker.GetAccount(ctx)
		if err != nil {
			return err
		}
		positions, account = ps, acct
		return nil
	})

	var out Outcome
	if err != nil {
		out = e.fail(err, start)
	} else {
		out = e.succeed(positions, account, start)
	}
	out.Attempts = attempts
	out.Duration = e.now().Sub(start)
	observ.RecordDuration("reconcile", out.Duration, nil)
	return out
}

func (e *Engine) fail(err error, at time.Time) Outcome {
	reason := ReasonUnreachable
	switch broker.Classify(err) {
	case broker.ClassAuth:
		reason = ReasonAuth
	case broker.ClassSchema:
		reason = ReasonSchema
	}

	entering := !e.state.Active
	e.state.Active = true
	e.state.Reason = reason
	e.state.ConsecutiveFailures++
	if entering {
		e.state.Since = at
	}
	e.persistState()

	status := observ.StatusDegraded
	if reason != ReasonUnreachable {
		status = observ.StatusFailed
	}
	observ.SetComponentHealth("broker", status, reason)
	observ.SetGauge("degraded_mode", 1, nil)
	observ.IncCounter("reconcile_runs_total", map[string]string{"result": "failed"})
	if entering {
		observ.Warn("degraded_enter", map[string]any{"reason": reason, "error": err.Error()})
	} else {
		observ.Warn("degraded_persist", map[string]any{"reason": reason, "failures": e.state.ConsecutiveFailures})
	}

	// The book already reflects the last-known snapshot plus this process's
	// own fills; it is left as is.
	return Outcome{
		Action:    ActionResumeTrading,
		Degraded:  true,
		Reason:    reason,
		Positions: e.book.Count(),
		Equity:    e.account.Equity,
		Err:       err,
	}
}

func (e *Engine) succeed(positions []broker.Position, account broker.Account, at time.Time) Outcome {
	current := e.book.Snapshot()
	diff := Compute(current, positions)
	next := Overwrite(current, positions, at, e.cfg.SectorOf)

	out := Outcome{Action: ActionResumeTrading, Diff: &diff, Positions: len(next), Equity: account.Equity}
	if err := e.book.Replace(next); err != nil {
		observ.Error("reconcile_persist_failed", err, nil)
		out.Err = err
	}
	e.writeAudit(diff, at)

	if e.state.Active {
		observ.Log("degraded_exit", map[string]any{
			"reason":   e.state.Reason,
			"since":    e.state.Since,
			"failures": e.state.ConsecutiveFailures,
		})
	}
	known := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		known[p.Symbol] = p
	}
	e.state = DegradedState{LastSuccess: at, LastKnown: known}
	e.account = account
	e.persistState()

	observ.SetComponentHealth("broker", observ.StatusHealthy, "")
	observ.SetGauge("degraded_mode", 0, nil)
	observ.IncCounter("reconcile_runs_total", map[string]string{"result": "ok"})
	observ.Log("reconcile_complete", map[string]any{
		"positions":         len(next),
		"missing_in_bot":    len(diff.MissingInBot),
		"orphaned_in_bot":   len(diff.OrphanedInBot),
		"quantity_mismatch": len(diff.QuantityMismatch),
		"equity":            account.Equity,
	})
	return out
}

func (e *Engine) writeAudit(d Diff, at time.Time) {
	entries := []struct {
		category string
		count    int
		details  any
	}{
		{CategoryMissingInBot, len(d.MissingInBot), d.MissingInBot},
		{CategoryOrphanedInBot, len(d.OrphanedInBot), d.OrphanedInBot},
		{CategoryQuantityMismatch, len(d.QuantityMismatch), d.QuantityMismatch},
	}
	version := e.book.Version()
	for _, en := range entries {
		if en.count == 0 {
			continue
		}
		observ.IncCounterBy("reconcile_diffs_total", map[string]string{"category": en.category}, float64(en.count))
		observ.Warn("reconcile_diff", map[string]any{"category": en.category, "count": en.count, "details": en.details})
		if e.audit == nil {
			continue
		}
		err := e.audit.Append(AuditEntry{
			ID:          uuid.NewString(),
			At:          at.UTC(),
			Category:    en.category,
			Count:       en.count,
			Details:     en.details,
			BookVersion: version,
		})
		if err != nil {
			observ.Error("reconcile_audit_failed", err, map[string]any{"category": en.category})
		}
	}
}

func (e *Engine) persistState() {
	if e.cfg.DegradedPath == "" {
		return
	}
	if err := persist.WriteJSON(e.cfg.DegradedPath, e.state); err != nil {
		observ.Error("degraded_state_persist_failed", err, nil)
	}
}

// Compute classifies book against the broker snapshot. Side flips count as
// quantity mismatches.
func Compute(book map[string]portfolio.Position, positions []broker.Position) Diff {
	d := Diff{MissingInBot: []string{}, OrphanedInBot: []string{}, QuantityMismatch: []Mismatch{}}
	seen := make(map[string]bool, len(positions))
	for _, bp := range positions {
		seen[bp.Symbol] = true
		p, ok := book[bp.Symbol]
		if !ok {
			d.MissingInBot = append(d.MissingInBot, bp.Symbol)
			continue
		}
		if p.Side != bp.Side || math.Abs(p.Qty-bp.Qty) > qtyEpsilon {
			d.QuantityMismatch = append(d.QuantityMismatch, Mismatch{
				Symbol: bp.Symbol, BotSide: p.Side, BotQty: p.Qty, BrokerSide: bp.Side, BrokerQty: bp.Qty,
			})
		}
	}
	for sym := range book {
		if !seen[sym] {
			d.OrphanedInBot = append(d.OrphanedInBot, sym)
		}
	}
	sort.Strings(d.MissingInBot)
	sort.Strings(d.OrphanedInBot)
	sort.Slice(d.QuantityMismatch, func(i, j int) bool { return d.QuantityMismatch[i].Symbol < d.QuantityMismatch[j].Symbol })
	return d
}

// Overwrite builds the next book from the broker snapshot. Entry metadata the
// broker does not know is kept only when symbol and side both match.
func Overwrite(book map[string]portfolio.Position, positions []broker.Position, at time.Time, sectorOf func(string) string) map[string]portfolio.Position {
	next := make(map[string]portfolio.Position, len(positions))
	for _, bp := range positions {
		mark := bp.MarketPrice
		if mark <= 0 {
			mark = bp.AvgEntryPrice
		}
		p := portfolio.Position{
			Symbol:     bp.Symbol,
			Side:       bp.Side,
			Qty:        bp.Qty,
			EntryPrice: bp.AvgEntryPrice,
			EntryAt:    at,
			LastMark:   mark,
			MarkedAt:   at,
			HighWater:  favorable(bp.Side, bp.AvgEntryPrice, mark),
			Source:     portfolio.SourceReconcile,
		}
		if sectorOf != nil {
			p.EntrySector = sectorOf(bp.Symbol)
		}
		if prev, ok := book[bp.Symbol]; ok && prev.Side == bp.Side {
			p.EntryScore = prev.EntryScore
			p.EntryAt = prev.EntryAt
			p.EntryRegime = prev.EntryRegime
			if prev.EntrySector != "" {
				p.EntrySector = prev.EntrySector
			}
			p.EntrySentiment = prev.EntrySentiment
			p.EntryLayers = prev.EntryLayers
			p.EntryFeatures = prev.EntryFeatures
			p.HighWater = favorable(bp.Side, prev.HighWater, mark)
			p.PrevMark = prev.LastMark
			p.Source = prev.Source
		}
		next[bp.Symbol] = p
	}
	return next
}

func favorable(side string, a, b float64) float64 {
	if a <= 0 {
		return b
	}
	if side == broker.SideShort {
		return math.Min(a, b)
	}
	return math.Max(a, b)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
