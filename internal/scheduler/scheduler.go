package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/flowdesk/internal/attribution"
	"github.com/Rajchodisetti/flowdesk/internal/broker"
	"github.com/Rajchodisetti/flowdesk/internal/decision"
	"github.com/Rajchodisetti/flowdesk/internal/exit"
	"github.com/Rajchodisetti/flowdesk/internal/observ"
	"github.com/Rajchodisetti/flowdesk/internal/outbox"
	"github.com/Rajchodisetti/flowdesk/internal/portfolio"
	"github.com/Rajchodisetti/flowdesk/internal/reconcile"
	"github.com/Rajchodisetti/flowdesk/internal/risk"
	"github.com/Rajchodisetti/flowdesk/internal/scoring"
	"github.com/Rajchodisetti/flowdesk/internal/signals"
	"github.com/Rajchodisetti/flowdesk/internal/tuner"
	"github.com/Rajchodisetti/flowdesk/internal/weights"
)

type Config struct {
	CycleInterval     time.Duration
	ReconcileInterval time.Duration
	TunerInterval     time.Duration
	TunerEnabled      bool
	SignalTimeout     time.Duration
	MaxSignalAge      time.Duration
	DefaultRegime     signals.Regime
	PositionUSD       float64
	Retry             broker.RetryPolicy
	// BarLimit is how many daily bars are fetched when a snapshot carries no
	// realized volatility.
	BarLimit int
}

// Deps are the components one scheduler drives. Outbox, Exposure,
// SectorIndex and Tuner are optional.
type Deps struct {
	Source      signals.Source
	Scorer      scoring.Config
	Tide        *scoring.Tide
	Weights     *weights.Store
	Book        *portfolio.Book
	Gate        *decision.Gate
	Broker      broker.Broker
	Outbox      *outbox.Outbox
	Exits       *exit.Engine
	Attribution *attribution.Log
	Cooldowns   *risk.CooldownManager
	Vol         *risk.VolatilityCalculator
	Exposure    *risk.SectorExposureManager
	SectorIndex *signals.Sectors
	Reconciler  *reconcile.Engine
	Tuner       *tuner.Tuner
}

// Scheduler runs trading cycles, reconciliation and tuning on their own
// cadences. mu serializes cycle mutations of the book with reconciliation
// overwrites.
type Scheduler struct {
	cfg Config
	d   Deps
	now func() time.Time

	mu      sync.Mutex
	cycle   int64
	barsDay map[string]string
}

func New(cfg Config, d Deps) *Scheduler {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.TunerInterval <= 0 {
		cfg.TunerInterval = 24 * time.Hour
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = 2 * time.Second
	}
	if cfg.DefaultRegime == "" {
		cfg.DefaultRegime = signals.Mixed
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = broker.DefaultRetryPolicy()
	}
	if cfg.BarLimit <= 0 {
		cfg.BarLimit = 22
	}
	return &Scheduler{cfg: cfg, d: d, now: time.Now, barsDay: map[string]string{}}
}

// Run reconciles once, then drives all loops until ctx is cancelled. An
// in-flight cycle is allowed to finish after cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.d.Reconciler != nil {
		s.reconcile(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(gctx, "cycle", s.cfg.CycleInterval, func(ctx context.Context) {
			if _, err := s.RunCycle(ctx); err != nil {
				observ.Error("cycle_failed", err, nil)
			}
		})
	})
	if s.d.Reconciler != nil {
		g.Go(func() error {
			return s.loop(gctx, "reconcile", s.cfg.ReconcileInterval, s.reconcile)
		})
	}
	if s.cfg.TunerEnabled && s.d.Tuner != nil {
		g.Go(func() error {
			return s.loop(gctx, "tuner", s.cfg.TunerInterval, func(ctx context.Context) {
				if _, err := s.d.Tuner.Run(ctx); err != nil {
					observ.Error("tuner_failed", err, nil)
				}
			})
		})
	}
	err := g.Wait()
	observ.Log("scheduler_stopped", map[string]any{"cycles": s.Cycles()})
	return err
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, fn func(context.Context)) error {
	t := time.NewTicker(every)
	defer t.Stop()
	observ.Log("loop_started", map[string]any{"loop": name, "interval": every.String()})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			// select picks at random when both are ready.
			if ctx.Err() != nil {
				return nil
			}
			// Cancellation stops the next tick, not this one.
			work, cancel := context.WithTimeout(context.WithoutCancel(ctx), every)
			fn(work)
			cancel()
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.d.Reconciler.Reconcile(ctx)
	if out.Skipped {
		return
	}
	observ.Log("reconcile_outcome", map[string]any{
		"action": out.Action, "degraded": out.Degraded, "reason": out.Reason, "positions": out.Positions,
	})
}

// Cycles returns the number of cycles started.
func (s *Scheduler) Cycles() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// ExitReport is one position closed during a cycle.
type ExitReport struct {
	Symbol    string  `json:"symbol"`
	Reason    string  `json:"reason"`
	ExitScore float64 `json:"exit_score"`
	PnLPct    float64 `json:"pnl_pct"`
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Cycle          int64              `json:"cycle"`
	At             time.Time          `json:"at"`
	WeightsVersion int64              `json:"weights_version"`
	Regime         signals.Regime     `json:"regime"`
	Degraded       bool               `json:"degraded"`
	SignalError    string             `json:"signal_error,omitempty"`
	Skipped        []signals.Skipped  `json:"skipped,omitempty"`
	Scored         []scoring.Record   `json:"scored"`
	Verdicts       []decision.Verdict `json:"verdicts"`
	Entries        []string           `json:"entries"`
	Exits          []ExitReport       `json:"exits"`
	// Exposure is the book's gross notional after the cycle.
	Exposure       float64            `json:"exposure"`
	SectorExposure map[string]float64 `json:"sector_exposure_pct,omitempty"`
}

// RunCycle runs one gather, score, gate, submit and exit pass.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycle++
	now := s.now().UTC()
	start := time.Now()
	ws := s.d.Weights.Current()
	rep := CycleReport{Cycle: s.cycle, At: now, WeightsVersion: ws.Version, Entries: []string{}, Exits: []ExitReport{}}
	if s.d.Reconciler != nil {
		rep.Degraded = s.d.Reconciler.Degraded()
	}

	set, err := s.loadSignals(ctx, now)
	if err != nil {
		rep.SignalError = err.Error()
		observ.Warn("signals_unavailable", map[string]any{"cycle": s.cycle, "error": err.Error()})
	}
	rep.Skipped = set.skipped
	if s.d.SectorIndex != nil {
		s.d.SectorIndex.Observe(set.Set)
	}
	if pb, ok := s.d.Broker.(priceSetter); ok {
		for sym, snap := range set.Symbols {
			if snap.Price > 0 {
				pb.SetPrice(sym, snap.Price)
			}
		}
	}
	regime := set.Regime
	if regime == "" {
		regime = s.cfg.DefaultRegime
	}
	rep.Regime = regime

	rep.Scored = s.score(set.Set, regime, ws, now)
	scores := make(map[string]scoring.Record, len(rep.Scored))
	for _, r := range rep.Scored {
		scores[r.Symbol] = r
	}

	for _, p := range s.d.Book.All() {
		if px, ok := s.priceFor(ctx, p.Symbol, set.Set); ok {
			s.d.Book.Mark(p.Symbol, px, now)
		}
	}

	rep.Verdicts = s.enter(ctx, &rep, set.Set, scores, regime, now)
	s.exits(ctx, &rep, set.Set, scores, regime, now)

	if err := s.d.Book.Save(); err != nil {
		observ.Error("book_save_failed", err, nil)
	}
	s.reportExposure(ctx, &rep)
	observ.IncCounter("cycles_total", nil)
	observ.RecordDuration("cycle", time.Since(start), nil)
	observ.SetGauge("open_positions", float64(s.d.Book.Count()), nil)
	observ.Log("cycle_complete", map[string]any{
		"cycle": s.cycle, "regime": string(regime), "scored": len(rep.Scored),
		"entries": len(rep.Entries), "exits": len(rep.Exits), "degraded": rep.Degraded,
	})
	return rep, nil
}

func (s *Scheduler) reportExposure(ctx context.Context, rep *CycleReport) {
	rep.Exposure = s.d.Book.Exposure()
	observ.SetGauge("portfolio_exposure_usd", rep.Exposure, nil)
	if s.d.Exposure == nil || s.d.Book.Count() == 0 {
		return
	}
	positions := s.d.Book.Snapshot()
	holdings := make([]risk.Holding, 0, len(positions))
	for sym, n := range s.d.Book.Notionals() {
		holdings = append(holdings, risk.Holding{Symbol: sym, Sector: positions[sym].EntrySector, Notional: n})
	}
	rep.SectorExposure = s.d.Exposure.SectorExposures(holdings, s.equity(ctx))
	for sector, pct := range rep.SectorExposure {
		observ.SetGauge("held_sector_exposure_pct", pct, map[string]string{"sector": sector})
	}
}

// priceSetter is a simulated broker that fills at the prices a cycle saw.
type priceSetter interface {
	SetPrice(symbol string, price float64)
}

type loaded struct {
	signals.Set
	skipped []signals.Skipped
}

func (s *Scheduler) loadSignals(ctx context.Context, now time.Time) (loaded, error) {
	out := loaded{Set: signals.Set{Symbols: map[string]signals.Snapshot{}}}
	if s.d.Source == nil {
		return out, signals.ErrNoSnapshot
	}
	lctx, cancel := context.WithTimeout(ctx, s.cfg.SignalTimeout)
	defer cancel()
	blob, err := s.d.Source.Load(lctx)
	if err != nil {
		return out, err
	}
	set, skipped, err := signals.Decode(blob, now, s.cfg.MaxSignalAge)
	if err != nil {
		return out, err
	}
	for _, sk := range skipped {
		observ.IncCounter("signals_skipped_total", map[string]string{"reason": sk.Reason})
		observ.Warn("signal_skipped", map[string]any{"symbol": sk.Symbol, "reason": sk.Reason, "detail": sk.Detail})
	}
	out.Set, out.skipped = set, skipped
	return out, nil
}

func (s *Scheduler) score(set signals.Set, regime signals.Regime, ws weights.Set, now time.Time) []scoring.Record {
	syms := set.Sorted()
	if s.d.Tide != nil {
		for _, sym := range syms {
			s.d.Tide.Observe(set.Symbols[sym], now)
		}
	}
	out := make([]scoring.Record, 0, len(syms))
	for _, sym := range syms {
		snap := set.Symbols[sym]
		tide := s.d.Tide != nil && s.d.Tide.Active(snap.Sector, snap.Sentiment.Direction(), now)
		rec := s.d.Scorer.Score(snap, regime, ws, tide)
		observ.Observe("composite_score", rec.Score, nil)
		out = append(out, rec)
	}
	return out
}

func (s *Scheduler) enter(ctx context.Context, rep *CycleReport, set signals.Set, scores map[string]scoring.Record, regime signals.Regime, now time.Time) []decision.Verdict {
	held := s.d.Book.Snapshot()
	var cands []decision.Candidate
	for _, rec := range rep.Scored {
		if rec.Direction == 0 {
			observ.Log("no_direction", map[string]any{"symbol": rec.Symbol, "score": rec.Score})
			continue
		}
		if _, ok := held[rec.Symbol]; ok {
			continue
		}
		px, ok := s.priceFor(ctx, rec.Symbol, set)
		if !ok {
			observ.Warn("no_price", map[string]any{"symbol": rec.Symbol})
			continue
		}
		cands = append(cands, decision.Candidate{Record: rec, Price: px})
	}
	if len(cands) == 0 {
		return nil
	}

	st := &decision.State{
		Now:      now,
		Regime:   regime,
		Degraded: rep.Degraded,
		Equity:   s.equity(ctx),
		Book:     s.d.Book.All(),
		Scores:   map[string]scoring.Record{},
	}
	for sym := range held {
		if r, ok := scores[sym]; ok {
			st.Scores[sym] = r
		}
	}

	verdicts := s.d.Gate.Run(cands, st)
	prices := make(map[string]float64, len(cands))
	for _, c := range cands {
		prices[c.Record.Symbol] = c.Price
	}
	for _, v := range verdicts {
		if !v.Allowed {
			continue
		}
		if v.Displace != "" {
			if p, ok := s.d.Book.Get(v.Displace); ok {
				rec, hasRec := scores[p.Symbol]
				var cur *scoring.Record
				if hasRec {
					cur = &rec
				}
				reason := exit.CompositeReason([]string{exit.CondDisplacement})
				if r, err := s.close(ctx, p, reason, attribution.DecisionDisplaced, 0, cur, regime, now); err == nil {
					rep.Exits = append(rep.Exits, r)
				} else {
					// the incumbent is still open; entering would exceed capacity
					continue
				}
			}
		}
		if err := s.open(ctx, scores[v.Symbol], prices[v.Symbol], set.Symbols[v.Symbol].Sentiment, regime, now); err != nil {
			observ.Error("entry_failed", err, map[string]any{"symbol": v.Symbol})
			continue
		}
		rep.Entries = append(rep.Entries, v.Symbol)
	}
	return verdicts
}

var errDuplicate = errors.New("order already submitted this cycle")

func (s *Scheduler) open(ctx context.Context, rec scoring.Record, price float64, sentiment signals.Sentiment, regime signals.Regime, now time.Time) error {
	qty := math.Floor(s.cfg.PositionUSD / price)
	if qty < 1 {
		return fmt.Errorf("position size %.2f below one share at %.2f", s.cfg.PositionUSD, price)
	}
	side := broker.OrderSideFor(rec.Side(), false)
	key := outbox.IdempotencyKey(rec.Symbol, side, outbox.IntentEntry, s.cycle)
	if s.d.Outbox != nil {
		dup, err := s.d.Outbox.HasRecentOrder(key)
		if err != nil {
			return err
		}
		if dup {
			return errDuplicate
		}
	}

	req := broker.OrderRequest{Symbol: rec.Symbol, Qty: qty, Side: side, Type: "market", TimeInForce: "day", ClientID: outbox.ClientOrderID(key)}
	order, err := s.submit(ctx, "submit_order", func(ctx context.Context) (broker.Order, error) {
		return s.d.Broker.SubmitOrder(ctx, req)
	})
	s.journal(order, req, outbox.IntentEntry, key, now, err)
	if err != nil {
		return err
	}
	if !order.Filled() {
		observ.Warn("entry_unfilled", map[string]any{"symbol": rec.Symbol, "status": order.Status})
		return nil
	}

	score := rec.Score
	err = s.d.Book.Put(portfolio.Position{
		Symbol:         rec.Symbol,
		Side:           rec.Side(),
		Qty:            order.FilledQty,
		EntryPrice:     order.FilledAvgPrice,
		EntryScore:     &score,
		EntryAt:        now,
		EntryRegime:    string(regime),
		EntrySector:    rec.Sector,
		EntrySentiment: string(sentiment),
		EntryLayers:    rec.Layers,
		EntryFeatures:  rec.Features,
		HighWater:      order.FilledAvgPrice,
		LastMark:       order.FilledAvgPrice,
		MarkedAt:       now,
		Source:         portfolio.SourceBot,
	})
	if err != nil {
		return err
	}
	if s.d.Cooldowns != nil {
		if err := s.d.Cooldowns.RecordTrade(rec.Symbol, rec.Side(), outbox.IntentEntry, now); err != nil {
			observ.Error("cooldown_record_failed", err, map[string]any{"symbol": rec.Symbol})
		}
	}
	observ.IncCounter("entries_total", nil)
	observ.Log("entry_filled", map[string]any{
		"symbol": rec.Symbol, "side": rec.Side(), "qty": order.FilledQty, "price": order.FilledAvgPrice, "score": rec.Score,
	})
	return nil
}

func (s *Scheduler) exits(ctx context.Context, rep *CycleReport, set signals.Set, scores map[string]scoring.Record, regime signals.Regime, now time.Time) {
	positions := s.d.Book.All()
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Symbol] = true
	}
	for _, sym := range rep.Entries {
		held[sym] = true
	}

	for _, p := range positions {
		in := exit.Input{Position: p, Regime: regime, Now: now, Price: p.Mark()}
		if rec, ok := scores[p.Symbol]; ok {
			in.Current = &rec
		}
		if snap, ok := set.Symbols[p.Symbol]; ok {
			in.Snapshot = &snap
		}
		in.Vol = s.volFor(ctx, p.Symbol, in.Snapshot, now)
		in.Challenger = exit.BestChallenger(rep.Scored, held)

		d := s.d.Exits.Evaluate(in)
		if !d.Trigger {
			continue
		}
		kind := attribution.DecisionExit
		if d.Replacement != nil {
			kind = attribution.DecisionReplacement
			// one challenger replaces at most one position per cycle
			held[d.Replacement.Symbol] = true
		}
		r, err := s.close(ctx, p, d.Reason, kind, d.ExitScore, in.Current, regime, now)
		if err != nil {
			continue
		}
		rep.Exits = append(rep.Exits, r)
	}
}

// close flattens p at the broker, writes attribution and then drops p from
// the book.
func (s *Scheduler) close(ctx context.Context, p portfolio.Position, reason, kind string, exitScore float64, cur *scoring.Record, regime signals.Regime, now time.Time) (ExitReport, error) {
	side := broker.OrderSideFor(p.Side, true)
	key := outbox.IdempotencyKey(p.Symbol, side, outbox.IntentExit, s.cycle)
	req := broker.OrderRequest{Symbol: p.Symbol, Qty: p.Qty, Side: side, Type: "market", TimeInForce: "day", ClientID: outbox.ClientOrderID(key)}

	order, err := s.submit(ctx, "close_position", func(ctx context.Context) (broker.Order, error) {
		return s.d.Broker.ClosePosition(ctx, p.Symbol)
	})
	s.journal(order, req, outbox.IntentExit, key, now, err)
	if err != nil {
		observ.Error("exit_failed", err, map[string]any{"symbol": p.Symbol, "reason": reason})
		return ExitReport{}, err
	}

	price := order.FilledAvgPrice
	if price <= 0 {
		price = p.Mark()
	}
	qty := p.Qty
	if order.FilledQty > 0 {
		qty = order.FilledQty
	}
	rec := attribution.Record{
		Symbol:        p.Symbol,
		Side:          p.Side,
		Qty:           qty,
		EntryPrice:    p.EntryPrice,
		ExitPrice:     price,
		EntryAt:       p.EntryAt,
		ExitAt:        now,
		EntryScore:    p.EntryScore,
		ExitScore:     exitScore,
		EntryFeatures: p.EntryFeatures,
		Regime:        string(regime),
		Sector:        p.EntrySector,
		ExitReason:    reason,
		DecisionType:  kind,
	}
	if cur != nil {
		rec.ExitFeatures = cur.Features
	}
	rec.Realize()
	if s.d.Attribution != nil {
		if _, err := s.d.Attribution.Append(rec); err != nil {
			observ.Error("attribution_failed", err, map[string]any{"symbol": p.Symbol})
		}
	}
	if _, _, err := s.d.Book.Remove(p.Symbol); err != nil {
		observ.Error("book_remove_failed", err, map[string]any{"symbol": p.Symbol})
	}
	if s.d.Cooldowns != nil {
		if err := s.d.Cooldowns.RecordTrade(p.Symbol, p.Side, outbox.IntentExit, now); err != nil {
			observ.Error("cooldown_record_failed", err, map[string]any{"symbol": p.Symbol})
		}
	}
	observ.IncCounter("exits_total", map[string]string{"reason": reason})
	observ.Log("exit_filled", map[string]any{"symbol": p.Symbol, "reason": reason, "pnl_pct": rec.PnLPct, "decision": kind})
	return ExitReport{Symbol: p.Symbol, Reason: reason, ExitScore: exitScore, PnLPct: rec.PnLPct}, nil
}

func (s *Scheduler) submit(ctx context.Context, op string, fn func(ctx context.Context) (broker.Order, error)) (broker.Order, error) {
	var order broker.Order
	err := broker.Retry(ctx, s.cfg.Retry, op, func(ctx context.Context) error {
		o, err := fn(ctx)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	return order, err
}

func (s *Scheduler) journal(order broker.Order, req broker.OrderRequest, intent, key string, now time.Time, submitErr error) {
	if s.d.Outbox == nil {
		return
	}
	entry := outbox.Order{
		ID:             req.ClientID,
		BrokerOrderID:  order.ID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Intent:         intent,
		Qty:            req.Qty,
		Cycle:          s.cycle,
		Timestamp:      now,
		Status:         order.Status,
		IdempotencyKey: key,
	}
	if submitErr != nil {
		entry.Status = "failed"
		entry.Error = submitErr.Error()
	}
	if err := s.d.Outbox.WriteOrder(entry); err != nil {
		observ.Error("outbox_write_failed", err, map[string]any{"symbol": req.Symbol})
	}
	if submitErr == nil && order.Filled() {
		fill := outbox.Fill{OrderID: req.ClientID, Symbol: req.Symbol, Quantity: order.FilledQty, Price: order.FilledAvgPrice, Side: req.Side, Timestamp: now}
		if err := s.d.Outbox.WriteFill(fill); err != nil {
			observ.Error("outbox_write_failed", err, map[string]any{"symbol": req.Symbol})
		}
	}
}

// priceFor prefers the snapshot price and falls back to a broker quote.
func (s *Scheduler) priceFor(ctx context.Context, symbol string, set signals.Set) (float64, bool) {
	if snap, ok := set.Symbols[symbol]; ok && snap.Price > 0 {
		return snap.Price, true
	}
	var q broker.Quote
	err := broker.Retry(ctx, s.cfg.Retry, "get_quote", func(ctx context.Context) error {
		var err error
		q, err = s.d.Broker.GetQuote(ctx, symbol)
		return err
	})
	if err != nil || q.Mid() <= 0 {
		return 0, false
	}
	return q.Mid(), true
}

// volFor prefers the snapshot's realized volatility, then bars already
// loaded today, then a fresh bar fetch. 0 means unknown.
func (s *Scheduler) volFor(ctx context.Context, symbol string, snap *signals.Snapshot, now time.Time) float64 {
	if snap != nil && snap.RealizedVol != nil && *snap.RealizedVol > 0 {
		return *snap.RealizedVol
	}
	if s.d.Vol == nil {
		return 0
	}
	day := now.Format("2006-01-02")
	if s.barsDay[symbol] != day {
		bars, err := s.d.Broker.GetBars(ctx, symbol, s.cfg.BarLimit)
		if err != nil {
			observ.Warn("bars_unavailable", map[string]any{"symbol": symbol, "error": err.Error()})
		} else {
			for _, b := range bars {
				s.d.Vol.UpdatePricePoint(symbol, b.High, b.Low, b.Close, b.At)
			}
			s.barsDay[symbol] = day
		}
	}
	vol, ok := s.d.Vol.RealizedVol(symbol)
	if !ok {
		return 0
	}
	return vol
}

func (s *Scheduler) equity(ctx context.Context) float64 {
	if s.d.Reconciler != nil {
		if eq := s.d.Reconciler.Account().Equity; eq > 0 {
			return eq
		}
	}
	var acct broker.Account
	err := broker.Retry(ctx, s.cfg.Retry, "get_account", func(ctx context.Context) error {
		var err error
		acct, err = s.d.Broker.GetAccount(ctx)
		return err
	})
	if err != nil {
		observ.Warn("equity_unavailable", map[string]any{"error": err.Error()})
		return 0
	}
	return acct.Equity
}
