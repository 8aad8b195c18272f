package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/flowdesk/internal/attribution"
	"github.com/Rajchodisetti/flowdesk/internal/broker"
	"github.com/Rajchodisetti/flowdesk/internal/decision"
	"github.com/Rajchodisetti/flowdesk/internal/displacement"
	"github.com/Rajchodisetti/flowdesk/internal/exit"
	"github.com/Rajchodisetti/flowdesk/internal/market"
	"github.com/Rajchodisetti/flowdesk/internal/outbox"
	"github.com/Rajchodisetti/flowdesk/internal/portfolio"
	"github.com/Rajchodisetti/flowdesk/internal/reconcile"
	"github.com/Rajchodisetti/flowdesk/internal/risk"
	"github.com/Rajchodisetti/flowdesk/internal/scoring"
	"github.com/Rajchodisetti/flowdesk/internal/signals"
	"github.com/Rajchodisetti/flowdesk/internal/weights"
)

var now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func noSleep(context.Context, time.Duration) error { return nil }

const nvdaBull = `{"sentiment":"BULLISH","flow_conviction":0.9,"dark_pool":{"sentiment":"BULLISH","total_premium":5000000,"print_count":20},"insider":{"sentiment":"BULLISH","net_buys":3,"conviction_modifier":0.6},"cross_asset":0.4,"sector":"semis","price":%PRICE%}`

type fixture struct {
	s      *Scheduler
	paper  *broker.PaperBroker
	book   *portfolio.Book
	log    *attribution.Log
	outbox *outbox.Outbox
	cd     *risk.CooldownManager
	dir    string
	signal string
}

func newFixture(t *testing.T, withReconciler bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, signal: filepath.Join(dir, "signals.json")}

	f.paper = broker.NewPaperBroker(100_000, 0)
	f.book = portfolio.NewBook(filepath.Join(dir, "book.json"))
	var err error
	f.log, err = attribution.Open(filepath.Join(dir, "attribution.jsonl"))
	require.NoError(t, err)
	f.outbox, err = outbox.New(filepath.Join(dir, "outbox.jsonl"), time.Hour)
	require.NoError(t, err)
	f.cd = risk.NewCooldownManager(risk.CooldownConfig{Enforce: true, DefaultCooldownSec: 1800})
	sem := risk.NewSectorExposureManager(risk.SectorLimitsConfig{MaxSectorPositions: 2, MaxSectorExposurePct: 40, MaxTotalExposurePct: 90})

	retry := broker.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Sleep: noSleep}
	d := Deps{
		Source:      signals.FileSource{Path: f.signal},
		Scorer:      scoring.DefaultConfig(),
		Tide:        scoring.NewTide(30*time.Minute, 3),
		Weights:     weights.NewStore(filepath.Join(dir, "weights.json")),
		Book:        f.book,
		Gate:        decision.NewGate(decision.DefaultConfig(), market.AlwaysOpen{}, f.cd, sem, displacement.DefaultPolicy()),
		Broker:      f.paper,
		Outbox:      f.outbox,
		Exits:       exit.NewEngine(exit.DefaultConfig()),
		Attribution: f.log,
		Cooldowns:   f.cd,
		Vol:         risk.NewVolatilityCalculator(risk.VolatilityConfig{}),
		Exposure:    sem,
		SectorIndex: signals.NewSectors(),
	}
	if withReconciler {
		rec, err := reconcile.NewEngine(reconcile.Config{
			Retry:        retry,
			DegradedPath: filepath.Join(dir, "degraded.json"),
			AuditPath:    filepath.Join(dir, "reconcile_audit.jsonl"),
			SectorOf:     d.SectorIndex.Of,
		}, f.paper, f.book)
		require.NoError(t, err)
		d.Reconciler = rec
	}
	f.s = New(Config{PositionUSD: 2000, MaxSignalAge: 5 * time.Minute, Retry: retry}, d)
	f.s.now = func() time.Time { return now }
	return f
}

func (f *fixture) publish(t *testing.T, symbols map[string]string) {
	t.Helper()
	blob := signals.Blob{Version: 1, GeneratedAt: now.Add(-time.Minute), Regime: signals.RiskOn, Symbols: map[string]json.RawMessage{}}
	for sym, raw := range symbols {
		blob.Symbols[sym] = json.RawMessage(raw)
	}
	data, err := json.Marshal(blob)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.signal, data, 0o644))
}

func bull(price string) string { return strings.Replace(nvdaBull, "%PRICE%", price, 1) }

func TestCycleEntersThenHoldsThenTakesProfit(t *testing.T) {
	f := newFixture(t, false)
	f.paper.SetPrice("NVDA", 100)
	f.publish(t, map[string]string{"NVDA": bull("100")})

	rep, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Cycle)
	assert.Equal(t, signals.RiskOn, rep.Regime)
	require.Len(t, rep.Scored, 1)
	assert.InDelta(t, 3.4708, rep.Scored[0].Score, 1e-3)
	assert.Equal(t, []string{"NVDA"}, rep.Entries)

	p, ok := f.book.Get("NVDA")
	require.True(t, ok)
	assert.Equal(t, "long", p.Side)
	assert.Equal(t, 20.0, p.Qty)
	assert.Equal(t, 100.0, p.EntryPrice)
	require.NotNil(t, p.EntryScore)
	assert.Equal(t, rep.Scored[0].Score, *p.EntryScore)
	assert.Equal(t, "semis", p.EntrySector)
	assert.Equal(t, string(signals.Bullish), p.EntrySentiment)
	assert.InDelta(t, 2000.0, rep.Exposure, 1e-9)
	assert.Contains(t, rep.SectorExposure, "semis")

	orders, err := f.outbox.Orders()
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, outbox.IntentEntry, orders[0].Intent)
	assert.Equal(t, "filled", orders[0].Status)
	assert.Equal(t, outbox.ClientOrderID(orders[0].IdempotencyKey), f.paper.Orders()[0].ClientID)

	rep, err = f.s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Entries)
	assert.Empty(t, rep.Exits)
	assert.Len(t, f.paper.Orders(), 1)

	f.paper.SetPrice("NVDA", 110)
	f.publish(t, map[string]string{"NVDA": bull("110")})
	rep, err = f.s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Exits, 1)
	assert.Contains(t, strings.Split(rep.Exits[0].Reason, "+"), exit.CondProfitTarget)
	assert.InDelta(t, 10.0, rep.Exits[0].PnLPct, 1e-9)
	assert.Equal(t, 0, f.book.Count())

	recs, err := f.log.Window(time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, attribution.DecisionExit, recs[0].DecisionType)
	assert.True(t, recs[0].Win())
	assert.InDelta(t, 200.0, recs[0].PnL, 1e-9)
	require.NotNil(t, recs[0].EntryScore)

	can, info := f.cd.CanTrade("NVDA", now.Add(time.Minute))
	assert.False(t, can)
	require.NotNil(t, info)
	assert.Equal(t, outbox.IntentExit, info.LastTradeIntent)
}

func TestMissingSignalsIsNotFatal(t *testing.T) {
	f := newFixture(t, false)
	rep, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, rep.SignalError)
	assert.Empty(t, rep.Scored)
	assert.Empty(t, rep.Entries)
}

func TestMalformedSymbolSkippedOthersTrade(t *testing.T) {
	f := newFixture(t, false)
	f.paper.SetPrice("NVDA", 100)
	f.publish(t, map[string]string{"NVDA": bull("100"), "BAD": `{"sentiment":"SIDEWAYS"}`})

	rep, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, "BAD", rep.Skipped[0].Symbol)
	assert.Equal(t, []string{"NVDA"}, rep.Entries)
}

func TestNeutralFlowNeverEnters(t *testing.T) {
	f := newFixture(t, false)
	f.paper.SetPrice("FLAT", 50)
	f.publish(t, map[string]string{"FLAT": `{"sentiment":"NEUTRAL","sector":"tech","price":50}`})

	rep, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Scored, 1)
	assert.Empty(t, rep.Verdicts)
	assert.Empty(t, rep.Entries)
}

func TestDegradedBlocksEntries(t *testing.T) {
	f := newFixture(t, true)
	f.paper.SetPrice("NVDA", 100)
	f.publish(t, map[string]string{"NVDA": bull("100")})
	f.paper.FailNext("list_positions", 5, &broker.Error{Class: broker.ClassNetwork, Op: "list_positions", Err: errors.New("connection reset")})

	f.s.reconcile(context.Background())
	rep, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Degraded)
	require.Len(t, rep.Verdicts, 1)
	assert.False(t, rep.Verdicts[0].Allowed)
	assert.Equal(t, decision.ReasonDegradedReduceOnly, rep.Verdicts[0].Reason)
	assert.Empty(t, f.paper.Orders())
}

func TestDuplicateEntryKeyIsRejected(t *testing.T) {
	f := newFixture(t, false)
	f.paper.SetPrice("NVDA", 100)
	rec := scoring.Record{Symbol: "NVDA", Score: 4, Direction: 1, Sector: "semis"}
	f.s.cycle = 7

	require.NoError(t, f.s.open(context.Background(), rec, 100, signals.Bullish, signals.RiskOn, now))
	_, _, err := f.book.Remove("NVDA")
	require.NoError(t, err)

	err = f.s.open(context.Background(), rec, 100, signals.Bullish, signals.RiskOn, now)
	assert.ErrorIs(t, err, errDuplicate)
	assert.Len(t, f.paper.Orders(), 1)
}

func TestFailedExitKeepsPosition(t *testing.T) {
	f := newFixture(t, false)
	f.paper.SetPrice("NVDA", 100)
	f.publish(t, map[string]string{"NVDA": bull("100")})
	_, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)

	f.paper.SetPrice("NVDA", 110)
	f.publish(t, map[string]string{"NVDA": bull("110")})
	f.paper.FailNext("close_position", 1, &broker.Error{Class: broker.ClassAuth, Op: "close_position", Status: 401, Err: errors.New("unauthorized")})

	rep, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Exits)
	assert.Equal(t, 1, f.book.Count())
	recs, err := f.log.Window(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, recs)

	orders, err := f.outbox.Orders()
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "failed", orders[1].Status)
}

func TestVolFromBarsFetchedOncePerDay(t *testing.T) {
	f := newFixture(t, false)
	var bars []broker.Bar
	px := 100.0
	for i := 0; i < 25; i++ {
		if i%2 == 0 {
			px *= 1.02
		} else {
			px *= 0.99
		}
		bars = append(bars, broker.Bar{At: now.AddDate(0, 0, i-25), High: px, Low: px, Close: px})
	}
	f.paper.SetBars("NVDA", bars)

	vol := f.s.volFor(context.Background(), "NVDA", nil, now)
	assert.Greater(t, vol, 0.0)

	f.paper.FailNext("get_bars", 1, errors.New("boom"))
	assert.Equal(t, vol, f.s.volFor(context.Background(), "NVDA", nil, now))

	snapVol := 0.42
	assert.Equal(t, 0.42, f.s.volFor(context.Background(), "NVDA", &signals.Snapshot{RealizedVol: &snapVol}, now))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, true)
	f.s.cfg.CycleInterval = 5 * time.Millisecond
	f.s.cfg.ReconcileInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, f.s.Run(ctx))
	assert.Greater(t, f.s.Cycles(), int64(0))
}

// fillBook opens five weak, old positions in distinct sectors, both in the
// book and at the broker.
func (f *fixture) fillBook(t *testing.T) {
	t.Helper()
	for i, sym := range []string{"AAA", "BBB", "CCC", "DDD", "EEE"} {
		score := 2.5
		require.NoError(t, f.book.Put(portfolio.Position{
			Symbol: sym, Side: broker.SideLong, Qty: 10, EntryPrice: 100,
			EntryScore: &score, EntryAt: now.Add(-2 * time.Hour), EntryRegime: string(signals.RiskOn),
			EntrySector: fmt.Sprintf("sector%d", i), EntryLayers: scoring.Layers{Flow: 0.2},
			LastMark: 100, HighWater: 100, Source: portfolio.SourceBot,
		}))
		f.paper.SetPosition(sym, broker.SideLong, 10, 100)
		f.paper.SetPrice(sym, 100)
	}
}

func TestDisplacementSwapsWeakestIncumbent(t *testing.T) {
	f := newFixture(t, false)
	f.fillBook(t)
	f.paper.SetPrice("NVDA", 100)
	f.publish(t, map[string]string{"NVDA": bull("100")})

	rep, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Verdicts, 1)
	assert.True(t, rep.Verdicts[0].Allowed)
	assert.Equal(t, "AAA", rep.Verdicts[0].Displace)

	require.Len(t, rep.Exits, 1)
	assert.Equal(t, "AAA", rep.Exits[0].Symbol)
	assert.Equal(t, exit.CondDisplacement, rep.Exits[0].Reason)
	assert.Equal(t, []string{"NVDA"}, rep.Entries)

	assert.Equal(t, 5, f.book.Count())
	_, ok := f.book.Get("AAA")
	assert.False(t, ok)
	_, ok = f.book.Get("NVDA")
	assert.True(t, ok)

	recs, err := f.log.Window(time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "AAA", recs[0].Symbol)
	assert.Equal(t, attribution.DecisionDisplaced, recs[0].DecisionType)

	positions, err := f.paper.ListPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, positions, 5)
}

func TestDisplacementCloseFailureSkipsEntry(t *testing.T) {
	f := newFixture(t, false)
	f.fillBook(t)
	f.paper.SetPrice("NVDA", 100)
	f.publish(t, map[string]string{"NVDA": bull("100")})
	f.paper.FailNext("close_position", 1, &broker.Error{Class: broker.ClassAuth, Op: "close_position", Status: 401, Err: errors.New("unauthorized")})

	rep, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Verdicts, 1)
	assert.Equal(t, "AAA", rep.Verdicts[0].Displace)
	assert.Empty(t, rep.Entries)
	assert.Empty(t, rep.Exits)

	assert.Equal(t, 5, f.book.Count())
	_, ok := f.book.Get("AAA")
	assert.True(t, ok)
	_, ok = f.book.Get("NVDA")
	assert.False(t, ok)
	for _, o := range f.paper.Orders() {
		assert.NotEqual(t, "NVDA", o.Symbol)
	}
	recs, err := f.log.Window(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReconcileAndCycleSerialize(t *testing.T) {
	f := newFixture(t, true)
	f.paper.SetPosition("MSFT", broker.SideLong, 5, 400)
	f.paper.SetPrice("MSFT", 400)
	f.paper.SetPrice("NVDA", 100)
	f.publish(t, map[string]string{"NVDA": bull("100")})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.s.reconcile(ctx)
		}()
		go func() {
			defer wg.Done()
			_, err := f.s.RunCycle(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	positions, err := f.paper.ListPositions(ctx)
	require.NoError(t, err)
	got := f.book.Snapshot()
	require.Len(t, got, len(positions))
	for _, bp := range positions {
		p, ok := got[bp.Symbol]
		require.True(t, ok, bp.Symbol)
		assert.Equal(t, bp.Side, p.Side)
		assert.InDelta(t, bp.Qty, p.Qty, 1e-9)
	}
	_, ok := got["NVDA"]
	assert.True(t, ok)
	assert.Equal(t, int64(5), f.s.Cycles())
}

func TestReconciledPositionTakesSnapshotSector(t *testing.T) {
	f := newFixture(t, true)
	f.paper.SetPosition("MSFT", broker.SideLong, 5, 400)
	f.paper.SetPrice("MSFT", 400)
	f.publish(t, map[string]string{"MSFT": `{"sentiment":"NEUTRAL","sector":"software","price":400}`})

	_, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)
	f.s.reconcile(context.Background())

	p, ok := f.book.Get("MSFT")
	require.True(t, ok)
	assert.Equal(t, "software", p.EntrySector)

	rep, err := f.s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Exits)
	assert.InDelta(t, 2000.0, rep.Exposure, 1e-9)
	assert.InDelta(t, 2000.0/102_000*100, rep.SectorExposure["software"], 1e-9)
	assert.NotContains(t, rep.SectorExposure, "other")
}

func TestLoopStopsAfterInFlightTick(t *testing.T) {
	f := newFixture(t, false)
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		// the next tick is already pending when fn returns
		err := f.s.loop(ctx, "test", 100*time.Microsecond, func(context.Context) {
			calls++
			cancel()
			time.Sleep(300 * time.Microsecond)
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	}
}
