package tuner

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/flowdesk/internal/attribution"
	"github.com/Rajchodisetti/flowdesk/internal/persist"
	"github.com/Rajchodisetti/flowdesk/internal/weights"
)

var now = time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC)

func TestWilson(t *testing.T) {
	assert.Equal(t, 0.0, Wilson(0, 0, WilsonZ))
	assert.InDelta(t, 0.0, Wilson(0, 10, WilsonZ), 1e-12)
	// 8/10 at 95%: 0.4902
	assert.InDelta(t, 0.4902, Wilson(8, 10, WilsonZ), 1e-4)
	assert.Less(t, Wilson(80, 100, WilsonZ), 0.8)
	assert.Greater(t, Wilson(80, 100, WilsonZ), Wilson(8, 10, WilsonZ))
}

func TestComputeEWMAChronological(t *testing.T) {
	recs := []attribution.Record{{PnLPct: 1}, {PnLPct: -1}, {PnLPct: 2}}
	st := Compute(recs, 0.5)
	assert.Equal(t, 3, st.N)
	assert.Equal(t, 2, st.Wins)
	// 1 -> 0.5 -> 0.75
	assert.InDelta(t, 0.75, st.EWMAWin, 1e-12)
	// 1 -> 0 -> 1
	assert.InDelta(t, 1.0, st.EWMAPnL, 1e-12)
	assert.InDelta(t, 2.0/3, st.WinRate, 1e-12)
}

func TestBucketFor(t *testing.T) {
	assert.Equal(t, "<3.0", BucketFor(2.99))
	assert.Equal(t, "3.0-3.5", BucketFor(3.0))
	assert.Equal(t, "3.5-4.0", BucketFor(3.7))
	assert.Equal(t, ">=4.0", BucketFor(4.0))
}

type fixture struct {
	tuner *Tuner
	store *weights.Store
	log   *attribution.Log
	dir   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	log, err := attribution.Open(filepath.Join(dir, "attribution.jsonl"))
	require.NoError(t, err)
	store := weights.NewStore(filepath.Join(dir, "weights.json"))
	cfg := DefaultConfig()
	cfg.AuditPath = filepath.Join(dir, "tuner_audit.jsonl")
	cfg.ReportDir = filepath.Join(dir, "reports")
	tu, err := New(cfg, store, log)
	require.NoError(t, err)
	tu.now = func() time.Time { return now }
	return fixture{tuner: tu, store: store, log: log, dir: dir}
}

func (f fixture) trades(t *testing.T, n int, win func(i int) bool, features map[string]float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		pnl := -1.0
		if win(i) {
			pnl = 1.5
		}
		score := 3.6
		_, err := f.log.Append(attribution.Record{
			Symbol: "S", ExitAt: now.Add(-time.Duration(n-i) * time.Hour), PnLPct: pnl,
			EntryScore: &score, EntryFeatures: features, ExitReason: "profit_target",
		})
		require.NoError(t, err)
	}
}

func TestNudgeUpOnConfidentWins(t *testing.T) {
	f := newFixture(t)
	f.trades(t, 40, func(i int) bool { return i%10 != 0 }, map[string]float64{weights.Flow: 0.8, weights.DarkPool: 0.3})

	rep, err := f.tuner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 40, rep.Records)
	require.Len(t, rep.Decisions, len(Layers)+len(Buckets))
	assert.Equal(t, ActionNudgeUp, rep.Decisions[0].Action)
	assert.Equal(t, ActionNoOp, rep.Decisions[1].Action, "dark pool feature below floor")
	assert.Contains(t, rep.Decisions[1].Rationale, "insufficient samples")

	cur := f.store.Current()
	assert.InDelta(t, 2.05, cur.Get(weights.Flow), 1e-12)
	assert.Equal(t, int64(2), cur.Version)

	var onDisk weights.Set
	found, err := persist.ReadJSON(filepath.Join(f.dir, "weights.json"), &onDisk)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cur.Version, onDisk.Version)

	var report Report
	found, err = persist.ReadJSON(filepath.Join(f.dir, "reports", "tuner-2026-03-10.json"), &report)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ">=4.0", report.Buckets[3].Bucket)
	assert.Equal(t, 40, report.Buckets[2].Stats.N)

	audit, err := persist.NewJournal(filepath.Join(f.dir, "tuner_audit.jsonl"))
	require.NoError(t, err)
	lines := 0
	require.NoError(t, audit.Scan(func([]byte) error { lines++; return nil }))
	assert.Equal(t, len(rep.Decisions), lines)
}

func TestNudgeDownOnLosses(t *testing.T) {
	f := newFixture(t)
	f.trades(t, 30, func(i int) bool { return i%4 == 0 }, map[string]float64{weights.Insider: 0.9})
	rep, err := f.tuner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionNudgeDown, rep.Decisions[2].Action)
	assert.InDelta(t, 0.45, f.store.Current().Get(weights.Insider), 1e-12)
}

func TestNoSwapWhenNothingMoves(t *testing.T) {
	f := newFixture(t)
	f.trades(t, 5, func(int) bool { return true }, map[string]float64{weights.Flow: 0.9})
	rep, err := f.tuner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rep.VersionBefore, rep.VersionAfter)
	found, err := persist.ReadJSON(filepath.Join(f.dir, "weights.json"), &weights.Set{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWeightsStayInsideCaps(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(21))
	caps := weights.DefaultCaps()
	for run := 0; run < 60; run++ {
		// hammer one direction for long stretches so caps are reached
		up := (run/15)%2 == 0
		features := map[string]float64{weights.Flow: 0.9, weights.DarkPool: 0.9, weights.Insider: 0.9}
		f.trades(t, 25, func(int) bool { return up == (rng.Float64() < 0.95) }, features)
		f.tuner.now = func() time.Time { return now }
		_, err := f.tuner.Run(context.Background())
		require.NoError(t, err)

		cur := f.store.Current()
		for name, c := range caps {
			v := cur.Get(name)
			assert.GreaterOrEqual(t, v, c.Lo, "run %d %s", run, name)
			assert.LessOrEqual(t, v, c.Hi, "run %d %s", run, name)
		}
		// fresh window each run
		f = refresh(t, f)
	}
}

// refresh keeps the weight store but starts a new attribution log.
func refresh(t *testing.T, f fixture) fixture {
	t.Helper()
	log, err := attribution.Open(filepath.Join(t.TempDir(), "attribution.jsonl"))
	require.NoError(t, err)
	tu, err := New(f.tuner.cfg, f.store, log)
	require.NoError(t, err)
	tu.now = func() time.Time { return now }
	f.tuner, f.log = tu, log
	return f
}
