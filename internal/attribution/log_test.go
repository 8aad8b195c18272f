package attribution

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealize(t *testing.T) {
	long := Record{Side: "long", Qty: 10, EntryPrice: 100, ExitPrice: 104}
	long.Realize()
	assert.InDelta(t, 40, long.PnL, 1e-9)
	assert.InDelta(t, 4, long.PnLPct, 1e-9)
	assert.True(t, long.Win())

	short := Record{Side: "short", Qty: 10, EntryPrice: 100, ExitPrice: 104}
	short.Realize()
	assert.InDelta(t, -40, short.PnL, 1e-9)
	assert.False(t, short.Win())
}

func TestAppendAndWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attribution.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC)
	for i, sym := range []string{"A", "B", "C"} {
		rec, err := l.Append(Record{Symbol: sym, ExitAt: base.Add(time.Duration(i) * 24 * time.Hour), ExitReason: "profit_target"})
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
	}
	_, err = l.Append(Record{Symbol: "X"})
	assert.Error(t, err, "exit reason is required")

	// a torn line is skipped, not fatal
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("{\"symbol\":\n")
	require.NoError(t, f.Close())

	recs, err := l.Window(base.Add(24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "B", recs[0].Symbol)
	assert.Equal(t, "C", recs[1].Symbol)
}
