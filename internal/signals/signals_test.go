package signals

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func blobWith(symbols map[string]string, generated time.Time) *Blob {
	b := &Blob{Version: 3, GeneratedAt: generated, Regime: RiskOn, Symbols: map[string]json.RawMessage{}}
	for sym, raw := range symbols {
		b.Symbols[sym] = json.RawMessage(raw)
	}
	return b
}

func TestDecodeRejectsStaleBlob(t *testing.T) {
	blob := blobWith(map[string]string{"AAPL": `{"sentiment":"BULLISH"}`}, now.Add(-10*time.Minute))

	_, _, err := Decode(blob, now, 5*time.Minute)
	assert.True(t, errors.Is(err, ErrStale))
}

func TestDecodeSkipsBadSymbols(t *testing.T) {
	blob := blobWith(map[string]string{
		"AAPL": `{"sentiment":"BULLISH","flow_conviction":0.8,"sector":"tech"}`,
		"BAD1": `{"sentiment":"BULLISH","flow_conviction":"high"}`,
		"BAD2": `{"sentiment":"SIDEWAYS"}`,
		"BAD3": `{"flow_conviction":1.4}`,
		"BAD4": `not json`,
		"OLD":  `{"sentiment":"BEARISH","updated_at":"2026-03-10T14:00:00Z"}`,
		"NVDA": `{"dark_pool":{"sentiment":"BULLISH","total_premium":2500000,"print_count":12}}`,
	}, now.Add(-time.Minute))

	set, skipped, err := Decode(blob, now, 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "NVDA"}, set.Sorted())
	assert.Equal(t, RiskOn, set.Regime)
	assert.Equal(t, Neutral, set.Symbols["NVDA"].Sentiment)
	assert.Equal(t, blob.GeneratedAt, set.Symbols["NVDA"].UpdatedAt)
	require.NotNil(t, set.Symbols["AAPL"].FlowConviction)
	assert.Equal(t, 0.8, *set.Symbols["AAPL"].FlowConviction)

	reasons := map[string]string{}
	for _, s := range skipped {
		reasons[s.Symbol] = s.Reason
	}
	assert.Equal(t, map[string]string{
		"BAD1": "malformed",
		"BAD2": "malformed",
		"BAD3": "malformed",
		"BAD4": "malformed",
		"OLD":  "stale",
	}, reasons)
}

func TestParseBlobRequiresTimestamp(t *testing.T) {
	_, err := ParseBlob([]byte(`{"version":1,"symbols":{}}`))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = ParseBlob([]byte(`{`))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestSentimentHelpers(t *testing.T) {
	assert.True(t, Bullish.Opposes(Bearish))
	assert.False(t, Bullish.Opposes(Neutral))
	assert.False(t, Bearish.Opposes(Bearish))
	assert.Equal(t, -1, Bearish.Direction())
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	src := FileSource{Path: filepath.Join(dir, "snapshot.json")}

	_, err := src.Load(context.Background())
	assert.True(t, errors.Is(err, ErrNoSnapshot))

	data, err := json.Marshal(blobWith(map[string]string{"AAPL": `{"sentiment":"BULLISH"}`}, now))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src.Path, data, 0644))

	blob, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, blob.Version)
	assert.Contains(t, blob.Symbols, "AAPL")
}

func TestRedisSource(t *testing.T) {
	db, mock := redismock.NewClientMock()
	src := NewRedisSourceWithClient(db, "flowdesk:snapshot")
	ctx := context.Background()

	t.Run("published blob", func(t *testing.T) {
		data, err := json.Marshal(blobWith(map[string]string{"MSFT": `{"sentiment":"BEARISH"}`}, now))
		require.NoError(t, err)
		mock.ExpectGet("flowdesk:snapshot").SetVal(string(data))

		blob, err := src.Load(ctx)
		require.NoError(t, err)
		assert.Contains(t, blob.Symbols, "MSFT")
	})

	t.Run("missing key", func(t *testing.T) {
		mock.ExpectGet("flowdesk:snapshot").RedisNil()

		_, err := src.Load(ctx)
		assert.True(t, errors.Is(err, ErrNoSnapshot))
	})

	t.Run("connection error", func(t *testing.T) {
		mock.ExpectGet("flowdesk:snapshot").SetErr(errors.New("connection refused"))

		_, err := src.Load(ctx)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrNoSnapshot))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSectorsKeepsLastLabel(t *testing.T) {
	idx := NewSectors()
	assert.Empty(t, idx.Of("MSFT"))

	idx.Observe(Set{Symbols: map[string]Snapshot{"MSFT": {Sector: "software"}, "XOM": {Sector: "energy"}}})
	idx.Observe(Set{Symbols: map[string]Snapshot{"MSFT": {}, "XOM": {Sector: "oil"}}})

	assert.Equal(t, "software", idx.Of("MSFT"))
	assert.Equal(t, "oil", idx.Of("XOM"))
}
