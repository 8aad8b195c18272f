package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/flowdesk/internal/config"
	"github.com/Rajchodisetti/flowdesk/internal/displacement"
	"github.com/Rajchodisetti/flowdesk/internal/reconcile"
)

func dryRunConfig(t *testing.T) config.Root {
	t.Helper()
	var c config.Root
	c.TradingMode = "dry-run"
	c.Paths.StateDir = t.TempDir()
	c.Log.Output = "stderr"
	c.ApplyDefaults()
	require.NoError(t, c.Validate())
	return c
}

func writeSnapshot(t *testing.T, path string) {
	t.Helper()
	blob := map[string]any{
		"version":      1,
		"generated_at": time.Now().UTC().Add(-30 * time.Second),
		"regime":       "RISK_ON",
		"symbols": map[string]any{
			"NVDA": map[string]any{
				"sentiment":       "BULLISH",
				"flow_conviction": 0.9,
				"dark_pool":       map[string]any{"sentiment": "BULLISH", "total_premium": 5_000_000, "print_count": 20},
				"insider":         map[string]any{"sentiment": "BULLISH", "net_buys": 3, "conviction_modifier": 0.6},
				"cross_asset":     0.4,
				"sector":          "semis",
				"price":           120.0,
			},
		},
	}
	data, err := json.Marshal(blob)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestBuildDryRunEntersFromSnapshot(t *testing.T) {
	cfg := dryRunConfig(t)
	writeSnapshot(t, cfg.Signals.Path)

	e, err := build(context.Background(), cfg)
	require.NoError(t, err)
	defer e.Close()
	assert.Nil(t, e.http)

	out := e.reconciler.Reconcile(context.Background())
	assert.Equal(t, reconcile.ActionResumeTrading, out.Action)
	assert.False(t, out.Degraded)

	rep, err := e.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA"}, rep.Entries)

	p, ok := e.book.Get("NVDA")
	require.True(t, ok)
	assert.Equal(t, 16.0, p.Qty) // floor(2000 / 120)

	_, err = os.Stat(cfg.Paths.Book)
	assert.NoError(t, err)
	_, err = os.Stat(cfg.Paths.Outbox)
	assert.NoError(t, err)
}

func TestLiveRequiresHTTPBroker(t *testing.T) {
	var c config.Root
	c.TradingMode = "live"
	c.Paths.StateDir = t.TempDir()
	c.ApplyDefaults()
	_, err := build(context.Background(), c)
	assert.ErrorContains(t, err, "broker.kind http")
}

func TestHTTPBrokerNeedsCredentials(t *testing.T) {
	var c config.Root
	c.Broker.Kind = "http"
	c.Broker.KeyEnv = "FLOWDESK_TEST_KEY_UNSET"
	c.Broker.SecretEnv = "FLOWDESK_TEST_SECRET_UNSET"
	c.Paths.StateDir = t.TempDir()
	c.ApplyDefaults()
	_, err := build(context.Background(), c)
	assert.ErrorContains(t, err, "FLOWDESK_TEST_KEY_UNSET")
}

func TestTuneCommandPrintsReport(t *testing.T) {
	cfg := dryRunConfig(t)
	path := filepath.Join(t.TempDir(), "flowdesk.yaml")
	yaml := "trading_mode: dry-run\nlog:\n  output: stderr\npaths:\n  state_dir: " + cfg.Paths.StateDir + "\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"tune", "--config", path})
	require.NoError(t, rootCmd.Execute())

	var rep struct {
		Records   int   `json:"records"`
		Decisions []any `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, 0, rep.Records)
	assert.Len(t, rep.Decisions, 7)
}

func TestDefaultConfigMatchesDisplacementPolicy(t *testing.T) {
	assert.Equal(t, displacement.DefaultPolicy(), displacementPolicy(config.Default()))
}
