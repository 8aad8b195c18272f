package displacement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/flowdesk/internal/scoring"
)

var now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func incumbent() Incumbent {
	return Incumbent{
		Symbol:       "OLD",
		EntryAt:      now.Add(-2 * time.Hour),
		CurrentScore: 2.6,
		Layers:       scoring.Layers{Flow: 0.7, DarkBias: 0.6, RegimeAlignment: 0},
		PnLPct:       0.5,
	}
}

func challenger() Challenger {
	return Challenger{Symbol: "NEW", Score: 3.6, Layers: scoring.Layers{Flow: 0.9, DarkBias: 0.6, RegimeAlignment: 0}}
}

func TestEvaluateReasons(t *testing.T) {
	tests := []struct {
		name    string
		policy  func(*Policy)
		cur     func(*Incumbent)
		ch      func(*Challenger)
		allowed bool
		reason  string
	}{
		{"allowed", nil, nil, nil, true, ReasonAllowed},
		{"disabled", func(p *Policy) { p.Enabled = false }, nil, nil, false, ReasonDisabled},
		{"too young", nil, func(c *Incumbent) { c.EntryAt = now.Add(-5 * time.Minute) }, nil, false, ReasonMinHold},
		{"young but losing badly", nil, func(c *Incumbent) {
			c.EntryAt = now.Add(-5 * time.Minute)
			c.PnLPct = -4
		}, nil, true, ReasonAllowedEmergency},
		{"young but score collapsed", nil, func(c *Incumbent) {
			c.EntryAt = now.Add(-5 * time.Minute)
			c.CurrentScore = 1.5
		}, nil, true, ReasonAllowedEmergency},
		{"small delta", nil, nil, func(c *Challenger) { c.Score = 3.0 }, false, ReasonInsufficientDelta},
		{"ties do not count", nil, nil, func(c *Challenger) { c.Layers.Flow = 0.7 }, false, ReasonNoThesisDominance},
		{"dominance not required", func(p *Policy) { p.RequireThesisDominance = false }, nil, func(c *Challenger) { c.Layers.Flow = 0.1 }, true, ReasonAllowed},
		{"regime win", nil, nil, func(c *Challenger) {
			c.Layers.Flow = 0.5
			c.Layers.RegimeAlignment = 1
		}, true, ReasonAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultPolicy()
			cur := incumbent()
			ch := challenger()
			if tc.policy != nil {
				tc.policy(&p)
			}
			if tc.cur != nil {
				tc.cur(&cur)
			}
			if tc.ch != nil {
				tc.ch(&ch)
			}

			res := Evaluate(p, cur, ch, now)
			assert.Equal(t, tc.allowed, res.Allowed)
			assert.Equal(t, tc.reason, res.Reason)
			require.Len(t, res.Diagnostics.Comparisons, 3, "diagnostics are always populated")
			assert.Equal(t, "OLD", res.Diagnostics.Current)
			assert.Equal(t, p.MinHold, res.Diagnostics.MinHold)
		})
	}
}

func TestDiagnosticsOnDisabled(t *testing.T) {
	p := DefaultPolicy()
	p.Enabled = false
	res := Evaluate(p, incumbent(), challenger(), now)

	assert.InDelta(t, 1.0, res.Diagnostics.ScoreDelta, 1e-9)
	assert.Equal(t, 2*time.Hour, res.Diagnostics.Age)
	assert.Equal(t, 1, res.Diagnostics.ThesisWins)
	assert.Equal(t, Win, res.Diagnostics.Comparisons[0].Outcome)
	assert.Equal(t, Tie, res.Diagnostics.Comparisons[1].Outcome)
}

func TestCompareBias(t *testing.T) {
	tests := []struct {
		cur, ch float64
		want    string
	}{
		{0.6, 0.8, Win},
		{-0.6, -0.8, Win},
		{0.6, -0.9, Lose},
		{0.8, 0.6, Lose},
		{0.6, 0.6, Tie},
		{0, 0.6, Win},
		{0, 0, Tie},
		{0.6, 0, Lose},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, compareBias(tc.cur, tc.ch), "cur=%v ch=%v", tc.cur, tc.ch)
	}
}
