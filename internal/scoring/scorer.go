package scoring

import (
	"fmt"
	"math"

	"github.com/Rajchodisetti/flowdesk/internal/signals"
	"github.com/Rajchodisetti/flowdesk/internal/weights"
)

// MaxScore is the upper clamp of every composite score.
const MaxScore = 5.0

// neutral is the contribution strength of an absent layer.
const neutral = 0.5

// Config holds the additive adjustments that are not tuned weights.
type Config struct {
	CrossAssetWeight       float64
	TideBoost              float64
	OppositionPenalty      float64
	OppositionConviction   float64
	OppositionDarkStrength float64
}

func DefaultConfig() Config {
	return Config{
		CrossAssetWeight:       0.25,
		TideBoost:              0.3,
		OppositionPenalty:      0.75,
		OppositionConviction:   0.7,
		OppositionDarkStrength: 0.75,
	}
}

// Component is one layer's share of the score.
type Component struct {
	Name         string  `json:"name"`
	Strength     float64 `json:"strength"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Absent       bool    `json:"absent,omitempty"`
}

// Layers are the per-layer strengths displacement compares.
type Layers struct {
	Flow            float64 `json:"flow"`
	DarkBias        float64 `json:"dark_bias"` // signed: + bullish, - bearish
	RegimeAlignment int     `json:"regime_alignment"`
}

// Record is the scored view of one symbol for one cycle.
type Record struct {
	Symbol     string             `json:"symbol"`
	Score      float64            `json:"score"`
	Raw        float64            `json:"raw"`
	Direction  int                `json:"direction"` // +1 long, -1 short, 0 none
	Components []Component        `json:"components"`
	Aligned    bool               `json:"aligned"`
	Opposite   bool               `json:"opposite"`
	Layers     Layers             `json:"layers"`
	Features   map[string]float64 `json:"features"`
	Sector     string             `json:"sector"`
	Notes      []string           `json:"notes,omitempty"`
}

// Side maps the record direction to an order side.
func (r Record) Side() string {
	if r.Direction < 0 {
		return "short"
	}
	return "long"
}

// Score combines snap's layers under ws. It is a pure function of its inputs.
func (c Config) Score(snap signals.Snapshot, regime signals.Regime, ws weights.Set, tideActive bool) Record {
	rec := Record{
		Symbol:    snap.Symbol,
		Direction: snap.Sentiment.Direction(),
		Sector:    snap.Sector,
		Features:  map[string]float64{},
	}
	// Insider and regime terms are read relative to the trade direction; a
	// neutral flow is scored as if long.
	dir := rec.Direction
	if dir == 0 {
		dir = 1
	}

	// Flow
	flow := Component{Name: weights.Flow, Strength: neutral, Weight: ws.Get(weights.Flow)}
	if snap.FlowConviction != nil {
		flow.Strength = *snap.FlowConviction
	} else {
		flow.Absent = true
		rec.Notes = append(rec.Notes, "flow absent: neutral")
	}
	rec.Layers.Flow = flow.Strength

	// Dark pool
	dark := Component{Name: weights.DarkPool, Strength: neutral, Weight: ws.Get(weights.DarkPool)}
	switch dp := snap.DarkPool; {
	case dp == nil:
		dark.Absent = true
		rec.Notes = append(rec.Notes, "dark pool absent: neutral")
	case dp.Sentiment == signals.Neutral:
		dark.Strength = 0.3
	default:
		dark.Strength = DarkStrength(dp.TotalPremium)
		rec.Layers.DarkBias = float64(dp.Sentiment.Direction()) * dark.Strength
		rec.Aligned = rec.Direction != 0 && dp.Sentiment.Direction() == rec.Direction
		rec.Opposite = snap.Sentiment.Opposes(dp.Sentiment)
	}

	// Insider
	ins := Component{Name: weights.Insider, Strength: neutral, Weight: ws.Get(weights.Insider)}
	if in := snap.Insider; in != nil {
		ins.Strength = neutral + 0.5*float64(in.Sentiment.Direction()*dir)*in.ConvictionModifier
	} else {
		ins.Absent = true
	}

	// Regime alignment
	align := RegimeAlignment(snap.Sentiment, regime)
	rec.Layers.RegimeAlignment = align
	reg := Component{Name: weights.Regime, Strength: float64(align), Weight: ws.Get(weights.Regime)}

	for _, comp := range []*Component{&flow, &dark, &ins, &reg} {
		comp.Contribution = comp.Strength * comp.Weight
		rec.Components = append(rec.Components, *comp)
		rec.Raw += comp.Contribution
	}

	cross := Component{Name: "cross_asset", Weight: c.CrossAssetWeight}
	if snap.CrossAsset != nil {
		cross.Strength = *snap.CrossAsset
	} else {
		cross.Absent = true
	}
	cross.Contribution = cross.Strength * cross.Weight
	rec.Components = append(rec.Components, cross)
	rec.Raw += cross.Contribution

	tide := Component{Name: "sector_tide", Weight: c.TideBoost}
	if tideActive {
		tide.Strength = 1
		tide.Contribution = c.TideBoost
		rec.Notes = append(rec.Notes, fmt.Sprintf("sector tide active in %s", snap.Sector))
	}
	rec.Components = append(rec.Components, tide)
	rec.Raw += tide.Contribution

	if rec.Opposite && (flow.Strength >= c.OppositionConviction || dark.Strength >= c.OppositionDarkStrength) {
		pen := Component{Name: "opposition", Strength: -1, Weight: c.OppositionPenalty, Contribution: -c.OppositionPenalty}
		rec.Components = append(rec.Components, pen)
		rec.Raw += pen.Contribution
		rec.Notes = append(rec.Notes, "flow and dark pool strongly disagree")
	}

	rec.Score = Clamp(rec.Raw)
	rec.Features[weights.Flow] = flow.Strength
	rec.Features[weights.DarkPool] = dark.Strength
	rec.Features[weights.Insider] = ins.Strength
	rec.Features[weights.Regime] = float64(align)
	rec.Features["cross_asset"] = cross.Strength
	return rec
}

// DarkStrength is the base strength plus a log-scaled bonus for notional
// size, capped at 1.
func DarkStrength(premium float64) float64 {
	if premium < 0 {
		premium = 0
	}
	return neutral + math.Min(0.5, 0.1*math.Log10(1+premium/100_000))
}

// RegimeAlignment is +1 when the flow direction matches the regime's risk
// posture, -1 when it opposes it and 0 otherwise.
func RegimeAlignment(s signals.Sentiment, r signals.Regime) int {
	switch {
	case s == signals.Bullish && r == signals.RiskOn, s == signals.Bearish && r == signals.RiskOff:
		return 1
	case s == signals.Bullish && r == signals.RiskOff, s == signals.Bearish && r == signals.RiskOn:
		return -1
	}
	return 0
}

// Clamp bounds v to [0, MaxScore]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(MaxScore, v))
}
