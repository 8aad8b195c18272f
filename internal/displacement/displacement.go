package displacement

import (
	"math"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/scoring"
)

// Result reasons.
const (
	ReasonDisabled          = "disabled"
	ReasonMinHold           = "min_hold"
	ReasonInsufficientDelta = "insufficient_delta"
	ReasonNoThesisDominance = "no_thesis_dominance"
	ReasonAllowed           = "allowed"
	ReasonAllowedEmergency  = "allowed_emergency"
)

// Comparison outcomes from the challenger's point of view.
const (
	Win  = "win"
	Lose = "lose"
	Tie  = "tie"
)

// Policy controls when a stronger candidate may force out an open position.
type Policy struct {
	Enabled                bool
	MinHold                time.Duration
	MinDelta               float64
	RequireThesisDominance bool
	EliteFloor             float64 // current score below this is an emergency
	LossFloorPct           float64 // pnl below this percent is an emergency, e.g. -3
}

func DefaultPolicy() Policy {
	return Policy{
		Enabled:                true,
		MinHold:                30 * time.Minute,
		MinDelta:               0.75,
		RequireThesisDominance: true,
		EliteFloor:             2.0,
		LossFloorPct:           -3.0,
	}
}

// Incumbent is the open position under evaluation.
type Incumbent struct {
	Symbol       string
	EntryAt      time.Time
	CurrentScore float64
	Layers       scoring.Layers
	PnLPct       float64
}

type Challenger struct {
	Symbol string
	Score  float64
	Layers scoring.Layers
}

// Comparison is one thesis-dominance check.
type Comparison struct {
	Layer      string  `json:"layer"`
	Current    float64 `json:"current"`
	Challenger float64 `json:"challenger"`
	Outcome    string  `json:"outcome"`
}

// Diagnostics are filled in completely on every evaluation, whatever the
// outcome.
type Diagnostics struct {
	Current          string        `json:"current"`
	Challenger       string        `json:"challenger"`
	Age              time.Duration `json:"age"`
	MinHold          time.Duration `json:"min_hold"`
	Emergency        bool          `json:"emergency"`
	EmergencyReasons []string      `json:"emergency_reasons,omitempty"`
	ScoreDelta       float64       `json:"score_delta"`
	MinDelta         float64       `json:"min_delta"`
	Comparisons      []Comparison  `json:"comparisons"`
	ThesisWins       int           `json:"thesis_wins"`
}

type Result struct {
	Allowed     bool        `json:"allowed"`
	Reason      string      `json:"reason"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Evaluate decides whether challenger may displace current.
func Evaluate(p Policy, current Incumbent, challenger Challenger, now time.Time) Result {
	d := Diagnostics{
		Current:    current.Symbol,
		Challenger: challenger.Symbol,
		MinHold:    p.MinHold,
		MinDelta:   p.MinDelta,
		ScoreDelta: challenger.Score - current.CurrentScore,
	}
	if !current.EntryAt.IsZero() {
		d.Age = now.Sub(current.EntryAt)
	}
	if current.CurrentScore < p.EliteFloor {
		d.EmergencyReasons = append(d.EmergencyReasons, "score_below_elite_floor")
	}
	if current.PnLPct < p.LossFloorPct {
		d.EmergencyReasons = append(d.EmergencyReasons, "pnl_below_loss_floor")
	}
	d.Emergency = len(d.EmergencyReasons) > 0
	d.Comparisons = compareThesis(current.Layers, challenger.Layers)
	for _, c := range d.Comparisons {
		if c.Outcome == Win {
			d.ThesisWins++
		}
	}

	res := Result{Diagnostics: d}
	switch {
	case !p.Enabled:
		res.Reason = ReasonDisabled
	case !d.Emergency && d.Age < p.MinHold:
		res.Reason = ReasonMinHold
	case d.ScoreDelta < p.MinDelta:
		res.Reason = ReasonInsufficientDelta
	case p.RequireThesisDominance && d.ThesisWins == 0:
		res.Reason = ReasonNoThesisDominance
	case d.Emergency:
		res.Allowed, res.Reason = true, ReasonAllowedEmergency
	default:
		res.Allowed, res.Reason = true, ReasonAllowed
	}
	return res
}

func compareThesis(cur, ch scoring.Layers) []Comparison {
	return []Comparison{
		{Layer: "flow_strength", Current: cur.Flow, Challenger: ch.Flow, Outcome: compare(ch.Flow, cur.Flow)},
		{Layer: "dark_pool_bias", Current: cur.DarkBias, Challenger: ch.DarkBias, Outcome: compareBias(cur.DarkBias, ch.DarkBias)},
		{Layer: "regime_alignment", Current: float64(cur.RegimeAlignment), Challenger: float64(ch.RegimeAlignment),
			Outcome: compare(float64(ch.RegimeAlignment), float64(cur.RegimeAlignment))},
	}
}

func compare(challenger, current float64) string {
	switch {
	case challenger > current:
		return Win
	case challenger < current:
		return Lose
	}
	return Tie
}

// compareBias wins only for a same-signed, larger bias. An incumbent with no
// bias loses to any directional challenger.
func compareBias(cur, ch float64) string {
	if cur != 0 && ch != 0 && math.Signbit(cur) != math.Signbit(ch) {
		return Lose
	}
	return compare(math.Abs(ch), math.Abs(cur))
}
