package decision

import (
	"sort"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/displacement"
	"github.com/Rajchodisetti/flowdesk/internal/market"
	"github.com/Rajchodisetti/flowdesk/internal/observ"
	"github.com/Rajchodisetti/flowdesk/internal/portfolio"
	"github.com/Rajchodisetti/flowdesk/internal/risk"
	"github.com/Rajchodisetti/flowdesk/internal/scoring"
	"github.com/Rajchodisetti/flowdesk/internal/signals"
)

// Block reasons, in check order.
const (
	ReasonFrozen              = "frozen"
	ReasonSymbolFrozen        = "symbol_frozen"
	ReasonDegradedReduceOnly  = "degraded_reduce_only"
	ReasonMarketClosed        = "market_closed"
	ReasonPositionExists      = "position_exists"
	ReasonMaxPositions        = "max_positions"
	ReasonCooldown            = "cooldown"
	ReasonScoreBelowThreshold = "score_below_threshold"
	ReasonSectorConcentration = "sector_concentration"
	ReasonExposureLimit       = "exposure_limit"
	displacementPrefix        = "displacement_"
)

type Config struct {
	GlobalPause       bool
	FrozenSymbols     []string
	MaxPositions      int
	BaseThreshold     float64
	RegimeAdjustments map[signals.Regime]float64
	PositionUSD       float64
}

func DefaultConfig() Config {
	return Config{
		MaxPositions:      5,
		BaseThreshold:     3.0,
		RegimeAdjustments: map[signals.Regime]float64{signals.RiskOff: 0.25, signals.Mixed: 0.1},
		PositionUSD:       2000,
	}
}

// Threshold is the score an entry needs under regime.
func (c Config) Threshold(regime signals.Regime) float64 {
	return c.BaseThreshold + c.RegimeAdjustments[regime]
}

// Candidate is a scored symbol proposed for entry.
type Candidate struct {
	Record scoring.Record
	Price  float64
}

// State is what the gate reads about the world for one cycle.
type State struct {
	Now      time.Time
	Regime   signals.Regime
	Degraded bool
	Equity   float64
	Book     []portfolio.Position
	// Scores holds this cycle's records for open positions, keyed by symbol.
	Scores map[string]scoring.Record
}

// Verdict is the gate outcome for one candidate. A blocked verdict carries
// exactly one reason.
type Verdict struct {
	Symbol       string               `json:"symbol"`
	Score        float64              `json:"score"`
	Threshold    float64              `json:"threshold"`
	Allowed      bool                 `json:"allowed"`
	Reason       string               `json:"reason,omitempty"`
	Displace     string               `json:"displace,omitempty"`
	Displacement *displacement.Result `json:"displacement,omitempty"`
	GatesPassed  []string             `json:"gates_passed"`
}

// Gate runs the ordered entry checks.
type Gate struct {
	cfg       Config
	hours     market.Hours
	cooldowns *risk.CooldownManager
	sectors   *risk.SectorExposureManager
	policy    displacement.Policy
	frozen    map[string]bool
}

func NewGate(cfg Config, hours market.Hours, cooldowns *risk.CooldownManager, sectors *risk.SectorExposureManager, policy displacement.Policy) *Gate {
	if hours == nil {
		hours = market.AlwaysOpen{}
	}
	frozen := make(map[string]bool, len(cfg.FrozenSymbols))
	for _, s := range cfg.FrozenSymbols {
		frozen[s] = true
	}
	return &Gate{cfg: cfg, hours: hours, cooldowns: cooldowns, sectors: sectors, policy: policy, frozen: frozen}
}

type check struct {
	name string
	fn   func(c Candidate, st *State, v *Verdict) string // "" passes
}

func (g *Gate) checks() []check {
	return []check{
		{"freeze", g.checkFreeze},
		{"market_hours", g.checkHours},
		{"capacity", g.checkCapacity},
		{"cooldown", g.checkCooldown},
		{"score_threshold", g.checkThreshold},
		{"exposure", g.checkExposure},
		{"displacement", g.checkDisplacement},
	}
}

// Evaluate runs every check in order and stops at the first failure.
func (g *Gate) Evaluate(c Candidate, st *State) Verdict {
	v := Verdict{
		Symbol:      c.Record.Symbol,
		Score:       c.Record.Score,
		Threshold:   g.cfg.Threshold(st.Regime),
		GatesPassed: []string{},
	}
	for _, chk := range g.checks() {
		if reason := chk.fn(c, st, &v); reason != "" {
			v.Reason = reason
			observ.IncCounter("gate_blocks_total", map[string]string{"reason": reason})
			observ.Log("gate_block", map[string]any{
				"symbol": v.Symbol, "reason": reason, "score": v.Score, "threshold": v.Threshold,
			})
			return v
		}
		v.GatesPassed = append(v.GatesPassed, chk.name)
	}
	v.Allowed = true
	return v
}

// Run evaluates candidates by descending score (ties by symbol). Admitted
// candidates are added to st.Book, and displaced positions removed, so later
// candidates in the same cycle see the capacity already used.
func (g *Gate) Run(cands []Candidate, st *State) []Verdict {
	ordered := make([]Candidate, len(cands))
	copy(ordered, cands)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Record.Score != ordered[j].Record.Score {
			return ordered[i].Record.Score > ordered[j].Record.Score
		}
		return ordered[i].Record.Symbol < ordered[j].Record.Symbol
	})

	out := make([]Verdict, 0, len(ordered))
	for _, c := range ordered {
		v := g.Evaluate(c, st)
		out = append(out, v)
		if !v.Allowed {
			continue
		}
		if v.Displace != "" {
			st.Book = without(st.Book, v.Displace)
		}
		st.Book = append(st.Book, g.pending(c, st))
		if st.Scores == nil {
			st.Scores = map[string]scoring.Record{}
		}
		st.Scores[c.Record.Symbol] = c.Record
	}
	return out
}

func (g *Gate) checkFreeze(c Candidate, st *State, _ *Verdict) string {
	switch {
	case g.cfg.GlobalPause:
		return ReasonFrozen
	case g.frozen[c.Record.Symbol]:
		return ReasonSymbolFrozen
	case st.Degraded:
		return ReasonDegradedReduceOnly
	}
	return ""
}

func (g *Gate) checkHours(_ Candidate, st *State, _ *Verdict) string {
	if !g.hours.IsOpen(st.Now) {
		return ReasonMarketClosed
	}
	return ""
}

func (g *Gate) checkCapacity(c Candidate, st *State, _ *Verdict) string {
	for _, p := range st.Book {
		if p.Symbol == c.Record.Symbol {
			return ReasonPositionExists
		}
	}
	if len(st.Book) >= g.cfg.MaxPositions && !g.policy.Enabled {
		return ReasonMaxPositions
	}
	return ""
}

func (g *Gate) checkCooldown(c Candidate, st *State, _ *Verdict) string {
	if g.cooldowns == nil {
		return ""
	}
	if ok, _ := g.cooldowns.CanTrade(c.Record.Symbol, st.Now); !ok {
		return ReasonCooldown
	}
	return ""
}

func (g *Gate) checkThreshold(c Candidate, _ *State, v *Verdict) string {
	if c.Record.Score < v.Threshold {
		return ReasonScoreBelowThreshold
	}
	return ""
}

func (g *Gate) checkExposure(c Candidate, st *State, _ *Verdict) string {
	if g.sectors == nil {
		return ""
	}
	holdings := make([]risk.Holding, 0, len(st.Book))
	for _, p := range st.Book {
		holdings = append(holdings, risk.Holding{Symbol: p.Symbol, Sector: p.EntrySector, Notional: p.Notional()})
	}
	return g.sectors.CheckSectorLimit(c.Record.Sector, g.cfg.PositionUSD, st.Equity, holdings)
}

func (g *Gate) checkDisplacement(c Candidate, st *State, v *Verdict) string {
	if len(st.Book) < g.cfg.MaxPositions {
		return ""
	}
	weakest, ok := Weakest(st.Book, st.Scores)
	if !ok {
		return displacementPrefix + displacement.ReasonDisabled
	}
	res := displacement.Evaluate(g.policy, IncumbentFor(weakest, st.Scores), displacement.Challenger{
		Symbol: c.Record.Symbol,
		Score:  c.Record.Score,
		Layers: c.Record.Layers,
	}, st.Now)
	v.Displacement = &res
	if !res.Allowed {
		return displacementPrefix + res.Reason
	}
	v.Displace = weakest.Symbol
	return ""
}

// CurrentScore is a position's score this cycle, falling back to its entry
// score and then to 0 for positions never scored.
func CurrentScore(p portfolio.Position, scores map[string]scoring.Record) float64 {
	if rec, ok := scores[p.Symbol]; ok {
		return rec.Score
	}
	if p.EntryScore != nil {
		return *p.EntryScore
	}
	return 0
}

// IncumbentFor builds the displacement view of an open position.
func IncumbentFor(p portfolio.Position, scores map[string]scoring.Record) displacement.Incumbent {
	layers := p.EntryLayers
	if rec, ok := scores[p.Symbol]; ok {
		layers = rec.Layers
	}
	return displacement.Incumbent{
		Symbol:       p.Symbol,
		EntryAt:      p.EntryAt,
		CurrentScore: CurrentScore(p, scores),
		Layers:       layers,
		PnLPct:       p.PnLPct(),
	}
}

// Weakest returns the position with the lowest current score; ties go to the
// oldest entry and then to symbol order.
func Weakest(book []portfolio.Position, scores map[string]scoring.Record) (portfolio.Position, bool) {
	if len(book) == 0 {
		return portfolio.Position{}, false
	}
	best := book[0]
	for _, p := range book[1:] {
		ps, bs := CurrentScore(p, scores), CurrentScore(best, scores)
		switch {
		case ps < bs:
			best = p
		case ps == bs && p.EntryAt.Before(best.EntryAt):
			best = p
		case ps == bs && p.EntryAt.Equal(best.EntryAt) && p.Symbol < best.Symbol:
			best = p
		}
	}
	return best, true
}

func without(book []portfolio.Position, symbol string) []portfolio.Position {
	out := make([]portfolio.Position, 0, len(book))
	for _, p := range book {
		if p.Symbol != symbol {
			out = append(out, p)
		}
	}
	return out
}

// pending is the provisional position an admitted candidate will become,
// sized so later exposure checks in the cycle count it.
func (g *Gate) pending(c Candidate, st *State) portfolio.Position {
	score := c.Record.Score
	price, qty := c.Price, 0.0
	if price > 0 {
		qty = g.cfg.PositionUSD / price
	} else {
		price, qty = g.cfg.PositionUSD, 1
	}
	return portfolio.Position{
		Symbol:        c.Record.Symbol,
		Side:          c.Record.Side(),
		Qty:           qty,
		EntryPrice:    price,
		EntryScore:    &score,
		EntryAt:       st.Now,
		EntryRegime:   string(st.Regime),
		EntrySector:   c.Record.Sector,
		EntryLayers:   c.Record.Layers,
		EntryFeatures: c.Record.Features,
		Source:        portfolio.SourceBot,
	}
}
