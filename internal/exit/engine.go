package exit

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
	"github.com/Rajchodisetti/flowdesk/internal/portfolio"
	"github.com/Rajchodisetti/flowdesk/internal/scoring"
	"github.com/Rajchodisetti/flowdesk/internal/signals"
)

// Recommended buckets.
const (
	BucketHold        = "hold"
	BucketProfit      = "profit"
	BucketStop        = "stop"
	BucketReplacement = "replacement"
	BucketIntel       = "intel_deterioration"
)

// Close conditions, in the order they appear in a composite reason.
const (
	CondTime             = "time"
	CondTrailingStop     = "trailing_stop"
	CondSignalDecay      = "signal_decay"
	CondFlowReversal     = "flow_reversal"
	CondProfitTarget     = "profit_target"
	CondDrawdown         = "drawdown"
	CondMomentumReversal = "momentum_reversal"
	CondRegimeProtection = "regime_protection"
	CondDisplacement     = "displacement"
	CondStaleness        = "staleness"

	FallbackReason = "composite_exit"
)

var conditionOrder = []string{
	CondTime, CondTrailingStop, CondSignalDecay, CondFlowReversal, CondProfitTarget,
	CondDrawdown, CondMomentumReversal, CondRegimeProtection, CondDisplacement, CondStaleness,
}

// Deterioration term weights. They sum to 1.
const (
	wFlow      = 0.25
	wDark      = 0.15
	wSentiment = 0.15
	wScore     = 0.15
	wRegime    = 0.10
	wSector    = 0.05
	wVol       = 0.05
	wIntel     = 0.10
)

type Config struct {
	Threshold            float64
	ReplacementThreshold float64
	ReplacementMargin    float64
	VolBaseline          float64
	MaxHold              time.Duration
	TrailingStopPct      float64
	DecayScoreDrop       float64
	DrawdownPct          float64
	StaleSignal          time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:            0.55,
		ReplacementThreshold: 0.45,
		ReplacementMargin:    0.75,
		VolBaseline:          0.30,
		MaxHold:              390 * time.Minute,
		TrailingStopPct:      2.0,
		DecayScoreDrop:       1.0,
		DrawdownPct:          3.0,
		StaleSignal:          30 * time.Minute,
	}
}

// Challenger is the best-ranked entry candidate not already held.
type Challenger struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

// Input is everything the engine reads for one open position.
type Input struct {
	Position portfolio.Position
	// Current is this cycle's score; nil when the symbol had no usable snapshot.
	Current  *scoring.Record
	Snapshot *signals.Snapshot
	Regime   signals.Regime
	// Vol is annualized realized volatility; 0 means unknown.
	Vol        float64
	Price      float64
	Now        time.Time
	Challenger *Challenger
}

// Terms are the individual deterioration signals, each in [0,1].
type Terms struct {
	Flow          float64 `json:"flow"`
	Dark          float64 `json:"dark"`
	SentimentFlip float64 `json:"sentiment_flip"`
	Score         float64 `json:"score"`
	RegimeShift   float64 `json:"regime_shift"`
	SectorShift   float64 `json:"sector_shift"`
	VolExpansion  float64 `json:"vol_expansion"`
	Intel         float64 `json:"intel"`
}

// Weighted combines t into the exit score.
func (t Terms) Weighted() float64 {
	s := wFlow*t.Flow + wDark*t.Dark + wSentiment*t.SentimentFlip + wScore*t.Score +
		wRegime*t.RegimeShift + wSector*t.SectorShift + wVol*t.VolExpansion + wIntel*t.Intel
	return clamp01(s)
}

type Levels struct {
	Target    float64 `json:"target"`
	Stop      float64 `json:"stop"`
	TargetPct float64 `json:"target_pct"`
	StopPct   float64 `json:"stop_pct"`
}

type Decision struct {
	Symbol       string      `json:"symbol"`
	ExitScore    float64     `json:"exit_score"`
	Terms        Terms       `json:"terms"`
	Bucket       string      `json:"bucket"`
	Levels       Levels      `json:"levels"`
	CurrentScore float64     `json:"current_score"`
	Replacement  *Challenger `json:"replacement,omitempty"`
	Trigger      bool        `json:"trigger"`
	Conditions   []string    `json:"conditions"`
	Reason       string      `json:"reason,omitempty"`
	PnLPct       float64     `json:"pnl_pct"`
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config { return e.cfg }

// Evaluate decides whether in.Position should close this cycle.
func (e *Engine) Evaluate(in Input) Decision {
	p := in.Position
	price := in.Price
	if price <= 0 {
		price = p.Mark()
	}
	dir := p.Direction()
	pnl := 0.0
	if p.EntryPrice > 0 {
		pnl = dir * (price - p.EntryPrice) / p.EntryPrice * 100
	}

	reversal := flowReversed(p, in.Current)
	terms := e.terms(in, reversal)
	score := terms.Weighted()
	intel := terms.Intel > 0

	d := Decision{
		Symbol:       p.Symbol,
		ExitScore:    score,
		Terms:        terms,
		Bucket:       Bucket(score, pnl, intel),
		CurrentScore: currentScore(p, in.Current),
		PnLPct:       pnl,
	}
	d.Levels = e.levels(in, reversal)

	if Replace(score, d.CurrentScore, in.Challenger, e.cfg) {
		c := *in.Challenger
		d.Replacement = &c
	}

	hitTarget, hitStop := crosses(dir, price, d.Levels)
	d.Trigger = hitTarget || hitStop || d.Replacement != nil ||
		(score >= e.cfg.Threshold && d.Bucket != BucketHold)

	if d.Trigger {
		d.Conditions = e.conditions(in, d, price, reversal, hitTarget, hitStop)
		d.Reason = CompositeReason(d.Conditions)
		observ.Log("exit_triggered", map[string]any{
			"symbol": p.Symbol, "reason": d.Reason, "exit_score": score, "bucket": d.Bucket,
			"price": price, "target": d.Levels.Target, "stop": d.Levels.Stop, "pnl_pct": pnl,
		})
	}
	observ.Observe("exit_score", score, nil)
	return d
}

func (e *Engine) terms(in Input, reversal bool) Terms {
	p := in.Position
	dir := p.Direction()
	var t Terms

	if cur := in.Current; cur != nil {
		nowFlow := cur.Layers.Flow
		if reversal {
			nowFlow = -nowFlow
		}
		t.Flow = clamp01(p.EntryLayers.Flow - nowFlow)
		t.Dark = clamp01((dir*p.EntryLayers.DarkBias - dir*cur.Layers.DarkBias) / 2)
		if p.EntryScore != nil {
			t.Score = clamp01((*p.EntryScore - cur.Score) / 2)
		}
	}
	if snap := in.Snapshot; snap != nil {
		if signals.Sentiment(p.EntrySentiment).Opposes(snap.Sentiment) || positionOpposes(dir, snap.Sentiment) {
			t.SentimentFlip = 1
		}
		if snap.Flags.SectorCollapse || (p.EntrySector != "" && snap.Sector != "" && snap.Sector != p.EntrySector) {
			t.SectorShift = 1
		}
		if snap.Flags.Any() {
			t.Intel = 1
		}
	}
	if in.Regime != "" && p.EntryRegime != "" && string(in.Regime) != p.EntryRegime {
		t.RegimeShift = 0.5
		if adverseRegime(dir, in.Regime) {
			t.RegimeShift = 1
		}
	}
	if in.Vol > 0 && e.cfg.VolBaseline > 0 && in.Vol > e.cfg.VolBaseline {
		t.VolExpansion = clamp01((in.Vol - e.cfg.VolBaseline) / e.cfg.VolBaseline)
	}
	return t
}

// Bucket maps an exit score to a recommendation. Intel flags win over every
// other bucket once the score reaches 0.30.
func Bucket(score, pnlPct float64, intel bool) string {
	switch {
	case intel && score >= 0.30:
		return BucketIntel
	case score >= 0.75:
		return BucketStop
	case score >= 0.55 && pnlPct > 0:
		return BucketProfit
	case score >= 0.45:
		return BucketReplacement
	}
	return BucketHold
}

// Replace reports whether challenger should replace a position with the given
// exit score and current score.
func Replace(exitScore, current float64, ch *Challenger, cfg Config) bool {
	if ch == nil {
		return false
	}
	return exitScore >= cfg.ReplacementThreshold && ch.Score >= current+cfg.ReplacementMargin
}

func (e *Engine) levels(in Input, reversal bool) Levels {
	p := in.Position
	vol := in.Vol
	if vol <= 0 {
		vol = e.cfg.VolBaseline
	}
	conv := p.EntryLayers.Flow
	if in.Current != nil {
		conv = in.Current.Layers.Flow
	}
	extra := math.Max(0, conv-0.5)

	target := 0.025 + 0.04*vol + 0.01*extra
	stop := 0.015 + 0.03*vol + 0.01*extra

	mult := 1.0
	if reversal {
		mult *= 0.6
	}
	if adverseRegime(p.Direction(), in.Regime) {
		mult *= 0.8
	}
	if in.Snapshot != nil && in.Snapshot.Flags.SectorCollapse {
		mult *= 0.7
	}
	target = clamp(target*mult, 0.01, 0.10)
	stop = clamp(stop*mult, 0.0075, 0.06)

	l := Levels{TargetPct: target * 100, StopPct: stop * 100}
	if p.Direction() < 0 {
		l.Target = p.EntryPrice * (1 - target)
		l.Stop = p.EntryPrice * (1 + stop)
	} else {
		l.Target = p.EntryPrice * (1 + target)
		l.Stop = p.EntryPrice * (1 - stop)
	}
	return l
}

func (e *Engine) conditions(in Input, d Decision, price float64, reversal, hitTarget, hitStop bool) []string {
	p := in.Position
	dir := p.Direction()
	set := map[string]bool{}

	if e.cfg.MaxHold > 0 && p.Age(in.Now) >= e.cfg.MaxHold {
		set[CondTime] = true
	}
	if hw := p.HighWater; hw > 0 && dir*(hw-p.EntryPrice) > 0 && e.cfg.TrailingStopPct > 0 {
		if dir*(hw-price)/hw*100 >= e.cfg.TrailingStopPct {
			set[CondTrailingStop] = true
		}
	}
	if p.EntryScore != nil && in.Current != nil && *p.EntryScore-in.Current.Score >= e.cfg.DecayScoreDrop {
		set[CondSignalDecay] = true
	}
	if reversal {
		set[CondFlowReversal] = true
	}
	if hitTarget {
		set[CondProfitTarget] = true
	}
	if hitStop || (e.cfg.DrawdownPct > 0 && d.PnLPct <= -e.cfg.DrawdownPct) {
		set[CondDrawdown] = true
	}
	if p.PrevMark > 0 && dir*(price-p.PrevMark) < 0 && d.Bucket != BucketHold {
		set[CondMomentumReversal] = true
	}
	if adverseRegime(dir, in.Regime) && string(in.Regime) != p.EntryRegime {
		set[CondRegimeProtection] = true
	}
	if d.Replacement != nil {
		set[CondDisplacement] = true
	}
	if in.Snapshot == nil || (e.cfg.StaleSignal > 0 && !in.Snapshot.UpdatedAt.IsZero() && in.Now.Sub(in.Snapshot.UpdatedAt) > e.cfg.StaleSignal) {
		set[CondStaleness] = true
	}

	out := make([]string, 0, len(set))
	for _, c := range conditionOrder {
		if set[c] {
			out = append(out, c)
		}
	}
	return out
}

// CompositeReason joins conditions in canonical order. It never returns "".
func CompositeReason(conds []string) string {
	rank := make(map[string]int, len(conditionOrder))
	for i, c := range conditionOrder {
		rank[c] = i
	}
	ordered := make([]string, 0, len(conds))
	seen := map[string]bool{}
	for _, c := range conds {
		if _, ok := rank[c]; ok && !seen[c] {
			seen[c] = true
			ordered = append(ordered, c)
		}
	}
	if len(ordered) == 0 {
		return FallbackReason
	}
	sort.Slice(ordered, func(i, j int) bool { return rank[ordered[i]] < rank[ordered[j]] })
	return strings.Join(ordered, "+")
}

// BestChallenger picks the highest-scoring record not in held with a
// direction. Ties go to symbol order.
func BestChallenger(records []scoring.Record, held map[string]bool) *Challenger {
	var best *Challenger
	for _, r := range records {
		if held[r.Symbol] || r.Direction == 0 {
			continue
		}
		if best == nil || r.Score > best.Score || (r.Score == best.Score && r.Symbol < best.Symbol) {
			best = &Challenger{Symbol: r.Symbol, Score: r.Score}
		}
	}
	return best
}

func currentScore(p portfolio.Position, cur *scoring.Record) float64 {
	if cur != nil {
		return cur.Score
	}
	if p.EntryScore != nil {
		return *p.EntryScore
	}
	return 0
}

func flowReversed(p portfolio.Position, cur *scoring.Record) bool {
	return cur != nil && cur.Direction != 0 && float64(cur.Direction) != p.Direction()
}

func positionOpposes(dir float64, s signals.Sentiment) bool {
	return float64(s.Direction())*dir < 0
}

// adverseRegime is RISK_OFF for longs and RISK_ON for shorts.
func adverseRegime(dir float64, r signals.Regime) bool {
	return (dir > 0 && r == signals.RiskOff) || (dir < 0 && r == signals.RiskOn)
}

func crosses(dir, price float64, l Levels) (target, stop bool) {
	if price <= 0 {
		return false, false
	}
	if dir < 0 {
		return price <= l.Target, price >= l.Stop
	}
	return price >= l.Target, price <= l.Stop
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
