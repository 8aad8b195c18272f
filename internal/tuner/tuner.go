package tuner

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/flowdesk/internal/attribution"
	"github.com/Rajchodisetti/flowdesk/internal/observ"
	"github.com/Rajchodisetti/flowdesk/internal/persist"
	"github.com/Rajchodisetti/flowdesk/internal/weights"
)

const (
	ActionNudgeUp   = "nudge_up"
	ActionNudgeDown = "nudge_down"
	ActionNoOp      = "no_op"
	ActionObserve   = "observe"

	KindLayer  = "layer"
	KindBucket = "bucket"
)

// Layers the tuner may move.
var Layers = []string{weights.Flow, weights.DarkPool, weights.Insider}

// Score buckets, in report order.
var Buckets = []string{"<3.0", "3.0-3.5", "3.5-4.0", ">=4.0"}

// BucketFor labels an entry score.
func BucketFor(score float64) string {
	switch {
	case score < 3.0:
		return Buckets[0]
	case score < 3.5:
		return Buckets[1]
	case score < 4.0:
		return Buckets[2]
	}
	return Buckets[3]
}

type Config struct {
	Window     time.Duration
	MinSamples int
	Step       float64
	FeatureMin float64
	Alpha      float64
	UpWilson   float64
	UpEWMA     float64
	DownWilson float64
	DownEWMA   float64
	AuditPath  string
	ReportDir  string
}

func DefaultConfig() Config {
	return Config{
		Window:     7 * 24 * time.Hour,
		MinSamples: 20,
		Step:       0.05,
		FeatureMin: 0.6,
		Alpha:      0.2,
		UpWilson:   0.55,
		UpEWMA:     0.60,
		DownWilson: 0.35,
		DownEWMA:   0.40,
	}
}

// Decision is one audited tuner verdict.
type Decision struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Action    string    `json:"action"`
	From      float64   `json:"from,omitempty"`
	To        float64   `json:"to,omitempty"`
	Stats     Stats     `json:"stats"`
	Rationale string    `json:"rationale"`
}

type BucketReport struct {
	Bucket string `json:"bucket"`
	Stats  Stats  `json:"stats"`
}

// Report is the daily summary written to the report directory.
type Report struct {
	Date          string             `json:"date"`
	GeneratedAt   time.Time          `json:"generated_at"`
	WindowDays    float64            `json:"window_days"`
	Records       int                `json:"records"`
	Overall       Stats              `json:"overall"`
	Layers        map[string]Stats   `json:"layers"`
	Buckets       []BucketReport     `json:"buckets"`
	Decisions     []Decision         `json:"decisions"`
	VersionBefore int64              `json:"version_before"`
	VersionAfter  int64              `json:"version_after"`
	Before        map[string]float64 `json:"weights_before"`
	After         map[string]float64 `json:"weights_after"`
}

// Tuner turns the attribution window into weight nudges.
type Tuner struct {
	cfg   Config
	store *weights.Store
	log   *attribution.Log
	audit *persist.Journal
	now   func() time.Time
}

func New(cfg Config, store *weights.Store, log *attribution.Log) (*Tuner, error) {
	t := &Tuner{cfg: cfg, store: store, log: log, now: time.Now}
	if cfg.AuditPath != "" {
		j, err := persist.NewJournal(cfg.AuditPath)
		if err != nil {
			return nil, err
		}
		t.audit = j
	}
	return t, nil
}

// Run evaluates the window once, swaps in the nudged set when anything
// moved, and writes the audit trail and daily report.
func (t *Tuner) Run(ctx context.Context) (Report, error) {
	now := t.now().UTC()
	records, err := t.log.Window(now.Add(-t.cfg.Window))
	if err != nil {
		return Report{}, fmt.Errorf("read attribution window: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	before := t.store.Current()
	rep := Report{
		Date:          now.Format("2006-01-02"),
		GeneratedAt:   now,
		WindowDays:    t.cfg.Window.Hours() / 24,
		Records:       len(records),
		Overall:       Compute(records, t.cfg.Alpha),
		Layers:        map[string]Stats{},
		VersionBefore: before.Version,
		Before:        copyValues(before.Values),
	}

	next := before
	for _, layer := range Layers {
		st := Compute(t.withFeature(records, layer), t.cfg.Alpha)
		rep.Layers[layer] = st

		d := t.decide(layer, st, now)
		d.From = next.Get(layer)
		d.To = d.From
		if delta := deltaFor(d.Action, t.cfg.Step); delta != 0 {
			moved, err := next.With(layer, delta, now)
			if err != nil {
				return rep, err
			}
			d.To = moved.Get(layer)
			if d.To == d.From {
				d.Rationale += "; held at cap"
			} else {
				next = moved
			}
			observ.IncCounter("tuner_nudges_total", map[string]string{"layer": layer, "direction": d.Action})
		}
		rep.Decisions = append(rep.Decisions, d)
	}

	byBucket := map[string][]attribution.Record{}
	for _, r := range records {
		if r.EntryScore == nil {
			continue
		}
		b := BucketFor(*r.EntryScore)
		byBucket[b] = append(byBucket[b], r)
	}
	for _, b := range Buckets {
		st := Compute(byBucket[b], t.cfg.Alpha)
		rep.Buckets = append(rep.Buckets, BucketReport{Bucket: b, Stats: st})
		rep.Decisions = append(rep.Decisions, Decision{
			ID: uuid.NewString(), At: now, Kind: KindBucket, Name: b, Action: ActionObserve, Stats: st,
			Rationale: fmt.Sprintf("n=%d win_rate=%.2f wilson_lb=%.2f ewma=%.2f", st.N, st.WinRate, st.WilsonLB, st.EWMAWin),
		})
	}

	if next.Version != before.Version {
		if err := t.store.Swap(next); err != nil {
			return rep, fmt.Errorf("swap weights: %w", err)
		}
		observ.Log("weights_swapped", map[string]any{"from_version": before.Version, "to_version": next.Version})
	}
	after := t.store.Current()
	rep.VersionAfter = after.Version
	rep.After = copyValues(after.Values)

	for _, d := range rep.Decisions {
		if t.audit == nil {
			break
		}
		if err := t.audit.Append(d); err != nil {
			return rep, fmt.Errorf("append tuner audit: %w", err)
		}
	}
	if t.cfg.ReportDir != "" {
		path := filepath.Join(t.cfg.ReportDir, "tuner-"+rep.Date+".json")
		if err := persist.WriteJSON(path, rep); err != nil {
			return rep, fmt.Errorf("write tuner report: %w", err)
		}
	}
	observ.Log("tuner_run", map[string]any{"records": len(records), "version": rep.VersionAfter})
	return rep, nil
}

func (t *Tuner) decide(layer string, st Stats, at time.Time) Decision {
	d := Decision{ID: uuid.NewString(), At: at, Kind: KindLayer, Name: layer, Action: ActionNoOp, Stats: st}
	switch {
	case st.N <= t.cfg.MinSamples:
		d.Rationale = fmt.Sprintf("insufficient samples: n=%d <= %d", st.N, t.cfg.MinSamples)
	case st.WilsonLB >= t.cfg.UpWilson && st.EWMAWin >= t.cfg.UpEWMA:
		d.Action = ActionNudgeUp
		d.Rationale = fmt.Sprintf("wilson_lb %.3f >= %.2f and ewma %.3f >= %.2f", st.WilsonLB, t.cfg.UpWilson, st.EWMAWin, t.cfg.UpEWMA)
	case st.WilsonLB <= t.cfg.DownWilson && st.EWMAWin <= t.cfg.DownEWMA:
		d.Action = ActionNudgeDown
		d.Rationale = fmt.Sprintf("wilson_lb %.3f <= %.2f and ewma %.3f <= %.2f", st.WilsonLB, t.cfg.DownWilson, st.EWMAWin, t.cfg.DownEWMA)
	default:
		d.Rationale = fmt.Sprintf("signals disagree or inside band: wilson_lb %.3f ewma %.3f", st.WilsonLB, st.EWMAWin)
	}
	if d.Action != ActionNoOp {
		observ.Log("tuner_nudge", map[string]any{"layer": layer, "action": d.Action, "n": st.N, "wilson_lb": st.WilsonLB, "ewma": st.EWMAWin})
	}
	return d
}

// withFeature keeps trades whose entry feature for layer was strong.
func (t *Tuner) withFeature(records []attribution.Record, layer string) []attribution.Record {
	var out []attribution.Record
	for _, r := range records {
		if v, ok := r.EntryFeatures[layer]; ok && v >= t.cfg.FeatureMin {
			out = append(out, r)
		}
	}
	return out
}

func deltaFor(action string, step float64) float64 {
	switch action {
	case ActionNudgeUp:
		return step
	case ActionNudgeDown:
		return -step
	}
	return 0
}

func copyValues(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
