package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
)

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Paths locates every file the engine persists. Relative entries are
// resolved against StateDir.
type Paths struct {
	StateDir       string `yaml:"state_dir"`
	Book           string `yaml:"book"`
	Weights        string `yaml:"weights"`
	Degraded       string `yaml:"degraded"`
	ReconcileAudit string `yaml:"reconcile_audit"`
	Attribution    string `yaml:"attribution"`
	TunerAudit     string `yaml:"tuner_audit"`
	ReportDir      string `yaml:"report_dir"`
	Outbox         string `yaml:"outbox"`
	Cooldowns      string `yaml:"cooldowns"`
}

type Signals struct {
	Source    string `yaml:"source"` // file | redis
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
	RedisDB   int    `yaml:"redis_db"`
	MaxAgeSec int    `yaml:"max_age_sec"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type Scoring struct {
	CrossAssetWeight       float64 `yaml:"cross_asset_weight"`
	TideBoost              float64 `yaml:"tide_boost"`
	TideMinSymbols         int     `yaml:"tide_min_symbols"`
	TideWindowMin          int     `yaml:"tide_window_min"`
	OppositionPenalty      float64 `yaml:"opposition_penalty"`
	OppositionConviction   float64 `yaml:"opposition_conviction"`
	OppositionDarkStrength float64 `yaml:"opposition_dark_strength"`
}

type Gate struct {
	MaxPositions       int                `yaml:"max_positions"`
	BaseThreshold      float64            `yaml:"base_threshold"`
	RegimeAdjustments  map[string]float64 `yaml:"regime_adjustments"`
	MaxSectorPositions int                `yaml:"max_sector_positions"`
	MaxSectorPct       float64            `yaml:"max_sector_pct"`
	MaxExposurePct     float64            `yaml:"max_exposure_pct"`
	PositionUSD        float64            `yaml:"position_usd"`
	CooldownSec        int                `yaml:"cooldown_sec"`
	AllowAfterHours    bool               `yaml:"allow_after_hours"`
}

// Displacement booleans are pointers so an omitted key keeps the default
// (on) while an explicit false still disables.
type Displacement struct {
	Enabled                *bool   `yaml:"enabled"`
	MinHoldMin             int     `yaml:"min_hold_min"`
	MinDelta               float64 `yaml:"min_delta"`
	RequireThesisDominance *bool   `yaml:"require_thesis_dominance"`
	EliteFloor             float64 `yaml:"elite_floor"`
	LossFloorPct           float64 `yaml:"loss_floor_pct"`
}

func (d Displacement) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

func (d Displacement) ThesisRequired() bool {
	return d.RequireThesisDominance == nil || *d.RequireThesisDominance
}

type Exit struct {
	Threshold            float64 `yaml:"threshold"`
	ReplacementThreshold float64 `yaml:"replacement_threshold"`
	ReplacementMargin    float64 `yaml:"replacement_margin"`
	VolBaseline          float64 `yaml:"vol_baseline"`
	VolMethod            string  `yaml:"vol_method"` // ewma | stdev, for bar-derived volatility
	MaxHoldMin           int     `yaml:"max_hold_min"`
	TrailingStopPct      float64 `yaml:"trailing_stop_pct"`
	DecayScoreDrop       float64 `yaml:"decay_score_drop"`
	DrawdownPct          float64 `yaml:"drawdown_pct"`
	StaleSignalMin       int     `yaml:"stale_signal_min"`
}

type Reconcile struct {
	IntervalSec    int `yaml:"interval_sec"`
	MinIntervalSec int `yaml:"min_interval_sec"`
	MaxRetries     int `yaml:"max_retries"`
}

type Tuner struct {
	Enabled     bool    `yaml:"enabled"`
	IntervalMin int     `yaml:"interval_min"`
	WindowDays  int     `yaml:"window_days"`
	MinSamples  int     `yaml:"min_samples"`
	Step        float64 `yaml:"step"`
	FeatureMin  float64 `yaml:"feature_min"`
	Alpha       float64 `yaml:"alpha"`
	UpWilson    float64 `yaml:"up_wilson"`
	UpEWMA      float64 `yaml:"up_ewma"`
	DownWilson  float64 `yaml:"down_wilson"`
	DownEWMA    float64 `yaml:"down_ewma"`
}

type Broker struct {
	Kind             string  `yaml:"kind"` // paper | http
	BaseURL          string  `yaml:"base_url"`
	DataURL          string  `yaml:"data_url"`
	KeyEnv           string  `yaml:"key_env"`
	SecretEnv        string  `yaml:"secret_env"`
	TimeoutMs        int     `yaml:"timeout_ms"`
	MaxRetries       int     `yaml:"max_retries"`
	BackoffBaseMs    int     `yaml:"backoff_base_ms"`
	BackoffMaxMs     int     `yaml:"backoff_max_ms"`
	BackoffJitter    float64 `yaml:"backoff_jitter"` // fraction of the delay
	RatePerSec       float64 `yaml:"rate_per_sec"`
	Burst            int     `yaml:"burst"`
	BreakerFailures  int     `yaml:"breaker_failures"`
	BreakerOpenSec   int     `yaml:"breaker_open_sec"`
	PaperCash        float64 `yaml:"paper_cash"`
	PaperSlippageBps float64 `yaml:"paper_slippage_bps"`
}

type Scheduler struct {
	CycleIntervalSec int    `yaml:"cycle_interval_sec"`
	Regime           string `yaml:"regime"` // fallback when the snapshot carries none
}

type Root struct {
	TradingMode   string           `yaml:"trading_mode"` // paper | live | dry-run
	GlobalPause   bool             `yaml:"global_pause"`
	FrozenSymbols []string         `yaml:"frozen_symbols"`
	Log           observ.LogConfig `yaml:"log"`
	Metrics       Metrics          `yaml:"metrics"`
	Paths         Paths            `yaml:"paths"`
	Signals       Signals          `yaml:"signals"`
	Scoring       Scoring          `yaml:"scoring"`
	Gate          Gate             `yaml:"gate"`
	Displacement  Displacement     `yaml:"displacement"`
	Exit          Exit             `yaml:"exit"`
	Reconcile     Reconcile        `yaml:"reconcile"`
	Tuner         Tuner            `yaml:"tuner"`
	Broker        Broker           `yaml:"broker"`
	Scheduler     Scheduler        `yaml:"scheduler"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Default returns a Root with every default applied, for paper runs without
// a config file.
func Default() Root {
	var c Root
	c.ApplyDefaults()
	return c
}

func boolPtr(b bool) *bool { return &b }

// ApplyDefaults fills zero-valued fields.
func (c *Root) ApplyDefaults() {
	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}

	// Paths
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = "data"
	}
	setPath(&c.Paths.Book, c.Paths.StateDir, "book.json")
	setPath(&c.Paths.Weights, c.Paths.StateDir, "weights.json")
	setPath(&c.Paths.Degraded, c.Paths.StateDir, "degraded.json")
	setPath(&c.Paths.ReconcileAudit, c.Paths.StateDir, "reconcile_audit.jsonl")
	setPath(&c.Paths.Attribution, c.Paths.StateDir, "attribution.jsonl")
	setPath(&c.Paths.TunerAudit, c.Paths.StateDir, "tuner_audit.jsonl")
	setPath(&c.Paths.ReportDir, c.Paths.StateDir, "reports")
	setPath(&c.Paths.Outbox, c.Paths.StateDir, "outbox.jsonl")
	setPath(&c.Paths.Cooldowns, c.Paths.StateDir, "cooldowns.json")

	// Signals
	if c.Signals.Source == "" {
		c.Signals.Source = "file"
	}
	if c.Signals.Path == "" {
		c.Signals.Path = filepath.Join(c.Paths.StateDir, "snapshot.json")
	}
	if c.Signals.RedisAddr == "" {
		c.Signals.RedisAddr = "localhost:6379"
	}
	if c.Signals.RedisKey == "" {
		c.Signals.RedisKey = "flowdesk:snapshot"
	}
	if c.Signals.MaxAgeSec == 0 {
		c.Signals.MaxAgeSec = 300
	}
	if c.Signals.TimeoutMs == 0 {
		c.Signals.TimeoutMs = 2000
	}

	// Scoring
	if c.Scoring.CrossAssetWeight == 0 {
		c.Scoring.CrossAssetWeight = 0.25
	}
	if c.Scoring.TideBoost == 0 {
		c.Scoring.TideBoost = 0.3
	}
	if c.Scoring.TideMinSymbols == 0 {
		c.Scoring.TideMinSymbols = 3
	}
	if c.Scoring.TideWindowMin == 0 {
		c.Scoring.TideWindowMin = 30
	}
	if c.Scoring.OppositionPenalty == 0 {
		c.Scoring.OppositionPenalty = 0.75
	}
	if c.Scoring.OppositionConviction == 0 {
		c.Scoring.OppositionConviction = 0.7
	}
	if c.Scoring.OppositionDarkStrength == 0 {
		c.Scoring.OppositionDarkStrength = 0.75
	}

	// Gate
	if c.Gate.MaxPositions == 0 {
		c.Gate.MaxPositions = 5
	}
	if c.Gate.BaseThreshold == 0 {
		c.Gate.BaseThreshold = 3.0
	}
	if c.Gate.RegimeAdjustments == nil {
		c.Gate.RegimeAdjustments = map[string]float64{"RISK_OFF": 0.25, "MIXED": 0.1}
	}
	if c.Gate.MaxSectorPositions == 0 {
		c.Gate.MaxSectorPositions = 2
	}
	if c.Gate.MaxSectorPct == 0 {
		c.Gate.MaxSectorPct = 40
	}
	if c.Gate.MaxExposurePct == 0 {
		c.Gate.MaxExposurePct = 90
	}
	if c.Gate.PositionUSD == 0 {
		c.Gate.PositionUSD = 2000
	}
	if c.Gate.CooldownSec == 0 {
		c.Gate.CooldownSec = 1800
	}

	// Displacement
	if c.Displacement.Enabled == nil {
		c.Displacement.Enabled = boolPtr(true)
	}
	if c.Displacement.RequireThesisDominance == nil {
		c.Displacement.RequireThesisDominance = boolPtr(true)
	}
	if c.Displacement.MinHoldMin == 0 {
		c.Displacement.MinHoldMin = 30
	}
	if c.Displacement.MinDelta == 0 {
		c.Displacement.MinDelta = 0.75
	}
	if c.Displacement.EliteFloor == 0 {
		c.Displacement.EliteFloor = 2.0
	}
	if c.Displacement.LossFloorPct == 0 {
		c.Displacement.LossFloorPct = -3.0
	}

	// Exit
	if c.Exit.Threshold == 0 {
		c.Exit.Threshold = 0.55
	}
	if c.Exit.ReplacementThreshold == 0 {
		c.Exit.ReplacementThreshold = 0.45
	}
	if c.Exit.ReplacementMargin == 0 {
		c.Exit.ReplacementMargin = 0.75
	}
	if c.Exit.VolBaseline == 0 {
		c.Exit.VolBaseline = 0.30
	}
	if c.Exit.MaxHoldMin == 0 {
		c.Exit.MaxHoldMin = 390
	}
	if c.Exit.TrailingStopPct == 0 {
		c.Exit.TrailingStopPct = 2.0
	}
	if c.Exit.DecayScoreDrop == 0 {
		c.Exit.DecayScoreDrop = 1.0
	}
	if c.Exit.DrawdownPct == 0 {
		c.Exit.DrawdownPct = 3.0
	}
	if c.Exit.StaleSignalMin == 0 {
		c.Exit.StaleSignalMin = 30
	}

	// Reconcile
	if c.Reconcile.IntervalSec == 0 {
		c.Reconcile.IntervalSec = 300
	}
	if c.Reconcile.MinIntervalSec == 0 {
		c.Reconcile.MinIntervalSec = 60
	}
	if c.Reconcile.MaxRetries == 0 {
		c.Reconcile.MaxRetries = 5
	}

	// Tuner
	if c.Tuner.IntervalMin == 0 {
		c.Tuner.IntervalMin = 1440
	}
	if c.Tuner.WindowDays == 0 {
		c.Tuner.WindowDays = 7
	}
	if c.Tuner.MinSamples == 0 {
		c.Tuner.MinSamples = 20
	}
	if c.Tuner.Step == 0 {
		c.Tuner.Step = 0.05
	}
	if c.Tuner.FeatureMin == 0 {
		c.Tuner.FeatureMin = 0.6
	}
	if c.Tuner.Alpha == 0 {
		c.Tuner.Alpha = 0.2
	}
	if c.Tuner.UpWilson == 0 {
		c.Tuner.UpWilson = 0.55
	}
	if c.Tuner.UpEWMA == 0 {
		c.Tuner.UpEWMA = 0.60
	}
	if c.Tuner.DownWilson == 0 {
		c.Tuner.DownWilson = 0.35
	}
	if c.Tuner.DownEWMA == 0 {
		c.Tuner.DownEWMA = 0.40
	}

	// Broker
	if c.Broker.Kind == "" {
		c.Broker.Kind = "paper"
	}
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://paper-api.alpaca.markets"
	}
	if c.Broker.DataURL == "" {
		c.Broker.DataURL = "https://data.alpaca.markets"
	}
	if c.Broker.KeyEnv == "" {
		c.Broker.KeyEnv = "BROKER_API_KEY"
	}
	if c.Broker.SecretEnv == "" {
		c.Broker.SecretEnv = "BROKER_API_SECRET"
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 5000
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = 3
	}
	if c.Broker.BackoffBaseMs == 0 {
		c.Broker.BackoffBaseMs = 200
	}
	if c.Broker.BackoffMaxMs == 0 {
		c.Broker.BackoffMaxMs = 5000
	}
	if c.Broker.BackoffJitter == 0 {
		c.Broker.BackoffJitter = 0.2
	}
	if c.Broker.RatePerSec == 0 {
		c.Broker.RatePerSec = 3
	}
	if c.Broker.Burst == 0 {
		c.Broker.Burst = 5
	}
	if c.Broker.BreakerFailures == 0 {
		c.Broker.BreakerFailures = 5
	}
	if c.Broker.BreakerOpenSec == 0 {
		c.Broker.BreakerOpenSec = 30
	}
	if c.Broker.PaperCash == 0 {
		c.Broker.PaperCash = 100000
	}
	if c.Broker.PaperSlippageBps == 0 {
		c.Broker.PaperSlippageBps = 2
	}

	// Scheduler
	if c.Scheduler.CycleIntervalSec == 0 {
		c.Scheduler.CycleIntervalSec = 60
	}
	if c.Scheduler.Regime == "" {
		c.Scheduler.Regime = "MIXED"
	}
}

func setPath(field *string, dir, name string) {
	if *field == "" {
		*field = filepath.Join(dir, name)
		return
	}
	if !filepath.IsAbs(*field) {
		*field = filepath.Join(dir, *field)
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Root) Validate() error {
	var errs []error
	switch c.TradingMode {
	case "paper", "live", "dry-run":
	default:
		errs = append(errs, fmt.Errorf("trading_mode %q must be paper, live or dry-run", c.TradingMode))
	}
	switch c.Signals.Source {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("signals.source %q must be file or redis", c.Signals.Source))
	}
	switch c.Exit.VolMethod {
	case "", "ewma", "stdev":
	default:
		errs = append(errs, fmt.Errorf("exit.vol_method %q must be ewma or stdev", c.Exit.VolMethod))
	}
	switch c.Broker.Kind {
	case "paper", "http":
	default:
		errs = append(errs, fmt.Errorf("broker.kind %q must be paper or http", c.Broker.Kind))
	}
	if c.Gate.MaxPositions < 1 {
		errs = append(errs, errors.New("gate.max_positions must be at least 1"))
	}
	if c.Gate.BaseThreshold < 0 || c.Gate.BaseThreshold > 5 {
		errs = append(errs, fmt.Errorf("gate.base_threshold %.2f outside [0,5]", c.Gate.BaseThreshold))
	}
	if c.Reconcile.MaxRetries < 1 {
		errs = append(errs, errors.New("reconcile.max_retries must be at least 1"))
	}
	if c.Broker.BackoffJitter < 0 || c.Broker.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("broker.backoff_jitter %.2f outside [0,1]", c.Broker.BackoffJitter))
	}
	if c.Broker.BackoffBaseMs > c.Broker.BackoffMaxMs {
		errs = append(errs, errors.New("broker.backoff_base_ms exceeds backoff_max_ms"))
	}
	if c.Exit.ReplacementThreshold > c.Exit.Threshold {
		errs = append(errs, errors.New("exit.replacement_threshold exceeds exit.threshold"))
	}
	if c.Tuner.Alpha <= 0 || c.Tuner.Alpha > 1 {
		errs = append(errs, fmt.Errorf("tuner.alpha %.2f outside (0,1]", c.Tuner.Alpha))
	}
	for name, v := range map[string]int{
		"signals.max_age_sec":          c.Signals.MaxAgeSec,
		"signals.timeout_ms":           c.Signals.TimeoutMs,
		"gate.cooldown_sec":            c.Gate.CooldownSec,
		"displacement.min_hold_min":    c.Displacement.MinHoldMin,
		"reconcile.interval_sec":       c.Reconcile.IntervalSec,
		"reconcile.min_interval_sec":   c.Reconcile.MinIntervalSec,
		"tuner.interval_min":           c.Tuner.IntervalMin,
		"broker.timeout_ms":            c.Broker.TimeoutMs,
		"scheduler.cycle_interval_sec": c.Scheduler.CycleIntervalSec,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// Helpers converting integer config units to durations.

func (s Signals) MaxAge() time.Duration   { return time.Duration(s.MaxAgeSec) * time.Second }
func (s Signals) Timeout() time.Duration  { return time.Duration(s.TimeoutMs) * time.Millisecond }
func (g Gate) Cooldown() time.Duration    { return time.Duration(g.CooldownSec) * time.Second }
func (b Broker) Timeout() time.Duration   { return time.Duration(b.TimeoutMs) * time.Millisecond }
func (b Broker) BackoffBase() time.Duration {
	return time.Duration(b.BackoffBaseMs) * time.Millisecond
}
func (b Broker) BackoffMax() time.Duration {
	return time.Duration(b.BackoffMaxMs) * time.Millisecond
}
func (r Reconcile) Interval() time.Duration    { return time.Duration(r.IntervalSec) * time.Second }
func (r Reconcile) MinInterval() time.Duration { return time.Duration(r.MinIntervalSec) * time.Second }
func (s Scheduler) CycleInterval() time.Duration {
	return time.Duration(s.CycleIntervalSec) * time.Second
}
func (t Tuner) Interval() time.Duration { return time.Duration(t.IntervalMin) * time.Minute }
