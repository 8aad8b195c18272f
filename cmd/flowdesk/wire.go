package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/attribution"
	"github.com/Rajchodisetti/flowdesk/internal/broker"
	"github.com/Rajchodisetti/flowdesk/internal/config"
	"github.com/Rajchodisetti/flowdesk/internal/decision"
	"github.com/Rajchodisetti/flowdesk/internal/displacement"
	"github.com/Rajchodisetti/flowdesk/internal/exit"
	"github.com/Rajchodisetti/flowdesk/internal/market"
	"github.com/Rajchodisetti/flowdesk/internal/observ"
	"github.com/Rajchodisetti/flowdesk/internal/outbox"
	"github.com/Rajchodisetti/flowdesk/internal/portfolio"
	"github.com/Rajchodisetti/flowdesk/internal/reconcile"
	"github.com/Rajchodisetti/flowdesk/internal/risk"
	"github.com/Rajchodisetti/flowdesk/internal/scheduler"
	"github.com/Rajchodisetti/flowdesk/internal/scoring"
	"github.com/Rajchodisetti/flowdesk/internal/signals"
	"github.com/Rajchodisetti/flowdesk/internal/tuner"
	"github.com/Rajchodisetti/flowdesk/internal/weights"
)

// engine is every component built from one config.
type engine struct {
	cfg        config.Root
	broker     broker.Broker
	http       *broker.HTTPBroker // nil for paper
	source     signals.Source
	book       *portfolio.Book
	weights    *weights.Store
	attr       *attribution.Log
	reconciler *reconcile.Engine
	tuner      *tuner.Tuner
	scheduler  *scheduler.Scheduler
	closers    []func() error
}

func loadConfig(path string) (config.Root, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// build wires cfg into a ready engine. Persisted state is loaded before it
// returns.
func build(ctx context.Context, cfg config.Root) (*engine, error) {
	if err := observ.SetupLogger(cfg.Log); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	e := &engine{cfg: cfg}

	brk, err := e.buildBroker()
	if err != nil {
		return nil, err
	}
	e.broker = brk

	src, err := e.buildSource(ctx)
	if err != nil {
		return nil, err
	}
	e.source = src

	e.book = portfolio.NewBook(cfg.Paths.Book)
	if err := e.book.Load(); err != nil {
		return nil, fmt.Errorf("load book: %w", err)
	}
	e.weights = weights.NewStore(cfg.Paths.Weights)
	if err := e.weights.Load(); err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	e.attr, err = attribution.Open(cfg.Paths.Attribution)
	if err != nil {
		return nil, err
	}
	ob, err := outbox.New(cfg.Paths.Outbox, time.Hour)
	if err != nil {
		return nil, err
	}

	cooldowns := risk.NewCooldownManager(risk.CooldownConfig{
		Enforce:            true,
		DefaultCooldownSec: cfg.Gate.CooldownSec,
		PersistPath:        cfg.Paths.Cooldowns,
	})
	if err := cooldowns.Load(); err != nil {
		return nil, fmt.Errorf("load cooldowns: %w", err)
	}
	sectors := risk.NewSectorExposureManager(risk.SectorLimitsConfig{
		MaxSectorPositions:   cfg.Gate.MaxSectorPositions,
		MaxSectorExposurePct: cfg.Gate.MaxSectorPct,
		MaxTotalExposurePct:  cfg.Gate.MaxExposurePct,
	})

	retry := broker.RetryPolicy{
		MaxAttempts: cfg.Broker.MaxRetries,
		BaseDelay:   cfg.Broker.BackoffBase(),
		MaxDelay:    cfg.Broker.BackoffMax(),
		Jitter:      cfg.Broker.BackoffJitter,
	}
	reconRetry := retry
	reconRetry.MaxAttempts = cfg.Reconcile.MaxRetries
	sectorIndex := signals.NewSectors()
	e.reconciler, err = reconcile.NewEngine(reconcile.Config{
		Retry:        reconRetry,
		MinInterval:  cfg.Reconcile.MinInterval(),
		DegradedPath: cfg.Paths.Degraded,
		AuditPath:    cfg.Paths.ReconcileAudit,
		SectorOf:     sectorIndex.Of,
	}, e.broker, e.book)
	if err != nil {
		return nil, err
	}

	e.tuner, err = tuner.New(tunerConfig(cfg), e.weights, e.attr)
	if err != nil {
		return nil, err
	}

	var hours market.Hours = market.NewClock(cfg.Gate.AllowAfterHours, nil)
	if cfg.TradingMode == "dry-run" {
		hours = market.AlwaysOpen{}
	}
	gate := decision.NewGate(gateConfig(cfg), hours, cooldowns, sectors, displacementPolicy(cfg))

	e.scheduler = scheduler.New(scheduler.Config{
		CycleInterval:     cfg.Scheduler.CycleInterval(),
		ReconcileInterval: cfg.Reconcile.Interval(),
		TunerInterval:     cfg.Tuner.Interval(),
		TunerEnabled:      cfg.Tuner.Enabled,
		SignalTimeout:     cfg.Signals.Timeout(),
		MaxSignalAge:      cfg.Signals.MaxAge(),
		DefaultRegime:     signals.Regime(cfg.Scheduler.Regime),
		PositionUSD:       cfg.Gate.PositionUSD,
		Retry:             retry,
	}, scheduler.Deps{
		Source:      e.source,
		Scorer:      scoringConfig(cfg),
		Tide:        scoring.NewTide(time.Duration(cfg.Scoring.TideWindowMin)*time.Minute, cfg.Scoring.TideMinSymbols),
		Weights:     e.weights,
		Book:        e.book,
		Gate:        gate,
		Broker:      e.broker,
		Outbox:      ob,
		Exits:       exit.NewEngine(exitConfig(cfg)),
		Attribution: e.attr,
		Cooldowns:   cooldowns,
		Vol:         risk.NewVolatilityCalculator(risk.VolatilityConfig{Method: cfg.Exit.VolMethod}),
		Exposure:    sectors,
		SectorIndex: sectorIndex,
		Reconciler:  e.reconciler,
		Tuner:       e.tuner,
	})

	observ.Log("engine_built", map[string]any{
		"trading_mode": cfg.TradingMode, "broker": cfg.Broker.Kind, "signals": cfg.Signals.Source,
		"positions": e.book.Count(), "weights_version": e.weights.Current().Version,
	})
	return e, nil
}

func (e *engine) buildBroker() (broker.Broker, error) {
	cfg := e.cfg
	if cfg.Broker.Kind == "paper" && cfg.TradingMode == "live" {
		return nil, fmt.Errorf("trading_mode live requires broker.kind http")
	}
	if cfg.Broker.Kind == "paper" || cfg.TradingMode == "dry-run" {
		return broker.NewPaperBroker(cfg.Broker.PaperCash, cfg.Broker.PaperSlippageBps), nil
	}
	key, secret := os.Getenv(cfg.Broker.KeyEnv), os.Getenv(cfg.Broker.SecretEnv)
	if key == "" || secret == "" {
		return nil, fmt.Errorf("broker credentials missing: set %s and %s", cfg.Broker.KeyEnv, cfg.Broker.SecretEnv)
	}
	// Callers own the retry budget, so the adapter makes one attempt.
	hb, err := broker.NewHTTPBroker(broker.HTTPConfig{
		BaseURL:         cfg.Broker.BaseURL,
		DataURL:         cfg.Broker.DataURL,
		KeyID:           key,
		Secret:          secret,
		Timeout:         cfg.Broker.Timeout(),
		Retry:           broker.RetryPolicy{MaxAttempts: 1},
		RatePerSec:      cfg.Broker.RatePerSec,
		Burst:           cfg.Broker.Burst,
		BreakerFailures: uint32(cfg.Broker.BreakerFailures),
		BreakerOpen:     time.Duration(cfg.Broker.BreakerOpenSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	e.http = hb
	return hb, nil
}

func (e *engine) buildSource(ctx context.Context) (signals.Source, error) {
	s := e.cfg.Signals
	if s.Source == "redis" {
		rs, err := signals.NewRedisSource(ctx, s.RedisAddr, s.RedisDB, s.RedisKey)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, rs.Close)
		return rs, nil
	}
	return signals.FileSource{Path: s.Path}, nil
}

func (e *engine) Close() {
	for _, c := range e.closers {
		if err := c(); err != nil {
			observ.Error("close_failed", err, nil)
		}
	}
}

func scoringConfig(cfg config.Root) scoring.Config {
	return scoring.Config{
		CrossAssetWeight:       cfg.Scoring.CrossAssetWeight,
		TideBoost:              cfg.Scoring.TideBoost,
		OppositionPenalty:      cfg.Scoring.OppositionPenalty,
		OppositionConviction:   cfg.Scoring.OppositionConviction,
		OppositionDarkStrength: cfg.Scoring.OppositionDarkStrength,
	}
}

func gateConfig(cfg config.Root) decision.Config {
	adj := make(map[signals.Regime]float64, len(cfg.Gate.RegimeAdjustments))
	for k, v := range cfg.Gate.RegimeAdjustments {
		adj[signals.Regime(k)] = v
	}
	return decision.Config{
		GlobalPause:       cfg.GlobalPause,
		FrozenSymbols:     cfg.FrozenSymbols,
		MaxPositions:      cfg.Gate.MaxPositions,
		BaseThreshold:     cfg.Gate.BaseThreshold,
		RegimeAdjustments: adj,
		PositionUSD:       cfg.Gate.PositionUSD,
	}
}

func displacementPolicy(cfg config.Root) displacement.Policy {
	d := cfg.Displacement
	return displacement.Policy{
		Enabled:                d.IsEnabled(),
		MinHold:                time.Duration(d.MinHoldMin) * time.Minute,
		MinDelta:               d.MinDelta,
		RequireThesisDominance: d.ThesisRequired(),
		EliteFloor:             d.EliteFloor,
		LossFloorPct:           d.LossFloorPct,
	}
}

func exitConfig(cfg config.Root) exit.Config {
	x := cfg.Exit
	return exit.Config{
		Threshold:            x.Threshold,
		ReplacementThreshold: x.ReplacementThreshold,
		ReplacementMargin:    x.ReplacementMargin,
		VolBaseline:          x.VolBaseline,
		MaxHold:              time.Duration(x.MaxHoldMin) * time.Minute,
		TrailingStopPct:      x.TrailingStopPct,
		DecayScoreDrop:       x.DecayScoreDrop,
		DrawdownPct:          x.DrawdownPct,
		StaleSignal:          time.Duration(x.StaleSignalMin) * time.Minute,
	}
}

func tunerConfig(cfg config.Root) tuner.Config {
	t := cfg.Tuner
	return tuner.Config{
		Window:     time.Duration(t.WindowDays) * 24 * time.Hour,
		MinSamples: t.MinSamples,
		Step:       t.Step,
		FeatureMin: t.FeatureMin,
		Alpha:      t.Alpha,
		UpWilson:   t.UpWilson,
		UpEWMA:     t.UpEWMA,
		DownWilson: t.DownWilson,
		DownEWMA:   t.DownEWMA,
		AuditPath:  cfg.Paths.TunerAudit,
		ReportDir:  cfg.Paths.ReportDir,
	}
}
