package risk

import (
	"math"
	"sync"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
)

// VolatilityCalculator keeps recent bars per symbol and derives realized
// volatility when the signal snapshot does not carry one.
type VolatilityCalculator struct {
	mu           sync.RWMutex
	priceHistory map[string][]PricePoint
	config       VolatilityConfig
}

// PricePoint represents a price observation
type PricePoint struct {
	Timestamp time.Time
	High      float64
	Low       float64
	Close     float64
}

// Volatility estimators.
const (
	VolMethodEWMA  = "ewma"
	VolMethodStdev = "stdev"
)

type VolatilityConfig struct {
	LookbackBars   int     // bars kept per symbol
	EwmaLambda     float64 // RiskMetrics decay, 0.94 typical
	PeriodsPerYear float64 // annualization factor for one bar
	Method         string  // ewma (default) or stdev
}

func NewVolatilityCalculator(config VolatilityConfig) *VolatilityCalculator {
	if config.LookbackBars == 0 {
		config.LookbackBars = 21
	}
	if config.EwmaLambda == 0 {
		config.EwmaLambda = 0.94
	}
	if config.PeriodsPerYear == 0 {
		config.PeriodsPerYear = 252
	}
	if config.Method == "" {
		config.Method = VolMethodEWMA
	}
	return &VolatilityCalculator{
		priceHistory: make(map[string][]PricePoint),
		config:       config,
	}
}

// UpdatePricePoint appends a bar for symbol, keeping LookbackBars+1 closes.
func (vc *VolatilityCalculator) UpdatePricePoint(symbol string, high, low, close float64, timestamp time.Time) {
	if close <= 0 {
		return
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()

	hist := append(vc.priceHistory[symbol], PricePoint{Timestamp: timestamp, High: high, Low: low, Close: close})
	if max := vc.config.LookbackBars + 1; len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	vc.priceHistory[symbol] = hist
}

// RealizedVol returns the annualized volatility for symbol using the
// configured estimator. ok is false until at least three closes are known.
func (vc *VolatilityCalculator) RealizedVol(symbol string) (vol float64, ok bool) {
	vc.mu.RLock()
	hist := vc.priceHistory[symbol]
	closes := make([]float64, len(hist))
	for i, p := range hist {
		closes[i] = p.Close
	}
	vc.mu.RUnlock()

	if len(closes) < 3 {
		return 0, false
	}
	if vc.config.Method == VolMethodStdev {
		vol = RealizedVol(closes, vc.config.PeriodsPerYear)
	} else {
		vol = EWMAVol(closes, vc.config.EwmaLambda, vc.config.PeriodsPerYear)
	}
	observ.SetGauge("realized_volatility", vol, map[string]string{"symbol": symbol})
	return vol, true
}

func logReturns(closes []float64) []float64 {
	out := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		out = append(out, math.Log(closes[i]/closes[i-1]))
	}
	return out
}

// RealizedVol is the annualized sample standard deviation of log returns,
// weighting every bar in the window equally.
func RealizedVol(closes []float64, periodsPerYear float64) float64 {
	rets := logReturns(closes)
	if len(rets) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	ss := 0.0
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss/float64(len(rets)-1)) * math.Sqrt(periodsPerYear)
}

// EWMAVol is the annualized RiskMetrics volatility of log returns, seeded
// with the first squared return.
func EWMAVol(closes []float64, lambda, periodsPerYear float64) float64 {
	rets := logReturns(closes)
	if len(rets) == 0 {
		return 0
	}
	variance := rets[0] * rets[0]
	for _, r := range rets[1:] {
		variance = lambda*variance + (1-lambda)*r*r
	}
	return math.Sqrt(variance) * math.Sqrt(periodsPerYear)
}
