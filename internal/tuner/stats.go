package tuner

import (
	"math"

	"github.com/Rajchodisetti/flowdesk/internal/attribution"
)

// WilsonZ is the 95% normal quantile.
const WilsonZ = 1.96

// Stats summarize a set of closed trades.
type Stats struct {
	N        int     `json:"n"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	EWMAWin  float64 `json:"ewma_win"`
	EWMAPnL  float64 `json:"ewma_pnl_pct"`
	WilsonLB float64 `json:"wilson_lb"`
	MeanPnL  float64 `json:"mean_pnl_pct"`
}

// Compute folds records, oldest first, into Stats.
func Compute(records []attribution.Record, alpha float64) Stats {
	var s Stats
	sum := 0.0
	for i, r := range records {
		win := 0.0
		if r.Win() {
			win = 1
			s.Wins++
		} else {
			s.Losses++
		}
		if i == 0 {
			s.EWMAWin, s.EWMAPnL = win, r.PnLPct
		} else {
			s.EWMAWin = EWMA(s.EWMAWin, win, alpha)
			s.EWMAPnL = EWMA(s.EWMAPnL, r.PnLPct, alpha)
		}
		sum += r.PnLPct
	}
	s.N = len(records)
	if s.N > 0 {
		s.WinRate = float64(s.Wins) / float64(s.N)
		s.MeanPnL = sum / float64(s.N)
	}
	s.WilsonLB = Wilson(s.Wins, s.N, WilsonZ)
	return s
}

// EWMA folds x into prev with smoothing alpha.
func EWMA(prev, x, alpha float64) float64 {
	return alpha*x + (1-alpha)*prev
}

// Wilson is the lower bound of the Wilson score interval for wins out of n.
func Wilson(wins, n int, z float64) float64 {
	if n <= 0 {
		return 0
	}
	nf := float64(n)
	p := float64(wins) / nf
	z2 := z * z
	centre := p + z2/(2*nf)
	margin := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))
	return math.Max(0, (centre-margin)/(1+z2/nf))
}
