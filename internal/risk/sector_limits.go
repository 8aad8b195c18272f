package risk

import (
	"math"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
)

// SectorLimitsConfig bounds concentration per sector and across the book.
type SectorLimitsConfig struct {
	MaxSectorPositions   int     // 0 disables the count check
	MaxSectorExposurePct float64 // percent of equity, 0 disables
	MaxTotalExposurePct  float64 // percent of equity, 0 disables
}

// Holding is the minimum a sector check needs to know about a position.
type Holding struct {
	Symbol   string
	Sector   string
	Notional float64
}

// SectorExposureManager evaluates sector and portfolio exposure limits.
type SectorExposureManager struct {
	config SectorLimitsConfig
}

func NewSectorExposureManager(config SectorLimitsConfig) *SectorExposureManager {
	return &SectorExposureManager{config: config}
}

// GetSector normalizes an empty sector label.
func GetSector(sector string) string {
	if sector == "" {
		return "other"
	}
	return sector
}

// CheckSectorLimit reports the first violated limit for adding a position of
// proposedNotional in sector: "sector_concentration", "exposure_limit" or "".
func (sem *SectorExposureManager) CheckSectorLimit(sector string, proposedNotional, equity float64, holdings []Holding) string {
	sector = GetSector(sector)

	count := 0
	sectorExposure := 0.0
	total := 0.0
	for _, h := range holdings {
		n := math.Abs(h.Notional)
		total += n
		if GetSector(h.Sector) == sector {
			count++
			sectorExposure += n
		}
	}

	if sem.config.MaxSectorPositions > 0 && count+1 > sem.config.MaxSectorPositions {
		observ.IncCounter("sector_limit_blocks_total", map[string]string{"sector": sector})
		return "sector_concentration"
	}
	if equity <= 0 {
		return ""
	}

	newSectorPct := (sectorExposure + proposedNotional) / equity * 100
	observ.SetGauge("sector_exposure_pct", newSectorPct, map[string]string{"sector": sector})
	if sem.config.MaxSectorExposurePct > 0 && newSectorPct > sem.config.MaxSectorExposurePct {
		observ.IncCounter("sector_limit_blocks_total", map[string]string{"sector": sector})
		return "sector_concentration"
	}

	if sem.config.MaxTotalExposurePct > 0 && (total+proposedNotional)/equity*100 > sem.config.MaxTotalExposurePct {
		return "exposure_limit"
	}
	return ""
}

// SectorExposures returns percent-of-equity exposure per sector.
func (sem *SectorExposureManager) SectorExposures(holdings []Holding, equity float64) map[string]float64 {
	out := map[string]float64{}
	if equity <= 0 {
		return out
	}
	for _, h := range holdings {
		out[GetSector(h.Sector)] += math.Abs(h.Notional) / equity * 100
	}
	return out
}
