package signals

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrStale is returned when the whole blob is older than the max age.
	ErrStale = errors.New("signal snapshot is stale")
	// ErrMalformed marks a blob or symbol payload that failed to parse.
	ErrMalformed = errors.New("malformed signal snapshot")
	// ErrNoSnapshot means the source has not published a blob yet.
	ErrNoSnapshot = errors.New("no signal snapshot published")
)

type Sentiment string

const (
	Bullish Sentiment = "BULLISH"
	Bearish Sentiment = "BEARISH"
	Neutral Sentiment = "NEUTRAL"
)

func (s Sentiment) Valid() bool {
	return s == Bullish || s == Bearish || s == Neutral
}

// Direction is +1 for bullish, -1 for bearish and 0 otherwise.
func (s Sentiment) Direction() int {
	switch s {
	case Bullish:
		return 1
	case Bearish:
		return -1
	}
	return 0
}

// Opposes reports whether s and o point in opposite directions.
func (s Sentiment) Opposes(o Sentiment) bool {
	return s.Direction()*o.Direction() < 0
}

type Regime string

const (
	RiskOn  Regime = "RISK_ON"
	RiskOff Regime = "RISK_OFF"
	Mixed   Regime = "MIXED"
)

func (r Regime) Valid() bool {
	return r == RiskOn || r == RiskOff || r == Mixed
}

type DarkPool struct {
	Sentiment    Sentiment `json:"sentiment"`
	TotalPremium float64   `json:"total_premium"`
	PrintCount   int       `json:"print_count"`
}

type Insider struct {
	Sentiment          Sentiment `json:"sentiment"`
	NetBuys            int       `json:"net_buys"`
	NetSells           int       `json:"net_sells"`
	ConvictionModifier float64   `json:"conviction_modifier"`
}

// Flags are best-effort intel markers set by ingestion.
type Flags struct {
	ThesisInvalidated bool `json:"thesis_invalidated"`
	EarningsRisk      bool `json:"earnings_risk"`
	OvernightRisk     bool `json:"overnight_risk"`
	SectorCollapse    bool `json:"sector_collapse"`
}

// Any reports whether a thesis, earnings or overnight flag is set.
func (f Flags) Any() bool {
	return f.ThesisInvalidated || f.EarningsRisk || f.OvernightRisk
}

// Snapshot is one symbol's enriched signal state. Nil pointer fields are
// layers the ingestion process could not provide.
type Snapshot struct {
	Symbol         string    `json:"symbol"`
	Sentiment      Sentiment `json:"sentiment"`
	FlowConviction *float64  `json:"flow_conviction,omitempty"`
	DarkPool       *DarkPool `json:"dark_pool,omitempty"`
	Insider        *Insider  `json:"insider,omitempty"`
	CrossAsset     *float64  `json:"cross_asset,omitempty"`
	Sector         string    `json:"sector"`
	Price          float64   `json:"price,omitempty"`
	RealizedVol    *float64  `json:"realized_vol,omitempty"`
	Flags          Flags     `json:"flags"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Blob is the versioned, timestamped document the ingestion process
// publishes. Symbols stay raw so one bad entry cannot fail the whole blob.
type Blob struct {
	Version     int                        `json:"version"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Regime      Regime                     `json:"regime"`
	Symbols     map[string]json.RawMessage `json:"symbols"`
}

// Set is the decoded, validated view of a Blob.
type Set struct {
	Version     int
	GeneratedAt time.Time
	Regime      Regime
	Symbols     map[string]Snapshot
}

// Sorted returns the snapshot symbols in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s.Symbols))
	for sym := range s.Symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Skipped records a symbol dropped from the cycle.
type Skipped struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"` // malformed | stale
	Detail string `json:"detail,omitempty"`
}

// ParseBlob decodes the top-level blob document.
func ParseBlob(data []byte) (*Blob, error) {
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if b.GeneratedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing generated_at", ErrMalformed)
	}
	return &b, nil
}

// Decode validates blob and every symbol payload. Blobs older than maxAge
// are rejected outright; individual symbols that fail to parse, carry out of
// range values or are themselves older than maxAge are skipped.
func Decode(blob *Blob, now time.Time, maxAge time.Duration) (Set, []Skipped, error) {
	if blob == nil {
		return Set{}, nil, ErrNoSnapshot
	}
	if maxAge > 0 && now.Sub(blob.GeneratedAt) > maxAge {
		return Set{}, nil, fmt.Errorf("%w: generated %s ago (max %s)", ErrStale, now.Sub(blob.GeneratedAt).Round(time.Second), maxAge)
	}

	set := Set{
		Version:     blob.Version,
		GeneratedAt: blob.GeneratedAt,
		Regime:      blob.Regime,
		Symbols:     make(map[string]Snapshot, len(blob.Symbols)),
	}
	if !set.Regime.Valid() {
		set.Regime = ""
	}

	var skipped []Skipped
	symbols := make([]string, 0, len(blob.Symbols))
	for sym := range blob.Symbols {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		snap, err := decodeSymbol(sym, blob.Symbols[sym])
		if err != nil {
			skipped = append(skipped, Skipped{Symbol: sym, Reason: "malformed", Detail: err.Error()})
			continue
		}
		if snap.UpdatedAt.IsZero() {
			snap.UpdatedAt = blob.GeneratedAt
		}
		if maxAge > 0 && now.Sub(snap.UpdatedAt) > maxAge {
			skipped = append(skipped, Skipped{Symbol: sym, Reason: "stale", Detail: snap.UpdatedAt.Format(time.RFC3339)})
			continue
		}
		set.Symbols[sym] = snap
	}
	return set, skipped, nil
}

func decodeSymbol(sym string, raw json.RawMessage) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, err
	}
	s.Symbol = sym

	if s.Sentiment == "" {
		s.Sentiment = Neutral
	}
	if !s.Sentiment.Valid() {
		return s, fmt.Errorf("unknown sentiment %q", s.Sentiment)
	}
	if s.FlowConviction != nil && (*s.FlowConviction < 0 || *s.FlowConviction > 1) {
		return s, fmt.Errorf("flow_conviction %.3f outside [0,1]", *s.FlowConviction)
	}
	if s.CrossAsset != nil && (*s.CrossAsset < -1 || *s.CrossAsset > 1) {
		return s, fmt.Errorf("cross_asset %.3f outside [-1,1]", *s.CrossAsset)
	}
	if s.RealizedVol != nil && *s.RealizedVol < 0 {
		return s, fmt.Errorf("realized_vol %.3f negative", *s.RealizedVol)
	}
	if s.Price < 0 {
		return s, fmt.Errorf("price %.3f negative", s.Price)
	}
	if dp := s.DarkPool; dp != nil {
		if dp.Sentiment == "" {
			dp.Sentiment = Neutral
		}
		if !dp.Sentiment.Valid() {
			return s, fmt.Errorf("unknown dark_pool sentiment %q", dp.Sentiment)
		}
		if dp.TotalPremium < 0 || dp.PrintCount < 0 {
			return s, fmt.Errorf("dark_pool totals negative")
		}
	}
	if in := s.Insider; in != nil {
		if in.Sentiment == "" {
			in.Sentiment = Neutral
		}
		if !in.Sentiment.Valid() {
			return s, fmt.Errorf("unknown insider sentiment %q", in.Sentiment)
		}
		if in.ConvictionModifier < 0 || in.ConvictionModifier > 1 {
			return s, fmt.Errorf("insider conviction_modifier %.3f outside [0,1]", in.ConvictionModifier)
		}
	}
	return s, nil
}
