package market

import (
	"time"
	_ "time/tzdata" // America/New_York without a system zoneinfo
)

// Session represents different market session states
type Session string

const (
	SessionPremarket  Session = "PRE"
	SessionRegular    Session = "RTH"
	SessionPostmarket Session = "POST"
	SessionClosed     Session = "CLOSED"
	SessionUnknown    Session = "UNKNOWN"
)

// Minutes from midnight Eastern.
const (
	premarketStart = 4 * 60
	marketOpen     = 9*60 + 30
	marketClose    = 16 * 60
	postmarketEnd  = 20 * 60
)

// Hours decides whether entries may be opened at a given instant.
type Hours interface {
	IsOpen(t time.Time) bool
}

// Clock is the US equities session clock. Holidays listed as YYYY-MM-DD are
// treated as closed all day.
type Clock struct {
	AllowExtended bool
	Holidays      map[string]bool
	loc           *time.Location
}

func NewClock(allowExtended bool, holidays []string) *Clock {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
	}
	h := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		h[d] = true
	}
	return &Clock{AllowExtended: allowExtended, Holidays: h, loc: loc}
}

// SessionAt returns the session in effect at t.
func (c *Clock) SessionAt(t time.Time) Session {
	et := t.In(c.loc)

	weekday := et.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		return SessionClosed
	}
	if c.Holidays[et.Format("2006-01-02")] {
		return SessionClosed
	}

	minutes := et.Hour()*60 + et.Minute()
	switch {
	case minutes >= premarketStart && minutes < marketOpen:
		return SessionPremarket
	case minutes >= marketOpen && minutes < marketClose:
		return SessionRegular
	case minutes >= marketClose && minutes < postmarketEnd:
		return SessionPostmarket
	default:
		return SessionClosed
	}
}

// IsOpen reports whether new entries are allowed at t.
func (c *Clock) IsOpen(t time.Time) bool {
	switch c.SessionAt(t) {
	case SessionRegular:
		return true
	case SessionPremarket, SessionPostmarket:
		return c.AllowExtended
	}
	return false
}

// AlwaysOpen is an Hours that never blocks; used by dry runs and tests.
type AlwaysOpen struct{}

func (AlwaysOpen) IsOpen(time.Time) bool { return true }
