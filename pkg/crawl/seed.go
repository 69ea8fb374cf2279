package crawl

import (
	"fmt"
	"strings"
	"time"
)

// SeedResult is either Continue(edge) or Exhausted.
type SeedResult struct {
	edge *Edge
}

// Continue wraps the next top-level edge.
func Continue(e Edge) SeedResult {
	return SeedResult{edge: &e}
}

// Exhausted signals that the plugin has no more seeds for this session.
func Exhausted() SeedResult {
	return SeedResult{}
}

// Edge returns the seed edge and true, or false when exhausted.
func (r SeedResult) Edge() (Edge, bool) {
	if r.edge == nil {
		return Edge{}, false
	}
	return *r.edge, true
}

// IsExhausted reports whether the result is Exhausted.
func (r SeedResult) IsExhausted() bool { return r.edge == nil }

// RuntimeMode selects how a plugin decides whether more seeds exist.
type RuntimeMode int

// Supported runtime modes.
const (
	// ModeHist pages by absolute page count.
	ModeHist RuntimeMode = iota + 1
	// ModeIdx pages by explicit index.
	ModeIdx
	// ModeDate pages through a bounded date window.
	ModeDate
)

// ParseRuntimeMode parses "hist", "idx" or "date" case-insensitively.
func ParseRuntimeMode(s string) (RuntimeMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIST":
		return ModeHist, nil
	case "IDX":
		return ModeIdx, nil
	case "DATE":
		return ModeDate, nil
	default:
		return 0, fmt.Errorf("unknown runtime mode %q", s)
	}
}

func (m RuntimeMode) String() string {
	switch m {
	case ModeHist:
		return "HIST"
	case ModeIdx:
		return "IDX"
	case ModeDate:
		return "DATE"
	default:
		return fmt.Sprintf("RuntimeMode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m RuntimeMode) MarshalText() ([]byte, error) {
	switch m {
	case ModeHist, ModeIdx, ModeDate:
		return []byte(m.String()), nil
	default:
		return nil, fmt.Errorf("invalid runtime mode %d", int(m))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RuntimeMode) UnmarshalText(text []byte) error {
	parsed, err := ParseRuntimeMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// DateLayout is the ISO-8601 date format sent in DATE-mode request bodies.
const DateLayout = "2006-01-02"

// View is a read-only snapshot of session state handed to Seed. Plugins read
// it to build the next seed or to decide that the session is exhausted.
type View struct {
	Mode      RuntimeMode
	PageStart int
	PageSize  int
	MaxIdx    int
	From      time.Time
	To        time.Time
	// Seeds counts seed edges produced so far this session.
	Seeds int
	// RecordsTotal is the site-reported total, or -1 when not yet reported.
	RecordsTotal int
}

// TotalKnown reports whether a site has reported its record total.
func (v View) TotalKnown() bool { return v.RecordsTotal >= 0 }

// DateWindowExhausted reports whether every record the site reported for the
// current window has been listed. It is false before the first seed.
func (v View) DateWindowExhausted() bool {
	return v.Seeds > 0 && v.TotalKnown() && v.RecordsTotal <= v.MaxIdx
}

// PageLimitReached reports whether PageStart has reached limit.
func (v View) PageLimitReached(limit int) bool {
	return v.PageStart >= limit
}

// Offset returns the zero-based record offset of the current page.
func (v View) Offset() int {
	if v.PageStart <= 1 {
		return 0
	}
	return (v.PageStart - 1) * v.PageSize
}

// FromDate formats the window start as YYYY-MM-DD.
func (v View) FromDate() string { return v.From.Format(DateLayout) }

// ToDate formats the window end as YYYY-MM-DD.
func (v View) ToDate() string { return v.To.Format(DateLayout) }
