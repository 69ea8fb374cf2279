package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/state"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/store"
	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// ErrStalledSeed is returned when Seed yields an edge that was already
// visited in the session, so the crawl cannot make progress.
var ErrStalledSeed = errors.New("seed repeats a visited edge")

// ErrPluginPanic wraps a panic raised by a plugin's Sections or Parse. The
// panic is confined to the unit being expanded.
var ErrPluginPanic = errors.New("plugin panic")

// Phase is the scheduler state for a session.
type Phase int

// Scheduler phases in the order a cycle moves through them.
const (
	PhaseSeeding Phase = iota
	PhaseFetching
	PhaseExpanding
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseSeeding:
		return "SEEDING"
	case PhaseFetching:
		return "FETCHING"
	case PhaseExpanding:
		return "EXPANDING"
	case PhaseDone:
		return "DONE"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Failure is a per-edge error that did not end the session.
type Failure struct {
	Edge  crawl.Edge
	Phase Phase
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %q %s: %v", f.Phase, f.Edge.Label, f.Edge.Request.URL(), f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Report summarizes one session.
type Report struct {
	SessionID string
	Plugin    string
	Status    store.SessionStatus
	// Seeds counts seed edges produced, including the one that failed.
	Seeds        int
	EdgesFetched int
	Records      int
	// Deduplicated counts discovered edges skipped as already visited.
	Deduplicated int
	Failures     []Failure
	State        state.Snapshot
	StartedAt    time.Time
	FinishedAt   time.Time
}

// FailuresOf returns the failures whose error matches target.
func (r Report) FailuresOf(target error) []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if errors.Is(f.Err, target) {
			out = append(out, f)
		}
	}
	return out
}
