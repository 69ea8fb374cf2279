// Package progress carries session milestones from the scheduler to
// observers (logs, metrics, the session store) without blocking the crawl.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names the milestone an Event reports.
type Stage string

const (
	StageSessionStart Stage = "SESSION_START"
	StageSessionDone  Stage = "SESSION_DONE"
	StageSessionError Stage = "SESSION_ERROR"
	StageSeed         Stage = "SEED"
	StageFetchDone    Stage = "FETCH_DONE"
	StageRecord       Stage = "RECORD"
	StageFailure      Stage = "FAILURE"
)

// Terminal reports whether the stage closes a session.
func (s Stage) Terminal() bool {
	return s == StageSessionDone || s == StageSessionError
}

// StatusClass buckets HTTP status codes for fetch events.
type StatusClass string

const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// ClassifyStatus maps an HTTP status code to its class.
func ClassifyStatus(code int) StatusClass {
	switch code / 100 {
	case 2:
		return Status2xx
	case 3:
		return Status3xx
	case 4:
		return Status4xx
	case 5:
		return Status5xx
	}
	return StatusOther
}

// Event is one milestone of a session. The scheduler fills SessionID, Plugin
// and TS; the remaining fields depend on Stage.
type Event struct {
	SessionID uuid.UUID
	TS        time.Time
	Stage     Stage
	Plugin    string

	// Mode is set on SESSION_START.
	Mode string

	// Fetch details, set on FETCH_DONE.
	Site        string
	URL         string
	Bytes       int64
	StatusClass StatusClass

	Label string
	// Dur is fetch latency on FETCH_DONE and wall time on SESSION_DONE.
	Dur time.Duration
	// Outcome is the final session status on SESSION_DONE.
	Outcome string
	Note    string
}

var (
	errNoSession   = errors.New("session id is required")
	errNoTimestamp = errors.New("timestamp is required")
)

// Validate rejects events a sink could not attribute or aggregate.
func (e Event) Validate() error {
	if e.SessionID == uuid.Nil {
		return errNoSession
	}
	if e.TS.IsZero() {
		return errNoTimestamp
	}
	if e.Dur < 0 {
		return fmt.Errorf("%s: negative duration %s", e.Stage, e.Dur)
	}
	switch e.Stage {
	case StageSessionDone:
		if e.Outcome == "" {
			return errors.New("session done requires outcome")
		}
	case StageFetchDone:
		if e.Site == "" || e.StatusClass == "" {
			return errors.New("fetch done requires site and status class")
		}
	case StageSessionStart, StageSessionError, StageSeed, StageRecord, StageFailure:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
