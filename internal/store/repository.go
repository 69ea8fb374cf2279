package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// ErrNotFound signals that the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionStatus mirrors the crawl_sessions status column.
type SessionStatus string

// Session statuses persisted in crawl_sessions.status.
const (
	SessionRunning   SessionStatus = "running"
	SessionSuccess   SessionStatus = "success"
	SessionTruncated SessionStatus = "truncated"
	SessionCanceled  SessionStatus = "canceled"
	SessionError     SessionStatus = "error"
)

// ParseSessionStatus validates a status string from an API query.
func ParseSessionStatus(s string) (SessionStatus, bool) {
	switch status := SessionStatus(s); status {
	case SessionRunning, SessionSuccess, SessionTruncated, SessionCanceled, SessionError:
		return status, true
	default:
		return "", false
	}
}

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s != SessionRunning && s != ""
}

// SessionRun models one crawl session for API responses.
type SessionRun struct {
	ID     uuid.UUID
	Plugin string
	// Mode is HIST, IDX or DATE.
	Mode       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     SessionStatus
	// ErrorMessage optionally stores the session-fatal error.
	ErrorMessage *string
	Seeds        int64
	Records      int64
	Failures     int64
}

// Counters are additive per-session totals.
type Counters struct {
	Seeds    int64
	Records  int64
	Failures int64
}

// IsZero reports whether every counter is zero.
func (c Counters) IsZero() bool {
	return c.Seeds == 0 && c.Records == 0 && c.Failures == 0
}

// SiteStats captures per-host fetch aggregation for a session.
type SiteStats struct {
	SessionID  uuid.UUID
	Site       string
	LastUpdate time.Time
	Visits     int64
	BytesTotal int64
	Fetch2xx   int64
	Fetch3xx   int64
	Fetch4xx   int64
	Fetch5xx   int64
}

// ProgressRepository persists incremental session progress.
type ProgressRepository interface {
	// UpsertSessionStart inserts the session row in running state.
	UpsertSessionStart(ctx context.Context, sessionID uuid.UUID, plugin, mode string, startedAt time.Time) error
	// CompleteSession marks the session finished with status and optional error.
	CompleteSession(ctx context.Context, sessionID uuid.UUID, finishedAt time.Time, status SessionStatus, errMsg *string) error
	// AddSessionCounters applies counter deltas.
	AddSessionCounters(ctx context.Context, sessionID uuid.UUID, delta Counters) error
	// UpsertSiteStats applies visit/byte deltas per (session, site, statusClass).
	UpsertSiteStats(
		ctx context.Context,
		sessionID uuid.UUID,
		site string,
		deltaVisits int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error

	// GetSession loads one session or returns ErrNotFound.
	GetSession(ctx context.Context, sessionID uuid.UUID) (SessionRun, error)
	// ListSessions returns sessions filtered by optional status plus limit/offset.
	ListSessions(ctx context.Context, status *SessionStatus, limit, offset int) ([]SessionRun, error)
	// ListSessionSites returns aggregated site stats for one session.
	ListSessionSites(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]SiteStats, error)
}

// RecordRepository persists records emitted by terminal parses.
type RecordRepository interface {
	SaveRecord(ctx context.Context, rec crawl.Record) error
	ListRecords(ctx context.Context, sessionID string, limit, offset int) ([]crawl.Record, error)
}

// CheckpointRepository persists serialized session state keyed by
// (plugin, session id).
type CheckpointRepository interface {
	SaveCheckpoint(ctx context.Context, plugin, sessionID string, data []byte) error
	// LoadCheckpoint returns ErrNotFound when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, plugin, sessionID string) ([]byte, error)
}
