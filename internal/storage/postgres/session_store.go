package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/store"
)

// SessionStore implements store.ProgressRepository and
// store.CheckpointRepository.
type SessionStore struct {
	db querier
}

// NewSessionStore wraps a pool.
func NewSessionStore(db querier) (*SessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{db: db}, nil
}

// UpsertSessionStart inserts the session or resets a restarted one to running.
func (s *SessionStore) UpsertSessionStart(ctx context.Context, sessionID uuid.UUID, plugin, mode string, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_sessions (id, plugin, mode, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET plugin = EXCLUDED.plugin,
			mode = EXCLUDED.mode,
			status = EXCLUDED.status,
			finished_at = NULL,
			error_message = NULL;
	`
	if _, err := s.db.Exec(ctx, query, sessionID, plugin, mode, startedAt, string(store.SessionRunning)); err != nil {
		return fmt.Errorf("upsert session start: %w", err)
	}
	return nil
}

// CompleteSession records the final status and optional error.
func (s *SessionStore) CompleteSession(
	ctx context.Context,
	sessionID uuid.UUID,
	finishedAt time.Time,
	status store.SessionStatus,
	errMsg *string,
) error {
	query := `
		UPDATE crawl_sessions
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	res, err := s.db.Exec(ctx, query, finishedAt, string(status), errMsg, sessionID)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddSessionCounters increments the session totals.
func (s *SessionStore) AddSessionCounters(ctx context.Context, sessionID uuid.UUID, delta store.Counters) error {
	query := `
		UPDATE crawl_sessions
		SET seeds = seeds + $1, records = records + $2, failures = failures + $3
		WHERE id = $4;
	`
	res, err := s.db.Exec(ctx, query, delta.Seeds, delta.Records, delta.Failures, sessionID)
	if err != nil {
		return fmt.Errorf("add session counters: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertSiteStats applies fetch deltas for one host in a single statement.
func (s *SessionStore) UpsertSiteStats(
	ctx context.Context,
	sessionID uuid.UUID,
	site string,
	deltaVisits,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	var fetch2xx, fetch3xx, fetch4xx, fetch5xx int64
	switch statusClass {
	case "2xx":
		fetch2xx = deltaVisits
	case "3xx":
		fetch3xx = deltaVisits
	case "4xx":
		fetch4xx = deltaVisits
	case "5xx":
		fetch5xx = deltaVisits
	case "other":
	default:
		return fmt.Errorf("unknown status class: %s", statusClass)
	}

	query := `
		INSERT INTO session_site_stats AS s
			(session_id, site, last_update, visits, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, site) DO UPDATE
		SET visits = s.visits + EXCLUDED.visits,
			bytes_total = s.bytes_total + EXCLUDED.bytes_total,
			fetch_2xx = s.fetch_2xx + EXCLUDED.fetch_2xx,
			fetch_3xx = s.fetch_3xx + EXCLUDED.fetch_3xx,
			fetch_4xx = s.fetch_4xx + EXCLUDED.fetch_4xx,
			fetch_5xx = s.fetch_5xx + EXCLUDED.fetch_5xx,
			last_update = GREATEST(s.last_update, EXCLUDED.last_update);
	`
	_, err := s.db.Exec(ctx, query,
		sessionID, site, at, deltaVisits, deltaBytes,
		fetch2xx, fetch3xx, fetch4xx, fetch5xx,
	)
	if err != nil {
		return fmt.Errorf("upsert site stats: %w", err)
	}
	return nil
}

const sessionColumns = `id::text, plugin, mode, started_at, finished_at, status, error_message, seeds, records, failures`

// GetSession loads one session.
func (s *SessionStore) GetSession(ctx context.Context, sessionID uuid.UUID) (store.SessionRun, error) {
	query := `SELECT ` + sessionColumns + ` FROM crawl_sessions WHERE id = $1;`
	run, err := scanSession(s.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SessionRun{}, store.ErrNotFound
		}
		return store.SessionRun{}, fmt.Errorf("get session: %w", err)
	}
	return run, nil
}

// ListSessions returns sessions newest first, optionally filtered by status.
func (s *SessionStore) ListSessions(ctx context.Context, status *store.SessionStatus, limit, offset int) ([]store.SessionRun, error) {
	query := `SELECT ` + sessionColumns + `
		FROM crawl_sessions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	rows, err := s.db.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	runs := []store.SessionRun{}
	for rows.Next() {
		run, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return runs, nil
}

// ListSessionSites returns per-host stats, most recently updated first.
func (s *SessionStore) ListSessionSites(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]store.SiteStats, error) {
	query := `
		SELECT site, last_update, visits, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx
		FROM session_site_stats
		WHERE session_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list session sites: %w", err)
	}
	defer rows.Close()

	stats := []store.SiteStats{}
	for rows.Next() {
		stat := store.SiteStats{SessionID: sessionID}
		if err := rows.Scan(
			&stat.Site,
			&stat.LastUpdate,
			&stat.Visits,
			&stat.BytesTotal,
			&stat.Fetch2xx,
			&stat.Fetch3xx,
			&stat.Fetch4xx,
			&stat.Fetch5xx,
		); err != nil {
			return nil, fmt.Errorf("scan site stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session sites: %w", err)
	}
	return stats, nil
}

// SaveCheckpoint upserts the serialized session state.
func (s *SessionStore) SaveCheckpoint(ctx context.Context, plugin, sessionID string, data []byte) error {
	query := `
		INSERT INTO session_checkpoints (plugin, session_id, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (plugin, session_id) DO UPDATE
		SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.db.Exec(ctx, query, plugin, sessionID, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns store.ErrNotFound when no checkpoint exists.
func (s *SessionStore) LoadCheckpoint(ctx context.Context, plugin, sessionID string) ([]byte, error) {
	query := `SELECT data FROM session_checkpoints WHERE plugin = $1 AND session_id = $2;`
	var data []byte
	if err := s.db.QueryRow(ctx, query, plugin, sessionID).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

func scanSession(row pgx.Row) (store.SessionRun, error) {
	var (
		run    store.SessionRun
		id     string
		status string
	)
	if err := row.Scan(
		&id,
		&run.Plugin,
		&run.Mode,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
		&run.Seeds,
		&run.Records,
		&run.Failures,
	); err != nil {
		return store.SessionRun{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.SessionRun{}, fmt.Errorf("parse session id %q: %w", id, err)
	}
	run.ID = parsed
	run.Status = store.SessionStatus(status)
	return run, nil
}
