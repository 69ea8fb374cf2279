package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/store"
	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

type siteKey struct {
	sessionID uuid.UUID
	site      string
}

type checkpointKey struct {
	plugin    string
	sessionID string
}

// SessionStore implements store.ProgressRepository, store.RecordRepository
// and store.CheckpointRepository.
type SessionStore struct {
	mu          sync.RWMutex
	sessions    map[uuid.UUID]store.SessionRun
	sites       map[siteKey]store.SiteStats
	records     map[string][]crawl.Record
	checkpoints map[checkpointKey][]byte
}

// NewSessionStore constructs an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:    make(map[uuid.UUID]store.SessionRun),
		sites:       make(map[siteKey]store.SiteStats),
		records:     make(map[string][]crawl.Record),
		checkpoints: make(map[checkpointKey][]byte),
	}
}

// UpsertSessionStart creates the session in running state. Restarting a
// known session keeps its counters.
func (s *SessionStore) UpsertSessionStart(_ context.Context, sessionID uuid.UUID, plugin, mode string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.sessions[sessionID]
	if !ok {
		run = store.SessionRun{ID: sessionID, StartedAt: startedAt}
	}
	run.Plugin = plugin
	run.Mode = mode
	run.Status = store.SessionRunning
	run.FinishedAt = nil
	run.ErrorMessage = nil
	s.sessions[sessionID] = run
	return nil
}

// CompleteSession records the final status.
func (s *SessionStore) CompleteSession(
	_ context.Context,
	sessionID uuid.UUID,
	finishedAt time.Time,
	status store.SessionStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.FinishedAt = pointerTime(finishedAt)
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.sessions[sessionID] = run
	return nil
}

// AddSessionCounters adds delta to the session totals.
func (s *SessionStore) AddSessionCounters(_ context.Context, sessionID uuid.UUID, delta store.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	run.Seeds += delta.Seeds
	run.Records += delta.Records
	run.Failures += delta.Failures
	s.sessions[sessionID] = run
	return nil
}

// UpsertSiteStats applies fetch deltas for one host.
func (s *SessionStore) UpsertSiteStats(
	_ context.Context,
	sessionID uuid.UUID,
	site string,
	deltaVisits,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := siteKey{sessionID: sessionID, site: site}
	stat, ok := s.sites[key]
	if !ok {
		stat = store.SiteStats{SessionID: sessionID, Site: site}
	}
	switch statusClass {
	case "2xx":
		stat.Fetch2xx += deltaVisits
	case "3xx":
		stat.Fetch3xx += deltaVisits
	case "4xx":
		stat.Fetch4xx += deltaVisits
	case "5xx":
		stat.Fetch5xx += deltaVisits
	case "other":
	default:
		return fmt.Errorf("unknown status class: %s", statusClass)
	}
	stat.Visits += deltaVisits
	stat.BytesTotal += deltaBytes
	if at.After(stat.LastUpdate) {
		stat.LastUpdate = at
	}
	s.sites[key] = stat
	return nil
}

// GetSession fetches a session by id.
func (s *SessionStore) GetSession(_ context.Context, sessionID uuid.UUID) (store.SessionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.sessions[sessionID]
	if !ok {
		return store.SessionRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListSessions returns sessions newest first.
func (s *SessionStore) ListSessions(_ context.Context, status *store.SessionStatus, limit, offset int) ([]store.SessionRun, error) {
	s.mu.RLock()
	runs := make([]store.SessionRun, 0, len(s.sessions))
	for _, run := range s.sessions {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID.String() < runs[j].ID.String()
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return page(runs, limit, offset), nil
}

// ListSessionSites returns per-host stats, most recently updated first.
func (s *SessionStore) ListSessionSites(_ context.Context, sessionID uuid.UUID, limit, offset int) ([]store.SiteStats, error) {
	s.mu.RLock()
	var stats []store.SiteStats
	for key, stat := range s.sites {
		if key.sessionID == sessionID {
			stats = append(stats, stat)
		}
	}
	s.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].LastUpdate.Equal(stats[j].LastUpdate) {
			return stats[i].Site < stats[j].Site
		}
		return stats[i].LastUpdate.After(stats[j].LastUpdate)
	})
	return page(stats, limit, offset), nil
}

// SaveRecord appends a record to its session.
func (s *SessionStore) SaveRecord(_ context.Context, rec crawl.Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("record session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = append(s.records[rec.SessionID], rec)
	return nil
}

// ListRecords returns records in the order they were saved.
func (s *SessionStore) ListRecords(_ context.Context, sessionID string, limit, offset int) ([]crawl.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return page(s.records[sessionID], limit, offset), nil
}

// SaveCheckpoint replaces the checkpoint for (plugin, sessionID).
func (s *SessionStore) SaveCheckpoint(_ context.Context, plugin, sessionID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpointKey{plugin: plugin, sessionID: sessionID}] = append([]byte(nil), data...)
	return nil
}

// LoadCheckpoint returns store.ErrNotFound when nothing was saved.
func (s *SessionStore) LoadCheckpoint(_ context.Context, plugin, sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.checkpoints[checkpointKey{plugin: plugin, sessionID: sessionID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// page copies items[offset:offset+limit]; limit <= 0 means no limit.
func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]T, end-offset)
	copy(out, items[offset:end])
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
