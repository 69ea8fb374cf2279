package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	idgen "github.com/InvestigativeJournalismFoundation/huon-test/internal/id/uuid"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/store"
	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

const repoTimeout = 3 * time.Second

// page bounds a list request. Zero-valued limits fall back to def; larger
// requests are clamped to max.
type page struct {
	def, max int
}

var (
	sessionPage = page{def: 50, max: 500}
	sitePage    = page{def: 100, max: 1000}
	recordPage  = page{def: 100, max: 1000}
)

func (p page) parse(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = p.def
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(limit, p.max)
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, errors.New("invalid offset")
		}
	}
	return limit, offset, nil
}

// ProgressHandler serves read-only views of sessions, their per-site fetch
// stats and the records they produced.
type ProgressHandler struct {
	sessions store.ProgressRepository
	records  store.RecordRepository
	logger   *zap.Logger
}

func NewProgressHandler(sessions store.ProgressRepository, records store.RecordRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{sessions: sessions, records: records, logger: logger}
}

// ListSessions handles GET /api/sessions?status=&limit=&offset=.
func (h *ProgressHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	limit, offset, err := sessionPage.parse(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.SessionStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		s, ok := store.ParseSessionStatus(strings.ToLower(raw))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &s
	}

	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	runs, err := h.sessions.ListSessions(ctx, status, limit, offset)
	if err != nil {
		h.fail(w, "list sessions", uuid.Nil, err)
		return
	}
	out := make([]sessionDTO, len(runs))
	for i, run := range runs {
		out[i] = newSessionDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// GetSession handles GET /api/sessions/{session_id}.
func (h *ProgressHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionScope(w, r, h.sessions != nil)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	run, err := h.sessions.GetSession(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		h.fail(w, "load session", id, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"session": newSessionDTO(run)})
	}
}

// ListSessionSites handles GET /api/sessions/{session_id}/sites.
func (h *ProgressHandler) ListSessionSites(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionScope(w, r, h.sessions != nil)
	if !ok {
		return
	}
	limit, offset, err := sitePage.parse(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	stats, err := h.sessions.ListSessionSites(ctx, id, limit, offset)
	if err != nil {
		h.fail(w, "list session sites", id, err)
		return
	}
	out := make([]siteDTO, len(stats))
	for i, s := range stats {
		out[i] = siteDTO{
			Site:       s.Site,
			LastUpdate: s.LastUpdate,
			Visits:     s.Visits,
			BytesTotal: s.BytesTotal,
			Fetch2xx:   s.Fetch2xx,
			Fetch3xx:   s.Fetch3xx,
			Fetch4xx:   s.Fetch4xx,
			Fetch5xx:   s.Fetch5xx,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": out})
}

// ListRecords handles GET /api/sessions/{session_id}/records?limit=&offset=.
func (h *ProgressHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionScope(w, r, h.records != nil)
	if !ok {
		return
	}
	limit, offset, err := recordPage.parse(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	records, err := h.records.ListRecords(ctx, id.String(), limit, offset)
	if err != nil {
		h.fail(w, "list records", id, err)
		return
	}
	if records == nil {
		records = []crawl.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// sessionScope checks the backing repository is present and parses the
// session_id route parameter, answering the request itself on failure.
func (h *ProgressHandler) sessionScope(w http.ResponseWriter, r *http.Request, available bool) (uuid.UUID, bool) {
	if !available {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return uuid.Nil, false
	}
	raw := chi.URLParam(r, "session_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return uuid.Nil, false
	}
	id, err := idgen.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *ProgressHandler) fail(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	fields := []zap.Field{zap.Error(err)}
	if id != uuid.Nil {
		fields = append(fields, zap.Stringer("session_id", id))
	}
	h.logger.Error(op+" failed", fields...)
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

type sessionDTO struct {
	ID         string     `json:"id"`
	Plugin     string     `json:"plugin"`
	Mode       string     `json:"mode"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
	Seeds      int64      `json:"seeds"`
	Records    int64      `json:"records"`
	Failures   int64      `json:"failures"`
}

func newSessionDTO(run store.SessionRun) sessionDTO {
	return sessionDTO{
		ID:         run.ID.String(),
		Plugin:     run.Plugin,
		Mode:       run.Mode,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
		Seeds:      run.Seeds,
		Records:    run.Records,
		Failures:   run.Failures,
	}
}

type siteDTO struct {
	Site       string    `json:"site"`
	LastUpdate time.Time `json:"last_update"`
	Visits     int64     `json:"visits"`
	BytesTotal int64     `json:"bytes_total"`
	Fetch2xx   int64     `json:"fetch_2xx"`
	Fetch3xx   int64     `json:"fetch_3xx"`
	Fetch4xx   int64     `json:"fetch_4xx"`
	Fetch5xx   int64     `json:"fetch_5xx"`
}
