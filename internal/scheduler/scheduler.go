// Package scheduler drives a plugin through the SEEDING, FETCHING, EXPANDING
// and DONE phases of a crawl session. The scheduler goroutine is the only
// writer of session state and of the frontier; sibling edges are fetched and
// expanded concurrently and their results committed in discovery order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/frontier"
	idgen "github.com/InvestigativeJournalismFoundation/huon-test/internal/id/uuid"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/progress"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/state"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/store"
	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// Config controls scheduler behavior.
type Config struct {
	// Concurrency bounds sibling edges fetched at once. Defaults to 1.
	Concurrency int
	// MaxSeeds ends the session as truncated once reached. Zero is unbounded.
	MaxSeeds int
	// DrainTimeout is how long in-flight fetches may finish after cancellation.
	DrainTimeout time.Duration
	// Topic receives record notifications when a Publisher is configured.
	Topic string
	// BlobPrefix prefixes archived page paths.
	BlobPrefix string
}

// Deps are the collaborators a Scheduler needs. Fetcher is required; the
// rest default to no-ops or in-process implementations.
type Deps struct {
	Fetcher     Fetcher
	Limiter     Limiter
	Retry       RetryPolicy
	Blobs       BlobStore
	Records     RecordSink
	Publisher   Publisher
	Checkpoints CheckpointStore
	Hasher      Hasher
	Clock       Clock
	IDs         IDGenerator
	Progress    progress.Emitter
	Logger      *zap.Logger
}

// Scheduler runs crawl sessions.
type Scheduler struct {
	cfg         Config
	fetcher     Fetcher
	limiter     Limiter
	retry       RetryPolicy
	blobs       BlobStore
	records     RecordSink
	publisher   Publisher
	checkpoints CheckpointStore
	hasher      Hasher
	clock       Clock
	ids         IDGenerator
	progress    progress.Emitter
	logger      *zap.Logger
}

// New validates deps and builds a Scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("scheduler: fetcher is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxSeeds < 0 {
		return nil, errors.New("scheduler: max seeds must be >= 0")
	}
	if cfg.DrainTimeout < 0 {
		cfg.DrainTimeout = 0
	}
	if deps.Blobs != nil && deps.Hasher == nil {
		return nil, errors.New("scheduler: blob store requires a hasher")
	}
	s := &Scheduler{
		cfg:         cfg,
		fetcher:     deps.Fetcher,
		limiter:     deps.Limiter,
		retry:       deps.Retry,
		blobs:       deps.Blobs,
		records:     deps.Records,
		publisher:   deps.Publisher,
		checkpoints: deps.Checkpoints,
		hasher:      deps.Hasher,
		clock:       deps.Clock,
		ids:         deps.IDs,
		progress:    deps.Progress,
		logger:      deps.Logger,
	}
	if s.retry == nil {
		s.retry = NewExponentialRetryPolicy(RetryConfig{})
	}
	if s.clock == nil {
		s.clock = utcClock{}
	}
	if s.progress == nil {
		s.progress = progress.NopEmitter{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// run is the per-session working set owned by the scheduler goroutine.
type run struct {
	plugin   crawl.Plugin
	labels   crawl.LabelSet
	id       string
	eventID  uuid.UUID
	state    *state.Session
	frontier *frontier.Frontier
	report   Report
	logger   *zap.Logger
}

// Run drives plugin until Seed reports exhaustion, MaxSeeds is reached, ctx
// ends or a session-fatal error occurs. An empty sessionID is generated. The
// report is populated in every case; the error is non-nil for fatal endings
// and cancellation.
func (s *Scheduler) Run(ctx context.Context, plugin crawl.Plugin, sessionID string, sess *state.Session) (Report, error) {
	if plugin == nil {
		return Report{}, errors.New("scheduler: plugin is required")
	}
	if sess == nil {
		return Report{}, errors.New("scheduler: session state is required")
	}
	if sessionID == "" {
		id, err := s.newSessionID()
		if err != nil {
			return Report{}, err
		}
		sessionID = id
	}
	r := &run{
		plugin:   plugin,
		labels:   plugin.Labels(),
		id:       sessionID,
		state:    sess,
		frontier: frontier.New(),
		logger:   s.logger.With(zap.String("plugin", plugin.Name()), zap.String("session_id", sessionID)),
		report: Report{
			SessionID: sessionID,
			Plugin:    plugin.Name(),
			StartedAt: s.clock.Now(),
		},
	}
	if eventID, err := idgen.Parse(sessionID); err == nil {
		r.eventID = eventID
	}
	defer r.frontier.Close()

	s.emit(r, progress.Event{Stage: progress.StageSessionStart, Mode: sess.View().Mode.String()})
	r.logger.Info("session started", zap.Stringer("mode", sess.View().Mode))

	status, err := s.loop(ctx, r)
	return s.finish(ctx, r, status, err)
}

func (s *Scheduler) loop(ctx context.Context, r *run) (store.SessionStatus, error) {
	for {
		if err := ctx.Err(); err != nil {
			return store.SessionCanceled, err
		}
		if s.cfg.MaxSeeds > 0 && r.report.Seeds >= s.cfg.MaxSeeds {
			r.logger.Warn("max seeds reached", zap.Int("max_seeds", s.cfg.MaxSeeds))
			return store.SessionTruncated, nil
		}

		seed, exhausted, err := s.nextSeed(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return store.SessionCanceled, ctx.Err()
			}
			return store.SessionError, err
		}
		if exhausted {
			return store.SessionSuccess, nil
		}

		if err := s.cycle(ctx, r, seed); err != nil {
			if ctx.Err() != nil {
				return store.SessionCanceled, ctx.Err()
			}
			return store.SessionError, err
		}

		r.state.AdvancePage()
		s.saveCheckpoint(ctx, r)
	}
}

// nextSeed runs the SEEDING phase.
func (s *Scheduler) nextSeed(ctx context.Context, r *run) (crawl.Edge, bool, error) {
	view := r.state.View()
	res, err := r.plugin.Seed(ctx, view)
	if err != nil {
		return crawl.Edge{}, false, fmt.Errorf("seed at page %d: %w", view.PageStart, err)
	}
	edge, ok := res.Edge()
	if !ok {
		r.logger.Info("seed exhausted", zap.Int("page_start", view.PageStart), zap.Int("max_idx", view.MaxIdx))
		return crawl.Edge{}, true, nil
	}
	if !r.labels.Has(edge.Label) {
		return crawl.Edge{}, false, &crawl.UnrecognizedLabelError{
			Plugin: r.plugin.Name(),
			Label:  edge.Label,
			Source: edge.Request.URL(),
		}
	}
	if !r.frontier.Mark(edge.Key()) {
		return crawl.Edge{}, false, fmt.Errorf("%w: %q %s", ErrStalledSeed, edge.Label, edge.Request)
	}
	r.state.RecordSeed()
	r.report.Seeds++
	s.emit(r, progress.Event{Stage: progress.StageSeed, URL: edge.Request.URL(), Label: string(edge.Label)})
	r.logger.Debug("seed", zap.String("label", string(edge.Label)), zap.String("url", edge.Request.URL()))
	return edge, false, nil
}

// cycle fetches and expands the seed, then drains the frontier in waves.
func (s *Scheduler) cycle(ctx context.Context, r *run, seed crawl.Edge) error {
	out := s.runWave(ctx, r, []crawl.Edge{seed})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	root := out[0]
	if root.fatal != nil {
		return fmt.Errorf("root seed: %w", root.fatal)
	}
	s.commit(ctx, r, root, true)

	for r.frontier.Len() > 0 {
		wave := r.frontier.Drain()
		outcomes := s.runWave(ctx, r, wave)
		if ctx.Err() != nil {
			r.logger.Info("discarding uncommitted wave", zap.Int("edges", len(wave)))
			return ctx.Err()
		}
		for _, oc := range outcomes {
			s.commit(ctx, r, oc, false)
		}
	}
	return nil
}

// commit folds one outcome into session state in the scheduler goroutine.
func (s *Scheduler) commit(ctx context.Context, r *run, oc outcome, isSeed bool) {
	commitCtx := context.WithoutCancel(ctx)
	if oc.fetched {
		r.report.EdgesFetched++
	}
	if oc.fatal != nil {
		s.recordFailure(r, Failure{Edge: oc.edge, Phase: PhaseFetching, Err: oc.fatal})
	}
	if isSeed {
		r.state.AdvanceIndex(oc.units)
	}
	if oc.total >= 0 {
		if err := r.state.ReportTotal(oc.total); err != nil {
			s.recordFailure(r, Failure{Edge: oc.edge, Phase: PhaseExpanding, Err: err})
		}
	}
	for _, f := range oc.failures {
		s.recordFailure(r, f)
	}
	for _, rec := range oc.records {
		if err := s.saveRecord(commitCtx, r, rec); err != nil {
			s.recordFailure(r, Failure{Edge: oc.edge, Phase: PhaseExpanding, Err: err})
		}
	}
	for _, child := range oc.edges {
		queued, err := r.frontier.Push(commitCtx, child)
		if err != nil {
			s.recordFailure(r, Failure{Edge: child, Phase: PhaseExpanding, Err: err})
			continue
		}
		if !queued {
			r.logger.Debug("skipping visited edge",
				zap.String("label", string(child.Label)), zap.String("url", child.Request.URL()))
		}
	}
}

func (s *Scheduler) recordFailure(r *run, f Failure) {
	r.report.Failures = append(r.report.Failures, f)
	s.emit(r, progress.Event{
		Stage: progress.StageFailure,
		URL:   f.Edge.Request.URL(),
		Label: string(f.Edge.Label),
		Note:  f.Err.Error(),
	})
	r.logger.Warn("edge failed",
		zap.String("phase", f.Phase.String()),
		zap.String("label", string(f.Edge.Label)),
		zap.String("url", f.Edge.Request.URL()),
		zap.Error(f.Err),
	)
}

func (s *Scheduler) saveRecord(ctx context.Context, r *run, rec crawl.Record) error {
	if s.records != nil {
		if err := s.records.SaveRecord(ctx, rec); err != nil {
			return fmt.Errorf("save record %q: %w", rec.ID, err)
		}
	}
	r.report.Records++
	s.emit(r, progress.Event{Stage: progress.StageRecord, URL: rec.URL, Label: string(rec.Label)})
	if s.publisher != nil && s.cfg.Topic != "" {
		if _, err := s.publisher.Publish(ctx, s.cfg.Topic, rec); err != nil {
			r.logger.Warn("record notification failed", zap.String("record_id", rec.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) saveCheckpoint(ctx context.Context, r *run) {
	if s.checkpoints == nil {
		return
	}
	data, err := r.state.Snapshot().Marshal()
	if err == nil {
		err = s.checkpoints.SaveCheckpoint(context.WithoutCancel(ctx), r.plugin.Name(), r.id, data)
	}
	if err != nil {
		r.logger.Warn("checkpoint save failed", zap.Error(err))
	}
}

func (s *Scheduler) finish(ctx context.Context, r *run, status store.SessionStatus, runErr error) (Report, error) {
	s.saveCheckpoint(ctx, r)
	r.report.Status = status
	r.report.State = r.state.Snapshot()
	r.report.Deduplicated = r.frontier.Skipped()
	r.report.FinishedAt = s.clock.Now()
	elapsed := r.report.FinishedAt.Sub(r.report.StartedAt)

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("seeds", r.report.Seeds),
		zap.Int("edges_fetched", r.report.EdgesFetched),
		zap.Int("records", r.report.Records),
		zap.Int("failures", len(r.report.Failures)),
		zap.Int("deduplicated", r.report.Deduplicated),
		zap.Duration("elapsed", elapsed),
	}
	if status == store.SessionError {
		s.emit(r, progress.Event{Stage: progress.StageSessionError, Dur: elapsed, Note: runErr.Error()})
		r.logger.Error("session failed", append(fields, zap.Error(runErr))...)
		return r.report, runErr
	}
	s.emit(r, progress.Event{Stage: progress.StageSessionDone, Dur: elapsed, Outcome: string(status)})
	r.logger.Info("session finished", fields...)
	if status == store.SessionCanceled {
		return r.report, fmt.Errorf("session canceled: %w", runErr)
	}
	return r.report, nil
}

func (s *Scheduler) emit(r *run, evt progress.Event) {
	if r.eventID == uuid.Nil {
		return
	}
	evt.SessionID = r.eventID
	evt.Plugin = r.plugin.Name()
	if evt.TS.IsZero() {
		evt.TS = s.clock.Now()
	}
	s.progress.Emit(evt)
}

func (s *Scheduler) newSessionID() (string, error) {
	if s.ids == nil {
		return "", errors.New("scheduler: session id is required without an id generator")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id, nil
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
