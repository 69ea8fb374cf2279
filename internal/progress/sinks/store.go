package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/progress"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/store"
)

// StoreSink writes session progress to a store.ProgressRepository. Counter
// and site deltas are summed per batch; lifecycle events are written in
// order, with pending deltas flushed before a session is completed.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume returns the first repository error; deltas not yet written when it
// fails are dropped with the batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	p := newPending()
	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageSessionStart:
			if err := s.repo.UpsertSessionStart(ctx, evt.SessionID, evt.Plugin, evt.Mode, evt.TS); err != nil {
				return fmt.Errorf("upsert session start: %w", err)
			}
		case evt.Stage.Terminal():
			if err := p.flush(ctx, s.repo); err != nil {
				return err
			}
			if err := s.complete(ctx, evt); err != nil {
				return err
			}
		default:
			p.add(evt)
		}
	}
	return p.flush(ctx, s.repo)
}

func (s *StoreSink) complete(ctx context.Context, evt progress.Event) error {
	status := store.SessionError
	if evt.Stage == progress.StageSessionDone {
		var ok bool
		if status, ok = store.ParseSessionStatus(evt.Outcome); !ok {
			return fmt.Errorf("complete session: unknown outcome %q", evt.Outcome)
		}
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteSession(ctx, evt.SessionID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	s.logger.Debug("session persisted",
		zap.Stringer("session_id", evt.SessionID),
		zap.String("status", string(status)),
	)
	return nil
}

func (*StoreSink) Close(context.Context) error { return nil }

type siteKey struct {
	session uuid.UUID
	site    string
	class   progress.StatusClass
}

type siteDelta struct {
	visits, bytes int64
	last          time.Time
}

// pending sums deltas between lifecycle events.
type pending struct {
	counters map[uuid.UUID]*store.Counters
	sites    map[siteKey]*siteDelta
	// order keeps site writes deterministic.
	order []siteKey
}

func newPending() *pending {
	return &pending{
		counters: make(map[uuid.UUID]*store.Counters),
		sites:    make(map[siteKey]*siteDelta),
	}
}

func (p *pending) add(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSeed:
		p.counter(evt.SessionID).Seeds++
	case progress.StageRecord:
		p.counter(evt.SessionID).Records++
	case progress.StageFailure:
		p.counter(evt.SessionID).Failures++
	case progress.StageFetchDone:
		if evt.Site == "" {
			return
		}
		key := siteKey{session: evt.SessionID, site: evt.Site, class: evt.StatusClass}
		d, ok := p.sites[key]
		if !ok {
			d = &siteDelta{}
			p.sites[key] = d
			p.order = append(p.order, key)
		}
		d.visits++
		d.bytes += evt.Bytes
		if evt.TS.After(d.last) {
			d.last = evt.TS
		}
	}
}

func (p *pending) counter(id uuid.UUID) *store.Counters {
	c, ok := p.counters[id]
	if !ok {
		c = &store.Counters{}
		p.counters[id] = c
	}
	return c
}

func (p *pending) flush(ctx context.Context, repo store.ProgressRepository) error {
	for id, delta := range p.counters {
		if !delta.IsZero() {
			if err := repo.AddSessionCounters(ctx, id, *delta); err != nil {
				return fmt.Errorf("add session counters: %w", err)
			}
		}
		delete(p.counters, id)
	}
	for _, key := range p.order {
		d := p.sites[key]
		if err := repo.UpsertSiteStats(ctx, key.session, key.site, d.visits, d.bytes, string(key.class), d.last); err != nil {
			return fmt.Errorf("upsert site stats: %w", err)
		}
		delete(p.sites, key)
	}
	p.order = p.order[:0]
	return nil
}
