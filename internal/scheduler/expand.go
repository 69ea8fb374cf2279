package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/metrics"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/progress"
	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// outcome is everything a worker produced for one edge. Nothing in it has
// touched session state; commit applies it.
type outcome struct {
	edge     crawl.Edge
	fetched  bool
	fatal    error
	units    int
	total    int
	failures []Failure
	records  []crawl.Record
	edges    []crawl.Edge
}

// runWave fetches and expands edges concurrently and returns their outcomes
// in input order. Once ctx is done no further edges are started; in-flight
// fetches get DrainTimeout to finish.
func (s *Scheduler) runWave(ctx context.Context, r *run, edges []crawl.Edge) []outcome {
	out := make([]outcome, len(edges))
	fetchCtx, cancel := drainContext(ctx, s.cfg.DrainTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, edge := range edges {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// A slot may free up only after the session ended.
			if ctx.Err() != nil {
				out[i] = outcome{edge: edge, total: -1}
				return nil
			}
			out[i] = s.process(fetchCtx, ctx, r, edge)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// drainContext returns a context that outlives parent by grace.
func drainContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		if grace <= 0 {
			cancel()
			return
		}
		time.AfterFunc(grace, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Scheduler) process(ctx, sessionCtx context.Context, r *run, edge crawl.Edge) outcome {
	oc := outcome{edge: edge, total: -1}
	resp, err := s.fetchWithRetry(ctx, sessionCtx, r, edge)
	if err != nil {
		oc.fatal = err
		return oc
	}
	oc.fetched = true
	hash, uri := s.archive(ctx, r, edge, resp)
	s.expand(r, edge, resp, hash, uri, &oc)
	return oc
}

// fetchWithRetry retries failed attempts per the retry policy. When attempts
// run out, or the session ends, the last error is wrapped in a
// *crawl.FatalFetchError for the edge.
func (s *Scheduler) fetchWithRetry(ctx, sessionCtx context.Context, r *run, edge crawl.Edge) (crawl.Response, error) {
	req := edge.Request
	for attempt := 1; ; attempt++ {
		resp, err := s.fetchOnce(ctx, r, edge)
		if err == nil {
			return resp, nil
		}
		if sessionCtx.Err() != nil || !s.retry.ShouldRetry(err, attempt) {
			return crawl.Response{}, &crawl.FatalFetchError{Edge: edge, Attempts: attempt, Err: err}
		}
		metrics.ObserveRetry(req.URL())
		delay := s.retry.Backoff(attempt)
		r.logger.Debug("retrying fetch",
			zap.String("label", string(edge.Label)),
			zap.String("url", req.URL()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-sessionCtx.Done():
			timer.Stop()
			return crawl.Response{}, &crawl.FatalFetchError{Edge: edge, Attempts: attempt, Err: err}
		case <-timer.C:
		}
	}
}

func (s *Scheduler) fetchOnce(ctx context.Context, r *run, edge crawl.Edge) (crawl.Response, error) {
	req := edge.Request
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, req.URL()); err != nil {
			return crawl.Response{}, &crawl.FetchError{
				Method: req.Method(),
				URL:    req.URL(),
				Err:    fmt.Errorf("rate limit: %w", err),
			}
		}
	}

	release := metrics.TrackFetch()
	resp, err := s.fetcher.Fetch(ctx, req)
	release()
	if err != nil {
		metrics.ObserveFetchAttempt(req.URL(), metrics.OutcomeTransportError)
		return crawl.Response{}, err
	}
	if resp.URL == "" {
		resp.URL = req.URL()
	}

	s.emit(r, progress.Event{
		Stage:       progress.StageFetchDone,
		Site:        metrics.SanitizeSite(resp.URL),
		URL:         resp.URL,
		Label:       string(edge.Label),
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	if !resp.OK() {
		metrics.ObserveFetchAttempt(req.URL(), metrics.OutcomeHTTPError)
		return crawl.Response{}, crawl.NewStatusError(req, resp)
	}
	metrics.ObserveFetchAttempt(req.URL(), metrics.OutcomeOK)
	return resp, nil
}

// archive stores the raw page and returns its content hash and URI. Failures
// are logged; the page is still expanded.
func (s *Scheduler) archive(ctx context.Context, r *run, edge crawl.Edge, resp crawl.Response) (string, string) {
	if s.blobs == nil {
		return "", ""
	}
	hash, err := s.hasher.Hash(resp.Body)
	if err != nil {
		r.logger.Warn("hash page failed", zap.String("url", resp.URL), zap.Error(err))
		return "", ""
	}
	contentType := resp.Headers.Get("Content-Type")
	ext := "html"
	if strings.Contains(contentType, "json") {
		ext = "json"
	}
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	path := blobPath(s.cfg.BlobPrefix, r.plugin.Name(), r.id, hash, ext)
	uri, err := s.blobs.PutObject(ctx, path, contentType, bytes.NewReader(resp.Body))
	if err != nil {
		r.logger.Warn("archive page failed",
			zap.String("label", string(edge.Label)),
			zap.String("url", resp.URL),
			zap.String("path", path),
			zap.Error(err),
		)
		return hash, ""
	}
	return hash, uri
}

func blobPath(prefix, plugin, sessionID, hash, ext string) string {
	name := fmt.Sprintf("%s/%s/%s.%s", plugin, sessionID, hash, ext)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// expand splits the page into units and parses each one. Failures are
// collected per unit so one bad unit does not hide its siblings.
func (s *Scheduler) expand(r *run, edge crawl.Edge, resp crawl.Response, hash, uri string, oc *outcome) {
	fail := func(err error) {
		oc.failures = append(oc.failures, Failure{Edge: edge, Phase: PhaseExpanding, Err: err})
	}

	units, err := sections(r.plugin, crawl.NewData(edge.Label, resp.Body))
	if err != nil {
		fail(annotate(err, edge.Label, resp.URL))
		return
	}
	for _, unit := range units {
		if unit.Label == crawl.LabelTotal {
			n, err := crawl.ParseTotal(unit)
			if err != nil {
				fail(fmt.Errorf("records total from %s: %w", resp.URL, err))
				continue
			}
			oc.total = n
			continue
		}
		if !r.labels.Has(unit.Label) {
			fail(&crawl.UnrecognizedLabelError{Plugin: r.plugin.Name(), Label: unit.Label, Source: resp.URL})
			continue
		}
		oc.units++

		pr, err := parse(r.plugin, unit, edge.ParentID, edge.ParentDate)
		if err != nil {
			fail(annotate(err, unit.Label, resp.URL))
			continue
		}
		id, date := pr.ID, pr.Date
		if id == "" {
			id = edge.ParentID
		}
		if date.IsZero() {
			date = edge.ParentDate
		}
		if pr.Terminal() {
			oc.records = append(oc.records, crawl.Record{
				Plugin:      r.plugin.Name(),
				SessionID:   r.id,
				ID:          id,
				Date:        date,
				Label:       unit.Label,
				URL:         resp.URL,
				FetchedAt:   s.clock.Now(),
				ContentHash: hash,
				BlobURI:     uri,
			})
			continue
		}
		for _, child := range pr.Edges {
			if !r.labels.Has(child.Label) {
				fail(&crawl.UnrecognizedLabelError{Plugin: r.plugin.Name(), Label: child.Label, Source: resp.URL})
				continue
			}
			child.ParentID = id
			child.ParentDate = date
			oc.edges = append(oc.edges, child)
		}
	}
}

func sections(p crawl.Plugin, d crawl.Data) (units []crawl.Data, err error) {
	defer recoverPlugin(d.Label, &err)
	return p.Sections(d)
}

func parse(p crawl.Plugin, d crawl.Data, parentID string, parentDate time.Time) (pr crawl.ParseResult, err error) {
	defer recoverPlugin(d.Label, &err)
	return p.Parse(d, parentID, parentDate)
}

func recoverPlugin(label crawl.Label, err *error) {
	if v := recover(); v != nil {
		*err = fmt.Errorf("%w: %q: %v", ErrPluginPanic, label, v)
	}
}

// annotate fills in the page context plugins cannot know.
func annotate(err error, label crawl.Label, url string) error {
	var fieldErr *crawl.FieldExtractionError
	if errors.As(err, &fieldErr) {
		if fieldErr.URL == "" {
			fieldErr.URL = url
		}
		if fieldErr.Label == "" {
			fieldErr.Label = label
		}
	}
	var labelErr *crawl.UnrecognizedLabelError
	if errors.As(err, &labelErr) && labelErr.Source == "" {
		labelErr.Source = url
	}
	return err
}
