package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/progress"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/state"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/store"
	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

const testSessionID = "6f1c1b9e-4a9b-4c53-9a55-8d2f7f1e2a10"

// listingSite is a two-level site: paged search results that list rows, and
// one detail page per row.
type listingSite struct {
	*crawl.Router
	seedLabel  crawl.Label
	maxPages   int
	repeatSeed bool
	onSeed     func(view crawl.View)

	views              []crawl.View
	exhausted          bool
	seedAfterExhausted bool
}

func newListingSite() *listingSite {
	return &listingSite{
		seedLabel: "search_results",
		Router: crawl.MustRouter("listing", map[crawl.Label]crawl.Route{
			"search_results": {Sections: splitListing, Parse: rejectParse},
			"row":            {Sections: crawl.Passthrough, Parse: parseRow},
			"detail":         {Sections: crawl.Passthrough, Parse: parseDetail},
		}),
	}
}

func (p *listingSite) Name() string { return "listing" }

func (p *listingSite) Seed(_ context.Context, view crawl.View) (crawl.SeedResult, error) {
	if p.exhausted {
		p.seedAfterExhausted = true
	}
	p.views = append(p.views, view)
	if p.onSeed != nil {
		p.onSeed(view)
	}
	if view.DateWindowExhausted() || (p.maxPages > 0 && view.PageLimitReached(p.maxPages+1)) {
		p.exhausted = true
		return crawl.Exhausted(), nil
	}
	page := view.PageStart
	if p.repeatSeed {
		page = 1
	}
	return crawl.Continue(crawl.NewEdge(p.seedLabel, crawl.Get(searchURL(page)), "", crawl.DMin)), nil
}

func splitListing(d crawl.Data) ([]crawl.Data, error) {
	var units []crawl.Data
	for _, line := range strings.Split(d.Text(), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "total="):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "total="))
			if err != nil {
				return nil, err
			}
			units = append(units, crawl.TotalData(n))
		case strings.HasPrefix(line, "?"):
			units = append(units, crawl.TextData("mystery", line[1:]))
		default:
			units = append(units, crawl.TextData("row", line))
		}
	}
	return units, nil
}

func rejectParse(crawl.Data, string, time.Time) (crawl.ParseResult, error) {
	return crawl.ParseResult{}, errors.New("search results are split, not parsed")
}

func parseRow(d crawl.Data, _ string, _ time.Time) (crawl.ParseResult, error) {
	id, rawDate, _ := strings.Cut(d.Text(), ",")
	date, err := time.Parse(crawl.DateLayout, rawDate)
	if err != nil {
		return crawl.ParseResult{}, &crawl.DateFormatError{Value: rawDate, Layout: "%Y-%m-%d", Err: err}
	}
	return crawl.ParseResult{
		ID:    id,
		Date:  date,
		Edges: []crawl.Edge{crawl.NewEdge("detail", crawl.Get(detailURL(id)), "", crawl.DMin)},
	}, nil
}

func parseDetail(d crawl.Data, _ string, _ time.Time) (crawl.ParseResult, error) {
	switch d.Text() {
	case "missing":
		return crawl.ParseResult{}, &crawl.FieldExtractionError{Field: "Posted Date"}
	case "no-links":
		var links []string
		return crawl.ParseResult{ID: links[0]}, nil
	}
	return crawl.ParseResult{}, nil
}

func searchURL(page int) string { return fmt.Sprintf("https://site.test/search?page=%d", page) }

func detailURL(id string) string { return "https://site.test/reg/" + id }

type scriptedPage struct {
	status   int
	body     string
	failures int
}

type scriptedFetcher struct {
	mu          sync.Mutex
	pages       map[string]scriptedPage
	calls       map[string]int
	inFlight    int
	maxInFlight int
	delay       time.Duration
	onFetch     func(url string)
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{pages: map[string]scriptedPage{}, calls: map[string]int{}}
}

// newSite scripts pages of perPage rows each, all reporting total.
func newSite(total, perPage, pages int) *scriptedFetcher {
	f := newScriptedFetcher()
	for p := 1; p <= pages; p++ {
		var b strings.Builder
		fmt.Fprintf(&b, "total=%d\n", total)
		for i := (p-1)*perPage + 1; i <= p*perPage; i++ {
			id := fmt.Sprintf("A%d", i)
			fmt.Fprintf(&b, "%s,2020-01-%02d\n", id, i)
			f.pages[detailURL(id)] = scriptedPage{body: "ok"}
		}
		f.pages[searchURL(p)] = scriptedPage{body: b.String()}
	}
	return f
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req crawl.Request) (crawl.Response, error) {
	f.mu.Lock()
	f.calls[req.URL()]++
	n := f.calls[req.URL()]
	page, ok := f.pages[req.URL()]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	onFetch := f.onFetch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if onFetch != nil {
		onFetch(req.URL())
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return crawl.Response{}, &crawl.FetchError{Method: req.Method(), URL: req.URL(), Err: ctx.Err()}
		case <-time.After(f.delay):
		}
	}
	if !ok {
		return crawl.Response{URL: req.URL(), StatusCode: http.StatusNotFound}, nil
	}
	if n <= page.failures {
		return crawl.Response{}, &crawl.FetchError{Method: req.Method(), URL: req.URL(), Err: errors.New("connection reset")}
	}
	status := page.status
	if status == 0 {
		status = http.StatusOK
	}
	return crawl.Response{
		URL:        req.URL(),
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(page.body),
	}, nil
}

func (f *scriptedFetcher) callsTo(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type recordingSink struct {
	mu      sync.Mutex
	records []crawl.Record
}

func (s *recordingSink) SaveRecord(_ context.Context, rec crawl.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) byID(id string) (crawl.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return crawl.Record{}, false
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) count(stage progress.Stage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

func (e *recordingEmitter) last() progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events[len(e.events)-1]
}

type recordingCheckpoints struct {
	mu    sync.Mutex
	saves [][]byte
}

func (c *recordingCheckpoints) SaveCheckpoint(_ context.Context, plugin, sessionID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if plugin != "listing" || sessionID != testSessionID {
		return fmt.Errorf("unexpected checkpoint key %s/%s", plugin, sessionID)
	}
	c.saves = append(c.saves, data)
	return nil
}

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string]string
}

func (b *memoryBlobs) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = string(body)
	return "mem://" + path, nil
}

type lengthHasher struct{}

func (lengthHasher) Hash(data []byte) (string, error) { return fmt.Sprintf("len%d", len(data)), nil }

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

func fastRetry() *ExponentialRetryPolicy {
	return NewExponentialRetryPolicy(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func dateSession(t *testing.T) *state.Session {
	t.Helper()
	sess, err := state.New(state.Config{
		Mode:     crawl.ModeDate,
		PageSize: 5,
		From:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return sess
}

func runSession(t *testing.T, ctx context.Context, cfg Config, deps Deps, plugin crawl.Plugin, sess *state.Session) (Report, error) {
	t.Helper()
	if deps.Retry == nil {
		deps.Retry = fastRetry()
	}
	sched, err := New(cfg, deps)
	require.NoError(t, err)
	return sched.Run(ctx, plugin, testSessionID, sess)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.ErrorContains(t, err, "fetcher is required")

	_, err = New(Config{}, Deps{Fetcher: newScriptedFetcher(), Blobs: &memoryBlobs{}})
	require.ErrorContains(t, err, "requires a hasher")

	_, err = New(Config{MaxSeeds: -1}, Deps{Fetcher: newScriptedFetcher()})
	require.Error(t, err)
}

func TestRunDateWindowStopsAtReportedTotal(t *testing.T) {
	t.Parallel()

	fetcher := newSite(10, 5, 3)
	plugin := newListingSite()
	records := &recordingSink{}
	events := &recordingEmitter{}

	report, err := runSession(t, context.Background(), Config{Concurrency: 2},
		Deps{Fetcher: fetcher, Records: records, Progress: events}, plugin, dateSession(t))
	require.NoError(t, err)

	require.Equal(t, store.SessionSuccess, report.Status)
	require.Equal(t, 2, report.Seeds)
	require.Equal(t, 10, report.Records)
	require.Equal(t, 12, report.EdgesFetched)
	require.Empty(t, report.Failures)
	require.Equal(t, 0, fetcher.callsTo(searchURL(3)), "third page must never be requested")
	require.Len(t, plugin.views, 3)
	require.False(t, plugin.seedAfterExhausted)

	require.Equal(t, 10, report.State.MaxIdx)
	require.Equal(t, 10, report.State.RecordsTotal)
	require.Equal(t, 2, report.State.Seeds)
	require.Equal(t, 3, report.State.PageStart)

	require.Equal(t, 1, events.count(progress.StageSessionStart))
	require.Equal(t, 2, events.count(progress.StageSeed))
	require.Equal(t, 12, events.count(progress.StageFetchDone))
	require.Equal(t, 10, events.count(progress.StageRecord))
	last := events.last()
	require.Equal(t, progress.StageSessionDone, last.Stage)
	require.Equal(t, "success", last.Outcome)
	require.NoError(t, last.Validate())
}

func TestRunCarriesLineageToRecords(t *testing.T) {
	t.Parallel()

	records := &recordingSink{}
	_, err := runSession(t, context.Background(), Config{Concurrency: 4},
		Deps{Fetcher: newSite(10, 5, 2), Records: records}, newListingSite(), dateSession(t))
	require.NoError(t, err)

	rec, ok := records.byID("A7")
	require.True(t, ok)
	require.Equal(t, time.Date(2020, 1, 7, 0, 0, 0, 0, time.UTC), rec.Date)
	require.Equal(t, detailURL("A7"), rec.URL)
	require.Equal(t, crawl.Label("detail"), rec.Label)
	require.Equal(t, "listing", rec.Plugin)
	require.Equal(t, testSessionID, rec.SessionID)
	require.False(t, rec.FetchedAt.IsZero())
}

func TestRunIsolatesFieldExtractionFailures(t *testing.T) {
	t.Parallel()

	fetcher := newSite(10, 5, 2)
	fetcher.pages[detailURL("A3")] = scriptedPage{body: "missing"}
	records := &recordingSink{}

	report, err := runSession(t, context.Background(), Config{Concurrency: 3},
		Deps{Fetcher: fetcher, Records: records}, newListingSite(), dateSession(t))
	require.NoError(t, err)

	require.Equal(t, store.SessionSuccess, report.Status)
	require.Equal(t, 9, report.Records)
	failures := report.FailuresOf(crawl.ErrFieldExtraction)
	require.Len(t, failures, 1)
	require.Equal(t, PhaseExpanding, failures[0].Phase)

	var fieldErr *crawl.FieldExtractionError
	require.True(t, errors.As(failures[0].Err, &fieldErr))
	require.Equal(t, "Posted Date", fieldErr.Field)
	require.Equal(t, detailURL("A3"), fieldErr.URL)
	require.Equal(t, crawl.Label("detail"), fieldErr.Label)

	_, ok := records.byID("A3")
	require.False(t, ok)
	_, ok = records.byID("A4")
	require.True(t, ok)
}

func TestRunIsolatesPluginPanics(t *testing.T) {
	t.Parallel()

	fetcher := newSite(10, 5, 2)
	fetcher.pages[detailURL("A3")] = scriptedPage{body: "no-links"}
	records := &recordingSink{}

	report, err := runSession(t, context.Background(), Config{Concurrency: 2},
		Deps{Fetcher: fetcher, Records: records}, newListingSite(), dateSession(t))
	require.NoError(t, err)

	require.Equal(t, store.SessionSuccess, report.Status)
	require.Equal(t, 9, report.Records)
	require.Len(t, records.records, 9)
	panics := report.FailuresOf(ErrPluginPanic)
	require.Len(t, panics, 1)
	require.Equal(t, PhaseExpanding, panics[0].Phase)
	require.Equal(t, detailURL("A3"), panics[0].Edge.Request.URL())
	require.ErrorContains(t, panics[0].Err, "index out of range")

	_, ok := records.byID("A3")
	require.False(t, ok)
}

func TestRunConcurrencyDoesNotChangeResults(t *testing.T) {
	t.Parallel()

	collect := func(concurrency int) ([]string, Report, int) {
		fetcher := newSite(15, 5, 3)
		fetcher.delay = 2 * time.Millisecond
		records := &recordingSink{}
		report, err := runSession(t, context.Background(), Config{Concurrency: concurrency},
			Deps{Fetcher: fetcher, Records: records}, newListingSite(), dateSession(t))
		require.NoError(t, err)
		keys := make([]string, 0, len(records.records))
		for _, rec := range records.records {
			keys = append(keys, rec.ID+"|"+rec.Date.Format(crawl.DateLayout)+"|"+rec.URL)
		}
		return keys, report, fetcher.maxInFlight
	}

	sequential, seqReport, seqInFlight := collect(1)
	parallel, parReport, parInFlight := collect(4)

	require.Len(t, sequential, 15)
	require.Equal(t, sequential, parallel)
	require.Equal(t, seqReport.State, parReport.State)
	require.Equal(t, seqReport.EdgesFetched, parReport.EdgesFetched)
	require.Equal(t, 1, seqInFlight)
	require.LessOrEqual(t, parInFlight, 4)
}

func TestRunDeduplicatesEdges(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.pages[searchURL(1)] = scriptedPage{body: "total=3\nA1,2020-01-01\nA1,2020-01-01\n"}
	fetcher.pages[searchURL(2)] = scriptedPage{body: "total=3\nA1,2020-01-01\n"}
	fetcher.pages[detailURL("A1")] = scriptedPage{body: "ok"}

	report, err := runSession(t, context.Background(), Config{Concurrency: 2},
		Deps{Fetcher: fetcher}, newListingSite(), dateSession(t))
	require.NoError(t, err)

	require.Equal(t, 1, fetcher.callsTo(detailURL("A1")))
	require.Equal(t, 1, report.Records)
	require.Equal(t, 2, report.Deduplicated)
	require.Equal(t, 3, report.State.MaxIdx)
}

func TestRunRetriesThenEscalatesPerEdge(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.pages[searchURL(1)] = scriptedPage{body: "total=3\nA1,2020-01-01\nA2,2020-01-02\nA3,2020-01-03\n"}
	fetcher.pages[detailURL("A1")] = scriptedPage{body: "ok", failures: 2}
	fetcher.pages[detailURL("A2")] = scriptedPage{body: "ok", failures: 5}
	// A3 has no page and answers 404.

	report, err := runSession(t, context.Background(), Config{Concurrency: 3},
		Deps{Fetcher: fetcher}, newListingSite(), dateSession(t))
	require.NoError(t, err)

	require.Equal(t, store.SessionSuccess, report.Status)
	require.Equal(t, 3, fetcher.callsTo(detailURL("A1")))
	require.Equal(t, 3, fetcher.callsTo(detailURL("A2")))
	require.Equal(t, 1, fetcher.callsTo(detailURL("A3")), "client errors are not retried")
	require.Equal(t, 1, report.Records)

	fatal := report.FailuresOf(crawl.ErrFatalFetch)
	require.Len(t, fatal, 2)
	attempts := map[string]int{}
	for _, f := range fatal {
		require.Equal(t, PhaseFetching, f.Phase)
		var fatalErr *crawl.FatalFetchError
		require.True(t, errors.As(f.Err, &fatalErr))
		attempts[f.Edge.Request.URL()] = fatalErr.Attempts
	}
	require.Equal(t, map[string]int{detailURL("A2"): 3, detailURL("A3"): 1}, attempts)
}

func TestRunRootSeedFailureEndsSession(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.pages[searchURL(1)] = scriptedPage{status: http.StatusBadGateway}
	events := &recordingEmitter{}

	report, err := runSession(t, context.Background(), Config{},
		Deps{Fetcher: fetcher, Progress: events}, newListingSite(), dateSession(t))
	require.ErrorIs(t, err, crawl.ErrFatalFetch)
	require.Equal(t, store.SessionError, report.Status)
	require.Equal(t, 1, report.Seeds)
	require.Equal(t, 3, fetcher.callsTo(searchURL(1)))

	last := events.last()
	require.Equal(t, progress.StageSessionError, last.Stage)
	require.Contains(t, last.Note, "root seed")
}

func TestRunStalledSeedIsFatal(t *testing.T) {
	t.Parallel()

	fetcher := newSite(100, 1, 1)
	plugin := newListingSite()
	plugin.repeatSeed = true

	report, err := runSession(t, context.Background(), Config{},
		Deps{Fetcher: fetcher}, plugin, dateSession(t))
	require.ErrorIs(t, err, ErrStalledSeed)
	require.Equal(t, store.SessionError, report.Status)
	require.Equal(t, 1, report.Seeds)
	require.Equal(t, 1, fetcher.callsTo(searchURL(1)))
}

func TestRunSeedWithUnknownLabelIsFatal(t *testing.T) {
	t.Parallel()

	plugin := newListingSite()
	plugin.seedLabel = "bogus"

	report, err := runSession(t, context.Background(), Config{},
		Deps{Fetcher: newSite(5, 5, 1)}, plugin, dateSession(t))
	require.ErrorIs(t, err, crawl.ErrUnrecognizedLabel)
	require.Equal(t, store.SessionError, report.Status)
	require.Equal(t, 0, report.Seeds)
}

func TestRunReportsUnrecognizedUnitLabel(t *testing.T) {
	t.Parallel()

	fetcher := newSite(2, 2, 1)
	fetcher.pages[searchURL(1)] = scriptedPage{body: "total=2\nA1,2020-01-01\n?oops\nA2,2020-01-02\n"}

	report, err := runSession(t, context.Background(), Config{},
		Deps{Fetcher: fetcher}, newListingSite(), dateSession(t))
	require.NoError(t, err)
	require.Equal(t, 2, report.Records)

	failures := report.FailuresOf(crawl.ErrUnrecognizedLabel)
	require.Len(t, failures, 1)
	var labelErr *crawl.UnrecognizedLabelError
	require.True(t, errors.As(failures[0].Err, &labelErr))
	require.Equal(t, crawl.Label("mystery"), labelErr.Label)
	require.Equal(t, searchURL(1), labelErr.Source)
}

func TestRunMaxSeedsTruncates(t *testing.T) {
	t.Parallel()

	fetcher := newSite(100, 2, 3)
	sess, err := state.New(state.Config{Mode: crawl.ModeHist, PageSize: 2})
	require.NoError(t, err)

	report, err := runSession(t, context.Background(), Config{MaxSeeds: 2},
		Deps{Fetcher: fetcher}, newListingSite(), sess)
	require.NoError(t, err)
	require.Equal(t, store.SessionTruncated, report.Status)
	require.Equal(t, 2, report.Seeds)
	require.Equal(t, 4, report.Records)
	require.Equal(t, 0, fetcher.callsTo(searchURL(3)))
}

func TestRunPageLimitExhaustsHistMode(t *testing.T) {
	t.Parallel()

	fetcher := newSite(100, 2, 3)
	plugin := newListingSite()
	plugin.maxPages = 2
	sess, err := state.New(state.Config{Mode: crawl.ModeHist, PageSize: 2})
	require.NoError(t, err)

	report, err := runSession(t, context.Background(), Config{}, Deps{Fetcher: fetcher}, plugin, sess)
	require.NoError(t, err)
	require.Equal(t, store.SessionSuccess, report.Status)
	require.Equal(t, 2, report.Seeds)
	require.False(t, plugin.seedAfterExhausted)
}

func TestRunCanceledBetweenSeeds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := newSite(10, 5, 2)
	plugin := newListingSite()
	plugin.onSeed = func(view crawl.View) {
		if view.PageStart == 2 {
			cancel()
		}
	}
	records := &recordingSink{}
	events := &recordingEmitter{}

	report, err := runSession(t, ctx, Config{},
		Deps{Fetcher: fetcher, Records: records, Progress: events}, plugin, dateSession(t))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, store.SessionCanceled, report.Status)
	require.Equal(t, 5, report.Records)
	require.Len(t, records.records, 5)
	require.Equal(t, 0, fetcher.callsTo(searchURL(2)))

	last := events.last()
	require.Equal(t, progress.StageSessionDone, last.Stage)
	require.Equal(t, "canceled", last.Outcome)
}

func TestRunCanceledMidWaveDiscardsWave(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := newSite(5, 5, 1)
	fetcher.delay = 5 * time.Millisecond
	fetcher.onFetch = func(url string) {
		if strings.Contains(url, "/reg/") {
			cancel()
		}
	}
	records := &recordingSink{}

	report, err := runSession(t, ctx, Config{Concurrency: 5, DrainTimeout: time.Second},
		Deps{Fetcher: fetcher, Records: records}, newListingSite(), dateSession(t))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, store.SessionCanceled, report.Status)
	require.Empty(t, records.records)
	require.Equal(t, 0, report.Records)
	require.Equal(t, 5, report.State.MaxIdx, "the committed root outcome is kept")
}

func TestRunCanceledMidWaveStartsNoQueuedFetches(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := newSite(5, 5, 1)
	fetcher.delay = 5 * time.Millisecond
	fetcher.onFetch = func(url string) {
		if strings.Contains(url, "/reg/") {
			cancel()
		}
	}
	records := &recordingSink{}

	report, err := runSession(t, ctx, Config{Concurrency: 1, DrainTimeout: time.Second},
		Deps{Fetcher: fetcher, Records: records}, newListingSite(), dateSession(t))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, store.SessionCanceled, report.Status)
	require.Empty(t, records.records)

	details := 0
	for i := 1; i <= 5; i++ {
		details += fetcher.callsTo(detailURL(fmt.Sprintf("A%d", i)))
	}
	require.Equal(t, 1, details)
}

func TestRunSavesCheckpoints(t *testing.T) {
	t.Parallel()

	checkpoints := &recordingCheckpoints{}
	_, err := runSession(t, context.Background(), Config{},
		Deps{Fetcher: newSite(10, 5, 2), Checkpoints: checkpoints}, newListingSite(), dateSession(t))
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(checkpoints.saves), 2)
	restored, err := state.Unmarshal(checkpoints.saves[len(checkpoints.saves)-1])
	require.NoError(t, err)
	view := restored.View()
	require.Equal(t, 2, view.Seeds)
	require.Equal(t, 10, view.MaxIdx)
	require.Equal(t, 3, view.PageStart)
	require.True(t, view.DateWindowExhausted())
}

func TestRunArchivesAndPublishes(t *testing.T) {
	t.Parallel()

	blobs := &memoryBlobs{objects: map[string]string{}}
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, "records", mock.AnythingOfType("crawl.Record")).
		Return("msg-1", nil).Once()
	publisher.On("Publish", mock.Anything, "records", mock.AnythingOfType("crawl.Record")).
		Return("", errors.New("topic unavailable")).Once()
	records := &recordingSink{}

	report, err := runSession(t, context.Background(),
		Config{Topic: "records", BlobPrefix: "/raw/"},
		Deps{
			Fetcher:   newSite(2, 2, 1),
			Blobs:     blobs,
			Hasher:    lengthHasher{},
			Publisher: publisher,
			Records:   records,
		},
		newListingSite(), dateSession(t))
	require.NoError(t, err)
	require.Equal(t, 2, report.Records, "publish failures do not drop records")
	publisher.AssertExpectations(t)

	require.Len(t, blobs.objects, 2, "detail pages share a body and so a content path")
	path := "raw/listing/" + testSessionID + "/len2.html"
	require.Equal(t, "ok", blobs.objects[path])

	rec, ok := records.byID("A1")
	require.True(t, ok)
	require.Equal(t, "len2", rec.ContentHash)
	require.Equal(t, "mem://"+path, rec.BlobURI)
}

func TestRunGeneratesSessionID(t *testing.T) {
	t.Parallel()

	sched, err := New(Config{}, Deps{Fetcher: newSite(1, 1, 1), Retry: fastRetry(), IDs: staticIDs{id: testSessionID}})
	require.NoError(t, err)
	report, err := sched.Run(context.Background(), newListingSite(), "", dateSession(t))
	require.NoError(t, err)
	require.Equal(t, testSessionID, report.SessionID)

	sched, err = New(Config{}, Deps{Fetcher: newSite(1, 1, 1)})
	require.NoError(t, err)
	_, err = sched.Run(context.Background(), newListingSite(), "", dateSession(t))
	require.Error(t, err)
}

type staticIDs struct{ id string }

func (s staticIDs) NewID() (string, error) { return s.id, nil }

func TestDrainContextOutlivesParent(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	drained, stop := drainContext(parent, 50*time.Millisecond)
	defer stop()

	cancel()
	require.NoError(t, drained.Err())
	require.Eventually(t, func() bool { return drained.Err() != nil }, time.Second, 5*time.Millisecond)

	parent, cancel = context.WithCancel(context.Background())
	drained, stop = drainContext(parent, 0)
	defer stop()
	cancel()
	require.Eventually(t, func() bool { return drained.Err() != nil }, time.Second, time.Millisecond)
}
