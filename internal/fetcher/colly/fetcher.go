// Package collyfetcher executes crawl requests with gocolly.
package collyfetcher

import (
	"context"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// MaxBodySize caps the bytes read per response. Zero reads whole bodies.
	MaxBodySize int
	Timeout     time.Duration
	// Transport defaults to a clone of http.DefaultTransport.
	Transport http.RoundTripper
}

// Fetcher runs each crawl.Request on a clone of one configured collector.
// Any HTTP status comes back as a Response; transport failures come back as
// *crawl.FetchError with no status code.
type Fetcher struct {
	base *colly.Collector
}

func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConnsPerHost = 8
		cfg.Transport = t
	}

	c := colly.NewCollector(colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = max(cfg.MaxBodySize, 0)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(cfg.Transport)
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{base: c}
}

// Fetch blocks until the response is read or ctx ends. On cancellation the
// underlying request is abandoned and finishes within the collector timeout.
func (f *Fetcher) Fetch(ctx context.Context, req crawl.Request) (crawl.Response, error) {
	a := &attempt{started: time.Now()}
	c := f.base.Clone()
	c.OnResponse(a.onResponse)
	c.OnError(a.onError)

	done := make(chan error, 1)
	go func() {
		done <- c.Request(req.Method(), req.URL(), req.BodyReader(), nil, req.Header())
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-done:
		if err == nil {
			err = a.err
		}
	}
	if err != nil {
		return crawl.Response{}, &crawl.FetchError{Method: req.Method(), URL: req.URL(), Err: err}
	}
	return a.resp, nil
}

// attempt collects the callbacks of one collector run.
type attempt struct {
	started time.Time
	resp    crawl.Response
	err     error
}

func (a *attempt) onResponse(r *colly.Response) {
	a.resp = crawl.Response{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(a.started),
	}
	if r.Headers != nil {
		a.resp.Headers = r.Headers.Clone()
	}
}

func (a *attempt) onError(_ *colly.Response, err error) {
	a.err = err
}
