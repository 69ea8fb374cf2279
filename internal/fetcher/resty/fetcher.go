// Package restyfetcher executes crawl requests with go-resty. It suits
// registries that expose JSON search APIs.
package restyfetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// Config controls the underlying client.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher executes crawl.Request values with a shared resty client.
type Fetcher struct {
	client *resty.Client
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return NewWithClient(resty.New(), cfg)
}

// NewWithClient configures and wraps an existing client.
func NewWithClient(client *resty.Client, cfg Config) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	client.SetTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	// Retries belong to the scheduler's policy.
	client.SetRetryCount(0)
	return &Fetcher{client: client}
}

// Fetch executes one request. Any HTTP status is returned as a Response.
func (f *Fetcher) Fetch(ctx context.Context, request crawl.Request) (crawl.Response, error) {
	r := f.client.R().
		SetContext(ctx).
		SetHeaderMultiValues(request.Header())
	if body := request.Body(); len(body) > 0 {
		r.SetBody(body)
	}
	res, err := r.Execute(request.Method(), request.URL())
	if err != nil {
		return crawl.Response{}, &crawl.FetchError{
			Method: request.Method(),
			URL:    request.URL(),
			Err:    fmt.Errorf("resty execute: %w", err),
		}
	}
	finalURL := request.URL()
	if res.RawResponse != nil && res.RawResponse.Request != nil && res.RawResponse.Request.URL != nil {
		finalURL = res.RawResponse.Request.URL.String()
	}
	return crawl.Response{
		URL:        finalURL,
		StatusCode: res.StatusCode(),
		Headers:    res.Header().Clone(),
		Body:       append([]byte(nil), res.Body()...),
		Duration:   res.Time(),
	}, nil
}
