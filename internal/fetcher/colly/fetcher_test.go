package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

func TestFetchGetAndPost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Agent", r.UserAgent())
		w.Header().Set("X-Token", r.Header.Get("X-Token"))
		_, _ = w.Write(append([]byte(r.URL.RawQuery+"|"), body...))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "huon-test", Timeout: 5 * time.Second})

	resp, err := f.Fetch(context.Background(), crawl.Get(srv.URL+"/search?page=2").WithHeader("X-Token", "abc"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "page=2|", string(resp.Body))
	require.Equal(t, "GET", resp.Headers.Get("X-Method"))
	require.Equal(t, "huon-test", resp.Headers.Get("X-Agent"))
	require.Equal(t, "abc", resp.Headers.Get("X-Token"))

	post, err := crawl.PostJSON(srv.URL+"/api", map[string]int{"start": 50})
	require.NoError(t, err)
	resp, err = f.Fetch(context.Background(), post)
	require.NoError(t, err)
	require.Equal(t, "POST", resp.Headers.Get("X-Method"))
	require.Equal(t, `|{"start":50}`, string(resp.Body))

	resp, err = f.Fetch(context.Background(), crawl.Get(srv.URL+"/search?page=2"))
	require.NoError(t, err, "revisiting a URL is allowed")
	require.True(t, resp.OK())
}

func TestFetchReturnsNon2xxAsResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	t.Cleanup(srv.Close)

	resp, err := New(Config{}).Fetch(context.Background(), crawl.Get(srv.URL))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.False(t, resp.OK())
	require.Equal(t, "down", string(resp.Body))
}

func TestFetchReadsLargeBodies(t *testing.T) {
	t.Parallel()

	page := strings.Repeat("<tr><td>row</td></tr>\n", 600_000)
	require.Greater(t, len(page), 10*1024*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, page)
	}))
	t.Cleanup(srv.Close)

	resp, err := New(Config{Timeout: 10 * time.Second}).Fetch(context.Background(), crawl.Get(srv.URL))
	require.NoError(t, err)
	require.Len(t, resp.Body, len(page))

	resp, err = New(Config{MaxBodySize: 64, Timeout: 10 * time.Second}).Fetch(context.Background(), crawl.Get(srv.URL))
	require.NoError(t, err)
	require.Len(t, resp.Body, 64)
}

func TestFetchTransportFailureIsFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), crawl.Get(addr))
	require.ErrorIs(t, err, crawl.ErrFetch)
	var fetchErr *crawl.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Zero(t, fetchErr.StatusCode)
	require.True(t, fetchErr.Temporary())
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, crawl.Get(srv.URL))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAttemptCallbacks(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("https://example.com/reg?regid=1")
	require.NoError(t, err)

	a := &attempt{started: time.Now()}
	a.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, http.StatusCreated, a.resp.StatusCode)
	require.Equal(t, "body", string(a.resp.Body))
	require.Equal(t, "ok", a.resp.Headers.Get("X-Resp"))
	require.Equal(t, "https://example.com/reg?regid=1", a.resp.URL)
	require.GreaterOrEqual(t, a.resp.Duration, time.Duration(0))

	a.onResponse(&colly.Response{StatusCode: http.StatusOK, Request: &colly.Request{URL: u}})
	require.Nil(t, a.resp.Headers)

	a.onError(nil, errors.New("boom"))
	require.EqualError(t, a.err, "boom")
}

func TestFetchCustomTransport(t *testing.T) {
	t.Parallel()

	var seen string
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen = r.URL.String()
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"recordsTotal":3}`)),
			Request:    r,
		}, nil
	})

	resp, err := New(Config{Transport: rt}).Fetch(context.Background(), crawl.Get("https://registry.example/api"))
	require.NoError(t, err)
	require.Equal(t, "https://registry.example/api", seen)
	require.JSONEq(t, `{"recordsTotal":3}`, string(resp.Body))
	require.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
