package crawl

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Request describes one outbound fetch. The zero value is not useful; build
// requests with NewRequest, Get, PostJSON or PostForm. Requests are values:
// accessors return copies so a Request can be shared across goroutines.
type Request struct {
	method  string
	url     string
	body    []byte
	headers http.Header
}

// NewRequest builds a Request. An empty method defaults to GET.
func NewRequest(method, rawURL string, body []byte, headers http.Header) Request {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Request{
		method:  method,
		url:     strings.TrimSpace(rawURL),
		body:    append([]byte(nil), body...),
		headers: headers.Clone(),
	}
}

// Get builds a GET request for rawURL.
func Get(rawURL string) Request {
	return NewRequest(http.MethodGet, rawURL, nil, nil)
}

// PostJSON marshals v and builds a POST request with a JSON body.
func PostJSON(rawURL string, v any) (Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("marshal json body: %w", err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return NewRequest(http.MethodPost, rawURL, body, headers), nil
}

// PostForm builds a POST request with a urlencoded form body.
func PostForm(rawURL string, values url.Values) Request {
	headers := http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")
	return NewRequest(http.MethodPost, rawURL, []byte(values.Encode()), headers)
}

// Method returns the HTTP method.
func (r Request) Method() string { return r.method }

// URL returns the raw URL.
func (r Request) URL() string { return r.url }

// Body returns a copy of the request body.
func (r Request) Body() []byte { return append([]byte(nil), r.body...) }

// BodyReader returns a reader over the body, or nil when there is none.
func (r Request) BodyReader() io.Reader {
	if len(r.body) == 0 {
		return nil
	}
	return bytes.NewReader(r.body)
}

// Header returns a copy of the request headers.
func (r Request) Header() http.Header {
	if r.headers == nil {
		return http.Header{}
	}
	return r.headers.Clone()
}

// WithHeader returns a copy of r with key set to value.
func (r Request) WithHeader(key, value string) Request {
	out := NewRequest(r.method, r.url, r.body, r.headers)
	if out.headers == nil {
		out.headers = http.Header{}
	}
	out.headers.Set(key, value)
	return out
}

// IsZero reports whether the request has no URL.
func (r Request) IsZero() bool { return r.url == "" }

// Signature returns a stable digest of the method, normalized URL, headers
// and body. Two requests with equal signatures fetch the same resource.
func (r Request) Signature() string {
	h := sha256.New()
	normalized, err := NormalizeURL(r.url)
	if err != nil {
		normalized = r.url
	}
	fmt.Fprintf(h, "%s\n%s\n", r.method, normalized)
	keys := make([]string, 0, len(r.headers))
	for k := range r.headers {
		keys = append(keys, http.CanonicalHeaderKey(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s: %s\n", k, strings.Join(r.headers.Values(k), ","))
	}
	h.Write([]byte{'\n'})
	h.Write(r.body)
	return hex.EncodeToString(h.Sum(nil))
}

// String renders "METHOD url" for logs.
func (r Request) String() string {
	return r.method + " " + r.url
}

// Response is the raw result of executing a Request.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// OK reports whether the status code is 2xx.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}
