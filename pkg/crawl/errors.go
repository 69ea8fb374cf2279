package crawl

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrFetch             = errors.New("fetch failed")
	ErrFatalFetch        = errors.New("fetch retries exhausted")
	ErrUnrecognizedLabel = errors.New("unrecognized label")
	ErrFieldExtraction   = errors.New("field extraction failed")
	ErrDateFormat        = errors.New("invalid date format")
)

// FetchError is a transport or HTTP-level failure for one attempt.
// StatusCode is zero for transport failures.
type FetchError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
}

// NewStatusError builds a FetchError for a non-2xx response.
func NewStatusError(req Request, resp Response) *FetchError {
	return &FetchError{
		Method:     req.Method(),
		URL:        req.URL(),
		StatusCode: resp.StatusCode,
		Err:        errors.New(http.StatusText(resp.StatusCode)),
	}
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s %s: status %d: %v", e.Method, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches ErrFetch.
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Temporary reports whether another attempt may succeed: transport failures,
// request timeouts, throttling and server errors.
func (e *FetchError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooEarly,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// FatalFetchError is raised once the retry policy gives up on an edge.
type FatalFetchError struct {
	Edge     Edge
	Attempts int
	Err      error
}

func (e *FatalFetchError) Error() string {
	return fmt.Sprintf("edge %q %s failed after %d attempt(s): %v", e.Edge.Label, e.Edge.Request, e.Attempts, e.Err)
}

func (e *FatalFetchError) Unwrap() error { return e.Err }

// Is matches ErrFatalFetch.
func (e *FatalFetchError) Is(target error) bool { return target == ErrFatalFetch }

// UnrecognizedLabelError is raised when Sections or Parse receives a label it
// does not handle. Source is the URL of the edge the data came from, when known.
type UnrecognizedLabelError struct {
	Plugin string
	Label  Label
	Source string
}

func (e *UnrecognizedLabelError) Error() string {
	msg := fmt.Sprintf("plugin %q: unrecognized label %q", e.Plugin, e.Label)
	if e.Source != "" {
		msg += " from " + e.Source
	}
	return msg
}

// Is matches ErrUnrecognizedLabel.
func (e *UnrecognizedLabelError) Is(target error) bool { return target == ErrUnrecognizedLabel }

// FieldExtractionError is raised when an expected element is absent from a
// fetched page. URL and Label are filled in by the scheduler when missing.
type FieldExtractionError struct {
	Field string
	URL   string
	Label Label
	Err   error
}

func (e *FieldExtractionError) Error() string {
	msg := fmt.Sprintf("extract field %q", e.Field)
	if e.Label != "" {
		msg += fmt.Sprintf(" (label %q)", e.Label)
	}
	if e.URL != "" {
		msg += " from " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FieldExtractionError) Unwrap() error { return e.Err }

// Is matches ErrFieldExtraction.
func (e *FieldExtractionError) Is(target error) bool { return target == ErrFieldExtraction }

// DateFormatError carries the literal string that failed to parse.
type DateFormatError struct {
	Value  string
	Layout string
	Err    error
}

func (e *DateFormatError) Error() string {
	return fmt.Sprintf("invalid date format: %q does not match %q", e.Value, e.Layout)
}

func (e *DateFormatError) Unwrap() error { return e.Err }

// Is matches ErrDateFormat.
func (e *DateFormatError) Is(target error) bool { return target == ErrDateFormat }
