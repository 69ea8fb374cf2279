package scheduler

import (
	"context"
	"io"
	"time"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// Fetcher executes one request and returns the raw response for any HTTP
// status. Transport failures are returned as *crawl.FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, request crawl.Request) (crawl.Response, error)
}

// Limiter throttles fetches per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait first. attempt counts the attempts made so far, starting at 1.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// BlobStore writes raw fetched pages and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// RecordSink persists records emitted by terminal parses.
type RecordSink interface {
	SaveRecord(ctx context.Context, rec crawl.Record) error
}

// Publisher announces saved records to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CheckpointStore persists serialized session state.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, plugin, sessionID string, data []byte) error
}

// Hasher computes content digests for archived pages.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session ids.
type IDGenerator interface {
	NewID() (string, error)
}
