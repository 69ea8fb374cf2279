package scheduler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// RetryConfig tunes ExponentialRetryPolicy. Zero values take the defaults.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      func(limit time.Duration) time.Duration
}

// NewExponentialRetryPolicy builds a policy. Defaults are 3 attempts with a
// 250ms base delay capped at 5s.
func NewExponentialRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &ExponentialRetryPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		jitter:      randomJitter,
	}
}

// MaxAttempts returns the attempt budget per edge.
func (p *ExponentialRetryPolicy) MaxAttempts() int { return p.maxAttempts }

// ShouldRetry decides whether the error is retryable. Client errors other
// than 408, 425 and 429 are final.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fetchErr *crawl.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns the wait duration before attempt+1: half the capped
// exponential delay plus up to the same amount of jitter.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + p.jitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
