package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestFetchMetrics(t *testing.T) {
	Init()
	c := collectors()

	attempts := c.fetchAttempts.WithLabelValues("registry.example", OutcomeOK)
	before := testutil.ToFloat64(attempts)
	ObserveFetchAttempt("https://Registry.example/search?page=1", OutcomeOK)
	require.Equal(t, before+1, testutil.ToFloat64(attempts))

	retries := c.fetchRetries.WithLabelValues("registry.example")
	n := testutil.ToFloat64(retries)
	ObserveRetry("https://registry.example/a")
	require.Equal(t, n+1, testutil.ToFloat64(retries))

	gauge := testutil.ToFloat64(c.inFlight)
	release := TrackFetch()
	require.Equal(t, gauge+1, testutil.ToFloat64(c.inFlight))
	release()
	require.Equal(t, gauge, testutil.ToFloat64(c.inFlight))

	ObserveRateLimitDelay("registry.example", 20*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(c.limiterWait))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
