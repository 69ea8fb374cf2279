package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/progress"
)

const namespace = "huon"

type sessionCollectors struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	running   prometheus.Gauge
	runtime   *prometheus.HistogramVec
}

type crawlCollectors struct {
	seeds    *prometheus.CounterVec
	records  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

type fetchCollectors struct {
	requests *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// PrometheusSink turns progress events into session, crawl and fetch
// metrics. Sessions are labeled by plugin, fetches by site.
type PrometheusSink struct {
	sessions sessionCollectors
	crawl    crawlCollectors
	fetch    fetchCollectors

	// running holds ids of sessions counted in sessions.running.
	running sync.Map
}

// NewPrometheusSink registers the sink's collectors with reg, or with the
// default registerer when reg is nil. Registering twice with the same
// registry fails.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessions: sessionCollectors{
			started:   counterVec("sessions_started_total", "Crawl sessions started per plugin.", "plugin"),
			completed: counterVec("sessions_completed_total", "Crawl sessions completed per plugin and outcome.", "plugin", "outcome"),
			running: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_running",
				Help:      "Sessions started and not yet completed.",
			}),
			runtime: histogramVec("session_runtime_seconds", "Wall time per completed session.",
				[]float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200}, "plugin"),
		},
		crawl: crawlCollectors{
			seeds:    counterVec("seeds_total", "Seed edges produced per plugin.", "plugin"),
			records:  counterVec("records_total", "Records emitted per plugin and label.", "plugin", "label"),
			failures: counterVec("failures_total", "Per-edge failures per plugin and label.", "plugin", "label"),
		},
		fetch: fetchCollectors{
			requests: counterVec("fetch_requests_total", "Fetch completions per site and status class.", "site", "status_class"),
			bytes:    counterVec("fetch_bytes_total", "Response bytes downloaded per site.", "site"),
			duration: histogramVec("fetch_duration_seconds", "Fetch latency per site and status class.",
				[]float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30}, "site", "status_class"),
		},
	}
	for _, c := range s.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

func (s *PrometheusSink) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.sessions.started, s.sessions.completed, s.sessions.running, s.sessions.runtime,
		s.crawl.seeds, s.crawl.records, s.crawl.failures,
		s.fetch.requests, s.fetch.bytes, s.fetch.duration,
	}
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// Consume never fails.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		plugin := labelOrUnknown(evt.Plugin)
		switch evt.Stage {
		case progress.StageSessionStart:
			s.sessions.started.WithLabelValues(plugin).Inc()
			if _, seen := s.running.LoadOrStore(evt.SessionID, struct{}{}); !seen {
				s.sessions.running.Inc()
			}
		case progress.StageSessionDone, progress.StageSessionError:
			s.sessionEnded(evt, plugin)
		case progress.StageSeed:
			s.crawl.seeds.WithLabelValues(plugin).Inc()
		case progress.StageRecord:
			s.crawl.records.WithLabelValues(plugin, labelOrUnknown(evt.Label)).Inc()
		case progress.StageFailure:
			s.crawl.failures.WithLabelValues(plugin, labelOrUnknown(evt.Label)).Inc()
		case progress.StageFetchDone:
			s.fetched(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) sessionEnded(evt progress.Event, plugin string) {
	outcome := evt.Outcome
	if evt.Stage == progress.StageSessionError {
		outcome = "error"
	}
	s.sessions.completed.WithLabelValues(plugin, labelOrUnknown(outcome)).Inc()
	if evt.Dur > 0 {
		s.sessions.runtime.WithLabelValues(plugin).Observe(evt.Dur.Seconds())
	}
	if _, was := s.running.LoadAndDelete(evt.SessionID); was {
		s.sessions.running.Dec()
	}
}

func (s *PrometheusSink) fetched(evt progress.Event) {
	site := labelOrUnknown(evt.Site)
	class := evt.StatusClass
	if class == "" {
		class = progress.StatusOther
	}
	s.fetch.requests.WithLabelValues(site, string(class)).Inc()
	if evt.Bytes > 0 {
		s.fetch.bytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetch.duration.WithLabelValues(site, string(class)).Observe(evt.Dur.Seconds())
	}
}

func (*PrometheusSink) Close(context.Context) error { return nil }

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
