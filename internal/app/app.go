// Package app builds a crawl Host from configuration: it owns the long-lived
// services (stores, executors, progress hub, status API) and runs sessions
// for registered plugins.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/api"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/clock/system"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/config"
	collyfetcher "github.com/InvestigativeJournalismFoundation/huon-test/internal/fetcher/colly"
	restyfetcher "github.com/InvestigativeJournalismFoundation/huon-test/internal/fetcher/resty"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/hash/sha256"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/id/uuid"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/logging"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/policy/ratelimit"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/progress"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/progress/sinks"
	pubsubpublisher "github.com/InvestigativeJournalismFoundation/huon-test/internal/publisher/pubsub"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/registry"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/scheduler"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/state"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/storage/gcs"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/storage/local"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/storage/memory"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/storage/postgres"
	"github.com/InvestigativeJournalismFoundation/huon-test/internal/store"
)

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	fetcher    scheduler.Fetcher
	blobs      scheduler.BlobStore
	publisher  scheduler.Publisher
	registerer prometheus.Registerer
}

// WithLogger uses logger instead of building one from logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFetcher replaces the configured HTTP executor.
func WithFetcher(f scheduler.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithBlobStore replaces the configured page archive.
func WithBlobStore(b scheduler.BlobStore) Option {
	return func(o *options) { o.blobs = b }
}

// WithPublisher replaces the Pub/Sub record publisher.
func WithPublisher(p scheduler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithRegisterer registers progress metrics somewhere other than the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Host holds the shared services sessions run against.
type Host struct {
	cfg         config.Config
	logger      *zap.Logger
	registry    *registry.Registry
	scheduler   *scheduler.Scheduler
	hub         *progress.Hub
	sessions    store.ProgressRepository
	records     store.RecordRepository
	checkpoints store.CheckpointRepository
	server      *api.Server
	closers     []func() error
}

// New wires a Host. Plugins are looked up in reg when a session starts.
func New(ctx context.Context, cfg config.Config, reg *registry.Registry, opts ...Option) (*Host, error) {
	if reg == nil {
		return nil, errors.New("plugin registry is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	h := &Host{cfg: cfg, registry: reg, logger: o.logger}
	ok := false
	defer func() {
		if !ok {
			h.closeAll()
		}
	}()

	if h.logger == nil {
		logger, closeLog, err := logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			File:        cfg.Logging.File,
			MaxSizeMB:   cfg.Logging.MaxSizeMB,
			MaxBackups:  cfg.Logging.MaxBackups,
			MaxAgeDays:  cfg.Logging.MaxAgeDays,
		})
		if err != nil {
			return nil, err
		}
		h.logger = logger
		h.closers = append(h.closers, func() error {
			_ = logger.Sync()
			return closeLog()
		})
	}

	if err := h.openStores(ctx); err != nil {
		return nil, err
	}

	blobs := o.blobs
	if blobs == nil {
		b, err := h.openBlobStore(ctx)
		if err != nil {
			return nil, err
		}
		blobs = b
	}

	publisher := o.publisher
	if publisher == nil && cfg.PubSub.ProjectID != "" {
		p, err := pubsubpublisher.Open(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		h.closers = append(h.closers, p.Close)
		publisher = p
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = newFetcher(cfg.HTTP)
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	h.hub = progress.NewHub(progress.Config{Logger: h.logger},
		sinks.NewLogSink(h.logger),
		promSink,
		sinks.NewStoreSink(h.sessions, h.logger),
	)

	deps := scheduler.Deps{
		Fetcher: fetcher,
		Limiter: ratelimit.New(ratelimit.Config{RatePerHost: cfg.HTTP.RatePerHost, Burst: cfg.HTTP.Burst}),
		Retry: scheduler.NewExponentialRetryPolicy(scheduler.RetryConfig{
			MaxAttempts: cfg.HTTP.MaxAttempts(),
			BaseDelay:   cfg.HTTP.BackoffInitial(),
			MaxDelay:    cfg.HTTP.BackoffMax(),
		}),
		Blobs:       blobs,
		Records:     h.records,
		Publisher:   publisher,
		Checkpoints: h.checkpoints,
		Hasher:      sha256.New(),
		Clock:       system.New(),
		IDs:         uuid.New(),
		Progress:    h.hub,
		Logger:      h.logger,
	}
	h.scheduler, err = scheduler.New(scheduler.Config{
		Concurrency:  cfg.Crawl.Concurrency,
		MaxSeeds:     cfg.Crawl.MaxSeeds,
		DrainTimeout: cfg.Crawl.DrainTimeout,
		Topic:        cfg.PubSub.TopicName,
		BlobPrefix:   cfg.Storage.Prefix,
	}, deps)
	if err != nil {
		return nil, err
	}

	h.server = api.NewServer(h.sessions, h.records, h.logger)
	ok = true
	h.logger.Info("host initialized",
		zap.String("http_client", cfg.HTTP.Client),
		zap.String("storage", cfg.Storage.Provider),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("pubsub", publisher != nil),
		zap.Strings("plugins", reg.Names()),
	)
	return h, nil
}

func (h *Host) openStores(ctx context.Context) error {
	if h.cfg.DB.DSN == "" {
		mem := memory.NewSessionStore()
		h.sessions, h.records, h.checkpoints = mem, mem, mem
		return nil
	}
	pool, err := postgres.NewPool(ctx, postgres.Config{DSN: h.cfg.DB.DSN, MaxConns: h.cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	h.closers = append(h.closers, func() error {
		pool.Close()
		return nil
	})
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	sessions, err := postgres.NewSessionStore(pool)
	if err != nil {
		return err
	}
	records, err := postgres.NewRecordStore(pool, "")
	if err != nil {
		return err
	}
	h.sessions, h.records, h.checkpoints = sessions, records, sessions
	return nil
}

func (h *Host) openBlobStore(ctx context.Context) (scheduler.BlobStore, error) {
	switch h.cfg.Storage.Provider {
	case config.ProviderLocal:
		b, err := local.New(local.Config{BaseDir: h.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return b, nil
	case config.ProviderGCS:
		b, err := gcs.Open(ctx, gcs.Config{Bucket: h.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		h.closers = append(h.closers, b.Close)
		return b, nil
	default:
		return memory.NewBlobStore(), nil
	}
}

func newFetcher(cfg config.HTTPConfig) scheduler.Fetcher {
	if cfg.Client == config.ClientResty {
		return restyfetcher.New(restyfetcher.Config{UserAgent: cfg.UserAgent, Timeout: cfg.Timeout()})
	}
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		MaxBodySize:   cfg.MaxBodyBytes,
		Timeout:       cfg.Timeout(),
	})
}

// Run starts or resumes a session of the named plugin; an empty name uses
// crawl.plugin. When sessionID has a checkpoint the session resumes from it,
// otherwise state comes from the crawl config and an empty sessionID is
// generated.
func (h *Host) Run(ctx context.Context, pluginName, sessionID string) (scheduler.Report, error) {
	if pluginName == "" {
		pluginName = h.cfg.Crawl.Plugin
	}
	plugin, err := h.registry.Lookup(pluginName)
	if err != nil {
		return scheduler.Report{}, err
	}
	sess, err := h.sessionState(ctx, plugin.Name(), sessionID)
	if err != nil {
		return scheduler.Report{}, err
	}
	return h.scheduler.Run(ctx, plugin, sessionID, sess)
}

func (h *Host) sessionState(ctx context.Context, plugin, sessionID string) (*state.Session, error) {
	if sessionID != "" {
		data, err := h.checkpoints.LoadCheckpoint(ctx, plugin, sessionID)
		switch {
		case err == nil:
			sess, err := state.Unmarshal(data)
			if err != nil {
				return nil, fmt.Errorf("restore checkpoint: %w", err)
			}
			h.logger.Info("resuming session from checkpoint",
				zap.String("plugin", plugin),
				zap.String("session_id", sessionID),
			)
			return sess, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
	}
	cfg, err := h.cfg.Crawl.Session()
	if err != nil {
		return nil, err
	}
	return state.New(cfg)
}

// Handler exposes the status API.
func (h *Host) Handler() http.Handler {
	return h.server.Handler()
}

// Serve runs the status API on server.port until ctx ends.
func (h *Host) Serve(ctx context.Context) error {
	return h.server.ListenAndServe(ctx, h.cfg.Server.Port)
}

// Close flushes progress sinks and releases owned clients.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	if err := h.hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, h.closeAll()...)
	return errors.Join(errs...)
}

func (h *Host) closeAll() []error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errs
}
