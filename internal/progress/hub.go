package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes Hub buffering. Zero values take the defaults below.
type Config struct {
	// BufferSize bounds events queued between Emit and the flush loop.
	BufferSize int
	// BatchSize flushes as soon as this many events are pending.
	BatchSize int
	// FlushInterval flushes a partial batch at least this often.
	FlushInterval time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize    = 4096
	defaultBatchSize     = 500
	defaultFlushInterval = 500 * time.Millisecond
	defaultSinkTimeout   = 10 * time.Second
	dropWarnInterval     = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Stats counts what the Hub has seen since it started.
type Stats struct {
	Accepted int64
	Dropped  int64
	Invalid  int64
	Batches  int64
}

// Hub batches session events and hands each batch to every sink in order.
// Emit never blocks: when the buffer is full the event is counted as
// dropped.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan Event
	stop   chan context.Context
	done   chan struct{}
	logger *zap.Logger

	dropWarn rate.Sometimes
	closing  atomic.Bool
	stopOnce sync.Once

	accepted atomic.Int64
	dropped  atomic.Int64
	invalid  atomic.Int64
	batches  atomic.Int64
}

// NewHub starts the flush loop over sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		queue:    make(chan Event, cfg.BufferSize),
		stop:     make(chan context.Context, 1),
		done:     make(chan struct{}),
		logger:   cfg.Logger,
		dropWarn: rate.Sometimes{Interval: dropWarnInterval},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

// Emit queues evt for the next batch. Invalid events and events emitted
// after Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.invalid.Add(1)
		h.logger.Debug("discarding invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.queue <- evt:
		h.accepted.Add(1)
	default:
		total := h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("progress buffer full, events dropped", zap.Int64("dropped_total", total))
		})
	}
}

// Stats returns a snapshot of the Hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Accepted: h.accepted.Load(),
		Dropped:  h.dropped.Load(),
		Invalid:  h.invalid.Load(),
		Batches:  h.batches.Load(),
	}
}

// Close stops accepting events, flushes what is queued, closes the sinks and
// waits for the loop to exit or ctx to end. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		h.closing.Store(true)
		h.stop <- ctx
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]Event, 0, h.cfg.BatchSize)
	for {
		select {
		case evt := <-h.queue:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.BatchSize {
				pending = h.deliver(pending)
			}
		case <-ticker.C:
			pending = h.deliver(pending)
		case ctx := <-h.stop:
			h.drain(pending)
			h.closeSinks(ctx)
			return
		}
	}
}

// drain empties the queue without blocking, delivering full batches as it
// goes.
func (h *Hub) drain(pending []Event) {
	for {
		select {
		case evt := <-h.queue:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.BatchSize {
				pending = h.deliver(pending)
			}
		default:
			h.deliver(pending)
			return
		}
	}
}

// deliver hands batch to every sink and returns it emptied for reuse.
func (h *Hub) deliver(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	h.batches.Add(1)
	out := make([]Event, len(batch))
	copy(out, batch)
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := s.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink failed",
				zap.String("sink", fmt.Sprintf("%T", s)),
				zap.Int("events", len(out)),
				zap.Error(err),
			)
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, s := range h.sinks {
		if err := s.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", s)), zap.Error(err))
		}
	}
}
