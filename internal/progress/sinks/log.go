package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Failures and session errors log at
// warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("session_id", evt.SessionID),
			zap.String("stage", string(evt.Stage)),
			zap.String("plugin", evt.Plugin),
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Label != "" {
			fields = append(fields, zap.String("label", evt.Label))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)), zap.Int64("bytes", evt.Bytes))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", evt.Outcome))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageFailure, progress.StageSessionError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
