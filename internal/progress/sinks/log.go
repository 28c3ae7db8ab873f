package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.JobID != "" {
			fields = append(fields, zap.String("job_id", evt.JobID), zap.String("kind", evt.Kind))
		}
		if evt.KeyID != "" {
			fields = append(fields, zap.String("key_id", evt.KeyID))
		}
		if evt.Stage == progress.StageDispatchAttempt {
			fields = append(fields,
				zap.Int("attempt", evt.Attempt),
				zap.Int("status", evt.Status),
				zap.String("status_class", string(evt.StatusClass)),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
