package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-capture/internal/progress"
)

// LogSink writes one structured log line per event.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.String("job_id", evt.JobID),
			zap.String("status", string(evt.Status)),
			zap.String("stage", string(evt.Stage)),
			zap.Int("progress", evt.Progress),
		}
		if evt.Name != "" {
			fields = append(fields, zap.String("url", evt.Name))
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		switch evt.Kind {
		case progress.KindJobCompleted:
			fields = append(fields, zap.Int64("duration_ms", evt.DurationMs), zap.Bool("usable", evt.Result.Usable()))
			s.logger.Info("job completed", fields...)
		case progress.KindJobFailed:
			fields = append(fields, zap.String("code", string(evt.Error.Code)))
			s.logger.Warn("job failed", fields...)
		default:
			s.logger.Debug("job progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
