package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/civic-ingest/internal/progress"
)

// LogSink writes each sample as a debug log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := make([]zap.Field, 0, 3+len(evt.Tags))
		fields = append(fields,
			zap.String("metric", evt.Name),
			zap.Float64("value", evt.Value),
			zap.Stringer("run_id", evt.RunID),
		)
		for k, v := range evt.Tags {
			fields = append(fields, zap.String("tag."+k, v))
		}
		s.logger.Debug("metric", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
