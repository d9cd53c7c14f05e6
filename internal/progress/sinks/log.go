package sinks

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawl-taskboard/internal/progress"
)

// LogSink writes each event as a structured log line.
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

// Consume logs each event. Aborts and anomalies are logged at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageBatchAbort, progress.StageTaskAbort, progress.StageRunningAnomaly:
			level = zapcore.WarnLevel
		}
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("url", evt.URL),
			zap.String("status", string(evt.Status)),
			zap.Duration("dur", evt.Dur),
		}
		if evt.BatchID != uuid.Nil {
			fields = append(fields, zap.String("batch_id", evt.BatchID.String()))
		}
		if evt.Tasks > 0 {
			fields = append(fields, zap.Int("tasks", evt.Tasks))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(level, "progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
