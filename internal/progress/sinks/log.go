package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/scraper-intel/internal/progress"
)

// LogSink writes one structured log line per event. Progress ticks log at
// debug, failures at warn, everything else at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("jobs")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("event", string(evt.Type)),
			zap.String("domain", evt.Domain),
			zap.String("platform", evt.Platform),
			zap.String("tenant_id", evt.TenantID),
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Duration > 0 {
			fields = append(fields, zap.Duration("duration", evt.Duration))
		}
		if evt.Result != nil {
			fields = append(fields,
				zap.Int("signals", len(evt.Result.Signals)),
				zap.Float64("lead_score", evt.Result.LeadScore),
			)
		}
		if evt.Error != nil {
			fields = append(fields, zap.String("error_code", evt.Error.Code), zap.Bool("retryable", evt.Error.Retryable))
		}
		s.logger.Log(levelFor(evt.Type), "job event", fields...)
	}
	return nil
}

func levelFor(t progress.EventType) zapcore.Level {
	switch t {
	case progress.EventProgress:
		return zapcore.DebugLevel
	case progress.EventFailed:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements progress.Sink; it flushes nothing.
func (s *LogSink) Close(context.Context) error {
	return nil
}
