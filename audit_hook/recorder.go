package audithook

import (
	"context"
	"log/slog"
)

// LogRecorder writes audit events as structured log records. Critical
// events are logged at error level and warnings at warn level.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder returns a Recorder writing to logger under an "audit"
// group.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (r *LogRecorder) Record(ctx context.Context, evt *AuditEvent) error {
	level := slog.LevelInfo
	switch evt.Severity {
	case SeverityCritical:
		level = slog.LevelError
	case SeverityWarning:
		level = slog.LevelWarn
	}

	meta := make([]any, 0, len(evt.Metadata))
	for k, v := range evt.Metadata {
		meta = append(meta, slog.Any(k, v))
	}
	r.logger.LogAttrs(ctx, level, "audit",
		slog.Group("audit",
			slog.String("action", evt.Action),
			slog.String("category", evt.Category),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("client_id", evt.ClientID),
			slog.String("outcome", evt.Outcome),
			slog.Group("metadata", meta...),
		),
	)
	return nil
}
