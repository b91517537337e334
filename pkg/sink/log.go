package sink

import (
	"context"
	"log/slog"
)

// Log writes events at info and metrics at debug level.
type Log struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l Log) Notify(ctx context.Context, ev Event) error {
	l.Logger.InfoContext(ctx, ev.Message, "event", ev.Type, "session", ev.SessionID)
	return nil
}

// Record implements Recorder.
func (l Log) Record(ctx context.Context, m Metric) error {
	l.Logger.DebugContext(ctx, "metric", "name", m.Name, "session", m.SessionID, "value", m.Value)
	return nil
}
