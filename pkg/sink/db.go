package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event sources written to the events table.
const (
	SourceNotify    = "notify"
	SourceTelemetry = "telemetry"
)

// DB appends events and metrics to the events table.
type DB struct {
	db *sql.DB
}

// NewDB returns a DB sink over an opened state database.
func NewDB(db *sql.DB) *DB {
	return &DB{db: db}
}

// Notify implements Notifier.
func (s *DB) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(struct {
		Message string         `json:"message"`
		Attrs   map[string]any `json:"attrs,omitempty"`
	}{ev.Message, ev.Attrs})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	return s.logEvent(ctx, ev.Type, SourceNotify, ev.SessionID, string(payload), ev.At)
}

// Record implements Recorder. Metrics are stored with type "metric.<name>".
func (s *DB) Record(ctx context.Context, m Metric) error {
	payload, err := json.Marshal(struct {
		Value float64        `json:"value"`
		Attrs map[string]any `json:"attrs,omitempty"`
	}{m.Value, m.Attrs})
	if err != nil {
		return fmt.Errorf("marshal metric %s: %w", m.Name, err)
	}
	return s.logEvent(ctx, "metric."+m.Name, SourceTelemetry, m.SessionID, string(payload), m.At)
}

func (s *DB) logEvent(ctx context.Context, evType, source, sessionID, payload string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, session_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		evType, source, sessionID, payload, at.UnixNano())
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}
