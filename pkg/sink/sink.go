// Package sink delivers notification events and telemetry records. Sinks
// are fire-and-forget from the caller's point of view: Emitter logs and
// swallows sink failures, panics included, so they never fail a session
// operation.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Event is a user-facing notification.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	At        time.Time      `json:"at"`
}

// Metric is a telemetry record.
type Metric struct {
	Name      string         `json:"name"`
	SessionID string         `json:"session_id,omitempty"`
	Value     float64        `json:"value"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	At        time.Time      `json:"at"`
}

// Notifier receives notification events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Recorder receives telemetry records.
type Recorder interface {
	Record(ctx context.Context, m Metric) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error  { return nil } //nolint:revive // interface impl
func (Nop) Record(context.Context, Metric) error { return nil } //nolint:revive // interface impl

// Notifiers fans an event out to every notifier and joins their errors.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range ns {
		if err := safely(func() error { return n.Notify(ctx, ev) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorders fans a metric out to every recorder and joins their errors.
type Recorders []Recorder

// Record implements Recorder.
func (rs Recorders) Record(ctx context.Context, m Metric) error {
	var errs []error
	for _, r := range rs {
		if err := safely(func() error { return r.Record(ctx, m) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// safely runs fn and turns a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return fn()
}

// Emitter is the producer-side handle used by the session manager and the
// merge workflow.
type Emitter struct {
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewEmitter returns an Emitter. Nil arguments select Nop sinks and
// slog.Default.
func NewEmitter(n Notifier, r Recorder, logger *slog.Logger) *Emitter {
	if n == nil {
		n = Nop{}
	}
	if r == nil {
		r = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{notifier: n, recorder: r, logger: logger, nowFunc: time.Now}
}

// Event delivers ev. Failures are logged and dropped.
func (e *Emitter) Event(ctx context.Context, typ, sessionID, message string, attrs map[string]any) {
	ev := Event{Type: typ, SessionID: sessionID, Message: message, Attrs: attrs, At: e.nowFunc()}
	ctx = context.WithoutCancel(ctx)
	if err := safely(func() error { return e.notifier.Notify(ctx, ev) }); err != nil {
		e.logger.Warn("notification sink failed", "type", typ, "session", sessionID, "error", err)
	}
}

// Metric delivers a telemetry record. Failures are logged and dropped.
func (e *Emitter) Metric(ctx context.Context, name, sessionID string, value float64, attrs map[string]any) {
	m := Metric{Name: name, SessionID: sessionID, Value: value, Attrs: attrs, At: e.nowFunc()}
	ctx = context.WithoutCancel(ctx)
	if err := safely(func() error { return e.recorder.Record(ctx, m) }); err != nil {
		e.logger.Warn("telemetry sink failed", "metric", name, "session", sessionID, "error", err)
	}
}
