// Package batch fans one operation out over many sessions with bounded
// concurrency. Each operation takes its own session lock, so a session that
// is already busy is reported as skipped rather than waited for.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tandem/pkg/merge"
	"tandem/pkg/protocol"
	"tandem/pkg/session"
)

// DefaultConcurrency is used when neither the caller nor the config set one.
const DefaultConcurrency = 4

// Outcome of one session's operation.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	Skipped   Outcome = "skipped"   // the session lock was held
	Cancelled Outcome = "cancelled" // never dispatched
)

// Result is the per-session report, in the order the ids were given.
type Result struct {
	SessionID string             `json:"session_id"`
	Outcome   Outcome            `json:"outcome"`
	Kind      protocol.ErrorKind `json:"kind,omitempty"`
	Error     string             `json:"error,omitempty"`
	Value     any                `json:"value,omitempty"`
}

// Op is an operation applied to one session.
type Op interface {
	Name() string
	Do(ctx context.Context, id string) (any, error)
}

// Controller runs batches.
type Controller struct {
	n      int
	logger *slog.Logger
}

// New returns a Controller whose default fan-out is n (n <= 0 selects
// DefaultConcurrency).
func New(n int, logger *slog.Logger) *Controller {
	if n <= 0 {
		n = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{n: n, logger: logger}
}

// Run applies op to every id with at most n operations in flight. After
// ctx is cancelled no further operations start; those already running
// finish with a non-cancellable context so their outcome is recorded.
func (c *Controller) Run(ctx context.Context, ids []string, op Op, n int) []Result {
	if n <= 0 {
		n = c.n
	}
	results := make([]Result, len(ids))
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup

	for i, id := range ids {
		results[i] = Result{SessionID: id, Outcome: Cancelled}
		select {
		case <-ctx.Done():
			continue
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			continue
		}

		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = c.do(context.WithoutCancel(ctx), op, id)
		}(i, id)
	}
	wg.Wait()

	counts := map[Outcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
	}
	c.logger.Info("batch done", "op", op.Name(), "sessions", len(ids),
		"succeeded", counts[Succeeded], "failed", counts[Failed],
		"skipped", counts[Skipped], "cancelled", counts[Cancelled])
	return results
}

func (c *Controller) do(ctx context.Context, op Op, id string) (res Result) {
	res.SessionID = id
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("batch operation panicked", "op", op.Name(), "session", id, "panic", r)
			res = Result{
				SessionID: id,
				Outcome:   Failed,
				Kind:      protocol.KindInternal,
				Error:     fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	v, err := op.Do(ctx, id)
	switch kind := protocol.KindOf(err); kind {
	case "":
		res.Outcome = Succeeded
		res.Value = v
	case protocol.KindLockBusy:
		res.Outcome = Skipped
		res.Kind = kind
		res.Error = err.Error()
	default:
		c.logger.Warn("batch operation failed", "op", op.Name(), "session", id, "error", err)
		res.Outcome = Failed
		res.Kind = kind
		res.Error = err.Error()
		res.Value = v
	}
	return res
}

// Iterate runs one agent iteration per session.
type Iterate struct {
	Manager *session.Manager
	Notes   string
}

func (o Iterate) Name() string { return "iterate" }

func (o Iterate) Do(ctx context.Context, id string) (any, error) {
	it, err := o.Manager.Iterate(ctx, id, o.Notes)
	if it == nil {
		return nil, err
	}
	return it, err
}

// MergeStep advances each session's merge workflow by one transition.
type MergeStep struct {
	Workflow *merge.Workflow
	Message  string
}

func (o MergeStep) Name() string { return "merge-step" }

func (o MergeStep) Do(ctx context.Context, id string) (any, error) {
	return o.Workflow.Step(ctx, id, o.Message)
}

// Preflight refreshes each session's preflight report.
type Preflight struct {
	Workflow *merge.Workflow
}

func (o Preflight) Name() string { return "preflight" }

func (o Preflight) Do(ctx context.Context, id string) (any, error) {
	return o.Workflow.Preflight(ctx, id)
}
