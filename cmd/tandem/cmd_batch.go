package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tandem/pkg/batch"
	"tandem/pkg/protocol"
	"tandem/pkg/store"
)

type batchOptions struct {
	all         bool
	status      string
	concurrency int
	notes       string
	message     string
}

func newBatchCmd(o *rootOptions) *cobra.Command {
	var bo batchOptions
	cmd := &cobra.Command{
		Use:   "batch <iterate|step|preflight> [session...]",
		Short: "Run an operation across many sessions concurrently",
		Long: "Runs the operation on every listed session (or all sessions with --all /\n" +
			"--status) with bounded concurrency. Busy sessions are skipped; Ctrl-C stops\n" +
			"dispatching new work and waits for running operations to be recorded.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, o, func(a *app) error {
				p := newPrinter(cmd, o)
				op, err := batchOp(a, args[0], bo)
				if err != nil {
					return emit[[]batch.Result](p, nil, err, nil)
				}
				ids, err := batchIDs(cmd.Context(), a, args[1:], bo)
				if err != nil {
					return emit[[]batch.Result](p, nil, err, nil)
				}
				ctrl := batch.New(a.cfg.Concurrency, a.logger)
				results := ctrl.Run(cmd.Context(), ids, op, bo.concurrency)
				// Per-session outcomes are printed even when some failed.
				if err := emit(p, results, nil, p.batch); err != nil {
					return err
				}
				err = batchErr(results)
				if err != nil && p.json {
					return reported{err}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&bo.all, "all", false, "every session")
	cmd.Flags().StringVar(&bo.status, "status", "", "every session with this status")
	cmd.Flags().IntVarP(&bo.concurrency, "concurrency", "c", 0, "operations in flight (default from config)")
	cmd.Flags().StringVarP(&bo.notes, "notes", "n", "", "iteration notes")
	cmd.Flags().StringVarP(&bo.message, "message", "m", "", "squash message for step")
	return cmd
}

func batchOp(a *app, name string, bo batchOptions) (batch.Op, error) {
	switch name {
	case "iterate":
		return batch.Iterate{Manager: a.mgr, Notes: bo.notes}, nil
	case "step", "merge-step":
		return batch.MergeStep{Workflow: a.mgr.Workflow(), Message: bo.message}, nil
	case "preflight":
		return batch.Preflight{Workflow: a.mgr.Workflow()}, nil
	}
	return nil, &protocol.ValidationError{Field: "op", Reason: fmt.Sprintf("unknown batch operation %q", name)}
}

func batchIDs(ctx context.Context, a *app, args []string, bo batchOptions) ([]string, error) {
	if bo.all || bo.status != "" {
		if len(args) > 0 {
			return nil, &protocol.ValidationError{Field: "session", Reason: "sessions and --all/--status are exclusive"}
		}
		list, err := a.mgr.List(ctx, store.ListFilter{Status: protocol.Status(bo.status)})
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(list))
		for i, s := range list {
			ids[i] = s.ID
		}
		return ids, nil
	}
	if len(args) == 0 {
		return nil, &protocol.ValidationError{Field: "session", Reason: "name sessions or pass --all/--status"}
	}
	ids := make([]string, 0, len(args))
	for _, arg := range args {
		id, err := resolveID(ctx, a, arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// batchErr summarises failed sessions so the exit status is non-zero.
func batchErr(results []batch.Result) error {
	failed := 0
	for _, r := range results {
		if r.Outcome == batch.Failed {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d sessions failed", failed, len(results))
}

func (p *printer) batch(results []batch.Result) {
	if len(results) == 0 {
		fmt.Fprintln(p.w, "no sessions")
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	for _, r := range results {
		outcome := string(r.Outcome)
		switch r.Outcome {
		case batch.Succeeded:
			outcome = p.t.ok.Render(outcome)
		case batch.Failed:
			outcome = p.t.bad.Render(outcome)
		default:
			outcome = p.t.warn.Render(outcome)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", shortID(r.SessionID), outcome, r.Error)
	}
	_ = tw.Flush()
}
