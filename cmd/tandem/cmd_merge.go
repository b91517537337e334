package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tandem/pkg/gitrepo"
	"tandem/pkg/merge"
	"tandem/pkg/protocol"
)

func newPreflightCmd(o *rootOptions) *cobra.Command {
	return sessionCmd(o, "preflight", "Check the worktree and record ahead/behind against the base",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			st, err := a.mgr.Workflow().Preflight(cmd.Context(), id)
			return emit(p, st, err, p.workflow)
		})
}

func newSquashCmd(o *rootOptions) *cobra.Command {
	var message string
	cmd := sessionCmd(o, "squash", "Squash the session branch into a single commit",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			if message == "" {
				sess, err := a.mgr.Get(cmd.Context(), id)
				if err != nil {
					return emit(p, protocol.MergeWorkflowState{}, err, nil)
				}
				message = sess.Name
			}
			st, err := a.mgr.Workflow().Squash(cmd.Context(), id, message)
			return emit(p, st, err, p.workflow)
		})
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message (default: session name)")
	return cmd
}

func newRebaseCmd(o *rootOptions) *cobra.Command {
	return sessionCmd(o, "rebase", "Rebase the squashed commit onto the base branch",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			res, err := a.mgr.Workflow().RebaseOntoBase(cmd.Context(), id)
			return emit(p, res, err, func(res gitrepo.RebaseResult) {
				if !res.Conflict {
					fmt.Fprintln(p.w, p.t.ok.Render("rebased cleanly"))
					return
				}
				fmt.Fprintf(p.w, "%s in %s\n", p.t.bad.Render("conflict"), strings.Join(res.Files, ", "))
				fmt.Fprintf(p.w, "resolve the files in the worktree, then run: tandem continue %s\n", shortID(id))
			})
		})
}

func newContinueCmd(o *rootOptions) *cobra.Command {
	return sessionCmd(o, "continue", "Continue the rebase once conflicts are resolved",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			st, err := a.mgr.Workflow().ContinueMerge(cmd.Context(), id)
			return emit(p, st, err, p.workflow)
		})
}

func newAbortCmd(o *rootOptions) *cobra.Command {
	return sessionCmd(o, "abort", "Abort the merge and restore the branch",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			st, err := a.mgr.Workflow().AbortMerge(cmd.Context(), id)
			return emit(p, st, err, p.workflow)
		})
}

func newFastForwardCmd(o *rootOptions) *cobra.Command {
	var opts merge.FFOptions
	cmd := sessionCmd(o, "ff", "Fast-forward the base branch to the session branch",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			st, err := a.mgr.Workflow().FastForwardMerge(cmd.Context(), id, opts)
			return emit(p, st, err, p.workflow)
		})
	cmd.Aliases = []string{"fast-forward"}
	cmd.Flags().BoolVar(&opts.Cleanup, "cleanup", false, "remove the session once merged")
	return cmd
}

func newExportPatchCmd(o *rootOptions) *cobra.Command {
	var out string
	cmd := sessionCmd(o, "export-patch", "Write the squashed commit as a patch",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			if out == "" || out == "-" {
				patch, err := a.mgr.Workflow().Patch(cmd.Context(), id)
				return emit(p, patch, err, func(patch string) { fmt.Fprint(p.w, patch) })
			}
			err := a.mgr.Workflow().ExportPatch(cmd.Context(), id, out)
			return emit(p, out, err, func(out string) { fmt.Fprintf(p.w, "wrote %s\n", out) })
		})
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: stdout)")
	return cmd
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	return sessionCmd(o, "status", "Show the reconciled merge workflow state",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			st, err := a.mgr.Workflow().Status(cmd.Context(), id)
			return emit(p, st, err, p.workflow)
		})
}

func newStepCmd(o *rootOptions) *cobra.Command {
	var message string
	cmd := sessionCmd(o, "step", "Perform the next merge transition",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			res, err := a.mgr.Workflow().Step(cmd.Context(), id, message)
			return emit(p, res, err, func(res merge.StepResult) {
				fmt.Fprintf(p.w, "%s: ", p.t.bold.Render(string(res.Action)))
				if res.Rebase != nil && res.Rebase.Conflict {
					fmt.Fprintf(p.w, "%s in %s\n", p.t.bad.Render("conflict"), strings.Join(res.Rebase.Files, ", "))
					return
				}
				p.workflow(res.State)
			})
		})
	cmd.Flags().StringVarP(&message, "message", "m", "", "squash message when the next step squashes")
	return cmd
}
