package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tandem/pkg/protocol"
	"tandem/pkg/session"
)

func newLocksCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List session locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(a *app) error {
				p := newPrinter(cmd, o)
				locks, err := a.mgr.Locks().List(cmd.Context())
				if locks == nil {
					locks = []protocol.Lock{}
				}
				return emit(p, locks, err, p.locks)
			})
		},
	}

	var maxAge time.Duration
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stale locks (older than the TTL or held by a dead process)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(a *app) error {
				p := newPrinter(cmd, o)
				reclaimed, err := a.mgr.Locks().CleanupStaleLocks(cmd.Context(), maxAge)
				if reclaimed == nil {
					reclaimed = []protocol.Lock{}
				}
				return emit(p, reclaimed, err, func(locks []protocol.Lock) {
					fmt.Fprintf(p.w, "reclaimed %d locks\n", len(locks))
					if len(locks) > 0 {
						p.locks(locks)
					}
				})
			})
		},
	}
	sweep.Flags().DurationVar(&maxAge, "max-age", 0, "reclaim locks older than this (default: lock TTL)")
	cmd.AddCommand(sweep)
	return cmd
}

func newReconcileCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair state left behind by a crashed process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(a *app) error {
				p := newPrinter(cmd, o)
				rep, err := a.mgr.Reconcile(cmd.Context())
				return emit(p, rep, err, func(rep session.ReconcileReport) {
					fmt.Fprintf(p.w, "reclaimed locks: %d\n", len(rep.ReclaimedLocks))
					fmt.Fprintf(p.w, "failed sessions: %d\n", len(rep.FailedSessions))
					fmt.Fprintf(p.w, "interrupted iterations: %d\n", rep.InterruptedIterations)
					for _, id := range rep.MissingWorktrees {
						fmt.Fprintf(p.w, "%s session %s has no worktree; run tandem cleanup --force\n",
							p.t.warn.Render("warning:"), shortID(id))
					}
				})
			})
		},
	}
}
