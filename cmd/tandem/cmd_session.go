package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tandem/pkg/protocol"
	"tandem/pkg/session"
	"tandem/pkg/store"
)

// resolveID accepts a full session id, a unique id prefix or a session
// name.
func resolveID(ctx context.Context, a *app, arg string) (string, error) {
	if _, err := a.mgr.Get(ctx, arg); err == nil {
		return arg, nil
	} else if protocol.KindOf(err) != protocol.KindNotFound {
		return "", err
	}
	all, err := a.mgr.List(ctx, store.ListFilter{})
	if err != nil {
		return "", err
	}
	var matches []string
	for _, s := range all {
		if s.Name == arg || strings.HasPrefix(s.ID, arg) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", &protocol.NotFoundError{SessionID: arg}
	case 1:
		return matches[0], nil
	}
	return "", &protocol.ValidationError{Field: "session", Reason: fmt.Sprintf("%q matches %d sessions", arg, len(matches))}
}

// sessionCmd builds a command taking exactly one session argument.
func sessionCmd(o *rootOptions, use, short string, run func(cmd *cobra.Command, a *app, p *printer, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, o, func(a *app) error {
				p := newPrinter(cmd, o)
				id, err := resolveID(cmd.Context(), a, args[0])
				if err != nil {
					return emit(p, struct{}{}, err, nil)
				}
				return run(cmd, a, p, id)
			})
		},
	}
}

func newCreateCmd(o *rootOptions) *cobra.Command {
	var (
		opts       session.CreateOpts
		promptFile string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a session on a new branch and worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			if promptFile != "" {
				b, err := os.ReadFile(promptFile)
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				opts.Prompt = string(b)
			}
			if opts.RepoRoot == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				opts.RepoRoot = wd
			}
			return withApp(cmd, o, func(a *app) error {
				p := newPrinter(cmd, o)
				sess, err := a.mgr.Create(cmd.Context(), opts)
				return emit(p, sess, err, p.session)
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Prompt, "prompt", "p", "", "agent prompt")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "read the agent prompt from a file")
	cmd.Flags().StringVar(&opts.RepoRoot, "repo", "", "repository root (default: current directory)")
	cmd.Flags().StringVar(&opts.BaseBranch, "base", "", "base branch (default from config)")
	cmd.Flags().StringVar(&opts.ScriptCommand, "script", "", "validation command run after each iteration")
	cmd.Flags().StringVar(&opts.Model, "model", "", "agent model override")
	cmd.Flags().StringVar(&opts.ThreadID, "thread", "", "resume an existing agent thread")
	cmd.MarkFlagsMutuallyExclusive("prompt", "prompt-file")
	return cmd
}

func newListCmd(o *rootOptions) *cobra.Command {
	var f store.ListFilter
	var status string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = protocol.Status(status)
			return withApp(cmd, o, func(a *app) error {
				p := newPrinter(cmd, o)
				list, err := a.mgr.List(cmd.Context(), f)
				if list == nil {
					list = []protocol.Session{}
				}
				return emit(p, list, err, p.sessions)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only sessions with this status")
	cmd.Flags().StringVar(&f.RepoRoot, "repo", "", "only sessions of this repository")
	return cmd
}

// sessionDetail is what `get` shows.
type sessionDetail struct {
	Session    *protocol.Session            `json:"session"`
	Iterations []protocol.Iteration         `json:"iterations"`
	Merge      *protocol.MergeWorkflowState `json:"merge"`
}

func newGetCmd(o *rootOptions) *cobra.Command {
	cmd := sessionCmd(o, "get", "Show a session with its iterations and merge state",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			ctx := cmd.Context()
			d := sessionDetail{}
			var err error
			if d.Session, err = a.mgr.Get(ctx, id); err == nil {
				if d.Iterations, err = a.mgr.Iterations(ctx, id); err == nil {
					d.Merge, err = a.store.GetWorkflow(ctx, id)
				}
			}
			return emit(p, d, err, func(d sessionDetail) {
				p.session(d.Session)
				for i := range d.Iterations {
					fmt.Fprint(p.w, "  ")
					p.iteration(&d.Iterations[i])
				}
				if d.Merge.Phase != protocol.PhaseNotStarted {
					fmt.Fprint(p.w, "  merge ")
					p.workflow(*d.Merge)
				}
			})
		})
	cmd.Aliases = []string{"show"}
	return cmd
}

func newIterateCmd(o *rootOptions) *cobra.Command {
	var notes string
	cmd := sessionCmd(o, "iterate", "Run one agent iteration and commit its changes",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			it, err := a.mgr.Iterate(cmd.Context(), id, notes)
			if err != nil && it != nil && !p.json {
				p.iteration(it)
			}
			return emit(p, it, err, p.iteration)
		})
	cmd.Flags().StringVarP(&notes, "notes", "n", "", "notes appended to the prompt for this iteration")
	return cmd
}

func newDiffCmd(o *rootOptions) *cobra.Command {
	var statOnly bool
	cmd := sessionCmd(o, "diff", "Show the session's changes against its base",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			d, err := a.mgr.Diff(cmd.Context(), id)
			return emit(p, d, err, func(d session.DiffResult) {
				if !statOnly {
					fmt.Fprint(p.w, d.Patch)
				}
				fmt.Fprintf(p.w, "%d files changed, +%d -%d\n", d.Stats.FilesChanged, d.Stats.Added, d.Stats.Removed)
			})
		})
	cmd.Flags().BoolVar(&statOnly, "stat", false, "only print the summary")
	return cmd
}

func newCleanupCmd(o *rootOptions) *cobra.Command {
	var force, yes bool
	cmd := sessionCmd(o, "cleanup", "Remove a merged session's worktree, branch and record",
		func(cmd *cobra.Command, a *app, p *printer, id string) error {
			if force && !yes && stdinIsTerminal() {
				ok, err := confirm(cmd, fmt.Sprintf("discard any unmerged work in session %s? [y/N] ", shortID(id)))
				if err != nil || !ok {
					return errors.Join(err, errors.New("cleanup cancelled"))
				}
			}
			err := a.mgr.Cleanup(cmd.Context(), id, force)
			return emit(p, id, err, func(id string) {
				fmt.Fprintf(p.w, "cleaned up %s\n", id)
			})
		})
	cmd.Flags().BoolVarP(&force, "force", "f", false, "remove even if the branch is not merged")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
