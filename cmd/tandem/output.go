package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"tandem/pkg/protocol"
)

// isTerminal reports whether v is an *os.File attached to a terminal.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// theme holds the status colours; all styles are plain when output is not
// a terminal.
type theme struct {
	ok, warn, bad, active, muted, bold lipgloss.Style
}

func newTheme(w io.Writer) theme {
	plain := lipgloss.NewStyle()
	if !isTerminal(w) {
		return theme{plain, plain, plain, plain, plain, plain}
	}
	return theme{
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		bad:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		active: lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		bold:   lipgloss.NewStyle().Bold(true),
	}
}

func (t theme) status(s protocol.Status) string {
	switch s {
	case protocol.StatusRunning:
		return t.active.Render(string(s))
	case protocol.StatusAwaitingReview:
		return t.warn.Render(string(s))
	case protocol.StatusFailed:
		return t.bad.Render(string(s))
	case protocol.StatusMerged:
		return t.ok.Render(string(s))
	}
	return t.muted.Render(string(s))
}

func (t theme) phase(p protocol.Phase) string {
	switch p {
	case protocol.PhaseConflict:
		return t.bad.Render(string(p))
	case protocol.PhaseResolved, protocol.PhaseRebased, protocol.PhaseSquashed, protocol.PhasePreflightChecked:
		return t.active.Render(string(p))
	case protocol.PhaseIntegrated, protocol.PhaseCleanedUp:
		return t.ok.Render(string(p))
	case protocol.PhaseAborted:
		return t.warn.Render(string(p))
	}
	return t.muted.Render(string(p))
}

func (t theme) outcome(o protocol.Outcome) string {
	switch o {
	case protocol.OutcomeSuccess:
		return t.ok.Render(string(o))
	case protocol.OutcomeFailure:
		return t.warn.Render(string(o))
	case protocol.OutcomeError:
		return t.bad.Render(string(o))
	}
	return t.active.Render(string(o))
}

// printer renders command results either as JSON Results or for humans.
type printer struct {
	w    io.Writer
	json bool
	t    theme
}

func newPrinter(cmd *cobra.Command, o *rootOptions) *printer {
	w := cmd.OutOrStdout()
	return &printer{w: w, json: o.json, t: newTheme(w)}
}

// emit prints v (or err) and returns err so the exit status reflects it.
// human is only called on success in text mode.
func emit[T any](p *printer, v T, err error, human func(v T)) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(protocol.From(v, err)); encErr != nil {
			return encErr
		}
		if err != nil {
			return reported{err}
		}
		return nil
	}
	if err != nil {
		return err
	}
	human(v)
	return nil
}

// reported marks an error already written to stdout as a JSON Result.
type reported struct{ error }

func (r reported) Unwrap() error { return r.error }

func (p *printer) session(s *protocol.Session) {
	fmt.Fprintf(p.w, "%s %s\n", p.t.bold.Render(s.Name), p.t.muted.Render(s.ID))
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  status\t%s\n", p.t.status(s.Status))
	fmt.Fprintf(tw, "  branch\t%s (base %s)\n", s.BranchName, s.BaseBranch)
	fmt.Fprintf(tw, "  worktree\t%s\n", s.WorktreePath)
	if s.ScriptCommand != "" {
		fmt.Fprintf(tw, "  script\t%s\n", s.ScriptCommand)
	}
	if s.ModelOverride != "" {
		fmt.Fprintf(tw, "  model\t%s\n", s.ModelOverride)
	}
	if s.ThreadID != "" {
		fmt.Fprintf(tw, "  thread\t%s\n", s.ThreadID)
	}
	fmt.Fprintf(tw, "  created\t%s\n", s.CreatedAt.Local().Format(time.DateTime))
	if s.LastRunAt != nil {
		fmt.Fprintf(tw, "  last run\t%s\n", s.LastRunAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func (p *printer) sessions(list []protocol.Session) {
	if len(list) == 0 {
		fmt.Fprintln(p.w, "no sessions")
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tBRANCH\tLAST RUN")
	for i := range list {
		s := &list[i]
		last := "-"
		if s.LastRunAt != nil {
			last = s.LastRunAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(s.ID), s.Name, p.t.status(s.Status), s.BranchName, last)
	}
	_ = tw.Flush()
}

func (p *printer) iteration(it *protocol.Iteration) {
	commit := "no changes"
	if it.CommitSHA != "" {
		commit = shortID(it.CommitSHA)
	}
	fmt.Fprintf(p.w, "#%d %s  %d files +%d -%d  %s\n", it.Seq, p.t.outcome(it.Outcome),
		it.Stats.FilesChanged, it.Stats.Added, it.Stats.Removed, commit)
}

func (p *printer) workflow(st protocol.MergeWorkflowState) {
	fmt.Fprintf(p.w, "phase %s\n", p.t.phase(st.Phase))
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	if st.BranchSnapshot != "" {
		fmt.Fprintf(tw, "  ahead/behind\t%d/%d\n", st.Ahead, st.Behind)
		fmt.Fprintf(tw, "  fast-forward\t%t\n", st.FastForwardEligible)
	}
	if st.SquashCommit != "" {
		fmt.Fprintf(tw, "  commit\t%s\n", shortID(st.SquashCommit))
	}
	if len(st.ConflictFiles) > 0 {
		fmt.Fprintf(tw, "  conflicts\t%s\n", p.t.bad.Render(strings.Join(st.ConflictFiles, ", ")))
	}
	if st.LastError != "" {
		fmt.Fprintf(tw, "  last error\t%s\n", p.t.bad.Render(st.LastError))
	}
	_ = tw.Flush()
}

func (p *printer) locks(locks []protocol.Lock) {
	if len(locks) == 0 {
		fmt.Fprintln(p.w, "no locks")
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tHOLDER\tPID\tAGE")
	for _, l := range locks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", shortID(l.SessionID), l.Holder, l.PID,
			time.Since(l.AcquiredAt).Truncate(time.Second))
	}
	_ = tw.Flush()
}

func (p *printer) events(events []protocol.Event) {
	for _, e := range events {
		fmt.Fprintf(p.w, "%s %s %-18s %s %s\n", p.t.muted.Render(fmt.Sprintf("%6d", e.ID)),
			e.CreatedAt.Local().Format(time.TimeOnly), e.Type, shortID(e.SessionID), e.Payload)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
