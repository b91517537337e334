// Package merge drives a session's merge workflow: preflight, squash,
// rebase onto the base branch, conflict recovery, fast-forward and abort.
//
// Every operation takes the session lock, re-reads the session and its
// workflow row, reconciles the recorded phase with the repository, and
// persists each transition before returning. A crash between a repository
// mutation and the store write is repaired by the next reconcile.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"tandem/pkg/gitrepo"
	"tandem/pkg/lock"
	"tandem/pkg/protocol"
	"tandem/pkg/sink"
	"tandem/pkg/store"
)

// CleanupFunc removes a session's worktree, branch and row. It is called
// with the session lock already held.
type CleanupFunc func(ctx context.Context, sess *protocol.Session) error

// Config holds a Workflow's collaborators.
type Config struct {
	Store   *store.Store
	Locks   *lock.Manager
	Repo    *gitrepo.Repo
	Emitter *sink.Emitter
	Logger  *slog.Logger
	// Cleanup runs after an integrating fast-forward when requested.
	Cleanup CleanupFunc
}

// Workflow implements the merge operations.
type Workflow struct {
	store   *store.Store
	locks   *lock.Manager
	repo    *gitrepo.Repo
	emit    *sink.Emitter
	logger  *slog.Logger
	cleanup CleanupFunc

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New returns a Workflow.
func New(cfg Config) *Workflow {
	w := &Workflow{
		store:   cfg.Store,
		locks:   cfg.Locks,
		repo:    cfg.Repo,
		emit:    cfg.Emitter,
		logger:  cfg.Logger,
		cleanup: cfg.Cleanup,
		nowFunc: time.Now,
	}
	if w.repo == nil {
		w.repo = gitrepo.New(nil)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.emit == nil {
		w.emit = sink.NewEmitter(nil, nil, w.logger)
	}
	return w
}

// FFOptions tunes FastForwardMerge.
type FFOptions struct {
	// Cleanup removes the worktree, branch and session after integrating.
	Cleanup bool
}

// StepResult reports what Step did.
type StepResult struct {
	Action Event                       `json:"action"`
	State  protocol.MergeWorkflowState `json:"state"`
	Rebase *gitrepo.RebaseResult       `json:"rebase,omitempty"`
}

// ActionNone is reported by Step when the workflow has nothing left to do.
const ActionNone Event = "none"

// run carries the state loaded for one locked operation.
type run struct {
	sess *protocol.Session
	st   *protocol.MergeWorkflowState
}

// withState locks the session, loads and reconciles its workflow and runs
// fn.
func (w *Workflow) withState(ctx context.Context, id string, fn func(ctx context.Context, r *run) error) error {
	return w.locks.WithLock(ctx, id, lock.NewHolder(), func(ctx context.Context) error {
		sess, err := w.store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		st, err := w.store.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		r := &run{sess: sess, st: st}
		if err := w.reconcile(ctx, r); err != nil {
			return err
		}
		return fn(ctx, r)
	})
}

// require checks that ev is legal in the current phase.
func (w *Workflow) require(r *run, ev Event) error {
	if _, err := Next(r.st.Phase, ev); err != nil {
		return invalid(r, ev)
	}
	return nil
}

func invalid(r *run, ev Event) error {
	return &protocol.InvalidPhaseError{SessionID: r.sess.ID, Phase: r.st.Phase, Op: string(ev)}
}

// advance applies ev and persists the new phase.
func (w *Workflow) advance(ctx context.Context, r *run, ev Event) error {
	to, err := Next(r.st.Phase, ev)
	if err != nil {
		return invalid(r, ev)
	}
	from := r.st.Phase
	r.st.Phase = to
	r.st.LastError = ""
	if err := w.save(ctx, r.st); err != nil {
		r.st.Phase = from
		return err
	}
	if from != to {
		w.logger.Info("merge phase changed", "session", r.sess.ID, "from", from, "to", to, "event", ev)
		w.emit.Event(ctx, protocol.EvPhaseChanged, r.sess.ID,
			fmt.Sprintf("%s: %s -> %s", r.sess.Name, from, to),
			map[string]any{"from": string(from), "to": string(to), "event": string(ev)})
	}
	return nil
}

func (w *Workflow) save(ctx context.Context, st *protocol.MergeWorkflowState) error {
	st.UpdatedAt = w.nowFunc().UTC()
	return w.store.SaveWorkflow(context.WithoutCancel(ctx), st)
}

// fail records err as the workflow's last error (best effort) and returns
// it. Non-protocol errors become RepositoryErrors for op.
func (w *Workflow) fail(ctx context.Context, r *run, op string, err error) error {
	if protocol.KindOf(err) == protocol.KindInternal {
		err = &protocol.RepositoryError{SessionID: r.sess.ID, Op: op, Err: err}
	}
	r.st.LastError = err.Error()
	if saveErr := w.save(ctx, r.st); saveErr != nil {
		w.logger.Warn("record merge error failed", "session", r.sess.ID, "error", saveErr)
	}
	return err
}

// Preflight checks the worktree is clean and records how the branch relates
// to its base. The repository is not modified.
func (w *Workflow) Preflight(ctx context.Context, id string) (protocol.MergeWorkflowState, error) {
	var out protocol.MergeWorkflowState
	err := w.withState(ctx, id, func(ctx context.Context, r *run) error {
		if err := w.require(r, EvPreflight); err != nil {
			return err
		}
		s := r.sess
		dirty, files, err := w.repo.IsDirty(ctx, s.WorktreePath)
		if err != nil {
			return w.fail(ctx, r, "status", err)
		}
		if dirty {
			return &protocol.DirtyWorktreeError{SessionID: id, Files: files}
		}
		baseSHA, err := w.repo.RevParse(ctx, s.RepoRoot, s.BaseBranch)
		if err != nil {
			return w.fail(ctx, r, "resolve base", err)
		}
		branchSHA, err := w.repo.RevParse(ctx, s.RepoRoot, s.BranchName)
		if err != nil {
			return w.fail(ctx, r, "resolve branch", err)
		}
		ahead, behind, err := w.repo.AheadBehind(ctx, s.RepoRoot, s.BaseBranch, s.BranchName)
		if err != nil {
			return w.fail(ctx, r, "ahead/behind", err)
		}

		*r.st = protocol.MergeWorkflowState{
			SessionID:           id,
			Phase:               r.st.Phase,
			BaseSnapshot:        baseSHA,
			BranchSnapshot:      branchSHA,
			Ahead:               ahead,
			Behind:              behind,
			FastForwardEligible: behind == 0 && ahead > 0,
		}
		if err := w.advance(ctx, r, EvPreflight); err != nil {
			return err
		}
		out = *r.st
		return nil
	})
	return out, err
}

// Squash collapses the branch into one commit with message. Re-running
// with the same message once squashed is a no-op.
func (w *Workflow) Squash(ctx context.Context, id, message string) (protocol.MergeWorkflowState, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return protocol.MergeWorkflowState{}, &protocol.ValidationError{Field: "message", Reason: "must not be empty"}
	}
	var out protocol.MergeWorkflowState
	err := w.withState(ctx, id, func(ctx context.Context, r *run) error {
		if r.st.Phase == protocol.PhaseSquashed && r.st.SquashMessage == message {
			out = *r.st
			return nil
		}
		if r.st.Phase != protocol.PhasePreflightChecked {
			return invalid(r, EvSquash)
		}
		s := r.sess
		ahead, _, err := w.repo.AheadBehind(ctx, s.RepoRoot, s.BaseBranch, s.BranchName)
		if err != nil {
			return w.fail(ctx, r, "ahead/behind", err)
		}
		if ahead == 0 {
			return &protocol.ValidationError{Field: "branch", Reason: "no commits ahead of " + s.BaseBranch}
		}

		// Intent first: a crash after the commit is recognised by reconcile.
		r.st.SquashMessage = message
		if err := w.save(ctx, r.st); err != nil {
			return err
		}
		sha, err := w.repo.Squash(ctx, s.WorktreePath, s.BaseBranch, message)
		if err != nil {
			return w.fail(ctx, r, "squash", err)
		}
		r.st.SquashCommit = sha
		if err := w.advance(ctx, r, EvSquash); err != nil {
			return err
		}
		out = *r.st
		return nil
	})
	return out, err
}

// RebaseOntoBase rebases the squashed branch onto the base branch. A
// conflict is reported in the result with a nil error.
func (w *Workflow) RebaseOntoBase(ctx context.Context, id string) (gitrepo.RebaseResult, error) {
	var out gitrepo.RebaseResult
	err := w.withState(ctx, id, func(ctx context.Context, r *run) error {
		switch r.st.Phase {
		case protocol.PhaseRebased:
			return nil
		case protocol.PhaseConflict:
			out = gitrepo.RebaseResult{Conflict: true, Files: r.st.ConflictFiles}
			return nil
		case protocol.PhaseSquashed:
		default:
			return invalid(r, EvRebaseClean)
		}
		var err error
		out, err = w.rebase(ctx, r)
		return err
	})
	return out, err
}

func (w *Workflow) rebase(ctx context.Context, r *run) (gitrepo.RebaseResult, error) {
	s := r.sess
	res, err := w.repo.Rebase(ctx, s.WorktreePath, s.BaseBranch)
	if err != nil {
		if abortErr := w.repo.AbortRebase(context.WithoutCancel(ctx), s.WorktreePath); abortErr != nil {
			w.logger.Warn("rebase abort after failure", "session", s.ID, "error", abortErr)
		}
		return res, w.fail(ctx, r, "rebase", err)
	}
	if res.Conflict {
		return res, w.enterConflict(ctx, r, res.Files)
	}
	tip, err := w.repo.RevParse(ctx, s.WorktreePath, "HEAD")
	if err != nil {
		return res, w.fail(ctx, r, "resolve rebased tip", err)
	}
	r.st.SquashCommit = tip
	return res, w.advance(ctx, r, EvRebaseClean)
}

func (w *Workflow) enterConflict(ctx context.Context, r *run, files []string) error {
	r.st.HasConflicts = true
	r.st.ConflictFiles = files
	if err := w.advance(ctx, r, EvRebaseConflict); err != nil {
		return err
	}
	w.emit.Event(ctx, protocol.EvMergeConflict, r.sess.ID,
		fmt.Sprintf("%s: rebase conflict in %s", r.sess.Name, strings.Join(files, ", ")),
		map[string]any{"files": files})
	return nil
}

// ContinueMerge resumes the rebase once every conflicted file is free of
// conflict markers. A further conflict moves the workflow back to the
// conflict phase without an error.
func (w *Workflow) ContinueMerge(ctx context.Context, id string) (protocol.MergeWorkflowState, error) {
	var out protocol.MergeWorkflowState
	err := w.withState(ctx, id, func(ctx context.Context, r *run) error {
		if r.st.Phase != protocol.PhaseConflict && r.st.Phase != protocol.PhaseResolved {
			return invalid(r, EvContinue)
		}
		s := r.sess
		unmerged, err := w.repo.UnmergedFiles(ctx, s.WorktreePath)
		if err != nil {
			return w.fail(ctx, r, "list unmerged paths", err)
		}
		marked, err := gitrepo.ConflictMarkers(s.WorktreePath, union(r.st.ConflictFiles, unmerged))
		if err != nil {
			return w.fail(ctx, r, "scan conflict markers", err)
		}
		if len(marked) > 0 {
			return &protocol.UnresolvedConflictError{SessionID: id, Files: marked}
		}

		if r.st.Phase == protocol.PhaseConflict {
			if err := w.advance(ctx, r, EvResolve); err != nil {
				return err
			}
		}
		if err := w.repo.StageAll(ctx, s.WorktreePath); err != nil {
			return w.fail(ctx, r, "stage resolution", err)
		}
		res, err := w.repo.ContinueRebase(ctx, s.WorktreePath)
		if err != nil {
			return w.fail(ctx, r, "rebase --continue", err)
		}
		if res.Conflict {
			if err := w.enterConflict(ctx, r, res.Files); err != nil {
				return err
			}
			out = *r.st
			return nil
		}
		tip, err := w.repo.RevParse(ctx, s.WorktreePath, "HEAD")
		if err != nil {
			return w.fail(ctx, r, "resolve rebased tip", err)
		}
		r.st.SquashCommit = tip
		r.st.HasConflicts = false
		r.st.ConflictFiles = nil
		if err := w.advance(ctx, r, EvContinue); err != nil {
			return err
		}
		out = *r.st
		return nil
	})
	return out, err
}

// AbortMerge abandons the workflow and restores the branch to the tip
// captured at preflight. Aborting an aborted workflow succeeds.
func (w *Workflow) AbortMerge(ctx context.Context, id string) (protocol.MergeWorkflowState, error) {
	var out protocol.MergeWorkflowState
	err := w.withState(ctx, id, func(ctx context.Context, r *run) error {
		if r.st.Phase == protocol.PhaseAborted {
			out = *r.st
			return nil
		}
		if err := w.require(r, EvAbort); err != nil {
			return err
		}
		s := r.sess
		snapshot := r.st.BranchSnapshot
		if r.st.Phase != protocol.PhaseNotStarted && !w.repo.IsCommit(ctx, s.RepoRoot, snapshot) {
			return &protocol.CorruptStateError{SessionID: id,
				Reason: fmt.Sprintf("branch snapshot %q is not a commit", snapshot)}
		}
		if err := w.repo.AbortRebase(ctx, s.WorktreePath); err != nil {
			return w.fail(ctx, r, "rebase --abort", err)
		}
		if snapshot != "" {
			if err := w.repo.ResetHard(ctx, s.WorktreePath, snapshot); err != nil {
				return w.fail(ctx, r, "restore branch", err)
			}
		}
		r.st.HasConflicts = false
		r.st.ConflictFiles = nil
		if err := w.advance(ctx, r, EvAbort); err != nil {
			return err
		}
		out = *r.st
		return nil
	})
	return out, err
}

// FastForwardMerge advances the base branch to the session branch. It is
// legal once rebased, or straight after preflight when the branch is
// already strictly ahead of its base.
func (w *Workflow) FastForwardMerge(ctx context.Context, id string, opts FFOptions) (protocol.MergeWorkflowState, error) {
	var out protocol.MergeWorkflowState
	err := w.withState(ctx, id, func(ctx context.Context, r *run) error {
		switch r.st.Phase {
		case protocol.PhaseRebased:
		case protocol.PhasePreflightChecked:
			if !r.st.FastForwardEligible {
				return invalid(r, EvFastForward)
			}
		case protocol.PhaseIntegrated:
			if !opts.Cleanup {
				return invalid(r, EvFastForward)
			}
		default:
			return invalid(r, EvFastForward)
		}

		if r.st.Phase != protocol.PhaseIntegrated {
			if err := w.integrate(ctx, r); err != nil {
				return err
			}
		}
		if opts.Cleanup {
			if err := w.finish(ctx, r); err != nil {
				return err
			}
		}
		out = *r.st
		return nil
	})
	return out, err
}

func (w *Workflow) integrate(ctx context.Context, r *run) error {
	s := r.sess
	ok, err := w.repo.IsAncestor(ctx, s.RepoRoot, s.BaseBranch, s.BranchName)
	if err != nil {
		return w.fail(ctx, r, "fast-forward", err)
	}
	if !ok {
		return w.fail(ctx, r, "fast-forward", &protocol.RepositoryError{
			SessionID: s.ID, Op: "fast-forward",
			Detail: fmt.Sprintf("%s is not an ancestor of %s", s.BaseBranch, s.BranchName),
		})
	}
	tip, err := w.repo.FastForward(ctx, s.RepoRoot, s.BaseBranch, s.BranchName)
	if err != nil {
		return w.fail(ctx, r, "fast-forward", err)
	}
	if err := w.advance(ctx, r, EvFastForward); err != nil {
		return err
	}
	if err := w.store.SetStatus(context.WithoutCancel(ctx), s.ID, protocol.StatusMerged); err != nil {
		return err
	}
	w.emit.Event(ctx, protocol.EvIntegrated, s.ID,
		fmt.Sprintf("%s merged into %s", s.Name, s.BaseBranch),
		map[string]any{"commit": tip, "base": s.BaseBranch})
	return nil
}

// finish records cleaned-up and then removes the session.
func (w *Workflow) finish(ctx context.Context, r *run) error {
	if w.cleanup == nil {
		return errors.New("merge workflow has no cleanup function")
	}
	if err := w.advance(ctx, r, EvCleanup); err != nil {
		return err
	}
	return w.cleanup(ctx, r.sess)
}

// Patch returns the squash commit rendered by `git format-patch`.
func (w *Workflow) Patch(ctx context.Context, id string) (string, error) {
	var patch string
	err := w.withState(ctx, id, func(ctx context.Context, r *run) error {
		switch r.st.Phase {
		case protocol.PhaseSquashed, protocol.PhaseConflict, protocol.PhaseResolved,
			protocol.PhaseRebased, protocol.PhaseIntegrated:
		default:
			return &protocol.InvalidPhaseError{SessionID: id, Phase: r.st.Phase, Op: "export-patch"}
		}
		if r.st.SquashCommit == "" {
			return &protocol.InvalidPhaseError{SessionID: id, Phase: r.st.Phase, Op: "export-patch"}
		}
		var err error
		patch, err = w.repo.FormatPatch(ctx, r.sess.RepoRoot, r.st.SquashCommit)
		if err != nil {
			return &protocol.RepositoryError{SessionID: id, Op: "format-patch", Err: err}
		}
		return nil
	})
	return patch, err
}

// ExportPatch writes Patch to outPath. The phase is not changed.
func (w *Workflow) ExportPatch(ctx context.Context, id, outPath string) error {
	if outPath == "" {
		return &protocol.ValidationError{Field: "out", Reason: "must not be empty"}
	}
	patch, err := w.Patch(ctx, id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, []byte(patch), 0o644); err != nil { //nolint:gosec // patch files are not secret
		return fmt.Errorf("write patch %s: %w", outPath, err)
	}
	return nil
}

// Status returns the reconciled workflow state. When another operation
// holds the session lock the stored state is returned unreconciled.
func (w *Workflow) Status(ctx context.Context, id string) (protocol.MergeWorkflowState, error) {
	var out protocol.MergeWorkflowState
	err := w.withState(ctx, id, func(_ context.Context, r *run) error {
		out = *r.st
		return nil
	})
	var busy *protocol.LockBusyError
	if errors.As(err, &busy) {
		if _, err := w.store.GetSession(ctx, id); err != nil {
			return out, err
		}
		st, err := w.store.GetWorkflow(ctx, id)
		if err != nil {
			return out, err
		}
		return *st, nil
	}
	return out, err
}

// Step performs the next legal transition for the session's workflow.
// message is used when the next step is a squash; empty falls back to the
// session name.
func (w *Workflow) Step(ctx context.Context, id, message string) (StepResult, error) {
	st, err := w.Status(ctx, id)
	if err != nil {
		return StepResult{}, err
	}
	res := StepResult{State: st}

	switch st.Phase {
	case protocol.PhaseNotStarted, protocol.PhaseAborted:
		res.Action = EvPreflight
		res.State, err = w.Preflight(ctx, id)
	case protocol.PhasePreflightChecked:
		if st.FastForwardEligible {
			res.Action = EvFastForward
			res.State, err = w.FastForwardMerge(ctx, id, FFOptions{})
			break
		}
		if strings.TrimSpace(message) == "" {
			sess, gerr := w.store.GetSession(ctx, id)
			if gerr != nil {
				return res, gerr
			}
			message = sess.Name
		}
		res.Action = EvSquash
		res.State, err = w.Squash(ctx, id, message)
	case protocol.PhaseSquashed:
		res.Action = EvRebaseClean
		var rr gitrepo.RebaseResult
		rr, err = w.RebaseOntoBase(ctx, id)
		res.Rebase = &rr
		if err == nil {
			res.State, err = w.Status(ctx, id)
		}
	case protocol.PhaseConflict, protocol.PhaseResolved:
		res.Action = EvContinue
		res.State, err = w.ContinueMerge(ctx, id)
	case protocol.PhaseRebased:
		res.Action = EvFastForward
		res.State, err = w.FastForwardMerge(ctx, id, FFOptions{})
	default:
		res.Action = ActionNone
	}
	return res, err
}

// union returns a followed by the members of b not in a.
func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}
