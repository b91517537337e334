// Package session manages the lifecycle of agent work sessions: each owns
// a git worktree and branch, accumulates iterations of agent-driven change
// and is integrated back into its base branch by the merge workflow.
//
// The Manager never caches session rows; every operation re-reads the
// store. Mutating operations hold the session lock for their duration.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"tandem/pkg/agent"
	"tandem/pkg/config"
	"tandem/pkg/gitrepo"
	"tandem/pkg/lock"
	"tandem/pkg/merge"
	"tandem/pkg/protocol"
	"tandem/pkg/sink"
	"tandem/pkg/store"
)

// Deps are the Manager's collaborators. Nil Repo, Validator, Emitter and
// Logger select production defaults.
type Deps struct {
	Store     *store.Store
	Locks     *lock.Manager
	Repo      *gitrepo.Repo
	Agent     agent.Runner
	Validator agent.Validator
	Emitter   *sink.Emitter
	Logger    *slog.Logger
}

// Manager implements the session operations.
type Manager struct {
	cfg       config.Config
	store     *store.Store
	locks     *lock.Manager
	repo      *gitrepo.Repo
	agent     agent.Runner
	validator agent.Validator
	emit      *sink.Emitter
	logger    *slog.Logger
	workflow  *merge.Workflow

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewManager wires a Manager and its merge workflow.
func NewManager(cfg config.Config, d Deps) *Manager {
	m := &Manager{
		cfg:       cfg,
		store:     d.Store,
		locks:     d.Locks,
		repo:      d.Repo,
		agent:     d.Agent,
		validator: d.Validator,
		emit:      d.Emitter,
		logger:    d.Logger,
		nowFunc:   time.Now,
	}
	if m.repo == nil {
		m.repo = gitrepo.New(nil)
	}
	if m.agent == nil {
		m.agent = &agent.ExecRunner{Command: cfg.Agent.Command, Model: cfg.Agent.Model}
	}
	if m.validator == nil {
		m.validator = agent.ShellValidator{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.emit == nil {
		m.emit = sink.NewEmitter(nil, nil, m.logger)
	}
	m.workflow = merge.New(merge.Config{
		Store:   m.store,
		Locks:   m.locks,
		Repo:    m.repo,
		Emitter: m.emit,
		Logger:  m.logger,
		Cleanup: func(ctx context.Context, s *protocol.Session) error {
			return m.remove(ctx, s, false)
		},
	})
	return m
}

// Workflow exposes the merge operations.
func (m *Manager) Workflow() *merge.Workflow { return m.workflow }

// Locks exposes the lock manager.
func (m *Manager) Locks() *lock.Manager { return m.locks }

// CreateOpts describes a new session.
type CreateOpts struct {
	Name          string `json:"name"`
	RepoRoot      string `json:"repo_root"`
	BaseBranch    string `json:"base_branch,omitempty"`
	Prompt        string `json:"prompt"`
	ScriptCommand string `json:"script_command,omitempty"`
	Model         string `json:"model,omitempty"`
	// ThreadID resumes an existing agent thread on the first iteration.
	ThreadID string `json:"thread_id,omitempty"`
}

// Create makes a worktree on a fresh branch and records the session. If
// recording fails the worktree and branch are removed again.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*protocol.Session, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, &protocol.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, &protocol.ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	slug := protocol.Slug(name)
	if slug == "" {
		return nil, &protocol.ValidationError{Field: "name", Reason: "must contain a letter or digit"}
	}
	root, err := filepath.Abs(opts.RepoRoot)
	if err != nil || opts.RepoRoot == "" {
		return nil, &protocol.ValidationError{Field: "repo_root", Reason: "must be a path"}
	}
	if !m.repo.IsRepo(ctx, root) {
		return nil, &protocol.ValidationError{Field: "repo_root", Reason: root + " is not a git repository"}
	}
	base := opts.BaseBranch
	if base == "" {
		base = m.cfg.BaseBranch
	}
	if _, err := m.repo.RevParse(ctx, root, base); err != nil {
		return nil, &protocol.ValidationError{Field: "base_branch", Reason: fmt.Sprintf("%q does not resolve", base)}
	}

	branch := protocol.BranchPrefix + slug
	wtRoot := m.cfg.WorktreeRoot(root)
	path := filepath.Join(wtRoot, slug)

	exists, err := m.repo.BranchExists(ctx, root, branch)
	if err != nil {
		return nil, &protocol.RepositoryError{Op: "check branch", Detail: branch, Err: err}
	}
	if exists {
		return nil, &protocol.ConflictError{What: "branch", Value: branch}
	}
	if _, err := os.Stat(path); err == nil {
		return nil, &protocol.ConflictError{What: "worktree", Value: path}
	}
	what, err := m.store.Taken(ctx, branch, path)
	if err != nil {
		return nil, err
	}
	switch what {
	case "branch":
		return nil, &protocol.ConflictError{What: "branch", Value: branch}
	case "worktree":
		return nil, &protocol.ConflictError{What: "worktree", Value: path}
	}

	if rel, err := filepath.Rel(root, wtRoot); err == nil && !strings.HasPrefix(rel, "..") {
		if err := m.repo.Exclude(ctx, root, "/"+filepath.ToSlash(rel)+"/"); err != nil {
			m.logger.Warn("exclude worktree dir", "repo", root, "error", err)
		}
	}

	sess := &protocol.Session{
		ID:            uuid.New().String(),
		Name:          name,
		RepoRoot:      root,
		BaseBranch:    base,
		BranchName:    branch,
		Prompt:        opts.Prompt,
		ScriptCommand: strings.TrimSpace(opts.ScriptCommand),
		ModelOverride: opts.Model,
		ThreadID:      strings.TrimSpace(opts.ThreadID),
		Status:        protocol.StatusIdle,
		CreatedAt:     m.nowFunc().UTC(),
	}
	wt, err := m.repo.CreateWorktree(ctx, root, base, branch, path)
	if err != nil {
		return nil, &protocol.RepositoryError{SessionID: sess.ID, Op: "create worktree", Err: err}
	}
	sess.WorktreePath = wt

	if err := m.store.InsertSession(ctx, sess); err != nil {
		undo := context.WithoutCancel(ctx)
		if rmErr := m.repo.RemoveWorktree(undo, root, wt); rmErr != nil {
			m.logger.Error("compensate worktree", "path", wt, "error", rmErr)
		}
		if brErr := m.repo.DeleteBranch(undo, root, branch, true); brErr != nil {
			m.logger.Error("compensate branch", "branch", branch, "error", brErr)
		}
		return nil, err
	}

	m.logger.Info("session created", "session", sess.ID, "name", name, "branch", branch, "worktree", wt)
	m.emit.Event(ctx, protocol.EvSessionCreated, sess.ID,
		fmt.Sprintf("session %s created on %s", name, branch),
		map[string]any{"branch": branch, "worktree": wt, "base": base})
	return sess, nil
}

// Get reads one session.
func (m *Manager) Get(ctx context.Context, id string) (*protocol.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns sessions matching f.
func (m *Manager) List(ctx context.Context, f store.ListFilter) ([]protocol.Session, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &protocol.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	return m.store.ListSessions(ctx, f)
}

// Iterations returns a session's iteration history.
func (m *Manager) Iterations(ctx context.Context, id string) ([]protocol.Iteration, error) {
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListIterations(ctx, id)
}

// DiffResult is a session's pending change against its base.
type DiffResult struct {
	Stats protocol.DiffStats `json:"stats"`
	Patch string             `json:"patch"`
}

// Diff compares the worktree with its merge-base on the base branch.
func (m *Manager) Diff(ctx context.Context, id string) (DiffResult, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return DiffResult{}, err
	}
	stats, err := m.repo.DiffStats(ctx, sess.WorktreePath, sess.BaseBranch)
	if err != nil {
		return DiffResult{}, &protocol.RepositoryError{SessionID: id, Op: "diff", Err: err}
	}
	patch, err := m.repo.Diff(ctx, sess.WorktreePath, sess.BaseBranch)
	if err != nil {
		return DiffResult{}, &protocol.RepositoryError{SessionID: id, Op: "diff", Err: err}
	}
	return DiffResult{Stats: stats, Patch: patch}, nil
}

// Cleanup removes the worktree and branch, then the session row. Unless
// force is set the branch must already be reachable from its base.
func (m *Manager) Cleanup(ctx context.Context, id string, force bool) error {
	return m.locks.WithLock(ctx, id, lock.NewHolder(), func(ctx context.Context) error {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		return m.remove(ctx, sess, force)
	})
}

// remove does the work of Cleanup; the caller holds the session lock.
func (m *Manager) remove(ctx context.Context, sess *protocol.Session, force bool) error {
	hasBranch, err := m.repo.BranchExists(ctx, sess.RepoRoot, sess.BranchName)
	if err != nil {
		return &protocol.RepositoryError{SessionID: sess.ID, Op: "check branch", Err: err}
	}
	if hasBranch && !force {
		ok, err := m.repo.IsReachable(ctx, sess.RepoRoot, sess.BranchName, sess.BaseBranch)
		if err != nil {
			return &protocol.RepositoryError{SessionID: sess.ID, Op: "check merged", Err: err}
		}
		if !ok {
			return &protocol.NotMergedError{SessionID: sess.ID, Branch: sess.BranchName, Base: sess.BaseBranch}
		}
	}

	if err := m.repo.RemoveWorktree(ctx, sess.RepoRoot, sess.WorktreePath); err != nil {
		return &protocol.RepositoryError{SessionID: sess.ID, Op: "remove worktree", Err: err}
	}
	if hasBranch {
		if err := m.repo.DeleteBranch(ctx, sess.RepoRoot, sess.BranchName, true); err != nil {
			return &protocol.RepositoryError{SessionID: sess.ID, Op: "delete branch", Err: err}
		}
	}
	if err := m.store.DeleteSession(context.WithoutCancel(ctx), sess.ID); err != nil {
		return err
	}

	m.logger.Info("session cleaned up", "session", sess.ID, "name", sess.Name, "forced", force)
	m.emit.Event(ctx, protocol.EvSessionCleaned, sess.ID,
		fmt.Sprintf("session %s cleaned up", sess.Name),
		map[string]any{"branch": sess.BranchName, "forced": force})
	return nil
}

// ReconcileReport lists what a startup sweep repaired.
type ReconcileReport struct {
	ReclaimedLocks        []protocol.Lock `json:"reclaimed_locks,omitempty"`
	FailedSessions        []string        `json:"failed_sessions,omitempty"`
	InterruptedIterations int             `json:"interrupted_iterations"`
	MissingWorktrees      []string        `json:"missing_worktrees,omitempty"`
}

// Reconcile repairs state left behind by a crash: stale locks are
// reclaimed, sessions stuck running without a live lock fail, their
// running iterations end with "interrupted", and sessions whose worktree
// vanished are reported.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	reclaimed, err := m.locks.CleanupStaleLocks(ctx, 0)
	if err != nil {
		return rep, err
	}
	rep.ReclaimedLocks = reclaimed
	for _, l := range reclaimed {
		m.emit.Event(ctx, protocol.EvLockReclaimed, l.SessionID,
			"reclaimed stale lock held by "+l.Holder, map[string]any{"holder": l.Holder})
	}

	live, err := m.locks.List(ctx)
	if err != nil {
		return rep, err
	}
	keep := make(map[string]bool, len(live))
	for _, l := range live {
		keep[l.SessionID] = true
	}

	if rep.FailedSessions, err = m.store.FailRunning(ctx, keep); err != nil {
		return rep, err
	}
	if rep.InterruptedIterations, err = m.store.InterruptRunning(ctx, m.nowFunc().UTC(), keep); err != nil {
		return rep, err
	}

	sessions, err := m.store.ListSessions(ctx, store.ListFilter{})
	if err != nil {
		return rep, err
	}
	for _, s := range sessions {
		if _, err := os.Stat(s.WorktreePath); errors.Is(err, os.ErrNotExist) {
			rep.MissingWorktrees = append(rep.MissingWorktrees, s.ID)
		}
	}

	if len(rep.ReclaimedLocks)+len(rep.FailedSessions)+rep.InterruptedIterations > 0 {
		m.logger.Info("reconciled", "locks", len(rep.ReclaimedLocks), "failed", len(rep.FailedSessions),
			"interrupted", rep.InterruptedIterations, "missing_worktrees", len(rep.MissingWorktrees))
		m.emit.Event(ctx, protocol.EvReconciled, "",
			fmt.Sprintf("recovered %d sessions and %d iterations", len(rep.FailedSessions), rep.InterruptedIterations),
			nil)
	}
	for _, id := range rep.MissingWorktrees {
		m.logger.Warn("session worktree missing", "session", id)
	}
	return rep, nil
}
