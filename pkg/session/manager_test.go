package session //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tandem/internal/gittest"
	"tandem/pkg/agent"
	"tandem/pkg/config"
	"tandem/pkg/lock"
	"tandem/pkg/merge"
	"tandem/pkg/protocol"
	"tandem/pkg/store"
)

// fakeAgent edits the worktree through fn instead of running a model.
type fakeAgent struct {
	mu    sync.Mutex
	calls []agent.Request
	fn    func(ctx context.Context, req agent.Request) (agent.Result, error)
}

func (a *fakeAgent) RunIteration(ctx context.Context, req agent.Request) (agent.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()
	if a.fn == nil {
		return agent.Result{Output: "nothing to do"}, nil
	}
	return a.fn(ctx, req)
}

func (a *fakeAgent) requests() []agent.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Request(nil), a.calls...)
}

// writes returns an agent that writes file with content on every call.
func writes(file, content string) func(context.Context, agent.Request) (agent.Result, error) {
	return func(_ context.Context, req agent.Request) (agent.Result, error) {
		err := os.WriteFile(filepath.Join(req.Dir, file), []byte(content), 0o644)
		return agent.Result{Output: "wrote " + file, ThreadID: "thread-1"}, err
	}
}

const deadPID = 424242

type fixture struct {
	root  string
	store *store.Store
	mgr   *Manager
	agent *fakeAgent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{root: gittest.Init(t), agent: &fakeAgent{}}

	db, err := store.OpenDB(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	f.store = store.New(db)
	t.Cleanup(func() { _ = f.store.Close() })

	locks := lock.NewManager(db, time.Minute, lock.WithAliveFunc(func(pid int) bool { return pid != deadPID }))
	f.mgr = NewManager(config.Defaults(t.TempDir()), Deps{
		Store:  f.store,
		Locks:  locks,
		Agent:  f.agent,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func (f *fixture) create(t *testing.T, name string) *protocol.Session {
	t.Helper()
	sess, err := f.mgr.Create(context.Background(), CreateOpts{
		Name:     name,
		RepoRoot: f.root,
		Prompt:   "implement " + name,
	})
	if err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	return sess
}

func TestCreate_WorktreeOnNewBranch(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "Add Login Page")

	if sess.BranchName != "tandem/add-login-page" {
		t.Errorf("branch = %q", sess.BranchName)
	}
	if want := filepath.Join(f.root, ".worktrees", "add-login-page"); sess.WorktreePath != want {
		t.Errorf("worktree = %q, want %q", sess.WorktreePath, want)
	}
	if sess.Status != protocol.StatusIdle || sess.BaseBranch != "main" {
		t.Errorf("session = %+v", sess)
	}

	got, err := f.mgr.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WorktreePath != sess.WorktreePath || got.Prompt != "implement Add Login Page" {
		t.Errorf("stored session = %+v", got)
	}
	if head := gittest.Run(t, sess.WorktreePath, "symbolic-ref", "--short", "HEAD"); head != sess.BranchName {
		t.Errorf("worktree HEAD = %q, want %q", head, sess.BranchName)
	}
	if st := gittest.Run(t, f.root, "status", "--porcelain"); st != "" {
		t.Errorf("repository root should stay clean, got %q", st)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	notRepo := t.TempDir()

	tests := []struct {
		name  string
		opts  CreateOpts
		field string
	}{
		{"empty name", CreateOpts{Name: " ", RepoRoot: f.root, Prompt: "p"}, "name"},
		{"empty prompt", CreateOpts{Name: "x", RepoRoot: f.root}, "prompt"},
		{"no slug", CreateOpts{Name: "!!!", RepoRoot: f.root, Prompt: "p"}, "name"},
		{"not a repo", CreateOpts{Name: "x", RepoRoot: notRepo, Prompt: "p"}, "repo_root"},
		{"unknown base", CreateOpts{Name: "x", RepoRoot: f.root, Prompt: "p", BaseBranch: "nope"}, "base_branch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Create(context.Background(), tt.opts)
			var ve *protocol.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	sessions, err := f.mgr.List(context.Background(), store.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("rejected creates left %d sessions", len(sessions))
	}
}

func TestCreate_Conflicts(t *testing.T) {
	f := newFixture(t)
	f.create(t, "feature")

	_, err := f.mgr.Create(context.Background(), CreateOpts{Name: "Feature", RepoRoot: f.root, Prompt: "again"})
	var ce *protocol.ConflictError
	if !errors.As(err, &ce) || ce.What != "branch" {
		t.Fatalf("expected branch conflict, got %v", err)
	}

	gittest.Run(t, f.root, "branch", "tandem/taken")
	_, err = f.mgr.Create(context.Background(), CreateOpts{Name: "taken", RepoRoot: f.root, Prompt: "p"})
	if !errors.As(err, &ce) || ce.Value != "tandem/taken" {
		t.Fatalf("expected conflict on existing branch, got %v", err)
	}

	stray := filepath.Join(f.root, ".worktrees", "stray")
	if err := os.MkdirAll(stray, 0o755); err != nil {
		t.Fatal(err)
	}
	_, err = f.mgr.Create(context.Background(), CreateOpts{Name: "stray", RepoRoot: f.root, Prompt: "p"})
	if !errors.As(err, &ce) || ce.What != "worktree" {
		t.Fatalf("expected worktree conflict, got %v", err)
	}
}

func TestIterate_CommitsAgentChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "feature")
	f.agent.fn = writes("feature.txt", "one\ntwo\n")

	it, err := f.mgr.Iterate(ctx, sess.ID, "start small")
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if it.Seq != 1 || it.Outcome != protocol.OutcomeSuccess || it.EndedAt == nil {
		t.Fatalf("iteration = %+v", it)
	}
	if it.Stats.FilesChanged != 1 || it.Stats.Added != 2 || it.CommitSHA == "" {
		t.Errorf("stats = %+v commit = %q", it.Stats, it.CommitSHA)
	}
	if subject := gittest.Run(t, sess.WorktreePath, "log", "-1", "--format=%s"); subject != "tandem: feature iteration 1" {
		t.Errorf("commit subject = %q", subject)
	}

	got, err := f.mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != protocol.StatusAwaitingReview || got.ThreadID != "thread-1" || got.LastRunAt == nil {
		t.Errorf("session after iterate = %+v", got)
	}

	// The second iteration resumes the agent thread; nothing changes, so no commit.
	it2, err := f.mgr.Iterate(ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("second iterate: %v", err)
	}
	if it2.Seq != 2 || it2.CommitSHA != "" || it2.Stats.FilesChanged != 0 {
		t.Errorf("second iteration = %+v", it2)
	}
	reqs := f.agent.requests()
	if len(reqs) != 2 || reqs[0].Notes != "start small" || reqs[1].ThreadID != "thread-1" {
		t.Errorf("agent requests = %+v", reqs)
	}

	history, err := f.mgr.Iterations(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Seq != 1 || history[1].Seq != 2 {
		t.Errorf("history = %+v", history)
	}
}

func TestIterate_ValidationScript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.mgr.Create(ctx, CreateOpts{
		Name: "checked", RepoRoot: f.root, Prompt: "p",
		ScriptCommand: "echo checking; test -f ok.txt",
	})
	if err != nil {
		t.Fatal(err)
	}

	f.agent.fn = writes("other.txt", "x\n")
	it, err := f.mgr.Iterate(ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if it.Outcome != protocol.OutcomeFailure || !strings.Contains(it.Output, "checking") {
		t.Errorf("iteration = %+v", it)
	}
	if got, _ := f.mgr.Get(ctx, sess.ID); got.Status != protocol.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	f.agent.fn = writes("ok.txt", "ok\n")
	it, err = f.mgr.Iterate(ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if it.Outcome != protocol.OutcomeSuccess {
		t.Errorf("outcome = %s, want success", it.Outcome)
	}
}

func TestCreate_ThreadResumedOnFirstIteration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.mgr.Create(ctx, CreateOpts{
		Name:     "resume",
		RepoRoot: f.root,
		Prompt:   "carry on",
		ThreadID: "thread-existing",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := f.mgr.Get(ctx, sess.ID); got.ThreadID != "thread-existing" {
		t.Errorf("stored thread = %q", got.ThreadID)
	}

	f.agent.fn = writes("r.txt", "1\n")
	if _, err := f.mgr.Iterate(ctx, sess.ID, ""); err != nil {
		t.Fatal(err)
	}
	reqs := f.agent.requests()
	if len(reqs) != 1 || reqs[0].ThreadID != "thread-existing" {
		t.Fatalf("agent requests = %+v", reqs)
	}
	if got, _ := f.mgr.Get(ctx, sess.ID); got.ThreadID != "thread-existing" {
		t.Errorf("thread replaced by %q", got.ThreadID)
	}
}

func TestIterate_AgentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "broken")
	f.agent.fn = func(context.Context, agent.Request) (agent.Result, error) {
		return agent.Result{Output: "stack trace"}, errors.New("exit status 2")
	}

	it, err := f.mgr.Iterate(ctx, sess.ID, "")
	if protocol.KindOf(err) != protocol.KindAgent {
		t.Fatalf("expected agent error, got %v", err)
	}
	if it == nil || it.Outcome != protocol.OutcomeError || it.Output != "stack trace" {
		t.Fatalf("iteration = %+v", it)
	}
	history, _ := f.mgr.Iterations(ctx, sess.ID)
	if len(history) != 1 || history[0].Outcome != protocol.OutcomeError {
		t.Errorf("recorded history = %+v", history)
	}
	if got, _ := f.mgr.Get(ctx, sess.ID); got.Status != protocol.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if h, _ := f.mgr.Locks().Holder(ctx, sess.ID); h != nil {
		t.Errorf("lock left behind: %+v", h)
	}
}

func TestIterate_AgentFailureKeepsPartialEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "half done")
	f.agent.fn = func(_ context.Context, req agent.Request) (agent.Result, error) {
		if err := os.WriteFile(filepath.Join(req.Dir, "half.txt"), []byte("a\nb\nc\n"), 0o644); err != nil {
			return agent.Result{}, err
		}
		return agent.Result{Output: "crashed"}, errors.New("exit status 2")
	}

	first, err := f.mgr.Iterate(ctx, sess.ID, "")
	if protocol.KindOf(err) != protocol.KindAgent {
		t.Fatalf("expected agent error, got %v", err)
	}
	if first.Outcome != protocol.OutcomeError || first.CommitSHA == "" ||
		first.Stats != (protocol.DiffStats{FilesChanged: 1, Added: 3}) {
		t.Fatalf("failed iteration = %+v", first)
	}

	f.agent.fn = writes("other.txt", "1\n")
	second, err := f.mgr.Iterate(ctx, sess.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.Stats != (protocol.DiffStats{FilesChanged: 1, Added: 1}) {
		t.Errorf("next iteration absorbed earlier edits: %+v", second.Stats)
	}
	history, _ := f.mgr.Iterations(ctx, sess.ID)
	if len(history) != 2 || history[0].CommitSHA != first.CommitSHA || history[0].Stats.Added != 3 {
		t.Errorf("recorded history = %+v", history)
	}
}

func TestIterate_ConcurrentCallsNeverInterleave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "busy")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.agent.fn = func(_ context.Context, req agent.Request) (agent.Result, error) {
		close(entered)
		<-release
		return writes("busy.txt", "1\n")(ctx, req)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Iterate(ctx, sess.ID, "")
		done <- err
	}()
	<-entered

	if _, err := f.mgr.Iterate(ctx, sess.ID, ""); protocol.KindOf(err) != protocol.KindLockBusy {
		t.Errorf("concurrent iterate: expected lock busy, got %v", err)
	}
	if got, _ := f.mgr.Get(ctx, sess.ID); got.Status != protocol.StatusRunning {
		t.Errorf("status while running = %s", got.Status)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first iterate: %v", err)
	}

	f.agent.fn = nil
	it, err := f.mgr.Iterate(ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("iterate after release: %v", err)
	}
	if it.Seq != 2 {
		t.Errorf("seq = %d, want 2", it.Seq)
	}
}

func TestIterate_RefusedOnceBranchRewritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "rewritten")

	if err := f.store.SaveWorkflow(ctx, &protocol.MergeWorkflowState{SessionID: sess.ID, Phase: protocol.PhaseSquashed}); err != nil {
		t.Fatal(err)
	}
	_, err := f.mgr.Iterate(ctx, sess.ID, "")
	var ipe *protocol.InvalidPhaseError
	if !errors.As(err, &ipe) || ipe.Op != "iterate" {
		t.Fatalf("expected InvalidPhaseError, got %v", err)
	}
	if len(f.agent.requests()) != 0 {
		t.Error("agent must not run")
	}
}

func TestIterate_DiscardsPreflightReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "reported")

	if _, err := f.mgr.Workflow().Preflight(ctx, sess.ID); err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if _, err := f.mgr.Iterate(ctx, sess.ID, ""); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	st, err := f.store.GetWorkflow(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != protocol.PhaseNotStarted {
		t.Errorf("phase = %s, want not-started", st.Phase)
	}
}

func TestDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "diffed")
	f.agent.fn = writes("new.txt", "hello\n")
	if _, err := f.mgr.Iterate(ctx, sess.ID, ""); err != nil {
		t.Fatal(err)
	}

	d, err := f.mgr.Diff(ctx, sess.ID)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if d.Stats.FilesChanged != 1 || d.Stats.Added != 1 {
		t.Errorf("stats = %+v", d.Stats)
	}
	if !strings.Contains(d.Patch, "+hello") {
		t.Errorf("patch = %q", d.Patch)
	}
}

func TestCleanup_RequiresMergedBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "unmerged")
	f.agent.fn = writes("work.txt", "work\n")
	if _, err := f.mgr.Iterate(ctx, sess.ID, ""); err != nil {
		t.Fatal(err)
	}

	err := f.mgr.Cleanup(ctx, sess.ID, false)
	var nm *protocol.NotMergedError
	if !errors.As(err, &nm) {
		t.Fatalf("expected NotMergedError, got %v", err)
	}
	if _, err := os.Stat(sess.WorktreePath); err != nil {
		t.Errorf("worktree must survive a refused cleanup: %v", err)
	}

	if err := f.mgr.Cleanup(ctx, sess.ID, true); err != nil {
		t.Fatalf("forced cleanup: %v", err)
	}
	if _, err := f.mgr.Get(ctx, sess.ID); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("session should be gone, got %v", err)
	}
	if _, err := os.Stat(sess.WorktreePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("worktree should be removed: %v", err)
	}
	if out := gittest.Run(t, f.root, "branch", "--list", sess.BranchName); out != "" {
		t.Errorf("branch should be deleted, got %q", out)
	}
}

func TestCleanup_MissingWorktreeDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "vanished")
	if err := os.RemoveAll(sess.WorktreePath); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Cleanup(ctx, sess.ID, false); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := f.mgr.Get(ctx, sess.ID); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("session should be gone, got %v", err)
	}
}

func TestFastForwardWithCleanupRemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "shipped")
	f.agent.fn = writes("ship.txt", "ship\n")
	it, err := f.mgr.Iterate(ctx, sess.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	wf := f.mgr.Workflow()
	if _, err := wf.Preflight(ctx, sess.ID); err != nil {
		t.Fatalf("preflight: %v", err)
	}
	st, err := wf.FastForwardMerge(ctx, sess.ID, merge.FFOptions{Cleanup: true})
	if err != nil {
		t.Fatalf("fast-forward: %v", err)
	}
	if st.Phase != protocol.PhaseCleanedUp {
		t.Errorf("phase = %s, want cleaned-up", st.Phase)
	}
	if head := gittest.Run(t, f.root, "rev-parse", "main"); head != it.CommitSHA {
		t.Errorf("main = %s, want %s", head, it.CommitSHA)
	}
	if _, err := f.mgr.Get(ctx, sess.ID); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("session should be gone, got %v", err)
	}
	if _, err := os.Stat(sess.WorktreePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("worktree should be removed: %v", err)
	}
}

func TestReconcile_RecoversCrashedIteration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	crashed := f.create(t, "crashed")
	gone := f.create(t, "gone")

	// Simulate a process that died mid-iteration while holding the lock.
	dead := lock.NewManager(f.store.DB(), time.Minute, lock.WithPID(deadPID))
	if err := dead.Acquire(ctx, crashed.ID, lock.NewHolder()); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetStatus(ctx, crashed.ID, protocol.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.BeginIteration(ctx, crashed.ID, "", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(gone.WorktreePath); err != nil {
		t.Fatal(err)
	}

	rep, err := f.mgr.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(rep.ReclaimedLocks) != 1 || rep.ReclaimedLocks[0].SessionID != crashed.ID {
		t.Errorf("reclaimed = %+v", rep.ReclaimedLocks)
	}
	if len(rep.FailedSessions) != 1 || rep.FailedSessions[0] != crashed.ID {
		t.Errorf("failed = %v", rep.FailedSessions)
	}
	if rep.InterruptedIterations != 1 {
		t.Errorf("interrupted = %d, want 1", rep.InterruptedIterations)
	}
	if len(rep.MissingWorktrees) != 1 || rep.MissingWorktrees[0] != gone.ID {
		t.Errorf("missing = %v", rep.MissingWorktrees)
	}

	history, _ := f.mgr.Iterations(ctx, crashed.ID)
	if len(history) != 1 || history[0].Outcome != protocol.OutcomeError || history[0].Output != "interrupted" {
		t.Errorf("history = %+v", history)
	}
	// The reclaimed session can iterate again.
	if _, err := f.mgr.Iterate(ctx, crashed.ID, ""); err != nil {
		t.Errorf("iterate after reconcile: %v", err)
	}
}

func TestReconcile_KeepsLiveLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "alive")

	if err := f.mgr.Locks().Acquire(ctx, sess.ID, lock.NewHolder()); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetStatus(ctx, sess.ID, protocol.StatusRunning); err != nil {
		t.Fatal(err)
	}
	rep, err := f.mgr.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.FailedSessions) != 0 || len(rep.ReclaimedLocks) != 0 {
		t.Errorf("live session touched: %+v", rep)
	}
}
