package merge //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tandem/internal/gittest"
	"tandem/pkg/gitrepo"
	"tandem/pkg/lock"
	"tandem/pkg/protocol"
	"tandem/pkg/store"
)

type fixture struct {
	root    string
	wt      string
	sess    *protocol.Session
	store   *store.Store
	locks   *lock.Manager
	repo    *gitrepo.Repo
	wf      *Workflow
	cleaned []string
}

// newFixture creates a repository with one session worktree on
// tandem/feature and a workflow over a fresh state database.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{root: gittest.Init(t), repo: gitrepo.New(nil)}

	wt, err := f.repo.CreateWorktree(ctx, f.root, "main", "tandem/feature",
		filepath.Join(f.root, ".worktrees", "feature"))
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	f.wt = wt

	db, err := store.OpenDB(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	f.store = store.New(db)
	t.Cleanup(func() { _ = f.store.Close() })

	f.sess = &protocol.Session{
		ID:           "s1",
		Name:         "feature",
		RepoRoot:     f.root,
		BaseBranch:   "main",
		BranchName:   "tandem/feature",
		WorktreePath: wt,
		Prompt:       "build the feature",
		Status:       protocol.StatusAwaitingReview,
		CreatedAt:    time.Now(),
	}
	if err := f.store.InsertSession(ctx, f.sess); err != nil {
		t.Fatal(err)
	}

	f.locks = lock.NewManager(db, time.Minute)
	f.wf = New(Config{
		Store:  f.store,
		Locks:  f.locks,
		Repo:   f.repo,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cleanup: func(_ context.Context, s *protocol.Session) error {
			f.cleaned = append(f.cleaned, s.ID)
			return nil
		},
	})
	return f
}

func (f *fixture) head(t *testing.T, rev string) string {
	t.Helper()
	return gittest.Run(t, f.root, "rev-parse", rev)
}

func (f *fixture) phase(t *testing.T) protocol.Phase {
	t.Helper()
	st, err := f.store.GetWorkflow(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	return st.Phase
}

func TestWorkflow_SquashRebaseFastForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gittest.Commit(t, f.wt, "a.txt", "a\n", "iteration 1")
	gittest.Commit(t, f.wt, "b.txt", "b\n", "iteration 2")
	gittest.Commit(t, f.root, "base.txt", "base moved\n", "unrelated base work")

	st, err := f.wf.Preflight(ctx, f.sess.ID)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if st.Ahead != 2 || st.Behind != 1 || st.FastForwardEligible {
		t.Fatalf("preflight report = %+v", st)
	}
	if st.BranchSnapshot != f.head(t, "tandem/feature") || st.BaseSnapshot != f.head(t, "main") {
		t.Errorf("snapshots = %s / %s", st.BranchSnapshot, st.BaseSnapshot)
	}

	if _, err := f.wf.FastForwardMerge(ctx, f.sess.ID, FFOptions{}); err == nil {
		t.Fatal("fast-forward must be refused when the branch is behind its base")
	}

	st, err = f.wf.Squash(ctx, f.sess.ID, "feature: add a and b")
	if err != nil {
		t.Fatalf("squash: %v", err)
	}
	if st.Phase != protocol.PhaseSquashed || st.SquashCommit != f.head(t, "tandem/feature") {
		t.Fatalf("after squash = %+v", st)
	}
	if again, err := f.wf.Squash(ctx, f.sess.ID, "feature: add a and b"); err != nil || again.SquashCommit != st.SquashCommit {
		t.Fatalf("repeated squash with the same message should be a no-op: %+v %v", again, err)
	}
	var ipe *protocol.InvalidPhaseError
	if _, err := f.wf.Squash(ctx, f.sess.ID, "different"); !errors.As(err, &ipe) {
		t.Fatalf("squash with another message from squashed: %v", err)
	}

	res, err := f.wf.RebaseOntoBase(ctx, f.sess.ID)
	if err != nil || res.Conflict {
		t.Fatalf("rebase = %+v, %v", res, err)
	}
	if f.phase(t) != protocol.PhaseRebased {
		t.Fatalf("phase = %s", f.phase(t))
	}

	st, err = f.wf.FastForwardMerge(ctx, f.sess.ID, FFOptions{})
	if err != nil {
		t.Fatalf("fast-forward: %v", err)
	}
	if st.Phase != protocol.PhaseIntegrated {
		t.Fatalf("phase = %s", st.Phase)
	}
	if f.head(t, "main") != f.head(t, "tandem/feature") {
		t.Error("main should equal the branch tip after fast-forward")
	}
	if got := gittest.Run(t, f.root, "log", "-1", "--format=%s", "main"); got != "feature: add a and b" {
		t.Errorf("main tip subject = %q", got)
	}
	sess, _ := f.store.GetSession(ctx, f.sess.ID)
	if sess.Status != protocol.StatusMerged {
		t.Errorf("session status = %s, want merged", sess.Status)
	}
}

func TestWorkflow_FastForwardWithoutSquash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gittest.Commit(t, f.wt, "a.txt", "a\n", "first")
	tip := gittest.Commit(t, f.wt, "b.txt", "b\n", "second")

	st, err := f.wf.Preflight(ctx, f.sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !st.FastForwardEligible {
		t.Fatalf("branch strictly ahead should be eligible: %+v", st)
	}
	st, err = f.wf.FastForwardMerge(ctx, f.sess.ID, FFOptions{Cleanup: true})
	if err != nil {
		t.Fatalf("fast-forward: %v", err)
	}
	if st.Phase != protocol.PhaseCleanedUp {
		t.Errorf("phase = %s, want cleaned-up", st.Phase)
	}
	if f.head(t, "main") != tip {
		t.Error("main should point at the unsquashed branch tip")
	}
	if n := gittest.Run(t, f.root, "rev-list", "--count", "main"); n != "3" {
		t.Errorf("main history has %s commits, want 3 (no squash)", n)
	}
	if len(f.cleaned) != 1 || f.cleaned[0] != f.sess.ID {
		t.Errorf("cleanup calls = %v", f.cleaned)
	}
}

func TestWorkflow_AbortRefusedAfterIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tip := gittest.Commit(t, f.wt, "a.txt", "a\n", "first")

	if _, err := f.wf.Preflight(ctx, f.sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.wf.FastForwardMerge(ctx, f.sess.ID, FFOptions{}); err != nil {
		t.Fatalf("fast-forward: %v", err)
	}

	var invalid *protocol.InvalidPhaseError
	if _, err := f.wf.AbortMerge(ctx, f.sess.ID); !errors.As(err, &invalid) {
		t.Fatalf("abort after integration: got %v, want InvalidPhaseError", err)
	}
	if got := f.phase(t); got != protocol.PhaseIntegrated {
		t.Errorf("phase = %s, want integrated", got)
	}
	if f.head(t, "main") != tip {
		t.Error("main must keep the integrated tip")
	}
}

func TestWorkflow_ConflictRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gittest.Commit(t, f.wt, "README.md", "branch version\n", "branch edit")
	gittest.Commit(t, f.root, "README.md", "base version\n", "base edit")

	if _, err := f.wf.Preflight(ctx, f.sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.wf.Squash(ctx, f.sess.ID, "edit readme"); err != nil {
		t.Fatal(err)
	}
	res, err := f.wf.RebaseOntoBase(ctx, f.sess.ID)
	if err != nil {
		t.Fatalf("conflict must not be an error: %v", err)
	}
	if !res.Conflict || len(res.Files) != 1 || res.Files[0] != "README.md" {
		t.Fatalf("rebase result = %+v", res)
	}
	st, _ := f.store.GetWorkflow(ctx, f.sess.ID)
	if st.Phase != protocol.PhaseConflict || !st.HasConflicts {
		t.Fatalf("state = %+v", st)
	}

	var unresolved *protocol.UnresolvedConflictError
	if _, err := f.wf.ContinueMerge(ctx, f.sess.ID); !errors.As(err, &unresolved) {
		t.Fatalf("continue with markers present: %v", err)
	}
	if f.phase(t) != protocol.PhaseConflict {
		t.Fatalf("phase must not change on unresolved continue, got %s", f.phase(t))
	}

	gittest.Write(t, f.wt, "README.md", "merged version\n")
	st2, err := f.wf.ContinueMerge(ctx, f.sess.ID)
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if st2.Phase != protocol.PhaseRebased || st2.HasConflicts || len(st2.ConflictFiles) != 0 {
		t.Fatalf("after continue = %+v", st2)
	}
	if st2.SquashCommit != f.head(t, "tandem/feature") {
		t.Error("squash commit should track the rebased tip")
	}

	if _, err := f.wf.FastForwardMerge(ctx, f.sess.ID, FFOptions{}); err != nil {
		t.Fatalf("fast-forward: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(f.root, "README.md"))
	if string(data) != "merged version\n" {
		t.Errorf("README on main = %q", data)
	}
}

func TestWorkflow_AbortIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gittest.Commit(t, f.wt, "README.md", "mine\n", "one")
	before := gittest.Commit(t, f.wt, "x.txt", "x\n", "two")
	gittest.Commit(t, f.root, "README.md", "theirs\n", "base edit")

	if _, err := f.wf.Preflight(ctx, f.sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.wf.Squash(ctx, f.sess.ID, "squashed"); err != nil {
		t.Fatal(err)
	}
	if res, err := f.wf.RebaseOntoBase(ctx, f.sess.ID); err != nil || !res.Conflict {
		t.Fatalf("expected conflict: %+v %v", res, err)
	}

	st, err := f.wf.AbortMerge(ctx, f.sess.ID)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if st.Phase != protocol.PhaseAborted {
		t.Fatalf("phase = %s", st.Phase)
	}
	if f.head(t, "tandem/feature") != before {
		t.Error("abort must restore the pre-squash branch tip")
	}
	if in, _ := f.repo.RebaseInProgress(ctx, f.wt); in {
		t.Error("rebase still in progress after abort")
	}

	if _, err := f.wf.AbortMerge(ctx, f.sess.ID); err != nil {
		t.Fatalf("second abort should succeed: %v", err)
	}
	if f.head(t, "tandem/feature") != before {
		t.Error("second abort changed the branch")
	}

	if st, err := f.wf.Preflight(ctx, f.sess.ID); err != nil || st.SquashMessage != "" {
		t.Fatalf("a new workflow should start cleanly from aborted: %+v %v", st, err)
	}
}

func TestWorkflow_AbortCorruptSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gittest.Commit(t, f.wt, "a.txt", "a\n", "one")
	if _, err := f.wf.Preflight(ctx, f.sess.ID); err != nil {
		t.Fatal(err)
	}
	st, _ := f.store.GetWorkflow(ctx, f.sess.ID)
	st.BranchSnapshot = "0000000000000000000000000000000000000000"
	if err := f.store.SaveWorkflow(ctx, st); err != nil {
		t.Fatal(err)
	}

	var corrupt *protocol.CorruptStateError
	if _, err := f.wf.AbortMerge(ctx, f.sess.ID); !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptStateError, got %v", err)
	}
}

func TestWorkflow_ResumesAfterLostSquashWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gittest.Commit(t, f.wt, "a.txt", "a\n", "one")
	gittest.Commit(t, f.wt, "b.txt", "b\n", "two")

	if _, err := f.wf.Preflight(ctx, f.sess.ID); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: intent persisted, repository squashed, phase write lost.
	st, _ := f.store.GetWorkflow(ctx, f.sess.ID)
	st.SquashMessage = "resumed squash"
	if err := f.store.SaveWorkflow(ctx, st); err != nil {
		t.Fatal(err)
	}
	sha, err := f.repo.Squash(ctx, f.wt, "main", "resumed squash")
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.wf.Status(ctx, f.sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != protocol.PhaseSquashed || got.SquashCommit != sha {
		t.Fatalf("reconciled state = %+v", got)
	}
	if _, err := f.wf.Squash(ctx, f.sess.ID, "resumed squash"); err != nil {
		t.Fatalf("repeating the squash after recovery: %v", err)
	}
	if n := gittest.Run(t, f.root, "rev-list", "--count", "main..tandem/feature"); n != "1" {
		t.Errorf("branch has %s commits ahead, want exactly 1", n)
	}
	if _, err := f.wf.RebaseOntoBase(ctx, f.sess.ID); err != nil {
		t.Fatalf("rebase after recovery: %v", err)
	}
}

func TestWorkflow_ReconcilesExternalRebaseAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gittest.Commit(t, f.wt, "README.md", "mine\n", "one")
	gittest.Commit(t, f.root, "README.md", "theirs\n", "base edit")

	if _, err := f.wf.Preflight(ctx, f.sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.wf.Squash(ctx, f.sess.ID, "squashed"); err != nil {
		t.Fatal(err)
	}
	if res, _ := f.wf.RebaseOntoBase(ctx, f.sess.ID); !res.Conflict {
		t.Fatal("expected conflict")
	}
	gittest.Run(t, f.wt, "rebase", "--abort")

	st, err := f.wf.Status(ctx, f.sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != protocol.PhaseSquashed || st.HasConflicts {
		t.Fatalf("state = %+v, want squashed without conflicts", st)
	}
}

func TestWorkflow_PreflightDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gittest.Commit(t, f.wt, "a.txt", "a\n", "one")
	gittest.Write(t, f.wt, "scratch.txt", "wip\n")

	var dirty *protocol.DirtyWorktreeError
	if _, err := f.wf.Preflight(ctx, f.sess.ID); !errors.As(err, &dirty) {
		t.Fatalf("expected DirtyWorktreeError, got %v", err)
	}
	if len(dirty.Files) != 1 || dirty.Files[0] != "scratch.txt" {
		t.Errorf("dirty files = %v", dirty.Files)
	}
	if f.phase(t) != protocol.PhaseNotStarted {
		t.Errorf("dirty preflight must not change state, phase = %s", f.phase(t))
	}
}

func TestWorkflow_SquashValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ve *protocol.ValidationError
	if _, err := f.wf.Squash(ctx, f.sess.ID, "   "); !errors.As(err, &ve) {
		t.Fatalf("empty message: %v", err)
	}
	var ipe *protocol.InvalidPhaseError
	if _, err := f.wf.Squash(ctx, f.sess.ID, "msg"); !errors.As(err, &ipe) {
		t.Fatalf("squash before preflight: %v", err)
	}
	if _, err := f.wf.Preflight(ctx, f.sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.wf.Squash(ctx, f.sess.ID, "msg"); !errors.As(err, &ve) {
		t.Fatalf("squash with nothing ahead should be a validation error, got %v", err)
	}
}

func TestWorkflow_ExportPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gittest.Commit(t, f.wt, "a.txt", "alpha\n", "one")

	out := filepath.Join(t.TempDir(), "feature.patch")
	var ipe *protocol.InvalidPhaseError
	if err := f.wf.ExportPatch(ctx, f.sess.ID, out); !errors.As(err, &ipe) {
		t.Fatalf("export before squash: %v", err)
	}

	if _, err := f.wf.Preflight(ctx, f.sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.wf.Squash(ctx, f.sess.ID, "add alpha"); err != nil {
		t.Fatal(err)
	}
	if err := f.wf.ExportPatch(ctx, f.sess.ID, out); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Subject: [PATCH] add alpha") || !strings.Contains(string(data), "+alpha") {
		t.Errorf("patch = %s", data)
	}
	if f.phase(t) != protocol.PhaseSquashed {
		t.Errorf("export must not change the phase, got %s", f.phase(t))
	}
}

func TestWorkflow_StepDrivesToIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gittest.Commit(t, f.wt, "a.txt", "a\n", "one")
	gittest.Commit(t, f.root, "base.txt", "b\n", "base moved")

	var actions []Event
	for i := 0; i < 6; i++ {
		res, err := f.wf.Step(ctx, f.sess.ID, "")
		if err != nil {
			t.Fatalf("step %d (%v): %v", i, actions, err)
		}
		actions = append(actions, res.Action)
		if res.Action == ActionNone {
			break
		}
	}
	want := []Event{EvPreflight, EvSquash, EvRebaseClean, EvFastForward, ActionNone}
	if strings.Join(eventStrings(actions), ",") != strings.Join(eventStrings(want), ",") {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	if got := gittest.Run(t, f.root, "log", "-1", "--format=%s", "main"); got != "feature" {
		t.Errorf("default squash message should be the session name, got %q", got)
	}
}

func eventStrings(evs []Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = string(e)
	}
	return out
}

func TestWorkflow_LockBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.locks.Acquire(ctx, f.sess.ID, "someone-else"); err != nil {
		t.Fatal(err)
	}
	var busy *protocol.LockBusyError
	if _, err := f.wf.Preflight(ctx, f.sess.ID); !errors.As(err, &busy) {
		t.Fatalf("expected LockBusyError, got %v", err)
	}
	st, err := f.wf.Status(ctx, f.sess.ID)
	if err != nil || st.Phase != protocol.PhaseNotStarted {
		t.Fatalf("status while locked = %+v, %v", st, err)
	}
}

func TestWorkflow_UnknownSession(t *testing.T) {
	f := newFixture(t)
	var nf *protocol.NotFoundError
	if _, err := f.wf.Preflight(context.Background(), "nope"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
