// Package gitrepo is the repository adapter: worktree, branch, diff, rebase
// and commit primitives built on the git CLI. Every method takes the
// directory it runs in; the adapter holds no per-session state.
package gitrepo

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"tandem/pkg/protocol"
)

// Repo implements the repository primitives over a GitRunner.
type Repo struct {
	git GitRunner
}

// New returns a Repo. A nil runner selects ExecGitRunner.
func New(git GitRunner) *Repo {
	if git == nil {
		git = &ExecGitRunner{}
	}
	return &Repo{git: git}
}

// GitError is a failed git invocation with its stderr.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := "git " + strings.Join(e.Args, " ") + ": " + e.Err.Error()
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *GitError) Unwrap() error { return e.Err }

// ExitCode exposes the wrapped process exit code.
func (e *GitError) ExitCode() int { return exitCode(e.Err) }

func (r *Repo) run(ctx context.Context, dir string, args ...string) (string, error) {
	stdout, stderr, err := r.git.Run(ctx, dir, args...)
	if err != nil {
		return stdout, &GitError{Args: args, Stderr: stderr, Err: err}
	}
	return stdout, nil
}

func (r *Repo) line(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := r.run(ctx, dir, args...)
	return strings.TrimSpace(out), err
}

// IsRepo reports whether dir is inside a git work tree.
func (r *Repo) IsRepo(ctx context.Context, dir string) bool {
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return false
	}
	out, err := r.line(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// BranchExists reports whether refs/heads/<branch> exists.
func (r *Repo) BranchExists(ctx context.Context, repoRoot, branch string) (bool, error) {
	_, err := r.run(ctx, repoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// CreateWorktree runs `git worktree add -b <newBranch> <path> <base>` in
// repoRoot and returns the absolute worktree path.
func (r *Repo) CreateWorktree(ctx context.Context, repoRoot, baseBranch, newBranch, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve worktree path %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent for %s: %w", abs, err)
	}
	if _, err := r.run(ctx, repoRoot, "worktree", "add", "-b", newBranch, abs, baseBranch); err != nil {
		return "", err
	}
	return abs, nil
}

// RemoveWorktree runs `git worktree remove --force <path>`. A worktree whose
// directory is already gone is pruned from git's bookkeeping instead.
func (r *Repo) RemoveWorktree(ctx context.Context, repoRoot, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return r.PruneWorktrees(ctx, repoRoot)
	}
	_, err := r.run(ctx, repoRoot, "worktree", "remove", "--force", path)
	return err
}

// PruneWorktrees cleans git's record of worktrees whose directory vanished.
func (r *Repo) PruneWorktrees(ctx context.Context, repoRoot string) error {
	_, err := r.run(ctx, repoRoot, "worktree", "prune")
	return err
}

// DeleteBranch deletes a local branch; force uses -D.
func (r *Repo) DeleteBranch(ctx context.Context, repoRoot, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := r.run(ctx, repoRoot, "branch", flag, name)
	return err
}

// IsReachable reports whether every commit of branch is reachable from base.
func (r *Repo) IsReachable(ctx context.Context, repoRoot, branch, base string) (bool, error) {
	return r.IsAncestor(ctx, repoRoot, branch, base)
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to) rev.
func (r *Repo) IsAncestor(ctx context.Context, dir, ancestor, rev string) (bool, error) {
	_, err := r.run(ctx, dir, "merge-base", "--is-ancestor", ancestor, rev)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// RevParse resolves rev to a commit SHA.
func (r *Repo) RevParse(ctx context.Context, dir, rev string) (string, error) {
	return r.line(ctx, dir, "rev-parse", "--verify", rev+"^{commit}")
}

// IsCommit reports whether rev names an existing commit.
func (r *Repo) IsCommit(ctx context.Context, dir, rev string) bool {
	if rev == "" {
		return false
	}
	_, err := r.run(ctx, dir, "cat-file", "-e", rev+"^{commit}")
	return err == nil
}

// MergeBase returns the best common ancestor of a and b.
func (r *Repo) MergeBase(ctx context.Context, dir, a, b string) (string, error) {
	return r.line(ctx, dir, "merge-base", a, b)
}

// CurrentBranch returns the branch checked out in dir, or "" when HEAD is
// detached.
func (r *Repo) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := r.line(ctx, dir, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil && exitCode(err) == 1 {
		return "", nil
	}
	return out, err
}

// CommitSubject returns the subject line of rev.
func (r *Repo) CommitSubject(ctx context.Context, dir, rev string) (string, error) {
	return r.line(ctx, dir, "log", "-1", "--format=%s", rev)
}

// AheadBehind counts commits on branch not on base (ahead) and on base not
// on branch (behind).
func (r *Repo) AheadBehind(ctx context.Context, dir, base, branch string) (ahead, behind int, err error) {
	out, err := r.line(ctx, dir, "rev-list", "--left-right", "--count", base+"..."+branch)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}
	if behind, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, fmt.Errorf("parse behind count %q: %w", fields[0], err)
	}
	if ahead, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, fmt.Errorf("parse ahead count %q: %w", fields[1], err)
	}
	return ahead, behind, nil
}

// Status returns the paths reported by `git status --porcelain`.
func (r *Repo) Status(ctx context.Context, dir string) ([]string, error) {
	out, err := r.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		l := sc.Text()
		if len(l) > 3 {
			files = append(files, strings.TrimSpace(l[3:]))
		}
	}
	return files, nil
}

// StageAll runs `git add -A`.
func (r *Repo) StageAll(ctx context.Context, dir string) error {
	_, err := r.run(ctx, dir, "add", "-A")
	return err
}

// Commit records the staged changes and returns the new HEAD.
func (r *Repo) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := r.run(ctx, dir, "commit", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	return r.RevParse(ctx, dir, "HEAD")
}

// StagedStats summarises the index against HEAD.
func (r *Repo) StagedStats(ctx context.Context, dir string) (protocol.DiffStats, error) {
	out, err := r.run(ctx, dir, "diff", "--cached", "--numstat")
	if err != nil {
		return protocol.DiffStats{}, err
	}
	return parseNumstat(out), nil
}

// DiffStats summarises the working tree of dir against its merge-base with
// base.
func (r *Repo) DiffStats(ctx context.Context, dir, base string) (protocol.DiffStats, error) {
	mb, err := r.MergeBase(ctx, dir, base, "HEAD")
	if err != nil {
		return protocol.DiffStats{}, err
	}
	out, err := r.run(ctx, dir, "diff", "--numstat", mb)
	if err != nil {
		return protocol.DiffStats{}, err
	}
	return parseNumstat(out), nil
}

// Diff returns the unified diff of the working tree of dir against its
// merge-base with base.
func (r *Repo) Diff(ctx context.Context, dir, base string) (string, error) {
	mb, err := r.MergeBase(ctx, dir, base, "HEAD")
	if err != nil {
		return "", err
	}
	return r.run(ctx, dir, "diff", mb)
}

// parseNumstat sums `git diff --numstat` output. Binary files ("-") count
// as changed with no lines.
func parseNumstat(out string) protocol.DiffStats {
	var st protocol.DiffStats
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		st.FilesChanged++
		if n, err := strconv.Atoi(fields[0]); err == nil {
			st.Added += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			st.Removed += n
		}
	}
	return st
}

// Squash collapses every commit on HEAD since its merge-base with base into
// one commit with message and returns the new HEAD.
func (r *Repo) Squash(ctx context.Context, dir, base, message string) (string, error) {
	mb, err := r.MergeBase(ctx, dir, base, "HEAD")
	if err != nil {
		return "", err
	}
	if _, err := r.run(ctx, dir, "reset", "--soft", mb); err != nil {
		return "", err
	}
	return r.Commit(ctx, dir, message)
}

// RebaseResult is the outcome of a rebase attempt. A conflict is an
// expected outcome, not an error.
type RebaseResult struct {
	Conflict bool     `json:"conflict"`
	Files    []string `json:"files,omitempty"`
}

// Rebase rebases the branch checked out in dir onto onto. Conflicts leave
// the rebase in progress and are reported in the result.
func (r *Repo) Rebase(ctx context.Context, dir, onto string) (RebaseResult, error) {
	_, stderr, err := r.git.Run(ctx, dir, "rebase", onto)
	if err == nil {
		return RebaseResult{}, nil
	}
	return r.rebaseFailure(ctx, dir, []string{"rebase", onto}, stderr, err)
}

// ContinueRebase resumes a rebase after conflicts were resolved and staged.
func (r *Repo) ContinueRebase(ctx context.Context, dir string) (RebaseResult, error) {
	_, stderr, err := r.git.Run(ctx, dir, "rebase", "--continue")
	if err == nil {
		return RebaseResult{}, nil
	}
	return r.rebaseFailure(ctx, dir, []string{"rebase", "--continue"}, stderr, err)
}

func (r *Repo) rebaseFailure(ctx context.Context, dir string, args []string, stderr string, err error) (RebaseResult, error) {
	if ctx.Err() != nil {
		return RebaseResult{}, fmt.Errorf("rebase cancelled: %w", ctx.Err())
	}
	inProgress, _ := r.RebaseInProgress(ctx, dir)
	if !inProgress {
		return RebaseResult{}, &GitError{Args: args, Stderr: stderr, Err: err}
	}
	files, _ := r.UnmergedFiles(ctx, dir)
	if len(files) == 0 {
		files = parseConflictFiles(stderr)
	}
	if len(files) == 0 {
		return RebaseResult{}, &GitError{Args: args, Stderr: stderr, Err: err}
	}
	return RebaseResult{Conflict: true, Files: files}, nil
}

// AbortRebase runs `git rebase --abort` when a rebase is in progress.
func (r *Repo) AbortRebase(ctx context.Context, dir string) error {
	inProgress, err := r.RebaseInProgress(ctx, dir)
	if err != nil || !inProgress {
		return err
	}
	_, err = r.run(ctx, dir, "rebase", "--abort")
	return err
}

// RebaseInProgress reports whether dir has an interrupted rebase.
func (r *Repo) RebaseInProgress(ctx context.Context, dir string) (bool, error) {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		p, err := r.line(ctx, dir, "rev-parse", "--git-path", name)
		if err != nil {
			return false, err
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if _, err := os.Stat(p); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// UnmergedFiles lists paths with unresolved index conflicts.
func (r *Repo) UnmergedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := r.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			files = append(files, l)
		}
	}
	return files, nil
}

// ConflictMarkers returns the subset of files (relative to dir) that still
// contain conflict marker lines. Missing files are skipped.
func ConflictMarkers(dir string, files []string) ([]string, error) {
	var marked []string
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f)) //nolint:gosec // paths come from git
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		if markerPattern.Match(data) {
			marked = append(marked, f)
		}
	}
	return marked, nil
}

var markerPattern = regexp.MustCompile(`(?m)^(<{7}|>{7})( |$)`)

// ResetHard moves HEAD of dir to rev, discarding working tree changes.
func (r *Repo) ResetHard(ctx context.Context, dir, rev string) error {
	_, err := r.run(ctx, dir, "reset", "--hard", rev)
	return err
}

// FastForward advances base to branch without a merge commit. When base is
// checked out in repoRoot the working tree follows via `merge --ff-only`;
// otherwise the ref is moved with a compare-and-swap update-ref.
func (r *Repo) FastForward(ctx context.Context, repoRoot, base, branch string) (string, error) {
	ok, err := r.IsAncestor(ctx, repoRoot, base, branch)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s is not an ancestor of %s: fast-forward impossible", base, branch)
	}
	current, err := r.CurrentBranch(ctx, repoRoot)
	if err != nil {
		return "", err
	}
	if current == base {
		if _, err := r.run(ctx, repoRoot, "merge", "--ff-only", branch); err != nil {
			return "", err
		}
		return r.RevParse(ctx, repoRoot, "HEAD")
	}
	oldSHA, err := r.RevParse(ctx, repoRoot, base)
	if err != nil {
		return "", err
	}
	newSHA, err := r.RevParse(ctx, repoRoot, branch)
	if err != nil {
		return "", err
	}
	if _, err := r.run(ctx, repoRoot, "update-ref", "-m", "tandem: fast-forward "+base,
		"refs/heads/"+base, newSHA, oldSHA); err != nil {
		return "", err
	}
	return newSHA, nil
}

// FormatPatch renders rev as a mailbox patch.
func (r *Repo) FormatPatch(ctx context.Context, dir, rev string) (string, error) {
	return r.run(ctx, dir, "format-patch", "-1", "--stdout", rev)
}

// conflictPattern matches git's CONFLICT output lines.
// Examples:
//
//	CONFLICT (content): Merge conflict in src/main.go
//	CONFLICT (add/add): Merge conflict in new_file.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git rebase output.
func parseConflictFiles(out string) []string {
	matches := conflictPattern.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}

// IsDirty reports whether dir has uncommitted or untracked changes, and
// which paths.
func (r *Repo) IsDirty(ctx context.Context, dir string) (bool, []string, error) {
	files, err := r.Status(ctx, dir)
	if err != nil {
		return false, nil, err
	}
	return len(files) > 0, files, nil
}

// Exclude adds pattern to the repository's info/exclude file unless it is
// already listed, keeping tandem's worktree directory out of `git status`
// in the main checkout.
func (r *Repo) Exclude(ctx context.Context, repoRoot, pattern string) error {
	p, err := r.line(ctx, repoRoot, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(repoRoot, p)
	}
	data, err := os.ReadFile(p) //nolint:gosec // path comes from git
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", p, err)
	}
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) == pattern {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(p), err)
	}
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		pattern = "\n" + pattern
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // path comes from git
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	if _, err := f.WriteString(pattern + "\n"); err != nil {
		return fmt.Errorf("append %s: %w", p, err)
	}
	return nil
}
