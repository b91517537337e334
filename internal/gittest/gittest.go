// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Require skips the test when no git binary is on PATH.
func Require(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// Init creates a repository on branch main with one commit and returns its
// path.
func Init(t testing.TB) string {
	t.Helper()
	Require(t)
	dir := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	Run(t, dir, "init", "-q", "-b", "main")
	Run(t, dir, "config", "user.name", "Test")
	Run(t, dir, "config", "user.email", "test@example.com")
	Run(t, dir, "config", "commit.gpgsign", "false")
	Commit(t, dir, "README.md", "hello\n", "initial")
	return dir
}

// Run executes git in dir and returns trimmed stdout, failing the test on
// error.
func Run(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_EDITOR=true", "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// Write writes content to file (relative to dir), creating parents.
func Write(t testing.TB, dir, file, content string) {
	t.Helper()
	p := filepath.Join(dir, file)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// Commit writes file, stages everything and commits. It returns the new
// HEAD.
func Commit(t testing.TB, dir, file, content, msg string) string {
	t.Helper()
	Write(t, dir, file, content)
	Run(t, dir, "add", "-A")
	Run(t, dir, "commit", "-q", "--no-verify", "-m", msg)
	return Run(t, dir, "rev-parse", "HEAD")
}
