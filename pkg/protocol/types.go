package protocol

import (
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle status of a session.
type Status string

// Session status constants.
const (
	StatusIdle           Status = "idle"
	StatusRunning        Status = "running"
	StatusAwaitingReview Status = "awaiting-review"
	StatusFailed         Status = "failed"
	StatusMerged         Status = "merged"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusAwaitingReview, StatusFailed, StatusMerged:
		return true
	}
	return false
}

// Session is an isolated unit of agent-driven work bound to one branch and
// one worktree.
type Session struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	RepoRoot      string     `json:"repo_root"`
	BaseBranch    string     `json:"base_branch"`
	BranchName    string     `json:"branch_name"`
	WorktreePath  string     `json:"worktree_path"`
	Prompt        string     `json:"prompt"`
	ScriptCommand string     `json:"script_command,omitempty"`
	ModelOverride string     `json:"model_override,omitempty"`
	ThreadID      string     `json:"thread_id,omitempty"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
}

// Outcome is the result of one iteration.
type Outcome string

// Iteration outcome constants.
const (
	OutcomeRunning Outcome = "running" // row inserted, agent still working
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure" // validation script rejected the change
	OutcomeError   Outcome = "error"   // agent or repository crashed
)

// DiffStats summarises a diff.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Added        int `json:"added"`
	Removed      int `json:"removed"`
}

// Iteration is one execution of the agent within a session.
type Iteration struct {
	SessionID string     `json:"session_id"`
	Seq       int        `json:"seq"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	Outcome   Outcome    `json:"outcome"`
	Stats     DiffStats  `json:"stats"`
	ThreadID  string     `json:"thread_id,omitempty"`
	CommitSHA string     `json:"commit_sha,omitempty"`
	Output    string     `json:"output,omitempty"`
}

// Phase is the current step of a session's merge workflow.
type Phase string

// Merge workflow phases.
const (
	PhaseNotStarted       Phase = "not-started"
	PhasePreflightChecked Phase = "preflight-checked"
	PhaseSquashed         Phase = "squashed"
	PhaseRebased          Phase = "rebased"
	PhaseConflict         Phase = "conflict"
	PhaseResolved         Phase = "resolved"
	PhaseIntegrated       Phase = "integrated"
	PhaseCleanedUp        Phase = "cleaned-up"
	PhaseAborted          Phase = "aborted"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseNotStarted, PhasePreflightChecked, PhaseSquashed, PhaseRebased, PhaseConflict,
		PhaseResolved, PhaseIntegrated, PhaseCleanedUp, PhaseAborted:
		return true
	}
	return false
}

// Terminal reports whether no further transition (other than starting a new
// workflow) is possible from p.
func (p Phase) Terminal() bool {
	return p == PhaseCleanedUp || p == PhaseAborted
}

// MergeWorkflowState is the persisted state of a session's merge workflow.
type MergeWorkflowState struct {
	SessionID           string    `json:"session_id"`
	Phase               Phase     `json:"phase"`
	BaseSnapshot        string    `json:"base_snapshot,omitempty"`
	BranchSnapshot      string    `json:"branch_snapshot,omitempty"`
	Ahead               int       `json:"ahead"`
	Behind              int       `json:"behind"`
	FastForwardEligible bool      `json:"fast_forward_eligible"`
	SquashMessage       string    `json:"squash_message,omitempty"`
	SquashCommit        string    `json:"squash_commit,omitempty"`
	HasConflicts        bool      `json:"has_conflicts"`
	ConflictFiles       []string  `json:"conflict_files,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Lock is a row in the lock table.
type Lock struct {
	SessionID  string    `json:"session_id"`
	Holder     string    `json:"holder"`
	PID        int       `json:"pid,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a branch- and path-safe name from a session name. The result
// may be empty when name contains no usable characters.
func Slug(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxSlugLen {
		s = strings.TrimRight(s[:MaxSlugLen], "-")
	}
	return s
}
