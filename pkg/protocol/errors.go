package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind discriminates failures at the operation boundary.
type ErrorKind string

// Error kinds, one per typed error below.
const (
	KindValidation         ErrorKind = "validation"
	KindConflict           ErrorKind = "conflict"
	KindNotFound           ErrorKind = "not_found"
	KindLockBusy           ErrorKind = "lock_busy"
	KindDirtyWorktree      ErrorKind = "dirty_worktree"
	KindUnresolvedConflict ErrorKind = "unresolved_conflict"
	KindRepository         ErrorKind = "repository"
	KindNotMerged          ErrorKind = "not_merged"
	KindCorruptState       ErrorKind = "corrupt_state"
	KindInvalidPhase       ErrorKind = "invalid_phase"
	KindAgent              ErrorKind = "agent"
	KindInternal           ErrorKind = "internal"
)

// ValidationError reports bad input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a name, branch or worktree collision.
type ConflictError struct {
	What  string // "branch" or "worktree"
	Value string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.What, e.Value)
}

// NotFoundError reports an unknown session.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// LockBusyError reports that another holder owns a live lock on the session.
// Transient: the caller may retry or skip.
type LockBusyError struct {
	SessionID string
	Holder    string
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("session %s is locked by %s", e.SessionID, e.Holder)
}

// DirtyWorktreeError reports uncommitted changes that block a merge.
type DirtyWorktreeError struct {
	SessionID string
	Files     []string
}

func (e *DirtyWorktreeError) Error() string {
	return fmt.Sprintf("session %s has uncommitted changes: %s",
		e.SessionID, strings.Join(e.Files, ", "))
}

// UnresolvedConflictError reports conflicts that remain after the caller
// asked to continue a rebase.
type UnresolvedConflictError struct {
	SessionID string
	Files     []string
}

func (e *UnresolvedConflictError) Error() string {
	return fmt.Sprintf("session %s still has unresolved conflicts in: %s",
		e.SessionID, strings.Join(e.Files, ", "))
}

// RepositoryError wraps a failed source-control operation. Not retried
// automatically.
type RepositoryError struct {
	SessionID string
	Op        string
	Detail    string
	Err       error
}

func (e *RepositoryError) Error() string {
	msg := fmt.Sprintf("session %s: %s failed", e.SessionID, e.Op)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// NotMergedError reports that cleanup was refused because the session branch
// is not reachable from its base.
type NotMergedError struct {
	SessionID string
	Branch    string
	Base      string
}

func (e *NotMergedError) Error() string {
	return fmt.Sprintf("session %s: branch %s is not merged into %s (use force to discard)",
		e.SessionID, e.Branch, e.Base)
}

// CorruptStateError reports persisted state that cannot be trusted. Fatal;
// requires manual inspection.
type CorruptStateError struct {
	SessionID string
	Reason    string
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("session %s: corrupt merge state: %s", e.SessionID, e.Reason)
}

// InvalidPhaseError reports a merge operation attempted from a phase that
// does not permit it.
type InvalidPhaseError struct {
	SessionID string
	Phase     Phase
	Op        string
}

func (e *InvalidPhaseError) Error() string {
	return fmt.Sprintf("session %s: %s not allowed in phase %s", e.SessionID, e.Op, e.Phase)
}

// AgentError reports an agent run that crashed. The failed iteration has
// already been recorded when this is returned.
type AgentError struct {
	SessionID string
	Seq       int
	Err       error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("session %s iteration %d: agent failed: %v", e.SessionID, e.Seq, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// KindOf maps err to its boundary discriminator. Unknown errors are
// KindInternal.
func KindOf(err error) ErrorKind {
	var (
		validation *ValidationError
		conflict   *ConflictError
		notFound   *NotFoundError
		busy       *LockBusyError
		dirty      *DirtyWorktreeError
		unresolved *UnresolvedConflictError
		repo       *RepositoryError
		notMerged  *NotMergedError
		corrupt    *CorruptStateError
		phase      *InvalidPhaseError
		agent      *AgentError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &busy):
		return KindLockBusy
	case errors.As(err, &dirty):
		return KindDirtyWorktree
	case errors.As(err, &unresolved):
		return KindUnresolvedConflict
	case errors.As(err, &notMerged):
		return KindNotMerged
	case errors.As(err, &corrupt):
		return KindCorruptState
	case errors.As(err, &phase):
		return KindInvalidPhase
	case errors.As(err, &agent):
		return KindAgent
	case errors.As(err, &repo):
		return KindRepository
	default:
		return KindInternal
	}
}
