package protocol

import "time"

// Event represents a row in the events SQLite table: one notification or
// telemetry record.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	SessionID string    `json:"session_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Event types written by the session manager and the merge workflow.
const (
	EvSessionCreated   = "session_created"
	EvSessionCleaned   = "session_cleaned"
	EvIterationStarted = "iteration_started"
	EvIterationDone    = "iteration_done"
	EvPhaseChanged     = "phase_changed"
	EvMergeConflict    = "merge_conflict"
	EvIntegrated       = "integrated"
	EvLockReclaimed    = "lock_reclaimed"
	EvReconciled       = "reconciled"
)
