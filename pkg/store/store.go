// Package store is the durable record of sessions, iterations and merge
// workflow state. It is the single source of truth across process restarts;
// callers re-read rather than cache. The store performs no locking of its
// own: per-session serialization is the lock package's job, and SQLite WAL
// provides concurrent readers with serialized writers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tandem/pkg/protocol"
)

// Store manages the sessions, iterations and merge_workflows tables.
type Store struct {
	db *sql.DB
}

// New creates a Store backed by db. The schema must already be applied
// (OpenDB does this).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle so the lock manager and event sink can
// share one connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// isUniqueViolation reports whether err is a SQLite UNIQUE/PRIMARY KEY
// constraint failure on the given column (e.g. "sessions.branch_name").
func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

// --- sessions ---

const sessionColumns = `id, name, repo_root, base_branch, branch_name, worktree_path, prompt,
	script_command, model_override, thread_id, status, created_at, last_run_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*protocol.Session, error) {
	var (
		s       protocol.Session
		status  string
		created int64
		lastRun sql.NullInt64
	)
	if err := r.Scan(&s.ID, &s.Name, &s.RepoRoot, &s.BaseBranch, &s.BranchName, &s.WorktreePath,
		&s.Prompt, &s.ScriptCommand, &s.ModelOverride, &s.ThreadID, &status, &created, &lastRun); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	s.Status = protocol.Status(status)
	s.CreatedAt = fromNanos(created)
	s.LastRunAt = timePtr(lastRun)
	return &s, nil
}

// InsertSession persists a new session row. A UNIQUE collision on branch or
// worktree is reported as *protocol.ConflictError.
func (s *Store) InsertSession(ctx context.Context, sess *protocol.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.RepoRoot, sess.BaseBranch, sess.BranchName, sess.WorktreePath,
		sess.Prompt, sess.ScriptCommand, sess.ModelOverride, sess.ThreadID, string(sess.Status),
		nanos(sess.CreatedAt), nullNanos(sess.LastRunAt),
	)
	switch {
	case isUniqueViolation(err, "sessions.branch_name"):
		return &protocol.ConflictError{What: "branch", Value: sess.BranchName}
	case isUniqueViolation(err, "sessions.worktree_path"):
		return &protocol.ConflictError{What: "worktree", Value: sess.WorktreePath}
	case err != nil:
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession reads one session. Unknown ids yield *protocol.NotFoundError.
func (s *Store) GetSession(ctx context.Context, id string) (*protocol.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{SessionID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListFilter narrows ListSessions. Zero values match everything.
type ListFilter struct {
	Status   protocol.Status
	RepoRoot string
}

// ListSessions returns sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context, f ListFilter) ([]protocol.Session, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.RepoRoot != "" {
		conds = append(conds, "repo_root = ?")
		args = append(args, f.RepoRoot)
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []protocol.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Taken reports whether branch or worktree path is already recorded for a
// session. what is "branch" or "worktree" when taken.
func (s *Store) Taken(ctx context.Context, branch, worktree string) (what string, err error) {
	var b, w string
	err = s.db.QueryRowContext(ctx,
		`SELECT branch_name, worktree_path FROM sessions WHERE branch_name = ? OR worktree_path = ? LIMIT 1`,
		branch, worktree,
	).Scan(&b, &w)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check session collision: %w", err)
	}
	if b == branch {
		return "branch", nil
	}
	return "worktree", nil
}

// SetStatus updates a session's status.
func (s *Store) SetStatus(ctx context.Context, id string, status protocol.Status) error {
	return s.updateOne(ctx, id, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
}

// MarkRun records the end of an iteration on the session row. threadID is
// only stored when the session has none yet.
func (s *Store) MarkRun(ctx context.Context, id string, status protocol.Status, at time.Time, threadID string) error {
	return s.updateOne(ctx, id,
		`UPDATE sessions
		    SET status = ?, last_run_at = ?,
		        thread_id = CASE WHEN thread_id = '' THEN ? ELSE thread_id END
		  WHERE id = ?`,
		string(status), nanos(at), threadID, id)
}

// DeleteSession removes the session row; iterations and workflow state
// cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.updateOne(ctx, id, `DELETE FROM sessions WHERE id = ?`, id)
}

func (s *Store) updateOne(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s rows affected: %w", id, err)
	}
	if n == 0 {
		return &protocol.NotFoundError{SessionID: id}
	}
	return nil
}

// FailRunning marks every session left in "running" as failed, except the
// ids in keep. Returns the ids changed. Used at startup to recover from a
// crash mid-iteration.
func (s *Store) FailRunning(ctx context.Context, keep map[string]bool) ([]string, error) {
	running, err := s.ListSessions(ctx, ListFilter{Status: protocol.StatusRunning})
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, sess := range running {
		if keep[sess.ID] {
			continue
		}
		if err := s.SetStatus(ctx, sess.ID, protocol.StatusFailed); err != nil {
			return changed, err
		}
		changed = append(changed, sess.ID)
	}
	return changed, nil
}

// --- iterations ---

// BeginIteration inserts a new running iteration with the next sequence
// number for the session. Sequence assignment is a single statement, so two
// concurrent inserts cannot receive the same number.
func (s *Store) BeginIteration(ctx context.Context, sessionID, notes string, startedAt time.Time) (*protocol.Iteration, error) {
	var seq int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO iterations (session_id, seq, started_at, notes, outcome)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		   FROM iterations WHERE session_id = ?
		 RETURNING seq`,
		sessionID, nanos(startedAt), notes, string(protocol.OutcomeRunning), sessionID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("begin iteration for %s: %w", sessionID, err)
	}
	return &protocol.Iteration{
		SessionID: sessionID,
		Seq:       seq,
		StartedAt: startedAt.UTC(),
		Notes:     notes,
		Outcome:   protocol.OutcomeRunning,
	}, nil
}

// CompleteIteration fills in the completion fields of a running iteration.
// Completed iterations are immutable: a second completion is an error.
func (s *Store) CompleteIteration(ctx context.Context, it *protocol.Iteration) error {
	if it.EndedAt == nil {
		return fmt.Errorf("complete iteration %s#%d: missing end time", it.SessionID, it.Seq)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE iterations
		    SET ended_at = ?, outcome = ?, files_changed = ?, lines_added = ?, lines_removed = ?,
		        thread_id = ?, commit_sha = ?, output = ?
		  WHERE session_id = ? AND seq = ? AND outcome = ?`,
		nanos(*it.EndedAt), string(it.Outcome), it.Stats.FilesChanged, it.Stats.Added, it.Stats.Removed,
		it.ThreadID, it.CommitSHA, truncateOutput(it.Output),
		it.SessionID, it.Seq, string(protocol.OutcomeRunning),
	)
	if err != nil {
		return fmt.Errorf("complete iteration %s#%d: %w", it.SessionID, it.Seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete iteration %s#%d: not running", it.SessionID, it.Seq)
	}
	return nil
}

// truncateOutput keeps the tail of long output, where errors usually are.
func truncateOutput(s string) string {
	if len(s) <= protocol.MaxOutputBytes {
		return s
	}
	return s[len(s)-protocol.MaxOutputBytes:]
}

// ListIterations returns a session's iterations in sequence order.
func (s *Store) ListIterations(ctx context.Context, sessionID string) ([]protocol.Iteration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, started_at, ended_at, notes, outcome, files_changed, lines_added, lines_removed,
		        thread_id, commit_sha, output
		   FROM iterations WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list iterations for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []protocol.Iteration
	for rows.Next() {
		var (
			it      = protocol.Iteration{SessionID: sessionID}
			started int64
			ended   sql.NullInt64
			outcome string
		)
		if err := rows.Scan(&it.Seq, &started, &ended, &it.Notes, &outcome, &it.Stats.FilesChanged,
			&it.Stats.Added, &it.Stats.Removed, &it.ThreadID, &it.CommitSHA, &it.Output); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.StartedAt = fromNanos(started)
		it.EndedAt = timePtr(ended)
		it.Outcome = protocol.Outcome(outcome)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list iterations for %s: %w", sessionID, err)
	}
	return out, nil
}

// InterruptRunning completes every iteration still marked running (except
// for sessions in keep) with outcome error. Returns the number changed.
func (s *Store) InterruptRunning(ctx context.Context, endedAt time.Time, keep map[string]bool) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq FROM iterations WHERE outcome = ?`, string(protocol.OutcomeRunning))
	if err != nil {
		return 0, fmt.Errorf("find running iterations: %w", err)
	}
	type key struct {
		id  string
		seq int
	}
	var stuck []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.id, &k.seq); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan running iteration: %w", err)
		}
		if !keep[k.id] {
			stuck = append(stuck, k)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("find running iterations: %w", err)
	}

	for _, k := range stuck {
		it := &protocol.Iteration{SessionID: k.id, Seq: k.seq, Outcome: protocol.OutcomeError, EndedAt: &endedAt, Output: "interrupted"}
		if err := s.CompleteIteration(ctx, it); err != nil {
			return 0, err
		}
	}
	return len(stuck), nil
}

// --- merge workflows ---

// GetWorkflow returns the session's merge workflow state, or a fresh
// not-started state when none has been recorded.
func (s *Store) GetWorkflow(ctx context.Context, sessionID string) (*protocol.MergeWorkflowState, error) {
	var (
		w         = protocol.MergeWorkflowState{SessionID: sessionID}
		phase     string
		ff, confl int
		files     string
		updated   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT phase, base_snapshot, branch_snapshot, ahead, behind, ff_eligible, squash_message,
		        squash_commit, has_conflicts, conflict_files, last_error, updated_at
		   FROM merge_workflows WHERE session_id = ?`, sessionID,
	).Scan(&phase, &w.BaseSnapshot, &w.BranchSnapshot, &w.Ahead, &w.Behind, &ff, &w.SquashMessage,
		&w.SquashCommit, &confl, &files, &w.LastError, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		w.Phase = protocol.PhaseNotStarted
		return &w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", sessionID, err)
	}
	w.Phase = protocol.Phase(phase)
	if !w.Phase.Valid() {
		return nil, &protocol.CorruptStateError{SessionID: sessionID, Reason: fmt.Sprintf("unknown phase %q", phase)}
	}
	w.FastForwardEligible = ff != 0
	w.HasConflicts = confl != 0
	w.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(files), &w.ConflictFiles); err != nil {
		return nil, &protocol.CorruptStateError{SessionID: sessionID, Reason: "conflict file list: " + err.Error()}
	}
	return &w, nil
}

// SaveWorkflow upserts the workflow row. The session must exist.
func (s *Store) SaveWorkflow(ctx context.Context, w *protocol.MergeWorkflowState) error {
	files := w.ConflictFiles
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode conflict files: %w", err)
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO merge_workflows (session_id, phase, base_snapshot, branch_snapshot, ahead, behind,
		        ff_eligible, squash_message, squash_commit, has_conflicts, conflict_files, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		        phase = excluded.phase, base_snapshot = excluded.base_snapshot,
		        branch_snapshot = excluded.branch_snapshot, ahead = excluded.ahead, behind = excluded.behind,
		        ff_eligible = excluded.ff_eligible, squash_message = excluded.squash_message,
		        squash_commit = excluded.squash_commit, has_conflicts = excluded.has_conflicts,
		        conflict_files = excluded.conflict_files, last_error = excluded.last_error,
		        updated_at = excluded.updated_at`,
		w.SessionID, string(w.Phase), w.BaseSnapshot, w.BranchSnapshot, w.Ahead, w.Behind,
		boolInt(w.FastForwardEligible), w.SquashMessage, w.SquashCommit, boolInt(w.HasConflicts),
		string(filesJSON), w.LastError, nanos(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save workflow %s (%s): %w", w.SessionID, w.Phase, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
