package protocol

// SchemaDDL defines the SQLite schema for the tandem state database.
// Tables: sessions, iterations, merge_workflows, locks, events.
// Times are unix nanoseconds. Execute with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- One row per live session; deleted only after worktree and branch are gone
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    repo_root TEXT NOT NULL,
    base_branch TEXT NOT NULL,
    branch_name TEXT NOT NULL UNIQUE,
    worktree_path TEXT NOT NULL UNIQUE,
    prompt TEXT NOT NULL,
    script_command TEXT NOT NULL DEFAULT '',
    model_override TEXT NOT NULL DEFAULT '',
    thread_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'idle',
    created_at INTEGER NOT NULL,
    last_run_at INTEGER
);

-- Agent iterations, sequence scoped to the session
CREATE TABLE IF NOT EXISTS iterations (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    notes TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL DEFAULT 'running',
    files_changed INTEGER NOT NULL DEFAULT 0,
    lines_added INTEGER NOT NULL DEFAULT 0,
    lines_removed INTEGER NOT NULL DEFAULT 0,
    thread_id TEXT NOT NULL DEFAULT '',
    commit_sha TEXT NOT NULL DEFAULT '',
    output TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, seq)
);

-- At most one merge workflow per session
CREATE TABLE IF NOT EXISTS merge_workflows (
    session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
    phase TEXT NOT NULL DEFAULT 'not-started',
    base_snapshot TEXT NOT NULL DEFAULT '',
    branch_snapshot TEXT NOT NULL DEFAULT '',
    ahead INTEGER NOT NULL DEFAULT 0,
    behind INTEGER NOT NULL DEFAULT 0,
    ff_eligible INTEGER NOT NULL DEFAULT 0,
    squash_message TEXT NOT NULL DEFAULT '',
    squash_commit TEXT NOT NULL DEFAULT '',
    has_conflicts INTEGER NOT NULL DEFAULT 0,
    conflict_files TEXT NOT NULL DEFAULT '[]',
    last_error TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);

-- Advisory per-session locks; deliberately not tied to sessions by FK
CREATE TABLE IF NOT EXISTS locks (
    session_id TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    pid INTEGER NOT NULL DEFAULT 0,
    acquired_at INTEGER NOT NULL
);

-- Notification and telemetry log
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`
