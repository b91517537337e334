// Package lock implements advisory, per-session mutual exclusion backed by
// the locks table. Acquisition never waits: a live lock held by another
// holder fails immediately with *protocol.LockBusyError.
//
// Staleness policy: a lock is stale when it is older than the configured
// TTL, or when it records a PID on this host that no longer answers a
// signal-0 probe. Both checks use the injected clock and liveness function,
// so the policy is deterministic under test.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"tandem/pkg/protocol"
)

// DefaultTTL is the age after which a lock is reclaimable.
const DefaultTTL = 30 * time.Minute

// Manager owns the lock table.
type Manager struct {
	db   *sql.DB
	ttl  time.Duration
	pid  int
	host string

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	// aliveFn checks process liveness; injectable for testing.
	aliveFn func(pid int) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// WithAliveFunc replaces the signal-0 liveness probe.
func WithAliveFunc(fn func(pid int) bool) Option {
	return func(m *Manager) { m.aliveFn = fn }
}

// WithPID sets the PID recorded on acquired locks. Zero disables the
// liveness check for locks taken by this manager.
func WithPID(pid int) Option {
	return func(m *Manager) { m.pid = pid }
}

// WithHost sets the host name compared against holder ids before a PID is
// probed.
func WithHost(host string) Option {
	return func(m *Manager) { m.host = host }
}

// NewManager returns a Manager over db (schema already applied). ttl <= 0
// selects DefaultTTL.
func NewManager(db *sql.DB, ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		db:      db,
		ttl:     ttl,
		pid:     os.Getpid(),
		host:    hostname(),
		nowFunc: time.Now,
		aliveFn: IsProcessAlive,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// IsProcessAlive reports whether a process with pid exists on this host.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0: no signal sent, just checks if process exists.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Acquire takes or refreshes the lock on sessionID for holder.
func (m *Manager) Acquire(ctx context.Context, sessionID, holder string) error {
	if holder == "" {
		return &protocol.ValidationError{Field: "holder", Reason: "must not be empty"}
	}
	ok, err := m.tryAcquire(ctx, sessionID, holder)
	if err != nil || ok {
		return err
	}

	cur, err := m.get(ctx, sessionID)
	if err != nil {
		return err
	}
	if cur == nil {
		// Released between the upsert and the read.
		if ok, err = m.tryAcquire(ctx, sessionID, holder); err != nil || ok {
			return err
		}
		return &protocol.LockBusyError{SessionID: sessionID}
	}
	if m.deadHere(*cur) {
		if err := m.reclaim(ctx, *cur); err != nil {
			return err
		}
		if ok, err = m.tryAcquire(ctx, sessionID, holder); err != nil || ok {
			return err
		}
	}
	return &protocol.LockBusyError{SessionID: sessionID, Holder: cur.Holder}
}

// tryAcquire is a single atomic upsert: it inserts a new lock, refreshes a
// lock already owned by holder, or takes over a lock older than the TTL.
func (m *Manager) tryAcquire(ctx context.Context, sessionID, holder string) (bool, error) {
	now := m.nowFunc()
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO locks (session_id, holder, pid, acquired_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		        holder = excluded.holder, pid = excluded.pid, acquired_at = excluded.acquired_at
		  WHERE locks.holder = excluded.holder OR locks.acquired_at < ?`,
		sessionID, holder, m.pid, now.UnixNano(), now.Add(-m.ttl).UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s rows affected: %w", sessionID, err)
	}
	return n > 0, nil
}

// deadHere reports whether l records a PID on this host that is no longer
// running. A PID recorded by another host cannot be probed from here.
func (m *Manager) deadHere(l protocol.Lock) bool {
	if l.PID <= 0 {
		return false
	}
	if h := holderHost(l.Holder); h != "" && h != m.host {
		return false
	}
	return !m.aliveFn(l.PID)
}

// reclaim deletes exactly the lock row observed, so a holder that refreshed
// in the meantime keeps its lock.
func (m *Manager) reclaim(ctx context.Context, l protocol.Lock) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM locks WHERE session_id = ? AND holder = ? AND acquired_at = ?`,
		l.SessionID, l.Holder, l.AcquiredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("reclaim lock %s: %w", l.SessionID, err)
	}
	return nil
}

// Release drops holder's lock on sessionID. Releasing a lock that does not
// exist or belongs to someone else is a no-op.
func (m *Manager) Release(ctx context.Context, sessionID, holder string) error {
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM locks WHERE session_id = ? AND holder = ?`, sessionID, holder); err != nil {
		return fmt.Errorf("release lock %s: %w", sessionID, err)
	}
	return nil
}

// WithLock acquires the lock, runs fn and releases the lock on every exit
// path, including a panic in fn. Release runs on a context detached from
// ctx's cancellation so a cancelled caller cannot strand the lock.
func (m *Manager) WithLock(ctx context.Context, sessionID, holder string, fn func(ctx context.Context) error) error {
	if err := m.Acquire(ctx, sessionID, holder); err != nil {
		return err
	}
	defer func() {
		_ = m.Release(context.WithoutCancel(ctx), sessionID, holder)
	}()
	return fn(ctx)
}

// CleanupStaleLocks removes locks older than maxAge (maxAge <= 0 uses the
// manager's TTL) and locks whose recorded process is dead. It returns the
// reclaimed locks.
func (m *Manager) CleanupStaleLocks(ctx context.Context, maxAge time.Duration) ([]protocol.Lock, error) {
	if maxAge <= 0 {
		maxAge = m.ttl
	}
	locks, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := m.nowFunc().Add(-maxAge)

	var reclaimed []protocol.Lock
	for _, l := range locks {
		stale := l.AcquiredAt.Before(cutoff) || m.deadHere(l)
		if !stale {
			continue
		}
		if err := m.reclaim(ctx, l); err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, l)
	}
	return reclaimed, nil
}

// Holder returns the current lock on sessionID, or nil.
func (m *Manager) Holder(ctx context.Context, sessionID string) (*protocol.Lock, error) {
	return m.get(ctx, sessionID)
}

func (m *Manager) get(ctx context.Context, sessionID string) (*protocol.Lock, error) {
	var (
		l  = protocol.Lock{SessionID: sessionID}
		at int64
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT holder, pid, acquired_at FROM locks WHERE session_id = ?`, sessionID,
	).Scan(&l.Holder, &l.PID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", sessionID, err)
	}
	l.AcquiredAt = time.Unix(0, at).UTC()
	return &l, nil
}

// List returns every lock in the table.
func (m *Manager) List(ctx context.Context) ([]protocol.Lock, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT session_id, holder, pid, acquired_at FROM locks ORDER BY acquired_at`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []protocol.Lock
	for rows.Next() {
		var (
			l  protocol.Lock
			at int64
		)
		if err := rows.Scan(&l.SessionID, &l.Holder, &l.PID, &at); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.AcquiredAt = time.Unix(0, at).UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return out, nil
}
