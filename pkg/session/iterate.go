package session

import (
	"context"
	"fmt"

	"tandem/pkg/agent"
	"tandem/pkg/lock"
	"tandem/pkg/protocol"
)

// Iterate runs one agent iteration in the session's worktree and commits
// whatever it changed, including partial edits left by a crashed agent.
// The returned iteration is always the recorded row; an agent crash is
// also returned as *protocol.AgentError.
func (m *Manager) Iterate(ctx context.Context, id, notes string) (*protocol.Iteration, error) {
	var it *protocol.Iteration
	err := m.locks.WithLock(ctx, id, lock.NewHolder(), func(ctx context.Context) error {
		var err error
		it, err = m.iterate(ctx, id, notes)
		return err
	})
	return it, err
}

func (m *Manager) iterate(ctx context.Context, id, notes string) (*protocol.Iteration, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.checkIterable(ctx, sess); err != nil {
		return nil, err
	}

	if err := m.store.SetStatus(ctx, id, protocol.StatusRunning); err != nil {
		return nil, err
	}
	it, err := m.store.BeginIteration(ctx, id, notes, m.nowFunc().UTC())
	if err != nil {
		_ = m.store.SetStatus(context.WithoutCancel(ctx), id, protocol.StatusFailed)
		return nil, err
	}
	log := m.logger.With("session", id, "seq", it.Seq)
	log.Info("iteration started")
	m.emit.Event(ctx, protocol.EvIterationStarted, id,
		fmt.Sprintf("%s: iteration %d started", sess.Name, it.Seq), map[string]any{"seq": it.Seq})

	res, runErr := m.agent.RunIteration(ctx, agent.Request{
		SessionID: id,
		Prompt:    sess.Prompt,
		Notes:     notes,
		Dir:       sess.WorktreePath,
		ThreadID:  sess.ThreadID,
		Model:     sess.ModelOverride,
	})

	// The agent may have run for a long time; record the outcome even when
	// the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	it.ThreadID = res.ThreadID
	it.Output = res.Output

	var opErr error
	switch {
	case runErr != nil:
		it.Outcome = protocol.OutcomeError
		opErr = &protocol.AgentError{SessionID: id, Seq: it.Seq, Err: runErr}
		// Partial edits belong to this iteration, not the next one.
		if err := m.commitIteration(ctx, sess, it); err != nil {
			log.Warn("commit partial iteration", "error", err)
		}
	default:
		it.Outcome = m.validate(ctx, sess, it)
		if err := m.commitIteration(ctx, sess, it); err != nil {
			it.Outcome = protocol.OutcomeError
			opErr = err
		}
	}

	ended := m.nowFunc().UTC()
	it.EndedAt = &ended
	if err := m.store.CompleteIteration(ctx, it); err != nil {
		return it, err
	}
	status := protocol.StatusAwaitingReview
	if it.Outcome != protocol.OutcomeSuccess {
		status = protocol.StatusFailed
	}
	if err := m.store.MarkRun(ctx, id, status, ended, res.ThreadID); err != nil {
		return it, err
	}

	elapsed := ended.Sub(it.StartedAt)
	log.Info("iteration done", "outcome", it.Outcome, "files", it.Stats.FilesChanged,
		"commit", it.CommitSHA, "elapsed", elapsed)
	m.emit.Event(ctx, protocol.EvIterationDone, id,
		fmt.Sprintf("%s: iteration %d %s", sess.Name, it.Seq, it.Outcome),
		map[string]any{"seq": it.Seq, "outcome": string(it.Outcome), "commit": it.CommitSHA})
	attrs := map[string]any{"seq": it.Seq, "outcome": string(it.Outcome)}
	m.emit.Metric(ctx, "iteration.duration_seconds", id, elapsed.Seconds(), attrs)
	m.emit.Metric(ctx, "iteration.files_changed", id, float64(it.Stats.FilesChanged), attrs)
	m.emit.Metric(ctx, "iteration.lines_added", id, float64(it.Stats.Added), attrs)
	m.emit.Metric(ctx, "iteration.lines_removed", id, float64(it.Stats.Removed), attrs)
	return it, opErr
}

// checkIterable refuses iterations once the branch has been rewritten by
// the merge workflow. A preflight report is discarded because the new
// iteration makes it stale.
func (m *Manager) checkIterable(ctx context.Context, sess *protocol.Session) error {
	st, err := m.store.GetWorkflow(ctx, sess.ID)
	if err != nil {
		return err
	}
	switch st.Phase {
	case protocol.PhaseSquashed, protocol.PhaseConflict, protocol.PhaseResolved,
		protocol.PhaseRebased, protocol.PhaseIntegrated, protocol.PhaseCleanedUp:
		return &protocol.InvalidPhaseError{SessionID: sess.ID, Phase: st.Phase, Op: "iterate"}
	case protocol.PhasePreflightChecked:
		return m.store.SaveWorkflow(ctx, &protocol.MergeWorkflowState{
			SessionID: sess.ID,
			Phase:     protocol.PhaseNotStarted,
			UpdatedAt: m.nowFunc().UTC(),
		})
	}
	return nil
}

// validate runs the session's script, if any, and folds its output into
// the iteration.
func (m *Manager) validate(ctx context.Context, sess *protocol.Session, it *protocol.Iteration) protocol.Outcome {
	if sess.ScriptCommand == "" {
		return protocol.OutcomeSuccess
	}
	v, err := m.validator.Validate(ctx, sess.WorktreePath, sess.ScriptCommand)
	it.Output += fmt.Sprintf("\n--- validation (exit %d) ---\n%s", v.ExitCode, v.Output)
	if err != nil {
		m.logger.Warn("validation script failed to run", "session", sess.ID, "error", err)
		it.Output += "\n" + err.Error()
		return protocol.OutcomeError
	}
	if !v.Passed {
		return protocol.OutcomeFailure
	}
	return protocol.OutcomeSuccess
}

// commitIteration stages every change in the worktree and commits it when
// anything changed.
func (m *Manager) commitIteration(ctx context.Context, sess *protocol.Session, it *protocol.Iteration) error {
	dir := sess.WorktreePath
	if err := m.repo.StageAll(ctx, dir); err != nil {
		return &protocol.RepositoryError{SessionID: sess.ID, Op: "stage", Err: err}
	}
	stats, err := m.repo.StagedStats(ctx, dir)
	if err != nil {
		return &protocol.RepositoryError{SessionID: sess.ID, Op: "diff stats", Err: err}
	}
	it.Stats = stats
	if stats.FilesChanged == 0 {
		return nil
	}
	sha, err := m.repo.Commit(ctx, dir, fmt.Sprintf("tandem: %s iteration %d", sess.Name, it.Seq))
	if err != nil {
		return &protocol.RepositoryError{SessionID: sess.ID, Op: "commit", Err: err}
	}
	it.CommitSHA = sha
	return nil
}
