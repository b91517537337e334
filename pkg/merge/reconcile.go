package merge

import (
	"context"
	"fmt"

	"tandem/pkg/protocol"
)

// maxReconcileSteps bounds the forward-only derivation loop; the longest
// chain is preflight-checked → squashed → rebased → integrated.
const maxReconcileSteps = 4

// reconcile re-derives the phase from the repository and persists it when
// it moved. Phases only move forward, except that a conflict whose rebase
// was aborted outside tandem returns to squashed.
func (w *Workflow) reconcile(ctx context.Context, r *run) error {
	from := r.st.Phase
	for i := 0; i < maxReconcileSteps; i++ {
		moved, err := w.deriveOnce(ctx, r)
		if err != nil {
			return &protocol.RepositoryError{SessionID: r.sess.ID, Op: "reconcile", Err: err}
		}
		if !moved {
			break
		}
	}
	if r.st.Phase == from {
		return nil
	}
	if err := w.save(ctx, r.st); err != nil {
		return err
	}
	if r.st.Phase == protocol.PhaseIntegrated {
		if err := w.store.SetStatus(context.WithoutCancel(ctx), r.sess.ID, protocol.StatusMerged); err != nil {
			return err
		}
	}
	w.logger.Info("merge state reconciled", "session", r.sess.ID, "from", from, "to", r.st.Phase)
	w.emit.Event(ctx, protocol.EvReconciled, r.sess.ID,
		fmt.Sprintf("%s: merge state reconciled %s -> %s", r.sess.Name, from, r.st.Phase),
		map[string]any{"from": string(from), "to": string(r.st.Phase)})
	return nil
}

// deriveOnce applies at most one reconciliation rule.
func (w *Workflow) deriveOnce(ctx context.Context, r *run) (bool, error) {
	s, st := r.sess, r.st
	switch st.Phase {
	case protocol.PhasePreflightChecked:
		if st.SquashMessage == "" {
			return false, nil
		}
		ahead, _, err := w.repo.AheadBehind(ctx, s.RepoRoot, s.BaseBranch, s.BranchName)
		if err != nil || ahead != 1 {
			return false, err
		}
		subject, err := w.repo.CommitSubject(ctx, s.RepoRoot, s.BranchName)
		if err != nil || subject != st.SquashMessage {
			return false, err
		}
		tip, err := w.repo.RevParse(ctx, s.RepoRoot, s.BranchName)
		if err != nil {
			return false, err
		}
		st.SquashCommit = tip
		st.Phase = protocol.PhaseSquashed
		return true, nil

	case protocol.PhaseSquashed:
		inProgress, err := w.repo.RebaseInProgress(ctx, s.WorktreePath)
		if err != nil {
			return false, err
		}
		if inProgress {
			files, err := w.repo.UnmergedFiles(ctx, s.WorktreePath)
			if err != nil {
				return false, err
			}
			st.HasConflicts = true
			st.ConflictFiles = files
			st.Phase = protocol.PhaseConflict
			return true, nil
		}
		return w.rebasedSinceSquash(ctx, r)

	case protocol.PhaseConflict, protocol.PhaseResolved:
		inProgress, err := w.repo.RebaseInProgress(ctx, s.WorktreePath)
		if err != nil || inProgress {
			return false, err
		}
		tip, err := w.repo.RevParse(ctx, s.RepoRoot, s.BranchName)
		if err != nil {
			return false, err
		}
		if tip == st.SquashCommit {
			st.HasConflicts = false
			st.ConflictFiles = nil
			st.Phase = protocol.PhaseSquashed
			return true, nil
		}
		moved, err := w.rebasedSinceSquash(ctx, r)
		if moved {
			st.HasConflicts = false
			st.ConflictFiles = nil
		}
		return moved, err

	case protocol.PhaseRebased:
		baseTip, err := w.repo.RevParse(ctx, s.RepoRoot, s.BaseBranch)
		if err != nil {
			return false, err
		}
		tip, err := w.repo.RevParse(ctx, s.RepoRoot, s.BranchName)
		if err != nil || tip != baseTip {
			return false, err
		}
		st.Phase = protocol.PhaseIntegrated
		return true, nil
	}
	return false, nil
}

// rebasedSinceSquash moves to rebased when the branch tip differs from the
// squash commit and already contains the base tip.
func (w *Workflow) rebasedSinceSquash(ctx context.Context, r *run) (bool, error) {
	s, st := r.sess, r.st
	tip, err := w.repo.RevParse(ctx, s.RepoRoot, s.BranchName)
	if err != nil || tip == st.SquashCommit {
		return false, err
	}
	ok, err := w.repo.IsAncestor(ctx, s.RepoRoot, s.BaseBranch, s.BranchName)
	if err != nil || !ok {
		return false, err
	}
	st.SquashCommit = tip
	st.Phase = protocol.PhaseRebased
	return true, nil
}
