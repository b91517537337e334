package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tandem/pkg/batch"
	"tandem/pkg/eventlog"
	"tandem/pkg/merge"
	"tandem/pkg/protocol"
	"tandem/pkg/session"
	"tandem/pkg/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respond writes v or err as a Result.
func respond[T any](w http.ResponseWriter, ok int, v T, err error) {
	if err != nil {
		writeJSON(w, statusFor(err), protocol.Fail[T](err))
		return
	}
	writeJSON(w, ok, protocol.Ok(v))
}

func statusFor(err error) int {
	switch protocol.KindOf(err) {
	case protocol.KindValidation:
		return http.StatusBadRequest
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindConflict, protocol.KindLockBusy, protocol.KindDirtyWorktree,
		protocol.KindUnresolvedConflict, protocol.KindNotMerged, protocol.KindInvalidPhase:
		return http.StatusConflict
	case protocol.KindAgent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads an optional JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &protocol.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &protocol.ValidationError{Field: key, Reason: fmt.Sprintf("%q is not a number", raw)}
	}
	return n, nil
}

// GET /sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		Status:   protocol.Status(r.URL.Query().Get("status")),
		RepoRoot: r.URL.Query().Get("repo"),
	}
	sessions, err := s.mgr.List(r.Context(), f)
	if sessions == nil {
		sessions = []protocol.Session{}
	}
	respond(w, http.StatusOK, sessions, err)
}

// POST /sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var opts session.CreateOpts
	if err := decodeJSON(r, &opts); err != nil {
		respond[*protocol.Session](w, 0, nil, err)
		return
	}
	sess, err := s.mgr.Create(r.Context(), opts)
	respond(w, http.StatusCreated, sess, err)
}

// GET /sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Get(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, sess, err)
}

// DELETE /sessions/{id}?force=true
func (s *Server) cleanupSession(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	err := s.mgr.Cleanup(r.Context(), chi.URLParam(r, "id"), force)
	respond(w, http.StatusOK, struct{}{}, err)
}

// GET /sessions/{id}/iterations
func (s *Server) listIterations(w http.ResponseWriter, r *http.Request) {
	its, err := s.mgr.Iterations(r.Context(), chi.URLParam(r, "id"))
	if its == nil {
		its = []protocol.Iteration{}
	}
	respond(w, http.StatusOK, its, err)
}

type iterateRequest struct {
	Notes string `json:"notes"`
}

// POST /sessions/{id}/iterate
func (s *Server) iterate(w http.ResponseWriter, r *http.Request) {
	var req iterateRequest
	if err := decodeJSON(r, &req); err != nil {
		respond[*protocol.Iteration](w, 0, nil, err)
		return
	}
	it, err := s.mgr.Iterate(r.Context(), chi.URLParam(r, "id"), req.Notes)
	respond(w, http.StatusOK, it, err)
}

// GET /sessions/{id}/diff
func (s *Server) diff(w http.ResponseWriter, r *http.Request) {
	d, err := s.mgr.Diff(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, d, err)
}

// GET /sessions/{id}/merge
func (s *Server) mergeStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Workflow().Status(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, st, err)
}

func (s *Server) preflight(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Workflow().Preflight(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, st, err)
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) squash(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respond(w, 0, protocol.MergeWorkflowState{}, err)
		return
	}
	st, err := s.mgr.Workflow().Squash(r.Context(), chi.URLParam(r, "id"), req.Message)
	respond(w, http.StatusOK, st, err)
}

func (s *Server) rebase(w http.ResponseWriter, r *http.Request) {
	res, err := s.mgr.Workflow().RebaseOntoBase(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, res, err)
}

func (s *Server) continueMerge(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Workflow().ContinueMerge(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, st, err)
}

func (s *Server) abortMerge(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Workflow().AbortMerge(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, st, err)
}

type fastForwardRequest struct {
	Cleanup bool `json:"cleanup"`
}

func (s *Server) fastForward(w http.ResponseWriter, r *http.Request) {
	var req fastForwardRequest
	if err := decodeJSON(r, &req); err != nil {
		respond(w, 0, protocol.MergeWorkflowState{}, err)
		return
	}
	st, err := s.mgr.Workflow().FastForwardMerge(r.Context(), chi.URLParam(r, "id"), merge.FFOptions{Cleanup: req.Cleanup})
	respond(w, http.StatusOK, st, err)
}

func (s *Server) step(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respond(w, 0, merge.StepResult{}, err)
		return
	}
	res, err := s.mgr.Workflow().Step(r.Context(), chi.URLParam(r, "id"), req.Message)
	respond(w, http.StatusOK, res, err)
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request) {
	p, err := s.mgr.Workflow().Patch(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, p, err)
}

type batchRequest struct {
	Op          string   `json:"op"`
	IDs         []string `json:"ids"`
	Notes       string   `json:"notes,omitempty"`
	Message     string   `json:"message,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
}

// POST /batch
func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		respond[[]batch.Result](w, 0, nil, err)
		return
	}
	op, err := s.batchOp(req)
	if err != nil {
		respond[[]batch.Result](w, 0, nil, err)
		return
	}
	if len(req.IDs) == 0 {
		respond[[]batch.Result](w, 0, nil, &protocol.ValidationError{Field: "ids", Reason: "must not be empty"})
		return
	}
	respond(w, http.StatusOK, s.batch.Run(r.Context(), req.IDs, op, req.Concurrency), nil)
}

func (s *Server) batchOp(req batchRequest) (batch.Op, error) {
	switch req.Op {
	case "iterate":
		return batch.Iterate{Manager: s.mgr, Notes: req.Notes}, nil
	case "merge-step", "step":
		return batch.MergeStep{Workflow: s.mgr.Workflow(), Message: req.Message}, nil
	case "preflight":
		return batch.Preflight{Workflow: s.mgr.Workflow()}, nil
	}
	return nil, &protocol.ValidationError{Field: "op", Reason: fmt.Sprintf("unknown operation %q", req.Op)}
}

// GET /locks
func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.mgr.Locks().List(r.Context())
	if locks == nil {
		locks = []protocol.Lock{}
	}
	respond(w, http.StatusOK, locks, err)
}

// POST /locks/sweep
func (s *Server) sweepLocks(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := s.mgr.Locks().CleanupStaleLocks(r.Context(), 0)
	if reclaimed == nil {
		reclaimed = []protocol.Lock{}
	}
	respond(w, http.StatusOK, reclaimed, err)
}

// POST /reconcile
func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := s.mgr.Reconcile(r.Context())
	respond(w, http.StatusOK, rep, err)
}

// GET /events?session=&type=&after_id=&limit=
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after_id")
	if err != nil {
		respond[[]protocol.Event](w, 0, nil, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respond[[]protocol.Event](w, 0, nil, err)
		return
	}
	events, err := s.events.Query(r.Context(), eventlog.QueryOpts{
		SessionID: r.URL.Query().Get("session"),
		EventType: r.URL.Query().Get("type"),
		AfterID:   after,
		Limit:     int(limit),
		Ascending: after > 0,
	})
	respond(w, http.StatusOK, events, err)
}
