// Package api exposes the session operations over HTTP. Every response body
// is a protocol.Result; the HTTP status mirrors the error kind.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tandem/pkg/batch"
	"tandem/pkg/eventlog"
	"tandem/pkg/session"
)

// Server holds the handlers' dependencies.
type Server struct {
	mgr    *session.Manager
	batch  *batch.Controller
	events *eventlog.Reader
	logger *slog.Logger
}

// NewServer returns a Server. events may be nil, which disables /events.
func NewServer(mgr *session.Manager, ctrl *batch.Controller, events *eventlog.Reader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if ctrl == nil {
		ctrl = batch.New(0, logger)
	}
	return &Server{mgr: mgr, batch: ctrl, events: events, logger: logger}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Logger(s.logger))
	r.Use(Recovery(s.logger))
	r.Use(middleware.Heartbeat("/health"))

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.cleanupSession)
			r.Get("/iterations", s.listIterations)
			r.Post("/iterate", s.iterate)
			r.Get("/diff", s.diff)

			r.Route("/merge", func(r chi.Router) {
				r.Get("/", s.mergeStatus)
				r.Post("/preflight", s.preflight)
				r.Post("/squash", s.squash)
				r.Post("/rebase", s.rebase)
				r.Post("/continue", s.continueMerge)
				r.Post("/abort", s.abortMerge)
				r.Post("/fast-forward", s.fastForward)
				r.Post("/step", s.step)
				r.Get("/patch", s.patch)
			})
		})
	})

	r.Post("/batch", s.runBatch)
	r.Get("/locks", s.listLocks)
	r.Post("/locks/sweep", s.sweepLocks)
	r.Post("/reconcile", s.reconcile)
	if s.events != nil {
		r.Get("/events", s.listEvents)
	}
	return r
}
