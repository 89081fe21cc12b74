// Package api implements the HTTP layer for the OrbitView 360 feedback
// backend. Handlers are methods on *Server. Each handler file is responsible
// for one resource group and only imports the dependencies it actually uses.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
	"github.com/orbitview/feedback360/internal/dispatch"
	"github.com/orbitview/feedback360/internal/email"
	"github.com/orbitview/feedback360/internal/store"
	"github.com/orbitview/feedback360/internal/worker"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// BaseURL is used to construct the participant deep link in emails.
	// e.g. "https://app.orbitview.io"
	BaseURL string

	// Env is "production", "staging", or "development".
	Env string

	// AllowedOrigins is the CORS allow-list enforced in production. Outside
	// production any origin is echoed back.
	AllowedOrigins []string
}

// LifecycleStore is the slice of *store.Store the handlers use. Tests inject
// an in-memory implementation.
type LifecycleStore interface {
	IssueLink(ctx context.Context, p store.IssueLinkParams) (db.AssessmentLink, error)
	SaveProgress(ctx context.Context, p store.SaveProgressParams) (db.AssessmentResult, error)
	CompleteAssessment(ctx context.Context, p store.CompleteAssessmentParams) (db.AssessmentResult, error)
	IsCompleted(ctx context.Context, assessmentID, participantID uuid.UUID) (bool, error)
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	// q handles all single-query reads. Injected directly — no repo wrapper.
	q db.Querier

	// store handles the multi-step atomic writes of the response lifecycle.
	store LifecycleStore

	// coordinator runs synchronous dispatch batches.
	coordinator *dispatch.Coordinator

	// provider relays rendered messages; used by the mail-dispatch handler.
	provider email.Provider

	// worker enqueues scheduled bulk dispatch jobs.
	worker worker.Enqueuer

	cfg    Config
	logger *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.ListenAndServe.
func NewServer(
	q db.Querier,
	st LifecycleStore,
	coordinator *dispatch.Coordinator,
	provider email.Provider,
	enqueuer worker.Enqueuer,
	cfg Config,
	logger *slog.Logger,
) http.Handler {
	s := &Server{
		q:           q,
		store:       st,
		coordinator: coordinator,
		provider:    provider,
		worker:      enqueuer,
		cfg:         cfg,
		logger:      logger,
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(middleware.Timeout(5 * time.Minute)) // dispatch batches are slow by design

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ── API ───────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {

		// Admin dispatch — role checks are handled upstream by the gateway.
		r.Post("/assessments/{assessmentID}/dispatch", s.handleDispatch)
		r.Get("/assessments/{assessmentID}/participants", s.handleListParticipantStatus)

		// Scheduled bulk sends, processed by the background worker.
		r.Post("/dispatch-jobs", s.handleCreateDispatchJob)
		r.Get("/dispatch-jobs/{jobID}", s.handleGetDispatchJob)

		// Mail-dispatch endpoint: renders one template and relays the message.
		// Called by the dispatch coordinator, one request per participant.
		r.Post("/mail/send", s.handleSendMail)

		// Participant-facing survey. The bearer token from the emailed deep
		// link is the only credential.
		r.Get("/assessment", s.handleGetSurvey)
		r.Route("/assessment/{assessmentID}/participants/{participantID}", func(r chi.Router) {
			r.Use(s.requireLinkToken)
			r.Put("/progress", s.handleSaveProgress)
			r.Post("/complete", s.handleComplete)
			r.Get("/completed", s.handleCheckCompleted)
		})
	})

	return r
}
