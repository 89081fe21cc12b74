package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
	"github.com/orbitview/feedback360/internal/store"
)

// ─── LINK TOKEN AUTH ──────────────────────────────────────────────────────────

type contextKey string

const ctxKeyLink contextKey = "assessment_link"

// requireLinkToken is chi middleware for the participant-facing survey
// routes. The bearer token from the emailed deep link is the only credential;
// it is matched against the assessment_links row and cross-checked against
// the assessment/participant ids in the URL, so a leaked token for one pair
// cannot act on another's data.
//
// The token arrives as X-Survey-Token (set by the survey page from its URL)
// or as the ?token= query parameter.
func (s *Server) requireLinkToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-Survey-Token"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			respondErr(w, http.StatusUnauthorized, "missing survey token")
			return
		}

		link, err := s.q.GetLinkByToken(r.Context(), token)
		if errors.Is(err, sql.ErrNoRows) {
			respondErr(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if err != nil {
			s.respondInternalErr(w, r, fmt.Errorf("get link by token: %w", err))
			return
		}

		if link.AssessmentID.String() != chi.URLParam(r, "assessmentID") ||
			link.ParticipantID.String() != chi.URLParam(r, "participantID") {
			respondErr(w, http.StatusForbidden, "token does not match assessment or participant")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyLink, link)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// linkFromContext returns the link stored by requireLinkToken.
func linkFromContext(ctx context.Context) db.AssessmentLink {
	link, _ := ctx.Value(ctxKeyLink).(db.AssessmentLink)
	return link
}

// ─── GET /api/assessment ─────────────────────────────────────────────────────
//
// The survey page entry point, hit with the raw deep-link query string:
// ?token=..&participant=..&assessment=.. — no URL params here, so the token
// check is inline rather than in requireLinkToken.

type surveyResponse struct {
	AssessmentID     string          `json:"assessmentId"`
	ParticipantID    string          `json:"participantId"`
	Name             string          `json:"name"`
	Theme            string          `json:"theme,omitempty"`
	SurveyDefinition json.RawMessage `json:"surveyDefinition"`
	SurveyData       json.RawMessage `json:"surveyData,omitempty"`
	LastUpdatedAt    string          `json:"lastUpdatedAt,omitempty"`
}

func (s *Server) handleGetSurvey(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		respondErr(w, http.StatusUnauthorized, "missing survey token")
		return
	}

	link, err := s.q.GetLinkByToken(r.Context(), token)
	if errors.Is(err, sql.ErrNoRows) {
		respondErr(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get link by token: %w", err))
		return
	}

	if link.AssessmentID.String() != r.URL.Query().Get("assessment") ||
		link.ParticipantID.String() != r.URL.Query().Get("participant") {
		respondErr(w, http.StatusForbidden, "token does not match assessment or participant")
		return
	}

	// The completion gate: a finished survey never loads again.
	completed, err := s.store.IsCompleted(r.Context(), link.AssessmentID, link.ParticipantID)
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}
	if completed {
		respondErr(w, http.StatusGone, "this assessment has already been completed")
		return
	}

	assessment, err := s.q.GetAssessmentByID(r.Context(), link.AssessmentID)
	if errors.Is(err, sql.ErrNoRows) {
		respondErr(w, http.StatusNotFound, "assessment not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get assessment: %w", err))
		return
	}

	resp := surveyResponse{
		AssessmentID:     assessment.ID.String(),
		ParticipantID:    link.ParticipantID.String(),
		Name:             assessment.Name,
		Theme:            assessment.Theme.String,
		SurveyDefinition: rawOrNull(assessment.SurveyDefinition.RawMessage, assessment.SurveyDefinition.Valid),
	}

	// Restore saved progress, if any.
	result, err := s.q.GetResult(r.Context(), db.LinkKey{
		AssessmentID:  link.AssessmentID,
		ParticipantID: link.ParticipantID,
	})
	if err == nil {
		resp.SurveyData = rawOrNull(result.SurveyData.RawMessage, result.SurveyData.Valid)
		resp.LastUpdatedAt = result.LastUpdatedAt.UTC().Format(time.RFC3339)
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.respondInternalErr(w, r, fmt.Errorf("get result: %w", err))
		return
	}

	respond(w, http.StatusOK, resp)
}

// ─── PUT /api/assessment/:assessmentID/participants/:participantID/progress ──

type saveProgressRequest struct {
	Answers json.RawMessage `json:"answers"`
}

type saveProgressResponse struct {
	LastUpdatedAt string `json:"lastUpdatedAt"`
}

// handleSaveProgress persists one autosave. Called on every answer change, so
// it must be cheap and must never touch completion state. The participant
// sees only a generic failure message — their answers stay in the page.
func (s *Server) handleSaveProgress(w http.ResponseWriter, r *http.Request) {
	link := linkFromContext(r.Context())

	var req saveProgressRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := s.store.SaveProgress(r.Context(), store.SaveProgressParams{
		AssessmentID:  link.AssessmentID,
		ParticipantID: link.ParticipantID,
		Token:         link.Token,
		SurveyData:    req.Answers,
		ClientID:      s.clientIDForAssessment(r, link.AssessmentID),
	})
	if err != nil {
		s.logger.Error("survey: autosave failed",
			"assessment_id", link.AssessmentID,
			"participant_id", link.ParticipantID,
			"error", err,
			logField(r),
		)
		respondErr(w, http.StatusInternalServerError, "could not save your answers, please try again")
		return
	}

	respond(w, http.StatusOK, saveProgressResponse{
		LastUpdatedAt: result.LastUpdatedAt.UTC().Format(time.RFC3339),
	})
}

// ─── POST /api/assessment/:assessmentID/participants/:participantID/complete ─

type completeResponse struct {
	Completed   bool   `json:"completed"`
	CompletedAt string `json:"completedAt"`
}

// handleComplete finalizes the response. Replays are idempotent: the first
// completion's timestamp is returned unchanged and no error is surfaced.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	link := linkFromContext(r.Context())

	var req saveProgressRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := s.store.CompleteAssessment(r.Context(), store.CompleteAssessmentParams{
		AssessmentID:  link.AssessmentID,
		ParticipantID: link.ParticipantID,
		Token:         link.Token,
		SurveyData:    req.Answers,
		ClientID:      s.clientIDForAssessment(r, link.AssessmentID),
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyCompleted) {
		s.logger.Error("survey: completion failed",
			"assessment_id", link.AssessmentID,
			"participant_id", link.ParticipantID,
			"error", err,
			logField(r),
		)
		respondErr(w, http.StatusInternalServerError, "could not submit your answers, please try again")
		return
	}

	respond(w, http.StatusOK, completeResponse{
		Completed:   true,
		CompletedAt: result.CompletedAt.Time.UTC().Format(time.RFC3339),
	})
}

// ─── GET /api/assessment/:assessmentID/participants/:participantID/completed ─

func (s *Server) handleCheckCompleted(w http.ResponseWriter, r *http.Request) {
	link := linkFromContext(r.Context())

	completed, err := s.store.IsCompleted(r.Context(), link.AssessmentID, link.ParticipantID)
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}

	respond(w, http.StatusOK, map[string]bool{"completed": completed})
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

// clientIDForAssessment resolves the owning client for denormalizing onto the
// result row. Best-effort: a lookup failure degrades to an empty client_id
// rather than failing the save.
func (s *Server) clientIDForAssessment(r *http.Request, assessmentID uuid.UUID) string {
	assessment, err := s.q.GetAssessmentByID(r.Context(), assessmentID)
	if err != nil {
		s.logger.Warn("survey: could not resolve client for assessment",
			"assessment_id", assessmentID,
			"error", err,
			logField(r),
		)
		return ""
	}
	return assessment.ClientID
}

// rawOrNull returns the raw JSON or nil so the field is omitted/null.
func rawOrNull(raw json.RawMessage, valid bool) json.RawMessage {
	if !valid {
		return nil
	}
	return raw
}
