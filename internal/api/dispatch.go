package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/dispatch"
)

// ─── POST /api/assessments/:assessmentID/dispatch ────────────────────────────
//
// Synchronous batch send. The admin UI posts the selected participants and a
// template; the response reports "sent of total" with per-participant reasons
// for anything that failed. Expect the request to take seconds for large
// batches — sends are strictly sequential.

type dispatchRequest struct {
	TemplateID     string   `json:"templateId"`
	ParticipantIDs []string `json:"participantIds"`
}

type dispatchResponse struct {
	Sent     int                `json:"sent"`
	Total    int                `json:"total"`
	Skipped  int                `json:"skipped"` // filtered out by eligibility
	Failures []dispatch.Failure `json:"failures"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	assessmentID, err := uuid.Parse(chi.URLParam(r, "assessmentID"))
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid assessment id")
		return
	}

	var req dispatchRequest
	if !decode(w, r, &req) {
		return
	}

	templateID, participantIDs, ok := s.parseDispatchRequest(w, req)
	if !ok {
		return
	}

	// The template's emailType drives audience eligibility; a missing
	// template aborts before any send.
	template, err := s.q.GetMailTemplateByID(r.Context(), templateID)
	if errors.Is(err, sql.ErrNoRows) {
		respondErr(w, http.StatusNotFound, "mail template not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get template: %w", err))
		return
	}

	participants, err := s.q.ListParticipantsByIDs(r.Context(), participantIDs)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list participants: %w", err))
		return
	}

	eligible, err := dispatch.EligibleParticipants(r.Context(), s.q, template.EmailType, assessmentID, participants)
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}

	summary, err := s.coordinator.SendBatch(r.Context(), templateID, assessmentID, eligible)
	switch {
	case errors.Is(err, dispatch.ErrTemplateNotFound):
		respondErr(w, http.StatusNotFound, "mail template not found")
		return
	case errors.Is(err, dispatch.ErrAssessmentNotFound):
		respondErr(w, http.StatusNotFound, "assessment not found")
		return
	case err != nil:
		s.respondInternalErr(w, r, fmt.Errorf("send batch: %w", err))
		return
	}

	respond(w, http.StatusOK, dispatchResponse{
		Sent:     summary.Sent,
		Total:    summary.Total,
		Skipped:  len(participants) - len(eligible),
		Failures: nonNilFailures(summary.Failures),
	})
}

// parseDispatchRequest validates the shared dispatch body. Returns ok=false
// after writing the error response.
func (s *Server) parseDispatchRequest(w http.ResponseWriter, req dispatchRequest) (uuid.UUID, []uuid.UUID, bool) {
	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid templateId")
		return uuid.Nil, nil, false
	}

	if len(req.ParticipantIDs) == 0 {
		respondErr(w, http.StatusBadRequest, "participantIds must not be empty")
		return uuid.Nil, nil, false
	}

	ids := make([]uuid.UUID, len(req.ParticipantIDs))
	for i, raw := range req.ParticipantIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondErr(w, http.StatusBadRequest, fmt.Sprintf("invalid participant id %q", raw))
			return uuid.Nil, nil, false
		}
		ids[i] = id
	}
	return templateID, ids, true
}

// nonNilFailures keeps the JSON field an empty array rather than null.
func nonNilFailures(f []dispatch.Failure) []dispatch.Failure {
	if f == nil {
		return []dispatch.Failure{}
	}
	return f
}
