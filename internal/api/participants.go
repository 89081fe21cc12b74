package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
	"github.com/orbitview/feedback360/internal/lifecycle"
)

// ─── GET /api/assessments/:assessmentID/participants ─────────────────────────
//
// The admin tracking view: every participant of the owning client with the
// aggregated delivery status for this assessment. Status is derived here and
// nowhere else — all call sites go through lifecycle.Aggregate.

type participantStatusResponse struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Category      string `json:"category"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	SentAt        string `json:"sentAt,omitempty"`
	CompletedAt   string `json:"completedAt,omitempty"`
}

func (s *Server) handleListParticipantStatus(w http.ResponseWriter, r *http.Request) {
	assessmentID, err := uuid.Parse(chi.URLParam(r, "assessmentID"))
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid assessment id")
		return
	}

	assessment, err := s.q.GetAssessmentByID(r.Context(), assessmentID)
	if errors.Is(err, sql.ErrNoRows) {
		respondErr(w, http.StatusNotFound, "assessment not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get assessment: %w", err))
		return
	}

	participants, err := s.q.ListParticipantsByClient(r.Context(), assessment.ClientID)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list participants: %w", err))
		return
	}

	links, err := s.q.ListLinksByAssessment(r.Context(), assessmentID)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list links: %w", err))
		return
	}

	linkByParticipant := make(map[uuid.UUID]db.AssessmentLink, len(links))
	for _, l := range links {
		linkByParticipant[l.ParticipantID] = l
	}

	out := make([]participantStatusResponse, len(participants))
	for i, p := range participants {
		link := linkByParticipant[p.ID]

		out[i] = participantStatusResponse{
			ParticipantID: p.ID.String(),
			Name:          p.Name,
			Email:         p.Email.String,
			Category:      string(p.Category),
			Type:          string(p.Type),
			Status:        string(lifecycle.Aggregate(timePtr(link.SentAt), timePtr(link.CompletedAt))),
			SentAt:        formatNullTime(link.SentAt),
			CompletedAt:   formatNullTime(link.CompletedAt),
		}
	}

	respond(w, http.StatusOK, map[string]any{
		"assessmentId": assessment.ID.String(),
		"participants": out,
	})
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func formatNullTime(t sql.NullTime) string {
	if !t.Valid {
		return ""
	}
	return t.Time.UTC().Format(time.RFC3339)
}
