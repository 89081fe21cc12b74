package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
	"github.com/orbitview/feedback360/internal/dispatch"
	"github.com/sqlc-dev/pqtype"
)

// ─── POST /api/dispatch-jobs ─────────────────────────────────────────────────
//
// Schedules a bulk send to run in the background worker instead of on the
// request path. Same body as the synchronous dispatch endpoint; responds 202
// with the job id for polling.

type createDispatchJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func (s *Server) handleCreateDispatchJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID     string   `json:"templateId"`
		ParticipantIDs []string `json:"participantIds"`
		AssessmentID   string   `json:"assessmentId"`
	}
	if !decode(w, r, &req) {
		return
	}

	assessmentID, err := uuid.Parse(req.AssessmentID)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid assessmentId")
		return
	}
	templateID, participantIDs, ok := s.parseDispatchRequest(w, dispatchRequest{
		TemplateID:     req.TemplateID,
		ParticipantIDs: req.ParticipantIDs,
	})
	if !ok {
		return
	}

	// Validate the structural references up front — a job that can never run
	// should fail at scheduling time, not in the worker.
	if _, err := s.q.GetAssessmentByID(r.Context(), assessmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondErr(w, http.StatusNotFound, "assessment not found")
			return
		}
		s.respondInternalErr(w, r, fmt.Errorf("get assessment: %w", err))
		return
	}
	if _, err := s.q.GetMailTemplateByID(r.Context(), templateID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondErr(w, http.StatusNotFound, "mail template not found")
			return
		}
		s.respondInternalErr(w, r, fmt.Errorf("get template: %w", err))
		return
	}

	idsJSON, err := json.Marshal(participantIDs)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("marshal participant ids: %w", err))
		return
	}

	job, err := s.q.CreateDispatchJob(r.Context(), db.CreateDispatchJobParams{
		AssessmentID:   assessmentID,
		TemplateID:     templateID,
		ParticipantIDs: pqtype.NullRawMessage{RawMessage: idsJSON, Valid: true},
	})
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("create dispatch job: %w", err))
		return
	}

	// Fast path into the worker; if the queue is full the poller recovers the
	// job, so this error is informational only.
	if err := s.worker.Enqueue(r.Context(), job.ID); err != nil {
		s.logger.Warn("dispatch job not enqueued, poller will recover it",
			"job_id", job.ID,
			"error", err,
			logField(r),
		)
	}

	respond(w, http.StatusAccepted, createDispatchJobResponse{
		JobID:  job.ID.String(),
		Status: string(job.Status),
	})
}

// ─── GET /api/dispatch-jobs/:jobID ───────────────────────────────────────────

type dispatchJobResponse struct {
	JobID        string             `json:"jobId"`
	AssessmentID string             `json:"assessmentId"`
	TemplateID   string             `json:"templateId"`
	Status       string             `json:"status"`
	SentCount    int32              `json:"sentCount"`
	Failures     []dispatch.Failure `json:"failures"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
}

func (s *Server) handleGetDispatchJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.q.GetDispatchJobByID(r.Context(), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		respondErr(w, http.StatusNotFound, "dispatch job not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get dispatch job: %w", err))
		return
	}

	failures := []dispatch.Failure{}
	if job.Failures.Valid {
		if err := json.Unmarshal(job.Failures.RawMessage, &failures); err != nil {
			s.respondInternalErr(w, r, fmt.Errorf("decode job failures: %w", err))
			return
		}
	}

	respond(w, http.StatusOK, dispatchJobResponse{
		JobID:        job.ID.String(),
		AssessmentID: job.AssessmentID.String(),
		TemplateID:   job.TemplateID.String(),
		Status:       string(job.Status),
		SentCount:    job.SentCount.Int32,
		Failures:     failures,
		ErrorMessage: job.ErrorMessage.String,
	})
}
