package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
	"github.com/orbitview/feedback360/internal/dispatch"
	"github.com/sqlc-dev/pqtype"
)

// Job holds the dependencies for running one scheduled bulk send. Each step
// is a separate concern so Run reads top to bottom.
type Job struct {
	q           db.Querier
	coordinator *dispatch.Coordinator
	logger      *slog.Logger
}

// NewJob constructs a Job with all required dependencies.
func NewJob(q db.Querier, coordinator *dispatch.Coordinator, logger *slog.Logger) *Job {
	return &Job{
		q:           q,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Run executes one dispatch job:
//
//  1. Claim the job with an atomic queued → running transition. A failed claim
//     means another worker owns the job (or it already finished) and Run
//     returns without sending anything.
//  2. Resolve the participant set and re-apply eligibility — completions
//     between scheduling and execution are respected.
//  3. Run the sequential batch via the coordinator.
//  4. Finalize the job with the sent count and per-participant failures.
//
// Any error is returned to the Runner, which requeues the job and retries up
// to MaxRetries before marking it failed. Retrying a partially sent job is
// safe: links are upserted per pair, never duplicated.
func (j *Job) Run(ctx context.Context, jobID uuid.UUID) error {
	log := j.logger.With("job_id", jobID)
	log.Info("job: starting")

	job, err := j.q.ClaimDispatchJob(ctx, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Debug("job: not claimable, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("job: claim: %w", err)
	}

	var participantIDs []uuid.UUID
	if job.ParticipantIDs.Valid {
		if err := json.Unmarshal(job.ParticipantIDs.RawMessage, &participantIDs); err != nil {
			return fmt.Errorf("job: decode participant ids: %w", err)
		}
	}
	if len(participantIDs) == 0 {
		return fmt.Errorf("job: no participants in job %s", jobID)
	}

	participants, err := j.q.ListParticipantsByIDs(ctx, participantIDs)
	if err != nil {
		return fmt.Errorf("job: list participants: %w", err)
	}

	template, err := j.q.GetMailTemplateByID(ctx, job.TemplateID)
	if err != nil {
		return fmt.Errorf("job: get template: %w", err)
	}

	eligible, err := dispatch.EligibleParticipants(ctx, j.q, template.EmailType, job.AssessmentID, participants)
	if err != nil {
		return fmt.Errorf("job: filter eligibility: %w", err)
	}

	log.Debug("job: resolved batch", "requested", len(participants), "eligible", len(eligible))

	summary, err := j.coordinator.SendBatch(ctx, job.TemplateID, job.AssessmentID, eligible)
	if err != nil {
		return fmt.Errorf("job: send batch: %w", err)
	}

	failuresJSON, err := json.Marshal(summary.Failures)
	if err != nil {
		return fmt.Errorf("job: marshal failures: %w", err)
	}

	if _, err := j.q.FinalizeDispatchJob(ctx, db.FinalizeDispatchJobParams{
		ID:        jobID,
		SentCount: int32(summary.Sent),
		Failures: pqtype.NullRawMessage{
			RawMessage: failuresJSON,
			Valid:      len(summary.Failures) > 0,
		},
	}); err != nil {
		return fmt.Errorf("job: finalize: %w", err)
	}

	log.Info("job: finished", "sent", summary.Sent, "total", summary.Total, "failed", len(summary.Failures))
	return nil
}
