// Package dispatch drives a batch send: one mail-endpoint call per eligible
// participant, strictly sequential, with per-participant failure bookkeeping.
// Sequential fan-out bounds the load on the mail provider and keeps the
// bookkeeping trivial; total latency grows linearly with batch size, which is
// acceptable at tens to low hundreds of participants per batch.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
	"github.com/orbitview/feedback360/internal/email"
	"github.com/orbitview/feedback360/internal/store"
)

// ─── ERRORS ──────────────────────────────────────────────────────────────────

// Systemic failures: no participant can possibly succeed, so the whole batch
// aborts and the error surfaces to the caller.
var (
	ErrTemplateNotFound   = errors.New("dispatch: mail template not found")
	ErrAssessmentNotFound = errors.New("dispatch: assessment not found")
)

// ─── TYPES ───────────────────────────────────────────────────────────────────

// Failure records one participant the batch could not reach, with the reason
// verbatim. Collected and returned, never thrown.
type Failure struct {
	ParticipantID uuid.UUID `json:"participantId"`
	Reason        string    `json:"reason"`
}

// Summary is the batch outcome the admin sees: "Sent of Total succeeded".
type Summary struct {
	Sent     int
	Total    int
	Failures []Failure
}

// LinkIssuer is the narrow slice of store.Store the coordinator needs.
type LinkIssuer interface {
	IssueLink(ctx context.Context, p store.IssueLinkParams) (db.AssessmentLink, error)
}

// Coordinator sends one batch at a time. It holds no mutable state — a single
// instance is shared by the HTTP handler and the background worker.
type Coordinator struct {
	q          db.Querier
	links      LinkIssuer
	dispatcher email.Dispatcher
	logger     *slog.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(q db.Querier, links LinkIssuer, dispatcher email.Dispatcher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		q:          q,
		links:      links,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// ─── SEND BATCH ──────────────────────────────────────────────────────────────

// SendBatch processes the given participants sequentially. The caller is
// expected to have run lifecycle.FilterEligible first; participants without
// an email that slip through are recorded as failures, not skipped silently.
//
// Per-participant behaviour: call the mail-dispatch endpoint; on success,
// persist the returned token via IssueLink. Any per-participant error is
// accumulated and the loop continues. Cancellation is honoured between
// participants — already-sent links remain valid pending.
//
// A missing template or assessment aborts the batch before any send.
func (c *Coordinator) SendBatch(ctx context.Context, templateID, assessmentID uuid.UUID, participants []db.Participant) (Summary, error) {
	if _, err := c.q.GetMailTemplateByID(ctx, templateID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{}, ErrTemplateNotFound
		}
		return Summary{}, fmt.Errorf("dispatch: get template: %w", err)
	}
	if _, err := c.q.GetAssessmentByID(ctx, assessmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{}, ErrAssessmentNotFound
		}
		return Summary{}, fmt.Errorf("dispatch: get assessment: %w", err)
	}

	summary := Summary{Total: len(participants)}

	for _, p := range participants {
		if err := ctx.Err(); err != nil {
			// Cancelled mid-batch: report what happened so far. Participants
			// not yet processed are neither sent nor failed.
			c.logger.Warn("dispatch: batch cancelled",
				"assessment_id", assessmentID,
				"sent", summary.Sent,
				"remaining", summary.Total-summary.Sent-len(summary.Failures),
			)
			return summary, err
		}

		if !p.Email.Valid || p.Email.String == "" {
			summary.Failures = append(summary.Failures, Failure{
				ParticipantID: p.ID,
				Reason:        "participant has no email address",
			})
			continue
		}

		result, err := c.dispatcher.Send(ctx, email.SendParams{
			Email:         p.Email.String,
			TemplateID:    templateID.String(),
			ParticipantID: p.ID.String(),
			AssessmentID:  assessmentID.String(),
		})
		if err != nil {
			c.logger.Warn("dispatch: send failed",
				"participant_id", p.ID,
				"assessment_id", assessmentID,
				"error", err,
			)
			summary.Failures = append(summary.Failures, Failure{
				ParticipantID: p.ID,
				Reason:        err.Error(),
			})
			continue
		}

		if result.Token == "" {
			summary.Failures = append(summary.Failures, Failure{
				ParticipantID: p.ID,
				Reason:        "mail endpoint returned no link token",
			})
			continue
		}

		_, err = c.links.IssueLink(ctx, store.IssueLinkParams{
			AssessmentID:     assessmentID,
			ParticipantID:    p.ID,
			TemplateID:       templateID,
			ParticipantEmail: p.Email.String,
			Token:            result.Token,
		})
		if errors.Is(err, store.ErrLinkCompleted) {
			// Selection should have excluded this participant. The email went
			// out, the link kept its completed state — count the send, flag
			// the caller error in the log.
			c.logger.Warn("dispatch: resend to completed participant, status preserved",
				"participant_id", p.ID,
				"assessment_id", assessmentID,
			)
			summary.Sent++
			continue
		}
		if err != nil {
			// The email was delivered but the link write failed — surface it
			// as a failure so the admin re-sends rather than losing the token.
			summary.Failures = append(summary.Failures, Failure{
				ParticipantID: p.ID,
				Reason:        fmt.Sprintf("sent but link not recorded: %v", err),
			})
			continue
		}

		summary.Sent++
	}

	c.logger.Info("dispatch: batch finished",
		"assessment_id", assessmentID,
		"template_id", templateID,
		"sent", summary.Sent,
		"total", summary.Total,
		"failed", len(summary.Failures),
	)
	return summary, nil
}
