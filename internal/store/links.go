package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
)

// ─── INPUT TYPES ─────────────────────────────────────────────────────────────

// IssueLinkParams groups the fields written when a send (or resend) is
// recorded for one participant on one assessment.
type IssueLinkParams struct {
	AssessmentID     uuid.UUID
	ParticipantID    uuid.UUID
	TemplateID       uuid.UUID
	ParticipantEmail string
	Token            string
}

// ─── ERRORS ──────────────────────────────────────────────────────────────────

// ErrLinkCompleted is returned by IssueLink when the pair's link has already
// reached completed. The send itself happened (the caller only issues after a
// successful mail call), so sent_at and template_id are still refreshed — but
// status and the token the participant used are preserved. Callers must never
// turn this into a status regression; the selection UI is expected to exclude
// completed participants so hitting this is a caller error worth logging.
var ErrLinkCompleted = errors.New("store: link already completed, status preserved")

// ─── METHODS ─────────────────────────────────────────────────────────────────

// IssueLink upserts the one assessment link for a pair. Atomically:
//
//  1. Look up the existing link by (assessment_id, participant_id).
//  2. No row → insert a new pending link with the fresh token, sent_at = now.
//  3. Pending row → refresh token, sent_at, template_id, email (a legitimate
//     reminder resend).
//  4. Completed row → refresh sent_at and template_id only, surface
//     ErrLinkCompleted. Status is monotonic: pending → completed, never back.
//
// Race scenario without the transaction: two concurrent resends for the same
// pair both miss the lookup and both insert — the composite primary key would
// reject the second, but it would surface as a constraint error instead of a
// clean refresh. Under serializable isolation the second transaction sees the
// first commit and takes the refresh path.
func (s *Store) IssueLink(ctx context.Context, p IssueLinkParams) (db.AssessmentLink, error) {
	var (
		link      db.AssessmentLink
		completed bool
	)

	// The sentinel must not travel through withTx: a non-nil error from the
	// closure rolls the transaction back, and the completed path still has a
	// sent_at/template_id refresh to commit. The closure returns nil and the
	// sentinel is attached after the commit.
	err := s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		key := db.LinkKey{AssessmentID: p.AssessmentID, ParticipantID: p.ParticipantID}

		existing, err := q.GetLink(ctx, key)
		if errors.Is(err, sql.ErrNoRows) {
			created, err := q.InsertLink(ctx, db.InsertLinkParams{
				AssessmentID:     p.AssessmentID,
				ParticipantID:    p.ParticipantID,
				Token:            p.Token,
				ParticipantEmail: p.ParticipantEmail,
				TemplateID:       p.TemplateID,
			})
			if err != nil {
				return fmt.Errorf("IssueLink: insert link: %w", err)
			}
			link = created
			return nil
		}
		if err != nil {
			return fmt.Errorf("IssueLink: get link: %w", err)
		}

		if existing.Status == db.LinkStatusCompleted {
			touched, err := q.TouchCompletedLink(ctx, db.TouchCompletedLinkParams{
				AssessmentID:  p.AssessmentID,
				ParticipantID: p.ParticipantID,
				TemplateID:    p.TemplateID,
			})
			if err != nil {
				return fmt.Errorf("IssueLink: touch completed link: %w", err)
			}
			link = touched
			completed = true
			return nil
		}

		refreshed, err := q.RefreshLink(ctx, db.RefreshLinkParams{
			AssessmentID:     p.AssessmentID,
			ParticipantID:    p.ParticipantID,
			Token:            p.Token,
			ParticipantEmail: p.ParticipantEmail,
			TemplateID:       p.TemplateID,
		})
		if err != nil {
			return fmt.Errorf("IssueLink: refresh link: %w", err)
		}
		link = refreshed
		return nil
	})
	if err != nil {
		return db.AssessmentLink{}, err
	}

	if completed {
		return link, ErrLinkCompleted
	}
	return link, nil
}
