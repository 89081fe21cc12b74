package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
	"github.com/orbitview/feedback360/internal/lifecycle"
)

// EligibleParticipants narrows a candidate list to the participants who may
// receive the template: audience-eligible for its emailType, holding an email
// address, and not already completed for the assessment. Used by both the
// synchronous dispatch handler and the background worker so the two paths can
// never disagree on selection.
func EligibleParticipants(ctx context.Context, q db.Querier, emailType string, assessmentID uuid.UUID, participants []db.Participant) ([]db.Participant, error) {
	links, err := q.ListLinksByAssessment(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list links: %w", err)
	}

	completed := make(map[uuid.UUID]bool, len(links))
	for _, l := range links {
		if l.Status == db.LinkStatusCompleted {
			completed[l.ParticipantID] = true
		}
	}

	candidates := make([]lifecycle.Candidate, len(participants))
	byID := make(map[uuid.UUID]db.Participant, len(participants))
	for i, p := range participants {
		candidates[i] = lifecycle.Candidate{
			ID:        p.ID,
			Type:      lifecycle.ParticipantType(p.Type),
			Email:     p.Email.String,
			Completed: completed[p.ID],
		}
		byID[p.ID] = p
	}

	eligible := lifecycle.FilterEligible(emailType, candidates)
	out := make([]db.Participant, len(eligible))
	for i, c := range eligible {
		out[i] = byID[c.ID]
	}
	return out, nil
}
