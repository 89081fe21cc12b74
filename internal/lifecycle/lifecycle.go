// Package lifecycle holds the pure decision logic of the distribution engine:
// the single status derivation used by every call site, and the audience
// eligibility rules for a mail template's notification type.
//
// The package is deliberately free of db imports so it can be tested without
// any persistence types; string values match the db enums where they overlap.
package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

// ─── STATUS AGGREGATOR ───────────────────────────────────────────────────────

// Status is the single human-facing delivery status. It is derived, never
// stored: the timestamps on the link row are the source of truth.
type Status string

const (
	StatusNotSent     Status = "not_sent"
	StatusSentPending Status = "sent_pending"
	StatusCompleted   Status = "completed"
)

// Aggregate derives the display status from the link timestamps.
// completedAt wins over sentAt, which wins over nothing. Because completedAt
// is never cleared once set, a pair that ever reached Completed can never be
// reported as anything else.
func Aggregate(sentAt, completedAt *time.Time) Status {
	switch {
	case completedAt != nil && !completedAt.IsZero():
		return StatusCompleted
	case sentAt != nil && !sentAt.IsZero():
		return StatusSentPending
	default:
		return StatusNotSent
	}
}

// ─── EMAIL TYPES ─────────────────────────────────────────────────────────────

// Known emailType values on mail templates. The two bare legacy values date
// from before templates were split by audience; they always targeted the
// person being evaluated.
const (
	EmailTypeRegistration      = "registration"
	EmailTypeEvaluatorInvite   = "evaluator-invite"
	EmailTypeEvaluatorReminder = "evaluator-reminder"
	EmailTypeEvaluateeInvite   = "evaluatee-invite"
	EmailTypeEvaluateeReminder = "evaluatee-reminder"
	EmailTypeLegacyInvite      = "invite"
	EmailTypeLegacyReminder    = "reminder"
)

// ParticipantType mirrors db.ParticipantType by string value.
type ParticipantType string

const (
	TypeEvaluatee ParticipantType = "evaluatee"
	TypeEvaluator ParticipantType = "evaluator"
)

// Eligible reports whether a participant of the given type may receive a
// template with the given emailType. Unrecognized types fail open: a new
// template kind must never silently send to nobody.
func Eligible(emailType string, pt ParticipantType) bool {
	switch emailType {
	case EmailTypeRegistration:
		return true
	case EmailTypeEvaluatorInvite, EmailTypeEvaluatorReminder:
		return pt == TypeEvaluator
	case EmailTypeEvaluateeInvite, EmailTypeEvaluateeReminder,
		EmailTypeLegacyInvite, EmailTypeLegacyReminder:
		return pt == TypeEvaluatee
	default:
		return true
	}
}

// ─── SELECTION ───────────────────────────────────────────────────────────────

// Candidate is the slice of participant + link state the filter needs.
type Candidate struct {
	ID        uuid.UUID
	Type      ParticipantType
	Email     string
	Completed bool // link already completed for the target assessment
}

// FilterEligible returns the candidates that may receive the template:
// type-eligible for the emailType, not already completed, and with a
// resolvable email address. Order is preserved.
func FilterEligible(emailType string, candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Completed {
			continue
		}
		if c.Email == "" {
			continue
		}
		if !Eligible(emailType, c.Type) {
			continue
		}
		out = append(out, c)
	}
	return out
}
