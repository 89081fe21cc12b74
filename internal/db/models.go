// Package db holds the data models and the hand-written Postgres queries for
// the feedback backend. Higher layers depend on the Querier interface, never
// on *sql.DB directly; internal/store wraps Querier with transaction support
// for the multi-step writes.
package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// ─── ENUMS ────────────────────────────────────────────────────────────────────

// LinkStatus is the delivery/response state of an assessment link. The only
// legal transition is pending → completed; MarkLinkCompleted is the single
// write path for it.
type LinkStatus string

const (
	LinkStatusPending   LinkStatus = "pending"
	LinkStatusCompleted LinkStatus = "completed"
)

// ParticipantCategory is the fixed role taxonomy set at import time.
type ParticipantCategory string

const (
	CategoryEvaluatee   ParticipantCategory = "Evaluatee"
	CategoryManager     ParticipantCategory = "Manager"
	CategoryPeer        ParticipantCategory = "Peer"
	CategorySubordinate ParticipantCategory = "Subordinate"
	CategoryOther       ParticipantCategory = "Other"
)

// ParticipantType is derived from the category: the person being evaluated
// versus everyone rating them.
type ParticipantType string

const (
	TypeEvaluatee ParticipantType = "evaluatee"
	TypeEvaluator ParticipantType = "evaluator"
)

// TypeForCategory derives the participant type from its category.
func TypeForCategory(c ParticipantCategory) ParticipantType {
	if c == CategoryEvaluatee {
		return TypeEvaluatee
	}
	return TypeEvaluator
}

// DispatchJobStatus tracks a queued bulk send through the worker.
type DispatchJobStatus string

const (
	DispatchJobQueued  DispatchJobStatus = "queued"
	DispatchJobRunning DispatchJobStatus = "running"
	DispatchJobDone    DispatchJobStatus = "done"
	DispatchJobError   DispatchJobStatus = "error"
)

// ─── MODELS ───────────────────────────────────────────────────────────────────

// Assessment is a published survey definition distributed to participants.
// SurveyDefinition is an opaque form schema — the backend stores and serves
// it without interpreting its contents.
type Assessment struct {
	ID               uuid.UUID
	Name             string
	ClientID         string
	SurveyDefinition pqtype.NullRawMessage
	Theme            sql.NullString
	CreatedAt        time.Time
}

// Participant is a person who either is evaluated or evaluates others.
type Participant struct {
	ID        uuid.UUID
	Name      string
	Email     sql.NullString
	Category  ParticipantCategory
	Type      ParticipantType
	ClientID  string
	ProjectID sql.NullString
	CreatedAt time.Time
}

// AssessmentLink is the delivery/response-tracking record joining one
// assessment and one participant. The (AssessmentID, ParticipantID) pair is
// the primary key — there is never more than one row per pair.
type AssessmentLink struct {
	AssessmentID     uuid.UUID
	ParticipantID    uuid.UUID
	Token            string
	Status           LinkStatus
	SentAt           sql.NullTime
	CompletedAt      sql.NullTime
	ParticipantEmail string
	TemplateID       uuid.NullUUID
	UpdatedAt        time.Time
}

// AssessmentResult holds a participant's in-flight or finished answers.
// CompletedAt, once set, is never cleared or overwritten.
type AssessmentResult struct {
	AssessmentID  uuid.UUID
	ParticipantID uuid.UUID
	Token         string
	SurveyData    pqtype.NullRawMessage
	ClientID      sql.NullString
	LastUpdatedAt time.Time
	CompletedAt   sql.NullTime
}

// MailTemplate is a stored visual-editor design plus subject and audience
// metadata. Content is the JSON-serialized design; it must be parsed with
// render.Parse before use. A NULL ProjectID means the template is global.
type MailTemplate struct {
	ID        uuid.UUID
	Name      string
	Subject   string
	EmailType string
	Content   string
	ProjectID sql.NullString
	CreatedAt time.Time
}

// DispatchJob is a queued bulk send processed by the background worker.
type DispatchJob struct {
	ID             uuid.UUID
	AssessmentID   uuid.UUID
	TemplateID     uuid.UUID
	ParticipantIDs pqtype.NullRawMessage // JSON array of participant UUIDs
	Status         DispatchJobStatus
	SentCount      sql.NullInt32
	Failures       pqtype.NullRawMessage // JSON array of {participantId, reason}
	ErrorMessage   sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
