package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// ─── PARAMS ───────────────────────────────────────────────────────────────────

type CreateAssessmentParams struct {
	Name             string
	ClientID         string
	SurveyDefinition pqtype.NullRawMessage
	Theme            string
}

type CreateParticipantParams struct {
	Name      string
	Email     string
	Category  ParticipantCategory
	ClientID  string
	ProjectID string
}

type CreateMailTemplateParams struct {
	Name      string
	Subject   string
	EmailType string
	Content   string
	ProjectID string
}

// LinkKey identifies the one assessment link for a pair.
type LinkKey struct {
	AssessmentID  uuid.UUID
	ParticipantID uuid.UUID
}

type InsertLinkParams struct {
	AssessmentID     uuid.UUID
	ParticipantID    uuid.UUID
	Token            string
	ParticipantEmail string
	TemplateID       uuid.UUID
}

// RefreshLinkParams updates a pending link for a reminder resend: new token,
// new sent_at, possibly a different template.
type RefreshLinkParams struct {
	AssessmentID     uuid.UUID
	ParticipantID    uuid.UUID
	Token            string
	ParticipantEmail string
	TemplateID       uuid.UUID
}

// TouchCompletedLinkParams refreshes sent_at/template_id on a completed link
// without touching status, completed_at, or the token the participant already
// used.
type TouchCompletedLinkParams struct {
	AssessmentID  uuid.UUID
	ParticipantID uuid.UUID
	TemplateID    uuid.UUID
}

type UpsertResultProgressParams struct {
	AssessmentID  uuid.UUID
	ParticipantID uuid.UUID
	Token         string
	SurveyData    pqtype.NullRawMessage
	ClientID      string
}

type CompleteResultParams struct {
	AssessmentID  uuid.UUID
	ParticipantID uuid.UUID
	Token         string
	SurveyData    pqtype.NullRawMessage
	ClientID      string
}

type CreateDispatchJobParams struct {
	AssessmentID   uuid.UUID
	TemplateID     uuid.UUID
	ParticipantIDs pqtype.NullRawMessage
}

type FinalizeDispatchJobParams struct {
	ID        uuid.UUID
	SentCount int32
	Failures  pqtype.NullRawMessage
}

type SetDispatchJobErrorParams struct {
	ID           uuid.UUID
	ErrorMessage string
}

// ─── QUERIER ──────────────────────────────────────────────────────────────────

// Querier is the query surface shared by *Queries and the test stubs. Methods
// are single-statement reads/writes; multi-step atomic operations live in
// internal/store.
type Querier interface {
	CreateAssessment(ctx context.Context, p CreateAssessmentParams) (Assessment, error)
	GetAssessmentByID(ctx context.Context, id uuid.UUID) (Assessment, error)

	CreateParticipant(ctx context.Context, p CreateParticipantParams) (Participant, error)
	GetParticipantByID(ctx context.Context, id uuid.UUID) (Participant, error)
	ListParticipantsByIDs(ctx context.Context, ids []uuid.UUID) ([]Participant, error)
	ListParticipantsByClient(ctx context.Context, clientID string) ([]Participant, error)

	CreateMailTemplate(ctx context.Context, p CreateMailTemplateParams) (MailTemplate, error)
	GetMailTemplateByID(ctx context.Context, id uuid.UUID) (MailTemplate, error)

	GetLink(ctx context.Context, key LinkKey) (AssessmentLink, error)
	GetLinkByToken(ctx context.Context, token string) (AssessmentLink, error)
	ListLinksByAssessment(ctx context.Context, assessmentID uuid.UUID) ([]AssessmentLink, error)
	InsertLink(ctx context.Context, p InsertLinkParams) (AssessmentLink, error)
	RefreshLink(ctx context.Context, p RefreshLinkParams) (AssessmentLink, error)
	TouchCompletedLink(ctx context.Context, p TouchCompletedLinkParams) (AssessmentLink, error)
	MarkLinkCompleted(ctx context.Context, key LinkKey) (AssessmentLink, error)

	GetResult(ctx context.Context, key LinkKey) (AssessmentResult, error)
	UpsertResultProgress(ctx context.Context, p UpsertResultProgressParams) (AssessmentResult, error)
	CompleteResult(ctx context.Context, p CompleteResultParams) (AssessmentResult, error)

	CreateDispatchJob(ctx context.Context, p CreateDispatchJobParams) (DispatchJob, error)
	GetDispatchJobByID(ctx context.Context, id uuid.UUID) (DispatchJob, error)
	ListClaimableDispatchJobs(ctx context.Context, staleBefore time.Time) ([]DispatchJob, error)
	ClaimDispatchJob(ctx context.Context, id uuid.UUID) (DispatchJob, error)
	RequeueDispatchJob(ctx context.Context, id uuid.UUID) (DispatchJob, error)
	FinalizeDispatchJob(ctx context.Context, p FinalizeDispatchJobParams) (DispatchJob, error)
	SetDispatchJobError(ctx context.Context, p SetDispatchJobErrorParams) (DispatchJob, error)
}

var _ Querier = (*Queries)(nil)
