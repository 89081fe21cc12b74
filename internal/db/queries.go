package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so the same Queries type
// works inside and outside a transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries executes the hand-written SQL against a DBTX.
type Queries struct {
	db DBTX
}

// New creates a Queries bound to a connection pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries scoped to the given transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// ─── ASSESSMENTS ──────────────────────────────────────────────────────────────

const assessmentCols = `id, name, client_id, survey_definition, theme, created_at`

func scanAssessment(row *sql.Row) (Assessment, error) {
	var a Assessment
	err := row.Scan(&a.ID, &a.Name, &a.ClientID, &a.SurveyDefinition, &a.Theme, &a.CreatedAt)
	return a, err
}

func (q *Queries) CreateAssessment(ctx context.Context, p CreateAssessmentParams) (Assessment, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO assessments (name, client_id, survey_definition, theme)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING `+assessmentCols,
		p.Name, p.ClientID, p.SurveyDefinition, p.Theme)
	return scanAssessment(row)
}

func (q *Queries) GetAssessmentByID(ctx context.Context, id uuid.UUID) (Assessment, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+assessmentCols+` FROM assessments WHERE id = $1`, id)
	return scanAssessment(row)
}

// ─── PARTICIPANTS ─────────────────────────────────────────────────────────────

const participantCols = `id, name, email, category, type, client_id, project_id, created_at`

func scanParticipant(s interface{ Scan(...any) error }) (Participant, error) {
	var p Participant
	err := s.Scan(&p.ID, &p.Name, &p.Email, &p.Category, &p.Type, &p.ClientID, &p.ProjectID, &p.CreatedAt)
	return p, err
}

func (q *Queries) CreateParticipant(ctx context.Context, p CreateParticipantParams) (Participant, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO participants (name, email, category, type, client_id, project_id)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''))
		RETURNING `+participantCols,
		p.Name, p.Email, p.Category, TypeForCategory(p.Category), p.ClientID, p.ProjectID)
	return scanParticipant(row)
}

func (q *Queries) GetParticipantByID(ctx context.Context, id uuid.UUID) (Participant, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+participantCols+` FROM participants WHERE id = $1`, id)
	return scanParticipant(row)
}

func (q *Queries) ListParticipantsByIDs(ctx context.Context, ids []uuid.UUID) ([]Participant, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+participantCols+` FROM participants WHERE id = ANY($1::uuid[]) ORDER BY created_at`,
		pq.Array(strIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

func (q *Queries) ListParticipantsByClient(ctx context.Context, clientID string) ([]Participant, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+participantCols+` FROM participants WHERE client_id = $1 ORDER BY created_at`,
		clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

func collectParticipants(rows *sql.Rows) ([]Participant, error) {
	var out []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── MAIL TEMPLATES ───────────────────────────────────────────────────────────

const templateCols = `id, name, subject, email_type, content, project_id, created_at`

func scanTemplate(row *sql.Row) (MailTemplate, error) {
	var t MailTemplate
	err := row.Scan(&t.ID, &t.Name, &t.Subject, &t.EmailType, &t.Content, &t.ProjectID, &t.CreatedAt)
	return t, err
}

func (q *Queries) CreateMailTemplate(ctx context.Context, p CreateMailTemplateParams) (MailTemplate, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO mail_templates (name, subject, email_type, content, project_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING `+templateCols,
		p.Name, p.Subject, p.EmailType, p.Content, p.ProjectID)
	return scanTemplate(row)
}

func (q *Queries) GetMailTemplateByID(ctx context.Context, id uuid.UUID) (MailTemplate, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+templateCols+` FROM mail_templates WHERE id = $1`, id)
	return scanTemplate(row)
}

// ─── ASSESSMENT LINKS ─────────────────────────────────────────────────────────

const linkCols = `assessment_id, participant_id, token, status, sent_at, completed_at, participant_email, template_id, updated_at`

func scanLink(s interface{ Scan(...any) error }) (AssessmentLink, error) {
	var l AssessmentLink
	err := s.Scan(&l.AssessmentID, &l.ParticipantID, &l.Token, &l.Status,
		&l.SentAt, &l.CompletedAt, &l.ParticipantEmail, &l.TemplateID, &l.UpdatedAt)
	return l, err
}

// nullUUID maps the zero uuid to SQL NULL. template_id is a nullable FK, so a
// caller without a template must not write the zero value into it.
func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func (q *Queries) GetLink(ctx context.Context, key LinkKey) (AssessmentLink, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+linkCols+` FROM assessment_links WHERE assessment_id = $1 AND participant_id = $2`,
		key.AssessmentID, key.ParticipantID)
	return scanLink(row)
}

func (q *Queries) GetLinkByToken(ctx context.Context, token string) (AssessmentLink, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+linkCols+` FROM assessment_links WHERE token = $1`, token)
	return scanLink(row)
}

func (q *Queries) ListLinksByAssessment(ctx context.Context, assessmentID uuid.UUID) ([]AssessmentLink, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+linkCols+` FROM assessment_links WHERE assessment_id = $1`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AssessmentLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q *Queries) InsertLink(ctx context.Context, p InsertLinkParams) (AssessmentLink, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO assessment_links
			(assessment_id, participant_id, token, status, sent_at, participant_email, template_id)
		VALUES ($1, $2, $3, 'pending', now(), $4, $5)
		RETURNING `+linkCols,
		p.AssessmentID, p.ParticipantID, p.Token, p.ParticipantEmail, nullUUID(p.TemplateID))
	return scanLink(row)
}

func (q *Queries) RefreshLink(ctx context.Context, p RefreshLinkParams) (AssessmentLink, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE assessment_links
		SET token = $3, sent_at = now(), participant_email = $4, template_id = $5, updated_at = now()
		WHERE assessment_id = $1 AND participant_id = $2 AND status = 'pending'
		RETURNING `+linkCols,
		p.AssessmentID, p.ParticipantID, p.Token, p.ParticipantEmail, nullUUID(p.TemplateID))
	return scanLink(row)
}

func (q *Queries) TouchCompletedLink(ctx context.Context, p TouchCompletedLinkParams) (AssessmentLink, error) {
	// Status, completed_at, and token are deliberately untouched — a resend
	// aimed at a completed participant must never regress the link.
	row := q.db.QueryRowContext(ctx, `
		UPDATE assessment_links
		SET sent_at = now(), template_id = $3, updated_at = now()
		WHERE assessment_id = $1 AND participant_id = $2 AND status = 'completed'
		RETURNING `+linkCols,
		p.AssessmentID, p.ParticipantID, nullUUID(p.TemplateID))
	return scanLink(row)
}

func (q *Queries) MarkLinkCompleted(ctx context.Context, key LinkKey) (AssessmentLink, error) {
	// COALESCE keeps the first completion timestamp on replays.
	row := q.db.QueryRowContext(ctx, `
		UPDATE assessment_links
		SET status = 'completed', completed_at = COALESCE(completed_at, now()), updated_at = now()
		WHERE assessment_id = $1 AND participant_id = $2
		RETURNING `+linkCols,
		key.AssessmentID, key.ParticipantID)
	return scanLink(row)
}

// ─── ASSESSMENT RESULTS ───────────────────────────────────────────────────────

const resultCols = `assessment_id, participant_id, token, survey_data, client_id, last_updated_at, completed_at`

func scanResult(row *sql.Row) (AssessmentResult, error) {
	var r AssessmentResult
	err := row.Scan(&r.AssessmentID, &r.ParticipantID, &r.Token, &r.SurveyData,
		&r.ClientID, &r.LastUpdatedAt, &r.CompletedAt)
	return r, err
}

func (q *Queries) GetResult(ctx context.Context, key LinkKey) (AssessmentResult, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+resultCols+` FROM assessment_results WHERE assessment_id = $1 AND participant_id = $2`,
		key.AssessmentID, key.ParticipantID)
	return scanResult(row)
}

func (q *Queries) UpsertResultProgress(ctx context.Context, p UpsertResultProgressParams) (AssessmentResult, error) {
	// Merge-write: completed_at is never part of the SET list, so an autosave
	// can never clear a finished result.
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO assessment_results
			(assessment_id, participant_id, token, survey_data, client_id, last_updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), now())
		ON CONFLICT (assessment_id, participant_id) DO UPDATE
		SET token = EXCLUDED.token,
		    survey_data = EXCLUDED.survey_data,
		    client_id = COALESCE(EXCLUDED.client_id, assessment_results.client_id),
		    last_updated_at = now()
		RETURNING `+resultCols,
		p.AssessmentID, p.ParticipantID, p.Token, p.SurveyData, p.ClientID)
	return scanResult(row)
}

func (q *Queries) CompleteResult(ctx context.Context, p CompleteResultParams) (AssessmentResult, error) {
	// COALESCE preserves the first completed_at even if the guard in
	// store.CompleteAssessment is ever bypassed.
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO assessment_results
			(assessment_id, participant_id, token, survey_data, client_id, last_updated_at, completed_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), now(), now())
		ON CONFLICT (assessment_id, participant_id) DO UPDATE
		SET token = EXCLUDED.token,
		    survey_data = EXCLUDED.survey_data,
		    client_id = COALESCE(EXCLUDED.client_id, assessment_results.client_id),
		    last_updated_at = now(),
		    completed_at = COALESCE(assessment_results.completed_at, now())
		RETURNING `+resultCols,
		p.AssessmentID, p.ParticipantID, p.Token, p.SurveyData, p.ClientID)
	return scanResult(row)
}

// ─── DISPATCH JOBS ────────────────────────────────────────────────────────────

const jobCols = `id, assessment_id, template_id, participant_ids, status, sent_count, failures, error_message, created_at, updated_at`

func scanJob(s interface{ Scan(...any) error }) (DispatchJob, error) {
	var j DispatchJob
	err := s.Scan(&j.ID, &j.AssessmentID, &j.TemplateID, &j.ParticipantIDs,
		&j.Status, &j.SentCount, &j.Failures, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func (q *Queries) CreateDispatchJob(ctx context.Context, p CreateDispatchJobParams) (DispatchJob, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO dispatch_jobs (assessment_id, template_id, participant_ids, status)
		VALUES ($1, $2, $3, 'queued')
		RETURNING `+jobCols,
		p.AssessmentID, p.TemplateID, p.ParticipantIDs)
	return scanJob(row)
}

func (q *Queries) GetDispatchJobByID(ctx context.Context, id uuid.UUID) (DispatchJob, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM dispatch_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListClaimableDispatchJobs returns jobs visible to the poller: queued jobs,
// plus running jobs whose claim has gone stale (the owning process died
// mid-batch). A running job with a fresh claim is owned by a live worker and
// must not be handed to a second one.
func (q *Queries) ListClaimableDispatchJobs(ctx context.Context, staleBefore time.Time) ([]DispatchJob, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobCols+` FROM dispatch_jobs
		WHERE status = 'queued' OR (status = 'running' AND updated_at < $1)
		ORDER BY created_at`,
		staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DispatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimDispatchJob is the atomic queued → running transition. sql.ErrNoRows
// means the job is already claimed, finished, or gone, and the caller must
// not run it. The single-statement conditional update is what makes two
// workers pulling the same id race-safe.
func (q *Queries) ClaimDispatchJob(ctx context.Context, id uuid.UUID) (DispatchJob, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE dispatch_jobs SET status = 'running', updated_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobCols, id)
	return scanJob(row)
}

// RequeueDispatchJob releases a claim after a failed attempt so the next
// attempt (this worker's retry or the poller) can claim the job again.
func (q *Queries) RequeueDispatchJob(ctx context.Context, id uuid.UUID) (DispatchJob, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE dispatch_jobs SET status = 'queued', updated_at = now()
		WHERE id = $1 AND status = 'running'
		RETURNING `+jobCols, id)
	return scanJob(row)
}

func (q *Queries) FinalizeDispatchJob(ctx context.Context, p FinalizeDispatchJobParams) (DispatchJob, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'done', sent_count = $2, failures = $3, updated_at = now()
		WHERE id = $1 RETURNING `+jobCols,
		p.ID, p.SentCount, p.Failures)
	return scanJob(row)
}

func (q *Queries) SetDispatchJobError(ctx context.Context, p SetDispatchJobErrorParams) (DispatchJob, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'error', error_message = $2, updated_at = now()
		WHERE id = $1 RETURNING `+jobCols,
		p.ID, p.ErrorMessage)
	return scanJob(row)
}
