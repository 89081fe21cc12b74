package worker_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
	"github.com/orbitview/feedback360/internal/dispatch"
	"github.com/orbitview/feedback360/internal/email"
	"github.com/orbitview/feedback360/internal/store"
	"github.com/orbitview/feedback360/internal/worker"
	"github.com/sqlc-dev/pqtype"
)

// ─── STUBS ───────────────────────────────────────────────────────────────────

type stubQuerier struct {
	db.Querier

	job          db.DispatchJob
	jobMissing   bool
	template     db.MailTemplate
	assessment   db.Assessment
	participants map[uuid.UUID]db.Participant
	links        []db.AssessmentLink

	claims    []uuid.UUID
	requeues  []uuid.UUID
	finalized []db.FinalizeDispatchJobParams
}

// ClaimDispatchJob mirrors the conditional UPDATE: only a queued job can be
// claimed, every other status comes back as zero rows.
func (s *stubQuerier) ClaimDispatchJob(_ context.Context, id uuid.UUID) (db.DispatchJob, error) {
	if s.jobMissing || s.job.Status != db.DispatchJobQueued {
		return db.DispatchJob{}, sql.ErrNoRows
	}
	s.job.Status = db.DispatchJobRunning
	s.claims = append(s.claims, id)
	return s.job, nil
}

func (s *stubQuerier) RequeueDispatchJob(_ context.Context, id uuid.UUID) (db.DispatchJob, error) {
	if s.job.Status != db.DispatchJobRunning {
		return db.DispatchJob{}, sql.ErrNoRows
	}
	s.job.Status = db.DispatchJobQueued
	s.requeues = append(s.requeues, id)
	return s.job, nil
}

func (s *stubQuerier) GetMailTemplateByID(context.Context, uuid.UUID) (db.MailTemplate, error) {
	return s.template, nil
}

func (s *stubQuerier) GetAssessmentByID(context.Context, uuid.UUID) (db.Assessment, error) {
	return s.assessment, nil
}

func (s *stubQuerier) ListParticipantsByIDs(_ context.Context, ids []uuid.UUID) ([]db.Participant, error) {
	out := make([]db.Participant, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.participants[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubQuerier) ListLinksByAssessment(context.Context, uuid.UUID) ([]db.AssessmentLink, error) {
	return s.links, nil
}

func (s *stubQuerier) FinalizeDispatchJob(_ context.Context, p db.FinalizeDispatchJobParams) (db.DispatchJob, error) {
	s.finalized = append(s.finalized, p)
	s.job.Status = db.DispatchJobDone
	return s.job, nil
}

type stubIssuer struct{ calls []store.IssueLinkParams }

func (s *stubIssuer) IssueLink(_ context.Context, p store.IssueLinkParams) (db.AssessmentLink, error) {
	s.calls = append(s.calls, p)
	return db.AssessmentLink{Status: db.LinkStatusPending, Token: p.Token}, nil
}

type stubDispatcher struct {
	send  func(email.SendParams) (email.SendResult, error)
	calls int
}

func (s *stubDispatcher) Send(_ context.Context, p email.SendParams) (email.SendResult, error) {
	s.calls++
	if s.send != nil {
		return s.send(p)
	}
	return email.SendResult{Success: true, Token: "tok-" + p.ParticipantID}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ─── FIXTURE ─────────────────────────────────────────────────────────────────

func newJobFixture(t *testing.T, participantCount int) (*stubQuerier, *stubIssuer, *stubDispatcher, *worker.Job, uuid.UUID) {
	t.Helper()

	jobID := uuid.New()
	assessmentID := uuid.New()
	templateID := uuid.New()

	q := &stubQuerier{
		template: db.MailTemplate{ID: templateID, EmailType: "registration"},
		assessment: db.Assessment{
			ID: assessmentID, Name: "Worker Test", ClientID: "client-1",
		},
		participants: map[uuid.UUID]db.Participant{},
	}

	ids := make([]uuid.UUID, participantCount)
	for i := range ids {
		id := uuid.New()
		ids[i] = id
		q.participants[id] = db.Participant{
			ID:       id,
			Name:     "P",
			Email:    sql.NullString{String: "p@x.io", Valid: true},
			Category: db.CategoryPeer,
			Type:     db.TypeEvaluator,
			ClientID: "client-1",
		}
	}

	idsJSON, err := json.Marshal(ids)
	if err != nil {
		t.Fatalf("marshal ids: %v", err)
	}
	q.job = db.DispatchJob{
		ID:             jobID,
		AssessmentID:   assessmentID,
		TemplateID:     templateID,
		ParticipantIDs: pqtype.NullRawMessage{RawMessage: idsJSON, Valid: true},
		Status:         db.DispatchJobQueued,
	}

	issuer := &stubIssuer{}
	disp := &stubDispatcher{}
	coordinator := dispatch.NewCoordinator(q, issuer, disp, discardLogger())
	job := worker.NewJob(q, coordinator, discardLogger())
	return q, issuer, disp, job, jobID
}

// ─── RUN ─────────────────────────────────────────────────────────────────────

func TestJobRun_HappyPath(t *testing.T) {
	q, issuer, disp, job, jobID := newJobFixture(t, 3)

	if err := job.Run(context.Background(), jobID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(q.claims) != 1 || q.claims[0] != jobID {
		t.Errorf("claims = %v", q.claims)
	}
	if disp.calls != 3 {
		t.Errorf("sends = %d, want 3", disp.calls)
	}
	if len(issuer.calls) != 3 {
		t.Errorf("links issued = %d, want 3", len(issuer.calls))
	}
	if len(q.finalized) != 1 {
		t.Fatalf("finalized = %d times", len(q.finalized))
	}
	final := q.finalized[0]
	if final.SentCount != 3 {
		t.Errorf("sent count = %d", final.SentCount)
	}
	if final.Failures.Valid {
		t.Errorf("failures column populated for a clean run: %s", final.Failures.RawMessage)
	}
}

func TestJobRun_RecordsFailures(t *testing.T) {
	q, _, disp, job, jobID := newJobFixture(t, 3)

	failed := 0
	disp.send = func(p email.SendParams) (email.SendResult, error) {
		if failed == 0 {
			failed++
			return email.SendResult{}, errors.New("mailbox unavailable")
		}
		return email.SendResult{Success: true, Token: "tok"}, nil
	}

	if err := job.Run(context.Background(), jobID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := q.finalized[0]
	if final.SentCount != 2 {
		t.Errorf("sent count = %d, want 2", final.SentCount)
	}
	if !final.Failures.Valid {
		t.Fatal("failures column empty despite a failed send")
	}
	var failures []dispatch.Failure
	if err := json.Unmarshal(final.Failures.RawMessage, &failures); err != nil {
		t.Fatalf("decode failures: %v", err)
	}
	if len(failures) != 1 || failures[0].Reason != "mailbox unavailable" {
		t.Errorf("failures = %+v", failures)
	}
}

func TestJobRun_SkipsTerminalJob(t *testing.T) {
	q, _, disp, job, jobID := newJobFixture(t, 2)
	q.job.Status = db.DispatchJobDone

	if err := job.Run(context.Background(), jobID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(q.claims) != 0 {
		t.Error("terminal job re-claimed")
	}
	if disp.calls != 0 {
		t.Error("terminal job re-sent emails")
	}
}

func TestJobRun_SkipsRunningJob(t *testing.T) {
	// A job mid-flight on another worker still shows status running at a poll
	// tick. The claim must fail and the second Run must not send anything.
	q, issuer, disp, job, jobID := newJobFixture(t, 3)
	q.job.Status = db.DispatchJobRunning

	if err := job.Run(context.Background(), jobID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(q.claims) != 0 {
		t.Error("running job claimed a second time")
	}
	if disp.calls != 0 {
		t.Errorf("sends = %d, want 0 for a job owned by another worker", disp.calls)
	}
	if len(issuer.calls) != 0 {
		t.Errorf("links issued = %d, want 0", len(issuer.calls))
	}
	if len(q.finalized) != 0 {
		t.Error("running job finalized by the non-owning worker")
	}
}

func TestJobRun_RepeatedRunSendsOnce(t *testing.T) {
	q, _, disp, job, jobID := newJobFixture(t, 3)

	if err := job.Run(context.Background(), jobID); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := job.Run(context.Background(), jobID); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if disp.calls != 3 {
		t.Errorf("sends = %d, want 3 (one per participant across both runs)", disp.calls)
	}
	if len(q.claims) != 1 {
		t.Errorf("claims = %d, want 1", len(q.claims))
	}
	if len(q.finalized) != 1 {
		t.Errorf("finalized = %d times, want 1", len(q.finalized))
	}
}

func TestJobRun_ExcludesCompletedParticipants(t *testing.T) {
	q, _, disp, job, jobID := newJobFixture(t, 3)

	// One participant already completed between scheduling and execution.
	var anyID uuid.UUID
	for id := range q.participants {
		anyID = id
		break
	}
	q.links = []db.AssessmentLink{{
		AssessmentID:  q.job.AssessmentID,
		ParticipantID: anyID,
		Status:        db.LinkStatusCompleted,
	}}

	if err := job.Run(context.Background(), jobID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if disp.calls != 2 {
		t.Errorf("sends = %d, want 2 (completed participant excluded)", disp.calls)
	}
	if q.finalized[0].SentCount != 2 {
		t.Errorf("sent count = %d", q.finalized[0].SentCount)
	}
}

func TestJobRun_MissingJobSkipped(t *testing.T) {
	q, _, disp, job, jobID := newJobFixture(t, 1)
	q.jobMissing = true

	if err := job.Run(context.Background(), jobID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if disp.calls != 0 {
		t.Errorf("sends = %d for a missing job row", disp.calls)
	}
}
