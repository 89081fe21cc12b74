package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/orbitview/feedback360/internal/db"
	"github.com/orbitview/feedback360/internal/store"
	"github.com/sqlc-dev/pqtype"
)

// ─── TEST INFRASTRUCTURE ──────────────────────────────────────────────────────

// openTestDB returns a migrated *sql.DB from DATABASE_URL. Skips if the env
// var is not set so the suite still passes in CI without a Postgres instance.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set — skipping store integration tests")
	}
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if err := pool.PingContext(context.Background()); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	if err := db.Migrate(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// seed creates an assessment and one participant and removes them (plus any
// links and results written through their ids) when the test finishes. The
// store's internal transactions need committed rows, so rollback-based
// isolation is not an option here.
func seed(t *testing.T, pool *sql.DB, q db.Querier) (db.Assessment, db.Participant) {
	t.Helper()
	ctx := context.Background()

	assessment, err := q.CreateAssessment(ctx, db.CreateAssessmentParams{
		Name:     "store-test " + uuid.NewString(),
		ClientID: "store-test-client",
		SurveyDefinition: pqtype.NullRawMessage{
			RawMessage: []byte(`{"pages":[]}`), Valid: true,
		},
	})
	if err != nil {
		t.Fatalf("seed assessment: %v", err)
	}

	participant, err := q.CreateParticipant(ctx, db.CreateParticipantParams{
		Name:     "Store Test Rater",
		Email:    "rater@store-test.invalid",
		Category: db.CategoryPeer,
		ClientID: "store-test-client",
	})
	if err != nil {
		t.Fatalf("seed participant: %v", err)
	}

	t.Cleanup(func() {
		for _, stmt := range []string{
			"DELETE FROM assessment_results WHERE assessment_id = $1",
			"DELETE FROM assessment_links WHERE assessment_id = $1",
			"DELETE FROM assessments WHERE id = $1",
		} {
			if _, err := pool.ExecContext(context.Background(), stmt, assessment.ID); err != nil {
				t.Errorf("cleanup %q: %v", stmt, err)
			}
		}
		if _, err := pool.ExecContext(context.Background(),
			"DELETE FROM participants WHERE id = $1", participant.ID); err != nil {
			t.Errorf("cleanup participant: %v", err)
		}
	})

	return assessment, participant
}

func issueParams(a db.Assessment, p db.Participant, token string) store.IssueLinkParams {
	return store.IssueLinkParams{
		AssessmentID:     a.ID,
		ParticipantID:    p.ID,
		TemplateID:       uuid.Nil,
		ParticipantEmail: p.Email.String,
		Token:            token,
	}
}

// ─── ISSUE LINK ───────────────────────────────────────────────────────────────

func TestIssueLink(t *testing.T) {
	pool := openTestDB(t)
	q := db.New(pool)
	st := store.New(pool, q)
	ctx := context.Background()

	assessment, participant := seed(t, pool, q)

	// First send creates a pending link with the fresh token.
	link, err := st.IssueLink(ctx, issueParams(assessment, participant, "first-token"))
	if err != nil {
		t.Fatalf("first IssueLink: %v", err)
	}
	if link.Status != db.LinkStatusPending {
		t.Errorf("status = %q, want pending", link.Status)
	}
	if link.Token != "first-token" {
		t.Errorf("token = %q", link.Token)
	}
	if !link.SentAt.Valid {
		t.Error("sent_at not set")
	}

	// A reminder resend refreshes the token on the same row.
	refreshed, err := st.IssueLink(ctx, issueParams(assessment, participant, "second-token"))
	if err != nil {
		t.Fatalf("second IssueLink: %v", err)
	}
	if refreshed.Token != "second-token" {
		t.Errorf("refreshed token = %q", refreshed.Token)
	}
	if refreshed.Status != db.LinkStatusPending {
		t.Errorf("refreshed status = %q", refreshed.Status)
	}

	// Still exactly one row for the pair.
	var count int
	err = pool.QueryRowContext(ctx,
		"SELECT count(*) FROM assessment_links WHERE assessment_id = $1 AND participant_id = $2",
		assessment.ID, participant.ID).Scan(&count)
	if err != nil {
		t.Fatalf("count links: %v", err)
	}
	if count != 1 {
		t.Errorf("link rows = %d, want 1", count)
	}

	// The old token no longer resolves.
	if _, err := q.GetLinkByToken(ctx, "first-token"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("old token lookup err = %v, want ErrNoRows", err)
	}
	if _, err := q.GetLinkByToken(ctx, "second-token"); err != nil {
		t.Errorf("new token lookup: %v", err)
	}
}

func TestIssueLink_CompletedStatusPreserved(t *testing.T) {
	pool := openTestDB(t)
	q := db.New(pool)
	st := store.New(pool, q)
	ctx := context.Background()

	assessment, participant := seed(t, pool, q)

	if _, err := st.IssueLink(ctx, issueParams(assessment, participant, "tok-1")); err != nil {
		t.Fatalf("IssueLink: %v", err)
	}
	if _, err := st.CompleteAssessment(ctx, store.CompleteAssessmentParams{
		AssessmentID:  assessment.ID,
		ParticipantID: participant.ID,
		Token:         "tok-1",
		SurveyData:    []byte(`{"q1":"done"}`),
		ClientID:      assessment.ClientID,
	}); err != nil {
		t.Fatalf("CompleteAssessment: %v", err)
	}

	before, err := q.GetLink(ctx, db.LinkKey{
		AssessmentID: assessment.ID, ParticipantID: participant.ID,
	})
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}

	// A late resend must not regress the status or replace the used token,
	// but the sent_at refresh must still be persisted.
	time.Sleep(10 * time.Millisecond)
	link, err := st.IssueLink(ctx, issueParams(assessment, participant, "tok-2"))
	if !errors.Is(err, store.ErrLinkCompleted) {
		t.Fatalf("err = %v, want ErrLinkCompleted", err)
	}
	if link.Status != db.LinkStatusCompleted {
		t.Errorf("status = %q, want completed", link.Status)
	}
	if link.Token != "tok-1" {
		t.Errorf("token = %q, the completed token must be preserved", link.Token)
	}
	if !link.CompletedAt.Valid {
		t.Error("completed_at cleared by resend")
	}

	after, err := q.GetLink(ctx, db.LinkKey{
		AssessmentID: assessment.ID, ParticipantID: participant.ID,
	})
	if err != nil {
		t.Fatalf("GetLink after resend: %v", err)
	}
	if !after.SentAt.Time.After(before.SentAt.Time) {
		t.Errorf("sent_at not refreshed by resend: %v → %v",
			before.SentAt.Time, after.SentAt.Time)
	}
}

// ─── SAVE PROGRESS ────────────────────────────────────────────────────────────

func TestSaveProgress(t *testing.T) {
	pool := openTestDB(t)
	q := db.New(pool)
	st := store.New(pool, q)
	ctx := context.Background()

	assessment, participant := seed(t, pool, q)

	params := store.SaveProgressParams{
		AssessmentID:  assessment.ID,
		ParticipantID: participant.ID,
		Token:         "tok-1",
		SurveyData:    []byte(`{"q1":"draft"}`),
		ClientID:      assessment.ClientID,
	}

	first, err := st.SaveProgress(ctx, params)
	if err != nil {
		t.Fatalf("first SaveProgress: %v", err)
	}
	if first.CompletedAt.Valid {
		t.Error("autosave set completed_at")
	}
	if string(first.SurveyData.RawMessage) != `{"q1":"draft"}` {
		t.Errorf("survey data = %s", first.SurveyData.RawMessage)
	}

	params.SurveyData = []byte(`{"q1":"draft","q2":"more"}`)
	second, err := st.SaveProgress(ctx, params)
	if err != nil {
		t.Fatalf("second SaveProgress: %v", err)
	}
	if second.CompletedAt.Valid {
		t.Error("repeat autosave set completed_at")
	}
	if string(second.SurveyData.RawMessage) != `{"q1":"draft","q2":"more"}` {
		t.Errorf("survey data after second save = %s", second.SurveyData.RawMessage)
	}
	if second.LastUpdatedAt.Before(first.LastUpdatedAt) {
		t.Error("last_updated_at went backwards")
	}
}

// ─── COMPLETE ─────────────────────────────────────────────────────────────────

func TestCompleteAssessment(t *testing.T) {
	pool := openTestDB(t)
	q := db.New(pool)
	st := store.New(pool, q)
	ctx := context.Background()

	assessment, participant := seed(t, pool, q)

	if _, err := st.IssueLink(ctx, issueParams(assessment, participant, "tok-1")); err != nil {
		t.Fatalf("IssueLink: %v", err)
	}

	params := store.CompleteAssessmentParams{
		AssessmentID:  assessment.ID,
		ParticipantID: participant.ID,
		Token:         "tok-1",
		SurveyData:    []byte(`{"q1":"final"}`),
		ClientID:      assessment.ClientID,
	}

	result, err := st.CompleteAssessment(ctx, params)
	if err != nil {
		t.Fatalf("CompleteAssessment: %v", err)
	}
	if !result.CompletedAt.Valid {
		t.Fatal("completed_at not set")
	}
	firstCompletedAt := result.CompletedAt.Time

	// The link is driven to completed in the same transaction.
	link, err := q.GetLink(ctx, db.LinkKey{
		AssessmentID: assessment.ID, ParticipantID: participant.ID,
	})
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	if link.Status != db.LinkStatusCompleted {
		t.Errorf("link status = %q, want completed", link.Status)
	}
	if !link.CompletedAt.Valid {
		t.Error("link completed_at not set")
	}

	done, err := st.IsCompleted(ctx, assessment.ID, participant.ID)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if !done {
		t.Error("IsCompleted = false after completion")
	}

	// Replay: the first completion's answers and timestamp survive untouched.
	time.Sleep(10 * time.Millisecond) // make a timestamp overwrite observable
	params.SurveyData = []byte(`{"q1":"tampered"}`)
	replayed, err := st.CompleteAssessment(ctx, params)
	if !errors.Is(err, store.ErrAlreadyCompleted) {
		t.Fatalf("replay err = %v, want ErrAlreadyCompleted", err)
	}
	if !replayed.CompletedAt.Time.Equal(firstCompletedAt) {
		t.Errorf("completed_at changed on replay: %v → %v",
			firstCompletedAt, replayed.CompletedAt.Time)
	}
	if string(replayed.SurveyData.RawMessage) != `{"q1":"final"}` {
		t.Errorf("answers changed on replay: %s", replayed.SurveyData.RawMessage)
	}
}

func TestCompleteThenResendScenario(t *testing.T) {
	pool := openTestDB(t)
	q := db.New(pool)
	st := store.New(pool, q)
	ctx := context.Background()

	assessment, participant := seed(t, pool, q)

	// Send, complete, then a reminder resend lands for the finished pair.
	if _, err := st.IssueLink(ctx, issueParams(assessment, participant, "tok-1")); err != nil {
		t.Fatalf("IssueLink: %v", err)
	}
	if _, err := st.CompleteAssessment(ctx, store.CompleteAssessmentParams{
		AssessmentID:  assessment.ID,
		ParticipantID: participant.ID,
		Token:         "tok-1",
		SurveyData:    []byte(`{}`),
		ClientID:      assessment.ClientID,
	}); err != nil {
		t.Fatalf("CompleteAssessment: %v", err)
	}

	beforeResend, err := q.GetLink(ctx, db.LinkKey{
		AssessmentID: assessment.ID, ParticipantID: participant.ID,
	})
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}

	if _, err := st.IssueLink(ctx, issueParams(assessment, participant, "tok-2")); !errors.Is(err, store.ErrLinkCompleted) {
		t.Fatalf("resend err = %v, want ErrLinkCompleted", err)
	}

	afterResend, err := q.GetLink(ctx, db.LinkKey{
		AssessmentID: assessment.ID, ParticipantID: participant.ID,
	})
	if err != nil {
		t.Fatalf("GetLink after resend: %v", err)
	}
	if afterResend.Status != db.LinkStatusCompleted {
		t.Errorf("status regressed to %q", afterResend.Status)
	}
	if !afterResend.CompletedAt.Time.Equal(beforeResend.CompletedAt.Time) {
		t.Error("completed_at changed by resend")
	}
	if afterResend.Token != "tok-1" {
		t.Errorf("token replaced by resend: %q", afterResend.Token)
	}

	// The survey still refuses to load.
	done, err := st.IsCompleted(ctx, assessment.ID, participant.ID)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if !done {
		t.Error("IsCompleted = false after resend to completed pair")
	}
}
