package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
	"github.com/sqlc-dev/pqtype"
)

// ─── INPUT TYPES ─────────────────────────────────────────────────────────────

// SaveProgressParams is one autosave payload from the participant-facing
// survey page. SurveyData is opaque — the backend never interprets answers.
type SaveProgressParams struct {
	AssessmentID  uuid.UUID
	ParticipantID uuid.UUID
	Token         string
	SurveyData    []byte
	ClientID      string
}

// CompleteAssessmentParams carries the final answer set.
type CompleteAssessmentParams struct {
	AssessmentID  uuid.UUID
	ParticipantID uuid.UUID
	Token         string
	SurveyData    []byte
	ClientID      string
}

// ─── ERRORS ──────────────────────────────────────────────────────────────────

// ErrAlreadyCompleted is returned by CompleteAssessment when completed_at was
// already set for the pair. The first completion's timestamp and answers are
// preserved untouched; the handler should treat this as idempotent success
// and return 200, not an error, to the participant.
var ErrAlreadyCompleted = errors.New("store: assessment already completed")

// ─── PAIR LOCKS ──────────────────────────────────────────────────────────────

// pairLocks serializes writes per (assessment, participant) pair. Autosave
// fires on every answer change; two rapid saves completing out of order would
// otherwise let an older answer set overwrite a newer one. One mutex per live
// pair is cheap at this scale (tens to low hundreds of concurrent
// respondents) and entries are never evicted within a process lifetime.
type pairLocks struct {
	mu sync.Map // pair key → *sync.Mutex
}

func (l *pairLocks) lock(assessmentID, participantID uuid.UUID) func() {
	key := assessmentID.String() + "/" + participantID.String()
	m, _ := l.mu.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ─── METHODS ─────────────────────────────────────────────────────────────────

// SaveProgress merge-writes the in-flight answers for a pair. Callable
// arbitrarily many times; it never sets or clears completed_at (the SQL
// upsert does not touch the column). Saves for the same pair are serialized
// in-process so a stale autosave cannot land after a newer one.
func (s *Store) SaveProgress(ctx context.Context, p SaveProgressParams) (db.AssessmentResult, error) {
	unlock := s.saveLocks.lock(p.AssessmentID, p.ParticipantID)
	defer unlock()

	result, err := s.q.UpsertResultProgress(ctx, db.UpsertResultProgressParams{
		AssessmentID:  p.AssessmentID,
		ParticipantID: p.ParticipantID,
		Token:         p.Token,
		SurveyData:    rawMessage(p.SurveyData),
		ClientID:      p.ClientID,
	})
	if err != nil {
		return db.AssessmentResult{}, fmt.Errorf("SaveProgress: %w", err)
	}
	return result, nil
}

// CompleteAssessment finalizes a participant's response exactly once.
// Atomically:
//
//  1. Check the existing result — completed_at already set means a replay;
//     return the stored row with ErrAlreadyCompleted and write nothing.
//  2. Merge-write the final answers with completed_at = now.
//  3. Drive the pair's assessment link to completed in the same transaction,
//     so the admin status view can never show SentPending for a finished
//     response.
func (s *Store) CompleteAssessment(ctx context.Context, p CompleteAssessmentParams) (db.AssessmentResult, error) {
	unlock := s.saveLocks.lock(p.AssessmentID, p.ParticipantID)
	defer unlock()

	var result db.AssessmentResult

	err := s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		key := db.LinkKey{AssessmentID: p.AssessmentID, ParticipantID: p.ParticipantID}

		existing, err := q.GetResult(ctx, key)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("CompleteAssessment: get result: %w", err)
		}
		if err == nil && existing.CompletedAt.Valid {
			result = existing
			return ErrAlreadyCompleted
		}

		completed, err := q.CompleteResult(ctx, db.CompleteResultParams{
			AssessmentID:  p.AssessmentID,
			ParticipantID: p.ParticipantID,
			Token:         p.Token,
			SurveyData:    rawMessage(p.SurveyData),
			ClientID:      p.ClientID,
		})
		if err != nil {
			return fmt.Errorf("CompleteAssessment: complete result: %w", err)
		}

		// The link row must exist — the participant got here through a token
		// minted at send time. A missing row means the token check upstream
		// was bypassed; surface it rather than inventing a link.
		if _, err := q.MarkLinkCompleted(ctx, key); err != nil {
			return fmt.Errorf("CompleteAssessment: mark link completed: %w", err)
		}

		result = completed
		return nil
	})

	if errors.Is(err, ErrAlreadyCompleted) {
		return result, ErrAlreadyCompleted
	}
	if err != nil {
		return db.AssessmentResult{}, err
	}

	return result, nil
}

// IsCompleted reports whether the pair's result has been finalized. This is
// the gate the participant-facing survey uses to refuse loading a second
// time. A pair with no result row at all is simply not completed.
func (s *Store) IsCompleted(ctx context.Context, assessmentID, participantID uuid.UUID) (bool, error) {
	result, err := s.q.GetResult(ctx, db.LinkKey{
		AssessmentID:  assessmentID,
		ParticipantID: participantID,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsCompleted: %w", err)
	}
	return result.CompletedAt.Valid, nil
}

// rawMessage wraps a JSON blob for a jsonb column. Empty input → NULL.
func rawMessage(b []byte) pqtype.NullRawMessage {
	return pqtype.NullRawMessage{RawMessage: b, Valid: len(b) > 0}
}
