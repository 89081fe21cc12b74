package lifecycle_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/lifecycle"
	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	now := time.Now()
	zero := time.Time{}

	tests := []struct {
		name        string
		sentAt      *time.Time
		completedAt *time.Time
		want        lifecycle.Status
	}{
		{"nothing recorded", nil, nil, lifecycle.StatusNotSent},
		{"sent only", &now, nil, lifecycle.StatusSentPending},
		{"completed wins over sent", &now, &now, lifecycle.StatusCompleted},
		{"completed without sent", nil, &now, lifecycle.StatusCompleted},
		{"zero completedAt ignored", &now, &zero, lifecycle.StatusSentPending},
		{"zero sentAt ignored", &zero, nil, lifecycle.StatusNotSent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lifecycle.Aggregate(tt.sentAt, tt.completedAt))
		})
	}
}

func TestEligible(t *testing.T) {
	tests := []struct {
		emailType string
		pt        lifecycle.ParticipantType
		want      bool
	}{
		{lifecycle.EmailTypeRegistration, lifecycle.TypeEvaluatee, true},
		{lifecycle.EmailTypeRegistration, lifecycle.TypeEvaluator, true},

		{lifecycle.EmailTypeEvaluatorInvite, lifecycle.TypeEvaluator, true},
		{lifecycle.EmailTypeEvaluatorInvite, lifecycle.TypeEvaluatee, false},
		{lifecycle.EmailTypeEvaluatorReminder, lifecycle.TypeEvaluator, true},
		{lifecycle.EmailTypeEvaluatorReminder, lifecycle.TypeEvaluatee, false},

		{lifecycle.EmailTypeEvaluateeInvite, lifecycle.TypeEvaluatee, true},
		{lifecycle.EmailTypeEvaluateeInvite, lifecycle.TypeEvaluator, false},
		{lifecycle.EmailTypeEvaluateeReminder, lifecycle.TypeEvaluatee, true},
		{lifecycle.EmailTypeEvaluateeReminder, lifecycle.TypeEvaluator, false},

		// Legacy bare values always targeted the person being evaluated.
		{lifecycle.EmailTypeLegacyInvite, lifecycle.TypeEvaluatee, true},
		{lifecycle.EmailTypeLegacyInvite, lifecycle.TypeEvaluator, false},
		{lifecycle.EmailTypeLegacyReminder, lifecycle.TypeEvaluatee, true},
		{lifecycle.EmailTypeLegacyReminder, lifecycle.TypeEvaluator, false},

		// Unrecognized kinds fail open.
		{"quarterly-digest", lifecycle.TypeEvaluatee, true},
		{"quarterly-digest", lifecycle.TypeEvaluator, true},
	}
	for _, tt := range tests {
		t.Run(tt.emailType+"/"+string(tt.pt), func(t *testing.T) {
			assert.Equal(t, tt.want, lifecycle.Eligible(tt.emailType, tt.pt))
		})
	}
}

func TestFilterEligible(t *testing.T) {
	evaluatee := lifecycle.Candidate{ID: uuid.New(), Type: lifecycle.TypeEvaluatee, Email: "e@x.io"}
	evaluators := []lifecycle.Candidate{
		{ID: uuid.New(), Type: lifecycle.TypeEvaluator, Email: "a@x.io"},
		{ID: uuid.New(), Type: lifecycle.TypeEvaluator, Email: "b@x.io"},
		{ID: uuid.New(), Type: lifecycle.TypeEvaluator, Email: "c@x.io"},
	}

	t.Run("type filter selects only the audience", func(t *testing.T) {
		all := append([]lifecycle.Candidate{evaluatee}, evaluators...)
		got := lifecycle.FilterEligible(lifecycle.EmailTypeEvaluatorInvite, all)
		assert.Equal(t, evaluators, got)

		got = lifecycle.FilterEligible(lifecycle.EmailTypeEvaluateeInvite, all)
		assert.Equal(t, []lifecycle.Candidate{evaluatee}, got)
	})

	t.Run("completed candidates are excluded", func(t *testing.T) {
		done := evaluators[1]
		done.Completed = true
		all := []lifecycle.Candidate{evaluators[0], done, evaluators[2]}

		got := lifecycle.FilterEligible(lifecycle.EmailTypeEvaluatorReminder, all)
		assert.Equal(t, []lifecycle.Candidate{evaluators[0], evaluators[2]}, got)
	})

	t.Run("missing email is excluded", func(t *testing.T) {
		noMail := evaluators[0]
		noMail.Email = ""
		got := lifecycle.FilterEligible(lifecycle.EmailTypeRegistration,
			[]lifecycle.Candidate{noMail, evaluators[1]})
		assert.Equal(t, []lifecycle.Candidate{evaluators[1]}, got)
	})

	t.Run("order preserved and empty input yields empty slice", func(t *testing.T) {
		got := lifecycle.FilterEligible(lifecycle.EmailTypeRegistration, nil)
		assert.NotNil(t, got)
		assert.Empty(t, got)

		all := append([]lifecycle.Candidate{evaluatee}, evaluators...)
		got = lifecycle.FilterEligible(lifecycle.EmailTypeRegistration, all)
		assert.Equal(t, all, got)
	})
}
