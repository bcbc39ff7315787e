package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDecide(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 3}

	cases := []struct {
		name    string
		outcome Outcome
		attempt int
		want    State
	}{
		{"success acks", OutcomeSuccess, 1, StateSucceeded},
		{"duplicate acks", OutcomeDuplicate, 2, StateSucceeded},
		{"permanent on first attempt", OutcomePermanentFailure, 1, StateDeadLettered},
		{"transient below budget", OutcomeTransientFailure, 1, StateRetrying},
		{"transient just below budget", OutcomeTransientFailure, 2, StateRetrying},
		{"transient at budget", OutcomeTransientFailure, 3, StateDeadLettered},
		{"transient past budget", OutcomeTransientFailure, 9, StateDeadLettered},
		{"unknown outcome", Outcome("weird"), 1, StatePending},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, p.Decide(tc.outcome, tc.attempt))
		})
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, RetryPolicy{MaxAttempts: 1}.Validate())
	require.Error(t, RetryPolicy{MaxAttempts: 0}.Validate())
}

func TestSingleAttemptBudgetDeadLettersFirstTransient(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StateDeadLettered, RetryPolicy{MaxAttempts: 1}.Decide(OutcomeTransientFailure, 1))
}
