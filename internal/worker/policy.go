package worker

import "fmt"

// DefaultMaxAttempts is the retry budget used when none is configured.
const DefaultMaxAttempts = 5

// Outcome classifies a single processing attempt.
type Outcome string

const (
	// OutcomeSuccess means the record was written by this attempt.
	OutcomeSuccess Outcome = "success"
	// OutcomeDuplicate means the record already existed; nothing was written.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeTransientFailure is a failure worth retrying.
	OutcomeTransientFailure Outcome = "transient_failure"
	// OutcomePermanentFailure is a failure that no retry can fix.
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// State is the lifecycle position of a delivery after an attempt.
type State string

const (
	// StatePending is a delivery with no decision yet. Deliveries abandoned
	// during shutdown stay pending and are redelivered by the queue.
	StatePending State = "pending"
	// StateSucceeded deliveries are acknowledged and removed from the queue.
	StateSucceeded State = "succeeded"
	// StateRetrying deliveries are left unacknowledged for redelivery.
	StateRetrying State = "retrying"
	// StateDeadLettered deliveries are routed to the dead-letter channel and
	// then acknowledged.
	StateDeadLettered State = "dead_lettered"
)

// RetryPolicy decides what happens to a delivery given the outcome of its
// latest attempt. Attempt numbers come from the queue's redelivery counter
// and start at 1.
type RetryPolicy struct {
	MaxAttempts int
}

// Validate checks the policy parameters.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("worker: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	return nil
}

// Decide maps an outcome and attempt number onto the next state.
func (p RetryPolicy) Decide(outcome Outcome, attempt int) State {
	switch outcome {
	case OutcomeSuccess, OutcomeDuplicate:
		return StateSucceeded
	case OutcomePermanentFailure:
		return StateDeadLettered
	case OutcomeTransientFailure:
		if attempt >= p.MaxAttempts {
			return StateDeadLettered
		}
		return StateRetrying
	default:
		return StatePending
	}
}
