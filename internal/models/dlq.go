package models

import "time"

// Failure types for DLQ records.
const (
	FailureTypePermanent = "permanent"
	FailureTypeTransient = "transient"
)

// DLQRecord is written to the dead-letter channel when a message exhausts its
// retry budget or cannot be processed at all. OriginalEnvelope holds the
// delivery body verbatim so the message can be replayed.
type DLQRecord struct {
	TenantID         string    `json:"tenant_id,omitempty"`
	MessageID        string    `json:"log_id,omitempty"`
	Source           Source    `json:"source,omitempty"`
	DeliveryID       string    `json:"delivery_id"`
	OriginalEnvelope string    `json:"original_envelope"`
	FailureType      string    `json:"failure_type"`
	FailureKind      string    `json:"failure_kind"`
	LastError        string    `json:"last_error,omitempty"`
	Attempts         int       `json:"attempts"`
	DeadLetteredAt   time.Time `json:"dead_lettered_at"`
}
