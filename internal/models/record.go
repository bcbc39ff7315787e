package models

import "time"

// PersistedRecord is the store's view of a processed message. It is written
// once per idempotency key and never updated.
type PersistedRecord struct {
	TenantID     string    `json:"tenant_id"`
	MessageID    string    `json:"log_id"`
	Source       Source    `json:"source"`
	OriginalText string    `json:"original_text"`
	ModifiedText string    `json:"modified_data"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// Key returns the idempotency key of the record.
func (r PersistedRecord) Key() Key {
	return Key{TenantID: r.TenantID, MessageID: r.MessageID}
}
