package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source describes how a message entered the system.
type Source string

const (
	// SourceJSONUpload marks messages submitted as structured JSON.
	SourceJSONUpload Source = "json_upload"
	// SourceTextUpload marks messages submitted as raw text with an external
	// tenant identifier.
	SourceTextUpload Source = "text_upload"
	// SourceUnknown is assigned when an envelope carries no source tag.
	SourceUnknown Source = "unknown"
)

// Known reports whether the source is one of the tags produced by the intake.
// Other non-empty values are accepted as extensions.
func (s Source) Known() bool {
	switch s {
	case SourceJSONUpload, SourceTextUpload:
		return true
	default:
		return false
	}
}

// Key is the idempotency key of a message.
type Key struct {
	TenantID  string
	MessageID string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.MessageID
}

// Message is the immutable unit of work carried by the queue. The JSON shape
// matches what the intake enqueues: log_id and text are the canonical names,
// message_id and payload are accepted on decode.
type Message struct {
	TenantID   string    `json:"tenant_id"`
	MessageID  string    `json:"log_id"`
	Source     Source    `json:"source"`
	Payload    string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewMessage builds a message the way the intake does: a random id is
// assigned when none is supplied and received_at is stamped in UTC.
func NewMessage(tenantID, messageID string, source Source, payload string) Message {
	if strings.TrimSpace(messageID) == "" {
		messageID = uuid.NewString()
	}
	return Message{
		TenantID:   tenantID,
		MessageID:  messageID,
		Source:     source,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
}

// Key returns the idempotency key of the message.
func (m Message) Key() Key {
	return Key{TenantID: m.TenantID, MessageID: m.MessageID}
}

// Validate checks the fields the engine relies on.
func (m Message) Validate() error {
	var errs []error
	if strings.TrimSpace(m.TenantID) == "" {
		errs = append(errs, errors.New("tenant_id is required"))
	}
	if strings.TrimSpace(m.MessageID) == "" {
		errs = append(errs, errors.New("log_id is required"))
	}
	return errors.Join(errs...)
}

type wireMessage struct {
	TenantID   string    `json:"tenant_id"`
	LogID      string    `json:"log_id"`
	MessageID  string    `json:"message_id"`
	Source     Source    `json:"source"`
	Text       *string   `json:"text"`
	Payload    *string   `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// UnmarshalJSON accepts both the canonical and the alternate field names.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	id := w.LogID
	if id == "" {
		id = w.MessageID
	}
	var payload string
	switch {
	case w.Text != nil:
		payload = *w.Text
	case w.Payload != nil:
		payload = *w.Payload
	}

	*m = Message{
		TenantID:   w.TenantID,
		MessageID:  id,
		Source:     w.Source,
		Payload:    payload,
		ReceivedAt: w.ReceivedAt,
	}
	return nil
}

// DecodeMessage parses and validates a queue envelope body.
func DecodeMessage(body []byte) (*Message, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("models: empty message body")
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("models: decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("models: invalid message: %w", err)
	}
	if msg.Source == "" {
		msg.Source = SourceUnknown
	}
	return &msg, nil
}

// EncodeMessage serialises a message into the canonical envelope body.
func EncodeMessage(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("models: invalid message: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("models: encode message: %w", err)
	}
	return payload, nil
}
