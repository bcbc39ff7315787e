package models

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeMessageCanonicalFields(t *testing.T) {
	body := []byte(`{"tenant_id":"acme","log_id":"123","source":"json_upload","text":"Call 555-0199 soon","received_at":"2024-05-01T10:00:00Z"}`)

	msg, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TenantID != "acme" || msg.MessageID != "123" {
		t.Fatalf("unexpected key: %+v", msg.Key())
	}
	if msg.Source != SourceJSONUpload {
		t.Fatalf("expected json_upload source, got %q", msg.Source)
	}
	if msg.Payload != "Call 555-0199 soon" {
		t.Fatalf("unexpected payload %q", msg.Payload)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !msg.ReceivedAt.Equal(want) {
		t.Fatalf("received_at = %s, want %s", msg.ReceivedAt, want)
	}
}

func TestDecodeMessageAlternateFields(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"tenant_id":"acme","message_id":"m-1","payload":"hello"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.MessageID != "m-1" || msg.Payload != "hello" {
		t.Fatalf("alternate fields not honoured: %+v", msg)
	}
	if msg.Source != SourceUnknown {
		t.Fatalf("expected unknown source default, got %q", msg.Source)
	}
}

func TestDecodeMessageRejectsMalformedEnvelopes(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"whitespace":     "   ",
		"not json":       "tenant=acme",
		"missing tenant": `{"log_id":"1","text":"x"}`,
		"missing id":     `{"tenant_id":"acme","text":"x"}`,
		"bad timestamp":  `{"tenant_id":"acme","log_id":"1","received_at":"yesterday"}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeMessage([]byte(body)); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}

func TestEncodeMessageRoundTripsThroughDecode(t *testing.T) {
	msg := NewMessage("acme", "", SourceTextUpload, "raw line")
	if msg.MessageID == "" {
		t.Fatalf("expected generated message id")
	}
	if msg.ReceivedAt.Location() != time.UTC {
		t.Fatalf("expected UTC received_at")
	}

	body, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(body), `"log_id"`) || !strings.Contains(string(body), `"text"`) {
		t.Fatalf("expected canonical field names in %s", body)
	}

	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Key() != msg.Key() {
		t.Fatalf("key mismatch: %v vs %v", decoded.Key(), msg.Key())
	}
}

func TestNewMessageKeepsSuppliedID(t *testing.T) {
	msg := NewMessage("acme", "123", SourceJSONUpload, "x")
	if msg.MessageID != "123" {
		t.Fatalf("expected supplied id to be kept, got %q", msg.MessageID)
	}
	if !msg.Source.Known() {
		t.Fatalf("expected json_upload to be a known source")
	}
	if Source("syslog").Known() {
		t.Fatalf("did not expect extension source to be known")
	}
}
