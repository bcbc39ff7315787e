package transform

import (
	"errors"
	"testing"
)

func TestRedactorMasksPhoneNumbers(t *testing.T) {
	r, err := NewRedactor("")
	if err != nil {
		t.Fatalf("new redactor: %v", err)
	}

	original := "Call 555-0199 soon"
	got, err := r.Apply(original)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "Call [REDACTED] soon" {
		t.Fatalf("unexpected redaction %q", got)
	}
	if original != "Call 555-0199 soon" {
		t.Fatalf("original text mutated")
	}
}

func TestRedactorLeavesNonMatchingText(t *testing.T) {
	r, err := NewRedactor("***")
	if err != nil {
		t.Fatalf("new redactor: %v", err)
	}

	cases := []struct{ in, want string }{
		{"no digits here", "no digits here"},
		{"order 12345-67890", "order 12345-67890"},
		{"two 555-0199 111-2222", "two *** ***"},
		{"", ""},
	}
	for _, tc := range cases {
		got, err := r.Apply(tc.in)
		if err != nil {
			t.Fatalf("apply %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Apply(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactorRejectsInvalidUTF8(t *testing.T) {
	r, err := NewRedactor("")
	if err != nil {
		t.Fatalf("new redactor: %v", err)
	}
	if _, err := r.Apply(string([]byte{0xff, 0xfe, 'a'})); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestNewRedactorInvalidPattern(t *testing.T) {
	if _, err := NewRedactor("", "("); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestChainStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	bang := Func(func(s string) (string, error) {
		calls++
		return s + "!", nil
	})
	failing := Func(func(string) (string, error) { return "", boom })

	out, err := Chain(bang, nil, Identity, bang).Apply("hi")
	if err != nil || out != "hi!!" {
		t.Fatalf("chain = %q, %v", out, err)
	}

	calls = 0
	if _, err := Chain(failing, bang).Apply("hi"); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected chain to stop after failure, got %d calls", calls)
	}
}
