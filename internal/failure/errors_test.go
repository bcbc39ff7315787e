package failure

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapTransient(t *testing.T) {
	base := errors.New("temporary failure")
	wrapped := WrapTransient(base)

	if !errors.Is(wrapped, ErrTransient) {
		t.Fatalf("expected wrapped error to be transient: %v", wrapped)
	}
	if !strings.Contains(wrapped.Error(), base.Error()) {
		t.Fatalf("expected wrapped error message to include original message")
	}
}

func TestWrapPermanent(t *testing.T) {
	base := errors.New("invalid key")
	wrapped := WrapPermanent(base)

	if !errors.Is(wrapped, ErrPermanent) {
		t.Fatalf("expected wrapped error to be permanent: %v", wrapped)
	}
	if !IsPermanent(wrapped) {
		t.Fatalf("expected IsPermanent to accept WrapPermanent output")
	}
}

func TestWrapNil(t *testing.T) {
	if !errors.Is(WrapTransient(nil), ErrTransient) {
		t.Fatalf("expected nil transient wrap to fall back to ErrTransient")
	}
	if !errors.Is(WrapPermanent(nil), ErrPermanent) {
		t.Fatalf("expected nil permanent wrap to fall back to ErrPermanent")
	}
}

func TestKindClassification(t *testing.T) {
	cases := map[Kind]bool{
		KindTransform:      true,
		KindStoreInvalid:   true,
		KindDeserialize:    true,
		KindStoreTransient: false,
		KindTimeout:        false,
		KindInjected:       false,
		KindPanic:          false,
		KindCanceled:       false,
	}

	for kind, permanent := range cases {
		err := New(kind, errors.New("boom"))
		if got := IsPermanent(err); got != permanent {
			t.Fatalf("%s: IsPermanent = %v, want %v", kind, got, permanent)
		}
		sentinel := ErrTransient
		if permanent {
			sentinel = ErrPermanent
		}
		if !errors.Is(err, sentinel) {
			t.Fatalf("%s: expected error to unwrap to %v", kind, sentinel)
		}
	}
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("store: put: %w", New(KindStoreTransient, cause))

	if got := KindOf(err, KindNone); got != KindStoreTransient {
		t.Fatalf("KindOf = %q, want %q", got, KindStoreTransient)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected original cause to remain reachable")
	}
	if got := KindOf(errors.New("plain"), KindStoreTransient); got != KindStoreTransient {
		t.Fatalf("expected default kind for unclassified error, got %q", got)
	}
	if got := KindOf(nil, KindStoreTransient); got != KindNone {
		t.Fatalf("expected no kind for nil error, got %q", got)
	}
}

func TestNewNilCause(t *testing.T) {
	err := New(KindDeserialize, nil)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected nil cause to be replaced by sentinel")
	}
	if err.Error() == "" {
		t.Fatalf("expected non-empty message")
	}
}
