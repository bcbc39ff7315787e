package simulate

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ajayykmr/ingest-worker/internal/models"
)

func TestRandomInjectorBounds(t *testing.T) {
	ctx := context.Background()
	msg := &models.Message{TenantID: "acme", MessageID: "1"}

	never := NewRandomInjector(-1, 1)
	always := NewRandomInjector(2, 1)
	for i := 0; i < 100; i++ {
		if err := never.Inject(ctx, msg); err != nil {
			t.Fatalf("rate 0 injector failed: %v", err)
		}
		if err := always.Inject(ctx, msg); !errors.Is(err, ErrInjected) {
			t.Fatalf("rate 1 injector did not fail: %v", err)
		}
	}
	if never.Rate() != 0 || always.Rate() != 1 {
		t.Fatalf("expected clamped rates, got %v and %v", never.Rate(), always.Rate())
	}
}

func TestRandomInjectorApproximatesRate(t *testing.T) {
	inj := NewRandomInjector(0.25, 42)
	failures := 0
	const n = 4000
	for i := 0; i < n; i++ {
		if inj.Inject(context.Background(), nil) != nil {
			failures++
		}
	}
	if failures < n/8 || failures > n*3/8 {
		t.Fatalf("failure count %d far from expected %d", failures, n/4)
	}
}

func TestPerByteDelayDuration(t *testing.T) {
	d := PerByteDelay{PerByte: 50 * time.Millisecond, Max: time.Second}
	if got := d.Duration(&models.Message{Payload: "abcd"}); got != 200*time.Millisecond {
		t.Fatalf("duration = %s, want 200ms", got)
	}
	if got := d.Duration(&models.Message{Payload: string(make([]byte, 100))}); got != time.Second {
		t.Fatalf("expected cap at 1s, got %s", got)
	}
	if got := (PerByteDelay{}).Duration(&models.Message{Payload: "abcd"}); got != 0 {
		t.Fatalf("expected zero duration when disabled, got %s", got)
	}
}

func TestPerByteDelayDurationDoesNotOverflow(t *testing.T) {
	msg := &models.Message{Payload: "abcd"}
	huge := time.Duration(math.MaxInt64 / 2)

	if got := (PerByteDelay{PerByte: huge, Max: time.Second}).Duration(msg); got != time.Second {
		t.Fatalf("expected cap at 1s, got %s", got)
	}
	if got := (PerByteDelay{PerByte: huge}).Duration(msg); got != math.MaxInt64 {
		t.Fatalf("expected saturation at the largest duration, got %s", got)
	}
	if got := (PerByteDelay{PerByte: time.Second, Max: 4 * time.Second}).Duration(msg); got != 4*time.Second {
		t.Fatalf("expected exactly the cap at the boundary, got %s", got)
	}
}

func TestPerByteDelayHonoursContext(t *testing.T) {
	d := PerByteDelay{PerByte: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := d.Delay(ctx, &models.Message{Payload: "slow payload"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("delay did not stop at context deadline")
	}
}

func TestNoopHooks(t *testing.T) {
	if err := (NoFailures{}).Inject(context.Background(), nil); err != nil {
		t.Fatalf("unexpected injection: %v", err)
	}
	if err := (NoDelay{}).Delay(context.Background(), nil); err != nil {
		t.Fatalf("unexpected delay error: %v", err)
	}
}
