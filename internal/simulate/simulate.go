// Package simulate provides resilience-testing hooks for the worker: random
// failure injection and processing latency proportional to payload size.
// Production wiring uses the no-op implementations.
package simulate

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ajayykmr/ingest-worker/internal/models"
)

// ErrInjected is returned by injectors when they decide to fail a message.
var ErrInjected = errors.New("simulated worker crash")

// Injector may force a message to fail before it is processed.
type Injector interface {
	Inject(ctx context.Context, msg *models.Message) error
}

// Delayer models processing latency.
type Delayer interface {
	Delay(ctx context.Context, msg *models.Message) error
}

// NoFailures never injects failures.
type NoFailures struct{}

// Inject implements Injector.
func (NoFailures) Inject(context.Context, *models.Message) error { return nil }

// NoDelay never waits.
type NoDelay struct{}

// Delay implements Delayer.
func (NoDelay) Delay(context.Context, *models.Message) error { return nil }

// RandomInjector fails messages with a fixed probability.
type RandomInjector struct {
	rate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomInjector returns an injector failing roughly rate of all messages.
// The rate is clamped to [0, 1].
func NewRandomInjector(rate float64, seed int64) *RandomInjector {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &RandomInjector{rate: rate, rnd: rand.New(rand.NewSource(seed))}
}

// Rate returns the configured failure probability.
func (r *RandomInjector) Rate() float64 { return r.rate }

// Inject implements Injector.
func (r *RandomInjector) Inject(context.Context, *models.Message) error {
	if r.rate <= 0 {
		return nil
	}
	r.mu.Lock()
	roll := r.rnd.Float64()
	r.mu.Unlock()
	if roll < r.rate {
		return ErrInjected
	}
	return nil
}

// InjectorFunc adapts a function to the Injector interface.
type InjectorFunc func(ctx context.Context, msg *models.Message) error

// Inject calls f.
func (f InjectorFunc) Inject(ctx context.Context, msg *models.Message) error { return f(ctx, msg) }

// PerByteDelay waits PerByte for every byte of payload, capped at Max when
// Max is positive. The wait ends early with the context error on cancellation.
type PerByteDelay struct {
	PerByte time.Duration
	Max     time.Duration
}

// Duration returns how long the message would be delayed.
func (d PerByteDelay) Duration(msg *models.Message) time.Duration {
	if msg == nil || d.PerByte <= 0 {
		return 0
	}
	n := time.Duration(len(msg.Payload))
	if d.Max > 0 && n > d.Max/d.PerByte {
		return d.Max
	}
	if n > math.MaxInt64/d.PerByte {
		return math.MaxInt64
	}
	return n * d.PerByte
}

// Delay implements Delayer.
func (d PerByteDelay) Delay(ctx context.Context, msg *models.Message) error {
	wait := d.Duration(msg)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
