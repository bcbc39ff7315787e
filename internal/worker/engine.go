package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/ajayykmr/ingest-worker/internal/failure"
	"github.com/ajayykmr/ingest-worker/internal/models"
	"github.com/ajayykmr/ingest-worker/internal/simulate"
	"github.com/ajayykmr/ingest-worker/internal/store"
	"github.com/ajayykmr/ingest-worker/internal/transform"
)

const (
	defaultSettleTimeout = 10 * time.Second
	tracerName           = "github.com/ajayykmr/ingest-worker/internal/worker"
)

// AckMode selects how attempt outcomes are reported back to the queue.
type AckMode string

const (
	// AckModePerMessage settles every delivery on its own.
	AckModePerMessage AckMode = "per_message"
	// AckModeWholeBatch hands the entire batch back for redelivery whenever
	// any delivery in it cannot be settled. Successful siblings are then
	// redelivered and observed as duplicates, which is safe only because
	// writes are idempotent.
	AckModeWholeBatch AckMode = "whole_batch"
)

// ParseAckMode converts configuration text into an AckMode. An empty string
// selects AckModePerMessage.
func ParseAckMode(s string) (AckMode, error) {
	switch AckMode(s) {
	case "", AckModePerMessage:
		return AckModePerMessage, nil
	case AckModeWholeBatch:
		return AckModeWholeBatch, nil
	default:
		return "", fmt.Errorf("worker: unknown ack mode %q", s)
	}
}

// Config contains the runtime settings the engine relies on to bound
// concurrency, time out slow messages and drive retries.
type Config struct {
	MaxAttempts       int
	WorkerConcurrency int
	MessageTimeout    time.Duration
	MsgMaxBytes       int
	AckMode           AckMode
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	BackoffJitter     bool
	SettleTimeout     time.Duration
}

// Record is a single queue delivery. Attempt is the queue's own delivery
// counter for the message, starting at 1.
type Record struct {
	ID        string
	Key       []byte
	Value     []byte
	Attempt   int
	Timestamp time.Time
	Headers   map[string][]byte
}

// Clone returns a deep copy of the record so it can be safely shared with
// asynchronous goroutines without risking data races.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	clone := *r
	clone.Key = cloneBytes(r.Key)
	clone.Value = cloneBytes(r.Value)
	if len(r.Headers) > 0 {
		clone.Headers = cloneHeaders(r.Headers)
	}

	return &clone
}

func (r *Record) attempt() int {
	if r == nil || r.Attempt < 1 {
		return 1
	}
	return r.Attempt
}

// Result describes what happened to one delivery of a batch.
type Result struct {
	Record  *Record
	Message *models.Message
	Attempt int
	Outcome Outcome
	State   State
	Kind    failure.Kind
	Err     error
	// Redelivered is set when the delivery was handed back to the queue.
	Redelivered bool
	Duration    time.Duration
}

// Acknowledger reports settlement decisions to the queue that produced a
// batch.
type Acknowledger interface {
	// Ack removes the delivery from the queue.
	Ack(ctx context.Context, record *Record) error
	// Retry leaves the delivery for redelivery no sooner than delay.
	Retry(ctx context.Context, record *Record, delay time.Duration) error
}

// DLQPublisher writes failed messages to the dead-letter channel. The channel
// must be durable; a nil error means the record is safely stored.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DLQRecord) error
}

// Metrics receives per-delivery observations.
type Metrics interface {
	ObserveResult(outcome, state, kind string, duration time.Duration)
	InFlight(delta int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveResult(string, string, string, time.Duration) {}
func (noopMetrics) InFlight(int) {}

type noopAcknowledger struct{}

func (noopAcknowledger) Ack(context.Context, *Record) error { return nil }

func (noopAcknowledger) Retry(context.Context, *Record, time.Duration) error { return nil }

// Dependencies collects the runtime collaborators required by the engine.
type Dependencies struct {
	Store        store.Store
	Transform    transform.Transform
	DLQPublisher DLQPublisher
	Injector     simulate.Injector
	Delayer      simulate.Delayer
	Metrics      Metrics
	Tracer       trace.Tracer
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Engine turns batches of queue deliveries into idempotent store writes,
// classifies each outcome and settles it with the queue.
type Engine struct {
	cfg          Config
	policy       RetryPolicy
	store        store.Store
	transform    transform.Transform
	dlqPublisher DLQPublisher
	injector     simulate.Injector
	delayer      simulate.Delayer
	metrics      Metrics
	tracer       trace.Tracer
	logger       zerolog.Logger

	semaphore *semaphore.Weighted

	now func() time.Time

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewEngine constructs an engine using the supplied configuration and
// collaborators. Optional collaborators fall back to no-op implementations.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	policy := RetryPolicy{MaxAttempts: cfg.MaxAttempts}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, errors.New("worker: worker concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if cfg.MessageTimeout < 0 {
		return nil, errors.New("worker: message timeout cannot be negative")
	}
	mode, err := ParseAckMode(string(cfg.AckMode))
	if err != nil {
		return nil, err
	}
	cfg.AckMode = mode
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}
	if deps.Store == nil {
		return nil, errors.New("worker: store dependency is required")
	}
	if deps.DLQPublisher == nil {
		return nil, errors.New("worker: DLQ publisher dependency is required")
	}

	tr := deps.Transform
	if tr == nil {
		tr = transform.Identity
	}
	injector := deps.Injector
	if injector == nil {
		injector = simulate.NoFailures{}
	}
	delayer := deps.Delayer
	if delayer == nil {
		delayer = simulate.NoDelay{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(tracerName)
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "worker_engine").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	eng := &Engine{
		cfg:          cfg,
		policy:       policy,
		store:        deps.Store,
		transform:    tr,
		dlqPublisher: deps.DLQPublisher,
		injector:     injector,
		delayer:      delayer,
		metrics:      metrics,
		tracer:       tracer,
		logger:       logger,
		semaphore:    semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		now:          nowFunc,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	return eng, nil
}

// AckMode reports the acknowledgement discipline the engine applies.
func (e *Engine) AckMode() AckMode {
	return e.cfg.AckMode
}

// Policy returns the retry policy in force.
func (e *Engine) Policy() RetryPolicy {
	return e.policy
}

// Process handles a batch and returns one result per delivery, in input
// order. A failure of one delivery never prevents its siblings from being
// processed. At most WorkerConcurrency deliveries are in flight across all
// concurrent Process calls.
//
// Cancelling ctx stops deliveries that have not started; deliveries cut short
// by the cancellation are left pending so the queue redelivers them.
// Finished deliveries are still settled through ack.
func (e *Engine) Process(ctx context.Context, batch []*Record, ack Acknowledger) []Result {
	if ack == nil {
		ack = noopAcknowledger{}
	}

	results := make([]Result, len(batch))
	var wg sync.WaitGroup

	for i, rec := range batch {
		rec = rec.Clone()
		if rec == nil {
			rec = &Record{}
		}

		if err := e.semaphore.Acquire(ctx, 1); err != nil {
			results[i] = e.abandoned(rec, err)
			continue
		}

		wg.Add(1)
		e.metrics.InFlight(1)
		go func(i int, rec *Record) {
			defer wg.Done()
			defer e.metrics.InFlight(-1)
			defer e.semaphore.Release(1)
			results[i] = e.processOne(ctx, rec)
		}(i, rec)
	}

	wg.Wait()
	e.settle(ctx, results, ack)
	return results
}

func (e *Engine) abandoned(rec *Record, cause error) Result {
	return Result{
		Record:  rec,
		Attempt: rec.attempt(),
		Outcome: OutcomeTransientFailure,
		State:   StatePending,
		Kind:    failure.KindCanceled,
		Err:     failure.New(failure.KindCanceled, cause),
	}
}

func (e *Engine) processOne(ctx context.Context, rec *Record) (res Result) {
	start := e.now()
	res = Result{Record: rec, Attempt: rec.attempt(), State: StatePending}

	ctx, span := e.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("delivery.id", rec.ID),
		attribute.Int("delivery.attempt", res.Attempt),
	))

	defer func() {
		if r := recover(); r != nil {
			e.classify(&res, failure.Newf(failure.KindPanic, "recovered panic: %v", r))
		}
		res.Duration = e.now().Sub(start)
		finishSpan(span, &res)
	}()

	if e.cfg.MsgMaxBytes > 0 && len(rec.Value) > e.cfg.MsgMaxBytes {
		e.classify(&res, failure.Newf(failure.KindDeserialize,
			"payload exceeds maximum size: got %d bytes, limit %d bytes", len(rec.Value), e.cfg.MsgMaxBytes))
		return res
	}

	msg, err := models.DecodeMessage(rec.Value)
	if err != nil {
		e.classify(&res, failure.New(failure.KindDeserialize, err))
		return res
	}
	res.Message = msg
	span.SetAttributes(
		attribute.String("message.tenant_id", msg.TenantID),
		attribute.String("message.log_id", msg.MessageID),
	)

	msgCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.MessageTimeout > 0 {
		msgCtx, cancel = context.WithTimeout(ctx, e.cfg.MessageTimeout)
	}
	defer cancel()

	written, err := e.executeWithin(msgCtx, msg)
	if err != nil {
		if ctx.Err() != nil && !failure.IsPermanent(err) {
			res.Outcome = OutcomeTransientFailure
			res.Kind = failure.KindCanceled
			res.Err = failure.New(failure.KindCanceled, err)
			res.State = StatePending
			return res
		}
		e.classify(&res, err)
		return res
	}

	res.Outcome = OutcomeSuccess
	if written == store.AlreadyExists {
		res.Outcome = OutcomeDuplicate
		res.Kind = failure.KindStoreConflict
	}
	res.State = e.policy.Decide(res.Outcome, res.Attempt)
	return res
}

type executeResult struct {
	written store.Result
	err     error
}

// executeWithin runs execute and gives up once ctx is done, even when a hook
// or the store ignores ctx. The abandoned call finishes in the background and
// its write, if any, is seen as a duplicate on redelivery.
func (e *Engine) executeWithin(ctx context.Context, msg *models.Message) (store.Result, error) {
	done := make(chan executeResult, 1)
	go func() {
		var out executeResult
		defer func() {
			if r := recover(); r != nil {
				out = executeResult{err: failure.Newf(failure.KindPanic, "recovered panic: %v", r)}
			}
			done <- out
		}()
		out.written, out.err = e.execute(ctx, msg)
	}()

	select {
	case out := <-done:
		return out.written, out.err
	case <-ctx.Done():
		select {
		case out := <-done:
			return out.written, out.err
		default:
		}
		return 0, contextFailure(ctx.Err())
	}
}

// execute runs the hooks, the transform and the conditional write for one
// message. ctx carries the per-message deadline.
func (e *Engine) execute(ctx context.Context, msg *models.Message) (store.Result, error) {
	if err := e.injector.Inject(ctx, msg); err != nil {
		return 0, failure.New(failure.KindInjected, err)
	}

	if err := e.delayer.Delay(ctx, msg); err != nil {
		return 0, contextFailure(err)
	}

	modified, err := e.transform.Apply(msg.Payload)
	if err != nil {
		return 0, failure.New(failure.KindTransform, err)
	}

	rec := models.PersistedRecord{
		TenantID:     msg.TenantID,
		MessageID:    msg.MessageID,
		Source:       msg.Source,
		OriginalText: msg.Payload,
		ModifiedText: modified,
		ProcessedAt:  e.now().UTC(),
	}

	written, err := e.store.PutIfAbsent(ctx, rec)
	if err != nil {
		if failure.IsPermanent(err) {
			return 0, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, contextFailure(fmt.Errorf("%w: %v", ctxErr, err))
		}
		if failure.KindOf(err, failure.KindNone) == failure.KindNone {
			return 0, failure.New(failure.KindStoreTransient, err)
		}
		return 0, err
	}

	return written, nil
}

func contextFailure(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.New(failure.KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return failure.New(failure.KindCanceled, err)
	}
	return failure.New(failure.KindStoreTransient, err)
}

func (e *Engine) classify(res *Result, err error) {
	res.Err = err
	res.Kind = failure.KindOf(err, failure.KindStoreTransient)
	res.Outcome = OutcomeTransientFailure
	if failure.IsPermanent(err) {
		res.Outcome = OutcomePermanentFailure
	}
	res.State = e.policy.Decide(res.Outcome, res.Attempt)
}

func finishSpan(span trace.Span, res *Result) {
	span.SetAttributes(
		attribute.String("worker.outcome", string(res.Outcome)),
		attribute.String("worker.state", string(res.State)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Kind))
	}
	span.End()
}

func (e *Engine) settle(ctx context.Context, results []Result, ack Acknowledger) {
	// Settlement must outlive a shutdown signal so finished work is not
	// redelivered needlessly.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettleTimeout)
	defer cancel()

	if e.cfg.AckMode == AckModeWholeBatch && !batchSettles(results) {
		e.failBatch(settleCtx, results, ack)
		return
	}

	for i := range results {
		e.settleOne(settleCtx, &results[i], ack)
	}
}

func batchSettles(results []Result) bool {
	for _, res := range results {
		if res.State == StateRetrying || res.State == StatePending {
			return false
		}
	}
	return true
}

func (e *Engine) settleOne(ctx context.Context, res *Result, ack Acknowledger) {
	switch res.State {
	case StateSucceeded:
		e.ack(ctx, res, ack)
	case StateRetrying:
		e.retry(ctx, res, ack)
	case StateDeadLettered:
		if err := e.publishDLQ(ctx, res); err != nil {
			e.logger.Error().
				Str("delivery_id", res.Record.ID).
				Int("attempt", res.Attempt).
				Err(err).
				Msg("worker: failed to publish DLQ record; leaving message for redelivery")
			res.State = StateRetrying
			e.retry(ctx, res, ack)
			break
		}
		e.ack(ctx, res, ack)
	case StatePending:
		// abandoned: the queue redelivers once its visibility window lapses
	}

	e.logResult(res)
	e.observe(res)
}

// failBatch hands every delivery back to the queue. Dead-lettering is
// deferred until a pass in which the whole batch settles.
func (e *Engine) failBatch(ctx context.Context, results []Result, ack Acknowledger) {
	redelivered := 0
	for i := range results {
		res := &results[i]
		if res.State == StateDeadLettered {
			res.State = StateRetrying
		}
		if res.State != StatePending {
			e.retry(ctx, res, ack)
			redelivered++
		}
		e.logResult(res)
		e.observe(res)
	}

	e.logger.Warn().
		Str("ack_mode", string(AckModeWholeBatch)).
		Int("batch_size", len(results)).
		Int("redelivered", redelivered).
		Msg("worker: batch not settled; every message will be redelivered")
}

func (e *Engine) ack(ctx context.Context, res *Result, ack Acknowledger) {
	if err := ack.Ack(ctx, res.Record); err != nil {
		e.logger.Error().
			Str("delivery_id", res.Record.ID).
			Err(err).
			Msg("worker: failed to acknowledge delivery")
	}
}

func (e *Engine) retry(ctx context.Context, res *Result, ack Acknowledger) {
	res.Redelivered = true
	delay := e.computeBackoff(res.Attempt)
	if err := ack.Retry(ctx, res.Record, delay); err != nil {
		e.logger.Error().
			Str("delivery_id", res.Record.ID).
			Dur("backoff", delay).
			Err(err).
			Msg("worker: failed to schedule redelivery")
	}
}

func (e *Engine) publishDLQ(ctx context.Context, res *Result) error {
	failureType := models.FailureTypeTransient
	if res.Outcome == OutcomePermanentFailure {
		failureType = models.FailureTypePermanent
	}

	record := models.DLQRecord{
		DeliveryID:       res.Record.ID,
		OriginalEnvelope: string(res.Record.Value),
		FailureType:      failureType,
		FailureKind:      string(res.Kind),
		Attempts:         res.Attempt,
		DeadLetteredAt:   e.now().UTC(),
	}
	if res.Err != nil {
		record.LastError = res.Err.Error()
	}
	if res.Message != nil {
		record.TenantID = res.Message.TenantID
		record.MessageID = res.Message.MessageID
		record.Source = res.Message.Source
	}

	return e.dlqPublisher.PublishDLQ(ctx, record)
}

func (e *Engine) logResult(res *Result) {
	logger := e.logger.With().
		Str("delivery_id", res.Record.ID).
		Int("attempt", res.Attempt).
		Str("outcome", string(res.Outcome)).
		Str("state", string(res.State)).
		Dur("duration", res.Duration).
		Logger()
	if res.Message != nil {
		logger = logger.With().
			Str("tenant_id", res.Message.TenantID).
			Str("log_id", res.Message.MessageID).
			Logger()
	}

	switch {
	case res.State == StateDeadLettered:
		logger.Error().
			Str("kind", string(res.Kind)).
			Err(res.Err).
			Msg("worker: message dead-lettered")
	case res.State == StatePending:
		logger.Warn().Err(res.Err).Msg("worker: delivery abandoned; queue will redeliver")
	case res.State == StateRetrying:
		logger.Warn().
			Str("kind", string(res.Kind)).
			Err(res.Err).
			Msg("worker: delivery left for retry")
	case res.Outcome == OutcomeDuplicate:
		logger.Warn().Msg("worker: duplicate detected, skipping persist")
	default:
		logger.Info().Msg("worker: message persisted")
	}
}

func (e *Engine) observe(res *Result) {
	e.metrics.ObserveResult(string(res.Outcome), string(res.State), string(res.Kind), res.Duration)
}

func (e *Engine) computeBackoff(attempt int) time.Duration {
	if e.cfg.BaseBackoff <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt-1))
	raw := time.Duration(float64(e.cfg.BaseBackoff) * multiplier)
	if raw <= 0 || (e.cfg.MaxBackoff > 0 && raw > e.cfg.MaxBackoff) {
		raw = e.cfg.MaxBackoff
	}

	if !e.cfg.BackoffJitter {
		return raw
	}
	return e.fullJitter(raw)
}

func (e *Engine) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	e.randMu.Lock()
	defer e.randMu.Unlock()

	n := e.rnd.Int63n(int64(max) + 1)
	return time.Duration(n)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	clone := make([]byte, len(b))
	copy(clone, b)
	return clone
}

func cloneHeaders(headers map[string][]byte) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	clone := make(map[string][]byte, len(headers))
	for k, v := range headers {
		clone[k] = cloneBytes(v)
	}
	return clone
}
