// Package bootstrap assembles the processing engine from configuration. It is
// shared by every worker binary so they differ only in their queue adapter.
package bootstrap

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajayykmr/ingest-worker/internal/config"
	"github.com/ajayykmr/ingest-worker/internal/simulate"
	"github.com/ajayykmr/ingest-worker/internal/store"
	"github.com/ajayykmr/ingest-worker/internal/transform"
	"github.com/ajayykmr/ingest-worker/internal/worker"
)

// Deps are the collaborators that depend on the queue or the environment.
type Deps struct {
	Store        store.Store
	DLQPublisher worker.DLQPublisher
	Metrics      worker.Metrics
	Tracer       trace.Tracer
	Logger       zerolog.Logger
}

// EngineConfig maps the loaded configuration onto worker.Config.
func EngineConfig(cfg *config.Config) (worker.Config, error) {
	if cfg == nil {
		return worker.Config{}, errors.New("bootstrap: config is required")
	}
	mode, err := worker.ParseAckMode(cfg.Worker.AckMode)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		WorkerConcurrency: cfg.Worker.Concurrency,
		MessageTimeout:    cfg.Worker.MessageTimeout(),
		MsgMaxBytes:       cfg.Worker.MsgMaxBytes,
		AckMode:           mode,
		BaseBackoff:       time.Duration(cfg.Retry.BaseBackoffSeconds) * time.Second,
		MaxBackoff:        time.Duration(cfg.Retry.MaxBackoffSeconds) * time.Second,
		BackoffJitter:     cfg.Retry.BackoffJitter,
	}, nil
}

// NewTransform returns the redactor, or Identity when redaction is disabled.
func NewTransform(cfg config.RedactionConfig) (transform.Transform, error) {
	if !cfg.Enabled {
		return transform.Identity, nil
	}
	return transform.NewRedactor(cfg.Marker)
}

// NewSimulation returns the failure injector and latency hook. Both are
// no-ops unless explicitly configured.
func NewSimulation(cfg config.SimulationConfig) (simulate.Injector, simulate.Delayer) {
	var injector simulate.Injector = simulate.NoFailures{}
	if cfg.FailureInjectionRate > 0 {
		injector = simulate.NewRandomInjector(cfg.FailureInjectionRate, time.Now().UnixNano())
	}

	var delayer simulate.Delayer = simulate.NoDelay{}
	if cfg.ProcessingDelayPerByteMs > 0 {
		delayer = simulate.PerByteDelay{
			PerByte: time.Duration(cfg.ProcessingDelayPerByteMs) * time.Millisecond,
			Max:     time.Duration(cfg.MaxProcessingDelayMs) * time.Millisecond,
		}
	}
	return injector, delayer
}

// NewEngine builds a worker.Engine from cfg and deps.
func NewEngine(cfg *config.Config, deps Deps) (*worker.Engine, error) {
	engineCfg, err := EngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	tr, err := NewTransform(cfg.Redaction)
	if err != nil {
		return nil, err
	}
	injector, delayer := NewSimulation(cfg.Simulation)

	if cfg.Simulation.FailureInjectionRate > 0 || cfg.Simulation.ProcessingDelayPerByteMs > 0 {
		deps.Logger.Warn().
			Float64("failure_injection_rate", cfg.Simulation.FailureInjectionRate).
			Int("delay_per_byte_ms", cfg.Simulation.ProcessingDelayPerByteMs).
			Msg("simulation hooks enabled")
	}

	return worker.NewEngine(engineCfg, worker.Dependencies{
		Store:        deps.Store,
		Transform:    tr,
		DLQPublisher: deps.DLQPublisher,
		Injector:     injector,
		Delayer:      delayer,
		Metrics:      deps.Metrics,
		Tracer:       deps.Tracer,
		Logger:       deps.Logger,
	})
}
