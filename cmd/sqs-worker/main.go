package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ajayykmr/ingest-worker/internal/bootstrap"
	"github.com/ajayykmr/ingest-worker/internal/config"
	"github.com/ajayykmr/ingest-worker/internal/logger"
	"github.com/ajayykmr/ingest-worker/internal/metrics"
	"github.com/ajayykmr/ingest-worker/internal/sqsqueue"
	"github.com/ajayykmr/ingest-worker/internal/store/factory"
)

const serviceName = "sqs-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}
	if err := cfg.ValidateSQS(); err != nil {
		fail("config validate", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel, serviceName)
	if err != nil {
		fail("logger init", err)
	}
	log := *baseLogger

	st, closeStore, err := factory.New(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise store")
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	client, err := sqsqueue.NewClient(ctx, cfg.Store.AWSRegion)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sqs client")
	}
	dlqPublisher, err := sqsqueue.NewDLQPublisher(client, cfg.SQS.DLQURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create dlq publisher")
	}

	reg := prometheus.NewRegistry()
	engine, err := bootstrap.NewEngine(cfg, bootstrap.Deps{
		Store:        st,
		DLQPublisher: dlqPublisher,
		Metrics:      metrics.NewRecorder(reg),
		Tracer:       otel.Tracer(serviceName),
		Logger:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise worker engine")
	}

	poller, err := sqsqueue.NewPoller(client, engine, sqsqueue.PollerConfig{
		QueueURL:    cfg.SQS.QueueURL,
		BatchSize:   cfg.Worker.BatchSize,
		WaitSeconds: cfg.SQS.WaitSeconds,
	}, logger.Component(log, "sqs-poller"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sqs poller")
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, log); err != nil {
			log.Error().Err(err).Msg("metrics endpoint stopped")
		}
	}()

	log.Info().
		Str("queue_url", cfg.SQS.QueueURL).
		Str("ack_mode", string(engine.AckMode())).
		Msg("sqs worker started")

	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("poller terminated with error")
		return
	}
	log.Info().Msg("shutdown signal received")
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("sqs worker init failed")
}
