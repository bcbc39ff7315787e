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
	"github.com/ajayykmr/ingest-worker/internal/kafka/consumer"
	"github.com/ajayykmr/ingest-worker/internal/kafka/producer"
	kafkapublisher "github.com/ajayykmr/ingest-worker/internal/kafka/publisher"
	"github.com/ajayykmr/ingest-worker/internal/logger"
	"github.com/ajayykmr/ingest-worker/internal/metrics"
	"github.com/ajayykmr/ingest-worker/internal/store/factory"
	"github.com/ajayykmr/ingest-worker/internal/worker"
)

const serviceName = "kafka-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}
	if err := cfg.ValidateKafka(); err != nil {
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

	prod, err := producer.New(cfg.Kafka.Brokers, logger.Component(log, "kafka-producer"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka producer")
	}
	defer func() {
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka producer")
		}
	}()

	cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger.Component(log, "kafka-consumer"),
		cfg.Kafka.CommitOnSuccessOnly, consumer.WithBatchSize(cfg.Worker.BatchSize))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka consumer")
	}
	defer func() {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()

	requests := kafkapublisher.NewRequestPublisher(prod, cfg.Kafka.RequestTopic, logger.Component(log, "request-publisher"))
	dlqPublisher := kafkapublisher.NewDLQPublisher(prod, cfg.Kafka.DLQTopic, logger.Component(log, "dlq-publisher"))

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

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, log); err != nil {
			log.Error().Err(err).Msg("metrics endpoint stopped")
		}
	}()

	topics := []string{cfg.Kafka.RequestTopic}
	handler := worker.KafkaHandler(engine, cons, requests)

	errCh := make(chan error, 1)
	go func() {
		if err := cons.Consume(ctx, topics, handler); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Str("request_topic", cfg.Kafka.RequestTopic).
		Str("dlq_topic", cfg.Kafka.DLQTopic).
		Str("ack_mode", string(engine.AckMode())).
		Msg("kafka worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("consumer terminated with error")
		}
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("kafka worker init failed")
}
