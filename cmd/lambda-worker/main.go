package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ajayykmr/ingest-worker/internal/bootstrap"
	"github.com/ajayykmr/ingest-worker/internal/config"
	"github.com/ajayykmr/ingest-worker/internal/logger"
	"github.com/ajayykmr/ingest-worker/internal/sqsqueue"
	"github.com/ajayykmr/ingest-worker/internal/store/factory"
)

const serviceName = "lambda-worker"

// The Lambda runtime keeps the process warm between invocations, so the store
// and clients are built once during init.
func main() {
	ctx := context.Background()

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

	st, _, err := factory.New(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise store")
	}

	client, err := sqsqueue.NewClient(ctx, cfg.Store.AWSRegion)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sqs client")
	}
	dlqPublisher, err := sqsqueue.NewDLQPublisher(client, cfg.SQS.DLQURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create dlq publisher")
	}

	engine, err := bootstrap.NewEngine(cfg, bootstrap.Deps{
		Store:        st,
		DLQPublisher: dlqPublisher,
		Tracer:       otel.Tracer(serviceName),
		Logger:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise worker engine")
	}

	log.Info().Str("ack_mode", string(engine.AckMode())).Msg("lambda worker ready")
	lambda.Start(sqsqueue.LambdaHandler(engine, client, cfg.SQS.QueueURL))
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("lambda worker init failed")
}
