package config_test

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ajayykmr/ingest-worker/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("MAX_ATTEMPTS", "")
	t.Setenv("ACK_MODE", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Worker.AckMode != "per_message" {
		t.Fatalf("expected per_message ack mode, got %s", cfg.Worker.AckMode)
	}
	if cfg.Store.Backend != config.StoreMemory {
		t.Fatalf("expected memory store, got %s", cfg.Store.Backend)
	}
	if cfg.Simulation.FailureInjectionRate != 0 || cfg.Simulation.ProcessingDelayPerByteMs != 0 {
		t.Fatalf("simulation hooks must be disabled by default: %+v", cfg.Simulation)
	}
	if !cfg.Redaction.Enabled || cfg.Redaction.Marker != "[REDACTED]" {
		t.Fatalf("unexpected redaction defaults %+v", cfg.Redaction)
	}
	if got := cfg.Worker.MessageTimeout(); got != 30*time.Second {
		t.Fatalf("expected 30s message timeout, got %v", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("ACK_MODE", "whole_batch")
	t.Setenv("FAILURE_INJECTION_RATE", "0.05")
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/logs")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantBrokers := []string{"broker-a:9092", "broker-b:9093"}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, wantBrokers) {
		t.Fatalf("expected brokers %v, got %v", wantBrokers, cfg.Kafka.Brokers)
	}
	if cfg.App.Env != "production" || cfg.App.LogLevel != "warn" {
		t.Fatalf("unexpected app config %+v", cfg.App)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected max attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Worker.AckMode != "whole_batch" {
		t.Fatalf("expected whole_batch, got %s", cfg.Worker.AckMode)
	}
	if cfg.Simulation.FailureInjectionRate != 0.05 {
		t.Fatalf("expected injection rate 0.05, got %v", cfg.Simulation.FailureInjectionRate)
	}
	if cfg.Store.Backend != config.StorePostgres {
		t.Fatalf("expected postgres backend, got %s", cfg.Store.Backend)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "zero")
	t.Setenv("ACK_MODE", "sometimes")
	t.Setenv("BACKOFF_JITTER", "maybe")
	t.Setenv("STORE_BACKEND", "cassandra")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	msg := err.Error()
	for _, want := range []string{
		"MAX_ATTEMPTS must be a valid integer",
		"ACK_MODE must be per_message or whole_batch",
		"BACKOFF_JITTER must be a valid boolean",
		`STORE_BACKEND "cassandra" is not supported`,
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to mention %q, got %q", want, msg)
		}
	}
}

func TestLoadStoreBackendRequiresSettings(t *testing.T) {
	t.Setenv("STORE_BACKEND", "dynamodb")
	t.Setenv("DYNAMODB_TABLE_NAME", "")

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "DYNAMODB_TABLE_NAME is required") {
		t.Fatalf("expected missing table error, got %v", err)
	}
}

func TestValidateKafka(t *testing.T) {
	cfg := &config.Config{}
	err := cfg.ValidateKafka()
	if err == nil {
		t.Fatalf("expected error for empty kafka config")
	}
	for _, want := range []string{"KAFKA_BROKERS", "KAFKA_REQUEST_TOPIC", "KAFKA_DLQ_TOPIC", "KAFKA_CONSUMER_GROUP"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}

	cfg.Kafka = config.KafkaConfig{
		Brokers:       []string{"b:9092"},
		RequestTopic:  "logs.request",
		DLQTopic:      "logs.dlq",
		ConsumerGroup: "ingest",
	}
	if err := cfg.ValidateKafka(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSQS(t *testing.T) {
	cfg := &config.Config{SQS: config.SQSConfig{QueueURL: "q", WaitSeconds: 30}}
	err := cfg.ValidateSQS()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "SQS_DLQ_URL is required") || !strings.Contains(err.Error(), "SQS_WAIT_SECONDS") {
		t.Fatalf("unexpected error %q", err.Error())
	}
}
