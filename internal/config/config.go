package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends selectable through STORE_BACKEND.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
)

// Config captures all runtime configuration for the ingest workers.
type Config struct {
	App        AppConfig
	Worker     WorkerConfig
	Retry      RetryConfig
	Simulation SimulationConfig
	Redaction  RedactionConfig
	Store      StoreConfig
	Kafka      KafkaConfig
	SQS        SQSConfig
	Metrics    MetricsConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// WorkerConfig bounds how the engine consumes batches.
type WorkerConfig struct {
	Concurrency      int
	AckMode          string
	MessageTimeoutMs int
	MsgMaxBytes      int
	BatchSize        int
}

// RetryConfig controls redelivery and dead-lettering.
type RetryConfig struct {
	MaxAttempts        int
	BaseBackoffSeconds int
	MaxBackoffSeconds  int
	BackoffJitter      bool
}

// SimulationConfig holds the resilience-testing hooks. Both are off by default.
type SimulationConfig struct {
	FailureInjectionRate     float64
	ProcessingDelayPerByteMs int
	MaxProcessingDelayMs     int
}

// RedactionConfig controls the payload transform.
type RedactionConfig struct {
	Enabled bool
	Marker  string
}

// StoreConfig selects and configures the idempotent store.
type StoreConfig struct {
	Backend        string
	PostgresDSN    string
	PostgresTable  string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	DynamoDBTable  string
	AWSRegion      string
	SQLitePath     string
}

// KafkaConfig defines broker information and topics.
type KafkaConfig struct {
	Brokers             []string
	RequestTopic        string
	DLQTopic            string
	ConsumerGroup       string
	CommitOnSuccessOnly bool
}

// SQSConfig defines the SQS queues.
type SQSConfig struct {
	QueueURL    string
	DLQURL      string
	WaitSeconds int
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string
}

// MessageTimeout returns the per-message deadline.
func (w WorkerConfig) MessageTimeout() time.Duration {
	return time.Duration(w.MessageTimeoutMs) * time.Millisecond
}

// Load reads environment variables, applies defaults, validates the values
// every binary needs and returns a populated Config instance. Queue specific
// settings are checked by ValidateKafka and ValidateSQS.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Worker.Concurrency = ldr.getInt("WORKER_CONCURRENCY", 4, false)
	cfg.Worker.AckMode = ldr.getString("ACK_MODE", "per_message", false)
	cfg.Worker.MessageTimeoutMs = ldr.getInt("MESSAGE_TIMEOUT_MS", 30000, false)
	cfg.Worker.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 262144, false)
	cfg.Worker.BatchSize = ldr.getInt("BATCH_SIZE", 10, false)

	cfg.Retry.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 5, false)
	cfg.Retry.BaseBackoffSeconds = ldr.getInt("BASE_BACKOFF_SECONDS", 5, false)
	cfg.Retry.MaxBackoffSeconds = ldr.getInt("MAX_BACKOFF_SECONDS", 300, false)
	cfg.Retry.BackoffJitter = ldr.getBool("BACKOFF_JITTER", true, false)

	cfg.Simulation.FailureInjectionRate = ldr.getFloat("FAILURE_INJECTION_RATE", 0, false)
	cfg.Simulation.ProcessingDelayPerByteMs = ldr.getInt("PROCESSING_DELAY_PER_BYTE_MS", 0, false)
	cfg.Simulation.MaxProcessingDelayMs = ldr.getInt("MAX_PROCESSING_DELAY_MS", 10000, false)

	cfg.Redaction.Enabled = ldr.getBool("REDACTION_ENABLED", true, false)
	cfg.Redaction.Marker = ldr.getString("REDACTION_MARKER", "[REDACTED]", false)

	cfg.Store.Backend = strings.ToLower(ldr.getString("STORE_BACKEND", StoreMemory, false))
	cfg.Store.PostgresDSN = ldr.getString("POSTGRES_DSN", "", false)
	cfg.Store.PostgresTable = ldr.getString("POSTGRES_TABLE", "processed_logs", false)
	cfg.Store.RedisAddr = ldr.getString("REDIS_ADDR", "", false)
	cfg.Store.RedisPassword = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Store.RedisDB = ldr.getInt("REDIS_DB", 0, false)
	cfg.Store.RedisKeyPrefix = ldr.getString("REDIS_KEY_PREFIX", "processed_log", false)
	cfg.Store.DynamoDBTable = ldr.getString("DYNAMODB_TABLE_NAME", "", false)
	cfg.Store.AWSRegion = ldr.getString("AWS_REGION", "", false)
	cfg.Store.SQLitePath = ldr.getString("SQLITE_PATH", "", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.RequestTopic = ldr.getString("KAFKA_REQUEST_TOPIC", "", false)
	cfg.Kafka.DLQTopic = ldr.getString("KAFKA_DLQ_TOPIC", "", false)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "", false)
	cfg.Kafka.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)

	cfg.SQS.QueueURL = ldr.getString("SQS_QUEUE_URL", "", false)
	cfg.SQS.DLQURL = ldr.getString("SQS_DLQ_URL", "", false)
	cfg.SQS.WaitSeconds = ldr.getInt("SQS_WAIT_SECONDS", 20, false)

	cfg.Metrics.Addr = ldr.getString("METRICS_ADDR", ":9091", false)

	ldr.check(cfg)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateKafka reports missing settings required by the Kafka worker.
func (c *Config) ValidateKafka() error {
	ldr := &envLoader{}
	if len(c.Kafka.Brokers) == 0 {
		ldr.addError("KAFKA_BROKERS must contain at least one entry")
	}
	ldr.require("KAFKA_REQUEST_TOPIC", c.Kafka.RequestTopic)
	ldr.require("KAFKA_DLQ_TOPIC", c.Kafka.DLQTopic)
	ldr.require("KAFKA_CONSUMER_GROUP", c.Kafka.ConsumerGroup)
	return ldr.validate()
}

// ValidateSQS reports missing settings required by the SQS workers.
func (c *Config) ValidateSQS() error {
	ldr := &envLoader{}
	ldr.require("SQS_QUEUE_URL", c.SQS.QueueURL)
	ldr.require("SQS_DLQ_URL", c.SQS.DLQURL)
	if c.SQS.WaitSeconds < 0 || c.SQS.WaitSeconds > 20 {
		ldr.addError("SQS_WAIT_SECONDS must be between 0 and 20")
	}
	return ldr.validate()
}

func (l *envLoader) check(cfg *Config) {
	if cfg.Retry.MaxAttempts < 1 {
		l.addError("MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Worker.Concurrency < 1 {
		l.addError("WORKER_CONCURRENCY must be >= 1")
	}
	if cfg.Worker.BatchSize < 1 {
		l.addError("BATCH_SIZE must be >= 1")
	}
	switch cfg.Worker.AckMode {
	case "per_message", "whole_batch":
	default:
		l.addError("ACK_MODE must be per_message or whole_batch")
	}
	if cfg.Simulation.FailureInjectionRate < 0 || cfg.Simulation.FailureInjectionRate > 1 {
		l.addError("FAILURE_INJECTION_RATE must be between 0 and 1")
	}

	switch cfg.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		l.require("POSTGRES_DSN", cfg.Store.PostgresDSN)
	case StoreRedis:
		l.require("REDIS_ADDR", cfg.Store.RedisAddr)
	case StoreDynamoDB:
		l.require("DYNAMODB_TABLE_NAME", cfg.Store.DynamoDBTable)
	case StoreSQLite:
		l.require("SQLITE_PATH", cfg.Store.SQLitePath)
	default:
		l.addError(fmt.Sprintf("STORE_BACKEND %q is not supported", cfg.Store.Backend))
	}
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) require(key, val string) {
	if val == "" {
		l.addError(fmt.Sprintf("%s is required", key))
	}
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val != "" {
			return val, true
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return "", false
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64, required bool) float64 {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
