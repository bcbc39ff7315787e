package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajayykmr/ingest-worker/internal/models"
)

// Header names carried on request-topic records.
const (
	HeaderDeliveryAttempt = "x-delivery-attempt"
	HeaderNotBefore       = "x-retry-not-before"
	headerContentType     = "content-type"
	contentTypeJSON       = "application/json"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour required by the Kafka publishers.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// RequestPublisher writes message envelopes to the request topic. It is used
// both to enqueue fresh messages and to schedule redeliveries.
type RequestPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewRequestPublisher constructs a RequestPublisher instance.
func NewRequestPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *RequestPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &RequestPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// Enqueue serialises msg and publishes it as a first delivery.
func (p *RequestPublisher) Enqueue(_ context.Context, msg models.Message) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := models.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("kafka publisher: %w", err)
	}

	headers := map[string][]byte{
		headerContentType:     []byte(contentTypeJSON),
		HeaderDeliveryAttempt: []byte("1"),
	}
	if err := p.producer.PublishSync(p.topic, []byte(msg.Key().String()), headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish message: %w", err)
	}
	return nil
}

// Redeliver republishes an existing envelope verbatim as delivery number
// attempt, not to be processed before notBefore.
func (p *RequestPublisher) Redeliver(_ context.Context, key, envelope []byte, attempt int, notBefore time.Time) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	headers := map[string][]byte{
		headerContentType:     []byte(contentTypeJSON),
		HeaderDeliveryAttempt: []byte(strconv.Itoa(attempt)),
	}
	if !notBefore.IsZero() {
		headers[HeaderNotBefore] = []byte(strconv.FormatInt(notBefore.UnixMilli(), 10))
	}

	if err := p.producer.PublishSync(p.topic, cloneBytes(key), headers, envelope); err != nil {
		return fmt.Errorf("kafka publisher: redeliver message: %w", err)
	}
	return nil
}

// DLQPublisher writes DLQ records to the configured Kafka topic.
type DLQPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewDLQPublisher constructs a DLQPublisher instance.
func NewDLQPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *DLQPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &DLQPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishDLQ writes the supplied DLQ record to Kafka synchronously.
func (p *DLQPublisher) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dlq record: %w", err)
	}

	var key []byte
	if record.TenantID != "" || record.MessageID != "" {
		key = []byte(models.Key{TenantID: record.TenantID, MessageID: record.MessageID}.String())
	}
	headers := map[string][]byte{
		headerContentType: []byte(contentTypeJSON),
	}

	if err := p.producer.PublishSync(p.topic, key, headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish dlq record: %w", err)
	}
	p.logger.Debug().
		Str("topic", p.topic).
		Str("delivery_id", record.DeliveryID).
		Msg("kafka publisher: dlq record written")
	return nil
}

// ParseAttempt reads the delivery attempt header, defaulting to 1.
func ParseAttempt(headers map[string][]byte) int {
	n, err := strconv.Atoi(string(headers[HeaderDeliveryAttempt]))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// ParseNotBefore reads the redelivery embargo header. The zero time means the
// record may be processed immediately.
func ParseNotBefore(headers map[string][]byte) time.Time {
	raw, ok := headers[HeaderNotBefore]
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
