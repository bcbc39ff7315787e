package sqsqueue

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/ajayykmr/ingest-worker/internal/worker"
)

const (
	defaultBatchSize      = 10
	defaultWaitSeconds    = 20
	defaultReceiveBackoff = time.Second
	maxBatchSize          = 10
)

// Processor consumes a batch of deliveries and settles each through ack.
type Processor interface {
	Process(ctx context.Context, batch []*worker.Record, ack worker.Acknowledger) []worker.Result
}

// PollerConfig tunes the receive loop.
type PollerConfig struct {
	QueueURL    string
	BatchSize   int
	WaitSeconds int
}

// Poller long-polls a queue and hands every received batch to a Processor.
type Poller struct {
	client    API
	processor Processor
	cfg       PollerConfig
	logger    zerolog.Logger
}

// NewPoller validates the configuration and returns a Poller.
func NewPoller(client API, processor Processor, cfg PollerConfig, logger zerolog.Logger) (*Poller, error) {
	if client == nil {
		return nil, errors.New("sqs poller: client is required")
	}
	if processor == nil {
		return nil, errors.New("sqs poller: processor is required")
	}
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs poller: queue url is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}
	if cfg.WaitSeconds < 0 {
		cfg.WaitSeconds = defaultWaitSeconds
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &Poller{
		client:    client,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With().Str("component", "sqs_poller").Logger(),
	}, nil
}

// Run receives and processes batches until ctx is cancelled. A batch in
// progress when ctx is cancelled is finished by the processor, which leaves
// unstarted messages to reappear after their visibility timeout.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().
		Str("queue_url", p.cfg.QueueURL).
		Int("batch_size", p.cfg.BatchSize).
		Msg("sqs poller started")

	for {
		if err := ctx.Err(); err != nil {
			p.logger.Info().Msg("sqs poller stopping")
			return nil
		}

		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error().Err(err).Msg("sqs poller: receive failed")
			select {
			case <-ctx.Done():
			case <-time.After(defaultReceiveBackoff):
			}
		}
	}
}

// PollOnce performs a single receive and processes whatever arrived.
func (p *Poller) PollOnce(ctx context.Context) ([]worker.Result, error) {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(p.cfg.QueueURL),
		MaxNumberOfMessages:         int32(p.cfg.BatchSize),
		WaitTimeSeconds:             int32(p.cfg.WaitSeconds),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	batch := make([]*worker.Record, 0, len(out.Messages))
	ack := &acknowledger{
		client:   p.client,
		queueURL: p.cfg.QueueURL,
		receipts: make(map[string]string, len(out.Messages)),
	}
	for _, msg := range out.Messages {
		rec := recordFromMessage(msg)
		ack.receipts[rec.ID] = aws.ToString(msg.ReceiptHandle)
		batch = append(batch, rec)
	}

	p.logger.Debug().Int("count", len(batch)).Msg("sqs poller: received messages")
	return p.processor.Process(ctx, batch, ack), nil
}

func recordFromMessage(msg types.Message) *worker.Record {
	rec := &worker.Record{
		ID:      aws.ToString(msg.MessageId),
		Value:   []byte(aws.ToString(msg.Body)),
		Attempt: parseReceiveCount(msg.Attributes),
	}
	rec.Timestamp = parseMillis(msg.Attributes[sentTimestampAttribute])
	return rec
}

// acknowledger deletes settled messages and re-times messages left for retry.
type acknowledger struct {
	client   API
	queueURL string

	mu       sync.Mutex
	receipts map[string]string
}

func (a *acknowledger) receipt(rec *worker.Record) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	handle, ok := a.receipts[rec.ID]
	if !ok || handle == "" {
		return "", errors.New("sqs: unknown receipt handle for " + rec.ID)
	}
	return handle, nil
}

func (a *acknowledger) Ack(ctx context.Context, rec *worker.Record) error {
	handle, err := a.receipt(rec)
	if err != nil {
		return err
	}
	_, err = a.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(a.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	return err
}

// Retry shortens or extends the visibility timeout so the message reappears
// after roughly delay.
func (a *acknowledger) Retry(ctx context.Context, rec *worker.Record, delay time.Duration) error {
	handle, err := a.receipt(rec)
	if err != nil {
		return err
	}
	_, err = a.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(a.queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: visibilitySeconds(delay.Seconds()),
	})
	return err
}
