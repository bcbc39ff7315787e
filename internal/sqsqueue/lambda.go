package sqsqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/ajayykmr/ingest-worker/internal/worker"
)

// LambdaHandler adapts a Processor to the Lambda SQS event source. The
// returned response lists every record that was not acknowledged, so Lambda
// deletes the rest and leaves the failures on the queue. This requires
// ReportBatchItemFailures on the event source mapping.
//
// In whole-batch mode any failure is returned as an error instead, so Lambda
// makes the entire batch visible again.
//
// Lambda cannot re-time a message from the response alone; when client is
// non-nil the visibility timeout of each retried message is adjusted to the
// computed backoff before the response is returned.
func LambdaHandler(processor Processor, client API, queueURL string) func(context.Context, events.SQSEvent) (events.SQSEventResponse, error) {
	return func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
		batch := make([]*worker.Record, 0, len(event.Records))
		ack := &lambdaAcker{
			client:   client,
			queueURL: queueURL,
			acked:    make(map[string]bool, len(event.Records)),
			receipts: make(map[string]string, len(event.Records)),
		}
		for _, msg := range event.Records {
			batch = append(batch, &worker.Record{
				ID:        msg.MessageId,
				Value:     []byte(msg.Body),
				Attempt:   parseReceiveCount(msg.Attributes),
				Timestamp: parseMillis(msg.Attributes[sentTimestampAttribute]),
			})
			ack.receipts[msg.MessageId] = msg.ReceiptHandle
		}

		processor.Process(ctx, batch, ack)

		var resp events.SQSEventResponse
		for _, rec := range batch {
			if !ack.isAcked(rec.ID) {
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
					ItemIdentifier: rec.ID,
				})
			}
		}
		if len(resp.BatchItemFailures) > 0 && wholeBatch(processor) {
			return events.SQSEventResponse{}, fmt.Errorf("sqs lambda: %d of %d messages not settled; failing batch",
				len(resp.BatchItemFailures), len(batch))
		}
		return resp, nil
	}
}

func wholeBatch(processor Processor) bool {
	moded, ok := processor.(interface{ AckMode() worker.AckMode })
	return ok && moded.AckMode() == worker.AckModeWholeBatch
}

type lambdaAcker struct {
	client   API
	queueURL string
	receipts map[string]string

	mu    sync.Mutex
	acked map[string]bool
}

func (a *lambdaAcker) Ack(_ context.Context, rec *worker.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked[rec.ID] = true
	return nil
}

func (a *lambdaAcker) Retry(ctx context.Context, rec *worker.Record, delay time.Duration) error {
	if a.client == nil || a.queueURL == "" {
		return nil
	}
	inner := &acknowledger{client: a.client, queueURL: a.queueURL, receipts: a.receipts}
	return inner.Retry(ctx, rec, delay)
}

func (a *lambdaAcker) isAcked(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked[id]
}
