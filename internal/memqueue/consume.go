package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/ajayykmr/ingest-worker/internal/models"
	"github.com/ajayykmr/ingest-worker/internal/worker"
)

const idlePoll = 50 * time.Millisecond

// Processor consumes a batch of deliveries and settles each through ack.
type Processor interface {
	Process(ctx context.Context, batch []*worker.Record, ack worker.Acknowledger) []worker.Result
}

// Drain processes batches until the queue is empty or ctx is done. Messages
// waiting out a retry delay are waited for. Every result is returned in the
// order it was produced.
func Drain(ctx context.Context, q *Queue, p Processor, batchSize int) []worker.Result {
	var all []worker.Result
	for ctx.Err() == nil {
		batch := q.Receive(batchSize)
		if len(batch) > 0 {
			all = append(all, p.Process(ctx, batch, q)...)
			continue
		}

		next, ok := q.nextVisible()
		if !ok {
			return all
		}
		wait := time.Until(next)
		if wait > idlePoll {
			wait = idlePoll
		}
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return all
}

// Run consumes from q until ctx is cancelled, idling while the queue is
// empty.
func Run(ctx context.Context, q *Queue, p Processor, batchSize int) {
	for ctx.Err() == nil {
		batch := q.Receive(batchSize)
		if len(batch) > 0 {
			p.Process(ctx, batch, q)
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(idlePoll):
		}
	}
}

// DeadLetters is an in-memory dead-letter sink. Setting Err makes every
// publish fail.
type DeadLetters struct {
	mu      sync.Mutex
	records []models.DLQRecord
	Err     error
}

// PublishDLQ implements worker.DLQPublisher.
func (d *DeadLetters) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.records = append(d.records, record)
	return nil
}

// Records returns a snapshot of the published records.
func (d *DeadLetters) Records() []models.DLQRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.DLQRecord(nil), d.records...)
}
