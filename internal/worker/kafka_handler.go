package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ajayykmr/ingest-worker/internal/kafka/consumer"
	"github.com/ajayykmr/ingest-worker/internal/kafka/publisher"
)

// KafkaCommitter marks consumed records as processed.
type KafkaCommitter interface {
	Commit(ctx context.Context, record *consumer.Record) error
}

// KafkaRedeliverer republishes an envelope to the request topic. Kafka has no
// per-record redelivery, so a retry is a new record carrying the next attempt
// number.
type KafkaRedeliverer interface {
	Redeliver(ctx context.Context, key, envelope []byte, attempt int, notBefore time.Time) error
}

// KafkaHandler returns a consumer.BatchHandler that converts Kafka consumer
// records into worker records and delegates processing to the supplied
// engine. Offsets are committed for the longest prefix of the batch that was
// settled. When a record is left unsettled the handler returns an error, the
// consumer releases the partition and everything from the first unsettled
// record on is read again.
func KafkaHandler(engine *Engine, committer KafkaCommitter, redeliverer KafkaRedeliverer) consumer.BatchHandler {
	return func(ctx context.Context, recs []*consumer.Record) error {
		if engine == nil || len(recs) == 0 {
			return nil
		}

		if err := waitNotBefore(ctx, recs); err != nil {
			return err
		}

		batch := make([]*Record, 0, len(recs))
		index := make(map[string]int, len(recs))
		for i, rec := range recs {
			wr := NewRecordFromConsumer(rec)
			index[wr.ID] = i
			batch = append(batch, wr)
		}

		ack := &kafkaAcker{
			redeliverer: redeliverer,
			index:       index,
			settled:     make([]bool, len(recs)),
		}
		engine.Process(ctx, batch, ack)

		for i, rec := range recs {
			if !ack.isSettled(i) {
				return fmt.Errorf("worker: %d of %d records left uncommitted", len(recs)-i, len(recs))
			}
			if committer == nil {
				continue
			}
			if err := committer.Commit(ctx, rec); err != nil {
				return fmt.Errorf("worker: commit offset %d: %w", rec.Offset, err)
			}
		}
		return nil
	}
}

// NewRecordFromConsumer constructs a worker record from the supplied Kafka
// consumer record. The delivery attempt is read from the record headers.
func NewRecordFromConsumer(rec *consumer.Record) *Record {
	if rec == nil {
		return nil
	}

	return &Record{
		ID:        fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset),
		Key:       cloneBytes(rec.Key),
		Value:     cloneBytes(rec.Value),
		Attempt:   publisher.ParseAttempt(rec.Headers),
		Timestamp: rec.Timestamp,
		Headers:   cloneHeaders(rec.Headers),
	}
}

// waitNotBefore blocks until every record in the batch is past its
// redelivery embargo.
func waitNotBefore(ctx context.Context, recs []*consumer.Record) error {
	var latest time.Time
	for _, rec := range recs {
		if nb := publisher.ParseNotBefore(rec.Headers); nb.After(latest) {
			latest = nb
		}
	}

	wait := time.Until(latest)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type kafkaAcker struct {
	redeliverer KafkaRedeliverer
	index       map[string]int

	mu      sync.Mutex
	settled []bool
}

func (a *kafkaAcker) Ack(_ context.Context, rec *Record) error {
	a.markSettled(rec)
	return nil
}

func (a *kafkaAcker) Retry(ctx context.Context, rec *Record, delay time.Duration) error {
	if a.redeliverer == nil {
		return fmt.Errorf("worker: no redelivery channel for %s", rec.ID)
	}
	notBefore := time.Time{}
	if delay > 0 {
		notBefore = time.Now().Add(delay)
	}
	if err := a.redeliverer.Redeliver(ctx, rec.Key, rec.Value, rec.attempt()+1, notBefore); err != nil {
		return err
	}
	a.markSettled(rec)
	return nil
}

func (a *kafkaAcker) markSettled(rec *Record) {
	i, ok := a.index[rec.ID]
	if !ok {
		return
	}
	a.mu.Lock()
	a.settled[i] = true
	a.mu.Unlock()
}

func (a *kafkaAcker) isSettled(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled[i]
}
