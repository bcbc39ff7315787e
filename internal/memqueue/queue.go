// Package memqueue is an in-process at-least-once queue used by the local
// worker and by end-to-end tests. Received messages stay invisible for a
// visibility window and reappear unless acknowledged, mirroring SQS.
package memqueue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ajayykmr/ingest-worker/internal/models"
	"github.com/ajayykmr/ingest-worker/internal/worker"
)

const defaultVisibility = 30 * time.Second

// ErrUnknownDelivery is returned when settling a message that is not in
// flight, e.g. one that was already acknowledged.
var ErrUnknownDelivery = errors.New("memqueue: unknown delivery")

type entry struct {
	id         string
	body       []byte
	deliveries int
	visibleAt  time.Time
	sentAt     time.Time
}

// Queue is safe for concurrent use.
type Queue struct {
	mu         sync.Mutex
	seq        int
	entries    map[string]*entry
	order      []string
	visibility time.Duration
	now        func() time.Time
}

// Option customises a Queue.
type Option func(*Queue)

// WithVisibility sets how long a received message stays hidden.
func WithVisibility(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		entries:    make(map[string]*entry),
		visibility: defaultVisibility,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Send enqueues a raw envelope and returns its id.
func (q *Queue) Send(body []byte) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	id := "mem-" + strconv.Itoa(q.seq)
	now := q.now()
	q.entries[id] = &entry{
		id:        id,
		body:      append([]byte(nil), body...),
		visibleAt: now,
		sentAt:    now,
	}
	q.order = append(q.order, id)
	return id
}

// Enqueue serialises msg and sends it.
func (q *Queue) Enqueue(_ context.Context, msg models.Message) error {
	body, err := models.EncodeMessage(msg)
	if err != nil {
		return err
	}
	q.Send(body)
	return nil
}

// Receive returns up to max visible messages and hides them for the
// visibility window. Each receive increments the delivery count.
func (q *Queue) Receive(max int) []*worker.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []*worker.Record
	for _, id := range q.order {
		if len(out) >= max {
			break
		}
		e := q.entries[id]
		if e == nil || e.visibleAt.After(now) {
			continue
		}
		e.deliveries++
		e.visibleAt = now.Add(q.visibility)
		out = append(out, &worker.Record{
			ID:        e.id,
			Value:     append([]byte(nil), e.body...),
			Attempt:   e.deliveries,
			Timestamp: e.sentAt,
		})
	}
	return out
}

// Ack deletes a delivered message.
func (q *Queue) Ack(_ context.Context, rec *worker.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[rec.ID]; !ok {
		return ErrUnknownDelivery
	}
	delete(q.entries, rec.ID)
	q.compact()
	return nil
}

// Retry makes a delivered message visible again after delay.
func (q *Queue) Retry(_ context.Context, rec *worker.Record, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[rec.ID]
	if !ok {
		return ErrUnknownDelivery
	}
	e.visibleAt = q.now().Add(delay)
	return nil
}

// Len reports how many messages are queued, visible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Deliveries reports how many times the message with id has been received.
func (q *Queue) Deliveries(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		return e.deliveries
	}
	return 0
}

func (q *Queue) nextVisible() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	found := false
	for _, e := range q.entries {
		if !found || e.visibleAt.Before(next) {
			next = e.visibleAt
			found = true
		}
	}
	return next, found
}

func (q *Queue) compact() {
	kept := q.order[:0]
	for _, id := range q.order {
		if _, ok := q.entries[id]; ok {
			kept = append(kept, id)
		}
	}
	q.order = kept
}
