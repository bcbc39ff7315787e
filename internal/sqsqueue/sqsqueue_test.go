package sqsqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajayykmr/ingest-worker/internal/models"
	"github.com/ajayykmr/ingest-worker/internal/sqsqueue"
	"github.com/ajayykmr/ingest-worker/internal/store"
	"github.com/ajayykmr/ingest-worker/internal/worker"
)

type fakeSQS struct {
	mu         sync.Mutex
	messages   []types.Message
	receiveErr error
	deleted    []string
	visibility map[string]int32
	sent       []*sqs.SendMessageInput
}

func newFakeSQS(messages ...types.Message) *fakeSQS {
	return &fakeSQS{messages: messages, visibility: make(map[string]int32)}
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	n := int(in.MaxNumberOfMessages)
	if n > len(f.messages) {
		n = len(f.messages)
	}
	out := f.messages[:n]
	f.messages = f.messages[n:]
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("sent-1")}, nil
}

type failingStore struct {
	inner   *store.Memory
	failFor string
}

func (s *failingStore) PutIfAbsent(ctx context.Context, rec models.PersistedRecord) (store.Result, error) {
	if rec.MessageID == s.failFor {
		return 0, errors.New("provisioned throughput exceeded")
	}
	return s.inner.PutIfAbsent(ctx, rec)
}

func body(t *testing.T, tenant, id string) string {
	t.Helper()
	b, err := models.EncodeMessage(models.NewMessage(tenant, id, models.SourceJSONUpload, "call 555-0100"))
	require.NoError(t, err)
	return string(b)
}

func sqsMessage(id, receipt, body, receiveCount string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String(receipt),
		Body:          aws.String(body),
		Attributes:    map[string]string{"ApproximateReceiveCount": receiveCount, "SentTimestamp": "1700000000000"},
	}
}

func newEngine(t *testing.T, st store.Store, dlq worker.DLQPublisher) *worker.Engine {
	t.Helper()
	engine, err := worker.NewEngine(worker.Config{
		MaxAttempts:       5,
		WorkerConcurrency: 4,
		MessageTimeout:    time.Second,
		BaseBackoff:       5 * time.Second,
		MaxBackoff:        time.Minute,
	}, worker.Dependencies{
		Store:        st,
		DLQPublisher: dlq,
		Logger:       zerolog.New(io.Discard),
	})
	require.NoError(t, err)
	return engine
}

func TestPollOnceSettlesBatch(t *testing.T) {
	client := newFakeSQS(
		sqsMessage("m-1", "r-1", body(t, "acme", "log-1"), "1"),
		sqsMessage("m-2", "r-2", body(t, "acme", "log-2"), "2"),
		sqsMessage("m-3", "r-3", "{broken", "1"),
	)
	dlq, err := sqsqueue.NewDLQPublisher(client, "https://sqs.local/dlq")
	require.NoError(t, err)
	mem := store.NewMemory()
	engine := newEngine(t, &failingStore{inner: mem, failFor: "log-2"}, dlq)

	poller, err := sqsqueue.NewPoller(client, engine, sqsqueue.PollerConfig{QueueURL: "https://sqs.local/q"}, zerolog.Nop())
	require.NoError(t, err)

	results, err := poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, worker.StateSucceeded, results[0].State)
	assert.Equal(t, worker.StateRetrying, results[1].State)
	assert.Equal(t, 2, results[1].Attempt)
	assert.Equal(t, worker.StateDeadLettered, results[2].State)
	assert.False(t, results[0].Record.Timestamp.IsZero())

	assert.ElementsMatch(t, []string{"r-1", "r-3"}, client.deleted)
	assert.Equal(t, int32(10), client.visibility["r-2"], "second attempt backs off base*2")
	require.Len(t, client.sent, 1)
	assert.Equal(t, "https://sqs.local/dlq", aws.ToString(client.sent[0].QueueUrl))

	var record models.DLQRecord
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(client.sent[0].MessageBody)), &record))
	assert.Equal(t, "{broken", record.OriginalEnvelope)
	assert.Equal(t, models.FailureTypePermanent, record.FailureType)
	assert.Equal(t, 1, mem.Len())
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	client := newFakeSQS()
	client.receiveErr = errors.New("network down")
	engine := newEngine(t, store.NewMemory(), &sqsqueue.DLQPublisher{})

	poller, err := sqsqueue.NewPoller(client, engine, sqsqueue.PollerConfig{QueueURL: "q", WaitSeconds: 0}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, poller.Run(ctx))
}

func TestNewPollerValidates(t *testing.T) {
	engine := newEngine(t, store.NewMemory(), &sqsqueue.DLQPublisher{})
	_, err := sqsqueue.NewPoller(nil, engine, sqsqueue.PollerConfig{QueueURL: "q"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = sqsqueue.NewPoller(newFakeSQS(), engine, sqsqueue.PollerConfig{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestSenderEnqueues(t *testing.T) {
	client := newFakeSQS()
	sender, err := sqsqueue.NewSender(client, "q")
	require.NoError(t, err)

	require.NoError(t, sender.Enqueue(context.Background(), models.NewMessage("acme", "log-9", models.SourceTextUpload, "hi")))
	require.Len(t, client.sent, 1)

	msg, err := models.DecodeMessage([]byte(aws.ToString(client.sent[0].MessageBody)))
	require.NoError(t, err)
	assert.Equal(t, "log-9", msg.MessageID)
	assert.Equal(t, "acme", aws.ToString(client.sent[0].MessageAttributes["tenant_id"].StringValue))

	assert.Error(t, sender.Enqueue(context.Background(), models.Message{}))
}

func TestLambdaHandlerReportsFailures(t *testing.T) {
	client := newFakeSQS()
	mem := store.NewMemory()
	dlq := &collectingDLQ{}
	engine := newEngine(t, &failingStore{inner: mem, failFor: "log-2"}, dlq)

	handler := sqsqueue.LambdaHandler(engine, client, "q")
	resp, err := handler(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-1", ReceiptHandle: "r-1", Body: body(t, "acme", "log-1"), Attributes: map[string]string{"ApproximateReceiveCount": "1"}},
		{MessageId: "m-2", ReceiptHandle: "r-2", Body: body(t, "acme", "log-2"), Attributes: map[string]string{"ApproximateReceiveCount": "1"}},
		{MessageId: "m-3", ReceiptHandle: "r-3", Body: "", Attributes: map[string]string{"ApproximateReceiveCount": "1"}},
	}})
	require.NoError(t, err)

	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m-2", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Equal(t, int32(5), client.visibility["r-2"])
	assert.Len(t, dlq.records, 1)
	assert.Equal(t, 1, mem.Len())
}

type collectingDLQ struct {
	mu      sync.Mutex
	records []models.DLQRecord
}

func (c *collectingDLQ) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	return nil
}

func TestLambdaHandlerFailsWholeBatch(t *testing.T) {
	engine, err := worker.NewEngine(worker.Config{
		MaxAttempts:       5,
		WorkerConcurrency: 1,
		AckMode:           worker.AckModeWholeBatch,
	}, worker.Dependencies{
		Store:        &failingStore{inner: store.NewMemory(), failFor: "log-2"},
		DLQPublisher: &collectingDLQ{},
		Logger:       zerolog.New(io.Discard),
	})
	require.NoError(t, err)

	handler := sqsqueue.LambdaHandler(engine, nil, "")
	_, err = handler(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-1", Body: body(t, "acme", "log-1")},
		{MessageId: "m-2", Body: body(t, "acme", "log-2")},
	}})
	assert.Error(t, err)
}
