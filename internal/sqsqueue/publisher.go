package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ajayykmr/ingest-worker/internal/models"
)

// DLQPublisher writes dead-letter records to a separate SQS queue.
type DLQPublisher struct {
	client   API
	queueURL string
}

// NewDLQPublisher returns a publisher for the queue at queueURL.
func NewDLQPublisher(client API, queueURL string) (*DLQPublisher, error) {
	if client == nil {
		return nil, errors.New("sqs publisher: client is required")
	}
	if queueURL == "" {
		return nil, errors.New("sqs publisher: dlq queue url is required")
	}
	return &DLQPublisher{client: client, queueURL: queueURL}, nil
}

// PublishDLQ sends record as a JSON message body.
func (p *DLQPublisher) PublishDLQ(ctx context.Context, record models.DLQRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sqs publisher: marshal dlq record: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"failure_type": stringAttribute(record.FailureType),
			"failure_kind": stringAttribute(record.FailureKind),
		},
	})
	if err != nil {
		return fmt.Errorf("sqs publisher: send dlq record: %w", err)
	}
	return nil
}

// Sender enqueues fresh messages.
type Sender struct {
	client   API
	queueURL string
}

// NewSender returns a Sender for the queue at queueURL.
func NewSender(client API, queueURL string) (*Sender, error) {
	if client == nil {
		return nil, errors.New("sqs sender: client is required")
	}
	if queueURL == "" {
		return nil, errors.New("sqs sender: queue url is required")
	}
	return &Sender{client: client, queueURL: queueURL}, nil
}

// Enqueue serialises msg and sends it.
func (s *Sender) Enqueue(ctx context.Context, msg models.Message) error {
	body, err := models.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("sqs sender: %w", err)
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"tenant_id": stringAttribute(msg.TenantID),
		},
	})
	if err != nil {
		return fmt.Errorf("sqs sender: send message: %w", err)
	}
	return nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	if v == "" {
		v = "unknown"
	}
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
