// Package sqsqueue binds the worker engine to Amazon SQS: a long-polling
// receive loop, an acknowledger that deletes or re-times messages, the
// dead-letter and enqueue publishers, and a Lambda event-source handler.
package sqsqueue

import (
	"context"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the subset of the SQS client used by this package.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// System attribute names read from received messages.
const (
	receiveCountAttribute  = "ApproximateReceiveCount"
	sentTimestampAttribute = "SentTimestamp"
)

// maxVisibilityTimeout is the SQS upper bound for a visibility timeout, in
// seconds.
const maxVisibilityTimeout = 12 * 60 * 60

// NewClient loads the default AWS configuration chain and returns an SQS
// client. An empty region defers to the environment.
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg), nil
}

func parseReceiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[receiveCountAttribute])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func visibilitySeconds(seconds float64) int32 {
	if seconds <= 0 {
		return 0
	}
	if seconds > maxVisibilityTimeout {
		return maxVisibilityTimeout
	}
	return int32(seconds)
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
