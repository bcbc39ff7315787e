// Package dynamo stores processed records in DynamoDB using a conditional
// PutItem keyed by tenant_id and log_id.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/ajayykmr/ingest-worker/internal/failure"
	"github.com/ajayykmr/ingest-worker/internal/models"
	"github.com/ajayykmr/ingest-worker/internal/store"
)

const conditionNotExists = "attribute_not_exists(tenant_id) AND attribute_not_exists(log_id)"

// API is the subset of the DynamoDB client the store needs.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store implements store.Store on DynamoDB.
type Store struct {
	client API
	table  string
}

var _ store.Store = (*Store)(nil)

// New returns a Store writing to table.
func New(client API, table string) (*Store, error) {
	if client == nil {
		return nil, errors.New("dynamodb store: client is required")
	}
	if table == "" {
		return nil, errors.New("dynamodb store: table name is required")
	}
	return &Store{client: client, table: table}, nil
}

// NewClient loads the default AWS configuration chain and returns a DynamoDB
// client. An empty region defers to the environment.
func NewClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamodb store: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// PutIfAbsent implements store.Store.
func (s *Store) PutIfAbsent(ctx context.Context, rec models.PersistedRecord) (store.Result, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return 0, err
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item(rec),
		ConditionExpression: aws.String(conditionNotExists),
	})
	if err == nil {
		return store.Written, nil
	}

	var cfe *types.ConditionalCheckFailedException
	if errors.As(err, &cfe) {
		return store.AlreadyExists, nil
	}
	return 0, classify(err)
}

func item(rec models.PersistedRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"tenant_id":     &types.AttributeValueMemberS{Value: rec.TenantID},
		"log_id":        &types.AttributeValueMemberS{Value: rec.MessageID},
		"source":        &types.AttributeValueMemberS{Value: string(rec.Source)},
		"original_text": &types.AttributeValueMemberS{Value: rec.OriginalText},
		"modified_data": &types.AttributeValueMemberS{Value: rec.ModifiedText},
		"processed_at":  &types.AttributeValueMemberS{Value: rec.ProcessedAt.UTC().Format(time.RFC3339)},
	}
}

// classify treats only rejected requests as permanent. A missing table or
// denied access is a deployment fault and is retried.
func classify(err error) error {
	wrapped := fmt.Errorf("dynamodb store: put item: %w", err)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException", "SerializationException":
			return failure.New(failure.KindStoreInvalid, wrapped)
		}
	}
	return failure.New(failure.KindStoreTransient, wrapped)
}
