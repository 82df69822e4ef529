// SPDX-License-Identifier: Apache-2.0

// Package dynamo stores identity records in a DynamoDB table keyed by email.
// The table's stream feeds the provisioning orchestrator through the
// change-feed relay endpoint.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// NewClient builds a DynamoDB client, pointing it at endpoint when set
// (DynamoDB Local, LocalStack).
func NewClient(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

type IdentityStore struct {
	client PutItemAPI
	table  string
	logger *slog.Logger
}

func NewIdentityStore(client PutItemAPI, table string, logger *slog.Logger) *IdentityStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &IdentityStore{
		client: client,
		table:  table,
		logger: logger,
	}
}

// InsertIdentity writes rec with a condition that no item with the same
// email exists. DynamoDB evaluates the condition and the write atomically.
func (s *IdentityStore) InsertIdentity(ctx context.Context, rec domain.IdentityRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal identity record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#email)"),
		ExpressionAttributeNames: map[string]string{
			"#email": "email",
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return domain.ErrDuplicateEmail
		}
		s.logger.Error("dynamodb put identity failed",
			"table", s.table,
			"email", rec.Email,
			"error", err,
		)
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	return nil
}
