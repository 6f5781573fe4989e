package store

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"dynarepo/internal/observability"
	apperrors "dynarepo/pkg/errors"
)

// DynamoAPI is the subset of the DynamoDB client the store uses; tests
// substitute a mock.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// batchGetChunk is the store's per-call key ceiling.
const batchGetChunk = 100

// DynamoStore implements Store against one DynamoDB table. Every call runs
// through a circuit breaker; conditional-check failures count as breaker
// successes since they signal contention, not transport trouble.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	breaker   *storeBreaker
	metrics   *observability.Collector
	logger    *zap.Logger
}

// NewDynamoStore creates a store bound to one table.
func NewDynamoStore(client DynamoAPI, tableName string, metrics *observability.Collector, logger *zap.Logger) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		breaker:   newStoreBreaker(tableName, logger),
		metrics:   metrics,
		logger:    logger,
	}
}

var _ Store = (*DynamoStore)(nil)

// Get retrieves one item; a miss is a nil item, not an error.
func (s *DynamoStore) Get(ctx context.Context, key Key) (Item, error) {
	var item Item
	err := s.instrumented(ctx, "get", func(ctx context.Context) error {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tableName),
			Key:       key,
		})
		if err != nil {
			return err
		}
		item = out.Item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Query runs a native key-condition query.
func (s *DynamoStore) Query(ctx context.Context, in QueryInput) (Page, error) {
	var page Page
	err := s.instrumented(ctx, "query", func(ctx context.Context) error {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    in.Expression.KeyCondition(),
			FilterExpression:          in.Expression.Filter(),
			ProjectionExpression:      in.Expression.Projection(),
			ExpressionAttributeNames:  in.Expression.Names(),
			ExpressionAttributeValues: in.Expression.Values(),
			ExclusiveStartKey:         in.StartKey,
			ScanIndexForward:          aws.Bool(in.ScanForward),
		}
		if in.Limit > 0 {
			input.Limit = aws.Int32(in.Limit)
		}
		if in.IndexName != "" {
			input.IndexName = aws.String(in.IndexName)
		}
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return err
		}
		page = Page{Items: out.Items, LastKey: out.LastEvaluatedKey}
		return nil
	})
	return page, err
}

// Scan runs a full-segment scan with an optional filter.
func (s *DynamoStore) Scan(ctx context.Context, in ScanInput) (Page, error) {
	var page Page
	err := s.instrumented(ctx, "scan", func(ctx context.Context) error {
		input := &dynamodb.ScanInput{
			TableName:                 aws.String(s.tableName),
			FilterExpression:          in.Expression.Filter(),
			ProjectionExpression:      in.Expression.Projection(),
			ExpressionAttributeNames:  in.Expression.Names(),
			ExpressionAttributeValues: in.Expression.Values(),
			ExclusiveStartKey:         in.StartKey,
		}
		if in.IndexName != "" {
			input.IndexName = aws.String(in.IndexName)
		}
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return err
		}
		page = Page{Items: out.Items, LastKey: out.LastEvaluatedKey}
		return nil
	})
	return page, err
}

// BatchGet fetches up to len(keys) items, chunked at the store's batch
// ceiling, retrying unprocessed keys with backoff. Result order is whatever
// the store returns.
func (s *DynamoStore) BatchGet(ctx context.Context, keys []Key) ([]Item, error) {
	const maxRetries = 3

	items := make([]Item, 0, len(keys))
	for start := 0; start < len(keys); start += batchGetChunk {
		end := start + batchGetChunk
		if end > len(keys) {
			end = len(keys)
		}

		pending := keys[start:end]
		err := s.instrumented(ctx, "batch_get", func(ctx context.Context) error {
			for retry := 0; retry < maxRetries && len(pending) > 0; retry++ {
				out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
					RequestItems: map[string]types.KeysAndAttributes{
						s.tableName: {Keys: pending},
					},
				})
				if err != nil {
					return err
				}
				items = append(items, out.Responses[s.tableName]...)

				unprocessed, ok := out.UnprocessedKeys[s.tableName]
				if !ok || len(unprocessed.Keys) == 0 {
					pending = nil
					break
				}
				pending = unprocessed.Keys
				s.logger.Debug("Batch get left unprocessed keys, retrying",
					zap.Int("unprocessedCount", len(pending)),
					zap.Int("retry", retry+1),
				)
				backoff := time.Duration(retry*retry+1) * 100 * time.Millisecond
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
			}
			if len(pending) > 0 {
				return apperrors.NewTransport("batch get left unprocessed keys after retries", nil)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

// ConditionalPut writes one item guarded by the expected-state precondition.
func (s *DynamoStore) ConditionalPut(ctx context.Context, item Item, expected Precondition) error {
	expr, err := buildPrecondition(expected)
	if err != nil {
		return err
	}
	return s.instrumented(ctx, "conditional_put", func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(s.tableName),
			Item:                      item,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		return err
	})
}

// ConditionalDelete removes one item guarded by the expected-state precondition.
func (s *DynamoStore) ConditionalDelete(ctx context.Context, key Key, expected Precondition) error {
	expr, err := buildPrecondition(expected)
	if err != nil {
		return err
	}
	return s.instrumented(ctx, "conditional_delete", func(ctx context.Context) error {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.tableName),
			Key:                       key,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		return err
	})
}

func buildPrecondition(expected Precondition) (expression.Expression, error) {
	var cond expression.ConditionBuilder
	set := false

	if expected.AbsentAttribute != "" {
		cond = expression.Name(expected.AbsentAttribute).AttributeNotExists()
		set = true
	}
	for name, value := range expected.ExpectedValues {
		eq := expression.Name(name).Equal(expression.Value(value))
		if set {
			cond = cond.And(eq)
		} else {
			cond = eq
			set = true
		}
	}
	if !set {
		return expression.Expression{}, apperrors.NewInternal("conditional write requires a precondition", nil)
	}

	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return expression.Expression{}, apperrors.NewInternal("failed to build precondition expression", err)
	}
	return expr, nil
}

// instrumented runs one store call through the breaker, classifies its error,
// and records metrics.
func (s *DynamoStore) instrumented(ctx context.Context, operation string, fn func(context.Context) error) error {
	started := time.Now()
	err := s.breaker.execute(ctx, fn)
	elapsed := time.Since(started)

	outcome := "ok"
	switch {
	case err == nil:
	case apperrors.IsConflict(err):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.ObserveStore(operation, outcome, elapsed)
	}

	if err != nil && !apperrors.IsConflict(err) {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			s.logger.Error("Store call failed",
				zap.String("operation", operation),
				zap.String("errorCode", apiErr.ErrorCode()),
				zap.String("fault", apiErr.ErrorFault().String()),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
		} else {
			s.logger.Error("Store call failed",
				zap.String("operation", operation),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
		}
	}
	return err
}

// classify maps a raw SDK error into the repository taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return apperrors.NewConflict("conditional check failed", err)
	}
	var re *apperrors.RepoError
	if errors.As(err, &re) {
		return err
	}
	return apperrors.NewTransport("store call failed", err)
}
