package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// Attribute names of the cache table.
const (
	dynamoCacheKeyAttr    = "cacheKey"
	dynamoCacheValueAttr  = "val"
	dynamoCacheExpiryAttr = "expiresAt"
)

// dynamoCacheAPI is the client subset the distributed backend uses.
type dynamoCacheAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoBackend is the distributed backing store: a dedicated table keyed by
// cache key, with the table's native TTL sweeping expired entries. All
// replicas of a deployment share it.
type DynamoBackend struct {
	client    dynamoCacheAPI
	tableName string
	logger    *zap.Logger
	now       func() time.Time
}

// NewDynamoBackend creates a distributed cache over the given table. The
// table's TTL attribute must be configured to expiresAt.
func NewDynamoBackend(client dynamoCacheAPI, tableName string, logger *zap.Logger) *DynamoBackend {
	return &DynamoBackend{client: client, tableName: tableName, logger: logger, now: time.Now}
}

var _ Backend = (*DynamoBackend)(nil)

// Get retrieves a value. The table TTL sweep lags expiry, so entries past
// their deadline are treated as misses client-side.
func (d *DynamoBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			dynamoCacheKeyAttr: &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache table get: %w", err)
	}
	if out.Item == nil {
		return nil, false, nil
	}

	if expAttr, ok := out.Item[dynamoCacheExpiryAttr].(*types.AttributeValueMemberN); ok {
		exp, err := strconv.ParseInt(expAttr.Value, 10, 64)
		if err == nil && d.now().Unix() >= exp {
			return nil, false, nil
		}
	}
	val, ok := out.Item[dynamoCacheValueAttr].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, nil
	}
	return val.Value, true, nil
}

// Set stores a value with an epoch-seconds expiry for the table TTL.
func (d *DynamoBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item: map[string]types.AttributeValue{
			dynamoCacheKeyAttr:    &types.AttributeValueMemberS{Value: key},
			dynamoCacheValueAttr:  &types.AttributeValueMemberB{Value: value},
			dynamoCacheExpiryAttr: &types.AttributeValueMemberN{Value: strconv.FormatInt(d.now().Add(ttl).Unix(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("cache table put: %w", err)
	}
	return nil
}

// Delete removes a value; deleting an absent key is a no-op.
func (d *DynamoBackend) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			dynamoCacheKeyAttr: &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("cache table delete: %w", err)
	}
	return nil
}

// Clear scans the table and deletes every entry in write batches. It is an
// administrative operation; routine invalidation goes through the key-set
// purge instead.
func (d *DynamoBackend) Clear(ctx context.Context) error {
	var startKey map[string]types.AttributeValue
	for {
		out, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(d.tableName),
			ProjectionExpression: aws.String(dynamoCacheKeyAttr),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return fmt.Errorf("cache table clear scan: %w", err)
		}

		for start := 0; start < len(out.Items); start += 25 {
			end := start + 25
			if end > len(out.Items) {
				end = len(out.Items)
			}
			requests := make([]types.WriteRequest, 0, end-start)
			for _, item := range out.Items[start:end] {
				requests = append(requests, types.WriteRequest{
					DeleteRequest: &types.DeleteRequest{Key: item},
				})
			}
			if _, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{d.tableName: requests},
			}); err != nil {
				return fmt.Errorf("cache table clear delete: %w", err)
			}
		}

		if out.LastEvaluatedKey == nil {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Close is a no-op; the client handle is owned by the caller.
func (d *DynamoBackend) Close() error { return nil }
