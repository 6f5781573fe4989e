// Package store defines the partitioned key-value store capability the
// repository layer consumes, and its DynamoDB implementation.
package store

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is one stored record in attribute-value form.
type Item = map[string]types.AttributeValue

// Key addresses one record.
type Key = map[string]types.AttributeValue

// QueryInput shapes a native query call.
type QueryInput struct {
	Expression  expression.Expression
	StartKey    Key
	Limit       int32 // 0 means no limit
	IndexName   string
	ScanForward bool
}

// ScanInput shapes a native scan call.
type ScanInput struct {
	Expression expression.Expression
	StartKey   Key
	IndexName  string
}

// Page is the normalized result of a query or scan.
type Page struct {
	Items   []Item
	LastKey Key // nil when the store signalled no continuation
}

// Precondition is the expected state of a conditional write. AbsentAttribute
// asserts attribute_not_exists (the create precondition); ExpectedValues is
// an AND of attribute equality checks (the observed-fingerprint precondition
// for update and delete).
type Precondition struct {
	AbsentAttribute string
	ExpectedValues  map[string]string
}

// Store is the storage client capability. Implementations distinguish a
// conditional-check failure (errors.IsConflict) from a transport error
// (errors.IsTransport); a Get miss returns a nil item and no error, and the
// caller decides whether absence is an error.
type Store interface {
	Get(ctx context.Context, key Key) (Item, error)
	Query(ctx context.Context, in QueryInput) (Page, error)
	Scan(ctx context.Context, in ScanInput) (Page, error)
	// BatchGet returns items in store order, which is unrelated to key order.
	BatchGet(ctx context.Context, keys []Key) ([]Item, error)
	ConditionalPut(ctx context.Context, item Item, expected Precondition) error
	ConditionalDelete(ctx context.Context, key Key, expected Precondition) error
}
