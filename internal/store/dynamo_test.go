package store

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "dynarepo/pkg/errors"
)

// MockDynamoAPI is a testify mock over the client subset the store uses.
type MockDynamoAPI struct {
	mock.Mock
}

func (m *MockDynamoAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.GetItemOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDynamoAPI) Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.QueryOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDynamoAPI) Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.ScanOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDynamoAPI) BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.BatchGetItemOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDynamoAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.PutItemOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDynamoAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.DeleteItemOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestStore(api DynamoAPI) *DynamoStore {
	return NewDynamoStore(api, "orders", nil, zap.NewNop())
}

func strAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func TestGet_MissReturnsNilItem(t *testing.T) {
	api := new(MockDynamoAPI)
	api.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	item, err := newTestStore(api).Get(context.Background(), Key{"customerId": strAttr("c1")})

	require.NoError(t, err)
	assert.Nil(t, item)
	api.AssertExpectations(t)
}

func TestGet_TransportErrorClassified(t *testing.T) {
	api := new(MockDynamoAPI)
	api.On("GetItem", mock.Anything, mock.Anything).Return(nil,
		&smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"})

	_, err := newTestStore(api).Get(context.Background(), Key{"customerId": strAttr("c1")})

	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
}

func TestQuery_PassesShapeAndReturnsPage(t *testing.T) {
	api := new(MockDynamoAPI)
	lastKey := Key{"customerId": strAttr("c1"), "orderId": strAttr("o20")}
	api.On("Query", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return in.IndexName != nil && *in.IndexName == "PlacedAtIndex" &&
			in.Limit != nil && *in.Limit == 20 &&
			in.ScanIndexForward != nil && !*in.ScanIndexForward
	})).Return(&dynamodb.QueryOutput{
		Items:            []Item{{"orderId": strAttr("o1")}},
		LastEvaluatedKey: lastKey,
	}, nil)

	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("customerId").Equal(expression.Value("c1"))).
		Build()
	require.NoError(t, err)

	page, err := newTestStore(api).Query(context.Background(), QueryInput{
		Expression:  expr,
		Limit:       20,
		IndexName:   "PlacedAtIndex",
		ScanForward: false,
	})

	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, lastKey, page.LastKey)
}

func TestConditionalPut_ConflictClassified(t *testing.T) {
	api := new(MockDynamoAPI)
	api.On("PutItem", mock.Anything, mock.Anything).Return(nil,
		&types.ConditionalCheckFailedException{})

	err := newTestStore(api).ConditionalPut(context.Background(),
		Item{"customerId": strAttr("c1")},
		Precondition{ExpectedValues: map[string]string{"etag": "abc"}},
	)

	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.False(t, apperrors.IsTransport(err))
}

func TestConditionalPut_RequiresPrecondition(t *testing.T) {
	api := new(MockDynamoAPI)

	err := newTestStore(api).ConditionalPut(context.Background(),
		Item{"customerId": strAttr("c1")}, Precondition{})

	assert.Error(t, err)
	api.AssertNotCalled(t, "PutItem")
}

func TestConditionalDelete_AbsencePrecondition(t *testing.T) {
	api := new(MockDynamoAPI)
	api.On("DeleteItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		return in.ConditionExpression != nil
	})).Return(&dynamodb.DeleteItemOutput{}, nil)

	err := newTestStore(api).ConditionalDelete(context.Background(),
		Key{"customerId": strAttr("c1")},
		Precondition{ExpectedValues: map[string]string{"etag": "abc"}},
	)

	assert.NoError(t, err)
	api.AssertExpectations(t)
}

func TestBatchGet_RetriesUnprocessedKeys(t *testing.T) {
	api := new(MockDynamoAPI)
	k1 := Key{"customerId": strAttr("c1"), "orderId": strAttr("o1")}
	k2 := Key{"customerId": strAttr("c1"), "orderId": strAttr("o2")}

	api.On("BatchGetItem", mock.Anything, mock.Anything).Return(&dynamodb.BatchGetItemOutput{
		Responses: map[string][]Item{"orders": {{"orderId": strAttr("o1")}}},
		UnprocessedKeys: map[string]types.KeysAndAttributes{
			"orders": {Keys: []Key{k2}},
		},
	}, nil).Once()
	api.On("BatchGetItem", mock.Anything, mock.Anything).Return(&dynamodb.BatchGetItemOutput{
		Responses: map[string][]Item{"orders": {{"orderId": strAttr("o2")}}},
	}, nil).Once()

	items, err := newTestStore(api).BatchGet(context.Background(), []Key{k1, k2})

	require.NoError(t, err)
	assert.Len(t, items, 2)
	api.AssertExpectations(t)
}

func TestBreaker_OpensAfterRepeatedTransportFailures(t *testing.T) {
	api := new(MockDynamoAPI)
	api.On("GetItem", mock.Anything, mock.Anything).Return(nil,
		&smithy.GenericAPIError{Code: "InternalServerError", Message: "boom"})

	s := newTestStore(api)
	key := Key{"customerId": strAttr("c1")}

	for i := 0; i < 10; i++ {
		_, err := s.Get(context.Background(), key)
		require.Error(t, err)
	}

	// By now the breaker has tripped; calls fail fast without reaching the API.
	calls := len(api.Calls)
	_, err := s.Get(context.Background(), key)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.Equal(t, calls, len(api.Calls))
}
