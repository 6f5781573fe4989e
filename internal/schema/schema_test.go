package schema_test

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynarepo/internal/schema"
	"dynarepo/internal/schema/schematest"
)

func TestOrderSchema_Validates(t *testing.T) {
	s := schematest.OrderSchema()

	assert.Equal(t, "customerId", s.HashKey)
	assert.Equal(t, "orderId", s.RangeKey)

	idx, ok := s.IndexFor(schematest.PlacedAtIndex)
	require.True(t, ok)
	assert.Equal(t, "placedAt", idx.Range)
}

func TestValidate_RejectsUndeclaredKeyField(t *testing.T) {
	s := schematest.OrderSchema()
	s.HashKey = "warehouse"

	assert.Error(t, s.Validate())
}

func TestValidate_RequiresWellKnownFields(t *testing.T) {
	s := schematest.OrderSchema()
	delete(s.Fields, schema.FieldETag)

	assert.Error(t, s.Validate())
}

func TestGetSet_RoundTrip(t *testing.T) {
	s := schematest.OrderSchema()
	o := &schematest.Order{}

	require.NoError(t, s.Set("status", o, "SHIPPED"))
	v, err := s.Get("status", o)
	require.NoError(t, err)
	assert.Equal(t, "SHIPPED", v)

	_, err = s.Get("warehouse", o)
	assert.Error(t, err)
	assert.Error(t, s.Set("quantity", o, "not-an-int"))
}

func TestMarshalItem_RoundTrip(t *testing.T) {
	s := schematest.OrderSchema()
	o := &schematest.Order{
		CustomerID: "cust-1",
		OrderID:    "ord-1",
		Status:     "OPEN",
		Total:      19.99,
		Quantity:   3,
		PlacedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	item, err := s.MarshalItem(o)
	require.NoError(t, err)

	back, err := s.UnmarshalItem(item)
	require.NoError(t, err)
	assert.Equal(t, o.CustomerID, back.CustomerID)
	assert.Equal(t, o.Total, back.Total)
	assert.True(t, o.PlacedAt.Equal(back.PlacedAt))
}

func TestMarshalItem_TimeFieldsMatchCursorForm(t *testing.T) {
	s := schematest.OrderSchema()
	// Whole-second instant: the default marshaller would render it without a
	// fractional part, which sorts differently from the cursor form.
	placed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := &schematest.Order{
		CustomerID: "cust-1",
		OrderID:    "ord-1",
		PlacedAt:   placed,
	}

	item, err := s.MarshalItem(o)
	require.NoError(t, err)

	stored, ok := item["placedAt"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	cursor, err := schema.FormatValue(schema.KindTime, placed)
	require.NoError(t, err)
	assert.Equal(t, cursor, stored.Value)
	assert.Equal(t, "2024-05-01T12:00:00.000Z", stored.Value)
}

func TestFormatValue_TimeIsFixedZoneISO(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	v, err := schema.FormatValue(schema.KindTime, time.Date(2024, 5, 1, 7, 30, 0, 0, est))

	require.NoError(t, err)
	// Rendered in UTC so string order equals time order across zones.
	assert.Equal(t, "2024-05-01T12:30:00.000Z", v)
}

func TestFormatValue_KindMismatch(t *testing.T) {
	_, err := schema.FormatValue(schema.KindInt, "twelve")
	assert.Error(t, err)
}

func TestAttrFromString(t *testing.T) {
	tests := []struct {
		name string
		kind schema.Kind
		raw  string
		want types.AttributeValue
	}{
		{"string", schema.KindString, "ord-7", &types.AttributeValueMemberS{Value: "ord-7"}},
		{"time", schema.KindTime, "2024-05-01T12:30:00.000Z", &types.AttributeValueMemberS{Value: "2024-05-01T12:30:00.000Z"}},
		{"int", schema.KindInt, "42", &types.AttributeValueMemberN{Value: "42"}},
		{"float", schema.KindFloat, "19.99", &types.AttributeValueMemberN{Value: "19.99"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := schema.AttrFromString(tt.kind, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceConditionValue_Time(t *testing.T) {
	v, err := schema.CoerceConditionValue(schema.KindTime, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T12:00:00.000Z", v)

	passthrough, err := schema.CoerceConditionValue(schema.KindTime, "2024-05-01T12:00:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T12:00:00.000Z", passthrough)

	_, err = schema.CoerceConditionValue(schema.KindTime, 12)
	assert.Error(t, err)
}
