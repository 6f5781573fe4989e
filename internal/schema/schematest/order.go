// Package schematest provides a fixture record type and schema shared by
// tests across the repository layer.
package schematest

import (
	"fmt"
	"time"

	"dynarepo/internal/schema"
)

// Order is the fixture record: customer-partitioned with an order id sort
// key, a local index on placement time, and a global index on region.
type Order struct {
	CustomerID string    `dynamodbav:"customerId"`
	OrderID    string    `dynamodbav:"orderId"`
	Status     string    `dynamodbav:"status"`
	Region     string    `dynamodbav:"region"`
	Total      float64   `dynamodbav:"total"`
	Quantity   int       `dynamodbav:"quantity"`
	PlacedAt   time.Time `dynamodbav:"placedAt"`
	ETag       string    `dynamodbav:"etag"`
	CreatedAt  time.Time `dynamodbav:"createdAt"`
	UpdatedAt  time.Time `dynamodbav:"updatedAt"`
}

// PlacedAtIndex orders a customer's orders by placement time.
const PlacedAtIndex = "PlacedAtIndex"

// RegionIndex is the global index keyed by region with orderId as range.
const RegionIndex = "RegionIndex"

// OrderSchema builds the fixture schema. It panics on an invalid descriptor
// since fixtures are statically known.
func OrderSchema() *schema.Schema[Order] {
	s := &schema.Schema[Order]{
		TypeName: "Order",
		HashKey:  "customerId",
		RangeKey: "orderId",
		Indexes: map[string]schema.IndexKey{
			PlacedAtIndex: {Hash: "customerId", Range: "placedAt"},
			RegionIndex:   {Hash: "region", Range: "orderId"},
		},
		Fields: map[string]schema.Field[Order]{
			"customerId": {
				Kind: schema.KindString,
				Get:  func(o *Order) any { return o.CustomerID },
				Set:  setString(func(o *Order, v string) { o.CustomerID = v }),
			},
			"orderId": {
				Kind: schema.KindString,
				Get:  func(o *Order) any { return o.OrderID },
				Set:  setString(func(o *Order, v string) { o.OrderID = v }),
			},
			"status": {
				Kind: schema.KindString,
				Get:  func(o *Order) any { return o.Status },
				Set:  setString(func(o *Order, v string) { o.Status = v }),
			},
			"region": {
				Kind: schema.KindString,
				Get:  func(o *Order) any { return o.Region },
				Set:  setString(func(o *Order, v string) { o.Region = v }),
			},
			"total": {
				Kind: schema.KindFloat,
				Get:  func(o *Order) any { return o.Total },
				Set: func(o *Order, v any) error {
					fv, ok := v.(float64)
					if !ok {
						return fmt.Errorf("expected float64, got %T", v)
					}
					o.Total = fv
					return nil
				},
			},
			"quantity": {
				Kind: schema.KindInt,
				Get:  func(o *Order) any { return o.Quantity },
				Set: func(o *Order, v any) error {
					iv, ok := v.(int)
					if !ok {
						return fmt.Errorf("expected int, got %T", v)
					}
					o.Quantity = iv
					return nil
				},
			},
			"placedAt": {
				Kind: schema.KindTime,
				Get:  func(o *Order) any { return o.PlacedAt },
				Set:  setTime(func(o *Order, v time.Time) { o.PlacedAt = v }),
			},
			schema.FieldETag: {
				Kind: schema.KindString,
				Get:  func(o *Order) any { return o.ETag },
				Set:  setString(func(o *Order, v string) { o.ETag = v }),
			},
			schema.FieldCreatedAt: {
				Kind: schema.KindTime,
				Get:  func(o *Order) any { return o.CreatedAt },
				Set:  setTime(func(o *Order, v time.Time) { o.CreatedAt = v }),
			},
			schema.FieldUpdatedAt: {
				Kind: schema.KindTime,
				Get:  func(o *Order) any { return o.UpdatedAt },
				Set:  setTime(func(o *Order, v time.Time) { o.UpdatedAt = v }),
			},
		},
	}
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return s
}

func setString(assign func(*Order, string)) func(*Order, any) error {
	return func(o *Order, v any) error {
		sv, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		assign(o, sv)
		return nil
	}
}

func setTime(assign func(*Order, time.Time)) func(*Order, any) error {
	return func(o *Order, v any) error {
		tv, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", v)
		}
		assign(o, tv)
		return nil
	}
}
