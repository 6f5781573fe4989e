package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "dynarepo/pkg/errors"
)

func TestNewFilter_OperatorExclusivity(t *testing.T) {
	params := []FilterParameter{
		MustFilter("status", OpEq, CombineAnd, "OPEN"),
		MustFilter("status", OpNe, CombineAnd, "OPEN"),
		MustFilter("quantity", OpGt, CombineAnd, 1),
		MustFilter("quantity", OpLt, CombineAnd, 9),
		MustFilter("quantity", OpGe, CombineAnd, 1),
		MustFilter("quantity", OpLe, CombineAnd, 9),
		MustFilter("quantity", OpBetween, CombineAnd, 1, 9),
		MustFilter("status", OpContains, CombineAnd, "PEN"),
		MustFilter("status", OpNotContains, CombineAnd, "PEN"),
		MustFilter("status", OpBeginsWith, CombineAnd, "OP"),
		MustFilter("status", OpIn, CombineAnd, "OPEN", "SHIPPED"),
	}

	predicates := []func(FilterParameter) bool{
		FilterParameter.IsEq,
		FilterParameter.IsNe,
		FilterParameter.IsGt,
		FilterParameter.IsLt,
		FilterParameter.IsGe,
		FilterParameter.IsLe,
		FilterParameter.IsBetween,
		FilterParameter.IsContains,
		FilterParameter.IsNotContains,
		FilterParameter.IsBeginsWith,
		FilterParameter.IsIn,
	}

	for i, p := range params {
		hits := 0
		for _, pred := range predicates {
			if pred(p) {
				hits++
			}
		}
		assert.Equal(t, 1, hits, "parameter %d (%s) must satisfy exactly one operator predicate", i, p.Op())
	}
}

func TestNewFilter_ConstructionErrors(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		op     Operator
		comb   Combinator
		values []any
	}{
		{"unknown operator", "status", Operator("like"), CombineAnd, []any{"x"}},
		{"eq with two values", "status", OpEq, CombineAnd, []any{"a", "b"}},
		{"between with one value", "quantity", OpBetween, CombineAnd, []any{1}},
		{"in with no values", "status", OpIn, CombineAnd, nil},
		{"empty field", "", OpEq, CombineAnd, []any{"x"}},
		{"unknown combinator", "status", OpEq, Combinator("XOR"), []any{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFilter(tt.field, tt.op, tt.comb, tt.values...)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestPack_Validate(t *testing.T) {
	valid := &Pack{
		Limit:   20,
		BaseKey: "orders?status=OPEN",
	}
	assert.NoError(t, valid.Validate())

	t.Run("limit out of range", func(t *testing.T) {
		p := &Pack{Limit: 101, BaseKey: "k"}
		err := p.Validate()
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("missing base key", func(t *testing.T) {
		p := &Pack{Limit: 20}
		assert.Error(t, p.Validate())
	})

	t.Run("grouping chain too long", func(t *testing.T) {
		p := &Pack{
			Limit:   20,
			BaseKey: "k",
			Aggregate: &Aggregation{
				Function: AggCount,
				Groupings: []Grouping{
					{Field: "a", Order: SortByKeyAsc},
					{Field: "b", Order: SortByKeyAsc},
					{Field: "c", Order: SortByKeyAsc},
					{Field: "d", Order: SortByKeyAsc},
				},
			},
		}
		err := p.Validate()
		require.Error(t, err)
		assert.True(t, apperrors.IsIllegalQuery(err))
	})

	t.Run("sum without field", func(t *testing.T) {
		p := &Pack{Limit: 20, BaseKey: "k", Aggregate: &Aggregation{Function: AggSum}}
		err := p.Validate()
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestFiltersByField_PreservesOrder(t *testing.T) {
	p := &Pack{
		Filters: []FilterParameter{
			MustFilter("status", OpEq, CombineAnd, "OPEN"),
			MustFilter("region", OpEq, CombineAnd, "eu"),
			MustFilter("status", OpEq, CombineOr, "SHIPPED"),
		},
	}

	fields, grouped := p.FiltersByField()

	assert.Equal(t, []string{"status", "region"}, fields)
	assert.Len(t, grouped["status"], 2)
	assert.Len(t, grouped["region"], 1)
}

func TestGroupingHash_DistinguishesShapes(t *testing.T) {
	a := &Aggregation{Function: AggCount, Groupings: []Grouping{{Field: "status", Order: SortByKeyAsc}}}
	b := &Aggregation{Function: AggCount, Groupings: []Grouping{{Field: "region", Order: SortByKeyAsc}}}
	c := &Aggregation{Function: AggCount, Groupings: []Grouping{{Field: "status", Order: SortByKeyAsc}}}

	assert.NotEqual(t, a.GroupingHash(), b.GroupingHash())
	assert.Equal(t, a.GroupingHash(), c.GroupingHash())
}
