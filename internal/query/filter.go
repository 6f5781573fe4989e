// Package query defines the declarative filter/order/limit request shape and
// translates it into native store expressions.
package query

import (
	"fmt"

	apperrors "dynarepo/pkg/errors"
)

// Operator enumerates the predicate operators a filter parameter may carry.
// Exactly one operator is set per parameter, enforced at construction.
type Operator string

const (
	OpEq               Operator = "eq"
	OpNe               Operator = "ne"
	OpGt               Operator = "gt"
	OpLt               Operator = "lt"
	OpGe               Operator = "ge"
	OpLe               Operator = "le"
	OpBetween          Operator = "between"          // exclusive on both ends
	OpInclusiveBetween Operator = "inclusiveBetween" // inclusive on both ends
	OpGeLtBetween      Operator = "geLtBetween"      // inclusive low, exclusive high
	OpLeGtBetween      Operator = "leGtBetween"      // exclusive low, inclusive high
	OpContains         Operator = "contains"
	OpNotContains      Operator = "notContains"
	OpBeginsWith       Operator = "beginsWith"
	OpIn               Operator = "in"
)

// Combinator states how a parameter joins its siblings within a field group.
type Combinator string

const (
	CombineAnd Combinator = "AND"
	CombineOr  Combinator = "OR"
)

// arity returns the exact number of values an operator takes; -1 means one or
// more.
func (op Operator) arity() int {
	switch op {
	case OpEq, OpNe, OpGt, OpLt, OpGe, OpLe, OpContains, OpNotContains, OpBeginsWith:
		return 1
	case OpBetween, OpInclusiveBetween, OpGeLtBetween, OpLeGtBetween:
		return 2
	case OpIn:
		return -1
	}
	return 0
}

// FilterParameter is one predicate on one field. The zero value is invalid;
// use the constructors.
type FilterParameter struct {
	field      string
	op         Operator
	values     []any
	combinator Combinator
}

// NewFilter constructs a filter parameter, rejecting unknown operators and
// wrong value counts at construction time.
func NewFilter(field string, op Operator, combinator Combinator, values ...any) (FilterParameter, error) {
	var zero FilterParameter
	if field == "" {
		return zero, apperrors.NewValidation("filter field is required")
	}
	want := op.arity()
	switch {
	case want == 0:
		return zero, apperrors.NewValidation(fmt.Sprintf("unknown filter operator %q", op))
	case want == -1:
		if len(values) == 0 {
			return zero, apperrors.NewValidation("in filter requires at least one value")
		}
	case len(values) != want:
		return zero, apperrors.NewValidation(
			fmt.Sprintf("operator %s on field %s takes %d value(s), got %d", op, field, want, len(values)))
	}
	switch combinator {
	case CombineAnd, CombineOr:
	default:
		return zero, apperrors.NewValidation(fmt.Sprintf("unknown combinator %q", combinator))
	}
	return FilterParameter{field: field, op: op, values: values, combinator: combinator}, nil
}

// MustFilter is NewFilter for statically-known parameters (fixtures, tests).
func MustFilter(field string, op Operator, combinator Combinator, values ...any) FilterParameter {
	p, err := NewFilter(field, op, combinator, values...)
	if err != nil {
		panic(err)
	}
	return p
}

// Eq builds an AND-combined equality filter.
func Eq(field string, value any) (FilterParameter, error) {
	return NewFilter(field, OpEq, CombineAnd, value)
}

// Field returns the field the predicate applies to.
func (p FilterParameter) Field() string { return p.field }

// Op returns the single operator set on this parameter.
func (p FilterParameter) Op() Operator { return p.op }

// Values returns the operator's operand values.
func (p FilterParameter) Values() []any { return p.values }

// Combinator returns how this parameter joins its siblings.
func (p FilterParameter) Combinator() Combinator { return p.combinator }

func (p FilterParameter) IsEq() bool          { return p.op == OpEq }
func (p FilterParameter) IsNe() bool          { return p.op == OpNe }
func (p FilterParameter) IsGt() bool          { return p.op == OpGt }
func (p FilterParameter) IsLt() bool          { return p.op == OpLt }
func (p FilterParameter) IsGe() bool          { return p.op == OpGe }
func (p FilterParameter) IsLe() bool          { return p.op == OpLe }
func (p FilterParameter) IsBetween() bool     { return p.op == OpBetween }
func (p FilterParameter) IsContains() bool    { return p.op == OpContains }
func (p FilterParameter) IsNotContains() bool { return p.op == OpNotContains }
func (p FilterParameter) IsBeginsWith() bool  { return p.op == OpBeginsWith }
func (p FilterParameter) IsIn() bool          { return p.op == OpIn }

// isLowerBound reports whether the operator is a lower inequality bound.
func (op Operator) isLowerBound() bool { return op == OpGt || op == OpGe }

// isUpperBound reports whether the operator is an upper inequality bound.
func (op Operator) isUpperBound() bool { return op == OpLt || op == OpLe }

// KeyExpressible reports whether the operator can appear in a native key
// condition on a sort key. The remaining operators force a scan-and-sort
// fallback when they target the range field.
func (op Operator) KeyExpressible() bool {
	switch op {
	case OpEq, OpGt, OpLt, OpGe, OpLe,
		OpBetween, OpInclusiveBetween, OpGeLtBetween, OpLeGtBetween, OpBeginsWith:
		return true
	}
	return false
}

// OrderBy selects the sort field and direction for a request. At most one per
// request: the store orders by a single sort key per query.
type OrderBy struct {
	Field      string
	Descending bool
}
